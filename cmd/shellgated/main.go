package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/jobs"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shellgated",
		Short: "Daemon hosting durable PTY shell sessions",
		Long: `shellgated keeps shell sessions alive server side so clients can
disconnect and reattach later without losing shell state. Sessions are
reachable over a websocket channel; a small HTTP API manages them.

Configuration comes from SHELLGATE_* environment variables; flags
override them.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(startCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func startCmd() *cobra.Command {
	var host string
	var port int
	var dataDir string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Load()
			if cmd.Flags().Changed("host") {
				config.Cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				config.Cfg.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				config.Cfg.DataDir = dataDir
			}
			return run()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind address (overrides SHELLGATE_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides SHELLGATE_PORT)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "state directory (overrides SHELLGATE_DATA_DIR)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func run() error {
	if err := os.MkdirAll(config.Cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logging.Init()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	reg := session.NewRegistry(session.Config{
		Shell:           config.Cfg.Shell,
		LoginShell:      config.Cfg.LoginShell,
		Rows:            config.Cfg.Rows,
		Cols:            config.Cfg.Cols,
		MaxSessions:     config.Cfg.MaxSessions,
		ScrollbackBytes: config.Cfg.ScrollbackBytes,
		StopGrace:       config.Cfg.StopGrace,
		Recorder:        &database.Recorder{},
	})

	a := &handlers.API{
		Registry:    reg,
		Version:     version,
		ExecTimeout: config.Cfg.ExecTimeout,
	}

	maintenance := jobs.Start(reg)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr(),
		Handler: a.Routes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("shellgated %s listening on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	maintenance.Stop()
	reg.DrainAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
