package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shellgate/shellgate/internal/client"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shellgate",
		Short: "Terminal client for shellgated sessions",
		Long: `shellgate connects your terminal to a shell session hosted by a
shellgated daemon. The shell keeps running on the server when you
disconnect; reattach any time with --session.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(connectCmd())
	cmd.AddCommand(listCmd())
	return cmd
}

func connectCmd() *cobra.Command {
	var sessionID string
	var stopID string

	cmd := &cobra.Command{
		Use:   "connect <server-url>",
		Short: "Create or reattach to a shell session",
		Long: `Without --session a fresh session is created. With --session the
existing session is reattached with its scrollback replayed. While
connected the terminal is in raw mode, so Ctrl-C and friends go to the
remote shell; disconnect by exiting the shell or killing the client.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := args[0]
			c := client.New(base)

			if stopID != "" {
				if err := c.Stop(stopID); err != nil {
					return err
				}
				fmt.Printf("Session %s stopped\n", stopID)
				return nil
			}

			var id, wsURL string
			if sessionID != "" {
				id = sessionID
				wsURL = c.ConnectURL(id)
				fmt.Printf("Reconnecting to session %s\n", id)
			} else {
				cr, err := c.Create()
				if err != nil {
					return err
				}
				id = cr.SessionID
				wsURL = cr.ConnectURL
				fmt.Printf("Created session %s\n", id)
			}

			if err := client.Attach(cmd.Context(), wsURL); err != nil {
				return err
			}
			fmt.Printf("\nDisconnected. Reattach with: shellgate connect %s --session %s\n", base, id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "existing session id to reattach")
	cmd.Flags().StringVarP(&stopID, "stop", "k", "", "stop the given session and exit")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <server-url>",
		Short: "List sessions on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lr, err := client.New(args[0]).List()
			if err != nil {
				return err
			}
			if lr.Total == 0 {
				fmt.Println("No sessions")
				return nil
			}

			fmt.Printf("%-36s  %-10s  %s\n", "SESSION", "STATUS", "CREATED")
			for _, s := range lr.Sessions {
				fmt.Printf("%-36s  %-10s  %s\n", s.ID, s.Status, s.CreatedAt.Format(time.RFC3339))
			}
			fmt.Printf("\n%d total, %d attached\n", lr.Total, lr.Active)
			return nil
		},
	}
}
