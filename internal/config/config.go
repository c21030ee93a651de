package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Host    string `envconfig:"HOST" default:"0.0.0.0"`
	Port    int    `envconfig:"PORT" default:"3000"`
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// DatabasePath and LogPath default to files under DataDir when empty.
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Session shell settings
	Shell      string `envconfig:"SHELL_PATH" default:""`
	LoginShell bool   `envconfig:"LOGIN_SHELL" default:"true"`
	Rows       uint16 `envconfig:"ROWS" default:"24"`
	Cols       uint16 `envconfig:"COLS" default:"80"`

	// MaxSessions caps concurrent sessions. Zero means no cap.
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"0"`
	ScrollbackBytes int           `envconfig:"SCROLLBACK_BYTES" default:"262144"`
	StopGrace       time.Duration `envconfig:"STOP_GRACE" default:"3s"`

	// Maintenance jobs
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	TerminatedGrace    time.Duration `envconfig:"TERMINATED_GRACE" default:"5m"`
	EventRetentionDays int           `envconfig:"EVENT_RETENTION_DAYS" default:"30"`

	// One-shot command execution
	ExecTimeout time.Duration `envconfig:"EXEC_TIMEOUT" default:"30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ListenAddr returns the host:port the daemon binds to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseFile returns the sqlite path, defaulting under DataDir.
func (s *Settings) DatabaseFile() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataDir, "shellgate.db")
}

// LogFile returns the daemon log path, defaulting under DataDir.
func (s *Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataDir, "shellgated.log")
}
