package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/session"
)

// Start schedules the daemon's maintenance jobs and returns the running
// scheduler so main can stop it at shutdown. Two jobs: sweeping
// terminated sessions out of the registry, and pruning old audit rows.
func Start(reg *session.Registry) *cron.Cron {
	c := cron.New()

	sweepSpec := fmt.Sprintf("@every %s", config.Cfg.SweepInterval)
	if _, err := c.AddFunc(sweepSpec, func() {
		reg.SweepTerminated(config.Cfg.TerminatedGrace)
	}); err != nil {
		log.Printf("Failed to schedule session sweep: %v", err)
	}

	if _, err := c.AddFunc("@daily", func() {
		if database.DB == nil {
			return
		}
		cutoff := time.Now().AddDate(0, 0, -config.Cfg.EventRetentionDays)
		n, err := database.PruneEvents(cutoff)
		if err != nil {
			log.Printf("Event prune failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Pruned %d old session event(s)", n)
		}
	}); err != nil {
		log.Printf("Failed to schedule event prune: %v", err)
	}

	c.Start()
	log.Printf("Maintenance jobs started (sweep every %s, terminated grace %s)",
		config.Cfg.SweepInterval, config.Cfg.TerminatedGrace)
	return c
}
