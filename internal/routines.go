package internal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zapmesh/wagateway/pkg/env"
	"github.com/zapmesh/wagateway/pkg/log"
)

// Routines wires the recurring maintenance jobs: session health probing,
// dedup window sweeping, and retention pruning for finished broadcast jobs
// and audit logs.
func Routines(c *cron.Cron, deps Deps) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("HEALTH_PROBE_ENABLED", true) {
		_, err := c.AddFunc("0 */5 * * * *", func() {
			deps.Registry.Probe()
		})
		if err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add health probe cron job")
		}
	} else {
		log.Print(nil).Info("Health probe cron disabled; relying on transport events")
	}

	_, err := c.AddFunc("30 * * * * *", func() {
		if removed := deps.Guard.Sweep(); removed > 0 {
			log.Print(nil).Debugf("dedup sweep removed %d expired keys", removed)
		}
	})
	if err != nil {
		log.Print(nil).WithField("error", err.Error()).Error("Failed to add dedup sweep cron job")
	}

	_, err = c.AddFunc("0 0 3 * * *", func() {
		if removed := deps.Queue.Prune(deps.JobRetention); removed > 0 {
			log.Print(nil).Infof("pruned %d finished broadcast jobs", removed)
		}

		if deps.Store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := deps.Store.PruneLogs(ctx, deps.LogRetention); err != nil {
				log.Print(nil).WithError(err).Error("Failed to prune audit logs")
			}
		}
	})
	if err != nil {
		log.Print(nil).WithField("error", err.Error()).Error("Failed to add retention cron job")
	}

	c.Start()
}
