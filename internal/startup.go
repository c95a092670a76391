package internal

import (
	"context"
	"errors"
	mathrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zapmesh/wagateway/pkg/env"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/session"
)

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Startup restores sessions for every known instance: the database roster
// when a store is configured, the GATEWAY_INSTANCES environment roster
// otherwise. Restores run concurrently but bounded, with a little jitter
// so a large roster does not slam the network at once.
func Startup(ctx context.Context, deps Deps) {
	log.Print(nil).Info("Running Startup Tasks")

	roster := startupRoster(ctx, deps)
	if len(roster) == 0 {
		log.Print(nil).Info("No instances to restore")
		return
	}

	concurrency := int64(env.GetEnvIntOrDefault("STARTUP_CONCURRENCY", 4))
	if concurrency <= 0 {
		concurrency = 1
	}
	jitter := env.GetEnvDurationOrDefault("STARTUP_JITTER", 2*time.Second)

	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup

	for _, instanceID := range roster {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			jitterSleep(jitter)
			if _, err := deps.Registry.Create(ctx, id); err != nil {
				if errors.Is(err, session.ErrAlreadyExists) {
					return
				}
				log.Instance(id).WithError(err).Error("Failed to restore session")
				return
			}
			log.Instance(id).Info("Session restore started")
		}(instanceID)
	}

	wg.Wait()
	log.Print(nil).Infof("Startup restore kicked off for %d instances", len(roster))
}

func startupRoster(ctx context.Context, deps Deps) []string {
	if deps.Store != nil {
		ids, err := deps.Store.ListInstances(ctx)
		if err != nil {
			log.Print(nil).WithError(err).Error("Failed to load instance roster from database")
			return nil
		}
		return ids
	}

	raw := env.GetEnvStringOrDefault("GATEWAY_INSTANCES", "")
	if raw == "" {
		return nil
	}

	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
