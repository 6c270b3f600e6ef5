package main

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// startSweepers schedules the background maintenance jobs: the session
// cache sweep, the credential expiry sweep and the request log prune.
// Returns the scheduler so the caller can stop it on shutdown.
func startSweepers(cache *sessionCache, pool *accountPool, stats *statsStore, cacheSweepEvery, expirySweepEvery time.Duration) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cacheSweepEvery), func() {
		cache.sweep()
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", expirySweepEvery), func() {
		if n := pool.sweepExpired(); n > 0 {
			log.Printf("expiry sweep: %d accounts newly expired", n)
		}
	}); err != nil {
		return nil, err
	}

	if stats != nil {
		if _, err := c.AddFunc("@every 1h", func() {
			stats.prune()
		}); err != nil {
			return nil, err
		}
	}

	c.Start()
	return c, nil
}
