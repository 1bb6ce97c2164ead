package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically removes expired rows from a store. Expiry semantics
// never depend on it running; it only reclaims space.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a janitor running on the given cron schedule
// (standard five-field expressions plus @every descriptors).
func NewJanitor(sweeper Sweeper, schedule string) (*Janitor, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}

	j := &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     cron.New(),
	}

	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	log.Info().Str("schedule", j.schedule).Msg("Store janitor started")
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Store janitor stopped")
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Store sweep failed")
		return
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept expired store entries")
	}
}
