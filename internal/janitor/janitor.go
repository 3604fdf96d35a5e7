// Package janitor periodically removes terminal task records once they age
// past the retention window.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultSchedule  = "@hourly"
	defaultRetention = 7 * 24 * time.Hour
)

// Purger deletes terminal tasks completed before the cutoff and reports how
// many went away.
type Purger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the janitor. Zero values take the defaults.
type Options struct {
	Purger    Purger
	Logger    zerolog.Logger
	Schedule  string
	Retention time.Duration
}

// Janitor owns the purge schedule.
type Janitor struct {
	purger    Purger
	logger    zerolog.Logger
	schedule  string
	retention time.Duration
	cron      *cron.Cron
}

// New builds a stopped janitor.
func New(opts Options) *Janitor {
	j := &Janitor{
		purger:    opts.Purger,
		logger:    opts.Logger,
		schedule:  opts.Schedule,
		retention: opts.Retention,
	}
	if j.schedule == "" {
		j.schedule = defaultSchedule
	}
	if j.retention <= 0 {
		j.retention = defaultRetention
	}
	return j
}

// Start installs the purge job and begins the schedule.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Dur("retention", j.retention).Msg("janitor: started")
	return nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// RunOnce executes a single purge pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	purged, err := j.purger.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor: purge failed")
		return
	}
	if purged > 0 {
		j.logger.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("janitor: removed old tasks")
	}
}
