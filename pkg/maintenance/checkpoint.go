// Package maintenance runs the periodic WAL checkpoint that keeps the
// embedded database file compact.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Checkpointer is the slice of the projection store the job needs.
type Checkpointer interface {
	Checkpoint(ctx context.Context, mode string) error
}

type Job struct {
	store    Checkpointer
	interval time.Duration
	mode     string
	log      *zap.Logger

	cron *cron.Cron
}

func NewJob(store Checkpointer, intervalHours int, mode string, log *zap.Logger) *Job {
	if intervalHours < 1 {
		intervalHours = 24
	}
	return &Job{
		store:    store,
		interval: time.Duration(intervalHours) * time.Hour,
		mode:     mode,
		log:      log,
	}
}

// Start schedules the checkpoint and returns. Failures are logged, never
// fatal: a missed checkpoint only delays compaction.
func (j *Job) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.interval), func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := j.store.Checkpoint(runCtx, j.mode); err != nil {
			j.log.Warn("wal checkpoint failed", zap.String("mode", j.mode), zap.Error(err))
			return
		}
		j.log.Info("wal checkpoint complete", zap.String("mode", j.mode))
	})
	if err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running checkpoint to finish.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}
