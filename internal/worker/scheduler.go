package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/metrics"
)

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Start schedules the periodic sync cycle and the snapshot purge
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	logger := cronLogger{logger: w.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if w.config.Enabled {
		if _, err := c.AddFunc(w.config.Schedule, func() { w.scheduledCycle(ctx) }); err != nil {
			return fmt.Errorf("scheduling sync cycle %q: %w", w.config.Schedule, err)
		}
	}
	if _, err := c.AddFunc(w.historyCfg.PurgeSchedule, func() { w.purge(ctx) }); err != nil {
		return fmt.Errorf("scheduling snapshot purge %q: %w", w.historyCfg.PurgeSchedule, err)
	}

	c.Start()
	w.cron = c
	w.running = true

	w.logger.Info("sync worker started",
		"sync_enabled", w.config.Enabled,
		"schedule", w.config.Schedule,
		"purge_schedule", w.historyCfg.PurgeSchedule,
	)
	return nil
}

// Stop stops scheduling and waits for running jobs to finish
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	c := w.cron
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cron = nil
	w.mu.Unlock()

	<-c.Stop().Done()

	w.logger.Info("sync worker stopped")
	return nil
}

// IsRunning returns whether the scheduler is active
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SyncWorker) scheduledCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.RunSyncCycle(ctx); err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
		w.logger.Error("scheduled sync cycle failed", "error", err)
	}
}

func (w *SyncWorker) purge(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.history.Purge(ctx, w.now())
	if err != nil {
		w.logger.Error("snapshot purge failed", "error", err)
		return
	}
	metrics.SnapshotsPurged.Add(float64(n))
}
