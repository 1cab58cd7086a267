// Package pipeline runs background data jobs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Archiver exports resolved bets older than the retention window to cold
// storage.
type Archiver struct {
	blob      domain.Archiver
	retention time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver keeping retentionDays of resolved bets
// out of the archive.
func NewArchiver(blob domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		clock:     time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff returns the resolution time before which bets are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.clock().UTC().Add(-a.retention).Truncate(24 * time.Hour)
}

// Run executes one archive pass.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.Cutoff()
	n, err := a.blob.ArchiveBets(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive bets before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	a.logger.Info("archive run complete", slog.Time("cutoff", cutoff), slog.Int64("bets", n))
	return n, nil
}

// RunCron runs the archiver on a six-field cron schedule until ctx is
// cancelled.
func (a *Archiver) RunCron(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("archiver: schedule %q: %w", schedule, err)
	}

	a.logger.Info("archiver cron started", slog.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}
