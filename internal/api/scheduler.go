package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintainer is the subset of the captcha service the scheduler drives.
type Maintainer interface {
	PurgeOldAttempts(ctx context.Context, days int) (int64, error)
	SweepExpiredChallenges(ctx context.Context) (int64, error)
}

// Scheduler runs ledger retention and challenge sweeping on cron specs.
type Scheduler struct {
	cron          *cron.Cron
	svc           Maintainer
	retentionDays int
	jobTimeout    time.Duration
}

// NewScheduler registers the purge and sweep jobs. An empty spec skips
// that job; a non-positive retentionDays skips the purge.
func NewScheduler(svc Maintainer, retentionDays int, purgeSpec, sweepSpec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:          cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		svc:           svc,
		retentionDays: retentionDays,
		jobTimeout:    time.Minute,
	}
	if purgeSpec != "" && retentionDays > 0 {
		if _, err := s.cron.AddFunc(purgeSpec, func() { s.RunPurge(context.Background()) }); err != nil {
			return nil, fmt.Errorf("purge schedule %q: %w", purgeSpec, err)
		}
	}
	if sweepSpec != "" {
		if _, err := s.cron.AddFunc(sweepSpec, func() { s.RunSweep(context.Background()) }); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", sweepSpec, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered cron entries.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// RunPurge deletes attempts older than the retention period.
func (s *Scheduler) RunPurge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	if _, err := s.svc.PurgeOldAttempts(ctx, s.retentionDays); err != nil {
		zap.L().Error("captcha retention purge failed", zap.Error(err))
	}
}

// RunSweep removes expired self-hosted challenges.
func (s *Scheduler) RunSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	n, err := s.svc.SweepExpiredChallenges(ctx)
	if err != nil {
		zap.L().Error("captcha challenge sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Debug("swept expired captcha challenges", zap.Int64("count", n))
	}
}
