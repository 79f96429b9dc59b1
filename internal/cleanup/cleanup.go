package cleanup

import (
	"context"
	"fmt"
	"time"

	"ms-gatekeeper/internal/config"
	"ms-gatekeeper/internal/logger"
)

// Store is the slice of the record store the cleanup service needs.
type Store interface {
	PruneBefore(ctx context.Context, bookingCutoff string, scanCutoff time.Time) (int64, int64, error)
}

// Service prunes tickets and scan events older than the retention horizon.
// It is the only component that deletes rows; the reconciliation core never
// does.
type Service struct {
	store      Store
	log        *logger.Logger
	interval   time.Duration
	retainDays int
	now        func() time.Time
}

// New builds a cleanup service from configuration.
func New(cfg *config.Config, st Store, log *logger.Logger) *Service {
	retain := cfg.Cleanup.RetainDays
	if retain < 1 {
		retain = 1
	}
	return &Service{
		store:      st,
		log:        log,
		interval:   cfg.Cleanup.Interval,
		retainDays: retain,
		now:        time.Now,
	}
}

// Run prunes on the configured interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.log.Info(logger.CategoryCleanup,
		fmt.Sprintf("cleanup service started: every %s, retaining %d day(s)", s.interval, s.retainDays))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(logger.CategoryCleanup, "cleanup service stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle removes tickets booked on or before the cutoff day and scan
// events from before the day after it (i.e. everything older than the
// retained window).
func (s *Service) RunCycle(ctx context.Context) {
	cutoffDay := s.now().AddDate(0, 0, -s.retainDays)
	bookingCutoff := cutoffDay.Format("2006-01-02")
	scanCutoff := time.Date(cutoffDay.Year(), cutoffDay.Month(), cutoffDay.Day(),
		0, 0, 0, 0, cutoffDay.Location()).AddDate(0, 0, 1)

	tickets, scans, err := s.store.PruneBefore(ctx, bookingCutoff, scanCutoff)
	if err != nil {
		s.log.Error(logger.CategoryCleanup, fmt.Sprintf("prune failed: %v", err))
		return
	}
	if tickets > 0 || scans > 0 {
		s.log.Info(logger.CategoryCleanup,
			fmt.Sprintf("pruned %d tickets and %d scan events booked on or before %s", tickets, scans, bookingCutoff))
	}
}
