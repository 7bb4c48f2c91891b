package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// monthlyResetSpec fires at midnight on the first of every month. The grant
// renews on the calendar boundary, never lazily on access.
const monthlyResetSpec = "0 0 1 * *"

// MonthlyResetter is the subset of a ledger backend the scheduler needs.
// Both [Memory] and [Postgres] implement it.
type MonthlyResetter interface {
	ResetMonth(ctx context.Context) error
}

// ResetScheduler runs the monthly budget re-grant on a cron schedule.
type ResetScheduler struct {
	cron   *cron.Cron
	target MonthlyResetter
	log    *slog.Logger
}

// NewResetScheduler creates a scheduler for target. Call [ResetScheduler.Start]
// to begin and [ResetScheduler.Stop] during shutdown.
func NewResetScheduler(target MonthlyResetter, log *slog.Logger) (*ResetScheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &ResetScheduler{
		cron:   cron.New(),
		target: target,
		log:    log,
	}
	if _, err := s.cron.AddFunc(monthlyResetSpec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ResetScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.target.ResetMonth(ctx); err != nil {
		s.log.Error("monthly credit reset failed", "error", err)
		return
	}
	s.log.Info("monthly credit grants reset")
}

// Start begins the cron loop in its own goroutine.
func (s *ResetScheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for an in-flight reset to finish.
func (s *ResetScheduler) Stop() {
	<-s.cron.Stop().Done()
}
