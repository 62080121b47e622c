/*
scheduler.go - Time-driven settlement jobs

PURPOSE:
  Runs the two transitions nobody asks for over HTTP:
  - completion sweep: confirmed bookings whose stay ended become completed
  - auto payout (optional): releases every eligible payout in one batch

DESIGN:
  - gocron/v2 duration jobs in singleton mode, so a slow run is never
    overlapped by the next tick
  - both jobs run once at start
  - jobs act as settlement.SystemActor
  - RunSweep / RunAutoPayout are exported for manual triggering (settlectl)

CONFIGURATION:
  - SweepInterval:      how often to sweep (default: 1 hour, 0 disables)
  - AutoPayoutInterval: how often to batch pay (default: 0, disabled)

USAGE:
  scheduler, err := NewSettlementScheduler(engine, cfg, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - settlement/booking.go: CompleteElapsed
  - settlement/payout.go:  ProcessAllPending
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

type SchedulerConfig struct {
	SweepInterval      time.Duration
	AutoPayoutInterval time.Duration
}

// SettlementScheduler owns the background settlement jobs.
type SettlementScheduler struct {
	Engine *settlement.Engine
	Config SchedulerConfig

	logger  *zap.Logger
	sched   gocron.Scheduler
	mu      sync.Mutex
	started bool
}

// NewSettlementScheduler creates a scheduler. Jobs are registered on Start.
func NewSettlementScheduler(engine *settlement.Engine, cfg SchedulerConfig, logger *zap.Logger) (*SettlementScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &SettlementScheduler{
		Engine: engine,
		Config: cfg,
		logger: logger.Named("scheduler"),
		sched:  sched,
	}, nil
}

// Start registers the enabled jobs and starts the scheduler.
func (s *SettlementScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.Config.SweepInterval > 0 {
		if err := s.register("completion-sweep", s.Config.SweepInterval, func() {
			s.RunSweep(context.Background())
		}); err != nil {
			return err
		}
	}
	if s.Config.AutoPayoutInterval > 0 {
		if err := s.register("auto-payout", s.Config.AutoPayoutInterval, func() {
			s.RunAutoPayout(context.Background())
		}); err != nil {
			return err
		}
	}
	if len(s.sched.Jobs()) == 0 {
		s.logger.Info("no jobs enabled, not starting")
		return nil
	}

	s.sched.Start()
	s.started = true
	s.logger.Info("started",
		zap.Duration("sweep_interval", s.Config.SweepInterval),
		zap.Duration("auto_payout_interval", s.Config.AutoPayoutInterval))
	return nil
}

func (s *SettlementScheduler) register(name string, every time.Duration, task func()) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("register %s job: %w", name, err)
	}
	return nil
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *SettlementScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sched.Shutdown(); err != nil {
		return err
	}
	if s.started {
		s.logger.Info("stopped")
	}
	s.started = false
	return nil
}

// RunSweep completes every confirmed booking whose stay has ended.
func (s *SettlementScheduler) RunSweep(ctx context.Context) (int, error) {
	n, err := s.Engine.CompleteElapsed(ctx)
	if err != nil {
		s.logger.Error("completion sweep failed", zap.Error(err))
		return n, err
	}
	s.logger.Debug("completion sweep done", zap.Int("completed", n))
	return n, nil
}

// RunAutoPayout pays every pending payout as the system actor.
func (s *SettlementScheduler) RunAutoPayout(ctx context.Context) (*settlement.BatchResult, error) {
	result, err := s.Engine.ProcessAllPending(ctx, settlement.SystemActor)
	if err != nil {
		s.logger.Error("auto payout failed", zap.Error(err))
	}
	if result != nil {
		for _, f := range result.Failed {
			s.logger.Warn("auto payout item failed",
				zap.String("booking_id", string(f.BookingID)), zap.Error(f.Err))
		}
	}
	return result, err
}
