package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/sagewell/carebook-platform/pkg/logging"
)

// SyncService drives the reconciler on a fixed interval. Incremental passes
// run on every tick; a full pass runs first so a fresh process converges
// immediately.
type SyncService struct {
	reconciler *Reconciler
	logger     *logging.Logger

	tick <-chan time.Time
	stop func()
}

type SyncServiceConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *logging.Logger

	// Tick and Stop override the internal ticker in tests.
	Tick <-chan time.Time
	Stop func()
}

func NewSyncService(cfg SyncServiceConfig) (*SyncService, error) {
	if cfg.Reconciler == nil {
		return nil, errors.New("calendar: sync service requires reconciler")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	tick := cfg.Tick
	stop := cfg.Stop
	if tick == nil {
		interval := cfg.Interval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		ticker := time.NewTicker(interval)
		tick = ticker.C
		stop = ticker.Stop
	}

	return &SyncService{
		reconciler: cfg.Reconciler,
		logger:     logger.WithComponent("sync-service"),
		tick:       tick,
		stop:       stop,
	}, nil
}

func (s *SyncService) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if s.stop != nil {
			s.stop()
		}
	}()

	s.runOnce(ctx, FullSync)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tick:
			s.runOnce(ctx, IncrementalSync)
		}
	}
}

func (s *SyncService) runOnce(ctx context.Context, mode SyncMode) {
	result, err := s.reconciler.SyncAll(ctx, mode)
	if err != nil {
		s.logger.Error("sync pass failed", "mode", string(mode), "error", err)
		return
	}
	s.logger.Info("sync pass complete",
		"mode", string(mode),
		"imported", result.Imported,
		"blocked", result.Blocked,
		"unblocked", result.Unblocked,
		"conflicts", result.Conflicts)
}
