package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
)

// Sweeper scans for reservations past their expiry and releases them
// through the engine, never by editing the ledger directly. The scan holds
// no locks; Release re-reads the line's current state inside its own
// transaction, so a line adjusted or converted between scan and release is
// a harmless no-op.
type Sweeper struct {
	store     repository.Store
	engine    *service.Engine
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(store repository.Store, engine *service.Engine, logger *zap.Logger, interval time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     store,
		engine:    engine,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// WithClock overrides the sweeper's clock. Tests only.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("starting expiry sweeper",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopping")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many reservations it
// released. Exposed so tests and operators can trigger sweeps
// deterministically instead of waiting on the ticker.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ExpiredLineItems(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("scan expired reservations: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	released := 0
	for _, li := range expired {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		if err := s.engine.Release(ctx, li.ID, service.ReasonExpired); err != nil {
			// Keep sweeping; the next pass picks this line up again.
			s.logger.Error("failed to release expired reservation",
				zap.Error(err),
				zap.String("line_item_id", li.ID),
			)
			continue
		}
		released++
	}

	if released > 0 {
		s.logger.Info("expiry sweep completed",
			zap.Int("scanned", len(expired)),
			zap.Int("released", released),
		)
	}
	return released, nil
}
