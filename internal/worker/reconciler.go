package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
)

// Reconciler periodically recomputes ledger reserved quantities from ground
// truth and corrects drift. Independent of the sweeper; the two have no
// ordering dependency on each other.
type Reconciler struct {
	engine   *service.Engine
	logger   *zap.Logger
	interval time.Duration
}

// NewReconciler creates a reconciliation worker. interval <= 0 means the
// job only runs on demand (RunOnce via the admin endpoint).
func NewReconciler(engine *service.Engine, logger *zap.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{engine: engine, logger: logger, interval: interval}
}

// Start runs the reconciliation loop until the context is cancelled.
// Returns immediately when no interval is configured.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("reconciler scheduled runs disabled, on-demand only")
		return nil
	}

	r.logger.Info("starting reconciler", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Correction failures mean the ledger cannot currently be
				// trusted; this is the one path that should page an operator.
				r.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// RunOnce reconciles every active ledger row and returns the corrections
// made. Triggerable deterministically from tests and the admin endpoint.
func (r *Reconciler) RunOnce(ctx context.Context) ([]service.Discrepancy, error) {
	discrepancies, err := r.engine.Reconcile(ctx)
	if err != nil {
		return discrepancies, err
	}
	if len(discrepancies) > 0 {
		r.logger.Warn("reconciliation corrected drift", zap.Int("rows", len(discrepancies)))
	}
	return discrepancies, nil
}
