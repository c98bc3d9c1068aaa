package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// CheckRequest asks whether quantity units of a product/variant are
// currently satisfiable.
type CheckRequest struct {
	Ref      repository.ProductRef
	Quantity int64
}

// CheckResult is the advisory answer for one request.
type CheckResult struct {
	Ref       repository.ProductRef
	Available bool
	Sellable  int64
	Message   string
}

// SellableCache caches sellable quantities for the validator. Lookups and
// writes are best effort; a broken cache degrades to direct reads.
type SellableCache interface {
	Get(ctx context.Context, ref repository.ProductRef) (int64, bool)
	Set(ctx context.Context, ref repository.ProductRef, sellable int64)
}

// Validator answers availability checks without taking locks. It is
// advisory only: reserve and adjust re-validate under the row lock, so the
// validator is never the gate against overselling.
type Validator struct {
	store  repository.Store
	cache  SellableCache
	logger *zap.Logger
}

// NewValidator creates a stock validator. cache may be nil.
func NewValidator(store repository.Store, cache SellableCache, logger *zap.Logger) *Validator {
	return &Validator{store: store, cache: cache, logger: logger}
}

// Check evaluates each request against the current sellable quantity.
// Unknown rows and malformed refs come back unavailable rather than as
// errors; a hard storage failure aborts the whole call.
func (v *Validator) Check(ctx context.Context, reqs []CheckRequest) ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(reqs))
	for _, req := range reqs {
		if !req.Ref.Valid() {
			results = append(results, CheckResult{
				Ref:     req.Ref,
				Message: ErrInvalidRef.Error(),
			})
			continue
		}
		if req.Quantity <= 0 {
			results = append(results, CheckResult{
				Ref:     req.Ref,
				Message: ErrInvalidQuantity.Error(),
			})
			continue
		}

		sellable, err := v.sellable(ctx, req.Ref)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				results = append(results, CheckResult{
					Ref:     req.Ref,
					Message: "no stock record for this product",
				})
				continue
			}
			return nil, fmt.Errorf("read ledger row: %w", err)
		}

		res := CheckResult{Ref: req.Ref, Sellable: sellable}
		if req.Quantity <= sellable {
			res.Available = true
		} else {
			res.Message = fmt.Sprintf("only %d available", sellable)
		}
		results = append(results, res)
	}
	return results, nil
}

func (v *Validator) sellable(ctx context.Context, ref repository.ProductRef) (int64, error) {
	if v.cache != nil {
		if sellable, ok := v.cache.Get(ctx, ref); ok {
			return sellable, nil
		}
	}

	row, err := v.store.LedgerByRef(ctx, ref)
	if err != nil {
		return 0, err
	}
	if !row.Active {
		return 0, repository.ErrNotFound
	}

	sellable := row.Sellable()
	if v.cache != nil {
		v.cache.Set(ctx, ref, sellable)
	}
	return sellable, nil
}
