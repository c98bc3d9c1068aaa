package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository/memory"
)

// fakeCache is an in-process SellableCache for validator tests.
type fakeCache struct {
	values map[repository.ProductRef]int64
	hits   int
	sets   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[repository.ProductRef]int64)}
}

func (c *fakeCache) Get(_ context.Context, ref repository.ProductRef) (int64, bool) {
	v, ok := c.values[ref]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, ref repository.ProductRef, sellable int64) {
	c.values[ref] = sellable
	c.sets++
}

func TestValidator_Check(t *testing.T) {
	ctx := context.Background()

	store := memory.NewStore()
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-1",
		ProductID:  "product-1",
		LocationID: "warehouse-1",
		Available:  10,
		Reserved:   4,
		Active:     true,
	})
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-2",
		VariantID:  "variant-9",
		LocationID: "warehouse-1",
		Available:  3,
		Reserved:   3,
		Active:     true,
	})
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-3",
		ProductID:  "product-gone",
		LocationID: "warehouse-1",
		Available:  100,
		Active:     false,
	})

	validator := NewValidator(store, nil, zap.NewNop())

	tests := []struct {
		name      string
		req       CheckRequest
		available bool
		sellable  int64
		message   string
	}{
		{
			name:      "within sellable",
			req:       CheckRequest{Ref: repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}, Quantity: 6},
			available: true,
			sellable:  6,
		},
		{
			name:     "over sellable",
			req:      CheckRequest{Ref: repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}, Quantity: 7},
			sellable: 6,
			message:  "only 6 available",
		},
		{
			name:     "fully reserved variant",
			req:      CheckRequest{Ref: repository.ProductRef{VariantID: "variant-9", LocationID: "warehouse-1"}, Quantity: 1},
			sellable: 0,
			message:  "only 0 available",
		},
		{
			name:    "unknown product is unavailable, not an error",
			req:     CheckRequest{Ref: repository.ProductRef{ProductID: "nope", LocationID: "warehouse-1"}, Quantity: 1},
			message: "no stock record for this product",
		},
		{
			name:    "inactive row behaves like a missing one",
			req:     CheckRequest{Ref: repository.ProductRef{ProductID: "product-gone", LocationID: "warehouse-1"}, Quantity: 1},
			message: "no stock record for this product",
		},
		{
			name:    "both product and variant set",
			req:     CheckRequest{Ref: repository.ProductRef{ProductID: "p", VariantID: "v", LocationID: "warehouse-1"}, Quantity: 1},
			message: ErrInvalidRef.Error(),
		},
		{
			name:    "zero quantity",
			req:     CheckRequest{Ref: repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}, Quantity: 0},
			message: ErrInvalidQuantity.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := validator.Check(ctx, []CheckRequest{tt.req})
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.Equal(t, tt.available, results[0].Available)
			require.Equal(t, tt.sellable, results[0].Sellable)
			if tt.message != "" {
				require.Contains(t, results[0].Message, tt.message)
			}
		})
	}
}

func TestValidator_CacheShortCircuits(t *testing.T) {
	ctx := context.Background()
	ref := repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}

	store := memory.NewStore()
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-1",
		ProductID:  ref.ProductID,
		LocationID: ref.LocationID,
		Available:  10,
		Active:     true,
	})

	cache := newFakeCache()
	validator := NewValidator(store, cache, zap.NewNop())

	_, err := validator.Check(ctx, []CheckRequest{{Ref: ref, Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, cache.sets)
	require.Equal(t, 0, cache.hits)

	_, err = validator.Check(ctx, []CheckRequest{{Ref: ref, Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, cache.hits)
}

func TestValidator_IsAdvisoryOnly(t *testing.T) {
	// A stale positive answer must not block the locked path: the check
	// says 10 are sellable, a concurrent reserve takes them, the next
	// reserve still fails at the lock even though the cache says yes.
	ctx := context.Background()
	ref := repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}

	store := memory.NewStore()
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-1",
		ProductID:  ref.ProductID,
		LocationID: ref.LocationID,
		Available:  10,
		Active:     true,
	})
	store.SeedLineItem(repository.LineItem{ID: "line-1", CartID: "cart-1", Ref: ref})
	store.SeedLineItem(repository.LineItem{ID: "line-2", CartID: "cart-2", Ref: ref})

	cache := newFakeCache()
	validator := NewValidator(store, cache, zap.NewNop())
	engine := NewEngine(store, zap.NewNop(), DeductOnConvert)

	results, err := validator.Check(ctx, []CheckRequest{{Ref: ref, Quantity: 10}})
	require.NoError(t, err)
	require.True(t, results[0].Available)

	_, err = engine.Reserve(ctx, "line-1", 10, time.Minute)
	require.NoError(t, err)

	// The cache still answers 10, but the real gate holds.
	results, err = validator.Check(ctx, []CheckRequest{{Ref: ref, Quantity: 10}})
	require.NoError(t, err)
	require.True(t, results[0].Available, "stale cache answer is acceptable")

	_, err = engine.Reserve(ctx, "line-2", 10, time.Minute)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(0), insufficient.Sellable)
}
