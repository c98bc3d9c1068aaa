package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository/memory"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
)

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	ref := repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}

	store := memory.NewStore()
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-1",
		ProductID:  ref.ProductID,
		LocationID: ref.LocationID,
		Available:  50,
		Active:     true,
	})
	store.SeedLineItem(repository.LineItem{ID: "line-1", CartID: "cart-1", Ref: ref})

	engine := service.NewEngine(store, zap.NewNop(), service.DeductOnConvert)
	_, err := engine.Reserve(ctx, "line-1", 8, time.Hour)
	require.NoError(t, err)

	// A ledger write stranded by a crash left 28 phantom units reserved.
	store.CorruptReserved("ledger-1", 36)

	reconciler := NewReconciler(engine, zap.NewNop(), 0)
	corrections, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, "ledger-1", corrections[0].LedgerID)
	require.Equal(t, int64(36), corrections[0].Recorded)
	require.Equal(t, int64(8), corrections[0].TrueReserved)

	row, _ := store.Ledger("ledger-1")
	require.Equal(t, int64(8), row.Reserved)

	// The correction is on the audit trail.
	var reconciled int
	for _, ev := range store.Events() {
		if ev.EventType == repository.EventReconciled {
			reconciled++
			require.Equal(t, int64(-28), ev.Delta)
		}
	}
	require.Equal(t, 1, reconciled)

	// A clean second pass reports nothing.
	corrections, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, corrections)
}

func TestReconciler_StartDisabledWithoutInterval(t *testing.T) {
	store := memory.NewStore()
	engine := service.NewEngine(store, zap.NewNop(), service.DeductOnConvert)
	reconciler := NewReconciler(engine, zap.NewNop(), 0)

	done := make(chan error, 1)
	go func() { done <- reconciler.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler without interval should return immediately")
	}
}
