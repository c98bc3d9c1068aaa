//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib" // goose migrations

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("stock"),
		postgres.WithUsername("stock_user"),
		postgres.WithPassword("stock_password"),
	)
	require.NoError(t, err)
	defer func() {
		err := postgresContainer.Terminate(ctx)
		require.NoError(t, err)
	}()

	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	var pingErr error
	for i := 0; i < 10; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, pingErr, "Failed to ping database after retries")

	// Current file: internal/repository/postgres/repository_integration_test.go
	// Needed: <module root>/migrations
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "Failed to get current file path")
	testDir := filepath.Dir(filename)
	repoDir := filepath.Dir(testDir)
	internalDir := filepath.Dir(repoDir)
	moduleDir := filepath.Dir(internalDir)
	migrationsDir := filepath.Join(moduleDir, "migrations")

	err = goose.UpContext(ctx, db, migrationsDir)
	require.NoError(t, err, "Failed to run migrations")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store := NewStore(pool, "2s")

	ref := repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"}
	ledgerID := uuid.NewString()

	seedLine := func(t *testing.T, id string) {
		t.Helper()
		_, err := pool.Exec(ctx, `
			INSERT INTO cart_line_items (id, cart_id, product_id, location_id, quantity)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (id) DO NOTHING`,
			id, "cart-1", ref.ProductID, ref.LocationID)
		require.NoError(t, err)
	}

	t.Run("InsertLedgerRow and LedgerByRef", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.InsertLedgerRow(ctx, repository.LedgerRow{
				ID:         ledgerID,
				ProductID:  ref.ProductID,
				LocationID: ref.LocationID,
				Available:  32,
				Active:     true,
			})
		})
		require.NoError(t, err)

		row, err := store.LedgerByRef(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, ledgerID, row.ID)
		require.Equal(t, int64(32), row.Available)
		require.Equal(t, int64(0), row.Reserved)
		require.True(t, row.Active)
	})

	t.Run("duplicate ref conflicts", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.InsertLedgerRow(ctx, repository.LedgerRow{
				ID:         uuid.NewString(),
				ProductID:  ref.ProductID,
				LocationID: ref.LocationID,
				Active:     true,
			})
		})
		require.ErrorIs(t, err, repository.ErrAlreadyExists)
	})

	t.Run("LedgerByRef missing", func(t *testing.T) {
		_, err := store.LedgerByRef(ctx, repository.ProductRef{ProductID: "nope", LocationID: "warehouse-1"})
		require.True(t, errors.Is(err, repository.ErrNotFound), "Expected ErrNotFound, got: %v", err)
	})

	t.Run("reservation round trip", func(t *testing.T) {
		seedLine(t, "line-1")
		now := time.Now().UTC()
		expires := now.Add(time.Hour)

		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			li, err := tx.LineItemForUpdate(ctx, "line-1")
			if err != nil {
				return err
			}
			li.Quantity = 12
			li.ReservationID = uuid.NewString()
			li.ReservedAt = &now
			li.ExpiresAt = &expires
			if err := tx.SaveReservation(ctx, li); err != nil {
				return err
			}
			return tx.ApplyLedgerDelta(ctx, ledgerID, 0, 12)
		})
		require.NoError(t, err)

		row, err := store.LedgerByRef(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, int64(12), row.Reserved)
		require.Equal(t, int64(20), row.Sellable())

		err = store.WithinTx(ctx, func(tx repository.Tx) error {
			li, err := tx.LineItemForUpdate(ctx, "line-1")
			if err != nil {
				return err
			}
			require.True(t, li.HasReservation())
			require.Equal(t, int64(12), li.Quantity)

			if err := tx.ClearReservation(ctx, li.ID); err != nil {
				return err
			}
			return tx.ApplyLedgerDelta(ctx, ledgerID, 0, -12)
		})
		require.NoError(t, err)

		row, err = store.LedgerByRef(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, int64(0), row.Reserved)
	})

	t.Run("ApplyLedgerDelta clamps at zero", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.ApplyLedgerDelta(ctx, ledgerID, 0, -1000)
		})
		require.NoError(t, err)

		row, err := store.LedgerByRef(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, int64(0), row.Reserved)
	})

	t.Run("ExpiredLineItems scan", func(t *testing.T) {
		seedLine(t, "line-expired")
		past := time.Now().UTC().Add(-time.Hour)
		reservedAt := past.Add(-time.Minute)

		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			li, err := tx.LineItemForUpdate(ctx, "line-expired")
			if err != nil {
				return err
			}
			li.Quantity = 3
			li.ReservationID = uuid.NewString()
			li.ReservedAt = &reservedAt
			li.ExpiresAt = &past
			return tx.SaveReservation(ctx, li)
		})
		require.NoError(t, err)

		expired, err := store.ExpiredLineItems(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		require.Equal(t, "line-expired", expired[0].ID)

		// Committed lines never expire.
		err = store.WithinTx(ctx, func(tx repository.Tx) error {
			return tx.TagConverted(ctx, "line-expired", "order-9")
		})
		require.NoError(t, err)

		expired, err = store.ExpiredLineItems(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Empty(t, expired)
	})

	t.Run("LiveReservedSum counts live and committed claims", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			sum, err := tx.LiveReservedSum(ctx, ledgerID, time.Now().UTC())
			if err != nil {
				return err
			}
			// line-expired carries 3 units, expired but committed.
			require.Equal(t, int64(3), sum)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		ev := repository.StockEvent{
			EventID:   uuid.NewString(),
			DedupeKey: "itest:reserved",
			LedgerID:  ledgerID,
			EventType: repository.EventReserved,
			Delta:     12,
			Payload:   []byte(`{"quantity":12}`),
			CreatedAt: time.Now().UTC(),
		}
		err := store.WithinTx(ctx, func(tx repository.Tx) error {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
			// Same dedupe key collapses.
			dup := ev
			dup.EventID = uuid.NewString()
			return tx.AppendEvent(ctx, dup)
		})
		require.NoError(t, err)

		pending, err := store.PendingEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, ev.EventID, pending[0].EventID)

		require.NoError(t, store.MarkEventSent(ctx, ev.EventID))
		pending, err = store.PendingEvents(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, pending)
	})

	t.Run("lock timeout maps to ErrLockTimeout", func(t *testing.T) {
		fast := NewStore(pool, "500ms")

		holding := make(chan struct{})
		releaseLock := make(chan struct{})
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithinTx(ctx, func(tx repository.Tx) error {
				if _, err := tx.LedgerForUpdate(ctx, ledgerID); err != nil {
					return err
				}
				close(holding)
				<-releaseLock
				return nil
			})
		}()

		<-holding
		err := fast.WithinTx(ctx, func(tx repository.Tx) error {
			_, err := tx.LedgerForUpdate(ctx, ledgerID)
			return err
		})
		close(releaseLock)
		wg.Wait()

		require.True(t, errors.Is(err, repository.ErrLockTimeout), "Expected ErrLockTimeout, got: %v", err)
	})
}
