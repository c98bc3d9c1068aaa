package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// SQLSTATEs the store translates into sentinel errors.
const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// Store implements repository.Store on PostgreSQL. All engine mutations run
// through WithinTx; row locks (SELECT ... FOR UPDATE) are the only
// concurrency control, so multiple service processes can run side by side.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout string
}

// NewStore creates a PostgreSQL store. lockTimeout is a postgres interval
// string (e.g. "3s") applied per transaction via SET LOCAL.
func NewStore(pool *pgxpool.Pool, lockTimeout string) *Store {
	if lockTimeout == "" {
		lockTimeout = "3s"
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// WithinTx runs fn in a single transaction with a bounded lock timeout.
// A stalled client must not wedge a popular row's lock queue indefinitely.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx)

	// SET LOCAL cannot take a bind parameter; the value comes from config,
	// never from a request.
	if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", s.lockTimeout)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	if err := fn(&tx{tx: pgTx}); err != nil {
		return mapError(err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// LedgerByRef reads a ledger row without locking it (advisory checks).
func (s *Store) LedgerByRef(ctx context.Context, ref repository.ProductRef) (repository.LedgerRow, error) {
	row := s.pool.QueryRow(ctx, selectLedger+ledgerRefWhere, ref.ProductID, ref.VariantID, ref.LocationID)
	return scanLedger(row)
}

// ActiveLedgerIDs lists active row ids in a stable order for reconciliation.
func (s *Store) ActiveLedgerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM inventory_ledger WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiredLineItems returns line items whose reservation is past expiry and
// not committed to an order. The sweeper releases them one by one through
// the engine; this scan itself takes no locks, release re-reads state under
// its own transaction.
func (s *Store) ExpiredLineItems(ctx context.Context, now time.Time, limit int) ([]repository.LineItem, error) {
	rows, err := s.pool.Query(ctx, selectLineItem+`
		WHERE reservation_id IS NOT NULL
		  AND committed_order_id IS NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]repository.LineItem, 0)
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

// PendingEvents returns outbox rows awaiting publication, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]repository.StockEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dedupe_key, ledger_id, COALESCE(line_item_id, ''), event_type,
		       quantity_delta, payload, status, COALESCE(error, ''), created_at, sent_at
		FROM stock_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, repository.EventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]repository.StockEvent, 0)
	for rows.Next() {
		var ev repository.StockEvent
		if err := rows.Scan(&ev.EventID, &ev.DedupeKey, &ev.LedgerID, &ev.LineItemID,
			&ev.EventType, &ev.Delta, &ev.Payload, &ev.Status, &ev.Error,
			&ev.CreatedAt, &ev.SentAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkEventSent finalizes a published outbox row.
func (s *Store) MarkEventSent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stock_events SET status = $1, sent_at = now() WHERE id = $2`,
		repository.EventStatusSent, eventID)
	return err
}

// MarkEventFailed records a permanently failed publication attempt.
func (s *Store) MarkEventFailed(ctx context.Context, eventID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stock_events SET status = $1, error = $2 WHERE id = $3`,
		repository.EventStatusFailed, errMsg, eventID)
	return err
}

// tx implements repository.Tx over a pgx transaction.
type tx struct {
	tx pgx.Tx
}

const selectLedger = `
	SELECT id, COALESCE(product_id, ''), COALESCE(variant_id, ''), location_id,
	       available_qty, reserved_qty, active, created_at, updated_at
	FROM inventory_ledger`

// ledgerRefWhere resolves a ProductRef: exactly one of product_id/variant_id
// is set, so the empty one is passed as '' and compared against NULL-coalesced
// columns.
const ledgerRefWhere = `
	WHERE COALESCE(product_id, '') = $1
	  AND COALESCE(variant_id, '') = $2
	  AND location_id = $3`

const selectLineItem = `
	SELECT id, cart_id, COALESCE(product_id, ''), COALESCE(variant_id, ''), location_id,
	       quantity, COALESCE(reservation_id::text, ''), reserved_at, expires_at,
	       COALESCE(committed_order_id, '')
	FROM cart_line_items`

// LedgerForUpdate locks the ledger row by id for the rest of the transaction.
func (t *tx) LedgerForUpdate(ctx context.Context, ledgerID string) (repository.LedgerRow, error) {
	row := t.tx.QueryRow(ctx, selectLedger+` WHERE id = $1 FOR UPDATE`, ledgerID)
	return scanLedger(row)
}

// LedgerByRefForUpdate locks the ledger row a ref resolves to.
func (t *tx) LedgerByRefForUpdate(ctx context.Context, ref repository.ProductRef) (repository.LedgerRow, error) {
	row := t.tx.QueryRow(ctx, selectLedger+ledgerRefWhere+` FOR UPDATE`,
		ref.ProductID, ref.VariantID, ref.LocationID)
	return scanLedger(row)
}

// LedgerIDByRef resolves a ref to its row id without locking.
func (t *tx) LedgerIDByRef(ctx context.Context, ref repository.ProductRef) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM inventory_ledger`+ledgerRefWhere,
		ref.ProductID, ref.VariantID, ref.LocationID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// LineItemForUpdate locks the line item row.
func (t *tx) LineItemForUpdate(ctx context.Context, lineItemID string) (repository.LineItem, error) {
	row := t.tx.QueryRow(ctx, selectLineItem+` WHERE id = $1 FOR UPDATE`, lineItemID)
	return scanLineItem(row)
}

// ApplyLedgerDelta applies signed deltas to a locked row, clamping both
// counters at zero on the way down.
func (t *tx) ApplyLedgerDelta(ctx context.Context, ledgerID string, availableDelta, reservedDelta int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_ledger
		SET available_qty = GREATEST(available_qty + $2, 0),
		    reserved_qty  = GREATEST(reserved_qty + $3, 0),
		    updated_at    = now()
		WHERE id = $1`, ledgerID, availableDelta, reservedDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SaveReservation writes the line's quantity and reservation metadata.
func (t *tx) SaveReservation(ctx context.Context, li repository.LineItem) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cart_line_items
		SET quantity = $2, reservation_id = NULLIF($3, '')::uuid,
		    reserved_at = $4, expires_at = $5, updated_at = now()
		WHERE id = $1`,
		li.ID, li.Quantity, li.ReservationID, li.ReservedAt, li.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearReservation nulls the line's reservation fields.
func (t *tx) ClearReservation(ctx context.Context, lineItemID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cart_line_items
		SET reservation_id = NULL, reserved_at = NULL, expires_at = NULL,
		    committed_order_id = NULL, updated_at = now()
		WHERE id = $1`, lineItemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TagConverted stamps the committed order id while keeping the reservation.
func (t *tx) TagConverted(ctx context.Context, lineItemID, orderID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cart_line_items
		SET committed_order_id = $2, updated_at = now()
		WHERE id = $1`, lineItemID, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LiveReservedSum recomputes ground truth for a row: the quantities of every
// line holding a live claim. Committed lines still hold stock under the
// deduct-on-fulfillment policy, so they count; expired ones do not.
func (t *tx) LiveReservedSum(ctx context.Context, ledgerID string, now time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(cli.quantity), 0)
		FROM cart_line_items cli
		JOIN inventory_ledger il
		  ON COALESCE(il.product_id, '') = COALESCE(cli.product_id, '')
		 AND COALESCE(il.variant_id, '') = COALESCE(cli.variant_id, '')
		 AND il.location_id = cli.location_id
		WHERE il.id = $1
		  AND cli.reservation_id IS NOT NULL
		  AND (cli.committed_order_id IS NOT NULL OR cli.expires_at >= $2)`,
		ledgerID, now).Scan(&sum)
	return sum, err
}

// SetReserved overwrites a locked row's reserved quantity (reconciliation).
func (t *tx) SetReserved(ctx context.Context, ledgerID string, reserved int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_ledger
		SET reserved_qty = $2, updated_at = now()
		WHERE id = $1`, ledgerID, reserved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertLedgerRow creates a zero-or-seeded ledger row.
func (t *tx) InsertLedgerRow(ctx context.Context, row repository.LedgerRow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_ledger
			(id, product_id, variant_id, location_id, available_qty, reserved_qty, active)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)`,
		row.ID, row.ProductID, row.VariantID, row.LocationID,
		row.Available, row.Reserved, row.Active)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return repository.ErrAlreadyExists
	}
	return err
}

// DeactivateLedger soft-deactivates a row.
func (t *tx) DeactivateLedger(ctx context.Context, ledgerID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_ledger SET active = FALSE, updated_at = now() WHERE id = $1`, ledgerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendEvent inserts a stock event; an existing dedupe key is a no-op, so
// duplicate delivery of the same logical intent records exactly one event.
func (t *tx) AppendEvent(ctx context.Context, ev repository.StockEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_events
			(id, dedupe_key, ledger_id, line_item_id, event_type, quantity_delta, payload, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		ev.EventID, ev.DedupeKey, ev.LedgerID, ev.LineItemID,
		ev.EventType, ev.Delta, ev.Payload, repository.EventStatusPending)
	return err
}

// scanLedger maps a ledger row, translating pgx.ErrNoRows to ErrNotFound.
func scanLedger(row pgx.Row) (repository.LedgerRow, error) {
	var r repository.LedgerRow
	err := row.Scan(&r.ID, &r.ProductID, &r.VariantID, &r.LocationID,
		&r.Available, &r.Reserved, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.LedgerRow{}, repository.ErrNotFound
		}
		return repository.LedgerRow{}, err
	}
	return r, nil
}

// scanLineItem maps a cart line item row.
func scanLineItem(row pgx.Row) (repository.LineItem, error) {
	var li repository.LineItem
	err := row.Scan(&li.ID, &li.CartID, &li.Ref.ProductID, &li.Ref.VariantID,
		&li.Ref.LocationID, &li.Quantity, &li.ReservationID,
		&li.ReservedAt, &li.ExpiresAt, &li.CommittedOrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.LineItem{}, repository.ErrNotFound
		}
		return repository.LineItem{}, err
	}
	return li, nil
}

// mapError translates lock_timeout failures into the retryable sentinel.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %s", repository.ErrLockTimeout, pgErr.Message)
	}
	return err
}
