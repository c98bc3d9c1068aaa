package repository

import (
	"context"
	"errors"
	"time"
)

// ProductRef identifies the ledger row a line item or adjustment targets.
// Exactly one of ProductID or VariantID is set, never both, never neither.
type ProductRef struct {
	ProductID  string
	VariantID  string
	LocationID string
}

// Valid reports whether the ref satisfies the mutual-exclusion rule.
func (r ProductRef) Valid() bool {
	if r.LocationID == "" {
		return false
	}
	return (r.ProductID == "") != (r.VariantID == "")
}

// LedgerRow is the per-(product|variant, location) record of physical and
// claimed stock. Reserved is the sum of all live claims against the row;
// the reconciliation job is what keeps that honest over time.
type LedgerRow struct {
	ID         string
	ProductID  string
	VariantID  string
	LocationID string
	Available  int64
	Reserved   int64
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Sellable is the quantity currently offerable to a new claimant.
// Derived, never stored.
func (r LedgerRow) Sellable() int64 {
	s := r.Available - r.Reserved
	if s < 0 {
		return 0
	}
	return s
}

// Ref returns the row's identity as a ProductRef.
func (r LedgerRow) Ref() ProductRef {
	return ProductRef{ProductID: r.ProductID, VariantID: r.VariantID, LocationID: r.LocationID}
}

// LineItem is a cart line together with the reservation fields that travel
// with it. The line exclusively owns its reservation; the ledger row holds
// only the aggregate count.
type LineItem struct {
	ID       string
	CartID   string
	Ref      ProductRef
	Quantity int64

	// Reservation metadata. ReservationID == "" means the line holds no claim.
	ReservationID string
	ReservedAt    *time.Time
	ExpiresAt     *time.Time

	// CommittedOrderID is set instead of clearing the reservation when the
	// conversion policy defers the stock deduction to fulfillment.
	CommittedOrderID string
}

// HasReservation reports whether the line currently holds a claim.
// The metadata is authoritative: no id means nothing to release.
func (li LineItem) HasReservation() bool {
	return li.ReservationID != ""
}

// ReservationExpired reports whether the line's claim is past its expiry.
// Lines committed to an order never expire.
func (li LineItem) ReservationExpired(now time.Time) bool {
	if !li.HasReservation() || li.CommittedOrderID != "" {
		return false
	}
	return li.ExpiresAt != nil && li.ExpiresAt.Before(now)
}

// StockEvent is one row of the stock_events table: the movement audit trail
// and the Kafka outbox at once. DedupeKey is unique; re-inserting the same
// key is a no-op, which is what makes retried engine calls safe to record.
type StockEvent struct {
	EventID    string
	DedupeKey  string
	LedgerID   string
	LineItemID string
	EventType  string
	Delta      int64
	Payload    []byte
	Status     string
	Error      string
	CreatedAt  time.Time
	SentAt     *time.Time
}

// Stock event types.
const (
	EventReserved   = "stock.reserved"
	EventAdjusted   = "stock.adjusted"
	EventReleased   = "stock.released"
	EventExpired    = "stock.expired"
	EventConverted  = "stock.converted"
	EventAdjustment = "stock.adjustment"
	EventReconciled = "stock.reconciled"
)

// Stock event outbox statuses.
const (
	EventStatusPending = "pending"
	EventStatusSent    = "sent"
	EventStatusFailed  = "failed"
)

var (
	// ErrNotFound is returned when a ledger row or line item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a ledger row whose identity
	// is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrLockTimeout is returned when a row lock could not be acquired within
	// the configured bound. Transient: callers may retry with backoff.
	ErrLockTimeout = errors.New("row lock timeout")
)

// Store is the durable backend the engine, sweeper and reconciler run
// against. Engine operations execute inside WithinTx; the transaction is
// the critical section, there is no application-level locking.
type Store interface {
	// WithinTx runs fn inside a single transaction with a bounded lock
	// timeout. The transaction commits iff fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// LedgerByRef reads a ledger row without locking it. Advisory reads only.
	LedgerByRef(ctx context.Context, ref ProductRef) (LedgerRow, error)

	// ActiveLedgerIDs lists the ids of all active ledger rows, in a stable
	// order, for the reconciliation sweep.
	ActiveLedgerIDs(ctx context.Context) ([]string, error)

	// ExpiredLineItems returns up to limit line items whose reservation is
	// past expiry and not committed to an order.
	ExpiredLineItems(ctx context.Context, now time.Time, limit int) ([]LineItem, error)

	// PendingEvents returns up to limit outbox rows awaiting publication,
	// oldest first.
	PendingEvents(ctx context.Context, limit int) ([]StockEvent, error)

	// MarkEventSent / MarkEventFailed finalize an outbox row.
	MarkEventSent(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, errMsg string) error
}

// Tx is the set of operations available inside an engine transaction.
// ForUpdate methods acquire exclusive row locks held until commit/rollback.
type Tx interface {
	// LedgerForUpdate locks and returns the ledger row by id.
	LedgerForUpdate(ctx context.Context, ledgerID string) (LedgerRow, error)

	// LedgerByRefForUpdate locks and returns the ledger row a ref resolves to.
	LedgerByRefForUpdate(ctx context.Context, ref ProductRef) (LedgerRow, error)

	// LedgerIDByRef resolves a ref to its row id without locking. Used to
	// establish a deterministic lock order before locking multiple rows.
	LedgerIDByRef(ctx context.Context, ref ProductRef) (string, error)

	// LineItemForUpdate locks and returns the line item by id.
	LineItemForUpdate(ctx context.Context, lineItemID string) (LineItem, error)

	// ApplyLedgerDelta applies signed deltas to a locked row's quantities.
	// Both counters are clamped at zero on the way down; a concurrent
	// reconciliation may already have corrected drift, and a release must
	// never drive a counter negative.
	ApplyLedgerDelta(ctx context.Context, ledgerID string, availableDelta, reservedDelta int64) error

	// SaveReservation writes the line's quantity and reservation metadata.
	SaveReservation(ctx context.Context, li LineItem) error

	// ClearReservation nulls the line's reservation fields.
	ClearReservation(ctx context.Context, lineItemID string) error

	// TagConverted stamps the committed order id on the line, keeping the
	// reservation metadata (deduct-on-fulfillment policy).
	TagConverted(ctx context.Context, lineItemID, orderID string) error

	// LiveReservedSum recomputes the ground-truth reserved quantity for a
	// row: the sum over line items holding a live, non-expired claim.
	LiveReservedSum(ctx context.Context, ledgerID string, now time.Time) (int64, error)

	// SetReserved overwrites a locked row's reserved quantity (reconciliation).
	SetReserved(ctx context.Context, ledgerID string, reserved int64) error

	// InsertLedgerRow creates a zero-or-seeded ledger row.
	InsertLedgerRow(ctx context.Context, row LedgerRow) error

	// DeactivateLedger soft-deactivates a row; rows are never deleted while
	// referencing line items exist.
	DeactivateLedger(ctx context.Context, ledgerID string) error

	// AppendEvent inserts a stock event. Inserting an existing dedupe key is
	// a successful no-op.
	AppendEvent(ctx context.Context, ev StockEvent) error
}
