package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// ReleaseReason distinguishes an explicit release from an expiry sweep.
// The reason changes the skip rules, not just the event type.
type ReleaseReason string

const (
	ReasonReleased ReleaseReason = "released"
	ReasonExpired  ReleaseReason = "expired"
)

// Reservation is what a successful reserve/adjust hands back to the caller.
type Reservation struct {
	ReservationID string
	Quantity      int64
	ExpiresAt     time.Time
}

// Discrepancy records one ledger correction made by Reconcile.
type Discrepancy struct {
	LedgerID     string
	Recorded     int64
	TrueReserved int64
}

// Engine owns every mutation of the inventory ledger and of reservation
// metadata. Each operation is a single database transaction that row-locks
// the target ledger row(s) for its duration; the transaction is the
// critical section, there is no application-level locking. Within one row
// all operations are linearized by the row lock, so the ledger invariant
// (reserved == sum of live claims) holds after every committed call.
type Engine struct {
	store  repository.Store
	logger *zap.Logger
	policy ConversionPolicy

	// now is swappable so the sweeper and expiry paths are testable without
	// waiting on wall-clock timers.
	now func() time.Time
}

// NewEngine creates a reservation engine with the given conversion policy.
func NewEngine(store repository.Store, logger *zap.Logger, policy ConversionPolicy) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		policy: policy,
		now:    time.Now,
	}
}

// WithClock overrides the engine's clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reserve creates a claim of quantity units for a line that holds none.
// If the line still carries metadata of an expired, not-yet-swept claim,
// the stale quantity is reclaimed and the new claim issued in the same
// transaction.
func (e *Engine) Reserve(ctx context.Context, lineItemID string, quantity int64, ttl time.Duration) (Reservation, error) {
	if quantity <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}

	var res Reservation
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		li, err := tx.LineItemForUpdate(ctx, lineItemID)
		if err != nil {
			return fmt.Errorf("load line item: %w", err)
		}

		now := e.now()
		staleHeld := int64(0)
		if li.HasReservation() {
			if !li.ReservationExpired(now) {
				return ErrAlreadyReserved
			}
			// Expired but unswept: the ledger may still count it.
			staleHeld = li.Quantity
		}

		row, err := tx.LedgerByRefForUpdate(ctx, li.Ref)
		if err != nil {
			return fmt.Errorf("lock ledger row: %w", err)
		}
		if !row.Active {
			return ErrLedgerInactive
		}

		// The ledger may no longer count the stale claim: reconciliation
		// corrects reserved from live claims but cannot touch the line's
		// metadata. Clamp so an already-reconciled row is not credited twice.
		heldByOthers := row.Reserved - staleHeld
		if heldByOthers < 0 {
			heldByOthers = 0
		}
		sellable := row.Available - heldByOthers
		if sellable < 0 {
			sellable = 0
		}
		if quantity > sellable {
			return &InsufficientStockError{Sellable: sellable}
		}

		// Reclaim the stale quantity as a clamped decrement, then claim the
		// new quantity, both in this transaction. A single signed delta
		// would under-reserve whenever reconciliation already freed part of
		// the stale claim.
		if staleHeld > 0 {
			if err := tx.ApplyLedgerDelta(ctx, row.ID, 0, -staleHeld); err != nil {
				return fmt.Errorf("reclaim stale reservation: %w", err)
			}
		}
		if err := tx.ApplyLedgerDelta(ctx, row.ID, 0, quantity); err != nil {
			return fmt.Errorf("apply reserve delta: %w", err)
		}
		reclaimed := staleHeld
		if reclaimed > row.Reserved {
			reclaimed = row.Reserved
		}
		delta := quantity - reclaimed

		expiresAt := now.Add(ttl)
		li.Quantity = quantity
		li.ReservationID = uuid.NewString()
		li.ReservedAt = &now
		li.ExpiresAt = &expiresAt
		if err := tx.SaveReservation(ctx, li); err != nil {
			return fmt.Errorf("save reservation: %w", err)
		}

		if err := e.appendEvent(ctx, tx, row.ID, li.ID, repository.EventReserved,
			li.ReservationID+":reserved", delta, map[string]any{
				"reservation_id": li.ReservationID,
				"quantity":       quantity,
				"expires_at":     expiresAt.UTC().Format(time.RFC3339),
			}); err != nil {
			return err
		}

		res = Reservation{ReservationID: li.ReservationID, Quantity: quantity, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	e.logger.Info("reservation created",
		zap.String("line_item_id", lineItemID),
		zap.String("reservation_id", res.ReservationID),
		zap.Int64("quantity", quantity),
	)
	return res, nil
}

// Adjust resizes a live reservation in place. The change is one signed
// delta applied under the row lock, never a release followed by a reserve:
// a rollback restores the exact prior state and there is no window in which
// the ledger reflects neither the old nor the new claim. A failed adjust
// leaves the line's quantity and reservation metadata untouched.
func (e *Engine) Adjust(ctx context.Context, lineItemID string, newQuantity int64, ttl time.Duration) (Reservation, error) {
	if newQuantity <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}

	var res Reservation
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		li, err := tx.LineItemForUpdate(ctx, lineItemID)
		if err != nil {
			return fmt.Errorf("load line item: %w", err)
		}
		if !li.HasReservation() {
			return ErrNotReserved
		}
		now := e.now()
		if li.ReservationExpired(now) {
			return &ReservationExpiredError{LineItemID: li.ID}
		}
		if li.CommittedOrderID != "" {
			return ErrAlreadyConverted
		}

		row, err := tx.LedgerByRefForUpdate(ctx, li.Ref)
		if err != nil {
			return fmt.Errorf("lock ledger row: %w", err)
		}

		prevQuantity := li.Quantity
		delta := newQuantity - prevQuantity
		if delta > 0 {
			// Sellable is computed with the row already locked, so no other
			// transaction can interleave between check and write.
			if sellable := row.Sellable(); delta > sellable {
				return &InsufficientStockError{Sellable: sellable}
			}
		}

		// A no-op write of 0 when the quantity is unchanged; the TTL refresh
		// below is the point of such a call.
		if err := tx.ApplyLedgerDelta(ctx, row.ID, 0, delta); err != nil {
			return fmt.Errorf("apply adjust delta: %w", err)
		}

		expiresAt := now.Add(ttl)
		li.Quantity = newQuantity
		li.ExpiresAt = &expiresAt
		if err := tx.SaveReservation(ctx, li); err != nil {
			return fmt.Errorf("save reservation: %w", err)
		}

		// Keyed by intent (old→new at this deadline), not by the resulting
		// quantity: a later resize that happens to land back on an earlier
		// quantity is a distinct movement and must not be dropped.
		dedupeKey := fmt.Sprintf("%s:adjusted:%d:%d:%d",
			li.ReservationID, prevQuantity, newQuantity, expiresAt.UnixNano())
		if err := e.appendEvent(ctx, tx, row.ID, li.ID, repository.EventAdjusted,
			dedupeKey, delta, map[string]any{
				"reservation_id": li.ReservationID,
				"quantity":       newQuantity,
				"expires_at":     expiresAt.UTC().Format(time.RFC3339),
			}); err != nil {
			return err
		}

		res = Reservation{ReservationID: li.ReservationID, Quantity: newQuantity, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	e.logger.Info("reservation adjusted",
		zap.String("line_item_id", lineItemID),
		zap.String("reservation_id", res.ReservationID),
		zap.Int64("quantity", newQuantity),
	)
	return res, nil
}

// Release frees a line's claim. Idempotent: a line with no reservation
// metadata is a successful no-op — the metadata is authoritative, the
// operation never skips when metadata says there is something to free.
// With ReasonExpired the release applies only if the claim is still expired
// at transaction time, which makes the sweeper safe against a concurrent
// adjust that refreshed the TTL after the sweep scan.
func (e *Engine) Release(ctx context.Context, lineItemID string, reason ReleaseReason) error {
	released := false
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		li, err := tx.LineItemForUpdate(ctx, lineItemID)
		if err != nil {
			return fmt.Errorf("load line item: %w", err)
		}
		if !li.HasReservation() {
			return nil
		}
		now := e.now()
		if reason == ReasonExpired && !li.ReservationExpired(now) {
			// Refreshed or committed since the sweeper's scan.
			return nil
		}

		row, err := tx.LedgerByRefForUpdate(ctx, li.Ref)
		if err != nil {
			return fmt.Errorf("lock ledger row: %w", err)
		}

		// Clamped decrement: concurrent reconciliation may already have
		// corrected drift, and a release must never drive the counter
		// negative.
		if err := tx.ApplyLedgerDelta(ctx, row.ID, 0, -li.Quantity); err != nil {
			return fmt.Errorf("apply release delta: %w", err)
		}
		if err := tx.ClearReservation(ctx, li.ID); err != nil {
			return fmt.Errorf("clear reservation: %w", err)
		}

		eventType := repository.EventReleased
		if reason == ReasonExpired {
			eventType = repository.EventExpired
		}
		if err := e.appendEvent(ctx, tx, row.ID, li.ID, eventType,
			li.ReservationID+":released", -li.Quantity, map[string]any{
				"reservation_id": li.ReservationID,
				"quantity":       li.Quantity,
				"reason":         string(reason),
			}); err != nil {
			return err
		}

		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		e.logger.Info("reservation released",
			zap.String("line_item_id", lineItemID),
			zap.String("reason", string(reason)),
		)
	}
	return nil
}

// ConvertToOrder promotes the reservations of all given lines into an order
// commitment, atomically: if any line's claim has expired (lost the race
// with the sweeper) the whole conversion fails and nothing moves. Line
// items and ledger rows are each locked in sorted-id order so two
// overlapping checkouts cannot deadlock.
func (e *Engine) ConvertToOrder(ctx context.Context, lineItemIDs []string, orderID string) (time.Time, error) {
	if len(lineItemIDs) == 0 {
		return time.Time{}, errors.New("conversion requires at least one line item")
	}

	itemIDs := append([]string(nil), lineItemIDs...)
	sort.Strings(itemIDs)
	// Collapse duplicate ids: a line names one claim, and a malformed
	// request must not deduct it twice.
	uniq := itemIDs[:1]
	for _, id := range itemIDs[1:] {
		if id != uniq[len(uniq)-1] {
			uniq = append(uniq, id)
		}
	}
	itemIDs = uniq

	var convertedAt time.Time
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		now := e.now()
		rowIDByRef := make(map[repository.ProductRef]string)

		items := make([]repository.LineItem, 0, len(itemIDs))
		for _, id := range itemIDs {
			li, err := tx.LineItemForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("load line item %s: %w", id, err)
			}
			if li.CommittedOrderID == orderID {
				// Retried checkout; this line is already committed.
				continue
			}
			if li.CommittedOrderID != "" {
				return ErrAlreadyConverted
			}
			if !li.HasReservation() {
				return fmt.Errorf("line item %s: %w", id, ErrNotReserved)
			}
			if li.ReservationExpired(now) {
				return &ReservationExpiredError{LineItemID: li.ID}
			}
			items = append(items, li)
		}

		// Resolve row ids without locking, then lock all rows in sorted-id
		// order: two concurrent checkouts touching overlapping rows always
		// queue in the same order instead of deadlocking.
		perRow := make(map[string]int64)
		for _, li := range items {
			rowID, ok := rowIDByRef[li.Ref]
			if !ok {
				var err error
				rowID, err = tx.LedgerIDByRef(ctx, li.Ref)
				if err != nil {
					return fmt.Errorf("resolve ledger row: %w", err)
				}
				rowIDByRef[li.Ref] = rowID
			}
			perRow[rowID] += li.Quantity
		}

		rowIDs := make([]string, 0, len(perRow))
		for id := range perRow {
			rowIDs = append(rowIDs, id)
		}
		sort.Strings(rowIDs)
		for _, rowID := range rowIDs {
			if _, err := tx.LedgerForUpdate(ctx, rowID); err != nil {
				return fmt.Errorf("lock ledger row %s: %w", rowID, err)
			}
			if e.policy == DeductOnConvert {
				qty := perRow[rowID]
				// The stock is consumed, not merely held.
				if err := tx.ApplyLedgerDelta(ctx, rowID, -qty, -qty); err != nil {
					return fmt.Errorf("apply convert delta: %w", err)
				}
			}
		}

		for _, li := range items {
			if e.policy == DeductOnConvert {
				if err := tx.ClearReservation(ctx, li.ID); err != nil {
					return fmt.Errorf("clear reservation: %w", err)
				}
			}
			if err := tx.TagConverted(ctx, li.ID, orderID); err != nil {
				return fmt.Errorf("tag converted: %w", err)
			}
			if err := e.appendEvent(ctx, tx, rowIDByRef[li.Ref], li.ID, repository.EventConverted,
				li.ReservationID+":converted", -li.Quantity, map[string]any{
					"reservation_id": li.ReservationID,
					"order_id":       orderID,
					"quantity":       li.Quantity,
					"policy":         string(e.policy),
				}); err != nil {
				return err
			}
		}

		convertedAt = now
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	e.logger.Info("cart converted to order",
		zap.String("order_id", orderID),
		zap.Int("line_items", len(lineItemIDs)),
		zap.String("policy", string(e.policy)),
	)
	return convertedAt, nil
}

// AdjustStock applies an external mutation of physical stock (receiving,
// damage write-off) through the same locking discipline the reservation
// operations use. dedupeKey makes retried deliveries record one movement.
func (e *Engine) AdjustStock(ctx context.Context, ref repository.ProductRef, availableDelta int64, reason, dedupeKey string) (repository.LedgerRow, error) {
	if !ref.Valid() {
		return repository.LedgerRow{}, ErrInvalidRef
	}
	if dedupeKey == "" {
		dedupeKey = uuid.NewString()
	}

	var out repository.LedgerRow
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		row, err := tx.LedgerByRefForUpdate(ctx, ref)
		if err != nil {
			return fmt.Errorf("lock ledger row: %w", err)
		}
		if !row.Active {
			return ErrLedgerInactive
		}
		if availableDelta < 0 && row.Available+availableDelta < 0 {
			return &InsufficientStockError{Sellable: row.Sellable()}
		}
		if err := tx.ApplyLedgerDelta(ctx, row.ID, availableDelta, 0); err != nil {
			return fmt.Errorf("apply stock delta: %w", err)
		}
		if err := e.appendEvent(ctx, tx, row.ID, "", repository.EventAdjustment,
			dedupeKey, availableDelta, map[string]any{
				"reason": reason,
				"delta":  availableDelta,
			}); err != nil {
			return err
		}
		row.Available += availableDelta
		out = row
		return nil
	})
	if err != nil {
		return repository.LedgerRow{}, err
	}

	e.logger.Info("stock adjusted",
		zap.String("ledger_id", out.ID),
		zap.Int64("delta", availableDelta),
		zap.String("reason", reason),
	)
	return out, nil
}

// CreateLedgerRow creates the ledger row for a newly created product or
// variant, zero-initialized or seeded with initial stock.
func (e *Engine) CreateLedgerRow(ctx context.Context, ref repository.ProductRef, initialAvailable int64) (repository.LedgerRow, error) {
	if !ref.Valid() {
		return repository.LedgerRow{}, ErrInvalidRef
	}
	if initialAvailable < 0 {
		return repository.LedgerRow{}, ErrInvalidQuantity
	}

	row := repository.LedgerRow{
		ID:         uuid.NewString(),
		ProductID:  ref.ProductID,
		VariantID:  ref.VariantID,
		LocationID: ref.LocationID,
		Available:  initialAvailable,
		Active:     true,
	}
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.InsertLedgerRow(ctx, row)
	})
	if err != nil {
		return repository.LedgerRow{}, err
	}

	e.logger.Info("ledger row created",
		zap.String("ledger_id", row.ID),
		zap.Int64("available", initialAvailable),
	)
	return row, nil
}

// DeactivateLedgerRow soft-deactivates a row. Rows are never deleted while
// referencing line items exist.
func (e *Engine) DeactivateLedgerRow(ctx context.Context, ledgerID string) error {
	return e.store.WithinTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.LedgerForUpdate(ctx, ledgerID); err != nil {
			return err
		}
		return tx.DeactivateLedger(ctx, ledgerID)
	})
}

// Reconcile recomputes every active row's reserved quantity from ground
// truth (live, non-expired claims) and corrects drift under the row lock.
// It does not prevent drift; it bounds how long drift can persist. A
// correction that itself fails is the one condition worth paging on.
func (e *Engine) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	ids, err := e.store.ActiveLedgerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}

	discrepancies := make([]Discrepancy, 0)
	for _, id := range ids {
		if ctx.Err() != nil {
			return discrepancies, ctx.Err()
		}
		d, err := e.reconcileRow(ctx, id)
		if err != nil {
			return discrepancies, fmt.Errorf("reconcile row %s: %w", id, err)
		}
		if d != nil {
			discrepancies = append(discrepancies, *d)
		}
	}
	return discrepancies, nil
}

func (e *Engine) reconcileRow(ctx context.Context, ledgerID string) (*Discrepancy, error) {
	var found *Discrepancy
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		row, err := tx.LedgerForUpdate(ctx, ledgerID)
		if err != nil {
			return err
		}
		trueReserved, err := tx.LiveReservedSum(ctx, ledgerID, e.now())
		if err != nil {
			return fmt.Errorf("recompute reserved: %w", err)
		}
		if trueReserved == row.Reserved {
			return nil
		}

		if err := tx.SetReserved(ctx, ledgerID, trueReserved); err != nil {
			return fmt.Errorf("correct reserved: %w", err)
		}
		if err := e.appendEvent(ctx, tx, ledgerID, "", repository.EventReconciled,
			fmt.Sprintf("%s:reconciled:%s", ledgerID, uuid.NewString()),
			trueReserved-row.Reserved, map[string]any{
				"recorded":      row.Reserved,
				"true_reserved": trueReserved,
			}); err != nil {
			return err
		}
		found = &Discrepancy{LedgerID: ledgerID, Recorded: row.Reserved, TrueReserved: trueReserved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if found != nil {
		// Invariant violation: not user-facing, logged and auto-corrected.
		e.logger.Error("ledger drift corrected",
			zap.String("ledger_id", found.LedgerID),
			zap.Int64("recorded", found.Recorded),
			zap.Int64("true_reserved", found.TrueReserved),
			zap.Int64("drift", found.Recorded-found.TrueReserved),
		)
	}
	return found, nil
}

// appendEvent records one stock event row inside the caller's transaction.
func (e *Engine) appendEvent(ctx context.Context, tx repository.Tx, ledgerID, lineItemID, eventType, dedupeKey string, delta int64, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return tx.AppendEvent(ctx, repository.StockEvent{
		EventID:    uuid.NewString(),
		DedupeKey:  dedupeKey,
		LedgerID:   ledgerID,
		LineItemID: lineItemID,
		EventType:  eventType,
		Delta:      delta,
		Payload:    body,
		CreatedAt:  e.now(),
	})
}
