package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
)

// Store implements repository.Store in memory. Used by unit tests and local
// development. WithinTx runs under one mutex against a staged copy of the
// state and swaps it in only on success, which gives the same
// all-or-nothing, serialized semantics the row-locked postgres transactions
// have.
type Store struct {
	mu     sync.Mutex
	ledger map[string]repository.LedgerRow
	items  map[string]repository.LineItem
	events []repository.StockEvent
	dedupe map[string]struct{}
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		ledger: make(map[string]repository.LedgerRow),
		items:  make(map[string]repository.LineItem),
		dedupe: make(map[string]struct{}),
	}
}

// SeedLedger inserts a ledger row directly (test fixtures).
func (s *Store) SeedLedger(row repository.LedgerRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = row.CreatedAt
	s.ledger[row.ID] = row
}

// SeedLineItem inserts a cart line item directly (test fixtures).
func (s *Store) SeedLineItem(li repository.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[li.ID] = li
}

// Ledger returns a ledger row by id (test assertions).
func (s *Store) Ledger(id string) (repository.LedgerRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[id]
	return row, ok
}

// LineItem returns a line item by id (test assertions).
func (s *Store) LineItem(id string) (repository.LineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.items[id]
	return li, ok
}

// Events returns a copy of all recorded stock events.
func (s *Store) Events() []repository.StockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.StockEvent, len(s.events))
	copy(out, s.events)
	return out
}

// CorruptReserved overwrites a row's reserved quantity bypassing the engine,
// to simulate drift for reconciliation tests.
func (s *Store) CorruptReserved(ledgerID string, reserved int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.ledger[ledgerID]
	row.Reserved = reserved
	s.ledger[ledgerID] = row
}

// WithinTx serializes the whole transaction under the store mutex. fn
// mutates a staged snapshot; the snapshot replaces live state only if fn
// returns nil, so a failed operation leaves no partial writes behind.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &tx{
		ledger: make(map[string]repository.LedgerRow, len(s.ledger)),
		items:  make(map[string]repository.LineItem, len(s.items)),
		dedupe: make(map[string]struct{}, len(s.dedupe)),
	}
	for k, v := range s.ledger {
		staged.ledger[k] = v
	}
	for k, v := range s.items {
		staged.items[k] = v
	}
	for k := range s.dedupe {
		staged.dedupe[k] = struct{}{}
	}
	staged.events = append(staged.events, s.events...)

	if err := fn(staged); err != nil {
		return err
	}

	s.ledger = staged.ledger
	s.items = staged.items
	s.events = staged.events
	s.dedupe = staged.dedupe
	return nil
}

// LedgerByRef reads a ledger row without locking.
func (s *Store) LedgerByRef(ctx context.Context, ref repository.ProductRef) (repository.LedgerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lookupByRef(s.ledger, ref)
}

// ActiveLedgerIDs lists active row ids sorted for a deterministic sweep order.
func (s *Store) ActiveLedgerIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ledger))
	for id, row := range s.ledger {
		if row.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ExpiredLineItems returns line items past expiry and not committed.
func (s *Store) ExpiredLineItems(ctx context.Context, now time.Time, limit int) ([]repository.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.LineItem, 0)
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		li := s.items[id]
		if li.ReservationExpired(now) {
			out = append(out, li)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PendingEvents returns unpublished outbox events, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]repository.StockEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.StockEvent, 0)
	for _, ev := range s.events {
		if ev.Status == repository.EventStatusPending {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkEventSent finalizes a published outbox event.
func (s *Store) MarkEventSent(ctx context.Context, eventID string) error {
	return s.setEventStatus(eventID, repository.EventStatusSent, "")
}

// MarkEventFailed records a permanently failed publication attempt.
func (s *Store) MarkEventFailed(ctx context.Context, eventID string, errMsg string) error {
	return s.setEventStatus(eventID, repository.EventStatusFailed, errMsg)
}

func (s *Store) setEventStatus(eventID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].EventID == eventID {
			s.events[i].Status = status
			s.events[i].Error = errMsg
			if status == repository.EventStatusSent {
				now := time.Now()
				s.events[i].SentAt = &now
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

// tx is the staged snapshot a WithinTx callback operates on.
type tx struct {
	ledger map[string]repository.LedgerRow
	items  map[string]repository.LineItem
	events []repository.StockEvent
	dedupe map[string]struct{}
}

func (t *tx) LedgerForUpdate(ctx context.Context, ledgerID string) (repository.LedgerRow, error) {
	row, ok := t.ledger[ledgerID]
	if !ok {
		return repository.LedgerRow{}, repository.ErrNotFound
	}
	return row, nil
}

func (t *tx) LedgerByRefForUpdate(ctx context.Context, ref repository.ProductRef) (repository.LedgerRow, error) {
	return lookupByRef(t.ledger, ref)
}

func (t *tx) LedgerIDByRef(ctx context.Context, ref repository.ProductRef) (string, error) {
	row, err := lookupByRef(t.ledger, ref)
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func (t *tx) LineItemForUpdate(ctx context.Context, lineItemID string) (repository.LineItem, error) {
	li, ok := t.items[lineItemID]
	if !ok {
		return repository.LineItem{}, repository.ErrNotFound
	}
	return li, nil
}

func (t *tx) ApplyLedgerDelta(ctx context.Context, ledgerID string, availableDelta, reservedDelta int64) error {
	row, ok := t.ledger[ledgerID]
	if !ok {
		return repository.ErrNotFound
	}
	row.Available += availableDelta
	if row.Available < 0 {
		row.Available = 0
	}
	row.Reserved += reservedDelta
	if row.Reserved < 0 {
		row.Reserved = 0
	}
	row.UpdatedAt = time.Now()
	t.ledger[ledgerID] = row
	return nil
}

func (t *tx) SaveReservation(ctx context.Context, li repository.LineItem) error {
	cur, ok := t.items[li.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Quantity = li.Quantity
	cur.ReservationID = li.ReservationID
	cur.ReservedAt = li.ReservedAt
	cur.ExpiresAt = li.ExpiresAt
	t.items[li.ID] = cur
	return nil
}

func (t *tx) ClearReservation(ctx context.Context, lineItemID string) error {
	cur, ok := t.items[lineItemID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.ReservationID = ""
	cur.ReservedAt = nil
	cur.ExpiresAt = nil
	cur.CommittedOrderID = ""
	t.items[lineItemID] = cur
	return nil
}

func (t *tx) TagConverted(ctx context.Context, lineItemID, orderID string) error {
	cur, ok := t.items[lineItemID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.CommittedOrderID = orderID
	t.items[lineItemID] = cur
	return nil
}

func (t *tx) LiveReservedSum(ctx context.Context, ledgerID string, now time.Time) (int64, error) {
	row, ok := t.ledger[ledgerID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	var sum int64
	for _, li := range t.items {
		if li.Ref != row.Ref() || !li.HasReservation() {
			continue
		}
		if li.CommittedOrderID != "" || (li.ExpiresAt != nil && !li.ExpiresAt.Before(now)) {
			sum += li.Quantity
		}
	}
	return sum, nil
}

func (t *tx) SetReserved(ctx context.Context, ledgerID string, reserved int64) error {
	row, ok := t.ledger[ledgerID]
	if !ok {
		return repository.ErrNotFound
	}
	row.Reserved = reserved
	row.UpdatedAt = time.Now()
	t.ledger[ledgerID] = row
	return nil
}

func (t *tx) InsertLedgerRow(ctx context.Context, row repository.LedgerRow) error {
	if _, exists := t.ledger[row.ID]; exists {
		return repository.ErrAlreadyExists
	}
	if _, err := lookupByRef(t.ledger, row.Ref()); err == nil {
		return repository.ErrAlreadyExists
	}
	now := time.Now()
	row.CreatedAt = now
	row.UpdatedAt = now
	t.ledger[row.ID] = row
	return nil
}

func (t *tx) DeactivateLedger(ctx context.Context, ledgerID string) error {
	row, ok := t.ledger[ledgerID]
	if !ok {
		return repository.ErrNotFound
	}
	row.Active = false
	row.UpdatedAt = time.Now()
	t.ledger[ledgerID] = row
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, ev repository.StockEvent) error {
	if _, dup := t.dedupe[ev.DedupeKey]; dup {
		return nil
	}
	t.dedupe[ev.DedupeKey] = struct{}{}
	ev.Status = repository.EventStatusPending
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	t.events = append(t.events, ev)
	return nil
}

func lookupByRef(ledger map[string]repository.LedgerRow, ref repository.ProductRef) (repository.LedgerRow, error) {
	for _, row := range ledger {
		if row.Ref() == ref {
			return row, nil
		}
	}
	return repository.LedgerRow{}, repository.ErrNotFound
}
