package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/observability"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
)

// Handler exposes the stock core to the cart and order controllers. It
// depends on the service layer only; transport concerns stay here.
type Handler struct {
	engine     *service.Engine
	validator  *service.Validator
	reconcile  func(ctx context.Context) ([]service.Discrepancy, error)
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(
	engine *service.Engine,
	validator *service.Validator,
	reconcile func(ctx context.Context) ([]service.Discrepancy, error),
	defaultTTL time.Duration,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:     engine,
		validator:  validator,
		reconcile:  reconcile,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// refPayload is the wire shape of a ProductRef.
type refPayload struct {
	ProductID  string `json:"product_id,omitempty"`
	VariantID  string `json:"variant_id,omitempty"`
	LocationID string `json:"location_id"`
}

func (p refPayload) ref() repository.ProductRef {
	return repository.ProductRef{ProductID: p.ProductID, VariantID: p.VariantID, LocationID: p.LocationID}
}

// CheckRequest is the body of POST /stock/check.
type CheckRequest struct {
	Items []struct {
		refPayload
		Quantity int64 `json:"quantity"`
	} `json:"items"`
}

// CheckResult is one element of the POST /stock/check response.
type CheckResult struct {
	refPayload
	Available bool   `json:"available"`
	Sellable  int64  `json:"sellable"`
	Message   string `json:"message,omitempty"`
}

// PostStockCheck handles POST /stock/check: the advisory availability query.
func (h *Handler) PostStockCheck(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "items are required")
		return
	}

	reqs := make([]service.CheckRequest, 0, len(body.Items))
	for _, it := range body.Items {
		reqs = append(reqs, service.CheckRequest{Ref: it.ref(), Quantity: it.Quantity})
	}

	results, err := h.validator.Check(r.Context(), reqs)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]CheckResult, 0, len(results))
	for _, res := range results {
		out = append(out, CheckResult{
			refPayload: refPayload{
				ProductID:  res.Ref.ProductID,
				VariantID:  res.Ref.VariantID,
				LocationID: res.Ref.LocationID,
			},
			Available: res.Available,
			Sellable:  res.Sellable,
			Message:   res.Message,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// ReserveRequest is the body of POST /reservations.
type ReserveRequest struct {
	LineItemID *string `json:"line_item_id"`
	Quantity   *int64  `json:"quantity"`
	TTLMinutes *int    `json:"ttl_minutes"`
}

// ReservationResponse is the success body of reserve and adjust.
type ReservationResponse struct {
	ReservationID string    `json:"reservation_id"`
	Quantity      int64     `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PostReservations handles POST /reservations: claim stock for a new line.
func (h *Handler) PostReservations(w http.ResponseWriter, r *http.Request) {
	var body ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if body.LineItemID == nil || *body.LineItemID == "" || body.Quantity == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "line_item_id and quantity are required")
		return
	}

	res, err := h.engine.Reserve(r.Context(), *body.LineItemID, *body.Quantity, h.ttl(body.TTLMinutes))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReservationResponse{
		ReservationID: res.ReservationID,
		Quantity:      res.Quantity,
		ExpiresAt:     res.ExpiresAt,
	})
}

// AdjustRequest is the body of PUT /reservations/{lineItemID}.
type AdjustRequest struct {
	Quantity   *int64 `json:"quantity"`
	TTLMinutes *int   `json:"ttl_minutes"`
}

// PutReservation handles PUT /reservations/{lineItemID}: resize in place.
func (h *Handler) PutReservation(w http.ResponseWriter, r *http.Request, lineItemID string) {
	var body AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if body.Quantity == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "quantity is required")
		return
	}

	res, err := h.engine.Adjust(r.Context(), lineItemID, *body.Quantity, h.ttl(body.TTLMinutes))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReservationResponse{
		ReservationID: res.ReservationID,
		Quantity:      res.Quantity,
		ExpiresAt:     res.ExpiresAt,
	})
}

// DeleteReservation handles DELETE /reservations/{lineItemID}. Idempotent:
// releasing a line with no reservation succeeds.
func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request, lineItemID string) {
	if err := h.engine.Release(r.Context(), lineItemID, service.ReasonReleased); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConvertRequest is the body of POST /orders/convert.
type ConvertRequest struct {
	OrderID     *string  `json:"order_id"`
	LineItemIDs []string `json:"line_item_ids"`
}

// PostOrdersConvert handles POST /orders/convert: promote cart reservations
// into an order commitment, atomically across all lines.
func (h *Handler) PostOrdersConvert(w http.ResponseWriter, r *http.Request) {
	var body ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if body.OrderID == nil || *body.OrderID == "" || len(body.LineItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "order_id and line_item_ids are required")
		return
	}

	convertedAt, err := h.engine.ConvertToOrder(r.Context(), body.LineItemIDs, *body.OrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"converted_at": convertedAt})
}

// CreateRowRequest is the body of POST /stock/rows.
type CreateRowRequest struct {
	refPayload
	InitialAvailable int64 `json:"initial_available"`
}

// PostStockRows handles POST /stock/rows: create the ledger row for a new
// product or variant.
func (h *Handler) PostStockRows(w http.ResponseWriter, r *http.Request) {
	var body CreateRowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	row, err := h.engine.CreateLedgerRow(r.Context(), body.ref(), body.InitialAvailable)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rowResponse(row))
}

// DeleteStockRow handles DELETE /stock/rows/{id}: soft-deactivate.
func (h *Handler) DeleteStockRow(w http.ResponseWriter, r *http.Request, ledgerID string) {
	if err := h.engine.DeactivateLedgerRow(r.Context(), ledgerID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdjustmentRequest is the body of POST /stock/adjustments.
type AdjustmentRequest struct {
	refPayload
	Delta     *int64 `json:"delta"`
	Reason    string `json:"reason"`
	DedupeKey string `json:"dedupe_key"`
}

// PostStockAdjustments handles POST /stock/adjustments: receiving and
// write-offs, through the same locking discipline as reservations.
func (h *Handler) PostStockAdjustments(w http.ResponseWriter, r *http.Request) {
	var body AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if body.Delta == nil || *body.Delta == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "delta must be a non-zero integer")
		return
	}

	row, err := h.engine.AdjustStock(r.Context(), body.ref(), *body.Delta, body.Reason, body.DedupeKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rowResponse(row))
}

// PostAdminReconcile handles POST /admin/reconcile: trigger the
// reconciliation job on demand.
func (h *Handler) PostAdminReconcile(w http.ResponseWriter, r *http.Request) {
	discrepancies, err := h.reconcile(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	type correction struct {
		LedgerID     string `json:"ledger_id"`
		Recorded     int64  `json:"recorded"`
		TrueReserved int64  `json:"true_reserved"`
	}
	out := make([]correction, 0, len(discrepancies))
	for _, d := range discrepancies {
		out = append(out, correction{LedgerID: d.LedgerID, Recorded: d.Recorded, TrueReserved: d.TrueReserved})
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": out})
}

func (h *Handler) ttl(minutes *int) time.Duration {
	if minutes == nil || *minutes <= 0 {
		return h.defaultTTL
	}
	return time.Duration(*minutes) * time.Minute
}

// fail maps service errors to HTTP statuses. A lock timeout is surfaced as
// a generic retryable failure, never as "out of stock".
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.LoggerFromContext(r.Context())
	if log == nil {
		log = h.logger
	}

	var insufficient *service.InsufficientStockError
	var expired *service.ReservationExpiredError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "insufficient_stock",
			"message":  insufficient.Error(),
			"sellable": insufficient.Sellable,
		})
	case errors.As(err, &expired):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        "reservation_expired",
			"message":      "items in your cart are no longer held, please review",
			"line_item_id": expired.LineItemID,
		})
	case errors.Is(err, service.ErrNotReserved),
		errors.Is(err, service.ErrAlreadyReserved),
		errors.Is(err, service.ErrAlreadyConverted),
		errors.Is(err, service.ErrLedgerInactive),
		errors.Is(err, repository.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrLockTimeout):
		log.Warn("engine operation timed out on a row lock", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "busy", "try again")
	default:
		log.Error("engine operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func rowResponse(row repository.LedgerRow) map[string]any {
	return map[string]any{
		"id":          row.ID,
		"product_id":  row.ProductID,
		"variant_id":  row.VariantID,
		"location_id": row.LocationID,
		"available":   row.Available,
		"reserved":    row.Reserved,
		"sellable":    row.Sellable(),
		"active":      row.Active,
	}
}
