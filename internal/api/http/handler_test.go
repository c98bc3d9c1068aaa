package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository/memory"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/worker"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	logger := zap.NewNop()
	engine := service.NewEngine(store, logger, service.DeductOnConvert)
	validator := service.NewValidator(store, nil, logger)
	reconciler := worker.NewReconciler(engine, logger, 0)

	handler := NewHandler(engine, validator, reconciler.RunOnce, 30*time.Minute, logger)
	router := NewRouter(handler, func() bool { return true }, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func seedStock(store *memory.Store, available, reserved int64) {
	store.SeedLedger(repository.LedgerRow{
		ID:         "ledger-1",
		ProductID:  "product-1",
		LocationID: "warehouse-1",
		Available:  available,
		Reserved:   reserved,
		Active:     true,
	})
	store.SeedLineItem(repository.LineItem{
		ID:     "line-1",
		CartID: "cart-1",
		Ref:    repository.ProductRef{ProductID: "product-1", LocationID: "warehouse-1"},
	})
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHandler_StockCheck(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 10, 4)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/stock/check", map[string]any{
		"items": []map[string]any{
			{"product_id": "product-1", "location_id": "warehouse-1", "quantity": 6},
			{"product_id": "product-1", "location_id": "warehouse-1", "quantity": 7},
			{"product_id": "missing", "location_id": "warehouse-1", "quantity": 1},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := body["results"].([]any)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)
	require.Equal(t, true, first["available"])
	require.Equal(t, float64(6), first["sellable"])

	second := results[1].(map[string]any)
	require.Equal(t, false, second["available"])

	third := results[2].(map[string]any)
	require.Equal(t, false, third["available"])
	require.Contains(t, third["message"], "no stock record")
}

func TestHandler_ReserveLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 32, 0)

	// Reserve.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/reservations", map[string]any{
		"line_item_id": "line-1",
		"quantity":     20,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["reservation_id"])

	row, _ := store.Ledger("ledger-1")
	require.Equal(t, int64(20), row.Reserved)

	// Resize.
	resp, body = doJSON(t, http.MethodPut, srv.URL+"/reservations/line-1", map[string]any{
		"quantity": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["quantity"])

	row, _ = store.Ledger("ledger-1")
	require.Equal(t, int64(5), row.Reserved)

	// Release, twice: idempotent.
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/reservations/line-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/reservations/line-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	row, _ = store.Ledger("ledger-1")
	require.Equal(t, int64(0), row.Reserved)
}

func TestHandler_InsufficientStock(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 32, 20)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/reservations", map[string]any{
		"line_item_id": "line-1",
		"quantity":     20,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "insufficient_stock", body["error"])
	require.Equal(t, float64(12), body["sellable"])
}

func TestHandler_Convert(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 32, 0)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/reservations", map[string]any{
		"line_item_id": "line-1",
		"quantity":     10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/orders/convert", map[string]any{
		"order_id":      "order-1",
		"line_item_ids": []string{"line-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["converted_at"])

	row, _ := store.Ledger("ledger-1")
	require.Equal(t, int64(22), row.Available)
	require.Equal(t, int64(0), row.Reserved)

	// A second order over the same line is a conflict.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/orders/convert", map[string]any{
		"order_id":      "order-2",
		"line_item_ids": []string{"line-1"},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandler_StockRowsAndAdjustments(t *testing.T) {
	srv, store := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/stock/rows", map[string]any{
		"variant_id":        "variant-1",
		"location_id":       "warehouse-1",
		"initial_available": 40,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ledgerID := body["id"].(string)
	require.NotEmpty(t, ledgerID)

	// Duplicate ref conflicts.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/stock/rows", map[string]any{
		"variant_id":        "variant-1",
		"location_id":       "warehouse-1",
		"initial_available": 1,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Receiving.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/stock/adjustments", map[string]any{
		"variant_id":  "variant-1",
		"location_id": "warehouse-1",
		"delta":       15,
		"reason":      "receiving",
		"dedupe_key":  "po-7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(55), body["available"])

	// Deactivate: further adjustments refuse.
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/stock/rows/"+ledgerID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/stock/adjustments", map[string]any{
		"variant_id":  "variant-1",
		"location_id": "warehouse-1",
		"delta":       1,
		"reason":      "receiving",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	row, ok := store.Ledger(ledgerID)
	require.True(t, ok)
	require.False(t, row.Active)
}

func TestHandler_AdminReconcile(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 50, 0)
	store.CorruptReserved("ledger-1", 9)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	corrections := body["corrections"].([]any)
	require.Len(t, corrections, 1)
	first := corrections[0].(map[string]any)
	require.Equal(t, "ledger-1", first["ledger_id"])
	require.Equal(t, float64(9), first["recorded"])
	require.Equal(t, float64(0), first["true_reserved"])
}

func TestHandler_Validation(t *testing.T) {
	srv, store := newTestServer(t)
	seedStock(store, 10, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"reserve missing fields", http.MethodPost, "/reservations", map[string]any{"quantity": 1}, http.StatusBadRequest},
		{"reserve zero quantity", http.MethodPost, "/reservations", map[string]any{"line_item_id": "line-1", "quantity": 0}, http.StatusBadRequest},
		{"reserve unknown line", http.MethodPost, "/reservations", map[string]any{"line_item_id": "nope", "quantity": 1}, http.StatusNotFound},
		{"adjust without reservation", http.MethodPut, "/reservations/line-1", map[string]any{"quantity": 2}, http.StatusConflict},
		{"convert without lines", http.MethodPost, "/orders/convert", map[string]any{"order_id": "o"}, http.StatusBadRequest},
		{"adjustment zero delta", http.MethodPost, "/stock/adjustments", map[string]any{"product_id": "product-1", "location_id": "warehouse-1", "delta": 0}, http.StatusBadRequest},
		{"check without items", http.MethodPost, "/stock/check", map[string]any{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandler_Health(t *testing.T) {
	store := memory.NewStore()
	logger := zap.NewNop()
	engine := service.NewEngine(store, logger, service.DeductOnConvert)
	validator := service.NewValidator(store, nil, logger)
	reconciler := worker.NewReconciler(engine, logger, 0)
	handler := NewHandler(engine, validator, reconciler.RunOnce, time.Minute, logger)

	ready := true
	router := NewRouter(handler, func() bool { return ready }, logger)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ready = false
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
