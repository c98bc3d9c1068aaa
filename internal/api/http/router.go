package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/health"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/observability"
)

// NewRouter wires the stock endpoints. readiness gates the health endpoint
// (a false return yields 503), logger feeds the observability middleware so
// every request carries a span and a trace-aware logger in its context.
func NewRouter(handler *Handler, readiness func() bool, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if logger != nil {
		router.Use(observability.HTTPMiddleware("stock", logger))
	}

	router.Route("/stock", func(r chi.Router) {
		r.Post("/check", handler.PostStockCheck)
		r.Post("/adjustments", handler.PostStockAdjustments)
		r.Post("/rows", handler.PostStockRows)
		r.Delete("/rows/{id}", func(w http.ResponseWriter, r *http.Request) {
			handler.DeleteStockRow(w, r, chi.URLParam(r, "id"))
		})
	})

	router.Route("/reservations", func(r chi.Router) {
		r.Post("/", handler.PostReservations)
		r.Put("/{lineItemID}", func(w http.ResponseWriter, r *http.Request) {
			handler.PutReservation(w, r, chi.URLParam(r, "lineItemID"))
		})
		r.Delete("/{lineItemID}", func(w http.ResponseWriter, r *http.Request) {
			handler.DeleteReservation(w, r, chi.URLParam(r, "lineItemID"))
		})
	})

	router.Post("/orders/convert", handler.PostOrdersConvert)
	router.Post("/admin/reconcile", handler.PostAdminReconcile)

	// Health without middleware.
	router.Get("/health", health.Handler(readiness))

	return router
}
