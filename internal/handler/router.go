package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ciclik/uib-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware административного API UIB.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/api/certificates/{number}", h.GetCertificate)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/uib", func(r chi.Router) {
			r.Post("/accrue", h.Accrue)
			r.Get("/stats", h.GetStats)
		})

		r.Post("/api/impacts", h.RecordImpact)

		r.Route("/api/backfill", func(r chi.Router) {
			r.Post("/residue", h.BackfillResidue)
			r.Post("/education", h.BackfillEducation)
			r.Post("/packaging", h.BackfillPackaging)
		})

		r.Post("/api/quotas", h.CreateQuota)
		r.Post("/api/quotas/maturity", h.RefreshMaturity)
		r.Get("/api/quotas/{id}", h.GetQuota)
		r.Post("/api/quotas/{id}/allocate", h.Allocate)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
