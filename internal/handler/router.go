package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/akozyrev/printhub-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса printhub.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/printjobs", h.SubmitPrintJob)
			r.Get("/printjobs", h.GetPrintJobs)
			r.Delete("/printjobs/{fileToken}", h.CancelPrintJob)
			r.Post("/outbox/extend", h.ExtendOutbox)

			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)

			r.Get("/jobs", h.GetJobHistory)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/currency-change", h.ChangeCurrency)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
