/**
 * @description
 * HTTP router for the settlement service. Admin routes sit behind the internal
 * API key, self-service routes behind Clerk JWT auth, and the gateway webhook is
 * authenticated by its signature alone.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and middleware.
 * - github.com/go-chi/cors: CORS for the admin dashboard.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the payout routes.
func NewRouter(h *Handler, jwksURL string, internalKey string) *chi.Mux {
	return newRouter(h, ClerkAuthMiddleware(jwksURL), internalKey)
}

func newRouter(h *Handler, userAuth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})

	r.Post("/payouts/webhook", h.handleGatewayWebhook)

	r.Route("/internal/payouts", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/", h.handleListPayouts)
		r.Post("/generate", h.handleGeneratePayout)
		r.Post("/generate-week", h.handleGenerateWeek)
		r.Get("/preview", h.handlePreview)
		r.Get("/pending", h.handleListPending)
		r.Post("/reconcile", h.handleReconcile)
		r.Get("/professionals/{professionalID}/history", h.handleProfessionalHistory)
		r.Get("/{id}", h.handleGetPayout)
		r.Post("/{id}/process", h.handleProcessPayout)
		r.Post("/{id}/cancel", h.handleCancelPayout)
		r.Post("/{id}/retry", h.handleRetryPayout)
		r.Post("/{id}/check-status", h.handleCheckStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(userAuth)
		r.Get("/payouts/me/preview", h.handleMyPreview)
		r.Get("/payouts/me/history", h.handleMyHistory)
	})

	return r
}
