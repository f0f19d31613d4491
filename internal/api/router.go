/**
 * @description
 * HTTP router setup for the bridge service using go-chi/chi.
 */
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/bridge-service/internal/app"
	"github.com/transfa/bridge-service/pkg/middleware"
)

// HealthChecker reports whether the ledger store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the router's collaborators.
type RouterConfig struct {
	Tokens         *middleware.TokenManager
	TransferLimit  middleware.Limiter
	AllowedOrigins []string
	Metrics        *app.Metrics
	Health         HealthChecker
	Logger         *slog.Logger
}

// NewRouter creates a new Chi router and registers the bridge routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotency-Key", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(instrument(cfg.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health.Ping(ctx); err != nil {
				respondWithMessage(w, http.StatusServiceUnavailable, "ledger store unavailable")
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/biometric-login", h.handleBiometricLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Tokens))

		r.Put("/users/profile", h.handleUpdateProfile)
		r.Put("/users/{userID}/biometrics", h.handleSetBiometrics)
		r.Get("/accounts/{userID}/balance", h.handleBalance)

		r.Route("/bank", func(r chi.Router) {
			r.Get("/connections", h.handleListBankLinks)
			r.Post("/connect", h.handleConnectBank)
			r.Post("/disconnect", h.handleDisconnectBank)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.handleListTransfers)
			r.Get("/{id}", h.handleGetTransfer)
			r.Post("/{id}/cancel", h.handleCancelTransfer)
			r.Group(func(r chi.Router) {
				if cfg.TransferLimit != nil {
					r.Use(middleware.RateLimit(cfg.TransferLimit, "transfers", cfg.Logger))
				}
				r.Post("/deposit", h.handleDeposit)
				r.Post("/withdraw", h.handleWithdraw)
			})
		})

		r.Route("/operator", func(r chi.Router) {
			r.Use(middleware.RequireOperator)
			r.Get("/limbo", h.handleListLimbo)
			r.Post("/transfers/{id}/resume", h.handleResumeTransfer)
		})
	})

	return r
}

// instrument records request counts and latency keyed by route pattern.
func instrument(metrics *app.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.ObserveHTTP(r.Method, pattern, strconv.Itoa(status), time.Since(start))
		})
	}
}
