// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"withdrawal-service/internal/handler"
)

func SetupRoutes(
	withdrawalHandler *handler.WithdrawalHandler,
	settlementHandler *handler.SettlementHandler,
	adminToken string,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/withdrawals/health", settlementHandler.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// ============================================
	// USER
	// ============================================
	r.Post("/withdrawals", withdrawalHandler.Submit)
	r.Get("/withdrawals/{id}", withdrawalHandler.Status)
	r.Get("/users/{userID}/withdrawals", withdrawalHandler.History)

	// ============================================
	// ADMIN
	// ============================================
	r.Route("/admin", func(r chi.Router) {
		r.Use(handler.AdminAuth(adminToken, logger))

		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/pending", withdrawalHandler.ListPending)
			r.Get("/stats", withdrawalHandler.Stats)
			r.Post("/{id}/approve", withdrawalHandler.Approve)
			r.Post("/{id}/reject", withdrawalHandler.Reject)
			r.Post("/{id}/manual-complete", withdrawalHandler.ManualComplete)
		})

		r.Route("/settlement", func(r chi.Router) {
			r.Get("/status", settlementHandler.Status)
			r.Post("/pause", settlementHandler.Pause)
			r.Post("/resume", settlementHandler.Resume)
			r.Post("/reconcile", settlementHandler.Reconcile)
		})
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
