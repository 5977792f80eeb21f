package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"orderdesk/internal/handlers"
	"orderdesk/internal/metrics"
	"orderdesk/internal/middleware"
)

// Options tunes the API middleware stack.
type Options struct {
	RequestTimeout time.Duration // default: 60s
	MaxBodyBytes   int64
	// Maintenance is started on every API request when set.
	Maintenance middleware.Starter
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, intakeHandler *handlers.IntakeHandler, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.MaxBodyBytes > 0 {
			r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))
		}
		if opts.Maintenance != nil {
			r.Use(middleware.EnsureMaintenance(opts.Maintenance))
		}

		r.Post("/check-document-type", intakeHandler.CheckDocumentType)
		r.Post("/extract-order", intakeHandler.ExtractOrder)
		r.Post("/extract-drawing", intakeHandler.ExtractDrawing)
		r.Get("/cache/stats", intakeHandler.CacheStats)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
