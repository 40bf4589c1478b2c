// Package adminapi serves a read-mostly HTTP view of the reminder engine:
// ledger contents, scheduled jobs, delivery stats and scheduler health.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"studiobot/internal/reminder"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

// Scheduler is the part of the scheduler the API reads and controls.
type Scheduler interface {
	Snapshot(ctx context.Context) scheduler.Snapshot
	Jobs(ctx context.Context, f storage.JobFilter) ([]reminder.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
}

type Config struct {
	Addr                 string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	// Profiling mounts net/http/pprof under /debug.
	Profiling Profiling
}

func NewRouter(cfg Config, sched Scheduler, ledger storage.Ledger, log logx.Logger, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: cfg.CORSAllowCredentials,
			MaxAge:           300,
		}))
	}

	h := &handler{sched: sched, ledger: ledger, log: log, now: now}
	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/scheduler", h.snapshot)
		r.Get("/stats", h.stats)

		r.Get("/notifications", h.listNotifications)
		r.Get("/notifications/{id}", h.getNotification)

		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/{id}/cancel", h.cancelJob)
	})

	if cfg.Profiling.Enabled {
		cfg.Profiling.applyRuntimeRates()
		r.Mount("/debug", chimw.Profiler())
	}

	return r
}
