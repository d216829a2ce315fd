package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"aitester/internal/execution"
	"aitester/internal/notifier"
	"aitester/internal/schedule"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// Scheduler is the engine surface the API drives.
type Scheduler interface {
	ActiveSchedules() []schedule.ActiveSchedule
	CreateTestSuite(ctx context.Context, ts suite.TestSuite) (suite.TestSuite, error)
	ScheduleTestSuite(ctx context.Context, suiteID string, def suite.ScheduleDefinition) error
	UnscheduleTestSuite(suiteID string) bool
	UpdateSchedule(ctx context.Context, suiteID string, def suite.ScheduleDefinition) error
	DeleteSchedule(ctx context.Context, suiteID string) error
	TriggerNow(ctx context.Context, suiteID string) error
}

// Store is the read side plus environment writes. Suite writes go through
// the Scheduler so they serialize with schedule updates.
type Store interface {
	ListTestSuites(ctx context.Context) ([]suite.TestSuite, error)
	ListEnvironments(ctx context.Context) ([]suite.Environment, error)
	PutEnvironment(ctx context.Context, env suite.Environment) (suite.Environment, error)
	ListExecutions(ctx context.Context, suiteID string, limit int) ([]suite.Execution, error)
}

// Deps wires the router. Executions, Notifier and Gatherer are optional.
type Deps struct {
	Scheduler  Scheduler
	Store      Store
	Executions interface{ Snapshot() execution.Snapshot }
	Notifier   interface{ Snapshot() []notifier.HistoryItem }
	Gatherer   prometheus.Gatherer
	Log        logx.Logger
}

// NewRouter builds the HTTP handler for cfg.
func NewRouter(cfg Config, d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{d: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		if d.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route("/api/v1", func(r chi.Router) {
			var lim *rate.Limiter
			if cfg.WriteRatePerSec > 0 {
				burst := cfg.WriteBurst
				if burst <= 0 {
					burst = int(cfg.WriteRatePerSec) + 1
				}
				lim = rate.NewLimiter(rate.Limit(cfg.WriteRatePerSec), burst)
			}
			r.Use(writeLimit(lim))
			r.Use(middleware.AllowContentType("application/json"))

			r.Get("/status", h.status)

			r.Get("/schedules", h.listSchedules)
			r.Post("/schedules/validate", h.validateCron)

			r.Get("/suites", h.listSuites)
			r.Post("/suites", h.createSuite)
			r.Route("/suites/{id}", func(r chi.Router) {
				r.Get("/", h.getSuite)
				r.Put("/schedule", h.updateSchedule)
				r.Delete("/schedule", h.deleteSchedule)
				r.Post("/schedule/pause", h.pauseSchedule)
				r.Post("/schedule/resume", h.resumeSchedule)
				r.Post("/run", h.runNow)
				r.Get("/executions", h.listExecutions)
			})

			r.Get("/environments", h.listEnvironments)
			r.Put("/environments/{id}", h.putEnvironment)
		})
	})
	return r
}
