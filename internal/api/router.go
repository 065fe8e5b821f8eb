// Package api serves the monitoring state and controls over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/health"
	"github.com/taniwha3/trackwatch/internal/history"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/monitor"
	"github.com/taniwha3/trackwatch/internal/storage"
)

const defaultAlertLimit = 10

// Monitor is the part of *monitor.Monitor the API drives
type Monitor interface {
	Snapshot() monitor.Snapshot
	History() *history.Buffer
	Alerts() *history.AlertLog
	Thresholds() models.Thresholds
	Stations() map[string][]string
	SourceName() string
	SetActive(active bool)
	SetInterval(d time.Duration) error
	SetStation(line, station string) error
	Tick(ctx context.Context) (evaluator.Result, error)
	Clear()
	ClearAlerts()
}

// Archive reads persisted ticks
type Archive interface {
	QueryReadings(ctx context.Context, opts storage.QueryOptions) ([]storage.Record, error)
}

// Options wires the API to the rest of the service. Health, Stream,
// Metrics and Archive are optional; their routes are not mounted when nil.
type Options struct {
	Monitor    Monitor
	Health     *health.Checker
	Stream     http.Handler
	Metrics    http.Handler
	Archive    Archive
	AlertLimit int
	Logger     *slog.Logger
}

// Handler holds the API dependencies
type Handler struct {
	mon        Monitor
	archive    Archive
	alertLimit int
	logger     *slog.Logger
}

// NewRouter builds the chi router for the whole HTTP surface
func NewRouter(opts Options) *chi.Mux {
	if opts.AlertLimit <= 0 {
		opts.AlertLimit = defaultAlertLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		mon:        opts.Monitor,
		archive:    opts.Archive,
		alertLimit: opts.AlertLimit,
		logger:     opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.getState)
		r.Get("/thresholds", h.getThresholds)
		r.Get("/stations", h.getStations)

		r.Get("/readings", h.getReadings)
		r.Get("/readings/{metric}", h.getSeries)
		r.Delete("/readings", h.clearReadings)

		r.Get("/alerts", h.getAlerts)
		r.Delete("/alerts", h.clearAlerts)

		if h.archive != nil {
			r.Get("/archive", h.getArchive)
		}

		r.Route("/monitoring", func(r chi.Router) {
			r.Post("/start", h.start)
			r.Post("/stop", h.stop)
			r.Post("/tick", h.tick)
			r.Put("/interval", h.setInterval)
			r.Put("/station", h.setStation)
		})
	})

	if opts.Stream != nil {
		r.Handle("/ws", opts.Stream)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Health != nil {
		r.Get("/health", opts.Health.HTTPHandler())
		r.Get("/health/live", opts.Health.LivenessHandler())
		r.Get("/health/ready", opts.Health.ReadinessHandler())
	}

	return r
}

// requestLogger logs each request through slog with chi's request ID
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
