// Package api exposes survey sessions, detections and the maintenance worklist over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"road-service/internal/analytics"
	"road-service/internal/config"
	"road-service/internal/log"
	"road-service/internal/models"
	"road-service/internal/session"
)

const version = "1.0.0"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	samplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "road_samples_ingested_total",
		Help: "Samples accepted into the ingest queue over HTTP",
	})
)

// RecentEvents reads events mirrored by earlier and current sessions.
type RecentEvents interface {
	GetRecentEvents(ctx context.Context, count int64) ([]models.DetectionEvent, error)
}

type Server struct {
	router   *mux.Router
	cfg      config.ServerConfig
	sessions *session.Manager
	tracker  *analytics.Tracker
	mirror   RecentEvents
}

// NewServer wires the routes. tracker and mirror may be nil.
func NewServer(cfg config.ServerConfig, sessions *session.Manager, tracker *analytics.Tracker, mirror RecentEvents) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		cfg:      cfg,
		sessions: sessions,
		tracker:  tracker,
		mirror:   mirror,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")

	s.router.HandleFunc("/sessions/start", s.startSessionHandler).Methods("POST")
	s.router.HandleFunc("/sessions/stop", s.stopSessionHandler).Methods("POST")
	s.router.HandleFunc("/sessions/current", s.currentSessionHandler).Methods("GET")

	s.router.HandleFunc("/samples", s.ingestSamplesHandler).Methods("POST")
	s.router.HandleFunc("/position", s.updatePositionHandler).Methods("POST")
	s.router.HandleFunc("/position", s.clearPositionHandler).Methods("DELETE")

	s.router.HandleFunc("/events", s.listEventsHandler).Methods("GET")
	s.router.HandleFunc("/events/{id}", s.getEventHandler).Methods("GET")
	s.router.HandleFunc("/events/{id}/evidence", s.attachEvidenceHandler).Methods("POST")
	s.router.HandleFunc("/events/{id}/annotation", s.annotateHandler).Methods("PATCH")

	s.router.HandleFunc("/clusters", s.clustersHandler).Methods("GET")
	s.router.HandleFunc("/worklist", s.worklistHandler).Methods("GET")

	s.router.HandleFunc("/analytics/current", s.getAnalyticsHandler).Methods("GET")
	s.router.HandleFunc("/analytics/recent", s.getRecentHandler).Methods("GET")

	s.router.HandleFunc("/export/events.csv", s.exportCSVHandler).Methods("GET")
	s.router.HandleFunc("/export/events.geojson", s.exportGeoJSONHandler).Methods("GET")

	s.router.Handle("/metrics/prometheus", promhttp.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request counts and durations per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server is ready to handle requests at %s", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", s.cfg.ListenAddr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not gracefully shutdown the server: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
