package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "road_samples_processed_total",
		Help: "Samples processed by the detection engine, by outcome",
	}, []string{"outcome"})

	samplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "road_samples_dropped_total",
		Help: "Samples rejected because the ingest queue was full",
	})

	eventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "road_events_detected_total",
		Help: "Confirmed detection events, by coarse type",
	}, []string{"type"})

	refinements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "road_vision_refinements_total",
		Help: "Finished vision verifications, by decision",
	}, []string{"decision"})

	collaboratorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "road_collaborator_errors_total",
		Help: "Failures of external collaborators",
	}, []string{"collaborator"})

	activeSession = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "road_session_active",
		Help: "1 while a survey session is running",
	})

	clusterCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "road_clusters",
		Help: "Number of defect clusters after the latest re-cluster",
	})
)
