// Package session runs survey sessions: it feeds samples through the detection engine on a
// single worker, keeps the event store and cluster list current, and hands finished sessions
// to the mirror and archive collaborators.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"road-service/internal/analytics"
	"road-service/internal/archive"
	"road-service/internal/cluster"
	"road-service/internal/detection"
	"road-service/internal/log"
	"road-service/internal/models"
	"road-service/internal/store"
	"road-service/internal/vision"
)

var (
	ErrSessionActive   = errors.New("session already active")
	ErrNoSession       = errors.New("no active session")
	ErrQueueFull       = errors.New("sample queue full")
	ErrInvalidPosition = errors.New("invalid position")
)

const mirrorQueueSize = 256

// Mirror publishes live state to an external reader. Failures are logged and ignored.
type Mirror interface {
	MirrorEvent(ctx context.Context, ev models.DetectionEvent) error
	MirrorWorklist(ctx context.Context, worklist []models.DefectCluster) error
}

// Archiver persists a finished session.
type Archiver interface {
	ArchiveSession(ctx context.Context, s archive.Session, events []models.DetectionEvent, clusters []models.DefectCluster) error
}

type Config struct {
	Detection       detection.Config
	ClusterRadius   float64
	ClusterInterval time.Duration // zero disables periodic re-clustering
	SampleQueue     int
	Refiner         vision.RefinerConfig
}

// Collaborators are optional; nil members are skipped.
type Collaborators struct {
	Verifier vision.Verifier
	Mirror   Mirror
	Archiver Archiver
	Tracker  *analytics.Tracker
}

// Observation is a sample together with the position context current when it arrived.
type Observation struct {
	Sample models.SignalSample
	Fix    *models.PositionFix
}

// Summary describes a finished session.
type Summary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Events    int       `json:"events"`
	Clusters  int       `json:"clusters"`
	Archived  bool      `json:"archived"`
}

type Status struct {
	Active      bool                `json:"active"`
	ID          string              `json:"id,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	QueueDepth  int                 `json:"queue_depth"`
	LastOutcome string              `json:"last_outcome,omitempty"`
	Events      int                 `json:"events"`
	Clusters    int                 `json:"clusters"`
	Position    *models.PositionFix `json:"position,omitempty"`
	LastSession *Summary            `json:"last_session,omitempty"`
}

type run struct {
	id          string
	startedAt   time.Time
	engine      *detection.Engine
	samples     chan Observation
	refiner     *vision.Refiner
	lastOutcome atomic.Int32
	cancel      context.CancelFunc

	mirrorMu     sync.Mutex
	mirrorClosed bool
	mirror       chan models.DetectionEvent

	stopTicker chan struct{}
	workerDone chan struct{}
	tickerDone chan struct{}
	mirrorDone chan struct{}
}

// Manager owns at most one active session at a time.
type Manager struct {
	cfg    Config
	collab Collaborators

	events    *store.Store
	clusterer *cluster.Engine
	position  atomic.Pointer[models.PositionFix]

	// lifecycle serializes Start and Stop; mu guards active and last.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	active    *run
	last      *Summary

	reclusterMu sync.Mutex
	clusterMu   sync.RWMutex
	clusters    []models.DefectCluster
}

func NewManager(cfg Config, collab Collaborators) *Manager {
	if cfg.SampleQueue < 1 {
		cfg.SampleQueue = 1
	}
	return &Manager{
		cfg:       cfg,
		collab:    collab,
		events:    store.New(),
		clusterer: cluster.NewEngine(cfg.ClusterRadius),
	}
}

// Start begins a new session. The previous session's events and clusters are discarded.
func (m *Manager) Start(ctx context.Context) (Status, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	busy := m.active != nil
	m.mu.RUnlock()
	if busy {
		return Status{}, ErrSessionActive
	}

	m.reclusterMu.Lock()
	m.events.Reset()
	m.setClusters(nil)
	m.reclusterMu.Unlock()
	if m.collab.Tracker != nil {
		m.collab.Tracker.Reset()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:         uuid.New().String(),
		startedAt:  time.Now().UTC(),
		engine:     detection.NewEngine(m.cfg.Detection),
		samples:    make(chan Observation, m.cfg.SampleQueue),
		mirror:     make(chan models.DetectionEvent, mirrorQueueSize),
		cancel:     cancel,
		stopTicker: make(chan struct{}),
		workerDone: make(chan struct{}),
		tickerDone: make(chan struct{}),
		mirrorDone: make(chan struct{}),
	}
	r.lastOutcome.Store(-1)

	if m.collab.Verifier != nil {
		r.refiner = vision.NewRefiner(m.collab.Verifier, m.events, m.cfg.Refiner, m.refinementResult(r))
		r.refiner.Start(runCtx)
	}

	go m.work(r)
	go m.recluster(runCtx, r)
	go m.publish(runCtx, r)

	m.mu.Lock()
	m.active = r
	m.mu.Unlock()

	activeSession.Set(1)
	log.Infow("session started", "session_id", r.id)
	return m.Status(), nil
}

// Stop ends the active session. Every queued sample is processed and in-flight
// verifications finish before the final re-cluster and archive.
func (m *Manager) Stop(ctx context.Context) (Summary, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	r := m.active
	if r == nil {
		m.mu.Unlock()
		return Summary{}, ErrNoSession
	}
	m.active = nil
	close(r.samples)
	m.mu.Unlock()

	<-r.workerDone
	close(r.stopTicker)
	<-r.tickerDone
	if r.refiner != nil {
		r.refiner.Stop()
	}
	r.closeMirror()
	<-r.mirrorDone

	events, clusters := m.reclusterNow(ctx)

	summary := Summary{
		ID:        r.id,
		StartedAt: r.startedAt,
		StoppedAt: time.Now().UTC(),
		Events:    len(events),
		Clusters:  len(clusters),
	}

	if m.collab.Archiver != nil {
		err := m.collab.Archiver.ArchiveSession(ctx, archive.Session{
			ID:        summary.ID,
			StartedAt: summary.StartedAt,
			StoppedAt: summary.StoppedAt,
		}, events, cluster.Worklist(clusters))
		if err != nil {
			collaboratorErrors.WithLabelValues("archive").Inc()
			log.Errorw("failed to archive session", "session_id", r.id, "error", err)
		} else {
			summary.Archived = true
		}
	}

	r.cancel()

	m.mu.Lock()
	m.last = &summary
	m.mu.Unlock()

	activeSession.Set(0)
	log.Infow("session stopped", "session_id", r.id, "events", summary.Events, "clusters", summary.Clusters)
	return summary, nil
}

// SubmitSample queues a sample with the latest known position. It never blocks.
func (m *Manager) SubmitSample(sample models.SignalSample) error {
	obs := Observation{Sample: sample, Fix: m.position.Load()}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return ErrNoSession
	}
	select {
	case m.active.samples <- obs:
		return nil
	default:
		samplesDropped.Inc()
		return ErrQueueFull
	}
}

// UpdatePosition replaces the latest known position context.
func (m *Manager) UpdatePosition(fix models.PositionFix) error {
	if !validCoordinate(fix.Latitude, 90) || !validCoordinate(fix.Longitude, 180) {
		return fmt.Errorf("%w: latitude %v, longitude %v", ErrInvalidPosition, fix.Latitude, fix.Longitude)
	}
	if math.IsNaN(fix.SpeedKmh) || math.IsInf(fix.SpeedKmh, 0) {
		return fmt.Errorf("%w: speed %v", ErrInvalidPosition, fix.SpeedKmh)
	}
	if fix.ReceivedAt.IsZero() {
		fix.ReceivedAt = time.Now().UTC()
	}
	m.position.Store(&fix)
	return nil
}

// ClearPosition drops the position context, e.g. after losing the GPS fix.
// Subsequent samples are rejected until a new position arrives.
func (m *Manager) ClearPosition() {
	m.position.Store(nil)
}

func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

// AttachEvidence records a photo for an event of the active session and queues it for
// verification. Edits are only accepted while a session runs, so they reach the archive.
func (m *Manager) AttachEvidence(eventID, photoRef string) (models.DetectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.active
	if r == nil {
		return models.DetectionEvent{}, ErrNoSession
	}

	ev, err := m.events.Update(eventID, func(ev models.DetectionEvent) models.DetectionEvent {
		ev.PhotoReference = &photoRef
		return ev
	})
	if err != nil {
		return models.DetectionEvent{}, fmt.Errorf("failed to attach evidence to %s: %w", eventID, err)
	}

	r.enqueueMirror(ev)
	if r.refiner != nil && !r.refiner.Submit(eventID, photoRef) {
		collaboratorErrors.WithLabelValues("vision_queue").Inc()
		log.Warnw("vision queue full, skipping verification", "event_id", eventID)
	}
	return ev, nil
}

// Annotate sets the road name and administrative zone of an event of the active session.
// Nil arguments leave a field unchanged.
func (m *Manager) Annotate(eventID string, roadName, zone *string) (models.DetectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.active
	if r == nil {
		return models.DetectionEvent{}, ErrNoSession
	}

	ev, err := m.events.Update(eventID, func(ev models.DetectionEvent) models.DetectionEvent {
		if roadName != nil {
			v := *roadName
			ev.RoadName = &v
		}
		if zone != nil {
			v := *zone
			ev.AdministrativeZone = &v
		}
		return ev
	})
	if err != nil {
		return models.DetectionEvent{}, fmt.Errorf("failed to annotate %s: %w", eventID, err)
	}

	r.enqueueMirror(ev)
	return ev, nil
}

func (m *Manager) Events() []models.DetectionEvent {
	return m.events.Snapshot()
}

func (m *Manager) Event(id string) (models.DetectionEvent, error) {
	return m.events.Get(id)
}

// Clusters returns the clusters of the latest re-cluster.
func (m *Manager) Clusters() []models.DefectCluster {
	m.clusterMu.RLock()
	defer m.clusterMu.RUnlock()

	out := make([]models.DefectCluster, len(m.clusters))
	copy(out, m.clusters)
	return out
}

func (m *Manager) Worklist() []models.DefectCluster {
	return cluster.Worklist(m.Clusters())
}

// Recluster recomputes the clusters from the current events.
func (m *Manager) Recluster(ctx context.Context) []models.DefectCluster {
	_, clusters := m.reclusterNow(ctx)
	return clusters
}

// reclusterNow snapshots, clusters and publishes as one step, so a slower run can
// never replace the clusters of a newer snapshot.
func (m *Manager) reclusterNow(ctx context.Context) ([]models.DetectionEvent, []models.DefectCluster) {
	m.reclusterMu.Lock()
	defer m.reclusterMu.Unlock()

	events := m.events.Snapshot()
	clusters := m.clusterer.Cluster(events)
	m.setClusters(clusters)
	m.mirrorWorklist(ctx, clusters)
	return events, clusters
}

func (m *Manager) Status() Status {
	m.clusterMu.RLock()
	nClusters := len(m.clusters)
	m.clusterMu.RUnlock()

	st := Status{
		Events:   m.events.Len(),
		Clusters: nClusters,
	}
	if fix := m.position.Load(); fix != nil {
		f := *fix
		st.Position = &f
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.last != nil {
		last := *m.last
		st.LastSession = &last
	}
	if r := m.active; r != nil {
		started := r.startedAt
		st.Active = true
		st.ID = r.id
		st.StartedAt = &started
		st.QueueDepth = len(r.samples)
		if o := r.lastOutcome.Load(); o >= 0 {
			st.LastOutcome = detection.Outcome(o).String()
		}
	}
	return st
}

func (m *Manager) setClusters(clusters []models.DefectCluster) {
	m.clusterMu.Lock()
	m.clusters = clusters
	m.clusterMu.Unlock()
	clusterCount.Set(float64(len(clusters)))
}

func (m *Manager) mirrorWorklist(ctx context.Context, clusters []models.DefectCluster) {
	if m.collab.Mirror == nil {
		return
	}
	if err := m.collab.Mirror.MirrorWorklist(ctx, cluster.Worklist(clusters)); err != nil {
		collaboratorErrors.WithLabelValues("mirror").Inc()
		log.Warnw("failed to mirror worklist", "error", err)
	}
}

// work is the only goroutine that touches the run's engine.
func (m *Manager) work(r *run) {
	defer close(r.workerDone)

	for obs := range r.samples {
		res := Process(r.engine, obs)
		r.lastOutcome.Store(int32(res.Outcome))
		samplesProcessed.WithLabelValues(res.Outcome.String()).Inc()
		if m.collab.Tracker != nil {
			m.collab.Tracker.Observe(obs.Sample, res.Outcome)
		}
		if res.Outcome != detection.OutcomeConfirmed {
			continue
		}

		if !m.events.Add(res.Event) {
			log.Debugw("duplicate event ignored", "event_id", res.Event.ID)
			continue
		}
		eventsDetected.WithLabelValues(string(res.Event.CoarseType)).Inc()
		if m.collab.Tracker != nil {
			m.collab.Tracker.RecordEvent(res.Event)
		}
		r.enqueueMirror(res.Event)
		log.Infow("road defect detected",
			"event_id", res.Event.ID,
			"type", res.Event.CoarseType,
			"severity", res.Event.SeverityIndex,
			"confidence", res.Event.InertialConfidence)
	}
}

// Process feeds one observation to engine.
func Process(engine *detection.Engine, obs Observation) detection.Result {
	var pos *models.Position
	var speed float64
	if obs.Fix != nil {
		p := obs.Fix.Position
		pos = &p
		speed = obs.Fix.SpeedKmh
	}
	return engine.Process(obs.Sample, pos, speed)
}

func (m *Manager) recluster(ctx context.Context, r *run) {
	defer close(r.tickerDone)
	if m.cfg.ClusterInterval <= 0 {
		<-r.stopTicker
		return
	}

	ticker := time.NewTicker(m.cfg.ClusterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Recluster(ctx)
		case <-r.stopTicker:
			return
		}
	}
}

// enqueueMirror never blocks. Updates arriving after the queue closed are not mirrored.
func (r *run) enqueueMirror(ev models.DetectionEvent) {
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()

	if r.mirrorClosed {
		return
	}
	select {
	case r.mirror <- ev:
	default:
		collaboratorErrors.WithLabelValues("mirror_queue").Inc()
	}
}

func (r *run) closeMirror() {
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()

	if !r.mirrorClosed {
		r.mirrorClosed = true
		close(r.mirror)
	}
}

func (m *Manager) publish(ctx context.Context, r *run) {
	defer close(r.mirrorDone)
	for ev := range r.mirror {
		if m.collab.Mirror == nil {
			continue
		}
		if err := m.collab.Mirror.MirrorEvent(ctx, ev); err != nil {
			collaboratorErrors.WithLabelValues("mirror").Inc()
			log.Warnw("failed to mirror event", "event_id", ev.ID, "error", err)
		}
	}
}

func (m *Manager) refinementResult(r *run) vision.ResultFunc {
	return func(ev models.DetectionEvent, d vision.Decision, err error) {
		if err != nil {
			refinements.WithLabelValues("error").Inc()
			return
		}
		refinements.WithLabelValues(d.String()).Inc()
		r.enqueueMirror(ev)
	}
}
