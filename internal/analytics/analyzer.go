// Package analytics keeps running telemetry for the active survey session.
package analytics

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"road-service/internal/detection"
	"road-service/internal/models"
)

const recentCapacity = 100

// Stats is a point-in-time view of the session telemetry.
type Stats struct {
	WindowSize       int              `json:"window_size"`
	TotalSamples     int64            `json:"total_samples"`
	RejectedSamples  int64            `json:"rejected_samples"`
	RejectionRate    float64          `json:"rejection_rate"`
	TotalEvents      int64            `json:"total_events"`
	EventsPerKSample float64          `json:"events_per_1k_samples"`
	LastEventTime    *time.Time       `json:"last_event_time,omitempty"`
	CurrentMagnitude float64          `json:"current_magnitude"`
	RollingMagnitude float64          `json:"rolling_magnitude"`
	MagnitudeStdDev  float64          `json:"magnitude_stddev"`
	Outcomes         map[string]int64 `json:"outcomes"`
}

// Tracker aggregates engine outcomes and confirmed events.
type Tracker struct {
	windowSize int
	magnitudes []float64
	recent     []models.DetectionEvent
	outcomes   map[detection.Outcome]int64
	stats      Stats
	mu         sync.RWMutex
}

// NewTracker keeps a rolling magnitude window of windowSize samples.
func NewTracker(windowSize int) *Tracker {
	if windowSize < 2 {
		windowSize = 2
	}
	return &Tracker{
		windowSize: windowSize,
		magnitudes: make([]float64, 0, windowSize),
		recent:     make([]models.DetectionEvent, 0, recentCapacity),
		outcomes:   make(map[detection.Outcome]int64),
		stats:      Stats{WindowSize: windowSize},
	}
}

// Observe records one processed sample and its outcome.
func (t *Tracker) Observe(sample models.SignalSample, outcome detection.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalSamples++
	t.outcomes[outcome]++
	if outcome.Rejected() {
		t.stats.RejectedSamples++
	}
	t.stats.RejectionRate = float64(t.stats.RejectedSamples) / float64(t.stats.TotalSamples)
	t.stats.EventsPerKSample = float64(t.stats.TotalEvents) * 1000 / float64(t.stats.TotalSamples)

	if !sample.Finite() {
		return
	}
	m := sample.Magnitude()
	t.magnitudes = append(t.magnitudes, m)
	if len(t.magnitudes) > t.windowSize {
		t.magnitudes = t.magnitudes[1:]
	}
	t.stats.CurrentMagnitude = m
	if len(t.magnitudes) >= 2 {
		t.stats.RollingMagnitude, t.stats.MagnitudeStdDev = stat.MeanStdDev(t.magnitudes, nil)
	} else {
		t.stats.RollingMagnitude, t.stats.MagnitudeStdDev = m, 0
	}
}

// RecordEvent notes a committed detection.
func (t *Tracker) RecordEvent(ev models.DetectionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalEvents++
	ts := ev.Timestamp
	t.stats.LastEventTime = &ts
	if t.stats.TotalSamples > 0 {
		t.stats.EventsPerKSample = float64(t.stats.TotalEvents) * 1000 / float64(t.stats.TotalSamples)
	}

	t.recent = append(t.recent, ev.Clone())
	if len(t.recent) > recentCapacity {
		t.recent = t.recent[1:]
	}
}

func (t *Tracker) GetCurrentStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := t.stats
	out.Outcomes = make(map[string]int64, len(t.outcomes))
	for o, n := range t.outcomes {
		out.Outcomes[o.String()] = n
	}
	if t.stats.LastEventTime != nil {
		ts := *t.stats.LastEventTime
		out.LastEventTime = &ts
	}
	return out
}

// GetRecentEvents returns up to limit of the latest events, oldest first.
func (t *Tracker) GetRecentEvents(limit int) []models.DetectionEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit > len(t.recent) || limit < 0 {
		limit = len(t.recent)
	}

	src := t.recent[len(t.recent)-limit:]
	out := make([]models.DetectionEvent, len(src))
	for i, ev := range src {
		out[i] = ev.Clone()
	}
	return out
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.magnitudes = t.magnitudes[:0]
	t.recent = t.recent[:0]
	t.outcomes = make(map[detection.Outcome]int64)
	t.stats = Stats{WindowSize: t.windowSize}
}
