// Package detection turns a speed-varying accelerometer stream into debounced
// road defect events.
//
// The Engine runs a three-state machine, Idle -> Armed -> (Confirmed | TimedOut) -> Idle,
// over the peak and peak-to-peak spread of a short sliding window. A window peak above the
// speed dependent threshold arms the engine; the event is only confirmed once the armed
// window has aged past ConfirmAfter and its inertial confidence clears ConfirmConfidence.
// After a confirmation the engine ignores input for Cooldown so that one physical bump
// yields one event.
//
// An Engine is not safe for concurrent use. It is meant to be driven by a single producer.
package detection

import (
	"fmt"
	"math"
	"time"

	"road-service/internal/models"
	"road-service/internal/scoring"
)

// Config holds the detection parameters.
type Config struct {
	MinSpeedKmh       float64       // below this, vibration is not road-induced
	Cooldown          time.Duration // minimum gap between confirmed events
	Window            time.Duration // sliding window span
	MinWindowSamples  int           // statistical support required before evaluating
	ConfirmAfter      time.Duration // armed age required before confirming
	ArmTimeout        time.Duration // armed age after which an unconfirmed arm is dropped
	ConfirmConfidence float64       // inertial confidence needed to confirm

	// Strict panics on contract violations (non-finite samples, invalid speed)
	// instead of absorbing them. Meant for development builds.
	Strict bool
}

// DefaultConfig returns the production detection parameters.
func DefaultConfig() Config {
	return Config{
		MinSpeedKmh:       5.0,
		Cooldown:          1500 * time.Millisecond,
		Window:            450 * time.Millisecond,
		MinWindowSamples:  8,
		ConfirmAfter:      180 * time.Millisecond,
		ArmTimeout:        350 * time.Millisecond,
		ConfirmConfidence: 0.75,
	}
}

// Validate reports parameter combinations the state machine cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return fmt.Errorf("detection window must be positive, got %s", c.Window)
	case c.MinWindowSamples < 1:
		return fmt.Errorf("min window samples must be at least 1, got %d", c.MinWindowSamples)
	case c.Cooldown < 0:
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	case c.ConfirmAfter < 0 || c.ArmTimeout < c.ConfirmAfter:
		return fmt.Errorf("arm timeout (%s) must be >= confirm delay (%s) >= 0", c.ArmTimeout, c.ConfirmAfter)
	case c.ConfirmConfidence < 0 || c.ConfirmConfidence > 1:
		return fmt.Errorf("confirm confidence must be in [0,1], got %v", c.ConfirmConfidence)
	case c.MinSpeedKmh < 0:
		return fmt.Errorf("min speed must not be negative, got %v", c.MinSpeedKmh)
	}
	return nil
}

// State is the debounce state of an Engine.
type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Outcome describes what a single sample did to the engine.
type Outcome int

const (
	OutcomeNoPosition Outcome = iota
	OutcomeBelowSpeed
	OutcomeCooldown
	OutcomeInvalidSample
	OutcomeInsufficientWindow
	OutcomeIdle
	OutcomeArmed
	OutcomeGathering
	OutcomeTimedOut
	OutcomeConfirmed
)

var outcomeNames = [...]string{
	OutcomeNoPosition:         "no_position",
	OutcomeBelowSpeed:         "below_speed",
	OutcomeCooldown:           "cooldown",
	OutcomeInvalidSample:      "invalid_sample",
	OutcomeInsufficientWindow: "insufficient_window",
	OutcomeIdle:               "idle",
	OutcomeArmed:              "armed",
	OutcomeGathering:          "gathering",
	OutcomeTimedOut:           "timed_out",
	OutcomeConfirmed:          "confirmed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Rejected reports whether the sample was turned away before reaching the window.
func (o Outcome) Rejected() bool {
	return o <= OutcomeInvalidSample
}

// Result is the full outcome of one Process call.
type Result struct {
	Outcome Outcome
	Event   models.DetectionEvent // valid only when Outcome == OutcomeConfirmed
}

// Engine is the per-session detection state machine.
type Engine struct {
	cfg    Config
	window *WindowBuffer

	armed       bool
	armStart    time.Time
	lastTrigger time.Time
	hasTrigger  bool
	lastSample  time.Time
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		window: NewWindowBuffer(cfg.Window),
	}
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current debounce state.
func (e *Engine) State() State {
	if e.armed {
		return Armed
	}
	return Idle
}

// Reset returns the engine to its initial state. Call it at session start.
func (e *Engine) Reset() {
	e.window.Reset()
	e.armed = false
	e.armStart = time.Time{}
	e.lastTrigger = time.Time{}
	e.hasTrigger = false
	e.lastSample = time.Time{}
}

// Ingest feeds one sample with the latest position and speed. It returns the
// confirmed event, if this sample completed one.
func (e *Engine) Ingest(sample models.SignalSample, pos *models.Position, speedKmh float64) (models.DetectionEvent, bool) {
	r := e.Process(sample, pos, speedKmh)
	return r.Event, r.Outcome == OutcomeConfirmed
}

// Process is Ingest with the outcome of the sample reported.
func (e *Engine) Process(sample models.SignalSample, pos *models.Position, speedKmh float64) Result {
	if !e.validSample(sample, speedKmh) {
		return Result{Outcome: OutcomeInvalidSample}
	}
	if speedKmh < 0 {
		speedKmh = 0
	}

	now := sample.Timestamp
	switch {
	case pos == nil:
		return Result{Outcome: OutcomeNoPosition}
	case speedKmh < e.cfg.MinSpeedKmh:
		return Result{Outcome: OutcomeBelowSpeed}
	case e.hasTrigger && now.Sub(e.lastTrigger) < e.cfg.Cooldown:
		return Result{Outcome: OutcomeCooldown}
	}

	e.window.Push(sample)
	e.lastSample = now
	if e.window.Len() < e.cfg.MinWindowSamples {
		return Result{Outcome: OutcomeInsufficientWindow}
	}

	peak, trough := e.window.Extremes()
	p2p := peak - trough
	threshold := scoring.ThresholdForSpeed(speedKmh)

	if !e.armed {
		if peak > threshold {
			e.armed = true
			e.armStart = now
			return Result{Outcome: OutcomeArmed}
		}
		return Result{Outcome: OutcomeIdle}
	}

	age := now.Sub(e.armStart)
	if age < e.cfg.ConfirmAfter {
		return Result{Outcome: OutcomeGathering}
	}

	confidence := scoring.InertialConfidence(peak, p2p, threshold)
	if confidence >= e.cfg.ConfirmConfidence {
		e.armed = false
		e.lastTrigger = now
		e.hasTrigger = true
		return Result{
			Outcome: OutcomeConfirmed,
			Event:   newEvent(now, *pos, speedKmh, peak, p2p, confidence),
		}
	}
	if age >= e.cfg.ArmTimeout {
		e.armed = false
		return Result{Outcome: OutcomeTimedOut}
	}
	return Result{Outcome: OutcomeGathering}
}

// validSample checks the input contract. Time running backwards would break
// window eviction, so such samples are treated like non-finite ones.
func (e *Engine) validSample(s models.SignalSample, speedKmh float64) bool {
	var problem string
	switch {
	case !s.Finite():
		problem = "non-finite acceleration"
	case math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0):
		problem = "non-finite speed"
	case !e.lastSample.IsZero() && s.Timestamp.Before(e.lastSample):
		problem = "sample timestamp went backwards"
	case speedKmh < 0:
		problem = "negative speed"
	}
	if problem == "" {
		return true
	}
	if e.cfg.Strict {
		panic(fmt.Sprintf("detection: %s (sample=%+v speed=%v)", problem, s, speedKmh))
	}
	// Negative speed is clamped and then rejected by the speed gate.
	return problem == "negative speed"
}

func newEvent(ts time.Time, pos models.Position, speedKmh, peak, p2p, confidence float64) models.DetectionEvent {
	return models.DetectionEvent{
		ID:                 models.EventID(ts, pos.Latitude, pos.Longitude),
		Timestamp:          ts,
		Latitude:           pos.Latitude,
		Longitude:          pos.Longitude,
		SpeedKmh:           speedKmh,
		SeverityIndex:      scoring.SeverityIndex(peak, p2p, speedKmh),
		RawPeak:            peak,
		RawPeakToPeak:      p2p,
		InertialConfidence: confidence,
		CoarseType:         Classify(peak, p2p, speedKmh),
		RepeatCount:        1,
	}
}

// Classify is the coarse type heuristic. The first matching rule wins.
func Classify(peak, p2p, speedKmh float64) models.CoarseType {
	switch {
	case speedKmh >= 12 && speedKmh <= 40 && p2p >= 5.5 && peak >= 20:
		return models.SpeedBump
	case peak >= 22 && p2p >= 6.0:
		return models.Pothole
	case peak >= 18:
		return models.RoughRoad
	default:
		return models.Unknown
	}
}
