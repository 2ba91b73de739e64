package detection

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"road-service/internal/models"

	"github.com/stretchr/testify/require"
)

const gravity = 9.81

var testPos = &models.Position{Latitude: 52.5200, Longitude: 13.4050}

type segment struct {
	fromMs, toMs int // half-open, 10 ms sample period
	magnitude    float64
}

// trace expands segments into 100 Hz samples.
func trace(segments ...segment) []models.SignalSample {
	var out []models.SignalSample
	for _, s := range segments {
		for ms := s.fromMs; ms < s.toMs; ms += 10 {
			out = append(out, sampleAt(ms, s.magnitude))
		}
	}
	return out
}

func run(e *Engine, samples []models.SignalSample, speedKmh float64) []models.DetectionEvent {
	var events []models.DetectionEvent
	for _, s := range samples {
		if ev, ok := e.Ingest(s, testPos, speedKmh); ok {
			events = append(events, ev)
		}
	}
	return events
}

func TestSustainedSpikeAtBumpSpeed(t *testing.T) {
	e := NewEngine(DefaultConfig())
	samples := trace(
		segment{0, 500, gravity},
		segment{500, 700, 30},
		segment{700, 3000, gravity},
	)

	events := run(e, samples, 20)

	require.Len(t, events, 1)
	ev := events[0]
	require.InDelta(t, 20.0, ev.SpeedKmh, 1e-9)
	require.InDelta(t, 30.0, ev.RawPeak, 1e-9)
	require.GreaterOrEqual(t, ev.RawPeakToPeak, 6.0)
	// 20 km/h falls inside the speed bump band, which is checked before pothole.
	require.Equal(t, models.SpeedBump, ev.CoarseType)
	require.Equal(t, time.UnixMilli(680), ev.Timestamp)
	require.InDelta(t, 0.805, ev.InertialConfidence, 1e-3)
	require.InDelta(t, 100.0, ev.SeverityIndex, 1e-9)
	require.Equal(t, 1, ev.RepeatCount)
	require.Equal(t, models.EventID(ev.Timestamp, testPos.Latitude, testPos.Longitude), ev.ID)
}

func TestSustainedSpikeOutsideBumpBandIsPothole(t *testing.T) {
	e := NewEngine(DefaultConfig())
	samples := trace(
		segment{0, 500, gravity},
		segment{500, 700, 35},
		segment{700, 3000, gravity},
	)

	events := run(e, samples, 45)

	require.Len(t, events, 1)
	require.Equal(t, models.Pothole, events[0].CoarseType)
	require.InDelta(t, 45.0, events[0].SpeedKmh, 1e-9)
}

func TestSecondSpikeWithinCooldownIsSuppressed(t *testing.T) {
	e := NewEngine(DefaultConfig())
	samples := trace(
		segment{0, 500, gravity},
		segment{500, 550, 30},
		segment{550, 1000, gravity},
		segment{1000, 1050, 30},
		segment{1050, 3000, gravity},
	)

	events := run(e, samples, 20)
	require.Len(t, events, 1)
	require.Equal(t, time.UnixMilli(680), events[0].Timestamp)
}

func TestSpikeBelowConfidenceBarTimesOut(t *testing.T) {
	// At 20 km/h a 25 m/s² peak can reach at most 0.65*0.45 + 0.35 = 0.6425.
	e := NewEngine(DefaultConfig())
	samples := trace(
		segment{0, 500, gravity},
		segment{500, 550, 25},
		segment{550, 2000, gravity},
	)

	var outcomes []Outcome
	for _, s := range samples {
		outcomes = append(outcomes, e.Process(s, testPos, 20).Outcome)
	}

	require.NotContains(t, outcomes, OutcomeConfirmed)
	require.Contains(t, outcomes, OutcomeArmed)
	require.Contains(t, outcomes, OutcomeTimedOut)
	require.Equal(t, Idle, e.State())
}

func TestVibrationBelowDynamicThreshold(t *testing.T) {
	e := NewEngine(DefaultConfig())
	samples := trace(segment{0, 5000, 16})

	for _, s := range samples {
		r := e.Process(s, testPos, 60)
		require.NotEqual(t, OutcomeArmed, r.Outcome)
		require.NotEqual(t, OutcomeConfirmed, r.Outcome)
	}
	require.Equal(t, Idle, e.State())
}

func TestBelowMinSpeedNeverEmits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewEngine(DefaultConfig())

	for ms := 0; ms < 20_000; ms += 10 {
		s := sampleAt(ms, gravity+rng.Float64()*60)
		speed := rng.Float64() * 4.999
		r := e.Process(s, testPos, speed)
		require.Equal(t, OutcomeBelowSpeed, r.Outcome)
	}
}

func TestRejectsWithoutPosition(t *testing.T) {
	e := NewEngine(DefaultConfig())
	for _, s := range trace(segment{0, 1000, 40}) {
		r := e.Process(s, nil, 30)
		require.Equal(t, OutcomeNoPosition, r.Outcome)
		require.True(t, r.Outcome.Rejected())
	}
	require.Zero(t, e.window.Len())
}

func TestInsufficientWindow(t *testing.T) {
	e := NewEngine(DefaultConfig())
	samples := trace(segment{0, 80, 40})

	for i, s := range samples[:7] {
		r := e.Process(s, testPos, 30)
		require.Equal(t, OutcomeInsufficientWindow, r.Outcome, "sample %d", i)
	}
	require.Equal(t, OutcomeArmed, e.Process(samples[7], testPos, 30).Outcome)
}

func TestCooldownBetweenEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := DefaultConfig()
	e := NewEngine(cfg)

	var samples []models.SignalSample
	for ms := 0; ms < 60_000; ms += 10 {
		mag := gravity + rng.NormFloat64()
		if rng.Intn(40) == 0 {
			mag = 25 + rng.Float64()*40
		}
		samples = append(samples, sampleAt(ms, mag))
	}

	events := run(e, samples, 25)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		gap := events[i].Timestamp.Sub(events[i-1].Timestamp)
		require.GreaterOrEqual(t, gap, cfg.Cooldown)
	}
}

func TestScoresStayInRangeUnderExtremeInput(t *testing.T) {
	e := NewEngine(DefaultConfig())
	var samples []models.SignalSample
	for ms := 0; ms < 30_000; ms += 10 {
		mag := gravity
		if (ms/100)%7 == 0 {
			mag = 1e6
		}
		samples = append(samples, models.SignalSample{
			Timestamp: time.UnixMilli(int64(ms)),
			AX:        mag, AY: -mag, AZ: mag,
		})
	}

	for _, speed := range []float64{5, 6, 90, 400} {
		e.Reset()
		for _, ev := range run(e, samples, speed) {
			require.GreaterOrEqual(t, ev.SeverityIndex, 0.0)
			require.LessOrEqual(t, ev.SeverityIndex, 100.0)
			require.GreaterOrEqual(t, ev.InertialConfidence, 0.0)
			require.LessOrEqual(t, ev.InertialConfidence, 1.0)
			require.GreaterOrEqual(t, ev.SpeedKmh, e.Config().MinSpeedKmh)
		}
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	var samples []models.SignalSample
	var speeds []float64
	for ms := 0; ms < 30_000; ms += 10 {
		mag := gravity + rng.NormFloat64()*2
		if rng.Intn(60) == 0 {
			mag = 20 + rng.Float64()*30
		}
		samples = append(samples, sampleAt(ms, mag))
		speeds = append(speeds, 10+rng.Float64()*50)
	}

	replay := func() []models.DetectionEvent {
		e := NewEngine(DefaultConfig())
		var out []models.DetectionEvent
		for i, s := range samples {
			if ev, ok := e.Ingest(s, testPos, speeds[i]); ok {
				out = append(out, ev)
			}
		}
		return out
	}

	first := replay()
	require.NotEmpty(t, first)
	require.Equal(t, first, replay())
}

func TestResetClearsState(t *testing.T) {
	e := NewEngine(DefaultConfig())
	run(e, trace(segment{0, 500, gravity}, segment{500, 700, 30}), 20)
	require.True(t, e.hasTrigger)

	e.Reset()
	require.Equal(t, Idle, e.State())
	require.Zero(t, e.window.Len())
	require.False(t, e.hasTrigger)

	// A fresh session may start with timestamps earlier than the last one.
	events := run(e, trace(segment{0, 500, gravity}, segment{500, 700, 30}), 20)
	require.Len(t, events, 1)
}

func TestInvalidSamples(t *testing.T) {
	e := NewEngine(DefaultConfig())

	r := e.Process(models.SignalSample{Timestamp: time.UnixMilli(0), AX: math.NaN()}, testPos, 30)
	require.Equal(t, OutcomeInvalidSample, r.Outcome)

	r = e.Process(sampleAt(10, gravity), testPos, math.Inf(1))
	require.Equal(t, OutcomeInvalidSample, r.Outcome)

	r = e.Process(sampleAt(20, gravity), testPos, -12)
	require.Equal(t, OutcomeBelowSpeed, r.Outcome)

	e.Process(sampleAt(100, gravity), testPos, 30)
	r = e.Process(sampleAt(50, gravity), testPos, 30)
	require.Equal(t, OutcomeInvalidSample, r.Outcome)
}

func TestStrictModePanicsOnContractViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true
	e := NewEngine(cfg)

	require.Panics(t, func() {
		e.Process(models.SignalSample{AY: math.Inf(1)}, testPos, 30)
	})
	require.Panics(t, func() {
		e.Process(sampleAt(0, gravity), testPos, -1)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		peak, p2p, kmh float64
		want           models.CoarseType
	}{
		{"bump band", 20, 5.5, 12, models.SpeedBump},
		{"bump band upper edge", 25, 8, 40, models.SpeedBump},
		{"too fast for bump", 25, 8, 41, models.Pothole},
		{"too slow for bump", 25, 8, 11, models.Pothole},
		{"low spread", 25, 5, 60, models.RoughRoad},
		{"rough", 18, 1, 60, models.RoughRoad},
		{"unknown", 17.9, 10, 60, models.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.peak, tt.p2p, tt.kmh))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.ArmTimeout = 100 * time.Millisecond
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Window = 0
	require.Error(t, bad.Validate())
}
