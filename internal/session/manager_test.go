package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"road-service/internal/analytics"
	"road-service/internal/archive"
	"road-service/internal/detection"
	"road-service/internal/models"
	"road-service/internal/store"
	"road-service/internal/vision"

	"github.com/stretchr/testify/require"
)

const gravity = 9.81

type fakeMirror struct {
	mu        sync.Mutex
	events    []models.DetectionEvent
	worklists [][]models.DefectCluster
}

func (f *fakeMirror) MirrorEvent(_ context.Context, ev models.DetectionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeMirror) MirrorWorklist(_ context.Context, w []models.DefectCluster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worklists = append(f.worklists, w)
	return nil
}

type fakeArchiver struct {
	err      error
	sessions []archive.Session
	events   []models.DetectionEvent
	clusters []models.DefectCluster
}

func (f *fakeArchiver) ArchiveSession(_ context.Context, s archive.Session, events []models.DetectionEvent, clusters []models.DefectCluster) error {
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, s)
	f.events = events
	f.clusters = clusters
	return nil
}

func testConfig() Config {
	return Config{
		Detection:     detection.DefaultConfig(),
		ClusterRadius: 50,
		SampleQueue:   10000,
	}
}

// bump returns 100 Hz samples with a 200 ms spike of magnitude 30 at 500 ms.
func bump(offsetMs int64) []models.SignalSample {
	var out []models.SignalSample
	for ms := int64(0); ms < 3000; ms += 10 {
		mag := gravity
		if ms >= 500 && ms < 700 {
			mag = 30
		}
		out = append(out, models.SignalSample{Timestamp: time.UnixMilli(offsetMs + ms), AZ: mag})
	}
	return out
}

func submitAll(t *testing.T, m *Manager, samples []models.SignalSample) {
	t.Helper()
	for _, s := range samples {
		require.NoError(t, m.SubmitSample(s))
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	mirror := &fakeMirror{}
	archiver := &fakeArchiver{}
	tracker := analytics.NewTracker(50)
	m := NewManager(testConfig(), Collaborators{Mirror: mirror, Archiver: archiver, Tracker: tracker})

	st, err := m.Start(ctx)
	require.NoError(t, err)
	require.True(t, st.Active)
	require.NotEmpty(t, st.ID)

	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))
	submitAll(t, m, bump(0))

	summary, err := m.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, st.ID, summary.ID)
	require.Equal(t, 1, summary.Events)
	require.Equal(t, 1, summary.Clusters)
	require.True(t, summary.Archived)

	// Nothing queued before Stop was lost.
	events := m.Events()
	require.Len(t, events, 1)
	require.Equal(t, models.SpeedBump, events[0].CoarseType)

	require.Len(t, archiver.sessions, 1)
	require.Equal(t, st.ID, archiver.sessions[0].ID)
	require.Len(t, archiver.events, 1)
	require.Len(t, archiver.clusters, 1)

	require.Len(t, m.Worklist(), 1)
	require.Equal(t, []string{events[0].ID}, m.Clusters()[0].MemberIDs)

	mirror.mu.Lock()
	require.Len(t, mirror.events, 1)
	require.NotEmpty(t, mirror.worklists)
	mirror.mu.Unlock()

	stats := tracker.GetCurrentStats()
	require.EqualValues(t, 300, stats.TotalSamples)
	require.EqualValues(t, 1, stats.TotalEvents)

	after := m.Status()
	require.False(t, after.Active)
	require.NotNil(t, after.LastSession)
	require.Equal(t, summary.ID, after.LastSession.ID)
}

func TestSessionErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(), Collaborators{})

	_, err := m.Stop(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	require.ErrorIs(t, m.SubmitSample(models.SignalSample{}), ErrNoSession)

	_, err = m.Start(ctx)
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.ErrorIs(t, err, ErrSessionActive)

	_, err = m.Stop(ctx)
	require.NoError(t, err)
}

func TestSamplesWithoutPositionAreRejected(t *testing.T) {
	ctx := context.Background()
	tracker := analytics.NewTracker(10)
	m := NewManager(testConfig(), Collaborators{Tracker: tracker})

	_, err := m.Start(ctx)
	require.NoError(t, err)
	m.ClearPosition()
	submitAll(t, m, bump(0))
	summary, err := m.Stop(ctx)
	require.NoError(t, err)

	require.Zero(t, summary.Events)
	require.EqualValues(t, 300, tracker.GetCurrentStats().Outcomes[detection.OutcomeNoPosition.String()])
}

func TestUpdatePositionValidates(t *testing.T) {
	m := NewManager(testConfig(), Collaborators{})

	tests := []models.PositionFix{
		{Position: models.Position{Latitude: 91, Longitude: 0}},
		{Position: models.Position{Latitude: 0, Longitude: -181}},
		{Position: models.Position{Latitude: 0, Longitude: 0}, SpeedKmh: math.Inf(1)},
	}
	for _, fix := range tests {
		require.ErrorIs(t, m.UpdatePosition(fix), ErrInvalidPosition)
	}

	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 1, Longitude: 2}, SpeedKmh: 30}))
	st := m.Status()
	require.NotNil(t, st.Position)
	require.False(t, st.Position.ReceivedAt.IsZero())
}

func TestStartDiscardsPreviousSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(), Collaborators{})
	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	submitAll(t, m, bump(0))
	_, err = m.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, m.Events(), 1)

	_, err = m.Start(ctx)
	require.NoError(t, err)
	require.Empty(t, m.Events())
	require.Empty(t, m.Clusters())
	_, err = m.Stop(ctx)
	require.NoError(t, err)
}

func TestArchiveFailureDoesNotAbortStop(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(), Collaborators{Archiver: &fakeArchiver{err: errors.New("disk full")}})

	_, err := m.Start(ctx)
	require.NoError(t, err)
	summary, err := m.Stop(ctx)
	require.NoError(t, err)
	require.False(t, summary.Archived)
}

func TestEvidenceIsRefinedBeforeStopReturns(t *testing.T) {
	ctx := context.Background()
	verifier := vision.VerifierFunc(func(_ context.Context, ref string) (models.Verification, error) {
		return models.Verification{Label: "pothole", Confidence: 0.9, RefinedType: models.Pothole}, nil
	})
	m := NewManager(testConfig(), Collaborators{Verifier: verifier})
	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	submitAll(t, m, bump(0))
	require.Eventually(t, func() bool { return len(m.Events()) == 1 }, 5*time.Second, 10*time.Millisecond)

	id := m.Events()[0].ID
	ev, err := m.AttachEvidence(id, "photos/1.jpg")
	require.NoError(t, err)
	require.Equal(t, "photos/1.jpg", *ev.PhotoReference)

	_, err = m.Stop(ctx)
	require.NoError(t, err)

	got, err := m.Event(id)
	require.NoError(t, err)
	require.Equal(t, models.Pothole, got.CoarseType)
	require.Equal(t, "pothole", *got.VisionLabel)
	require.Equal(t, models.Pothole, m.Clusters()[0].DominantType)
}

func TestAnnotate(t *testing.T) {
	ctx := context.Background()
	archiver := &fakeArchiver{}
	m := NewManager(testConfig(), Collaborators{Archiver: archiver})
	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	submitAll(t, m, bump(0))
	require.Eventually(t, func() bool { return len(m.Events()) == 1 }, 5*time.Second, 10*time.Millisecond)

	id := m.Events()[0].ID
	road := "Unter den Linden"
	ev, err := m.Annotate(id, &road, nil)
	require.NoError(t, err)
	require.Equal(t, road, *ev.RoadName)
	require.Nil(t, ev.AdministrativeZone)

	zone := "Mitte"
	ev, err = m.Annotate(id, nil, &zone)
	require.NoError(t, err)
	require.Equal(t, road, *ev.RoadName)
	require.Equal(t, zone, *ev.AdministrativeZone)

	_, err = m.Annotate("missing", &road, nil)
	require.ErrorIs(t, err, store.ErrEventNotFound)
	_, err = m.AttachEvidence("missing", "x.jpg")
	require.ErrorIs(t, err, store.ErrEventNotFound)

	_, err = m.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, archiver.events, 1)
	require.Equal(t, road, *archiver.events[0].RoadName)
	require.Equal(t, zone, *archiver.events[0].AdministrativeZone)
}

func TestEditsAfterStopAreRefused(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	verifier := vision.VerifierFunc(func(_ context.Context, ref string) (models.Verification, error) {
		calls.Add(1)
		return models.Verification{Label: "pothole", Confidence: 0.9, RefinedType: models.Pothole}, nil
	})
	archiver := &fakeArchiver{}
	m := NewManager(testConfig(), Collaborators{Verifier: verifier, Archiver: archiver})
	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	submitAll(t, m, bump(0))
	_, err = m.Stop(ctx)
	require.NoError(t, err)

	id := m.Events()[0].ID
	_, err = m.AttachEvidence(id, "late.jpg")
	require.ErrorIs(t, err, ErrNoSession)
	road := "late"
	_, err = m.Annotate(id, &road, nil)
	require.ErrorIs(t, err, ErrNoSession)

	got, err := m.Event(id)
	require.NoError(t, err)
	require.Nil(t, got.PhotoReference)
	require.Nil(t, got.RoadName)
	require.Zero(t, calls.Load())
	require.Nil(t, archiver.events[0].PhotoReference)
}

func TestConcurrentReclusterKeepsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(), Collaborators{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Events 0.01 degrees apart never share a cluster.
			lat := 52.0 + float64(i)*0.01
			ts := time.UnixMilli(int64(i))
			m.events.Add(models.DetectionEvent{
				ID:            models.EventID(ts, lat, 13.4),
				Timestamp:     ts,
				Latitude:      lat,
				Longitude:     13.4,
				SeverityIndex: 50,
				CoarseType:    models.Pothole,
				RepeatCount:   1,
			})
			m.Recluster(ctx)
		}(i)
	}
	wg.Wait()

	// Every add precedes its own re-cluster, so the last one to run saw all events.
	require.Len(t, m.Clusters(), n)
}

func TestPeriodicRecluster(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ClusterInterval = 20 * time.Millisecond
	mirror := &fakeMirror{}
	m := NewManager(cfg, Collaborators{Mirror: mirror})
	require.NoError(t, m.UpdatePosition(models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	submitAll(t, m, bump(0))

	require.Eventually(t, func() bool { return len(m.Clusters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = m.Stop(ctx)
	require.NoError(t, err)
}

const traceCSV = `timestamp_ms,ax,ay,az,lat,lon,speed_kmh
# warm-up without a fix
0,0,0,9.81,,,
`

func TestReadTrace(t *testing.T) {
	obs, err := ReadTrace(strings.NewReader(traceCSV + "10,0.5,0,9.8,52.52,13.405,20\n"))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.Nil(t, obs[0].Fix)
	require.NotNil(t, obs[1].Fix)
	require.InDelta(t, 20.0, obs[1].Fix.SpeedKmh, 1e-9)
	require.Equal(t, int64(10), obs[1].Sample.Timestamp.UnixMilli())

	_, err = ReadTrace(strings.NewReader("10,abc,0,9.8,52.52,13.405,20\n"))
	require.Error(t, err)
	_, err = ReadTrace(strings.NewReader("10,0,0\n"))
	require.Error(t, err)
}

func TestReplayIsDeterministic(t *testing.T) {
	fix := &models.PositionFix{Position: models.Position{Latitude: 52.52, Longitude: 13.405}, SpeedKmh: 20}
	var trace []Observation
	for _, s := range bump(0) {
		trace = append(trace, Observation{Sample: s, Fix: fix})
	}
	for _, s := range bump(5000) {
		trace = append(trace, Observation{Sample: s, Fix: fix})
	}

	first := Replay(detection.DefaultConfig(), 50, trace)
	second := Replay(detection.DefaultConfig(), 50, trace)

	require.Len(t, first.Events, 2)
	require.Len(t, first.Worklist, 1)
	require.Equal(t, 2, first.Worklist[0].DetectionCount)
	require.Equal(t, 2, first.Outcomes[detection.OutcomeConfirmed.String()])
	require.Equal(t, first.Events, second.Events)
	require.Equal(t, first.Worklist[0].ID, second.Worklist[0].ID)
	require.Equal(t, first.Worklist[0].PriorityScore, second.Worklist[0].PriorityScore)
}
