package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"road-service/internal/cluster"
	"road-service/internal/detection"
	"road-service/internal/models"
	"road-service/internal/store"
)

// TraceColumns is the column layout of a recorded trace. A header row is optional.
var TraceColumns = []string{"timestamp_ms", "ax", "ay", "az", "lat", "lon", "speed_kmh"}

// ReadTrace parses a recorded sample trace. Rows with an empty lat or lon have no fix.
func ReadTrace(r io.Reader) ([]Observation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(TraceColumns)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var out []Observation
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read trace: %w", err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), TraceColumns[0]) {
			continue
		}

		obs, err := parseTraceRow(row)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		out = append(out, obs)
	}
}

func parseTraceRow(row []string) (Observation, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return Observation{}, fmt.Errorf("invalid timestamp_ms %q: %w", row[0], err)
	}

	var axes [3]float64
	for i := range axes {
		if axes[i], err = parseFloat(row[1+i]); err != nil {
			return Observation{}, fmt.Errorf("invalid %s: %w", TraceColumns[1+i], err)
		}
	}
	obs := Observation{Sample: models.SignalSample{
		Timestamp: time.UnixMilli(ms).UTC(),
		AX:        axes[0],
		AY:        axes[1],
		AZ:        axes[2],
	}}

	lat, lon := strings.TrimSpace(row[4]), strings.TrimSpace(row[5])
	if lat == "" || lon == "" {
		return obs, nil
	}

	fix := models.PositionFix{ReceivedAt: obs.Sample.Timestamp}
	if fix.Latitude, err = parseFloat(lat); err != nil {
		return Observation{}, fmt.Errorf("invalid lat: %w", err)
	}
	if fix.Longitude, err = parseFloat(lon); err != nil {
		return Observation{}, fmt.Errorf("invalid lon: %w", err)
	}
	if s := strings.TrimSpace(row[6]); s != "" {
		if fix.SpeedKmh, err = parseFloat(s); err != nil {
			return Observation{}, fmt.Errorf("invalid speed_kmh: %w", err)
		}
	}
	obs.Fix = &fix
	return obs, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// ReplayResult is the outcome of an offline replay.
type ReplayResult struct {
	Events   []models.DetectionEvent `json:"events"`
	Worklist []models.DefectCluster  `json:"worklist"`
	Outcomes map[string]int          `json:"outcomes,omitempty"`
}

// Replay runs a trace through a fresh engine and clusters the result. The same trace
// always yields the same events and worklist. A non-positive radius selects the default.
func Replay(cfg detection.Config, radiusMeters float64, trace []Observation) ReplayResult {
	engine := detection.NewEngine(cfg)
	events := store.New()
	outcomes := make(map[string]int)

	for _, obs := range trace {
		res := Process(engine, obs)
		outcomes[res.Outcome.String()]++
		if res.Outcome == detection.OutcomeConfirmed {
			events.Add(res.Event)
		}
	}

	snapshot := events.Snapshot()
	return ReplayResult{
		Events:   snapshot,
		Worklist: cluster.Worklist(cluster.NewEngine(radiusMeters).Cluster(snapshot)),
		Outcomes: outcomes,
	}
}
