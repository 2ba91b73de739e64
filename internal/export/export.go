// Package export renders detection events as CSV rows and GeoJSON point features.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"road-service/internal/cluster"
	"road-service/internal/models"
)

// Records projects events, using each event's cluster size as its repeat count.
func Records(events []models.DetectionEvent, clusters []models.DefectCluster) []models.Record {
	byEvent := cluster.ClusterOf(clusters)
	out := make([]models.Record, len(events))
	for i, ev := range events {
		repeat := 1
		if c, ok := byEvent[ev.ID]; ok {
			repeat = c.DetectionCount
		}
		out[i] = ev.Record(repeat)
	}
	return out
}

// WriteCSV writes a header of models.RecordFields followed by one row per record.
// Absent values are written as empty cells.
func WriteCSV(w io.Writer, records []models.Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(models.RecordFields); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	row := make([]string, len(models.RecordFields))
	for _, r := range records {
		for i, field := range models.RecordFields {
			row[i] = formatValue(r[field])
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string        `json:"type"`
	Geometry   Geometry      `json:"geometry"`
	Properties models.Record `json:"properties"`
}

// Geometry is a GeoJSON Point; Coordinates are [longitude, latitude].
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// GeoJSON builds a FeatureCollection with one Point per record. Latitude and longitude
// move into the geometry; every other field becomes a property.
func GeoJSON(records []models.Record) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(records))}
	for _, r := range records {
		lat, _ := r["latitude"].(float64)
		lon, _ := r["longitude"].(float64)

		props := make(models.Record, len(r))
		for k, v := range r {
			if k == "latitude" || k == "longitude" {
				continue
			}
			props[k] = v
		}

		fc.Features = append(fc.Features, Feature{
			Type:       "Feature",
			Geometry:   Geometry{Type: "Point", Coordinates: [2]float64{lon, lat}},
			Properties: props,
		})
	}
	return fc
}

func WriteGeoJSON(w io.Writer, records []models.Record) error {
	if err := json.NewEncoder(w).Encode(GeoJSON(records)); err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	return nil
}
