package models

import (
	"time"

	"road-service/internal/scoring"
)

// RecordFields lists the keys of Record in export column order.
var RecordFields = []string{
	"id",
	"timestamp",
	"latitude",
	"longitude",
	"speed_kmh",
	"severity_index",
	"raw_peak",
	"raw_peak_to_peak",
	"inertial_confidence",
	"coarse_type",
	"repeat_count",
	"priority_score",
	"photo_reference",
	"vision_label",
	"vision_confidence",
	"road_name",
	"administrative_zone",
}

// Record is the flat key/value projection of an event used by row and point-feature exports.
// Absent optional fields map to nil.
type Record map[string]any

// PriorityScore rates the event given how many times its location has been detected.
func (e DetectionEvent) PriorityScore(repeatCount int) float64 {
	if repeatCount < 1 {
		repeatCount = 1
	}
	return scoring.EventPriority(e.SeverityIndex, repeatCount, e.InertialConfidence)
}

// Record projects the event. repeatCount is the detection count of the event's cluster;
// values below 1 fall back to the event's own count.
func (e DetectionEvent) Record(repeatCount int) Record {
	if repeatCount < 1 {
		repeatCount = max(e.RepeatCount, 1)
	}

	r := Record{
		"id":                  e.ID,
		"timestamp":           e.Timestamp.UTC().Format(time.RFC3339Nano),
		"latitude":            e.Latitude,
		"longitude":           e.Longitude,
		"speed_kmh":           e.SpeedKmh,
		"severity_index":      e.SeverityIndex,
		"raw_peak":            e.RawPeak,
		"raw_peak_to_peak":    e.RawPeakToPeak,
		"inertial_confidence": e.InertialConfidence,
		"coarse_type":         string(e.CoarseType),
		"repeat_count":        repeatCount,
		"priority_score":      e.PriorityScore(repeatCount),
		"photo_reference":     nil,
		"vision_label":        nil,
		"vision_confidence":   nil,
		"road_name":           nil,
		"administrative_zone": nil,
	}
	if e.PhotoReference != nil {
		r["photo_reference"] = *e.PhotoReference
	}
	if e.VisionLabel != nil {
		r["vision_label"] = *e.VisionLabel
	}
	if e.VisionConfidence != nil {
		r["vision_confidence"] = *e.VisionConfidence
	}
	if e.RoadName != nil {
		r["road_name"] = *e.RoadName
	}
	if e.AdministrativeZone != nil {
		r["administrative_zone"] = *e.AdministrativeZone
	}
	return r
}

// Clone returns a copy whose optional fields do not alias the receiver's.
func (e DetectionEvent) Clone() DetectionEvent {
	c := e
	c.PhotoReference = cloneString(e.PhotoReference)
	c.VisionLabel = cloneString(e.VisionLabel)
	c.RoadName = cloneString(e.RoadName)
	c.AdministrativeZone = cloneString(e.AdministrativeZone)
	if e.VisionConfidence != nil {
		v := *e.VisionConfidence
		c.VisionConfidence = &v
	}
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
