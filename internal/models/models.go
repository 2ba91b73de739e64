package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignalSample is a single 3-axis accelerometer reading in m/s².
type SignalSample struct {
	Timestamp time.Time `json:"timestamp"`
	AX        float64   `json:"ax"`
	AY        float64   `json:"ay"`
	AZ        float64   `json:"az"`
}

// Magnitude is the Euclidean norm of the acceleration vector.
func (s SignalSample) Magnitude() float64 {
	return math.Sqrt(s.AX*s.AX + s.AY*s.AY + s.AZ*s.AZ)
}

// Finite reports whether every axis holds a finite value.
func (s SignalSample) Finite() bool {
	for _, v := range [3]float64{s.AX, s.AY, s.AZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Position is the latest known location fix.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PositionFix is a position plus the speed reported with it.
type PositionFix struct {
	Position
	SpeedKmh   float64   `json:"speed_kmh"`
	ReceivedAt time.Time `json:"received_at"`
}

// CoarseType is the heuristic defect classification.
type CoarseType string

const (
	Pothole   CoarseType = "pothole"
	SpeedBump CoarseType = "speed_bump"
	RoughRoad CoarseType = "rough_road"
	Unknown   CoarseType = "unknown"
)

// ParseCoarseType maps free-form labels ("speed bump", "Pothole") onto a CoarseType.
func ParseCoarseType(s string) CoarseType {
	switch normalizeLabel(s) {
	case "pothole":
		return Pothole
	case "speed_bump", "speedbump", "bump":
		return SpeedBump
	case "rough_road", "roughroad", "rough":
		return RoughRoad
	default:
		return Unknown
	}
}

var labelReplacer = strings.NewReplacer(" ", "_", "-", "_")

func normalizeLabel(s string) string {
	return labelReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// DetectionEvent is a confirmed road defect detection.
type DetectionEvent struct {
	ID                 string     `json:"id"`
	Timestamp          time.Time  `json:"timestamp"`
	Latitude           float64    `json:"latitude"`
	Longitude          float64    `json:"longitude"`
	SpeedKmh           float64    `json:"speed_kmh"`
	SeverityIndex      float64    `json:"severity_index"`
	RawPeak            float64    `json:"raw_peak"`
	RawPeakToPeak      float64    `json:"raw_peak_to_peak"`
	InertialConfidence float64    `json:"inertial_confidence"`
	CoarseType         CoarseType `json:"coarse_type"`
	RepeatCount        int        `json:"repeat_count"`

	// Evidence and annotation fields, filled in after the event is committed.
	PhotoReference     *string  `json:"photo_reference,omitempty"`
	VisionLabel        *string  `json:"vision_label,omitempty"`
	VisionConfidence   *float64 `json:"vision_confidence,omitempty"`
	RoadName           *string  `json:"road_name,omitempty"`
	AdministrativeZone *string  `json:"administrative_zone,omitempty"`
}

// idNamespace scopes event ids so replays of the same trace produce the same ids.
var idNamespace = uuid.MustParse("8f0c6f0e-5b1d-4a39-9a57-3c1f2d6b7e41")

// EventID derives a stable id from the timestamp and the position rounded to 5 decimals (~1 m).
func EventID(ts time.Time, lat, lon float64) string {
	key := fmt.Sprintf("%d:%.5f:%.5f", ts.UnixMilli(), lat, lon)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// DefectCluster groups events believed to come from the same physical defect.
type DefectCluster struct {
	ID                string            `json:"id"`
	CentroidLatitude  float64           `json:"centroid_latitude"`
	CentroidLongitude float64           `json:"centroid_longitude"`
	MemberIDs         []string          `json:"member_ids"`
	AvgSeverity       float64           `json:"avg_severity"`
	MaxSeverity       float64           `json:"max_severity"`
	DetectionCount    int               `json:"detection_count"`
	DominantType      CoarseType        `json:"dominant_type"`
	FirstSeen         time.Time         `json:"first_seen"`
	LastSeen          time.Time         `json:"last_seen"`
	PriorityScore     float64           `json:"priority_score"`
	Members           []*DetectionEvent `json:"-"`
}

// Verification is the outcome of a photographic check of an event.
type Verification struct {
	Label       string     `json:"label"`
	Confidence  float64    `json:"confidence"`
	RefinedType CoarseType `json:"refined_type"`
}
