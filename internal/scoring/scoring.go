// Package scoring holds the stateless formulas used to rate detections and clusters.
package scoring

import "math"

const (
	// MaxThresholdSpeedKmh caps the speed term of the dynamic threshold.
	MaxThresholdSpeedKmh = 160.0

	// EventRepeatSaturation is the occurrence count at which the per-event repeat weight saturates.
	EventRepeatSaturation = 5
	// ClusterCountSaturation is the detection count at which the per-cluster count weight saturates.
	ClusterCountSaturation = 10
)

// Clamp limits v to [lo, hi]. NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Saturate maps x onto [0,1] as min(x/n, 1).
func Saturate(x, n float64) float64 {
	if n <= 0 {
		return 1
	}
	return Clamp(x/n, 0, 1)
}

// ThresholdForSpeed is the magnitude (m/s²) a window peak must exceed to arm the detector.
// It never decreases with speed.
func ThresholdForSpeed(speedKmh float64) float64 {
	return 14.0 + 0.10*Clamp(speedKmh, 0, MaxThresholdSpeedKmh)
}

// InertialConfidence rates how convincingly a window rises above the threshold.
func InertialConfidence(peak, p2p, threshold float64) float64 {
	excess := Clamp((peak-threshold)/20, 0, 1)
	spread := Clamp(p2p/10, 0, 1)
	return Clamp(0.65*excess+0.35*spread, 0, 1)
}

// SeverityIndex normalizes peak and spread by speed so that fast runs do not dominate the scale.
func SeverityIndex(peak, p2p, speedKmh float64) float64 {
	norm := math.Max(8, speedKmh)
	return Clamp((peak/norm)*100+(p2p/norm)*40, 0, 100)
}

// EventPriority ranks a single event on a 0-100 scale.
func EventPriority(severityIndex float64, repeatCount int, confidence float64) float64 {
	severity := Clamp(severityIndex/100, 0, 1)
	repeat := Saturate(float64(repeatCount), EventRepeatSaturation)
	conf := Clamp(confidence, 0, 1)
	return (severity*0.5 + repeat*0.3 + conf*0.2) * 100
}

// ClusterPriority ranks a cluster on a 0-100 scale.
func ClusterPriority(avgSeverity float64, detectionCount int) float64 {
	severity := Clamp(avgSeverity/100, 0, 1)
	count := Saturate(float64(detectionCount), ClusterCountSaturation)
	return (severity*0.6 + count*0.4) * 100
}
