// Package vision refines committed detections with photographic evidence.
package vision

import (
	"context"

	"road-service/internal/models"
	"road-service/internal/scoring"
)

// DefaultAcceptConfidence is the vision confidence a refinement must exceed to change an
// event's type.
const DefaultAcceptConfidence = 0.75

// Verifier classifies the photo behind a reference. Implementations may fail; callers treat
// any error as "no refinement".
type Verifier interface {
	Verify(ctx context.Context, photoReference string) (models.Verification, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, photoReference string) (models.Verification, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, photoReference string) (models.Verification, error) {
	return f(ctx, photoReference)
}

// Decision explains what Apply did with a verification.
type Decision int

const (
	// Recorded: evidence fields were stored, the type was left alone.
	Recorded Decision = iota
	// Refined: evidence fields were stored and the type replaced.
	Refined
	// KeptInertial: the vision result was confident enough but a stronger inertial
	// classification won.
	KeptInertial
)

func (d Decision) String() string {
	switch d {
	case Refined:
		return "refined"
	case KeptInertial:
		return "kept_inertial"
	default:
		return "recorded"
	}
}

// Apply folds a verification into ev. The label and confidence are always recorded. The
// coarse type is replaced only when the vision confidence exceeds acceptBar, the refined
// type is a real type, and the current type is not an inertial classification with at
// least the same confidence.
func Apply(ev models.DetectionEvent, v models.Verification, acceptBar float64) (models.DetectionEvent, Decision) {
	label := v.Label
	conf := scoring.Clamp(v.Confidence, 0, 1)
	ev.VisionLabel = &label
	ev.VisionConfidence = &conf

	if conf <= acceptBar || v.RefinedType == models.Unknown || v.RefinedType == "" {
		return ev, Recorded
	}
	if v.RefinedType == ev.CoarseType {
		return ev, Recorded
	}
	if ev.CoarseType != models.Unknown && ev.InertialConfidence >= conf {
		return ev, KeptInertial
	}

	ev.CoarseType = v.RefinedType
	return ev, Refined
}
