package detection

import (
	"time"

	"road-service/internal/models"
)

const minWindowCapacity = 16

// WindowBuffer is a time-bounded FIFO of samples backed by a growable ring.
// Every retained sample lies within span of the most recently pushed one.
type WindowBuffer struct {
	span time.Duration
	data []models.SignalSample
	head int
	n    int
}

// NewWindowBuffer creates a buffer retaining samples no older than span.
func NewWindowBuffer(span time.Duration) *WindowBuffer {
	return &WindowBuffer{
		span: span,
		data: make([]models.SignalSample, minWindowCapacity),
	}
}

// Push appends s and evicts every sample older than s.Timestamp - span.
func (w *WindowBuffer) Push(s models.SignalSample) {
	if w.n == len(w.data) {
		w.grow()
	}
	w.data[(w.head+w.n)%len(w.data)] = s
	w.n++
	w.evictBefore(s.Timestamp.Add(-w.span))
}

func (w *WindowBuffer) evictBefore(cutoff time.Time) {
	for w.n > 0 && w.data[w.head].Timestamp.Before(cutoff) {
		w.data[w.head] = models.SignalSample{}
		w.head = (w.head + 1) % len(w.data)
		w.n--
	}
}

func (w *WindowBuffer) grow() {
	next := make([]models.SignalSample, len(w.data)*2)
	w.copyTo(next)
	w.data = next
	w.head = 0
}

func (w *WindowBuffer) copyTo(dst []models.SignalSample) int {
	if w.n == 0 {
		return 0
	}
	end := w.head + w.n
	if end <= len(w.data) {
		return copy(dst, w.data[w.head:end])
	}
	k := copy(dst, w.data[w.head:])
	return k + copy(dst[k:], w.data[:end-len(w.data)])
}

// Len returns the number of retained samples.
func (w *WindowBuffer) Len() int {
	return w.n
}

// Extremes returns the largest and smallest magnitude in the window.
func (w *WindowBuffer) Extremes() (peak, trough float64) {
	if w.n == 0 {
		return 0, 0
	}
	for i := 0; i < w.n; i++ {
		m := w.data[(w.head+i)%len(w.data)].Magnitude()
		if i == 0 || m > peak {
			peak = m
		}
		if i == 0 || m < trough {
			trough = m
		}
	}
	return peak, trough
}

// Reset drops all samples and keeps the allocated capacity.
func (w *WindowBuffer) Reset() {
	clear(w.data)
	w.head = 0
	w.n = 0
}
