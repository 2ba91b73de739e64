package vision

import (
	"context"
	"sync"
	"time"

	"road-service/internal/log"
	"road-service/internal/models"
)

// EventUpdater replaces a stored event in place.
type EventUpdater interface {
	Update(id string, fn func(models.DetectionEvent) models.DetectionEvent) (models.DetectionEvent, error)
}

// ResultFunc observes every finished verification. err is non-nil when the verifier or
// the store write failed; the event is then unchanged.
type ResultFunc func(ev models.DetectionEvent, d Decision, err error)

// RefinerConfig tunes the worker pool.
type RefinerConfig struct {
	Workers          int
	QueueSize        int
	Timeout          time.Duration
	AcceptConfidence float64
}

type job struct {
	eventID  string
	photoRef string
}

// Refiner runs verifications out of band so that ingestion never waits on a classifier.
type Refiner struct {
	verifier Verifier
	events   EventUpdater
	cfg      RefinerConfig
	onResult ResultFunc

	mu     sync.Mutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

// NewRefiner creates a Refiner. onResult may be nil.
func NewRefiner(v Verifier, events EventUpdater, cfg RefinerConfig, onResult ResultFunc) *Refiner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.AcceptConfidence <= 0 {
		cfg.AcceptConfidence = DefaultAcceptConfidence
	}
	return &Refiner{
		verifier: v,
		events:   events,
		cfg:      cfg,
		onResult: onResult,
		jobs:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (r *Refiner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Submit queues a verification without blocking. It reports false when the queue is
// full or the refiner has stopped.
func (r *Refiner) Submit(eventID, photoRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	select {
	case r.jobs <- job{eventID: eventID, photoRef: photoRef}:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for queued jobs to finish.
func (r *Refiner) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Refiner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case j, ok := <-r.jobs:
			if !ok {
				return
			}
			r.process(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refiner) process(ctx context.Context, j job) {
	vctx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	v, err := r.verifier.Verify(vctx, j.photoRef)
	if err != nil {
		log.Warnw("vision verification failed, keeping inertial classification",
			"event_id", j.eventID, "photo_reference", j.photoRef, "error", err)
		r.report(models.DetectionEvent{ID: j.eventID}, Recorded, err)
		return
	}

	var decision Decision
	ev, err := r.events.Update(j.eventID, func(ev models.DetectionEvent) models.DetectionEvent {
		var next models.DetectionEvent
		next, decision = Apply(ev, v, r.cfg.AcceptConfidence)
		return next
	})
	if err != nil {
		log.Warnw("could not store vision result", "event_id", j.eventID, "error", err)
		r.report(models.DetectionEvent{ID: j.eventID}, Recorded, err)
		return
	}

	log.Debugw("vision verification applied",
		"event_id", j.eventID, "label", v.Label, "confidence", v.Confidence, "decision", decision.String())
	r.report(ev, decision, nil)
}

func (r *Refiner) report(ev models.DetectionEvent, d Decision, err error) {
	if r.onResult != nil {
		r.onResult(ev, d, err)
	}
}
