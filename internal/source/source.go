// Package source is the intake boundary. Detectors hand incidents to
// Submit; the coordinator drains the queue. The queue is bounded and
// rejects rather than blocks when full, so a misbehaving detector cannot
// stall remediation of everything else.
package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/types"
)

// Adapter validates and queues incoming incidents.
type Adapter struct {
	queue  chan *types.Incident
	logger zerolog.Logger

	rejected  atomic.Int64
	submitted atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewAdapter(queueSize int, logger zerolog.Logger) *Adapter {
	return &Adapter{
		queue:  make(chan *types.Incident, queueSize),
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// Submit validates an incident and queues it. A full queue returns
// backpressure immediately; the caller decides whether to retry or drop.
func (a *Adapter) Submit(ctx context.Context, inc *types.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if inc == nil {
		return errors.New(errors.ErrNilIncident, "nil incident")
	}
	if inc.Subject == "" {
		return errors.New(errors.ErrMissingField, "incident subject is required")
	}
	if inc.Message == "" {
		return errors.New(errors.ErrMissingField, "incident message is required")
	}

	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}
	if !types.KnownKind(inc.Kind) {
		a.logger.Debug().Str("kind", string(inc.Kind)).Msg("unknown incident kind, treating as other")
		inc.Kind = types.KindOther
	}

	// The read lock keeps Close from closing the queue mid-send.
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New(errors.ErrQueueClosed, "intake is shut down")
	}

	select {
	case a.queue <- inc:
		a.submitted.Add(1)
		a.logger.Info().
			Str("incident_id", inc.ID).
			Str("kind", string(inc.Kind)).
			Str("subject", inc.Subject).
			Str("severity", inc.Severity.String()).
			Msg("incident accepted")
		return nil
	default:
		a.rejected.Add(1)
		a.logger.Warn().
			Str("subject", inc.Subject).
			Int64("rejected_total", a.rejected.Load()).
			Msg("intake queue full, incident rejected")
		return errors.New(errors.ErrBackpressure, "intake queue full")
	}
}

// Incidents exposes the queue to the coordinator. The channel closes after
// Close once queued incidents are drained.
func (a *Adapter) Incidents() <-chan *types.Incident {
	return a.queue
}

// Close stops intake. Incidents already queued remain readable.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.queue)
}

// Rejected returns how many submissions bounced off a full queue.
func (a *Adapter) Rejected() int64 { return a.rejected.Load() }

// Submitted returns how many incidents were accepted.
func (a *Adapter) Submitted() int64 { return a.submitted.Load() }
