// Package escalation persists incidents the autonomous layers gave up on
// and hands them to human review. At most one pending escalation exists per
// incident signature; repeats merge into the open record instead of piling
// up duplicates.
package escalation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/alerting"
	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/storage"
	"github.com/WilBtc/autoheal/internal/types"
)

// Sink owns the escalation lifecycle: enqueue with dedup, review
// transitions, and notification fan-out.
type Sink struct {
	db        *storage.SQLite
	notifiers []alerting.Notifier
	logger    zerolog.Logger

	// mu serializes Enqueue so the lookup-or-insert against the partial
	// unique index never races with itself.
	mu sync.Mutex
	wg sync.WaitGroup
}

func NewSink(db *storage.SQLite, notifiers []alerting.Notifier, logger zerolog.Logger) *Sink {
	return &Sink{
		db:        db,
		notifiers: notifiers,
		logger:    logger.With().Str("component", "escalation").Logger(),
	}
}

// Enqueue records an unresolved incident for review. When a pending
// escalation with the same signature already exists, the new occurrence is
// merged into it: attempts append, severity takes the maximum, and a
// non-empty diagnosis replaces an older one. Notifications go out only for
// newly created records; merges stay quiet to avoid re-paging for a storm
// of identical failures.
func (s *Sink) Enqueue(inc *types.Incident, diag types.Diagnosis) (*types.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signature := inc.Signature()
	existing, err := s.db.GetPendingEscalationBySignature(signature)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		existing.Attempts = append(existing.Attempts, inc.Attempts...)
		existing.Severity = types.MaxSeverity(existing.Severity, inc.Severity)
		if !diag.Empty() {
			existing.Diagnosis = diag
		}
		if err := s.db.UpdateEscalation(existing); err != nil {
			return nil, err
		}
		s.logger.Info().
			Int64("escalation_id", existing.ID).
			Str("signature", signature).
			Msg("incident merged into open escalation")
		return existing, nil
	}

	e := &types.Escalation{
		Signature: signature,
		Incident:  *inc,
		Attempts:  inc.Attempts,
		Diagnosis: diag,
		Severity:  inc.Severity,
		Status:    types.EscalationPending,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.db.InsertEscalation(e)
	if err != nil {
		return nil, err
	}
	e.ID = id

	s.logger.Warn().
		Int64("escalation_id", id).
		Str("signature", signature).
		Str("severity", e.Severity.String()).
		Msg("incident escalated for human review")

	s.notify(e)
	return e, nil
}

// notify fans out to all transports without blocking the caller.
func (s *Sink) notify(e *types.Escalation) {
	for _, n := range s.notifiers {
		n := n
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			n.NotifyEscalation(e)
		}()
	}
}

// Drain waits for in-flight notifications, used during shutdown.
func (s *Sink) Drain() {
	s.wg.Wait()
}

// Get returns one escalation by id.
func (s *Sink) Get(id int64) (*types.Escalation, error) {
	e, err := s.db.GetEscalation(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New(errors.ErrNotFound, "escalation not found")
	}
	return e, nil
}

// ListPending returns open escalations, newest first.
func (s *Sink) ListPending(limit int) ([]types.Escalation, error) {
	return s.db.ListEscalationsByStatus(types.EscalationPending, limit)
}

// Resolve marks an escalation fixed. Resolving an already resolved record
// is a no-op; flipping a dismissed record is rejected.
func (s *Sink) Resolve(id int64, method, notes string) error {
	return s.transition(id, types.EscalationResolved, method, notes)
}

// Dismiss marks an escalation as not actionable.
func (s *Sink) Dismiss(id int64, notes string) error {
	return s.transition(id, types.EscalationDismissed, "", notes)
}

func (s *Sink) transition(id int64, to types.EscalationStatus, method, notes string) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}

	if e.Status.Terminal() {
		if e.Status == to {
			return nil
		}
		return errors.New(errors.ErrEscalation, "escalation already closed with a different outcome")
	}

	now := time.Now().UTC()
	e.Status = to
	e.Notes = notes
	e.ResolutionMethod = method
	e.ResolvedAt = &now
	if err := s.db.UpdateEscalation(e); err != nil {
		return err
	}

	s.logger.Info().
		Int64("escalation_id", id).
		Str("status", string(to)).
		Msg("escalation closed")
	return nil
}

// Stats summarizes the review queue for the status surface and the digest.
type Stats struct {
	Total         int           `json:"total"`
	Pending       int           `json:"pending"`
	Resolved      int           `json:"resolved"`
	AvgResolution time.Duration `json:"avg_resolution_ns"`
}

func (s *Sink) Stats() (Stats, error) {
	total, pending, resolved, avg, err := s.db.EscalationStats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: total, Pending: pending, Resolved: resolved, AvgResolution: avg}, nil
}

// Digest renders a plain-text summary of the open queue for the daily
// report.
func (s *Sink) Digest() (string, error) {
	stats, err := s.Stats()
	if err != nil {
		return "", err
	}
	pending, err := s.ListPending(20)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "escalation queue: %d pending, %d resolved of %d total\n",
		stats.Pending, stats.Resolved, stats.Total)
	for _, e := range pending {
		fmt.Fprintf(&b, "  #%d [%s] %s %s\n", e.ID, e.Severity, e.Incident.Kind, e.Incident.Subject)
	}
	return b.String(), nil
}

// SendDigest renders and fans out the digest to all transports.
func (s *Sink) SendDigest() error {
	text, err := s.Digest()
	if err != nil {
		return err
	}
	for _, n := range s.notifiers {
		n.SendDigest(text)
	}
	return nil
}
