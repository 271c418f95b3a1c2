// Package coordinator owns the incident lifecycle: every accepted incident
// runs the four-phase cascade (quick fixes, single diagnostician, expert
// panel, escalation) and reaches exactly one terminal state. Phase budgets
// are enforced with deadline contexts flowing into every subprocess call.
package coordinator

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/types"
)

// maxAttemptsPhase1, 2, 3 bound remediation attempts per phase. Suppressed
// outcomes do not count against them.
const (
	maxAttemptsPhase1 = 2
	maxAttemptsPhase2 = 3
	maxAttemptsPhase3 = 2
)

// Retriever assembles per-incident context.
type Retriever interface {
	Query(ctx context.Context, inc *types.Incident) *types.KnowledgeBundle
}

// Diagnostician produces diagnoses, alone or as a panel.
type Diagnostician interface {
	Diagnose(ctx context.Context, inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle) types.Diagnosis
	Panel(ctx context.Context, inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle) types.Diagnosis
}

// Fixer executes remediations.
type Fixer interface {
	TryInstant(ctx context.Context, inc *types.Incident) (types.Attempt, types.SuggestedFix, bool)
	TryLearned(ctx context.Context, inc *types.Incident, entry *types.LearningEntry) (types.Attempt, bool)
	Apply(ctx context.Context, phase int, inc *types.Incident, fix types.SuggestedFix, confidence float64) types.Attempt
}

// Learner is the persistent memory of past diagnoses and working fixes.
type Learner interface {
	Lookup(signature string) (*types.LearningEntry, error)
	Record(signature string, diag types.Diagnosis) error
	RecordSuccess(signature string, diag types.Diagnosis, fix types.SuggestedFix) error
	Forget(signature string) error
}

// Escalator receives incidents no phase could resolve.
type Escalator interface {
	Enqueue(inc *types.Incident, diag types.Diagnosis) (*types.Escalation, error)
}

// Result is the terminal outcome of one incident.
type Result struct {
	Resolved     bool
	Phase        int // 1-3 when resolved, 4 when escalated
	Strategy     string
	EscalationID int64
	Elapsed      time.Duration
}

// Stats is a point-in-time snapshot of the coordinator counters.
type Stats struct {
	Processed      int64 `json:"processed"`
	Phase1Resolved int64 `json:"phase1_resolved"`
	Phase2Resolved int64 `json:"phase2_resolved"`
	Phase3Resolved int64 `json:"phase3_resolved"`
	FastPathHits   int64 `json:"fast_path_hits"`
	Escalated      int64 `json:"escalated"`
	InFlight       int64 `json:"in_flight"`
}

// Coordinator drives incidents through the cascade.
type Coordinator struct {
	cfg       config.PipelineConfig
	knowledge Retriever
	diag      Diagnostician
	fixer     Fixer
	learning  Learner
	sink      Escalator
	logger    zerolog.Logger

	processed      atomic.Int64
	phase1Resolved atomic.Int64
	phase2Resolved atomic.Int64
	phase3Resolved atomic.Int64
	fastPathHits   atomic.Int64
	escalated      atomic.Int64
	inFlight       atomic.Int64
}

func New(cfg config.PipelineConfig, knowledge Retriever, diag Diagnostician, fixer Fixer, learning Learner, sink Escalator, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		knowledge: knowledge,
		diag:      diag,
		fixer:     fixer,
		learning:  learning,
		sink:      sink,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run drains the intake channel until it closes, processing up to
// MaxConcurrentIncidents incidents in parallel. It returns after all
// in-flight incidents reach a terminal state.
func (c *Coordinator) Run(ctx context.Context, incidents <-chan *types.Incident) error {
	limit := int64(c.cfg.MaxConcurrentIncidents)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	// The closed intake channel is the termination signal: the adapter
	// closes on shutdown and every incident it accepted must end in a
	// terminal state. Cancellation only stops new slots from opening.
	for inc := range incidents {
		if err := sem.Acquire(ctx, 1); err != nil {
			c.forceEscalate(inc, "shutdown before processing could start")
			continue
		}
		go func(inc *types.Incident) {
			defer sem.Release(1)
			if _, err := c.Process(ctx, inc); err != nil {
				c.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("incident processing failed")
			}
		}(inc)
	}

	// Wait for every worker slot, i.e. full drain.
	return sem.Acquire(context.Background(), limit)
}

// Process runs one incident through the cascade. It returns an error only on
// contract violations; remediation failure ends in escalation, not an error.
func (c *Coordinator) Process(ctx context.Context, inc *types.Incident) (Result, error) {
	if inc == nil {
		return Result{}, errors.New(errors.ErrNilIncident, "nil incident")
	}
	start := time.Now()

	// Without an executor nothing can be attempted; the incident goes
	// straight to review instead of being dropped.
	if c.fixer == nil || c.diag == nil {
		c.processed.Add(1)
		now := time.Now().UTC()
		inc.Attempts = append(inc.Attempts, types.Attempt{
			Phase:     1,
			Strategy:  "internal-error",
			StartedAt: now,
			EndedAt:   now,
			Outcome:   types.OutcomeFailed,
			Message:   "executor unavailable",
		})
		res := c.escalate(inc, types.Diagnosis{}, c.logger)
		res.Elapsed = time.Since(start)
		return res, nil
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	defer c.processed.Add(1)

	signature := inc.Signature()
	log := c.logger.With().Str("incident_id", inc.ID).Str("signature", signature).Logger()
	log.Info().Str("kind", string(inc.Kind)).Str("subject", inc.Subject).Msg("incident processing started")

	// Cancellation of the parent context must not cut a running phase
	// short, only keep the next phase from starting: phase contexts carry
	// their budget deadline but not the parent cancel.
	base := context.WithoutCancel(ctx)

	// Phase 1, including the cached fast path.
	p1ctx, cancel := context.WithTimeout(base, c.cfg.Phase1Budget())
	res, done := c.phase1(p1ctx, inc, signature, log)
	c.notePhaseTimeout(p1ctx, 1, inc)
	cancel()
	if done {
		c.phase1Resolved.Add(1)
		return c.finish(res, start, log), nil
	}
	if ctx.Err() != nil {
		log.Warn().Msg("shutdown requested, escalating without further phases")
		return c.finish(c.escalate(inc, types.Diagnosis{}, log), start, log), nil
	}

	// The bundle is built once, under the phase 2 budget so a hung
	// retriever cannot stall outside any deadline, and reused by both
	// diagnostic phases.
	p2ctx, cancel := context.WithTimeout(base, c.cfg.Phase2Budget())
	bundle := c.knowledge.Query(p2ctx, inc)
	res, diag2, done := c.phase2(p2ctx, inc, signature, bundle, log)
	c.notePhaseTimeout(p2ctx, 2, inc)
	cancel()
	if done {
		c.phase2Resolved.Add(1)
		return c.finish(res, start, log), nil
	}
	if ctx.Err() != nil {
		log.Warn().Msg("shutdown requested, escalating without further phases")
		return c.finish(c.escalate(inc, diag2, log), start, log), nil
	}

	p3ctx, cancel := context.WithTimeout(base, c.cfg.Phase3Budget())
	res, diag3, done := c.phase3(p3ctx, inc, signature, bundle, log)
	c.notePhaseTimeout(p3ctx, 3, inc)
	cancel()
	if done {
		c.phase3Resolved.Add(1)
		return c.finish(res, start, log), nil
	}

	// Phase 4: hand over to humans with the best hypothesis we have.
	best := diag3
	if best.Empty() {
		best = diag2
	}
	return c.finish(c.escalate(inc, best, log), start, log), nil
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Processed:      c.processed.Load(),
		Phase1Resolved: c.phase1Resolved.Load(),
		Phase2Resolved: c.phase2Resolved.Load(),
		Phase3Resolved: c.phase3Resolved.Load(),
		FastPathHits:   c.fastPathHits.Load(),
		Escalated:      c.escalated.Load(),
		InFlight:       c.inFlight.Load(),
	}
}

// phase1 runs the learned fast path and the instant per-kind fix.
func (c *Coordinator) phase1(ctx context.Context, inc *types.Incident, signature string, log zerolog.Logger) (Result, bool) {
	used := 0

	entry, err := c.learning.Lookup(signature)
	if err != nil {
		log.Error().Err(err).Msg("learning lookup failed, proceeding without memory")
		entry = nil
	}

	triedLearned := false
	if entry != nil && entry.Confidence >= c.cfg.LearningConfidenceThreshold {
		if attempt, ok := c.fixer.TryLearned(ctx, inc, entry); ok {
			triedLearned = true
			inc.Attempts = append(inc.Attempts, attempt)
			if attempt.Outcome != types.OutcomeSuppressed {
				used++
			}
			if attempt.Succeeded() {
				c.fastPathHits.Add(1)
				c.writeBack(signature, entry.Diagnosis, *entry.SuccessfulFix, log)
				return Result{Resolved: true, Phase: 1, Strategy: attempt.Strategy}, true
			}
			// The cached fix no longer works; stop recommending it.
			if attempt.Outcome == types.OutcomeFailed {
				if err := c.learning.Forget(signature); err != nil {
					log.Error().Err(err).Msg("forgetting stale learning entry failed")
				}
			}
		}
	}

	if used < maxAttemptsPhase1 && ctx.Err() == nil {
		if attempt, fix, ok := c.fixer.TryInstant(ctx, inc); ok {
			inc.Attempts = append(inc.Attempts, attempt)
			if attempt.Outcome != types.OutcomeSuppressed {
				used++
			}
			if attempt.Succeeded() {
				c.writeBack(signature, types.Diagnosis{}, fix, log)
				return Result{Resolved: true, Phase: 1, Strategy: attempt.Strategy}, true
			}
		}
	}

	// A below-threshold memory is still worth one try when budget remains.
	if !triedLearned && entry != nil && used < maxAttemptsPhase1 && ctx.Err() == nil {
		if attempt, ok := c.fixer.TryLearned(ctx, inc, entry); ok {
			inc.Attempts = append(inc.Attempts, attempt)
			if attempt.Succeeded() {
				c.writeBack(signature, entry.Diagnosis, *entry.SuccessfulFix, log)
				return Result{Resolved: true, Phase: 1, Strategy: attempt.Strategy}, true
			}
		}
	}

	return Result{}, false
}

// phase2 consults the single diagnostician and applies its fixes when the
// confidence gate passes.
func (c *Coordinator) phase2(ctx context.Context, inc *types.Incident, signature string, bundle *types.KnowledgeBundle, log zerolog.Logger) (Result, types.Diagnosis, bool) {
	diag := c.diag.Diagnose(ctx, inc, inc.Attempts, bundle)
	if diag.Confidence > 0 {
		if err := c.learning.Record(signature, diag); err != nil {
			log.Error().Err(err).Msg("recording diagnosis failed")
		}
	}

	if diag.Confidence < c.cfg.Phase2ConfidenceThreshold {
		log.Info().Float64("confidence", diag.Confidence).Msg("diagnosis below confidence gate, convening expert panel")
		return Result{}, diag, false
	}

	if res, ok := c.applyFixes(ctx, 2, inc, signature, diag, maxAttemptsPhase2, log); ok {
		return res, diag, true
	}
	return Result{}, diag, false
}

// phase3 convenes the expert panel and applies the consensus fixes when
// enough workers agree.
func (c *Coordinator) phase3(ctx context.Context, inc *types.Incident, signature string, bundle *types.KnowledgeBundle, log zerolog.Logger) (Result, types.Diagnosis, bool) {
	diag := c.diag.Panel(ctx, inc, inc.Attempts, bundle)
	if diag.Confidence > 0 {
		if err := c.learning.Record(signature, diag); err != nil {
			log.Error().Err(err).Msg("recording panel diagnosis failed")
		}
	}

	if consensusStrength(diag.Consensus) < c.cfg.Phase3ConsensusThreshold {
		log.Info().Str("consensus", diag.Consensus).Msg("panel consensus below threshold, escalating")
		return Result{}, diag, false
	}

	if res, ok := c.applyFixes(ctx, 3, inc, signature, diag, maxAttemptsPhase3, log); ok {
		return res, diag, true
	}
	return Result{}, diag, false
}

// applyFixes executes a diagnosis's fixes in priority order, stopping on the
// first success. Suppressed attempts do not consume the attempt budget.
func (c *Coordinator) applyFixes(ctx context.Context, phase int, inc *types.Incident, signature string, diag types.Diagnosis, maxAttempts int, log zerolog.Logger) (Result, bool) {
	fixes := append([]types.SuggestedFix(nil), diag.Fixes...)
	types.SortFixes(fixes)

	used := 0
	for _, fix := range fixes {
		if used >= maxAttempts || ctx.Err() != nil {
			break
		}
		attempt := c.fixer.Apply(ctx, phase, inc, fix, diag.Confidence)
		inc.Attempts = append(inc.Attempts, attempt)
		if attempt.Outcome != types.OutcomeSuppressed {
			used++
		}
		if attempt.Succeeded() {
			c.writeBack(signature, diag, fix, log)
			return Result{Resolved: true, Phase: phase, Strategy: attempt.Strategy}, true
		}
	}
	return Result{}, false
}

// escalate hands the incident to the sink. A sink failure is the one fault
// with nowhere left to go; it is logged loudly and the incident still gets a
// terminal (escalated) result.
func (c *Coordinator) escalate(inc *types.Incident, diag types.Diagnosis, log zerolog.Logger) Result {
	// An empty attempt log means infrastructure trouble kept every phase
	// from acting; say so in the record instead of escalating in silence.
	if len(inc.Attempts) == 0 {
		now := time.Now().UTC()
		inc.Attempts = append(inc.Attempts, types.Attempt{
			Phase:     1,
			Strategy:  "internal-error",
			StartedAt: now,
			EndedAt:   now,
			Outcome:   types.OutcomeFailed,
			Message:   "no remediation could be attempted",
		})
	}

	c.escalated.Add(1)
	e, err := c.sink.Enqueue(inc, diag)
	if err != nil {
		log.Error().Err(err).Msg("escalation enqueue failed, incident recorded in logs only")
		return Result{Phase: 4}
	}
	return Result{Phase: 4, EscalationID: e.ID}
}

// forceEscalate short-circuits the cascade with a synthetic attempt, used
// when processing cannot start at all.
func (c *Coordinator) forceEscalate(inc *types.Incident, reason string) {
	if inc == nil {
		return
	}
	now := time.Now().UTC()
	inc.Attempts = append(inc.Attempts, types.Attempt{
		Phase:     1,
		Strategy:  "internal-error",
		StartedAt: now,
		EndedAt:   now,
		Outcome:   types.OutcomeFailed,
		Message:   reason,
	})
	c.escalated.Add(1)
	c.processed.Add(1)
	if _, err := c.sink.Enqueue(inc, types.Diagnosis{}); err != nil {
		c.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("forced escalation failed")
	}
}

// writeBack strengthens the learning store after a confirmed success.
func (c *Coordinator) writeBack(signature string, diag types.Diagnosis, fix types.SuggestedFix, log zerolog.Logger) {
	if err := c.learning.RecordSuccess(signature, diag, fix); err != nil {
		log.Error().Err(err).Msg("learning write-back failed")
	}
}

// notePhaseTimeout records budget exhaustion as a timeout attempt, so the
// history shows why a phase was cut short.
func (c *Coordinator) notePhaseTimeout(ctx context.Context, phase int, inc *types.Incident) {
	if ctx.Err() == nil {
		return
	}
	if n := len(inc.Attempts); n > 0 && inc.Attempts[n-1].Phase == phase && inc.Attempts[n-1].Outcome == types.OutcomeTimeout {
		return
	}
	now := time.Now().UTC()
	inc.Attempts = append(inc.Attempts, types.Attempt{
		Phase:     phase,
		Strategy:  "phase-budget",
		StartedAt: now,
		EndedAt:   now,
		Outcome:   types.OutcomeTimeout,
		Message:   "phase budget exhausted",
	})
}

func (c *Coordinator) finish(res Result, start time.Time, log zerolog.Logger) Result {
	res.Elapsed = time.Since(start)
	log.Info().
		Bool("resolved", res.Resolved).
		Int("phase", res.Phase).
		Str("strategy", res.Strategy).
		Dur("elapsed", res.Elapsed).
		Msg("incident reached terminal state")
	return res
}

// consensusStrength parses the "k/N" agreement count; anything unparseable
// is zero agreement.
func consensusStrength(consensus string) int {
	k, _, ok := strings.Cut(consensus, "/")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(k)
	if err != nil {
		return 0
	}
	return n
}
