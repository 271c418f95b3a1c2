// Package types defines core data structures used across autoheal.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Severity levels for incidents and escalations.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string severity to the enum.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// IncidentKind enumerates the fault classes the scanners produce.
type IncidentKind string

const (
	KindServiceFailure   IncidentKind = "service_failure"
	KindContainerFailure IncidentKind = "container_failure"
	KindPortConflict     IncidentKind = "port_conflict"
	KindResourcePressure IncidentKind = "resource_pressure"
	KindSyncOverdue      IncidentKind = "sync_overdue"
	KindSyncGap          IncidentKind = "sync_gap"
	KindRunawayProcess   IncidentKind = "runaway_process"
	KindCronChaos        IncidentKind = "cron_chaos"
	KindOther            IncidentKind = "other"
)

// KnownKind reports whether k is one of the enumerated incident kinds.
func KnownKind(k IncidentKind) bool {
	switch k {
	case KindServiceFailure, KindContainerFailure, KindPortConflict,
		KindResourcePressure, KindSyncOverdue, KindSyncGap,
		KindRunawayProcess, KindCronChaos, KindOther:
		return true
	}
	return false
}

// Incident is the unit of work: one normalized fault observation.
type Incident struct {
	ID         string            `json:"id"`
	DetectedAt time.Time         `json:"detected_at"`
	Kind       IncidentKind      `json:"kind"`
	Source     string            `json:"source"`  // which scanner produced it
	Subject    string            `json:"subject"` // service name, container, pid, partition key
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Severity   Severity          `json:"severity"`
	Attempts   AttemptLog        `json:"attempts"`
}

// Signature returns the versioned fingerprint keying the learning store and
// the escalation dedup invariant.
func (i *Incident) Signature() string {
	return ComputeSignature(i.Kind, i.Subject, i.Message)
}

// AttemptOutcome classifies one remediation or diagnosis step.
type AttemptOutcome string

const (
	OutcomeSucceeded  AttemptOutcome = "succeeded"
	OutcomeFailed     AttemptOutcome = "failed"
	OutcomeTimeout    AttemptOutcome = "timeout"
	OutcomeSuppressed AttemptOutcome = "suppressed"
)

// Attempt records one autonomous remediation or diagnosis step.
type Attempt struct {
	Phase      int            `json:"phase"` // 1-3
	Strategy   string         `json:"strategy"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Outcome    AttemptOutcome `json:"outcome"`
	Message    string         `json:"message"`
	ExitStatus int            `json:"exit_status,omitempty"`
	Confidence float64        `json:"confidence,omitempty"` // diagnostic confidence, when applicable
}

// Succeeded reports whether the attempt resolved the incident.
func (a Attempt) Succeeded() bool { return a.Outcome == OutcomeSucceeded }

// AttemptLog is the append-only, ordered history of attempts on one incident.
type AttemptLog []Attempt

// Summary renders a compact one-line-per-attempt history for prompts.
func (l AttemptLog) Summary() string {
	if len(l) == 0 {
		return "(no attempts yet)"
	}
	out := ""
	for i, a := range l {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("phase %d: %s -> %s (%s)", a.Phase, a.Strategy, a.Outcome, a.Message)
	}
	return out
}

// SuggestedFix is one proposed remediation from a diagnostic worker.
type SuggestedFix struct {
	Strategy    string `json:"strategy"`
	Description string `json:"description"`
	Command     string `json:"command"` // opaque template, the executor owns safety
	Priority    int    `json:"priority"`
}

// Diagnosis is a root-cause hypothesis plus ranked fixes.
type Diagnosis struct {
	RootCause  string         `json:"root_cause"`
	Confidence float64        `json:"confidence"` // [0,1]
	Fixes      []SuggestedFix `json:"fixes"`
	Provenance []string       `json:"provenance,omitempty"` // contributing workers
	Consensus  string         `json:"consensus,omitempty"`  // "k/N" when panel-produced
}

// Empty reports whether the diagnosis carries no usable content.
func (d Diagnosis) Empty() bool {
	return d.RootCause == "" && d.Confidence == 0 && len(d.Fixes) == 0
}

// SortFixes orders fixes by priority, ties broken by strategy name.
func SortFixes(fixes []SuggestedFix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		if fixes[i].Priority != fixes[j].Priority {
			return fixes[i].Priority < fixes[j].Priority
		}
		return fixes[i].Strategy < fixes[j].Strategy
	})
}

// LearningEntry caches a prior diagnosis and the last strategy that worked.
type LearningEntry struct {
	Signature     string        `json:"signature"`
	Diagnosis     Diagnosis     `json:"diagnosis"`
	SuccessfulFix *SuggestedFix `json:"successful_fix,omitempty"`
	HitCount      int           `json:"hit_count"`
	Confidence    float64       `json:"confidence"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// EscalationStatus tracks the review lifecycle of an escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending_review"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationDismissed EscalationStatus = "dismissed"
)

// Terminal reports whether the status is a terminal review state.
func (s EscalationStatus) Terminal() bool {
	return s == EscalationResolved || s == EscalationDismissed
}

// Escalation is a persisted, human-reviewable record of an incident the
// autonomous layers could not resolve.
type Escalation struct {
	ID               int64            `json:"id"`
	Signature        string           `json:"signature"`
	Incident         Incident         `json:"incident"`
	Attempts         AttemptLog       `json:"attempts"`
	Diagnosis        Diagnosis        `json:"diagnosis"`
	Severity         Severity         `json:"severity"`
	Status           EscalationStatus `json:"status"`
	Notes            string           `json:"notes,omitempty"`
	ResolutionMethod string           `json:"resolution_method,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// KnowledgeBundle is the per-incident context assembled once by the knowledge
// retriever and reused by every diagnostic phase.
type KnowledgeBundle struct {
	Overview       string `json:"overview"`
	ServiceExcerpt string `json:"service_excerpt"`
	RecentChanges  string `json:"recent_changes"`
	PatternHints   string `json:"pattern_hints"`
}

// Render serializes the bundle as a single prompt fragment.
func (b *KnowledgeBundle) Render() string {
	return "== SYSTEM OVERVIEW ==\n" + b.Overview +
		"\n\n== SERVICE CONFIGURATION ==\n" + b.ServiceExcerpt +
		"\n\n== RECENT CHANGES ==\n" + b.RecentChanges +
		"\n\n== KNOWN PATTERNS ==\n" + b.PatternHints
}
