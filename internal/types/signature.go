package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// SignatureVersion is embedded in every signature. Changing any of the
// normalization rules below requires bumping it so that previously cached
// learning entries and escalation dedup keys are invalidated together.
const SignatureVersion = "v1"

// Volatile substrings stripped from messages before digesting. These are the
// parts that vary between two observations of the same underlying fault:
// timestamps, pids, partition names, hex ids, large counters.
var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	reClock     = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}\b`)
	rePID       = regexp.MustCompile(`\bpid[ =:]?\d+\b`)
	rePartition = regexp.MustCompile(`\b(part(ition)?[-_ ]?\d+|[a-z]+-p\d+)\b`)
	reHexRun    = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	reBigNum    = regexp.MustCompile(`\b\d{4,}\b`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// NormalizeMessage strips the volatile substrings from an incident message so
// that repeated observations of one fault digest to the same value.
func NormalizeMessage(msg string) string {
	m := strings.ToLower(msg)
	m = reTimestamp.ReplaceAllString(m, "<ts>")
	m = reClock.ReplaceAllString(m, "<ts>")
	m = rePID.ReplaceAllString(m, "pid<n>")
	m = rePartition.ReplaceAllString(m, "<part>")
	m = reHexRun.ReplaceAllString(m, "<hex>")
	m = reBigNum.ReplaceAllString(m, "<n>")
	m = reSpaces.ReplaceAllString(m, " ")
	return strings.TrimSpace(m)
}

// ComputeSignature builds the incident signature:
// "<version>|<kind>|<subject>|<digest12 of normalized message>".
func ComputeSignature(kind IncidentKind, subject, message string) string {
	sum := sha256.Sum256([]byte(NormalizeMessage(message)))
	digest := hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("%s|%s|%s|%s", SignatureVersion, kind, strings.ToLower(strings.TrimSpace(subject)), digest)
}
