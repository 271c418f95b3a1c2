// Package diagnose runs external diagnostic workers over an incident and
// turns their replies into structured diagnoses. Workers are opaque
// subprocesses that read a prompt on stdin and print a fixed-format reply.
package diagnose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/WilBtc/autoheal/internal/types"
)

// Perspectives available to the expert panel, in assignment order. The panel
// size selects a prefix of this list.
var perspectives = []string{
	"configuration",
	"resources",
	"dependencies",
	"recent-change",
	"process-lifecycle",
}

var perspectiveFraming = map[string]string{
	"configuration":     "Assume the root cause is a configuration problem: bad paths, stale settings, missing files, wrong permissions.",
	"resources":         "Assume the root cause is resource exhaustion: memory, disk, file descriptors, CPU starvation.",
	"dependencies":      "Assume the root cause lies in a dependency: an unreachable peer service, database, or network path.",
	"recent-change":     "Assume the root cause is a recent change: a deploy, config edit, or schedule change in the last days.",
	"process-lifecycle": "Assume the root cause is process lifecycle: crashes, restart loops, orphaned or duplicate instances.",
}

const replyInstructions = `Reply in exactly this format and nothing else:
DIAGNOSIS: <one-line root cause>
CONFIDENCE: <0-100>%
FIX_1: <strategy>|<description>|<command>
FIX_2: <strategy>|<description>|<command>
List at most three fixes, most promising first. The command must be a single
non-interactive command line, or the word "none".`

// buildPrompt assembles the worker prompt: incident facts, prior attempt
// history, retrieved knowledge, then the reply schema. The perspective is
// empty for the single diagnostician.
func buildPrompt(inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle, perspective string) string {
	var b strings.Builder

	b.WriteString("You are diagnosing a production incident on a Linux host.\n\n")
	if framing, ok := perspectiveFraming[perspective]; ok {
		b.WriteString(framing)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "== INCIDENT ==\nkind: %s\nsubject: %s\nseverity: %s\nmessage: %s\n",
		inc.Kind, inc.Subject, inc.Severity, inc.Message)
	keys := make([]string, 0, len(inc.Metadata))
	for k := range inc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, inc.Metadata[k])
	}

	b.WriteString("\n== PRIOR ATTEMPTS ==\n")
	b.WriteString(attempts.Summary())
	b.WriteString("\n")

	if bundle != nil {
		b.WriteString("\n")
		b.WriteString(bundle.Render())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(replyInstructions)
	return b.String()
}
