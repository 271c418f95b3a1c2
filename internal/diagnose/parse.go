package diagnose

import (
	"strconv"
	"strings"

	"github.com/WilBtc/autoheal/internal/types"
)

// parseReply extracts a diagnosis from worker output. Parsing is lenient:
// workers wander off-format often enough that any recognizable DIAGNOSIS line
// is worth keeping. Missing confidence parses as zero, out-of-range values
// clamp to [0,1], malformed FIX lines are skipped.
func parseReply(out string) types.Diagnosis {
	var d types.Diagnosis

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case hasPrefixFold(line, "DIAGNOSIS:"):
			if d.RootCause == "" {
				d.RootCause = strings.TrimSpace(line[len("DIAGNOSIS:"):])
			}
		case hasPrefixFold(line, "CONFIDENCE:"):
			d.Confidence = parseConfidence(line[len("CONFIDENCE:"):])
		case hasPrefixFold(line, "FIX_"):
			if fix, ok := parseFix(line, len(d.Fixes)+1); ok {
				d.Fixes = append(d.Fixes, fix)
			}
		}
	}
	return d
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseConfidence accepts "85%", "85", "0.85" and whitespace around any of
// them. Values above 1 are treated as percentages.
func parseConfidence(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// parseFix parses "FIX_n: strategy|description|command". A command of "none"
// or "" yields a fix with no command, which downstream treats as
// advice-only.
func parseFix(line string, priority int) (types.SuggestedFix, bool) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return types.SuggestedFix{}, false
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) < 2 {
		return types.SuggestedFix{}, false
	}

	fix := types.SuggestedFix{
		Strategy:    strings.TrimSpace(parts[0]),
		Description: strings.TrimSpace(parts[1]),
		Priority:    priority,
	}
	if fix.Strategy == "" {
		return types.SuggestedFix{}, false
	}
	if len(parts) == 3 {
		cmd := strings.TrimSpace(parts[2])
		if !strings.EqualFold(cmd, "none") {
			fix.Command = cmd
		}
	}
	return fix, true
}
