package diagnose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/WilBtc/autoheal/internal/types"
)

// jaccardThreshold is how much token overlap two root-cause statements need
// before they count as the same hypothesis.
const jaccardThreshold = 0.30

// minTokenLen drops short filler words before comparing root causes.
const minTokenLen = 6

// maxPooledFixes caps the fix list a consensus diagnosis carries forward.
const maxPooledFixes = 3

// panelVote pairs a usable worker reply with the perspective that produced it.
type panelVote struct {
	perspective string
	diagnosis   types.Diagnosis
}

// buildConsensus clusters panel replies by root-cause similarity and returns
// the majority cluster as a single diagnosis. The result carries the
// agreement as "k/N" where N is the full panel size, so a dead worker still
// weakens consensus. An empty vote set yields an empty diagnosis.
func buildConsensus(votes []panelVote, panelSize int) types.Diagnosis {
	if len(votes) == 0 {
		return types.Diagnosis{}
	}

	clusters := clusterVotes(votes)
	best := pickCluster(clusters)

	provenance := make([]string, 0, len(best))
	for _, v := range best {
		provenance = append(provenance, v.perspective)
	}
	sort.Strings(provenance)

	return types.Diagnosis{
		RootCause:  joinedRootCause(best),
		Confidence: meanConfidence(best),
		Fixes:      poolFixes(best),
		Provenance: provenance,
		Consensus:  fmt.Sprintf("%d/%d", len(best), panelSize),
	}
}

// clusterVotes greedily assigns each vote to the first cluster containing a
// similar member. Vote order is the panel's perspective order, so clustering
// is deterministic.
func clusterVotes(votes []panelVote) [][]panelVote {
	var clusters [][]panelVote
next:
	for _, v := range votes {
		tokens := tokenize(v.diagnosis.RootCause)
		for i, cluster := range clusters {
			for _, member := range cluster {
				if jaccard(tokens, tokenize(member.diagnosis.RootCause)) >= jaccardThreshold {
					clusters[i] = append(clusters[i], v)
					continue next
				}
			}
		}
		clusters = append(clusters, []panelVote{v})
	}
	return clusters
}

// pickCluster selects the largest cluster; ties go to the higher mean
// confidence, then the lexicographically smaller joined root cause.
func pickCluster(clusters [][]panelVote) []panelVote {
	best := clusters[0]
	for _, c := range clusters[1:] {
		switch {
		case len(c) > len(best):
			best = c
		case len(c) == len(best):
			bc, cc := meanConfidence(best), meanConfidence(c)
			if cc > bc || (cc == bc && joinedRootCause(c) < joinedRootCause(best)) {
				best = c
			}
		}
	}
	return best
}

// joinedRootCause concatenates the cluster's distinct root-cause statements
// in vote order, so the combined text names every hypothesis the majority
// actually voiced.
func joinedRootCause(cluster []panelVote) string {
	seen := make(map[string]bool, len(cluster))
	parts := make([]string, 0, len(cluster))
	for _, v := range cluster {
		rc := strings.TrimSpace(v.diagnosis.RootCause)
		key := strings.ToLower(rc)
		if rc == "" || seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, rc)
	}
	return strings.Join(parts, "; ")
}

func meanConfidence(cluster []panelVote) float64 {
	var sum float64
	for _, v := range cluster {
		sum += v.diagnosis.Confidence
	}
	return sum / float64(len(cluster))
}

// poolFixes merges the cluster's fixes by strategy and ranks them by how
// many members proposed the strategy, then by the best priority any member
// gave it, then by name.
func poolFixes(cluster []panelVote) []types.SuggestedFix {
	type pooled struct {
		fix       types.SuggestedFix
		proposers int
	}
	byStrategy := make(map[string]*pooled)
	var order []string

	for _, v := range cluster {
		seen := make(map[string]bool)
		for _, fix := range v.diagnosis.Fixes {
			key := strings.ToLower(fix.Strategy)
			if seen[key] {
				continue
			}
			seen[key] = true
			p, ok := byStrategy[key]
			if !ok {
				byStrategy[key] = &pooled{fix: fix, proposers: 1}
				order = append(order, key)
				continue
			}
			p.proposers++
			if fix.Priority < p.fix.Priority {
				p.fix = fix
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := byStrategy[order[i]], byStrategy[order[j]]
		if a.proposers != b.proposers {
			return a.proposers > b.proposers
		}
		if a.fix.Priority != b.fix.Priority {
			return a.fix.Priority < b.fix.Priority
		}
		return a.fix.Strategy < b.fix.Strategy
	})

	out := make([]types.SuggestedFix, 0, maxPooledFixes)
	for i, key := range order {
		if i == maxPooledFixes {
			break
		}
		fix := byStrategy[key].fix
		fix.Priority = i + 1
		out = append(out, fix)
	}
	return out
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) >= minTokenLen {
			tokens[w] = true
		}
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
