package knowledge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// VCS adapts the local version-control history for the retriever. The
// production implementation shells out to git; tests substitute a stub.
type VCS interface {
	RecentCommits(ctx context.Context, repoPath string, since time.Time, keywords []string) ([]Commit, error)
}

// Commit is one matching history entry.
type Commit struct {
	Hash    string
	When    string
	Subject string
}

// GitVCS reads history via the git CLI. Retrieval is read-only, so this runs
// outside the remediation executor and its policy.
type GitVCS struct{}

// RecentCommits returns commits since the cutoff whose subject or touched
// paths contain any keyword (case-insensitive).
func (GitVCS) RecentCommits(ctx context.Context, repoPath string, since time.Time, keywords []string) ([]Commit, error) {
	args := []string{
		"-C", repoPath, "log",
		"--since=" + since.Format("2006-01-02"),
		"--name-only",
		"--pretty=format:%h%x09%ad%x09%s",
		"--date=short",
	}
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}

	return filterCommits(string(out), keywords), nil
}

// filterCommits parses `git log --name-only` output and keeps commits whose
// subject or any touched path matches a keyword.
func filterCommits(raw string, keywords []string) []Commit {
	var out []Commit
	var cur *Commit
	matched := false

	flush := func() {
		if cur != nil && matched {
			out = append(out, *cur)
		}
		cur = nil
		matched = false
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, "\t") {
			flush()
			parts := strings.SplitN(line, "\t", 3)
			if len(parts) == 3 {
				cur = &Commit{Hash: parts[0], When: parts[1], Subject: parts[2]}
				matched = matchesAny(parts[2], keywords)
			}
			continue
		}
		if cur != nil && line != "" && matchesAny(line, keywords) {
			matched = true
		}
	}
	flush()
	return out
}

func matchesAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
