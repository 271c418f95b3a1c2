// Package knowledge assembles per-incident context for the diagnostic
// phases: documentation excerpts, unit-file contents, recent version-control
// history and known-pattern hints.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/types"
)

const (
	placeholderDocs    = "(documentation unavailable)"
	placeholderUnit    = "(no service configuration found)"
	placeholderChanges = "(version control history unavailable)"
	placeholderHints   = "(no known patterns matched)"

	maxRecentCommits = 10
)

// Retriever builds the KnowledgeBundle. It reads files and history, writes
// nothing, and never fails: missing inputs degrade to placeholder sections.
type Retriever struct {
	cfg    config.KnowledgeConfig
	cache  *fileCache
	vcs    VCS
	logger zerolog.Logger
}

// NewRetriever creates the retriever. Pass GitVCS{} for real history.
func NewRetriever(cfg config.KnowledgeConfig, vcs VCS, logger zerolog.Logger) *Retriever {
	return &Retriever{
		cfg:    cfg,
		cache:  newFileCache(cfg.CacheTTL(), logger),
		vcs:    vcs,
		logger: logger.With().Str("component", "knowledge").Logger(),
	}
}

// Close releases the cache's filesystem watcher.
func (r *Retriever) Close() {
	r.cache.close()
}

// Query assembles the bundle for one incident. Called once per incident; the
// result is reused across phases. The bundle itself is never cached because
// the recent-changes section drifts quickly.
func (r *Retriever) Query(ctx context.Context, inc *types.Incident) *types.KnowledgeBundle {
	keywords := keywordsFor(inc)

	return &types.KnowledgeBundle{
		Overview:       r.overviewSection(keywords),
		ServiceExcerpt: r.serviceSection(inc),
		RecentChanges:  r.changesSection(ctx, keywords),
		PatternHints:   r.patternSection(inc),
	}
}

// keywordsFor derives the keyword families used to filter docs and history:
// subject tokens plus kind-specific vocabulary plus the generic config/deploy
// family.
func keywordsFor(inc *types.Incident) []string {
	keywords := []string{"config", "deploy"}

	for _, tok := range strings.FieldsFunc(strings.ToLower(inc.Subject), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 2 {
			keywords = append(keywords, tok)
		}
	}

	switch inc.Kind {
	case types.KindServiceFailure:
		keywords = append(keywords, "service", "unit", "systemd")
	case types.KindContainerFailure:
		keywords = append(keywords, "container", "docker", "image")
	case types.KindPortConflict:
		keywords = append(keywords, "port", "listen", "bind")
	case types.KindResourcePressure:
		keywords = append(keywords, "disk", "memory", "cleanup")
	case types.KindSyncOverdue, types.KindSyncGap:
		keywords = append(keywords, "backup", "sync", "schedule")
	case types.KindRunawayProcess:
		keywords = append(keywords, "process", "supervisor")
	case types.KindCronChaos:
		keywords = append(keywords, "cron", "schedule", "timer")
	}
	return keywords
}

// overviewSection extracts matching "## " sections from the markdown corpus.
func (r *Retriever) overviewSection(keywords []string) string {
	paths, err := r.docFiles()
	if err != nil || len(paths) == 0 {
		return placeholderDocs
	}

	var b strings.Builder
	for _, path := range paths {
		content, err := r.cache.read(path)
		if err != nil {
			continue
		}
		for _, section := range splitSections(content) {
			if matchesAny(section, keywords) {
				b.WriteString(capText(section, r.cfg.SectionCharCap))
				b.WriteString("\n")
			}
			if b.Len() > r.cfg.SectionCharCap {
				break
			}
		}
		if b.Len() > r.cfg.SectionCharCap {
			break
		}
	}

	if b.Len() == 0 {
		return placeholderDocs
	}
	return capText(b.String(), r.cfg.SectionCharCap)
}

func (r *Retriever) docFiles() ([]string, error) {
	info, err := os.Stat(r.cfg.DocsPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{r.cfg.DocsPath}, nil
	}

	var out []string
	entries, err := os.ReadDir(r.cfg.DocsPath)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			out = append(out, filepath.Join(r.cfg.DocsPath, e.Name()))
		}
	}
	return out, nil
}

// splitSections breaks markdown on "## " headers, keeping headers attached
// to their bodies.
func splitSections(content string) []string {
	lines := strings.Split(content, "\n")
	var sections []string
	var cur strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") && cur.Len() > 0 {
			sections = append(sections, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	if cur.Len() > 0 {
		sections = append(sections, cur.String())
	}
	return sections
}

// serviceSection locates the unit file for the subject and extracts the
// working-directory and entry-point lines, annotating each referenced path
// with whether it exists right now.
func (r *Retriever) serviceSection(inc *types.Incident) string {
	if inc.Kind != types.KindServiceFailure && inc.Kind != types.KindPortConflict {
		return placeholderUnit
	}

	unit := inc.Subject
	if inc.Kind == types.KindPortConflict {
		// For port conflicts the subject is the port; the owning service, if
		// known, rides in metadata.
		unit = inc.Metadata["service"]
		if unit == "" {
			return placeholderUnit
		}
	}
	if !strings.HasSuffix(unit, ".service") {
		unit += ".service"
	}

	for _, dir := range r.cfg.UnitDirs {
		content, err := r.cache.read(filepath.Join(dir, unit))
		if err != nil {
			continue
		}
		return r.excerptUnit(unit, content)
	}
	return placeholderUnit
}

func (r *Retriever) excerptUnit(unit, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "unit: %s\n", unit)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		switch key {
		case "WorkingDirectory", "ExecStart", "ExecStartPre", "EnvironmentFile":
			b.WriteString(trimmed)
			for _, p := range referencedPaths(value) {
				if _, err := os.Stat(p); err == nil {
					fmt.Fprintf(&b, "  [%s exists=true]", p)
				} else {
					fmt.Fprintf(&b, "  [%s exists=false]", p)
				}
			}
			b.WriteString("\n")
		}
	}
	return capText(b.String(), r.cfg.SectionCharCap)
}

// referencedPaths pulls absolute paths out of a unit-file value.
func referencedPaths(value string) []string {
	var out []string
	for _, f := range strings.Fields(value) {
		f = strings.TrimPrefix(f, "-") // systemd's ignore-failure prefix
		if strings.HasPrefix(f, "/") {
			out = append(out, f)
		}
	}
	return out
}

// changesSection asks the VCS adapter for recent keyword-matching commits.
func (r *Retriever) changesSection(ctx context.Context, keywords []string) string {
	if r.vcs == nil || r.cfg.RepoPath == "" {
		return placeholderChanges
	}

	since := time.Now().AddDate(0, 0, -r.cfg.LookbackDays)
	commits, err := r.vcs.RecentCommits(ctx, r.cfg.RepoPath, since, keywords)
	if err != nil {
		r.logger.Debug().Err(err).Msg("recent-changes lookup failed")
		return placeholderChanges
	}
	if len(commits) == 0 {
		return "(no matching changes in the last " + fmt.Sprint(r.cfg.LookbackDays) + " days)"
	}
	if len(commits) > maxRecentCommits {
		commits = commits[:maxRecentCommits]
	}

	var b strings.Builder
	for _, c := range commits {
		fmt.Fprintf(&b, "%s %s %s\n", c.Hash, c.When, c.Subject)
	}
	return capText(b.String(), r.cfg.SectionCharCap)
}

// patternSection formats known-pattern table hits.
func (r *Retriever) patternSection(inc *types.Incident) string {
	patterns := MatchPatterns(inc.Kind, inc.Message)
	if len(patterns) == 0 {
		return placeholderHints
	}

	var b strings.Builder
	for _, p := range patterns {
		b.WriteString("- " + p.Diagnosis + "\n")
		for _, item := range p.Checklist {
			b.WriteString("    * " + item + "\n")
		}
	}
	return capText(b.String(), r.cfg.SectionCharCap)
}

func capText(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max] + "\n... [truncated]"
	}
	return s
}
