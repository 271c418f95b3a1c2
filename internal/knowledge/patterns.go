package knowledge

import (
	"strings"

	"github.com/WilBtc/autoheal/internal/types"
)

// Pattern is one entry of the deterministic known-fault table: a kind plus
// message substrings mapping to a prose diagnosis and remediation checklist.
type Pattern struct {
	Kind       types.IncidentKind
	Substrings []string // all must appear (case-insensitive)
	Diagnosis  string
	Checklist  []string
}

// knownPatterns is consulted before any diagnostic worker runs; hits are
// surfaced in the knowledge bundle so workers start from prior art.
var knownPatterns = []Pattern{
	{
		Kind:       types.KindServiceFailure,
		Substrings: []string{"203/exec"},
		Diagnosis:  "Unit ExecStart points at a missing or non-executable binary; commonly a moved working directory or a deploy that removed the entry point.",
		Checklist: []string{
			"verify ExecStart path exists and is executable",
			"verify WorkingDirectory exists",
			"re-run systemctl daemon-reload after unit edits",
		},
	},
	{
		Kind:       types.KindServiceFailure,
		Substrings: []string{"code=exited", "status=1"},
		Diagnosis:  "Service crashed during startup; usually a configuration or dependency error visible in the journal.",
		Checklist: []string{
			"inspect journalctl -u <unit> for the first error line",
			"validate the service configuration file",
			"check for a missing dependency service",
		},
	},
	{
		Kind:       types.KindPortConflict,
		Substrings: []string{"address already in use"},
		Diagnosis:  "Another process holds the listen port, frequently a stale instance of the same service left behind by an unclean restart.",
		Checklist: []string{
			"identify the holder with fuser or ss",
			"confirm the holder is stale before killing it",
			"restart the owning unit afterwards",
		},
	},
	{
		Kind:       types.KindContainerFailure,
		Substrings: []string{"oomkilled"},
		Diagnosis:  "Container exceeded its memory limit and was OOM-killed; limits may be undersized for the current workload.",
		Checklist: []string{
			"check the container memory limit vs recent usage",
			"look for a leak in the newest image",
			"restart with the previous image if the leak is new",
		},
	},
	{
		Kind:       types.KindContainerFailure,
		Substrings: []string{"exit code 137"},
		Diagnosis:  "Container received SIGKILL, either from the OOM killer or an external stop with an expired grace period.",
		Checklist: []string{
			"check dmesg for oom-killer entries",
			"verify stop timeout is long enough for clean shutdown",
		},
	},
	{
		Kind:       types.KindResourcePressure,
		Substrings: []string{"disk"},
		Diagnosis:  "Filesystem is filling up; the usual offenders are log growth, orphaned temp files, and unpruned container images.",
		Checklist: []string{
			"du the data and log directories",
			"prune rotated logs and temp files",
			"prune unused container images",
		},
	},
	{
		Kind:       types.KindSyncOverdue,
		Substrings: []string{"backup"},
		Diagnosis:  "Scheduled backup has not completed in its expected window; check for a hung previous run holding the lock.",
		Checklist: []string{
			"look for a stuck backup process",
			"verify destination reachability and free space",
			"re-trigger the job once the lock is clear",
		},
	},
	{
		Kind:       types.KindCronChaos,
		Substrings: []string{"overlap"},
		Diagnosis:  "Cron job instances overlap because the run time now exceeds the schedule interval.",
		Checklist: []string{
			"add or verify a run lock",
			"widen the schedule interval",
		},
	},
	{
		Kind:       types.KindRunawayProcess,
		Substrings: []string{"cpu"},
		Diagnosis:  "Process is spinning on CPU; frequently a retry loop hitting a dead dependency.",
		Checklist: []string{
			"confirm the process cmdline matches the report",
			"check what the process is retrying against",
			"kill and let the supervisor restart it",
		},
	},
}

// MatchPatterns returns every known pattern matching the incident kind and
// message. Matching is deterministic: table order, all substrings required.
func MatchPatterns(kind types.IncidentKind, message string) []Pattern {
	lower := strings.ToLower(message)
	var out []Pattern
	for _, p := range knownPatterns {
		if p.Kind != kind {
			continue
		}
		all := true
		for _, sub := range p.Substrings {
			if !strings.Contains(lower, sub) {
				all = false
				break
			}
		}
		if all {
			out = append(out, p)
		}
	}
	return out
}
