package diagnose

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/executor"
	"github.com/WilBtc/autoheal/internal/types"
)

// Diagnostician runs one external worker process per call and parses its
// reply. Worker failures never propagate as errors; they surface as a
// zero-confidence diagnosis so the pipeline can move on.
type Diagnostician struct {
	cfg    config.DiagnosticsConfig
	exec   executor.Executor
	logger zerolog.Logger
}

func NewDiagnostician(cfg config.DiagnosticsConfig, exec executor.Executor, logger zerolog.Logger) *Diagnostician {
	return &Diagnostician{
		cfg:    cfg,
		exec:   exec,
		logger: logger.With().Str("component", "diagnose").Logger(),
	}
}

// Diagnose runs the worker once without a perspective framing. Any failure
// collapses to a zero-confidence diagnosis.
func (d *Diagnostician) Diagnose(ctx context.Context, inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle) types.Diagnosis {
	diag, err := d.runWorker(ctx, inc, attempts, bundle, "")
	if err != nil {
		return types.Diagnosis{
			RootCause:  "diagnostic worker unavailable or unresponsive",
			Confidence: 0,
			Provenance: []string{"diagnostician"},
		}
	}
	diag.Provenance = []string{"diagnostician"}
	return diag
}

func (d *Diagnostician) runWorker(ctx context.Context, inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle, perspective string) (types.Diagnosis, error) {
	if d.cfg.WorkerCommand == "" {
		return types.Diagnosis{}, errors.New(errors.ErrDiagnostic, "no diagnostic worker configured")
	}

	prompt := buildPrompt(inc, attempts, bundle, perspective)
	limits := executor.Limits{
		Timeout:           d.cfg.WorkerTimeout(),
		AddressSpaceBytes: d.cfg.WorkerAddressSpaceBytes,
		DataSegmentBytes:  d.cfg.WorkerDataSegmentBytes,
	}

	result, err := d.exec.Run(ctx, d.cfg.WorkerCommand, prompt, limits)
	if err != nil {
		d.logger.Warn().Err(err).Str("perspective", perspective).Msg("diagnostic worker failed to run")
		return types.Diagnosis{}, err
	}
	if result.TimedOut {
		d.logger.Warn().Str("perspective", perspective).Msg("diagnostic worker timed out")
		return types.Diagnosis{}, errors.New(errors.ErrDiagnosticTimeout, "diagnostic worker timed out")
	}
	if result.ExitStatus != 0 {
		d.logger.Warn().Int("exit_status", result.ExitStatus).Str("perspective", perspective).Msg("diagnostic worker exited non-zero")
		return types.Diagnosis{}, errors.New(errors.ErrDiagnostic, "diagnostic worker exited non-zero")
	}

	diag := parseReply(result.StdoutHead)
	if diag.RootCause == "" {
		d.logger.Warn().Str("perspective", perspective).Msg("diagnostic worker reply unparseable")
		return types.Diagnosis{}, errors.New(errors.ErrMalformedReply, "diagnostic worker reply unparseable")
	}
	types.SortFixes(diag.Fixes)
	return diag, nil
}
