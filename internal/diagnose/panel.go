package diagnose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WilBtc/autoheal/internal/types"
)

// panelSlack is added to the per-worker timeout to form the panel deadline,
// covering process spawn and collection overhead.
const panelSlack = 5 * time.Second

// Panel asks several workers the same question under different perspective
// framings and distills a consensus diagnosis.
func (d *Diagnostician) Panel(ctx context.Context, inc *types.Incident, attempts types.AttemptLog, bundle *types.KnowledgeBundle) types.Diagnosis {
	size := d.cfg.ExpertPanelSize
	if size <= 0 {
		// Panel disabled; an empty bench cannot reach a threshold.
		d.logger.Warn().Msg("expert panel has no workers configured")
		return types.Diagnosis{Consensus: "0/0"}
	}
	if size > len(perspectives) {
		size = len(perspectives)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.WorkerTimeout()+panelSlack)
	defer cancel()

	var mu sync.Mutex
	votes := make([]panelVote, 0, size)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range perspectives[:size] {
		p := p
		g.Go(func() error {
			diag, err := d.runWorker(gctx, inc, attempts, bundle, p)
			if err != nil || diag.Confidence == 0 {
				// A dead or fully unsure worker loses its vote.
				return nil
			}
			mu.Lock()
			votes = append(votes, panelVote{perspective: p, diagnosis: diag})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Fix vote order so clustering and tie-breaks are deterministic.
	ordered := make([]panelVote, 0, len(votes))
	for _, p := range perspectives[:size] {
		for _, v := range votes {
			if v.perspective == p {
				ordered = append(ordered, v)
				break
			}
		}
	}

	consensus := buildConsensus(ordered, size)
	if consensus.Empty() {
		d.logger.Warn().Int("panel_size", size).Msg("expert panel produced no usable replies")
		return types.Diagnosis{
			RootCause:  "expert panel unavailable or unresponsive",
			Confidence: 0,
			Consensus:  fmt.Sprintf("0/%d", size),
		}
	}
	d.logger.Info().
		Str("consensus", consensus.Consensus).
		Float64("confidence", consensus.Confidence).
		Msg("expert panel reached a verdict")
	return consensus
}
