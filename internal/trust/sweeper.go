package trust

import (
	"context"
	"fmt"
)

// SweepReport counts what one lifecycle sweep changed.
type SweepReport struct {
	Ran              bool `json:"ran"`
	Archived         int  `json:"archived"`
	IdentitiesPruned int  `json:"identities_pruned"`
	VotesPruned      int  `json:"votes_pruned"`
}

// Listing is the result of a rumor listing read.
type Listing struct {
	Rumors []Rumor
	Sweep  SweepReport
}

// Sweep archives stale or distrusted rumors, prunes identities inactive for
// longer than the retention window and then removes their orphaned votes.
// Identity pruning must precede vote pruning.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.clock.Now().UTC()
	var out SweepReport
	err := e.store.Update(ctx, func(tx Tx) error {
		archived, err := tx.ArchiveRumors(ctx, now.Add(-e.policy.ArchiveAfter), e.policy.ArchiveBelowTrust)
		if err != nil {
			return fmt.Errorf("archive rumors: %w", err)
		}
		identities, err := tx.DeleteCredibilityBefore(ctx, now.Add(-e.policy.IdentityRetention))
		if err != nil {
			return fmt.Errorf("prune identities: %w", err)
		}
		votes, err := tx.DeleteOrphanVotes(ctx)
		if err != nil {
			return fmt.Errorf("prune votes: %w", err)
		}
		out = SweepReport{
			Ran:              true,
			Archived:         archived,
			IdentitiesPruned: identities,
			VotesPruned:      votes,
		}
		return nil
	})
	if err != nil {
		return SweepReport{}, err
	}
	return out, nil
}

// ListRumors runs the lifecycle sweep and returns every non-deleted rumor,
// ACTIVE first and newest first within each status.
func (e *Engine) ListRumors(ctx context.Context) (Listing, error) {
	report, err := e.maybeSweep(ctx)
	if err != nil {
		return Listing{}, err
	}

	var rumors []Rumor
	err = e.store.View(ctx, func(tx Tx) error {
		rs, err := tx.ListRumors(ctx)
		if err != nil {
			return fmt.Errorf("list rumors: %w", err)
		}
		rumors = rs
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return Listing{Rumors: rumors, Sweep: report}, nil
}

// maybeSweep sweeps unless the sweep gate says the last one was too recent.
// The gate token is handed back when the sweep fails so the next listing
// retries immediately.
func (e *Engine) maybeSweep(ctx context.Context) (SweepReport, error) {
	if e.sweepGate == nil {
		return e.Sweep(ctx)
	}
	now := e.clock.Now()
	r := e.sweepGate.ReserveN(now, 1)
	if !r.OK() {
		return SweepReport{}, nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return SweepReport{}, nil
	}
	report, err := e.Sweep(ctx)
	if err != nil {
		r.CancelAt(now)
		return SweepReport{}, err
	}
	return report, nil
}
