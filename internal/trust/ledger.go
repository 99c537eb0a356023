package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// Ledger owns per-identity credibility. It is the only writer of
// Credibility records.
type Ledger struct {
	policy Policy
	clock  clockwork.Clock
}

// NewLedger creates a ledger bound to the given policy and clock.
func NewLedger(p Policy, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{policy: p, clock: clock}
}

// GetOrCreate returns the identity's credibility, creating a record with
// the initial credibility on first sight.
func (l *Ledger) GetOrCreate(ctx context.Context, tx Tx, identity string) (Credibility, error) {
	c, err := tx.GetCredibility(ctx, identity)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Credibility{}, fmt.Errorf("load credibility: %w", err)
	}

	now := l.clock.Now().UTC()
	if err := tx.InsertCredibility(ctx, Credibility{
		Identity:  identity,
		Score:     l.policy.InitialCredibility,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return Credibility{}, fmt.Errorf("create credibility: %w", err)
	}
	// Re-read: a concurrent writer may have created the row first.
	c, err = tx.GetCredibility(ctx, identity)
	if err != nil {
		return Credibility{}, fmt.Errorf("load credibility: %w", err)
	}
	return c, nil
}

// ApplyAlignmentFeedback records one alignment evaluation for identity.
// Unknown identities are ignored.
func (l *Ledger) ApplyAlignmentFeedback(ctx context.Context, tx Tx, identity string, aligned, highConfidence bool) error {
	c, err := tx.GetCredibility(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credibility: %w", err)
	}

	c.Score = l.policy.nextCredibility(c.Score, aligned, highConfidence)
	c.TotalVotes++
	if aligned {
		c.AlignedVotes++
	}
	c.UpdatedAt = l.clock.Now().UTC()
	if err := tx.UpdateCredibility(ctx, c); err != nil {
		return fmt.Errorf("update credibility: %w", err)
	}
	return nil
}

// ApplySubmitterPenalty lowers the credibility of a submitter who deleted
// their own rumor. No record is created for unknown identities.
func (l *Ledger) ApplySubmitterPenalty(ctx context.Context, tx Tx, identity string) error {
	c, err := tx.GetCredibility(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credibility: %w", err)
	}

	c.Score = l.policy.clampCredibility(c.Score - l.policy.SubmitterPenalty)
	c.UpdatedAt = l.clock.Now().UTC()
	if err := tx.UpdateCredibility(ctx, c); err != nil {
		return fmt.Errorf("update credibility: %w", err)
	}
	return nil
}
