package trust

import (
	"context"
	"fmt"
)

// Resolution summarises one consensus evaluation.
type Resolution struct {
	Fired     bool     `json:"fired"`
	Direction VoteType `json:"direction,omitempty"`
	Evaluated int      `json:"evaluated"`
	Aligned   int      `json:"aligned"`
}

// Resolver feeds consensus alignment back into the ledger once a rumor has
// enough votes.
//
// Every call past the threshold re-evaluates the rumor's full vote history,
// so the same voters are re-scored on each later vote and adjustments
// compound.
type Resolver struct {
	policy Policy
	ledger *Ledger
}

// NewResolver creates a resolver writing through ledger.
func NewResolver(p Policy, ledger *Ledger) *Resolver {
	return &Resolver{policy: p, ledger: ledger}
}

// Direction returns the consensus implied by a trust score. A score of
// exactly zero resolves to dispute.
func Direction(trustScore float64) VoteType {
	if trustScore > 0 {
		return VoteVerify
	}
	return VoteDispute
}

// Resolve evaluates r, which must reflect the vote just recorded.
func (s *Resolver) Resolve(ctx context.Context, tx Tx, r Rumor) (Resolution, error) {
	if r.TotalVotes() < s.policy.ConsensusThreshold {
		return Resolution{}, nil
	}

	consensus := Direction(r.TrustScore)
	votes, err := tx.ListVotes(ctx, r.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list votes: %w", err)
	}

	res := Resolution{Fired: true, Direction: consensus}
	for _, v := range votes {
		aligned := v.Type == consensus
		if err := s.ledger.ApplyAlignmentFeedback(ctx, tx, v.VoterHash, aligned, s.policy.isHighConfidence(v.Confidence)); err != nil {
			return Resolution{}, err
		}
		res.Evaluated++
		if aligned {
			res.Aligned++
		}
	}
	return res, nil
}
