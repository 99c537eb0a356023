package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SubmitRequest is a new rumor submission.
type SubmitRequest struct {
	Content    string
	Identity   string
	Confidence float64
}

// VoteRequest is a single verify/dispute vote.
type VoteRequest struct {
	RumorID    string
	Identity   string
	Type       VoteType
	Confidence float64
}

// VoteResult reports the rumor state after an accepted vote. Credibility is
// the caster's credibility at cast time, i.e. the weight of the vote.
type VoteResult struct {
	RumorID      string
	VerifyCount  int
	DisputeCount int
	TrustScore   float64
	Credibility  float64
	Resolution   Resolution
}

// SubmitRumor creates an ACTIVE rumor whose initial trust score is the
// submitter's credibility scaled by their confidence.
func (e *Engine) SubmitRumor(ctx context.Context, req SubmitRequest) (Rumor, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		return Rumor{}, validationf("content is required")
	case utf8.RuneCountInString(req.Content) > e.policy.MaxContentLength:
		return Rumor{}, validationf("content must be at most %d characters", e.policy.MaxContentLength)
	case req.Identity == "":
		return Rumor{}, validationf("identity is required")
	case !e.policy.validConfidence(req.Confidence):
		return Rumor{}, validationf("confidence must be between %.1f and %.1f", e.policy.MinConfidence, e.policy.MaxConfidence)
	}

	var out Rumor
	err := e.store.Update(ctx, func(tx Tx) error {
		cred, err := e.ledger.GetOrCreate(ctx, tx, req.Identity)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		r := Rumor{
			ID:            newID(now),
			Content:       req.Content,
			CreatedAt:     now,
			TrustScore:    cred.Score * req.Confidence,
			Status:        StatusActive,
			SubmitterHash: req.Identity,
		}
		if err := tx.InsertRumor(ctx, r); err != nil {
			return fmt.Errorf("insert rumor: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return Rumor{}, err
	}
	return out, nil
}

// CastVote validates and records one vote, moves the rumor's trust score by
// credibility*confidence*direction and runs the consensus resolver. The whole
// sequence is one store transaction.
func (e *Engine) CastVote(ctx context.Context, req VoteRequest) (VoteResult, error) {
	switch {
	case req.RumorID == "":
		return VoteResult{}, validationf("rumor id is required")
	case req.Identity == "":
		return VoteResult{}, validationf("identity is required")
	case !req.Type.Valid():
		return VoteResult{}, validationf("vote type must be %q or %q", VoteVerify, VoteDispute)
	case !e.policy.validConfidence(req.Confidence):
		return VoteResult{}, validationf("confidence must be between %.1f and %.1f", e.policy.MinConfidence, e.policy.MaxConfidence)
	}

	var out VoteResult
	err := e.store.Update(ctx, func(tx Tx) error {
		r, err := tx.GetRumor(ctx, req.RumorID)
		if errors.Is(err, ErrNotFound) {
			return notFoundf("rumor %s", req.RumorID)
		}
		if err != nil {
			return fmt.Errorf("load rumor: %w", err)
		}
		if !r.Votable() {
			return notFoundf("rumor %s is archived", req.RumorID)
		}
		if r.SubmitterHash == req.Identity {
			return forbiddenf("cannot vote on your own rumor")
		}
		voted, err := tx.HasVote(ctx, r.ID, req.Identity)
		if err != nil {
			return fmt.Errorf("check vote: %w", err)
		}
		if voted {
			return conflictf("identity already voted on rumor %s", r.ID)
		}

		cred, err := e.ledger.GetOrCreate(ctx, tx, req.Identity)
		if err != nil {
			return err
		}
		magnitude := cred.Score * req.Confidence
		impact := magnitude * req.Type.Direction()

		now := e.clock.Now().UTC()
		if err := tx.InsertVote(ctx, Vote{
			ID:         newID(now),
			RumorID:    r.ID,
			VoterHash:  req.Identity,
			Type:       req.Type,
			CreatedAt:  now,
			Weight:     cred.Score,
			Confidence: req.Confidence,
		}); err != nil {
			if errors.Is(err, ErrConflict) {
				return conflictf("identity already voted on rumor %s", r.ID)
			}
			return fmt.Errorf("insert vote: %w", err)
		}

		if req.Type == VoteVerify {
			r.VerifyCount++
			r.WeightedVerify += magnitude
		} else {
			r.DisputeCount++
			r.WeightedDispute += magnitude
		}
		r.TrustScore += impact
		if err := tx.UpdateRumor(ctx, r); err != nil {
			return fmt.Errorf("update rumor: %w", err)
		}

		res, err := e.resolver.Resolve(ctx, tx, r)
		if err != nil {
			return err
		}

		out = VoteResult{
			RumorID:      r.ID,
			VerifyCount:  r.VerifyCount,
			DisputeCount: r.DisputeCount,
			TrustScore:   r.TrustScore,
			Credibility:  cred.Score,
			Resolution:   res,
		}
		return nil
	})
	if err != nil {
		return VoteResult{}, err
	}
	return out, nil
}

// DeleteRumor hides a rumor on behalf of its submitter and applies the
// submitter penalty. Votes and the row itself are kept.
func (e *Engine) DeleteRumor(ctx context.Context, rumorID, identity string) (Rumor, error) {
	if rumorID == "" || identity == "" {
		return Rumor{}, validationf("rumor id and identity are required")
	}

	var out Rumor
	err := e.store.Update(ctx, func(tx Tx) error {
		r, err := tx.GetRumor(ctx, rumorID)
		if errors.Is(err, ErrNotFound) {
			return notFoundf("rumor %s", rumorID)
		}
		if err != nil {
			return fmt.Errorf("load rumor: %w", err)
		}
		if r.SubmitterHash != identity {
			return forbiddenf("only the submitter may delete a rumor")
		}
		if r.Deleted {
			return validationf("rumor %s is already deleted", rumorID)
		}

		r.Deleted = true
		r.Archived = true
		r.Status = StatusArchived
		if err := tx.UpdateRumor(ctx, r); err != nil {
			return fmt.Errorf("update rumor: %w", err)
		}
		if err := e.ledger.ApplySubmitterPenalty(ctx, tx, identity); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Rumor{}, err
	}
	return out, nil
}

// Rumor returns a single non-deleted rumor.
func (e *Engine) Rumor(ctx context.Context, id string) (Rumor, error) {
	var out Rumor
	err := e.store.View(ctx, func(tx Tx) error {
		r, err := tx.GetRumor(ctx, id)
		if errors.Is(err, ErrNotFound) || (err == nil && r.Deleted) {
			return notFoundf("rumor %s", id)
		}
		if err != nil {
			return fmt.Errorf("load rumor: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return Rumor{}, err
	}
	return out, nil
}
