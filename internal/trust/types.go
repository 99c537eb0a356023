package trust

import (
	"time"

	"rumord.dev/internal/ids"
)

// Status is the lifecycle state of a rumor.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// VoteType is the direction of a vote.
type VoteType string

const (
	VoteVerify  VoteType = "verify"
	VoteDispute VoteType = "dispute"
)

// Valid reports whether v is one of the known vote types.
func (v VoteType) Valid() bool { return v == VoteVerify || v == VoteDispute }

// Direction is +1 for verify and -1 for dispute.
func (v VoteType) Direction() float64 {
	if v == VoteVerify {
		return 1
	}
	return -1
}

// Rumor is a short anonymous claim and its running trust score.
// Counts only grow; TrustScore is the submission's initial contribution plus
// the sum of every recorded vote impact.
type Rumor struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"timestamp"`
	VerifyCount     int       `json:"verify_count"`
	DisputeCount    int       `json:"dispute_count"`
	WeightedVerify  float64   `json:"weighted_verify"`
	WeightedDispute float64   `json:"weighted_dispute"`
	TrustScore      float64   `json:"trust_score"`
	Deleted         bool      `json:"deleted"`
	Archived        bool      `json:"archived"`
	Status          Status    `json:"status"`
	SubmitterHash   string    `json:"submitter_hash"`
}

// TotalVotes is the number of votes recorded on the rumor.
func (r Rumor) TotalVotes() int { return r.VerifyCount + r.DisputeCount }

// Votable reports whether the rumor still accepts votes.
func (r Rumor) Votable() bool { return !r.Deleted && !r.Archived && r.Status == StatusActive }

// Vote is a single weighted verify/dispute vote. At most one exists per
// (RumorID, VoterHash).
type Vote struct {
	ID         string    `json:"id"`
	RumorID    string    `json:"rumor_id"`
	VoterHash  string    `json:"voter_hash"`
	Type       VoteType  `json:"vote_type"`
	CreatedAt  time.Time `json:"timestamp"`
	Weight     float64   `json:"vote_weight"`
	Confidence float64   `json:"confidence"`
}

// Credibility is the long-term influence of one identity.
type Credibility struct {
	Identity     string    `json:"identity"`
	Score        float64   `json:"credibility"`
	TotalVotes   int       `json:"total_votes"`
	AlignedVotes int       `json:"aligned_votes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"last_updated"`
}

// AlignmentRate is AlignedVotes/TotalVotes, or 0 before any evaluation.
func (c Credibility) AlignmentRate() float64 {
	if c.TotalVotes == 0 {
		return 0
	}
	return float64(c.AlignedVotes) / float64(c.TotalVotes)
}

func newID(at time.Time) string {
	return ids.NewAt(at)
}
