package trust

import (
	"math"
	"time"
)

const daysPerMonth = 30.44

// Policy holds every constant of the scoring model.
type Policy struct {
	InitialCredibility   float64
	MinCredibility       float64
	MaxCredibility       float64
	AlignedReward        float64
	ConfidentMissFactor  float64
	HighConfidence       float64
	LowConfidencePenalty float64
	SubmitterPenalty     float64

	ConsensusThreshold int

	ArchiveAfter      time.Duration
	ArchiveBelowTrust float64
	IdentityRetention time.Duration

	MinConfidence    float64
	MaxConfidence    float64
	MaxContentLength int
}

// DefaultPolicy returns the production scoring model.
func DefaultPolicy() Policy {
	return Policy{
		InitialCredibility:   0.1,
		MinCredibility:       0.05,
		MaxCredibility:       3.0,
		AlignedReward:        0.02,
		ConfidentMissFactor:  0.8,
		HighConfidence:       0.7,
		LowConfidencePenalty: 0.01,
		SubmitterPenalty:     0.1,

		ConsensusThreshold: 5,

		ArchiveAfter:      time.Duration(7 * daysPerMonth * float64(24*time.Hour)),
		ArchiveBelowTrust: -0.8,
		IdentityRetention: 365 * 24 * time.Hour,

		MinConfidence:    0.1,
		MaxConfidence:    1.0,
		MaxContentLength: 500,
	}
}

// clampCredibility bounds c to [MinCredibility, MaxCredibility].
func (p Policy) clampCredibility(c float64) float64 {
	return math.Min(p.MaxCredibility, math.Max(p.MinCredibility, c))
}

// nextCredibility applies one alignment outcome to c. Reward is additive and
// small; a confident miss is multiplicative, a hesitant miss is a small step.
func (p Policy) nextCredibility(c float64, aligned, highConfidence bool) float64 {
	switch {
	case aligned:
		c += p.AlignedReward
	case highConfidence:
		c *= p.ConfidentMissFactor
	default:
		c -= p.LowConfidencePenalty
	}
	return p.clampCredibility(c)
}

func (p Policy) isHighConfidence(confidence float64) bool {
	return confidence > p.HighConfidence
}

func (p Policy) validConfidence(confidence float64) bool {
	return !math.IsNaN(confidence) && confidence >= p.MinConfidence && confidence <= p.MaxConfidence
}
