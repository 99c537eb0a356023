package trust

import (
	"context"
	"time"
)

// Store is the persistence boundary of the engine. Update runs fn as one
// atomic read-modify-write unit: either every write inside fn is durably
// persisted before Update returns nil, or none is.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the table-level view of the store available inside a transaction.
// Lookups of absent rows return ErrNotFound; inserting a second vote for the
// same (rumor, voter) returns ErrConflict.
type Tx interface {
	GetRumor(ctx context.Context, id string) (Rumor, error)
	InsertRumor(ctx context.Context, r Rumor) error
	UpdateRumor(ctx context.Context, r Rumor) error
	// ListRumors returns non-deleted rumors, ACTIVE before ARCHIVED and
	// newest first within each status.
	ListRumors(ctx context.Context) ([]Rumor, error)

	GetCredibility(ctx context.Context, identity string) (Credibility, error)
	// InsertCredibility is a no-op when a record for the identity exists.
	InsertCredibility(ctx context.Context, c Credibility) error
	UpdateCredibility(ctx context.Context, c Credibility) error

	HasVote(ctx context.Context, rumorID, voter string) (bool, error)
	InsertVote(ctx context.Context, v Vote) error
	// ListVotes returns every vote on the rumor ordered by voter identity.
	ListVotes(ctx context.Context, rumorID string) ([]Vote, error)

	// ArchiveRumors archives ACTIVE rumors created before cutoff or whose
	// trust score is below trustFloor.
	ArchiveRumors(ctx context.Context, cutoff time.Time, trustFloor float64) (int, error)
	DeleteCredibilityBefore(ctx context.Context, cutoff time.Time) (int, error)
	// DeleteOrphanVotes removes votes whose voter has no credibility record.
	DeleteOrphanVotes(ctx context.Context) (int, error)
}
