package trust

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRollsBackFailedUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertRumor(ctx, Rumor{ID: "r1", Status: StatusActive}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		_, err := tx.GetRumor(ctx, "r1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.View(ctx, func(tx Tx) error {
		return tx.InsertRumor(ctx, Rumor{ID: "r1"})
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestMemoryStoreVoteUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertVote(ctx, Vote{ID: "v1", RumorID: "r1", VoterHash: identity(1), Type: VoteVerify}); err != nil {
			return err
		}
		return tx.InsertVote(ctx, Vote{ID: "v2", RumorID: "r1", VoterHash: identity(1), Type: VoteDispute})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSnapshotStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "rumors.json")
	ctx := context.Background()

	s, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	e := NewEngine(s)
	r, err := e.SubmitRumor(ctx, SubmitRequest{Content: "persisted", Identity: identity(1), Confidence: 0.5})
	require.NoError(t, err)
	_, err = e.CastVote(ctx, VoteRequest{RumorID: r.ID, Identity: identity(2), Type: VoteVerify, Confidence: 1})
	require.NoError(t, err)

	reopened, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	got, err := NewEngine(reopened).Rumor(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
	assert.Equal(t, 1, got.VerifyCount)
	assert.InDelta(t, 0.15, got.TrustScore, 1e-12)
}

func TestUnchangedUpdateSkipsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rumors.json")
	ctx := context.Background()

	s, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	e := NewEngine(s, WithClock(clockwork.NewFakeClockAt(epoch)))
	r, err := e.SubmitRumor(ctx, SubmitRequest{Content: "kept", Identity: identity(1), Confidence: 1})
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, os.Remove(path))

	// A sweep that finds nothing to do, and a lookup of an existing identity.
	listing, err := e.ListRumors(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Sweep.Ran)
	assert.Equal(t, SweepReport{Ran: true}, listing.Sweep)
	_, err = e.Credibility(ctx, identity(1))
	require.NoError(t, err)
	assert.NoFileExists(t, path)

	_, err = e.CastVote(ctx, VoteRequest{RumorID: r.ID, Identity: identity(2), Type: VoteVerify, Confidence: 1})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSnapshotFailureLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	s, err := OpenSnapshotStore(filepath.Join(blocker, "rumors.json"))
	require.NoError(t, err)

	// The snapshot directory cannot be created over a regular file.
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err = NewEngine(s).SubmitRumor(context.Background(), SubmitRequest{Content: "x", Identity: identity(1), Confidence: 1})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))

	require.NoError(t, s.View(context.Background(), func(tx Tx) error {
		rs, err := tx.ListRumors(context.Background())
		assert.Empty(t, rs)
		_, cerr := tx.GetCredibility(context.Background(), identity(1))
		assert.ErrorIs(t, cerr, ErrNotFound)
		return err
	}))
}

func TestSnapshotUpgradeFromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rumors.json")
	legacy := map[string]any{
		"version": 1,
		"rumors": map[string]any{
			"a": map[string]any{"id": "a", "content": "live"},
			"b": map[string]any{"id": "b", "content": "gone", "deleted": true},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	assert.Equal(t, snapshotVersion, s.state.Version)
	assert.Equal(t, StatusActive, s.state.Rumors["a"].Status)
	assert.Equal(t, StatusArchived, s.state.Rumors["b"].Status)
	assert.NotNil(t, s.state.Votes)
	assert.NotNil(t, s.state.Credibility)
}
