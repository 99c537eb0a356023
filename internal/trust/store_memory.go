package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const snapshotVersion = 2

// MemoryStore implements Store in process. Writers are serialized by a
// mutex; each Update works on a copy of the state that replaces the live
// state only after the optional snapshot file has been written.
type MemoryStore struct {
	mu       sync.RWMutex
	state    memState
	snapshot string
}

var _ Store = (*MemoryStore)(nil)

type memState struct {
	Version     int                    `json:"version"`
	Rumors      map[string]Rumor       `json:"rumors"`
	Votes       map[string]Vote        `json:"votes"`
	Credibility map[string]Credibility `json:"credibility"`
}

func newMemState() memState {
	return memState{
		Version:     snapshotVersion,
		Rumors:      make(map[string]Rumor),
		Votes:       make(map[string]Vote),
		Credibility: make(map[string]Credibility),
	}
}

func (s memState) clone() memState {
	out := memState{
		Version:     s.Version,
		Rumors:      make(map[string]Rumor, len(s.Rumors)),
		Votes:       make(map[string]Vote, len(s.Votes)),
		Credibility: make(map[string]Credibility, len(s.Credibility)),
	}
	for k, v := range s.Rumors {
		out.Rumors[k] = v
	}
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	for k, v := range s.Credibility {
		out.Credibility[k] = v
	}
	return out
}

// NewMemoryStore creates an empty, non-durable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// OpenSnapshotStore creates a store persisted to a JSON snapshot at path.
// An existing snapshot is loaded and upgraded to the current version.
func OpenSnapshotStore(path string) (*MemoryStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	s := &MemoryStore{state: newMemState(), snapshot: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var st memState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.state = upgradeSnapshot(st)
	return s, nil
}

// upgradeSnapshot brings older snapshot layouts up to snapshotVersion.
// Version 1 predates rumor status tracking.
func upgradeSnapshot(st memState) memState {
	if st.Rumors == nil {
		st.Rumors = make(map[string]Rumor)
	}
	if st.Votes == nil {
		st.Votes = make(map[string]Vote)
	}
	if st.Credibility == nil {
		st.Credibility = make(map[string]Credibility)
	}
	if st.Version < 2 {
		for id, r := range st.Rumors {
			if r.Status == "" {
				r.Status = StatusActive
				if r.Archived || r.Deleted {
					r.Status = StatusArchived
				}
			}
			st.Rumors[id] = r
		}
	}
	st.Version = snapshotVersion
	return st
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: &s.state, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	if s.snapshot != "" {
		if err := writeSnapshot(s.snapshot, *tx.st); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	s.state = *tx.st
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: &s.state})
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func writeSnapshot(path string, st memState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var errReadOnly = errors.New("write in read-only transaction")

// memTx reads the committed state until its first write, which switches it
// to a private copy. Updates that write nothing neither copy nor persist.
type memTx struct {
	st       *memState
	writable bool
	dirty    bool
}

func (t *memTx) mutate() {
	if !t.dirty {
		work := t.st.clone()
		t.st = &work
		t.dirty = true
	}
}

func voteKey(rumorID, voter string) string { return rumorID + "/" + voter }

func (t *memTx) GetRumor(ctx context.Context, id string) (Rumor, error) {
	r, ok := t.st.Rumors[id]
	if !ok {
		return Rumor{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) InsertRumor(ctx context.Context, r Rumor) error {
	if !t.writable {
		return errReadOnly
	}
	if _, ok := t.st.Rumors[r.ID]; ok {
		return ErrConflict
	}
	t.mutate()
	t.st.Rumors[r.ID] = r
	return nil
}

func (t *memTx) UpdateRumor(ctx context.Context, r Rumor) error {
	if !t.writable {
		return errReadOnly
	}
	if _, ok := t.st.Rumors[r.ID]; !ok {
		return ErrNotFound
	}
	t.mutate()
	t.st.Rumors[r.ID] = r
	return nil
}

func (t *memTx) ListRumors(ctx context.Context) ([]Rumor, error) {
	res := make([]Rumor, 0, len(t.st.Rumors))
	for _, r := range t.st.Rumors {
		if r.Deleted {
			continue
		}
		res = append(res, r)
	}
	SortListing(res)
	return res, nil
}

func (t *memTx) GetCredibility(ctx context.Context, identity string) (Credibility, error) {
	c, ok := t.st.Credibility[identity]
	if !ok {
		return Credibility{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) InsertCredibility(ctx context.Context, c Credibility) error {
	if !t.writable {
		return errReadOnly
	}
	if _, ok := t.st.Credibility[c.Identity]; ok {
		return nil
	}
	t.mutate()
	t.st.Credibility[c.Identity] = c
	return nil
}

func (t *memTx) UpdateCredibility(ctx context.Context, c Credibility) error {
	if !t.writable {
		return errReadOnly
	}
	if _, ok := t.st.Credibility[c.Identity]; !ok {
		return ErrNotFound
	}
	t.mutate()
	t.st.Credibility[c.Identity] = c
	return nil
}

func (t *memTx) HasVote(ctx context.Context, rumorID, voter string) (bool, error) {
	_, ok := t.st.Votes[voteKey(rumorID, voter)]
	return ok, nil
}

func (t *memTx) InsertVote(ctx context.Context, v Vote) error {
	if !t.writable {
		return errReadOnly
	}
	key := voteKey(v.RumorID, v.VoterHash)
	if _, ok := t.st.Votes[key]; ok {
		return ErrConflict
	}
	t.mutate()
	t.st.Votes[key] = v
	return nil
}

func (t *memTx) ListVotes(ctx context.Context, rumorID string) ([]Vote, error) {
	var res []Vote
	for _, v := range t.st.Votes {
		if v.RumorID == rumorID {
			res = append(res, v)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].VoterHash < res[j].VoterHash })
	return res, nil
}

func (t *memTx) ArchiveRumors(ctx context.Context, cutoff time.Time, trustFloor float64) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	var stale []Rumor
	for _, r := range t.st.Rumors {
		if r.Status == StatusActive && (r.CreatedAt.Before(cutoff) || r.TrustScore < trustFloor) {
			stale = append(stale, r)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	t.mutate()
	for _, r := range stale {
		r.Status = StatusArchived
		r.Archived = true
		t.st.Rumors[r.ID] = r
	}
	return len(stale), nil
}

func (t *memTx) DeleteCredibilityBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	var expired []string
	for id, c := range t.st.Credibility {
		if c.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	t.mutate()
	for _, id := range expired {
		delete(t.st.Credibility, id)
	}
	return len(expired), nil
}

func (t *memTx) DeleteOrphanVotes(ctx context.Context) (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	var orphans []string
	for key, v := range t.st.Votes {
		if _, ok := t.st.Credibility[v.VoterHash]; !ok {
			orphans = append(orphans, key)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	t.mutate()
	for _, key := range orphans {
		delete(t.st.Votes, key)
	}
	return len(orphans), nil
}

// SortListing orders rumors by status (ACTIVE before ARCHIVED), then newest
// first, then by descending id so equal timestamps stay stable.
func SortListing(rs []Rumor) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
