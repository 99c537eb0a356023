// Package kv implements trust.Store on an embedded BadgerDB. Records are
// JSON values under the prefixes rumor/, vote/<rumor>/ and cred/. Writers
// use badger's optimistic transactions and are retried on conflict.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"rumord.dev/internal/trust"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory bool

	// SyncWrites fsyncs every commit before it is acknowledged.
	SyncWrites bool

	Logger *slog.Logger

	// MaxRetries bounds how often a conflicting Update is re-run.
	MaxRetries int

	// GCInterval schedules value log GC; zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	// MemTableSize overrides badger's memtable size, which also bounds the
	// size of a single transaction. Zero keeps the default.
	MemTableSize int64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		MaxRetries:     64,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		MaxRetries: 64,
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

type Store struct {
	db         *badger.DB
	maxRetries int
	logger     *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ trust.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
		// Values above the threshold must fit in one batch.
		if limit := cfg.MemTableSize * 15 / 100 / 2; opts.ValueThreshold > limit {
			opts = opts.WithValueThreshold(limit)
		}
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, maxRetries: cfg.MaxRetries, logger: cfg.Logger}
	if s.maxRetries <= 0 {
		s.maxRetries = 1
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log gc", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Update runs fn in a read-write transaction, re-running it from scratch
// when the commit loses an optimistic conflict.
func (s *Store) Update(ctx context.Context, fn func(trust.Tx) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &kvTx{db: s.db, txn: s.db.NewTransaction(true)}
		if err := fn(tx); err != nil {
			tx.txn.Discard()
			// A sweep batch commit can lose a conflict too.
			if errors.Is(err, badger.ErrConflict) && attempt < s.maxRetries {
				continue
			}
			return err
		}
		err := tx.txn.Commit()
		tx.txn.Discard()
		if errors.Is(err, badger.ErrConflict) && attempt < s.maxRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit after %d attempt(s): %w", attempt, err)
		}
		return nil
	}
}

func (s *Store) View(ctx context.Context, fn func(trust.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&kvTx{txn: txn})
	})
}

const (
	rumorPrefix = "rumor/"
	votePrefix  = "vote/"
	credPrefix  = "cred/"
)

func rumorKey(id string) []byte { return []byte(rumorPrefix + id) }

func credKey(identity string) []byte { return []byte(credPrefix + identity) }

func votesKey(rumorID string) []byte { return []byte(votePrefix + rumorID + "/") }

func voteKey(rumorID, voter string) []byte { return []byte(votePrefix + rumorID + "/" + voter) }

type kvTx struct {
	db  *badger.DB
	txn *badger.Txn
}

func (t *kvTx) get(key []byte, dst any) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return trust.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func (t *kvTx) exists(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *kvTx) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set(key, data)
}

// scan decodes every value under prefix into a fresh T.
func scan[T any](t *kvTx, prefix []byte, fn func(key []byte, v T) error) error {
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var v T
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *kvTx) GetRumor(ctx context.Context, id string) (trust.Rumor, error) {
	var r trust.Rumor
	if err := t.get(rumorKey(id), &r); err != nil {
		return trust.Rumor{}, err
	}
	return r, nil
}

func (t *kvTx) InsertRumor(ctx context.Context, r trust.Rumor) error {
	ok, err := t.exists(rumorKey(r.ID))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: rumor %s exists", trust.ErrConflict, r.ID)
	}
	return t.put(rumorKey(r.ID), r)
}

func (t *kvTx) UpdateRumor(ctx context.Context, r trust.Rumor) error {
	ok, err := t.exists(rumorKey(r.ID))
	if err != nil {
		return err
	}
	if !ok {
		return trust.ErrNotFound
	}
	return t.put(rumorKey(r.ID), r)
}

func (t *kvTx) ListRumors(ctx context.Context) ([]trust.Rumor, error) {
	var res []trust.Rumor
	err := scan(t, []byte(rumorPrefix), func(_ []byte, r trust.Rumor) error {
		if !r.Deleted {
			res = append(res, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	trust.SortListing(res)
	return res, nil
}

func (t *kvTx) GetCredibility(ctx context.Context, identity string) (trust.Credibility, error) {
	var c trust.Credibility
	if err := t.get(credKey(identity), &c); err != nil {
		return trust.Credibility{}, err
	}
	return c, nil
}

func (t *kvTx) InsertCredibility(ctx context.Context, c trust.Credibility) error {
	ok, err := t.exists(credKey(c.Identity))
	if err != nil || ok {
		return err
	}
	return t.put(credKey(c.Identity), c)
}

func (t *kvTx) UpdateCredibility(ctx context.Context, c trust.Credibility) error {
	ok, err := t.exists(credKey(c.Identity))
	if err != nil {
		return err
	}
	if !ok {
		return trust.ErrNotFound
	}
	return t.put(credKey(c.Identity), c)
}

func (t *kvTx) HasVote(ctx context.Context, rumorID, voter string) (bool, error) {
	return t.exists(voteKey(rumorID, voter))
}

func (t *kvTx) InsertVote(ctx context.Context, v trust.Vote) error {
	key := voteKey(v.RumorID, v.VoterHash)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: vote %s/%s exists", trust.ErrConflict, v.RumorID, v.VoterHash)
	}
	return t.put(key, v)
}

// ListVotes relies on key order: vote keys end in the voter identity.
func (t *kvTx) ListVotes(ctx context.Context, rumorID string) ([]trust.Vote, error) {
	var res []trust.Vote
	err := scan(t, votesKey(rumorID), func(_ []byte, v trust.Vote) error {
		res = append(res, v)
		return nil
	})
	return res, err
}

func (t *kvTx) ArchiveRumors(ctx context.Context, cutoff time.Time, trustFloor float64) (int, error) {
	var stale []trust.Rumor
	err := scan(t, []byte(rumorPrefix), func(_ []byte, r trust.Rumor) error {
		if r.Status == trust.StatusActive && (r.CreatedAt.Before(cutoff) || r.TrustScore < trustFloor) {
			stale = append(stale, r)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		r.Status = trust.StatusArchived
		r.Archived = true
		data, err := json.Marshal(r)
		if err != nil {
			return 0, err
		}
		key := rumorKey(r.ID)
		if err := t.bulk(func(txn *badger.Txn) error { return txn.Set(key, data) }); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (t *kvTx) DeleteCredibilityBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var keys [][]byte
	err := scan(t, []byte(credPrefix), func(key []byte, c trust.Credibility) error {
		if c.UpdatedAt.Before(cutoff) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), t.deleteAll(keys)
}

func (t *kvTx) DeleteOrphanVotes(ctx context.Context) (int, error) {
	var keys [][]byte
	err := scan(t, []byte(votePrefix), func(key []byte, v trust.Vote) error {
		ok, err := t.exists(credKey(v.VoterHash))
		if err != nil {
			return err
		}
		if !ok {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), t.deleteAll(keys)
}

func (t *kvTx) deleteAll(keys [][]byte) error {
	for _, k := range keys {
		if err := t.bulk(func(txn *badger.Txn) error { return txn.Delete(k) }); err != nil {
			return err
		}
	}
	return nil
}

// bulk applies one write of a sweep. When the transaction is full, the
// writes so far are committed and the rest continue in a fresh transaction.
// Sweep steps are idempotent, so a backlog may land in several commits.
func (t *kvTx) bulk(write func(*badger.Txn) error) error {
	err := write(t.txn)
	if !errors.Is(err, badger.ErrTxnTooBig) || t.db == nil {
		return err
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit sweep batch: %w", err)
	}
	t.txn = t.db.NewTransaction(true)
	return write(t.txn)
}
