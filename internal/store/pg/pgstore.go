package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rumord.dev/internal/trust"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

const defaultMaxRetries = 5

type Store struct {
	db         *sql.DB
	maxRetries int
}

var _ trust.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db, maxRetries: defaultMaxRetries} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Update runs fn in a read-committed transaction. Rumor and credibility
// rows read inside fn are locked until commit. Transactions aborted by
// deadlock detection or a serialization failure are re-run from scratch.
func (s *Store) Update(ctx context.Context, fn func(trust.Tx) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.update(ctx, fn)
		if retryable(err) && attempt < s.maxRetries {
			continue
		}
		return err
	}
}

func (s *Store) update(ctx context.Context, fn func(trust.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(trust.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx   *sql.Tx
	lock bool
}

func (t *pgTx) forUpdate() string {
	if t.lock {
		return " for update"
	}
	return ""
}

const rumorColumns = `id, content, created_at, verify_count, dispute_count, weighted_verify, weighted_dispute, trust_score, deleted, archived, status, submitter_hash`

type scanner interface {
	Scan(dest ...any) error
}

func scanRumor(row scanner) (trust.Rumor, error) {
	var r trust.Rumor
	var status string
	err := row.Scan(&r.ID, &r.Content, &r.CreatedAt, &r.VerifyCount, &r.DisputeCount,
		&r.WeightedVerify, &r.WeightedDispute, &r.TrustScore, &r.Deleted, &r.Archived, &status, &r.SubmitterHash)
	if err != nil {
		return trust.Rumor{}, err
	}
	r.Status = trust.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (t *pgTx) GetRumor(ctx context.Context, id string) (trust.Rumor, error) {
	row := t.tx.QueryRowContext(ctx, `select `+rumorColumns+` from rumors where id=$1`+t.forUpdate(), id)
	r, err := scanRumor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.Rumor{}, trust.ErrNotFound
	}
	return r, err
}

func (t *pgTx) InsertRumor(ctx context.Context, r trust.Rumor) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into rumors(`+rumorColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.ID, r.Content, r.CreatedAt, r.VerifyCount, r.DisputeCount, r.WeightedVerify, r.WeightedDispute,
		r.TrustScore, r.Deleted, r.Archived, string(r.Status), r.SubmitterHash)
	return mapErr(err)
}

func (t *pgTx) UpdateRumor(ctx context.Context, r trust.Rumor) error {
	res, err := t.tx.ExecContext(ctx, `
		update rumors
		set verify_count=$2, dispute_count=$3, weighted_verify=$4, weighted_dispute=$5,
		    trust_score=$6, deleted=$7, archived=$8, status=$9
		where id=$1
	`, r.ID, r.VerifyCount, r.DisputeCount, r.WeightedVerify, r.WeightedDispute,
		r.TrustScore, r.Deleted, r.Archived, string(r.Status))
	return affectedOne(res, err)
}

func (t *pgTx) ListRumors(ctx context.Context) ([]trust.Rumor, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+rumorColumns+`
		from rumors
		where not deleted
		order by case status when 'ACTIVE' then 0 else 1 end, created_at desc, id desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []trust.Rumor
	for rows.Next() {
		r, err := scanRumor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (t *pgTx) GetCredibility(ctx context.Context, identity string) (trust.Credibility, error) {
	var c trust.Credibility
	err := t.tx.QueryRowContext(ctx, `
		select identity, score, total_votes, aligned_votes, created_at, updated_at
		from credibility where identity=$1`+t.forUpdate(), identity).
		Scan(&c.Identity, &c.Score, &c.TotalVotes, &c.AlignedVotes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.Credibility{}, trust.ErrNotFound
	}
	if err != nil {
		return trust.Credibility{}, err
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

func (t *pgTx) InsertCredibility(ctx context.Context, c trust.Credibility) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into credibility(identity, score, total_votes, aligned_votes, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (identity) do nothing
	`, c.Identity, c.Score, c.TotalVotes, c.AlignedVotes, c.CreatedAt, c.UpdatedAt)
	return err
}

func (t *pgTx) UpdateCredibility(ctx context.Context, c trust.Credibility) error {
	res, err := t.tx.ExecContext(ctx, `
		update credibility
		set score=$2, total_votes=$3, aligned_votes=$4, updated_at=$5
		where identity=$1
	`, c.Identity, c.Score, c.TotalVotes, c.AlignedVotes, c.UpdatedAt)
	return affectedOne(res, err)
}

func (t *pgTx) HasVote(ctx context.Context, rumorID, voter string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `
		select exists(select 1 from votes where rumor_id=$1 and voter_hash=$2)
	`, rumorID, voter).Scan(&ok)
	return ok, err
}

func (t *pgTx) InsertVote(ctx context.Context, v trust.Vote) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into votes(id, rumor_id, voter_hash, vote_type, weight, confidence, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, v.ID, v.RumorID, v.VoterHash, string(v.Type), v.Weight, v.Confidence, v.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) ListVotes(ctx context.Context, rumorID string) ([]trust.Vote, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select id, rumor_id, voter_hash, vote_type, weight, confidence, created_at
		from votes
		where rumor_id=$1
		order by voter_hash asc
	`, rumorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []trust.Vote
	for rows.Next() {
		var v trust.Vote
		var typ string
		if err := rows.Scan(&v.ID, &v.RumorID, &v.VoterHash, &typ, &v.Weight, &v.Confidence, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Type = trust.VoteType(typ)
		v.CreatedAt = v.CreatedAt.UTC()
		res = append(res, v)
	}
	return res, rows.Err()
}

func (t *pgTx) ArchiveRumors(ctx context.Context, cutoff time.Time, trustFloor float64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		update rumors
		set status='ARCHIVED', archived=true
		where status='ACTIVE' and (created_at < $1 or trust_score < $2)
	`, cutoff, trustFloor)
	return affected(res, err)
}

func (t *pgTx) DeleteCredibilityBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `delete from credibility where updated_at < $1`, cutoff)
	return affected(res, err)
}

func (t *pgTx) DeleteOrphanVotes(ctx context.Context) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		delete from votes v
		where not exists (select 1 from credibility c where c.identity = v.voter_hash)
	`)
	return affected(res, err)
}

// --- helpers ---
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", trust.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// retryable reports whether err aborted the transaction in a way that a
// fresh attempt can succeed.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == deadlockDetected || pgErr.Code == serializationFailure
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func affectedOne(res sql.Result, err error) error {
	n, err := affected(res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return trust.ErrNotFound
	}
	return nil
}
