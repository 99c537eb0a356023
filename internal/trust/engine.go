// Package trust implements the reputation and trust-scoring engine: the
// credibility ledger, the vote processor, the consensus resolver and the
// lifecycle sweeper, on top of a transactional Store.
package trust

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Engine is the entry point for every rumor, vote and credibility operation.
// It is safe for concurrent use; atomicity is delegated to Store.Update.
type Engine struct {
	store    Store
	policy   Policy
	clock    clockwork.Clock
	ledger   *Ledger
	resolver *Resolver

	sweepGate *rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default scoring policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock injects the time source.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSweepInterval limits lifecycle sweeps to at most one per interval,
// measured on the engine clock. Zero sweeps on every listing. A failed sweep
// does not use up the interval.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepGate = rate.NewLimiter(rate.Every(d), 1)
		} else {
			e.sweepGate = nil
		}
	}
}

// NewEngine wires the ledger and resolver over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(e.policy, e.clock)
	e.resolver = NewResolver(e.policy, e.ledger)
	return e
}

// Policy returns the scoring policy in effect.
func (e *Engine) Policy() Policy { return e.policy }

// Ping checks that the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// Credibility returns the identity's credibility record, creating it on
// first lookup.
func (e *Engine) Credibility(ctx context.Context, identity string) (Credibility, error) {
	if identity == "" {
		return Credibility{}, validationf("identity is required")
	}
	var out Credibility
	err := e.store.Update(ctx, func(tx Tx) error {
		c, err := e.ledger.GetOrCreate(ctx, tx, identity)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Credibility{}, err
	}
	return out, nil
}
