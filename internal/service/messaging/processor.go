// Package messaging is the client side of the relay: an ordered,
// deduplicated, predicate-routed dispatch pipeline for inbound envelopes and
// a poll/send service feeding it.
package messaging

import (
	"context"
	"errors"
	"slices"
	"sync"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/utils/log"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 20
	// DefaultDedupSize bounds the memory of already dispatched envelope ids.
	DefaultDedupSize = 8192
)

// ErrDeferred marks a recoverable state: the envelope stays pending and is
// dispatched again on the next tick. Handlers must be idempotent under retry.
var ErrDeferred = errors.New("messaging: dispatch deferred")

type (
	Predicate func(env *envelope.Envelope) bool
	Handler   func(ctx context.Context, env *envelope.Envelope) error
	// Filter runs before any handler. A non-deferred error rejects the
	// envelope.
	Filter func(ctx context.Context, env *envelope.Envelope) error

	// Rejection is an envelope the pipeline refused, with the reason.
	Rejection struct {
		Envelope *envelope.Envelope
		Err      error
	}
)

type attemptKey struct{}

type attempt struct {
	n, max int
}

// FinalAttempt reports whether the envelope being dispatched is dropped if it
// is deferred again. Handlers use it to give up gracefully instead of
// deferring. It is true outside a dispatch.
func FinalAttempt(ctx context.Context) bool {
	a, ok := ctx.Value(attemptKey{}).(attempt)
	return !ok || a.n >= a.max
}

type route struct {
	id        uint64
	predicate Predicate
	handler   Handler
}

type pending struct {
	env      *envelope.Envelope
	attempts int
}

// Processor dispatches envelopes to registered (predicate, handler) pairs in
// registration order.
type Processor struct {
	mu        sync.Mutex
	routes    []route
	nextRoute uint64
	filters   []Filter
	onReject  []func(Rejection)

	queue      []*pending
	queued     map[string]struct{}
	dispatched *lru.Cache

	maxAttempts int

	// serialises Process calls
	processMu sync.Mutex
}

type ProcessorOption func(*Processor)

func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) { p.maxAttempts = n }
}

func NewProcessor(opts ...ProcessorOption) *Processor {
	cache, err := lru.New(DefaultDedupSize)
	if err != nil {
		panic(err)
	}
	p := &Processor{
		queued:      make(map[string]struct{}),
		dispatched:  cache,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a route and returns a func removing it.
func (p *Processor) Register(pred Predicate, handler Handler) (unregister func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextRoute++
	id := p.nextRoute
	p.routes = append(p.routes, route{id: id, predicate: pred, handler: handler})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, r := range p.routes {
			if r.id == id {
				p.routes = append(p.routes[:i:i], p.routes[i+1:]...)
				return
			}
		}
	}
}

func (p *Processor) AddFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// OnReject registers a callback for refused envelopes.
func (p *Processor) OnReject(fn func(Rejection)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReject = append(p.onReject, fn)
}

// Merge queues a fetched batch. The batch is ordered SECRET_KEY first, then
// by sequence key; envelopes already queued or dispatched are dropped.
func (p *Processor) Merge(batch []*envelope.Envelope) int {
	sorted := make([]*envelope.Envelope, 0, len(batch))
	for _, env := range batch {
		if env != nil {
			sorted = append(sorted, env)
		}
	}
	envelope.SortForDispatch(sorted)

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, env := range sorted {
		id := env.ID()
		if _, ok := p.queued[id]; ok {
			continue
		}
		if p.dispatched.Contains(id) {
			continue
		}
		p.queued[id] = struct{}{}
		p.queue = append(p.queue, &pending{env: env})
		added++
	}
	return added
}

// Pending returns the number of queued envelopes.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Process dispatches every queued envelope once, in queue order. Deferred
// envelopes stay queued in place.
func (p *Processor) Process(ctx context.Context) {
	p.processMu.Lock()
	defer p.processMu.Unlock()

	p.mu.Lock()
	work := p.queue
	p.queue = nil
	p.mu.Unlock()

	var keep []*pending
	for i, item := range work {
		if ctx.Err() != nil {
			keep = append(keep, work[i:]...)
			break
		}
		item.attempts++
		actx := context.WithValue(ctx, attemptKey{}, attempt{n: item.attempts, max: p.maxAttempts})
		if p.dispatch(actx, item.env) {
			p.finish(item.env)
			continue
		}
		if item.attempts >= p.maxAttempts {
			log.Warn("dropping envelope after repeated deferral",
				zap.String("id", item.env.ID()), zap.Int("attempts", item.attempts))
			p.reject(Rejection{Envelope: item.env, Err: ErrDeferred})
			p.finish(item.env)
			continue
		}
		keep = append(keep, item)
	}

	p.mu.Lock()
	p.queue = append(keep, p.queue...)
	p.mu.Unlock()
}

func (p *Processor) finish(env *envelope.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queued, env.ID())
	p.dispatched.Add(env.ID(), struct{}{})
}

// dispatch reports false when the envelope must be retried.
func (p *Processor) dispatch(ctx context.Context, env *envelope.Envelope) bool {
	p.mu.Lock()
	filters := slices.Clone(p.filters)
	p.mu.Unlock()

	for _, f := range filters {
		if err := f(ctx, env); err != nil {
			if errors.Is(err, ErrDeferred) {
				return false
			}
			p.reject(Rejection{Envelope: env, Err: err})
			return true
		}
	}

	p.mu.Lock()
	var handlers []Handler
	for _, r := range p.routes {
		if r.predicate(env) {
			handlers = append(handlers, r.handler)
		}
	}
	p.mu.Unlock()

	done := true
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			if errors.Is(err, ErrDeferred) {
				done = false
				continue
			}
			log.Error("handler failed", zap.String("id", env.ID()),
				zap.String("type", string(env.Type())), zap.Error(err))
		}
	}
	return done
}

func (p *Processor) reject(r Rejection) {
	log.Warn("envelope rejected", zap.String("id", r.Envelope.ID()),
		zap.String("sender", r.Envelope.SenderID()), zap.Error(r.Err))

	p.mu.Lock()
	callbacks := slices.Clone(p.onReject)
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn(r)
	}
}
