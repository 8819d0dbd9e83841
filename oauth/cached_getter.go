package oauth

import (
	"context"
	"sync"
	"time"
)

const getterDeadline = 30 * time.Second

// GetOptions control how a CachedGetter satisfies one Get call.
type GetOptions struct {
	// NoCache forces a refresh, ignoring any stored value.
	NoCache bool

	// AllowStale accepts a stored value even when it is stale.
	AllowStale bool
}

// CachedGetterConfig wires a CachedGetter to its backing store and refresh
// logic. ReadStored, Refresh, and IsStale are required.
type CachedGetterConfig[K comparable, V any] struct {
	// ReadStored loads the current stored value, or (nil, nil) when absent.
	ReadStored func(ctx context.Context, key K) (*V, error)

	// Refresh produces a fresh value, given the stored value (possibly nil).
	// When persist is true the result is written back through WriteStored.
	Refresh func(ctx context.Context, key K, stored *V) (val *V, persist bool, err error)

	// IsStale reports whether a stored value needs refreshing.
	IsStale func(val *V) bool

	WriteStored  func(ctx context.Context, key K, val V) error
	DeleteStored func(ctx context.Context, key K) error

	// DeleteOnError decides whether a refresh error invalidates the stored
	// value (eg, a permanently revoked grant).
	DeleteOnError func(err error) bool

	// Lock, when set, serializes the whole store-read/refresh/store-write
	// sequence across processes.
	Lock func(ctx context.Context, key K, fn func(ctx context.Context) error) error

	// OnUpdated and OnDeleted fire after the corresponding store write, at
	// most once per refresh.
	OnUpdated func(ctx context.Context, key K, val V)
	OnDeleted func(ctx context.Context, key K, cause error)
}

// CachedGetter coalesces concurrent Get calls per key: one caller (the owner)
// performs the store read and any refresh, and the rest wait on its result.
// There is no in-memory value cache; the store is the single source of truth,
// so multi-process deployments stay coherent.
type CachedGetter[K comparable, V any] struct {
	cfg CachedGetterConfig[K, V]

	mu      sync.Mutex
	flights map[K]*getterFlight[V]
}

type getterFlight[V any] struct {
	done chan struct{}

	// set before done is closed
	val *V
	err error

	// the value came straight from the store without a refresh
	fromStore bool
}

func NewCachedGetter[K comparable, V any](cfg CachedGetterConfig[K, V]) *CachedGetter[K, V] {
	return &CachedGetter[K, V]{
		cfg:     cfg,
		flights: make(map[K]*getterFlight[V]),
	}
}

// Get returns the value for key, refreshing it when needed. Concurrent calls
// for the same key share one refresh. Joining callers whose options are not
// satisfied by the shared result (eg, a NoCache caller joining a flight that
// resolved from the store) start a fresh flight rather than accept it.
func (g *CachedGetter[K, V]) Get(ctx context.Context, key K, opts GetOptions) (*V, error) {
	for {
		g.mu.Lock()
		fl, ok := g.flights[key]
		if !ok {
			fl = &getterFlight[V]{done: make(chan struct{})}
			g.flights[key] = fl
			g.mu.Unlock()

			g.runFlight(ctx, key, opts, fl)
			return fl.val, fl.err
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fl.done:
		}

		if fl.err != nil {
			return nil, fl.err
		}
		if g.accepts(fl, opts) {
			return fl.val, nil
		}
		// result does not satisfy this caller's options; try again as owner
	}
}

func (g *CachedGetter[K, V]) accepts(fl *getterFlight[V], opts GetOptions) bool {
	if !fl.fromStore {
		// freshly refreshed and persisted; good for everyone
		return true
	}
	if opts.NoCache {
		return false
	}
	if opts.AllowStale {
		return true
	}
	return fl.val == nil || !g.cfg.IsStale(fl.val)
}

func (g *CachedGetter[K, V]) runFlight(ctx context.Context, key K, opts GetOptions, fl *getterFlight[V]) {
	defer func() {
		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()
		close(fl.done)
	}()

	ctx, cancel := context.WithTimeout(ctx, getterDeadline)
	defer cancel()

	do := func(ctx context.Context) error {
		val, fromStore, err := g.resolve(ctx, key, opts)
		fl.val, fl.fromStore, fl.err = val, fromStore, err
		return err
	}
	if g.cfg.Lock != nil {
		if err := g.cfg.Lock(ctx, key, do); err != nil && fl.err == nil {
			fl.err = err
		}
		return
	}
	_ = do(ctx)
}

func (g *CachedGetter[K, V]) resolve(ctx context.Context, key K, opts GetOptions) (*V, bool, error) {
	// always read the store first; even a forced refresh needs the stored
	// value as its starting point
	stored, err := g.cfg.ReadStored(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if stored != nil && !opts.NoCache && (opts.AllowStale || !g.cfg.IsStale(stored)) {
		return stored, true, nil
	}

	val, persist, err := g.cfg.Refresh(ctx, key, stored)
	if err != nil {
		if g.cfg.DeleteOnError != nil && g.cfg.DeleteOnError(err) {
			if g.cfg.DeleteStored != nil {
				if delErr := g.cfg.DeleteStored(ctx, key); delErr == nil && g.cfg.OnDeleted != nil {
					g.cfg.OnDeleted(ctx, key, err)
				}
			}
		}
		return nil, false, err
	}
	if persist && val != nil {
		if g.cfg.WriteStored != nil {
			if err := g.cfg.WriteStored(ctx, key, *val); err != nil {
				return nil, false, err
			}
		}
		if g.cfg.OnUpdated != nil {
			g.cfg.OnUpdated(ctx, key, *val)
		}
	}
	return val, false, nil
}
