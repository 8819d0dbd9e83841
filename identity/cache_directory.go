package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheDirectory wraps an inner Directory with two in-process caches: a
// short-lived handle-to-DID cache (handles get repointed between hosts), and
// a longer-lived DID-to-identity cache (documents are comparatively stable).
// Concurrent lookups for the same identifier are coalesced into a single
// inner resolution.
type CacheDirectory struct {
	Inner Directory

	// Negative and error results are cached for this long, regardless of which cache they sit in.
	ErrTTL time.Duration

	handleCache       *expirable.LRU[syntax.Handle, handleEntry]
	identityCache     *expirable.LRU[syntax.DID, identityEntry]
	handleLookupChans sync.Map
	didLookupChans    sync.Map
}

type handleEntry struct {
	Updated time.Time
	DID     syntax.DID
	Err     error
}

type identityEntry struct {
	Updated  time.Time
	Identity *Identity
	Err      error
}

var _ Directory = (*CacheDirectory)(nil)

// NewCacheDirectory wraps inner with caching. Capacity zero means unlimited
// size; a zero TTL means entries never expire.
func NewCacheDirectory(inner Directory, capacity int, handleTTL, identityTTL, errTTL time.Duration) CacheDirectory {
	return CacheDirectory{
		Inner:         inner,
		ErrTTL:        errTTL,
		handleCache:   expirable.NewLRU[syntax.Handle, handleEntry](capacity, nil, handleTTL),
		identityCache: expirable.NewLRU[syntax.DID, identityEntry](capacity, nil, identityTTL),
	}
}

func (d *CacheDirectory) isHandleStale(e *handleEntry) bool {
	return e.Err != nil && time.Since(e.Updated) > d.ErrTTL
}

func (d *CacheDirectory) isIdentityStale(e *identityEntry) bool {
	return e.Err != nil && time.Since(e.Updated) > d.ErrTTL
}

func (d *CacheDirectory) updateHandle(ctx context.Context, h syntax.Handle) handleEntry {
	ident, err := d.Inner.LookupHandle(ctx, h)
	if err != nil {
		he := handleEntry{Updated: time.Now(), Err: err}
		d.handleCache.Add(h, he)
		return he
	}
	he := handleEntry{Updated: time.Now(), DID: ident.DID}
	d.identityCache.Add(ident.DID, identityEntry{Updated: time.Now(), Identity: ident})
	d.handleCache.Add(ident.Handle, he)
	return he
}

// ResolveHandle returns the cached handle mapping, or coalesces a fresh
// resolution via the inner directory.
func (d *CacheDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	entry, ok := d.handleCache.Get(h)
	if ok && !d.isHandleStale(&entry) {
		handleCacheHits.Inc()
		return entry.DID, entry.Err
	}
	handleCacheMisses.Inc()

	// coalesce concurrent requests for the same handle
	res := make(chan struct{})
	val, loaded := d.handleLookupChans.LoadOrStore(h.String(), res)
	if loaded {
		identityRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			entry, ok := d.handleCache.Get(h)
			if ok && !d.isHandleStale(&entry) {
				return entry.DID, entry.Err
			}
			return "", fmt.Errorf("%w: coalesced lookup produced no cache entry", ErrHandleResolutionFailed)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	newEntry := d.updateHandle(ctx, h)

	// waiting callers read the result from the cache
	d.handleLookupChans.Delete(h.String())
	close(res)

	return newEntry.DID, newEntry.Err
}

func (d *CacheDirectory) updateDID(ctx context.Context, did syntax.DID) identityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	entry := identityEntry{Updated: time.Now(), Identity: ident, Err: err}
	d.identityCache.Add(did, entry)
	if err == nil && !ident.Handle.IsInvalidHandle() {
		d.handleCache.Add(ident.Handle, handleEntry{Updated: time.Now(), DID: did})
	}
	return entry
}

func (d *CacheDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	entry, ok := d.identityCache.Get(did)
	if ok && !d.isIdentityStale(&entry) {
		identityCacheHits.Inc()
		return entry.Identity, entry.Err
	}
	identityCacheMisses.Inc()

	res := make(chan struct{})
	val, loaded := d.didLookupChans.LoadOrStore(did.String(), res)
	if loaded {
		identityRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			entry, ok := d.identityCache.Get(did)
			if ok && !d.isIdentityStale(&entry) {
				return entry.Identity, entry.Err
			}
			return nil, fmt.Errorf("%w: coalesced lookup produced no cache entry", ErrDIDResolutionFailed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	newEntry := d.updateDID(ctx, did)

	d.didLookupChans.Delete(did.String())
	close(res)

	return newEntry.Identity, newEntry.Err
}

func (d *CacheDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	ident, err := d.LookupDID(ctx, did)
	if err != nil {
		return nil, err
	}

	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, fmt.Errorf("could not verify handle/DID mapping: %w", err)
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	return ident, nil
}

func (d *CacheDirectory) Lookup(ctx context.Context, atid syntax.AtIdentifier) (*Identity, error) {
	if did, err := atid.AsDID(); err == nil {
		return d.LookupDID(ctx, did)
	}
	if handle, err := atid.AsHandle(); err == nil {
		return d.LookupHandle(ctx, handle)
	}
	return nil, fmt.Errorf("identifier neither a handle nor a DID")
}

// LookupSkipCache bypasses and repopulates both caches for the identifier.
func (d *CacheDirectory) LookupSkipCache(ctx context.Context, atid syntax.AtIdentifier) (*Identity, error) {
	if err := d.Purge(ctx, atid); err != nil {
		return nil, err
	}
	return d.Lookup(ctx, atid)
}

func (d *CacheDirectory) Purge(ctx context.Context, atid syntax.AtIdentifier) error {
	if did, err := atid.AsDID(); err == nil {
		d.identityCache.Remove(did)
		return nil
	}
	if handle, err := atid.AsHandle(); err == nil {
		handle = handle.Normalize()
		if entry, ok := d.handleCache.Get(handle); ok && entry.DID != "" {
			d.identityCache.Remove(entry.DID)
		}
		d.handleCache.Remove(handle)
		return nil
	}
	return fmt.Errorf("identifier neither a handle nor a DID")
}
