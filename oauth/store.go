package oauth

import (
	"context"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// ClientAuthStore persists OAuth session state. Sessions are keyed by account
// DID; pending auth requests are keyed by their state token.
//
// Get methods return (nil, nil) when no record exists; the caller maps that to
// its own not-found error. Save replaces any existing record whole.
//
// Implementations used from multiple goroutines or processes must make each
// method atomic, but need not provide cross-call transactions; the client
// handles refresh races at a higher level.
type ClientAuthStore interface {
	GetSession(ctx context.Context, did syntax.DID) (*SessionData, error)
	SaveSession(ctx context.Context, sess SessionData) error
	DeleteSession(ctx context.Context, did syntax.DID) error

	GetAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error)
	SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error
	DeleteAuthRequestInfo(ctx context.Context, state string) error
}

// SessionLocker serializes token refreshes for one account across processes.
// Optional; the client falls back to post-hoc store reconciliation when no
// locker is configured, and keeps reconciliation on even with one.
type SessionLocker interface {
	// WithLock runs fn while holding an exclusive per-account lock. The lock
	// must expire on its own if the holder dies.
	WithLock(ctx context.Context, did syntax.DID, fn func(ctx context.Context) error) error
}
