package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/oauth"
	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "oauth/lock/"

	// lock expires on its own if the holder dies mid-refresh
	lockTTL = 30 * time.Second

	lockPollInterval = 100 * time.Millisecond
)

// release deletes the lock only if this process still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a Redis-based oauth.SessionLocker: an expiring per-account lock
// acquired with SET NX, so at most one process refreshes a given account's
// tokens at a time.
type Locker struct {
	client redis.UniversalClient
}

var _ oauth.SessionLocker = (*Locker)(nil)

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// WithLock runs fn while holding the account lock, polling until the lock is
// free or ctx expires. The lock value is a random token so a lock that
// expired and was re-acquired elsewhere is never released by the old holder.
func (l *Locker) WithLock(ctx context.Context, did syntax.DID, fn func(ctx context.Context) error) error {
	key := lockKeyPrefix + did.String()
	token := crypto.RandomToken()

	for {
		ok, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquiring session lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer func() {
		// best effort; an expired lock releases itself
		releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token)
	}()

	return fn(ctx)
}
