// Package redisstore provides a Redis-backed oauth.ClientAuthStore, plus a
// Redis-based oauth.SessionLocker for serializing token refreshes across
// processes sharing the store.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atproto-tools/oauth-client-go/oauth"
	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "oauth/session/"
	requestKeyPrefix = "oauth/request/"

	// pending auth requests expire on their own; a callback that never
	// arrives should not leak store entries
	authRequestTTL = 10 * time.Minute
)

// Store persists sessions and pending auth requests in Redis as JSON values.
// Sessions have no TTL; they live until sign-out or deletion.
type Store struct {
	client redis.UniversalClient
}

var _ oauth.ClientAuthStore = (*Store)(nil)

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Client exposes the underlying Redis client, for sharing the connection
// with a Locker.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// NewFromURL connects to Redis using a redis:// URL and verifies the
// connection before returning.
func NewFromURL(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client), nil
}

func (s *Store) GetSession(ctx context.Context, did syntax.DID) (*oauth.SessionData, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+did.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess oauth.SessionData
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %w", oauth.ErrSessionCorrupt, err)
	}
	return &sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess oauth.SessionData) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKeyPrefix+sess.AccountDID.String(), raw, 0).Err()
}

func (s *Store) DeleteSession(ctx context.Context, did syntax.DID) error {
	return s.client.Del(ctx, sessionKeyPrefix+did.String()).Err()
}

func (s *Store) GetAuthRequestInfo(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	raw, err := s.client.Get(ctx, requestKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info oauth.AuthRequestData
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) SaveAuthRequestInfo(ctx context.Context, info oauth.AuthRequestData) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, requestKeyPrefix+info.State, raw, authRequestTTL).Err()
}

func (s *Store) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	return s.client.Del(ctx, requestKeyPrefix+state).Err()
}
