package oauth

import (
	"context"
	"sync"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// MemStore is an in-memory ClientAuthStore for development and tests. State
// does not survive process restarts.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[syntax.DID]SessionData
	requests map[string]AuthRequestData
}

var _ ClientAuthStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[syntax.DID]SessionData),
		requests: make(map[string]AuthRequestData),
	}
}

func (s *MemStore) GetSession(ctx context.Context, did syntax.DID) (*SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[did]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *MemStore) SaveSession(ctx context.Context, sess SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.AccountDID] = sess
	return nil
}

func (s *MemStore) DeleteSession(ctx context.Context, did syntax.DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, did)
	return nil
}

func (s *MemStore) GetAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.requests[state]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *MemStore) SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[info.State] = info
	return nil
}

func (s *MemStore) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, state)
	return nil
}
