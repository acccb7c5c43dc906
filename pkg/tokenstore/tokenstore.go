// Package tokenstore implements the in-memory scoped-token store (C6):
// a mapping from token identifier to a short-lived token record with
// TTL semantics.
package tokenstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTLSeconds is the conventional token lifetime, in seconds.
// Issue does not substitute it for a zero TTLSeconds.
const DefaultTTLSeconds = 300

// ScopedToken is a short-lived handle carrying a credential's plaintext
// value to an agent, bound to a policy and agent identity. IssuedAt and
// ExpiresAt are monotonic-wall-clock milliseconds.
type ScopedToken struct {
	TokenID         string
	CredentialName  string
	CredentialValue string
	PolicyName      string
	AgentID         string
	SkillID         string
	Scope           map[string]interface{}
	IssuedAt        int64
	ExpiresAt       int64
	Used            bool
}

// IssueParams are the inputs to Issue.
type IssueParams struct {
	CredentialName  string
	CredentialValue string
	PolicyName      string
	AgentID         string
	SkillID         string
	Scope           map[string]interface{}
	TTLSeconds      int
}

// Store is the token-store contract.
type Store interface {
	Issue(params IssueParams) *ScopedToken
	Get(tokenID string) (*ScopedToken, bool)
	MarkUsed(tokenID string) bool
	PurgeExpired() int
	Size() int
}

// InMemoryStore is the default Store: a mutex-protected map, not shared
// across threads, matching the core's single-threaded-per-owner
// concurrency model. The clock is injectable for deterministic testing
// of TTL boundaries.
type InMemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*ScopedToken
	clock  func() time.Time
}

// NewInMemoryStore returns an empty store using the wall clock.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tokens: make(map[string]*ScopedToken),
		clock:  time.Now,
	}
}

// WithClock overrides the store's clock, for testing TTL boundaries.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

func (s *InMemoryStore) nowMillis() int64 {
	return s.clock().UnixMilli()
}

// Issue stamps issued_at/expires_at and returns a fresh token.
// TTLSeconds is used exactly as given: no default is applied, and a TTL
// of zero yields a token that is already expired on the next Get. The
// wallet pipeline always passes the policy's resolved TTL, which is
// never zero.
func (s *InMemoryStore) Issue(params IssueParams) *ScopedToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	token := &ScopedToken{
		TokenID:         uuid.New().String(),
		CredentialName:  params.CredentialName,
		CredentialValue: params.CredentialValue,
		PolicyName:      params.PolicyName,
		AgentID:         params.AgentID,
		SkillID:         params.SkillID,
		Scope:           params.Scope,
		IssuedAt:        now,
		ExpiresAt:       now + int64(params.TTLSeconds)*1000,
		Used:            false,
	}
	s.tokens[token.TokenID] = token
	return token
}

// Get returns the token if it exists and has not expired, removing
// expired entries lazily on access.
func (s *InMemoryStore) Get(tokenID string) (*ScopedToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, false
	}
	if s.nowMillis() >= token.ExpiresAt {
		delete(s.tokens, tokenID)
		return nil, false
	}
	return token, true
}

// MarkUsed sets used=true without changing expiry. It is idempotent:
// repeated calls return true as long as the token has not been purged.
func (s *InMemoryStore) MarkUsed(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return false
	}
	if s.nowMillis() >= token.ExpiresAt {
		delete(s.tokens, tokenID)
		return false
	}
	token.Used = true
	return true
}

// PurgeExpired removes every expired entry and returns the count
// removed. It is idempotent.
func (s *InMemoryStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	removed := 0
	for id, token := range s.tokens {
		if now >= token.ExpiresAt {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed
}

// Size returns the current number of tokens held, including any not
// yet lazily purged.
func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
