package tokenstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is an alternative Store backend for hosts that run the
// tool façade as more than one process and need the token cache shared
// between them. It implements the same Store interface as
// InMemoryStore, which remains the default and the one exercised by
// the TTL boundary invariants.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisStore wraps an existing redis client. keyPrefix namespaces
// this store's keys within a shared redis instance.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix, clock: time.Now}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + tokenID
}

// Issue stores the token with a redis TTL matching the token's own
// expiry, so redis reclaims memory for tokens nobody ever calls Get on.
func (s *RedisStore) Issue(params IssueParams) *ScopedToken {
	now := s.clock().UnixMilli()
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

	data, err := json.Marshal(token)
	if err != nil {
		return token
	}
	ttl := time.Duration(params.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	_ = s.client.Set(context.Background(), s.key(token.TokenID), data, ttl).Err()
	return token
}

// Get returns the token if redis still holds it and it has not expired
// by wall-clock comparison (belt-and-suspenders alongside redis's own
// TTL eviction, which may lag by up to a second).
func (s *RedisStore) Get(tokenID string) (*ScopedToken, bool) {
	data, err := s.client.Get(context.Background(), s.key(tokenID)).Bytes()
	if err != nil {
		return nil, false
	}
	var token ScopedToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, false
	}
	if s.clock().UnixMilli() >= token.ExpiresAt {
		_ = s.client.Del(context.Background(), s.key(tokenID)).Err()
		return nil, false
	}
	return &token, true
}

// MarkUsed reads, mutates, and rewrites the token, preserving its
// remaining redis TTL.
func (s *RedisStore) MarkUsed(tokenID string) bool {
	ctx := context.Background()
	ttl, err := s.client.TTL(ctx, s.key(tokenID)).Result()
	if err != nil || ttl <= 0 {
		return false
	}
	token, ok := s.Get(tokenID)
	if !ok {
		return false
	}
	token.Used = true
	data, err := json.Marshal(token)
	if err != nil {
		return false
	}
	return s.client.Set(ctx, s.key(tokenID), data, ttl).Err() == nil
}

// PurgeExpired is a no-op for redis: TTL eviction handles reclamation
// natively. It returns 0 to satisfy the Store interface.
func (s *RedisStore) PurgeExpired() int {
	return 0
}

// Size returns the number of keys under this store's prefix. It uses
// SCAN rather than KEYS to avoid blocking a shared redis instance.
func (s *RedisStore) Size() int {
	ctx := context.Background()
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count
}
