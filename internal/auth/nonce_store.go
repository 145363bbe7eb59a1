package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// NonceStore remembers used nonces until their signature expires. Use
// reports false when addr already used nonce.
type NonceStore interface {
	Use(ctx context.Context, addr common.Address, nonce string, expires time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process. Expired nonces are dropped on
// later calls, so the map only holds nonces whose signatures are still live.
type MemoryNonceStore struct {
	mu        sync.Mutex
	used      map[string]time.Time
	lastPurge time.Time
	now       func() time.Time
}

// NewMemoryNonceStore creates an empty nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{used: make(map[string]time.Time), now: time.Now}
}

var _ NonceStore = (*MemoryNonceStore)(nil)

func (m *MemoryNonceStore) Use(_ context.Context, addr common.Address, nonce string, expires time.Time) (bool, error) {
	now := m.now()
	key := nonceKey(addr, nonce)

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastPurge) >= time.Minute {
		for k, exp := range m.used {
			if !now.Before(exp) {
				delete(m.used, k)
			}
		}
		m.lastPurge = now
	}

	if exp, ok := m.used[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.used[key] = expires
	return true, nil
}

// Len reports how many nonces are remembered.
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// RedisNonceStore shares used nonces across replicas with SET NX.
type RedisNonceStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisNonceStore creates a nonce store on client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, now: time.Now}
}

var _ NonceStore = (*RedisNonceStore)(nil)

func (r *RedisNonceStore) Use(ctx context.Context, addr common.Address, nonce string, expires time.Time) (bool, error) {
	ttl := expires.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return r.client.SetNX(ctx, "shield:nonce:"+nonceKey(addr, nonce), 1, ttl).Result()
}

func nonceKey(addr common.Address, nonce string) string {
	return strings.ToLower(addr.Hex()) + ":" + nonce
}
