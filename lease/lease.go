// Package lease implements the short-TTL, advisory, self-expiring
// per-key leases used to serialise the flush scheduler against mutators
// and loaders. Leases are never themselves a source of contention errors
// visible to callers — a failed acquisition simply means "try again
// later".
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cachehouse/wbcache/keyspace"
)

// DefaultTTL is the lease lifetime used when no TTL is specified.
const DefaultTTL = 10 * time.Second

// releaseScript performs a compare-and-delete: the lease is removed only
// if its current value still matches the holder's identifier. go-redis
// has no built-in CAS-delete command, so this is the standard
// EVAL-a-small-Lua-script idiom the client itself documents.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Manager grants and revokes leases against a single cache connection.
type Manager struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL as the Manager's default lease lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager returns a Manager backed by client.
func NewManager(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{client: client, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Announce unconditionally writes a fresh lease with the Manager's
// default TTL, telling the scheduler "leave this key alone for now".
func (m *Manager) Announce(ctx context.Context, key string) error {
	return m.AnnounceTTL(ctx, key, m.ttl)
}

// AnnounceTTL is Announce with an explicit TTL.
func (m *Manager) AnnounceTTL(ctx context.Context, key string, ttl time.Duration) error {
	id := uuid.New().String()
	if err := m.client.Set(ctx, keyspace.LeaseKey(key), id, ttl).Err(); err != nil {
		return fmt.Errorf("lease: announce %s failed: %w", key, err)
	}
	return nil
}

// TryAcquire sets the lease only if absent. On success it returns the
// fresh identifier and true; on contention it returns "", false, nil.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	id := uuid.New().String()
	ok, err := m.client.SetNX(ctx, keyspace.LeaseKey(key), id, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lease: try_acquire %s failed: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return id, true, nil
}

// TryRelease deletes the lease iff its current value still equals id.
// It reports whether the release happened.
func (m *Manager) TryRelease(ctx context.Context, key, id string) (bool, error) {
	res, err := m.client.Eval(ctx, releaseScript, []string{keyspace.LeaseKey(key)}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: try_release %s failed: %w", key, err)
	}
	return res == 1, nil
}

// Get returns the current lease identifier for key, or "" if unleased.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	id, err := m.client.Get(ctx, keyspace.LeaseKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease: get %s failed: %w", key, err)
	}
	return id, nil
}
