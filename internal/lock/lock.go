// Package lock provides a Redis-backed cluster-wide advisory lock with
// token-based ownership and background lease renewal, following the
// "node_id || random" token scheme and compare-and-delete/compare-and-extend
// discipline from the job engine's lock manager contract.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// Lock represents a held lease on a named resource.
type Lock struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	mu      sync.Mutex
	lost    bool
	stopCh  chan struct{}
	stopped bool
}

// IsLost reports whether the background renewer has observed the lock
// being lost (expired or stolen) since acquisition.
func (l *Lock) IsLost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *Lock) markLost() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
}

func (l *Lock) stopRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		if l.stopCh != nil {
			close(l.stopCh)
		}
	}
}

// acquireScript sets key=token with expiry only if key is absent.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
else
	return 0
end
`)

// extendScript extends the TTL only if the stored value still matches token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the key only if the stored value still matches token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Manager issues and renews distributed leases over Redis.
type Manager struct {
	client *redis.Client
	nodeID string
	logger logger.Logger
}

// NewManager constructs a Manager bound to client. Each Manager draws a
// fresh nodeID at construction.
func NewManager(client *redis.Client, log logger.Logger) *Manager {
	return &Manager{
		client: client,
		nodeID: uuid.NewString(),
		logger: log,
	}
}

// NodeID returns this process's node identifier.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Acquire attempts to take the lock on key, retrying up to `retries` times
// with retryDelay between attempts. Returns (nil, nil) if the lock could
// not be acquired after exhausting retries; returns a non-nil error only
// for transport-level failures.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (*Lock, error) {
	token := m.nodeID + "-" + uuid.NewString()

	for attempt := 0; attempt <= retries; attempt++ {
		ok, err := acquireScript.Run(ctx, m.client, []string{key}, token, ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("lock acquire: %w", err)
		}
		if ok == 1 {
			l := &Lock{
				Key:       key,
				Token:     token,
				ExpiresAt: time.Now().Add(ttl),
				stopCh:    make(chan struct{}),
			}
			go m.renew(l, ttl)
			return l, nil
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, nil
}

// renew extends the lease at ttl/2 intervals for as long as the lock is
// held, in a fire-and-log-failure background goroutine.
func (m *Manager) renew(l *Lock, ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := m.Extend(ctx, l, ttl)
			cancel()
			if err != nil {
				m.logger.Warn("lock renewal failed", logger.String("key", l.Key), logger.Error(err))
				l.markLost()
				return
			}
			if !ok {
				m.logger.Warn("lock lost during renewal", logger.String("key", l.Key))
				l.markLost()
				return
			}
			l.ExpiresAt = time.Now().Add(ttl)
		}
	}
}

// Extend atomically extends l's TTL, but only if the stored value still
// matches its token.
func (m *Manager) Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, m.client, []string{l.Key}, l.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock extend: %w", err)
	}
	return res == 1, nil
}

// Release atomically deletes the lock's key if the stored value still
// matches its token, and stops the renewal goroutine.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	defer l.stopRenewal()
	res, err := releaseScript.Run(ctx, m.client, []string{l.Key}, l.Token).Int()
	if err != nil {
		return false, fmt.Errorf("lock release: %w", err)
	}
	return res == 1, nil
}

// IsLocked reports whether key currently has a holder.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("lock is_locked: %w", err)
	}
	return n > 0, nil
}

// Holder returns the token currently holding key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (string, bool, error) {
	val, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock holder: %w", err)
	}
	return val, true, nil
}

// WithLock acquires key, runs fn, and guarantees release on every exit path.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration, fn func(*Lock) error) error {
	l, err := m.Acquire(ctx, key, ttl, retries, retryDelay)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNotAcquired
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.Release(relCtx, l); err != nil {
			m.logger.Warn("lock release failed", logger.String("key", key), logger.Error(err))
		}
	}()
	return fn(l)
}

// ErrNotAcquired is returned by WithLock when the lock could not be
// acquired after exhausting retries.
var ErrNotAcquired = fmt.Errorf("lock: not acquired")
