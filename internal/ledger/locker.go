package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/logger"
	"github.com/google/uuid"
)

// Locker serializes purchases of one product. Lock blocks until the key is
// held or ctx is done, and returns the matching unlock func.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// MutexLocker is an in-process Locker with one channel per key. A slot is
// dropped once no holder or waiter refers to it.
type MutexLocker struct {
	mu    sync.Mutex
	slots map[string]*mutexSlot
}

type mutexSlot struct {
	ch   chan struct{}
	refs int
}

// NewMutexLocker returns an empty in-process locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{slots: make(map[string]*mutexSlot)}
}

func (m *MutexLocker) acquire(key string) *mutexSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &mutexSlot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *MutexLocker) release(key string, s *mutexSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

func (m *MutexLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquire(key)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				m.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds product locks in Redis so several service replicas
// can share one ledger.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker wraps a client. ttl bounds how long a crashed holder can
// block a product.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 20 * time.Millisecond}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			var once sync.Once
			return func() { once.Do(func() { r.release(k, token) }) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// release runs on a fresh context so an expired request still unlocks.
func (r *RedisLocker) release(key, token string) {
	n, err := releaseScript.Run(context.Background(), r.client, []string{key}, token).Int()
	if err != nil {
		logger.Warningf("Release of lock %s failed: %v", key, err)
		return
	}
	if n == 0 {
		logger.Warningf("Lock %s expired before release; another holder may have overlapped", key)
	}
}
