package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const accountLockPrefix = "lock:account:"

// LockOptions tunes how account locks are taken.
type LockOptions struct {
	// Expiry bounds how long a crashed holder can block an account.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 50 * time.Millisecond,
	}
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisLocker serializes settlement per account across processes with
// redsync mutexes keyed by account id.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts LockOptions
}

func NewRedisLocker(client redis.UniversalClient, opts LockOptions) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

// LockAccounts takes one lock per id, in the order given. The caller owns the
// ordering; on any failure the locks already held are released.
func (l *RedisLocker) LockAccounts(ctx context.Context, ids ...string) (func(), error) {
	held := make([]*redsync.Mutex, 0, len(ids))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// a lock that already expired is not an error worth surfacing
			_, _ = held[i].UnlockContext(context.Background())
		}
	}

	for _, id := range ids {
		mutex := l.rs.NewMutex(
			accountLockPrefix+id,
			redsync.WithExpiry(l.opts.Expiry),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
		)
		if err := mutex.LockContext(ctx); err != nil {
			release()
			return nil, fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		held = append(held, mutex)
	}

	return release, nil
}

// MemoryLocker is the in-process counterpart of RedisLocker for a single
// instance deployment and for tests.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *MemoryLocker) LockAccounts(ctx context.Context, ids ...string) (func(), error) {
	held := make([]chan struct{}, 0, len(ids))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range ids {
		ch := l.slot(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("failed to lock account %s: %w", id, ctx.Err())
		}
	}

	return release, nil
}
