package userlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/loyalty/internal/config"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("user.lock",
	fx.Provide(New),
)

var ErrEmptyKey = errors.New("user_lock_key_empty")

// Locker serializes balance mutations for a single user.
type Locker interface {
	Lock(ctx context.Context, userID string) (func(), error)
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Redis   *redis.Client           `optional:"true"`
	Metrics *obsmetrics.JobMetrics `optional:"true"`
}

// New picks the redis backend when configured and reachable, otherwise the in-process one.
func New(p Params) Locker {
	log := p.Log.Named("user.lock")
	if strings.EqualFold(p.Config.UserLock.Backend, "redis") && p.Redis != nil {
		log.Info("using redis user lock")
		return &observed{
			backend: "redis",
			inner:   NewRedis(p.Redis, p.Config.UserLock.TTL, p.Config.UserLock.RetryInterval),
			metrics: p.Metrics,
		}
	}
	return &observed{backend: "memory", inner: NewMemory(), metrics: p.Metrics}
}

type observed struct {
	backend string
	inner   Locker
	metrics *obsmetrics.JobMetrics
}

func (o *observed) Lock(ctx context.Context, userID string) (func(), error) {
	start := time.Now()
	unlock, err := o.inner.Lock(ctx, userID)
	o.metrics.ObserveLockWait(o.backend, time.Since(start))
	return unlock, err
}

// Memory is a keyed mutex. Entries are reference counted and dropped when idle.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*memoryLock)}
}

func (m *Memory) Lock(ctx context.Context, userID string) (func(), error) {
	key := strings.TrimSpace(userID)
	if key == "" {
		return nil, ErrEmptyKey
	}

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &memoryLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, l, true) })
	}, nil
}

func (m *Memory) release(key string, l *memoryLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
