package userlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockSerializesSameUser(t *testing.T) {
	locker := NewMemory()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "user-1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				current := atomic.LoadInt32(&maxInside)
				if n <= current || atomic.CompareAndSwapInt32(&maxInside, current, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, locker.locks)
}

func TestMemoryLockDifferentUsersDoNotBlock(t *testing.T) {
	locker := NewMemory()
	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestMemoryLockHonoursContext(t *testing.T) {
	locker := NewMemory()
	unlock, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Empty(t, locker.locks)
}

func TestMemoryLockRejectsEmptyKey(t *testing.T) {
	_, err := NewMemory().Lock(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

var (
	_ Locker = (*Memory)(nil)
	_ Locker = (*Redis)(nil)
	_ Locker = (*observed)(nil)
)

func TestLockerReleasesThroughInterface(t *testing.T) {
	var locker Locker = NewMemory()
	unlock, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err = locker.Lock(ctx, "a")
	require.NoError(t, err)
	unlock()
}
