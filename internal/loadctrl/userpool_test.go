package loadctrl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopUntilStopped is a UserFunc that idles like a user with long think time.
func loopUntilStopped(ctx context.Context, u *User) {
	for u.Wait(ctx, 5*time.Millisecond) {
	}
}

func TestUserPool_RampUp(t *testing.T) {
	pool := NewUserPool(UserPoolConfig{Users: 5}, loopUntilStopped)

	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.CurrentSize() == 5 }, time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, 5, stats.Active)
	assert.Equal(t, 5, stats.Target)
	assert.Equal(t, int64(5), stats.Spawned)
	assert.Equal(t, int64(0), stats.Stopped)
}

func TestUserPool_SpawnRatePacing(t *testing.T) {
	pool := NewUserPool(UserPoolConfig{Users: 5, SpawnRate: 20}, loopUntilStopped)

	start := time.Now()
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.CurrentSize() == 5 }, 2*time.Second, 5*time.Millisecond)

	// First user is immediate, the other four wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestUserPool_UniqueUsers(t *testing.T) {
	var mu sync.Mutex
	ids := map[string]bool{}
	indexes := map[int]bool{}

	pool := NewUserPool(UserPoolConfig{Users: 10}, func(ctx context.Context, u *User) {
		mu.Lock()
		ids[u.ID] = true
		indexes[u.Index] = true
		mu.Unlock()
		loopUntilStopped(ctx, u)
	})

	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.CurrentSize() == 10 }, time.Second, 5*time.Millisecond)
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ids, 10)
	for i := range 10 {
		assert.True(t, indexes[i], "missing index %d", i)
	}
}

func TestUserPool_StopWaitsForCurrentJourney(t *testing.T) {
	var finished atomic.Int32
	var cancelled atomic.Int32

	pool := NewUserPool(UserPoolConfig{Users: 3, StopTimeout: time.Second}, func(ctx context.Context, u *User) {
		for !u.Stopping() {
			// A journey that ignores stop requests but honours cancellation.
			select {
			case <-time.After(30 * time.Millisecond):
			case <-ctx.Done():
				cancelled.Add(1)
				return
			}
		}
		finished.Add(1)
	})

	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.CurrentSize() == 3 }, time.Second, 5*time.Millisecond)

	pool.Stop()

	assert.Equal(t, int32(3), finished.Load())
	assert.Equal(t, int32(0), cancelled.Load())
	assert.Equal(t, int64(3), pool.Stats().Stopped)
	assert.Equal(t, int64(0), pool.Stats().Stopping)
}

func TestUserPool_StopTimeoutCancels(t *testing.T) {
	var cancelled atomic.Int32

	pool := NewUserPool(UserPoolConfig{Users: 2, StopTimeout: 20 * time.Millisecond}, func(ctx context.Context, u *User) {
		<-ctx.Done()
		cancelled.Add(1)
	})

	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.CurrentSize() == 2 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	pool.Stop()

	assert.Equal(t, int32(2), cancelled.Load())
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestUserPool_RespawnsExitedUsers(t *testing.T) {
	var runs atomic.Int32

	pool := NewUserPool(UserPoolConfig{Users: 1}, func(ctx context.Context, u *User) {
		if runs.Add(1) == 1 {
			return
		}
		loopUntilStopped(ctx, u)
	})

	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pool.CurrentSize() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), pool.Stats().Spawned)
}

func TestUserPool_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewUserPool(UserPoolConfig{Users: 3}, func(ctx context.Context, u *User) {
		<-ctx.Done()
	})

	pool.Start(ctx)
	require.Eventually(t, func() bool { return pool.Stats().Spawned == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return pool.Stats().Stopped == 3 }, time.Second, 5*time.Millisecond)
	pool.Stop()
}

func TestUser_Wait(t *testing.T) {
	u := &User{stopCh: make(chan struct{})}

	assert.True(t, u.Wait(context.Background(), 0))
	assert.True(t, u.Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, u.Wait(ctx, time.Hour))

	close(u.stopCh)
	assert.True(t, u.Stopping())
	assert.False(t, u.Wait(context.Background(), time.Hour))
}
