package internal_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/trivia-lobby/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestRateLimiter_Boundary 測試 10 次放行、第 11 次拒絕、視窗過後恢復
func TestRateLimiter_Boundary(t *testing.T) {
	clock := newFakeClock()
	rl := internal.NewRateLimiter(10, time.Second, clock.Now)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Admit("12345", "u1"), "request %d should be admitted", i+1)
		clock.Advance(50 * time.Millisecond)
	}

	assert.False(t, rl.Admit("12345", "u1"), "11th request inside the window must be rejected")

	// 第一筆記錄在 t=0，推進到 t=1001ms 只有它離開視窗
	clock.Advance(501 * time.Millisecond)
	assert.True(t, rl.Admit("12345", "u1"))
	assert.False(t, rl.Admit("12345", "u1"))

	clock.Advance(2 * time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Admit("12345", "u1"))
	}
}

// TestRateLimiter_RejectedNotRecorded 被拒請求不應延長封鎖
func TestRateLimiter_RejectedNotRecorded(t *testing.T) {
	clock := newFakeClock()
	rl := internal.NewRateLimiter(2, time.Second, clock.Now)

	require.True(t, rl.Admit("11111", "u1"))
	require.True(t, rl.Admit("11111", "u1"))

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		assert.False(t, rl.Admit("11111", "u1"))
	}

	clock.Advance(501 * time.Millisecond)
	assert.True(t, rl.Admit("11111", "u1"))
}

// TestRateLimiter_KeysAreIndependent 不同玩家、不同大廳各自計算
func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	rl := internal.NewRateLimiter(1, time.Second, clock.Now)

	assert.True(t, rl.Admit("11111", "u1"))
	assert.False(t, rl.Admit("11111", "u1"))
	assert.True(t, rl.Admit("11111", "u2"))
	assert.True(t, rl.Admit("22222", "u1"))

	rl.Forget("11111")
	assert.Equal(t, 1, rl.Tracked())
	assert.True(t, rl.Admit("11111", "u1"))
}

// TestRateLimiter_Concurrent 併發下放行數恰好等於上限
func TestRateLimiter_Concurrent(t *testing.T) {
	clock := newFakeClock()
	rl := internal.NewRateLimiter(10, time.Second, clock.Now)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Admit("33333", "u1") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}
