package internal

import (
	"sync"
	"time"
)

// Clock 取得目前時間，測試時可替換
type Clock func() time.Time

// SlidingWindow 滑動視窗限流器
//
// 演算法原理：
//  1. 記錄視窗內每次放行的時間戳記
//  2. 先清掉視窗外的記錄，再看剩餘數量
//  3. 未達上限才放行並記錄；被拒的請求不記錄
//
// 與固定視窗不同，任意一段 window 長度的時間內最多放行 limit 次，
// 不會在視窗邊界出現兩倍流量。
type SlidingWindow struct {
	limit    int
	window   time.Duration
	requests []time.Time
}

// NewSlidingWindow 建立新的滑動視窗限流器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		requests: make([]time.Time, 0, limit),
	}
}

// allow 呼叫者需持有外層鎖
func (sw *SlidingWindow) allow(now time.Time) bool {
	sw.prune(now)

	if len(sw.requests) < sw.limit {
		sw.requests = append(sw.requests, now)
		return true
	}
	return false
}

// prune 移除視窗外的記錄；記錄按時間遞增，找到第一個有效位置即可
func (sw *SlidingWindow) prune(now time.Time) {
	windowStart := now.Add(-sw.window)

	validIdx := len(sw.requests)
	for i, reqTime := range sw.requests {
		if reqTime.After(windowStart) {
			validIdx = i
			break
		}
	}

	if validIdx > 0 {
		sw.requests = sw.requests[validIdx:]
	}
}

// RateLimiter 以 (lobbyCode, userID) 為鍵的分數更新限流器
//
// 放行判斷與狀態更新在同一把鎖內完成，兩個同時到達的請求不會都看到
// 「還剩一個名額」。
type RateLimiter struct {
	limit   int
	window  time.Duration
	now     Clock
	mu      sync.Mutex
	windows map[string]map[string]*SlidingWindow // lobbyCode -> userID -> window
}

// NewRateLimiter 建立限流器
func NewRateLimiter(limit int, window time.Duration, now Clock) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]map[string]*SlidingWindow),
	}
}

// Admit 檢查並記錄一次分數更新
func (rl *RateLimiter) Admit(lobbyCode, userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	users, ok := rl.windows[lobbyCode]
	if !ok {
		users = make(map[string]*SlidingWindow)
		rl.windows[lobbyCode] = users
	}

	sw, ok := users[userID]
	if !ok {
		sw = NewSlidingWindow(rl.limit, rl.window)
		users[userID] = sw
	}

	return sw.allow(rl.now())
}

// Forget 大廳銷毀時釋放其所有視窗
func (rl *RateLimiter) Forget(lobbyCode string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, lobbyCode)
}

// Tracked 回傳目前追蹤中的大廳數（用於監控）
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
