package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	apperr "github.com/koopa0/system-design/trivia-lobby/pkg/errors"
)

const (
	codeMin         = 10000
	codeMax         = 99999
	maxCodeAttempts = 64
)

// 鎖順序：大廳鎖 → 目錄鎖。持有目錄鎖時絕不去拿已註冊大廳的鎖。

// Directory 大廳目錄：代碼 → 大廳
type Directory struct {
	lobbies   map[string]*Lobby
	mu        sync.RWMutex
	logger    *slog.Logger
	now       Clock
	sink      ScoreSink
	codeMin   int
	codeSpan  int
	onDestroy []func(l *Lobby, reason string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// DirectoryOption 目錄選項
type DirectoryOption func(*Directory)

// WithDirectoryClock 替換時鐘
func WithDirectoryClock(now Clock) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

// WithScoreSink 新大廳的排行榜會把分數鏡像到 sink
func WithScoreSink(sink ScoreSink) DirectoryOption {
	return func(d *Directory) { d.sink = sink }
}

// WithCodeSpace 限制代碼範圍 [lo, hi]
func WithCodeSpace(lo, hi int) DirectoryOption {
	return func(d *Directory) {
		d.codeMin = lo
		d.codeSpan = hi - lo + 1
	}
}

// NewDirectory 創建大廳目錄
func NewDirectory(logger *slog.Logger, opts ...DirectoryOption) *Directory {
	d := &Directory{
		lobbies:  make(map[string]*Lobby),
		logger:   logger,
		now:      time.Now,
		codeMin:  codeMin,
		codeSpan: codeMax - codeMin + 1,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnDestroy 註冊大廳移除時的回呼
//
// 回呼在持有該大廳鎖時執行，不得再呼叫 With。
func (d *Directory) OnDestroy(fn func(l *Lobby, reason string)) {
	d.onDestroy = append(d.onDestroy, fn)
}

// Create 以建立者為唯一成員兼管理員創建大廳
//
// then 在大廳鎖內執行，可用來發送建立後的第一則廣播。
func (d *Directory) Create(username, avatar, connID string, then func(l *Lobby, p *Player)) (*Lobby, *Player, error) {
	now := d.now()

	d.mu.Lock()
	code, err := d.generateCodeLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, nil, err
	}

	lobby := NewLobby(code, now, d.sink)
	// 新大廳尚未對外可見，在目錄鎖內拿它的鎖不會違反鎖順序
	lobby.mu.Lock()
	defer lobby.mu.Unlock()
	d.lobbies[code] = lobby
	d.mu.Unlock()

	player, _, err := lobby.Join(username, avatar, connID, JoinPreGame, now)
	if err != nil {
		d.destroyLocked(lobby, "create_failed")
		return nil, nil, err
	}

	d.logger.Info("lobby created",
		"lobby_code", code,
		"admin", username)

	if then != nil {
		then(lobby, player)
	}

	return lobby, player, nil
}

// Get 以代碼查詢大廳（不上鎖，取得後須經 With 存取狀態）
func (d *Directory) Get(code string) (*Lobby, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lobbies[code]
	return l, ok
}

// With 取得大廳的獨佔鎖後執行 fn
//
// 這是所有大廳狀態變更的唯一入口。取得鎖後會重新確認大廳仍在目錄中，
// 已被移除的大廳回傳 ErrLobbyNotFound，計時器回呼因此可以安全地忽略。
func (d *Directory) With(code string, fn func(l *Lobby) error) error {
	l, ok := d.Get(code)
	if !ok {
		return apperr.ErrLobbyNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return apperr.ErrLobbyNotFound
	}
	return fn(l)
}

// Join 加入已存在的大廳
//
// then 在大廳鎖內、加入成功後執行。isAdmin 以 userID 與目前管理員比對。
func (d *Directory) Join(code, username, avatar, connID string, mode JoinMode, then func(l *Lobby, p *Player, isAdmin bool)) (*Player, bool, error) {
	var (
		player  *Player
		isAdmin bool
	)

	err := d.With(code, func(l *Lobby) error {
		p, reconnected, err := l.Join(username, avatar, connID, mode, d.now())
		if err != nil {
			return err
		}
		player = p
		isAdmin = l.IsAdmin(p.UserID)

		d.logger.Info("player joined lobby",
			"lobby_code", code,
			"user_id", p.UserID,
			"username", username,
			"reconnected", reconnected)

		if then != nil {
			then(l, p, isAdmin)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return player, isAdmin, nil
}

// DestroyLocked 移除大廳，呼叫者須持有該大廳的鎖（在 With 內呼叫）
func (d *Directory) DestroyLocked(l *Lobby, reason string) {
	d.destroyLocked(l, reason)
}

func (d *Directory) destroyLocked(l *Lobby, reason string) {
	if l.closed {
		return
	}
	l.closed = true
	l.stopTimer()

	d.mu.Lock()
	if current, ok := d.lobbies[l.Code]; ok && current == l {
		delete(d.lobbies, l.Code)
	}
	d.mu.Unlock()

	for _, fn := range d.onDestroy {
		fn(l, reason)
	}

	d.logger.Info("lobby destroyed",
		"lobby_code", l.Code,
		"reason", reason)
}

// Reap 移除所有建立超過 maxAge 的大廳，不論狀態
func (d *Directory) Reap(maxAge time.Duration) int {
	cutoff := d.now().Add(-maxAge)

	d.mu.RLock()
	var expired []*Lobby
	for _, l := range d.lobbies {
		if l.CreatedAt.Before(cutoff) {
			expired = append(expired, l)
		}
	}
	d.mu.RUnlock()

	removed := 0
	for _, l := range expired {
		l.mu.Lock()
		if !l.closed {
			d.destroyLocked(l, "expired")
			removed++
		}
		l.mu.Unlock()
	}

	if removed > 0 {
		d.logger.Info("reaped idle lobbies", "count", removed)
	}
	return removed
}

// StartReaper 啟動定期回收
func (d *Directory) StartReaper(interval, maxAge time.Duration) {
	d.wg.Add(1)
	go d.reapLoop(interval, maxAge)
}

// reapLoop 定期回收過期大廳
func (d *Directory) reapLoop(interval, maxAge time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Reap(maxAge)
		case <-d.stopCh:
			return
		}
	}
}

// Stop 停止回收並移除所有大廳
func (d *Directory) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()

	d.mu.RLock()
	all := make([]*Lobby, 0, len(d.lobbies))
	for _, l := range d.lobbies {
		all = append(all, l)
	}
	d.mu.RUnlock()

	for _, l := range all {
		l.mu.Lock()
		d.destroyLocked(l, "server_shutdown")
		l.mu.Unlock()
	}

	d.logger.Info("lobby directory stopped")
}

// Count 目前註冊的大廳數
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lobbies)
}

// Stats 獲取統計資訊
func (d *Directory) Stats() map[string]any {
	d.mu.RLock()
	all := make([]*Lobby, 0, len(d.lobbies))
	for _, l := range d.lobbies {
		all = append(all, l)
	}
	d.mu.RUnlock()

	stateCount := make(map[LobbyState]int)
	totalPlayers := 0
	connected := 0
	for _, l := range all {
		l.mu.Lock()
		if !l.closed {
			stateCount[l.state]++
			totalPlayers += len(l.players)
			connected += len(l.ConnectedPlayers())
		}
		l.mu.Unlock()
	}

	return map[string]any{
		"total_lobbies":     len(all),
		"total_players":     totalPlayers,
		"connected_players": connected,
		"by_state":          stateCount,
	}
}

// generateCodeLocked 隨機抽取未使用的代碼，呼叫者須持有 d.mu 寫鎖
//
// 先隨機重試；代碼空間接近飽和時改從隨機起點線性尋找，
// 因此只有在空間真正耗盡時才會失敗。
func (d *Directory) generateCodeLocked() (string, error) {
	if len(d.lobbies) >= d.codeSpan {
		return "", apperr.ErrCodeSpaceExhausted
	}

	start := randInt(d.codeSpan)
	for i := 0; i < maxCodeAttempts; i++ {
		code := d.formatCode(randInt(d.codeSpan))
		if _, taken := d.lobbies[code]; !taken {
			return code, nil
		}
	}

	for i := 0; i < d.codeSpan; i++ {
		code := d.formatCode((start + i) % d.codeSpan)
		if _, taken := d.lobbies[code]; !taken {
			return code, nil
		}
	}

	return "", apperr.ErrCodeSpaceExhausted
}

func (d *Directory) formatCode(offset int) string {
	return fmt.Sprintf("%05d", d.codeMin+offset)
}

// randInt 產生 [0, n) 的均勻隨機數
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand 失敗時退回時間作為隨機源
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
