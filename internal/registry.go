package internal

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrConnClosed 連線已關閉
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull 連線的發送緩衝已滿（慢消費者）
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnNotFound 註冊表中沒有此連線
	ErrConnNotFound = errors.New("connection not found")
)

// Conn 一條客戶端連線
//
// Conn 不持有大廳，只記住目前附加的 lobbyCode，需要時經目錄查詢。
// send 永不關閉；關閉狀態由 done 表示，避免並發寫入已關閉 channel。
type Conn struct {
	ID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	mu        sync.Mutex
	lobbyCode string
	ping      func() error
	onClose   []func()
}

// NewConn 建立連線，buffer 為發送緩衝大小
func NewConn(buffer int) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Send 非阻塞地放入發送緩衝
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Outbox 待發送的訊息（傳輸層的寫入 goroutine 從這裡讀）
func (c *Conn) Outbox() <-chan []byte {
	return c.send
}

// Done 連線關閉時關閉
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsOpen 連線是否仍開啟
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// LobbyCode 目前附加的大廳代碼
func (c *Conn) LobbyCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyCode
}

// SetLobbyCode 附加到大廳，回傳先前的代碼
func (c *Conn) SetLobbyCode(code string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.lobbyCode
	c.lobbyCode = code
	return prev
}

// ClearLobbyCode 只有在目前代碼等於 code 時才清除
func (c *Conn) ClearLobbyCode(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lobbyCode == code {
		c.lobbyCode = ""
	}
}

// SetPinger 設定心跳探測函式（傳輸層提供）
func (c *Conn) SetPinger(ping func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ping = ping
}

// Ping 發送心跳探測；沒有設定探測函式時視為成功
func (c *Conn) Ping() error {
	c.mu.Lock()
	ping := c.ping
	c.mu.Unlock()

	if ping == nil {
		return nil
	}
	return ping()
}

// MarkAlive 收到探測回應或任何訊息
func (c *Conn) MarkAlive() {
	c.alive.Store(true)
}

// OnClose 註冊關閉時的回呼，只會執行一次
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Close 關閉連線並執行清理回呼
//
// 客戶端主動斷線、傳輸錯誤、心跳逾時都走這裡，清理路徑只有一條。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		callbacks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	})
}

// Registry 連線註冊表：connectionID → Conn
type Registry struct {
	conns  map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry 建立連線註冊表
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// Register 註冊連線，連線關閉時自動移除
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	c.OnClose(func() {
		r.unregister(c.ID)
	})
}

func (r *Registry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get 以 ID 查詢連線
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Send 送訊息給指定連線
func (r *Registry) Send(id string, data []byte) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrConnNotFound
	}
	return c.Send(data)
}

// Snapshot 目前所有連線的複本
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count 連線數
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll 關閉所有連線（停機時使用）
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}
