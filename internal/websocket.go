package internal

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把 WebSocket 的讀寫與大廳邏輯分開？
//
// 設計方案：
//   ✅ 每條連線兩個 goroutine：readPump 把訊息交給 Coordinator，writePump 從 Conn 的發送緩衝寫出
//   ✅ Ping 由 LivenessMonitor 統一排程，這裡只提供探測函式並在收到 Pong 時標記存活
//   ✅ 讀取結束（任何原因）一律 Conn.Close，斷線清理只走一條路徑

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// WebSocketHub WebSocket 傳輸層
type WebSocketHub struct {
	coordinator *Coordinator
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	sendBuffer  int
	readTimeout time.Duration
}

// NewWebSocketHub 創建 WebSocket Hub
//
// allowedOrigins 為空時接受任何來源。
func NewWebSocketHub(coordinator *Coordinator, cfg *Config, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		coordinator: coordinator,
		logger:      logger,
		sendBuffer:  cfg.Game.SendBuffer,
		// 心跳兩個週期都沒有任何讀取 → 讀取端自行放棄
		readTimeout: 2*cfg.Game.HeartbeatInterval + writeWait,
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(cfg.Server.AllowedOrigins),
	}
	return hub
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(u.Scheme + "://" + u.Host)
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(strings.TrimSuffix(a, "/"), host)
		})
	}
}

// ServeWS 升級連線並啟動讀寫 goroutine
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	conn := NewConn(hub.sendBuffer)
	conn.SetPinger(func() error {
		return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	})

	hub.coordinator.Connect(conn)

	go hub.writePump(conn, ws)
	go hub.readPump(conn, ws)

	hub.logger.Info("websocket connected",
		"conn_id", conn.ID,
		"remote_addr", r.RemoteAddr)
}

// readPump 讀取客戶端訊息
func (hub *WebSocketHub) readPump(conn *Conn, ws *websocket.Conn) {
	// 底層連線由 writePump 在送出 close frame 後關閉
	defer conn.Close()

	ws.SetReadLimit(maxMessageSize)
	hub.extendDeadline(conn, ws)

	ws.SetPongHandler(func(string) error {
		conn.MarkAlive()
		hub.extendDeadline(conn, ws)
		return nil
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Warn("websocket read error",
					"conn_id", conn.ID,
					"error", err)
			}
			return
		}

		hub.extendDeadline(conn, ws)
		if messageType == websocket.TextMessage {
			hub.coordinator.HandleMessage(conn, message)
		}
	}
}

func (hub *WebSocketHub) extendDeadline(conn *Conn, ws *websocket.Conn) {
	if err := ws.SetReadDeadline(time.Now().Add(hub.readTimeout)); err != nil {
		hub.logger.Debug("set read deadline failed", "conn_id", conn.ID, "error", err)
	}
}

// writePump 把發送緩衝中的訊息寫到客戶端
//
// Conn 關閉後送出 close frame 並結束；寫入失敗則關閉 Conn。
func (hub *WebSocketHub) writePump(conn *Conn, ws *websocket.Conn) {
	defer ws.Close()

	for {
		select {
		case message := <-conn.Outbox():
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				hub.logger.Debug("websocket write failed", "conn_id", conn.ID, "error", err)
				conn.Close()
				return
			}

		case <-conn.Done():
			hub.drain(conn, ws)
			// 嘗試發送關閉訊息，忽略錯誤（連線可能已斷）
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// drain 關閉前盡量送出已排入緩衝的訊息（例如結算廣播）
func (hub *WebSocketHub) drain(conn *Conn, ws *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return
	}
	for {
		select {
		case message := <-conn.Outbox():
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
