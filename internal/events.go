package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 大廳生命週期事件
//
// Subject 命名：<prefix>.<lobbyCode>.<eventType>
// 範例：trivia.lobby.48213.game_started
//
// 事件是通知性質（例如給分析或通知服務訂閱），不參與大廳狀態決策；
// 發布失敗只記錄，不影響遊戲流程。
const (
	EventLobbyCreated   = "lobby_created"
	EventGameStarted    = "game_started"
	EventGameEnded      = "game_ended"
	EventLobbyDestroyed = "lobby_destroyed"
)

// LobbyEvent 事件結構
type LobbyEvent struct {
	LobbyID   string         `json:"lobby_id"` // 大廳實例 ID，代碼重複使用時用來區分
	LobbyCode string         `json:"lobby_code"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPublisher 事件發布介面
type EventPublisher interface {
	Publish(ctx context.Context, event *LobbyEvent) error
	Close()
}

// NopPublisher 不發布任何事件（未設定 NATS 時使用）
type NopPublisher struct{}

// Publish 什麼都不做
func (NopPublisher) Publish(context.Context, *LobbyEvent) error { return nil }

// Close 什麼都不做
func (NopPublisher) Close() {}

// NATSPublisher 以 NATS core publish 發布事件
//
// 不使用 JetStream：事件丟失可以接受，不需要持久化與 ACK 等待。
// nats.Conn 內部有寫入緩衝，Publish 不會等待網路往返。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("trivia-lobby"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Subject 事件的 subject
func (p *NATSPublisher) Subject(event *LobbyEvent) string {
	return EventSubject(p.prefix, event)
}

// Publish 序列化後發布
func (p *NATSPublisher) Publish(ctx context.Context, event *LobbyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close 送出緩衝中的事件後關閉連線
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
		p.conn.Close()
	}
}

// EventSubject 組出 <prefix>.<lobbyCode>.<eventType>
func EventSubject(prefix string, event *LobbyEvent) string {
	return fmt.Sprintf("%s.%s.%s", prefix, event.LobbyCode, event.Type)
}
