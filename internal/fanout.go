package internal

import (
	"encoding/json"
	"log/slog"
)

// Fanout 把一則訊息送給大廳內所有連線中的玩家
//
// 單一收件者失敗（連線已關、緩衝滿）只記錄並跳過，不影響其他人，
// 也不回傳錯誤給呼叫者。
type Fanout struct {
	registry *Registry
	logger   *slog.Logger
}

// NewFanout 建立廣播器
func NewFanout(registry *Registry, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		logger:   logger,
	}
}

// PublishLocked 呼叫者須持有大廳鎖，回傳成功送達的人數
func (f *Fanout) PublishLocked(l *Lobby, msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("failed to marshal broadcast", "lobby_code", l.Code, "error", err)
		return 0
	}

	delivered := 0
	for _, p := range l.ConnectedPlayers() {
		if err := f.registry.Send(p.ConnectionID, data); err != nil {
			f.logger.Warn("broadcast delivery failed",
				"lobby_code", l.Code,
				"user_id", p.UserID,
				"conn_id", p.ConnectionID,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}
