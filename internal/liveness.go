package internal

import (
	"log/slog"
	"sync"
	"time"
)

// LivenessMonitor 定期心跳探測
//
// 每個週期：
//   - 上一輪探測後沒有任何回應的連線 → 強制關閉
//   - 其餘連線清除存活旗標並送出新的探測
//
// 強制關閉走 Conn.Close，和客戶端主動斷線是同一條清理路徑
// （玩家斷線處理、管理員轉移、空大廳移除）。
type LivenessMonitor struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLivenessMonitor 建立心跳監控
func NewLivenessMonitor(registry *Registry, interval time.Duration, logger *slog.Logger) *LivenessMonitor {
	return &LivenessMonitor{
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動背景探測
func (m *LivenessMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Sweep 執行一輪探測，回傳被關閉的連線數
func (m *LivenessMonitor) Sweep() int {
	evicted := 0
	for _, c := range m.registry.Snapshot() {
		if !c.alive.Swap(false) {
			m.logger.Info("heartbeat timeout, closing connection",
				"conn_id", c.ID,
				"lobby_code", c.LobbyCode())
			c.Close()
			evicted++
			continue
		}

		if err := c.Ping(); err != nil {
			m.logger.Warn("heartbeat probe failed, closing connection",
				"conn_id", c.ID,
				"error", err)
			c.Close()
			evicted++
		}
	}
	return evicted
}

// Stop 停止探測
func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
