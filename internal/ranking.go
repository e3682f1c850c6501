package internal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ScoreRecord 一筆要累計到外部排名儲存的分數變化
type ScoreRecord struct {
	LobbyCode string
	UserID    string
	Window    WindowKind
	Bucket    int64
	Delta     int64
	At        time.Time
}

// RankingStore 外部排名累計器（例如 Redis Sorted Set）
type RankingStore interface {
	IncrBy(ctx context.Context, records []ScoreRecord) error
}

// RankingEntry 外部累計器中的一筆排名
type RankingEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Points   int64  `json:"points"`
	Rank     int    `json:"rank"`
}

// RankingReader 讀取外部累計器某個時間桶的前幾名
type RankingReader interface {
	Top(ctx context.Context, lobbyCode string, kind WindowKind, bucket int64, n int64) ([]RankingEntry, error)
}

// RankingWriter 非同步、批次寫入外部排名儲存
//
// 分數更新路徑只做一次非阻塞的 channel 寫入，不會在持有大廳鎖時等待 I/O。
// 緩衝區滿時直接丟棄並計數：外部累計器允許落後，記憶體中的總分才是權威。
type RankingWriter struct {
	store      RankingStore
	logger     *slog.Logger
	batchSize  int
	flushEvery time.Duration
	timeout    time.Duration

	buffer  chan ScoreRecord
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
	wg      sync.WaitGroup
}

// NewRankingWriter 建立並啟動批次寫入 worker
func NewRankingWriter(store RankingStore, batchSize int, flushEvery time.Duration, logger *slog.Logger) *RankingWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}

	w := &RankingWriter{
		store:      store,
		logger:     logger,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		timeout:    2 * time.Second,
		buffer:     make(chan ScoreRecord, batchSize*4),
	}

	w.wg.Add(1)
	go w.batchWorker()

	return w
}

// Enqueue 實作 ScoreSink
func (w *RankingWriter) Enqueue(rec ScoreRecord) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	select {
	case w.buffer <- rec:
	default:
		w.dropped.Add(1)
		w.logger.Warn("ranking buffer full, dropping record",
			"lobby_code", rec.LobbyCode,
			"window", rec.Window)
	}
}

// Dropped 因緩衝區滿而丟棄的筆數
func (w *RankingWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Failed 寫入外部儲存失敗的批次數
func (w *RankingWriter) Failed() int64 {
	return w.failed.Load()
}

// batchWorker 批量寫入 worker
func (w *RankingWriter) batchWorker() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	batch := make([]ScoreRecord, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		merged := mergeRecords(batch)

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.IncrBy(ctx, merged)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("failed to write ranking batch",
				"records", len(merged),
				"error", err)
		}

		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Shutdown 停止接收並寫出剩餘資料
func (w *RankingWriter) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.buffer)
	w.mu.Unlock()

	w.wg.Wait()
}

// mergeRecords 合併同一個 (大廳, 視窗, 桶, 玩家) 的變化，保留首次出現的順序
func mergeRecords(batch []ScoreRecord) []ScoreRecord {
	type key struct {
		lobby  string
		window WindowKind
		bucket int64
		user   string
	}

	index := make(map[key]int, len(batch))
	merged := make([]ScoreRecord, 0, len(batch))
	for _, rec := range batch {
		k := key{rec.LobbyCode, rec.Window, rec.Bucket, rec.UserID}
		if i, ok := index[k]; ok {
			merged[i].Delta += rec.Delta
			merged[i].At = rec.At
			continue
		}
		index[k] = len(merged)
		merged = append(merged, rec)
	}
	return merged
}
