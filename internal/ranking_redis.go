package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRankingStore 以 Redis Sorted Set 實作視窗累計器
//
// Key 格式：{prefix}:leaderboard:{lobbyCode}:{window}:{bucket}
// member 為 userID，score 為該桶內的累計分數。
// 每個 key 在其時間桶結束後再保留一個視窗寬度，之後由 Redis 自動過期。
type RedisRankingStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRankingStore 建立 Redis 排名儲存
func NewRedisRankingStore(client *redis.Client, prefix string) *RedisRankingStore {
	return &RedisRankingStore{client: client, prefix: prefix}
}

// Key 計算 Sorted Set 的 key
func (s *RedisRankingStore) Key(lobbyCode string, kind WindowKind, bucket int64) string {
	return fmt.Sprintf("%s:leaderboard:%s:%s:%d", s.prefix, lobbyCode, kind, bucket)
}

// IncrBy 以 pipeline 一次送出整批 ZINCRBY
func (s *RedisRankingStore) IncrBy(ctx context.Context, records []ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	expiries := make(map[string]time.Time)
	for _, rec := range records {
		key := s.Key(rec.LobbyCode, rec.Window, rec.Bucket)
		pipe.ZIncrBy(ctx, key, float64(rec.Delta), rec.UserID)

		width := rec.Window.Width()
		bucketEnd := time.Unix((rec.Bucket+1)*int64(width/time.Second), 0)
		expiries[key] = bucketEnd.Add(width)
	}
	for key, at := range expiries {
		pipe.ExpireAt(ctx, key, at)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Top 讀取某個桶的前 n 名（分數遞減）
func (s *RedisRankingStore) Top(ctx context.Context, lobbyCode string, kind WindowKind, bucket int64, n int64) ([]RankingEntry, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.Key(lobbyCode, kind, bucket), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}

	entries := make([]RankingEntry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, RankingEntry{
			UserID: member,
			Points: int64(z.Score),
			Rank:   i + 1,
		})
	}
	return entries, nil
}
