// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件管理 Redis 與 NATS 測試容器（testcontainers），容器在測試結束時自動清理。
// 需要 Docker；`go test -short` 或 Docker 不可用時相關測試會被跳過。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/koopa0/system-design/trivia-lobby/pkg/logger"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	RedisContainer *tcredis.RedisContainer
	RedisAddr      string
	Logger         *slog.Logger
	ctx            context.Context
}

// SetupRedis 啟動 Redis 容器並建立客戶端
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    // 使用 env.RedisClient
//	}
func SetupRedis(t testing.TB) *TestEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	env := &TestEnvironment{
		ctx:    ctx,
		Logger: logger.NewWithWriter(os.Stdout, "warn", "text", false), // 測試時減少日誌噪音
	}

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		tc.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		// 沒有 Docker 的環境直接跳過
		t.Skipf("redis container unavailable: %v", err)
	}
	env.RedisContainer = redisContainer

	t.Cleanup(func() {
		env.Cleanup()
	})

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	env.WaitForRedis(t, 10*time.Second)

	return env
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}

	if env.RedisContainer != nil {
		_ = tc.TerminateContainer(env.RedisContainer)
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(env.ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// WaitForRedis 等待 Redis 就緒
func (env *TestEnvironment) WaitForRedis(t testing.TB, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(env.ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for redis")
		case <-ticker.C:
			if err := env.RedisClient.Ping(ctx).Err(); err == nil {
				return
			}
		}
	}
}

// NATSEnvironment NATS 測試環境
type NATSEnvironment struct {
	Container tc.Container
	URL       string
}

// SetupNATS 啟動 NATS 容器，回傳 nats:// 連線位址
func SetupNATS(t testing.TB) *NATSEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor: wait.ForLog("Server is ready").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}

	t.Cleanup(func() {
		_ = tc.TerminateContainer(container)
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}

	return &NATSEnvironment{Container: container, URL: url}
}
