package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/trivia-lobby/internal"
	"github.com/koopa0/system-design/trivia-lobby/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑（不存在時使用預設值）")
	logOutput := flag.String("log-output", "stdout", "日誌輸出 (stdout, stderr, 檔案路徑)")
	flag.Parse()

	if err := run(*configPath, *logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// run 啟動服務直到收到信號或伺服器失敗；所有已建立的資源都在返回前釋放
func run(configPath, logOutput string) error {
	// 載入配置
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 設定日誌
	log, err := logger.New(config.Log.Level, config.Log.Format, logOutput, config.Log.Level == "debug")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(log)

	var opts []internal.CoordinatorOption

	// 連接 Redis（可選）：分數鏡像到每小時、每日的 Sorted Set
	var redisClient *redis.Client
	if config.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error("failed to connect to redis", "addr", config.Redis.Addr, "error", err)
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	// 連接 NATS（可選）：大廳生命週期事件，由 coordinator.Stop 關閉
	if config.NATS.URL != "" {
		publisher, err := internal.NewNATSPublisher(config.NATS.URL, config.NATS.SubjectPrefix, log)
		if err != nil {
			log.Error("failed to connect to nats", "url", config.NATS.URL, "error", err)
			return fmt.Errorf("connect nats: %w", err)
		}
		opts = append(opts, internal.WithEventPublisher(publisher))
		log.Info("lobby events enabled", "url", config.NATS.URL, "prefix", config.NATS.SubjectPrefix)
	}

	var rankings *internal.RankingWriter
	if redisClient != nil {
		store := internal.NewRedisRankingStore(redisClient, config.Redis.KeyPrefix)
		rankings = internal.NewRankingWriter(store, config.Redis.BatchSize, config.Redis.FlushEvery, log)
		opts = append(opts,
			internal.WithRankingSink(rankings),
			internal.WithRankingReader(store))
		log.Info("ranking mirror enabled", "addr", config.Redis.Addr)
	}

	coordinator := internal.NewCoordinator(config, log, opts...)
	coordinator.Directory().StartReaper(config.Game.ReapInterval, config.Game.LobbyMaxAge)

	liveness := internal.NewLivenessMonitor(coordinator.Registry(), config.Game.HeartbeatInterval, log)
	liveness.Start()

	// 兩種結束路徑都走同一套收尾；Redis 連線由上面的 defer 最後關閉
	defer func() {
		liveness.Stop()
		coordinator.Stop()

		// 最後送出剩餘的分數批次
		if rankings != nil {
			rankings.Shutdown()
		}
		log.Info("server stopped")
	}()

	hub := internal.NewWebSocketHub(coordinator, config, log)
	handler := internal.NewHandler(coordinator, hub, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"game_duration", config.Game.Duration,
			"heartbeat", config.Game.HeartbeatInterval)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 停止接受新連線
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	return nil
}
