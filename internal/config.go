package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PublicBaseURL  string        `yaml:"public_base_url"` // 組 joinUrl 與 QR code
		AllowedOrigins []string      `yaml:"allowed_origins"` // 空 = 不檢查 Origin
	} `yaml:"server"`

	Game struct {
		Duration          time.Duration `yaml:"duration"`           // 單局時長，到期自動結束
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳探測週期
		LobbyMaxAge       time.Duration `yaml:"lobby_max_age"`      // 大廳最長存活時間
		ReapInterval      time.Duration `yaml:"reap_interval"`      // 回收掃描週期
		RateLimit         int           `yaml:"rate_limit"`         // 視窗內最多分數更新次數
		RateWindow        time.Duration `yaml:"rate_window"`
		SendBuffer        int           `yaml:"send_buffer"` // 每個連線的發送緩衝
		QRSize            int           `yaml:"qr_size"`
	} `yaml:"game"`

	Redis struct {
		Addr         string        `yaml:"addr"` // 空 = 不鏡像到 Redis
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		KeyPrefix    string        `yaml:"key_prefix"`
		BatchSize    int           `yaml:"batch_size"`
		FlushEvery   time.Duration `yaml:"flush_interval"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"` // 空 = 不發布事件
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回默認配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.PublicBaseURL = "http://localhost:3000"

	cfg.Game.Duration = 5 * time.Minute
	cfg.Game.HeartbeatInterval = 30 * time.Second
	cfg.Game.LobbyMaxAge = 3 * time.Hour
	cfg.Game.ReapInterval = time.Hour
	cfg.Game.RateLimit = 10
	cfg.Game.RateWindow = time.Second
	cfg.Game.SendBuffer = 256
	cfg.Game.QRSize = 256

	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 100 * time.Millisecond
	cfg.Redis.WriteTimeout = 100 * time.Millisecond
	cfg.Redis.KeyPrefix = "trivia"
	cfg.Redis.BatchSize = 100
	cfg.Redis.FlushEvery = 500 * time.Millisecond

	cfg.NATS.SubjectPrefix = "trivia.lobby"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 依序套用：預設值 → YAML 檔（可選）→ .env → 環境變數
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// 沒有配置檔時只用預設值與環境變數
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		c.Server.PublicBaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("GAME_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid GAME_DURATION %q: %w", v, err)
		}
		c.Game.Duration = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Game.Duration <= 0 {
		problems = append(problems, "game.duration must be positive")
	}
	if c.Game.HeartbeatInterval <= 0 {
		problems = append(problems, "game.heartbeat_interval must be positive")
	}
	if c.Game.LobbyMaxAge <= 0 || c.Game.ReapInterval <= 0 {
		problems = append(problems, "game.lobby_max_age and game.reap_interval must be positive")
	}
	if c.Game.RateLimit <= 0 || c.Game.RateWindow <= 0 {
		problems = append(problems, "game.rate_limit and game.rate_window must be positive")
	}
	if c.Game.SendBuffer <= 0 {
		problems = append(problems, "game.send_buffer must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// JoinURL 組出給玩家掃描或分享的加入連結
func (c *Config) JoinURL(code string) string {
	return strings.TrimRight(c.Server.PublicBaseURL, "/") + "/join?code=" + code
}
