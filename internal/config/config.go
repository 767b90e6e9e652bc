package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Browser   BrowserConfig   `yaml:"browser"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// DashboardConfig describes the target trading dashboard. The tenant token is
// a fixed query parameter the dashboard requires on every URL.
type DashboardConfig struct {
	BaseURL     string `yaml:"baseURL"`
	OrdersPath  string `yaml:"ordersPath"`
	LoginPath   string `yaml:"loginPath"`
	TenantToken string `yaml:"tenantToken"`
	// TZOffsetHours shifts the month-start "from" bound of the orders listing
	// URL. The dashboard renders dates in UTC+3.
	TZOffsetHours int `yaml:"tzOffsetHours"`
}

type BrowserConfig struct {
	Headless          bool `yaml:"headless"`
	PageLoadTimeoutMs int  `yaml:"pageLoadTimeoutMs"`
	ElementWaitMs     int  `yaml:"elementWaitMs"`
	ConfirmWaitMs     int  `yaml:"confirmWaitMs"`
	ProbeRetries      int  `yaml:"probeRetries"`
}

func (c BrowserConfig) PageLoadTimeout() time.Duration {
	if c.PageLoadTimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.PageLoadTimeoutMs) * time.Millisecond
}

func (c BrowserConfig) ElementWait() time.Duration {
	if c.ElementWaitMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ElementWaitMs) * time.Millisecond
}

func (c BrowserConfig) ConfirmWait() time.Duration {
	if c.ConfirmWaitMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ConfirmWaitMs) * time.Millisecond
}

type WorkerConfig struct {
	PollIntervalMs    int `yaml:"pollIntervalMs"`
	ErrorBackoffMs    int `yaml:"errorBackoffMs"`
	StopJoinMs        int `yaml:"stopJoinMs"`
	AuthEscalateAfter int `yaml:"authEscalateAfter"`
}

func (c WorkerConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c WorkerConfig) ErrorBackoff() time.Duration {
	if c.ErrorBackoffMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.ErrorBackoffMs) * time.Millisecond
}

func (c WorkerConfig) StopJoin() time.Duration {
	if c.StopJoinMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.StopJoinMs) * time.Millisecond
}

type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowedUsers"`
	// BroadcastQPS caps outgoing messages across all registered chats.
	BroadcastQPS   float64 `yaml:"broadcastQPS"`
	BroadcastBurst int     `yaml:"broadcastBurst"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/claim_engine.db"
	}
	if c.Dashboard.OrdersPath == "" {
		c.Dashboard.OrdersPath = "/trader/orders"
	}
	if c.Dashboard.LoginPath == "" {
		c.Dashboard.LoginPath = "/login"
	}
	if c.Dashboard.TZOffsetHours == 0 {
		c.Dashboard.TZOffsetHours = 3
	}
	if c.Browser.ProbeRetries <= 0 {
		c.Browser.ProbeRetries = 2
	}
	if c.Worker.AuthEscalateAfter <= 0 {
		c.Worker.AuthEscalateAfter = 5
	}
	if c.Telegram.BroadcastQPS <= 0 {
		c.Telegram.BroadcastQPS = 5
	}
	if c.Telegram.BroadcastBurst <= 0 {
		c.Telegram.BroadcastBurst = 10
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Dashboard.BaseURL == "" {
		return errors.New("dashboard.baseURL is required")
	}
	return nil
}
