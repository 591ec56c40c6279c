package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"exchange-connect-go/infrastructure/logger"
)

// 场所端点
const (
	FIXAddr        = "fix.pro.coinbase.com:4198"
	SandboxFIXAddr = "fix-public.sandbox.pro.coinbase.com:4198"
	RESTURL        = "https://api.pro.coinbase.com"
	SandboxRESTURL = "https://api-public.sandbox.pro.coinbase.com"
	FeedURL        = "wss://ws-feed.pro.coinbase.com"
	SandboxFeedURL = "wss://ws-feed-public.sandbox.pro.coinbase.com"
)

// 凭据环境变量
const (
	EnvAPIKey     = "FIX_API_KEY"
	EnvAPISecret  = "FIX_API_SECRET"
	EnvPassphrase = "FIX_API_PASSPHRASE"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"` // production 或 sandbox
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Log       logger.Config   `yaml:"log"`
	Ops       OpsConfig       `yaml:"ops"`
}

// SessionConfig FIX 会话参数，时间字段使用 "30s" 形式。
type SessionConfig struct {
	APIKey            string        `yaml:"apiKey"`
	APISecret         string        `yaml:"apiSecret"` // base64
	Passphrase        string        `yaml:"passphrase"`
	TargetCompID      string        `yaml:"targetCompID"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatGrace    float64       `yaml:"heartbeatGrace"`
	LogonTimeout      time.Duration `yaml:"logonTimeout"`
	LogoutTimeout     time.Duration `yaml:"logoutTimeout"`
	MaxMalformed      int           `yaml:"maxMalformed"`
}

type TransportConfig struct {
	Kind               string        `yaml:"kind"` // tcp 或 websocket
	Addr               string        `yaml:"addr"`
	URL                string        `yaml:"url"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	DialTimeout        time.Duration `yaml:"dialTimeout"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
}

type GatewayConfig struct {
	RESTURL   string   `yaml:"restURL"`
	FeedURL   string   `yaml:"feedURL"`
	RateLimit float64  `yaml:"rateLimit"` // 每秒请求数
	Burst     int      `yaml:"burst"`
	Products  []string `yaml:"products"`
	Channels  []string `yaml:"channels"`
	// LoadConstraints 启动时从 /products 拉取步长与数量限制并在下单前校验
	LoadConstraints bool `yaml:"loadConstraints"`
}

type OpsConfig struct {
	Listen        string        `yaml:"listen"`
	Watchdog      bool          `yaml:"watchdog"`
	AlertWebhook  string        `yaml:"alertWebhook"`
	AlertThrottle time.Duration `yaml:"alertThrottle"`
}

// Default 返回生产环境默认值（凭据为空）。
func Default() AppConfig {
	return AppConfig{
		Env: "production",
		Session: SessionConfig{
			TargetCompID:      "Coinbase",
			HeartbeatInterval: 30 * time.Second,
			HeartbeatGrace:    1.5,
			LogonTimeout:      10 * time.Second,
			LogoutTimeout:     2 * time.Second,
			MaxMalformed:      5,
		},
		Transport: TransportConfig{
			Kind:         "tcp",
			Addr:         FIXAddr,
			TLS:          true,
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			RESTURL:   RESTURL,
			FeedURL:   FeedURL,
			RateLimit: 10,
			Burst:     15,
		},
		Log: logger.DefaultConfig(),
		Ops: OpsConfig{Listen: ":9102", AlertThrottle: time.Minute},
	}
}

// UseSandbox 把仍是生产默认值的端点切换到沙盒。
func (c *AppConfig) UseSandbox() {
	c.Env = "sandbox"
	if c.Transport.Addr == FIXAddr {
		c.Transport.Addr = SandboxFIXAddr
	}
	if c.Gateway.RESTURL == RESTURL {
		c.Gateway.RESTURL = SandboxRESTURL
	}
	if c.Gateway.FeedURL == FeedURL {
		c.Gateway.FeedURL = SandboxFeedURL
	}
}

// Load reads YAML config from path over the defaults and validates it.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides credentials from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 用环境变量覆盖凭据
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Session.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Session.APISecret = v
	}
	if v := os.Getenv(EnvPassphrase); v != "" {
		cfg.Session.Passphrase = v
	}
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.Env == "sandbox" {
		cfg.UseSandbox()
	}
	return cfg, nil
}
