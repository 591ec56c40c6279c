package config

import (
	"encoding/base64"
	"fmt"

	"go.uber.org/zap/zapcore"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

var feedChannels = map[string]bool{
	"heartbeat": true, "ticker": true, "level2": true,
	"full": true, "matches": true, "user": true,
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	switch cfg.Env {
	case "production", "sandbox":
	default:
		return ErrInvalid(fmt.Sprintf("env must be production or sandbox, got %q", cfg.Env))
	}
	if cfg.Session.APIKey == "" || cfg.Session.APISecret == "" || cfg.Session.Passphrase == "" {
		return ErrInvalid("session.apiKey/apiSecret/passphrase is required (or env overrides)")
	}
	if _, err := base64.StdEncoding.DecodeString(cfg.Session.APISecret); err != nil {
		return ErrInvalid("session.apiSecret must be base64")
	}
	if err := ValidateParams(cfg); err != nil {
		return err
	}
	switch cfg.Transport.Kind {
	case "tcp":
		if cfg.Transport.Addr == "" {
			return ErrInvalid("transport.addr is required for tcp")
		}
	case "websocket":
		if cfg.Transport.URL == "" {
			return ErrInvalid("transport.url is required for websocket")
		}
	default:
		return ErrInvalid(fmt.Sprintf("transport.kind must be tcp or websocket, got %q", cfg.Transport.Kind))
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return ErrInvalid(fmt.Sprintf("log.level: %v", err))
	}
	for _, ch := range cfg.Gateway.Channels {
		if !feedChannels[ch] {
			return ErrInvalid(fmt.Sprintf("gateway.channels: unknown channel %q", ch))
		}
	}
	return nil
}
