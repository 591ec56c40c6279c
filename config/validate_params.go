package config

import "time"

// ValidateParams 验证时间与限流参数的取值范围。
func ValidateParams(cfg AppConfig) error {
	s := cfg.Session
	if s.HeartbeatInterval < time.Second {
		return ErrInvalid("session.heartbeatInterval must be >= 1s")
	}
	if s.HeartbeatGrace <= 1 {
		return ErrInvalid("session.heartbeatGrace must be > 1")
	}
	if s.LogonTimeout <= 0 || s.LogoutTimeout <= 0 {
		return ErrInvalid("session.logonTimeout/logoutTimeout must be > 0")
	}
	if s.MaxMalformed <= 0 {
		return ErrInvalid("session.maxMalformed must be > 0")
	}
	if cfg.Gateway.RateLimit <= 0 || cfg.Gateway.Burst <= 0 {
		return ErrInvalid("gateway.rateLimit/burst must be > 0")
	}
	if cfg.Ops.AlertThrottle < 0 {
		return ErrInvalid("ops.alertThrottle must be >= 0")
	}
	return nil
}
