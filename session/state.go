package session

import (
	"errors"
	"fmt"
	"time"
)

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // 已连接未认证
	StateLoggedIn
	StateLoggingOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged_in"
	case StateLoggingOut:
		return "logging_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotLoggedIn 当前状态不允许发送该报文。
	ErrNotLoggedIn = errors.New("session: not logged in")
	// ErrHeartbeatTimeout 心跳与 TestRequest 均无回应，会话视为失效。
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")
	// ErrLoggedOut 场所主动登出。
	ErrLoggedOut = errors.New("session: logged out by venue")
	// ErrClosed 本端在登录完成前关闭。
	ErrClosed = errors.New("session: closed")
	// ErrConnectionLost 连接意外结束且传输层未给出原因。
	ErrConnectionLost = errors.New("session: connection lost")
)

// AuthenticationError 登录被拒或超时。
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// Config 会话参数
type Config struct {
	SenderCompID string // API key
	TargetCompID string
	Secret       string // base64
	Passphrase   string

	HeartbeatInterval time.Duration
	HeartbeatGrace    float64 // 宽限倍数
	LogonTimeout      time.Duration
	LogoutTimeout     time.Duration
	// MaxMalformed 连续坏帧达到该值视为失步，断开连接。
	MaxMalformed int
}

// DefaultConfig 返回默认时间参数（凭据需调用方填写）。
func DefaultConfig() Config {
	return Config{
		TargetCompID:      "Coinbase",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    1.5,
		LogonTimeout:      10 * time.Second,
		LogoutTimeout:     2 * time.Second,
		MaxMalformed:      5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TargetCompID == "" {
		c.TargetCompID = def.TargetCompID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatGrace <= 1 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = def.LogonTimeout
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = def.LogoutTimeout
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = def.MaxMalformed
	}
	return c
}

// Validate 检查必填凭据
func (c Config) Validate() error {
	switch {
	case c.SenderCompID == "":
		return errors.New("session config: api key required")
	case c.Secret == "":
		return errors.New("session config: secret required")
	case c.Passphrase == "":
		return errors.New("session config: passphrase required")
	}
	return nil
}
