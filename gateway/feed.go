package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
)

var validChannels = map[string]bool{
	"heartbeat": true,
	"ticker":    true,
	"level2":    true,
	"full":      true,
	"matches":   true,
	"user":      true,
}

// Channel 一个行情频道及其币对
type Channel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// NewChannel 校验频道名与币对；名称不区分大小写，重复币对合并。
func NewChannel(name string, productIDs ...string) (Channel, error) {
	name = strings.ToLower(name)
	if !validChannels[name] {
		return Channel{}, fmt.Errorf("invalid channel name %q", name)
	}
	seen := make(map[string]bool, len(productIDs))
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return Channel{}, errors.New("channel must include at least one product id")
	}
	return Channel{Name: name, ProductIDs: ids}, nil
}

type subscribeMsg struct {
	Type     string    `json:"type"`
	Channels []Channel `json:"channels"`
}

// Handler 接收一条原始 JSON 行情消息。
type Handler func(msg []byte)

// Feed 订阅一次并把消息交给 Handler，不做解析。
type Feed struct {
	URL         string
	Channels    []Channel
	Header      http.Header
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration // 超过该时间无消息视为断开
	Log         *logger.Logger
	Monitor     *monitor.Monitor
}

// NewFeed 创建行情订阅
func NewFeed(url string, channels ...Channel) *Feed {
	return &Feed{
		URL:         url,
		Channels:    channels,
		Dialer:      websocket.DefaultDialer,
		ReadTimeout: 30 * time.Second,
		Log:         logger.NewNop(),
	}
}

// Run 连接、订阅并阻塞读取，直到 ctx 结束（返回 ctx.Err()）或连接出错。
func (f *Feed) Run(ctx context.Context, handler Handler) error {
	if len(f.Channels) == 0 {
		return errors.New("no channels subscribed")
	}
	log := f.Log
	if log == nil {
		log = logger.NewNop()
	}
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, f.URL, f.Header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	f.Monitor.RecordWSConnection()
	defer f.Monitor.RecordWSDisconnect()

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			closeConn()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Channels: f.Channels}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info("feed subscribed", zap.String("url", f.URL), zap.Int("channels", len(f.Channels)))

	for {
		if f.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.LogError(err, map[string]interface{}{"event": "feed_read"})
			return err
		}
		if handler != nil {
			handler(msg)
		}
	}
}
