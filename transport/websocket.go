package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket 通过 websocket 二进制帧承载 FIX 字节流。
type WebSocket struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	p    *pump

	writeMu sync.Mutex
}

func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		URL:          url,
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 5 * time.Second,
	}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return &ConnectionError{Op: "connect", Addr: w.URL, Err: ErrAlreadyConnected}
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, w.URL, w.Header)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: w.URL, Err: err}
	}
	w.conn = conn
	w.p = newPump()
	go w.p.run(func() ([]byte, error) {
		_, msg, err := conn.ReadMessage()
		return msg, err
	})
	return nil
}

func (w *WebSocket) Send(frame []byte) error {
	w.mu.Lock()
	conn, p := w.conn, w.p
	w.mu.Unlock()
	if conn == nil || p.stopped() {
		return &SendError{Err: ErrClosed}
	}

	// gorilla 只允许一个并发写者
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (w *WebSocket) Inbound() <-chan []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.p == nil {
		return closedStream
	}
	return w.p.in
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, p := w.conn, w.p
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	p.stop()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (w *WebSocket) Err() error {
	w.mu.Lock()
	p := w.p
	w.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.failure(); err != nil {
		return &ConnectionError{Op: "read", Addr: w.URL, Err: err}
	}
	return nil
}
