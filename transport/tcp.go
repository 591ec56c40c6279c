package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// DialFunc 与 net.Dialer.DialContext 签名一致，测试可注入 net.Pipe。
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TCP 基于 net.Conn 的传输，TLSConfig 非空时在连接后做 TLS 握手。
type TCP struct {
	Addr         string
	TLSConfig    *tls.Config
	Dial         DialFunc
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadBuffer   int

	mu   sync.Mutex
	conn net.Conn
	p    *pump

	writeMu sync.Mutex
}

// NewTCP 创建 TCP 传输；tlsConfig 为 nil 时使用明文。
func NewTCP(addr string, tlsConfig *tls.Config) *TCP {
	return &TCP{
		Addr:         addr,
		TLSConfig:    tlsConfig,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return &ConnectionError{Op: "connect", Addr: t.Addr, Err: ErrAlreadyConnected}
	}

	dial := t.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: t.DialTimeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", t.Addr)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: t.Addr, Err: err}
	}
	if t.TLSConfig != nil {
		cfg := t.TLSConfig.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(t.Addr); err == nil {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return &ConnectionError{Op: "tls handshake", Addr: t.Addr, Err: err}
		}
		conn = tlsConn
	}

	size := t.ReadBuffer
	if size <= 0 {
		size = 4096
	}
	t.conn = conn
	t.p = newPump()
	go t.p.run(func() ([]byte, error) {
		buf := make([]byte, size)
		n, err := conn.Read(buf)
		return buf[:n], err
	})
	return nil
}

func (t *TCP) Send(frame []byte) error {
	t.mu.Lock()
	conn, p := t.conn, t.p
	t.mu.Unlock()
	if conn == nil || p.stopped() {
		return &SendError{Err: ErrClosed}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout))
	}
	if _, err := conn.Write(frame); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (t *TCP) Inbound() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return closedStream
	}
	return t.p.in
}

// Close 幂等；之后可以再次 Connect。
func (t *TCP) Close() error {
	t.mu.Lock()
	conn, p := t.conn, t.p
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	p.stop()
	return conn.Close()
}

func (t *TCP) Err() error {
	t.mu.Lock()
	p := t.p
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.failure(); err != nil {
		return &ConnectionError{Op: "read", Addr: t.Addr, Err: err}
	}
	return nil
}
