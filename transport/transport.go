// Package transport 提供会话层使用的全双工字节流。
// 传输层只保证字节有序，不负责报文边界；成帧由 fix.Framer 完成。
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed 连接未建立或已关闭。
	ErrClosed = errors.New("transport: connection not open")
	// ErrAlreadyConnected 重复 Connect。
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Transport 是会话层依赖的连接抽象，每种网络库各实现一次。
type Transport interface {
	// Connect 建立连接，失败返回 *ConnectionError。
	Connect(ctx context.Context) error
	// Send 写出一帧，连接未打开或写失败返回 *SendError。
	Send(frame []byte) error
	// Inbound 返回本次连接的入站字节块，连接结束时关闭。
	Inbound() <-chan []byte
	// Close 关闭连接，阻塞的接收方会看到 channel 关闭。
	Close() error
	// Err 返回导致入站流意外结束的错误；本端主动关闭时为 nil。
	Err() error
}

// ConnectionError 网络/TLS 层失败。
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError 写出失败。
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "transport send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

var closedStream = func() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}()

// pump 把阻塞式读取转成 channel，两种实现共用。
type pump struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newPump() *pump {
	return &pump{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

// run 在独立 goroutine 中循环读取，直到读错误或 stop。
func (p *pump) run(read func() ([]byte, error)) {
	defer close(p.in)
	for {
		chunk, err := read()
		if len(chunk) > 0 {
			select {
			case p.in <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if !p.stopped() {
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
			}
			return
		}
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *pump) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pump) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
