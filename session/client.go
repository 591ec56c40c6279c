// Package session 实现订单通道的 FIX 会话客户端：会话状态机、心跳、
// 入站分发，以及在异步回报之上的同步风格下单/撤单接口。
package session

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
	"exchange-connect-go/order"
	"exchange-connect-go/transport"
)

// Option 配置 Client。
type Option func(*options)

type options struct {
	log      *logger.Logger
	mon      *monitor.Monitor
	orderOps []order.Option
	onLost   func(cause error, failed int)
}

// WithLogger 注入日志器
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMonitor 注入指标收集器
func WithMonitor(m *monitor.Monitor) Option {
	return func(o *options) { o.mon = m }
}

// WithOrderOptions 透传订单表选项（ID 生成器、时钟等）。
func WithOrderOptions(opts ...order.Option) Option {
	return func(o *options) { o.orderOps = append(o.orderOps, opts...) }
}

// WithDisconnectHandler 在每次断开、在途订单已失败之后回调。
// cause 为 nil 表示正常登出；failed 是本次被终结的订单数。
func WithDisconnectHandler(f func(cause error, failed int)) Option {
	return func(o *options) { o.onLost = f }
}

// Client 组合 Session、订单表与分发循环。每个实例独立拥有自己的状态。
type Client struct {
	sess *Session
	reg  *order.Registry
	tr   transport.Transport
	log  *logger.Logger
	mon  *monitor.Monitor
	errs chan error

	mu           sync.Mutex
	dispatchDone chan struct{}
}

// NewClient 校验配置并装配组件；不发起连接。
func NewClient(cfg Config, tr transport.Transport, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: logger.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewNop()
	}

	sess := newSession(cfg, tr, o.log.Named("session"), o.mon)
	regOpts := append([]order.Option{
		order.WithLogger(o.log.Named("orders")),
		order.WithMonitor(o.mon),
	}, o.orderOps...)
	reg := order.NewRegistry(sess, regOpts...)
	sess.onDisconnect = func(cause error) {
		n := reg.FailAll(cause)
		if o.onLost != nil {
			o.onLost(cause, n)
		}
	}

	return &Client{
		sess: sess,
		reg:  reg,
		tr:   tr,
		log:  o.log,
		mon:  o.mon,
		errs: make(chan error, 64),
	}, nil
}

// Connect 连接、启动分发循环并登录，直到 logged_in 或失败才返回。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dispatchDone != nil {
		// 上一个连接的分发循环必须先退出
		<-c.dispatchDone
		c.dispatchDone = nil
	}
	if err := c.sess.Open(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	c.dispatchDone = done
	d := &dispatcher{
		sess:         c.sess,
		reg:          c.reg,
		log:          c.log.Named("dispatcher"),
		mon:          c.mon,
		errs:         c.errs,
		maxMalformed: c.sess.cfg.MaxMalformed,
	}
	go d.run(c.tr.Inbound(), done)

	if err := c.sess.Logon(ctx); err != nil {
		<-done
		c.dispatchDone = nil
		return err
	}
	return nil
}

// Close 登出并断开，等待分发循环退出。幂等。
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sess.Close(ctx); err != nil {
		return err
	}
	if c.dispatchDone != nil {
		select {
		case <-c.dispatchDone:
			c.dispatchDone = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Submit 提交订单，不等待确认。
func (c *Client) Submit(req order.Request) (*order.Order, error) {
	return c.reg.Submit(req)
}

// LimitOrder 提交限价单的便捷方法。
func (c *Client) LimitOrder(side order.Side, productID string, price, size decimal.Decimal, tif order.TimeInForce) (*order.Order, error) {
	return c.reg.Submit(order.LimitRequest(side, productID, price, size, tif))
}

// Cancel 撤单并等待订单终结。
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.reg.Cancel(ctx, id)
}

// Order 按客户端订单号查找
func (c *Client) Order(id string) (*order.Order, bool) {
	return c.reg.Order(id)
}

// State 当前会话状态
func (c *Client) State() State { return c.sess.State() }

// Connected 传输层是否已连接（含登录中/登出中）。
func (c *Client) Connected() bool {
	switch c.sess.State() {
	case StateConnected, StateLoggedIn, StateLoggingOut:
		return true
	}
	return false
}

// LoggedIn 是否已登录
func (c *Client) LoggedIn() bool { return c.sess.State() == StateLoggedIn }

// Errors 返回非致命的入站错误（坏帧、未知类型）；满时丢弃。
func (c *Client) Errors() <-chan error { return c.errs }

// Session 暴露会话（状态等待、统计、心跳检查）。
func (c *Client) Session() *Session { return c.sess }

// Registry 暴露订单表
func (c *Client) Registry() *order.Registry { return c.reg }
