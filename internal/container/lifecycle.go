package container

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-connect-go/config"
	"exchange-connect-go/gateway"
	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/order"
	"exchange-connect-go/session"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				m.components[j].Stop()
			}
			return fmt.Errorf("start component %d failed: %w", i, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	// 逆序停止
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("component %d unhealthy: %w", i, err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger
	server  **http.Server
	ln      net.Listener
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	// 同步监听，端口占用等错误直接返回给调用方
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen failed: %w", h.name, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	*h.server = srv
	h.ln = ln

	// 在后台启动服务器
	go func() {
		h.logger.Logger.Info(fmt.Sprintf("%s listening on %s", h.name, ln.Addr()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || *h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := (*h.server).Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Logger.Info(fmt.Sprintf("%s stopped", h.name))
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// Addr 实际监听地址
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// sessionComponent 订单通道：Start 连接并登录，Stop 登出。
type sessionComponent struct {
	client *session.Client
	logger *logger.Logger
}

func (s *sessionComponent) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.logger.LogSession("started", map[string]interface{}{"state": s.client.State().String()})
	return nil
}

func (s *sessionComponent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()
	return s.client.Close(ctx)
}

func (s *sessionComponent) Health() error {
	if !s.client.LoggedIn() {
		return fmt.Errorf("%w (state %s)", errNotLoggedIn, s.client.State())
	}
	return nil
}

// watcherComponent 后台监听配置文件
type watcherComponent struct {
	watcher *config.Watcher
	apply   func(config.AppConfig)
	logger  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watcherComponent) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.watcher.Start(wctx, w.apply); err != nil && wctx.Err() == nil {
			w.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
		}
	}()
	return nil
}

func (w *watcherComponent) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	return nil
}

func (w *watcherComponent) Health() error { return nil }

// feedComponent 后台运行行情订阅，断开后按固定间隔重连。
type feedComponent struct {
	feed   *gateway.Feed
	logger *logger.Logger

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

const feedRetryDelay = 5 * time.Second

func (f *feedComponent) Start(ctx context.Context) error {
	fctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		for {
			err := f.feed.Run(fctx, func(msg []byte) {
				f.logger.Debug("feed message", zap.ByteString("msg", msg))
			})
			if fctx.Err() != nil {
				return
			}
			f.mu.Lock()
			f.lastErr = err
			f.mu.Unlock()
			select {
			case <-fctx.Done():
				return
			case <-time.After(feedRetryDelay):
			}
		}
	}()
	return nil
}

func (f *feedComponent) Stop() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	return nil
}

// Health 行情断开不影响订单通道，只记录在日志中。
func (f *feedComponent) Health() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		f.logger.Warn(fmt.Sprintf("market feed degraded: %v", f.lastErr))
	}
	return nil
}

// constraintsComponent 启动时加载币对限制并交给订单表；失败则阻止启动。
type constraintsComponent struct {
	rest     *gateway.REST
	registry *order.Registry
	products []string
	logger   *logger.Logger

	loaded int
}

func (c *constraintsComponent) Start(ctx context.Context) error {
	pcs, err := c.rest.LoadConstraints(ctx, c.products...)
	if err != nil {
		return fmt.Errorf("load product constraints: %w", err)
	}
	c.registry.SetConstraints(pcs)
	c.loaded = len(pcs)
	c.logger.Info("product constraints loaded", zap.Int("products", c.loaded))
	return nil
}

func (c *constraintsComponent) Stop() error { return nil }

func (c *constraintsComponent) Health() error { return nil }
