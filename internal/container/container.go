package container

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-connect-go/config"
	"exchange-connect-go/gateway"
	"exchange-connect-go/infrastructure/alert"
	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
	"exchange-connect-go/session"
	"exchange-connect-go/transport"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	alertWG sync.WaitGroup

	// 订单通道
	transport transport.Transport
	client    *session.Client

	// 行情侧协作者
	rest *gateway.REST
	feed *gateway.Feed

	// HTTP服务器
	opsServer *http.Server
	ops       *httpServerComponent
	watcher   *config.Watcher

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建容器；sandbox 为 true 时切换到沙盒端点。
func New(configPath string, sandbox bool) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if sandbox {
		cfg.UseSandbox()
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 使用已加载的配置创建容器（不监听配置文件）。
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildSession(); err != nil {
		return fmt.Errorf("build session failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel(c.logger.Named("alert"))}
	if url := c.cfg.Ops.AlertWebhook; url != "" {
		channels = append(channels, alert.NewWebhookChannel(url))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Ops.AlertThrottle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildSession() error {
	tc := c.cfg.Transport
	switch tc.Kind {
	case "websocket":
		ws := transport.NewWebSocket(tc.URL)
		if tc.WriteTimeout > 0 {
			ws.WriteTimeout = tc.WriteTimeout
		}
		c.transport = ws
	default:
		var tlsCfg *tls.Config
		if tc.TLS {
			tlsCfg = &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: tc.InsecureSkipVerify,
			}
		}
		tcp := transport.NewTCP(tc.Addr, tlsCfg)
		if tc.DialTimeout > 0 {
			tcp.DialTimeout = tc.DialTimeout
		}
		if tc.WriteTimeout > 0 {
			tcp.WriteTimeout = tc.WriteTimeout
		}
		c.transport = tcp
	}

	sc := c.cfg.Session
	client, err := session.NewClient(session.Config{
		SenderCompID:      sc.APIKey,
		TargetCompID:      sc.TargetCompID,
		Secret:            sc.APISecret,
		Passphrase:        sc.Passphrase,
		HeartbeatInterval: sc.HeartbeatInterval,
		HeartbeatGrace:    sc.HeartbeatGrace,
		LogonTimeout:      sc.LogonTimeout,
		LogoutTimeout:     sc.LogoutTimeout,
		MaxMalformed:      sc.MaxMalformed,
	}, c.transport,
		session.WithLogger(c.logger),
		session.WithMonitor(c.monitor),
		session.WithDisconnectHandler(c.onSessionLost),
	)
	if err != nil {
		return err
	}
	c.client = client
	c.logger.Info("session built")
	return nil
}

func (c *Container) buildGateway() error {
	gc := c.cfg.Gateway
	c.rest = gateway.NewREST(gc.RESTURL)
	c.rest.Limiter = gateway.NewTokenBucketLimiter(gc.RateLimit, gc.Burst)
	c.rest.Log = c.logger.Named("rest")
	c.rest.Monitor = c.monitor

	if len(gc.Channels) > 0 {
		channels := make([]gateway.Channel, 0, len(gc.Channels))
		for _, name := range gc.Channels {
			ch, err := gateway.NewChannel(name, gc.Products...)
			if err != nil {
				return err
			}
			channels = append(channels, ch)
		}
		c.feed = gateway.NewFeed(gc.FeedURL, channels...)
		c.feed.Log = c.logger.Named("feed")
		c.feed.Monitor = c.monitor
	}

	c.logger.Info("gateway built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.ops = &httpServerComponent{
		name:    "ops_server",
		handler: c.Router(),
		addr:    c.cfg.Ops.Listen,
		logger:  c.logger,
		server:  &c.opsServer,
	}
	c.lifecycle.Register(c.ops)

	if c.configPath != "" {
		c.watcher = config.NewWatcher(c.configPath, c.logger.Named("config"))
		c.lifecycle.Register(&watcherComponent{watcher: c.watcher, apply: c.applyConfig, logger: c.logger})
	}
	if c.feed != nil {
		c.lifecycle.Register(&feedComponent{feed: c.feed, logger: c.logger})
	}
	if c.cfg.Gateway.LoadConstraints {
		c.lifecycle.Register(&constraintsComponent{
			rest:     c.rest,
			registry: c.client.Registry(),
			products: c.cfg.Gateway.Products,
			logger:   c.logger,
		})
	}
	// 会话最后启动、最先停止
	c.lifecycle.Register(&sessionComponent{client: c.client, logger: c.logger})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件：先登出会话，再停止行情与运维服务。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	open := 0
	for _, o := range c.client.Registry().Orders() {
		if !o.IsDone() {
			open++
		}
	}
	c.alertWG.Wait()
	c.logger.Info(fmt.Sprintf("container stopped, %d orders unresolved", open))

	if c.logger != nil {
		c.logger.Close()
	}

	return nil
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Client 返回订单通道客户端
func (c *Container) Client() *session.Client { return c.client }

// REST 返回行情 REST 客户端
func (c *Container) REST() *gateway.REST { return c.rest }

// Logger 返回容器日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标收集器
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// OpsAddr 返回运维服务实际监听地址（配置 ":0" 时有用）。
func (c *Container) OpsAddr() string {
	if c.ops == nil {
		return ""
	}
	return c.ops.Addr()
}

// SessionLost 在会话从 logged_in 意外断开时关闭；本端主动 Stop 不触发。
func (c *Container) SessionLost(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() {
		sess := c.client.Session()
		if _, err := sess.WaitState(ctx, session.StateDisconnected); err != nil {
			return
		}
		if err := sess.LastError(); err != nil {
			out <- err
		}
		close(out)
	}()
	return out
}

// onSessionLost 在意外断开时发出告警；正常登出不告警。
func (c *Container) onSessionLost(cause error, failed int) {
	if cause == nil {
		return
	}
	fields := map[string]interface{}{
		"error":         cause.Error(),
		"failed_orders": failed,
		"env":           c.cfg.Env,
	}
	// 在分发协程之外发送，慢 webhook 不阻塞断开与 Close
	c.alertWG.Add(1)
	go func() {
		defer c.alertWG.Done()
		if err := c.alerts.Critical("fix session lost", fields); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "alert"})
		}
	}()
}

// Alerts 返回告警管理器
func (c *Container) Alerts() *alert.Manager { return c.alerts }

// applyConfig 处理热更新：目前只调整日志级别，其余字段需要重启。
func (c *Container) applyConfig(cfg config.AppConfig) {
	if cfg.Log.Level == c.logger.Level() {
		return
	}
	if err := c.logger.SetLevel(cfg.Log.Level); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "set_log_level"})
		return
	}
	c.logger.Info("log level changed", zap.String("level", cfg.Log.Level))
}

var errNotLoggedIn = errors.New("fix session not logged in")

// sessionTimeout 登出等待上限
const sessionTimeout = 10 * time.Second

// Config 返回生效中的配置
func (c *Container) Config() config.AppConfig { return *c.cfg }
