package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 所有Record方法对nil接收者安全，未注入Monitor的组件无需判空。
type Monitor struct {
	registry *prometheus.Registry

	// 会话指标
	sessionState       prometheus.Gauge
	sessionTransitions *prometheus.CounterVec
	logons             prometheus.Counter
	logonFailures      prometheus.Counter
	heartbeatsSent     prometheus.Counter
	testRequestsSent   prometheus.Counter
	heartbeatTimeouts  prometheus.Counter
	seqGaps            prometheus.Counter

	// 报文指标
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	badFrames        *prometheus.CounterVec

	// 订单指标
	ordersSubmitted prometheus.Counter
	ordersAcked     prometheus.Counter
	ordersFilled    prometheus.Counter
	ordersCanceled  prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersLost      prometheus.Counter
	cancelRejects   prometheus.Counter
	fills           prometheus.Counter
	ackLatency      prometheus.Histogram

	// 外围连接指标
	wsConnections prometheus.Counter
	wsDisconnects prometheus.Counter
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "exchange",
		Subsystem: "fix",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_state",
			Help:      "会话状态(0=disconnected,1=connecting,2=connected,3=logged_in,4=logging_out)",
		}),
		sessionTransitions: counterVec("session_transitions_total", "会话状态迁移次数", "to"),
		logons:             counter("logons_total", "登录成功次数"),
		logonFailures:      counter("logon_failures_total", "登录失败次数"),
		heartbeatsSent:     counter("heartbeats_sent_total", "发送心跳总数"),
		testRequestsSent:   counter("test_requests_sent_total", "发送TestRequest总数"),
		heartbeatTimeouts:  counter("heartbeat_timeouts_total", "心跳超时断开次数"),
		seqGaps:            counter("inbound_seq_gaps_total", "入站序号跳变次数"),

		messagesSent:     counterVec("messages_sent_total", "发送报文数", "msg_type"),
		messagesReceived: counterVec("messages_received_total", "接收报文数", "msg_type"),
		badFrames:        counterVec("bad_frames_total", "无法解码的入站帧", "reason"),

		ordersSubmitted: counter("orders_submitted_total", "提交订单总数"),
		ordersAcked:     counter("orders_acknowledged_total", "被场所接受的订单数"),
		ordersFilled:    counter("orders_filled_total", "完全成交订单数"),
		ordersCanceled:  counter("orders_canceled_total", "已撤销订单数"),
		ordersRejected:  counter("orders_rejected_total", "被拒绝订单数"),
		ordersLost:      counter("orders_lost_total", "因断线失败的订单数"),
		cancelRejects:   counter("cancel_rejects_total", "撤单被拒次数"),
		fills:           counter("fills_total", "成交回报笔数"),
		ackLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_ack_latency_seconds",
			Help:      "从提交到场所确认的延迟（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		wsConnections: counter("ws_connections_total", "WebSocket连接次数"),
		wsDisconnects: counter("ws_disconnects_total", "WebSocket断开次数"),
		restRequests:  counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:    counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// 会话相关方法
func (m *Monitor) UpdateSessionState(state int, name string) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
	m.sessionTransitions.WithLabelValues(name).Inc()
}

func (m *Monitor) RecordLogon() {
	if m == nil {
		return
	}
	m.logons.Inc()
}

func (m *Monitor) RecordLogonFailure() {
	if m == nil {
		return
	}
	m.logonFailures.Inc()
}

func (m *Monitor) RecordHeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Monitor) RecordTestRequestSent() {
	if m == nil {
		return
	}
	m.testRequestsSent.Inc()
}

func (m *Monitor) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Monitor) RecordSeqGap() {
	if m == nil {
		return
	}
	m.seqGaps.Inc()
}

// 报文相关方法
func (m *Monitor) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Monitor) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Monitor) RecordBadFrame(reason string) {
	if m == nil {
		return
	}
	m.badFrames.WithLabelValues(reason).Inc()
}

// 订单相关方法
func (m *Monitor) RecordOrderSubmitted() {
	if m == nil {
		return
	}
	m.ordersSubmitted.Inc()
}

func (m *Monitor) RecordOrderAcknowledged(latencySeconds float64) {
	if m == nil {
		return
	}
	m.ordersAcked.Inc()
	m.ackLatency.Observe(latencySeconds)
}

func (m *Monitor) RecordOrderFilled() {
	if m == nil {
		return
	}
	m.ordersFilled.Inc()
}

func (m *Monitor) RecordOrderCanceled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

func (m *Monitor) RecordOrderRejected() {
	if m == nil {
		return
	}
	m.ordersRejected.Inc()
}

func (m *Monitor) RecordOrderLost() {
	if m == nil {
		return
	}
	m.ordersLost.Inc()
}

func (m *Monitor) RecordCancelReject() {
	if m == nil {
		return
	}
	m.cancelRejects.Inc()
}

func (m *Monitor) RecordFill() {
	if m == nil {
		return
	}
	m.fills.Inc()
}

// 外围连接相关方法
func (m *Monitor) RecordWSConnection() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	if m == nil {
		return
	}
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
