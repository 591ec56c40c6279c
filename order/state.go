package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange-connect-go/fix"
)

// Status 订单生命周期状态。部分成交折叠在 new 中，成交明细单独记录。
type Status string

const (
	StatusPending  Status = "pending"
	StatusNew      Status = "new"
	StatusStopped  Status = "stopped"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
	StatusRejected Status = "rejected"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Type 订单类型，由是否带止损价决定。
type Type string

const (
	TypeLimit     Type = "limit"
	TypeStopLimit Type = "stop-limit"
)

// TimeInForce 有效期策略
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	PO  TimeInForce = "PO"
)

var sideCodes = map[Side]fix.Side{
	SideBuy:  fix.SideBuy,
	SideSell: fix.SideSell,
}

var tifCodes = map[TimeInForce]fix.TimeInForce{
	GTC: fix.TimeInForceGTC,
	IOC: fix.TimeInForceIOC,
	FOK: fix.TimeInForceFOK,
	PO:  fix.TimeInForcePO,
}

// Request 下单请求。价格与数量始终使用十进制，精度由场所校验。
type Request struct {
	Side        Side
	ProductID   string
	Size        decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.NullDecimal
	TimeInForce TimeInForce // 空值视为 GTC
}

// Validate 同步校验请求字段，失败返回 *ValidationError。
func (r Request) Validate() error {
	if _, ok := sideCodes[r.Side]; !ok {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be buy or sell, got %q", r.Side)}
	}
	if r.ProductID == "" {
		return &ValidationError{Field: "product_id", Reason: "required"}
	}
	if !r.Size.IsPositive() {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}
	if !r.Price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if r.StopPrice.Valid && !r.StopPrice.Decimal.IsPositive() {
		return &ValidationError{Field: "stop_price", Reason: "must be positive"}
	}
	if r.TimeInForce != "" {
		if _, ok := tifCodes[r.TimeInForce]; !ok {
			return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unsupported %q", r.TimeInForce)}
		}
	}
	return nil
}

// Fill 一笔成交
type Fill struct {
	ExecID  string
	TradeID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Time    time.Time
}

// Order 是一次下单的客户端视图。请求字段创建后不变；
// 状态只由 Registry 写入，调用方只读。
type Order struct {
	ID          string
	Side        Side
	ProductID   string
	Size        decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.NullDecimal
	TimeInForce TimeInForce
	Type        Type
	CreatedAt   time.Time

	mu           sync.RWMutex
	status       Status
	exchangeID   string
	filled       decimal.Decimal
	fills        []Fill
	seenExec     map[string]struct{}
	rejectReason string
	err          error

	acked    chan struct{}
	done     chan struct{}
	ackOnce  sync.Once
	doneOnce sync.Once
}

func newOrder(id string, req Request, now time.Time) *Order {
	o := &Order{
		ID:          id,
		Side:        req.Side,
		ProductID:   req.ProductID,
		Size:        req.Size,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		Type:        TypeLimit,
		CreatedAt:   now,
		status:      StatusPending,
		seenExec:    make(map[string]struct{}),
		acked:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if o.TimeInForce == "" {
		o.TimeInForce = GTC
	}
	if req.StopPrice.Valid {
		o.Type = TypeStopLimit
		o.status = StatusStopped
	}
	return o
}

func (o *Order) message() fix.NewOrderSingle {
	ordType := fix.OrdTypeLimit
	if o.Type == TypeStopLimit {
		ordType = fix.OrdTypeStopLimit
	}
	return fix.NewOrderSingle{
		ClOrdID:     o.ID,
		Symbol:      o.ProductID,
		Side:        sideCodes[o.Side],
		Price:       o.Price,
		OrderQty:    o.Size,
		StopPrice:   o.StopPrice,
		OrdType:     ordType,
		TimeInForce: tifCodes[o.TimeInForce],
	}
}

// Status 当前状态
func (o *Order) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// ExchangeID 场所分配的订单号，确认前为空。
func (o *Order) ExchangeID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.exchangeID
}

// FilledSize 累计成交量
func (o *Order) FilledSize() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filled
}

// Fills 返回成交明细副本
func (o *Order) Fills() []Fill {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Fill, len(o.fills))
	copy(out, o.fills)
	return out
}

// RejectReason 场所给出的拒单原因
func (o *Order) RejectReason() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rejectReason
}

// Err 订单因会话丢失等原因被本地终结时返回原因，否则为 nil。
func (o *Order) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// Acknowledged 场所给出接受/拒绝结论后关闭。
func (o *Order) Acknowledged() <-chan struct{} { return o.acked }

// Done 订单进入终态后关闭。
func (o *Order) Done() <-chan struct{} { return o.done }

// IsDone 非阻塞地判断是否终结
func (o *Order) IsDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// IsAcknowledged 非阻塞地判断是否已确认
func (o *Order) IsAcknowledged() bool {
	select {
	case <-o.acked:
		return true
	default:
		return false
	}
}

// WaitAcknowledged 等待确认信号，返回 Err() 或 ctx 错误。
func (o *Order) WaitAcknowledged(ctx context.Context) error {
	select {
	case <-o.acked:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待订单终结，返回 Err() 或 ctx 错误。
func (o *Order) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Order) raiseAck() bool {
	raised := false
	o.ackOnce.Do(func() {
		close(o.acked)
		raised = true
	})
	return raised
}

func (o *Order) raiseDone() {
	o.raiseAck()
	o.doneOnce.Do(func() { close(o.done) })
}
