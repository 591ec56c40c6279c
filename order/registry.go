package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange-connect-go/fix"
	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
)

// Sender 由会话层实现。assigned 在报文写出之前以分配到的序号回调，
// 使 Reject(RefSeqNum) 能关联回订单。
type Sender interface {
	Send(msg fix.Outbound, assigned func(seq int)) error
}

// Option 配置 Registry。
type Option func(*Registry)

// WithLogger 注入日志器
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMonitor 注入指标收集器
func WithMonitor(m *monitor.Monitor) Option {
	return func(r *Registry) { r.mon = m }
}

// WithIDGenerator 替换客户端订单号生成器（默认 uuid v4）。
func WithIDGenerator(f func() string) Option {
	return func(r *Registry) { r.newID = f }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithFillTracker 替换成交统计
func WithFillTracker(f *FillTracker) Option {
	return func(r *Registry) { r.fills = f }
}

type seqRef struct {
	msgType fix.MsgType
	id      string
}

type cancelAttempt struct {
	id     string
	order  *Order
	seq    int
	result chan error
}

// Registry 按客户端订单号跟踪在途订单，把执行回报映射回订单并触发信号。
// 它是订单状态的唯一写入者。
type Registry struct {
	sender Sender
	sm     *StateMachine
	fills  *FillTracker
	log    *logger.Logger
	mon    *monitor.Monitor
	newID  func() string
	now    func() time.Time

	mu       sync.RWMutex
	orders   map[string]*Order
	orderSeq map[string]int
	cancels  map[string]*cancelAttempt
	bySeq    map[int]seqRef

	constraints map[string]ProductConstraints
}

// NewRegistry 创建订单表
func NewRegistry(sender Sender, opts ...Option) *Registry {
	r := &Registry{
		sender:   sender,
		sm:       NewStateMachine(),
		fills:    NewFillTracker(1000, 5*time.Minute),
		log:      logger.NewNop(),
		newID:    uuid.NewString,
		now:      time.Now,
		orders:   make(map[string]*Order),
		orderSeq: make(map[string]int),
		cancels:  make(map[string]*cancelAttempt),
		bySeq:    make(map[int]seqRef),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit 校验并登记订单，发送 NewOrderSingle 后立即返回（不等待确认）。
func (r *Registry) Submit(req Request) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkConstraints(req); err != nil {
		return nil, err
	}
	o := newOrder(r.newID(), req, r.now())

	r.mu.Lock()
	if _, dup := r.orders[o.ID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("duplicate client order id %s", o.ID)
	}
	r.orders[o.ID] = o
	r.mu.Unlock()

	err := r.sender.Send(o.message(), func(seq int) {
		r.mu.Lock()
		r.bySeq[seq] = seqRef{msgType: fix.MsgTypeNewOrderSingle, id: o.ID}
		r.orderSeq[o.ID] = seq
		r.mu.Unlock()
	})
	if err != nil {
		r.mu.Lock()
		delete(r.orders, o.ID)
		r.untrackLocked(o.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("submit %s: %w", o.ID, err)
	}

	r.mon.RecordOrderSubmitted()
	r.log.LogOrder("submitted", o.ID, map[string]interface{}{
		"product_id":    o.ProductID,
		"side":          string(o.Side),
		"type":          string(o.Type),
		"size":          o.Size.String(),
		"price":         o.Price.String(),
		"time_in_force": string(o.TimeInForce),
	})
	return o, nil
}

// Cancel 发送撤单并等待订单终结。
// 场所拒绝撤单时返回 *CancelRejectedError，订单状态不变。
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.IsDone() {
		r.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownOrder)
	}
	att := &cancelAttempt{id: r.newID(), order: o, result: make(chan error, 1)}
	r.cancels[att.id] = att
	r.mu.Unlock()
	defer r.dropCancel(att)

	msg := fix.OrderCancelRequest{
		ClOrdID:     att.id,
		OrigClOrdID: o.ID,
		OrderID:     o.ExchangeID(),
		Symbol:      o.ProductID,
	}
	err := r.sender.Send(msg, func(seq int) {
		r.mu.Lock()
		att.seq = seq
		r.bySeq[seq] = seqRef{msgType: fix.MsgTypeOrderCancelRequest, id: att.id}
		r.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	r.log.LogOrder("cancel_requested", o.ID, map[string]interface{}{"cancel_id": att.id})

	select {
	case <-o.Done():
		return r.cancelOutcome(o)
	case err := <-att.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) cancelOutcome(o *Order) error {
	if err := o.Err(); err != nil {
		return err
	}
	st := o.Status()
	if st == StatusCanceled {
		return nil
	}
	return &CancelRejectedError{OrderID: o.ID, Status: st, Reason: "order already " + string(st)}
}

func (r *Registry) dropCancel(att *cancelAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, att.id)
	if att.seq != 0 {
		delete(r.bySeq, att.seq)
	}
}

// Order 按客户端订单号查找
func (r *Registry) Order(id string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok
}

// Orders 返回所有登记订单的快照
func (r *Registry) Orders() []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out
}

// Open 返回未终结订单数
func (r *Registry) Open() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, o := range r.orders {
		if !o.IsDone() {
			n++
		}
	}
	return n
}

// Remove 丢弃一个已终结的订单；未终结订单不能移除。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || !o.IsDone() {
		return false
	}
	delete(r.orders, id)
	r.untrackLocked(id)
	return true
}

// FillStats 会话内成交统计
func (r *Registry) FillStats() FillTrackerStats {
	return r.fills.GetStats()
}

func (r *Registry) untrackLocked(id string) {
	if seq, ok := r.orderSeq[id]; ok {
		delete(r.bySeq, seq)
		delete(r.orderSeq, id)
	}
}

// resolve 依次按 ClOrdID、撤单 ClOrdID、OrigClOrdID 查找订单。
func (r *Registry) resolve(clOrdID, origClOrdID string) *Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.orders[clOrdID]; ok {
		return o
	}
	if att, ok := r.cancels[clOrdID]; ok {
		return att.order
	}
	if origClOrdID != "" {
		return r.orders[origClOrdID]
	}
	return nil
}

// Apply 处理一条执行回报。重复回报不改变已生效的状态。
func (r *Registry) Apply(er fix.ExecutionReport) {
	o := r.resolve(er.ClOrdID, er.OrigClOrdID)
	if o == nil {
		// 可能来自上一个会话的订单
		r.log.LogOrder("report_dropped", er.ClOrdID, map[string]interface{}{
			"exec_type": string(er.ExecType),
			"order_id":  er.OrderID,
		})
		return
	}

	o.mu.Lock()
	if o.err != nil || r.sm.IsFinalState(o.status) {
		o.mu.Unlock()
		return
	}
	if er.OrderID != "" && o.exchangeID == "" {
		o.exchangeID = er.OrderID
	}

	from := o.status
	var (
		target Status
		fill   *Fill
	)
	switch er.ExecType {
	case fix.ExecTypeNew, fix.ExecTypeStopped:
		target = from
		if from == StatusPending {
			target = StatusNew
		}
	case fix.ExecTypeRejected:
		target = StatusRejected
		o.rejectReason = rejectReason(er)
	case fix.ExecTypeFill:
		fill = r.recordFillLocked(o, er)
		target = StatusNew
		if er.OrdStatus == fix.OrdStatusFilled {
			target = StatusFilled
		}
	case fix.ExecTypeFilled:
		fill = r.recordFillLocked(o, er)
		target = StatusFilled
	case fix.ExecTypeDone:
		target = StatusCanceled
		if er.OrdStatus == fix.OrdStatusFilled {
			target = StatusFilled
		}
	case fix.ExecTypeCanceled:
		target = StatusCanceled
	default:
		// restated / status: 仅信息
		o.mu.Unlock()
		r.log.LogOrder("report_ignored", o.ID, map[string]interface{}{"exec_type": string(er.ExecType)})
		return
	}

	if err := r.sm.ValidateTransition(from, target); err != nil {
		o.mu.Unlock()
		r.log.LogError(err, map[string]interface{}{"order_id": o.ID, "exec_type": string(er.ExecType)})
		return
	}
	o.status = target
	o.mu.Unlock()

	if fill != nil {
		r.mon.RecordFill()
		r.fills.RecordFill(FillEvent{
			OrderID:   o.ID,
			ExecID:    fill.ExecID,
			ProductID: o.ProductID,
			Side:      o.Side,
			Price:     fill.Price,
			Size:      fill.Size,
			Timestamp: fill.Time,
		})
	}
	if o.raiseAck() {
		r.mon.RecordOrderAcknowledged(r.now().Sub(o.CreatedAt).Seconds())
	}
	if r.sm.IsFinalState(target) {
		r.finish(o, target)
	}
	if from != target || fill != nil {
		fields := map[string]interface{}{"from": string(from), "to": string(target), "exec_type": string(er.ExecType)}
		if fill != nil {
			fields["fill_size"] = fill.Size.String()
			fields["fill_price"] = fill.Price.String()
		}
		r.log.LogOrder("status", o.ID, fields)
	}
}

// recordFillLocked 记录成交明细；ExecID（或 TradeID）重复时视为重放并返回 nil。
func (r *Registry) recordFillLocked(o *Order, er fix.ExecutionReport) *Fill {
	if !er.LastQty.Valid || !er.LastQty.Decimal.IsPositive() {
		return nil
	}
	key := er.ExecID
	if key == "" {
		key = er.TradeID
	}
	if key != "" {
		if _, seen := o.seenExec[key]; seen {
			return nil
		}
		o.seenExec[key] = struct{}{}
	} else if !er.CumQty.Valid {
		// 无 ExecID/TradeID 也无 CumQty 时无法判断是否重复，不计入成交
		r.log.LogOrder("fill_unkeyed", o.ID, map[string]interface{}{"last_qty": er.LastQty.Decimal.String()})
		return nil
	} else if er.CumQty.Decimal.LessThanOrEqual(o.filled) {
		return nil
	}
	f := Fill{
		ExecID:  er.ExecID,
		TradeID: er.TradeID,
		Price:   er.LastPx.Decimal,
		Size:    er.LastQty.Decimal,
		Time:    r.now(),
	}
	o.filled = o.filled.Add(f.Size)
	o.fills = append(o.fills, f)
	return &f
}

func (r *Registry) finish(o *Order, st Status) {
	o.raiseDone()
	r.mu.Lock()
	r.untrackLocked(o.ID)
	r.mu.Unlock()
	switch st {
	case StatusFilled:
		r.mon.RecordOrderFilled()
	case StatusCanceled:
		r.mon.RecordOrderCanceled()
	case StatusRejected:
		r.mon.RecordOrderRejected()
	}
}

// ApplyCancelReject 把撤单拒绝交给等待中的 Cancel 调用。
func (r *Registry) ApplyCancelReject(cr fix.CancelReject) {
	r.mon.RecordCancelReject()
	r.mu.RLock()
	att := r.cancels[cr.ClOrdID]
	if att == nil {
		for _, a := range r.cancels {
			if a.order.ID == cr.OrigClOrdID {
				att = a
				break
			}
		}
	}
	r.mu.RUnlock()
	if att == nil {
		r.log.LogOrder("cancel_reject_dropped", cr.OrigClOrdID, map[string]interface{}{"cancel_id": cr.ClOrdID})
		return
	}

	o := att.order
	o.mu.Lock()
	if cr.OrderID != "" && o.exchangeID == "" {
		o.exchangeID = cr.OrderID
	}
	o.mu.Unlock()

	reason := cr.Text
	if reason == "" {
		reason = cancelRejectReasons[cr.CxlRejReason]
	}
	r.deliverCancelReject(att, reason)
}

func (r *Registry) deliverCancelReject(att *cancelAttempt, reason string) {
	o := att.order
	r.log.LogOrder("cancel_rejected", o.ID, map[string]interface{}{"reason": reason})
	select {
	case att.result <- &CancelRejectedError{OrderID: o.ID, Status: o.Status(), Reason: reason}:
	default:
	}
}

// ApplyReject 处理引用本端报文序号的会话/业务拒绝。
// 返回 false 表示该序号不属于任何订单或撤单。
func (r *Registry) ApplyReject(rej fix.Reject) bool {
	r.mu.RLock()
	ref, ok := r.bySeq[rej.RefSeqNum]
	var (
		o   *Order
		att *cancelAttempt
	)
	if ok {
		o = r.orders[ref.id]
		att = r.cancels[ref.id]
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}

	reason := rej.Text
	if reason == "" {
		reason = "rejected by venue"
	}
	switch {
	case ref.msgType == fix.MsgTypeNewOrderSingle && o != nil:
		o.mu.Lock()
		if o.err != nil || r.sm.IsFinalState(o.status) || r.sm.ValidateTransition(o.status, StatusRejected) != nil {
			o.mu.Unlock()
			return true
		}
		o.status = StatusRejected
		o.rejectReason = reason
		o.mu.Unlock()
		o.raiseAck()
		r.finish(o, StatusRejected)
		r.log.LogOrder("rejected", o.ID, map[string]interface{}{"reason": reason, "ref_seq": rej.RefSeqNum})
	case ref.msgType == fix.MsgTypeOrderCancelRequest && att != nil:
		r.mon.RecordCancelReject()
		r.deliverCancelReject(att, reason)
	}
	return true
}

// FailAll 会话断开时终结所有未完成订单：两个信号都触发，
// 状态保持最后一次回报的值，Err() 返回 ErrSessionLost。
func (r *Registry) FailAll(cause error) int {
	r.mu.Lock()
	open := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		if !o.IsDone() {
			open = append(open, o)
		}
	}
	// 序号随新会话重置
	r.bySeq = make(map[int]seqRef)
	r.orderSeq = make(map[string]int)
	r.mu.Unlock()

	err := ErrSessionLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrSessionLost, cause)
	}
	n := 0
	for _, o := range open {
		o.mu.Lock()
		if o.err != nil || r.sm.IsFinalState(o.status) {
			o.mu.Unlock()
			continue
		}
		o.err = err
		st := o.status
		o.mu.Unlock()
		o.raiseDone()
		n++
		r.mon.RecordOrderLost()
		r.log.LogOrder("lost", o.ID, map[string]interface{}{"status": string(st)})
	}
	return n
}

var cancelRejectReasons = map[string]string{
	"0": "too late to cancel",
	"1": "unknown order",
	"2": "broker option",
	"3": "already pending cancel",
}

func rejectReason(er fix.ExecutionReport) string {
	if er.Text != "" {
		return er.Text
	}
	if er.OrdRejReason != "" {
		return "reject reason " + er.OrdRejReason
	}
	return "rejected by venue"
}

// LimitRequest 构造限价单请求的便捷函数。
func LimitRequest(side Side, productID string, price, size decimal.Decimal, tif TimeInForce) Request {
	return Request{
		Side:        side,
		ProductID:   productID,
		Price:       price,
		Size:        size,
		TimeInForce: tif,
	}
}
