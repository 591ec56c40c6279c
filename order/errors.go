package order

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOrder 订单不存在或已终结。
	ErrUnknownOrder = errors.New("unknown order")
	// ErrSessionLost 会话断开时未终结的订单以此失败。
	ErrSessionLost = errors.New("session lost before order completed")
)

// ValidationError 下单参数非法，不会产生网络流量。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order %s: %s", e.Field, e.Reason)
}

// CancelRejectedError 场所拒绝撤单，订单状态保持不变。
type CancelRejectedError struct {
	OrderID string
	Status  Status
	Reason  string
}

func (e *CancelRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cancel of %s rejected (status %s)", e.OrderID, e.Status)
	}
	return fmt.Sprintf("cancel of %s rejected (status %s): %s", e.OrderID, e.Status, e.Reason)
}
