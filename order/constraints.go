package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductConstraints 描述币对的价格步长、数量范围与交易限制（来自 /products）。
// 零值字段不做检查。PostOnly 只表示该币对只接受挂单成交，
// 吃单由场所拒绝，本地不限制 TimeInForce。
type ProductConstraints struct {
	QuoteIncrement decimal.Decimal
	BaseMinSize    decimal.Decimal
	BaseMaxSize    decimal.Decimal
	LimitOnly      bool
	PostOnly       bool
	CancelOnly     bool
}

// Validate 检查订单价格/数量是否符合步长与范围，失败返回 *ValidationError。
func (c ProductConstraints) Validate(req Request) error {
	if c.CancelOnly {
		return &ValidationError{Field: "product_id", Reason: fmt.Sprintf("%s is cancel-only", req.ProductID)}
	}
	if !isMultiple(req.Price, c.QuoteIncrement) {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("%s not aligned to quote increment %s", req.Price, c.QuoteIncrement)}
	}
	if req.StopPrice.Valid && !isMultiple(req.StopPrice.Decimal, c.QuoteIncrement) {
		return &ValidationError{Field: "stop_price", Reason: fmt.Sprintf("%s not aligned to quote increment %s", req.StopPrice.Decimal, c.QuoteIncrement)}
	}
	if c.BaseMinSize.IsPositive() && req.Size.LessThan(c.BaseMinSize) {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("%s < min size %s", req.Size, c.BaseMinSize)}
	}
	if c.BaseMaxSize.IsPositive() && req.Size.GreaterThan(c.BaseMaxSize) {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("%s > max size %s", req.Size, c.BaseMaxSize)}
	}
	return nil
}

func isMultiple(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return value.Mod(step).IsZero()
}

// SetConstraints 替换全部币对限制；未登记的币对不做检查。
func (r *Registry) SetConstraints(c map[string]ProductConstraints) {
	cp := make(map[string]ProductConstraints, len(c))
	for k, v := range c {
		cp[k] = v
	}
	r.mu.Lock()
	r.constraints = cp
	r.mu.Unlock()
}

func (r *Registry) checkConstraints(req Request) error {
	r.mu.RLock()
	c, ok := r.constraints[req.ProductID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Validate(req)
}
