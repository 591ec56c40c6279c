package gateway

import (
	"context"
	"fmt"

	"exchange-connect-go/order"
)

// Constraints 把币对元数据转换为下单前校验使用的限制。
func (p Product) Constraints() order.ProductConstraints {
	return order.ProductConstraints{
		QuoteIncrement: p.QuoteIncrement,
		BaseMinSize:    p.BaseMinSize,
		BaseMaxSize:    p.BaseMaxSize,
		LimitOnly:      p.LimitOnly,
		PostOnly:       p.PostOnly,
		CancelOnly:     p.CancelOnly,
	}
}

// LoadConstraints 拉取 /products 并返回 ids 对应的限制；ids 为空时返回全部。
// 指定的币对不存在时报错。
func (c *REST) LoadConstraints(ctx context.Context, ids ...string) (map[string]order.ProductConstraints, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return nil, err
	}
	all := make(map[string]order.ProductConstraints, len(products))
	for _, p := range products {
		all[p.ID] = p.Constraints()
	}
	if len(ids) == 0 {
		return all, nil
	}
	out := make(map[string]order.ProductConstraints, len(ids))
	for _, id := range ids {
		pc, ok := all[id]
		if !ok {
			return nil, fmt.Errorf("unknown product %s", id)
		}
		out[id] = pc
	}
	return out, nil
}
