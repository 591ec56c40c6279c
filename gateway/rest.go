// Package gateway 提供订单通道之外的行情侧协作者：限流的公开 REST 查询
// 与 websocket 行情订阅。两者都只做最薄的一层，不解释业务字段。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
)

const userAgent = "exchange-connect-go/1.0"

// HTTPError 非 2xx 响应；Message 取自响应体的 message 字段。
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: status %d", e.Status)
	}
	return fmt.Sprintf("rest: status %d: %s", e.Status, e.Message)
}

// REST 公开行情接口的客户端，HTTPClient 可注入 httptest。
type REST struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Log        *logger.Logger
	Monitor    *monitor.Monitor
}

// NewREST 创建客户端，默认限流 10 次/秒、突发 15。
func NewREST(baseURL string) *REST {
	return &REST{
		BaseURL:    baseURL,
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    NewTokenBucketLimiter(10, 15),
		Log:        logger.NewNop(),
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Get 发起 GET 请求，返回响应头与原始 JSON。分页游标等由调用方从头部读取。
func (c *REST) Get(ctx context.Context, path string, params url.Values) (http.Header, json.RawMessage, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	endpoint := c.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	cli := c.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}
	start := time.Now()
	c.Monitor.RecordRESTRequest(path)
	resp, err := cli.Do(req)
	c.Monitor.RecordRESTLatency(path, time.Since(start).Seconds())
	if err != nil {
		c.Monitor.RecordRESTError(path)
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Monitor.RecordRESTError(path)
		return resp.Header, nil, err
	}
	if resp.StatusCode >= 300 {
		c.Monitor.RecordRESTError(path)
		herr := &HTTPError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil {
			herr.Message = msg.Message
		}
		c.logger().LogError(herr, map[string]interface{}{"event": "rest_get", "path": path})
		return resp.Header, nil, herr
	}
	if !json.Valid(body) {
		c.Monitor.RecordRESTError(path)
		return resp.Header, nil, fmt.Errorf("rest: %s returned invalid json", path)
	}
	return resp.Header, json.RawMessage(body), nil
}

func (c *REST) logger() *logger.Logger {
	if c.Log == nil {
		return logger.NewNop()
	}
	return c.Log
}

func (c *REST) getJSON(ctx context.Context, path string, params url.Values, dst interface{}) error {
	_, body, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Product 一个可交易的币对
type Product struct {
	ID             string          `json:"id"`
	BaseCurrency   string          `json:"base_currency"`
	QuoteCurrency  string          `json:"quote_currency"`
	BaseMinSize    decimal.Decimal `json:"base_min_size"`
	BaseMaxSize    decimal.Decimal `json:"base_max_size"`
	QuoteIncrement decimal.Decimal `json:"quote_increment"`
	DisplayName    string          `json:"display_name"`
	Status         string          `json:"status"`
	PostOnly       bool            `json:"post_only"`
	LimitOnly      bool            `json:"limit_only"`
	CancelOnly     bool            `json:"cancel_only"`
}

// Products 查询全部币对
func (c *REST) Products(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.getJSON(ctx, "/products", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Book 订单簿快照；level 1/2 每档为 [price, size, num_orders]。
type Book struct {
	Sequence int64               `json:"sequence"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
}

// OrderBook 查询订单簿，level 取 1、2 或 3。
func (c *REST) OrderBook(ctx context.Context, productID string, level int) (Book, error) {
	var b Book
	if level < 1 || level > 3 {
		return b, fmt.Errorf("invalid book level %d", level)
	}
	err := c.getJSON(ctx, "/products/"+url.PathEscape(productID)+"/book",
		url.Values{"level": {strconv.Itoa(level)}}, &b)
	return b, err
}

// Ticker 最新成交快照
type Ticker struct {
	TradeID int64           `json:"trade_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Volume  decimal.Decimal `json:"volume"`
	Time    time.Time       `json:"time"`
}

// Ticker 查询单个币对的 ticker
func (c *REST) Ticker(ctx context.Context, productID string) (Ticker, error) {
	var t Ticker
	err := c.getJSON(ctx, "/products/"+url.PathEscape(productID)+"/ticker", nil, &t)
	return t, err
}

// ServerTime 查询交易所时间，用于检查本地时钟偏差（签名依赖 SendingTime）。
func (c *REST) ServerTime(ctx context.Context) (time.Time, error) {
	var body struct {
		ISO   time.Time `json:"iso"`
		Epoch float64   `json:"epoch"`
	}
	if err := c.getJSON(ctx, "/time", nil, &body); err != nil {
		return time.Time{}, err
	}
	return body.ISO, nil
}
