package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-connect-go/infrastructure/monitor"
)

// counterValue 汇总一个计数器族在所有标签下的值。
func counterValue(t *testing.T, mon *monitor.Monitor, name string) float64 {
	t.Helper()
	mfs, err := mon.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(10, 2)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	l.last = now

	assert.Zero(t, l.reserve())
	assert.Zero(t, l.reserve())
	wait := l.reserve()
	assert.InDelta(t, 101*time.Millisecond, wait, float64(2*time.Millisecond))

	now = now.Add(100 * time.Millisecond)
	assert.Zero(t, l.reserve())

	// 长时间空闲最多补充到 burst
	now = now.Add(time.Hour)
	l.reserve()
	assert.InDelta(t, 1, l.Tokens(), 1e-9)
}

func TestTokenBucketLimiterWaitHonorsContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestRESTGet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/products":
			w.Header().Set("Cb-After", "cursor-2")
			io.WriteString(w, `[{"id":"BTC-USD","base_currency":"BTC","quote_currency":"USD","base_min_size":"0.001","base_max_size":"70","quote_increment":"0.01","status":"online","post_only":false}]`)
		case "/products/BTC-USD/book":
			assert.Equal(t, "2", r.URL.Query().Get("level"))
			io.WriteString(w, `{"sequence":3,"bids":[["295.96","4.39088265",2]],"asks":[["295.97","25.23542881",12]]}`)
		case "/products/BTC-USD/ticker":
			io.WriteString(w, `{"trade_id":4729088,"price":"333.99","size":"0.193","bid":"333.98","ask":"333.99","volume":"5957.11914015","time":"2015-11-14T20:46:03.511254Z"}`)
		case "/time":
			io.WriteString(w, `{"iso":"2015-01-07T23:47:25.201Z","epoch":1420674445.201}`)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"NotFound"}`)
		default:
			io.WriteString(w, `{"path":"`+r.URL.Path+`","q":"`+r.URL.RawQuery+`"}`)
		}
	}))
	defer ts.Close()

	mon := monitor.New(monitor.DefaultConfig())
	cli := NewREST(ts.URL)
	cli.HTTPClient = ts.Client()
	cli.Monitor = mon
	ctx := context.Background()

	hdr, body, err := cli.Get(ctx, "/echo", url.Values{"a": {"1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, hdr.Get("Content-Length"))
	var echo map[string]string
	require.NoError(t, json.Unmarshal(body, &echo))
	assert.Equal(t, map[string]string{"path": "/echo", "q": "a=1"}, echo)

	hdr, _, err = cli.Get(ctx, "/products", nil)
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", hdr.Get("Cb-After"))

	products, err := cli.Products(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "BTC-USD", products[0].ID)
	assert.Equal(t, "0.01", products[0].QuoteIncrement.String())

	book, err := cli.OrderBook(ctx, "BTC-USD", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, book.Sequence)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, `"295.96"`, string(book.Bids[0][0]))
	_, err = cli.OrderBook(ctx, "BTC-USD", 4)
	assert.Error(t, err)

	tick, err := cli.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "333.99", tick.Price.String())

	st, err := cli.ServerTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2015, st.Year())

	hdr, _, err = cli.Get(ctx, "/missing", nil)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.Status)
	assert.Equal(t, "NotFound", herr.Message)
	assert.NotNil(t, hdr)
	assert.Equal(t, 1.0, counterValue(t, mon, "exchange_fix_rest_errors_total"))
}

func TestRESTGetRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer ts.Close()

	cli := NewREST(ts.URL)
	cli.HTTPClient = ts.Client()
	cli.Limiter = NewTokenBucketLimiter(0.001, 1)
	_, _, err := cli.Get(context.Background(), "/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = cli.Get(ctx, "/", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewChannel(t *testing.T) {
	ch, err := NewChannel("TICKER", "BTC-USD", "ETH-USD", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, Channel{Name: "ticker", ProductIDs: []string{"BTC-USD", "ETH-USD"}}, ch)

	_, err = NewChannel("trades", "BTC-USD")
	assert.Error(t, err)
	_, err = NewChannel("level2")
	assert.Error(t, err)
}

func TestFeedSubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan subscribeMsg, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		for _, m := range []string{`{"type":"subscriptions"}`, `{"type":"ticker","price":"1"}`} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	ch, err := NewChannel("ticker", "BTC-USD")
	require.NoError(t, err)
	mon := monitor.New(monitor.DefaultConfig())
	feed := NewFeed("ws"+strings.TrimPrefix(ts.URL, "http"), ch)
	feed.Monitor = mon

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- feed.Run(ctx, func(msg []byte) { got <- string(msg) })
	}()

	select {
	case sub := <-subs:
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, []Channel{ch}, sub.Channels)
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription received")
	}
	for _, want := range []string{`{"type":"subscriptions"}`, `{"type":"ticker","price":"1"}`} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(3 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not stop")
	}
	assert.Equal(t, 1.0, counterValue(t, mon, "exchange_fix_ws_connections_total"))
}

func TestFeedRequiresChannels(t *testing.T) {
	err := NewFeed("ws://127.0.0.1:1").Run(context.Background(), nil)
	assert.Error(t, err)
}
