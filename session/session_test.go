package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-connect-go/fix"
	"exchange-connect-go/order"
	"exchange-connect-go/transport"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Passphrase = ""
	_, err := NewClient(cfg, transport.NewTCP("x:1", nil))
	assert.ErrorContains(t, err, "passphrase")
}

func TestConnectAndClose(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.c
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Connected())
	assert.False(t, c.LoggedIn())
	assert.False(t, c.Session().HeartbeatRunning())

	v, logon := h.login(t)
	assert.True(t, c.Connected())
	assert.True(t, c.LoggedIn())
	assert.True(t, c.Session().HeartbeatRunning())

	assert.Equal(t, "key", logon[fix.TagSenderCompID])
	assert.Equal(t, "Coinbase", logon[fix.TagTargetCompID])
	assert.Equal(t, "1", logon[fix.TagMsgSeqNum])
	assert.Equal(t, "pass", logon[fix.TagPassword])
	assert.Equal(t, "Y", logon[fix.TagCancelOnDisconnect])
	assert.Equal(t, "1", logon[fix.TagHeartBtInt])
	sig, err := fix.Sign(testConfig().Secret, logon[fix.TagSendingTime], fix.LogonPayload(1, "key", "Coinbase", "pass"))
	require.NoError(t, err)
	assert.Equal(t, sig, logon[fix.TagRawData])

	errc := make(chan error, 1)
	go func() { errc <- c.Close(context.Background()) }()
	v.expect(fix.MsgTypeLogout)
	v.send(fix.MsgTypeLogout)
	require.NoError(t, <-errc)

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.LoggedIn())
	assert.False(t, c.Session().HeartbeatRunning())
	assert.NoError(t, c.Session().LastError())

	// 登出之后不再有任何报文
	for f := range v.in {
		t.Fatalf("unexpected frame after logout: %s", f.typ())
	}
	assert.NoError(t, c.Close(context.Background()))
}

func TestCloseWithoutVenueReply(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)

	start := time.Now()
	require.NoError(t, h.c.Close(context.Background()))
	v.expect(fix.MsgTypeLogout)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, StateDisconnected, h.c.State())
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	err := h.c.Connect(context.Background())
	var ce *transport.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StateDisconnected, h.c.State())
	assert.False(t, h.c.Session().HeartbeatRunning())
}

func TestLogonRejectedByLogout(t *testing.T) {
	h := newHarness(t, testConfig())
	errc := make(chan error, 1)
	go func() { errc <- h.c.Connect(context.Background()) }()
	v := h.nextVenue(t)
	v.expect(fix.MsgTypeLogon)
	v.send(fix.MsgTypeLogout, fix.Field{Tag: fix.TagText, Value: "invalid signature"})

	err := <-errc
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "invalid signature", ae.Reason)
	assert.Equal(t, StateDisconnected, h.c.State())
}

func TestLogonRejectedByReject(t *testing.T) {
	h := newHarness(t, testConfig())
	errc := make(chan error, 1)
	go func() { errc <- h.c.Connect(context.Background()) }()
	v := h.nextVenue(t)
	v.expect(fix.MsgTypeLogon)
	v.send(fix.MsgTypeReject,
		fix.Field{Tag: fix.TagRefSeqNum, Value: "1"},
		fix.Field{Tag: fix.TagText, Value: "bad api key"})

	var ae *AuthenticationError
	require.ErrorAs(t, <-errc, &ae)
	assert.Equal(t, "bad api key", ae.Reason)
}

func TestLogonTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.LogonTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	errc := make(chan error, 1)
	go func() { errc <- h.c.Connect(context.Background()) }()
	v := h.nextVenue(t)
	v.expect(fix.MsgTypeLogon)

	var ae *AuthenticationError
	require.ErrorAs(t, <-errc, &ae)
	assert.Contains(t, ae.Reason, "timed out")
	assert.Equal(t, StateDisconnected, h.c.State())
	var ae2 *AuthenticationError
	assert.ErrorAs(t, h.c.Session().LastError(), &ae2)
}

func TestAnswersTestRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)

	v.send(fix.MsgTypeTestRequest, fix.Field{Tag: fix.TagTestReqID, Value: "ping-1"})
	hb := v.expect(fix.MsgTypeHeartbeat)
	for hb[fix.TagTestReqID] == "" {
		hb = v.expect(fix.MsgTypeHeartbeat)
	}
	assert.Equal(t, "ping-1", hb[fix.TagTestReqID])
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	h := newHarness(t, cfg)
	v, _ := h.login(t)
	o, err := h.c.Submit(order.LimitRequest(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), order.GTC))
	require.NoError(t, err)
	v.expect(fix.MsgTypeNewOrderSingle)

	tr := v.expect(fix.MsgTypeTestRequest)
	// 回应一次，然后保持沉默
	v.send(fix.MsgTypeHeartbeat, fix.Field{Tag: fix.TagTestReqID, Value: tr[fix.TagTestReqID]})
	v.expect(fix.MsgTypeTestRequest)

	waitState(t, h.c.Session(), StateDisconnected)
	assert.ErrorIs(t, h.c.Session().LastError(), ErrHeartbeatTimeout)
	assert.False(t, h.c.Session().HeartbeatRunning())

	waitDone(t, o)
	assert.ErrorIs(t, o.Err(), order.ErrSessionLost)
	assert.ErrorIs(t, o.Err(), ErrHeartbeatTimeout)
	assert.Equal(t, order.StatusPending, o.Status())
}

func TestSubmitAcknowledgeAndCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)

	o, err := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("100.25"), decimal.RequireFromString("0.01"), order.PO)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status())

	nos := v.expect(fix.MsgTypeNewOrderSingle)
	assert.Equal(t, o.ID, nos[fix.TagClOrdID])
	assert.Equal(t, "2", nos[fix.TagMsgSeqNum])
	assert.Equal(t, "1", nos[fix.TagHandlInst])
	assert.Equal(t, "BTC-USD", nos[fix.TagSymbol])
	assert.Equal(t, "1", nos[fix.TagSide])
	assert.Equal(t, "100.25", nos[fix.TagPrice])
	assert.Equal(t, "0.01", nos[fix.TagOrderQty])
	assert.Equal(t, "2", nos[fix.TagOrdType])
	assert.Equal(t, "P", nos[fix.TagTimeInForce])

	v.execReport(o.ID, fix.ExecTypeNew, fix.OrdStatusNew, fix.Field{Tag: fix.TagOrderID, Value: "ex-1"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, o.WaitAcknowledged(ctx))
	assert.Equal(t, order.StatusNew, o.Status())
	assert.Equal(t, "ex-1", o.ExchangeID())

	v.execReport(o.ID, fix.ExecTypeFill, fix.OrdStatusPartiallyFilled,
		fix.Field{Tag: fix.TagExecID, Value: "e-1"},
		fix.Field{Tag: fix.TagLastPx, Value: "100.25"},
		fix.Field{Tag: fix.TagLastShares, Value: "0.004"})

	errc := make(chan error, 1)
	go func() { errc <- h.c.Cancel(ctx, o.ID) }()
	cxl := v.expect(fix.MsgTypeOrderCancelRequest)
	assert.Equal(t, o.ID, cxl[fix.TagOrigClOrdID])
	assert.Equal(t, "ex-1", cxl[fix.TagOrderID])
	assert.NotEqual(t, o.ID, cxl[fix.TagClOrdID])

	v.execReport(cxl[fix.TagClOrdID], fix.ExecTypeCanceled, fix.OrdStatusCanceled,
		fix.Field{Tag: fix.TagOrigClOrdID, Value: o.ID})
	require.NoError(t, <-errc)
	assert.Equal(t, order.StatusCanceled, o.Status())
	assert.True(t, o.FilledSize().Equal(decimal.RequireFromString("0.004")))

	got, ok := h.c.Order(o.ID)
	assert.True(t, ok)
	assert.Same(t, o, got)
}

func TestCancelRejectedOverWire(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, err := h.c.LimitOrder(order.SideSell, "BTC-USD", decimal.RequireFromString("2"), decimal.RequireFromString("1"), "")
	require.NoError(t, err)
	v.expect(fix.MsgTypeNewOrderSingle)
	v.execReport(o.ID, fix.ExecTypeNew, fix.OrdStatusNew)

	errc := make(chan error, 1)
	go func() { errc <- h.c.Cancel(context.Background(), o.ID) }()
	cxl := v.expect(fix.MsgTypeOrderCancelRequest)
	v.send(fix.MsgTypeOrderCancelReject,
		fix.Field{Tag: fix.TagClOrdID, Value: cxl[fix.TagClOrdID]},
		fix.Field{Tag: fix.TagOrigClOrdID, Value: o.ID},
		fix.Field{Tag: fix.TagText, Value: "Order already done"})

	var cre *order.CancelRejectedError
	require.ErrorAs(t, <-errc, &cre)
	assert.Equal(t, "Order already done", cre.Reason)
	assert.Equal(t, order.StatusNew, o.Status())
}

func TestBusinessRejectResolvesOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, err := h.c.LimitOrder(order.SideBuy, "NOPE-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	require.NoError(t, err)
	nos := v.expect(fix.MsgTypeNewOrderSingle)

	v.send(fix.MsgTypeBusinessReject,
		fix.Field{Tag: fix.TagRefSeqNum, Value: nos[fix.TagMsgSeqNum]},
		fix.Field{Tag: fix.TagRefMsgType, Value: "D"},
		fix.Field{Tag: fix.TagBusinessRejectRsn, Value: "1"},
		fix.Field{Tag: fix.TagText, Value: "unknown product"})
	waitDone(t, o)
	assert.Equal(t, order.StatusRejected, o.Status())
	assert.Equal(t, "unknown product", o.RejectReason())
	assert.True(t, h.c.LoggedIn())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	a, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	b, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)
	v.expect(fix.MsgTypeNewOrderSingle)

	bad := v.build(fix.MsgTypeExecutionReport,
		fix.Field{Tag: fix.TagClOrdID, Value: a.ID},
		fix.Field{Tag: fix.TagExecType, Value: "0"},
		fix.Field{Tag: fix.TagOrdStatus, Value: "0"})
	bad[len(bad)-2] ^= 1
	v.write(bad)
	v.execReport(b.ID, fix.ExecTypeNew, fix.OrdStatusNew)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, b.WaitAcknowledged(ctx))
	assert.ErrorIs(t, nextError(t, h.c), fix.ErrMalformedMessage)
	assert.Equal(t, order.StatusPending, a.Status())
	assert.False(t, a.IsAcknowledged())
	assert.True(t, h.c.LoggedIn())

	v.send(fix.MsgType("W"), fix.Field{Tag: fix.TagSymbol, Value: "BTC-USD"})
	assert.ErrorIs(t, nextError(t, h.c), fix.ErrUnknownMessageType)
	assert.True(t, h.c.LoggedIn())
}

func TestInflatedBodyLengthDoesNotHoldBackLaterFrames(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	a, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	b, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)
	v.expect(fix.MsgTypeNewOrderSingle)

	bad := v.build(fix.MsgTypeExecutionReport,
		fix.Field{Tag: fix.TagClOrdID, Value: a.ID},
		fix.Field{Tag: fix.TagExecID, Value: "e-a"},
		fix.Field{Tag: fix.TagExecType, Value: "0"},
		fix.Field{Tag: fix.TagOrdStatus, Value: "0"})
	v.write(bytes.Replace(bad, []byte("\x019="), []byte("\x019=9"), 1))
	v.execReport(b.ID, fix.ExecTypeNew, fix.OrdStatusNew)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, b.WaitAcknowledged(ctx))
	assert.Equal(t, order.StatusNew, b.Status())
	assert.ErrorIs(t, nextError(t, h.c), fix.ErrMalformedMessage)
	assert.Equal(t, order.StatusPending, a.Status())
	assert.True(t, h.c.LoggedIn())
}

func TestBadFramesCountOncePerFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)

	// 两帧坏 BodyLength，低于 MaxMalformed=3
	for i := 0; i < 2; i++ {
		bad := v.build(fix.MsgTypeHeartbeat)
		v.write(bytes.Replace(bad, []byte("\x019="), []byte("\x019=x"), 1))
	}
	v.execReport(o.ID, fix.ExecTypeNew, fix.OrdStatusNew)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, o.WaitAcknowledged(ctx))
	assert.ErrorIs(t, nextError(t, h.c), fix.ErrMalformedMessage)
	assert.ErrorIs(t, nextError(t, h.c), fix.ErrMalformedMessage)
	assert.True(t, h.c.LoggedIn())
}

func TestRepeatedMalformedFramesDisconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)

	for i := 0; i < 3; i++ {
		bad := v.build(fix.MsgTypeHeartbeat)
		bad[len(bad)-2] ^= 1
		v.write(bad)
	}
	waitState(t, h.c.Session(), StateDisconnected)
	var ce *transport.ConnectionError
	require.ErrorAs(t, h.c.Session().LastError(), &ce)
	assert.ErrorIs(t, ce, fix.ErrMalformedMessage)

	waitDone(t, o)
	assert.ErrorIs(t, o.Err(), order.ErrSessionLost)
}

func TestVenueLogout(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)
	v.execReport(o.ID, fix.ExecTypeNew, fix.OrdStatusNew)

	v.send(fix.MsgTypeLogout, fix.Field{Tag: fix.TagText, Value: "maintenance"})
	v.expect(fix.MsgTypeLogout)
	waitState(t, h.c.Session(), StateDisconnected)
	assert.ErrorIs(t, h.c.Session().LastError(), ErrLoggedOut)
	assert.False(t, h.c.Session().HeartbeatRunning())

	waitDone(t, o)
	assert.ErrorIs(t, o.Err(), order.ErrSessionLost)
	assert.Equal(t, order.StatusNew, o.Status())
}

func TestPeerDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	v, _ := h.login(t)
	o, _ := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	v.expect(fix.MsgTypeNewOrderSingle)

	v.conn.Close()
	waitState(t, h.c.Session(), StateDisconnected)
	var ce *transport.ConnectionError
	assert.ErrorAs(t, h.c.Session().LastError(), &ce)
	waitDone(t, o)
	assert.ErrorIs(t, o.Err(), order.ErrSessionLost)

	_, err := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	// 新会话序号从 1 开始
	_, logon := h.login(t)
	assert.Equal(t, "1", logon[fix.TagMsgSeqNum])
	assert.True(t, h.c.LoggedIn())
	assert.Equal(t, 1, h.c.Session().Stats().OutSeq)
}

func TestSubmitBeforeConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.Zero, decimal.RequireFromString("1"), "")
	var ve *order.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDisconnectHandlerSeesFailedOrders(t *testing.T) {
	type lost struct {
		cause  error
		failed int
	}
	got := make(chan lost, 2)
	h := newHarness(t, testConfig(), WithDisconnectHandler(func(cause error, failed int) {
		got <- lost{cause, failed}
	}))
	v, _ := h.login(t)
	_, err := h.c.LimitOrder(order.SideBuy, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("1"), "")
	require.NoError(t, err)
	v.expect(fix.MsgTypeNewOrderSingle)

	v.conn.Close()
	select {
	case l := <-got:
		assert.Error(t, l.cause)
		assert.Equal(t, 1, l.failed)
	case <-time.After(3 * time.Second):
		t.Fatalf("disconnect handler not called")
	}
}
