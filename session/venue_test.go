package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exchange-connect-go/fix"
	"exchange-connect-go/order"
	"exchange-connect-go/transport"
)

// rawMsg 让测试场所发送任意类型的报文。
type rawMsg struct {
	typ    fix.MsgType
	fields []fix.Field
}

func (r rawMsg) MsgType() fix.MsgType { return r.typ }
func (r rawMsg) Body() []fix.Field    { return r.fields }

// frame 是场所侧解析出的一帧字段。
type frame map[int]string

func (f frame) typ() fix.MsgType { return fix.MsgType(f[fix.TagMsgType]) }

func parseFields(raw []byte) frame {
	f := frame{}
	for _, kv := range strings.Split(strings.TrimSuffix(string(raw), "\x01"), "\x01") {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		tag, _ := strconv.Atoi(kv[:i])
		if _, dup := f[tag]; !dup {
			f[tag] = kv[i+1:]
		}
	}
	return f
}

// venue 模拟场所的一端连接。
type venue struct {
	t    *testing.T
	conn net.Conn
	in   chan frame

	mu    sync.Mutex
	seq   int
	execs int
}

func newVenue(t *testing.T, conn net.Conn) *venue {
	v := &venue{t: t, conn: conn, in: make(chan frame, 256)}
	go v.readLoop()
	return v
}

func (v *venue) readLoop() {
	defer close(v.in)
	var fr fix.Framer
	buf := make([]byte, 4096)
	for {
		n, err := v.conn.Read(buf)
		fr.Write(buf[:n])
		for {
			raw, ferr := fr.Next()
			if ferr != nil {
				continue
			}
			if raw == nil {
				break
			}
			v.in <- parseFields(raw)
		}
		if err != nil {
			return
		}
	}
}

// expect 等待下一帧指定类型的报文，途中的心跳与 TestRequest 被跳过。
func (v *venue) expect(typ fix.MsgType) frame {
	v.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-v.in:
			if !ok {
				v.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if f.typ() == typ {
				return f
			}
			if f.typ() == fix.MsgTypeHeartbeat || f.typ() == fix.MsgTypeTestRequest {
				continue
			}
			v.t.Fatalf("expected %s, got %s", typ, f.typ())
		case <-timeout:
			v.t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func (v *venue) build(typ fix.MsgType, fields ...fix.Field) []byte {
	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.mu.Unlock()
	return fix.Encode(fix.Header{
		SenderCompID: fix.DefaultTargetCompID,
		TargetCompID: "key",
		SeqNum:       seq,
		SendingTime:  time.Now(),
	}, rawMsg{typ: typ, fields: fields})
}

func (v *venue) send(typ fix.MsgType, fields ...fix.Field) {
	v.write(v.build(typ, fields...))
}

func (v *venue) write(b []byte) {
	_, _ = v.conn.Write(b)
}

// execReport 发送执行回报；extra 中的 ExecID 覆盖自动生成的值。
func (v *venue) execReport(clOrdID string, et fix.ExecType, st fix.OrdStatus, extra ...fix.Field) {
	v.mu.Lock()
	v.execs++
	execID := fmt.Sprintf("exec-%d", v.execs)
	v.mu.Unlock()
	fields := []fix.Field{
		{Tag: fix.TagExecID, Value: execID},
		{Tag: fix.TagClOrdID, Value: clOrdID},
		{Tag: fix.TagExecType, Value: string(et)},
		{Tag: fix.TagOrdStatus, Value: string(st)},
		{Tag: fix.TagSymbol, Value: "BTC-USD"},
	}
	v.send(fix.MsgTypeExecutionReport, append(fields, extra...)...)
}

type harness struct {
	c      *Client
	tr     *transport.TCP
	venues chan *venue
}

func testConfig() Config {
	return Config{
		SenderCompID:      "key",
		Secret:            base64.StdEncoding.EncodeToString([]byte("secret")),
		Passphrase:        "pass",
		HeartbeatInterval: time.Second,
		LogonTimeout:      2 * time.Second,
		LogoutTimeout:     300 * time.Millisecond,
		MaxMalformed:      3,
	}
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{venues: make(chan *venue, 4)}
	h.tr = transport.NewTCP("fix.test:4198", nil)
	h.tr.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		h.venues <- newVenue(t, server)
		return client, nil
	}
	opts = append([]Option{WithOrderOptions(order.WithIDGenerator(seqIDs()))}, opts...)
	c, err := NewClient(cfg, h.tr, opts...)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return h
}

func (h *harness) nextVenue(t *testing.T) *venue {
	t.Helper()
	select {
	case v := <-h.venues:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("client never dialed")
		return nil
	}
}

// login 连接并让场所确认登录，返回场所端与登录帧。
func (h *harness) login(t *testing.T) (*venue, frame) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.c.Connect(context.Background()) }()
	v := h.nextVenue(t)
	logon := v.expect(fix.MsgTypeLogon)
	v.send(fix.MsgTypeLogon, fix.Field{Tag: fix.TagHeartBtInt, Value: "30"})
	require.NoError(t, <-errc)
	return v, logon
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := s.WaitState(ctx, want)
	require.NoError(t, err, "stuck in %s", got)
}

func waitDone(t *testing.T, o *order.Order) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("order %s never completed", o.ID)
	}
}

func nextError(t *testing.T, c *Client) error {
	t.Helper()
	select {
	case err := <-c.Errors():
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("no error reported")
		return nil
	}
}
