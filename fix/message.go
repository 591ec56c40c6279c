package fix

import (
	"strconv"
	"time"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

// Field 是一个 tag=value 对。
type Field struct {
	Tag   int
	Value string
}

// Header 是会话层标准头。
type Header struct {
	MsgType      MsgType
	SenderCompID string
	TargetCompID string
	SeqNum       int
	SendingTime  time.Time
}

// Outbound 表示一条待发送的逻辑报文，头部由会话层填充。
type Outbound interface {
	MsgType() MsgType
	Body() []Field
}

// Logon 登录请求。
type Logon struct {
	HeartBtInt         int // 秒
	Passphrase         string
	Signature          string
	CancelOnDisconnect bool
}

func (Logon) MsgType() MsgType { return MsgTypeLogon }

func (m Logon) Body() []Field {
	fields := []Field{
		{TagEncryptMethod, "0"},
		{TagHeartBtInt, strconv.Itoa(m.HeartBtInt)},
		{TagPassword, m.Passphrase},
		{TagRawData, m.Signature},
	}
	if m.CancelOnDisconnect {
		fields = append(fields, Field{TagCancelOnDisconnect, "Y"})
	}
	return fields
}

// Heartbeat 心跳；TestReqID 仅在回应 TestRequest 时填写。
type Heartbeat struct {
	TestReqID string
}

func (Heartbeat) MsgType() MsgType { return MsgTypeHeartbeat }

func (m Heartbeat) Body() []Field {
	if m.TestReqID == "" {
		return nil
	}
	return []Field{{TagTestReqID, m.TestReqID}}
}

// TestRequest 要求对端立即回一个带相同 TestReqID 的心跳。
type TestRequest struct {
	TestReqID string
}

func (TestRequest) MsgType() MsgType { return MsgTypeTestRequest }

func (m TestRequest) Body() []Field {
	return []Field{{TagTestReqID, m.TestReqID}}
}

// Logout 登出。
type Logout struct {
	Text string
}

func (Logout) MsgType() MsgType { return MsgTypeLogout }

func (m Logout) Body() []Field {
	if m.Text == "" {
		return nil
	}
	return []Field{{TagText, m.Text}}
}

// NewOrderSingle 新订单。StopPrice 无效时不发送 99。
type NewOrderSingle struct {
	ClOrdID     string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	OrderQty    decimal.Decimal
	StopPrice   decimal.NullDecimal
	OrdType     OrdType
	TimeInForce TimeInForce
}

func (NewOrderSingle) MsgType() MsgType { return MsgTypeNewOrderSingle }

func (m NewOrderSingle) Body() []Field {
	fields := []Field{
		{TagHandlInst, "1"},
		{TagClOrdID, m.ClOrdID},
		{TagSymbol, m.Symbol},
		{TagSide, string(m.Side)},
		{TagPrice, m.Price.String()},
		{TagOrderQty, m.OrderQty.String()},
		{TagOrdType, string(m.OrdType)},
	}
	if m.StopPrice.Valid {
		fields = append(fields, Field{TagStopPx, m.StopPrice.Decimal.String()})
	}
	fields = append(fields, Field{TagTimeInForce, string(m.TimeInForce)})
	return fields
}

// OrderCancelRequest 撤单请求；OrderID 未知时省略。
type OrderCancelRequest struct {
	ClOrdID     string
	OrigClOrdID string
	OrderID     string
	Symbol      string
}

func (OrderCancelRequest) MsgType() MsgType { return MsgTypeOrderCancelRequest }

func (m OrderCancelRequest) Body() []Field {
	fields := []Field{
		{TagClOrdID, m.ClOrdID},
		{TagOrigClOrdID, m.OrigClOrdID},
	}
	if m.OrderID != "" {
		fields = append(fields, Field{TagOrderID, m.OrderID})
	}
	fields = append(fields, Field{TagSymbol, m.Symbol})
	return fields
}

// Encode 按 FIX 线格式编码报文。头部字段顺序为 8、9、35 之后按 tag 升序，
// BodyLength 与 CheckSum 由 quickfix 在序列化时计算。
func Encode(h Header, m Outbound) []byte {
	msg := quickfix.NewMessage()
	msg.Header.SetString(quickfix.Tag(TagBeginString), BeginString)
	msg.Header.SetString(quickfix.Tag(TagMsgType), string(m.MsgType()))
	msg.Header.SetString(quickfix.Tag(TagSenderCompID), h.SenderCompID)
	msg.Header.SetString(quickfix.Tag(TagTargetCompID), h.TargetCompID)
	msg.Header.SetInt(quickfix.Tag(TagMsgSeqNum), h.SeqNum)
	msg.Header.SetString(quickfix.Tag(TagSendingTime), FormatTime(h.SendingTime))
	for _, f := range m.Body() {
		msg.Body.SetString(quickfix.Tag(f.Tag), f.Value)
	}
	return []byte(msg.String())
}

// Checksum 返回字节和 mod 256。
func Checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// FormatTime 将时间格式化为 SendingTime 使用的 UTC 字符串。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
