package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedMessage 校验和/长度不符、缺少必需字段或无法解析。
	ErrMalformedMessage = errors.New("fix: malformed message")
	// ErrUnknownMessageType MsgType 不在支持列表中。
	ErrUnknownMessageType = errors.New("fix: unknown message type")
)

// Message 是解码后的入站报文。
type Message interface {
	MsgType() MsgType
}

// LogonAck 场所对登录的确认。
type LogonAck struct {
	HeartBtInt int
}

// LogoutMsg 入站登出（场所发起或对本端登出的回应）。
type LogoutMsg struct {
	Text string
}

// HeartbeatMsg 入站心跳。
type HeartbeatMsg struct {
	TestReqID string
}

// TestRequestMsg 入站测试请求，需用心跳回应。
type TestRequestMsg struct {
	TestReqID string
}

// Reject 会话层拒绝(3)或业务拒绝(j)。
type Reject struct {
	RefSeqNum  int
	RefMsgType MsgType
	RefTagID   string
	Reason     string
	Text       string
	Business   bool
}

// ExecutionReport 执行回报(8)。
type ExecutionReport struct {
	ClOrdID      string
	OrigClOrdID  string
	OrderID      string
	ExecID       string
	TradeID      string
	Symbol       string
	Side         Side
	ExecType     ExecType
	OrdStatus    OrdStatus
	Price        decimal.NullDecimal
	OrderQty     decimal.NullDecimal
	LastPx       decimal.NullDecimal
	LastQty      decimal.NullDecimal
	CumQty       decimal.NullDecimal
	LeavesQty    decimal.NullDecimal
	OrdRejReason string
	Text         string
}

// CancelReject 撤单拒绝(9)。
type CancelReject struct {
	ClOrdID      string
	OrigClOrdID  string
	OrderID      string
	OrdStatus    OrdStatus
	CxlRejReason string
	ResponseTo   string
	Text         string
}

func (LogonAck) MsgType() MsgType        { return MsgTypeLogon }
func (LogoutMsg) MsgType() MsgType       { return MsgTypeLogout }
func (HeartbeatMsg) MsgType() MsgType    { return MsgTypeHeartbeat }
func (TestRequestMsg) MsgType() MsgType  { return MsgTypeTestRequest }
func (ExecutionReport) MsgType() MsgType { return MsgTypeExecutionReport }
func (CancelReject) MsgType() MsgType    { return MsgTypeOrderCancelReject }

func (r Reject) MsgType() MsgType {
	if r.Business {
		return MsgTypeBusinessReject
	}
	return MsgTypeReject
}

// fieldGetter 是 quickfix Header/Body/Trailer 共有的读取方法。
type fieldGetter interface {
	Has(tag quickfix.Tag) bool
	GetString(tag quickfix.Tag) (string, quickfix.MessageRejectError)
}

// fieldMap 按 Header、Body、Trailer 的顺序查找 quickfix 解析出的字段。
type fieldMap struct {
	msg *quickfix.Message
}

func (f fieldMap) get(tag int) (string, bool) {
	for _, part := range []fieldGetter{&f.msg.Header, &f.msg.Body, &f.msg.Trailer} {
		if !part.Has(quickfix.Tag(tag)) {
			continue
		}
		v, err := part.GetString(quickfix.Tag(tag))
		return v, err == nil
	}
	return "", false
}

func (f fieldMap) str(tag int) string {
	v, _ := f.get(tag)
	return v
}

func (f fieldMap) require(tag int) (string, error) {
	v, ok := f.get(tag)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing tag %d", ErrMalformedMessage, tag)
	}
	return v, nil
}

func (f fieldMap) decimal(tag int) (decimal.NullDecimal, error) {
	v, ok := f.get(tag)
	if !ok || v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: tag %d: %v", ErrMalformedMessage, tag, err)
	}
	return decimal.NewNullDecimal(d), nil
}

// Decode 校验一帧完整报文并解码为具体类型。
// 帧本身合法但类型未知时返回已解析的 Header 与 ErrUnknownMessageType。
func Decode(frame []byte) (Header, Message, error) {
	var h Header
	fields, err := parseFrame(frame)
	if err != nil {
		return h, nil, err
	}
	msgType, err := fields.require(TagMsgType)
	if err != nil {
		return h, nil, err
	}
	h.MsgType = MsgType(msgType)
	h.SenderCompID = fields.str(TagSenderCompID)
	h.TargetCompID = fields.str(TagTargetCompID)
	seq, err := fields.require(TagMsgSeqNum)
	if err != nil {
		return h, nil, err
	}
	if h.SeqNum, err = strconv.Atoi(seq); err != nil {
		return h, nil, fmt.Errorf("%w: bad MsgSeqNum %q", ErrMalformedMessage, seq)
	}
	if ts, ok := fields.get(TagSendingTime); ok {
		if t, err := time.Parse(TimeFormat, ts); err == nil {
			h.SendingTime = t
		}
	}

	var msg Message
	switch h.MsgType {
	case MsgTypeLogon:
		ack := LogonAck{}
		if v, ok := fields.get(TagHeartBtInt); ok {
			ack.HeartBtInt, _ = strconv.Atoi(v)
		}
		msg = ack
	case MsgTypeLogout:
		msg = LogoutMsg{Text: fields.str(TagText)}
	case MsgTypeHeartbeat:
		msg = HeartbeatMsg{TestReqID: fields.str(TagTestReqID)}
	case MsgTypeTestRequest:
		id, err := fields.require(TagTestReqID)
		if err != nil {
			return h, nil, err
		}
		msg = TestRequestMsg{TestReqID: id}
	case MsgTypeReject, MsgTypeBusinessReject:
		rej := Reject{
			RefMsgType: MsgType(fields.str(TagRefMsgType)),
			RefTagID:   fields.str(TagRefTagID),
			Text:       fields.str(TagText),
			Business:   h.MsgType == MsgTypeBusinessReject,
		}
		if rej.Business {
			rej.Reason = fields.str(TagBusinessRejectRsn)
		} else {
			rej.Reason = fields.str(TagSessionRejectRsn)
		}
		if v, ok := fields.get(TagRefSeqNum); ok {
			rej.RefSeqNum, _ = strconv.Atoi(v)
		}
		msg = rej
	case MsgTypeExecutionReport:
		er, err := decodeExecutionReport(fields)
		if err != nil {
			return h, nil, err
		}
		msg = er
	case MsgTypeOrderCancelReject:
		cr := CancelReject{
			OrigClOrdID:  fields.str(TagOrigClOrdID),
			OrderID:      fields.str(TagOrderID),
			OrdStatus:    OrdStatus(fields.str(TagOrdStatus)),
			CxlRejReason: fields.str(TagCxlRejReason),
			ResponseTo:   fields.str(TagCxlRejResponseTo),
			Text:         fields.str(TagText),
		}
		if cr.ClOrdID, err = fields.require(TagClOrdID); err != nil {
			return h, nil, err
		}
		msg = cr
	default:
		return h, nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}
	return h, msg, nil
}

func decodeExecutionReport(fields fieldMap) (ExecutionReport, error) {
	var (
		er  ExecutionReport
		err error
	)
	if er.ClOrdID, err = fields.require(TagClOrdID); err != nil {
		return er, err
	}
	execType, err := fields.require(TagExecType)
	if err != nil {
		return er, err
	}
	er.ExecType = ExecType(execType)
	// ExecID 是成交去重的依据
	if er.ExecID, err = fields.require(TagExecID); err != nil {
		return er, err
	}
	er.OrdStatus = OrdStatus(fields.str(TagOrdStatus))
	er.OrigClOrdID = fields.str(TagOrigClOrdID)
	er.OrderID = fields.str(TagOrderID)
	er.TradeID = fields.str(TagTradeID)
	er.Symbol = fields.str(TagSymbol)
	er.Side = Side(fields.str(TagSide))
	er.OrdRejReason = fields.str(TagOrdRejReason)
	er.Text = fields.str(TagText)

	decimals := []struct {
		tag int
		dst *decimal.NullDecimal
	}{
		{TagPrice, &er.Price},
		{TagOrderQty, &er.OrderQty},
		{TagLastPx, &er.LastPx},
		{TagLastShares, &er.LastQty},
		{TagCumQty, &er.CumQty},
		{TagLeavesQty, &er.LeavesQty},
	}
	for _, d := range decimals {
		if *d.dst, err = fields.decimal(d.tag); err != nil {
			return er, err
		}
	}
	return er, nil
}

// parseFrame 校验 BeginString/BodyLength/CheckSum，再交给 quickfix 拆分字段。
func parseFrame(frame []byte) (fieldMap, error) {
	if len(frame) == 0 || frame[len(frame)-1] != SOH {
		return fieldMap{}, fmt.Errorf("%w: frame not terminated", ErrMalformedMessage)
	}
	trailer := bytes.LastIndex(frame[:len(frame)-1], []byte{SOH})
	if trailer < 0 || !bytes.HasPrefix(frame[trailer+1:], []byte("10=")) {
		return fieldMap{}, fmt.Errorf("%w: missing checksum", ErrMalformedMessage)
	}
	want, err := strconv.Atoi(string(frame[trailer+4 : len(frame)-1]))
	if err != nil {
		return fieldMap{}, fmt.Errorf("%w: bad checksum field", ErrMalformedMessage)
	}
	if got := Checksum(frame[:trailer+1]); got != want {
		return fieldMap{}, fmt.Errorf("%w: checksum %03d, want %03d", ErrMalformedMessage, got, want)
	}
	if err := checkBodyLength(frame, trailer); err != nil {
		return fieldMap{}, err
	}

	msg := quickfix.NewMessage()
	if err := quickfix.ParseMessage(msg, bytes.NewBuffer(frame)); err != nil {
		return fieldMap{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return fieldMap{msg: msg}, nil
}

// checkBodyLength 要求 8、9 依次出现，且 BodyLength 与 9= 之后到 10= 之前的字节数一致。
func checkBodyLength(frame []byte, trailer int) error {
	if !bytes.HasPrefix(frame, []byte("8=")) {
		return fmt.Errorf("%w: BeginString must be first", ErrMalformedMessage)
	}
	first := bytes.IndexByte(frame, SOH)
	if first < 0 || !bytes.HasPrefix(frame[first+1:], []byte("9=")) {
		return fmt.Errorf("%w: BodyLength must be second", ErrMalformedMessage)
	}
	end := bytes.IndexByte(frame[first+1:], SOH)
	if end < 0 {
		return fmt.Errorf("%w: missing BodyLength", ErrMalformedMessage)
	}
	bodyStart := first + 1 + end + 1
	value := string(frame[first+3 : bodyStart-1])
	declared, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: bad BodyLength %q", ErrMalformedMessage, value)
	}
	if actual := trailer + 1 - bodyStart; actual != declared {
		return fmt.Errorf("%w: body length %d, declared %d", ErrMalformedMessage, actual, declared)
	}
	return nil
}
