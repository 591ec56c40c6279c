// Package fix 实现订单通道使用的 FIX 4.2 报文编解码。
package fix

// 分隔符与协议版本
const (
	SOH         byte   = 0x01
	BeginString string = "FIX.4.2"

	// TimeFormat 是 SendingTime(52) 的 UTC 格式。
	TimeFormat = "20060102-15:04:05.000"

	// DefaultTargetCompID 场所默认的 TargetCompID。
	DefaultTargetCompID = "Coinbase"
)

// 字段标签
const (
	TagAvgPx              = 6
	TagBeginString        = 8
	TagBodyLength         = 9
	TagCheckSum           = 10
	TagClOrdID            = 11
	TagCumQty             = 14
	TagExecID             = 17
	TagHandlInst          = 21
	TagLastPx             = 31
	TagLastShares         = 32
	TagMsgSeqNum          = 34
	TagMsgType            = 35
	TagOrderID            = 37
	TagOrderQty           = 38
	TagOrdStatus          = 39
	TagOrdType            = 40
	TagOrigClOrdID        = 41
	TagPrice              = 44
	TagRefSeqNum          = 45
	TagSenderCompID       = 49
	TagSendingTime        = 52
	TagSide               = 54
	TagSymbol             = 55
	TagTargetCompID       = 56
	TagText               = 58
	TagTimeInForce        = 59
	TagTransactTime       = 60
	TagRawData            = 96
	TagEncryptMethod      = 98
	TagStopPx             = 99
	TagCxlRejReason       = 102
	TagOrdRejReason       = 103
	TagHeartBtInt         = 108
	TagTestReqID          = 112
	TagExecType           = 150
	TagLeavesQty          = 151
	TagRefTagID           = 371
	TagRefMsgType         = 372
	TagSessionRejectRsn   = 373
	TagBusinessRejectRsn  = 380
	TagCxlRejResponseTo   = 434
	TagPassword           = 554
	TagTradeID            = 1003
	TagCancelOnDisconnect = 8013
)

// MsgType 对应标签 35。
type MsgType string

const (
	MsgTypeHeartbeat          MsgType = "0"
	MsgTypeTestRequest        MsgType = "1"
	MsgTypeReject             MsgType = "3"
	MsgTypeLogout             MsgType = "5"
	MsgTypeExecutionReport    MsgType = "8"
	MsgTypeOrderCancelReject  MsgType = "9"
	MsgTypeLogon              MsgType = "A"
	MsgTypeNewOrderSingle     MsgType = "D"
	MsgTypeOrderCancelRequest MsgType = "F"
	MsgTypeBusinessReject     MsgType = "j"
)

// Side 对应标签 54。
type Side string

const (
	SideBuy  Side = "1"
	SideSell Side = "2"
)

// OrdType 对应标签 40。
type OrdType string

const (
	OrdTypeLimit     OrdType = "2"
	OrdTypeStopLimit OrdType = "4"
)

// TimeInForce 对应标签 59。
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "1" // good till cancel
	TimeInForceIOC TimeInForce = "3" // immediate or cancel
	TimeInForceFOK TimeInForce = "4" // fill or kill
	TimeInForcePO  TimeInForce = "P" // post only
)

// ExecType 对应标签 150。
type ExecType string

const (
	ExecTypeNew      ExecType = "0"
	ExecTypeFill     ExecType = "1"
	ExecTypeFilled   ExecType = "2"
	ExecTypeDone     ExecType = "3"
	ExecTypeCanceled ExecType = "4"
	ExecTypeStopped  ExecType = "7"
	ExecTypeRejected ExecType = "8"
	ExecTypeRestated ExecType = "D"
	ExecTypeStatus   ExecType = "I"
)

// OrdStatus 对应标签 39。
type OrdStatus string

const (
	OrdStatusNew             OrdStatus = "0"
	OrdStatusPartiallyFilled OrdStatus = "1"
	OrdStatusFilled          OrdStatus = "2"
	OrdStatusDone            OrdStatus = "3"
	OrdStatusCanceled        OrdStatus = "4"
	OrdStatusStopped         OrdStatus = "7"
	OrdStatusRejected        OrdStatus = "8"
)
