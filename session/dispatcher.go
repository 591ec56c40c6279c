package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"exchange-connect-go/fix"
	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
	"exchange-connect-go/order"
	"exchange-connect-go/transport"
)

// dispatcher 是每个连接唯一的入站循环：成帧、解码、记录接收，
// 再按到达顺序交给 Session 或订单表。
type dispatcher struct {
	sess         *Session
	reg          *order.Registry
	log          *logger.Logger
	mon          *monitor.Monitor
	errs         chan<- error
	maxMalformed int

	framer      fix.Framer
	consecutive int
	desynced    bool
}

func (d *dispatcher) run(in <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for chunk := range in {
		if d.desynced {
			continue
		}
		d.framer.Write(chunk)
		for !d.desynced {
			frame, err := d.framer.Next()
			if err != nil {
				d.malformed(err)
				continue
			}
			if frame == nil {
				break
			}
			d.dispatch(frame)
		}
	}
	d.framer.Reset()
	d.sess.TransportClosed()
}

func (d *dispatcher) dispatch(frame []byte) {
	h, msg, err := fix.Decode(frame)
	if err != nil {
		if errors.Is(err, fix.ErrUnknownMessageType) {
			// 帧本身完整，仍计入序号
			d.consecutive = 0
			d.sess.Received(h)
			d.mon.RecordBadFrame("unknown_type")
			d.report(err)
			return
		}
		d.malformed(err)
		return
	}
	d.consecutive = 0
	d.sess.Received(h)
	d.mon.RecordMessageReceived(string(h.MsgType))

	switch m := msg.(type) {
	case fix.ExecutionReport:
		d.reg.Apply(m)
	case fix.CancelReject:
		d.reg.ApplyCancelReject(m)
	case fix.Reject:
		if d.sess.HandleReject(m) {
			return
		}
		if !d.reg.ApplyReject(m) {
			d.log.LogSession("reject", map[string]interface{}{
				"ref_seq":      m.RefSeqNum,
				"ref_msg_type": string(m.RefMsgType),
				"reason":       m.Reason,
				"text":         m.Text,
			})
		}
	default:
		d.sess.Handle(msg)
	}
}

// malformed 单个坏帧只记录；连续 maxMalformed 个坏帧视为失步并断开。
func (d *dispatcher) malformed(err error) {
	d.consecutive++
	d.mon.RecordBadFrame("malformed")
	d.report(err)
	if d.consecutive < d.maxMalformed {
		return
	}
	d.desynced = true
	cause := &transport.ConnectionError{
		Op:  "read",
		Err: fmt.Errorf("stream desynchronized after %d malformed frames: %w", d.consecutive, err),
	}
	d.log.LogError(cause, map[string]interface{}{"event": "desync"})
	d.sess.teardown(cause)
}

func (d *dispatcher) report(err error) {
	d.log.Warn("inbound frame dropped", zap.Error(err))
	select {
	case d.errs <- err:
	default:
	}
}
