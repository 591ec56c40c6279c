package session

import (
	"context"
	"strconv"
	"time"

	"exchange-connect-go/fix"
)

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop 取消心跳任务并等待其退出；nil 安全。
func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// startHeartbeat 调用方持有 s.mu。
func (s *Session) startHeartbeat(interval time.Duration, grace float64) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	h := &heartbeat{cancel: cancel, done: make(chan struct{})}
	go s.runHeartbeat(ctx, h.done, interval, time.Duration(float64(interval)*grace))
	return h
}

// runHeartbeat 每个周期发送 Heartbeat；入站静默超过宽限期发 TestRequest，
// TestRequest 之后再静默一个宽限期则以 ErrHeartbeatTimeout 断开。
func (s *Session) runHeartbeat(ctx context.Context, done chan struct{}, interval, grace time.Duration) {
	defer close(done)

	check := interval / 4
	if check < 5*time.Millisecond {
		check = 5 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	lastBeat := s.now()
	var testReqAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.now()

		if now.Sub(lastBeat) >= interval {
			lastBeat = now
			if _, err := s.send(fix.Heartbeat{}, inStates(StateLoggedIn), nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.LogError(err, map[string]interface{}{"event": "heartbeat_send"})
			} else {
				s.mon.RecordHeartbeatSent()
			}
		}

		lastRecv := s.lastReceived()
		if !testReqAt.IsZero() {
			if lastRecv.After(testReqAt) {
				testReqAt = time.Time{}
				continue
			}
			if now.Sub(testReqAt) >= grace {
				s.mon.RecordHeartbeatTimeout()
				s.log.LogSession("heartbeat_timeout", map[string]interface{}{
					"silence": now.Sub(lastRecv).String(),
				})
				s.teardown(ErrHeartbeatTimeout)
				return
			}
			continue
		}
		if now.Sub(lastRecv) >= grace {
			id := strconv.FormatInt(now.UnixNano(), 10)
			if _, err := s.send(fix.TestRequest{TestReqID: id}, inStates(StateLoggedIn), nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.LogError(err, map[string]interface{}{"event": "test_request_send"})
				continue
			}
			testReqAt = now
			s.mon.RecordTestRequestSent()
			s.log.LogSession("test_request", map[string]interface{}{"test_req_id": id})
		}
	}
}
