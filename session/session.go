package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exchange-connect-go/fix"
	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/infrastructure/monitor"
	"exchange-connect-go/transport"
)

// Session 驱动 connect -> logon -> logged_in -> logout -> disconnected 状态机，
// 维护序号与心跳任务。发送路径加锁顺序固定为 sendMu -> mu。
type Session struct {
	cfg Config
	tr  transport.Transport
	log *logger.Logger
	mon *monitor.Monitor
	now func() time.Time

	// onDisconnect 在每次进入 disconnected 后调用（订单表用它终结在途订单）。
	onDisconnect func(cause error)

	sendMu sync.Mutex

	mu           sync.Mutex
	state        State
	stateCh      chan struct{}
	outSeq       int
	inSeq        int
	lastRecv     time.Time
	lastSent     time.Time
	hb           *heartbeat
	pendingCause error
	lastErr      error
	logonResult  chan error
	logoutAck    chan struct{}
}

func newSession(cfg Config, tr transport.Transport, log *logger.Logger, mon *monitor.Monitor) *Session {
	if log == nil {
		log = logger.NewNop()
	}
	return &Session{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		log:     log,
		mon:     mon,
		now:     time.Now,
		stateCh: make(chan struct{}),
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError 最近一次进入 disconnected 的原因；正常登出为 nil。
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// HeartbeatRunning 心跳任务是否存在（仅 logged_in 期间为 true）。
func (s *Session) HeartbeatRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hb != nil
}

// WaitState 阻塞直到进入给定状态之一。
func (s *Session) WaitState(ctx context.Context, states ...State) (State, error) {
	for {
		s.mu.Lock()
		cur, ch := s.state, s.stateCh
		s.mu.Unlock()
		for _, st := range states {
			if cur == st {
				return cur, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Stats 运维接口展示的会话快照
type Stats struct {
	State            string    `json:"state"`
	OutSeq           int       `json:"out_seq"`
	InSeq            int       `json:"in_seq"`
	LastReceived     time.Time `json:"last_received"`
	LastSent         time.Time `json:"last_sent"`
	HeartbeatRunning bool      `json:"heartbeat_running"`
	LastError        string    `json:"last_error,omitempty"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:            s.state.String(),
		OutSeq:           s.outSeq,
		InSeq:            s.inSeq,
		LastReceived:     s.lastRecv,
		LastSent:         s.lastSent,
		HeartbeatRunning: s.hb != nil,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	from := s.state
	s.state = st
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	s.mon.UpdateSessionState(int(st), st.String())
	s.log.LogSession("state", map[string]interface{}{"from": from.String(), "to": st.String()})
}

// Open 建立传输连接：disconnected -> connecting -> connected。
// 每次连接序号都从 1 重新开始。
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: connect in state %s", st)
	}
	s.pendingCause = nil
	s.lastErr = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	err := s.tr.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && s.pendingCause != nil {
		// 连接过程中被 Close
		err = s.pendingCause
		_ = s.tr.Close()
	}
	if err != nil {
		s.pendingCause = nil
		s.lastErr = err
		s.setStateLocked(StateDisconnected)
		s.log.LogError(err, map[string]interface{}{"event": "connect_failed"})
		return err
	}
	s.outSeq, s.inSeq = 0, 0
	s.lastRecv = s.now()
	s.lastSent = s.lastRecv
	s.setStateLocked(StateConnected)
	return nil
}

// Logon 发送签名登录并等待确认。失败时拆除连接并在返回前到达 disconnected，
// 因此要求分发循环已在运行。
func (s *Session) Logon(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: logon in state %s", st)
	}
	result := make(chan error, 1)
	s.logonResult = result
	s.mu.Unlock()

	heartBtInt := int(s.cfg.HeartbeatInterval / time.Second)
	if heartBtInt < 1 {
		heartBtInt = 1
	}
	_, err := s.sendFrame(func(seq int, at time.Time) (fix.Outbound, error) {
		payload := fix.LogonPayload(seq, s.cfg.SenderCompID, s.cfg.TargetCompID, s.cfg.Passphrase)
		sig, err := fix.Sign(s.cfg.Secret, fix.FormatTime(at), payload)
		if err != nil {
			return nil, err
		}
		return fix.Logon{
			HeartBtInt:         heartBtInt,
			Passphrase:         s.cfg.Passphrase,
			Signature:          sig,
			CancelOnDisconnect: true,
		}, nil
	}, inStates(StateConnected), nil)

	if err == nil {
		timer := time.NewTimer(s.cfg.LogonTimeout)
		select {
		case err = <-result:
		case <-timer.C:
			err = &AuthenticationError{Reason: "logon timed out"}
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()
	}
	if err == nil {
		s.mon.RecordLogon()
		return nil
	}

	s.mu.Lock()
	s.logonResult = nil
	s.mu.Unlock()
	s.mon.RecordLogonFailure()
	s.abort(err)
	return err
}

// abort 拆除连接并等待分发循环把状态推进到 disconnected。
func (s *Session) abort(cause error) {
	s.teardown(cause)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LogoutTimeout+5*time.Second)
	defer cancel()
	_, _ = s.WaitState(ctx, StateDisconnected)
}

// teardown 记录断开原因并关闭传输；状态迁移由 TransportClosed 完成。
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.pendingCause == nil {
		s.pendingCause = cause
	}
	s.mu.Unlock()
	_ = s.tr.Close()
}

// Close 登出并关闭连接，幂等。logged_in 时先同步停止心跳，再发送 Logout，
// 等待场所回应（最多 LogoutTimeout），最后关闭传输并等待 disconnected。
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return nil
	case StateLoggingOut:
		s.mu.Unlock()
	case StateConnecting, StateConnected:
		if s.pendingCause == nil {
			s.pendingCause = ErrClosed
		}
		s.mu.Unlock()
		_ = s.tr.Close()
	case StateLoggedIn:
		s.setStateLocked(StateLoggingOut)
		hb := s.hb
		s.hb = nil
		ack := make(chan struct{})
		s.logoutAck = ack
		s.mu.Unlock()

		hb.stop()
		if _, err := s.send(fix.Logout{}, inStates(StateLoggingOut), nil); err == nil {
			timer := time.NewTimer(s.cfg.LogoutTimeout)
			select {
			case <-ack:
			case <-timer.C:
				s.log.LogSession("logout_timeout", nil)
			case <-ctx.Done():
			}
			timer.Stop()
		}
		_ = s.tr.Close()
	}
	_, err := s.WaitState(ctx, StateDisconnected)
	return err
}

// Send 发送业务报文，仅 logged_in 时允许。实现 order.Sender。
func (s *Session) Send(msg fix.Outbound, assigned func(seq int)) error {
	_, err := s.send(msg, inStates(StateLoggedIn), assigned)
	return err
}

func inStates(states ...State) func(State) bool {
	return func(cur State) bool {
		for _, st := range states {
			if cur == st {
				return true
			}
		}
		return false
	}
}

func (s *Session) send(msg fix.Outbound, allowed func(State) bool, assigned func(int)) (int, error) {
	return s.sendFrame(func(int, time.Time) (fix.Outbound, error) { return msg, nil }, allowed, assigned)
}

// sendFrame 分配序号与发送时间、编码并写出。build 在分配序号后调用，
// Logon 用它计算依赖序号和时间的签名。
func (s *Session) sendFrame(build func(seq int, at time.Time) (fix.Outbound, error), allowed func(State) bool, assigned func(int)) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if !allowed(s.state) {
		st := s.state
		s.mu.Unlock()
		return 0, fmt.Errorf("%w (state %s)", ErrNotLoggedIn, st)
	}
	s.outSeq++
	seq := s.outSeq
	at := s.now()
	s.lastSent = at
	s.mu.Unlock()

	msg, err := build(seq, at)
	if err != nil {
		return seq, err
	}
	if assigned != nil {
		assigned(seq)
	}
	frame := fix.Encode(fix.Header{
		SenderCompID: s.cfg.SenderCompID,
		TargetCompID: s.cfg.TargetCompID,
		SeqNum:       seq,
		SendingTime:  at,
	}, msg)
	if err := s.tr.Send(frame); err != nil {
		return seq, err
	}
	s.mon.RecordMessageSent(string(msg.MsgType()))
	return seq, nil
}

func (s *Session) lastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

// Received 记录入站报文的接收时间与序号。序号跳变只记录日志，不做重传。
func (s *Session) Received(h fix.Header) {
	s.mu.Lock()
	s.lastRecv = s.now()
	expected := s.inSeq + 1
	if h.SeqNum > s.inSeq {
		s.inSeq = h.SeqNum
	}
	s.mu.Unlock()

	switch {
	case h.SeqNum > expected:
		s.mon.RecordSeqGap()
		s.log.LogSession("seq_gap", map[string]interface{}{"expected": expected, "received": h.SeqNum})
	case h.SeqNum < expected:
		s.log.LogSession("seq_regression", map[string]interface{}{"expected": expected, "received": h.SeqNum})
	}
}

// Handle 处理会话层报文（Logon/Logout/Heartbeat/TestRequest）。
func (s *Session) Handle(msg fix.Message) {
	switch m := msg.(type) {
	case fix.LogonAck:
		s.handleLogonAck(m)
	case fix.LogoutMsg:
		s.handleLogout(m)
	case fix.TestRequestMsg:
		if _, err := s.send(fix.Heartbeat{TestReqID: m.TestReqID}, inStates(StateConnected, StateLoggedIn), nil); err != nil {
			s.log.LogError(err, map[string]interface{}{"event": "test_request_reply"})
			return
		}
		s.mon.RecordHeartbeatSent()
	case fix.HeartbeatMsg:
		// 接收时间已在 Received 中更新
	}
}

func (s *Session) handleLogonAck(m fix.LogonAck) {
	s.mu.Lock()
	if s.state != StateConnected || s.logonResult == nil {
		s.mu.Unlock()
		s.log.LogSession("unexpected_logon", map[string]interface{}{"state": s.State().String()})
		return
	}
	s.setStateLocked(StateLoggedIn)
	s.hb = s.startHeartbeat(s.cfg.HeartbeatInterval, s.cfg.HeartbeatGrace)
	result := s.logonResult
	s.logonResult = nil
	s.mu.Unlock()

	s.log.LogSession("logged_in", map[string]interface{}{"heartbeat_interval": s.cfg.HeartbeatInterval.String(), "venue_heartbeat": m.HeartBtInt})
	result <- nil
}

func (s *Session) handleLogout(m fix.LogoutMsg) {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		// 登录前的 Logout 即登录被拒
		result := s.logonResult
		s.logonResult = nil
		s.mu.Unlock()
		if result != nil {
			reason := m.Text
			if reason == "" {
				reason = "logout before logon"
			}
			result <- &AuthenticationError{Reason: reason}
		}
	case StateLoggedIn:
		s.setStateLocked(StateLoggingOut)
		hb := s.hb
		s.hb = nil
		if s.pendingCause == nil {
			s.pendingCause = fmt.Errorf("%w: %s", ErrLoggedOut, m.Text)
		}
		s.mu.Unlock()

		s.log.LogSession("venue_logout", map[string]interface{}{"text": m.Text})
		hb.stop()
		if _, err := s.send(fix.Logout{}, inStates(StateLoggingOut), nil); err != nil {
			s.log.LogError(err, map[string]interface{}{"event": "logout_reply"})
		}
		_ = s.tr.Close()
	case StateLoggingOut:
		if s.logoutAck != nil {
			close(s.logoutAck)
			s.logoutAck = nil
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// HandleReject 登录阶段的 Reject 视为认证失败；返回 false 表示交由订单表处理。
func (s *Session) HandleReject(rej fix.Reject) bool {
	s.mu.Lock()
	if s.state != StateConnected || s.logonResult == nil {
		s.mu.Unlock()
		return false
	}
	result := s.logonResult
	s.logonResult = nil
	s.mu.Unlock()

	reason := rej.Text
	if reason == "" {
		reason = "logon rejected"
	}
	result <- &AuthenticationError{Reason: reason}
	return true
}

// TransportClosed 在入站流结束时由分发循环调用：任何状态都进入 disconnected，
// 停止心跳并通知订单表。
func (s *Session) TransportClosed() {
	s.mu.Lock()
	cause := s.pendingCause
	s.pendingCause = nil
	if cause == nil && s.state != StateLoggingOut {
		cause = s.tr.Err()
		if cause == nil {
			cause = ErrConnectionLost
		}
	}
	hb := s.hb
	s.hb = nil
	if s.logonResult != nil {
		err := cause
		if err == nil {
			err = &AuthenticationError{Reason: "connection closed during logon"}
		}
		s.logonResult <- err
		s.logonResult = nil
	}
	if s.logoutAck != nil {
		close(s.logoutAck)
		s.logoutAck = nil
	}
	s.lastErr = cause
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	hb.stop()
	_ = s.tr.Close()
	if cause != nil {
		s.log.LogError(cause, map[string]interface{}{"event": "disconnected"})
	} else {
		s.log.LogSession("logged_out", nil)
	}
	if s.onDisconnect != nil {
		s.onDisconnect(cause)
	}
}
