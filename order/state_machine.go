package order

import "fmt"

// StateMachine 订单状态转换表。部分成交不改变状态，重复状态视为幂等。
// 表在构造后只读，可并发使用。
type StateMachine struct {
	next map[Status][]Status
}

// NewStateMachine 创建状态机
func NewStateMachine() *StateMachine {
	return &StateMachine{next: map[Status][]Status{
		// 确认前可能直接成交，IOC/FOK 可能未成交即撤
		StatusPending: {StatusNew, StatusStopped, StatusRejected, StatusFilled, StatusCanceled},
		// 止损单触发后转为 new
		StatusStopped: {StatusNew, StatusFilled, StatusCanceled, StatusRejected},
		StatusNew:     {StatusFilled, StatusCanceled},
	}}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range sm.next[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("illegal state transition: %s -> %s", from, to)
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}
