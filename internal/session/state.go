package session

// State 下游会话状态
type State int32

const (
	StateIdle State = iota
	StateInitiating
	StateActive
	StateStreaming
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitiating:
		return "INITIATING"
	case StateActive:
		return "ACTIVE"
	case StateStreaming:
		return "STREAMING"
	case StateEnding:
		return "ENDING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsLive 会话已分配且尚未进入结束流程
func (s State) IsLive() bool {
	return s == StateInitiating || s == StateActive || s == StateStreaming
}

// IsValid 是否为定义内的状态
func (s State) IsValid() bool {
	return s >= StateIdle && s <= StateClosed
}

// transitions 合法状态迁移表
var transitions = map[State][]State{
	StateIdle:       {StateInitiating, StateClosed},
	StateInitiating: {StateActive, StateEnding},
	StateActive:     {StateStreaming, StateEnding},
	StateStreaming:  {StateActive, StateEnding},
	StateEnding:     {StateClosed},
}

// CanTransition 检查迁移是否合法
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
