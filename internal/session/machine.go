package session

import "VoiceBridge/internal/protocol"

// Action 状态机对一条入站消息的处理决定
type Action int

const (
	// ActionReject 协议错误，状态不变
	ActionReject Action = iota
	// ActionIgnore 合法但无需处理（如 Ending 中重复的 session.end）
	ActionIgnore
	ActionValidate
	ActionInitiate
	ActionResume
	ActionStartStream
	ActionChunk
	ActionStopStream
	ActionEnd
	ActionActivity
)

func (a Action) String() string {
	switch a {
	case ActionReject:
		return "reject"
	case ActionIgnore:
		return "ignore"
	case ActionValidate:
		return "validate"
	case ActionInitiate:
		return "initiate"
	case ActionResume:
		return "resume"
	case ActionStartStream:
		return "start-stream"
	case ActionChunk:
		return "chunk"
	case ActionStopStream:
		return "stop-stream"
	case ActionEnd:
		return "end"
	case ActionActivity:
		return "activity"
	default:
		return "unknown"
	}
}

// Route 根据当前状态和消息类型决定动作
func Route(state State, kind protocol.Kind) Action {
	if state == StateClosed {
		return ActionReject
	}

	switch kind {
	case protocol.KindConnectionValidate:
		return ActionValidate
	case protocol.KindSessionInitiate:
		if state == StateIdle {
			return ActionInitiate
		}
	case protocol.KindSessionResume:
		if state == StateActive || state == StateStreaming {
			return ActionResume
		}
	case protocol.KindSessionEnd:
		if state.IsLive() {
			return ActionEnd
		}
		if state == StateEnding {
			return ActionIgnore
		}
	case protocol.KindStreamStart:
		if state == StateActive {
			return ActionStartStream
		}
	case protocol.KindStreamChunk:
		if state == StateStreaming {
			return ActionChunk
		}
	case protocol.KindStreamStop:
		if state == StateStreaming {
			return ActionStopStream
		}
	case protocol.KindActivities:
		if state == StateActive || state == StateStreaming {
			return ActionActivity
		}
	case protocol.KindUnknown:
		return ActionReject
	}
	return ActionReject
}

// Next 消息驱动动作完成后的目标状态
// 握手完成（Initiating -> Active）和排空完成（Ending -> Closed）由异步信号驱动，不在此表内
func Next(state State, action Action) State {
	switch action {
	case ActionInitiate:
		return StateInitiating
	case ActionStartStream:
		return StateStreaming
	case ActionStopStream:
		return StateActive
	case ActionEnd:
		return StateEnding
	default:
		return state
	}
}
