package protocol

// Alternative 识别候选
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Outbound 发往下游的消息，按 Type 只填充对应字段
type Outbound struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	MediaFormat    string        `json:"mediaFormat,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ReasonCode     string        `json:"reasonCode,omitempty"`
	Fatal          bool          `json:"fatal,omitempty"`
	Success        *bool         `json:"success,omitempty"`
	StreamID       string        `json:"streamId,omitempty"`
	AudioChunk     string        `json:"audioChunk,omitempty"`
	Sequence       uint64        `json:"sequence,omitempty"`
	Alternatives   []Alternative `json:"alternatives,omitempty"`
	Activities     []Activity    `json:"activities,omitempty"`
}

// IsTerminal 是否为致命的会话错误
func (o *Outbound) IsTerminal() bool {
	return o.Type == TypeSessionError && o.Fatal
}

// SessionAccepted 会话建立成功
func SessionAccepted(id, mediaFormat string) *Outbound {
	return &Outbound{Type: TypeSessionAccepted, ConversationID: id, MediaFormat: mediaFormat}
}

// SessionError 会话级错误，fatal 表示会话随后结束
func SessionError(id, reasonCode, reason string, fatal bool) *Outbound {
	return &Outbound{Type: TypeSessionError, ConversationID: id, ReasonCode: reasonCode, Reason: reason, Fatal: fatal}
}

// ProtocolError 非致命协议错误，会话状态不变
func ProtocolError(id, reasonCode, reason string) *Outbound {
	return &Outbound{Type: TypeProtocolError, ConversationID: id, ReasonCode: reasonCode, Reason: reason}
}

// StreamStarted 上行流开始确认
func StreamStarted(id string) *Outbound {
	return &Outbound{Type: TypeStreamStarted, ConversationID: id}
}

// StreamStopped 上行流结束确认
func StreamStopped(id string) *Outbound {
	return &Outbound{Type: TypeStreamStopped, ConversationID: id}
}

// SpeechHypothesis 中间识别结果
func SpeechHypothesis(id, text string) *Outbound {
	return &Outbound{Type: TypeSpeechHypothesis, ConversationID: id, Alternatives: []Alternative{{Text: text}}}
}

// SpeechRecognition 最终识别结果
func SpeechRecognition(id, text string) *Outbound {
	return &Outbound{Type: TypeSpeechRecognition, ConversationID: id, Alternatives: []Alternative{{Text: text, Confidence: 1}}}
}

// PlayStreamStart 开始一段下行播放
func PlayStreamStart(id, streamID, mediaFormat string) *Outbound {
	return &Outbound{Type: TypePlayStreamStart, ConversationID: id, StreamID: streamID, MediaFormat: mediaFormat}
}

// PlayStreamChunk 下行音频块
func PlayStreamChunk(id, streamID, audio string, seq uint64) *Outbound {
	return &Outbound{Type: TypePlayStreamChunk, ConversationID: id, StreamID: streamID, AudioChunk: audio, Sequence: seq}
}

// PlayStreamStop 结束下行播放
func PlayStreamStop(id, streamID string) *Outbound {
	return &Outbound{Type: TypePlayStreamStop, ConversationID: id, StreamID: streamID}
}

// ActivityEvent 单个活动事件
func ActivityEvent(id, name, value string, params map[string]interface{}) *Outbound {
	return &Outbound{
		Type:           TypeActivities,
		ConversationID: id,
		Activities:     []Activity{{Type: "event", Name: name, Value: value, Parameters: params}},
	}
}

// ConnectionValidated 连通性检查应答
func ConnectionValidated() *Outbound {
	ok := true
	return &Outbound{Type: TypeConnectionValidated, Success: &ok}
}
