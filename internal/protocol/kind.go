package protocol

// Kind 下游入站消息类型，封闭枚举
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionInitiate
	KindSessionResume
	KindSessionEnd
	KindStreamStart
	KindStreamChunk
	KindStreamStop
	KindActivities
	KindConnectionValidate
)

// 下游入站消息的 type 字段
const (
	TypeSessionInitiate    = "session.initiate"
	TypeSessionResume      = "session.resume"
	TypeSessionEnd         = "session.end"
	TypeStreamStart        = "userStream.start"
	TypeStreamChunk        = "userStream.chunk"
	TypeStreamStop         = "userStream.stop"
	TypeActivities         = "activities"
	TypeConnectionValidate = "connection.validate"
)

// 下游出站消息的 type 字段
const (
	TypeSessionAccepted     = "session.accepted"
	TypeSessionError        = "session.error"
	TypeStreamStarted       = "userStream.started"
	TypeStreamStopped       = "userStream.stopped"
	TypeSpeechHypothesis    = "userStream.speech.hypothesis"
	TypeSpeechRecognition   = "userStream.speech.recognition"
	TypePlayStreamStart     = "playStream.start"
	TypePlayStreamChunk     = "playStream.chunk"
	TypePlayStreamStop      = "playStream.stop"
	TypeConnectionValidated = "connection.validated"
	TypeProtocolError       = "protocol.error"
)

var kindByType = map[string]Kind{
	TypeSessionInitiate:    KindSessionInitiate,
	TypeSessionResume:      KindSessionResume,
	TypeSessionEnd:         KindSessionEnd,
	TypeStreamStart:        KindStreamStart,
	TypeStreamChunk:        KindStreamChunk,
	TypeStreamStop:         KindStreamStop,
	TypeActivities:         KindActivities,
	TypeConnectionValidate: KindConnectionValidate,
}

// KindOf 将 type 字段映射为 Kind，未知类型返回 KindUnknown
func KindOf(typ string) Kind {
	if k, ok := kindByType[typ]; ok {
		return k
	}
	return KindUnknown
}

// String 将 Kind 转换为可读字符串，用于日志
func (k Kind) String() string {
	switch k {
	case KindSessionInitiate:
		return "SESSION_INITIATE"
	case KindSessionResume:
		return "SESSION_RESUME"
	case KindSessionEnd:
		return "SESSION_END"
	case KindStreamStart:
		return "STREAM_START"
	case KindStreamChunk:
		return "STREAM_CHUNK"
	case KindStreamStop:
		return "STREAM_STOP"
	case KindActivities:
		return "ACTIVITIES"
	case KindConnectionValidate:
		return "CONNECTION_VALIDATE"
	default:
		return "UNKNOWN"
	}
}

// IsValid 是否为已知类型
func (k Kind) IsValid() bool {
	return k > KindUnknown && k <= KindConnectionValidate
}

// IsAudio 是否走音频快速通道
func (k Kind) IsAudio() bool {
	return k == KindStreamChunk
}

// IsControl 是否为控制消息
func (k Kind) IsControl() bool {
	return k.IsValid() && !k.IsAudio()
}
