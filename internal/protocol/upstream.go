package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerKind 推理后端下发事件类型
type ServerKind int

const (
	ServerUnknown ServerKind = iota
	ServerSessionCreated
	ServerSessionUpdated
	ServerAudioDelta
	ServerAudioDone
	ServerAudioTranscriptDelta
	ServerInputTranscriptDelta
	ServerInputTranscriptCompleted
	ServerSpeechStarted
	ServerFunctionCallDone
	ServerResponseDone
	ServerError
)

// 推理后端事件 type 字段
const (
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventAudioDelta                = "response.audio.delta"
	EventAudioDone                 = "response.audio.done"
	EventAudioTranscriptDelta      = "response.audio_transcript.delta"
	EventInputTranscriptDelta      = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted             = "input_audio_buffer.speech_started"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventResponseDone              = "response.done"
	EventError                     = "error"

	EventSessionUpdate      = "session.update"
	EventAudioAppend        = "input_audio_buffer.append"
	EventAudioCommit        = "input_audio_buffer.commit"
	EventAudioClear         = "input_audio_buffer.clear"
	EventResponseCreate     = "response.create"
	EventConversationCreate = "conversation.item.create"
)

var serverKindByType = map[string]ServerKind{
	EventSessionCreated:            ServerSessionCreated,
	EventSessionUpdated:            ServerSessionUpdated,
	EventAudioDelta:                ServerAudioDelta,
	EventAudioDone:                 ServerAudioDone,
	EventAudioTranscriptDelta:      ServerAudioTranscriptDelta,
	EventInputTranscriptDelta:      ServerInputTranscriptDelta,
	EventInputTranscriptCompleted:  ServerInputTranscriptCompleted,
	EventSpeechStarted:             ServerSpeechStarted,
	EventFunctionCallArgumentsDone: ServerFunctionCallDone,
	EventResponseDone:              ServerResponseDone,
	EventError:                     ServerError,
}

func (k ServerKind) String() string {
	for typ, kind := range serverKindByType {
		if kind == k {
			return typ
		}
	}
	return "unknown"
}

// ServerErrorDetail 后端错误详情
type ServerErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent 推理后端下发事件
type ServerEvent struct {
	Kind       ServerKind `json:"-"`
	ReceivedAt time.Time  `json:"-"`

	Type       string             `json:"type"`
	EventID    string             `json:"event_id,omitempty"`
	ResponseID string             `json:"response_id,omitempty"`
	ItemID     string             `json:"item_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Name       string             `json:"name,omitempty"`
	CallID     string             `json:"call_id,omitempty"`
	Arguments  string             `json:"arguments,omitempty"`
	Error      *ServerErrorDetail `json:"error,omitempty"`
}

// ParseServerEvent 解析后端事件，未知类型保留为 ServerUnknown
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode server event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("decode server event: missing type")
	}
	ev.Kind = serverKindByType[ev.Type]
	return ev, nil
}

// TranscriptionConfig 输入音频转写配置
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetection 轮次检测配置
type TurnDetection struct {
	Type string `json:"type"`
}

// SessionConfig session.update 携带的会话配置
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

// ContentPart 对话条目内容
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem 对话条目
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ClientEvent 发往推理后端的事件
type ClientEvent struct {
	Type    string            `json:"type"`
	EventID string            `json:"event_id,omitempty"`
	Audio   string            `json:"audio,omitempty"`
	Session *SessionConfig    `json:"session,omitempty"`
	Item    *ConversationItem `json:"item,omitempty"`
}

// SessionUpdate 会话配置握手
func SessionUpdate(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: EventSessionUpdate, Session: &cfg}
}

// AudioAppend 追加一段 base64 音频
func AudioAppend(audio string) ClientEvent {
	return ClientEvent{Type: EventAudioAppend, Audio: audio}
}

// AudioCommit 提交输入缓冲
func AudioCommit() ClientEvent {
	return ClientEvent{Type: EventAudioCommit}
}

// ResponseCreate 请求生成回复
func ResponseCreate() ClientEvent {
	return ClientEvent{Type: EventResponseCreate}
}

// UserText 以用户身份插入一条文本
func UserText(text string) ClientEvent {
	return ClientEvent{
		Type: EventConversationCreate,
		Item: &ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}
