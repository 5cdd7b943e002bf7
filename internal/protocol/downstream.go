package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"VoiceBridge/internal/codec"
)

// Inbound 下游入站消息，封闭变体，在状态机边界做穷举匹配
type Inbound interface {
	Kind() Kind
	Conversation() string
	inbound()
}

type header struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (h header) Conversation() string { return h.ConversationID }
func (header) inbound()               {}

// SessionInitiate 呼叫建立
type SessionInitiate struct {
	header
	BotName               string   `json:"botName,omitempty"`
	Caller                string   `json:"caller,omitempty"`
	ExpectAudioMessages   bool     `json:"expectAudioMessages,omitempty"`
	SupportedMediaFormats []string `json:"supportedMediaFormats"`
}

func (SessionInitiate) Kind() Kind { return KindSessionInitiate }

// SessionResume 断线后重新挂接已有会话
type SessionResume struct {
	header
}

func (SessionResume) Kind() Kind { return KindSessionResume }

// SessionEnd 呼叫结束
type SessionEnd struct {
	header
	ReasonCode string `json:"reasonCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (SessionEnd) Kind() Kind { return KindSessionEnd }

// StreamStart 开始上行音频流
type StreamStart struct {
	header
}

func (StreamStart) Kind() Kind { return KindStreamStart }

// StreamChunk 上行音频块
// 文本消息携带 base64 的 AudioChunk，二进制帧直接携带 Payload
type StreamChunk struct {
	header
	AudioChunk  string             `json:"audioChunk,omitempty"`
	Sequence    *uint64            `json:"sequence,omitempty"`
	MediaFormat *codec.MediaFormat `json:"mediaFormat,omitempty"`

	Payload []byte `json:"-"`
	Binary  bool   `json:"-"`
}

func (StreamChunk) Kind() Kind { return KindStreamChunk }

// Declared 音频块声明的格式，未声明返回零值
func (m StreamChunk) Declared() codec.MediaFormat {
	if m.MediaFormat == nil {
		return codec.MediaFormat{}
	}
	return *m.MediaFormat
}

// StreamStop 结束上行音频流
type StreamStop struct {
	header
}

func (StreamStop) Kind() Kind { return KindStreamStop }

// Activity 单个活动事件
type Activity struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Value      string                 `json:"value,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// 活动事件名称
const (
	ActivityStart      = "start"
	ActivityDTMF       = "dtmf"
	ActivityHangup     = "hangup"
	ActivityTranscript = "transcript"
	ActivityToolCall   = "toolCall"
)

// Activities 活动事件集合
type Activities struct {
	header
	Activities []Activity `json:"activities"`
}

func (Activities) Kind() Kind { return KindActivities }

// ConnectionValidate 连通性检查，不影响会话状态
type ConnectionValidate struct {
	header
}

func (ConnectionValidate) Kind() Kind { return KindConnectionValidate }

// Unknown 未知类型，由状态机映射为协议错误
type Unknown struct {
	header
}

func (Unknown) Kind() Kind { return KindUnknown }

// RawType 原始 type 字段
func (u Unknown) RawType() string { return u.header.Type }

// Peek 只取 type 和 conversationId，不做完整校验
func Peek(raw []byte) (typ, conversationID string, err error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", "", err
	}
	return h.Type, h.ConversationID, nil
}

// Parse 校验并解析一条文本入站消息
func Parse(raw []byte) (Inbound, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Reason: "malformed json", Err: err}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "message must be a json object"}
	}
	typ, _ := obj["type"].(string)
	kind := KindOf(typ)

	if err := validateDocument(doc); err != nil {
		return nil, &ValidationError{Kind: kind, Type: typ, Reason: schemaReason(err), Err: err}
	}

	msg, err := decodeKind(kind, raw)
	if err != nil {
		return nil, &ValidationError{Kind: kind, Type: typ, Reason: err.Error(), Err: err}
	}
	return msg, nil
}

// ParseBinary 将二进制音频帧解析为音频块消息
func ParseBinary(raw []byte, conversationID string) (StreamChunk, error) {
	seq, format, payload, err := codec.DecodeFrame(raw)
	if err != nil {
		return StreamChunk{}, &ValidationError{Kind: KindStreamChunk, Type: TypeStreamChunk, Reason: err.Error(), Err: err}
	}
	return StreamChunk{
		header:      header{Type: TypeStreamChunk, ConversationID: conversationID},
		Sequence:    &seq,
		MediaFormat: &format,
		Payload:     payload,
		Binary:      true,
	}, nil
}

func decodeKind(kind Kind, raw []byte) (Inbound, error) {
	switch kind {
	case KindSessionInitiate:
		return decodeAs[SessionInitiate](raw)
	case KindSessionResume:
		return decodeAs[SessionResume](raw)
	case KindSessionEnd:
		return decodeAs[SessionEnd](raw)
	case KindStreamStart:
		return decodeAs[StreamStart](raw)
	case KindStreamChunk:
		return decodeAs[StreamChunk](raw)
	case KindStreamStop:
		return decodeAs[StreamStop](raw)
	case KindActivities:
		return decodeAs[Activities](raw)
	case KindConnectionValidate:
		return decodeAs[ConnectionValidate](raw)
	default:
		return decodeAs[Unknown](raw)
	}
}

func decodeAs[T Inbound](raw []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}

// schemaReason 取最深层的校验错误作为原因
func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if leaf.InstanceLocation == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
}
