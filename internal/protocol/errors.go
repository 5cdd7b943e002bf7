package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation 入站消息格式错误或与当前状态不符
var ErrProtocolViolation = errors.New("protocol violation")

// 出站错误事件的 reasonCode
const (
	ReasonProtocolViolation  = "protocol-violation"
	ReasonFormatMismatch     = "format-mismatch"
	ReasonUnsupportedFormat  = "unsupported-media-format"
	ReasonDuplicateSession   = "duplicate-session"
	ReasonUnknownSession     = "unknown-session"
	ReasonHandshakeFailed    = "handshake-failed"
	ReasonReconnectExhausted = "reconnect-exhausted"
	ReasonBackpressure       = "backpressure"
	ReasonUpstreamError      = "upstream-error"
)

// ValidationError 入站消息校验失败
type ValidationError struct {
	Kind   Kind
	Type   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("invalid %s message: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrProtocolViolation) 成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrProtocolViolation
}
