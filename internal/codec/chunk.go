package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPayload = errors.New("invalid audio payload")

// Direction 音频流方向
type Direction int

const (
	// Uplink 呼叫侧 -> 推理后端
	Uplink Direction = iota
	// Downlink 推理后端 -> 呼叫侧
	Downlink
)

func (d Direction) String() string {
	switch d {
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	default:
		return "unknown"
	}
}

// Chunk 在两端之间传递的一个音频块，不做持久化
type Chunk struct {
	Payload    []byte
	Sequence   uint64
	CapturedAt time.Time
	Direction  Direction

	// EndOfStream 标记一段播放流结束，不携带音频
	EndOfStream bool
}

// Encode 将原始音频编码为文本线格式（base64）
func Encode(raw []byte, format MediaFormat) (string, error) {
	if err := format.Validate(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode 将文本线格式还原为原始音频，Encode 的逆操作
func Decode(wire string, format MediaFormat) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}
