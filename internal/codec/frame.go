package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// 帧头: magic(2) | encoding(1) | channels(1) | bitDepth(1) | reserved(1) | sampleRate(4) | sequence(8) | length(4)
	FrameHeaderSize = 22
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 1024 * 1024
	// 最小帧大小（只有头部）
	MinFrameSize = FrameHeaderSize

	frameMagic uint16 = 0x4146 // "AF"
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

var encodingCodes = map[Encoding]byte{
	EncodingPCM16: 1,
	EncodingMuLaw: 2,
	EncodingALaw:  3,
}

func encodingFromCode(code byte) (Encoding, bool) {
	for enc, c := range encodingCodes {
		if c == code {
			return enc, true
		}
	}
	return "", false
}

// EncodeFrame 将音频块编码为二进制帧，用于二进制 WebSocket 消息
func EncodeFrame(seq uint64, format MediaFormat, payload []byte) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	// 头部声道字段占一个字节，采样率占四个字节
	if format.Channels > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d channels do not fit the frame header", ErrInvalidFormat, format.Channels)
	}
	if int64(format.SampleRate) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: sample rate %d does not fit the frame header", ErrInvalidFormat, format.SampleRate)
	}
	if FrameHeaderSize+len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], frameMagic)
	buf[2] = encodingCodes[format.Encoding]
	buf[3] = byte(format.Channels)
	buf[4] = byte(format.BitDepth)
	binary.BigEndian.PutUint32(buf[6:10], uint32(format.SampleRate))
	binary.BigEndian.PutUint64(buf[10:18], seq)
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	return buf, nil
}

// DecodeFrame 从二进制帧中解码出序列号、声明格式和音频数据
func DecodeFrame(raw []byte) (seq uint64, format MediaFormat, payload []byte, err error) {
	if len(raw) < MinFrameSize {
		return 0, MediaFormat{}, nil, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return 0, MediaFormat{}, nil, ErrFrameTooLarge
	}
	if binary.BigEndian.Uint16(raw[0:2]) != frameMagic {
		return 0, MediaFormat{}, nil, fmt.Errorf("%w: bad magic", ErrInvalidFrame)
	}

	enc, ok := encodingFromCode(raw[2])
	if !ok {
		return 0, MediaFormat{}, nil, fmt.Errorf("%w: unknown encoding %d", ErrInvalidFrame, raw[2])
	}
	format = MediaFormat{
		Encoding:   enc,
		Channels:   int(raw[3]),
		BitDepth:   int(raw[4]),
		SampleRate: int(binary.BigEndian.Uint32(raw[6:10])),
	}
	seq = binary.BigEndian.Uint64(raw[10:18])
	length := binary.BigEndian.Uint32(raw[18:22])

	// 验证帧完整性
	expected := FrameHeaderSize + int(length)
	if len(raw) != expected {
		return 0, MediaFormat{}, nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, expected, len(raw))
	}

	payload = make([]byte, length)
	copy(payload, raw[FrameHeaderSize:])

	return seq, format, payload, nil
}
