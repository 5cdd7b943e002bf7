package codec

import (
	"errors"
	"fmt"
	"time"
)

// Encoding 音频采样编码
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMuLaw Encoding = "g711_ulaw"
	EncodingALaw  Encoding = "g711_alaw"
)

// 下游媒体格式名称
const (
	FormatRawLPCM16 = "raw/lpcm16"
	FormatWavLPCM16 = "wav/lpcm16"
	FormatRawMuLaw  = "raw/mulaw"
	FormatWavMuLaw  = "wav/mulaw"
)

// DefaultPreference 媒体格式协商时的默认优先级
var DefaultPreference = []string{FormatRawLPCM16, FormatRawMuLaw, FormatWavLPCM16, FormatWavMuLaw}

var (
	ErrInvalidFormat     = errors.New("invalid media format")
	ErrUnsupportedFormat = errors.New("required media format not supported")
	ErrFormatMismatch    = errors.New("media format mismatch")
)

// MediaFormat 描述一路音频流的采样参数，会话建立后不可变
type MediaFormat struct {
	SampleRate int      `json:"sampleRate"`
	BitDepth   int      `json:"bitDepth"`
	Channels   int      `json:"channels"`
	Encoding   Encoding `json:"encoding"`
}

// IsZero 是否为未声明的格式
func (f MediaFormat) IsZero() bool {
	return f == MediaFormat{}
}

// Validate 校验格式参数
func (f MediaFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	}
	switch f.Encoding {
	case EncodingPCM16:
		if f.BitDepth != 16 {
			return fmt.Errorf("%w: pcm16 requires 16 bit samples, got %d", ErrInvalidFormat, f.BitDepth)
		}
	case EncodingMuLaw, EncodingALaw:
		if f.BitDepth != 8 {
			return fmt.Errorf("%w: %s requires 8 bit samples, got %d", ErrInvalidFormat, f.Encoding, f.BitDepth)
		}
	default:
		return fmt.Errorf("%w: encoding %q", ErrInvalidFormat, f.Encoding)
	}
	return nil
}

// FrameSize 单个采样帧（全部声道）的字节数
func (f MediaFormat) FrameSize() int {
	return f.BitDepth / 8 * f.Channels
}

// Duration 计算给定字节数的音频时长
func (f MediaFormat) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.FrameSize()
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

func (f MediaFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dbit/%dch", f.Encoding, f.SampleRate, f.BitDepth, f.Channels)
}

// FormatMismatchError 声明格式与会话协商格式不一致
type FormatMismatchError struct {
	Expected MediaFormat
	Got      MediaFormat
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("media format mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Is 使 errors.Is(err, ErrFormatMismatch) 成立
func (e *FormatMismatchError) Is(target error) bool {
	return target == ErrFormatMismatch
}

// CheckFormat 校验音频块声明的格式，只比较声明了的字段
func CheckFormat(negotiated, declared MediaFormat) error {
	switch {
	case declared.SampleRate != 0 && declared.SampleRate != negotiated.SampleRate,
		declared.BitDepth != 0 && declared.BitDepth != negotiated.BitDepth,
		declared.Channels != 0 && declared.Channels != negotiated.Channels,
		declared.Encoding != "" && declared.Encoding != negotiated.Encoding:
		return &FormatMismatchError{Expected: negotiated, Got: declared}
	}
	return nil
}

// ParseFormatName 将下游格式名称解析为媒体格式
// pcmRate 为 lpcm16 的采样率，mulaw 固定 8kHz
func ParseFormatName(name string, pcmRate int) (MediaFormat, error) {
	if pcmRate <= 0 {
		pcmRate = 16000
	}
	switch name {
	case FormatRawLPCM16, FormatWavLPCM16:
		return MediaFormat{SampleRate: pcmRate, BitDepth: 16, Channels: 1, Encoding: EncodingPCM16}, nil
	case FormatRawMuLaw, FormatWavMuLaw:
		return MediaFormat{SampleRate: 8000, BitDepth: 8, Channels: 1, Encoding: EncodingMuLaw}, nil
	default:
		return MediaFormat{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Negotiate 从对端提供的格式中按优先级选出一个
func Negotiate(offered, preference []string, pcmRate int) (string, MediaFormat, error) {
	if len(preference) == 0 {
		preference = DefaultPreference
	}

	supported := make(map[string]struct{}, len(offered))
	for _, name := range offered {
		supported[name] = struct{}{}
	}

	for _, name := range preference {
		if _, ok := supported[name]; !ok {
			continue
		}
		format, err := ParseFormatName(name, pcmRate)
		if err != nil {
			continue
		}
		return name, format, nil
	}

	return "", MediaFormat{}, fmt.Errorf("%w: offered %v", ErrUnsupportedFormat, offered)
}
