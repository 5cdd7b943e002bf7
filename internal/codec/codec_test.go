package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pcm16k = MediaFormat{SampleRate: 16000, BitDepth: 16, Channels: 1, Encoding: EncodingPCM16}

// TestEncodeDecodeRoundTrip 编解码往返不变
func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		bytes.Repeat([]byte{0xAB, 0xCD}, 160),
	}

	for _, raw := range payloads {
		wire, err := Encode(raw, pcm16k)
		require.NoError(t, err)

		decoded, err := Decode(wire, pcm16k)
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
	}
}

func TestDecodeRejectsInvalidBase64(t *testing.T) {
	_, err := Decode("not base64!!", pcm16k)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestEncodeRejectsInvalidFormat(t *testing.T) {
	_, err := Encode([]byte{1}, MediaFormat{SampleRate: 16000, BitDepth: 8, Channels: 1, Encoding: EncodingPCM16})
	assert.True(t, errors.Is(err, ErrInvalidFormat))

	_, err = Encode([]byte{1}, MediaFormat{})
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, CheckFormat(pcm16k, MediaFormat{}))
	assert.NoError(t, CheckFormat(pcm16k, pcm16k))

	declared := pcm16k
	declared.SampleRate = 8000
	err := CheckFormat(pcm16k, declared)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormatMismatch))

	var mismatch *FormatMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 16000, mismatch.Expected.SampleRate)
	assert.Equal(t, 8000, mismatch.Got.SampleRate)

	// 只声明采样率时按已声明字段比较
	assert.NoError(t, CheckFormat(pcm16k, MediaFormat{SampleRate: 16000}))
	assert.Error(t, CheckFormat(pcm16k, MediaFormat{Encoding: EncodingMuLaw}))
}

func TestNegotiate(t *testing.T) {
	name, format, err := Negotiate([]string{FormatWavMuLaw, FormatRawLPCM16}, nil, 16000)
	require.NoError(t, err)
	assert.Equal(t, FormatRawLPCM16, name)
	assert.Equal(t, pcm16k, format)

	name, format, err = Negotiate([]string{FormatRawMuLaw}, nil, 16000)
	require.NoError(t, err)
	assert.Equal(t, FormatRawMuLaw, name)
	assert.Equal(t, 8000, format.SampleRate)
	assert.Equal(t, EncodingMuLaw, format.Encoding)

	_, _, err = Negotiate([]string{"opus"}, nil, 16000)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	// 优先级由调用方决定
	name, _, err = Negotiate([]string{FormatRawLPCM16, FormatRawMuLaw}, []string{FormatRawMuLaw}, 16000)
	require.NoError(t, err)
	assert.Equal(t, FormatRawMuLaw, name)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, int64(20), pcm16k.Duration(640).Milliseconds())
	assert.Zero(t, MediaFormat{}.Duration(640))
}

func TestFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 320)
	frame, err := EncodeFrame(42, pcm16k, payload)
	require.NoError(t, err)
	assert.Len(t, frame, FrameHeaderSize+len(payload))

	seq, format, decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, pcm16k, format)
	assert.Equal(t, payload, decoded)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, _, _, err := DecodeFrame([]byte{0x41})
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	frame, err := EncodeFrame(1, pcm16k, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	_, _, _, err = DecodeFrame(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrInvalidFrame)

	bad := append([]byte(nil), frame...)
	bad[0] = 0
	_, _, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	bad = append([]byte(nil), frame...)
	bad[2] = 99
	_, _, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

// TestEncodeFrameHeaderOverflow 超出头部字段宽度的格式被拒绝而不是截断
func TestEncodeFrameHeaderOverflow(t *testing.T) {
	wide := pcm16k
	wide.Channels = 256
	_, err := EncodeFrame(1, wide, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	wide.Channels = 255
	frame, err := EncodeFrame(1, wide, nil)
	require.NoError(t, err)
	_, format, _, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, 255, format.Channels)
}

// FuzzDecodeFrame 任意输入不应 panic，成功解码的帧可以重新编码
func FuzzDecodeFrame(f *testing.F) {
	seed, _ := EncodeFrame(7, pcm16k, []byte{1, 2, 3, 4})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0x41, 0x46})
	f.Add(bytes.Repeat([]byte{0xFF}, FrameHeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		seq, format, payload, err := DecodeFrame(data)
		if err != nil {
			return
		}
		if format.Validate() != nil {
			return
		}
		again, err := EncodeFrame(seq, format, payload)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(again[FrameHeaderSize:], payload) {
			t.Fatalf("payload changed after re-encode")
		}
	})
}

// FuzzTextRoundTrip 任意载荷编解码往返
func FuzzTextRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("hello"))

	f.Fuzz(func(t *testing.T, raw []byte) {
		wire, err := Encode(raw, pcm16k)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := Decode(wire, pcm16k)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(raw, decoded) {
			t.Fatalf("round trip mismatch")
		}
	})
}

func BenchmarkEncodeFrame(b *testing.B) {
	payload := bytes.Repeat([]byte{0x01}, 640)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeFrame(uint64(i), pcm16k, payload)
	}
}

func BenchmarkDecodeText(b *testing.B) {
	wire, _ := Encode(bytes.Repeat([]byte{0x01}, 640), pcm16k)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(wire, pcm16k)
	}
}
