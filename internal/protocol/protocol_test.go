package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBridge/internal/codec"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSessionInitiate, KindOf("session.initiate"))
	assert.Equal(t, KindStreamChunk, KindOf("userStream.chunk"))
	assert.Equal(t, KindUnknown, KindOf("session.teleport"))
	assert.True(t, KindStreamChunk.IsAudio())
	assert.True(t, KindSessionEnd.IsControl())
	assert.False(t, KindUnknown.IsValid())
	assert.Equal(t, "UNKNOWN", KindUnknown.String())
}

func TestParseInitiate(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"session.initiate","conversationId":"call-1","botName":"demo","caller":"+100","expectAudioMessages":true,"supportedMediaFormats":["raw/lpcm16"]}`))
	require.NoError(t, err)

	initiate, ok := msg.(SessionInitiate)
	require.True(t, ok)
	assert.Equal(t, KindSessionInitiate, initiate.Kind())
	assert.Equal(t, "call-1", initiate.Conversation())
	assert.Equal(t, []string{"raw/lpcm16"}, initiate.SupportedMediaFormats)
	assert.True(t, initiate.ExpectAudioMessages)
}

func TestParseChunk(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"userStream.chunk","conversationId":"call-1","audioChunk":"AAEC","sequence":3,"mediaFormat":{"sampleRate":8000,"bitDepth":16,"channels":1,"encoding":"pcm16"}}`))
	require.NoError(t, err)

	chunk, ok := msg.(StreamChunk)
	require.True(t, ok)
	assert.Equal(t, "AAEC", chunk.AudioChunk)
	require.NotNil(t, chunk.Sequence)
	assert.Equal(t, uint64(3), *chunk.Sequence)
	assert.Equal(t, 8000, chunk.Declared().SampleRate)
	assert.False(t, chunk.Binary)
}

func TestParseActivities(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"activities","conversationId":"c","activities":[{"type":"event","name":"dtmf","value":"5"},{"type":"event","name":"start"}]}`))
	require.NoError(t, err)

	acts, ok := msg.(Activities)
	require.True(t, ok)
	require.Len(t, acts.Activities, 2)
	assert.Equal(t, ActivityDTMF, acts.Activities[0].Name)
	assert.Equal(t, "5", acts.Activities[0].Value)
}

func TestParseUnknownType(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"session.teleport","conversationId":"c"}`))
	require.NoError(t, err)
	unknown, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, KindUnknown, unknown.Kind())
	assert.Equal(t, "session.teleport", unknown.RawType())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed json":       `{"type":`,
		"not an object":        `["session.initiate"]`,
		"missing type":         `{"conversationId":"c"}`,
		"no media formats":     `{"type":"session.initiate","conversationId":"c","supportedMediaFormats":[]}`,
		"empty chunk":          `{"type":"userStream.chunk","audioChunk":""}`,
		"non base64 chunk":     `{"type":"userStream.chunk","audioChunk":"@@@"}`,
		"negative sequence":    `{"type":"userStream.chunk","audioChunk":"AAAA","sequence":-1}`,
		"bad dtmf digit":       `{"type":"activities","activities":[{"type":"event","name":"dtmf","value":"X"}]}`,
		"dtmf without value":   `{"type":"activities","activities":[{"type":"event","name":"dtmf"}]}`,
		"resume without id":    `{"type":"session.resume"}`,
		"unsupported encoding": `{"type":"userStream.chunk","audioChunk":"AAAA","mediaFormat":{"sampleRate":8000,"bitDepth":8,"channels":1,"encoding":"opus"}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocolViolation))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.NotEmpty(t, ve.Reason)
		})
	}
}

func TestParseBinary(t *testing.T) {
	format := codec.MediaFormat{SampleRate: 16000, BitDepth: 16, Channels: 1, Encoding: codec.EncodingPCM16}
	frame, err := codec.EncodeFrame(9, format, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	chunk, err := ParseBinary(frame, "call-1")
	require.NoError(t, err)
	assert.True(t, chunk.Binary)
	assert.Equal(t, uint64(9), *chunk.Sequence)
	assert.Equal(t, format, chunk.Declared())
	assert.Equal(t, []byte{1, 2, 3, 4}, chunk.Payload)
	assert.Equal(t, "call-1", chunk.Conversation())

	_, err = ParseBinary([]byte{1, 2}, "call-1")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestPeek(t *testing.T) {
	typ, id, err := Peek([]byte(`{"type":"session.resume","conversationId":"call-7"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSessionResume, typ)
	assert.Equal(t, "call-7", id)
}

func TestOutboundJSON(t *testing.T) {
	raw, err := json.Marshal(SessionAccepted("call-1", "raw/lpcm16"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session.accepted","conversationId":"call-1","mediaFormat":"raw/lpcm16"}`, string(raw))

	raw, err = json.Marshal(ConnectionValidated())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection.validated","success":true}`, string(raw))

	terminal := SessionError("call-1", ReasonReconnectExhausted, "upstream lost", true)
	assert.True(t, terminal.IsTerminal())
	assert.False(t, ProtocolError("call-1", ReasonProtocolViolation, "bad").IsTerminal())
}

func TestParseServerEvent(t *testing.T) {
	ev, err := ParseServerEvent([]byte(`{"type":"response.audio.delta","response_id":"r1","delta":"AAAA"}`))
	require.NoError(t, err)
	assert.Equal(t, ServerAudioDelta, ev.Kind)
	assert.Equal(t, "AAAA", ev.Delta)

	ev, err = ParseServerEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	require.NoError(t, err)
	assert.Equal(t, ServerError, ev.Kind)
	assert.Equal(t, "bad", ev.Error.Message)

	ev, err = ParseServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	require.NoError(t, err)
	assert.Equal(t, ServerUnknown, ev.Kind)

	_, err = ParseServerEvent([]byte(`{}`))
	assert.Error(t, err)
}

func TestClientEventJSON(t *testing.T) {
	raw, err := json.Marshal(UserText("DTMF: 5"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"DTMF: 5"}]}}`, string(raw))

	raw, err = json.Marshal(AudioAppend("AAAA"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.append","audio":"AAAA"}`, string(raw))
}

// FuzzParse 任意输入不应 panic，成功时类型与 Kind 一致
func FuzzParse(f *testing.F) {
	f.Add([]byte(`{"type":"session.initiate","conversationId":"c","supportedMediaFormats":["raw/lpcm16"]}`))
	f.Add([]byte(`{"type":"userStream.chunk","audioChunk":"AAAA"}`))
	f.Add([]byte(`{"type":"activities","activities":[{"type":"event","name":"hangup"}]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Parse(data)
		if err != nil {
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("parsed message is not an object: %v", err)
		}
		typ, _ := doc["type"].(string)
		if msg.Kind() != KindOf(typ) {
			t.Fatalf("kind %s does not match type %q", msg.Kind(), typ)
		}
	})
}

func BenchmarkParseChunk(b *testing.B) {
	raw := []byte(`{"type":"userStream.chunk","conversationId":"call-1","audioChunk":"AAECAwQFBgcICQoLDA0ODw=="}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Parse(raw); err != nil {
			b.Fatal(err)
		}
	}
}
