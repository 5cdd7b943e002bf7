package testserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBridge/internal/protocol"
)

func startTestBackend(t *testing.T, cfg *BackendConfig) *Backend {
	t.Helper()
	b := NewBackend(cfg)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.ParseServerEvent(data)
	require.NoError(t, err)
	return ev
}

func TestBackendSessionFlow(t *testing.T) {
	cfg := DefaultBackendConfig("127.0.0.1:0")
	cfg.ResponseAudio = make([]byte, 640)
	cfg.ResponseChunks = 2
	b := startTestBackend(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(b.URL()+"?model=test", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, protocol.ServerSessionCreated, readEvent(t, conn).Kind)

	require.NoError(t, conn.WriteJSON(protocol.SessionUpdate(protocol.SessionConfig{InputAudioFormat: "pcm16"})))
	assert.Equal(t, protocol.ServerSessionUpdated, readEvent(t, conn).Kind)
	assert.Equal(t, "pcm16", b.LastSessionConfig().InputAudioFormat)

	require.NoError(t, conn.WriteJSON(protocol.ResponseCreate()))
	first := readEvent(t, conn)
	assert.Equal(t, protocol.ServerAudioDelta, first.Kind)
	raw, err := base64.StdEncoding.DecodeString(first.Delta)
	require.NoError(t, err)
	assert.Len(t, raw, 320)

	assert.Equal(t, protocol.ServerAudioDelta, readEvent(t, conn).Kind)
	assert.Equal(t, protocol.ServerAudioDone, readEvent(t, conn).Kind)
	assert.Equal(t, protocol.ServerResponseDone, readEvent(t, conn).Kind)
	assert.Equal(t, uint64(1), b.Stats().ResponseCreates)
}

func TestBackendEchoAudio(t *testing.T) {
	cfg := DefaultBackendConfig("127.0.0.1:0")
	cfg.EchoAudio = true
	b := startTestBackend(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(b.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	require.NoError(t, conn.WriteJSON(protocol.AudioAppend(audio)))

	ev := readEvent(t, conn)
	assert.Equal(t, protocol.ServerAudioDelta, ev.Kind)
	assert.Equal(t, audio, ev.Delta)
	assert.Equal(t, uint64(4), b.Stats().AudioBytes)
}

func TestBackendRejectHandshake(t *testing.T) {
	b := startTestBackend(t, nil)
	b.SetRejectHandshake(true)

	conn, _, err := websocket.DefaultDialer.Dial(b.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.SessionUpdate(protocol.SessionConfig{})))
	ev := readEvent(t, conn)
	assert.Equal(t, protocol.ServerError, ev.Kind)
	require.NotNil(t, ev.Error)
}

func TestBackendRefuseConnections(t *testing.T) {
	b := startTestBackend(t, nil)
	b.SetRefuseConnections(true)

	_, resp, err := websocket.DefaultDialer.Dial(b.URL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), b.Stats().Refused)
}

func TestBackendForceDisconnect(t *testing.T) {
	b := startTestBackend(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(b.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	b.ForceDisconnectAll()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, int32(0), b.Stats().Connections)
}

func TestBackendControlEndpoint(t *testing.T) {
	b := startTestBackend(t, nil)

	resp, err := http.Post("http://"+b.Addr()+"/control?action=refuse", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = websocket.DefaultDialer.Dial(b.URL(), nil)
	assert.Error(t, err)

	resp, err = http.Post("http://"+b.Addr()+"/control?action=bogus", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
