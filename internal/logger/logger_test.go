package logger

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	flags := log.Flags()
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLoggerFormat(t *testing.T) {
	buf := captureLog(t)

	New("bridge").With("call-1").Infof("state %s -> %s", "IDLE", "INITIATING")
	New("gateway").Warnf("listening on %s", ":8080")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[INFO] [call-1] bridge: state IDLE -> INITIATING", lines[0])
	assert.Equal(t, "[WARN] gateway: listening on :8080", lines[1])
}

func TestLoggerLevelFilter(t *testing.T) {
	buf := captureLog(t)

	SetLevel(LevelWarn)
	l := New("upstream")
	l.Debugf("hidden")
	l.Infof("hidden")
	l.Errorf("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[ERROR] upstream: shown")
}

func TestPublishDropsWhenFull(t *testing.T) {
	wsl := NewWebSocketLogger()
	for i := 0; i < cap(wsl.broadcast)+10; i++ {
		wsl.Publish(LogMessage{Message: "x"})
	}
	assert.Equal(t, uint64(10), wsl.Dropped())
}

func TestWebSocketBroadcast(t *testing.T) {
	captureLog(t)

	wsl := InitGlobalLogger()
	defer func() {
		SetBroadcaster(nil)
		wsl.Stop()
	}()

	srv := httptest.NewServer(http.HandlerFunc(wsl.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome LogMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "logger", welcome.Module)

	require.Eventually(t, func() bool {
		return wsl.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	New("bridge").With("call-9").Errorf("reconnect exhausted")

	var msg LogMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ERROR", msg.Level)
	assert.Equal(t, "bridge", msg.Module)
	assert.Equal(t, "call-9", msg.SessionID)
	assert.Equal(t, "reconnect exhausted", msg.Message)
}

func TestWebSocketSubscriberFilter(t *testing.T) {
	captureLog(t)

	wsl := InitGlobalLogger()
	defer func() {
		SetBroadcaster(nil)
		wsl.Stop()
	}()

	srv := httptest.NewServer(http.HandlerFunc(wsl.HandleWebSocket))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"?level=loud", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?session=call-1&level=warn", nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome LogMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "call-1", welcome.SessionID)

	require.Eventually(t, func() bool {
		return wsl.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	l := New("bridge")
	l.With("call-2").Errorf("other call")
	l.With("call-1").Infof("below level")
	l.With("call-1").Warnf("upstream reconnecting")

	var msg LogMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "call-1", msg.SessionID)
	assert.Equal(t, "WARN", msg.Level)
	assert.Equal(t, "upstream reconnecting", msg.Message)
}
