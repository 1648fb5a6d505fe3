package wsserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

func testLogger() *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: "stdout"})
	if err != nil {
		panic(err)
	}
	return log
}

var testKeys = Keys{Recv: "R1", Send: "S1", DeviceID: "rpi-test"}

// startTestServer serves s over httptest and runs its broadcast loop.
func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	s := New(cfg, testKeys, testLogger(), NewMetrics("rpicampy", prometheus.NewRegistry()))
	ts := httptest.NewServer(s.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
		cancel()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// doHandshake sends a handshake and returns the reply string.
func doHandshake(t *testing.T, conn *websocket.Conn, deviceID, tokens string) string {
	t.Helper()
	require.NoError(t, conn.WriteJSON(HandshakeRequest{Type: TypeHandshake, DeviceID: deviceID, AuthTokens: tokens}))

	var reply HandshakeReply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, TypeHandshake, reply.Type)
	return reply.HandshakeString
}

// readClose reads until the server closes the connection and returns the close error.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return ce
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, deviceID, command string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(CommandMessage{
		Type:          TypeCommand,
		DeviceID:      deviceID,
		Time:          time.Now().Format(time.RFC3339),
		CommandString: command,
	}))
}
