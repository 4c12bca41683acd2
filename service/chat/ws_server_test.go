package chat

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func dialTestServer(t *testing.T, node *Server) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	node.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestHandshakeRejectDeliversAuthErrorBeforeClose(t *testing.T) {
	c := newCluster()
	node := c.node(t, "gw-a", generousLimits())
	ws := dialTestServer(t, node)

	// an empty token fails the handshake
	if err := ws.WriteJSON(map[string]any{"type": TypeAuthenticate, "token": ""}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("auth_error frame lost before close: %v", err)
	}
	if frame["type"] != TypeAuthError || frame["code"] != "AUTH_FAILED" {
		t.Fatalf("frame = %v", frame)
	}

	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want a policy-violation close after the error frame, got %v", err)
	}
}

func TestHandshakeAcceptsRealSocket(t *testing.T) {
	c := newCluster()
	node := c.node(t, "gw-a", generousLimits())
	ws := dialTestServer(t, node)

	if err := ws.WriteJSON(map[string]any{"type": TypeAuthenticate, "token": "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if frame["type"] != TypeReady {
		t.Fatalf("frame = %v, want ready", frame)
	}
}
