package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/realtime"
)

// startRealtimeStub serves the handshake and then swallows whatever the
// client sends until the connection closes.
func startRealtimeStub(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first message is the session configuration.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "session.updated"}); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestCloseIsIdempotent(t *testing.T) {
	server := startRealtimeStub(t)
	defer server.Close()

	dialer := NewDialer(
		WithAPIKey("test-key"),
		WithBaseURL("ws"+strings.TrimPrefix(server.URL, "http")),
	)
	session, err := dialer.Dial(context.Background(), realtime.PersonaConfig{
		Instructions: "You are a terse assistant.",
		Encoding:     audio.GetDefaultEncodingInfo(),
	})
	if err != nil {
		t.Fatalf("failed to dial stub server: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}

	if err := session.SendAudio([]byte{1, 2}); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Fatalf("expected session-closed error after close, got %v", err)
	}
}
