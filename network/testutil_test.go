package network

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"zipchat/auth"
	"zipchat/storage"
)

const testTimeout = 3 * time.Second

var testTokens = auth.StaticVerifier{
	"token-alice": "alice",
	"token-bob":   "bob",
	"token-carol": "carol",
}

type testEnv struct {
	server *Server
	store  storage.MessageStore
	http   *httptest.Server
	logs   *logtest.Hook
}

func newTestEnv(t *testing.T, store storage.MessageStore, opts ServerOptions) *testEnv {
	t.Helper()
	return newTestEnvWithVerifier(t, testTokens, store, opts)
}

func newTestEnvWithVerifier(t *testing.T, verifier auth.TokenVerifier, store storage.MessageStore, opts ServerOptions) *testEnv {
	t.Helper()

	if store == nil {
		sqlite, _, err := storage.Open(t.TempDir(), storage.WithWALCheckpointInterval(0))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = sqlite.Close() })
		store = sqlite
		if opts.Security == nil {
			opts.Security = sqlite
		}
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.EventsPerSecond == 0 {
		opts.EventsPerSecond = -1
	}

	server := NewServer(verifier, store, opts)
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})

	return &testEnv{server: server, store: store, http: httpServer, logs: hook}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http")
}

// dial opens a client connection and waits until the server has registered it.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	before := e.server.ConnectionCount()
	ws := e.dialRaw(t, token)
	waitFor(t, "connection registered", func() bool {
		return e.server.ConnectionCount() > before
	})
	return ws
}

func (e *testEnv) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: testTimeout}
	if token != "" {
		dialer.Subprotocols = []string{token}
	}
	ws, resp, err := dialer.Dial(e.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial with token %q: %v", token, err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if token != "" && ws.Subprotocol() != token {
		t.Fatalf("expected echoed subprotocol %q, got %q", token, ws.Subprotocol())
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn, into any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(testTimeout))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(payload, into); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
}

func readError(t *testing.T, ws *websocket.Conn) ErrorMessage {
	t.Helper()
	var msg ErrorMessage
	readFrame(t, ws, &msg)
	if msg.Type != TypeError {
		t.Fatalf("expected error frame, got %+v", msg)
	}
	return msg
}

// flush sends an unsupported event and waits for its rejection. Frames are
// handled in order, so everything sent before has been processed on return.
func flush(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, map[string]string{"type": "flush"})
	if msg := readError(t, ws); msg.Code != CodeUnknownEventType {
		t.Fatalf("expected flush rejection, got %+v", msg)
	}
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, payload, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", payload)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chatFrame(recipientID, content string) map[string]any {
	return map[string]any{
		"type":        TypeChat,
		"recipientId": recipientID,
		"content":     content,
		"iv":          "aXYtMTIzNDU2Nzg5",
		"key":         "a2V5LWJ5dGVz",
	}
}

func hasLogEntry(hook *logtest.Hook, message string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Message == message {
			return true
		}
	}
	return false
}
