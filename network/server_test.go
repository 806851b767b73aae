package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zipchat/apperrors"
	"zipchat/models"
	"zipchat/storage"
)

func TestChatDeliveredToOnlineRecipient(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")
	bob := env.dial(t, "token-bob")

	send(t, alice, chatFrame("bob", "Y2lwaGVydGV4dA=="))

	var delivery ChatDelivery
	readFrame(t, bob, &delivery)
	if delivery.Type != TypeChat {
		t.Fatalf("expected chat delivery, got %+v", delivery)
	}
	msg := delivery.Message
	if msg.SenderID != "alice" || msg.RecipientID != "bob" {
		t.Fatalf("unexpected participants: %+v", msg)
	}
	if msg.Content != "Y2lwaGVydGV4dA==" || msg.IV != "aXYtMTIzNDU2Nzg5" {
		t.Fatalf("ciphertext not relayed verbatim: %+v", msg)
	}
	if delivery.Key != "a2V5LWJ5dGVz" {
		t.Fatalf("expected per-message key to be relayed, got %q", delivery.Key)
	}
	if msg.ID == "" || msg.CreatedAt == 0 || msg.Read || msg.Deleted {
		t.Fatalf("expected server-assigned stored fields, got %+v", msg)
	}

	stored, err := env.store.FindByRecipient(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != msg.ID {
		t.Fatalf("expected delivered message to be persisted, got %+v", stored)
	}
}

func TestChatStoredForOfflineRecipient(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	send(t, alice, chatFrame("carol", "b2ZmbGluZQ=="))
	flush(t, alice)

	stored, err := env.store.FindByRecipient(context.Background(), "carol")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one stored message, got %d", len(stored))
	}
	if stored[0].SenderID != "alice" || stored[0].Content != "b2ZmbGluZQ==" {
		t.Fatalf("unexpected stored message: %+v", stored[0])
	}
}

func TestSenderIdentityComesFromHandshake(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	frame := chatFrame("carol", "c3Bvb2Y=")
	frame["senderId"] = "mallory"
	send(t, alice, frame)
	flush(t, alice)

	stored, err := env.store.FindByRecipient(context.Background(), "carol")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 1 || stored[0].SenderID != "alice" {
		t.Fatalf("expected sender alice, got %+v", stored)
	}
}

func TestChatDeliveredToEveryRecipientConnection(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")
	phone := env.dial(t, "token-bob")
	laptop := env.dial(t, "token-bob")

	if got := len(env.server.registry.ConnectionsFor("bob")); got != 2 {
		t.Fatalf("expected 2 connections for bob, got %d", got)
	}

	send(t, alice, chatFrame("bob", "bXVsdGk="))

	var first, second ChatDelivery
	readFrame(t, phone, &first)
	readFrame(t, laptop, &second)
	if first.Message.ID == "" || first.Message.ID != second.Message.ID {
		t.Fatalf("expected the same message on both devices, got %q and %q", first.Message.ID, second.Message.ID)
	}
}

func TestChatValidationRejected(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	frame := chatFrame("bob", "")
	send(t, alice, frame)

	if msg := readError(t, alice); msg.Code != CodeInvalidEvent {
		t.Fatalf("expected invalid_event rejection, got %+v", msg)
	}
	stored, err := env.store.FindByRecipient(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(stored))
	}
}

func TestTypingForwardedWithoutPersistence(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")
	bob := env.dial(t, "token-bob")

	send(t, alice, map[string]any{"type": TypeTyping, "recipientId": "bob"})
	var started TypingNotice
	readFrame(t, bob, &started)
	if started.Type != TypeTyping || started.UserID != "alice" || !started.IsTyping {
		t.Fatalf("unexpected typing notice: %+v", started)
	}

	send(t, alice, map[string]any{"type": TypeTyping, "recipientId": "bob", "isTyping": false})
	var stopped TypingNotice
	readFrame(t, bob, &stopped)
	if stopped.IsTyping {
		t.Fatalf("expected isTyping=false, got %+v", stopped)
	}

	stored, err := env.store.FindByRecipient(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("typing indicators must not be stored, got %d rows", len(stored))
	}
}

func TestTypingToOfflineRecipientDropped(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	send(t, alice, map[string]any{"type": TypeTyping, "recipientId": "carol"})
	// The next frame alice sees must be the flush rejection, not an error
	// about the typing indicator.
	flush(t, alice)

	if !hasLogEntry(env.logs, "recipient offline, typing indicator dropped") {
		t.Fatalf("expected dropped typing indicator to be logged")
	}
}

func TestUnknownEventRejectedConnectionStaysOpen(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")
	bob := env.dial(t, "token-bob")

	send(t, alice, map[string]string{"type": "wave"})
	msg := readError(t, alice)
	if msg.Code != CodeUnknownEventType || msg.Error != "Unknown message type" {
		t.Fatalf("unexpected rejection: %+v", msg)
	}
	if msg.Timestamp == 0 {
		t.Fatalf("expected rejection timestamp")
	}

	send(t, alice, chatFrame("bob", "c3RpbGwtb3Blbg=="))
	var delivery ChatDelivery
	readFrame(t, bob, &delivery)
	if delivery.Message.SenderID != "alice" {
		t.Fatalf("expected delivery after rejection, got %+v", delivery)
	}
}

func TestUnparseableFrameDroppedSilently(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	flush(t, alice)

	if !hasLogEntry(env.logs, "dropping unparseable frame") {
		t.Fatalf("expected unparseable frame to be logged")
	}
	if env.server.ConnectionCount() != 1 {
		t.Fatalf("expected connection to stay registered")
	}
}

func TestWrongFieldTypeRejectedAsInvalid(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")
	bob := env.dial(t, "token-bob")
	anon := env.dial(t, "")

	wrongType := map[string]any{"type": TypeChat, "recipientId": 42, "content": "eA==", "iv": "eQ=="}
	send(t, alice, wrongType)
	msg := readError(t, alice)
	if msg.Code != CodeInvalidEvent || msg.Error != "recipientId has the wrong type" {
		t.Fatalf("expected invalid_event rejection, got %+v", msg)
	}

	// Authentication is still checked first.
	send(t, anon, wrongType)
	if msg := readError(t, anon); msg.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized rejection, got %+v", msg)
	}

	send(t, alice, chatFrame("bob", "c3RpbGwtb3Blbg=="))
	var delivery ChatDelivery
	readFrame(t, bob, &delivery)
	if delivery.Message.SenderID != "alice" {
		t.Fatalf("expected delivery after rejection, got %+v", delivery)
	}

	stored, err := env.store.FindByRecipient(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected only the valid chat stored, got %d rows", len(stored))
	}
	if env.server.ConnectionCount() != 3 {
		t.Fatalf("expected all connections to stay registered")
	}
}

func TestAnonymousConnectionRejectedPerEvent(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	anon := env.dial(t, "")
	bob := env.dial(t, "token-bob")

	for i := 0; i < 2; i++ {
		send(t, anon, chatFrame("bob", "YW5vbg=="))
		msg := readError(t, anon)
		if msg.Code != CodeUnauthorized || msg.Error != CloseReasonUnauthorized {
			t.Fatalf("expected unauthorized rejection, got %+v", msg)
		}
	}

	// Unauthenticated frames are rejected before the type is checked.
	send(t, anon, map[string]string{"type": "wave"})
	if msg := readError(t, anon); msg.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized rejection for unknown type, got %+v", msg)
	}

	stored, err := env.store.FindByRecipient(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindByRecipient failed: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("anonymous chat must not be stored, got %d rows", len(stored))
	}
	expectSilence(t, bob)
}

func TestInvalidTokenClosedWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	ws := env.dialRaw(t, "token-mallory")

	_ = ws.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "Unauthorized" {
		t.Fatalf("expected 1008 Unauthorized, got %d %q", closeErr.Code, closeErr.Text)
	}
	if env.server.ConnectionCount() != 0 {
		t.Fatalf("rejected connection must not be registered")
	}

	security := env.store.(storage.SecurityLog)
	waitFor(t, "auth failure recorded", func() bool {
		events, err := security.GetSecurityEvents(context.Background(), storage.SecurityEventFilter{
			EventType: storage.SecurityEventAuthFailure,
		})
		return err == nil && len(events) == 1
	})
}

type failingStore struct {
	storage.MessageStore
}

func (failingStore) Create(context.Context, storage.NewMessage) (*models.Message, error) {
	return nil, apperrors.Storage("create message", errors.New("disk full"))
}

func TestStorageFailureRejectedAndNotForwarded(t *testing.T) {
	env := newTestEnv(t, failingStore{}, ServerOptions{})
	alice := env.dial(t, "token-alice")
	bob := env.dial(t, "token-bob")

	send(t, alice, chatFrame("bob", "bG9zdA=="))
	msg := readError(t, alice)
	if msg.Code != CodeStorageError {
		t.Fatalf("expected storage_error rejection, got %+v", msg)
	}
	expectSilence(t, bob)
}

// stalledStore holds every Create until release is closed.
type stalledStore struct {
	storage.MessageStore
	release chan struct{}
}

func (s stalledStore) Create(context.Context, storage.NewMessage) (*models.Message, error) {
	<-s.release
	return nil, apperrors.Storage("create message", errors.New("released"))
}

func TestInboundOverflowRejectedWithoutBlockingReads(t *testing.T) {
	store := stalledStore{release: make(chan struct{})}
	env := newTestEnv(t, store, ServerOptions{})
	t.Cleanup(func() { close(store.release) })
	alice := env.dial(t, "token-alice")

	for i := 0; i < inboundQueueSize+5; i++ {
		send(t, alice, chatFrame("bob", "cXVldWVk"))
	}

	msg := readError(t, alice)
	if msg.Code != CodeOverloaded {
		t.Fatalf("expected overloaded rejection, got %+v", msg)
	}
	if !hasLogEntry(env.logs, "inbound queue full, frame dropped") {
		t.Fatalf("expected dropped frame to be logged")
	}

	// The read side keeps answering control frames while the queue is full.
	var conn *Conn
	for _, c := range env.server.registry.Snapshot() {
		conn = c
	}
	if conn == nil {
		t.Fatalf("expected connection to stay registered")
	}
	go func() {
		for {
			if _, _, err := alice.ReadMessage(); err != nil {
				return
			}
		}
	}()
	answered, err := conn.ping(testTimeout)
	if !answered || err != nil {
		t.Fatalf("first liveness check failed: %v %v", answered, err)
	}
	waitFor(t, "pong while queue full", conn.alive.Load)
}

func TestHeartbeatEvictsUnresponsiveConnection(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	responsive := env.dial(t, "token-alice")
	silent := env.dial(t, "token-bob")

	// Control frames are only answered while the client reads.
	go func() {
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var aliceConn, bobConn *Conn
	for _, c := range env.server.registry.Snapshot() {
		switch c.UserID() {
		case "alice":
			aliceConn = c
		case "bob":
			bobConn = c
		}
	}
	if aliceConn == nil || bobConn == nil {
		t.Fatalf("expected both connections registered")
	}

	env.server.sweep()
	waitFor(t, "pong from responsive client", aliceConn.alive.Load)
	if bobConn.alive.Load() {
		t.Fatalf("silent client must not be marked alive")
	}

	env.server.sweep()

	if len(env.server.registry.ConnectionsFor("bob")) != 0 {
		t.Fatalf("expected silent connection to be evicted")
	}
	if len(env.server.registry.ConnectionsFor("alice")) != 1 {
		t.Fatalf("expected responsive connection to survive")
	}
	if !errors.Is(bobConn.LastError(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", bobConn.LastError())
	}
	select {
	case <-bobConn.Done():
	default:
		t.Fatalf("expected evicted connection to be closed")
	}

	events, err := env.store.(storage.SecurityLog).GetSecurityEvents(context.Background(), storage.SecurityEventFilter{
		EventType: storage.SecurityEventHeartbeatEviction,
		UserID:    "bob",
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one eviction event, got %d", len(events))
	}

	_ = silent.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := silent.ReadMessage(); err == nil {
		t.Fatalf("expected evicted client transport to fail")
	}
}

func TestSweepNotHeldUpByStalledWriter(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{PingInterval: 200 * time.Millisecond, WriteTimeout: 5 * time.Second})
	healthy := env.dial(t, "token-alice")
	env.dial(t, "token-bob")

	go func() {
		for {
			if _, _, err := healthy.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var aliceConn, bobConn *Conn
	for _, c := range env.server.registry.Snapshot() {
		switch c.UserID() {
		case "alice":
			aliceConn = c
		case "bob":
			bobConn = c
		}
	}
	if aliceConn == nil || bobConn == nil {
		t.Fatalf("expected both connections registered")
	}

	// bob never reads, so large writes eventually block holding the write lock.
	var sent atomic.Int64
	pad := map[string]string{"pad": strings.Repeat("x", 1<<20)}
	go func() {
		for bobConn.SendJSON(pad) == nil {
			sent.Add(1)
		}
	}()
	last := int64(-1)
	waitFor(t, "writer to stall", func() bool {
		time.Sleep(200 * time.Millisecond)
		n := sent.Load()
		stalled := n == last
		last = n
		return stalled
	})

	start := time.Now()
	env.server.sweep()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("sweep took %s behind a stalled writer", elapsed)
	}

	waitFor(t, "pong from healthy client", aliceConn.alive.Load)
	select {
	case <-bobConn.Done():
	case <-time.After(testTimeout):
		t.Fatalf("expected stalled connection to be terminated")
	}
}

func TestPingTimeoutStaysInsideInterval(t *testing.T) {
	s := NewServer(testTokens, nil, ServerOptions{})
	if got := s.pingTimeout(); got != DefaultWriteTimeout {
		t.Fatalf("expected write timeout %s, got %s", DefaultWriteTimeout, got)
	}

	s = NewServer(testTokens, nil, ServerOptions{PingInterval: 200 * time.Millisecond, WriteTimeout: 5 * time.Second})
	if got := s.pingTimeout(); got != 100*time.Millisecond {
		t.Fatalf("expected half the ping interval, got %s", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{PingInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestShutdownClosesConnectionsAndRefusesNew(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{})
	alice := env.dial(t, "token-alice")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_ = alice.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if env.server.ConnectionCount() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", env.server.ConnectionCount())
	}

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	if err == nil {
		t.Fatalf("expected dial after shutdown to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %+v", resp)
	}
}

// gatedVerifier blocks every Verify call until release is closed.
type gatedVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (v gatedVerifier) Verify(context.Context, string) (string, error) {
	v.entered <- struct{}{}
	<-v.release
	return "alice", nil
}

func TestShutdownDuringHandshakeRefusesRegistration(t *testing.T) {
	verifier := gatedVerifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	releaseOnce := sync.OnceFunc(func() { close(verifier.release) })
	t.Cleanup(releaseOnce)
	env := newTestEnvWithVerifier(t, verifier, nil, ServerOptions{})

	// The upgrade completes before the token is verified.
	ws := env.dialRaw(t, "token-alice")
	select {
	case <-verifier.entered:
	case <-time.After(testTimeout):
		t.Fatalf("handshake never reached the verifier")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	releaseOnce()

	_ = ws.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if env.server.ConnectionCount() != 0 {
		t.Fatalf("connection verified after shutdown must not be registered")
	}
	if !hasLogEntry(env.logs, "server shut down during handshake") {
		t.Fatalf("expected refused registration to be logged")
	}
}

func TestOriginAllowlist(t *testing.T) {
	env := newTestEnv(t, nil, ServerOptions{AllowedOrigins: []string{"https://chat.example"}})

	header := http.Header{"Origin": {"https://evil.example"}}
	dialer := websocket.Dialer{Subprotocols: []string{"token-alice"}}
	if _, resp, err := dialer.Dial(env.wsURL(), header); err == nil {
		t.Fatalf("expected disallowed origin to be refused")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %+v", resp)
	}

	header.Set("Origin", "https://chat.example")
	ws, _, err := dialer.Dial(env.wsURL(), header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	_ = ws.Close()
}
