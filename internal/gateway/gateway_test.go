package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/hub"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/ratelimit"
	"github.com/buzz-line/buzz-line/internal/session"
	"github.com/buzz-line/buzz-line/internal/store"
)

const (
	testSecret = "gateway-test-secret"
	testOrigin = "https://shop.example"
)

type typingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *typingRecorder) ForwardTyping(ctx context.Context, visitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, visitorID)
}

func (r *typingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type testServer struct {
	srv     *httptest.Server
	gw      *Gateway
	db      *gorm.DB
	typing  *typingRecorder
	limiter *ratelimit.Limiter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Visitor{}, &models.Message{}, &models.TokenSession{}, &models.SupportPresence{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	cfg := config.Config{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{testOrigin},
		MessageMaxLen:  2000,
	}

	repo := store.NewRepo(db)
	sockets := hub.New(zerolog.Nop())
	limiter := ratelimit.New(ratelimit.DefaultLimits())
	validator := session.NewValidator(cfg, repo, sockets, zerolog.Nop())
	chatSvc := chat.NewService(repo, sockets, nil, cfg.MessageMaxLen, zerolog.Nop())
	typing := &typingRecorder{}

	gw := New(cfg, validator, repo, chatSvc, sockets, limiter, typing, zerolog.Nop())

	r := gin.New()
	r.GET("/ws", gw.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, gw: gw, db: db, typing: typing, limiter: limiter}
}

func (ts *testServer) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, auth.Claims{
		Site:             "shop.example",
		Anonymous:        true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func send(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

// authenticate runs the auth+init handshake and returns once the connection
// is fully initialized.
func authenticate(t *testing.T, ws *websocket.Conn, token string) string {
	t.Helper()
	send(t, ws, map[string]any{"type": "auth", "token": token})
	if m := readFrame(t, ws); m["type"] != "auth_ok" {
		t.Fatalf("expected auth_ok, got %v", m)
	}
	send(t, ws, map[string]any{"type": "init", "site": "shop.example"})
	m := readFrame(t, ws)
	if m["type"] != "init" {
		t.Fatalf("expected init reply, got %v", m)
	}
	visitorID, _ := m["visitorId"].(string)
	if p := readFrame(t, ws); p["type"] != "presence" {
		t.Fatalf("expected presence after init, got %v", p)
	}
	return visitorID
}

func TestAuthTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.authTimeout = 100 * time.Millisecond

	ws := ts.dial(t, testOrigin)
	expectClose(t, ws, CloseAuthRequired)
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)

	send(t, ws, map[string]any{"type": "message", "content": "hi"})
	expectClose(t, ws, CloseAuthRequired)
}

func TestMalformedFirstFrame(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, ws, CloseAuthRequired)
}

func TestBadTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)

	send(t, ws, map[string]any{"type": "auth", "token": "garbage"})
	expectClose(t, ws, CloseAuthRequired)
}

func TestDisallowedOriginNeverUpgrades(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", "https://evil.example")

	_, _, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("dial from disallowed origin should fail")
	}
}

func TestInitBeforeAuthRejected(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)

	send(t, ws, map[string]any{"type": "init", "site": "shop.example"})
	expectClose(t, ws, CloseAuthRequired)
}

func TestHandshakeAndMessage(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)
	token := signToken(t, "anon-42")

	visitorID := authenticate(t, ws, token)
	if visitorID != "anon-42" {
		t.Fatalf("identity must come from the token subject, got %q", visitorID)
	}

	send(t, ws, map[string]any{"type": "message", "content": "hello support"})

	// The sender's own registered socket gets the fanout copy.
	m := readFrame(t, ws)
	if m["type"] != "message" || m["content"] != "hello support" || m["sender"] != "visitor" {
		t.Fatalf("unexpected fanout frame: %v", m)
	}

	var rows []models.Message
	if err := ts.db.Where("visitor_id = ?", "anon-42").Find(&rows).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "hello support" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	// The init also upserted the visitor.
	var v models.Visitor
	if err := ts.db.Where("visitor_id = ?", "anon-42").First(&v).Error; err != nil {
		t.Fatalf("visitor missing: %v", err)
	}
	if v.AuthKind != models.AuthAnonymous {
		t.Fatalf("unexpected auth kind %q", v.AuthKind)
	}
}

func TestClientSuppliedVisitorIDIgnored(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)
	token := signToken(t, "anon-42")

	send(t, ws, map[string]any{"type": "auth", "token": token})
	if m := readFrame(t, ws); m["type"] != "auth_ok" {
		t.Fatalf("expected auth_ok, got %v", m)
	}
	send(t, ws, map[string]any{"type": "init", "site": "shop.example", "visitorId": "somebody-else"})
	m := readFrame(t, ws)
	if m["visitorId"] != "anon-42" {
		t.Fatalf("forged visitor id must be ignored, got %v", m["visitorId"])
	}
}

func TestEmptyMessageRejectedInline(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)
	authenticate(t, ws, signToken(t, "anon-42"))

	send(t, ws, map[string]any{"type": "message", "content": "   "})
	m := readFrame(t, ws)
	if m["type"] != "error" {
		t.Fatalf("expected error frame, got %v", m)
	}

	// The socket stays open for the next message.
	send(t, ws, map[string]any{"type": "message", "content": "real one"})
	if m := readFrame(t, ws); m["type"] != "message" {
		t.Fatalf("expected message frame, got %v", m)
	}
}

func TestMessageRateLimited(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)
	authenticate(t, ws, signToken(t, "anon-42"))

	// Default short window: 5 in 10s.
	for i := 0; i < 5; i++ {
		send(t, ws, map[string]any{"type": "message", "content": "m"})
		if m := readFrame(t, ws); m["type"] != "message" {
			t.Fatalf("send %d: expected message frame, got %v", i+1, m)
		}
	}
	send(t, ws, map[string]any{"type": "message", "content": "one too many"})
	m := readFrame(t, ws)
	if m["type"] != "error" || m["message"] != "rate limited" {
		t.Fatalf("expected rate limit error, got %v", m)
	}
}

func TestTypingThrottled(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, testOrigin)
	authenticate(t, ws, signToken(t, "anon-42"))

	for i := 0; i < 5; i++ {
		send(t, ws, map[string]any{"type": "typing"})
	}

	// One signal passes the per-visitor throttle; the rest are dropped
	// silently. Give the async forward a moment.
	deadline := time.Now().Add(time.Second)
	for ts.typing.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.typing.count(); got != 1 {
		t.Fatalf("expected exactly 1 forwarded typing signal, got %d", got)
	}
}

func TestTypingThrottleSharedAcrossTabs(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "anon-42")

	// Two tabs of the same visitor share one throttle window.
	tabA := ts.dial(t, testOrigin)
	authenticate(t, tabA, token)
	tabB := ts.dial(t, testOrigin)
	authenticate(t, tabB, token)

	send(t, tabA, map[string]any{"type": "typing"})
	send(t, tabB, map[string]any{"type": "typing"})

	deadline := time.Now().Add(time.Second)
	for ts.typing.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := ts.typing.count(); got != 1 {
		t.Fatalf("expected exactly 1 forwarded typing signal across tabs, got %d", got)
	}
}

func TestStalledPeerWriteTimesOut(t *testing.T) {
	errc := make(chan error, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sink := &wsConn{ws: ws, timeout: 100 * time.Millisecond}
		payload := bytes.Repeat([]byte("x"), 256<<10)
		for i := 0; i < 128; i++ {
			if err := sink.WriteMessage(websocket.TextMessage, payload); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}))
	t.Cleanup(srv.Close)

	// Dial and never read; the kernel buffers fill and writes stall.
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("writes to a stalled peer must eventually error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("write to stalled peer never returned")
	}
}
