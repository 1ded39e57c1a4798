package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/models"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateInitialized
	stateClosed
)

// wsConn wraps the raw socket behind a write mutex: the reader goroutine's
// direct replies and the hub's fanout writes must never interleave. Every
// write carries a deadline so a stalled peer errors out instead of holding
// the hub's lock.
type wsConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
}

func (w *wsConn) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.ws.WriteMessage(messageType, data)
}

func (w *wsConn) Close() error { return w.ws.Close() }

// conn is the per-socket state machine. All fields are owned by the reader
// goroutine; nothing mutates them from outside.
type conn struct {
	g      *Gateway
	sink   *wsConn
	origin string
	ip     string

	state     connState
	claims    *auth.Claims
	visitorID string
	site      string

	authTimer *time.Timer
}

func newConn(g *Gateway, ws *websocket.Conn, origin, ip string) *conn {
	return &conn{
		g:      g,
		sink:   &wsConn{ws: ws, timeout: writeWait},
		origin: origin,
		ip:     ip,
		state:  stateUnauthenticated,
	}
}

func (c *conn) run() {
	// A socket that never authenticates is closed after the handshake
	// window.
	c.authTimer = time.AfterFunc(c.g.authTimeout, func() {
		c.closeWith(CloseAuthRequired, "auth required")
	})
	defer func() {
		c.authTimer.Stop()
		if c.state == stateInitialized {
			c.g.registry.Deregister(c.visitorID, c.sink)
		}
		c.state = stateClosed
		_ = c.sink.Close()
	}()

	for {
		_, data, err := c.sink.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame routes one inbound frame. It returns false when the socket
// should be torn down.
func (c *conn) handleFrame(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return c.rejectFrame()
	}

	switch env.Type {
	case frameAuth:
		if c.state != stateUnauthenticated {
			return c.rejectFrame()
		}
		var f authFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return c.rejectFrame()
		}
		return c.handleAuth(f)

	case frameInit:
		if c.state != stateAuthenticated {
			return c.rejectFrame()
		}
		var f initFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return c.rejectFrame()
		}
		return c.handleInit(f)

	case frameTyping:
		if c.state != stateInitialized {
			return c.rejectFrame()
		}
		c.handleTyping()
		return true

	case frameMessage:
		if c.state != stateInitialized {
			return c.rejectFrame()
		}
		var f messageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return c.rejectFrame()
		}
		c.handleMessage(f)
		return true

	default:
		return c.rejectFrame()
	}
}

// rejectFrame drops a wrong-state or unparseable frame: ignored once
// authenticated, fatal with the auth-required code before that.
func (c *conn) rejectFrame() bool {
	if c.state == stateUnauthenticated {
		c.closeWith(CloseAuthRequired, "auth required")
		return false
	}
	return true
}

func (c *conn) handleAuth(f authFrame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claims, err := c.g.validator.Validate(ctx, f.Token, c.origin)
	if err != nil {
		c.g.log.Debug().Err(err).Str("ip", c.ip).Msg("socket auth rejected")
		c.closeWith(CloseAuthRequired, "auth required")
		return false
	}

	c.authTimer.Stop()
	c.claims = claims
	c.state = stateAuthenticated
	c.reply(authOKReply{Type: "auth_ok"})
	return true
}

func (c *conn) handleInit(f initFrame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Visitor identity comes strictly from the verified token subject; a
	// client-supplied id is ignored.
	c.visitorID = c.claims.Subject
	c.site = f.Site
	if c.site == "" {
		c.site = c.claims.Site
	}

	authKind := models.AuthAuthenticated
	if c.claims.Anonymous {
		authKind = models.AuthAnonymous
	}

	if _, err := c.g.repo.UpsertVisitor(ctx, c.visitorID, c.site, authKind, c.claims.Name, c.claims.Email); err != nil {
		c.g.log.Error().Err(err).Str("visitor_id", c.visitorID).Msg("visitor upsert failed")
		c.reply(chat.NewErrorEvent("init failed"))
		return true
	}

	c.g.registry.Register(c.visitorID, c.sink)
	c.state = stateInitialized

	c.reply(initReply{Type: "init", VisitorID: c.visitorID})

	if p, err := c.g.repo.GetPresence(ctx); err == nil {
		c.reply(chat.NewPresenceEvent(p))
	} else {
		c.g.log.Warn().Err(err).Msg("presence read failed")
	}
	return true
}

// handleTyping forwards at most one typing signal per visitor per interval;
// the rest are dropped here.
func (c *conn) handleTyping() {
	if !c.g.allowTyping(c.visitorID) {
		return
	}
	visitorID := c.visitorID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.g.typing.ForwardTyping(ctx, visitorID)
	}()
}

func (c *conn) handleMessage(f messageFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.g.chatSvc.ValidateContent(f.Content); err != nil {
		c.reply(chat.NewErrorEvent(validationMessage(err)))
		return
	}

	keys := chat.RateKeys(c.claims.Anonymous, c.site, c.visitorID, c.ip)
	if !c.g.limiter.AllowAll(keys...) {
		c.reply(chat.NewErrorEvent("rate limited"))
		return
	}

	if _, err := c.g.chatSvc.AcceptVisitorMessage(ctx, c.visitorID, f.Content); err != nil {
		c.g.log.Error().Err(err).Str("visitor_id", c.visitorID).Msg("message accept failed")
		c.reply(chat.NewErrorEvent("message failed"))
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, chat.ErrMessageTooLong):
		return "message too long"
	default:
		return "invalid message"
	}
}

func (c *conn) reply(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.sink.WriteMessage(websocket.TextMessage, data); err != nil {
		c.g.log.Debug().Err(err).Msg("reply write failed")
	}
}

func (c *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.sink.WriteMessage(websocket.CloseMessage, msg)
	_ = c.sink.Close()
}
