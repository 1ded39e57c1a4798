package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/hub"
	"github.com/buzz-line/buzz-line/internal/ratelimit"
	"github.com/buzz-line/buzz-line/internal/session"
	"github.com/buzz-line/buzz-line/internal/store"
)

const (
	// CloseAuthRequired is the distinguished close code for sockets that
	// never completed authentication.
	CloseAuthRequired = 4001

	defaultAuthTimeout = 5 * time.Second
	typingInterval     = 5 * time.Second
	writeWait          = 10 * time.Second
)

// Typing is the bridge's fire-and-forget typing relay.
type Typing interface {
	ForwardTyping(ctx context.Context, visitorID string)
}

// Registry is the slice of the fanout hub the gateway drives. Connections
// register their write side as a hub.Sink so fanout can reach them.
type Registry interface {
	Register(visitorID string, conn hub.Sink)
	Deregister(visitorID string, conn hub.Sink)
}

// Gateway upgrades sockets and runs the per-connection protocol state
// machine.
type Gateway struct {
	cfg       config.Config
	validator *session.Validator
	repo      *store.Repo
	chatSvc   *chat.Service
	registry  Registry
	limiter   *ratelimit.Limiter
	typing    Typing
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	authTimeout time.Duration

	typingMu       sync.Mutex
	typingLimiters map[string]*rate.Limiter
}

func New(cfg config.Config, validator *session.Validator, repo *store.Repo, chatSvc *chat.Service, registry Registry, limiter *ratelimit.Limiter, typing Typing, log zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		validator: validator,
		repo:      repo,
		chatSvc:   chatSvc,
		registry:  registry,
		limiter:   limiter,
		typing:    typing,
		log:       log.With().Str("component", "gateway").Logger(),

		authTimeout: defaultAuthTimeout,

		typingLimiters: make(map[string]*rate.Limiter),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return g
}

// allowTyping throttles typing signals per visitor, not per socket: a
// visitor with several tabs open still forwards at most one signal per
// interval.
func (g *Gateway) allowTyping(visitorID string) bool {
	g.typingMu.Lock()
	lim, ok := g.typingLimiters[visitorID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(typingInterval), 1)
		g.typingLimiters[visitorID] = lim
	}
	g.typingMu.Unlock()
	return lim.Allow()
}

// HandleWS is the gin entry point for socket upgrades.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := newConn(g, ws, c.Request.Header.Get("Origin"), c.ClientIP())
	go conn.run()
}
