package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/bridge"
	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/httpapi/middleware"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/ratelimit"
	"github.com/buzz-line/buzz-line/internal/session"
	"github.com/buzz-line/buzz-line/internal/upload"
)

type Handler struct {
	Cfg       config.Config
	Validator *session.Validator
	ChatSvc   *chat.Service
	Limiter   *ratelimit.Limiter
	Bridge    *bridge.Bridge
	Files     *upload.Store
	Log       zerolog.Logger
}

func NewHandler(cfg config.Config, validator *session.Validator, chatSvc *chat.Service, limiter *ratelimit.Limiter, br *bridge.Bridge, files *upload.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Cfg:       cfg,
		Validator: validator,
		ChatSvc:   chatSvc,
		Limiter:   limiter,
		Bridge:    br,
		Files:     files,
		Log:       log.With().Str("component", "httpapi").Logger(),
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// subjectVisitor enforces that the token subject equals the :visitorId path
// parameter. Every per-visitor route goes through this.
func (h *Handler) subjectVisitor(c *gin.Context) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return "", false
	}
	visitorID := c.Param("visitorId")
	if visitorID == "" || claims.Subject != visitorID {
		common.Fail(c, http.StatusForbidden, 40301, "visitor mismatch")
		return "", false
	}
	return visitorID, true
}

// ensureVisitor records the visitor row the way a socket init would. The
// HTTP fallback must work for visitors that never completed a socket
// handshake, and the bridge cannot build a topic without the row.
func (h *Handler) ensureVisitor(c *gin.Context, claims *auth.Claims, visitorID string) bool {
	authKind := models.AuthAuthenticated
	if claims.Anonymous {
		authKind = models.AuthAnonymous
	}
	if err := h.ChatSvc.EnsureVisitor(c.Request.Context(), visitorID, claims.Site, authKind, claims.Name, claims.Email); err != nil {
		h.Log.Error().Err(err).Str("visitor_id", visitorID).Msg("visitor upsert failed")
		common.Fail(c, http.StatusInternalServerError, 50007, "failed to record visitor")
		return false
	}
	return true
}
