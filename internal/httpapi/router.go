package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/gateway"
	"github.com/buzz-line/buzz-line/internal/httpapi/handlers"
	"github.com/buzz-line/buzz-line/internal/httpapi/middleware"
	"github.com/buzz-line/buzz-line/internal/session"
)

func NewRouter(cfg config.Config, h *handlers.Handler, gw *gateway.Gateway, validator *session.Validator, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/health", h.Health)
	r.GET("/ws", gw.HandleWS)

	r.POST("/api/auth/anonymous", h.AnonymousToken)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(validator))
	authGroup.POST("/api/auth/revoke", h.Revoke)
	authGroup.GET("/api/chat/:visitorId/history", h.History)
	authGroup.POST("/api/chat/:visitorId/message", h.SendMessage)
	authGroup.POST("/api/chat/:visitorId/upload", h.Upload)
	authGroup.GET("/api/chat/:visitorId/files/:name", h.ServeFile)

	if cfg.DeliveryMode == config.ModeWebhook {
		r.POST(cfg.WebhookPath, h.Webhook)
	}

	return r
}
