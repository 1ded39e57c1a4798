package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/httpapi/middleware"
)

type anonymousTokenReq struct {
	VisitorID string `json:"visitorId"`
}

// AnonymousToken issues a short-lived signed credential for an anonymous
// visitor. The origin must be allow-listed and the endpoint is rate-limited
// per IP. A client-supplied visitor id is only honored when it matches the
// fixed anonymous-id shape, so returning visitors can keep their history
// without being able to claim arbitrary identities.
func (h *Handler) AnonymousToken(c *gin.Context) {
	if !h.Cfg.AnonymousEnabled {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
		return
	}

	origin := c.GetHeader("Origin")
	if !h.Cfg.OriginAllowed(origin) {
		common.Fail(c, http.StatusForbidden, 40302, "origin not allowed")
		return
	}

	if !h.Limiter.Allow("anon-token:" + c.ClientIP()) {
		common.Fail(c, http.StatusTooManyRequests, 42901, "rate limited")
		return
	}

	var req anonymousTokenReq
	_ = c.ShouldBindJSON(&req) // allow empty body

	visitorID := req.VisitorID
	if !auth.IsAnonymousID(visitorID) {
		visitorID = auth.NewAnonymousID()
	}

	ttl := time.Duration(h.Cfg.TokenTTLSeconds) * time.Second
	token, err := auth.Sign(h.Cfg.JWTSecret, auth.Claims{
		Site:             config.OriginHost(origin),
		Origin:           origin,
		Anonymous:        true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: visitorID},
	}, ttl)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"token":     token,
		"visitorId": visitorID,
		"expiresIn": h.Cfg.TokenTTLSeconds,
	})
}

// Revoke invalidates every session of the calling token's subject and
// closes its live sockets.
func (h *Handler) Revoke(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := h.Validator.Revoke(c.Request.Context(), claims.Subject); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "revoke failed")
		return
	}
	common.OK(c, gin.H{"revoked": true})
}
