package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/telegram"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook is the remote-platform push intake. The shared-secret header is
// required whenever one is configured, and malformed update envelopes are
// rejected.
func (h *Handler) Webhook(c *gin.Context) {
	if h.Cfg.WebhookSecret != "" {
		got := c.GetHeader(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Cfg.WebhookSecret)) != 1 {
			common.Fail(c, http.StatusForbidden, 40303, "bad webhook secret")
			return
		}
	}

	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		common.Fail(c, http.StatusBadRequest, 10020, "malformed update")
		return
	}

	h.Bridge.HandleUpdate(c.Request.Context(), upd)
	c.Status(http.StatusOK)
}
