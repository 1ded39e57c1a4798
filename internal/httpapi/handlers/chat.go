package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/httpapi/middleware"
	"github.com/buzz-line/buzz-line/internal/models"
)

// History returns the visitor's messages oldest-first, with before_id
// paging over the newest-first repository order.
func (h *Handler) History(c *gin.Context) {
	visitorID, ok := h.subjectVisitor(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.History(c.Request.Context(), visitorID, limit, beforeID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	// reverse to ASC (oldest -> newest)
	ordered := make([]models.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		ordered = append(ordered, msgs[i])
	}

	common.OK(c, gin.H{
		"messages":       ordered,
		"next_before_id": nextBeforeID,
	})
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage is the synchronous HTTP fallback for visitors without a live
// socket. Same length and rate rules as the socket path.
func (h *Handler) SendMessage(c *gin.Context) {
	visitorID, ok := h.subjectVisitor(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.ChatSvc.ValidateContent(req.Content); err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10002, "message is empty")
		case errors.Is(err, chat.ErrMessageTooLong):
			common.Fail(c, http.StatusBadRequest, 10003, "message too long")
		default:
			common.Fail(c, http.StatusBadRequest, 10004, "invalid message")
		}
		return
	}

	claims, _ := middleware.ClaimsFromContext(c)
	keys := chat.RateKeys(claims.Anonymous, claims.Site, visitorID, c.ClientIP())
	if !h.Limiter.AllowAll(keys...) {
		common.Fail(c, http.StatusTooManyRequests, 42902, "rate limited")
		return
	}

	if !h.ensureVisitor(c, claims, visitorID) {
		return
	}

	msg, err := h.ChatSvc.AcceptVisitorMessage(c.Request.Context(), visitorID, req.Content)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to send message")
		return
	}

	common.OK(c, gin.H{"message": msg})
}

// ServeFile streams a stored attachment back to its owning visitor.
func (h *Handler) ServeFile(c *gin.Context) {
	if _, ok := h.subjectVisitor(c); !ok {
		return
	}

	name := c.Param("name")
	f, err := h.Files.Open(name)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40402, "file not found")
		return
	}
	_ = f.Close()
	c.File(h.Files.Path(name))
}
