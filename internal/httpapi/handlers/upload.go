package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/common"
	"github.com/buzz-line/buzz-line/internal/httpapi/middleware"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/upload"
)

// Upload accepts a raw image body, sniffs its real format from magic bytes,
// stores it locally and delivers it as a visitor image message. Oversized
// bodies and anything that is not jpeg/png/gif/webp (including disguised
// SVG) are rejected.
func (h *Handler) Upload(c *gin.Context) {
	visitorID, ok := h.subjectVisitor(c)
	if !ok {
		return
	}

	claims, _ := middleware.ClaimsFromContext(c)
	keys := chat.RateKeys(claims.Anonymous, claims.Site, visitorID, c.ClientIP())
	if !h.Limiter.AllowAll(keys...) {
		common.Fail(c, http.StatusTooManyRequests, 42903, "rate limited")
		return
	}

	if !h.ensureVisitor(c, claims, visitorID) {
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.Cfg.UploadMaxBytes)
	defer body.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		failUploadRead(c, err)
		return
	}
	head = head[:n]

	format, err := upload.Sniff(head)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10010, "unsupported image format")
		return
	}

	ref, err := h.Files.Save(io.MultiReader(bytes.NewReader(head), body), format.Ext)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			common.Fail(c, http.StatusBadRequest, 10011, "file too large")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to store file")
		return
	}

	msg, err := h.ChatSvc.AcceptVisitorUpload(c.Request.Context(), visitorID, models.KindImage, ref)
	if err != nil {
		h.Files.Remove(ref)
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to record upload")
		return
	}

	common.OK(c, gin.H{"message": msg, "fileRef": ref})
}

func failUploadRead(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		common.Fail(c, http.StatusBadRequest, 10011, "file too large")
		return
	}
	common.Fail(c, http.StatusBadRequest, 10012, "unreadable body")
}
