package chat

import (
	"time"

	"github.com/buzz-line/buzz-line/internal/models"
)

// Server-pushed socket events. All frames carry a type tag that the widget
// routes on.

type MessageEvent struct {
	Type      string    `json:"type"`
	ID        uint64    `json:"id"`
	VisitorID string    `json:"visitorId"`
	Sender    string    `json:"sender"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	FileRef   string    `json:"fileRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type PresenceEvent struct {
	Type      string    `json:"type"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewMessageEvent(m *models.Message) MessageEvent {
	ev := MessageEvent{
		Type:      "message",
		ID:        m.ID,
		VisitorID: m.VisitorID,
		Sender:    m.Sender,
		Kind:      m.Kind,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.FileRef != nil {
		ev.FileRef = *m.FileRef
	}
	return ev
}

func NewPresenceEvent(p *models.SupportPresence) PresenceEvent {
	return PresenceEvent{Type: "presence", State: p.State, UpdatedAt: p.UpdatedAt}
}

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: msg}
}
