package models

import "time"

const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
)

const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

const (
	AuthAnonymous     = "anonymous"
	AuthAuthenticated = "authenticated"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Visitor is one end-user conversation identity. The numeric row ID doubles
// as the sequential N in "Visitor #N from <site>" topic titles.
type Visitor struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	VisitorID string `gorm:"type:varchar(64);uniqueIndex;not null" json:"visitor_id"`
	Name      string `gorm:"type:varchar(128)" json:"name,omitempty"`
	Email     string `gorm:"type:varchar(128)" json:"email,omitempty"`
	Site      string `gorm:"type:varchar(128);index" json:"site"`
	AuthKind  string `gorm:"type:varchar(16);not null" json:"auth_kind"`

	// TopicID is nil until the first outbound send creates a remote topic.
	// Nil means "no topic"; a zero value is never stored.
	TopicID *int64 `gorm:"index" json:"-"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (Visitor) TableName() string { return "visitors" }

// Message is one conversation turn, persisted and delivered in acceptance
// order per visitor.
type Message struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	VisitorID string  `gorm:"type:varchar(64);index;not null" json:"visitor_id"`
	Sender    string  `gorm:"type:varchar(16);not null" json:"sender"`
	Kind      string  `gorm:"type:varchar(16);not null" json:"kind"`
	Content   string  `gorm:"type:text" json:"content"`
	FileRef   *string `gorm:"type:varchar(128)" json:"file_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// TokenSession binds an issued credential's jti to its first-seen origin
// host. A jti is never rebindable to a different origin.
type TokenSession struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	TokenID    string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	Subject    string     `gorm:"type:varchar(64);index;not null"`
	Site       string     `gorm:"type:varchar(128)"`
	OriginHost string     `gorm:"type:varchar(128);not null"`
	ExpiresAt  time.Time  `gorm:"index;not null"`
	RevokedAt  *time.Time `gorm:"index"`
	LastSeenAt time.Time
	CreatedAt  time.Time
}

func (TokenSession) TableName() string { return "token_sessions" }

// SupportPresence is the single global online/offline flag. One row.
type SupportPresence struct {
	ID        uint64    `gorm:"primaryKey"`
	State     string    `gorm:"type:varchar(16);not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SupportPresence) TableName() string { return "support_presence" }
