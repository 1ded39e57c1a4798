package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/buzz-line/buzz-line/internal/models"
)

var ErrNotFound = gorm.ErrRecordNotFound

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// UpsertVisitor creates the visitor row on first contact and refreshes
// identity fields and last-seen on every init after that.
func (r *Repo) UpsertVisitor(ctx context.Context, visitorID, site, authKind, name, email string) (*models.Visitor, error) {
	now := time.Now()

	var v models.Visitor
	err := r.db.WithContext(ctx).Where("visitor_id = ?", visitorID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		v = models.Visitor{
			VisitorID:  visitorID,
			Site:       site,
			AuthKind:   authKind,
			Name:       name,
			Email:      email,
			LastSeenAt: now,
		}
		if err := r.db.WithContext(ctx).Create(&v).Error; err != nil {
			return nil, err
		}
		return &v, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"last_seen_at": now}
	if site != "" {
		updates["site"] = site
	}
	if name != "" {
		updates["name"] = name
	}
	if email != "" {
		updates["email"] = email
	}
	if err := r.db.WithContext(ctx).Model(&v).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repo) GetVisitor(ctx context.Context, visitorID string) (*models.Visitor, error) {
	var v models.Visitor
	if err := r.db.WithContext(ctx).Where("visitor_id = ?", visitorID).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVisitorByTopic resolves a remote topic id back to its visitor.
func (r *Repo) GetVisitorByTopic(ctx context.Context, topicID int64) (*models.Visitor, error) {
	var v models.Visitor
	if err := r.db.WithContext(ctx).Where("topic_id = ?", topicID).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// SetVisitorTopic caches (or clears, with nil) the remote topic id.
func (r *Repo) SetVisitorTopic(ctx context.Context, visitorID string, topicID *int64) error {
	return r.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("visitor_id = ?", visitorID).
		Update("topic_id", topicID).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *models.Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, visitorID string, limit int, beforeID uint64) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("visitor_id = ?", visitorID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Token sessions

func (r *Repo) CreateTokenSession(ctx context.Context, s *models.TokenSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetTokenSession(ctx context.Context, tokenID string) (*models.TokenSession, error) {
	var s models.TokenSession
	if err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) TouchTokenSession(ctx context.Context, tokenID string) error {
	return r.db.WithContext(ctx).Model(&models.TokenSession{}).
		Where("token_id = ?", tokenID).
		Update("last_seen_at", time.Now()).Error
}

// RevokeTokenSessions marks every live session of a subject revoked and
// returns how many rows were touched.
func (r *Repo) RevokeTokenSessions(ctx context.Context, subject string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.TokenSession{}).
		Where("subject = ? AND revoked_at IS NULL", subject).
		Update("revoked_at", time.Now())
	return res.RowsAffected, res.Error
}

// DeleteExpiredTokenSessions is run by the maintenance tick.
func (r *Repo) DeleteExpiredTokenSessions(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.TokenSession{})
	return res.RowsAffected, res.Error
}

// Presence

func (r *Repo) GetPresence(ctx context.Context) (*models.SupportPresence, error) {
	var p models.SupportPresence
	err := r.db.WithContext(ctx).First(&p, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SupportPresence{ID: 1, State: models.PresenceOffline, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) SetPresence(ctx context.Context, state string) (*models.SupportPresence, error) {
	p := models.SupportPresence{ID: 1, State: state, UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Save(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
