package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/store"
)

var (
	ErrBadToken         = errors.New("session: invalid or expired token")
	ErrOriginNotAllowed = errors.New("session: request origin not allow-listed")
	ErrOriginMismatch   = errors.New("session: token origin disagrees with request origin")
	ErrReplayed         = errors.New("session: token bound to a different origin or subject")
	ErrRevoked          = errors.New("session: token revoked")
)

// SocketCloser lets a revoke proactively close a subject's live sockets.
type SocketCloser interface {
	CloseVisitor(visitorID string, code int, reason string)
}

// Validator verifies signed credentials and enforces single-origin,
// anti-replay session binding: once a jti is first seen from an origin host,
// every later use must match subject and origin host.
type Validator struct {
	cfg     config.Config
	repo    *store.Repo
	sockets SocketCloser
	log     zerolog.Logger
}

func NewValidator(cfg config.Config, repo *store.Repo, sockets SocketCloser, log zerolog.Logger) *Validator {
	return &Validator{
		cfg:     cfg,
		repo:    repo,
		sockets: sockets,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// Validate checks a credential presented from the given request origin and
// returns its claims on success.
func (v *Validator) Validate(ctx context.Context, tokenString, origin string) (*auth.Claims, error) {
	claims, err := auth.Parse(v.cfg.JWTSecret, tokenString)
	if err != nil {
		return nil, errors.Wrap(ErrBadToken, err.Error())
	}

	originHost := config.OriginHost(origin)
	if !v.cfg.OriginAllowed(origin) {
		return nil, ErrOriginNotAllowed
	}
	if claims.Origin != "" && config.OriginHost(claims.Origin) != originHost {
		return nil, ErrOriginMismatch
	}

	sess, err := v.repo.GetTokenSession(ctx, claims.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First use: bind jti -> subject + origin host.
		sess = &models.TokenSession{
			TokenID:    claims.ID,
			Subject:    claims.Subject,
			Site:       claims.Site,
			OriginHost: originHost,
			ExpiresAt:  claims.ExpiresAt.Time,
			LastSeenAt: time.Now(),
		}
		if err := v.repo.CreateTokenSession(ctx, sess); err != nil {
			// Lost the insert race: re-read and fall through to the
			// binding checks.
			sess, err = v.repo.GetTokenSession(ctx, claims.ID)
			if err != nil {
				return nil, errors.Wrap(err, "bind token session")
			}
		} else {
			return claims, nil
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "load token session")
	}

	if sess.Subject != claims.Subject || sess.OriginHost != originHost {
		return nil, ErrReplayed
	}
	if sess.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrBadToken
	}
	if err := v.repo.TouchTokenSession(ctx, claims.ID); err != nil {
		v.log.Warn().Err(err).Str("jti", claims.ID).Msg("touch token session failed")
	}
	return claims, nil
}

// Revoke marks every session of a subject revoked and closes the subject's
// live sockets.
func (v *Validator) Revoke(ctx context.Context, subject string) error {
	n, err := v.repo.RevokeTokenSessions(ctx, subject)
	if err != nil {
		return errors.Wrap(err, "revoke token sessions")
	}
	v.log.Info().Str("subject", subject).Int64("sessions", n).Msg("sessions revoked")
	if v.sockets != nil {
		v.sockets.CloseVisitor(subject, 4001, "session revoked")
	}
	return nil
}

// Sweep deletes sessions past expiry. Run by the maintenance tick.
func (v *Validator) Sweep(ctx context.Context) {
	n, err := v.repo.DeleteExpiredTokenSessions(ctx, time.Now())
	if err != nil {
		v.log.Warn().Err(err).Msg("token session sweep failed")
		return
	}
	if n > 0 {
		v.log.Debug().Int64("deleted", n).Msg("expired token sessions purged")
	}
}
