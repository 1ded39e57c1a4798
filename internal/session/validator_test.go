package session

import (
	"context"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/buzz-line/buzz-line/internal/auth"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/store"
)

const testSecret = "test-secret"

type closeRecorder struct {
	visitorID string
	code      int
	calls     int
}

func (c *closeRecorder) CloseVisitor(visitorID string, code int, reason string) {
	c.visitorID = visitorID
	c.code = code
	c.calls++
}

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	// Named per-test in-memory DB: every pooled connection must see the
	// same data.
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.TokenSession{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store.NewRepo(db)
}

func testValidator(t *testing.T, sockets SocketCloser) *Validator {
	t.Helper()
	cfg := config.Config{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"https://shop.example", "https://other.example"},
	}
	return NewValidator(cfg, openTestRepo(t), sockets, zerolog.Nop())
}

func signToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.Sign(testSecret, auth.Claims{
		Site:             "shop.example",
		Anonymous:        true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}, ttl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestValidate_FirstUseBindsOrigin(t *testing.T) {
	v := testValidator(t, nil)
	token := signToken(t, "anon-1", time.Minute)

	claims, err := v.Validate(context.Background(), token, "https://shop.example")
	if err != nil {
		t.Fatalf("first use: %v", err)
	}
	if claims.Subject != "anon-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}

	// Same origin, same token: still valid.
	if _, err := v.Validate(context.Background(), token, "https://shop.example"); err != nil {
		t.Fatalf("second use same origin: %v", err)
	}
}

func TestValidate_ReplayFromOtherOriginRejected(t *testing.T) {
	v := testValidator(t, nil)
	token := signToken(t, "anon-1", time.Minute)

	if _, err := v.Validate(context.Background(), token, "https://shop.example"); err != nil {
		t.Fatalf("first use: %v", err)
	}

	// Both origins are allow-listed; the binding still pins the first.
	_, err := v.Validate(context.Background(), token, "https://other.example")
	if !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}

	// The binding never moves back either.
	if _, err := v.Validate(context.Background(), token, "https://shop.example"); err != nil {
		t.Fatalf("original origin must keep working: %v", err)
	}
}

func TestValidate_OriginNotAllowListed(t *testing.T) {
	v := testValidator(t, nil)
	token := signToken(t, "anon-1", time.Minute)

	_, err := v.Validate(context.Background(), token, "https://evil.example")
	if !errors.Is(err, ErrOriginNotAllowed) {
		t.Fatalf("expected ErrOriginNotAllowed, got %v", err)
	}
}

func TestValidate_GarbageToken(t *testing.T) {
	v := testValidator(t, nil)

	_, err := v.Validate(context.Background(), "not-a-token", "https://shop.example")
	if !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	v := testValidator(t, nil)

	token, err := auth.Sign("other-secret", auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "anon-1"},
	}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Validate(context.Background(), token, "https://shop.example"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
}

func TestRevoke_ClosesSocketsAndRejectsToken(t *testing.T) {
	rec := &closeRecorder{}
	v := testValidator(t, rec)
	token := signToken(t, "anon-1", time.Minute)

	if _, err := v.Validate(context.Background(), token, "https://shop.example"); err != nil {
		t.Fatalf("first use: %v", err)
	}

	if err := v.Revoke(context.Background(), "anon-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rec.calls != 1 || rec.visitorID != "anon-1" || rec.code != 4001 {
		t.Fatalf("unexpected socket close: %+v", rec)
	}

	_, err := v.Validate(context.Background(), token, "https://shop.example")
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestSweep_DropsExpiredSessions(t *testing.T) {
	rec := &closeRecorder{}
	v := testValidator(t, rec)

	// Seed an already-expired binding directly.
	expired := &models.TokenSession{
		TokenID:    "jti-old",
		Subject:    "anon-old",
		OriginHost: "shop.example",
		ExpiresAt:  time.Now().Add(-time.Hour),
		LastSeenAt: time.Now().Add(-2 * time.Hour),
	}
	if err := v.repo.CreateTokenSession(context.Background(), expired); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v.Sweep(context.Background())

	if _, err := v.repo.GetTokenSession(context.Background(), "jti-old"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected expired session gone, got %v", err)
	}
}
