package chat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/store"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrMessageTooLong = errors.New("chat: message too long")
)

// Fanout is the delivery side of the live-socket world.
type Fanout interface {
	DeliverToVisitor(visitorID string, event any) error
}

// Outbound hands accepted content to the topic bridge. Calls are
// best-effort: failures are logged by the bridge and never surface to the
// accepting request.
type Outbound interface {
	DeliverMessage(ctx context.Context, msg *models.Message)
	ForwardTyping(ctx context.Context, visitorID string)
}

// Service accepts conversation turns from both the socket and HTTP paths,
// persists them, fans them out, and hands them to the bridge.
type Service struct {
	repo   *store.Repo
	fanout Fanout
	bridge Outbound
	maxLen int
	log    zerolog.Logger

	// Per-visitor locks keep persistence and fanout in acceptance order;
	// connections of other visitors never contend here.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(repo *store.Repo, fanout Fanout, bridge Outbound, maxLen int, log zerolog.Logger) *Service {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Service{
		repo:   repo,
		fanout: fanout,
		bridge: bridge,
		maxLen: maxLen,
		log:    log.With().Str("component", "chat").Logger(),
		locks:  map[string]*sync.Mutex{},
	}
}

// SetBridge binds the outbound bridge after construction; the bridge itself
// needs the service for inbound agent turns.
func (s *Service) SetBridge(b Outbound) { s.bridge = b }

func (s *Service) visitorLock(visitorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[visitorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[visitorID] = l
	}
	return l
}

// EnsureVisitor records or refreshes the visitor identity. The HTTP paths
// call this on every send: unlike the socket path there is no init step, so
// a fallback-only visitor would otherwise have no row for the bridge to
// build a topic from.
func (s *Service) EnsureVisitor(ctx context.Context, visitorID, site, authKind, name, email string) error {
	_, err := s.repo.UpsertVisitor(ctx, visitorID, site, authKind, name, email)
	return err
}

// ValidateContent applies the per-message length rules shared by the socket
// and HTTP paths.
func (s *Service) ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return ErrMessageTooLong
	}
	return nil
}

// AcceptVisitorMessage persists a visitor text message, fans it out to the
// visitor's own sockets, then hands it to the bridge. Bridge failures do not
// roll back persistence or fanout.
func (s *Service) AcceptVisitorMessage(ctx context.Context, visitorID, content string) (*models.Message, error) {
	if err := s.ValidateContent(content); err != nil {
		return nil, err
	}
	return s.accept(ctx, &models.Message{
		VisitorID: visitorID,
		Sender:    models.SenderVisitor,
		Kind:      models.KindText,
		Content:   content,
	})
}

// AcceptVisitorUpload persists an already-stored visitor attachment and
// delivers it like a text message.
func (s *Service) AcceptVisitorUpload(ctx context.Context, visitorID, kind, fileRef string) (*models.Message, error) {
	return s.accept(ctx, &models.Message{
		VisitorID: visitorID,
		Sender:    models.SenderVisitor,
		Kind:      kind,
		FileRef:   &fileRef,
	})
}

// AcceptAgentMessage persists an inbound agent turn (resolved by the bridge)
// and fans it out. It does not go back out through the bridge.
func (s *Service) AcceptAgentMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.Sender = models.SenderAgent

	lock := s.visitorLock(msg.VisitorID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, errors.Wrap(err, "persist agent message")
	}
	if err := s.fanout.DeliverToVisitor(msg.VisitorID, NewMessageEvent(msg)); err != nil {
		s.log.Warn().Err(err).Str("visitor_id", msg.VisitorID).Msg("agent message fanout failed")
	}
	return msg, nil
}

func (s *Service) accept(ctx context.Context, msg *models.Message) (*models.Message, error) {
	lock := s.visitorLock(msg.VisitorID)
	lock.Lock()

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		lock.Unlock()
		return nil, errors.Wrap(err, "persist message")
	}
	if err := s.fanout.DeliverToVisitor(msg.VisitorID, NewMessageEvent(msg)); err != nil {
		s.log.Warn().Err(err).Str("visitor_id", msg.VisitorID).Msg("fanout failed")
	}
	lock.Unlock()

	if s.bridge != nil {
		go func(m models.Message) {
			bctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			s.bridge.DeliverMessage(bctx, &m)
		}(*msg)
	}
	return msg, nil
}

// History returns messages in DESC id order (newest -> oldest), the
// repository's paging shape; handlers reverse for display.
func (s *Service) History(ctx context.Context, visitorID string, limit int, beforeID uint64) ([]models.Message, error) {
	return s.repo.ListMessages(ctx, visitorID, limit, beforeID)
}

// RateKeys builds the limiter keys for one accepted send: authenticated
// senders are checked per-user and per-IP, anonymous senders per-IP only,
// both scoped to the site.
func RateKeys(anonymous bool, site, subject, ip string) []string {
	if anonymous {
		return []string{"ip:" + site + ":" + ip}
	}
	return []string{"user:" + site + ":" + subject, "ip:" + site + ":" + ip}
}
