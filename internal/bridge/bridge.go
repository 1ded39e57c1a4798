package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/models"
	"github.com/buzz-line/buzz-line/internal/store"
	"github.com/buzz-line/buzz-line/internal/telegram"
	"github.com/buzz-line/buzz-line/internal/upload"
)

// PlatformAPI is the slice of the remote messaging platform the bridge
// drives. *telegram.Client satisfies it.
type PlatformAPI interface {
	CreateTopic(ctx context.Context, name string) (int64, error)
	SendMessage(ctx context.Context, topicID int64, text string) error
	SendTyping(ctx context.Context, topicID int64) error
	SendPhoto(ctx context.Context, topicID int64, path, caption string) error
	SendDocument(ctx context.Context, topicID int64, path, caption string) error
	DownloadFile(ctx context.Context, fileID string, w io.Writer) error
}

// Broadcaster pushes presence changes to every live socket.
type Broadcaster interface {
	BroadcastAll(event any) error
}

// Bridge owns the 1:1 mapping between a visitor and a remote forum topic:
// it creates, caches, and recreates topics, and translates payloads in both
// directions.
type Bridge struct {
	repo        *store.Repo
	api         PlatformAPI
	chatSvc     *chat.Service
	files       *upload.Store
	broadcast   Broadcaster
	chatID      int64
	botUsername string
	log         zerolog.Logger

	// Per-visitor topic creation locks: concurrent first sends must create
	// exactly one topic.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(repo *store.Repo, api PlatformAPI, chatSvc *chat.Service, files *upload.Store, broadcast Broadcaster, chatID int64, log zerolog.Logger) *Bridge {
	return &Bridge{
		repo:      repo,
		api:       api,
		chatSvc:   chatSvc,
		files:     files,
		broadcast: broadcast,
		chatID:    chatID,
		log:       log.With().Str("component", "bridge").Logger(),
		locks:     map[string]*sync.Mutex{},
	}
}

// SetBotUsername lets startup record the bot identity so "@botname" command
// suffixes can be stripped.
func (b *Bridge) SetBotUsername(name string) { b.botUsername = name }

func (b *Bridge) topicLock(visitorID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[visitorID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[visitorID] = l
	}
	return l
}

// topicName derives the topic title from what we know about the visitor.
func topicName(v *models.Visitor) string {
	identity := v.Name
	if identity == "" {
		identity = v.Email
	}
	if identity == "" {
		return fmt.Sprintf("Visitor #%d from %s", v.ID, v.Site)
	}
	if v.AuthKind == models.AuthAnonymous {
		return fmt.Sprintf("[Anon] %s from %s", identity, v.Site)
	}
	return fmt.Sprintf("%s from %s", identity, v.Site)
}

// ensureTopic returns the visitor's cached topic id, creating and caching a
// topic when none exists yet.
func (b *Bridge) ensureTopic(ctx context.Context, visitorID string) (int64, error) {
	lock := b.topicLock(visitorID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent send may have just created it.
	v, err := b.repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return 0, errors.Wrap(err, "load visitor")
	}
	if v.TopicID != nil {
		return *v.TopicID, nil
	}

	topicID, err := b.api.CreateTopic(ctx, topicName(v))
	if err != nil {
		return 0, errors.Wrap(err, "create topic")
	}
	if err := b.repo.SetVisitorTopic(ctx, visitorID, &topicID); err != nil {
		return 0, errors.Wrap(err, "cache topic id")
	}
	b.log.Info().Str("visitor_id", visitorID).Int64("topic_id", topicID).Msg("topic created")
	return topicID, nil
}

// DeliverMessage pushes an accepted visitor message into the visitor's
// topic. Best effort: when the platform reports the topic gone, the cached
// id is cleared, one replacement topic is created and the send retried once.
// A second failure is logged and the content is not redelivered.
func (b *Bridge) DeliverMessage(ctx context.Context, msg *models.Message) {
	topicID, err := b.ensureTopic(ctx, msg.VisitorID)
	if err != nil {
		b.log.Error().Err(err).Str("visitor_id", msg.VisitorID).Uint64("message_id", msg.ID).Msg("outbound delivery failed")
		return
	}

	err = b.dispatch(ctx, topicID, msg)
	if errors.Is(err, telegram.ErrTopicNotFound) {
		b.log.Warn().Str("visitor_id", msg.VisitorID).Int64("topic_id", topicID).Msg("topic gone, recreating once")
		if err := b.repo.SetVisitorTopic(ctx, msg.VisitorID, nil); err != nil {
			b.log.Error().Err(err).Str("visitor_id", msg.VisitorID).Msg("clear cached topic failed")
			return
		}
		topicID, err = b.ensureTopic(ctx, msg.VisitorID)
		if err != nil {
			b.log.Error().Err(err).Str("visitor_id", msg.VisitorID).Msg("replacement topic failed")
			return
		}
		err = b.dispatch(ctx, topicID, msg)
	}
	if err != nil {
		b.log.Error().Err(err).Str("visitor_id", msg.VisitorID).Uint64("message_id", msg.ID).Msg("outbound delivery abandoned")
	}
}

func (b *Bridge) dispatch(ctx context.Context, topicID int64, msg *models.Message) error {
	switch msg.Kind {
	case models.KindText:
		return b.api.SendMessage(ctx, topicID, msg.Content)
	case models.KindImage:
		if msg.FileRef == nil {
			return errors.New("image message without file ref")
		}
		return b.api.SendPhoto(ctx, topicID, b.files.Path(*msg.FileRef), msg.Content)
	case models.KindFile:
		if msg.FileRef == nil {
			return errors.New("file message without file ref")
		}
		return b.api.SendDocument(ctx, topicID, b.files.Path(*msg.FileRef), msg.Content)
	default:
		return errors.Errorf("unsupported message kind %q", msg.Kind)
	}
}

// ForwardTyping relays a typing signal into the visitor's topic. Fire and
// forget: a visitor with no topic yet produces nothing, failures are only
// logged.
func (b *Bridge) ForwardTyping(ctx context.Context, visitorID string) {
	v, err := b.repo.GetVisitor(ctx, visitorID)
	if err != nil || v.TopicID == nil {
		return
	}
	if err := b.api.SendTyping(ctx, *v.TopicID); err != nil {
		b.log.Debug().Err(err).Str("visitor_id", visitorID).Msg("typing forward failed")
	}
}

// HandleUpdate translates one inbound platform push. Replies inside a topic
// resolve to a visitor by reverse topic lookup; messages outside any topic
// are inert unless they match the presence command grammar.
func (b *Bridge) HandleUpdate(ctx context.Context, upd telegram.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	if msg.Chat.ID != b.chatID {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	if msg.ThreadID == 0 {
		b.handleCommand(ctx, msg.Text)
		return
	}

	visitor, err := b.repo.GetVisitorByTopic(ctx, msg.ThreadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		b.log.Debug().Int64("topic_id", msg.ThreadID).Msg("reply in unknown topic dropped")
		return
	}
	if err != nil {
		b.log.Error().Err(err).Int64("topic_id", msg.ThreadID).Msg("topic lookup failed")
		return
	}

	agentMsg, err := b.translateInbound(ctx, msg)
	if err != nil {
		b.log.Error().Err(err).Str("visitor_id", visitor.VisitorID).Msg("inbound translation failed")
		return
	}
	if agentMsg == nil {
		return
	}
	agentMsg.VisitorID = visitor.VisitorID

	if _, err := b.chatSvc.AcceptAgentMessage(ctx, agentMsg); err != nil {
		b.log.Error().Err(err).Str("visitor_id", visitor.VisitorID).Msg("agent message persist failed")
	}
}

// translateInbound maps a platform message to an agent Message. Attachments
// are downloaded to local storage first; the stored-file reference is what
// gets persisted and fanned out.
func (b *Bridge) translateInbound(ctx context.Context, msg *telegram.IncomingMessage) (*models.Message, error) {
	switch {
	case len(msg.Photo) > 0:
		// Sizes arrive smallest first; take the largest rendition.
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		ref, err := b.downloadAttachment(ctx, fileID, ".jpg")
		if err != nil {
			return nil, err
		}
		return &models.Message{Kind: models.KindImage, Content: msg.Caption, FileRef: &ref}, nil

	case msg.Document != nil:
		ref, err := b.downloadAttachment(ctx, msg.Document.FileID, upload.ExtFor(msg.Document.FileName))
		if err != nil {
			return nil, err
		}
		return &models.Message{Kind: models.KindFile, Content: msg.Caption, FileRef: &ref}, nil

	case msg.Text != "":
		return &models.Message{Kind: models.KindText, Content: msg.Text}, nil
	}
	return nil, nil
}

func (b *Bridge) downloadAttachment(ctx context.Context, fileID, ext string) (string, error) {
	w, ref, err := b.files.Create(ext)
	if err != nil {
		return "", errors.Wrap(err, "create attachment file")
	}
	defer w.Close()
	if err := b.api.DownloadFile(ctx, fileID, w); err != nil {
		b.files.Remove(ref)
		return "", errors.Wrap(err, "download attachment")
	}
	return ref, nil
}
