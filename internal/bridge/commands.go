package bridge

import (
	"context"
	"strings"

	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/models"
)

// handleCommand interprets a message posted outside any topic against the
// presence command grammar: the first whitespace-delimited token,
// case-insensitive, with any "@botname" suffix stripped. Everything else is
// inert.
func (b *Bridge) handleCommand(ctx context.Context, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	cmd = strings.TrimPrefix(cmd, "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		suffix := cmd[at+1:]
		if b.botUsername == "" || strings.EqualFold(suffix, b.botUsername) {
			cmd = cmd[:at]
		}
	}

	switch cmd {
	case models.PresenceOnline, models.PresenceOffline:
		b.setPresence(ctx, cmd)
	case "status":
		b.replyStatus(ctx)
	}
}

func (b *Bridge) setPresence(ctx context.Context, state string) {
	p, err := b.repo.SetPresence(ctx, state)
	if err != nil {
		b.log.Error().Err(err).Str("state", state).Msg("presence update failed")
		return
	}
	if err := b.broadcast.BroadcastAll(chat.NewPresenceEvent(p)); err != nil {
		b.log.Warn().Err(err).Msg("presence broadcast failed")
	}
	b.log.Info().Str("state", state).Msg("support presence changed")
	if err := b.api.SendMessage(ctx, 0, "Support is now "+state+"."); err != nil {
		b.log.Debug().Err(err).Msg("presence confirmation failed")
	}
}

func (b *Bridge) replyStatus(ctx context.Context) {
	p, err := b.repo.GetPresence(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("presence read failed")
		return
	}
	if err := b.api.SendMessage(ctx, 0, "Support is "+p.State+"."); err != nil {
		b.log.Debug().Err(err).Msg("status reply failed")
	}
}
