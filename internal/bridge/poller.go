package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzz-line/buzz-line/internal/telegram"
)

// UpdateSource is the long-poll intake side of the platform client.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// Poller drives the bridge from Bot API long polling when the relay runs in
// polling delivery mode.
type Poller struct {
	source UpdateSource
	bridge *Bridge
	log    zerolog.Logger
}

func NewPoller(source UpdateSource, bridge *Bridge, log zerolog.Logger) *Poller {
	return &Poller{
		source: source,
		bridge: bridge,
		log:    log.With().Str("component", "poller").Logger(),
	}
}

// Run long-polls until ctx is cancelled. Transient poll errors back off for
// a second and continue.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Msg("update polling started")
	var offset int64
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("update polling stopped")
			return
		default:
		}

		updates, err := p.source.GetUpdates(ctx, offset, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Warn().Err(err).Msg("poll failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			p.bridge.HandleUpdate(ctx, upd)
		}
	}
}
