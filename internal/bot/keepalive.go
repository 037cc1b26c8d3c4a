package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
)

const keepaliveInterval = 30 * time.Second

type presenceClient interface {
	IsConnected() bool
	IsLoggedIn() bool
	SendPresence(ctx context.Context, state types.Presence) error
}

// keepalive re-announces presence on every tick while logged in.
func keepalive(client presenceClient, presence types.Presence, interval time.Duration, touch func(), log zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !client.IsConnected() || !client.IsLoggedIn() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.SendPresence(ctx, presence)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("failed to send keepalive presence")
				continue
			}
			log.Debug().Msg("keepalive sent")
			if touch != nil {
				touch()
			}
		case <-stop:
			log.Debug().Msg("keepalive stopped")
			return
		}
	}
}
