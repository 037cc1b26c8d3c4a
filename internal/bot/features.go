package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/cloudbera60-web/Gifted-bot/internal/commands"
	"github.com/cloudbera60-web/Gifted-bot/internal/config"
)

var reactEmojis = []string{
	"❤️", "😂", "🔥", "👍", "😍", "🥰", "😎", "🤩", "🙏", "💯",
	"✨", "🎉", "😊", "👏", "💙", "🤗", "😇", "🌟", "💪", "🙌",
}

// features implements the config-driven automations that run on every
// incoming message and call.
type features struct {
	cfg    config.Config
	sudo   *commands.Sudo
	client waClient
	log    zerolog.Logger
	pick   func(n int) int
}

func newFeatures(cfg config.Config, sudo *commands.Sudo, client waClient, log zerolog.Logger) *features {
	return &features{cfg: cfg, sudo: sudo, client: client, log: log, pick: rand.IntN}
}

// onMessage runs the automations for evt. It returns false when the message
// must not reach the command dispatcher.
func (f *features) onMessage(ctx context.Context, evt *events.Message) bool {
	info := evt.Info
	if info.Chat == types.StatusBroadcastJID {
		if f.cfg.AutoReadStatus && !info.IsFromMe {
			f.markRead(ctx, info)
		}
		return false
	}
	if info.IsFromMe {
		return true
	}
	if f.cfg.AutoRead {
		f.markRead(ctx, info)
	}
	if f.antiLink(ctx, info, textOf(evt.Message)) {
		return false
	}
	if f.cfg.AutoReact {
		emoji := reactEmojis[f.pick(len(reactEmojis))]
		if _, err := f.client.SendMessage(ctx, info.Chat, f.client.BuildReaction(info.Chat, info.Sender, info.ID, emoji)); err != nil {
			f.log.Warn().Err(err).Str("chat", info.Chat.String()).Msg("auto react failed")
		}
	}
	return true
}

func (f *features) markRead(ctx context.Context, info types.MessageInfo) {
	if err := f.client.MarkRead(ctx, []types.MessageID{info.ID}, info.Timestamp, info.Chat, info.Sender); err != nil {
		f.log.Warn().Err(err).Str("chat", info.Chat.String()).Msg("mark read failed")
	}
}

// antiLink reports whether the message was a link posted in a group by a
// non-privileged member and has been acted on.
func (f *features) antiLink(ctx context.Context, info types.MessageInfo, text string) bool {
	mode := f.cfg.AntiLink
	if mode == config.AntiLinkOff || mode == "" || !info.IsGroup || !hasLink(text) {
		return false
	}
	if f.sudo.IsPrivileged(info.Sender.User) {
		return false
	}

	if mode == config.AntiLinkDelete {
		if _, err := f.client.SendMessage(ctx, info.Chat, f.client.BuildRevoke(info.Chat, info.Sender, info.ID)); err != nil {
			f.log.Warn().Err(err).Str("chat", info.Chat.String()).Msg("antilink revoke failed")
		}
	}

	sender := info.Sender.ToNonAD()
	warning := fmt.Sprintf("⚠️ @%s links are not allowed in this group.", sender.User)
	if mode == config.AntiLinkDelete {
		warning = fmt.Sprintf("🚫 @%s your link was deleted. Links are not allowed in this group.", sender.User)
	}
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(warning),
		ContextInfo: &waE2E.ContextInfo{MentionedJID: []string{sender.String()}},
	}}
	if _, err := f.client.SendMessage(ctx, info.Chat, msg); err != nil {
		f.log.Warn().Err(err).Str("chat", info.Chat.String()).Msg("antilink warning failed")
	}
	return true
}

func (f *features) onCall(ctx context.Context, evt *events.CallOffer) {
	if !f.cfg.AntiCall {
		return
	}
	from := evt.From
	if err := f.client.RejectCall(ctx, from, evt.CallID); err != nil {
		f.log.Warn().Err(err).Str("from", from.String()).Msg("reject call failed")
		return
	}
	f.log.Info().Str("from", from.String()).Msg("rejected incoming call")
	if f.cfg.AntiCallMessage == "" {
		return
	}
	msg := &waE2E.Message{Conversation: proto.String(f.cfg.AntiCallMessage)}
	if _, err := f.client.SendMessage(ctx, from.ToNonAD(), msg); err != nil {
		f.log.Warn().Err(err).Str("from", from.String()).Msg("anticall notice failed")
	}
}

func (f *features) presence() types.Presence {
	if strings.EqualFold(f.cfg.Presence, "offline") || strings.EqualFold(f.cfg.Presence, "unavailable") {
		return types.PresenceUnavailable
	}
	return types.PresenceAvailable
}

// startingMessage is sent to the bot's own chat once connected.
func startingMessage(cfg config.Config, commandCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s CONNECTED*\n\n", cfg.BotName)
	fmt.Fprintf(&b, "Prefix    : *[ %s ]*\n", cfg.Prefix)
	fmt.Fprintf(&b, "Plugins   : *%d*\n", commandCount)
	fmt.Fprintf(&b, "Mode      : *%s*\n", cfg.Mode)
	fmt.Fprintf(&b, "Owner     : *%s*\n", cfg.OwnerNumber)
	if cfg.Caption != "" {
		fmt.Fprintf(&b, "\n> %s", cfg.Caption)
	}
	return b.String()
}
