package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/cloudbera60-web/Gifted-bot/internal/config"
	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
	"github.com/cloudbera60-web/Gifted-bot/internal/media"
	"github.com/cloudbera60-web/Gifted-bot/internal/textfmt"
)

// Converter is the subset of media.Transcoder the built-ins use.
type Converter interface {
	ToAudio(ctx context.Context, in []byte) ([]byte, error)
	ToPTT(ctx context.Context, in []byte) ([]byte, error)
	ToVideo(ctx context.Context, in []byte) ([]byte, error)
}

// Env is what the built-in commands read from the running bot.
type Env struct {
	BotName     string
	OwnerName   string
	OwnerNumber string
	Mode        string
	Prefix      string
	Started     time.Time

	Stats func() convstore.Stats
	Media Converter
	Sudo  *Sudo

	ImageToSticker func([]byte) ([]byte, error)
	StickerToImage func([]byte) ([]byte, error)
}

type builtins struct {
	env Env
	reg *Registry
}

// RegisterBuiltins adds the stock command set to reg.
func RegisterBuiltins(reg *Registry, env Env) error {
	if env.ImageToSticker == nil {
		env.ImageToSticker = media.ImageToSticker
	}
	if env.StickerToImage == nil {
		env.StickerToImage = func(b []byte) ([]byte, error) { return media.StickerToImage(b, true, media.StickerSize) }
	}
	if env.Sudo == nil {
		env.Sudo = NewSudo(env.OwnerNumber, nil)
	}
	if env.Started.IsZero() {
		env.Started = time.Now()
	}
	b := &builtins{env: env, reg: reg}

	cmds := []Command{
		{Pattern: "ping", Category: "general", Description: "Check response time", Handler: b.ping},
		{Pattern: "menu", Aliases: []string{"help", "list"}, Category: "general", Description: "Show all commands", Handler: b.menu},
		{Pattern: "uptime", Aliases: []string{"runtime"}, Category: "general", Description: "Show bot uptime", Handler: b.uptime},
		{Pattern: "stats", Category: "general", Description: "Show store and memory stats", Handler: b.stats},
		{Pattern: "owner", Category: "general", Description: "Show the bot owner", Handler: b.owner},

		{Pattern: "mono", Aliases: []string{"monospace"}, Category: "tools", Description: "Convert text to monospace", Handler: b.mono},
		{Pattern: "ebase", Category: "tools", Description: "Encode text to base64", Handler: b.ebase},
		{Pattern: "dbase", Category: "tools", Description: "Decode base64 text", Handler: b.dbase},
		{Pattern: "ebinary", Category: "tools", Description: "Encode text to binary", Handler: b.ebinary},
		{Pattern: "dbinary", Category: "tools", Description: "Decode binary text", Handler: b.dbinary},

		{Pattern: "sticker", Aliases: []string{"s"}, Category: "converter", Description: "Turn an image into a sticker", Handler: b.sticker},
		{Pattern: "toimg", Aliases: []string{"toimage"}, Category: "converter", Description: "Turn a sticker into an image", Handler: b.toImage},
		{Pattern: "toaudio", Aliases: []string{"tomp3"}, Category: "converter", Description: "Extract audio as mp3", Handler: b.toAudio},
		{Pattern: "toptt", Aliases: []string{"tovn"}, Category: "converter", Description: "Convert audio to a voice note", Handler: b.toPTT},
		{Pattern: "tovideo", Aliases: []string{"tomp4"}, Category: "converter", Description: "Convert audio to a video", Handler: b.toVideo},

		{Pattern: "setsudo", Category: "owner", Description: "Grant sudo to a number", OwnerOnly: true, Handler: b.setSudo},
		{Pattern: "delsudo", Category: "owner", Description: "Revoke sudo from a number", OwnerOnly: true, Handler: b.delSudo},
		{Pattern: "getsudo", Aliases: []string{"sudolist"}, Category: "owner", Description: "List sudo numbers", OwnerOnly: true, Handler: b.getSudo},
	}
	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *builtins) ping(ctx context.Context, c *Context) error {
	if c.Timestamp.IsZero() {
		return c.Reply.Reply(ctx, "🏓 Pong!")
	}
	latency := time.Since(c.Timestamp).Milliseconds()
	return c.Reply.Reply(ctx, fmt.Sprintf("🏓 Pong! %dms", max(latency, 0)))
}

func (b *builtins) menu(ctx context.Context, c *Context) error {
	cats := b.reg.Categories()
	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "╭── %s ──\n", textfmt.Monospace(b.env.BotName))
	fmt.Fprintf(&sb, "│ Prefix: %s\n│ Mode: %s\n│ Commands: %d\n╰────────\n", b.env.Prefix, b.env.Mode, b.reg.Len())
	for _, name := range names {
		fmt.Fprintf(&sb, "\n*%s*\n", strings.ToUpper(name))
		for _, cmd := range cats[name] {
			fmt.Fprintf(&sb, "• %s%s - %s\n", b.env.Prefix, cmd.Pattern, cmd.Description)
		}
	}
	return c.Reply.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func (b *builtins) uptime(ctx context.Context, c *Context) error {
	return c.Reply.Reply(ctx, "⏱️ Runtime: "+textfmt.Runtime(time.Since(b.env.Started)))
}

func (b *builtins) stats(ctx context.Context, c *Context) error {
	var s convstore.Stats
	if b.env.Stats != nil {
		s = b.env.Stats()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	text := fmt.Sprintf("📊 *Store*\nChats: %d\nChat snapshots: %d\nMessages: %d\nContacts: %d\n\n💾 *Memory*\nHeap: %s\nSys: %s\nGoroutines: %d",
		s.TotalChats, s.TotalStoredChats, s.TotalMessages, s.TotalContacts,
		textfmt.FormatBytes(mem.HeapAlloc), textfmt.FormatBytes(mem.Sys), runtime.NumGoroutine())
	return c.Reply.Reply(ctx, text)
}

func (b *builtins) owner(ctx context.Context, c *Context) error {
	if b.env.OwnerNumber == "" {
		return errors.New("owner number is not configured")
	}
	return c.Reply.Reply(ctx, fmt.Sprintf("👑 Owner: %s\nhttps://wa.me/%s", b.env.OwnerName, b.env.OwnerNumber))
}

func requireQuery(c *Context, usage string) (string, error) {
	if c.Query == "" {
		return "", fmt.Errorf("usage: %s %s", c.Command, usage)
	}
	return c.Query, nil
}

func (b *builtins) mono(ctx context.Context, c *Context) error {
	q, err := requireQuery(c, "<text>")
	if err != nil {
		return err
	}
	return c.Reply.Reply(ctx, textfmt.Monospace(q))
}

func (b *builtins) ebase(ctx context.Context, c *Context) error {
	q, err := requireQuery(c, "<text>")
	if err != nil {
		return err
	}
	return c.Reply.Reply(ctx, textfmt.EncodeBase64(q))
}

func (b *builtins) dbase(ctx context.Context, c *Context) error {
	q, err := requireQuery(c, "<base64>")
	if err != nil {
		return err
	}
	out, err := textfmt.DecodeBase64(q)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return c.Reply.Reply(ctx, out)
}

func (b *builtins) ebinary(ctx context.Context, c *Context) error {
	q, err := requireQuery(c, "<text>")
	if err != nil {
		return err
	}
	return c.Reply.Reply(ctx, textfmt.EncodeBinary(q))
}

func (b *builtins) dbinary(ctx context.Context, c *Context) error {
	q, err := requireQuery(c, "<binary>")
	if err != nil {
		return err
	}
	out, err := textfmt.DecodeBinary(q)
	if err != nil {
		return err
	}
	return c.Reply.Reply(ctx, out)
}

func (b *builtins) media(ctx context.Context, c *Context, kinds ...MediaKind) (Media, error) {
	m, err := c.Reply.Media(ctx)
	if err != nil {
		if errors.Is(err, ErrNoMedia) {
			return Media{}, fmt.Errorf("reply to or attach %s", joinKinds(kinds))
		}
		return Media{}, fmt.Errorf("download media: %w", err)
	}
	for _, k := range kinds {
		if m.Kind == k {
			return m, nil
		}
	}
	return Media{}, fmt.Errorf("expected %s, got %s", joinKinds(kinds), m.Kind)
}

func joinKinds(kinds []MediaKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = "an " + string(k)
		if k == MediaSticker || k == MediaVideo || k == MediaDocument {
			parts[i] = "a " + string(k)
		}
	}
	return strings.Join(parts, " or ")
}

func (b *builtins) sticker(ctx context.Context, c *Context) error {
	m, err := b.media(ctx, c, MediaImage)
	if err != nil {
		return err
	}
	webp, err := b.env.ImageToSticker(m.Data)
	if err != nil {
		return err
	}
	return c.Reply.SendSticker(ctx, webp)
}

func (b *builtins) toImage(ctx context.Context, c *Context) error {
	m, err := b.media(ctx, c, MediaSticker)
	if err != nil {
		return err
	}
	img, err := b.env.StickerToImage(m.Data)
	if err != nil {
		return err
	}
	return c.Reply.SendImage(ctx, img, "")
}

func (b *builtins) converter() (Converter, error) {
	if b.env.Media == nil {
		return nil, errors.New("media conversion is not available")
	}
	return b.env.Media, nil
}

func (b *builtins) toAudio(ctx context.Context, c *Context) error {
	conv, err := b.converter()
	if err != nil {
		return err
	}
	m, err := b.media(ctx, c, MediaAudio, MediaVideo)
	if err != nil {
		return err
	}
	out, err := conv.ToAudio(ctx, m.Data)
	if err != nil {
		return err
	}
	return c.Reply.SendAudio(ctx, out, false)
}

func (b *builtins) toPTT(ctx context.Context, c *Context) error {
	conv, err := b.converter()
	if err != nil {
		return err
	}
	m, err := b.media(ctx, c, MediaAudio, MediaVideo)
	if err != nil {
		return err
	}
	out, err := conv.ToPTT(ctx, m.Data)
	if err != nil {
		return err
	}
	return c.Reply.SendAudio(ctx, out, true)
}

func (b *builtins) toVideo(ctx context.Context, c *Context) error {
	conv, err := b.converter()
	if err != nil {
		return err
	}
	m, err := b.media(ctx, c, MediaAudio)
	if err != nil {
		return err
	}
	out, err := conv.ToVideo(ctx, m.Data)
	if err != nil {
		return err
	}
	return c.Reply.SendVideo(ctx, out, "")
}

// sudoTarget accepts a phone number or a user JID such as
// 254700000000@s.whatsapp.net.
func (b *builtins) sudoTarget(c *Context) (string, error) {
	q := strings.TrimSpace(c.Query)
	if textfmt.VerifyJID(q) {
		user, server, _ := strings.Cut(q, "@")
		if server != "s.whatsapp.net" {
			return "", fmt.Errorf("%s is not a user", q)
		}
		q = user
	}
	if !textfmt.IsNumber(q) {
		return "", fmt.Errorf("usage: %s <number>", c.Command)
	}
	return config.NormalizeNumber(q), nil
}

func (b *builtins) setSudo(ctx context.Context, c *Context) error {
	n, err := b.sudoTarget(c)
	if err != nil {
		return err
	}
	if !b.env.Sudo.Add(n) {
		return c.Reply.Reply(ctx, fmt.Sprintf("%s is already a sudo user.", n))
	}
	return c.Reply.Reply(ctx, fmt.Sprintf("✅ %s is now a sudo user.", n))
}

func (b *builtins) delSudo(ctx context.Context, c *Context) error {
	n, err := b.sudoTarget(c)
	if err != nil {
		return err
	}
	if !b.env.Sudo.Remove(n) {
		return c.Reply.Reply(ctx, fmt.Sprintf("%s is not a sudo user.", n))
	}
	return c.Reply.Reply(ctx, fmt.Sprintf("✅ %s is no longer a sudo user.", n))
}

func (b *builtins) getSudo(ctx context.Context, c *Context) error {
	list := b.env.Sudo.List()
	if len(list) == 0 {
		return c.Reply.Reply(ctx, "No sudo users.")
	}
	return c.Reply.Reply(ctx, "👥 Sudo users:\n"+strings.Join(list, "\n"))
}
