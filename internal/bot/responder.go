package bot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/cloudbera60-web/Gifted-bot/internal/commands"
	"github.com/cloudbera60-web/Gifted-bot/internal/media"
)

const sendTimeout = 60 * time.Second

// waClient is the slice of *whatsmeow.Client the bot drives directly.
type waClient interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message
	BuildRevoke(chat, sender types.JID, id types.MessageID) *waE2E.Message
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
	RejectCall(ctx context.Context, callFrom types.JID, callID string) error
	SendPresence(ctx context.Context, state types.Presence) error
}

var _ waClient = (*whatsmeow.Client)(nil)

// responder answers in the chat a message arrived in, quoting it.
type responder struct {
	client waClient
	log    zerolog.Logger
	chat   types.JID
	sender types.JID
	id     types.MessageID
	msg    *waE2E.Message

	// sent, if set, observes every message delivered successfully.
	sent func(chat types.JID, id types.MessageID, msg *waE2E.Message)
}

var _ commands.Responder = (*responder)(nil)

func newResponder(client waClient, log zerolog.Logger, info types.MessageInfo, msg *waE2E.Message) *responder {
	return &responder{
		client: client,
		log:    log,
		chat:   info.Chat,
		sender: info.Sender,
		id:     info.ID,
		msg:    msg,
	}
}

func (r *responder) quote() *waE2E.ContextInfo {
	if r.id == "" {
		return nil
	}
	return &waE2E.ContextInfo{
		StanzaID:      proto.String(r.id),
		Participant:   proto.String(r.sender.ToNonAD().String()),
		QuotedMessage: r.msg,
	}
}

func (r *responder) send(ctx context.Context, msg *waE2E.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := r.client.SendMessage(ctx, r.chat, msg)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if r.sent != nil && resp.ID != "" {
		r.sent(r.chat, resp.ID, msg)
	}
	return nil
}

func (r *responder) upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := r.client.Upload(ctx, data, kind)
	if err != nil {
		return resp, fmt.Errorf("upload media: %w", err)
	}
	return resp, nil
}

func (r *responder) Reply(ctx context.Context, text string) error {
	return r.send(ctx, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: r.quote(),
		},
	})
}

func (r *responder) SendImage(ctx context.Context, data []byte, caption string) error {
	resp, err := r.upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return err
	}
	return r.send(ctx, &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(detectMime(data, "image/png")),
		URL:           proto.String(resp.URL),
		DirectPath:    proto.String(resp.DirectPath),
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    proto.Uint64(resp.FileLength),
		ContextInfo:   r.quote(),
	}})
}

func (r *responder) SendSticker(ctx context.Context, webp []byte) error {
	resp, err := r.upload(ctx, webp, whatsmeow.MediaImage)
	if err != nil {
		return err
	}
	return r.send(ctx, &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
		Mimetype:      proto.String("image/webp"),
		URL:           proto.String(resp.URL),
		DirectPath:    proto.String(resp.DirectPath),
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    proto.Uint64(resp.FileLength),
		Width:         proto.Uint32(media.StickerSize),
		Height:        proto.Uint32(media.StickerSize),
		ContextInfo:   r.quote(),
	}})
}

// SendAudio sends data as a voice note when ptt is set, mp3 audio otherwise.
func (r *responder) SendAudio(ctx context.Context, data []byte, ptt bool) error {
	resp, err := r.upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return err
	}
	audio := &waE2E.AudioMessage{
		Mimetype:      proto.String("audio/mpeg"),
		URL:           proto.String(resp.URL),
		DirectPath:    proto.String(resp.DirectPath),
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    proto.Uint64(resp.FileLength),
		PTT:           proto.Bool(ptt),
		ContextInfo:   r.quote(),
	}
	if ptt {
		audio.Mimetype = proto.String("audio/ogg; codecs=opus")
		note, err := media.AnalyzeOggOpus(data)
		if err != nil {
			r.log.Warn().Err(err).Msg("voice note is not ogg opus, sending without waveform")
		} else {
			audio.Seconds = proto.Uint32(note.Seconds)
			audio.Waveform = note.Waveform
		}
	}
	return r.send(ctx, &waE2E.Message{AudioMessage: audio})
}

func (r *responder) SendVideo(ctx context.Context, data []byte, caption string) error {
	resp, err := r.upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return err
	}
	return r.send(ctx, &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String("video/mp4"),
		URL:           proto.String(resp.URL),
		DirectPath:    proto.String(resp.DirectPath),
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    proto.Uint64(resp.FileLength),
		ContextInfo:   r.quote(),
	}})
}

func (r *responder) SendDocument(ctx context.Context, data []byte, fileName, mimetype string) error {
	if mimetype == "" {
		mimetype = detectMime(data, "application/octet-stream")
	}
	resp, err := r.upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return err
	}
	return r.send(ctx, &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Title:         proto.String(fileName),
		FileName:      proto.String(fileName),
		Mimetype:      proto.String(mimetype),
		URL:           proto.String(resp.URL),
		DirectPath:    proto.String(resp.DirectPath),
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    proto.Uint64(resp.FileLength),
		ContextInfo:   r.quote(),
	}})
}

func (r *responder) React(ctx context.Context, emoji string) error {
	return r.send(ctx, r.client.BuildReaction(r.chat, r.sender, r.id, emoji))
}

func (r *responder) Media(ctx context.Context) (commands.Media, error) {
	att, ok := mediaSource(r.msg)
	if !ok {
		return commands.Media{}, commands.ErrNoMedia
	}
	data, err := r.client.Download(ctx, att.content)
	if err != nil {
		return commands.Media{}, fmt.Errorf("download %s: %w", att.kind, err)
	}
	mimetype := att.mimetype
	if mimetype == "" {
		mimetype = detectMime(data, "application/octet-stream")
	}
	return commands.Media{Kind: att.kind, Mimetype: mimetype, FileName: att.fileName, Data: data}, nil
}

func detectMime(data []byte, fallback string) string {
	if len(data) == 0 {
		return fallback
	}
	if m := http.DetectContentType(data); m != "application/octet-stream" {
		return m
	}
	return fallback
}
