package bot

import (
	"regexp"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/cloudbera60-web/Gifted-bot/internal/commands"
)

// unwrap strips the ephemeral and view-once envelopes.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetEphemeralMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return nil
}

// textOf returns the text or media caption a command would be parsed from.
func textOf(msg *waE2E.Message) string {
	msg = unwrap(msg)
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	if resp := msg.GetButtonsResponseMessage(); resp != nil {
		return resp.GetSelectedButtonID()
	}
	if resp := msg.GetListResponseMessage(); resp != nil {
		return resp.GetSingleSelectReply().GetSelectedRowID()
	}
	if resp := msg.GetTemplateButtonReplyMessage(); resp != nil {
		return resp.GetSelectedID()
	}
	return ""
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	msg = unwrap(msg)
	switch {
	case msg == nil:
		return nil
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	}
	return nil
}

// attachment describes the media carried by a message, ready for Download.
type attachment struct {
	kind     commands.MediaKind
	mimetype string
	fileName string
	content  whatsmeow.DownloadableMessage
}

func attachmentOf(msg *waE2E.Message) (attachment, bool) {
	msg = unwrap(msg)
	if msg == nil {
		return attachment{}, false
	}
	if img := msg.GetImageMessage(); img != nil {
		return attachment{commands.MediaImage, img.GetMimetype(), "", img}, true
	}
	if st := msg.GetStickerMessage(); st != nil {
		return attachment{commands.MediaSticker, st.GetMimetype(), "", st}, true
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return attachment{commands.MediaAudio, aud.GetMimetype(), "", aud}, true
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return attachment{commands.MediaVideo, vid.GetMimetype(), "", vid}, true
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return attachment{commands.MediaDocument, doc.GetMimetype(), doc.GetFileName(), doc}, true
	}
	return attachment{}, false
}

// mediaSource prefers the message's own attachment, then the quoted one.
func mediaSource(msg *waE2E.Message) (attachment, bool) {
	if a, ok := attachmentOf(msg); ok {
		return a, true
	}
	return attachmentOf(contextInfo(msg).GetQuotedMessage())
}

var linkPattern = regexp.MustCompile(`(?i)(chat\.whatsapp\.com/[0-9a-z]+|https?://\S+|wa\.me/\S+)`)

func hasLink(text string) bool {
	return text != "" && linkPattern.MatchString(text)
}
