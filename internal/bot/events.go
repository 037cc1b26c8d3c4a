package bot

import (
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
)

// eventAdapter turns whatsmeow events into the four callbacks the
// conversation store binds to.
type eventAdapter struct {
	mu       sync.RWMutex
	upserted func(string, convstore.Message)
	deleted  func(string, []string)
	chats    func([]convstore.Chat)
	contacts func([]convstore.Contact)
}

var _ convstore.EventSource = (*eventAdapter)(nil)

func (a *eventAdapter) OnMessageUpserted(fn func(string, convstore.Message)) {
	a.mu.Lock()
	a.upserted = fn
	a.mu.Unlock()
}

func (a *eventAdapter) OnMessagesDeleted(fn func(string, []string)) {
	a.mu.Lock()
	a.deleted = fn
	a.mu.Unlock()
}

func (a *eventAdapter) OnChatsSnapshot(fn func([]convstore.Chat)) {
	a.mu.Lock()
	a.chats = fn
	a.mu.Unlock()
}

func (a *eventAdapter) OnContactsSnapshot(fn func([]convstore.Contact)) {
	a.mu.Lock()
	a.contacts = fn
	a.mu.Unlock()
}

// handle routes the store-relevant events and ignores the rest.
func (a *eventAdapter) handle(evt any) {
	a.mu.RLock()
	upserted, deleted, chats, contacts := a.upserted, a.deleted, a.chats, a.contacts
	a.mu.RUnlock()

	switch v := evt.(type) {
	case *events.Message:
		chatID := v.Info.Chat.String()
		if v.Info.Chat.IsEmpty() {
			return
		}
		// A revoke arrives as a protocol message naming the deleted id.
		if id, ok := revokedID(v.Message); ok {
			if deleted != nil {
				deleted(chatID, []string{id})
			}
			return
		}
		if upserted != nil {
			upserted(chatID, messageFromEvent(v))
		}

	case *events.DeleteForMe:
		if deleted != nil && !v.ChatJID.IsEmpty() {
			deleted(v.ChatJID.String(), []string{v.MessageID})
		}

	case *events.HistorySync:
		if v.Data == nil {
			return
		}
		if chats != nil {
			var snap []convstore.Chat
			for _, conv := range v.Data.GetConversations() {
				if conv.GetID() == "" {
					continue
				}
				c := convstore.Chat{
					ID:          conv.GetID(),
					Name:        conv.GetName(),
					UnreadCount: conv.GetUnreadCount(),
					Archived:    conv.GetArchived(),
				}
				if ts := conv.GetConversationTimestamp(); ts != 0 {
					c.ConversationTimestamp = time.Unix(int64(ts), 0)
				}
				snap = append(snap, c)
			}
			if len(snap) > 0 {
				chats(snap)
			}
		}
		if contacts != nil {
			var snap []convstore.Contact
			for _, p := range v.Data.GetPushnames() {
				if p.GetID() == "" {
					continue
				}
				snap = append(snap, convstore.Contact{ID: p.GetID(), PushName: p.GetPushname()})
			}
			if len(snap) > 0 {
				contacts(snap)
			}
		}

	case *events.PushName:
		if contacts != nil && !v.JID.IsEmpty() {
			contacts([]convstore.Contact{{ID: v.JID.String(), PushName: v.NewPushName}})
		}

	case *events.Contact:
		if contacts != nil && !v.JID.IsEmpty() && v.Action != nil {
			contacts([]convstore.Contact{{ID: v.JID.String(), Name: v.Action.GetFullName()}})
		}
	}
}

func revokedID(msg *waE2E.Message) (string, bool) {
	pm := msg.GetProtocolMessage()
	if pm == nil || pm.GetType() != waE2E.ProtocolMessage_REVOKE {
		return "", false
	}
	id := pm.GetKey().GetID()
	return id, id != ""
}

func messageFromEvent(v *events.Message) convstore.Message {
	return convstore.Message{
		ID:        v.Info.ID,
		ChatID:    v.Info.Chat.String(),
		Sender:    v.Info.Sender.String(),
		FromMe:    v.Info.IsFromMe,
		Timestamp: v.Info.Timestamp,
		Content:   v.Message,
	}
}
