package convstore

// EventSource is the part of a protocol client the store listens to.
type EventSource interface {
	OnMessageUpserted(func(chatID string, msg Message))
	OnMessagesDeleted(func(chatID string, ids []string))
	OnChatsSnapshot(func(chats []Chat))
	OnContactsSnapshot(func(contacts []Contact))
}

// Bind subscribes the store to src.
func (s *Store) Bind(src EventSource) {
	src.OnMessageUpserted(func(chatID string, msg Message) {
		if chatID == "" {
			return
		}
		s.SaveMessage(chatID, msg)
	})
	src.OnMessagesDeleted(func(chatID string, ids []string) {
		if chatID == "" {
			return
		}
		for _, id := range ids {
			if id != "" {
				s.DeleteMessage(chatID, id)
			}
		}
	})
	src.OnChatsSnapshot(s.ApplyChatSnapshot)
	src.OnContactsSnapshot(s.ApplyContactSnapshot)
}
