package convstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	upserted func(string, Message)
	deleted  func(string, []string)
	chats    func([]Chat)
	contacts func([]Contact)
}

func (f *fakeSource) OnMessageUpserted(fn func(string, Message))  { f.upserted = fn }
func (f *fakeSource) OnMessagesDeleted(fn func(string, []string)) { f.deleted = fn }
func (f *fakeSource) OnChatsSnapshot(fn func([]Chat))             { f.chats = fn }
func (f *fakeSource) OnContactsSnapshot(fn func([]Contact))       { f.contacts = fn }

func TestBind_RoutesEvents(t *testing.T) {
	clock := newFakeClock()
	s := New(DefaultConfig(), WithClock(clock.Now))
	src := &fakeSource{}
	s.Bind(src)

	require.NotNil(t, src.upserted)
	require.NotNil(t, src.deleted)
	require.NotNil(t, src.chats)
	require.NotNil(t, src.contacts)

	src.upserted("C", textMessage("m1", "hello"))
	src.upserted("C", textMessage("m2", "world"))
	src.upserted("", textMessage("m3", "no chat"))

	m, ok := s.LoadMessage("C", "m1")
	require.True(t, ok)
	assert.Equal(t, "hello", m.Content.GetConversation())
	assert.Equal(t, 2, s.Stats().TotalMessages)

	src.deleted("C", []string{"m1", "", "missing"})
	_, ok = s.LoadMessage("C", "m1")
	assert.False(t, ok)
	_, ok = s.LoadMessage("C", "m2")
	assert.True(t, ok)

	src.chats([]Chat{{ID: "C", Name: "Family"}})
	src.contacts([]Contact{{ID: "u1", PushName: "Ann"}})

	chat, ok := s.Chat("C")
	require.True(t, ok)
	assert.Equal(t, "Family", chat.Name)
	contact, ok := s.Contact("u1")
	require.True(t, ok)
	assert.Equal(t, "Ann", contact.PushName)
}
