package convstore

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func textMessage(id, text string) Message {
	return Message{ID: id, Content: &waE2E.Message{Conversation: proto.String(text)}}
}

func ids(s *Store, chatID string) []string {
	var out []string
	for m := range s.ChatMessages(chatID) {
		out = append(out, m.ID)
	}
	return out
}

func TestConfig_ZeroFallsBackToDefaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, DefaultConfig(), s.Config())

	s = New(Config{MaxMessagesPerChat: 2})
	assert.Equal(t, 2, s.Config().MaxMessagesPerChat)
	assert.Equal(t, DefaultMaxChats, s.Config().MaxChats)
}

func TestSaveMessage_EvictsOldestInBucket(t *testing.T) {
	s := New(Config{MaxMessagesPerChat: 2})

	s.SaveMessage("C", textMessage("m1", "one"))
	s.SaveMessage("C", textMessage("m2", "two"))
	s.SaveMessage("C", textMessage("m3", "three"))

	assert.Equal(t, []string{"m2", "m3"}, ids(s, "C"))
	_, ok := s.LoadMessage("C", "m1")
	assert.False(t, ok)
}

func TestSaveMessage_CapPlusOneKeepsNewest(t *testing.T) {
	const limit = 50
	s := New(Config{MaxMessagesPerChat: limit})

	for i := 0; i <= limit; i++ {
		s.SaveMessage("chat", textMessage(fmt.Sprintf("m%03d", i), "x"))
	}

	got := ids(s, "chat")
	require.Len(t, got, limit)
	assert.Equal(t, "m001", got[0])
	assert.Equal(t, fmt.Sprintf("m%03d", limit), got[len(got)-1])
	assert.NotContains(t, got, "m000")
}

func TestSaveMessage_WithoutIDIsDropped(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("C", textMessage("m1", "kept"))
	s.SaveMessage("C", textMessage("", "dropped"))

	assert.Equal(t, []string{"m1"}, ids(s, "C"))
	assert.Equal(t, 1, s.Stats().TotalMessages)
}

func TestSaveMessage_EmptyChatIsDropped(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("", textMessage("m1", "x"))
	assert.Equal(t, 0, s.Stats().TotalChats)
}

func TestSaveMessage_ResaveKeepsPosition(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("C", textMessage("a", "first"))
	s.SaveMessage("C", textMessage("b", "second"))
	s.SaveMessage("C", textMessage("a", "edited"))

	assert.Equal(t, []string{"a", "b"}, ids(s, "C"))
	m, ok := s.LoadMessage("C", "a")
	require.True(t, ok)
	assert.Equal(t, "edited", m.Content.GetConversation())
	assert.Equal(t, "C", m.ChatID)
}

func TestLoadMessage_Miss(t *testing.T) {
	s := New(DefaultConfig())
	_, ok := s.LoadMessage("nope", "never")
	assert.False(t, ok)

	s.SaveMessage("C", textMessage("m1", "x"))
	_, ok = s.LoadMessage("C", "never")
	assert.False(t, ok)
}

func TestChatMessages_UnknownChatIsEmpty(t *testing.T) {
	s := New(DefaultConfig())
	assert.Empty(t, slices.Collect(s.ChatMessages("unknown")))
}

func TestChatMessages_Restartable(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("C", textMessage("m1", "x"))
	s.SaveMessage("C", textMessage("m2", "y"))

	seq := s.ChatMessages("C")
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)

	// Early break must not leave the store locked.
	for range seq {
		break
	}
	s.SaveMessage("C", textMessage("m3", "z"))
	assert.Len(t, slices.Collect(seq), 3)
}

func TestDeleteMessage(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("C", textMessage("x", "hello"))
	s.DeleteMessage("C", "x")

	_, ok := s.LoadMessage("C", "x")
	assert.False(t, ok)

	// Unknown ids and chats are no-ops.
	s.DeleteMessage("C", "x")
	s.DeleteMessage("other", "y")
}

func TestApplyChatSnapshot_LaterEntryWins(t *testing.T) {
	s := New(DefaultConfig())
	s.ApplyChatSnapshot([]Chat{
		{ID: "A", Name: "v1", UnreadCount: 1},
		{ID: "A", Name: "v2", UnreadCount: 7},
		{ID: "B", Name: "other"},
	})

	c, ok := s.Chat("A")
	require.True(t, ok)
	assert.Equal(t, "v2", c.Name)
	assert.Equal(t, uint32(7), c.UnreadCount)
	assert.Equal(t, 2, s.Stats().TotalStoredChats)
}

func TestApplyContactSnapshot_Overwrites(t *testing.T) {
	s := New(DefaultConfig())
	s.ApplyContactSnapshot([]Contact{{ID: "u1", Name: "Old"}})
	s.ApplyContactSnapshot([]Contact{{ID: "u1", Name: "New"}, {ID: ""}})

	c, ok := s.Contact("u1")
	require.True(t, ok)
	assert.Equal(t, "New", c.Name)
	assert.Equal(t, 1, s.Stats().TotalContacts)
}

func TestCleanup_EvictsOldestBuckets(t *testing.T) {
	s := New(Config{MaxChats: 3})
	for _, chat := range []string{"first", "second", "third", "fourth"} {
		s.SaveMessage(chat, textMessage("m", "x"))
	}
	// Activity in the oldest bucket does not protect it.
	s.SaveMessage("first", textMessage("m2", "still first"))

	s.Cleanup()

	assert.Equal(t, 3, s.Stats().TotalChats)
	assert.Empty(t, ids(s, "first"))
	assert.Equal(t, []string{"m"}, ids(s, "fourth"))
}

func TestCleanup_RemovesStaleMessages(t *testing.T) {
	clock := newFakeClock()
	s := New(DefaultConfig(), WithClock(clock.Now))

	s.SaveMessage("C", textMessage("old", "x"))
	clock.Advance(50 * time.Minute)
	s.SaveMessage("C", textMessage("fresh", "y"))
	clock.Advance(11 * time.Minute)

	s.Cleanup()

	_, ok := s.LoadMessage("C", "old")
	assert.False(t, ok)
	_, ok = s.LoadMessage("C", "fresh")
	assert.True(t, ok)
}

func TestCleanup_BothPassesRun(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxChats: 1}, WithClock(clock.Now))

	s.SaveMessage("a", textMessage("1", "x"))
	s.SaveMessage("b", textMessage("2", "x"))
	clock.Advance(2 * time.Hour)

	s.Cleanup()

	stats := s.Stats()
	assert.Equal(t, 1, stats.TotalChats)
	assert.Equal(t, 0, stats.TotalMessages)
}

func TestDestroy_ClearsAndIsIdempotent(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("C", textMessage("m1", "x"))
	s.ApplyChatSnapshot([]Chat{{ID: "C"}})
	s.ApplyContactSnapshot([]Contact{{ID: "u"}})
	s.Start()

	s.Destroy()
	assert.Equal(t, Stats{}, s.Stats())

	assert.NotPanics(t, s.Destroy)
}

func TestDestroy_LaterCallsAreSafeNoops(t *testing.T) {
	s := New(DefaultConfig())
	s.Destroy()

	assert.NotPanics(t, func() {
		s.SaveMessage("C", textMessage("m1", "x"))
		s.ApplyChatSnapshot([]Chat{{ID: "C"}})
		s.ApplyContactSnapshot([]Contact{{ID: "u"}})
		s.DeleteMessage("C", "m1")
		s.Cleanup()
		s.Start()
	})
	assert.Equal(t, Stats{}, s.Stats())
	_, ok := s.LoadMessage("C", "m1")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	s := New(DefaultConfig())
	s.SaveMessage("a", textMessage("1", "x"))
	s.SaveMessage("a", textMessage("2", "x"))
	s.SaveMessage("b", textMessage("3", "x"))
	s.ApplyContactSnapshot([]Contact{{ID: "u1"}, {ID: "u2"}})
	s.ApplyChatSnapshot([]Chat{{ID: "a"}})

	assert.Equal(t, Stats{
		TotalChats:       2,
		TotalMessages:    3,
		TotalContacts:    2,
		TotalStoredChats: 1,
	}, s.Stats())
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Config{MaxMessagesPerChat: 100, MaxChats: 10})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			chat := fmt.Sprintf("chat-%d", w)
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("m%d", i)
				s.SaveMessage(chat, textMessage(id, "x"))
				s.LoadMessage(chat, id)
				if i%10 == 0 {
					s.Cleanup()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Stats().TotalMessages, 8*100)
}
