// Package convstore keeps a bounded, volatile cache of recent WhatsApp
// conversation state for a single protocol connection.
//
// Messages are grouped into per-chat buckets that preserve insertion order.
// Each bucket is capped (oldest message evicted first), the number of buckets
// is capped by a periodic sweep (oldest bucket evicted first), and the sweep
// also drops every message that has been held longer than the staleness
// threshold. Nothing is persisted.
package convstore

import (
	"iter"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

const (
	DefaultMaxMessagesPerChat = 10_000
	DefaultMaxChats           = 5_000
	DefaultSweepInterval      = 5 * time.Minute
	DefaultStaleAfter         = time.Hour
)

// Config holds the store limits. Zero values fall back to the defaults.
type Config struct {
	MaxMessagesPerChat int
	MaxChats           int
	SweepInterval      time.Duration
	StaleAfter         time.Duration
}

// DefaultConfig returns the 10000/5000/5m/1h limits.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerChat: DefaultMaxMessagesPerChat,
		MaxChats:           DefaultMaxChats,
		SweepInterval:      DefaultSweepInterval,
		StaleAfter:         DefaultStaleAfter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessagesPerChat <= 0 {
		c.MaxMessagesPerChat = d.MaxMessagesPerChat
	}
	if c.MaxChats <= 0 {
		c.MaxChats = d.MaxChats
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Message is a stored conversation message. Content is never inspected by
// the store; it is handed back verbatim to resend queries.
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	FromMe    bool
	Timestamp time.Time
	Content   *waE2E.Message
}

// Chat is chat metadata taken from a snapshot event.
type Chat struct {
	ID                    string
	Name                  string
	UnreadCount           uint32
	Archived              bool
	ConversationTimestamp time.Time
}

// Contact is contact metadata taken from a snapshot event.
type Contact struct {
	ID       string
	Name     string
	PushName string
}

// Stats reports table sizes.
type Stats struct {
	TotalChats       int `json:"totalChats"`
	TotalMessages    int `json:"totalMessages"`
	TotalContacts    int `json:"totalContacts"`
	TotalStoredChats int `json:"totalStoredChats"`
}

type entry struct {
	msg      Message
	ingested time.Time
}

type bucket = orderedmap.OrderedMap[string, *entry]

// Store is safe for concurrent use.
type Store struct {
	cfg Config
	now func() time.Time
	log zerolog.Logger

	mu        sync.Mutex
	buckets   *orderedmap.OrderedMap[string, *bucket]
	chats     map[string]Chat
	contacts  map[string]Contact
	destroyed bool

	// sweep lifecycle
	sweepMu   sync.Mutex
	stopSweep chan struct{}
	sweepDone chan struct{}
	cleanupFn func()
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used to report sweep failures.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty store. The sweep is not running until Start is called.
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      zerolog.Nop(),
		buckets:  orderedmap.NewOrderedMap[string, *bucket](),
		chats:    make(map[string]Chat),
		contacts: make(map[string]Contact),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cleanupFn = s.Cleanup
	return s
}

// Config returns the effective limits.
func (s *Store) Config() Config { return s.cfg }

// SaveMessage inserts msg into the bucket for chatID and stamps it with the
// ingestion time. Messages without an ID are dropped.
func (s *Store) SaveMessage(chatID string, msg Message) {
	if chatID == "" || msg.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	b, ok := s.buckets.Get(chatID)
	if !ok {
		b = orderedmap.NewOrderedMap[string, *entry]()
		s.buckets.Set(chatID, b)
	}

	msg.ChatID = chatID
	b.Set(msg.ID, &entry{msg: msg, ingested: s.now()})

	if b.Len() > s.cfg.MaxMessagesPerChat {
		if oldest := b.Front(); oldest != nil {
			b.Delete(oldest.Key)
		}
	}
}

// LoadMessage returns the stored message, or false when it is not retained.
func (s *Store) LoadMessage(chatID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(chatID)
	if !ok {
		return Message{}, false
	}
	e, ok := b.Get(messageID)
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// ChatMessages returns the retained messages of chatID, oldest first. The
// bucket is copied when iteration starts, so the sequence can be ranged over
// repeatedly and may call back into the store.
func (s *Store) ChatMessages(chatID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, msg := range s.snapshot(chatID) {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *Store) snapshot(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(chatID)
	if !ok {
		return nil
	}
	out := make([]Message, 0, b.Len())
	for el := b.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.msg)
	}
	return out
}

// DeleteMessage removes one message if present.
func (s *Store) DeleteMessage(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets.Get(chatID); ok {
		b.Delete(messageID)
	}
}

// ApplyChatSnapshot overwrites chat metadata by ID. Later entries win.
func (s *Store) ApplyChatSnapshot(chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		s.chats[c.ID] = c
	}
}

// ApplyContactSnapshot overwrites contact metadata by ID. Later entries win.
func (s *Store) ApplyContactSnapshot(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		s.contacts[c.ID] = c
	}
}

// Chat looks up chat snapshot metadata.
func (s *Store) Chat(id string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok
}

// Contact looks up contact snapshot metadata.
func (s *Store) Contact(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// Cleanup trims the bucket count to MaxChats, evicting the earliest created
// buckets, and then removes every message older than StaleAfter. Buckets are
// evicted by creation order, not by recent activity.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	for s.buckets.Len() > s.cfg.MaxChats {
		oldest := s.buckets.Front()
		if oldest == nil {
			break
		}
		s.buckets.Delete(oldest.Key)
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	for b := s.buckets.Front(); b != nil; b = b.Next() {
		msgs := b.Value
		for el := msgs.Front(); el != nil; {
			next := el.Next()
			if el.Value.ingested.Before(cutoff) {
				msgs.Delete(el.Key)
			}
			el = next
		}
	}
}

// Stats returns current table sizes.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for b := s.buckets.Front(); b != nil; b = b.Next() {
		total += b.Value.Len()
	}
	return Stats{
		TotalChats:       s.buckets.Len(),
		TotalMessages:    total,
		TotalContacts:    len(s.contacts),
		TotalStoredChats: len(s.chats),
	}
}

// Destroy stops the sweep and clears all tables. Later mutations are ignored.
// Safe to call more than once.
func (s *Store) Destroy() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.buckets = orderedmap.NewOrderedMap[string, *bucket]()
	clear(s.chats)
	clear(s.contacts)
	s.log.Debug().Msg("Conversation store destroyed")
}
