package commands

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cloudbera60-web/Gifted-bot/internal/config"
)

var ErrNoMedia = errors.New("no media attached or quoted")

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaSticker  MediaKind = "sticker"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media is a downloaded attachment.
type Media struct {
	Kind     MediaKind
	Mimetype string
	FileName string
	Data     []byte
}

// Responder sends replies into the chat a command came from.
type Responder interface {
	Reply(ctx context.Context, text string) error
	SendImage(ctx context.Context, data []byte, caption string) error
	SendSticker(ctx context.Context, webp []byte) error
	SendAudio(ctx context.Context, data []byte, ptt bool) error
	SendVideo(ctx context.Context, data []byte, caption string) error
	SendDocument(ctx context.Context, data []byte, fileName, mimetype string) error
	React(ctx context.Context, emoji string) error
	// Media returns the attachment of the message, or of the message it
	// quotes. ErrNoMedia if neither carries one.
	Media(ctx context.Context) (Media, error)
}

// Incoming is a chat message handed to the dispatcher.
type Incoming struct {
	ChatID    string
	Sender    string
	PushName  string
	IsGroup   bool
	FromMe    bool
	Text      string
	Timestamp time.Time
	Reply     Responder
}

// Context is passed to a Handler.
type Context struct {
	Incoming
	Command    string
	Args       []string
	Query      string
	Privileged bool
}

// Sudo is the runtime set of sudo numbers, seeded from config.
type Sudo struct {
	mu      sync.RWMutex
	owner   string
	numbers map[string]struct{}
}

func NewSudo(owner string, numbers []string) *Sudo {
	s := &Sudo{owner: config.NormalizeNumber(owner), numbers: make(map[string]struct{})}
	for _, n := range numbers {
		s.Add(n)
	}
	return s
}

// Add returns false when number is empty or already present.
func (s *Sudo) Add(number string) bool {
	n := config.NormalizeNumber(number)
	if n == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.numbers[n]; ok {
		return false
	}
	s.numbers[n] = struct{}{}
	return true
}

func (s *Sudo) Remove(number string) bool {
	n := config.NormalizeNumber(number)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.numbers[n]; !ok {
		return false
	}
	delete(s.numbers, n)
	return true
}

func (s *Sudo) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.numbers))
	for n := range s.numbers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsPrivileged reports whether number is the owner or a sudo user.
func (s *Sudo) IsPrivileged(number string) bool {
	n := config.NormalizeNumber(number)
	if n == "" {
		return false
	}
	if n == s.owner {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.numbers[n]
	return ok
}
