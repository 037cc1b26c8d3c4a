// Package commands parses prefixed chat messages and runs the matching
// command handler.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrInvalidCommand   = errors.New("invalid command")
)

// Handler runs one command invocation.
type Handler func(ctx context.Context, c *Context) error

type Command struct {
	Pattern     string
	Aliases     []string
	Category    string
	Description string
	OwnerOnly   bool
	GroupOnly   bool
	Handler     Handler
}

// Registry maps command names and aliases to commands. Names are
// case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Command
	commands []*Command
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Command)}
}

func (r *Registry) Register(cmd Command) error {
	if strings.TrimSpace(cmd.Pattern) == "" || cmd.Handler == nil {
		return fmt.Errorf("%w: pattern and handler are required", ErrInvalidCommand)
	}

	names := append([]string{cmd.Pattern}, cmd.Aliases...)
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" || strings.ContainsAny(key, " \t\n") {
			return fmt.Errorf("%w: bad name %q", ErrInvalidCommand, n)
		}
		if _, ok := r.byName[key]; ok || seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateCommand, key)
		}
		seen[key] = true
	}

	c := cmd
	c.Pattern = strings.ToLower(strings.TrimSpace(cmd.Pattern))
	if c.Category == "" {
		c.Category = "general"
	}
	for key := range seen {
		r.byName[key] = &c
	}
	r.commands = append(r.commands, &c)
	return nil
}

func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[strings.ToLower(name)]
	return c, ok
}

// Len returns the number of distinct commands, not counting aliases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Categories groups commands by category, both sorted by name.
func (r *Registry) Categories() map[string][]Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Command)
	for _, c := range r.commands {
		out[c.Category] = append(out[c.Category], *c)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Pattern < list[j].Pattern })
	}
	return out
}
