package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cloudbera60-web/Gifted-bot/internal/config"
)

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomePanic   = "panic"
	outcomeDenied  = "denied"
	outcomeLimited = "limited"

	maxLimiters = 10_000
)

// DispatcherConfig carries the settings the dispatcher needs from config.
type DispatcherConfig struct {
	Prefix string
	Mode   string
	// Per-sender flood limit. Privileged senders are exempt.
	Rate  rate.Limit
	Burst int
}

func DispatcherConfigFrom(cfg config.Config) DispatcherConfig {
	return DispatcherConfig{Prefix: cfg.Prefix, Mode: cfg.Mode}
}

// Dispatcher routes prefixed messages to registered commands.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *Registry
	sudo     *Sudo
	counter  *prometheus.CounterVec
	log      zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(cfg DispatcherConfig, reg *Registry, sudo *Sudo, counter *prometheus.CounterVec, log zerolog.Logger) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "."
	}
	if cfg.Rate == 0 {
		cfg.Rate = rate.Every(2 * time.Second)
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		sudo:     sudo,
		counter:  counter,
		log:      log.With().Str("component", "commands").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Parse splits text into a lower-cased command name, its args and the raw
// argument string. ok is false when text is not a command.
func Parse(prefix, text string) (name string, args []string, query string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, "", false
	}
	rest := strings.TrimSpace(text[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, "", false
	}
	return strings.ToLower(fields[0]), fields[1:], strings.TrimSpace(rest[len(fields[0]):]), true
}

// Dispatch runs the command in msg, if any. It reports whether a command was
// matched, even if it was refused.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Incoming) bool {
	name, args, query, ok := Parse(d.cfg.Prefix, msg.Text)
	if !ok {
		return false
	}
	cmd, ok := d.registry.Lookup(name)
	if !ok {
		return false
	}

	privileged := msg.FromMe || d.sudo.IsPrivileged(msg.Sender)
	log := d.log.With().Str("command", cmd.Pattern).Str("chat", msg.ChatID).Str("sender", msg.Sender).Logger()

	if d.cfg.Mode == config.ModePrivate && !privileged {
		log.Debug().Msg("Ignoring command in private mode")
		d.count(cmd.Pattern, outcomeDenied)
		return true
	}
	if !privileged && !d.allow(msg.Sender) {
		log.Warn().Msg("Command rate limited")
		d.count(cmd.Pattern, outcomeLimited)
		return true
	}
	if cmd.OwnerOnly && !privileged {
		d.count(cmd.Pattern, outcomeDenied)
		d.reply(ctx, msg, "❌ This command is for the owner only.")
		return true
	}
	if cmd.GroupOnly && !msg.IsGroup {
		d.count(cmd.Pattern, outcomeDenied)
		d.reply(ctx, msg, "❌ This command can only be used in groups.")
		return true
	}

	c := &Context{Incoming: msg, Command: name, Args: args, Query: query, Privileged: privileged}
	start := time.Now()
	outcome := d.run(ctx, cmd, c, log)
	d.count(cmd.Pattern, outcome)
	log.Debug().Str("outcome", outcome).Dur("took", time.Since(start)).Msg("Command handled")
	return true
}

func (d *Dispatcher) run(ctx context.Context, cmd *Command, c *Context, log zerolog.Logger) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Command panicked")
			d.reply(ctx, c.Incoming, fmt.Sprintf("❌ Error: %v", r))
			outcome = outcomePanic
		}
	}()

	if err := cmd.Handler(ctx, c); err != nil {
		log.Warn().Err(err).Msg("Command failed")
		d.reply(ctx, c.Incoming, "❌ "+err.Error())
		return outcomeError
	}
	return outcomeOK
}

func (d *Dispatcher) allow(sender string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lim, ok := d.limiters[sender]
	if !ok {
		if len(d.limiters) >= maxLimiters {
			d.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(d.cfg.Rate, d.cfg.Burst)
		d.limiters[sender] = lim
	}
	return lim.Allow()
}

func (d *Dispatcher) reply(ctx context.Context, msg Incoming, text string) {
	if msg.Reply == nil {
		return
	}
	if err := msg.Reply.Reply(ctx, text); err != nil {
		d.log.Warn().Err(err).Str("chat", msg.ChatID).Msg("Failed to send reply")
	}
}

func (d *Dispatcher) count(command, outcome string) {
	if d.counter != nil {
		d.counter.WithLabelValues(command, outcome).Inc()
	}
}
