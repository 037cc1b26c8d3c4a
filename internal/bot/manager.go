// Package bot runs the WhatsApp connection: pairing, reconnects, the
// per-connection conversation store and the command pipeline.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/cloudbera60-web/Gifted-bot/internal/commands"
	"github.com/cloudbera60-web/Gifted-bot/internal/config"
	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
	"github.com/cloudbera60-web/Gifted-bot/internal/logging"
	"github.com/cloudbera60-web/Gifted-bot/internal/media"
	"github.com/cloudbera60-web/Gifted-bot/internal/metrics"
	"github.com/cloudbera60-web/Gifted-bot/internal/session"
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNoSession      = errors.New("no session available")
)

const (
	errSessionInvalid = "Session invalid - please redeploy"
	errMaxAttempts    = "Max reconnection attempts reached"

	qrRetryDelay = 5 * time.Second
)

// errStopped reports a connect that lost a race with Stop or a newer Start.
var errStopped = errors.New("bot stopped while connecting")

// DeploymentStatus is the state reported by /api/status.
type DeploymentStatus struct {
	IsDeployed     bool       `json:"isDeployed"`
	SessionExists  bool       `json:"sessionExists"`
	BotConnected   bool       `json:"botConnected"`
	LastDeployment *time.Time `json:"lastDeployment"`
	Error          string     `json:"error,omitempty"`
}

// connection is everything created for one connect attempt. A new one is
// built on every retry so no state leaks across connections.
type connection struct {
	ctx       context.Context
	cancel    context.CancelFunc
	client    *whatsmeow.Client
	container *sqlstore.Container
	store     *convstore.Store
	adapter   *eventAdapter
	features  *features
	stop      chan struct{}
	closeOnce sync.Once
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithTerminal sets where pairing QR codes are drawn. nil disables drawing.
func WithTerminal(w io.Writer) Option { return func(m *Manager) { m.terminal = w } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns the bot lifecycle.
type Manager struct {
	cfg        config.Config
	log        zerolog.Logger
	sessions   *session.Manager
	sudo       *commands.Sudo
	registry   *commands.Registry
	dispatcher *commands.Dispatcher
	metrics    *metrics.Metrics
	terminal   io.Writer
	now        func() time.Time

	qr        *qrState
	reconnect *reconnectState

	mu      sync.Mutex
	running bool
	conn    *connection
	status  DeploymentStatus
	// gen changes on every Start and Stop; a connect only installs its
	// connection if gen is unchanged.
	gen uint64

	beforeInstall func()
}

func New(cfg config.Config, sessions *session.Manager, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		log:      zerolog.Nop(),
		sessions: sessions,
		terminal: os.Stdout,
		now:      time.Now,
		qr:       &qrState{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "bot").Logger()
	m.reconnect = newReconnectState(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.MaxAttempts, m.now)
	m.metrics = metrics.New(m.Stats)
	m.sudo = commands.NewSudo(cfg.OwnerNumber, cfg.SudoNumbers)
	m.registry = commands.NewRegistry()

	transcoder := media.NewTranscoder(cfg.FFmpegPath, media.WithLogger(m.log))
	err := commands.RegisterBuiltins(m.registry, commands.Env{
		BotName:     cfg.BotName,
		OwnerName:   cfg.OwnerName,
		OwnerNumber: cfg.OwnerNumber,
		Mode:        cfg.Mode,
		Prefix:      cfg.Prefix,
		Started:     m.now(),
		Stats:       m.Stats,
		Media:       transcoder,
		Sudo:        m.sudo,
	})
	if err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	m.dispatcher = commands.NewDispatcher(commands.DispatcherConfigFrom(cfg), m.registry, m.sudo, m.metrics.Commands, m.log)
	m.status.SessionExists = sessions.Exists()
	return m, nil
}

func (m *Manager) Metrics() *metrics.Metrics    { return m.metrics }
func (m *Manager) Registry() *commands.Registry { return m.registry }

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Deploy imports a session id and resets the deployment status. The caller
// starts the bot afterwards.
func (m *Manager) Deploy(sessionID string) (string, error) {
	if m.Running() {
		return "", ErrAlreadyRunning
	}
	hash, err := m.sessions.Save(sessionID)
	if err != nil {
		return "", err
	}
	now := m.now()
	m.reconnect.clear()
	m.mu.Lock()
	m.status = DeploymentStatus{IsDeployed: true, SessionExists: true, LastDeployment: &now}
	m.mu.Unlock()
	m.log.Info().Str("hash", hash).Msg("session deployed")
	return hash, nil
}

// Start opens the session database and connects. A failed start records the
// error and leaves the bot stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !m.sessions.Exists() && !m.cfg.PairWithQR {
		m.status.Error = "No session available"
		m.mu.Unlock()
		return ErrNoSession
	}
	leftover := m.conn
	m.conn = nil
	m.running = true
	m.status.Error = ""
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.teardown(leftover)

	m.log.Info().Msg("starting WhatsApp bot")
	if err := m.connect(ctx, gen); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		m.mu.Lock()
		if m.gen == gen {
			m.running = false
			m.status.Error = err.Error()
		}
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("bot startup failed")
		return err
	}
	return nil
}

// Stop disconnects and drops the conversation store. Safe to call when
// already stopped.
func (m *Manager) Stop() {
	m.reconnect.cancel()
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	wasRunning := m.running
	m.running = false
	m.gen++
	m.status.BotConnected = false
	m.mu.Unlock()

	m.teardown(c)
	m.metrics.Connected.Set(0)
	m.qr.set("")
	if wasRunning {
		m.log.Info().Msg("bot stopped")
	}
}

// Restart stops the bot and starts it again after the configured delay.
func (m *Manager) Restart(ctx context.Context) error {
	m.Stop()
	if !sleep(ctx, m.cfg.Reconnect.RestartDelay) {
		return ctx.Err()
	}
	return m.Start(ctx)
}

// Status refreshes SessionExists from disk.
func (m *Manager) Status() DeploymentStatus {
	exists := m.sessions.Exists()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.SessionExists = exists
	return m.status
}

func (m *Manager) Health() Health {
	var connected, loggedIn bool
	if c := m.current(); c != nil {
		connected = c.client.IsConnected()
		loggedIn = c.client.IsLoggedIn()
	}
	h := m.reconnect.health(connected, loggedIn)
	if !connected {
		h.Status = "disconnected"
	}
	return h
}

// QRCode returns the pending pairing code as a base64 PNG, or "".
func (m *Manager) QRCode() string { return m.qr.get() }

// Authenticated reports a logged-in client whose session is still valid.
func (m *Manager) Authenticated() bool {
	c := m.current()
	if c == nil || !c.client.IsLoggedIn() {
		return false
	}
	return !m.reconnect.health(false, false).NeedsReauth
}

// Stats reports the current connection's store, or zeros while stopped.
func (m *Manager) Stats() convstore.Stats {
	if c := m.current(); c != nil {
		return c.store.Stats()
	}
	return convstore.Stats{}
}

func (m *Manager) current() *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) isCurrent(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.conn == c
}

// install makes c the current connection unless the bot was stopped or
// restarted since gen was taken.
func (m *Manager) install(c *connection, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.gen != gen {
		return false
	}
	m.conn = c
	return true
}

func (m *Manager) connect(ctx context.Context, gen uint64) error {
	if err := os.MkdirAll(m.sessions.Dir(), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", m.sessions.DBPath())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, logging.WhatsApp(m.log, "Database"))
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && device == nil) {
		device, err = container.NewDevice(), nil
		m.log.Info().Msg("created new device")
	}
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("load device: %w", err)
	}
	if device.ID == nil && !m.cfg.PairWithQR {
		_ = container.Close()
		return ErrNoSession
	}

	client := whatsmeow.NewClient(device, logging.WhatsApp(m.log, "Client"))
	client.EnableAutoReconnect = false

	store := convstore.New(m.cfg.Store, convstore.WithLogger(m.log), convstore.WithClock(m.now))
	adapter := &eventAdapter{}
	store.Bind(adapter)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		ctx:       connCtx,
		cancel:    cancel,
		client:    client,
		container: container,
		store:     store,
		adapter:   adapter,
		features:  newFeatures(m.cfg, m.sudo, client, m.log),
		stop:      make(chan struct{}),
	}
	if m.beforeInstall != nil {
		m.beforeInstall()
	}
	if !m.install(c, gen) {
		m.teardown(c)
		return errStopped
	}

	client.GetMessageForRetry = func(_, to types.JID, id types.MessageID) *waE2E.Message {
		return m.retryMessage(c, to, id)
	}
	client.AddEventHandler(func(evt any) { m.handleEvent(c, evt) })
	store.Start()

	if client.Store.ID == nil {
		m.log.Info().Msg("no paired device, starting QR pairing")
		p := &pairing{client: client, state: m.qr, terminal: m.terminal, log: m.log, retry: qrRetryDelay}
		go p.run(connCtx)
	} else if err := client.Connect(); err != nil {
		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
		}
		m.mu.Unlock()
		m.teardown(c)
		return fmt.Errorf("connect: %w", err)
	}

	go keepalive(client, c.features.presence(), keepaliveInterval, m.reconnect.touch, m.log, c.stop)
	return nil
}

func (m *Manager) teardown(c *connection) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.stop != nil {
			close(c.stop)
		}
		if c.client != nil {
			c.client.Disconnect()
		}
		if c.store != nil {
			c.store.Destroy()
		}
		if c.container != nil {
			if err := c.container.Close(); err != nil {
				m.log.Warn().Err(err).Msg("failed to close session database")
			}
		}
	})
}

// retryMessage resupplies a message the server asked us to resend.
func (m *Manager) retryMessage(c *connection, to types.JID, id types.MessageID) *waE2E.Message {
	if msg, ok := c.store.LoadMessage(to.ToNonAD().String(), id); ok && msg.Content != nil {
		return msg.Content
	}
	m.log.Debug().Str("chat", to.String()).Str("id", id).Msg("retry message not cached, sending placeholder")
	return &waE2E.Message{Conversation: proto.String(m.cfg.BotName)}
}

func (m *Manager) handleEvent(c *connection, evt any) {
	if !m.isCurrent(c) {
		return
	}
	c.adapter.handle(evt)

	switch v := evt.(type) {
	case *events.Message:
		m.reconnect.touch()
		m.metrics.Messages.Inc()
		go m.onMessage(c, v)

	case *events.CallOffer:
		go c.features.onCall(c.ctx, v)

	case *events.Connected:
		m.onConnected(c)

	case *events.PairSuccess:
		m.log.Info().Str("jid", v.ID.String()).Msg("device paired")

	case *events.Disconnected:
		m.log.Warn().Msg("disconnected from WhatsApp")
		m.onDisconnected(c, "disconnected")

	case *events.StreamError:
		m.log.Error().Str("code", v.Code).Msg("stream error")
		m.onDisconnected(c, "stream error")

	case *events.LoggedOut:
		m.log.Error().Int("reason", int(v.Reason)).Msg("device logged out")
		m.onInvalidSession(c)

	case *events.StreamReplaced:
		m.log.Warn().Msg("stream replaced, another client is using this session")
		m.onInvalidSession(c)

	case *events.TemporaryBan:
		m.log.Error().Int("code", int(v.Code)).Dur("expire", v.Expire).Msg("temporary ban from WhatsApp")
		m.reconnect.ban()
		m.setError(fmt.Sprintf("Temporary ban (code %d), expires in %s", int(v.Code), v.Expire))
	}
}

func (m *Manager) onMessage(c *connection, evt *events.Message) {
	if !c.features.onMessage(c.ctx, evt) {
		return
	}
	text := textOf(evt.Message)
	if text == "" {
		return
	}
	reply := newResponder(c.client, m.log, evt.Info, evt.Message)
	reply.sent = func(chat types.JID, id types.MessageID, msg *waE2E.Message) {
		c.store.SaveMessage(chat.String(), convstore.Message{
			ID:        id,
			ChatID:    chat.String(),
			FromMe:    true,
			Timestamp: m.now(),
			Content:   msg,
		})
	}
	m.dispatcher.Dispatch(c.ctx, commands.Incoming{
		ChatID:    evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.User,
		PushName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		FromMe:    evt.Info.IsFromMe,
		Text:      text,
		Timestamp: evt.Info.Timestamp,
		Reply:     reply,
	})
}

func (m *Manager) onConnected(c *connection) {
	m.log.Info().Msg("WhatsApp connection established")
	m.reconnect.connected()
	m.metrics.Connected.Set(1)
	m.qr.set("")
	m.mu.Lock()
	m.status.BotConnected = true
	m.status.Error = ""
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
		defer cancel()
		if err := c.client.SendPresence(ctx, c.features.presence()); err != nil {
			m.log.Warn().Err(err).Msg("failed to send presence")
		}
		if !m.cfg.StartingMessage || c.client.Store.ID == nil {
			return
		}
		own := c.client.Store.ID.ToNonAD()
		msg := &waE2E.Message{Conversation: proto.String(startingMessage(m.cfg, m.registry.Len()))}
		if _, err := c.client.SendMessage(ctx, own, msg); err != nil {
			m.log.Warn().Err(err).Msg("failed to send starting message")
		}
	}()
}

func (m *Manager) onDisconnected(c *connection, reason string) {
	m.metrics.Connected.Set(0)
	m.mu.Lock()
	m.status.BotConnected = false
	m.mu.Unlock()
	m.scheduleReconnect(c, reason)
}

func (m *Manager) scheduleReconnect(c *connection, reason string) {
	attempt, delay, ok := m.reconnect.next()
	if !ok {
		h := m.reconnect.health(false, false)
		if h.Banned || h.NeedsReauth {
			return
		}
		m.log.Error().Int("attempts", attempt).Msg("max reconnection attempts reached")
		m.fail(c, errMaxAttempts)
		return
	}
	m.metrics.Reconnects.Inc()
	m.log.Warn().
		Int("attempt", attempt).
		Int("max", m.cfg.Reconnect.MaxAttempts).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("scheduling reconnect")
	m.reconnect.schedule(delay, func() { m.reconnectNow(c) })
}

// reconnectNow replaces old with a fresh connection. old may be nil when the
// previous attempt never got a connection up.
func (m *Manager) reconnectNow(old *connection) {
	m.mu.Lock()
	if !m.running || m.conn != old {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	gen := m.gen
	m.mu.Unlock()

	m.teardown(old)
	err := m.connect(context.Background(), gen)
	if err == nil || errors.Is(err, errStopped) {
		return
	}
	m.mu.Lock()
	stale := !m.running || m.gen != gen
	if !stale {
		m.status.Error = err.Error()
	}
	m.mu.Unlock()
	if stale {
		return
	}
	m.log.Error().Err(err).Msg("reconnection failed")
	m.scheduleReconnect(nil, "reconnect failed")
}

func (m *Manager) onInvalidSession(c *connection) {
	m.reconnect.invalidate()
	m.metrics.Connected.Set(0)
	m.qr.set("")
	m.mu.Lock()
	m.status.BotConnected = false
	m.status.Error = errSessionInvalid
	m.running = false
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()

	go func() {
		m.teardown(c)
		if !m.cfg.ClearInvalidSession {
			return
		}
		if err := m.sessions.Clear(); err != nil {
			m.log.Error().Err(err).Msg("failed to clear invalid session")
			return
		}
		m.log.Info().Msg("invalid session cleared")
	}()
}

// fail stops the bot from inside an event callback.
func (m *Manager) fail(c *connection, reason string) {
	m.mu.Lock()
	m.status.Error = reason
	m.status.BotConnected = false
	m.running = false
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
	go m.teardown(c)
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.status.Error = msg
	m.mu.Unlock()
}
