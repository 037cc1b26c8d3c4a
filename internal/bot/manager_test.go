package bot

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/cloudbera60-web/Gifted-bot/internal/config"
	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
	"github.com/cloudbera60-web/Gifted-bot/internal/session"
)

func validSessionID(t *testing.T) string {
	t.Helper()
	body := make([]byte, 2048)
	_, err := rand.Read(body)
	require.NoError(t, err)
	id, err := session.Encode(append([]byte("SQLite format 3\x00"), body...))
	require.NoError(t, err)
	return id
}

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *session.Manager) {
	t.Helper()
	cfg := testConfig()
	cfg.SessionDir = t.TempDir()
	cfg.FFmpegPath = "ffmpeg"
	cfg.ClearInvalidSession = true
	cfg.Store = convstore.DefaultConfig()
	cfg.Reconnect = config.Reconnect{
		BaseDelay:    5 * time.Second,
		MaxDelay:     300 * time.Second,
		MaxAttempts:  50,
		RestartDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sessions := session.NewManager(cfg.SessionDir, session.WithReleaseDelay(time.Millisecond))
	t.Cleanup(sessions.Close)

	m, err := New(cfg, sessions, WithLogger(zerolog.Nop()), WithTerminal(nil))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, sessions
}

func TestManager_New(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.Positive(t, m.Registry().Len())
	_, ok := m.Registry().Lookup("ping")
	assert.True(t, ok)
	assert.False(t, m.Running())
	assert.Equal(t, convstore.Stats{}, m.Stats())
	assert.Empty(t, m.QRCode())
	assert.False(t, m.Authenticated())
	assert.Equal(t, "disconnected", m.Health().Status)
}

func TestManager_StartWithoutSession(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.PairWithQR = false })

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, m.Running())

	st := m.Status()
	assert.False(t, st.SessionExists)
	assert.Equal(t, "No session available", st.Error)
}

func TestManager_Deploy(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.SessionDir = t.TempDir()
	sessions := session.NewManager(cfg.SessionDir, session.WithReleaseDelay(time.Millisecond))
	t.Cleanup(sessions.Close)
	m, err := New(cfg, sessions, WithClock(clock.Now), WithTerminal(nil))
	require.NoError(t, err)

	_, err = m.Deploy("not-a-session")
	assert.ErrorIs(t, err, session.ErrInvalidSession)
	assert.False(t, m.Status().IsDeployed)

	hash, err := m.Deploy(validSessionID(t))
	require.NoError(t, err)
	assert.Len(t, hash, 16)

	st := m.Status()
	assert.True(t, st.IsDeployed)
	assert.True(t, st.SessionExists)
	assert.False(t, st.BotConnected)
	require.NotNil(t, st.LastDeployment)
	assert.True(t, clock.Now().Equal(*st.LastDeployment))
	assert.Empty(t, st.Error)
}

func TestManager_DeployWhileRunning(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	_, err := m.Deploy(validSessionID(t))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	m.Stop()
	assert.False(t, m.Running())
	assert.NotPanics(t, m.Stop)
}

func TestManager_RetryMessage(t *testing.T) {
	m, _ := newTestManager(t, nil)
	store := convstore.New(convstore.DefaultConfig())
	defer store.Destroy()
	c := &connection{store: store}

	store.SaveMessage(userJID.String(), convstore.Message{ID: "K1", Content: text("cached")})
	to := userJID
	to.Device = 3

	assert.Equal(t, "cached", m.retryMessage(c, to, "K1").GetConversation())
	assert.Equal(t, "GIFTED-MD", m.retryMessage(c, userJID, "missing").GetConversation())
}

func TestManager_IgnoresStaleConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	stale := &connection{adapter: &eventAdapter{}, store: convstore.New(convstore.DefaultConfig())}
	defer stale.store.Destroy()
	stale.store.Bind(stale.adapter)

	m.handleEvent(stale, &events.Message{Info: messageInfo(groupJID, userJID, "A1"), Message: text("hi")})
	assert.Zero(t, stale.store.Stats().TotalMessages)
}

func TestManager_MaxAttemptsStopsBot(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.Reconnect.MaxAttempts = 0 })
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.onDisconnected(nil, "disconnected")
	assert.False(t, m.Running())
	assert.Equal(t, errMaxAttempts, m.Status().Error)
	assert.False(t, m.Status().BotConnected)
}

func TestManager_ScheduleReconnect(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.scheduleReconnect(nil, "stream error")
	h := m.Health()
	assert.True(t, h.IsReconnecting)
	assert.Equal(t, 1, h.ReconnectAttempts)
	assert.True(t, m.Running())

	m.Stop()
	assert.False(t, m.Health().IsReconnecting)
}

func TestManager_InvalidSessionClearsAndStops(t *testing.T) {
	m, sessions := newTestManager(t, nil)
	_, err := m.Deploy(validSessionID(t))
	require.NoError(t, err)
	require.True(t, sessions.Exists())
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.onInvalidSession(nil)
	assert.False(t, m.Running())
	assert.Equal(t, errSessionInvalid, m.Status().Error)
	assert.True(t, m.Health().NeedsReauth)
	assert.Eventually(t, func() bool { return !sessions.Exists() }, time.Second, 5*time.Millisecond)

	_, _, ok := m.reconnect.next()
	assert.False(t, ok)
}

func TestManager_TemporaryBanBlocksRetries(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c := &connection{adapter: &eventAdapter{}}
	m.mu.Lock()
	m.running = true
	m.conn = c
	m.mu.Unlock()

	m.handleEvent(c, &events.TemporaryBan{Code: 101, Expire: time.Hour})
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()

	assert.True(t, m.Health().Banned)
	assert.Contains(t, m.Status().Error, "Temporary ban (code 101)")
	_, _, ok := m.reconnect.next()
	assert.False(t, ok)
}

func TestManager_StopDuringReconnectDiscardsConnection(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.PairWithQR = true })
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	// Stop lands from another goroutine after the session database is open
	// but before the new connection is installed.
	m.beforeInstall = func() {
		stopped := make(chan struct{})
		go func() {
			m.Stop()
			close(stopped)
		}()
		<-stopped
	}

	m.reconnectNow(nil)

	assert.Nil(t, m.current())
	assert.False(t, m.Running())
	assert.Empty(t, m.Status().Error)
	assert.False(t, m.Health().IsReconnecting)
	assert.Zero(t, m.Health().ReconnectAttempts)
}

func TestManager_StopDuringStartDiscardsConnection(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.PairWithQR = true })
	m.beforeInstall = m.Stop

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, errStopped)
	assert.Nil(t, m.current())
	assert.False(t, m.Running())
	assert.Empty(t, m.Status().Error)
}

func TestManager_StartTearsDownLeftoverConnection(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.PairWithQR = true })
	leftover := &connection{
		stop:  make(chan struct{}),
		store: convstore.New(convstore.DefaultConfig()),
	}
	leftover.store.Start()
	m.mu.Lock()
	m.conn = leftover
	m.mu.Unlock()
	m.beforeInstall = m.Stop

	_ = m.Start(context.Background())

	select {
	case <-leftover.stop:
	default:
		t.Fatal("leftover connection was not torn down")
	}
	assert.Zero(t, leftover.store.Stats().TotalMessages)
	assert.Nil(t, m.current())
}

func TestManager_InstallRejectsStaleGeneration(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.mu.Lock()
	m.running = true
	m.gen = 7
	m.mu.Unlock()

	c := &connection{}
	assert.False(t, m.install(c, 6))
	assert.Nil(t, m.current())

	assert.True(t, m.install(c, 7))
	assert.Same(t, c, m.current())

	m.Stop()
	assert.False(t, m.install(c, 7))
}
