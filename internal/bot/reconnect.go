package bot

import (
	"sync"
	"time"
)

// Health is the connection health snapshot served by /api/health.
type Health struct {
	Status               string `json:"status"`
	Connected            bool   `json:"connected"`
	Authenticated        bool   `json:"authenticated"`
	NeedsReauth          bool   `json:"needs_reauth"`
	IsReconnecting       bool   `json:"is_reconnecting"`
	Banned               bool   `json:"banned"`
	ReconnectAttempts    int    `json:"reconnect_attempts"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	SessionAgeSec        int64  `json:"session_age_sec"`
	LastActivitySec      int64  `json:"last_activity_sec"`
}

// backoff returns base*2^(attempt-1), capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

type reconnectState struct {
	mu          sync.Mutex
	now         func() time.Time
	base        time.Duration
	limit       time.Duration
	maxAttempts int

	attempts     int
	reconnecting bool
	needsReauth  bool
	banned       bool
	lastActivity time.Time
	sessionStart time.Time
	timer        *time.Timer
}

func newReconnectState(base, limit time.Duration, maxAttempts int, now func() time.Time) *reconnectState {
	if now == nil {
		now = time.Now
	}
	return &reconnectState{now: now, base: base, limit: limit, maxAttempts: maxAttempts}
}

// next reserves the next attempt. ok is false once attempts are exhausted or
// retries are blocked by a ban or an invalid session.
func (r *reconnectState) next() (attempt int, delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banned || r.needsReauth || r.attempts >= r.maxAttempts {
		r.reconnecting = false
		return r.attempts, 0, false
	}
	r.attempts++
	r.reconnecting = true
	return r.attempts, backoff(r.base, r.limit, r.attempts), true
}

// schedule arms fn after delay, replacing any pending retry.
func (r *reconnectState) schedule(delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, fn)
}

// cancel drops a pending retry.
func (r *reconnectState) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.reconnecting = false
}

// connected resets the counters after a successful login.
func (r *reconnectState) connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.reconnecting = false
	r.needsReauth = false
	now := r.now()
	if r.sessionStart.IsZero() {
		r.sessionStart = now
	}
	r.lastActivity = now
}

// invalidate blocks retries until the next successful deploy.
func (r *reconnectState) invalidate() {
	r.mu.Lock()
	r.needsReauth = true
	r.reconnecting = false
	r.sessionStart = time.Time{}
	r.mu.Unlock()
}

func (r *reconnectState) ban() {
	r.mu.Lock()
	r.banned = true
	r.reconnecting = false
	r.mu.Unlock()
}

// clear forgets everything, used when a new session is deployed.
func (r *reconnectState) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.reconnecting = false
	r.needsReauth = false
	r.banned = false
	r.sessionStart = time.Time{}
}

func (r *reconnectState) touch() {
	r.mu.Lock()
	r.lastActivity = r.now()
	r.mu.Unlock()
}

func (r *reconnectState) health(connected, loggedIn bool) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := Health{
		Status:               "healthy",
		Connected:            connected,
		Authenticated:        loggedIn,
		NeedsReauth:          r.needsReauth,
		IsReconnecting:       r.reconnecting,
		Banned:               r.banned,
		ReconnectAttempts:    r.attempts,
		MaxReconnectAttempts: r.maxAttempts,
	}
	now := r.now()
	if !r.sessionStart.IsZero() {
		h.SessionAgeSec = int64(now.Sub(r.sessionStart).Seconds())
	}
	if !r.lastActivity.IsZero() {
		h.LastActivitySec = int64(now.Sub(r.lastActivity).Seconds())
	}
	return h
}
