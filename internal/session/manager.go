// Package session provisions the whatsmeow session database from a
// "Gifted~" session id and guards it against concurrent imports.
package session

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Prefix marks a session id produced by the pairing site.
	Prefix = "Gifted~"

	DBFile    = "session.db"
	LockFile  = ".lock"
	BackupDir = "backups"

	minPayload      = 100
	sqliteHeader    = "SQLite format 3\x00"
	defaultStale    = 5 * time.Minute
	defaultRelease  = 10 * time.Second
	backupTimestamp = "session_backup_%d.db"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionLocked  = errors.New("session is being modified by another process")
	ErrNoSession      = errors.New("no session")

	dotRuns = regexp.MustCompile(`\.{3,}`)

	// maxSessionBytes caps the decompressed session database.
	maxSessionBytes int64 = 64 << 20
)

// Info describes the session file on disk.
type Info struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Hash     string    `json:"hash"`
}

type lockRecord struct {
	Locked    bool   `json:"locked"`
	Timestamp int64  `json:"timestamp"`
	ServiceID string `json:"service_id"`
}

// Manager owns a session directory.
type Manager struct {
	dir          string
	serviceID    string
	log          zerolog.Logger
	now          func() time.Time
	staleAfter   time.Duration
	releaseAfter time.Duration

	mu      sync.Mutex
	release *time.Timer
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithReleaseDelay sets how long the lock is held after a successful save.
func WithReleaseDelay(d time.Duration) Option { return func(m *Manager) { m.releaseAfter = d } }

func WithServiceID(id string) Option { return func(m *Manager) { m.serviceID = id } }

func NewManager(dir string, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		dir:          dir,
		serviceID:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:          zerolog.Nop(),
		now:          time.Now,
		staleAfter:   defaultStale,
		releaseAfter: defaultRelease,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string      { return m.dir }
func (m *Manager) DBPath() string   { return filepath.Join(m.dir, DBFile) }
func (m *Manager) lockPath() string { return filepath.Join(m.dir, LockFile) }

// Exists reports whether a non-empty session database is present.
func (m *Manager) Exists() bool {
	st, err := os.Stat(m.DBPath())
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Decode turns a session id into the raw session database bytes.
func Decode(sessionID string) ([]byte, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !strings.HasPrefix(sessionID, Prefix) {
		return nil, fmt.Errorf("%w: session id must start with %q", ErrInvalidSession, Prefix)
	}
	encoded := dotRuns.ReplaceAllString(strings.TrimPrefix(sessionID, Prefix), "")

	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidSession, err)
	}
	if len(raw) < minPayload {
		return nil, fmt.Errorf("%w: Session data too short", ErrInvalidSession)
	}

	data, err := decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidSession, err)
	}
	if !bytes.HasPrefix(data, []byte(sqliteHeader)) {
		return nil, fmt.Errorf("%w: payload is not a session database", ErrInvalidSession)
	}
	return data, nil
}

// Encode is the inverse of Decode, using gzip.
func Encode(db []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(db); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	if alt, altErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); altErr == nil {
		return alt, nil
	}
	return nil, err
}

func decompress(raw []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err == nil {
		defer gr.Close()
		return readLimited(gr)
	}
	zr, zerr := zlib.NewReader(bytes.NewReader(raw))
	if zerr != nil {
		return nil, fmt.Errorf("neither gzip (%v) nor zlib (%v)", err, zerr)
	}
	defer zr.Close()
	return readLimited(zr)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSessionBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSessionBytes {
		return nil, fmt.Errorf("session database larger than %d bytes", maxSessionBytes)
	}
	return data, nil
}

// Save decodes sessionID and writes it as the session database, backing up
// any existing one. It returns a short content hash.
func (m *Manager) Save(sessionID string) (string, error) {
	if err := m.acquire(); err != nil {
		return "", err
	}

	hash, err := m.save(sessionID)
	if err != nil {
		m.releaseLock()
		return "", err
	}

	m.mu.Lock()
	if m.release != nil {
		m.release.Stop()
	}
	m.release = time.AfterFunc(m.releaseAfter, m.releaseLock)
	m.mu.Unlock()

	m.log.Info().Str("hash", hash).Msg("Session saved")
	return hash, nil
}

func (m *Manager) save(sessionID string) (string, error) {
	data, err := Decode(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	if m.Exists() {
		if err := m.backup(); err != nil {
			return "", err
		}
	}

	tmp := m.DBPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, m.DBPath()); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install session: %w", err)
	}
	// Stale sqlite sidecars belong to the previous database.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(m.DBPath() + suffix)
	}
	return shortHash(data), nil
}

func (m *Manager) backup() error {
	dir := filepath.Join(m.dir, BackupDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	data, err := os.ReadFile(m.DBPath())
	if err != nil {
		return fmt.Errorf("read session for backup: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf(backupTimestamp, m.now().UnixMilli()))
	if err := os.WriteFile(name, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	m.log.Info().Str("path", name).Msg("Existing session backed up")
	return nil
}

func (m *Manager) acquire() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	if data, err := os.ReadFile(m.lockPath()); err == nil {
		var rec lockRecord
		if json.Unmarshal(data, &rec) == nil && rec.Locked {
			age := m.now().Sub(time.UnixMilli(rec.Timestamp))
			if age < m.staleAfter {
				return fmt.Errorf("%w (held by %s)", ErrSessionLocked, rec.ServiceID)
			}
		}
		m.log.Warn().Msg("Clearing stale session lock")
		_ = os.Remove(m.lockPath())
	}

	rec, _ := json.Marshal(lockRecord{Locked: true, Timestamp: m.now().UnixMilli(), ServiceID: m.serviceID})
	f, err := os.OpenFile(m.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSessionLocked
		}
		return fmt.Errorf("create lock: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(rec); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func (m *Manager) releaseLock() {
	if err := os.Remove(m.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn().Err(err).Msg("Failed to release session lock")
	}
}

// Locked reports whether a live lock is present.
func (m *Manager) Locked() bool {
	data, err := os.ReadFile(m.lockPath())
	if err != nil {
		return false
	}
	var rec lockRecord
	if json.Unmarshal(data, &rec) != nil || !rec.Locked {
		return false
	}
	return m.now().Sub(time.UnixMilli(rec.Timestamp)) < m.staleAfter
}

// Close releases a lock still held from the last save.
func (m *Manager) Close() {
	m.mu.Lock()
	t := m.release
	m.release = nil
	m.mu.Unlock()
	if t != nil && t.Stop() {
		m.releaseLock()
	}
}

// Clear removes the session database and its sidecars. Backups are kept.
func (m *Manager) Clear() error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(m.DBPath() + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear session: %w", err)
		}
	}
	m.log.Info().Msg("Session cleared")
	return nil
}

func (m *Manager) Info() (Info, error) {
	st, err := os.Stat(m.DBPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNoSession
		}
		return Info{}, err
	}
	data, err := os.ReadFile(m.DBPath())
	if err != nil {
		return Info{}, err
	}
	return Info{Path: m.DBPath(), Size: st.Size(), Modified: st.ModTime(), Hash: shortHash(data)}, nil
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, BackupDir, "session_backup_*.db"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
