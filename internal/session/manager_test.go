package session

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDB(t *testing.T) []byte {
	t.Helper()
	body := make([]byte, 4096)
	_, err := rand.Read(body)
	require.NoError(t, err)
	return append([]byte(sqliteHeader), body...)
}

func TestDecode_GzipRoundTrip(t *testing.T) {
	db := fakeDB(t)
	id, err := Encode(db)
	require.NoError(t, err)

	got, err := Decode(id)
	require.NoError(t, err)
	assert.Equal(t, db, got)
}

func TestDecode_StripsDotRuns(t *testing.T) {
	db := fakeDB(t)
	id, err := Encode(db)
	require.NoError(t, err)

	mid := len(Prefix) + 40
	padded := id[:mid] + "...." + id[mid:]
	got, err := Decode(padded)
	require.NoError(t, err)
	assert.Equal(t, db, got)
}

func TestDecode_ZlibFallback(t *testing.T) {
	db := fakeDB(t)
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(db)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err := Decode(Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, db, got)
}

func TestDecode_Rejects(t *testing.T) {
	db := fakeDB(t)
	id, err := Encode(db)
	require.NoError(t, err)

	notDB, err := Encode(append([]byte("PNG not sqlite"), db...))
	require.NoError(t, err)

	cases := map[string]string{
		"missing prefix": id[len(Prefix):],
		"too short":      Prefix + base64.StdEncoding.EncodeToString([]byte("tiny")),
		"bad base64":     Prefix + "!!!not base64!!!",
		"not compressed": Prefix + base64.StdEncoding.EncodeToString(make([]byte, 200)),
		"not a database": notDB,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidSession)
		})
	}

	_, err = Decode(Prefix + base64.StdEncoding.EncodeToString([]byte("tiny")))
	assert.ErrorContains(t, err, "Session data too short")
}

func TestDecode_RejectsOversizedDatabase(t *testing.T) {
	defer func(prev int64) { maxSessionBytes = prev }(maxSessionBytes)
	maxSessionBytes = 8 << 10

	// A megabyte of zeros compresses to about a kilobyte.
	bomb, err := Encode(append([]byte(sqliteHeader), make([]byte, 1<<20)...))
	require.NoError(t, err)
	require.Less(t, len(bomb), 8<<10)

	_, err = Decode(bomb)
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.ErrorContains(t, err, "larger than 8192 bytes")

	body := make([]byte, 8<<10-len(sqliteHeader))
	_, err = rand.Read(body)
	require.NoError(t, err)
	exact, err := Encode(append([]byte(sqliteHeader), body...))
	require.NoError(t, err)
	got, err := Decode(exact)
	require.NoError(t, err)
	assert.Len(t, got, 8<<10)
}

func TestSave_WritesAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithReleaseDelay(time.Hour))
	defer m.Close()

	assert.False(t, m.Exists())

	first := fakeDB(t)
	id, err := Encode(first)
	require.NoError(t, err)
	hash, err := m.Save(id)
	require.NoError(t, err)
	assert.Len(t, hash, 16)
	assert.True(t, m.Exists())

	st, err := os.Stat(m.DBPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	// The lock is still held, a second import is refused.
	_, err = m.Save(id)
	assert.ErrorIs(t, err, ErrSessionLocked)

	m.Close()
	assert.False(t, m.Locked())

	second := fakeDB(t)
	id2, err := Encode(second)
	require.NoError(t, err)
	_, err = m.Save(id2)
	require.NoError(t, err)

	got, err := os.ReadFile(m.DBPath())
	require.NoError(t, err)
	assert.Equal(t, second, got)

	backups, err := m.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, first, old)
}

func TestSave_FailureReleasesLock(t *testing.T) {
	m := NewManager(t.TempDir(), WithReleaseDelay(time.Hour))
	_, err := m.Save("nope")
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.False(t, m.Locked())
	assert.False(t, m.Exists())
}

func TestSave_ReleasesLockAfterDelay(t *testing.T) {
	m := NewManager(t.TempDir(), WithReleaseDelay(10*time.Millisecond))
	id, err := Encode(fakeDB(t))
	require.NoError(t, err)
	_, err = m.Save(id)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !m.Locked() }, time.Second, 5*time.Millisecond)
}

func TestAcquire_StaleLockCleared(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	m := NewManager(dir, WithClock(func() time.Time { return now }), WithReleaseDelay(time.Hour))
	defer m.Close()

	rec, err := json.Marshal(lockRecord{Locked: true, Timestamp: now.Add(-6 * time.Minute).UnixMilli(), ServiceID: "other"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), rec, 0o600))
	assert.False(t, m.Locked())

	id, err := Encode(fakeDB(t))
	require.NoError(t, err)
	_, err = m.Save(id)
	assert.NoError(t, err)
}

func TestAcquire_LiveLockFromOtherService(t *testing.T) {
	dir := t.TempDir()
	rec, err := json.Marshal(lockRecord{Locked: true, Timestamp: time.Now().UnixMilli(), ServiceID: "other"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), rec, 0o600))

	m := NewManager(dir)
	id, err := Encode(fakeDB(t))
	require.NoError(t, err)
	_, err = m.Save(id)
	assert.ErrorIs(t, err, ErrSessionLocked)
	assert.ErrorContains(t, err, "other")
}

func TestInfoAndClear(t *testing.T) {
	m := NewManager(t.TempDir(), WithReleaseDelay(time.Hour))
	defer m.Close()

	_, err := m.Info()
	assert.ErrorIs(t, err, ErrNoSession)

	db := fakeDB(t)
	id, err := Encode(db)
	require.NoError(t, err)
	hash, err := m.Save(id)
	require.NoError(t, err)

	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(len(db)), info.Size)
	assert.Equal(t, hash, info.Hash)

	require.NoError(t, m.Clear())
	assert.False(t, m.Exists())
	require.NoError(t, m.Clear())
}
