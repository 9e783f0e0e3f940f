package keystore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, debounce time.Duration) *Store {
	t.Helper()
	return New(Config{
		Logger:                    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		SnapshotPath:              filepath.Join(t.TempDir(), "keys.json"),
		Debounce:                  debounce,
		DefaultRateLimitPerMinute: 60,
		DefaultBurst:              10,
	})
}

func TestLoadFromEnvList(t *testing.T) {
	s := newTestStore(t, time.Second)
	require.NoError(t, s.Load("key-a, key-b ,,key-c"))

	rec, ok := s.Lookup("key-b")
	require.True(t, ok)
	assert.True(t, rec.Enabled)
	assert.True(t, rec.Admin)
	assert.Equal(t, 60.0, rec.RateLimitPerMinute)
	assert.Equal(t, 10, rec.Burst)
	assert.Len(t, s.List(), 3)
}

func TestLoadZeroKeysFails(t *testing.T) {
	s := newTestStore(t, time.Second)
	assert.ErrorIs(t, s.Load(""), ErrNoKeys)
}

func TestLoadPrefersSnapshot(t *testing.T) {
	s := newTestStore(t, time.Second)
	require.NoError(t, s.Load("snap-key"))
	require.NoError(t, s.Persist())

	reloaded := New(Config{
		Logger:       s.logger,
		SnapshotPath: s.path,
		Debounce:     time.Second,
	})
	// env keys must be ignored once a snapshot exists
	require.NoError(t, reloaded.Load("other-key"))
	_, ok := reloaded.Lookup("snap-key")
	assert.True(t, ok)
	_, ok = reloaded.Lookup("other-key")
	assert.False(t, ok)
}

func TestUpsertPersistsImmediately(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Load("seed"))

	s.Upsert(models.APIKeyRecord{
		Key:                "fresh",
		RateLimitPerMinute: 120,
		Burst:              20,
		Enabled:            true,
		CreatedAt:          time.Now().UTC(),
	})

	info, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPersistIsDeterministic(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Load("zeta,alpha,mid"))

	require.NoError(t, s.Persist())
	first, err := os.ReadFile(s.path)
	require.NoError(t, err)

	require.NoError(t, s.Persist())
	second, err := os.ReadFile(s.path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)
	require.NoError(t, s.Load("k1"))

	before, _ := s.Lookup("k1")
	assert.True(t, before.LastUsedAt.IsZero())

	s.Touch("k1")
	after, _ := s.Lookup("k1")
	assert.False(t, after.LastUsedAt.IsZero())

	// the debounced write lands on disk without any further calls
	assert.Eventually(t, func() bool {
		_, err := os.Stat(s.path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTouchCoalescesWrites(t *testing.T) {
	s := newTestStore(t, 200*time.Millisecond)
	require.NoError(t, s.Load("k1"))

	// the very first touch persists without delay (nothing to coalesce
	// against); it establishes the baseline snapshot
	s.Touch("k1")
	require.Eventually(t, func() bool {
		_, err := os.Stat(s.path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	baseline, err := os.Stat(s.path)
	require.NoError(t, err)

	// a burst of touches inside one window schedules exactly one write
	for i := 0; i < 25; i++ {
		s.Touch("k1")
	}
	inWindow, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, baseline.ModTime(), inWindow.ModTime(),
		"snapshot rewritten inside the debounce window")

	require.Eventually(t, func() bool {
		info, err := os.Stat(s.path)
		return err == nil && info.ModTime().After(baseline.ModTime())
	}, time.Second, 5*time.Millisecond)
	coalesced, err := os.Stat(s.path)
	require.NoError(t, err)

	// the burst produced that one write and no stragglers
	time.Sleep(300 * time.Millisecond)
	final, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, coalesced.ModTime(), final.ModTime())
}

func TestTouchUnknownKeyIsNoop(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Load("k1"))
	s.Touch("ghost")
	_, ok := s.Lookup("ghost")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Load("k1,k2"))

	require.NoError(t, s.Delete("k1"))
	_, ok := s.Lookup("k1")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Delete("k1"), ErrKeyNotFound)
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.Load("k1"))

	s.Touch("k1") // schedules a write an hour out
	require.NoError(t, s.Close()) // must flush it instead

	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "k1")
}
