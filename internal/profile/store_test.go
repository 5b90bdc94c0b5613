package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"p1", "alice", "shop-bot-07", "a.b_c"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", ".hidden", "-x", "a/b", "..", "with space", string(make([]byte, 65))} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}

func TestOpenCreatesLayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Open(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Created)
	assert.Equal(t, "p1", p.Record.Name)
	assert.Empty(t, p.Record.Cookies)
	assert.DirExists(t, filepath.Join(s.Root(), "p1", "user-data"))
	assert.Equal(t, filepath.Join(s.Root(), "p1", "user-data"), p.UserDataDir)

	again, err := s.Open(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, again.Created)

	_, err = s.Open(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Open(ctx, "p1")
	require.NoError(t, err)

	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		Name: "p1",
		Cookies: []Cookie{
			{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "tmp", Value: "1", Domain: "example.com", Path: "/", Expires: -1},
		},
		LocalStorage: []OriginStorage{
			{Origin: "https://example.com", Entries: []StorageEntry{{Name: "theme", Value: "dark"}}},
		},
		LastUsed: used,
		Identity: IdentityInputs{Locale: "de-DE", Timezone: "Europe/Berlin", Viewport: Viewport{1280, 720}, Headless: true, Seed: 124},
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, rec.Cookies, got.Cookies)
	assert.Equal(t, rec.LocalStorage, got.LocalStorage)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.True(t, used.Equal(got.LastUsed))
	assert.True(t, got.Cookies[1].Session())

	// No temp files are left behind.
	entries, err := os.ReadDir(s.Dir("p1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	entry, err := s.Catalog().Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, used.Equal(entry.LastUsed))
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockConflict(t *testing.T) {
	s := newTestStore(t)

	l1, err := s.Lock("p1")
	require.NoError(t, err)

	_, err = s.Lock("p1")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l1.Release())
	require.NoError(t, l1.Release())

	l2, err := s.Lock("p1")
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestDeleteRefusedWhileLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Open(ctx, "p1")
	require.NoError(t, err)

	l, err := s.Lock("p1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Delete(ctx, "p1"), ErrLocked)
	assert.DirExists(t, s.Dir("p1"))

	require.NoError(t, l.Release())
	require.NoError(t, s.Delete(ctx, "p1"))
	assert.NoDirExists(t, s.Dir("p1"))

	_, err = s.Catalog().Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "p1"), ErrNotFound)
}

func TestListAndTouch(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s, err := NewStore(t.TempDir(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for _, name := range []string{"zed", "alice"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, s.Touch(ctx, "alice", 9740, 124))
	require.NoError(t, s.Touch(ctx, "alice", 9740, 124))
	assert.ErrorIs(t, s.Touch(ctx, "ghost", 1, 1), ErrNotFound)

	// A directory made by an older run without a catalog row is picked up.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "legacy", "user-data"), 0o700))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, "legacy", list[1].Name)
	assert.Equal(t, "zed", list[2].Name)
	assert.Equal(t, 2, list[0].OpenCount)
	assert.Equal(t, 9740, list[0].Port)
	assert.Equal(t, 124, list[0].Seed)
	assert.True(t, now.Equal(list[0].LastUsed))
	assert.Zero(t, list[2].OpenCount)
}

func TestMergeLocalStorage(t *testing.T) {
	rec := &Record{LocalStorage: []OriginStorage{
		{Origin: "https://a.test", Entries: []StorageEntry{{"k", "old"}}},
		{Origin: "https://b.test", Entries: []StorageEntry{{"k", "keep"}}},
	}}
	rec.MergeLocalStorage([]OriginStorage{
		{Origin: "https://a.test", Entries: []StorageEntry{{"k", "new"}}},
		{Origin: "https://c.test", Entries: []StorageEntry{{"x", "1"}}},
	})
	require.Len(t, rec.LocalStorage, 3)
	assert.Equal(t, "new", rec.LocalStorage[0].Entries[0].Value)
	assert.Equal(t, "keep", rec.LocalStorage[1].Entries[0].Value)
	assert.Equal(t, "https://c.test", rec.LocalStorage[2].Origin)
}
