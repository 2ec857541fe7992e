package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a minimal in-memory AniList client.
type fakeClient struct {
	viewer  *anilist.Viewer
	list    *anilist.List
	saved   []*anilist.ListEntry
	saveErr map[int]error
}

func (f *fakeClient) Viewer(context.Context) (*anilist.Viewer, error) {
	return f.viewer, nil
}

func (f *fakeClient) UserList(context.Context, int) (*anilist.List, error) {
	return f.list, nil
}

func (f *fakeClient) SaveEntry(_ context.Context, e *anilist.ListEntry) (*anilist.ListEntry, error) {
	if err := f.saveErr[e.MediaID]; err != nil {
		return nil, err
	}
	f.saved = append(f.saved, e.Clone())
	return e, nil
}

func newFakeClient(entries ...anilist.ListEntry) *fakeClient {
	return &fakeClient{
		viewer: &anilist.Viewer{ID: 5001, Name: "eliasbenb"},
		list:   anilist.NewList(entries),
	}
}

func TestManager_SnapshotAndList(t *testing.T) {
	dir := t.TempDir()
	client := newFakeClient(
		anilist.ListEntry{ID: 1, MediaID: 21, Status: anilist.StatusCurrent, Progress: 3},
		anilist.ListEntry{ID: 2, MediaID: 47, Status: anilist.StatusCompleted, Progress: 1},
	)
	m := NewManager(dir, "main", client, testLogger(), WithVersion("1.2.3"))

	path, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path) || filepath.Dir(path) == dir)

	doc, err := m.Load(filepath.Base(path))
	require.NoError(t, err)
	assert.Equal(t, "eliasbenb", doc.User)
	assert.Equal(t, "1.2.3", doc.Version)
	require.Len(t, doc.Entries, 2)
	// Entries come out in media ID order.
	assert.Equal(t, 21, doc.Entries[0].MediaID)
	assert.Equal(t, 47, doc.Entries[1].MediaID)

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, filepath.Base(path), backups[0].Name)
}

func TestManager_ListIgnoresOtherProfiles(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now().Format(timestampLayout)
	for _, name := range []string{
		"plexanibridge-other." + ts + ".json",
		"plexanibridge-main.notatimestamp.json",
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	m := NewManager(dir, "main", newFakeClient(), testLogger())
	backups, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestManager_Prune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	clock := now

	m := NewManager(dir, "main", newFakeClient(), testLogger(),
		WithRetention(7*24*time.Hour),
		withClock(func() time.Time { return clock }))

	// One snapshot now, one aged past retention.
	_, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	clock = now.Add(-10 * 24 * time.Hour)
	old, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	clock = now

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	backups, err := m.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestManager_RestoreWritesDeltas(t *testing.T) {
	dir := t.TempDir()

	// Live state: media 1 at progress 12, media 2 matches the backup,
	// media 3 missing entirely.
	client := newFakeClient(
		anilist.ListEntry{ID: 11, MediaID: 1, Status: anilist.StatusCurrent, Progress: 12},
		anilist.ListEntry{ID: 12, MediaID: 2, Status: anilist.StatusCompleted, Progress: 24},
	)
	m := NewManager(dir, "main", client, testLogger())

	writeBackup(t, m, Document{
		CreatedAt: time.Now().UTC(),
		User:      "eliasbenb",
		Entries: []anilist.ListEntry{
			{ID: 11, MediaID: 1, Status: anilist.StatusCurrent, Progress: 8},
			{ID: 12, MediaID: 2, Status: anilist.StatusCompleted, Progress: 24},
			{ID: 13, MediaID: 3, Status: anilist.StatusPaused, Progress: 4},
		},
	}, "plexanibridge-main.20260820000000.json")

	summary, err := m.Restore(context.Background(), "plexanibridge-main.20260820000000.json")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Restored)
	assert.Empty(t, summary.Errors)

	require.Len(t, client.saved, 2)
	assert.Equal(t, 1, client.saved[0].MediaID)
	assert.Equal(t, 8, client.saved[0].Progress)
	assert.Equal(t, 11, client.saved[0].ID)
	// Missing live entry is recreated, not updated.
	assert.Equal(t, 3, client.saved[1].MediaID)
	assert.Equal(t, 0, client.saved[1].ID)
}

func TestManager_RestoreCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	client := newFakeClient()
	client.saveErr = map[int]error{2: errors.New("validation")}
	m := NewManager(dir, "main", client, testLogger())

	writeBackup(t, m, Document{
		Entries: []anilist.ListEntry{
			{MediaID: 1, Status: anilist.StatusCurrent, Progress: 1},
			{MediaID: 2, Status: anilist.StatusCurrent, Progress: 1},
		},
	}, "plexanibridge-main.20260820000000.json")

	summary, err := m.Restore(context.Background(), "plexanibridge-main.20260820000000.json")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Restored)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "media 2")
}

func TestManager_LoadMissing(t *testing.T) {
	m := NewManager(t.TempDir(), "main", newFakeClient(), testLogger())
	_, err := m.Load("plexanibridge-main.20200101000000.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextMidnight(t *testing.T) {
	now := time.Date(2026, 8, 24, 13, 45, 0, 0, time.Local)
	next := nextMidnight(now)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.Local), next)
}

func writeBackup(t *testing.T, m *Manager, doc Document, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(m.dir, 0o755))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, name), data, 0o644))
}
