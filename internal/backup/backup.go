// Package backup snapshots the viewer's full AniList anime list to JSON
// files and restores them by writing per-entry deltas back through the
// client. Snapshots run at service start and daily at local midnight; files
// older than the retention window are pruned.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
)

// timestampLayout is embedded in backup file names.
const timestampLayout = "20060102150405"

// DefaultRetention is how long backup files are kept.
const DefaultRetention = 7 * 24 * time.Hour

// ErrNotFound is returned when a named backup file does not exist.
var ErrNotFound = errors.New("backup not found")

// Client is the slice of the AniList client the manager needs.
type Client interface {
	Viewer(ctx context.Context) (*anilist.Viewer, error)
	UserList(ctx context.Context, userID int) (*anilist.List, error)
	SaveEntry(ctx context.Context, entry *anilist.ListEntry) (*anilist.ListEntry, error)
}

// Document is the on-disk backup format.
type Document struct {
	CreatedAt time.Time           `json:"created_at"`
	User      string              `json:"user"`
	UserID    int                 `json:"user_id"`
	Version   string              `json:"version"`
	Entries   []anilist.ListEntry `json:"entries"`
}

// Info describes one backup file on disk.
type Info struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Size      int64
}

// RestoreSummary reports a restore run.
type RestoreSummary struct {
	Processed int
	Restored  int
	Errors    []string
}

// Manager owns the backup directory for one profile.
type Manager struct {
	dir       string
	profile   string
	client    Client
	logger    *slog.Logger
	version   string
	retention time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention overrides the file retention window.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithVersion stamps snapshots with the service version.
func WithVersion(v string) Option {
	return func(m *Manager) { m.version = v }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a backup manager writing under dir.
func NewManager(dir, profile string, client Client, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dir:       dir,
		profile:   profile,
		client:    client,
		logger:    logger.With("component", "backup", "profile", profile),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot fetches the viewer's full list and writes it to a new backup
// file, returning its path.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	viewer, err := m.client.Viewer(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching viewer: %w", err)
	}
	list, err := m.client.UserList(ctx, viewer.ID)
	if err != nil {
		return "", fmt.Errorf("fetching list: %w", err)
	}

	now := m.now()
	doc := Document{
		CreatedAt: now.UTC(),
		User:      viewer.Name,
		UserID:    viewer.ID,
		Version:   m.version,
		Entries:   list.Entries(),
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("plexanibridge-%s.%s.json", m.profile, now.Local().Format(timestampLayout))
	path := filepath.Join(m.dir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	m.logger.Info("backup written", "path", path, "entries", len(doc.Entries))
	return path, nil
}

// List returns the profile's backup files, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := "plexanibridge-" + m.profile + "."
	var result []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ts, err := parseTimestamp(name, prefix)
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, Info{
			Name:      name,
			Path:      filepath.Join(m.dir, name),
			CreatedAt: ts,
			Size:      fi.Size(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Prune deletes backup files older than the retention window and returns
// how many were removed.
func (m *Manager) Prune() (int, error) {
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.retention)
	var removed int
	for _, b := range backups {
		if b.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			m.logger.Warn("pruning backup", "path", b.Path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("pruned old backups", "removed", removed)
	}
	return removed, nil
}

// Load reads a backup document by file name or path.
func (m *Manager) Load(name string) (*Document, error) {
	path := name
	if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
		path = filepath.Join(m.dir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing backup %s: %w", name, err)
	}
	return &doc, nil
}

// Restore applies a backup by writing every entry that differs from the
// live list. Restore replaces current state with the snapshot; per-entry
// failures are collected, not fatal.
func (m *Manager) Restore(ctx context.Context, name string) (RestoreSummary, error) {
	var summary RestoreSummary

	doc, err := m.Load(name)
	if err != nil {
		return summary, err
	}
	viewer, err := m.client.Viewer(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetching viewer: %w", err)
	}
	live, err := m.client.UserList(ctx, viewer.ID)
	if err != nil {
		return summary, fmt.Errorf("fetching live list: %w", err)
	}

	for i := range doc.Entries {
		entry := doc.Entries[i]
		summary.Processed++

		current := live.Get(entry.MediaID)
		if current != nil {
			if entriesEqual(&entry, current) {
				continue
			}
			entry.ID = current.ID
		} else {
			entry.ID = 0
		}

		if _, err := m.client.SaveEntry(ctx, &entry); err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("media %d: %v", entry.MediaID, err))
			continue
		}
		summary.Restored++
	}
	m.logger.Info("restore finished", "backup", name,
		"processed", summary.Processed, "restored", summary.Restored, "errors", len(summary.Errors))
	return summary, nil
}

// Run takes a startup snapshot, then snapshots daily at local midnight and
// prunes after each run. Blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Snapshot(ctx); err != nil {
		m.logger.Error("startup backup failed", "error", err)
	}
	if _, err := m.Prune(); err != nil {
		m.logger.Warn("pruning backups", "error", err)
	}

	for {
		next := nextMidnight(m.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := m.Snapshot(ctx); err != nil {
			m.logger.Error("scheduled backup failed", "error", err)
		}
		if _, err := m.Prune(); err != nil {
			m.logger.Warn("pruning backups", "error", err)
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	local := now.Local()
	y, mo, d := local.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, local.Location())
}

func parseTimestamp(name, prefix string) (time.Time, error) {
	ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	return time.ParseInLocation(timestampLayout, ts, time.Local)
}

// entriesEqual compares the fields a backup captures.
func entriesEqual(a, b *anilist.ListEntry) bool {
	return a.Status == b.Status &&
		a.Progress == b.Progress &&
		a.Repeat == b.Repeat &&
		floatPtrEqual(a.Score, b.Score) &&
		stringPtrEqual(a.Notes, b.Notes) &&
		datePtrEqual(a.StartedAt, b.StartedAt) &&
		datePtrEqual(a.CompletedAt, b.CompletedAt)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func datePtrEqual(a, b *anilist.FuzzyDate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
