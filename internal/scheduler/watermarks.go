package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark kinds persisted per profile.
const (
	WatermarkScan = "scan"
	WatermarkPoll = "poll"
)

// Watermarks persists the last successful sync time per (profile, kind), so
// restarts resume partial scans instead of rescanning everything.
type Watermarks struct {
	db *sql.DB
}

func NewWatermarks(db *sql.DB) *Watermarks {
	return &Watermarks{db: db}
}

// Get returns the stored watermark, reporting false when none exists.
func (w *Watermarks) Get(ctx context.Context, profile, kind string) (time.Time, bool, error) {
	var value time.Time
	err := w.db.QueryRowContext(ctx,
		`SELECT value FROM watermarks WHERE profile = ? AND kind = ?`,
		profile, kind).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return value, true, nil
}

// Set stores the watermark, replacing any previous value.
func (w *Watermarks) Set(ctx context.Context, profile, kind string, value time.Time) error {
	_, err := w.db.ExecContext(ctx, `INSERT INTO watermarks (profile, kind, value)
		VALUES (?, ?, ?)
		ON CONFLICT(profile, kind) DO UPDATE SET value = excluded.value`,
		profile, kind, value.UTC())
	if err != nil {
		return fmt.Errorf("set watermark %s/%s: %w", profile, kind, err)
	}
	return nil
}

// Clear removes the profile's watermarks, forcing the next scan to be full.
func (w *Watermarks) Clear(ctx context.Context, profile string) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM watermarks WHERE profile = ?`, profile)
	return err
}
