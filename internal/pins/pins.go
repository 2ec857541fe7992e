// Package pins stores per-profile, per-media field pins. A pinned field is
// owned by the user and never overwritten by the reconciliation engine.
package pins

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when no pin exists for the given key.
var ErrNotFound = errors.New("pin not found")

// EntryFields is the set of AniList entry fields that can be pinned or
// excluded from syncing.
var EntryFields = []string{
	"status", "progress", "repeat", "score", "notes", "started_at", "completed_at",
}

// ValidField reports whether name is a pinnable entry field.
func ValidField(name string) bool {
	for _, f := range EntryFields {
		if f == name {
			return true
		}
	}
	return false
}

// Pin is the stored record: the fields of one AniList entry a profile has
// frozen.
type Pin struct {
	Profile   string
	AnilistID int
	Fields    []string
}

// Store reads and writes the pins table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Set replaces the pinned field set for (profile, anilist_id). An empty field
// set removes the pin.
func (s *Store) Set(ctx context.Context, profile string, anilistID int, fields []string) error {
	for _, f := range fields {
		if !ValidField(f) {
			return fmt.Errorf("unknown pin field %q", f)
		}
	}
	if len(fields) == 0 {
		err := s.Remove(ctx, profile, anilistID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	encoded, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pins (profile, anilist_id, fields)
		VALUES (?, ?, ?)
		ON CONFLICT(profile, anilist_id) DO UPDATE SET fields = excluded.fields, updated_at = CURRENT_TIMESTAMP`,
		profile, anilistID, string(encoded))
	if err != nil {
		return fmt.Errorf("set pin %s/%d: %w", profile, anilistID, err)
	}
	return nil
}

// Get returns the pinned fields for (profile, anilist_id), empty when none.
func (s *Store) Get(ctx context.Context, profile string, anilistID int) ([]string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM pins WHERE profile = ? AND anilist_id = ?`,
		profile, anilistID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeFields(encoded)
}

// Remove deletes the pin for (profile, anilist_id).
func (s *Store) Remove(ctx context.Context, profile string, anilistID int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pins WHERE profile = ? AND anilist_id = ?`, profile, anilistID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all pins for a profile in AniList ID order.
func (s *Store) List(ctx context.Context, profile string) ([]Pin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT anilist_id, fields FROM pins WHERE profile = ? ORDER BY anilist_id`, profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Pin
	for rows.Next() {
		p := Pin{Profile: profile}
		var encoded string
		if err := rows.Scan(&p.AnilistID, &encoded); err != nil {
			return nil, err
		}
		if p.Fields, err = decodeFields(encoded); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Map returns the profile's pins keyed by AniList ID, for fast lookup during
// a sync run.
func (s *Store) Map(ctx context.Context, profile string) (map[int][]string, error) {
	list, err := s.List(ctx, profile)
	if err != nil {
		return nil, err
	}
	m := make(map[int][]string, len(list))
	for _, p := range list {
		m[p.AnilistID] = p.Fields
	}
	return m, nil
}

func decodeFields(encoded string) ([]string, error) {
	var fields []string
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, fmt.Errorf("decode pin fields: %w", err)
	}
	return fields, nil
}
