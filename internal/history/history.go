// Package history persists the append-only sync outcome log. Every resolved
// target produces exactly one event per sync; undo inserts counter-events
// referencing the original instead of rewriting it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
)

// ErrNotFound is returned when no event matches the given ID.
var ErrNotFound = errors.New("history event not found")

// Outcome classifies what happened to a resolved target.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeFailed   Outcome = "failed"
	OutcomeNotFound Outcome = "not_found"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeSkipped  Outcome = "skipped"
	OutcomePending  Outcome = "pending"
)

// Event is one row of the sync log. Before and After snapshot the AniList
// entry around the write; both nil-able.
type Event struct {
	ID                 int64
	Profile            string
	Timestamp          time.Time
	PlexRatingKey      string
	PlexChildRatingKey string
	PlexGuid           string
	PlexType           string
	AnilistID          int
	Outcome            Outcome
	Before             *anilist.ListEntry
	After              *anilist.ListEntry
	ErrorMessage       string
	Undone             bool
	// Undoes references the event this one reverses, for counter-events.
	Undoes int64
}

// Filter narrows List and Count. Zero values match everything.
type Filter struct {
	Profile   string
	AnilistID int
	Outcome   Outcome
	Limit     int
	Offset    int
}

// Store reads and writes the history table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const eventColumns = `id, profile, timestamp, plex_rating_key, plex_child_rating_key,
	plex_guid, plex_type, anilist_id, outcome, before_state, after_state,
	error_message, undone, undoes`

// Record appends an event, assigning its ID and timestamp.
func (s *Store) Record(ctx context.Context, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	before, err := encodeState(e.Before)
	if err != nil {
		return fmt.Errorf("encode before state: %w", err)
	}
	after, err := encodeState(e.After)
	if err != nil {
		return fmt.Errorf("encode after state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO history
		(profile, timestamp, plex_rating_key, plex_child_rating_key, plex_guid,
		 plex_type, anilist_id, outcome, before_state, after_state,
		 error_message, undone, undoes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Profile, e.Timestamp, nullString(e.PlexRatingKey), nullString(e.PlexChildRatingKey),
		nullString(e.PlexGuid), nullString(e.PlexType), nullInt(e.AnilistID),
		string(e.Outcome), before, after, nullString(e.ErrorMessage),
		boolInt(e.Undone), nullInt64(e.Undoes))
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// Get returns the event with the given ID.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM history WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns events matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	where, args := f.clauses()
	q := `SELECT ` + eventColumns + ` FROM history` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Count returns the number of events matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.clauses()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`+where, args...).Scan(&n)
	return n, err
}

// Delete removes a single event.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProfile removes all events for a profile and returns the count.
func (s *Store) DeleteProfile(ctx context.Context, profile string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE profile = ?`, profile)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SyncedIDs returns the set of AniList IDs this profile has ever written,
// used to scope destructive deletes to entries the service created.
func (s *Store) SyncedIDs(ctx context.Context, profile string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT anilist_id FROM history
		WHERE profile = ? AND anilist_id IS NOT NULL AND outcome = ?`,
		profile, string(OutcomeSynced))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// LatestUndoable returns the newest event for the profile that still has a
// defined undo action.
func (s *Store) LatestUndoable(ctx context.Context, profile string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM history
		WHERE profile = ? AND undone = 0 AND outcome IN (?, ?)
		ORDER BY id DESC LIMIT 20`, profile, string(OutcomeSynced), string(OutcomeDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if e.Reversible() {
			return e, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// RecordUndo appends the counter-event and flags the original as undone, in
// one transaction. Fails with ErrAlreadyUndone if the original was undone
// concurrently.
func (s *Store) RecordUndo(ctx context.Context, original *Event, counter *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE history SET undone = 1 WHERE id = ? AND undone = 0`, original.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyUndone
	}

	if counter.Timestamp.IsZero() {
		counter.Timestamp = time.Now().UTC()
	}
	counter.Undone = true
	counter.Undoes = original.ID
	before, err := encodeState(counter.Before)
	if err != nil {
		return err
	}
	after, err := encodeState(counter.After)
	if err != nil {
		return err
	}
	ins, err := tx.ExecContext(ctx, `INSERT INTO history
		(profile, timestamp, plex_guid, plex_type, anilist_id, outcome,
		 before_state, after_state, error_message, undone, undoes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		counter.Profile, counter.Timestamp, nullString(counter.PlexGuid),
		nullString(counter.PlexType), nullInt(counter.AnilistID),
		string(counter.Outcome), before, after, nullString(counter.ErrorMessage),
		original.ID)
	if err != nil {
		return err
	}
	counter.ID, _ = ins.LastInsertId()
	original.Undone = true
	return tx.Commit()
}

func (f Filter) clauses() (string, []any) {
	var conds []string
	var args []any
	if f.Profile != "" {
		conds = append(conds, "profile = ?")
		args = append(args, f.Profile)
	}
	if f.AnilistID != 0 {
		conds = append(conds, "anilist_id = ?")
		args = append(args, f.AnilistID)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var ratingKey, childKey, guid, plexType, before, after, errMsg sql.NullString
	var anilistID, undoes sql.NullInt64
	var undone int
	err := row.Scan(&e.ID, &e.Profile, &e.Timestamp, &ratingKey, &childKey,
		&guid, &plexType, &anilistID, (*string)(&e.Outcome), &before, &after,
		&errMsg, &undone, &undoes)
	if err != nil {
		return nil, err
	}
	e.PlexRatingKey = ratingKey.String
	e.PlexChildRatingKey = childKey.String
	e.PlexGuid = guid.String
	e.PlexType = plexType.String
	e.AnilistID = int(anilistID.Int64)
	e.ErrorMessage = errMsg.String
	e.Undone = undone != 0
	e.Undoes = undoes.Int64
	if e.Before, err = decodeState(before); err != nil {
		return nil, err
	}
	if e.After, err = decodeState(after); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeState(entry *anilist.ListEntry) (any, error) {
	if entry == nil {
		return nil, nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeState(s sql.NullString) (*anilist.ListEntry, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var entry anilist.ListEntry
	if err := json.Unmarshal([]byte(s.String), &entry); err != nil {
		return nil, fmt.Errorf("decode entry state: %w", err)
	}
	return &entry, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
