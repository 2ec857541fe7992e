package mappings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no mapping exists for a lookup.
var ErrNotFound = errors.New("mapping not found")

// querier abstracts *sql.DB and *sql.Tx for shared query logic.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store provides access to the materialized mapping records.
type Store struct {
	db *sql.DB
}

// NewStore creates a new mappings store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const mappingColumns = `anilist_id, anidb_id, tvdb_id, imdb_id, mal_id, tmdb_movie_id,
	tmdb_show_id, tvdb_mappings, tmdb_mappings, sources, source_rank, custom,
	title_romaji, title_english, title_native`

func scanMapping(scanner interface{ Scan(...any) error }) (Mapping, error) {
	var m Mapping
	var imdb, mal, tmdbMovie, tmdbShow, tvdbMap, tmdbMap sql.NullString
	var sources string
	var custom int
	var romaji, english, native sql.NullString

	err := scanner.Scan(&m.AnilistID, &m.AnidbID, &m.TvdbID, &imdb, &mal, &tmdbMovie,
		&tmdbShow, &tvdbMap, &tmdbMap, &sources, &m.SourceRank, &custom,
		&romaji, &english, &native)
	if err != nil {
		return Mapping{}, err
	}

	for _, col := range []struct {
		src sql.NullString
		dst any
	}{
		{imdb, &m.ImdbID},
		{mal, &m.MalID},
		{tmdbMovie, &m.TmdbMovieID},
		{tmdbShow, &m.TmdbShowID},
		{tvdbMap, &m.TvdbMappings},
		{tmdbMap, &m.TmdbMappings},
	} {
		if col.src.Valid && col.src.String != "" {
			if err := json.Unmarshal([]byte(col.src.String), col.dst); err != nil {
				return Mapping{}, fmt.Errorf("mapping %d: bad json column: %w", m.AnilistID, err)
			}
		}
	}
	if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
		return Mapping{}, fmt.Errorf("mapping %d: bad sources column: %w", m.AnilistID, err)
	}
	m.Custom = custom != 0
	m.TitleRomaji = romaji.String
	m.TitleEnglish = english.String
	m.TitleNative = native.String
	return m, nil
}

func jsonColumn(v any) (any, error) {
	switch val := v.(type) {
	case IntList:
		if len(val) == 0 {
			return nil, nil
		}
	case StringList:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// ReplaceAll atomically swaps the mapping snapshot. Titles already resolved
// for surviving records are preserved across the refresh.
func (s *Store) ReplaceAll(ctx context.Context, records []Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	titles := make(map[int][3]string)
	rows, err := tx.QueryContext(ctx, `SELECT anilist_id, COALESCE(title_romaji, ''), COALESCE(title_english, ''), COALESCE(title_native, '') FROM mappings
		WHERE title_romaji IS NOT NULL OR title_english IS NOT NULL OR title_native IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("read existing titles: %w", err)
	}
	for rows.Next() {
		var id int
		var t [3]string
		if err := rows.Scan(&id, &t[0], &t[1], &t[2]); err != nil {
			rows.Close()
			return err
		}
		titles[id] = t
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings`); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings_fts`); err != nil {
		return fmt.Errorf("clear fts: %w", err)
	}

	for i := range records {
		m := &records[i]
		if t, ok := titles[m.AnilistID]; ok && m.TitleRomaji == "" && m.TitleEnglish == "" && m.TitleNative == "" {
			m.TitleRomaji, m.TitleEnglish, m.TitleNative = t[0], t[1], t[2]
		}
		if err := insertMapping(ctx, tx, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertMapping(ctx context.Context, q querier, m *Mapping) error {
	imdb, err := jsonColumn(m.ImdbID)
	if err != nil {
		return err
	}
	mal, err := jsonColumn(m.MalID)
	if err != nil {
		return err
	}
	tmdbMovie, err := jsonColumn(m.TmdbMovieID)
	if err != nil {
		return err
	}
	tmdbShow, err := jsonColumn(m.TmdbShowID)
	if err != nil {
		return err
	}
	tvdbMap, err := jsonColumn(m.TvdbMappings)
	if err != nil {
		return err
	}
	tmdbMap, err := jsonColumn(m.TmdbMappings)
	if err != nil {
		return err
	}
	sources, err := json.Marshal(m.Sources)
	if err != nil {
		return err
	}
	custom := 0
	if m.Custom {
		custom = 1
	}

	_, err = q.ExecContext(ctx, `INSERT INTO mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))`,
		m.AnilistID, m.AnidbID, m.TvdbID, imdb, mal, tmdbMovie,
		tmdbShow, tvdbMap, tmdbMap, string(sources), m.SourceRank, custom,
		m.TitleRomaji, m.TitleEnglish, m.TitleNative)
	if err != nil {
		return fmt.Errorf("insert mapping %d: %w", m.AnilistID, err)
	}

	if m.TitleRomaji != "" || m.TitleEnglish != "" || m.TitleNative != "" {
		if _, err := q.ExecContext(ctx, `INSERT INTO mappings_fts (anilist_id, title_romaji, title_english, title_native)
			VALUES (?, ?, ?, ?)`,
			m.AnilistID, m.TitleRomaji, m.TitleEnglish, m.TitleNative); err != nil {
			return fmt.Errorf("index mapping %d: %w", m.AnilistID, err)
		}
	}
	return nil
}

// Get returns the mapping for an AniList ID.
func (s *Store) Get(ctx context.Context, anilistID int) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE anilist_id = ?`, anilistID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Count returns the number of materialized records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings`).Scan(&n)
	return n, err
}

func (s *Store) queryMappings(ctx context.Context, where string, args ...any) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE `+where+` ORDER BY anilist_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// FindByTvdbID returns mappings carrying the TVDB series ID.
func (s *Store) FindByTvdbID(ctx context.Context, id int) ([]Mapping, error) {
	return s.queryMappings(ctx, `tvdb_id = ?`, id)
}

// FindByAnidbID returns mappings carrying the AniDB ID.
func (s *Store) FindByAnidbID(ctx context.Context, id int) ([]Mapping, error) {
	return s.queryMappings(ctx, `anidb_id = ?`, id)
}

// FindByImdbID returns mappings whose imdb_id list contains the ID.
func (s *Store) FindByImdbID(ctx context.Context, id string) ([]Mapping, error) {
	return s.queryMappings(ctx,
		`imdb_id IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings.imdb_id) WHERE json_each.value = ?)`, id)
}

// FindByMalID returns mappings whose mal_id list contains the ID.
func (s *Store) FindByMalID(ctx context.Context, id int) ([]Mapping, error) {
	return s.queryMappings(ctx,
		`mal_id IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings.mal_id) WHERE json_each.value = ?)`, id)
}

// FindByTmdbMovieID returns mappings whose tmdb_movie_id list contains the ID.
func (s *Store) FindByTmdbMovieID(ctx context.Context, id int) ([]Mapping, error) {
	return s.queryMappings(ctx,
		`tmdb_movie_id IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings.tmdb_movie_id) WHERE json_each.value = ?)`, id)
}

// FindByTmdbShowID returns mappings whose tmdb_show_id list contains the ID.
func (s *Store) FindByTmdbShowID(ctx context.Context, id int) ([]Mapping, error) {
	return s.queryMappings(ctx,
		`tmdb_show_id IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings.tmdb_show_id) WHERE json_each.value = ?)`, id)
}

// SetTitles records AniList titles for a mapping and refreshes its FTS row.
func (s *Store) SetTitles(ctx context.Context, anilistID int, romaji, english, native string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE mappings
		SET title_romaji = NULLIF(?, ''), title_english = NULLIF(?, ''), title_native = NULLIF(?, '')
		WHERE anilist_id = ?`, romaji, english, native, anilistID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings_fts WHERE anilist_id = ?`, anilistID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO mappings_fts (anilist_id, title_romaji, title_english, title_native)
		VALUES (?, ?, ?, ?)`, anilistID, romaji, english, native); err != nil {
		return err
	}
	return tx.Commit()
}

// MissingTitles returns up to limit AniList IDs with no recorded titles, for
// the database-sync job to backfill.
func (s *Store) MissingTitles(ctx context.Context, limit int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT anilist_id FROM mappings
		WHERE title_romaji IS NULL AND title_english IS NULL AND title_native IS NULL
		ORDER BY anilist_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertOverride stores an API-managed override fragment.
func (s *Store) UpsertOverride(ctx context.Context, anilistID int, payload json.RawMessage, learned bool) error {
	if _, err := decodeEntry(payload); err != nil {
		return fmt.Errorf("override %d: %w", anilistID, err)
	}
	learnedInt := 0
	if learned {
		learnedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mapping_overrides (anilist_id, payload, learned)
		VALUES (?, ?, ?)
		ON CONFLICT(anilist_id) DO UPDATE SET payload = excluded.payload, learned = excluded.learned, updated_at = CURRENT_TIMESTAMP`,
		anilistID, string(payload), learnedInt)
	if err != nil {
		return fmt.Errorf("upsert override %d: %w", anilistID, err)
	}
	return nil
}

// DeleteOverride removes an API-managed override.
func (s *Store) DeleteOverride(ctx context.Context, anilistID int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mapping_overrides WHERE anilist_id = ?`, anilistID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverrides returns all stored overrides in ID order.
func (s *Store) ListOverrides(ctx context.Context) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT anilist_id, payload, learned FROM mapping_overrides ORDER BY anilist_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Override
	for rows.Next() {
		var ov Override
		var payload string
		var learned int
		if err := rows.Scan(&ov.AnilistID, &payload, &learned); err != nil {
			return nil, err
		}
		ov.Payload = json.RawMessage(payload)
		ov.Learned = learned != 0
		result = append(result, ov)
	}
	return result, rows.Err()
}

// CustomMappings returns the records with user overrides applied.
func (s *Store) CustomMappings(ctx context.Context) ([]Mapping, error) {
	return s.queryMappings(ctx, `custom = 1`)
}
