// Package mappings maintains the materialized Plex-to-AniList mapping store:
// authoritative records merged with custom overrides, episode range
// expressions, a full-text title index and the search query engine.
package mappings

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Mapping links an AniList ID to external identifiers and, for shows, the
// per-season episode ranges that belong to it.
type Mapping struct {
	AnilistID int `json:"anilist_id"`

	AnidbID     *int       `json:"anidb_id,omitempty"`
	TvdbID      *int       `json:"tvdb_id,omitempty"`
	ImdbID      StringList `json:"imdb_id,omitempty"`
	MalID       IntList    `json:"mal_id,omitempty"`
	TmdbMovieID IntList    `json:"tmdb_movie_id,omitempty"`
	TmdbShowID  IntList    `json:"tmdb_show_id,omitempty"`

	// Season key ("s1", "s2", ...) to episode range expression.
	TvdbMappings map[string]string `json:"tvdb_mappings,omitempty"`
	TmdbMappings map[string]string `json:"tmdb_mappings,omitempty"`

	// Sources lists the mapping files this record was merged from, in
	// resolved include order.
	Sources []string `json:"sources,omitempty"`
	// SourceRank is the position of Sources[0] in the resolved include
	// order across all documents; lower means an earlier source. It breaks
	// ties between records claiming identical episode ranges.
	SourceRank int `json:"source_rank,omitempty"`
	// Custom is true iff any user override contributed to the record.
	Custom bool `json:"custom,omitempty"`

	TitleRomaji  string `json:"title_romaji,omitempty"`
	TitleEnglish string `json:"title_english,omitempty"`
	TitleNative  string `json:"title_native,omitempty"`
}

// IsMovie reports whether the record maps movie identifiers.
func (m *Mapping) IsMovie() bool {
	return len(m.TmdbMovieID) > 0
}

// IsShow reports whether the record maps show identifiers.
func (m *Mapping) IsShow() bool {
	return m.TvdbID != nil || len(m.TmdbShowID) > 0
}

// SeasonRange returns the parsed episode range for the given season key in
// the TVDB table, falling back to the TMDb table.
func (m *Mapping) SeasonRange(season int) (EpisodeRange, bool, error) {
	key := "s" + strconv.Itoa(season)
	if expr, ok := m.TvdbMappings[key]; ok {
		r, err := ParseRange(expr)
		return r, true, err
	}
	if expr, ok := m.TmdbMappings[key]; ok {
		r, err := ParseRange(expr)
		return r, true, err
	}
	return EpisodeRange{}, false, nil
}

// IntList decodes from either a single JSON number or an array of numbers.
type IntList []int

func (l *IntList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*l = IntList{single}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected number or array of numbers: %w", err)
	}
	*l = IntList(many)
	return nil
}

// Contains reports whether the list contains v.
func (l IntList) Contains(v int) bool {
	for _, n := range l {
		if n == v {
			return true
		}
	}
	return false
}

// StringList decodes from either a single JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = StringList(many)
	return nil
}

// Contains reports whether the list contains v.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}
