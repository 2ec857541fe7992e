// Package anilist is a GraphQL client for the AniList API covering the
// viewer's anime list, media lookups and list mutations, with token-bucket
// rate limiting driven by the service's X-RateLimit headers.
package anilist

import (
	"fmt"
	"sort"
	"time"
)

// MediaListStatus is the watch status of a list entry.
type MediaListStatus string

const (
	StatusCurrent   MediaListStatus = "CURRENT"
	StatusPlanning  MediaListStatus = "PLANNING"
	StatusCompleted MediaListStatus = "COMPLETED"
	StatusDropped   MediaListStatus = "DROPPED"
	StatusPaused    MediaListStatus = "PAUSED"
	StatusRepeating MediaListStatus = "REPEATING"
)

// statusRank orders statuses for progressive comparison: a status never
// regresses to a lower rank in non-destructive mode.
var statusRank = map[MediaListStatus]int{
	StatusPlanning:  1,
	StatusPaused:    2,
	StatusDropped:   3,
	StatusCurrent:   4,
	StatusCompleted: 5,
	StatusRepeating: 6,
}

// Rank returns the status's position in the progression order, 0 for unknown.
func (s MediaListStatus) Rank() int { return statusRank[s] }

// ScoreFormat is the viewer's configured scoring system.
type ScoreFormat string

const (
	ScorePoint100       ScoreFormat = "POINT_100"
	ScorePoint10Decimal ScoreFormat = "POINT_10_DECIMAL"
	ScorePoint10        ScoreFormat = "POINT_10"
	ScorePoint5         ScoreFormat = "POINT_5"
	ScorePoint3         ScoreFormat = "POINT_3"
)

// FuzzyDate is AniList's partial date. Zero fields are unset.
type FuzzyDate struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

// FuzzyDateFrom truncates a time to a FuzzyDate in UTC.
func FuzzyDateFrom(t time.Time) FuzzyDate {
	t = t.UTC()
	return FuzzyDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// IsZero reports whether no component is set.
func (d FuzzyDate) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// Before reports whether d is strictly earlier than other. Unset components
// compare as earliest.
func (d FuzzyDate) Before(other FuzzyDate) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d FuzzyDate) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// MediaTitle holds the alternative titles of a media.
type MediaTitle struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

// All returns the non-empty titles.
func (t MediaTitle) All() []string {
	var titles []string
	for _, s := range []string{t.Romaji, t.English, t.Native} {
		if s != "" {
			titles = append(titles, s)
		}
	}
	return titles
}

// Media is an AniList anime.
type Media struct {
	ID         int        `json:"id"`
	IDMal      int        `json:"idMal"`
	Title      MediaTitle `json:"title"`
	Format     string     `json:"format"`
	Episodes   int        `json:"episodes"`
	SeasonYear int        `json:"seasonYear"`
}

// ListEntry is one entry on the viewer's anime list. Nullable fields use
// pointers so an absent value is distinct from zero.
type ListEntry struct {
	// ID is the list entry's own identifier, required for deletion.
	ID      int             `json:"id"`
	MediaID int             `json:"mediaId"`
	Status  MediaListStatus `json:"status"`

	Progress int `json:"progress"`
	Repeat   int `json:"repeat"`

	Score *float64 `json:"score"`
	Notes *string  `json:"notes"`

	StartedAt   *FuzzyDate `json:"startedAt"`
	CompletedAt *FuzzyDate `json:"completedAt"`

	Media *Media `json:"media,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *ListEntry) Clone() *ListEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Score != nil {
		s := *e.Score
		out.Score = &s
	}
	if e.Notes != nil {
		n := *e.Notes
		out.Notes = &n
	}
	if e.StartedAt != nil {
		d := *e.StartedAt
		out.StartedAt = &d
	}
	if e.CompletedAt != nil {
		d := *e.CompletedAt
		out.CompletedAt = &d
	}
	if e.Media != nil {
		m := *e.Media
		out.Media = &m
	}
	return &out
}

// Viewer is the authenticated AniList user.
type Viewer struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	ScoreFormat ScoreFormat `json:"-"`
}

// List is the viewer's anime list held in memory for the duration of a
// sync. Writes update it in place so the list is fetched once.
type List struct {
	entries map[int]*ListEntry
}

// NewList builds a List keyed by media ID.
func NewList(entries []ListEntry) *List {
	l := &List{entries: make(map[int]*ListEntry, len(entries))}
	for i := range entries {
		e := entries[i]
		l.entries[e.MediaID] = &e
	}
	return l
}

// Get returns the entry for a media ID, or nil.
func (l *List) Get(mediaID int) *ListEntry {
	return l.entries[mediaID]
}

// Upsert records an entry after a successful save.
func (l *List) Upsert(e *ListEntry) {
	l.entries[e.MediaID] = e.Clone()
}

// Remove drops an entry after a successful delete.
func (l *List) Remove(mediaID int) {
	delete(l.entries, mediaID)
}

// Len returns the number of entries.
func (l *List) Len() int { return len(l.entries) }

// Entries returns copies of all entries in media ID order.
func (l *List) Entries() []ListEntry {
	ids := make([]int, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]ListEntry, 0, len(ids))
	for _, id := range ids {
		result = append(result, *l.entries[id].Clone())
	}
	return result
}
