// Package plex is a read-only client for the Plex Media Server HTTP API and
// the plex.tv online metadata service. It exposes library sections, item
// iteration with stable ordering, metadata fetches and watch state.
package plex

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"
)

// ItemType classifies a library item.
type ItemType string

const (
	TypeMovie   ItemType = "movie"
	TypeShow    ItemType = "show"
	TypeSeason  ItemType = "season"
	TypeEpisode ItemType = "episode"
)

// Section is one Plex library section.
type Section struct {
	Key   string
	Type  ItemType
	Title string
	Agent string
}

// Guid is one external identifier attached to an item, e.g. source "tvdb"
// with ID "81797".
type Guid struct {
	Source string
	ID     string
}

// Item is a library item with its watch state for the active user.
type Item struct {
	SectionKey           string
	RatingKey            string
	ParentRatingKey      string
	GrandparentRatingKey string

	Guid  string
	Guids []Guid

	Type  ItemType
	Title string
	Year  int

	// Index is the episode (or season) number; SeasonIndex is the parent
	// season number for episodes.
	Index       int
	SeasonIndex int

	AddedAt      time.Time
	UpdatedAt    time.Time
	LastViewedAt time.Time

	ViewCount    int
	ViewOffsetMs int64
	DurationMs   int64

	UserRating    float64
	HasUserRating bool

	// Leaf counts are populated on shows and seasons.
	LeafCount       int
	ViewedLeafCount int
}

// Viewed reports whether the item has been watched at least once.
func (it *Item) Viewed() bool {
	return it.ViewCount > 0
}

// ExternalID returns the item's identifier for the given source, if any.
func (it *Item) ExternalID(source string) (string, bool) {
	for _, g := range it.Guids {
		if g.Source == source {
			return g.ID, true
		}
	}
	return "", false
}

// --- XML wire types ---

type container struct {
	XMLName     xml.Name       `xml:"MediaContainer"`
	Size        int            `xml:"size,attr"`
	TotalSize   int            `xml:"totalSize,attr"`
	Directories []itemXML      `xml:"Directory"`
	Videos      []itemXML      `xml:"Video"`
}

type sectionContainer struct {
	XMLName     xml.Name     `xml:"MediaContainer"`
	Directories []sectionXML `xml:"Directory"`
}

type sectionXML struct {
	Key   string `xml:"key,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Agent string `xml:"agent,attr"`
}

type itemXML struct {
	RatingKey            string    `xml:"ratingKey,attr"`
	ParentRatingKey      string    `xml:"parentRatingKey,attr"`
	GrandparentRatingKey string    `xml:"grandparentRatingKey,attr"`
	Guid                 string    `xml:"guid,attr"`
	Type                 string    `xml:"type,attr"`
	Title                string    `xml:"title,attr"`
	Index                string    `xml:"index,attr"`
	ParentIndex          string    `xml:"parentIndex,attr"`
	Year                 string    `xml:"year,attr"`
	AddedAt              string    `xml:"addedAt,attr"`
	UpdatedAt            string    `xml:"updatedAt,attr"`
	LastViewedAt         string    `xml:"lastViewedAt,attr"`
	ViewCount            string    `xml:"viewCount,attr"`
	ViewOffset           string    `xml:"viewOffset,attr"`
	Duration             string    `xml:"duration,attr"`
	UserRating           string    `xml:"userRating,attr"`
	LeafCount            string    `xml:"leafCount,attr"`
	ViewedLeafCount      string    `xml:"viewedLeafCount,attr"`
	Guids                []guidXML `xml:"Guid"`
}

type guidXML struct {
	ID string `xml:"id,attr"`
}

func (x *itemXML) toItem(sectionKey string) Item {
	it := Item{
		SectionKey:           sectionKey,
		RatingKey:            x.RatingKey,
		ParentRatingKey:      x.ParentRatingKey,
		GrandparentRatingKey: x.GrandparentRatingKey,
		Guid:                 x.Guid,
		Type:                 ItemType(x.Type),
		Title:                x.Title,
		Year:                 atoi(x.Year),
		Index:                atoi(x.Index),
		SeasonIndex:          atoi(x.ParentIndex),
		AddedAt:              unixTime(x.AddedAt),
		UpdatedAt:            unixTime(x.UpdatedAt),
		LastViewedAt:         unixTime(x.LastViewedAt),
		ViewCount:            atoi(x.ViewCount),
		ViewOffsetMs:         atoi64(x.ViewOffset),
		DurationMs:           atoi64(x.Duration),
		LeafCount:            atoi(x.LeafCount),
		ViewedLeafCount:      atoi(x.ViewedLeafCount),
	}
	if x.UserRating != "" {
		it.UserRating, _ = strconv.ParseFloat(x.UserRating, 64)
		it.HasUserRating = true
	}
	for _, g := range x.Guids {
		if guid, ok := parseGuid(g.ID); ok {
			it.Guids = append(it.Guids, guid)
		}
	}
	if len(it.Guids) == 0 {
		if guid, ok := parseLegacyGuid(x.Guid); ok {
			it.Guids = append(it.Guids, guid)
		}
	}
	return it
}

// parseGuid handles the modern "source://id" form from Guid child elements,
// e.g. "tvdb://81797" or "imdb://tt0094625".
func parseGuid(s string) (Guid, bool) {
	source, id, ok := strings.Cut(s, "://")
	if !ok || source == "" || id == "" || source == "plex" || source == "local" {
		return Guid{}, false
	}
	return Guid{Source: source, ID: id}, true
}

// parseLegacyGuid handles agent guids on the item itself, e.g.
// "com.plexapp.agents.hama://anidb-69?lang=en" or
// "com.plexapp.agents.thetvdb://81797/3/1?lang=en".
func parseLegacyGuid(s string) (Guid, bool) {
	rest, ok := strings.CutPrefix(s, "com.plexapp.agents.")
	if !ok {
		return Guid{}, false
	}
	agent, id, ok := strings.Cut(rest, "://")
	if !ok {
		return Guid{}, false
	}
	if q := strings.Index(id, "?"); q >= 0 {
		id = id[:q]
	}
	// Strip season/episode path segments.
	if slash := strings.Index(id, "/"); slash >= 0 {
		id = id[:slash]
	}
	if id == "" {
		return Guid{}, false
	}

	switch agent {
	case "hama":
		// HAMA encodes the source in the id: "anidb-69", "tvdb-81797".
		source, rawID, ok := strings.Cut(id, "-")
		if !ok || rawID == "" {
			return Guid{}, false
		}
		return Guid{Source: source, ID: rawID}, true
	case "thetvdb":
		return Guid{Source: "tvdb", ID: id}, true
	case "themoviedb":
		return Guid{Source: "tmdb", ID: id}, true
	case "imdb":
		return Guid{Source: "imdb", ID: id}, true
	default:
		return Guid{}, false
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func unixTime(s string) time.Time {
	n := atoi64(s)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
