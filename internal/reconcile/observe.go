// Package reconcile turns Plex watch state into AniList list mutations. It
// derives the observed entry for a resolved target, merges it with the
// current AniList entry under the profile's policy, emits a plan op and
// executes it, recording one history event per effective op.
package reconcile

import (
	"time"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/mappings"
	"github.com/eliasbenb/plexanibridge/internal/plex"
)

// Snapshot is everything the engine observed about one resolved target on
// the Plex side.
type Snapshot struct {
	// Item is the movie, season or show item the target was resolved from.
	Item *plex.Item
	// Episodes holds the episode items of the mapped season; the observer
	// picks out the ones inside the target's range. Unused for movies.
	Episodes []plex.Item

	InWatchlist      bool
	ContinueWatching bool
	// InLibrary is false when the item has disappeared from the library
	// entirely, which is the only case destructive mode may delete for.
	InLibrary bool

	// Review is the user's Plex review text, when one exists.
	Review string
}

// Claim is one season's (or movie's) contribution to an AniList entry. An
// entry spanning several Plex seasons accumulates one claim per season.
type Claim struct {
	Snap  Snapshot
	Range mappings.EpisodeRange
}

// Observe derives the desired AniList entry for the target from the Plex
// snapshot. A nil result means no entry is desired (never watched, not
// watchlisted).
func Observe(snap Snapshot, rng mappings.EpisodeRange, media *anilist.Media, format anilist.ScoreFormat) *anilist.ListEntry {
	return ObserveClaims([]Claim{{Snap: snap, Range: rng}}, media, format)
}

// ObserveClaims derives the desired AniList entry from every claim on the
// target, so progress counts episodes across all claiming seasons.
func ObserveClaims(claims []Claim, media *anilist.Media, format anilist.ScoreFormat) *anilist.ListEntry {
	if len(claims) == 0 || claims[0].Snap.Item == nil {
		return nil
	}
	if claims[0].Snap.Item.Type == plex.TypeMovie {
		return observeMovie(claims[0].Snap, format)
	}
	return observeSeasons(claims, media, format)
}

func observeMovie(snap Snapshot, format anilist.ScoreFormat) *anilist.ListEntry {
	it := snap.Item
	entry := &anilist.ListEntry{}

	if it.Viewed() {
		entry.Progress = 1
		entry.Repeat = max(0, it.ViewCount-1)
		entry.Status = anilist.StatusCompleted
		if entry.Repeat > 0 && snap.ContinueWatching {
			entry.Status = anilist.StatusRepeating
		}
		if !it.LastViewedAt.IsZero() {
			d := anilist.FuzzyDateFrom(it.LastViewedAt)
			entry.StartedAt = &d
			completed := d
			entry.CompletedAt = &completed
		}
	} else if snap.InWatchlist {
		entry.Status = anilist.StatusPlanning
	} else {
		return nil
	}

	applyRatingAndNotes(entry, it, snap.Review, format)
	return entry
}

func observeSeasons(claims []Claim, media *anilist.Media, format anilist.ScoreFormat) *anilist.ListEntry {
	var total int
	if media != nil {
		total = media.Episodes
	}

	var progress, views, inRange int
	var first, last time.Time
	var watchlisted, onDeck bool
	for _, c := range claims {
		watchlisted = watchlisted || c.Snap.InWatchlist
		onDeck = onDeck || c.Snap.ContinueWatching
		for i := range c.Snap.Episodes {
			ep := &c.Snap.Episodes[i]
			if !c.Range.Contains(ep.Index) {
				continue
			}
			inRange++
			if !ep.Viewed() {
				continue
			}
			progress++
			views += ep.ViewCount
			if t := ep.LastViewedAt; !t.IsZero() {
				if first.IsZero() || t.Before(first) {
					first = t
				}
				if t.After(last) {
					last = t
				}
			}
		}
	}
	if total > 0 && progress > total {
		progress = total
	}

	entry := &anilist.ListEntry{Progress: progress}

	switch {
	case total > 0 && progress >= total:
		if inRange > 0 {
			entry.Repeat = max(0, views-inRange)
		}
		entry.Status = anilist.StatusCompleted
		if entry.Repeat > 0 && onDeck {
			entry.Status = anilist.StatusRepeating
		}
		if !last.IsZero() {
			d := anilist.FuzzyDateFrom(last)
			entry.CompletedAt = &d
		}
	case progress > 0:
		entry.Status = anilist.StatusCurrent
	case watchlisted:
		entry.Status = anilist.StatusPlanning
	default:
		return nil
	}

	if !first.IsZero() {
		d := anilist.FuzzyDateFrom(first)
		entry.StartedAt = &d
	}

	snap := claims[0].Snap
	applyRatingAndNotes(entry, snap.Item, snap.Review, format)
	return entry
}

func applyRatingAndNotes(entry *anilist.ListEntry, it *plex.Item, review string, format anilist.ScoreFormat) {
	if it.HasUserRating {
		score := anilist.ScaleScore(it.UserRating, format)
		entry.Score = &score
	}
	if review != "" {
		notes := review
		entry.Notes = &notes
	}
}
