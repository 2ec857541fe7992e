package reconcile

import (
	"sort"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/plex"
)

// Kind classifies a plan op.
type Kind string

const (
	OpCreate Kind = "create"
	OpUpdate Kind = "update"
	OpDelete Kind = "delete"
	OpNoop   Kind = "noop"
)

// Policy is the per-profile merge policy.
type Policy struct {
	// Destructive makes observed values replace AniList values instead of
	// only advancing them.
	Destructive bool
	// Excluded fields are never written.
	Excluded []string
	// Pinned fields for this media are never written.
	Pinned []string
}

// ItemRef carries the Plex identifiers a plan op originated from, for the
// history log.
type ItemRef struct {
	RatingKey      string
	ChildRatingKey string
	Guid           string
	Type           string
}

// Op is a pending change to one AniList entry. Before is the current entry
// (nil for create), After the proposed one (nil for delete).
type Op struct {
	AnilistID int
	Before    *anilist.ListEntry
	After     *anilist.ListEntry
	Kind      Kind
	// PinsApplied lists pinned fields whose observed value was discarded.
	PinsApplied []string
	// ReasonTags names the changed fields, or the reason a change was
	// withheld.
	ReasonTags []string
	Plex       ItemRef
}

// BuildPlan merges the observed entry with the current one under the policy
// and emits the op. observed == nil means Plex desires no entry; before ==
// nil means AniList has none.
func BuildPlan(anilistID int, observed, before *anilist.ListEntry, snap Snapshot, policy Policy) Op {
	op := Op{AnilistID: anilistID, Before: before, Plex: itemRef(snap)}

	blocked := map[string]bool{}
	for _, f := range policy.Excluded {
		blocked[f] = true
	}
	pinned := map[string]bool{}
	for _, f := range policy.Pinned {
		pinned[f] = true
		blocked[f] = true
	}

	if observed == nil {
		// Nothing observed: destructive mode deletes only when the item is
		// gone from the library, otherwise absence never erases.
		if before != nil && policy.Destructive && !snap.InLibrary {
			op.Kind = OpDelete
			op.ReasonTags = []string{"absent_from_library"}
			return op
		}
		op.Kind = OpNoop
		return op
	}

	// Watchlist-only items become PLANNING entries only for destructive
	// profiles or when the entry already exists.
	if observed.Status == anilist.StatusPlanning && before == nil && !policy.Destructive {
		op.Kind = OpNoop
		op.ReasonTags = []string{"planning_requires_destructive"}
		return op
	}

	after, pinsApplied, changed := mergeEntry(anilistID, observed, before, policy.Destructive, blocked, pinned)
	op.After = after
	op.PinsApplied = pinsApplied

	switch {
	case before == nil:
		op.Kind = OpCreate
		op.ReasonTags = changed
	case len(changed) == 0:
		op.Kind = OpNoop
		op.After = nil
	default:
		op.Kind = OpUpdate
		op.ReasonTags = changed
	}
	return op
}

// mergeEntry builds the proposed after-state field by field. In progressive
// mode a field only moves along its ordering (progress, repeat, completed_at
// forward; started_at backward; score and notes fill nulls; status never
// downgrades). Destructive mode replaces, except observed zero values which
// never erase.
func mergeEntry(anilistID int, observed, before *anilist.ListEntry, destructive bool, blocked, pinned map[string]bool) (*anilist.ListEntry, []string, []string) {
	after := before.Clone()
	if after == nil {
		after = &anilist.ListEntry{MediaID: anilistID}
	}
	var changed []string
	var pinsApplied []string

	apply := func(field string, wants bool, set func()) {
		if !wants {
			return
		}
		if blocked[field] {
			if pinned[field] {
				pinsApplied = append(pinsApplied, field)
			}
			return
		}
		set()
		changed = append(changed, field)
	}

	beforeStatus := anilist.MediaListStatus("")
	beforeProgress, beforeRepeat := 0, 0
	var beforeScore *float64
	var beforeNotes *string
	var beforeStarted, beforeCompleted *anilist.FuzzyDate
	if before != nil {
		beforeStatus = before.Status
		beforeProgress = before.Progress
		beforeRepeat = before.Repeat
		beforeScore = before.Score
		beforeNotes = before.Notes
		beforeStarted = before.StartedAt
		beforeCompleted = before.CompletedAt
	}

	apply("status", wantsStatus(observed.Status, beforeStatus, destructive),
		func() { after.Status = observed.Status })

	apply("progress", observed.Progress != beforeProgress &&
		(destructive && observed.Progress > 0 || observed.Progress > beforeProgress),
		func() { after.Progress = observed.Progress })

	apply("repeat", observed.Repeat != beforeRepeat &&
		(destructive && observed.Repeat > 0 || observed.Repeat > beforeRepeat),
		func() { after.Repeat = observed.Repeat })

	apply("score", observed.Score != nil &&
		(beforeScore == nil || destructive && *observed.Score != *beforeScore),
		func() { v := *observed.Score; after.Score = &v })

	apply("notes", observed.Notes != nil &&
		(beforeNotes == nil || destructive && *observed.Notes != *beforeNotes),
		func() { v := *observed.Notes; after.Notes = &v })

	apply("started_at", observed.StartedAt != nil &&
		(beforeStarted == nil || observed.StartedAt.Before(*beforeStarted) ||
			destructive && *observed.StartedAt != *beforeStarted),
		func() { v := *observed.StartedAt; after.StartedAt = &v })

	apply("completed_at", observed.CompletedAt != nil &&
		(beforeCompleted == nil || beforeCompleted.Before(*observed.CompletedAt) ||
			destructive && *observed.CompletedAt != *beforeCompleted),
		func() { v := *observed.CompletedAt; after.CompletedAt = &v })

	after.MediaID = anilistID
	sort.Strings(changed)
	sort.Strings(pinsApplied)
	return after, pinsApplied, changed
}

func wantsStatus(observed, before anilist.MediaListStatus, destructive bool) bool {
	if observed == "" || observed == before {
		return false
	}
	if destructive {
		return true
	}
	return observed.Rank() > before.Rank()
}

func itemRef(snap Snapshot) ItemRef {
	if snap.Item == nil {
		return ItemRef{}
	}
	ref := ItemRef{
		RatingKey: snap.Item.RatingKey,
		Guid:      snap.Item.Guid,
		Type:      string(snap.Item.Type),
	}
	if snap.Item.Type == plex.TypeEpisode {
		ref.ChildRatingKey = snap.Item.RatingKey
		ref.RatingKey = snap.Item.GrandparentRatingKey
	}
	return ref
}
