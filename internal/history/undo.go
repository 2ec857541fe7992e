package history

import (
	"errors"
	"fmt"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
)

var (
	// ErrNotUndoable means the event's outcome/state combination has no
	// defined reverse action.
	ErrNotUndoable = errors.New("event is not undoable")
	// ErrAlreadyUndone guards against double-undo.
	ErrAlreadyUndone = errors.New("event already undone")
	// ErrDeleteRequiresDestructive is returned when undoing a create would
	// delete the AniList entry but the profile runs non-destructively.
	ErrDeleteRequiresDestructive = errors.New("undo would delete entry: delete requires destructive_sync")
)

// UndoKind is the reverse action an undoable event calls for.
type UndoKind string

const (
	// UndoWrite restores the event's before state.
	UndoWrite UndoKind = "write"
	// UndoDelete removes the entry the event created.
	UndoDelete UndoKind = "delete"
)

// UndoAction describes how to reverse an event. For UndoWrite, Entry is the
// state to restore; for UndoDelete it is the entry to remove.
type UndoAction struct {
	Kind      UndoKind
	AnilistID int
	Entry     *anilist.ListEntry
}

// Reversible reports whether the event has a defined undo action at all,
// ignoring the destructive-mode gate and the undone flag.
func (e *Event) Reversible() bool {
	switch e.Outcome {
	case OutcomeSynced:
		return e.After != nil
	case OutcomeDeleted:
		return e.Before != nil
	default:
		return false
	}
}

// UndoActionFor resolves the reverse action for the event. destructive gates
// the delete case: undoing a create removes the AniList entry, which only a
// destructive profile may do.
func (e *Event) UndoActionFor(destructive bool) (*UndoAction, error) {
	if e.Undone {
		return nil, ErrAlreadyUndone
	}
	switch e.Outcome {
	case OutcomeSynced:
		switch {
		case e.Before != nil && e.After != nil:
			return &UndoAction{Kind: UndoWrite, AnilistID: e.AnilistID, Entry: e.Before}, nil
		case e.Before == nil && e.After != nil:
			if !destructive {
				return nil, ErrDeleteRequiresDestructive
			}
			return &UndoAction{Kind: UndoDelete, AnilistID: e.AnilistID, Entry: e.After}, nil
		}
	case OutcomeDeleted:
		if e.Before != nil {
			return &UndoAction{Kind: UndoWrite, AnilistID: e.AnilistID, Entry: e.Before}, nil
		}
	}
	return nil, fmt.Errorf("%w: outcome %s", ErrNotUndoable, e.Outcome)
}
