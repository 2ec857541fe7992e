package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/events"
	"github.com/eliasbenb/plexanibridge/internal/history"
)

//go:generate mockgen -destination=mocks/writer.go -package=mocks . Writer

// Writer is the slice of the AniList client the engine mutates through.
type Writer interface {
	SaveEntry(ctx context.Context, entry *anilist.ListEntry) (*anilist.ListEntry, error)
	SaveEntries(ctx context.Context, entries []*anilist.ListEntry) ([]*anilist.ListEntry, error)
	DeleteEntry(ctx context.Context, entryID int) error
}

// Engine executes plan ops against AniList and records the outcome of each
// in the history log.
type Engine struct {
	writer  Writer
	history *history.Store
	bus     *events.Bus
	logger  *slog.Logger

	profile string
	dryRun  bool
	batch   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDryRun logs and records ops without mutating AniList.
func WithDryRun() EngineOption {
	return func(e *Engine) { e.dryRun = true }
}

// WithBatching coalesces create/update ops into batched mutations.
func WithBatching() EngineOption {
	return func(e *Engine) { e.batch = true }
}

// WithEventBus announces recorded history events on the bus.
func WithEventBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates an executor for one profile.
func NewEngine(profile string, writer Writer, hist *history.Store, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		writer:  writer,
		history: hist,
		logger:  logger.With("component", "reconcile", "profile", profile),
		profile: profile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summary aggregates one Apply run.
type Summary struct {
	Synced  int
	Deleted int
	Failed  int
	Skipped int
}

// Apply executes the ops in order, updating the in-memory list cache as
// writes land. Per-op failures are recorded and never abort the run.
func (e *Engine) Apply(ctx context.Context, ops []Op, list *anilist.List) (Summary, error) {
	var summary Summary

	var writes []Op
	for _, op := range ops {
		switch op.Kind {
		case OpNoop:
			// Withheld changes are worth a trace; silent no-ops are not.
			if len(op.ReasonTags) > 0 {
				summary.Skipped++
				e.record(ctx, op, history.OutcomeSkipped, nil, "")
			}
		case OpDelete:
			e.applyDelete(ctx, op, list, &summary)
		default:
			writes = append(writes, op)
		}
	}

	if e.batch && !e.dryRun && len(writes) > 1 {
		e.applyBatch(ctx, writes, list, &summary)
	} else {
		for _, op := range writes {
			e.applyWrite(ctx, op, list, &summary)
		}
	}
	return summary, ctx.Err()
}

func (e *Engine) applyWrite(ctx context.Context, op Op, list *anilist.List, summary *Summary) {
	if e.dryRun {
		e.logger.Info("dry run: would save entry",
			"anilist_id", op.AnilistID, "kind", op.Kind, "fields", op.ReasonTags)
		summary.Synced++
		e.record(ctx, op, history.OutcomeSynced, op.After, "")
		return
	}

	entry := op.After.Clone()
	if op.Before != nil {
		entry.ID = op.Before.ID
	}
	saved, err := e.writer.SaveEntry(ctx, entry)
	if err != nil {
		summary.Failed++
		e.logger.Error("saving entry", "anilist_id", op.AnilistID, "error", err)
		e.record(ctx, op, history.OutcomeFailed, nil, err.Error())
		return
	}
	summary.Synced++
	if list != nil {
		list.Upsert(saved)
	}
	e.record(ctx, op, history.OutcomeSynced, saved, "")
}

func (e *Engine) applyDelete(ctx context.Context, op Op, list *anilist.List, summary *Summary) {
	if e.dryRun {
		e.logger.Info("dry run: would delete entry", "anilist_id", op.AnilistID)
		summary.Deleted++
		e.record(ctx, op, history.OutcomeDeleted, nil, "")
		return
	}
	if op.Before == nil || op.Before.ID == 0 {
		summary.Failed++
		e.record(ctx, op, history.OutcomeFailed, nil, "delete without entry id")
		return
	}
	if err := e.writer.DeleteEntry(ctx, op.Before.ID); err != nil {
		summary.Failed++
		e.logger.Error("deleting entry", "anilist_id", op.AnilistID, "error", err)
		e.record(ctx, op, history.OutcomeFailed, nil, err.Error())
		return
	}
	summary.Deleted++
	if list != nil {
		list.Remove(op.AnilistID)
	}
	e.record(ctx, op, history.OutcomeDeleted, nil, "")
}

// applyBatch saves all writes in one (chunked) mutation document. Entries
// the batch could not save are recorded as failed individually.
func (e *Engine) applyBatch(ctx context.Context, ops []Op, list *anilist.List, summary *Summary) {
	entries := make([]*anilist.ListEntry, len(ops))
	for i, op := range ops {
		entries[i] = op.After.Clone()
		if op.Before != nil {
			entries[i].ID = op.Before.ID
		}
	}

	results, err := e.writer.SaveEntries(ctx, entries)
	if err != nil {
		e.logger.Warn("batch save incomplete", "error", err)
	}
	for i, op := range ops {
		var saved *anilist.ListEntry
		if i < len(results) {
			saved = results[i]
		}
		if saved == nil {
			summary.Failed++
			msg := "batch save failed"
			if err != nil {
				msg = fmt.Sprintf("batch save failed: %v", err)
			}
			e.record(ctx, op, history.OutcomeFailed, nil, msg)
			continue
		}
		summary.Synced++
		if list != nil {
			list.Upsert(saved)
		}
		e.record(ctx, op, history.OutcomeSynced, saved, "")
	}
}

func (e *Engine) record(ctx context.Context, op Op, outcome history.Outcome, after *anilist.ListEntry, errMsg string) {
	if e.history == nil {
		return
	}
	event := &history.Event{
		Profile:            e.profile,
		PlexRatingKey:      op.Plex.RatingKey,
		PlexChildRatingKey: op.Plex.ChildRatingKey,
		PlexGuid:           op.Plex.Guid,
		PlexType:           op.Plex.Type,
		AnilistID:          op.AnilistID,
		Outcome:            outcome,
		Before:             op.Before,
		After:              after,
		ErrorMessage:       errMsg,
	}
	if err := e.history.Record(ctx, event); err != nil {
		e.logger.Error("recording history event", "anilist_id", op.AnilistID, "error", err)
		return
	}
	if e.bus != nil {
		e.bus.Publish(events.HistoryRecorded{
			BaseEvent: events.NewBaseEvent(events.EventHistoryRecorded, e.profile),
			EventID:   event.ID,
			AnilistID: event.AnilistID,
			Outcome:   string(outcome),
		})
	}
}
