package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/events"
	"github.com/eliasbenb/plexanibridge/internal/mappings"
)

// DefaultRefreshInterval is how often the mappings store is rematerialized.
const DefaultRefreshInterval = 24 * time.Hour

// titleBackfillLimit bounds how many missing titles one refresh fetches.
const titleBackfillLimit = 500

// MediaFetcher is the slice of the AniList client the refresher uses to
// backfill mapping titles.
type MediaFetcher interface {
	MediaBatch(ctx context.Context, ids []int) ([]anilist.Media, error)
}

// Refresher is the database-sync job: it re-fetches the authoritative
// mapping source, re-merges custom files and stored overrides, replaces the
// store snapshot and backfills missing AniList titles for the search index.
type Refresher struct {
	loader    *mappings.Loader
	store     *mappings.Store
	media     MediaFetcher
	bus       *events.Bus
	logger    *slog.Logger
	sourceURL string
	interval  time.Duration
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshInterval overrides the refresh cadence.
func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.interval = d }
}

// NewRefresher creates the mappings refresh job. media may be nil, which
// disables title backfill.
func NewRefresher(loader *mappings.Loader, store *mappings.Store, media MediaFetcher, bus *events.Bus, logger *slog.Logger, sourceURL string, opts ...RefresherOption) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{
		loader:    loader,
		store:     store,
		media:     media,
		bus:       bus,
		logger:    logger.With("component", "mappings-refresh"),
		sourceURL: sourceURL,
		interval:  DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh materializes the mappings store once.
func (r *Refresher) Refresh(ctx context.Context) error {
	overrides, err := r.store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("listing overrides: %w", err)
	}
	records, err := r.loader.Load(ctx, r.sourceURL, overrides)
	if err != nil {
		return fmt.Errorf("loading mappings: %w", err)
	}
	if err := r.store.ReplaceAll(ctx, records); err != nil {
		return fmt.Errorf("replacing mappings: %w", err)
	}

	var custom int
	for i := range records {
		if records[i].Custom {
			custom++
		}
	}
	r.logger.Info("mappings refreshed", "records", len(records), "custom", custom)

	if err := r.backfillTitles(ctx); err != nil {
		// Titles only feed search; the refreshed snapshot stands.
		r.logger.Warn("backfilling titles", "error", err)
	}

	if r.bus != nil {
		r.bus.Publish(events.MappingsRefreshed{
			BaseEvent: events.NewBaseEvent(events.EventMappingsRefreshed, ""),
			Records:   len(records),
			Custom:    custom,
		})
	}
	return nil
}

// Run refreshes immediately, then on the configured cadence.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("initial mappings refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("mappings refresh failed", "error", err)
			}
		}
	}
}

func (r *Refresher) backfillTitles(ctx context.Context) error {
	if r.media == nil {
		return nil
	}
	ids, err := r.store.MissingTitles(ctx, titleBackfillLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	media, err := r.media.MediaBatch(ctx, ids)
	if err != nil {
		return err
	}
	var filled int
	for i := range media {
		m := &media[i]
		if err := r.store.SetTitles(ctx, m.ID, m.Title.Romaji, m.Title.English, m.Title.Native); err != nil {
			r.logger.Warn("storing titles", "anilist_id", m.ID, "error", err)
			continue
		}
		filled++
	}
	r.logger.Debug("titles backfilled", "requested", len(ids), "filled", filled)
	return nil
}
