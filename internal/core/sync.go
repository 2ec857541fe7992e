// Package core wires the service together: a Runtime composing stores,
// clients and per-profile supervisors, and the sync pipeline each supervisor
// drives. One sync walks the selected Plex sections, resolves every item to
// its AniList targets, derives observed state, plans the changes under the
// profile's policy and writes them in one pass at the end.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/config"
	"github.com/eliasbenb/plexanibridge/internal/events"
	"github.com/eliasbenb/plexanibridge/internal/history"
	"github.com/eliasbenb/plexanibridge/internal/pins"
	"github.com/eliasbenb/plexanibridge/internal/plex"
	"github.com/eliasbenb/plexanibridge/internal/reconcile"
	"github.com/eliasbenb/plexanibridge/internal/resolver"
	"github.com/eliasbenb/plexanibridge/internal/scheduler"
)

// progressEvery is how many processed items separate progress events.
const progressEvery = 50

// listClient is the slice of the AniList client a sync run reads through.
// Writes go through the reconcile engine's Writer.
type listClient interface {
	Viewer(ctx context.Context) (*anilist.Viewer, error)
	UserList(ctx context.Context, userID int) (*anilist.List, error)
	MediaBatch(ctx context.Context, ids []int) ([]anilist.Media, error)
}

// syncer executes sync jobs for one profile. It implements scheduler.Runner.
type syncer struct {
	profile  config.Profile
	plex     *plex.Client
	anilist  listClient
	resolver *resolver.Resolver
	engine   *reconcile.Engine
	history  *history.Store
	pins     *pins.Store
	bus      *events.Bus
	logger   *slog.Logger
}

func newSyncer(profile config.Profile, pc *plex.Client, al listClient, res *resolver.Resolver, engine *reconcile.Engine, hist *history.Store, pinStore *pins.Store, bus *events.Bus, logger *slog.Logger) *syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &syncer{
		profile:  profile,
		plex:     pc,
		anilist:  al,
		resolver: res,
		engine:   engine,
		history:  hist,
		pins:     pinStore,
		bus:      bus,
		logger:   logger.With("component", "sync", "profile", profile.Name),
	}
}

// run holds the state of one sync: the AniList list fetched once at the
// start, watch state sets and the accumulated plan.
type run struct {
	job    scheduler.Job
	viewer *anilist.Viewer
	list   *anilist.List
	pinned map[int][]string

	// watch holds guid keys of watchlisted items, deck the rating keys of
	// on-deck items and their ancestors.
	watch map[string]bool
	deck  map[string]bool

	// media caches per-run AniList media lookups, including misses.
	media map[int]*anilist.Media

	// claims accumulates every season's (or movie's) claim per AniList ID;
	// an entry spanning several Plex seasons gets one claim per season.
	// covered is the set of IDs the scan touched, for destructive cleanup.
	claims  map[int][]reconcile.Claim
	covered map[int]bool

	ops       []reconcile.Op
	processed int
}

// RunSync executes one job: prepare, scan, plan, write.
func (s *syncer) RunSync(ctx context.Context, _ string, job scheduler.Job) error {
	r, err := s.prepare(ctx, job)
	if err != nil {
		return err
	}

	if job.RatingKey != "" {
		err = s.syncItem(ctx, r, job.RatingKey)
	} else {
		err = s.syncSections(ctx, r)
	}
	if err != nil {
		return err
	}

	s.buildPlans(ctx, r)
	if job.Full && job.RatingKey == "" && s.profile.DestructiveSync {
		s.planCleanup(ctx, r)
	}

	s.publishState("writing", "")
	summary, err := s.engine.Apply(ctx, r.ops, r.list)
	s.logger.Info("sync finished", "kind", job.Kind, "items", r.processed,
		"synced", summary.Synced, "deleted", summary.Deleted,
		"failed", summary.Failed, "skipped", summary.Skipped)
	return err
}

// prepare fetches everything a run reads repeatedly: the viewer, the full
// AniList list, pins and the Plex watch state sets.
func (s *syncer) prepare(ctx context.Context, job scheduler.Job) (*run, error) {
	s.publishState("preparing", "")

	viewer, err := s.anilist.Viewer(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching viewer: %w", err)
	}
	list, err := s.anilist.UserList(ctx, viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching anilist list: %w", err)
	}
	pinned, err := s.pins.Map(ctx, s.profile.Name)
	if err != nil {
		return nil, fmt.Errorf("loading pins: %w", err)
	}

	r := &run{
		job:     job,
		viewer:  viewer,
		list:    list,
		pinned:  pinned,
		watch:   make(map[string]bool),
		deck:    make(map[string]bool),
		media:   make(map[int]*anilist.Media),
		claims:  make(map[int][]reconcile.Claim),
		covered: make(map[int]bool),
	}

	// Watchlist and on-deck reads are best effort: losing them degrades
	// PLANNING and REPEATING detection, not the sync.
	if items, err := s.plex.Watchlist(ctx); err != nil {
		s.logger.Warn("fetching watchlist", "error", err)
	} else {
		for i := range items {
			it := &items[i]
			if it.Guid != "" {
				r.watch[it.Guid] = true
			}
			for _, g := range it.Guids {
				r.watch[g.Source+":"+g.ID] = true
			}
		}
	}
	if items, err := s.plex.ContinueWatching(ctx); err != nil {
		s.logger.Warn("fetching continue watching", "error", err)
	} else {
		for i := range items {
			for _, key := range []string{items[i].RatingKey, items[i].ParentRatingKey, items[i].GrandparentRatingKey} {
				if key != "" {
					r.deck[key] = true
				}
			}
		}
	}
	return r, nil
}

// syncSections scans every selected library section under the job's mode.
func (s *syncer) syncSections(ctx context.Context, r *run) error {
	sections, err := s.plex.ListSections(ctx)
	if err != nil {
		return fmt.Errorf("listing sections: %w", err)
	}

	mode := plex.ModeFull()
	if !r.job.Full && !r.job.Since.IsZero() {
		mode = plex.ModeSince(r.job.Since)
	}

	for _, section := range sections {
		if !s.sectionSelected(section) {
			continue
		}
		s.publishState("scanning", section.Title)

		it := s.plex.Scan(section, mode, 0)
		for {
			item, ok := it.Next(ctx)
			if !ok {
				break
			}
			s.processItem(ctx, r, &item)
			r.processed++
			if r.processed%progressEvery == 0 {
				s.publishProgress(section.Title, r.processed)
			}
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("scanning section %q: %w", section.Title, err)
		}
	}
	return ctx.Err()
}

// syncItem handles a webhook job: one rating key, resolved up to its show
// when it names an episode or season so progress counts stay whole. The
// webhook fired because the item's state changed, so its cached metadata is
// stale and gets dropped before reading.
func (s *syncer) syncItem(ctx context.Context, r *run, ratingKey string) error {
	s.plex.InvalidateMetadata(ctx, ratingKey)
	item, err := s.plex.FetchMetadata(ctx, ratingKey)
	if errors.Is(err, plex.ErrNotFound) {
		s.logger.Debug("webhook item vanished", "rating_key", ratingKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching webhook item %s: %w", ratingKey, err)
	}

	parentKey := ""
	switch item.Type {
	case plex.TypeEpisode:
		parentKey = item.GrandparentRatingKey
	case plex.TypeSeason:
		parentKey = item.ParentRatingKey
	}
	if parentKey != "" {
		s.plex.InvalidateMetadata(ctx, parentKey)
		if item, err = s.plex.FetchMetadata(ctx, parentKey); err != nil {
			return fmt.Errorf("fetching show %s: %w", parentKey, err)
		}
	}

	s.processItem(ctx, r, item)
	r.processed++
	return ctx.Err()
}

func (s *syncer) sectionSelected(section plex.Section) bool {
	if section.Type != plex.TypeMovie && section.Type != plex.TypeShow {
		return false
	}
	if len(s.profile.PlexSections) == 0 {
		return true
	}
	for _, title := range s.profile.PlexSections {
		if title == section.Title {
			return true
		}
	}
	return false
}

func (s *syncer) processItem(ctx context.Context, r *run, item *plex.Item) {
	switch item.Type {
	case plex.TypeMovie:
		s.processMovie(ctx, r, item)
	case plex.TypeShow:
		s.processShow(ctx, r, item)
	}
}

func (s *syncer) processMovie(ctx context.Context, r *run, item *plex.Item) {
	targets, err := s.resolveItem(ctx, r, item, item.Viewed() || r.watchlisted(item))
	if targets == nil || err != nil {
		return
	}

	snap := reconcile.Snapshot{
		Item:             item,
		InWatchlist:      r.watchlisted(item),
		ContinueWatching: r.deck[item.RatingKey],
		InLibrary:        true,
	}
	for _, t := range targets {
		r.claim(t, snap)
	}
}

// processShow descends show -> seasons -> episodes. Each season resolves
// independently: one TVDB season may map to several AniList entries.
func (s *syncer) processShow(ctx context.Context, r *run, show *plex.Item) {
	seasons, err := s.plex.Children(ctx, show.RatingKey)
	if err != nil {
		s.logger.Warn("fetching seasons", "rating_key", show.RatingKey, "title", show.Title, "error", err)
		return
	}
	for i := range seasons {
		if seasons[i].Type != plex.TypeSeason {
			continue
		}
		s.processSeason(ctx, r, show, &seasons[i])
	}
}

func (s *syncer) processSeason(ctx context.Context, r *run, show, season *plex.Item) {
	episodes, err := s.plex.Children(ctx, season.RatingKey)
	if err != nil {
		s.logger.Warn("fetching episodes", "rating_key", season.RatingKey, "title", show.Title, "error", err)
		return
	}

	item := seasonItem(show, season)
	watched := false
	for i := range episodes {
		if episodes[i].Viewed() {
			watched = true
			break
		}
	}

	targets, err := s.resolveItem(ctx, r, item, watched || r.watchlisted(show))
	if targets == nil || err != nil {
		return
	}

	snap := reconcile.Snapshot{
		Item:             item,
		Episodes:         episodes,
		InWatchlist:      r.watchlisted(show),
		ContinueWatching: r.deck[show.RatingKey] || r.deck[season.RatingKey],
		InLibrary:        true,
	}
	for _, t := range targets {
		r.claim(t, snap)
	}
}

// seasonItem builds the resolution view of a season: the show's identity
// (guids, title, year) with the season's number and rating key. Plex season
// items carry no external guids of their own.
func seasonItem(show, season *plex.Item) *plex.Item {
	it := *season
	it.Type = plex.TypeSeason
	it.Title = show.Title
	it.Year = show.Year
	it.Guid = show.Guid
	it.Guids = show.Guids
	it.ParentRatingKey = show.RatingKey
	return &it
}

// resolveItem maps the item to its AniList targets. Unresolvable items with
// watch state are recorded as not_found; silent items are just skipped.
// A nil result means the caller has nothing to plan.
func (s *syncer) resolveItem(ctx context.Context, r *run, item *plex.Item, hasState bool) ([]resolver.Target, error) {
	targets, err := s.resolver.Resolve(ctx, item)
	if err != nil {
		var amb *resolver.AmbiguousError
		if errors.As(err, &amb) {
			s.recordUnresolved(ctx, item, err.Error())
			return nil, nil
		}
		s.logger.Warn("resolving item", "title", item.Title, "error", err)
		return nil, err
	}
	if len(targets) == 0 {
		if hasState {
			s.recordUnresolved(ctx, item, "no mapping matched")
		}
		return nil, nil
	}
	return targets, nil
}

// claim records the target's snapshot for later planning. The same item
// claiming the same ID twice is dropped; distinct items accumulate.
func (r *run) claim(t resolver.Target, snap reconcile.Snapshot) {
	for _, c := range r.claims[t.AnilistID] {
		if c.Snap.Item.RatingKey == snap.Item.RatingKey {
			return
		}
	}
	r.claims[t.AnilistID] = append(r.claims[t.AnilistID], reconcile.Claim{Snap: snap, Range: t.Range})
	r.covered[t.AnilistID] = true
}

// buildPlans turns the accumulated claims into ops, one per AniList ID in
// ascending order. Observing all claims together lets an entry spanning
// several Plex seasons count every season's episodes.
func (s *syncer) buildPlans(ctx context.Context, r *run) {
	ids := make([]int, 0, len(r.claims))
	for id := range r.claims {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		claims := r.claims[id]
		before := r.list.Get(id)

		var media *anilist.Media
		if claims[0].Snap.Item.Type != plex.TypeMovie {
			media = s.mediaFor(ctx, r, id)
		}
		if media == nil && before != nil {
			media = before.Media
		}

		observed := reconcile.ObserveClaims(claims, media, r.viewer.ScoreFormat)
		op := reconcile.BuildPlan(id, observed, before, mergedSnapshot(claims), reconcile.Policy{
			Destructive: s.profile.DestructiveSync,
			Excluded:    s.profile.ExcludedSyncFields,
			Pinned:      r.pinned[id],
		})
		r.ops = append(r.ops, op)
	}
}

// mergedSnapshot folds the claims' watch flags into the first claim's
// snapshot for planning.
func mergedSnapshot(claims []reconcile.Claim) reconcile.Snapshot {
	snap := claims[0].Snap
	for _, c := range claims[1:] {
		snap.InWatchlist = snap.InWatchlist || c.Snap.InWatchlist
		snap.ContinueWatching = snap.ContinueWatching || c.Snap.ContinueWatching
		snap.InLibrary = snap.InLibrary || c.Snap.InLibrary
	}
	return snap
}

// mediaFor returns the AniList media for an ID, preferring the list entry's
// embedded media, then the per-run cache, then a fetch. Misses are cached so
// a flaky lookup costs one request per run.
func (s *syncer) mediaFor(ctx context.Context, r *run, id int) *anilist.Media {
	if entry := r.list.Get(id); entry != nil && entry.Media != nil {
		return entry.Media
	}
	if m, ok := r.media[id]; ok {
		return m
	}
	batch, err := s.anilist.MediaBatch(ctx, []int{id})
	if err != nil {
		s.logger.Warn("fetching media", "anilist_id", id, "error", err)
		r.media[id] = nil
		return nil
	}
	var m *anilist.Media
	if len(batch) > 0 {
		m = &batch[0]
	}
	r.media[id] = m
	return m
}

// planCleanup appends delete ops for entries this profile previously wrote
// whose items a full destructive scan no longer found. Entries the service
// never touched are left alone.
func (s *syncer) planCleanup(ctx context.Context, r *run) {
	synced, err := s.history.SyncedIDs(ctx, s.profile.Name)
	if err != nil {
		s.logger.Warn("loading synced ids for cleanup", "error", err)
		return
	}
	for id := range synced {
		if r.covered[id] {
			continue
		}
		before := r.list.Get(id)
		if before == nil {
			continue
		}
		op := reconcile.BuildPlan(id, nil, before, reconcile.Snapshot{}, reconcile.Policy{
			Destructive: true,
			Excluded:    s.profile.ExcludedSyncFields,
			Pinned:      r.pinned[id],
		})
		if op.Kind == reconcile.OpDelete {
			r.ops = append(r.ops, op)
		}
	}
}

func (s *syncer) recordUnresolved(ctx context.Context, item *plex.Item, msg string) {
	s.logger.Debug("item not resolved", "title", item.Title, "reason", msg)
	if s.history == nil {
		return
	}
	event := &history.Event{
		Profile:       s.profile.Name,
		PlexRatingKey: item.RatingKey,
		PlexGuid:      item.Guid,
		PlexType:      string(item.Type),
		Outcome:       history.OutcomeNotFound,
		ErrorMessage:  msg,
	}
	if err := s.history.Record(ctx, event); err != nil {
		s.logger.Error("recording not_found event", "error", err)
	}
}

func (r *run) watchlisted(it *plex.Item) bool {
	if it.Guid != "" && r.watch[it.Guid] {
		return true
	}
	for _, g := range it.Guids {
		if r.watch[g.Source+":"+g.ID] {
			return true
		}
	}
	return false
}

func (s *syncer) publishState(state, section string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.SyncStateChanged{
		BaseEvent: events.NewBaseEvent(events.EventSyncStateChanged, s.profile.Name),
		State:     state,
		Section:   section,
	})
}

func (s *syncer) publishProgress(section string, processed int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.SyncProgress{
		BaseEvent: events.NewBaseEvent(events.EventSyncProgress, s.profile.Name),
		Section:   section,
		Processed: processed,
	})
}
