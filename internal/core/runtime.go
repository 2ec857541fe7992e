package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/backup"
	"github.com/eliasbenb/plexanibridge/internal/config"
	"github.com/eliasbenb/plexanibridge/internal/database"
	"github.com/eliasbenb/plexanibridge/internal/events"
	"github.com/eliasbenb/plexanibridge/internal/history"
	"github.com/eliasbenb/plexanibridge/internal/mappings"
	"github.com/eliasbenb/plexanibridge/internal/pins"
	"github.com/eliasbenb/plexanibridge/internal/plex"
	"github.com/eliasbenb/plexanibridge/internal/reconcile"
	"github.com/eliasbenb/plexanibridge/internal/resolver"
	"github.com/eliasbenb/plexanibridge/internal/scheduler"
	"github.com/eliasbenb/plexanibridge/internal/version"
)

const databaseFile = "anibridge.db"

// Runtime composes the whole service: shared stores, the event bus, the
// mappings refresher and one supervisor, syncer and backup manager per
// profile. It is also the API surface the CLI talks through.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB
	bus        *events.Bus
	mappings   *mappings.Store
	history    *history.Store
	pins       *pins.Store
	watermarks *scheduler.Watermarks
	refresher  *scheduler.Refresher

	profiles map[string]*profileRuntime
}

type profileRuntime struct {
	profile    config.Profile
	anilist    *anilist.Client
	plex       *plex.Client
	syncer     *syncer
	supervisor *scheduler.Supervisor
	backups    *backup.Manager
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	anilistEndpoint string
}

// withAnilistEndpoint points every profile's AniList client at a custom
// GraphQL endpoint (for testing).
func withAnilistEndpoint(u string) Option {
	return func(o *options) { o.anilistEndpoint = u }
}

// New builds the runtime from a validated config. Nothing talks to the
// network until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := database.Open(filepath.Join(cfg.DataPath, databaseFile))
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		bus:        events.NewBus(logger.With("component", "bus")),
		mappings:   mappings.NewStore(db),
		history:    history.NewStore(db),
		pins:       pins.NewStore(db),
		watermarks: scheduler.NewWatermarks(db),
		profiles:   make(map[string]*profileRuntime),
	}

	backupDir := filepath.Join(cfg.DataPath, "backups")
	retention := time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour

	for _, name := range sortedNames(cfg.Profiles) {
		p := cfg.Profiles[name]

		alOpts := []anilist.Option{anilist.WithLogger(logger)}
		if o.anilistEndpoint != "" {
			alOpts = append(alOpts, anilist.WithEndpoint(o.anilistEndpoint))
		}
		alClient := anilist.New(p.AnilistToken, alOpts...)

		cache := plex.NewCache(plex.WithCacheDB(db))
		plexOpts := []plex.Option{plex.WithLogger(logger), plex.WithCache(cache)}
		if p.MetadataSource == config.MetadataSourceOnline {
			plexOpts = append(plexOpts, plex.WithOnlineMetadata(""))
		}
		plexClient := plex.New(p.PlexURL, p.PlexToken, plexOpts...)

		res := resolver.New(r.mappings, alClient, logger,
			resolver.WithThreshold(float64(p.FuzzySearchThreshold)),
			resolver.WithLearning())

		engineOpts := []reconcile.EngineOption{reconcile.WithEventBus(r.bus)}
		if p.DryRun {
			engineOpts = append(engineOpts, reconcile.WithDryRun())
		}
		if p.BatchRequests {
			engineOpts = append(engineOpts, reconcile.WithBatching())
		}
		engine := reconcile.NewEngine(name, alClient, r.history, logger, engineOpts...)

		sy := newSyncer(p, plexClient, alClient, res, engine, r.history, r.pins, r.bus, logger)

		r.profiles[name] = &profileRuntime{
			profile:    p,
			anilist:    alClient,
			plex:       plexClient,
			syncer:     sy,
			supervisor: scheduler.NewSupervisor(p, sy, r.watermarks, r.bus, logger),
			backups: backup.NewManager(backupDir, name, alClient, logger,
				backup.WithRetention(retention),
				backup.WithVersion(version.Version)),
		}
	}

	// The refresher backfills titles through any profile's client; the
	// budget cost is negligible against a sync.
	var fetcher scheduler.MediaFetcher
	if names := sortedNames(cfg.Profiles); len(names) > 0 {
		fetcher = r.profiles[names[0]].anilist
	}
	loader := mappings.NewLoader(cfg.DataPath, logger)
	refreshOpts := []scheduler.RefresherOption{}
	if cfg.MappingsSync.Duration > 0 {
		refreshOpts = append(refreshOpts, scheduler.WithRefreshInterval(cfg.MappingsSync.Duration))
	}
	r.refresher = scheduler.NewRefresher(loader, r.mappings, fetcher, r.bus, logger, cfg.MappingsURL, refreshOpts...)

	return r, nil
}

// Run resolves Plex home users, then drives the refresher, supervisors and
// backup managers until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	for _, pr := range r.sorted() {
		resolved, err := pr.plex.ResolveHomeUser(ctx, pr.profile.PlexUser)
		if err != nil {
			return fmt.Errorf("profile %q: %w", pr.profile.Name, err)
		}
		pr.plex = resolved
		pr.syncer.plex = resolved
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.refresher.Run(ctx) })
	for _, pr := range r.sorted() {
		pr := pr
		g.Go(func() error { return pr.supervisor.Run(ctx) })
		g.Go(func() error { return pr.backups.Run(ctx) })
	}
	r.logger.Info("runtime started", "profiles", len(r.profiles))
	return g.Wait()
}

// Close releases the bus and the database. Call after Run returns.
func (r *Runtime) Close() error {
	r.bus.Close()
	return r.db.Close()
}

// Status returns every profile supervisor's state, ordered by profile name.
func (r *Runtime) Status() []scheduler.Status {
	statuses := make([]scheduler.Status, 0, len(r.profiles))
	for _, pr := range r.sorted() {
		statuses = append(statuses, pr.supervisor.Status())
	}
	return statuses
}

// Trigger enqueues a sync job for one profile.
func (r *Runtime) Trigger(profile string, kind scheduler.JobKind) error {
	pr, err := r.profileRuntime(profile)
	if err != nil {
		return err
	}
	pr.supervisor.Trigger(scheduler.Job{Kind: kind})
	return nil
}

// TriggerWebhook routes a Plex webhook rating key to one profile, or to
// every webhook-enabled profile when profile is empty.
func (r *Runtime) TriggerWebhook(profile, ratingKey string) error {
	if profile != "" {
		pr, err := r.profileRuntime(profile)
		if err != nil {
			return err
		}
		pr.supervisor.TriggerWebhook(ratingKey)
		return nil
	}
	for _, pr := range r.profiles {
		if pr.profile.HasMode(config.SyncModeWebhook) {
			pr.supervisor.TriggerWebhook(ratingKey)
		}
	}
	return nil
}

// History lists sync log events matching the filter.
func (r *Runtime) History(ctx context.Context, f history.Filter) ([]history.Event, error) {
	return r.history.List(ctx, f)
}

// DeleteHistory removes one event from the sync log.
func (r *Runtime) DeleteHistory(ctx context.Context, id int64) error {
	return r.history.Delete(ctx, id)
}

// Undo reverses a history event against AniList and records the
// counter-event. eventID 0 picks the profile's most recent undoable event.
func (r *Runtime) Undo(ctx context.Context, profile string, eventID int64) (*history.Event, error) {
	pr, err := r.profileRuntime(profile)
	if err != nil {
		return nil, err
	}

	var event *history.Event
	if eventID == 0 {
		event, err = r.history.LatestUndoable(ctx, profile)
	} else {
		event, err = r.history.Get(ctx, eventID)
		if err == nil && event.Profile != profile {
			err = history.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	action, err := event.UndoActionFor(pr.profile.DestructiveSync)
	if err != nil {
		return nil, err
	}

	counter := &history.Event{
		Profile:            profile,
		PlexRatingKey:      event.PlexRatingKey,
		PlexChildRatingKey: event.PlexChildRatingKey,
		PlexGuid:           event.PlexGuid,
		PlexType:           event.PlexType,
		AnilistID:          event.AnilistID,
		Before:             event.After,
	}
	switch action.Kind {
	case history.UndoDelete:
		if event.After == nil || event.After.ID == 0 {
			return nil, fmt.Errorf("event %d carries no entry id to delete", event.ID)
		}
		if err := pr.anilist.DeleteEntry(ctx, event.After.ID); err != nil {
			return nil, fmt.Errorf("undoing event %d: %w", event.ID, err)
		}
		counter.Outcome = history.OutcomeDeleted
	default:
		saved, err := pr.anilist.SaveEntry(ctx, action.Entry)
		if err != nil {
			return nil, fmt.Errorf("undoing event %d: %w", event.ID, err)
		}
		counter.Outcome = history.OutcomeSynced
		counter.After = saved
	}

	if err := r.history.RecordUndo(ctx, event, counter); err != nil {
		return nil, err
	}
	r.logger.Info("event undone", "profile", profile, "event_id", event.ID, "anilist_id", event.AnilistID)
	return counter, nil
}

// SnapshotBackup takes an immediate backup for one profile.
func (r *Runtime) SnapshotBackup(ctx context.Context, profile string) (string, error) {
	pr, err := r.profileRuntime(profile)
	if err != nil {
		return "", err
	}
	return pr.backups.Snapshot(ctx)
}

// ListBackups returns one profile's backup files, newest first.
func (r *Runtime) ListBackups(profile string) ([]backup.Info, error) {
	pr, err := r.profileRuntime(profile)
	if err != nil {
		return nil, err
	}
	return pr.backups.List()
}

// RestoreBackup applies a backup file by name or path.
func (r *Runtime) RestoreBackup(ctx context.Context, profile, name string) (backup.RestoreSummary, error) {
	pr, err := r.profileRuntime(profile)
	if err != nil {
		return backup.RestoreSummary{}, err
	}
	return pr.backups.Restore(ctx, name)
}

// SearchMappings runs a Booru-style query against the mappings store.
func (r *Runtime) SearchMappings(ctx context.Context, query string, limit int) ([]mappings.Mapping, error) {
	return r.mappings.Search(ctx, query, limit)
}

// UpsertOverride stores a user mapping override and rematerializes the
// mappings store so the change takes effect immediately.
func (r *Runtime) UpsertOverride(ctx context.Context, anilistID int, payload json.RawMessage) error {
	if err := r.mappings.UpsertOverride(ctx, anilistID, payload, false); err != nil {
		return err
	}
	return r.refresher.Refresh(ctx)
}

// DeleteOverride removes a user mapping override and rematerializes the
// mappings store.
func (r *Runtime) DeleteOverride(ctx context.Context, anilistID int) error {
	if err := r.mappings.DeleteOverride(ctx, anilistID); err != nil {
		return err
	}
	return r.refresher.Refresh(ctx)
}

// PinFields pins fields for one AniList entry; an empty set unpins.
func (r *Runtime) PinFields(ctx context.Context, profile string, anilistID int, fields []string) error {
	if _, err := r.profileRuntime(profile); err != nil {
		return err
	}
	return r.pins.Set(ctx, profile, anilistID, fields)
}

// ListPins returns one profile's pins.
func (r *Runtime) ListPins(ctx context.Context, profile string) ([]pins.Pin, error) {
	if _, err := r.profileRuntime(profile); err != nil {
		return nil, err
	}
	return r.pins.List(ctx, profile)
}

// Subscribe returns a channel of events of the given type. Pass "" to
// receive every event.
func (r *Runtime) Subscribe(eventType string, buffer int) chan events.Event {
	if eventType == "" {
		return r.bus.SubscribeAll(buffer)
	}
	return r.bus.Subscribe(eventType, buffer)
}

// Unsubscribe detaches and closes a channel returned by Subscribe.
func (r *Runtime) Unsubscribe(ch chan events.Event) {
	r.bus.Unsubscribe(ch)
}

func (r *Runtime) profileRuntime(name string) (*profileRuntime, error) {
	pr, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return pr, nil
}

func (r *Runtime) sorted() []*profileRuntime {
	result := make([]*profileRuntime, 0, len(r.profiles))
	for _, name := range sortedNames(r.cfg.Profiles) {
		result = append(result, r.profiles[name])
	}
	return result
}

func sortedNames(profiles map[string]config.Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
