// Package resolver converts Plex library items into AniList targets: an
// AniList ID plus the episode range it covers. Resolution tries the mapping
// store's identifier graph first, then title matches against override-only
// records, then a fuzzy AniList search.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/hbollon/go-edlib"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/mappings"
	"github.com/eliasbenb/plexanibridge/internal/plex"
)

//go:generate mockgen -destination=mocks/searchclient.go -package=mocks . SearchClient

// SearchClient is the slice of the AniList client the fuzzy stage needs.
type SearchClient interface {
	SearchMedia(ctx context.Context, search string, year, limit int) ([]anilist.Media, error)
}

// MatchMethod records which resolution stage produced a target.
type MatchMethod string

const (
	MethodGuid     MatchMethod = "guid"
	MethodOverride MatchMethod = "override"
	MethodFuzzy    MatchMethod = "fuzzy"
)

// DefaultFuzzyThreshold is the minimum similarity (0-100) a fuzzy candidate
// must reach.
const DefaultFuzzyThreshold = 90.0

// guid source preference per scope.
var (
	showSources  = []string{"tvdb", "tmdb", "imdb", "anidb", "mal"}
	movieSources = []string{"tmdb", "imdb"}
)

// Target is one resolved (AniList ID, episode range) pair.
type Target struct {
	AnilistID int
	Range     mappings.EpisodeRange
	// Mapping is the record that produced the target; nil for fuzzy hits.
	Mapping    *mappings.Mapping
	Method     MatchMethod
	Similarity float64
}

// AmbiguousError reports a tie the rules could not break. The caller records
// the item as not found with the candidate list as a diagnostic.
type AmbiguousError struct {
	Title      string
	Candidates []int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous match for %q: candidates %v", e.Title, e.Candidates)
}

// Resolver resolves Plex items against a mappings snapshot.
type Resolver struct {
	store     *mappings.Store
	search    SearchClient
	logger    *slog.Logger
	threshold float64
	learn     bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the fuzzy acceptance threshold (0-100). The boundary
// value is accepted.
func WithThreshold(t float64) Option {
	return func(r *Resolver) { r.threshold = t }
}

// WithLearning persists accepted fuzzy matches as learned overrides so the
// next database sync materializes them into the identifier graph.
func WithLearning() Option {
	return func(r *Resolver) { r.learn = true }
}

// New creates a resolver over the mapping store, using search for the fuzzy
// fallback stage.
func New(store *mappings.Store, search SearchClient, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:     store,
		search:    search,
		logger:    logger.With("component", "resolver"),
		threshold: DefaultFuzzyThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the AniList targets covering the item, in deterministic
// order. An empty result with nil error means the item has no counterpart.
func (r *Resolver) Resolve(ctx context.Context, item *plex.Item) ([]Target, error) {
	switch item.Type {
	case plex.TypeMovie:
		return r.resolveMovie(ctx, item)
	case plex.TypeSeason:
		return r.resolveShow(ctx, item, item.Index, 0)
	case plex.TypeEpisode:
		return r.resolveShow(ctx, item, item.SeasonIndex, item.Index)
	default:
		return nil, fmt.Errorf("cannot resolve item type %q", item.Type)
	}
}

func (r *Resolver) resolveMovie(ctx context.Context, item *plex.Item) ([]Target, error) {
	movieRange, _ := mappings.ParseRange("e1")

	for _, source := range movieSources {
		id, ok := item.ExternalID(source)
		if !ok {
			continue
		}
		hits, err := r.lookupMovie(ctx, source, id)
		if err != nil {
			return nil, err
		}
		switch len(hits) {
		case 0:
			continue
		case 1:
			m := hits[0]
			return []Target{{AnilistID: m.AnilistID, Range: movieRange, Mapping: &m, Method: MethodGuid}}, nil
		default:
			return nil, ambiguous(item.Title, hits)
		}
	}

	if t := r.matchOverrideByTitle(ctx, item); t != nil {
		t.Range = movieRange
		return []Target{*t}, nil
	}

	t, err := r.fuzzyMatch(ctx, item, 0)
	if err != nil || t == nil {
		return nil, err
	}
	t.Range = movieRange
	return []Target{*t}, nil
}

func (r *Resolver) lookupMovie(ctx context.Context, source, id string) ([]mappings.Mapping, error) {
	switch source {
	case "tmdb":
		n, err := strconv.Atoi(id)
		if err != nil {
			return nil, nil
		}
		return r.store.FindByTmdbMovieID(ctx, n)
	case "imdb":
		hits, err := r.store.FindByImdbID(ctx, id)
		if err != nil {
			return nil, err
		}
		// IMDb IDs also appear on show records; keep movie scope.
		movies := hits[:0]
		for _, m := range hits {
			if !m.IsShow() {
				movies = append(movies, m)
			}
		}
		return movies, nil
	}
	return nil, nil
}

// resolveShow resolves a season (episode == 0) or a single episode.
func (r *Resolver) resolveShow(ctx context.Context, item *plex.Item, season, episode int) ([]Target, error) {
	for _, source := range showSources {
		id, ok := item.ExternalID(source)
		if !ok {
			continue
		}
		hits, err := r.lookupShow(ctx, source, id)
		if err != nil {
			return nil, err
		}
		targets, err := r.seasonTargets(item.Title, hits, season)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			continue
		}
		if episode > 0 {
			targets = filterEpisode(targets, episode)
			if len(targets) > 1 {
				return nil, ambiguousTargets(item.Title, targets)
			}
		}
		return targets, nil
	}

	if t := r.matchOverrideByTitle(ctx, item); t != nil {
		t.Range, _ = mappings.ParseRange("")
		return []Target{*t}, nil
	}

	t, err := r.fuzzyMatch(ctx, item, season)
	if err != nil || t == nil {
		return nil, err
	}
	t.Range, _ = mappings.ParseRange("")
	return []Target{*t}, nil
}

func (r *Resolver) lookupShow(ctx context.Context, source, id string) ([]mappings.Mapping, error) {
	n, _ := strconv.Atoi(id)
	switch source {
	case "tvdb":
		if n == 0 {
			return nil, nil
		}
		return r.store.FindByTvdbID(ctx, n)
	case "tmdb":
		if n == 0 {
			return nil, nil
		}
		return r.store.FindByTmdbShowID(ctx, n)
	case "imdb":
		hits, err := r.store.FindByImdbID(ctx, id)
		if err != nil {
			return nil, err
		}
		shows := hits[:0]
		for _, m := range hits {
			if m.IsShow() {
				shows = append(shows, m)
			}
		}
		return shows, nil
	case "anidb":
		if n == 0 {
			return nil, nil
		}
		return r.store.FindByAnidbID(ctx, n)
	case "mal":
		if n == 0 {
			return nil, nil
		}
		return r.store.FindByMalID(ctx, n)
	}
	return nil, nil
}

// seasonTargets intersects the hits' season range tables with the season,
// producing one target per mapping claiming a slice of it. Overlaps resolve
// to the longest range; for identical ranges the record from the earliest
// source in resolved include order wins, and only an equal-rank pair is a
// tie.
func (r *Resolver) seasonTargets(title string, hits []mappings.Mapping, season int) ([]Target, error) {
	var targets []Target
	for i := range hits {
		m := hits[i]
		rng, ok, err := m.SeasonRange(season)
		if err != nil {
			r.logger.Warn("bad season range in mapping", "anilist_id", m.AnilistID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		targets = append(targets, Target{AnilistID: m.AnilistID, Range: rng, Mapping: &m, Method: MethodGuid})
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Range.Start() != targets[j].Range.Start() {
			return targets[i].Range.Start() < targets[j].Range.Start()
		}
		return targets[i].AnilistID < targets[j].AnilistID
	})

	// Prune overlapping ranges: the longer claim wins, an exact duplicate
	// is unresolvable.
	pruned := targets[:0]
	for _, t := range targets {
		if len(pruned) == 0 {
			pruned = append(pruned, t)
			continue
		}
		prev := &pruned[len(pruned)-1]
		if !rangesOverlap(prev.Range, t.Range) {
			pruned = append(pruned, t)
			continue
		}
		if prev.Range.String() == t.Range.String() {
			if prev.Mapping.SourceRank == t.Mapping.SourceRank {
				return nil, ambiguousTargets(title, []Target{*prev, t})
			}
			if t.Mapping.SourceRank < prev.Mapping.SourceRank {
				*prev = t
			}
			continue
		}
		if rangeLonger(t.Range, prev.Range) {
			*prev = t
		}
	}
	return pruned, nil
}

func filterEpisode(targets []Target, episode int) []Target {
	out := targets[:0]
	for _, t := range targets {
		if t.Range.Contains(episode) {
			out = append(out, t)
		}
	}
	return out
}

func rangesOverlap(a, b mappings.EpisodeRange) bool {
	if a.Specials() || b.Specials() {
		return a.Specials() == b.Specials()
	}
	if a.Open() && b.Open() {
		return true
	}
	// Check the bounded one's episodes against the other.
	probe, other := a, b
	if a.Open() {
		probe, other = b, a
	}
	for _, ep := range probe.Episodes(0) {
		if other.Contains(ep) {
			return true
		}
	}
	return false
}

func rangeLonger(a, b mappings.EpisodeRange) bool {
	if a.Open() != b.Open() {
		return a.Open()
	}
	return a.Count(0) > b.Count(0)
}

// matchOverrideByTitle applies override-only records (custom mappings with
// no external identifiers) by normalized title equality.
func (r *Resolver) matchOverrideByTitle(ctx context.Context, item *plex.Item) *Target {
	custom, err := r.store.CustomMappings(ctx)
	if err != nil {
		r.logger.Warn("loading custom mappings", "error", err)
		return nil
	}
	want := normalizeTitle(item.Title)
	if want == "" {
		return nil
	}
	for i := range custom {
		m := custom[i]
		if m.TvdbID != nil || m.AnidbID != nil || len(m.TmdbMovieID) > 0 ||
			len(m.TmdbShowID) > 0 || len(m.ImdbID) > 0 || len(m.MalID) > 0 {
			continue
		}
		for _, title := range []string{m.TitleRomaji, m.TitleEnglish, m.TitleNative} {
			if title != "" && normalizeTitle(title) == want {
				return &Target{AnilistID: m.AnilistID, Mapping: &m, Method: MethodOverride}
			}
		}
	}
	return nil
}

// fuzzyMatch searches AniList by title and accepts the best candidate iff
// its normalized Levenshtein similarity reaches the threshold. Year agreement
// breaks ties, then the lower media ID.
func (r *Resolver) fuzzyMatch(ctx context.Context, item *plex.Item, season int) (*Target, error) {
	if r.search == nil || item.Title == "" {
		return nil, nil
	}
	query := item.Title
	if season > 1 {
		query = fmt.Sprintf("%s Season %d", item.Title, season)
	}

	candidates, err := r.search.SearchMedia(ctx, query, item.Year, 10)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search %q: %w", query, err)
	}
	if len(candidates) == 0 && item.Year > 0 {
		candidates, err = r.search.SearchMedia(ctx, query, 0, 10)
		if err != nil {
			return nil, fmt.Errorf("fuzzy search %q: %w", query, err)
		}
	}

	normQuery := normalizeTitle(query)
	var best *Target
	var bestYearMatch bool
	for _, media := range candidates {
		sim := bestSimilarity(normQuery, media.Title.All())
		if sim < r.threshold {
			continue
		}
		yearMatch := item.Year > 0 && media.SeasonYear == item.Year
		if best == nil ||
			sim > best.Similarity ||
			(sim == best.Similarity && yearMatch && !bestYearMatch) ||
			(sim == best.Similarity && yearMatch == bestYearMatch && media.ID < best.AnilistID) {
			best = &Target{AnilistID: media.ID, Method: MethodFuzzy, Similarity: sim}
			bestYearMatch = yearMatch
		}
	}
	if best == nil {
		return nil, nil
	}

	r.logger.Debug("fuzzy match accepted",
		"title", item.Title, "anilist_id", best.AnilistID, "similarity", best.Similarity)
	if r.learn {
		r.persistLearned(ctx, item, season, best.AnilistID)
	}
	return best, nil
}

func bestSimilarity(normQuery string, titles []string) float64 {
	var best float64
	for _, title := range titles {
		sim, err := edlib.StringsSimilarity(normQuery, normalizeTitle(title), edlib.Levenshtein)
		if err != nil {
			continue
		}
		if s := float64(sim) * 100; s > best {
			best = s
		}
	}
	return best
}

// persistLearned stores the fuzzy hit as a learned override keyed by the
// item's strongest identifier so the next database sync makes it a direct
// guid match.
func (r *Resolver) persistLearned(ctx context.Context, item *plex.Item, season int, anilistID int) {
	payload := map[string]any{}
	switch item.Type {
	case plex.TypeMovie:
		if id, ok := item.ExternalID("tmdb"); ok {
			payload["tmdb_movie_id"], _ = strconv.Atoi(id)
		} else if id, ok := item.ExternalID("imdb"); ok {
			payload["imdb_id"] = id
		}
	default:
		if id, ok := item.ExternalID("tvdb"); ok {
			n, _ := strconv.Atoi(id)
			payload["tvdb_id"] = n
			payload["tvdb_mappings"] = map[string]string{"s" + strconv.Itoa(season): ""}
		}
	}
	if len(payload) == 0 {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.store.UpsertOverride(ctx, anilistID, encoded, true); err != nil {
		r.logger.Warn("persisting learned mapping", "anilist_id", anilistID, "error", err)
		return
	}
	r.logger.Info("learned mapping persisted", "anilist_id", anilistID, "title", item.Title)
}

func ambiguous(title string, hits []mappings.Mapping) error {
	ids := make([]int, 0, len(hits))
	for _, m := range hits {
		ids = append(ids, m.AnilistID)
	}
	sort.Ints(ids)
	return &AmbiguousError{Title: title, Candidates: ids}
}

func ambiguousTargets(title string, targets []Target) error {
	ids := make([]int, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.AnilistID)
	}
	sort.Ints(ids)
	return &AmbiguousError{Title: title, Candidates: ids}
}
