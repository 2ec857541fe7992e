package resolver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/eliasbenb/plexanibridge/internal/anilist"
	"github.com/eliasbenb/plexanibridge/internal/database"
	"github.com/eliasbenb/plexanibridge/internal/mappings"
	"github.com/eliasbenb/plexanibridge/internal/plex"
	"github.com/eliasbenb/plexanibridge/internal/resolver/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(n int) *int { return &n }

func setupStore(t *testing.T) *mappings.Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := mappings.NewStore(db)
	records := []mappings.Mapping{
		{
			AnilistID:    21,
			TvdbID:       intPtr(81797),
			MalID:        mappings.IntList{21},
			ImdbID:       mappings.StringList{"tt0388629"},
			TvdbMappings: map[string]string{"s1": "e1-"},
			TitleRomaji:  "One Piece",
		},
		{
			AnilistID:   30,
			TmdbMovieID: mappings.IntList{149},
			ImdbID:      mappings.StringList{"tt0094625"},
			TitleRomaji: "AKIRA",
		},
		// One TVDB season split across two AniList entries (cours split).
		{
			AnilistID:    99147,
			TvdbID:       intPtr(267440),
			TvdbMappings: map[string]string{"s3": "e1-e12"},
			TitleRomaji:  "Shingeki no Kyojin 3",
		},
		{
			AnilistID:    104578,
			TvdbID:       intPtr(267440),
			TvdbMappings: map[string]string{"s3": "e13-e22"},
			TitleRomaji:  "Shingeki no Kyojin 3 Part 2",
		},
		// Overlapping claims on the same season: the open range should win.
		{AnilistID: 700, TvdbID: intPtr(888), TvdbMappings: map[string]string{"s1": "e1-"}},
		{AnilistID: 701, TvdbID: intPtr(888), TvdbMappings: map[string]string{"s1": "e1-e12"}},
		// Identical claims from the same source: unresolvable.
		{AnilistID: 800, TvdbID: intPtr(999), TvdbMappings: map[string]string{"s1": "e1-e12"}},
		{AnilistID: 801, TvdbID: intPtr(999), TvdbMappings: map[string]string{"s1": "e1-e12"}},
		// Identical claims from different sources: the earlier source wins.
		{AnilistID: 850, TvdbID: intPtr(998), TvdbMappings: map[string]string{"s1": "e1-e12"},
			Sources: []string{"extra.json"}, SourceRank: 2},
		{AnilistID: 851, TvdbID: intPtr(998), TvdbMappings: map[string]string{"s1": "e1-e12"},
			Sources: []string{"root.json"}, SourceRank: 1},
		// Source preference fixtures.
		{AnilistID: 500, TvdbID: intPtr(111), TvdbMappings: map[string]string{"s1": "e1-"}},
		{AnilistID: 600, MalID: mappings.IntList{222}, TvdbMappings: map[string]string{"s1": "e1-"}},
		// Duplicate movie identifier.
		{AnilistID: 900, TmdbMovieID: mappings.IntList{5000}},
		{AnilistID: 901, TmdbMovieID: mappings.IntList{5000}},
		// Override-only record matched by title.
		{
			AnilistID:    9999,
			Custom:       true,
			TitleRomaji:  "Watashi no Oshi",
			TitleEnglish: "My Custom Show",
		},
	}
	require.NoError(t, store.ReplaceAll(context.Background(), records))
	return store
}

func movieItem(guids ...plex.Guid) *plex.Item {
	return &plex.Item{Type: plex.TypeMovie, Title: "Movie", Guids: guids}
}

func seasonItem(season int, guids ...plex.Guid) *plex.Item {
	return &plex.Item{Type: plex.TypeSeason, Title: "Show", Index: season, Guids: guids}
}

func episodeItem(season, episode int, guids ...plex.Guid) *plex.Item {
	return &plex.Item{Type: plex.TypeEpisode, Title: "Show", SeasonIndex: season, Index: episode, Guids: guids}
}

func TestResolve_MovieByGuid(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	targets, err := r.Resolve(context.Background(), movieItem(plex.Guid{Source: "tmdb", ID: "149"}))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 30, targets[0].AnilistID)
	assert.Equal(t, MethodGuid, targets[0].Method)
	assert.Equal(t, "e1", targets[0].Range.String())
}

func TestResolve_MovieImdbSkipsShowRecords(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	// tt0388629 belongs to the One Piece show record; a movie item carrying
	// it must not resolve to a show.
	targets, err := r.Resolve(context.Background(), movieItem(plex.Guid{Source: "imdb", ID: "tt0388629"}))
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestResolve_MovieAmbiguous(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	_, err := r.Resolve(context.Background(), movieItem(plex.Guid{Source: "tmdb", ID: "5000"}))
	var ambig *AmbiguousError
	require.ErrorAs(t, err, &ambig)
	assert.Equal(t, []int{900, 901}, ambig.Candidates)
}

func TestResolve_SeasonByGuid(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	targets, err := r.Resolve(context.Background(), seasonItem(1, plex.Guid{Source: "tvdb", ID: "81797"}))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 21, targets[0].AnilistID)
	assert.True(t, targets[0].Range.Open())
}

func TestResolve_CoursSplitSeason(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	targets, err := r.Resolve(context.Background(), seasonItem(3, plex.Guid{Source: "tvdb", ID: "267440"}))
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, 99147, targets[0].AnilistID)
	assert.Equal(t, "e1-e12", targets[0].Range.String())
	assert.Equal(t, 104578, targets[1].AnilistID)
	assert.Equal(t, "e13-e22", targets[1].Range.String())
}

func TestResolve_EpisodePicksCour(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())
	ctx := context.Background()
	guid := plex.Guid{Source: "tvdb", ID: "267440"}

	targets, err := r.Resolve(ctx, episodeItem(3, 13, guid))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 104578, targets[0].AnilistID)

	targets, err = r.Resolve(ctx, episodeItem(3, 12, guid))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 99147, targets[0].AnilistID)
}

func TestResolve_GuidSourcePreference(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	// Both identifiers resolve, but tvdb outranks mal.
	targets, err := r.Resolve(context.Background(), seasonItem(1,
		plex.Guid{Source: "mal", ID: "222"},
		plex.Guid{Source: "tvdb", ID: "111"},
	))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 500, targets[0].AnilistID)
}

func TestResolve_OverlapLongerRangeWins(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	targets, err := r.Resolve(context.Background(), seasonItem(1, plex.Guid{Source: "tvdb", ID: "888"}))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 700, targets[0].AnilistID)
	assert.True(t, targets[0].Range.Open())
}

func TestResolve_IdenticalRangesAmbiguous(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	_, err := r.Resolve(context.Background(), seasonItem(1, plex.Guid{Source: "tvdb", ID: "999"}))
	var ambig *AmbiguousError
	require.ErrorAs(t, err, &ambig)
	assert.Equal(t, []int{800, 801}, ambig.Candidates)
}

func TestResolve_IdenticalRangesEarlierSourceWins(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	targets, err := r.Resolve(context.Background(), seasonItem(1, plex.Guid{Source: "tvdb", ID: "998"}))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 851, targets[0].AnilistID)
}

func TestResolve_OverrideByTitle(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	item := seasonItem(1)
	item.Title = "My Custom Show"
	targets, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 9999, targets[0].AnilistID)
	assert.Equal(t, MethodOverride, targets[0].Method)
	assert.True(t, targets[0].Range.Open())
}

func TestResolve_FuzzyMatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	search.EXPECT().SearchMedia(gomock.Any(), "Sousou no Frieren", 2023, 10).Return([]anilist.Media{
		{ID: 154587, Title: anilist.MediaTitle{Romaji: "Sousou no Frieren"}, SeasonYear: 2023},
	}, nil)

	r := New(setupStore(t), search, testLogger())
	item := seasonItem(1)
	item.Title = "Sousou no Frieren"
	item.Year = 2023

	targets, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 154587, targets[0].AnilistID)
	assert.Equal(t, MethodFuzzy, targets[0].Method)
	assert.InDelta(t, 100, targets[0].Similarity, 0.01)
}

func TestResolve_FuzzyBelowThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	search.EXPECT().SearchMedia(gomock.Any(), "Completely Different", 0, 10).Return([]anilist.Media{
		{ID: 1, Title: anilist.MediaTitle{Romaji: "Nothing Alike Whatsoever"}},
	}, nil)

	r := New(setupStore(t), search, testLogger())
	item := seasonItem(1)
	item.Title = "Completely Different"

	targets, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestResolve_FuzzyRetriesWithoutYear(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	gomock.InOrder(
		search.EXPECT().SearchMedia(gomock.Any(), "AKIRA", 1989, 10).Return(nil, nil),
		search.EXPECT().SearchMedia(gomock.Any(), "AKIRA", 0, 10).Return([]anilist.Media{
			{ID: 47, Title: anilist.MediaTitle{Romaji: "AKIRA"}, SeasonYear: 1988},
		}, nil),
	)

	r := New(setupStore(t), search, testLogger())
	item := movieItem()
	item.Title = "AKIRA"
	item.Year = 1989

	targets, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 47, targets[0].AnilistID)
	assert.Equal(t, "e1", targets[0].Range.String())
}

func TestResolve_FuzzyTieBreaks(t *testing.T) {
	t.Run("year match wins", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		search := mocks.NewMockSearchClient(ctrl)
		search.EXPECT().SearchMedia(gomock.Any(), "Frieren", 2024, 10).Return([]anilist.Media{
			{ID: 300, Title: anilist.MediaTitle{Romaji: "Frieren"}, SeasonYear: 2020},
			{ID: 200, Title: anilist.MediaTitle{Romaji: "Frieren"}, SeasonYear: 2024},
		}, nil)

		r := New(setupStore(t), search, testLogger())
		item := seasonItem(1)
		item.Title = "Frieren"
		item.Year = 2024

		targets, err := r.Resolve(context.Background(), item)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, 200, targets[0].AnilistID)
	})

	t.Run("lower id wins", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		search := mocks.NewMockSearchClient(ctrl)
		search.EXPECT().SearchMedia(gomock.Any(), "Frieren", 0, 10).Return([]anilist.Media{
			{ID: 300, Title: anilist.MediaTitle{Romaji: "Frieren"}},
			{ID: 200, Title: anilist.MediaTitle{Romaji: "Frieren"}},
		}, nil)

		r := New(setupStore(t), search, testLogger())
		item := seasonItem(1)
		item.Title = "Frieren"

		targets, err := r.Resolve(context.Background(), item)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, 200, targets[0].AnilistID)
	})
}

func TestResolve_FuzzySeasonQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	search.EXPECT().SearchMedia(gomock.Any(), "Overlord Season 4", 0, 10).Return([]anilist.Media{
		{ID: 133844, Title: anilist.MediaTitle{Romaji: "Overlord Season 4"}},
	}, nil)

	r := New(setupStore(t), search, testLogger())
	item := seasonItem(4)
	item.Title = "Overlord"

	targets, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 133844, targets[0].AnilistID)
}

func TestResolve_LearnsFuzzyShowMatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	search.EXPECT().SearchMedia(gomock.Any(), "Sousou no Frieren", 0, 10).Return([]anilist.Media{
		{ID: 154587, Title: anilist.MediaTitle{Romaji: "Sousou no Frieren"}},
	}, nil)

	store := setupStore(t)
	r := New(store, search, testLogger(), WithLearning())
	item := episodeItem(1, 2, plex.Guid{Source: "tvdb", ID: "424536"})
	item.Title = "Sousou no Frieren"

	_, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)

	overrides, err := store.ListOverrides(context.Background())
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 154587, overrides[0].AnilistID)
	assert.True(t, overrides[0].Learned)
	assert.JSONEq(t, `{"tvdb_id": 424536, "tvdb_mappings": {"s1": ""}}`, string(overrides[0].Payload))
}

func TestResolve_LearnsFuzzyMovieMatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	search := mocks.NewMockSearchClient(ctrl)
	search.EXPECT().SearchMedia(gomock.Any(), "Suzume no Tojimari", 0, 10).Return([]anilist.Media{
		{ID: 142770, Title: anilist.MediaTitle{Romaji: "Suzume no Tojimari"}},
	}, nil)

	store := setupStore(t)
	r := New(store, search, testLogger(), WithLearning())
	item := movieItem(plex.Guid{Source: "tmdb", ID: "916224"})
	item.Title = "Suzume no Tojimari"

	_, err := r.Resolve(context.Background(), item)
	require.NoError(t, err)

	overrides, err := store.ListOverrides(context.Background())
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 142770, overrides[0].AnilistID)
	assert.JSONEq(t, `{"tmdb_movie_id": 916224}`, string(overrides[0].Payload))
}

func TestResolve_UnsupportedType(t *testing.T) {
	r := New(setupStore(t), nil, testLogger())

	_, err := r.Resolve(context.Background(), &plex.Item{Type: plex.TypeShow, Title: "Show"})
	assert.Error(t, err)
}
