package anilist

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func decodeRequest(t *testing.T, r *http.Request) gqlRequest {
	t.Helper()
	var req gqlRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestClient_Viewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		req := decodeRequest(t, r)
		assert.Contains(t, req.Query, "Viewer")
		_, _ = w.Write([]byte(`{"data": {"Viewer": {"id": 42, "name": "elias",
			"mediaListOptions": {"scoreFormat": "POINT_100"}}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	v, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v.ID)
	assert.Equal(t, "elias", v.Name)
	assert.Equal(t, ScorePoint100, v.ScoreFormat)
}

func TestClient_UserListPaged(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		page := int(req.Variables["page"].(float64))
		pages.Add(1)
		switch page {
		case 1:
			_, _ = w.Write([]byte(`{"data": {"Page": {
				"pageInfo": {"hasNextPage": true},
				"mediaList": [{"id": 1000, "mediaId": 21, "status": "CURRENT", "progress": 3,
					"score": 8.5, "notes": "good",
					"startedAt": {"year": 2024, "month": 3, "day": 1},
					"completedAt": {"year": null, "month": null, "day": null},
					"media": {"id": 21, "episodes": 0, "title": {"romaji": "One Piece"}}}]}}}`))
		default:
			_, _ = w.Write([]byte(`{"data": {"Page": {
				"pageInfo": {"hasNextPage": false},
				"mediaList": [{"id": 1001, "mediaId": 30, "status": "COMPLETED", "progress": 1,
					"score": null, "notes": null, "startedAt": null, "completedAt": null}]}}}`))
		}
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	list, err := c.UserList(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	assert.Equal(t, 2, list.Len())

	e := list.Get(21)
	require.NotNil(t, e)
	assert.Equal(t, StatusCurrent, e.Status)
	assert.Equal(t, 3, e.Progress)
	require.NotNil(t, e.Score)
	assert.Equal(t, 8.5, *e.Score)
	require.NotNil(t, e.StartedAt)
	assert.Equal(t, FuzzyDate{Year: 2024, Month: 3, Day: 1}, *e.StartedAt)

	done := list.Get(30)
	require.NotNil(t, done)
	assert.Nil(t, done.Score, "null score stays nil, distinct from 0")
	assert.Nil(t, done.StartedAt)

	assert.Nil(t, list.Get(999))
}

func TestClient_SaveEntryOmitsNilFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, float64(21), req.Variables["mediaId"])
		assert.Equal(t, "CURRENT", req.Variables["status"])
		assert.Equal(t, float64(5), req.Variables["progress"])
		_, hasScore := req.Variables["score"]
		assert.False(t, hasScore, "nil score must be omitted")
		_, hasNotes := req.Variables["notes"]
		assert.False(t, hasNotes)
		_, _ = w.Write([]byte(`{"data": {"SaveMediaListEntry":
			{"id": 1000, "mediaId": 21, "status": "CURRENT", "progress": 5}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	saved, err := c.SaveEntry(context.Background(), &ListEntry{
		MediaID:  21,
		Status:   StatusCurrent,
		Progress: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, saved.ID)
	assert.Equal(t, 5, saved.Progress)
}

func TestClient_DeleteEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Contains(t, req.Query, "DeleteMediaListEntry")
		assert.Equal(t, float64(1000), req.Variables["id"])
		_, _ = w.Write([]byte(`{"data": {"DeleteMediaListEntry": {"deleted": true}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	require.NoError(t, c.DeleteEntry(context.Background(), 1000))
}

func TestClient_SearchMediaYearFilter(t *testing.T) {
	var gotYear any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		gotYear = req.Variables["seasonYear"]
		_, _ = w.Write([]byte(`{"data": {"Page": {"media": [
			{"id": 47, "title": {"romaji": "AKIRA"}, "seasonYear": 1988}]}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	ctx := context.Background()

	media, err := c.SearchMedia(ctx, "Akira", 1988, 5)
	require.NoError(t, err)
	require.Len(t, media, 1)
	assert.Equal(t, 47, media[0].ID)
	assert.Equal(t, float64(1988), gotYear)

	_, err = c.SearchMedia(ctx, "Akira", 0, 5)
	require.NoError(t, err)
	assert.Nil(t, gotYear, "zero year omits the filter")
}

func TestClient_MediaBatchChunks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		calls.Add(1)
		ids := req.Variables["ids"].([]any)
		assert.LessOrEqual(t, len(ids), listPageSize)
		_, _ = w.Write([]byte(`{"data": {"Page": {"media": [{"id": 1}]}}}`))
	}))
	defer srv.Close()

	ids := make([]int, 70)
	for i := range ids {
		ids[i] = i + 1
	}
	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.MediaBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"data": null, "errors": [{"message": "Not Found.", "status": 404}]}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_UnauthorizedIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("bad", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestClient_ReadRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"data": {"Viewer": {"id": 1, "name": "x",
			"mediaListOptions": {"scoreFormat": "POINT_10"}}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_MutationNotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.SaveEntry(context.Background(), &ListEntry{MediaID: 21})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a 5xx after receipt may have committed")
}

func TestClient_RateLimitPause(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data": {"Viewer": {"id": 1, "name": "x",
			"mediaListOptions": {"scoreFormat": "POINT_10"}}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_AdjustsLimiterFromHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "30")
		_, _ = w.Write([]byte(`{"data": {"Viewer": {"id": 1, "name": "x",
			"mediaListOptions": {"scoreFormat": "POINT_10"}}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	_, err := c.Viewer(context.Background())
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 30, c.knownLimit)
	assert.InDelta(t, 30*rateMargin/60.0, float64(c.limiter.Limit()), 1e-9)
}

func TestClient_SaveEntriesBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		req := decodeRequest(t, r)
		assert.Contains(t, req.Query, "m0: SaveMediaListEntry")
		assert.Contains(t, req.Query, "m1: SaveMediaListEntry")
		assert.Equal(t, float64(21), req.Variables["mediaId0"])
		assert.Equal(t, float64(30), req.Variables["mediaId1"])
		_, _ = w.Write([]byte(`{"data": {
			"m0": {"id": 1, "mediaId": 21, "status": "CURRENT", "progress": 3},
			"m1": {"id": 2, "mediaId": 30, "status": "COMPLETED", "progress": 1}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	results, err := c.SaveEntries(context.Background(), []*ListEntry{
		{MediaID: 21, Status: StatusCurrent, Progress: 3},
		{MediaID: 30, Status: StatusCompleted, Progress: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "two entries coalesce into one request")
	require.Len(t, results, 2)
	assert.Equal(t, 21, results[0].MediaID)
	assert.Equal(t, 30, results[1].MediaID)
}

func TestClient_SaveEntriesFallsBackPerItem(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		req := decodeRequest(t, r)
		if strings.Contains(req.Query, "m0:") {
			// Batch document fails.
			_, _ = w.Write([]byte(`{"data": null, "errors": [{"message": "validation", "status": 400}]}`))
			return
		}
		if req.Variables["mediaId"] == float64(30) {
			_, _ = w.Write([]byte(`{"data": null, "errors": [{"message": "boom", "status": 400}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data": {"SaveMediaListEntry":
			{"id": 1, "mediaId": 21, "status": "CURRENT", "progress": 3}}}`))
	}))
	defer srv.Close()

	c := New("tok", WithEndpoint(srv.URL), WithLogger(testLogger()))
	results, err := c.SaveEntries(context.Background(), []*ListEntry{
		{MediaID: 21, Status: StatusCurrent, Progress: 3},
		{MediaID: 30, Status: StatusCompleted, Progress: 1},
	})
	require.Error(t, err, "the bad entry's error surfaces")
	require.Len(t, results, 2)
	assert.NotNil(t, results[0], "good entry still saved")
	assert.Nil(t, results[1])
	assert.Equal(t, int32(3), calls.Load(), "batch attempt plus two per-item saves")
}
