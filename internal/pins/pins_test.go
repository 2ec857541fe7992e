package pins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliasbenb/plexanibridge/internal/database"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStore_SetGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "main", 12345, []string{"score", "notes"}))

	fields, err := store.Get(ctx, "main", 12345)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "score"}, fields)

	// Replace.
	require.NoError(t, store.Set(ctx, "main", 12345, []string{"status"}))
	fields, err = store.Get(ctx, "main", 12345)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, fields)

	// Other profiles are isolated.
	fields, err = store.Get(ctx, "alt", 12345)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestStore_RejectsUnknownField(t *testing.T) {
	store := setupStore(t)
	err := store.Set(context.Background(), "main", 1, []string{"rating"})
	assert.ErrorContains(t, err, "unknown pin field")
}

func TestStore_EmptySetRemoves(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "main", 1, []string{"score"}))
	require.NoError(t, store.Set(ctx, "main", 1, nil))
	fields, err := store.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Empty(t, fields)

	// Removing a pin that never existed is not an error through Set.
	require.NoError(t, store.Set(ctx, "main", 2, nil))
}

func TestStore_RemoveAndList(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "main", 30, []string{"score"}))
	require.NoError(t, store.Set(ctx, "main", 21, []string{"progress", "status"}))

	list, err := store.List(ctx, "main")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 21, list[0].AnilistID)
	assert.Equal(t, []string{"progress", "status"}, list[0].Fields)

	m, err := store.Map(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"score"}, m[30])

	require.NoError(t, store.Remove(ctx, "main", 30))
	assert.ErrorIs(t, store.Remove(ctx, "main", 30), ErrNotFound)
}

func TestValidField(t *testing.T) {
	assert.True(t, ValidField("score"))
	assert.True(t, ValidField("completed_at"))
	assert.False(t, ValidField("media_id"))
}
