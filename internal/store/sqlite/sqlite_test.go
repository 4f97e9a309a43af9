package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mira/teltow/internal/testutil"
	"github.com/mira/teltow/pkg/event"
	"github.com/mira/teltow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }

func TestSQLiteStore_SaveAndRetrieve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt, _ := testutil.MustNewTestEvent(1, "persisted", [][]string{{"t", "golang"}})
	require.NoError(t, store.SaveEvent(ctx, evt))

	retrieved, err := store.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, retrieved.ID)
	assert.Equal(t, evt.PubKey, retrieved.PubKey)
	assert.Equal(t, evt.CreatedAt, retrieved.CreatedAt)
	assert.Equal(t, evt.Kind, retrieved.Kind)
	assert.Equal(t, evt.Tags, retrieved.Tags)
	assert.Equal(t, evt.Content, retrieved.Content)
	assert.Equal(t, evt.Sig, retrieved.Sig)

	_, err = store.GetEvent(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteStore_SaveDuplicateOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt, _ := testutil.MustNewTestEvent(1, "once", nil)
	require.NoError(t, store.SaveEvent(ctx, evt))
	require.NoError(t, store.SaveEvent(ctx, evt))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt, kp := testutil.MustNewTestEvent(1, "doomed", [][]string{{"t", "golang"}})
	require.NoError(t, store.SaveEvent(ctx, evt))

	deleted, err := store.DeleteEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetEvent(ctx, evt.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// tag rows are gone too: the tag query finds nothing
	results, err := store.QueryEvents(ctx, []*event.Filter{
		{Tags: map[string][]string{"t": {"golang"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.QueryEvents(ctx, []*event.Filter{{Authors: []string{kp.PubKeyHex}}})
	require.NoError(t, err)
	assert.Empty(t, results)

	deleted, err = store.DeleteEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteStore_QueryDimensions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt1, kp1 := testutil.MustNewTestEvent(1, "kind 1 by kp1", [][]string{{"t", "golang"}})
	evt2, err := testutil.NewTestEventWithKey(kp1, 2, "kind 2 by kp1", nil)
	require.NoError(t, err)
	evt3, _ := testutil.MustNewTestEvent(1, "kind 1 by kp2", [][]string{{"t", "rust"}})
	for _, evt := range []*event.Event{evt1, evt2, evt3} {
		require.NoError(t, store.SaveEvent(ctx, evt))
	}

	results, err := store.QueryEvents(ctx, []*event.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.QueryEvents(ctx, []*event.Filter{{Authors: []string{kp1.PubKeyHex}}})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.QueryEvents(ctx, []*event.Filter{
		{Tags: map[string][]string{"t": {"golang"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, evt1.ID, results[0].ID)

	results, err = store.QueryEvents(ctx, []*event.Filter{
		{Kinds: []int{1}, Authors: []string{kp1.PubKeyHex}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, evt1.ID, results[0].ID)
}

func TestSQLiteStore_QueryAssertedEmptySetMatchesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt, _ := testutil.MustNewTestEvent(1, "event", nil)
	require.NoError(t, store.SaveEvent(ctx, evt))

	results, err := store.QueryEvents(ctx, []*event.Filter{{Kinds: []int{}}})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.QueryEvents(ctx, []*event.Filter{{}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSQLiteStore_QueryOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kp := testutil.MustGenerateKeyPair()
	for _, ts := range []int64{30, 10, 50, 20, 40} {
		evt, err := testutil.NewTestEventAt(kp, 1, "ordered", nil, ts)
		require.NoError(t, err)
		require.NoError(t, store.SaveEvent(ctx, evt))
	}

	results, err := store.QueryEvents(ctx, []*event.Filter{
		{Since: int64p(20), Until: int64p(50), Limit: intp(2)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(50), results[0].CreatedAt)
	assert.Equal(t, int64(40), results[1].CreatedAt)
}

func TestSQLiteStore_QueryIgnoresNonPositiveLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kp := testutil.MustGenerateKeyPair()
	for _, ts := range []int64{10, 20} {
		evt, err := testutil.NewTestEventAt(kp, 1, "limited", nil, ts)
		require.NoError(t, err)
		require.NoError(t, store.SaveEvent(ctx, evt))
	}

	results, err := store.QueryEvents(ctx, []*event.Filter{{Limit: intp(-1)}})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.QueryEvents(ctx, []*event.Filter{{Limit: intp(0)}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	store, err := New(path)
	require.NoError(t, err)

	evt, _ := testutil.MustNewTestEvent(1, "durable", nil)
	require.NoError(t, store.SaveEvent(ctx, evt))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	retrieved, err := reopened.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, evt.Content, retrieved.Content)
}
