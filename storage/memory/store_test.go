package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aklyachkin/syncwire/cursor"
	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/storage"
)

func chain(parent int64, n int) []storage.PendingEvent {
	batch := make([]storage.PendingEvent, n)
	for i := range batch {
		batch[i] = storage.PendingEvent{
			ParentSeqNum: parent + int64(i),
			Name:         fmt.Sprintf("v1.Event%d", i),
			ClientID:     "c1",
			SessionID:    "s1",
		}
	}
	return batch
}

func TestAppendAssignsAndConflicts(t *testing.T) {
	store := New()
	ctx := context.Background()

	records, err := store.Append(ctx, "s1", chain(0, 2), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), records[0].SeqNum)
	assert.Equal(t, int64(2), records[1].SeqNum)

	_, err = store.Append(ctx, "s1", chain(0, 1), time.Now())
	require.Error(t, err)
	assert.True(t, syncErrors.IsConflict(err))

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestReadRangePagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.Append(ctx, "s1", chain(0, 10), time.Now())
	require.NoError(t, err)

	page, remaining, err := store.ReadRange(ctx, "s1", cursor.New(3), 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, int64(4), page[0].SeqNum)
	assert.Equal(t, int64(3), remaining)

	all, remaining, err := store.ReadRange(ctx, "s1", cursor.Zero, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Zero(t, remaining)
}

func TestReadRangeNegativeCursorReadsFromStart(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.Append(ctx, "s1", chain(0, 3), time.Now())
	require.NoError(t, err)

	page, remaining, err := store.ReadRange(ctx, "s1", cursor.New(-1), 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(1), page[0].SeqNum)
	assert.Zero(t, remaining)
}

func TestResetAndIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.Append(ctx, "a", chain(0, 3), time.Now())
	require.NoError(t, err)
	_, err = store.Append(ctx, "b", chain(0, 1), time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "a"))

	headA, _ := store.Head(ctx, "a")
	headB, _ := store.Head(ctx, "b")
	assert.Zero(t, headA)
	assert.Equal(t, int64(1), headB)
}

func TestClosedStore(t *testing.T) {
	store := New()
	require.NoError(t, store.Close())

	_, err := store.Append(context.Background(), "s1", chain(0, 1), time.Now())
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}
