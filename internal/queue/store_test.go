package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var databaseCounter atomic.Int64

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func openQueueDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tillsync_queue_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Item{}))
	return db
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewStore(Config{Database: openQueueDatabase(t), Clock: clock.Now})
	require.NoError(t, err)
	return store, clock
}

func version(value int64) *int64 {
	return &value
}

func change(table, recordID string, operation reconcile.Operation, data string) Change {
	var payload json.RawMessage
	if data != "" {
		payload = json.RawMessage(data)
	}
	return Change{Table: table, RecordID: recordID, Operation: operation, Data: payload}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(Config{})
	require.Error(t, err)
}

func TestAddRejectsInvalidChange(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), Change{Table: "products", Operation: reconcile.OperationCreate})
	require.ErrorIs(t, err, ErrInvalidChange)
	_, err = store.Add(context.Background(), Change{Table: "products", RecordID: "p1", Operation: "merge"})
	require.ErrorIs(t, err, ErrInvalidChange)
}

func TestAddKeepsFIFOOrder(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := store.Add(ctx, change("products", id, reconcile.OperationCreate, `{"name":"`+id+`"}`))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "p1", pending[0].RecordID)
	assert.Equal(t, "p2", pending[1].RecordID)
	assert.Equal(t, "p3", pending[2].RecordID)
	for _, item := range pending {
		assert.Equal(t, StatusPending, item.Status)
	}
}

func TestAddCoalescesPendingItemsOfOneRecord(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	created, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{"price":1}`))
	require.NoError(t, err)
	clock.Advance(time.Second)
	updated, err := store.Add(ctx, change("products", "p1", reconcile.OperationUpdate, `{"price":2}`))
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, string(reconcile.OperationCreate), updated.Operation)
	assert.JSONEq(t, `{"price":2}`, string(updated.Data))

	clock.Advance(time.Second)
	deleted, err := store.Add(ctx, change("products", "p1", reconcile.OperationDelete, ""))
	require.NoError(t, err)
	assert.Equal(t, created.ID, deleted.ID)
	assert.Equal(t, string(reconcile.OperationDelete), deleted.Operation)
	assert.True(t, deleted.IsDeleted)
	assert.JSONEq(t, `{"price":2}`, string(deleted.Data))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestAddKeepsFirstBaseVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := change("products", "p1", reconcile.OperationUpdate, `{"price":2}`)
	first.BaseVersion = version(3)
	_, err := store.Add(ctx, first)
	require.NoError(t, err)

	second := change("products", "p1", reconcile.OperationUpdate, `{"price":3}`)
	second.BaseVersion = version(4)
	item, err := store.Add(ctx, second)
	require.NoError(t, err)

	require.NotNil(t, item.BaseVersion)
	assert.EqualValues(t, 3, *item.BaseVersion)
}

func TestClaimTakesOneItemPerRecordAndSkipsConflicts(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	first, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{"v":1}`))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	conflicted, err := store.Add(ctx, change("products", "p2", reconcile.OperationUpdate, `{"v":1}`))
	require.NoError(t, err)
	require.NoError(t, store.MarkConflict(ctx, conflicted.ID, ConflictSnapshot{ServerVersion: 4}))
	clock.Advance(time.Millisecond)

	claimed, err := store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, StatusSyncing, claimed[0].Status)

	// A new edit while the first push is in flight becomes its own pending item and waits.
	later, err := store.Add(ctx, change("products", "p1", reconcile.OperationUpdate, `{"v":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, later.ID)

	again, err := store.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.Complete(ctx, first.ID, 0))
	again, err = store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, later.ID, again[0].ID)
}

func TestClaimHonorsLimitAndBackoff(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := store.Add(ctx, change("products", id, reconcile.OperationCreate, `{}`))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	claimed, err := store.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	_, err = store.Retry(ctx, claimed[0].ID, "timeout", clock.Now().Add(time.Minute), 5)
	require.NoError(t, err)

	next, err := store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "p3", next[0].RecordID)

	clock.Advance(2 * time.Minute)
	next, err = store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, claimed[0].ID, next[0].ID)
}

func TestRetryFailsAfterMaxRetries(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)

	retried, err := store.Retry(ctx, item.ID, "connection refused", clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	retried, err = store.Retry(ctx, item.ID, "connection refused", clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, retried.Status)
	assert.Equal(t, "connection refused", retried.LastError)

	require.NoError(t, store.Requeue(ctx, item.ID))
	requeued, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)

	_, err = store.Retry(ctx, "missing", "x", clock.Now(), 2)
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestRebaseMovesPendingItemsOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, change("products", "p1", reconcile.OperationUpdate, `{}`))
	require.NoError(t, err)
	require.NoError(t, store.Rebase(ctx, "products", "p1", 7))

	loaded, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.BaseVersion)
	assert.EqualValues(t, 7, *loaded.BaseVersion)
}

func TestCompleteHonorsAuditWindow(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	kept, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)
	dropped, err := store.Add(ctx, change("products", "p2", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, kept.ID, time.Hour))
	require.NoError(t, store.Complete(ctx, dropped.ID, 0))

	_, err = store.Get(ctx, dropped.ID)
	require.ErrorIs(t, err, ErrItemNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Completed)

	purged, err := store.PurgeCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged)

	clock.Advance(2 * time.Hour)
	purged, err = store.PurgeCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestConflictSnapshotRoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, change("products", "p1", reconcile.OperationUpdate, `{"price":5}`))
	require.NoError(t, err)
	serverTime := clock.Now().Add(-time.Minute)
	require.NoError(t, store.MarkConflict(ctx, item.ID, ConflictSnapshot{
		ServerData:      json.RawMessage(`{"price":7}`),
		ServerVersion:   3,
		ServerUpdatedAt: serverTime,
	}))

	found, err := store.FindConflict(ctx, "products", "p1")
	require.NoError(t, err)
	snapshot, ok := found.Snapshot()
	require.True(t, ok)
	assert.JSONEq(t, `{"price":7}`, string(snapshot.ServerData))
	assert.EqualValues(t, 3, snapshot.ServerVersion)
	assert.True(t, snapshot.ServerUpdatedAt.Equal(serverTime))

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Conflicts)

	_, err = store.FindConflict(ctx, "products", "p2")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestResetSyncingRecoversInterruptedItems(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reset, err := store.ResetSyncing(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reset)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestBlocksReportsUnconfirmedChanges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)

	blocked, err := Blocks(store.db, "products", "p1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = Blocks(store.db, "products", "p2")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, store.Fail(ctx, item.ID, "rejected"))
	blocked, err = Blocks(store.db, "products", "p1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestByTableAndChangeRecord(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	when := clock.Now().Add(-time.Second)
	submitted := change("orders", "o1", reconcile.OperationDelete, "")
	submitted.UpdatedAt = when
	_, err := store.Add(ctx, submitted)
	require.NoError(t, err)
	_, err = store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)

	orders, err := store.ByTable(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 1)

	record := orders[0].ChangeRecord()
	assert.True(t, record.Deletes())
	assert.True(t, record.ClientTimestamp.Equal(when))
	assert.Nil(t, record.BaseVersion)
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, change("products", "p1", reconcile.OperationCreate, `{}`))
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Release(ctx, []string{claimed[0].ID}))
	item, err := store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
}
