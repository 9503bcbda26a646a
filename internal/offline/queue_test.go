package offline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/fieldsync/internal/localstore"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewQueue(localstore.NewMemoryStore(), QueueOptions{Now: clock.Now, MaxNotFoundAttempts: 2}), clock
}

func TestEnqueueMintsTemporaryIdentifierForCreate(t *testing.T) {
	queue, _ := newTestQueue(t)
	op, err := queue.Enqueue(context.Background(), "clients", ActionCreate, Record{"name": "Acme"})
	require.NoError(t, err)
	require.True(t, IsTemporaryID(IdentifierString(op.Payload["id"])))
	require.NotEmpty(t, op.Payload.UUID())
	require.NotEmpty(t, op.ID)
	require.False(t, op.Synced)

	kept, err := queue.Enqueue(context.Background(), "clients", ActionCreate, Record{"id": "temp-1-a", "name": "B"})
	require.NoError(t, err)
	require.Equal(t, "temp-1-a", kept.Payload["id"])

	update, err := queue.Enqueue(context.Background(), "clients", ActionUpdate, Record{"id": 5})
	require.NoError(t, err)
	require.Nil(t, update.Payload["uuid"])
}

func TestEnqueueAcceptsAnyShapeAndKeepsOrder(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{"name": "A"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "unknown_store", Action("merge"), nil)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "clients", ActionDelete, Record{"id": 3})
	require.NoError(t, err)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, ActionCreate, pending[0].Action)
	require.Equal(t, Action("merge"), pending[1].Action)
	require.Equal(t, ActionDelete, pending[2].Action)
	require.Less(t, pending[0].Timestamp, pending[1].Timestamp)
	require.Less(t, pending[1].Timestamp, pending[2].Timestamp)
}

func TestMarkSyncedMatchesTimestampAndStore(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	first, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{"name": "A"})
	require.NoError(t, err)
	second, err := queue.Enqueue(ctx, "products", ActionCreate, Record{"name": "P"})
	require.NoError(t, err)

	marked, err := queue.MarkSynced(ctx, []OperationKey{
		first.Key(),
		{Timestamp: second.Timestamp, StoreName: "clients"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)

	status, err := queue.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, QueueStatus{Total: 2, Pending: 1, Synced: 1}, status)
}

func TestPruneOnlyRemovesSyncedEntriesPastRetention(t *testing.T) {
	queue, clock := newTestQueue(t)
	ctx := context.Background()
	old, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{"name": "old"})
	require.NoError(t, err)
	oldPending, err := queue.Enqueue(ctx, "clients", ActionUpdate, Record{"id": 1})
	require.NoError(t, err)
	_, err = queue.MarkSynced(ctx, []OperationKey{old.Key()})
	require.NoError(t, err)

	clock.now = clock.now.Add(6 * 24 * time.Hour)
	recent, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{"name": "recent"})
	require.NoError(t, err)
	_, err = queue.MarkSynced(ctx, []OperationKey{recent.Key()})
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * 24 * time.Hour)
	pruned, err := queue.Prune(ctx, DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	all, err := queue.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, oldPending.ID, all[0].ID)
	require.Equal(t, recent.ID, all[1].ID)
}

func TestRecordFailureDeadLettersRepeatedNotFound(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	op, err := queue.Enqueue(ctx, "clients", ActionUpdate, Record{"id": 99})
	require.NoError(t, err)
	invalid, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{})
	require.NoError(t, err)

	notFound := Failure{Status: "error", Code: FailureNotFound, Message: "record not found"}
	updated, err := queue.RecordFailure(ctx, op.Key(), notFound)
	require.NoError(t, err)
	require.False(t, updated.DeadLettered)
	updated, err = queue.RecordFailure(ctx, op.Key(), notFound)
	require.NoError(t, err)
	require.True(t, updated.DeadLettered)
	require.Equal(t, 2, updated.Attempts)

	for i := 0; i < 5; i++ {
		_, err = queue.RecordFailure(ctx, invalid.Key(), Failure{Status: FailureValidation, Code: FailureValidation, Message: "name is required"})
		require.NoError(t, err)
	}

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, invalid.ID, pending[0].ID)
	require.Equal(t, 5, pending[0].Attempts)

	dead, err := queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, err = queue.Prune(ctx, time.Nanosecond)
	require.NoError(t, err)
	dead, err = queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	retried, err := queue.Retry(ctx, op.ID)
	require.NoError(t, err)
	require.False(t, retried.DeadLettered)
	require.Zero(t, retried.Attempts)

	discarded, err := queue.Discard(ctx, invalid.ID)
	require.NoError(t, err)
	require.Equal(t, invalid.ID, discarded.ID)
	_, err = queue.Discard(ctx, invalid.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err = queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, op.ID, pending[0].ID)
}

func TestRewriteIdentifierUpdatesPendingReferences(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	create, err := queue.Enqueue(ctx, "clients", ActionCreate, Record{"id": "temp-123", "name": "Acme"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "clients", ActionUpdate, Record{"id": "temp-123", "name": "Acme Ltd"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "sales_orders", ActionCreate, Record{"client_id": "temp-123"})
	require.NoError(t, err)
	_, err = queue.MarkSynced(ctx, []OperationKey{create.Key()})
	require.NoError(t, err)

	rewritten, err := queue.RewriteIdentifier(ctx, "temp-123", "c-987")
	require.NoError(t, err)
	require.Equal(t, 2, rewritten)

	all, err := queue.All(ctx)
	require.NoError(t, err)
	require.Equal(t, "temp-123", all[0].Payload["id"])
	require.Equal(t, "c-987", all[1].Payload["id"])
	require.Equal(t, "c-987", all[2].Payload["client_id"])
}

func TestQueueSurvivesReopenOnFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	store, err := localstore.NewFileStore(path)
	require.NoError(t, err)
	queue := NewQueue(store, QueueOptions{})
	op, err := queue.Enqueue(context.Background(), "clients", ActionCreate, Record{"name": "A"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := localstore.NewFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	queue = NewQueue(reopened, QueueOptions{})
	pending, err := queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, op.ID, pending[0].ID)
	require.Equal(t, op.Timestamp, pending[0].Timestamp)

	next, err := queue.Enqueue(context.Background(), "clients", ActionCreate, Record{"name": "B"})
	require.NoError(t, err)
	require.Greater(t, next.Timestamp, op.Timestamp)
}
