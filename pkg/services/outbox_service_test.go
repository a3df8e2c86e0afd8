package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEnqueueAndGetPending(t *testing.T) {
	db := newTestDB(t)
	svc := NewOutboxService(db)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "op-1", "12345", "✅ fs.read completed"))
	require.NoError(t, svc.Enqueue(ctx, "op-2", "12345", "❌ git.commit failed"))

	pending, err := svc.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "op-1", pending[0].OperationID)
	assert.Equal(t, OutboxPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestOutboxMarkSentIsTerminal(t *testing.T) {
	db := newTestDB(t)
	svc := NewOutboxService(db)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "op-1", "12345", "hello"))
	pending, err := svc.GetPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, svc.MarkSent(ctx, pending[0].ID))

	remaining, err := svc.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var entry OutboxEntry
	require.NoError(t, db.Get(&entry, "SELECT * FROM notification_outbox WHERE id = ?", pending[0].ID))
	assert.Equal(t, OutboxSent, entry.Status)
	assert.NotNil(t, entry.SentAt)
	assert.Nil(t, entry.ErrorDetails)
}

func TestOutboxRetryFlow(t *testing.T) {
	db := newTestDB(t)
	svc := NewOutboxService(db)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "op-1", "12345", "hello"))
	pending, err := svc.GetPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	count, err := svc.MarkFailed(ctx, id, "send failed")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// failed rows are not pending
	due, err := svc.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// a scheduled retry in the future is not yet due
	require.NoError(t, svc.ScheduleRetry(ctx, id, 60))
	due, err = svc.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// a retry due now comes back with the retry count preserved
	require.NoError(t, svc.ScheduleRetry(ctx, id, 0))
	due, err = svc.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	require.NotNil(t, due[0].ErrorDetails)
	assert.Equal(t, "send failed", *due[0].ErrorDetails)
}

func TestOutboxNotificationsToggle(t *testing.T) {
	db := newTestDB(t)
	svc := NewOutboxService(db)
	ctx := context.Background()

	enabled, err := svc.NotificationsEnabled(ctx, "12345")
	require.NoError(t, err)
	assert.True(t, enabled, "default is enabled")

	require.NoError(t, svc.SetNotificationsEnabled(ctx, "12345", false))
	enabled, err = svc.NotificationsEnabled(ctx, "12345")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, svc.SetNotificationsEnabled(ctx, "12345", true))
	enabled, err = svc.NotificationsEnabled(ctx, "12345")
	require.NoError(t, err)
	assert.True(t, enabled)

	// other chats are unaffected
	enabled, err = svc.NotificationsEnabled(ctx, "67890")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestOutboxStats(t *testing.T) {
	db := newTestDB(t)
	svc := NewOutboxService(db)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, int64(0), stats.OldestCreatedAt)

	lag, err := svc.LagSeconds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lag)

	require.NoError(t, svc.Enqueue(ctx, "op-1", "12345", "hello"))
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Greater(t, stats.OldestCreatedAt, int64(0))
	assert.GreaterOrEqual(t, stats.LastCreatedAt, stats.OldestCreatedAt)
}
