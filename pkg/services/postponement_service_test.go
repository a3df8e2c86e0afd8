package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadline(offset time.Duration) *int64 {
	ts := time.Now().Add(offset).Unix()
	return &ts
}

func TestPostponementLifecycle(t *testing.T) {
	db := newTestDB(t)
	svc := NewPostponementService(db)
	ctx := context.Background()

	require.NoError(t, svc.Insert(ctx, PostponedRecord{
		OperationID:             "op-1",
		ChatID:                  "12345",
		OriginalPrompt:          "rename the file",
		OptionA:                 "rename a.txt",
		OptionB:                 "rename b.txt",
		ClarificationDeadlineAt: deadline(time.Minute),
	}))

	rec, err := svc.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, PostponementWaiting, rec.Status)
	assert.Equal(t, 0, rec.RetryEnqueued)

	retryAt := time.Now().Add(30 * time.Minute).Unix()
	cancelAt := time.Now().Add(time.Hour).Unix()
	require.NoError(t, svc.MarkPostponed(ctx, "op-1", retryAt, cancelAt))

	rec, err = svc.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, PostponementPostponed, rec.Status)
	require.NotNil(t, rec.RetryAt)
	assert.Equal(t, retryAt, *rec.RetryAt)

	require.NoError(t, svc.SetRetryEnqueued(ctx, "op-1"))
	rec, err = svc.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryEnqueued)

	require.NoError(t, svc.SetResponse(ctx, "op-1", "the first one"))
	rec, err = svc.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, PostponementResolved, rec.Status)
	require.NotNil(t, rec.ClarificationResponse)
	assert.Equal(t, "the first one", *rec.ClarificationResponse)

	require.NoError(t, svc.Delete(ctx, "op-1"))
	rec, err = svc.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostponementListActive(t *testing.T) {
	db := newTestDB(t)
	svc := NewPostponementService(db)
	ctx := context.Background()

	require.NoError(t, svc.Insert(ctx, PostponedRecord{OperationID: "op-w", ChatID: "1", ClarificationDeadlineAt: deadline(time.Minute)}))
	require.NoError(t, svc.Insert(ctx, PostponedRecord{OperationID: "op-p", ChatID: "2", ClarificationDeadlineAt: deadline(time.Minute)}))
	require.NoError(t, svc.Insert(ctx, PostponedRecord{OperationID: "op-c", ChatID: "3", ClarificationDeadlineAt: deadline(time.Minute)}))

	require.NoError(t, svc.MarkPostponed(ctx, "op-p", time.Now().Unix(), time.Now().Unix()))
	require.NoError(t, svc.UpdateStatus(ctx, "op-c", PostponementCancelled))

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, rec := range active {
		ids = append(ids, rec.OperationID)
	}
	assert.ElementsMatch(t, []string{"op-w", "op-p"}, ids)
}
