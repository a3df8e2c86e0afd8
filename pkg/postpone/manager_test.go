package postpone

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/database"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

func newManagerFixture(t *testing.T) (*Manager, *services.PostponementService, *sqlx.DB) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	require.NoError(t, database.RunMigrations(context.Background(), dbPath))
	dbm := database.NewManager(dbPath)
	t.Cleanup(func() { dbm.Close() })
	db, err := dbm.DB()
	require.NoError(t, err)

	cfg := config.NewManager(filepath.Join(dir, "absent.toml"), filepath.Join(dir, "absent.env"))
	require.NoError(t, cfg.LoadStatic())
	require.NoError(t, cfg.LoadDynamicDefaults())

	store := services.NewPostponementService(db)
	m := NewManager(cfg, store, services.NewOutboxService(db))
	t.Cleanup(m.Stop)
	return m, store, db
}

func TestResolveWhileWaiting(t *testing.T) {
	m, store, _ := newManagerFixture(t)
	ctx := context.Background()

	p, err := m.AddPending(ctx, "op-1", "c1", "Which file?", "a.txt", "b.txt")
	require.NoError(t, err)

	done := make(chan *Pending, 1)
	go func() { done <- m.WaitForClarification(ctx, "c1", 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Resolve(ctx, "c1", "the first one"))

	waited := <-done
	require.Same(t, p, waited)

	resolved := m.ConsumeResolved(ctx, "c1")
	require.NotNil(t, resolved)
	assert.Equal(t, "the first one", resolved.Response())
	assert.Equal(t, "Which file?\n\nClarification provided by user: the first one",
		resolved.ClarifiedPrompt())

	rec, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "row deleted on consume")
}

func TestWaitTimesOut(t *testing.T) {
	m, _, _ := newManagerFixture(t)
	ctx := context.Background()

	_, err := m.AddPending(ctx, "op-1", "c1", "Which?", "A", "B")
	require.NoError(t, err)

	assert.Nil(t, m.WaitForClarification(ctx, "c1", 30*time.Millisecond))
}

func TestOnePendingPerChat(t *testing.T) {
	m, _, _ := newManagerFixture(t)
	ctx := context.Background()

	_, err := m.AddPending(ctx, "op-1", "c1", "Which?", "A", "B")
	require.NoError(t, err)
	_, err = m.AddPending(ctx, "op-2", "c1", "Other?", "C", "D")
	assert.Error(t, err)

	_, err = m.AddPending(ctx, "op-3", "c2", "Other chat", "C", "D")
	assert.NoError(t, err)
}

func TestResolveUnknownChat(t *testing.T) {
	m, _, _ := newManagerFixture(t)
	assert.False(t, m.Resolve(context.Background(), "nobody", "hi"))
}

func TestRetryReminderEnqueued(t *testing.T) {
	m, store, db := newManagerFixture(t)
	ctx := context.Background()

	p, err := m.AddPending(ctx, "op-1", "c1", "Which branch?", "main", "dev")
	require.NoError(t, err)
	m.PostponeAndSchedule(ctx, p)

	m.fireRetry(p)

	var texts []string
	require.NoError(t, db.Select(&texts, `SELECT message_text FROM notification_outbox`))
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Which branch?")
	assert.Contains(t, texts[0], "main")
	assert.Contains(t, texts[0], "dev")

	rec, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, services.PostponementPostponed, rec.Status)
	assert.Equal(t, 1, rec.RetryEnqueued)
	require.NotNil(t, rec.RetryAt)
	require.NotNil(t, rec.CancelAt)
	assert.Greater(t, *rec.CancelAt, *rec.RetryAt)
}

func TestCancelFiresAndCleansUp(t *testing.T) {
	m, store, _ := newManagerFixture(t)
	ctx := context.Background()

	p, err := m.AddPending(ctx, "op-1", "c1", "Which?", "A", "B")
	require.NoError(t, err)
	m.PostponeAndSchedule(ctx, p)

	m.fireCancel(p)

	assert.False(t, m.Resolve(ctx, "c1", "too late"))
	rec, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, services.PostponementCancelled, rec.Status)
}

func TestRecoverPending(t *testing.T) {
	m, store, _ := newManagerFixture(t)
	ctx := context.Background()
	now := time.Now().Unix()

	deadline := now - 10
	require.NoError(t, store.Insert(ctx, services.PostponedRecord{
		OperationID: "op-waiting", ChatID: "c1",
		OriginalPrompt: "Still here?", OptionA: "A", OptionB: "B",
		Status: services.PostponementWaiting, ClarificationDeadlineAt: &deadline,
	}))
	require.NoError(t, store.Insert(ctx, services.PostponedRecord{
		OperationID: "op-postponed", ChatID: "c2",
		OriginalPrompt: "Pick one", OptionA: "C", OptionB: "D",
		Status: services.PostponementWaiting,
	}))
	retryAt := now + 600
	cancelAt := now + 1200
	require.NoError(t, store.MarkPostponed(ctx, "op-postponed", retryAt, cancelAt))

	require.NoError(t, m.RecoverPending(ctx))

	// both chats are live again
	assert.True(t, m.Resolve(ctx, "c1", "yes"))
	assert.True(t, m.Resolve(ctx, "c2", "C"))

	// the orphaned waiting row was postponed with fresh deadlines
	rec, err := store.Get(ctx, "op-waiting")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, services.PostponementPostponed, rec.Status)
	require.NotNil(t, rec.RetryAt)
	assert.GreaterOrEqual(t, *rec.RetryAt, now)
}

func TestPersistenceDegradesWithoutStore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewManager(filepath.Join(dir, "absent.toml"), filepath.Join(dir, "absent.env"))
	require.NoError(t, cfg.LoadStatic())
	require.NoError(t, cfg.LoadDynamicDefaults())

	m := NewManager(cfg, nil, nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	p, err := m.AddPending(ctx, "op-1", "c1", "Which?", "A", "B")
	require.NoError(t, err)
	m.PostponeAndSchedule(ctx, p)
	m.fireRetry(p)
	assert.True(t, m.Resolve(ctx, "c1", "A"))
	require.NotNil(t, m.ConsumeResolved(ctx, "c1"))
	require.NoError(t, m.RecoverPending(ctx))
}
