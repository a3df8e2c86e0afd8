package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MirkoSon/SohnBot/pkg/broker"
	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/database"
	"github.com/MirkoSon/SohnBot/pkg/models"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, SplitMessage("hello", 4096))
}

func TestSplitMessagePreservesLines(t *testing.T) {
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, strings.Repeat("x", 50))
	}
	text := strings.Join(lines, "\n")

	chunks := SplitMessage(text, 4096)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 4096)
		for _, line := range strings.Split(chunk, "\n") {
			assert.Len(t, line, 50, "lines survive the split intact")
		}
	}
	assert.Equal(t, text, strings.Join(chunks, "\n"), "no content lost")
}

func TestSplitMessageHardWrapsLongLine(t *testing.T) {
	text := strings.Repeat("a", 10000)
	chunks := SplitMessage(text, 4096)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 4096)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func newGatewayFixture(t *testing.T) (*services.OutboxService, *ToolDispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	require.NoError(t, database.RunMigrations(context.Background(), dbPath))
	m := database.NewManager(dbPath)
	t.Cleanup(func() { m.Close() })
	db, err := m.DB()
	require.NoError(t, err)

	cfg := config.NewManager(filepath.Join(dir, "absent.toml"), filepath.Join(dir, "absent.env"))
	require.NoError(t, cfg.LoadStatic())
	require.NoError(t, cfg.LoadDynamicDefaults())

	root := filepath.Join(dir, "Projects")
	require.NoError(t, os.MkdirAll(root, 0o755))

	outbox := services.NewOutboxService(db)
	router := broker.NewRouter(cfg, broker.NewScopeValidator([]string{root}),
		services.NewAuditService(db), outbox)
	return outbox, NewToolDispatcher(router), root
}

func TestNotifyCommand(t *testing.T) {
	outbox, _, _ := newGatewayFixture(t)
	ctx := context.Background()

	assert.Equal(t, "Usage: /notify on|off|status", HandleNotifyCommand(ctx, outbox, "c1", "/notify"))
	assert.Equal(t, "Usage: /notify on|off|status", HandleNotifyCommand(ctx, outbox, "c1", "/notify maybe"))

	assert.Equal(t, "Notifications are ON.", HandleNotifyCommand(ctx, outbox, "c1", "/notify status"))
	assert.Equal(t, "Notifications disabled.", HandleNotifyCommand(ctx, outbox, "c1", "/notify off"))
	assert.Equal(t, "Notifications are OFF.", HandleNotifyCommand(ctx, outbox, "c1", "/notify status"))
	assert.Equal(t, "Notifications enabled.", HandleNotifyCommand(ctx, outbox, "c1", "/notify ON"))
	assert.Equal(t, "Notifications are ON.", HandleNotifyCommand(ctx, outbox, "c1", "/notify status"))
}

func TestInvokeRoutesThroughBroker(t *testing.T) {
	_, dispatcher, root := newGatewayFixture(t)
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	text := dispatcher.InvokeText(context.Background(), "fs__read",
		map[string]any{"path": path}, "c1")
	assert.Contains(t, text, `"content":"hello"`)
}

func TestInvokeDenialText(t *testing.T) {
	_, dispatcher, _ := newGatewayFixture(t)

	text := dispatcher.InvokeText(context.Background(), "fs__read",
		map[string]any{"path": "/etc/passwd"}, "c1")
	assert.True(t, strings.HasPrefix(text, "❌ Operation denied: "), "got %q", text)
}

func TestInvokeUnknownTool(t *testing.T) {
	_, dispatcher, _ := newGatewayFixture(t)

	res := dispatcher.Invoke(context.Background(), "db.vacuum", nil, "c1")
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.CodeInvalidRequest, res.Error.Code)
}
