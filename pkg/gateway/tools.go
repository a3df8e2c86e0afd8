package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MirkoSon/SohnBot/pkg/broker"
	"github.com/MirkoSon/SohnBot/pkg/models"
)

// ToolNames lists every agent-facing tool, one per capability action. The
// `<capability>__<action>` form keeps tool names flat for the agent runtime.
var ToolNames = []string{
	"fs__read",
	"fs__list",
	"fs__search",
	"fs__apply_patch",
	"git__status",
	"git__diff",
	"git__checkout",
	"git__commit",
	"git__rollback",
	"git__list_snapshots",
	"git__prune_snapshots",
}

// ToolDispatcher routes agent tool calls through the broker. Every tool, no
// exception, goes through Route; the dispatcher holds no capability access
// of its own.
type ToolDispatcher struct {
	broker *broker.Router
}

// NewToolDispatcher creates a dispatcher over the given broker.
func NewToolDispatcher(b *broker.Router) *ToolDispatcher {
	return &ToolDispatcher{broker: b}
}

// Invoke routes one named tool call and returns the broker's verdict.
func (d *ToolDispatcher) Invoke(ctx context.Context, toolName string, args map[string]any, chatID string) *models.BrokerResult {
	capability, action, ok := splitToolName(toolName)
	if !ok {
		return &models.BrokerResult{
			Allowed: false,
			Error: models.NewError(models.CodeInvalidRequest,
				fmt.Sprintf("Unknown tool: %s", toolName)),
		}
	}
	slog.Info("tool_invoked", "tool", toolName, "chat_id", chatID)
	return d.broker.Route(ctx, models.Operation{
		Capability: capability,
		Action:     action,
		Params:     args,
		ChatID:     chatID,
	})
}

// InvokeText routes a tool call and renders the outcome as the text the
// agent layer relays: a denial line on error, the JSON result otherwise.
func (d *ToolDispatcher) InvokeText(ctx context.Context, toolName string, args map[string]any, chatID string) string {
	return RenderResult(d.Invoke(ctx, toolName, args, chatID))
}

// RenderResult converts a broker result to relay text.
func RenderResult(res *models.BrokerResult) string {
	if res.Error != nil {
		return RenderDenial(res.Error)
	}
	encoded, err := json.Marshal(res.Result)
	if err != nil {
		return RenderDenial(models.NewError(models.CodeExecutionError,
			"Failed to encode operation result"))
	}
	return string(encoded)
}

// RenderDenial is the terse user-visible form of a structured error.
func RenderDenial(opErr *models.OperationError) string {
	return fmt.Sprintf("❌ Operation denied: %s", opErr.Message)
}

func splitToolName(toolName string) (capability, action string, ok bool) {
	capability, action, found := strings.Cut(toolName, "__")
	if !found || capability == "" || action == "" {
		return "", "", false
	}
	return capability, action, true
}
