package gateway

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MirkoSon/SohnBot/pkg/services"
)

const notifyUsage = "Usage: /notify on|off|status"

// HandleNotifyCommand processes `/notify on|off|status` for one chat and
// returns the reply text.
func HandleNotifyCommand(ctx context.Context, outbox *services.OutboxService, chatID, commandText string) string {
	parts := strings.Fields(commandText)
	if len(parts) < 2 {
		return notifyUsage
	}

	switch strings.ToLower(parts[1]) {
	case "on":
		if err := outbox.SetNotificationsEnabled(ctx, chatID, true); err != nil {
			slog.Error("notify_toggle_failed", "chat_id", chatID, "error", err)
			return "Failed to update notification settings."
		}
		return "Notifications enabled."
	case "off":
		if err := outbox.SetNotificationsEnabled(ctx, chatID, false); err != nil {
			slog.Error("notify_toggle_failed", "chat_id", chatID, "error", err)
			return "Failed to update notification settings."
		}
		return "Notifications disabled."
	case "status":
		enabled, err := outbox.NotificationsEnabled(ctx, chatID)
		if err != nil {
			slog.Error("notify_status_failed", "chat_id", chatID, "error", err)
			return "Failed to read notification settings."
		}
		if enabled {
			return "Notifications are ON."
		}
		return "Notifications are OFF."
	}
	return notifyUsage
}
