package notify

import (
	"context"
	"log/slog"

	"github.com/PenguCCN/Jellycord/internal/discord"
)

// Notifier delivers human-readable summaries to wherever operators watch.
// Delivery is best-effort everywhere: a dead sink must never fail the
// operation that produced the summary.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// ChannelNotifier posts to a Discord channel, falling back to the log when
// the post fails.
type ChannelNotifier struct {
	rest      *discord.REST
	channelID string
	log       *slog.Logger
}

func NewChannelNotifier(log *slog.Logger, rest *discord.REST, channelID string) *ChannelNotifier {
	return &ChannelNotifier{rest: rest, channelID: channelID, log: log}
}

func (n *ChannelNotifier) Notify(ctx context.Context, message string) {
	if n.channelID == "" {
		n.log.Info("notification", "message", message)
		return
	}
	if err := n.rest.SendMessage(ctx, n.channelID, message); err != nil {
		n.log.Warn("notification_delivery_failed", "error", err, "message", message)
	}
}

// LogNotifier writes summaries to the structured log only.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, message string) {
	n.log.Info("notification", "message", message)
}
