package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// LogNotifier writes events to the service log. Useful as the only channel in development.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Channel returns the channel name
func (n *LogNotifier) Channel() string {
	return entity.ChannelLog
}

// Notify logs the event summary
func (n *LogNotifier) Notify(ctx context.Context, evt *event.Event) error {
	n.logger.Info("Notification",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type.String()),
		zap.String("instance_id", evt.InstanceID),
		zap.String("summary", Summary(evt)),
	)
	return nil
}
