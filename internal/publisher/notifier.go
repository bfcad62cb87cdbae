package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

// Notifier announces refreshed snapshots. Publish failures are logged and
// never fail the refresh that triggered them.
type Notifier struct {
	pub    ecfr.Publisher
	topic  string
	logger *zap.Logger
}

// NewNotifier wires a Notifier. A nil publisher disables notifications.
func NewNotifier(pub ecfr.Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}
}

// SnapshotRefreshed publishes n and returns the message id, or "" when the
// notification was not sent.
func (n *Notifier) SnapshotRefreshed(ctx context.Context, note ecfr.SnapshotNotification) string {
	if n == nil || n.pub == nil {
		return ""
	}
	id, err := n.pub.Publish(ctx, n.topic, note)
	if err != nil {
		n.logger.Warn("snapshot notification failed", zap.String("run_id", note.RunID), zap.Error(err))
		return ""
	}
	n.logger.Info("snapshot notification published",
		zap.String("run_id", note.RunID),
		zap.String("message_id", id),
		zap.Int("titles", note.Titles),
	)
	return id
}
