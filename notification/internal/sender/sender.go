// Package sender delivers rendered notifications.
package sender

import (
	"context"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/notification/internal/models"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n *models.Notification) error
}

// LogSender writes notifications to the service log instead of a mail relay.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n *models.Notification) error {
	s.logger.InfoContext(ctx, "notification sent",
		"notification_id", n.ID,
		"channel", n.Channel,
		"recipient", n.Recipient,
		"subject", n.Subject,
		"trigger", n.Trigger,
	)
	return nil
}
