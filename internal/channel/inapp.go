package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// InAppSender handles the in-app channel. The notification row itself
// is the in-app surface and the realtime hub already pushed the created
// event, so a send is a no-op that always succeeds.
type InAppSender struct {
	logger *zap.Logger
}

// NewInAppSender creates the in-app sender.
func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Send(_ context.Context, msg *Message) (string, error) {
	s.logger.Debug("in-app delivery recorded",
		zap.String("notification_id", msg.Notification.ID.String()),
		zap.String("recipient_id", msg.Recipient.ID.String()),
	)
	return "", nil
}

func (s *InAppSender) SupportsChannel(channelType db.ChannelType) bool {
	return channelType == db.ChannelInApp
}
