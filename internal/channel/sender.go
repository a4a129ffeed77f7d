// Package channel implements the delivery channels: in-app, email via
// SES, SMS via SNS, and mobile push via FCM.
package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// Message is one outbound delivery: the notification, the channel it
// rides, the recipient's contact surface, and the rendered text.
type Message struct {
	Notification *db.Notification
	Channel      *db.NotificationChannel
	Recipient    *db.Recipient
	Subject      string
	Body         string
}

// Sender is the unified interface for all notification channels.
// Send returns the provider's message id when the provider issues one.
type Sender interface {
	Send(ctx context.Context, msg *Message) (providerMessageID string, err error)
	SupportsChannel(channelType db.ChannelType) bool
}

// Dispatcher routes messages to the appropriate channel sender.
type Dispatcher struct {
	senders []Sender
	logger  *zap.Logger
}

// NewDispatcher creates a router over the given senders.
func NewDispatcher(logger *zap.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// Send routes the message to the first sender supporting its channel
// type. An unroutable channel is a permanent failure.
func (d *Dispatcher) Send(ctx context.Context, msg *Message) (string, error) {
	for _, sender := range d.senders {
		if sender.SupportsChannel(msg.Channel.Type) {
			d.logger.Debug("routing message to sender",
				zap.String("channel", string(msg.Channel.Type)),
				zap.String("notification_id", msg.Notification.ID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", Permanent(fmt.Errorf("no sender for channel type: %s", msg.Channel.Type))
}

// SupportsChannel checks if any underlying sender supports the channel type.
func (d *Dispatcher) SupportsChannel(channelType db.ChannelType) bool {
	for _, sender := range d.senders {
		if sender.SupportsChannel(channelType) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of sending them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) (string, error) {
	s.logger.Info("logging message (development mode)",
		zap.String("notification_id", msg.Notification.ID.String()),
		zap.String("channel", string(msg.Channel.Type)),
		zap.String("recipient", msg.Recipient.Username),
		zap.String("subject", msg.Subject),
	)
	return "", nil
}

func (s *LogSender) SupportsChannel(channelType db.ChannelType) bool {
	return channelType == db.ChannelEmail || channelType == db.ChannelSMS || channelType == db.ChannelPush
}
