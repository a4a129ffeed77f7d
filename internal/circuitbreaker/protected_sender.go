package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/channel"
	"github.com/meattrace/notify/internal/db"
)

// ProtectedSender wraps a channel.Sender with a CircuitBreaker. When
// the downstream provider (SES, SNS, FCM) starts failing, the circuit
// opens and sends fail fast instead of piling up. Permanent failures
// are the message's fault, not the provider's, so they never count
// against the breaker.
type ProtectedSender struct {
	sender  channel.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender channel.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a send through the circuit breaker. If the circuit is
// open, returns ErrCircuitOpen immediately.
func (p *ProtectedSender) Send(ctx context.Context, msg *channel.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", msg.Notification.ID.String()),
			zap.String("channel", string(msg.Channel.Type)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	providerID, err := p.sender.Send(ctx, msg)
	if err != nil {
		if channel.IsPermanent(err) {
			p.breaker.RecordSuccess()
			return "", err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channelType db.ChannelType) bool {
	return p.sender.SupportsChannel(channelType)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
