// Package delivery owns the per-channel delivery lifecycle: pending
// through sent, delivered, retrying, failed, or cancelled.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/channel"
	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/metrics"
	"github.com/meattrace/notify/internal/ratelimit"
)

// Store is the delivery persistence the tracker needs.
type Store interface {
	Create(ctx context.Context, d *db.NotificationDelivery) error
	Get(ctx context.Context, id uuid.UUID) (*db.NotificationDelivery, error)
	Update(ctx context.Context, d *db.NotificationDelivery) error
	ClaimDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*db.NotificationDelivery, error)
	CancelForNotifications(ctx context.Context, notificationIDs []uuid.UUID, now time.Time) (int64, error)
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationDelivery, error)
	ListFailed(ctx context.Context, since time.Time, limit int) ([]*db.NotificationDelivery, error)
}

// NotificationSource loads the notification a delivery belongs to.
type NotificationSource interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// ChannelSource lists active channels; the cached decorator satisfies it.
type ChannelSource interface {
	ListActive(ctx context.Context) ([]*db.NotificationChannel, error)
}

// RecipientSource loads a recipient's contact details.
type RecipientSource interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
}

// Admitter is the per-user rate limiter.
type Admitter interface {
	Allow(ctx context.Context, userID uuid.UUID, ch *db.NotificationChannel) (*ratelimit.Decision, error)
}

// OutcomeSink receives terminal delivery outcomes, e.g. the SQS
// publisher feeding the analytics pipeline. Optional.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, d *db.NotificationDelivery) error
}

// Config tunes the tracker.
type Config struct {
	// MaxRetries is the per-delivery retry budget.
	MaxRetries int
	// StalePending is how old a pending delivery must be before the
	// retry sweep reclaims it as orphaned.
	StalePending time.Duration
	// ClaimBatch bounds deliveries claimed per sweep.
	ClaimBatch int
}

// Tracker drives deliveries through their state machine.
type Tracker struct {
	store         Store
	notifications NotificationSource
	channels      ChannelSource
	recipients    RecipientSource
	admitter      Admitter
	sender        channel.Sender
	outcomes      OutcomeSink
	config        Config
	logger        *zap.Logger
	now           func() time.Time
}

// NewTracker creates a delivery tracker. outcomes may be nil.
func NewTracker(store Store, notifications NotificationSource, channels ChannelSource, recipients RecipientSource, admitter Admitter, sender channel.Sender, outcomes OutcomeSink, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StalePending <= 0 {
		cfg.StalePending = 5 * time.Minute
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 100
	}

	return &Tracker{
		store:         store,
		notifications: notifications,
		channels:      channels,
		recipients:    recipients,
		admitter:      admitter,
		sender:        sender,
		outcomes:      outcomes,
		config:        cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Dispatch creates one delivery per requested channel type and
// attempts each immediately. Channel types with no active channel are
// logged and skipped rather than failing the whole notification.
func (t *Tracker) Dispatch(ctx context.Context, n *db.Notification, channelTypes []db.ChannelType) error {
	active, err := t.channels.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}

	byType := make(map[db.ChannelType]*db.NotificationChannel, len(active))
	for _, ch := range active {
		if _, ok := byType[ch.Type]; !ok {
			byType[ch.Type] = ch
		}
	}

	for _, channelType := range channelTypes {
		ch, ok := byType[channelType]
		if !ok {
			t.logger.Warn("no active channel for type, skipping delivery",
				zap.String("channel_type", string(channelType)),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}

		now := t.now()
		d := &db.NotificationDelivery{
			ID:             uuid.New(),
			NotificationID: n.ID,
			ChannelID:      ch.ID,
			RecipientID:    n.RecipientID,
			Status:         db.StatusPending,
			MaxRetries:     t.config.MaxRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		// One channel's failure must not block the others; the row is
		// simply missing and the notification itself already exists.
		if err := t.store.Create(ctx, d); err != nil {
			t.logger.Error("failed to create delivery, skipping channel",
				zap.String("notification_id", n.ID.String()),
				zap.String("channel", ch.Name),
				zap.Error(err),
			)
			continue
		}

		t.attempt(ctx, d, n, ch)
	}

	return nil
}

// attempt runs one send for a claimed delivery and records the result.
// Errors are absorbed into the delivery row; the caller never fails.
func (t *Tracker) attempt(ctx context.Context, d *db.NotificationDelivery, n *db.Notification, ch *db.NotificationChannel) {
	now := t.now()

	if n.Expired(now) {
		t.cancel(ctx, d)
		return
	}

	recipient, err := t.recipients.Get(ctx, d.RecipientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			t.fail(ctx, d, ch, "recipient no longer exists")
			return
		}
		t.logger.Error("recipient lookup failed, leaving delivery for retry sweep",
			zap.String("delivery_id", d.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !recipient.IsActive {
		t.fail(ctx, d, ch, "recipient is inactive")
		return
	}

	decision, err := t.admitter.Allow(ctx, d.RecipientID, ch)
	if err != nil {
		t.logger.Error("rate limit check failed, leaving delivery for retry sweep",
			zap.String("delivery_id", d.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !decision.Allowed {
		// A rate limited attempt is a skip, not a failure: the
		// delivery stays pending with no retry consumed and the
		// sweep will reclaim it after the window resets.
		metrics.RecordRateLimitSkip(string(ch.Type))
		d.Status = db.StatusPending
		d.NextRetryAt = &decision.RetryAt
		d.UpdatedAt = now
		t.update(ctx, d)
		t.logger.Info("delivery skipped by rate limiter",
			zap.String("delivery_id", d.ID.String()),
			zap.String("channel", ch.Name),
			zap.Time("retry_at", decision.RetryAt),
		)
		return
	}

	msg := &channel.Message{
		Notification: n,
		Channel:      ch,
		Recipient:    recipient,
		Subject:      n.Title,
		Body:         n.Message,
	}

	providerID, err := t.sender.Send(ctx, msg)
	if err != nil {
		if channel.IsPermanent(err) {
			t.fail(ctx, d, ch, err.Error())
			return
		}
		t.scheduleRetry(ctx, d, ch, err)
		return
	}

	sentAt := t.now()
	d.Status = db.StatusSent
	d.SentAt = &sentAt
	d.LastError = nil
	d.NextRetryAt = nil
	if providerID != "" {
		d.ProviderMessageID = &providerID
	}

	// Channels without a provider receipt are delivered the moment
	// the send succeeds.
	if !ch.Type.HasDeliveryReceipt() {
		d.Status = db.StatusDelivered
		d.DeliveredAt = &sentAt
		metrics.RecordDeliveryLatency(string(ch.Type), sentAt.Sub(d.CreatedAt))
	}

	d.UpdatedAt = sentAt
	t.update(ctx, d)

	metrics.RecordDeliveryAttempt(string(ch.Type), string(d.Status))
	if d.Status.Terminal() {
		t.publishOutcome(ctx, d)
	}
}

// backoff returns the wait before the next attempt: 5 minutes doubled
// per retry already consumed, so the first retry waits 10 minutes.
func backoff(retryCount int) time.Duration {
	return 5 * time.Minute * (1 << retryCount)
}

func (t *Tracker) scheduleRetry(ctx context.Context, d *db.NotificationDelivery, ch *db.NotificationChannel, sendErr error) {
	now := t.now()
	msg := sendErr.Error()
	d.LastError = &msg
	d.RetryCount++
	d.UpdatedAt = now

	if d.RetryCount >= d.MaxRetries {
		d.Status = db.StatusFailed
		d.FailedAt = &now
		d.NextRetryAt = nil
		t.update(ctx, d)

		metrics.RecordDeliveryAttempt(string(ch.Type), string(db.StatusFailed))
		metrics.RecordDeliveryLatency(string(ch.Type), now.Sub(d.CreatedAt))
		t.logger.Warn("delivery exhausted retries",
			zap.String("delivery_id", d.ID.String()),
			zap.String("channel", ch.Name),
			zap.Int("retries", d.RetryCount),
			zap.String("error", msg),
		)
		t.publishOutcome(ctx, d)
		return
	}

	next := now.Add(backoff(d.RetryCount))
	d.Status = db.StatusRetrying
	d.NextRetryAt = &next
	t.update(ctx, d)

	metrics.RecordDeliveryAttempt(string(ch.Type), string(db.StatusRetrying))
	metrics.RecordRetryScheduled(string(ch.Type))
	t.logger.Info("delivery scheduled for retry",
		zap.String("delivery_id", d.ID.String()),
		zap.String("channel", ch.Name),
		zap.Int("retry", d.RetryCount),
		zap.Time("next_retry_at", next),
	)
}

func (t *Tracker) fail(ctx context.Context, d *db.NotificationDelivery, ch *db.NotificationChannel, reason string) {
	now := t.now()
	d.Status = db.StatusFailed
	d.LastError = &reason
	d.FailedAt = &now
	d.NextRetryAt = nil
	d.UpdatedAt = now
	t.update(ctx, d)

	metrics.RecordDeliveryAttempt(string(ch.Type), string(db.StatusFailed))
	t.logger.Warn("delivery failed permanently",
		zap.String("delivery_id", d.ID.String()),
		zap.String("channel", ch.Name),
		zap.String("reason", reason),
	)
	t.publishOutcome(ctx, d)
}

func (t *Tracker) cancel(ctx context.Context, d *db.NotificationDelivery) {
	now := t.now()
	d.Status = db.StatusCancelled
	d.NextRetryAt = nil
	d.UpdatedAt = now
	t.update(ctx, d)
	t.publishOutcome(ctx, d)
}

func (t *Tracker) update(ctx context.Context, d *db.NotificationDelivery) {
	if err := t.store.Update(ctx, d); err != nil {
		t.logger.Error("failed to persist delivery state",
			zap.String("delivery_id", d.ID.String()),
			zap.Error(err),
		)
	}
}

func (t *Tracker) publishOutcome(ctx context.Context, d *db.NotificationDelivery) {
	if t.outcomes == nil {
		return
	}
	if err := t.outcomes.PublishOutcome(ctx, d); err != nil {
		t.logger.Warn("failed to publish delivery outcome",
			zap.String("delivery_id", d.ID.String()),
			zap.Error(err),
		)
	}
}

// RetrySweep claims deliveries whose backoff elapsed, plus stale
// pending rows, and re-attempts each. Returns how many were attempted.
func (t *Tracker) RetrySweep(ctx context.Context) (int, error) {
	claimed, err := t.store.ClaimDue(ctx, t.now(), t.config.StalePending, t.config.ClaimBatch)
	if err != nil {
		return 0, err
	}

	channels, err := t.channels.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active channels: %w", err)
	}
	byID := make(map[uuid.UUID]*db.NotificationChannel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	attempted := 0
	for _, d := range claimed {
		n, err := t.notifications.Get(ctx, d.NotificationID)
		if err != nil {
			t.logger.Error("notification lookup failed during sweep",
				zap.String("delivery_id", d.ID.String()),
				zap.Error(err),
			)
			continue
		}

		ch, ok := byID[d.ChannelID]
		if !ok {
			t.fail(ctx, d, &db.NotificationChannel{ID: d.ChannelID, Name: "unknown"}, "channel deactivated")
			continue
		}

		t.attempt(ctx, d, n, ch)
		attempted++
	}

	return attempted, nil
}

// ConfirmDelivered records a provider delivery receipt. Only sent
// deliveries can be confirmed.
func (t *Tracker) ConfirmDelivered(ctx context.Context, deliveryID uuid.UUID) (*db.NotificationDelivery, error) {
	d, err := t.store.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != db.StatusSent {
		return nil, fmt.Errorf("delivery %s is %s, only sent deliveries can be confirmed", deliveryID, d.Status)
	}

	now := t.now()
	d.Status = db.StatusDelivered
	d.DeliveredAt = &now
	d.UpdatedAt = now
	if err := t.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if channels, err := t.channels.ListActive(ctx); err == nil {
		for _, ch := range channels {
			if ch.ID == d.ChannelID {
				metrics.RecordDeliveryLatency(string(ch.Type), now.Sub(d.CreatedAt))
				break
			}
		}
	}

	t.publishOutcome(ctx, d)
	return d, nil
}

// CancelForExpired cancels every in-flight delivery of the given
// notifications. Used by the cleanup sweep after archiving.
func (t *Tracker) CancelForExpired(ctx context.Context, notificationIDs []uuid.UUID) (int64, error) {
	return t.store.CancelForNotifications(ctx, notificationIDs, t.now())
}

// RetryFailed re-arms failed deliveries since a cutoff for another
// attempt cycle. Operator escape hatch after a provider outage.
func (t *Tracker) RetryFailed(ctx context.Context, since time.Time, limit int) (int, error) {
	failed, err := t.store.ListFailed(ctx, since, limit)
	if err != nil {
		return 0, err
	}

	now := t.now()
	rearmed := 0
	for _, d := range failed {
		d.Status = db.StatusRetrying
		d.RetryCount = 0
		d.NextRetryAt = &now
		d.FailedAt = nil
		d.UpdatedAt = now
		if err := t.store.Update(ctx, d); err != nil {
			t.logger.Error("failed to re-arm delivery",
				zap.String("delivery_id", d.ID.String()),
				zap.Error(err),
			)
			continue
		}
		rearmed++
	}

	return rearmed, nil
}

// ListByNotification exposes a notification's delivery history.
func (t *Tracker) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationDelivery, error) {
	return t.store.ListByNotification(ctx, notificationID)
}

// SetNow overrides the clock. Tests only.
func (t *Tracker) SetNow(now func() time.Time) {
	t.now = now
}
