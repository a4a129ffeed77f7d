package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies a kind of delivery channel.
type ChannelType string

const (
	ChannelInApp ChannelType = "in_app"
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
	ChannelPush  ChannelType = "push"
)

// ParseChannelType validates a channel type string.
func ParseChannelType(s string) (ChannelType, error) {
	switch ChannelType(s) {
	case ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush:
		return ChannelType(s), nil
	}
	return "", fmt.Errorf("unknown channel type: %q", s)
}

// HasDeliveryReceipt reports whether the channel's provider emits a
// separate delivery confirmation. Channels without one (in-app) are
// considered delivered as soon as the send succeeds.
func (t ChannelType) HasDeliveryReceipt() bool {
	return t != ChannelInApp
}

// Priority orders notifications by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps priorities onto a comparable scale.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ParsePriority validates a priority string; empty defaults to medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority: %q", s)
}

// NotificationType classifies the business event behind a notification.
type NotificationType string

const (
	TypeJoinRequest     NotificationType = "join_request"
	TypeJoinApproved    NotificationType = "join_approved"
	TypeJoinRejected    NotificationType = "join_rejected"
	TypeInvitation      NotificationType = "invitation"
	TypeRoleChange      NotificationType = "role_change"
	TypeAnimalRejected  NotificationType = "animal_rejected"
	TypePartRejected    NotificationType = "part_rejected"
	TypeProductRejected NotificationType = "product_rejected"
	TypeAppealSubmitted NotificationType = "appeal_submitted"
	TypeAppealApproved  NotificationType = "appeal_approved"
	TypeAppealDenied    NotificationType = "appeal_denied"
	TypeSystemAlert     NotificationType = "system_alert"
	TypeCustom          NotificationType = "custom"
)

// DeliveryStatus is the state of one delivery attempt record.
//
// State machine:
//
//	pending -> sent -> delivered
//	pending -> failed                  (permanent error)
//	pending -> retrying -> sent | failed
//	any non-terminal -> cancelled      (notification expired)
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusFailed    DeliveryStatus = "failed"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether a delivery may never transition again.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// ScheduleType distinguishes one-shot broadcasts from recurring ones.
type ScheduleType string

const (
	ScheduleOneTime   ScheduleType = "one_time"
	ScheduleRecurring ScheduleType = "recurring"
)

// Frequency is the recurrence period of a recurring schedule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Notification is the user-facing event record.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	RecipientID uuid.UUID        `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Priority    Priority         `json:"priority"`
	Data        json.RawMessage  `json:"data,omitempty"`

	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	IsDismissed bool       `json:"is_dismissed"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	IsArchived  bool       `json:"is_archived"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	ActionType string `json:"action_type,omitempty"`
	ActionURL  string `json:"action_url,omitempty"`
	ActionText string `json:"action_text,omitempty"`

	GroupKey     string     `json:"group_key,omitempty"`
	IsBatch      bool       `json:"is_batch"`
	TemplateName string     `json:"template_name,omitempty"`
	ScheduleID   *uuid.UUID `json:"schedule_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the notification still demands attention:
// unread, not dismissed, not archived. Group coalescing only targets
// active notifications.
func (n *Notification) Active() bool {
	return !n.IsRead && !n.IsDismissed && !n.IsArchived
}

// Expired reports whether the notification's expiry has passed.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// NotificationChannel is an administrator-managed delivery capability.
// Channels are never deleted while deliveries reference them; they are
// deactivated instead.
type NotificationChannel struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Type     ChannelType     `json:"type"`
	IsActive bool            `json:"is_active"`
	Config   json.RawMessage `json:"config,omitempty"`

	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	RateLimitPerHour   int `json:"rate_limit_per_hour"`
	RateLimitPerDay    int `json:"rate_limit_per_day"`

	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationDelivery tracks one attempt chain for sending one
// notification to one recipient via one channel. Owned exclusively by
// the delivery tracker.
type NotificationDelivery struct {
	ID             uuid.UUID      `json:"id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	ChannelID      uuid.UUID      `json:"channel_id"`
	RecipientID    uuid.UUID      `json:"recipient_id"`
	Status         DeliveryStatus `json:"status"`

	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	LastError         *string `json:"last_error,omitempty"`
	RetryCount        int     `json:"retry_count"`
	MaxRetries        int     `json:"max_retries"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NotificationRateLimit is the per (user, channel) counter record.
// Counters reset lazily when their window elapses; mutation happens
// only inside the rate limiter, under its per-key lock.
type NotificationRateLimit struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	ChannelID uuid.UUID `json:"channel_id"`

	MinuteCount int `json:"minute_count"`
	HourCount   int `json:"hour_count"`
	DayCount    int `json:"day_count"`

	MinuteResetAt time.Time `json:"minute_reset_at"`
	HourResetAt   time.Time `json:"hour_reset_at"`
	DayResetAt    time.Time `json:"day_reset_at"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationSchedule defines a one-time or recurring broadcast.
type NotificationSchedule struct {
	ID          uuid.UUID    `json:"id"`
	Title       string       `json:"title"`
	Type        ScheduleType `json:"type"`
	Frequency   Frequency    `json:"frequency,omitempty"`
	ScheduledAt time.Time    `json:"scheduled_at"`

	RecipientUserIDs []uuid.UUID `json:"recipient_user_ids,omitempty"`
	RecipientGroups  []string    `json:"recipient_groups,omitempty"`

	NotificationType NotificationType  `json:"notification_type"`
	TitleTemplate    string            `json:"title_template"`
	MessageTemplate  string            `json:"message_template"`
	TemplateVars     map[string]string `json:"template_vars,omitempty"`
	Channels         []ChannelType     `json:"channels,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationTemplate is named text with {variable} placeholders.
// Read-only at dispatch time.
type NotificationTemplate struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject,omitempty"`
	Content   string    `json:"content"`
	Variables []string  `json:"variables,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipient is the engine's read-only view of a platform user: just the
// contact surface the channels need. The user lifecycle itself belongs
// to the wider platform.
type Recipient struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	DeviceToken string    `json:"device_token,omitempty"`
	Role        string    `json:"role,omitempty"`
	IsActive    bool      `json:"is_active"`
}
