// Package notify is the core engine: it creates notifications,
// coalesces grouped events, resolves delivery channels from priority,
// and hands deliveries to the tracker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/metrics"
	"github.com/meattrace/notify/internal/template"
)

// Realtime event names pushed to connected clients.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventRead      = "read"
	EventDismissed = "dismissed"
	EventArchived  = "archived"
)

// NotificationStore is the persistence the engine needs.
type NotificationStore interface {
	Create(ctx context.Context, n *db.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Update(ctx context.Context, n *db.Notification) error
	FindActiveByGroupKey(ctx context.Context, recipientID uuid.UUID, groupKey string) (*db.Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, includeArchived bool, limit, offset int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error)
	Dismiss(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error)
	Archive(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error)
	CountStats(ctx context.Context, recipientID uuid.UUID) (*db.Stats, error)
}

// RecipientSource looks up recipients and named groups.
type RecipientSource interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	ListByGroup(ctx context.Context, group string) ([]*db.Recipient, error)
}

// Publisher pushes realtime events to connected clients. The websocket
// hub satisfies this.
type Publisher interface {
	Publish(event string, n *db.Notification)
}

// Dispatcher fans a stored notification out to its delivery channels.
// The delivery tracker satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *db.Notification, channels []db.ChannelType) error
}

// Renderer resolves template names, falling back to literal content.
type Renderer interface {
	RenderOrFallback(ctx context.Context, name, fallbackTitle, fallbackMessage string, vars map[string]string) (*template.Rendered, error)
}

// CreateOptions carries the optional fields of a notification create.
type CreateOptions struct {
	Priority   db.Priority
	Data       json.RawMessage
	ActionType string
	ActionURL  string
	ActionText string
	ExpiresAt  *time.Time

	// GroupKey enables coalescing: a new event for the same
	// (recipient, group key) updates the active notification in
	// place instead of stacking a duplicate.
	GroupKey string
	IsBatch  bool

	// Template names a stored template; Title and Message passed to
	// Create become the fallback when it is missing.
	Template     string
	TemplateVars map[string]string

	// Channels overrides priority-based channel resolution.
	Channels []db.ChannelType

	ScheduleID *uuid.UUID

	// OccurredAt orders grouped events. Zero means now. An event
	// older than the active group notification is dropped.
	OccurredAt time.Time
}

// Result reports what Create did.
type Result struct {
	Notification *db.Notification
	// Outcome is EventCreated, EventUpdated, or "" when an out of
	// order grouped event was dropped.
	Outcome string
}

// Store is the notification engine.
type Store struct {
	notifications NotificationStore
	recipients    RecipientSource
	renderer      Renderer
	publisher     Publisher
	dispatcher    Dispatcher
	logger        *zap.Logger
	now           func() time.Time

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// NewStore creates the engine. publisher and dispatcher may be nil in
// tests; both are skipped when absent.
func NewStore(notifications NotificationStore, recipients RecipientSource, renderer Renderer, publisher Publisher, dispatcher Dispatcher, logger *zap.Logger) *Store {
	return &Store{
		notifications: notifications,
		recipients:    recipients,
		renderer:      renderer,
		publisher:     publisher,
		dispatcher:    dispatcher,
		logger:        logger,
		now:           time.Now,
		groupLocks:    make(map[string]*sync.Mutex),
	}
}

// ResolveChannels maps a priority onto delivery channels: in-app
// always, email from high, SMS only for urgent.
func ResolveChannels(priority db.Priority) []db.ChannelType {
	channels := []db.ChannelType{db.ChannelInApp}
	if priority.Rank() >= db.PriorityHigh.Rank() {
		channels = append(channels, db.ChannelEmail)
	}
	if priority == db.PriorityUrgent {
		channels = append(channels, db.ChannelSMS)
	}
	return channels
}

func (s *Store) groupLock(recipientID uuid.UUID, groupKey string) *sync.Mutex {
	key := recipientID.String() + ":" + groupKey

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.groupLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.groupLocks[key] = m
	}
	return m
}

// Create stores a notification for one recipient, coalescing into an
// active grouped notification when opts.GroupKey matches one, then
// publishes the realtime event and dispatches deliveries.
func (s *Store) Create(ctx context.Context, recipientID uuid.UUID, typ db.NotificationType, title, message string, opts CreateOptions) (*Result, error) {
	priority := opts.Priority
	if priority == "" {
		priority = db.PriorityMedium
	}

	rendered, err := s.renderer.RenderOrFallback(ctx, opts.Template, title, message, opts.TemplateVars)
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}

	occurredAt := opts.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	if opts.GroupKey != "" {
		mu := s.groupLock(recipientID, opts.GroupKey)
		mu.Lock()
		defer mu.Unlock()

		existing, err := s.notifications.FindActiveByGroupKey(ctx, recipientID, opts.GroupKey)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("lookup group notification: %w", err)
		}
		if existing != nil {
			if occurredAt.Before(existing.CreatedAt) {
				s.logger.Debug("dropping out of order grouped event",
					zap.String("group_key", opts.GroupKey),
					zap.Time("occurred_at", occurredAt),
					zap.Time("existing_at", existing.CreatedAt),
				)
				return &Result{Notification: existing}, nil
			}
			return s.coalesce(ctx, existing, typ, rendered, priority, occurredAt, opts)
		}
	}

	n := &db.Notification{
		ID:           uuid.New(),
		RecipientID:  recipientID,
		Type:         typ,
		Title:        rendered.Subject,
		Message:      rendered.Body,
		Priority:     priority,
		Data:         opts.Data,
		ActionType:   opts.ActionType,
		ActionURL:    opts.ActionURL,
		ActionText:   opts.ActionText,
		GroupKey:     opts.GroupKey,
		IsBatch:      opts.IsBatch,
		TemplateName: opts.Template,
		ScheduleID:   opts.ScheduleID,
		CreatedAt:    occurredAt,
		ExpiresAt:    opts.ExpiresAt,
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, err
	}

	metrics.RecordNotificationCreated(string(typ), EventCreated)
	s.publish(EventCreated, n)
	s.dispatch(ctx, n, opts.Channels)

	return &Result{Notification: n, Outcome: EventCreated}, nil
}

// coalesce rewrites the active grouped notification with the new
// event's content. Priority only ratchets upward.
func (s *Store) coalesce(ctx context.Context, existing *db.Notification, typ db.NotificationType, rendered *template.Rendered, priority db.Priority, occurredAt time.Time, opts CreateOptions) (*Result, error) {
	existing.Type = typ
	existing.Title = rendered.Subject
	existing.Message = rendered.Body
	if priority.Rank() > existing.Priority.Rank() {
		existing.Priority = priority
	}
	if opts.Data != nil {
		existing.Data = opts.Data
	}
	if opts.ActionType != "" {
		existing.ActionType = opts.ActionType
		existing.ActionURL = opts.ActionURL
		existing.ActionText = opts.ActionText
	}
	existing.CreatedAt = occurredAt
	if opts.ExpiresAt != nil {
		existing.ExpiresAt = opts.ExpiresAt
	}

	if err := s.notifications.Update(ctx, existing); err != nil {
		return nil, err
	}

	metrics.RecordNotificationCreated(string(typ), EventUpdated)
	s.publish(EventUpdated, existing)

	return &Result{Notification: existing, Outcome: EventUpdated}, nil
}

// CreateBatch stores the same notification for several recipients plus
// the members of named groups. Per-recipient failures are logged and
// skipped so one bad recipient does not sink a broadcast.
func (s *Store) CreateBatch(ctx context.Context, recipientIDs []uuid.UUID, groups []string, typ db.NotificationType, title, message string, opts CreateOptions) ([]*Result, error) {
	seen := make(map[uuid.UUID]bool)
	targets := make([]uuid.UUID, 0, len(recipientIDs))

	for _, id := range recipientIDs {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}

	for _, group := range groups {
		members, err := s.recipients.ListByGroup(ctx, group)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", group, err)
		}
		for _, member := range members {
			if !seen[member.ID] {
				seen[member.ID] = true
				targets = append(targets, member.ID)
			}
		}
	}

	if len(targets) > 1 {
		opts.IsBatch = true
	}

	results := make([]*Result, 0, len(targets))
	for _, recipientID := range targets {
		result, err := s.Create(ctx, recipientID, typ, title, message, opts)
		if err != nil {
			s.logger.Error("batch notification failed for recipient",
				zap.String("recipient_id", recipientID.String()),
				zap.Error(err),
			)
			continue
		}
		results = append(results, result)
	}

	return results, nil
}

// MarkRead flags the selected notifications read and publishes one
// event per affected row.
func (s *Store) MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error) {
	affected, err := s.notifications.MarkRead(ctx, recipientID, ids, groupKey, s.now())
	if err != nil {
		return nil, err
	}
	for _, n := range affected {
		s.publish(EventRead, n)
	}
	return affected, nil
}

// Dismiss flags the selected notifications dismissed.
func (s *Store) Dismiss(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error) {
	affected, err := s.notifications.Dismiss(ctx, recipientID, ids, groupKey, s.now())
	if err != nil {
		return nil, err
	}
	for _, n := range affected {
		s.publish(EventDismissed, n)
	}
	return affected, nil
}

// Archive flags the selected notifications archived.
func (s *Store) Archive(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error) {
	affected, err := s.notifications.Archive(ctx, recipientID, ids, groupKey, s.now())
	if err != nil {
		return nil, err
	}
	for _, n := range affected {
		s.publish(EventArchived, n)
	}
	return affected, nil
}

// List returns a recipient's notifications, newest first.
func (s *Store) List(ctx context.Context, recipientID uuid.UUID, includeArchived bool, limit, offset int) ([]*db.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.notifications.ListByRecipient(ctx, recipientID, includeArchived, limit, offset)
}

// Get returns one notification, refusing access across recipients.
func (s *Store) Get(ctx context.Context, recipientID, id uuid.UUID) (*db.Notification, error) {
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != recipientID {
		return nil, fmt.Errorf("notification %s: %w", id, db.ErrNotFound)
	}
	return n, nil
}

// Stats aggregates a recipient's notification counts.
func (s *Store) Stats(ctx context.Context, recipientID uuid.UUID) (*db.Stats, error) {
	return s.notifications.CountStats(ctx, recipientID)
}

func (s *Store) publish(event string, n *db.Notification) {
	if s.publisher != nil {
		s.publisher.Publish(event, n)
	}
}

func (s *Store) dispatch(ctx context.Context, n *db.Notification, override []db.ChannelType) {
	if s.dispatcher == nil {
		return
	}

	channels := override
	if len(channels) == 0 {
		channels = ResolveChannels(n.Priority)
	}

	if err := s.dispatcher.Dispatch(ctx, n, channels); err != nil {
		s.logger.Error("delivery dispatch failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

// SetNow overrides the clock. Tests only.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}
