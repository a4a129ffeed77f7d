package notify

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/template"
)

type memNotifications struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*db.Notification
}

func newMemNotifications() *memNotifications {
	return &memNotifications{rows: make(map[uuid.UUID]*db.Notification)}
}

func (m *memNotifications) Create(_ context.Context, n *db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *n
	m.rows[n.ID] = &copied
	return nil
}

func (m *memNotifications) Get(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (m *memNotifications) Update(_ context.Context, n *db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[n.ID]; !ok {
		return db.ErrNotFound
	}
	copied := *n
	m.rows[n.ID] = &copied
	return nil
}

func (m *memNotifications) FindActiveByGroupKey(_ context.Context, recipientID uuid.UUID, groupKey string) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *db.Notification
	for _, n := range m.rows {
		if n.RecipientID == recipientID && n.GroupKey == groupKey && n.Active() {
			if newest == nil || n.CreatedAt.After(newest.CreatedAt) {
				newest = n
			}
		}
	}
	if newest == nil {
		return nil, db.ErrNotFound
	}
	copied := *newest
	return &copied, nil
}

func (m *memNotifications) ListByRecipient(_ context.Context, recipientID uuid.UUID, includeArchived bool, limit, offset int) ([]*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Notification
	for _, n := range m.rows {
		if n.RecipientID == recipientID && (includeArchived || !n.IsArchived) {
			copied := *n
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memNotifications) mark(recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time, apply func(*db.Notification) bool) []*db.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	selected := func(n *db.Notification) bool {
		if n.RecipientID != recipientID {
			return false
		}
		if groupKey != "" && n.GroupKey != groupKey {
			return false
		}
		if len(ids) > 0 {
			for _, id := range ids {
				if n.ID == id {
					return true
				}
			}
			return false
		}
		return true
	}

	var affected []*db.Notification
	for _, n := range m.rows {
		if selected(n) && apply(n) {
			copied := *n
			affected = append(affected, &copied)
		}
	}
	return affected
}

func (m *memNotifications) MarkRead(_ context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error) {
	return m.mark(recipientID, ids, groupKey, now, func(n *db.Notification) bool {
		if n.IsRead {
			return false
		}
		n.IsRead = true
		n.ReadAt = &now
		return true
	}), nil
}

func (m *memNotifications) Dismiss(_ context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error) {
	return m.mark(recipientID, ids, groupKey, now, func(n *db.Notification) bool {
		if n.IsDismissed {
			return false
		}
		n.IsDismissed = true
		n.DismissedAt = &now
		return true
	}), nil
}

func (m *memNotifications) Archive(_ context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string, now time.Time) ([]*db.Notification, error) {
	return m.mark(recipientID, ids, groupKey, now, func(n *db.Notification) bool {
		if n.IsArchived {
			return false
		}
		n.IsArchived = true
		n.ArchivedAt = &now
		return true
	}), nil
}

func (m *memNotifications) CountStats(_ context.Context, recipientID uuid.UUID) (*db.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &db.Stats{ByPriority: map[string]int{}, ByType: map[string]int{}}
	for _, n := range m.rows {
		if n.RecipientID != recipientID {
			continue
		}
		stats.Total++
		if n.IsRead {
			stats.Read++
		} else {
			stats.Unread++
		}
		if n.IsDismissed {
			stats.Dismissed++
		}
		if n.IsArchived {
			stats.Archived++
		}
	}
	return stats, nil
}

type fakeRecipients struct {
	groups map[string][]*db.Recipient
}

func (f *fakeRecipients) Get(_ context.Context, id uuid.UUID) (*db.Recipient, error) {
	return &db.Recipient{ID: id, Username: "u", IsActive: true}, nil
}

func (f *fakeRecipients) ListByGroup(_ context.Context, group string) ([]*db.Recipient, error) {
	members, ok := f.groups[group]
	if !ok {
		return nil, errors.New("unknown group")
	}
	return members, nil
}

type recordedEvent struct {
	event string
	id    uuid.UUID
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) Publish(event string, n *db.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{event: event, id: n.ID})
}

func (f *fakePublisher) last() recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return recordedEvent{}
	}
	return f.events[len(f.events)-1]
}

type dispatchCall struct {
	notificationID uuid.UUID
	channels       []db.ChannelType
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n *db.Notification, channels []db.ChannelType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{notificationID: n.ID, channels: channels})
	return nil
}

type passRenderer struct{}

func (passRenderer) RenderOrFallback(_ context.Context, _, fallbackTitle, fallbackMessage string, vars map[string]string) (*template.Rendered, error) {
	return &template.Rendered{
		Subject: template.Substitute(fallbackTitle, vars),
		Body:    template.Substitute(fallbackMessage, vars),
	}, nil
}

func newTestStore() (*Store, *memNotifications, *fakePublisher, *fakeDispatcher) {
	notifications := newMemNotifications()
	publisher := &fakePublisher{}
	dispatcher := &fakeDispatcher{}
	store := NewStore(notifications, &fakeRecipients{}, passRenderer{}, publisher, dispatcher, zap.NewNop())
	return store, notifications, publisher, dispatcher
}

func TestStore_Create(t *testing.T) {
	store, _, publisher, dispatcher := newTestStore()
	recipientID := uuid.New()

	result, err := store.Create(context.Background(), recipientID, db.TypeJoinRequest,
		"New request", "A user wants to join", CreateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != EventCreated {
		t.Errorf("expected created outcome, got %q", result.Outcome)
	}
	if result.Notification.Priority != db.PriorityMedium {
		t.Errorf("empty priority should default to medium, got %s", result.Notification.Priority)
	}

	if got := publisher.last(); got.event != EventCreated || got.id != result.Notification.ID {
		t.Errorf("unexpected published event: %+v", got)
	}
	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.calls))
	}
	if want := []db.ChannelType{db.ChannelInApp}; !reflect.DeepEqual(dispatcher.calls[0].channels, want) {
		t.Errorf("medium priority should dispatch in_app only, got %v", dispatcher.calls[0].channels)
	}
}

func TestResolveChannels(t *testing.T) {
	tests := []struct {
		priority db.Priority
		want     []db.ChannelType
	}{
		{db.PriorityLow, []db.ChannelType{db.ChannelInApp}},
		{db.PriorityMedium, []db.ChannelType{db.ChannelInApp}},
		{db.PriorityHigh, []db.ChannelType{db.ChannelInApp, db.ChannelEmail}},
		{db.PriorityUrgent, []db.ChannelType{db.ChannelInApp, db.ChannelEmail, db.ChannelSMS}},
	}

	for _, tt := range tests {
		if got := ResolveChannels(tt.priority); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.priority, tt.want, got)
		}
	}
}

func TestStore_Create_ExplicitChannelsOverride(t *testing.T) {
	store, _, _, dispatcher := newTestStore()

	_, err := store.Create(context.Background(), uuid.New(), db.TypeSystemAlert,
		"Alert", "Body", CreateOptions{
			Priority: db.PriorityLow,
			Channels: []db.ChannelType{db.ChannelPush},
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []db.ChannelType{db.ChannelPush}; !reflect.DeepEqual(dispatcher.calls[0].channels, want) {
		t.Errorf("explicit channels should win, got %v", dispatcher.calls[0].channels)
	}
}

func TestStore_Create_GroupCoalesces(t *testing.T) {
	store, notifications, publisher, _ := newTestStore()
	recipientID := uuid.New()
	opts := CreateOptions{GroupKey: "animal:a-1"}

	first, err := store.Create(context.Background(), recipientID, db.TypeAnimalRejected,
		"Animal rejected", "First reason", opts)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	second, err := store.Create(context.Background(), recipientID, db.TypeAnimalRejected,
		"Animal rejected", "Second reason", opts)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if second.Outcome != EventUpdated {
		t.Errorf("expected updated outcome, got %q", second.Outcome)
	}
	if second.Notification.ID != first.Notification.ID {
		t.Error("grouped event should reuse the existing notification")
	}
	if got := publisher.last(); got.event != EventUpdated {
		t.Errorf("expected updated event, got %q", got.event)
	}

	stored, _ := notifications.Get(context.Background(), first.Notification.ID)
	if stored.Message != "Second reason" {
		t.Errorf("content should be replaced, got %q", stored.Message)
	}
	if len(notifications.rows) != 1 {
		t.Errorf("expected a single stored row, got %d", len(notifications.rows))
	}
}

func TestStore_Create_ReadNotificationNotCoalesced(t *testing.T) {
	store, notifications, _, _ := newTestStore()
	recipientID := uuid.New()
	opts := CreateOptions{GroupKey: "part:p-1"}

	first, _ := store.Create(context.Background(), recipientID, db.TypePartRejected, "T", "M", opts)
	store.MarkRead(context.Background(), recipientID, []uuid.UUID{first.Notification.ID}, "")

	second, err := store.Create(context.Background(), recipientID, db.TypePartRejected, "T", "M2", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Outcome != EventCreated {
		t.Errorf("read notification should not be coalesced, got %q", second.Outcome)
	}
	if len(notifications.rows) != 2 {
		t.Errorf("expected two rows, got %d", len(notifications.rows))
	}
}

func TestStore_Create_OutOfOrderGroupedEventDropped(t *testing.T) {
	store, notifications, _, _ := newTestStore()
	recipientID := uuid.New()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	first, _ := store.Create(context.Background(), recipientID, db.TypeAnimalRejected,
		"T", "Newer", CreateOptions{GroupKey: "animal:a-1", OccurredAt: base})

	stale, err := store.Create(context.Background(), recipientID, db.TypeAnimalRejected,
		"T", "Older", CreateOptions{GroupKey: "animal:a-1", OccurredAt: base.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stale.Outcome != "" {
		t.Errorf("stale event should report empty outcome, got %q", stale.Outcome)
	}

	stored, _ := notifications.Get(context.Background(), first.Notification.ID)
	if stored.Message != "Newer" {
		t.Errorf("stale event must not overwrite, got %q", stored.Message)
	}
}

func TestStore_Create_CoalescePriorityRatchetsUp(t *testing.T) {
	store, notifications, _, _ := newTestStore()
	recipientID := uuid.New()

	first, _ := store.Create(context.Background(), recipientID, db.TypeSystemAlert,
		"T", "M", CreateOptions{GroupKey: "g", Priority: db.PriorityHigh})
	store.Create(context.Background(), recipientID, db.TypeSystemAlert,
		"T", "M", CreateOptions{GroupKey: "g", Priority: db.PriorityLow})

	stored, _ := notifications.Get(context.Background(), first.Notification.ID)
	if stored.Priority != db.PriorityHigh {
		t.Errorf("priority should not ratchet down, got %s", stored.Priority)
	}

	store.Create(context.Background(), recipientID, db.TypeSystemAlert,
		"T", "M", CreateOptions{GroupKey: "g", Priority: db.PriorityUrgent})

	stored, _ = notifications.Get(context.Background(), first.Notification.ID)
	if stored.Priority != db.PriorityUrgent {
		t.Errorf("priority should ratchet up, got %s", stored.Priority)
	}
}

func TestStore_MarkRead_PublishesPerRow(t *testing.T) {
	store, _, publisher, _ := newTestStore()
	recipientID := uuid.New()

	a, _ := store.Create(context.Background(), recipientID, db.TypeCustom, "A", "a", CreateOptions{})
	b, _ := store.Create(context.Background(), recipientID, db.TypeCustom, "B", "b", CreateOptions{})

	affected, err := store.MarkRead(context.Background(), recipientID,
		[]uuid.UUID{a.Notification.ID, b.Notification.ID}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected, got %d", len(affected))
	}

	reads := 0
	for _, e := range publisher.events {
		if e.event == EventRead {
			reads++
		}
	}
	if reads != 2 {
		t.Errorf("expected 2 read events, got %d", reads)
	}

	// idempotent second call
	affected, _ = store.MarkRead(context.Background(), recipientID,
		[]uuid.UUID{a.Notification.ID}, "")
	if len(affected) != 0 {
		t.Errorf("already-read rows should not be affected again, got %d", len(affected))
	}
}

func TestStore_Get_ScopedToRecipient(t *testing.T) {
	store, _, _, _ := newTestStore()
	owner := uuid.New()

	created, _ := store.Create(context.Background(), owner, db.TypeCustom, "T", "M", CreateOptions{})

	if _, err := store.Get(context.Background(), owner, created.Notification.ID); err != nil {
		t.Fatalf("owner read should succeed: %v", err)
	}
	if _, err := store.Get(context.Background(), uuid.New(), created.Notification.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("cross-recipient read should look like absence, got: %v", err)
	}
}

func TestStore_CreateBatch_DedupesTargets(t *testing.T) {
	admin := uuid.New()
	recipients := &fakeRecipients{groups: map[string][]*db.Recipient{
		"admins": {{ID: admin, Username: "admin", IsActive: true}},
	}}
	notifications := newMemNotifications()
	store := NewStore(notifications, recipients, passRenderer{}, nil, nil, zap.NewNop())

	results, err := store.CreateBatch(context.Background(),
		[]uuid.UUID{admin}, []string{"admins"},
		db.TypeSystemAlert, "T", "M", CreateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("duplicate target should collapse to one, got %d", len(results))
	}
}

func TestStore_CreateBatch_MarksBatch(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store, _, _, _ := newTestStore()

	results, err := store.CreateBatch(context.Background(),
		[]uuid.UUID{a, b}, nil, db.TypeSystemAlert, "T", "M", CreateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Notification.IsBatch {
			t.Error("multi-target creation should be flagged as batch")
		}
	}
}

func TestStore_Events_AnimalRejectedCarriesAppealAction(t *testing.T) {
	store, _, _, _ := newTestStore()
	farmerID := uuid.New()
	animalID := uuid.New()

	result, err := store.AnimalRejected(context.Background(), farmerID, "A-001", "disease detected", animalID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := result.Notification
	if n.Type != db.TypeAnimalRejected {
		t.Errorf("unexpected type: %s", n.Type)
	}
	if n.Priority != db.PriorityHigh {
		t.Errorf("rejection should be high priority, got %s", n.Priority)
	}
	if n.ActionType != "appeal" {
		t.Errorf("expected appeal action, got %q", n.ActionType)
	}
	if n.GroupKey != "animal:"+animalID.String() {
		t.Errorf("unexpected group key: %q", n.GroupKey)
	}
}
