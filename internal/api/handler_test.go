package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/notify"
)

type fakeNotificationService struct {
	createResult *notify.Result
	createErr    error
	lastOpts     notify.CreateOptions
	lastType     db.NotificationType

	batchResults []*notify.Result

	listed  []*db.Notification
	got     *db.Notification
	gotErr  error
	stats   *db.Stats
	marked  []*db.Notification
	markErr error
}

func (f *fakeNotificationService) Create(_ context.Context, recipientID uuid.UUID, typ db.NotificationType, title, message string, opts notify.CreateOptions) (*notify.Result, error) {
	f.lastType = typ
	f.lastOpts = opts
	return f.createResult, f.createErr
}

func (f *fakeNotificationService) CreateBatch(_ context.Context, recipientIDs []uuid.UUID, groups []string, typ db.NotificationType, title, message string, opts notify.CreateOptions) ([]*notify.Result, error) {
	return f.batchResults, nil
}

func (f *fakeNotificationService) List(_ context.Context, _ uuid.UUID, _ bool, _, _ int) ([]*db.Notification, error) {
	return f.listed, nil
}

func (f *fakeNotificationService) Get(_ context.Context, _, _ uuid.UUID) (*db.Notification, error) {
	return f.got, f.gotErr
}

func (f *fakeNotificationService) Stats(_ context.Context, _ uuid.UUID) (*db.Stats, error) {
	return f.stats, nil
}

func (f *fakeNotificationService) MarkRead(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ string) ([]*db.Notification, error) {
	return f.marked, f.markErr
}

func (f *fakeNotificationService) Dismiss(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ string) ([]*db.Notification, error) {
	return f.marked, f.markErr
}

func (f *fakeNotificationService) Archive(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ string) ([]*db.Notification, error) {
	return f.marked, f.markErr
}

type fakeDeliveryService struct {
	deliveries []*db.NotificationDelivery
	confirmed  *db.NotificationDelivery
	confirmErr error
	rearmed    int
	lastSince  time.Time
}

func (f *fakeDeliveryService) ListByNotification(_ context.Context, _ uuid.UUID) ([]*db.NotificationDelivery, error) {
	return f.deliveries, nil
}

func (f *fakeDeliveryService) ConfirmDelivered(_ context.Context, _ uuid.UUID) (*db.NotificationDelivery, error) {
	return f.confirmed, f.confirmErr
}

func (f *fakeDeliveryService) RetryFailed(_ context.Context, since time.Time, _ int) (int, error) {
	f.lastSince = since
	return f.rearmed, nil
}

type fakeSummarizer struct {
	summaries []db.DeliverySummary
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ time.Time) ([]db.DeliverySummary, error) {
	return f.summaries, nil
}

type fakeChannelStore struct {
	channels  map[uuid.UUID]*db.NotificationChannel
	createErr error
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{channels: make(map[uuid.UUID]*db.NotificationChannel)}
}

func (f *fakeChannelStore) Create(_ context.Context, c *db.NotificationChannel) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.channels[c.ID] = c
	return nil
}

func (f *fakeChannelStore) Get(_ context.Context, id uuid.UUID) (*db.NotificationChannel, error) {
	c, ok := f.channels[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeChannelStore) ListActive(_ context.Context) ([]*db.NotificationChannel, error) {
	var out []*db.NotificationChannel
	for _, c := range f.channels {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChannelStore) Update(_ context.Context, c *db.NotificationChannel) error {
	f.channels[c.ID] = c
	return nil
}

func (f *fakeChannelStore) Deactivate(_ context.Context, id uuid.UUID) error {
	c, ok := f.channels[id]
	if !ok {
		return db.ErrNotFound
	}
	c.IsActive = false
	return nil
}

type fakeScheduleStore struct {
	schedules map[uuid.UUID]*db.NotificationSchedule
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{schedules: make(map[uuid.UUID]*db.NotificationSchedule)}
}

func (f *fakeScheduleStore) Create(_ context.Context, s *db.NotificationSchedule) error {
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeScheduleStore) Get(_ context.Context, id uuid.UUID) (*db.NotificationSchedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (f *fakeScheduleStore) List(_ context.Context, _ bool, _, _ int) ([]*db.NotificationSchedule, error) {
	var out []*db.NotificationSchedule
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeScheduleStore) Update(_ context.Context, s *db.NotificationSchedule) error {
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeScheduleStore) Deactivate(_ context.Context, id uuid.UUID) error {
	s, ok := f.schedules[id]
	if !ok {
		return db.ErrNotFound
	}
	s.IsActive = false
	return nil
}

type fakeTemplateStore struct {
	templates map[string]*db.NotificationTemplate
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{templates: make(map[string]*db.NotificationTemplate)}
}

func (f *fakeTemplateStore) Create(_ context.Context, t *db.NotificationTemplate) error {
	f.templates[t.Name] = t
	return nil
}

func (f *fakeTemplateStore) GetByName(_ context.Context, name string) (*db.NotificationTemplate, error) {
	t, ok := f.templates[name]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t, nil
}

func (f *fakeTemplateStore) List(_ context.Context) ([]*db.NotificationTemplate, error) {
	var out []*db.NotificationTemplate
	for _, t := range f.templates {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTemplateStore) Update(_ context.Context, t *db.NotificationTemplate) error {
	f.templates[t.Name] = t
	return nil
}

type fakeRealtime struct {
	served bool
	userID uuid.UUID
	topics []string
}

func (f *fakeRealtime) ServeHTTP(w http.ResponseWriter, _ *http.Request, userID uuid.UUID, topics ...string) {
	f.served = true
	f.userID = userID
	f.topics = topics
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type testEnv struct {
	handler       *Handler
	notifications *fakeNotificationService
	deliveries    *fakeDeliveryService
	channels      *fakeChannelStore
	schedules     *fakeScheduleStore
	templates     *fakeTemplateStore
	realtime      *fakeRealtime
	invalidations int
}

func newTestEnv() *testEnv {
	env := &testEnv{
		notifications: &fakeNotificationService{},
		deliveries:    &fakeDeliveryService{},
		channels:      newFakeChannelStore(),
		schedules:     newFakeScheduleStore(),
		templates:     newFakeTemplateStore(),
		realtime:      &fakeRealtime{},
	}
	env.handler = NewHandler(
		zap.NewNop(),
		env.notifications,
		env.deliveries,
		&fakeSummarizer{},
		env.channels,
		env.schedules,
		env.templates,
		env.realtime,
		func(context.Context) { env.invalidations++ },
	)
	return env
}

func (env *testEnv) request(t *testing.T, method, path string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	rec := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestCreateNotification(t *testing.T) {
	env := newTestEnv()
	env.notifications.createResult = &notify.Result{
		Notification: &db.Notification{ID: uuid.New()},
		Outcome:      notify.EventCreated,
	}

	rec := env.request(t, http.MethodPost, "/v1/notifications", NotificationRequest{
		RecipientID: uuid.NewString(),
		Type:        "animal_rejected",
		Title:       "Animal rejected",
		Message:     "Missing provenance record",
		Priority:    "high",
		GroupKey:    "animal:42",
		Channels:    []string{"in_app", "email"},
	}, "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.notifications.lastOpts.Priority != db.PriorityHigh {
		t.Error("priority should be parsed")
	}
	if len(env.notifications.lastOpts.Channels) != 2 {
		t.Errorf("channels should be parsed, got %v", env.notifications.lastOpts.Channels)
	}
}

func TestCreateNotification_CoalescedReturns200(t *testing.T) {
	env := newTestEnv()
	env.notifications.createResult = &notify.Result{
		Notification: &db.Notification{ID: uuid.New()},
		Outcome:      notify.EventUpdated,
	}

	rec := env.request(t, http.MethodPost, "/v1/notifications", NotificationRequest{
		RecipientID: uuid.NewString(),
		Type:        "animal_rejected",
		Title:       "Animal rejected",
		GroupKey:    "animal:42",
	}, "")

	if rec.Code != http.StatusOK {
		t.Errorf("coalesced create should return 200, got %d", rec.Code)
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name string
		body NotificationRequest
	}{
		{"missing recipient", NotificationRequest{Type: "custom", Title: "t"}},
		{"missing type", NotificationRequest{RecipientID: uuid.NewString(), Title: "t"}},
		{"bad priority", NotificationRequest{RecipientID: uuid.NewString(), Type: "custom", Title: "t", Priority: "extreme"}},
		{"bad channel", NotificationRequest{RecipientID: uuid.NewString(), Type: "custom", Title: "t", Channels: []string{"fax"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/v1/notifications", tt.body, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %s", ct)
			}
		})
	}
}

func TestListNotifications_RequiresUser(t *testing.T) {
	env := newTestEnv()

	rec := env.request(t, http.MethodGet, "/v1/notifications", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/notifications", nil, uuid.NewString())
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with identity, got %d", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv()
	env.notifications.marked = []*db.Notification{{ID: uuid.New()}, {ID: uuid.New()}}

	rec := env.request(t, http.MethodPost, "/v1/notifications/read", MarkRequest{
		IDs: []string{uuid.NewString(), uuid.NewString()},
	}, uuid.NewString())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	json.NewDecoder(rec.Body).Decode(&body)
	if body["updated"] != 2 {
		t.Errorf("expected 2 updated, got %d", body["updated"])
	}
}

func TestMarkRead_RejectsBadID(t *testing.T) {
	env := newTestEnv()
	rec := env.request(t, http.MethodPost, "/v1/notifications/read", MarkRequest{
		IDs: []string{"not-a-uuid"},
	}, uuid.NewString())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateBatch_RejectsUnknownGroup(t *testing.T) {
	env := newTestEnv()
	rec := env.request(t, http.MethodPost, "/v1/notifications/batch", map[string]any{
		"groups": []string{"wizards"},
		"type":   "system_alert",
		"title":  "t",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown group, got %d", rec.Code)
	}
}

func TestConfirmDelivered_Conflict(t *testing.T) {
	env := newTestEnv()
	env.deliveries.confirmErr = errInvalidState
	rec := env.request(t, http.MethodPost, "/v1/deliveries/"+uuid.NewString()+"/delivered", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestRetryFailedDeliveries_Defaults(t *testing.T) {
	env := newTestEnv()
	env.deliveries.rearmed = 4

	rec := env.request(t, http.MethodPost, "/v1/deliveries/retry", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if time.Since(env.deliveries.lastSince) > 25*time.Hour {
		t.Error("default window should be the last 24 hours")
	}
	if !strings.Contains(rec.Body.String(), "4") {
		t.Errorf("expected rearmed count in body, got %s", rec.Body.String())
	}
}

func TestChannelLifecycle(t *testing.T) {
	env := newTestEnv()

	rec := env.request(t, http.MethodPost, "/v1/channels", ChannelRequest{
		Name:             "primary-email",
		Type:             "email",
		Config:           json.RawMessage(`{"from_email":"noreply@meattrace.example"}`),
		RateLimitPerHour: 100,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.invalidations != 1 {
		t.Error("channel create should invalidate the cache")
	}

	var created db.NotificationChannel
	json.NewDecoder(rec.Body).Decode(&created)

	rec = env.request(t, http.MethodDelete, "/v1/channels/"+created.ID.String(), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if env.invalidations != 2 {
		t.Error("channel deactivate should invalidate the cache")
	}
}

func TestCreateChannel_RejectsBadType(t *testing.T) {
	env := newTestEnv()
	rec := env.request(t, http.MethodPost, "/v1/channels", ChannelRequest{
		Name: "fax-line",
		Type: "fax",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if env.invalidations != 0 {
		t.Error("rejected create should not invalidate the cache")
	}
}

func TestCreateSchedule_Validation(t *testing.T) {
	env := newTestEnv()

	valid := ScheduleRequest{
		Title:            "Weekly digest",
		Type:             "recurring",
		Frequency:        "weekly",
		ScheduledAt:      time.Now().Add(time.Hour),
		RecipientGroups:  []string{"admins"},
		NotificationType: "system_alert",
		TitleTemplate:    "Digest {week}",
		MessageTemplate:  "Summary",
		CreatedBy:        uuid.NewString(),
	}

	rec := env.request(t, http.MethodPost, "/v1/schedules", valid, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	missingFreq := valid
	missingFreq.Frequency = ""
	rec = env.request(t, http.MethodPost, "/v1/schedules", missingFreq, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("recurring without frequency should 400, got %d", rec.Code)
	}

	noRecipients := valid
	noRecipients.RecipientGroups = nil
	rec = env.request(t, http.MethodPost, "/v1/schedules", noRecipients, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("schedule without recipients should 400, got %d", rec.Code)
	}
}

func TestTemplateLifecycle(t *testing.T) {
	env := newTestEnv()

	rec := env.request(t, http.MethodPost, "/v1/templates", TemplateRequest{
		Name:    "animal_rejected",
		Subject: "Animal {tag} rejected",
		Content: "Your animal {tag} was rejected: {reason}",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPut, "/v1/templates/animal_rejected", TemplateRequest{
		Content: "Animal {tag} was rejected. Reason: {reason}",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPut, "/v1/templates/nope", TemplateRequest{Content: "x"}, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServeWebsocket_PassesIdentityAndTopics(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/ws?user_id="+userID.String()+"&topic=system_alerts", nil)
	rec := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(rec, req)

	if !env.realtime.served {
		t.Fatal("realtime handler should be invoked")
	}
	if env.realtime.userID != userID {
		t.Error("user id should be forwarded")
	}
	if len(env.realtime.topics) != 1 || env.realtime.topics[0] != "system_alerts" {
		t.Errorf("topics should be forwarded, got %v", env.realtime.topics)
	}
}

var errInvalidState = errors.New("delivery is delivered, only sent deliveries can be confirmed")
