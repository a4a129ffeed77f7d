// Package api exposes the notification engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/notify"
)

// NotificationService is the notification store surface the handlers use.
type NotificationService interface {
	Create(ctx context.Context, recipientID uuid.UUID, typ db.NotificationType, title, message string, opts notify.CreateOptions) (*notify.Result, error)
	CreateBatch(ctx context.Context, recipientIDs []uuid.UUID, groups []string, typ db.NotificationType, title, message string, opts notify.CreateOptions) ([]*notify.Result, error)
	List(ctx context.Context, recipientID uuid.UUID, includeArchived bool, limit, offset int) ([]*db.Notification, error)
	Get(ctx context.Context, recipientID, id uuid.UUID) (*db.Notification, error)
	Stats(ctx context.Context, recipientID uuid.UUID) (*db.Stats, error)
	MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error)
	Dismiss(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error)
	Archive(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error)
}

// DeliveryService is the tracker surface the handlers use.
type DeliveryService interface {
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationDelivery, error)
	ConfirmDelivered(ctx context.Context, deliveryID uuid.UUID) (*db.NotificationDelivery, error)
	RetryFailed(ctx context.Context, since time.Time, limit int) (int, error)
}

// DeliverySummarizer aggregates outcomes for the ops view.
type DeliverySummarizer interface {
	Summarize(ctx context.Context, since time.Time) ([]db.DeliverySummary, error)
}

// ChannelStore is the channel repository surface.
type ChannelStore interface {
	Create(ctx context.Context, c *db.NotificationChannel) error
	Get(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error)
	ListActive(ctx context.Context) ([]*db.NotificationChannel, error)
	Update(ctx context.Context, c *db.NotificationChannel) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// ScheduleStore is the schedule repository surface.
type ScheduleStore interface {
	Create(ctx context.Context, s *db.NotificationSchedule) error
	Get(ctx context.Context, id uuid.UUID) (*db.NotificationSchedule, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*db.NotificationSchedule, error)
	Update(ctx context.Context, s *db.NotificationSchedule) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// TemplateStore is the template repository surface.
type TemplateStore interface {
	Create(ctx context.Context, t *db.NotificationTemplate) error
	GetByName(ctx context.Context, name string) (*db.NotificationTemplate, error)
	List(ctx context.Context) ([]*db.NotificationTemplate, error)
	Update(ctx context.Context, t *db.NotificationTemplate) error
}

// Realtime upgrades a request into a live event stream.
type Realtime interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, userID uuid.UUID, topics ...string)
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger        *zap.Logger
	notifications NotificationService
	deliveries    DeliveryService
	summarizer    DeliverySummarizer
	channels      ChannelStore
	schedules     ScheduleStore
	templates     TemplateStore
	realtime      Realtime

	// onChannelChange fires after channel writes so cached channel
	// reads can be invalidated. Optional.
	onChannelChange func(ctx context.Context)
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, notifications NotificationService, deliveries DeliveryService, summarizer DeliverySummarizer, channels ChannelStore, schedules ScheduleStore, templates TemplateStore, realtime Realtime, onChannelChange func(ctx context.Context)) *Handler {
	return &Handler{
		logger:          logger,
		notifications:   notifications,
		deliveries:      deliveries,
		summarizer:      summarizer,
		channels:        channels,
		schedules:       schedules,
		templates:       templates,
		realtime:        realtime,
		onChannelChange: onChannelChange,
	}
}

// Routes builds the versioned router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/batch", h.CreateBatch)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/stats", h.GetStats)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Get("/notifications/{id}/deliveries", h.ListDeliveries)
		r.Post("/notifications/read", h.MarkRead)
		r.Post("/notifications/dismiss", h.Dismiss)
		r.Post("/notifications/archive", h.Archive)

		r.Post("/deliveries/{id}/delivered", h.ConfirmDelivered)
		r.Post("/deliveries/retry", h.RetryFailedDeliveries)
		r.Get("/deliveries/summary", h.DeliverySummary)

		r.Post("/channels", h.CreateChannel)
		r.Get("/channels", h.ListChannels)
		r.Get("/channels/{id}", h.GetChannel)
		r.Put("/channels/{id}", h.UpdateChannel)
		r.Delete("/channels/{id}", h.DeactivateChannel)

		r.Post("/schedules", h.CreateSchedule)
		r.Get("/schedules", h.ListSchedules)
		r.Get("/schedules/{id}", h.GetSchedule)
		r.Put("/schedules/{id}", h.UpdateSchedule)
		r.Delete("/schedules/{id}", h.DeactivateSchedule)

		r.Post("/templates", h.CreateTemplate)
		r.Get("/templates", h.ListTemplates)
		r.Put("/templates/{name}", h.UpdateTemplate)
	})

	r.Get("/ws", h.ServeWebsocket)

	return r
}

// NotificationRequest is the create body.
type NotificationRequest struct {
	RecipientID string            `json:"recipient_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Priority    string            `json:"priority,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	ActionType  string            `json:"action_type,omitempty"`
	ActionURL   string            `json:"action_url,omitempty"`
	ActionText  string            `json:"action_text,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	GroupKey    string            `json:"group_key,omitempty"`
	Template    string            `json:"template,omitempty"`
	Vars        map[string]string `json:"template_vars,omitempty"`
	Channels    []string          `json:"channels,omitempty"`
	OccurredAt  *time.Time        `json:"occurred_at,omitempty"`
}

func (req *NotificationRequest) options() (notify.CreateOptions, error) {
	opts := notify.CreateOptions{
		Data:         req.Data,
		ActionType:   req.ActionType,
		ActionURL:    req.ActionURL,
		ActionText:   req.ActionText,
		ExpiresAt:    req.ExpiresAt,
		GroupKey:     req.GroupKey,
		Template:     req.Template,
		TemplateVars: req.Vars,
	}

	if req.Priority != "" {
		priority, err := db.ParsePriority(req.Priority)
		if err != nil {
			return opts, err
		}
		opts.Priority = priority
	}
	for _, raw := range req.Channels {
		channelType, err := db.ParseChannelType(raw)
		if err != nil {
			return opts, err
		}
		opts.Channels = append(opts.Channels, channelType)
	}
	if req.OccurredAt != nil {
		opts.OccurredAt = *req.OccurredAt
	}

	return opts, nil
}

// CreateNotification handles POST /v1/notifications.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.RecipientID == "" || req.Type == "" || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id, type, and title are required")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid field", err.Error())
		return
	}

	result, err := h.notifications.Create(r.Context(), recipientID, db.NotificationType(req.Type), req.Title, req.Message, opts)
	if err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notification", "")
		return
	}

	status := http.StatusCreated
	if result.Outcome != notify.EventCreated {
		// Coalesced into an existing notification, or dropped as a
		// stale grouped event.
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// BatchRequest is the batch-create body.
type BatchRequest struct {
	NotificationRequest
	RecipientIDs []string `json:"recipient_ids"`
	Groups       []string `json:"groups,omitempty"`
}

// CreateBatch handles POST /v1/notifications/batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.RecipientIDs) == 0 && len(req.Groups) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "recipient_ids or groups is required")
		return
	}
	if req.Type == "" || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "type and title are required")
		return
	}

	recipientIDs := make([]uuid.UUID, 0, len(req.RecipientIDs))
	for _, raw := range req.RecipientIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient id", raw)
			return
		}
		recipientIDs = append(recipientIDs, id)
	}
	for _, group := range req.Groups {
		if _, ok := db.GroupRoles(group); !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown group", group)
			return
		}
	}
	opts, err := req.options()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid field", err.Error())
		return
	}

	results, err := h.notifications.CreateBatch(r.Context(), recipientIDs, req.Groups, db.NotificationType(req.Type), req.Title, req.Message, opts)
	if err != nil {
		h.logger.Error("failed to create batch", zap.Error(err), zap.String("type", req.Type))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notifications", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"created": len(results),
		"results": results,
	})
}

// ListNotifications handles GET /v1/notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	notifications, err := h.notifications.List(r.Context(), recipientID, includeArchived, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	n, err := h.notifications.Get(r.Context(), recipientID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// GetStats handles GET /v1/notifications/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	stats, err := h.notifications.Stats(r.Context(), recipientID)
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// MarkRequest selects notifications by explicit ids or by group key.
type MarkRequest struct {
	IDs      []string `json:"ids,omitempty"`
	GroupKey string   `json:"group_key,omitempty"`
}

type markFunc func(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, groupKey string) ([]*db.Notification, error)

func (h *Handler) mark(w http.ResponseWriter, r *http.Request, fn markFunc) {
	recipientID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification id", raw)
			return
		}
		ids = append(ids, id)
	}

	affected, err := fn(r.Context(), recipientID, ids, req.GroupKey)
	if err != nil {
		h.logger.Error("failed to update notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"updated": len(affected)})
}

// MarkRead handles POST /v1/notifications/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, h.notifications.MarkRead)
}

// Dismiss handles POST /v1/notifications/dismiss.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, h.notifications.Dismiss)
}

// Archive handles POST /v1/notifications/archive.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, h.notifications.Archive)
}

// ListDeliveries handles GET /v1/notifications/{id}/deliveries.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	deliveries, err := h.deliveries.ListByNotification(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err), zap.String("notification_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list deliveries", "")
		return
	}
	if deliveries == nil {
		deliveries = []*db.NotificationDelivery{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// ConfirmDelivered handles POST /v1/deliveries/{id}/delivered.
func (h *Handler) ConfirmDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	d, err := h.deliveries.ConfirmDelivered(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
			return
		}
		h.writeError(w, http.StatusConflict, "invalid_state", "Delivery cannot be confirmed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

// RetryRequest bounds a bulk retry of failed deliveries.
type RetryRequest struct {
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// RetryFailedDeliveries handles POST /v1/deliveries/retry.
func (h *Handler) RetryFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if req.Since != nil {
		since = *req.Since
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rearmed, err := h.deliveries.RetryFailed(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("failed to retry deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retry deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"rearmed": rearmed})
}

// DeliverySummary handles GET /v1/deliveries/summary.
func (h *Handler) DeliverySummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be RFC3339")
			return
		}
		since = parsed
	}

	summaries, err := h.summarizer.Summarize(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to summarize deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to summarize deliveries", "")
		return
	}
	if summaries == nil {
		summaries = []db.DeliverySummary{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"summary": summaries})
}

// ServeWebsocket handles GET /ws.
func (h *Handler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	topics := r.URL.Query()["topic"]
	h.realtime.ServeHTTP(w, r, recipientID, topics...)
}

// requireUser resolves the acting user from the X-User-ID header or
// user_id query parameter. The platform gateway authenticates upstream
// and forwards the identity.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing user identity", "X-User-ID header or user_id query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user id", "user id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
