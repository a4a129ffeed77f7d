package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/channel"
	"github.com/meattrace/notify/internal/db"
)

// ChannelRequest is the channel create/update body.
type ChannelRequest struct {
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	Config             json.RawMessage `json:"config,omitempty"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute"`
	RateLimitPerHour   int             `json:"rate_limit_per_hour"`
	RateLimitPerDay    int             `json:"rate_limit_per_day"`
	Provider           string          `json:"provider,omitempty"`
	IsActive           *bool           `json:"is_active,omitempty"`
}

func (req *ChannelRequest) validate() (db.ChannelType, error) {
	if req.Name == "" {
		return "", errors.New("name is required")
	}
	channelType, err := db.ParseChannelType(req.Type)
	if err != nil {
		return "", err
	}
	if req.RateLimitPerMinute < 0 || req.RateLimitPerHour < 0 || req.RateLimitPerDay < 0 {
		return "", errors.New("rate limit ceilings must not be negative")
	}

	// Per-kind config is validated at configuration time so a bad
	// channel never reaches the dispatch path.
	stub := &db.NotificationChannel{Type: channelType, Config: req.Config}
	switch channelType {
	case db.ChannelEmail:
		_, err = channel.ParseEmailConfig(stub)
	case db.ChannelSMS:
		_, err = channel.ParseSMSConfig(stub)
	case db.ChannelPush:
		_, err = channel.ParsePushConfig(stub)
	}
	if err != nil {
		return "", err
	}

	return channelType, nil
}

// CreateChannel handles POST /v1/channels.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	channelType, err := req.validate()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", err.Error())
		return
	}

	now := time.Now()
	c := &db.NotificationChannel{
		ID:                 uuid.New(),
		Name:               req.Name,
		Type:               channelType,
		IsActive:           true,
		Config:             req.Config,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		RateLimitPerDay:    req.RateLimitPerDay,
		Provider:           req.Provider,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}

	if err := h.channels.Create(r.Context(), c); err != nil {
		h.logger.Error("failed to create channel", zap.Error(err), zap.String("name", req.Name))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create channel", "")
		return
	}
	h.channelChanged(r)

	h.writeJSON(w, http.StatusCreated, c)
}

// ListChannels handles GET /v1/channels.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.ListActive(r.Context())
	if err != nil {
		h.logger.Error("failed to list channels", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list channels", "")
		return
	}
	if channels == nil {
		channels = []*db.NotificationChannel{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// GetChannel handles GET /v1/channels/{id}.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.channels.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get channel", "")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// UpdateChannel handles PUT /v1/channels/{id}.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	channelType, err := req.validate()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", err.Error())
		return
	}

	c, err := h.channels.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get channel", "")
		return
	}

	c.Name = req.Name
	c.Type = channelType
	c.Config = req.Config
	c.RateLimitPerMinute = req.RateLimitPerMinute
	c.RateLimitPerHour = req.RateLimitPerHour
	c.RateLimitPerDay = req.RateLimitPerDay
	c.Provider = req.Provider
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	c.UpdatedAt = time.Now()

	if err := h.channels.Update(r.Context(), c); err != nil {
		h.logger.Error("failed to update channel", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update channel", "")
		return
	}
	h.channelChanged(r)

	h.writeJSON(w, http.StatusOK, c)
}

// DeactivateChannel handles DELETE /v1/channels/{id}. Channels are
// never deleted, delivery history references them.
func (h *Handler) DeactivateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.channels.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to deactivate channel", "")
		return
	}
	h.channelChanged(r)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) channelChanged(r *http.Request) {
	if h.onChannelChange != nil {
		h.onChannelChange(r.Context())
	}
}

// ScheduleRequest is the schedule create/update body.
type ScheduleRequest struct {
	Title            string            `json:"title"`
	Type             string            `json:"type"`
	Frequency        string            `json:"frequency,omitempty"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	RecipientUserIDs []string          `json:"recipient_user_ids,omitempty"`
	RecipientGroups  []string          `json:"recipient_groups,omitempty"`
	NotificationType string            `json:"notification_type"`
	TitleTemplate    string            `json:"title_template"`
	MessageTemplate  string            `json:"message_template"`
	TemplateVars     map[string]string `json:"template_vars,omitempty"`
	Channels         []string          `json:"channels,omitempty"`
	CreatedBy        string            `json:"created_by"`
}

func (req *ScheduleRequest) toModel() (*db.NotificationSchedule, error) {
	if req.Title == "" || req.TitleTemplate == "" {
		return nil, errors.New("title and title_template are required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, errors.New("scheduled_at is required")
	}

	scheduleType := db.ScheduleType(req.Type)
	switch scheduleType {
	case db.ScheduleOneTime, db.ScheduleRecurring:
	default:
		return nil, errors.New("type must be one_time or recurring")
	}

	var frequency db.Frequency
	if scheduleType == db.ScheduleRecurring {
		frequency = db.Frequency(req.Frequency)
		switch frequency {
		case db.FrequencyDaily, db.FrequencyWeekly, db.FrequencyMonthly:
		default:
			return nil, errors.New("recurring schedules need a daily, weekly, or monthly frequency")
		}
	}

	if len(req.RecipientUserIDs) == 0 && len(req.RecipientGroups) == 0 {
		return nil, errors.New("recipient_user_ids or recipient_groups is required")
	}
	userIDs := make([]uuid.UUID, 0, len(req.RecipientUserIDs))
	for _, raw := range req.RecipientUserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New("invalid recipient user id: " + raw)
		}
		userIDs = append(userIDs, id)
	}
	for _, group := range req.RecipientGroups {
		if _, ok := db.GroupRoles(group); !ok {
			return nil, errors.New("unknown group: " + group)
		}
	}

	channels := make([]db.ChannelType, 0, len(req.Channels))
	for _, raw := range req.Channels {
		channelType, err := db.ParseChannelType(raw)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channelType)
	}

	createdBy, err := uuid.Parse(req.CreatedBy)
	if err != nil {
		return nil, errors.New("created_by must be a valid UUID")
	}

	now := time.Now()
	return &db.NotificationSchedule{
		ID:               uuid.New(),
		Title:            req.Title,
		Type:             scheduleType,
		Frequency:        frequency,
		ScheduledAt:      req.ScheduledAt,
		RecipientUserIDs: userIDs,
		RecipientGroups:  req.RecipientGroups,
		NotificationType: db.NotificationType(req.NotificationType),
		TitleTemplate:    req.TitleTemplate,
		MessageTemplate:  req.MessageTemplate,
		TemplateVars:     req.TemplateVars,
		Channels:         channels,
		IsActive:         true,
		CreatedBy:        createdBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// CreateSchedule handles POST /v1/schedules.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	s, err := req.toModel()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule", err.Error())
		return
	}

	if err := h.schedules.Create(r.Context(), s); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err), zap.String("title", req.Title))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create schedule", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, s)
}

// ListSchedules handles GET /v1/schedules.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	schedules, err := h.schedules.List(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list schedules", "")
		return
	}
	if schedules == nil {
		schedules = []*db.NotificationSchedule{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// GetSchedule handles GET /v1/schedules/{id}.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	s, err := h.schedules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Schedule not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get schedule", "")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// UpdateSchedule handles PUT /v1/schedules/{id}.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	updated, err := req.toModel()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule", err.Error())
		return
	}

	existing, err := h.schedules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Schedule not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get schedule", "")
		return
	}

	updated.ID = existing.ID
	updated.IsActive = existing.IsActive
	updated.CreatedBy = existing.CreatedBy
	updated.CreatedAt = existing.CreatedAt

	if err := h.schedules.Update(r.Context(), updated); err != nil {
		h.logger.Error("failed to update schedule", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update schedule", "")
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// DeactivateSchedule handles DELETE /v1/schedules/{id}.
func (h *Handler) DeactivateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.schedules.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Schedule not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to deactivate schedule", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TemplateRequest is the template create/update body.
type TemplateRequest struct {
	Name      string   `json:"name"`
	Subject   string   `json:"subject,omitempty"`
	Content   string   `json:"content"`
	Variables []string `json:"variables,omitempty"`
	IsActive  *bool    `json:"is_active,omitempty"`
}

// CreateTemplate handles POST /v1/templates.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name and content are required")
		return
	}

	now := time.Now()
	tmpl := &db.NotificationTemplate{
		ID:        uuid.New(),
		Name:      req.Name,
		Subject:   req.Subject,
		Content:   req.Content,
		Variables: req.Variables,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}

	if err := h.templates.Create(r.Context(), tmpl); err != nil {
		h.logger.Error("failed to create template", zap.Error(err), zap.String("name", req.Name))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create template", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, tmpl)
}

// ListTemplates handles GET /v1/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list templates", "")
		return
	}
	if templates == nil {
		templates = []*db.NotificationTemplate{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// UpdateTemplate handles PUT /v1/templates/{name}.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "content is required")
		return
	}

	tmpl, err := h.templates.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get template", "")
		return
	}

	tmpl.Subject = req.Subject
	tmpl.Content = req.Content
	tmpl.Variables = req.Variables
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}
	tmpl.UpdatedAt = time.Now()

	if err := h.templates.Update(r.Context(), tmpl); err != nil {
		h.logger.Error("failed to update template", zap.Error(err), zap.String("name", name))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update template", "")
		return
	}

	h.writeJSON(w, http.StatusOK, tmpl)
}
