package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// FCMSender sends mobile push notifications through Firebase Cloud
// Messaging's legacy HTTP endpoint.
type FCMSender struct {
	endpoint   string
	serverKey  string
	httpClient *http.Client
	logger     *zap.Logger
}

type FCMConfig struct {
	Endpoint  string
	ServerKey string
}

type fcmMessage struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Priority     string            `json:"priority"`
	TimeToLive   int               `json:"time_to_live,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Sound string `json:"sound,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"results"`
}

// NewFCMSender creates an FCM push sender.
func NewFCMSender(cfg FCMConfig, logger *zap.Logger) *FCMSender {
	return &FCMSender{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// fcmPermanentErrors are FCM result codes that no retry can fix.
var fcmPermanentErrors = map[string]bool{
	"InvalidRegistration": true,
	"NotRegistered":       true,
	"MismatchSenderId":    true,
	"MessageTooBig":       true,
}

// Send pushes one message to the recipient's device. A recipient with
// no registered device token is a permanent failure.
func (s *FCMSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Recipient.DeviceToken == "" {
		return "", Permanent(fmt.Errorf("recipient %s has no device token", msg.Recipient.ID))
	}

	cfg, err := ParsePushConfig(msg.Channel)
	if err != nil {
		return "", Permanent(err)
	}

	priority := "normal"
	if msg.Notification.Priority.Rank() >= db.PriorityHigh.Rank() {
		priority = "high"
	}

	payload := fcmMessage{
		To: msg.Recipient.DeviceToken,
		Notification: fcmNotification{
			Title: msg.Subject,
			Body:  msg.Body,
			Icon:  cfg.Icon,
			Sound: cfg.Sound,
		},
		Data: map[string]string{
			"notification_id": msg.Notification.ID.String(),
			"type":            string(msg.Notification.Type),
		},
		Priority:   priority,
		TimeToLive: cfg.TTLSeconds,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal FCM message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build FCM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("FCM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", Permanent(fmt.Errorf("FCM rejected server key"))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("FCM returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read FCM response: %w", err)
	}

	var fcmResp fcmResponse
	if err := json.Unmarshal(respBody, &fcmResp); err != nil {
		return "", fmt.Errorf("decode FCM response: %w", err)
	}

	if fcmResp.Failure > 0 && len(fcmResp.Results) > 0 {
		code := fcmResp.Results[0].Error
		err := fmt.Errorf("FCM delivery error: %s", code)
		if fcmPermanentErrors[code] {
			return "", Permanent(err)
		}
		return "", err
	}

	var messageID string
	if len(fcmResp.Results) > 0 {
		messageID = fcmResp.Results[0].MessageID
	}

	s.logger.Info("push sent via FCM",
		zap.String("notification_id", msg.Notification.ID.String()),
		zap.String("recipient_id", msg.Recipient.ID.String()),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// SupportsChannel checks if this sender supports the push channel.
func (s *FCMSender) SupportsChannel(channelType db.ChannelType) bool {
	return channelType == db.ChannelPush
}
