package channel

import (
	"encoding/json"
	"fmt"

	"github.com/meattrace/notify/internal/db"
)

// EmailConfig is the JSON config of an email channel.
type EmailConfig struct {
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// SMSConfig is the JSON config of an SMS channel.
type SMSConfig struct {
	SenderID string `json:"sender_id,omitempty"`
	// SMSType is "Transactional" or "Promotional" for SNS.
	SMSType string `json:"sms_type,omitempty"`
}

// PushConfig is the JSON config of a push channel.
type PushConfig struct {
	Sound string `json:"sound,omitempty"`
	Icon  string `json:"icon,omitempty"`
	// TTLSeconds bounds how long the push service holds the message
	// for an offline device.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// ParseEmailConfig decodes and validates an email channel's config.
func ParseEmailConfig(ch *db.NotificationChannel) (*EmailConfig, error) {
	var cfg EmailConfig
	if len(ch.Config) > 0 {
		if err := json.Unmarshal(ch.Config, &cfg); err != nil {
			return nil, fmt.Errorf("channel %s: decode email config: %w", ch.Name, err)
		}
	}
	return &cfg, nil
}

// ParseSMSConfig decodes an SMS channel's config.
func ParseSMSConfig(ch *db.NotificationChannel) (*SMSConfig, error) {
	var cfg SMSConfig
	if len(ch.Config) > 0 {
		if err := json.Unmarshal(ch.Config, &cfg); err != nil {
			return nil, fmt.Errorf("channel %s: decode sms config: %w", ch.Name, err)
		}
	}
	if cfg.SMSType == "" {
		cfg.SMSType = "Transactional"
	}
	return &cfg, nil
}

// ParsePushConfig decodes a push channel's config.
func ParsePushConfig(ch *db.NotificationChannel) (*PushConfig, error) {
	var cfg PushConfig
	if len(ch.Config) > 0 {
		if err := json.Unmarshal(ch.Config, &cfg); err != nil {
			return nil, fmt.Errorf("channel %s: decode push config: %w", ch.Name, err)
		}
	}
	return &cfg, nil
}
