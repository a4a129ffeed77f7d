package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// SESSender sends email via AWS SES.
type SESSender struct {
	client      sesAPI
	defaultFrom string
	logger      *zap.Logger
}

// sesAPI is the slice of the SES client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates an SES email sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESSender{
		client:      ses.NewFromConfig(awsCfg),
		defaultFrom: cfg.FromEmail,
		logger:      logger,
	}, nil
}

// Send sends one email. A recipient without an email address is a
// permanent failure.
func (s *SESSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Recipient.Email == "" {
		return "", Permanent(fmt.Errorf("recipient %s has no email address", msg.Recipient.ID))
	}

	cfg, err := ParseEmailConfig(msg.Channel)
	if err != nil {
		return "", Permanent(err)
	}

	from := cfg.FromEmail
	if from == "" {
		from = s.defaultFrom
	}
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, from)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
	if cfg.ReplyTo != "" {
		input.ReplyToAddresses = []string{cfg.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", msg.Notification.ID.String()),
		zap.String("to", msg.Recipient.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel checks if this sender supports the email channel.
func (s *SESSender) SupportsChannel(channelType db.ChannelType) bool {
	return channelType == db.ChannelEmail
}
