package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// SNSSender sends SMS via AWS SNS. Channels with a different provider
// string are rejected permanently so a misconfigured channel surfaces
// in the delivery record instead of looping.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates an SNS SMS sender.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends one SMS. A recipient without a phone number is a
// permanent failure.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel.Provider != "" && msg.Channel.Provider != "aws_sns" {
		return "", Permanent(fmt.Errorf("unsupported SMS provider: %s", msg.Channel.Provider))
	}
	if msg.Recipient.PhoneNumber == "" {
		return "", Permanent(fmt.Errorf("recipient %s has no phone number", msg.Recipient.ID))
	}

	cfg, err := ParseSMSConfig(msg.Channel)
	if err != nil {
		return "", Permanent(err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(cfg.SMSType),
		},
	}
	if cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(cfg.SenderID),
		}
	}

	input := &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient.PhoneNumber),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", msg.Notification.ID.String()),
		zap.String("phone_number", msg.Recipient.PhoneNumber),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel checks if this sender supports the SMS channel.
func (s *SNSSender) SupportsChannel(channelType db.ChannelType) bool {
	return channelType == db.ChannelSMS
}
