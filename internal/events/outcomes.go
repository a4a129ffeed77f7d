// Package events publishes terminal delivery outcomes to SQS for the
// downstream analytics pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

// OutcomeMessage is the payload placed on the outcome queue.
type OutcomeMessage struct {
	DeliveryID     string `json:"delivery_id"`
	NotificationID string `json:"notification_id"`
	RecipientID    string `json:"recipient_id"`
	ChannelID      string `json:"channel_id"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error,omitempty"`
	PublishedAt    int64  `json:"published_at"`
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// OutcomePublisher writes delivery outcomes to an SQS queue.
type OutcomePublisher struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewOutcomePublisher creates an outcome publisher for the given queue.
func NewOutcomePublisher(client *sqs.Client, queueURL string, logger *zap.Logger) *OutcomePublisher {
	logger.Info("outcome publisher initialized",
		zap.String("queue_url", queueURL),
	)
	return &OutcomePublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishOutcome sends one terminal delivery outcome.
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, d *db.NotificationDelivery) error {
	msg := OutcomeMessage{
		DeliveryID:     d.ID.String(),
		NotificationID: d.NotificationID.String(),
		RecipientID:    d.RecipientID.String(),
		ChannelID:      d.ChannelID.String(),
		Status:         string(d.Status),
		RetryCount:     d.RetryCount,
		PublishedAt:    time.Now().UnixNano(),
	}
	if d.LastError != nil {
		msg.LastError = *d.LastError
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to publish delivery outcome",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}
