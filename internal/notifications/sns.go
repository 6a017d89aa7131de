package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   SNSAPI
	topicArn string
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn)
}

func NewSNSNotifierWithClient(client SNSAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.OwnerID != "" {
		input.MessageAttributes["OwnerID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.OwnerID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Debug("notification sent",
		"type", notification.Type,
		"owner_id", notification.OwnerID,
	)

	return nil
}
