package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

func NewSQSQueue(cfg aws.Config, queueURL string) *SQSQueue {
	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL)
}

func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"JobID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(jobID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   10,
		WaitTimeSeconds:       20,
		VisibilityTimeout:     300,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg, err := decode(aws.ToString(m.Body))
		if err != nil {
			slog.Warn("dropping malformed queue message", "message_id", aws.ToString(m.MessageId), "error", err)
			q.delete(ctx, aws.ToString(m.ReceiptHandle))
			continue
		}
		msg.receipt = aws.ToString(m.ReceiptHandle)
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	if msg.receipt == "" {
		return nil
	}
	return q.delete(ctx, msg.receipt)
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
