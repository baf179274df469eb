package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS caps ChangeMessageVisibility at 12 hours.
const maxVisibility = 12 * time.Hour

// sqsAPI is the minimal SQS interface required by Client.
// Defined here for testability.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is one work item to enqueue. GroupID serializes delivery within
// a conversation; an empty DedupID defers to the queue's content-based
// deduplication.
type Message struct {
	Body       string
	GroupID    string
	DedupID    string
	Attributes map[string]string
}

// Client wraps one SQS FIFO queue.
type Client struct {
	api      sqsAPI
	queueURL string
}

// New creates a queue Client for the given queue URL.
func New(api sqsAPI, queueURL string) (*Client, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: queue URL must not be empty")
	}
	return &Client{api: api, queueURL: queueURL}, nil
}

// Send enqueues msg.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if msg.Body == "" {
		return errors.New("queue: Send: body is required")
	}
	if msg.GroupID == "" {
		return errors.New("queue: Send: group id is required")
	}

	in := &sqs.SendMessageInput{
		QueueUrl:       aws.String(c.queueURL),
		MessageBody:    aws.String(msg.Body),
		MessageGroupId: aws.String(msg.GroupID),
	}
	if msg.DedupID != "" {
		in.MessageDeduplicationId = aws.String(msg.DedupID)
	}
	if len(msg.Attributes) > 0 {
		attrs := make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for k, v := range msg.Attributes {
			attrs[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
		in.MessageAttributes = attrs
	}

	if _, err := c.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("queue: Send: %w", err)
	}
	return nil
}

// ExtendVisibility pushes the redelivery of an in-flight message out by
// delay. The message is not deleted; it stays the same logical item and
// becomes visible again once the extended lease lapses.
func (c *Client) ExtendVisibility(ctx context.Context, receiptHandle string, delay time.Duration) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return errors.New("queue: ExtendVisibility: receipt handle is required")
	}
	if delay < 0 {
		return errors.New("queue: ExtendVisibility: delay must not be negative")
	}
	if delay > maxVisibility {
		delay = maxVisibility
	}

	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32((delay + time.Second - 1) / time.Second),
	})
	if err != nil {
		return fmt.Errorf("queue: ExtendVisibility: %w", err)
	}
	return nil
}
