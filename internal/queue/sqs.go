package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Producer sends DispatchMessages onto one SQS queue with a per-message
// delay, backing the delayed dispatch queue.
type Producer struct {
	Client   *sqs.Client
	QueueURL string
}

// NewProducer builds a Producer bound to one queue URL.
func NewProducer(client *sqs.Client, queueURL string) *Producer {
	return &Producer{Client: client, QueueURL: queueURL}
}

// Send enqueues msg with delaySeconds, clamped to SQS's own [0,900] bound.
func (p *Producer) Send(ctx context.Context, msg DispatchMessage, delaySeconds int32) error {
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	if delaySeconds > 900 {
		delaySeconds = 900
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	_, err = p.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

// Consumer long-polls one SQS queue and hands each message body to a
// handler, deleting the message afterward unconditionally. Queue handlers
// never propagate errors: every failure the handler encounters is already
// translated into a delivery-state transition before Poll ever sees it, so
// ack is not conditioned on the handler's outcome.
type Consumer struct {
	Client               *sqs.Client
	QueueURL             string
	WaitTimeSeconds      int32
	MaxNumberOfMessages  int32
	VisibilityTimeoutSec int32
}

// NewConsumer builds a Consumer with the long-poll defaults this service runs with.
func NewConsumer(client *sqs.Client, queueURL string) *Consumer {
	return &Consumer{
		Client:               client,
		QueueURL:             queueURL,
		WaitTimeSeconds:      20,
		MaxNumberOfMessages:  10,
		VisibilityTimeoutSec: 30,
	}
}

// IsDLQ reports whether this consumer drains a dead-letter queue, per the
// "-dlq" suffix convention on the queue name.
func (c *Consumer) IsDLQ() bool {
	return strings.HasSuffix(queueName(c.QueueURL), "-dlq")
}

func queueName(url string) string {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return url
	}
	return url[idx+1:]
}

// Poll receives up to one batch of messages and invokes handle for each
// body, then deletes every received message regardless of what handle did
// with it — the explicit re-enqueue model means a
// message is either fully processed or already reflected as a dead/failed
// delivery before Poll acks it.
func (c *Consumer) Poll(ctx context.Context, handle func(ctx context.Context, body []byte)) error {
	out, err := c.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.QueueURL),
		MaxNumberOfMessages: c.MaxNumberOfMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeoutSec,
	})
	if err != nil {
		return fmt.Errorf("sqs receive message: %w", err)
	}

	for _, m := range out.Messages {
		if m.Body != nil {
			handle(ctx, []byte(*m.Body))
		}
		if m.ReceiptHandle == nil {
			continue
		}
		if _, err := c.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.QueueURL),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			slog.Error("[Queue] ack (delete message) failed", "queue", c.QueueURL, "error", err)
		}
	}
	return nil
}
