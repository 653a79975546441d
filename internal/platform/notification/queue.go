package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient builds an SQS client from the default AWS config chain.
// AWS_ENDPOINT_URL is honoured so LocalStack works in development.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	}), nil
}

// OutboundJob is the message an outbound mail/SMS worker consumes.
type OutboundJob struct {
	Channel    NotificationType `json:"channel"`
	To         string           `json:"to"`
	Subject    string           `json:"subject,omitempty"`
	Body       string           `json:"body"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// QueueSender hands email and SMS off to an SQS queue. The queue URL is
// resolved lazily on first send.
type QueueSender struct {
	client    sqsAPI
	queueName string

	mu       sync.Mutex
	queueURL string
}

func NewQueueSender(client sqsAPI, queueName string) *QueueSender {
	return &QueueSender{client: client, queueName: queueName}
}

func (q *QueueSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return q.enqueue(ctx, OutboundJob{Channel: TypeEmail, To: to, Subject: subject, Body: body})
}

func (q *QueueSender) SendSMS(ctx context.Context, to, body string) error {
	return q.enqueue(ctx, OutboundJob{Channel: TypeSMS, To: to, Body: body})
}

func (q *QueueSender) url(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queueURL != "" {
		return q.queueURL, nil
	}
	resp, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(q.queueName)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %q: %w", q.queueName, err)
	}
	q.queueURL = aws.ToString(resp.QueueUrl)
	return q.queueURL, nil
}

func (q *QueueSender) enqueue(ctx context.Context, job OutboundJob) error {
	if job.To == "" {
		return fmt.Errorf("%s notification has no recipient", job.Channel)
	}
	url, err := q.url(ctx)
	if err != nil {
		return err
	}
	job.EnqueuedAt = time.Now().UTC()
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {DataType: aws.String("String"), StringValue: aws.String(string(job.Channel))},
		},
	})
	if err != nil {
		return fmt.Errorf("send to queue: %w", err)
	}
	return nil
}
