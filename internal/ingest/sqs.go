package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue carries signals between the public server and the worker
// through an SQS queue.
type SQSQueue struct {
	client   SQSAPI
	queueURL string

	sendTimeout time.Duration
	waitSeconds int32
	errorDelay  time.Duration
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:      client,
		queueURL:    queueURL,
		sendTimeout: 5 * time.Second,
		waitSeconds: 20,
		errorDelay:  5 * time.Second,
	}
}

// DialSQS builds a queue from the default AWS credential chain.
func DialSQS(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueue(sqs.NewFromConfig(cfg), queueURL), nil
}

// Enqueue sends the signal. The request context is detached so a client
// disconnect after the response does not abort the send.
func (q *SQSQueue) Enqueue(ctx context.Context, s Signal) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.sendTimeout)
	defer cancel()

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Run long-polls the queue until ctx is cancelled. Messages are deleted
// after successful handling or when they cannot be decoded; handler errors
// leave the message for redelivery.
func (q *SQSQueue) Run(ctx context.Context, h Handler) {
	logger.Info("ingest: sqs consumer started", "queue", q.queueURL)
	for ctx.Err() == nil {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     q.waitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("ingest: sqs receive failed", "err", err)
			select {
			case <-time.After(q.errorDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, msg := range out.Messages {
			q.handle(ctx, h, msg)
		}
	}
}

func (q *SQSQueue) handle(ctx context.Context, h Handler, msg types.Message) {
	var s Signal
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &s); err != nil {
		logger.Warn("ingest: undecodable sqs message", "message_id", aws.ToString(msg.MessageId), "err", err)
		q.delete(ctx, msg.ReceiptHandle)
		return
	}
	if err := h(ctx, s); err != nil {
		logger.Warn("ingest: signal failed, leaving for redelivery", "kind", string(s.Kind), "err", err)
		return
	}
	q.delete(ctx, msg.ReceiptHandle)
}

func (q *SQSQueue) delete(ctx context.Context, receipt *string) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		logger.Error("ingest: sqs delete failed", "err", err)
	}
}
