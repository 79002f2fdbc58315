package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/phrazzld/nvcf-orchestrator/internal/task"
)

// maxSQSBatch is the largest MaxNumberOfMessages SQS accepts.
const maxSQSBatch = 10

// sqsAPI is the subset of *sqs.Client used by SQS.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSOptions configures an SQS transport.
type SQSOptions struct {
	InputURL          string
	OutputURL         string
	WaitSeconds       int32
	VisibilitySeconds int32
	// MaxMessages is clamped to 1..10.
	MaxMessages int32
}

// SQS receives jobs from one queue and sends results to another. A message
// stays invisible while its job runs and is deleted by its Ack.
type SQS struct {
	client sqsAPI
	opts   SQSOptions
}

// NewSQS returns a transport over client.
func NewSQS(client sqsAPI, opts SQSOptions) (*SQS, error) {
	if client == nil {
		return nil, errors.New("sqs client cannot be nil")
	}
	if opts.InputURL == "" || opts.OutputURL == "" {
		return nil, errors.New("input and output queue urls must be set")
	}
	opts.MaxMessages = min(max(opts.MaxMessages, 1), maxSQSBatch)
	return &SQS{client: client, opts: opts}, nil
}

// Receive implements Source.
func (s *SQS) Receive(ctx context.Context) ([]Message, error) {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.opts.InputURL),
		MaxNumberOfMessages: s.opts.MaxMessages,
		WaitTimeSeconds:     s.opts.WaitSeconds,
		VisibilityTimeout:   s.opts.VisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			Body: []byte(aws.ToString(m.Body)),
			Ack:  s.deleter(aws.ToString(m.ReceiptHandle)),
		})
	}
	return messages, nil
}

func (s *SQS) deleter(receiptHandle string) task.AckFunc {
	return func(ctx context.Context) error {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.opts.InputURL),
			ReceiptHandle: aws.String(receiptHandle),
		})
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	}
}

// Publish implements task.ResultPublisher.
func (s *SQS) Publish(ctx context.Context, result task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.opts.OutputURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to output queue: %w", err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no connections that need closing.
func (s *SQS) Close() error {
	return nil
}
