package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxNumberOfMessages int32 = 10
	DefaultWaitTimeSeconds     int32 = 20

	DefaultDeleteTimeout = 30 * time.Second

	// SQS refuses more than 10 messages per receive and 10 entries per batch delete.
	maxBatchSize int32 = 10
)

// SQSClientInterface is the part of *sqs.Client the polling loop needs.
type SQSClientInterface interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Preprocessor transforms a message in the coordinator before it is relayed.
type Preprocessor func(ctx context.Context, msg types.Message) (any, error)

// PollOptions mirrors the ReceiveMessage parameters the loop sends on every
// iteration. Zero MaxNumberOfMessages and WaitTimeSeconds fall back to the defaults.
type PollOptions struct {
	QueueURL                    string
	MessageAttributeNames       []string
	MessageSystemAttributeNames []types.MessageSystemAttributeName
	MaxNumberOfMessages         int32
	VisibilityTimeout           int32
	WaitTimeSeconds             int32
}

func (p PollOptions) receiveInput() *sqs.ReceiveMessageInput {
	maxMessages := p.MaxNumberOfMessages
	if maxMessages == 0 {
		maxMessages = DefaultMaxNumberOfMessages
	}
	waitTime := p.WaitTimeSeconds
	if waitTime == 0 {
		waitTime = DefaultWaitTimeSeconds
	}

	return &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(p.QueueURL),
		MessageAttributeNames:       p.MessageAttributeNames,
		MessageSystemAttributeNames: p.MessageSystemAttributeNames,
		MaxNumberOfMessages:         maxMessages,
		VisibilityTimeout:           p.VisibilityTimeout,
		WaitTimeSeconds:             waitTime,
	}
}

type Options struct {
	Client SQSClientInterface
	Poll   PollOptions

	// Preprocessor is optional. Without it every message is relayed as Raw.
	Preprocessor Preprocessor

	// Workers receives every relayed envelope. A nil registry is replaced by an
	// empty one that callers can reach through Consumer.Workers.
	Workers *Registry

	// ErrorBackoff is slept after a failed receive before the next iteration.
	ErrorBackoff time.Duration

	// DeleteTimeout bounds the batch delete, which outlives cancellation of the
	// polling context. Zero means DefaultDeleteTimeout.
	DeleteTimeout time.Duration

	Logger  *zerolog.Logger
	Metrics *Metrics

	OnSQSError          func(*SQSError)
	OnPreprocessorError func(*PreprocessorError)
	OnRelayError        func(*RelayError)
}

func (o Options) validate() error {
	if o.Client == nil {
		return fmt.Errorf("%w: sqs client is required", ErrInvalidOptions)
	}
	if o.Poll.QueueURL == "" {
		return fmt.Errorf("%w: queue url is required", ErrInvalidOptions)
	}
	if o.Poll.MaxNumberOfMessages < 0 || o.Poll.MaxNumberOfMessages > maxBatchSize {
		return fmt.Errorf("%w: max number of messages must be between 1 and %d", ErrInvalidOptions, maxBatchSize)
	}
	if o.Poll.WaitTimeSeconds < 0 || o.Poll.WaitTimeSeconds > 20 {
		return fmt.Errorf("%w: wait time must be between 0 and 20 seconds", ErrInvalidOptions)
	}
	if o.ErrorBackoff < 0 {
		return fmt.Errorf("%w: negative error backoff", ErrInvalidOptions)
	}
	if o.DeleteTimeout < 0 {
		return fmt.Errorf("%w: negative delete timeout", ErrInvalidOptions)
	}
	return nil
}
