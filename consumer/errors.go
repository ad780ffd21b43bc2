package consumer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS operation names carried by SQSError.
const (
	OperationReceiveMessage     = "ReceiveMessage"
	OperationDeleteMessageBatch = "DeleteMessageBatch"
)

var (
	ErrAlreadyPolling  = errors.New("polling loop already running")
	ErrInvalidOptions  = errors.New("invalid consumer options")
	ErrWorkerGone      = errors.New("worker is gone")
	ErrWorkerBusy      = errors.New("worker inbox is full")
	ErrPreprocessPanic = errors.New("preprocessor panicked")
	ErrFrameTooLarge   = errors.New("envelope exceeds the worker channel frame limit")
)

// SQSError reports a failed call to the queue. The loop keeps running after it.
type SQSError struct {
	Operation string
	Err       error
}

func (e *SQSError) Error() string {
	return fmt.Sprintf("sqs %s: %v", e.Operation, e.Err)
}

func (e *SQSError) Unwrap() error { return e.Err }

// PreprocessorError carries the message the preprocessor failed on. The message is
// still relayed.
type PreprocessorError struct {
	Err     error
	Message types.Message
}

func (e *PreprocessorError) Error() string {
	return fmt.Sprintf("preprocess message %s: %v", aws.ToString(e.Message.MessageId), e.Err)
}

func (e *PreprocessorError) Unwrap() error { return e.Err }

// RelayError is emitted when an envelope could not be handed to one worker.
type RelayError struct {
	WorkerID  string
	MessageID string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay message %s to worker %s: %v", e.MessageID, e.WorkerID, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// BatchDeleteError lists entries SQS refused in an otherwise successful
// DeleteMessageBatch call.
type BatchDeleteError struct {
	Failed []types.BatchResultErrorEntry
}

func (e *BatchDeleteError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, fmt.Sprintf("%s(%s)", aws.ToString(f.Id), aws.ToString(f.Code)))
	}
	return fmt.Sprintf("%d entries not deleted: %s", len(e.Failed), strings.Join(ids, ", "))
}
