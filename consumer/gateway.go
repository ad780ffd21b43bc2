package consumer

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// receive reports failures through the SQS error callback instead of returning
// them. failed is true when the call errored for a reason other than ctx.
func (c *Consumer) receive(ctx context.Context) (messages []types.Message, failed bool) {
	result, err := c.client.ReceiveMessage(ctx, c.poll.receiveInput())
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		c.sqsError(OperationReceiveMessage, err)
		return nil, true
	}

	c.metrics.received(len(result.Messages))
	return result.Messages, false
}

func (c *Consumer) deleteBatch(ctx context.Context, entries []types.DeleteMessageBatchRequestEntry) {
	result, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.poll.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		c.sqsError(OperationDeleteMessageBatch, err)
		return
	}

	c.metrics.deleted(len(result.Successful))
	if len(result.Failed) > 0 {
		c.sqsError(OperationDeleteMessageBatch, &BatchDeleteError{Failed: result.Failed})
		return
	}

	c.log.Debug().Int("count", len(entries)).Msg("Messages deleted from SQS")
}

func (c *Consumer) sqsError(operation string, err error) {
	c.metrics.sqsError(operation)
	c.onSQSError(&SQSError{Operation: operation, Err: err})
}
