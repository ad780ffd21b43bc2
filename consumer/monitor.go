package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// QueueAttributesAPI is satisfied by *sqs.Client.
type QueueAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// MonitorQueueStats logs approximate queue depth every interval until ctx is done.
func (c *Consumer) MonitorQueueStats(ctx context.Context, api QueueAttributesAPI, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.logQueueStats(ctx, api)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) logQueueStats(ctx context.Context, api QueueAttributesAPI) {
	result, err := api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.poll.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Msg("Failed to fetch queue stats")
		}
		return
	}

	available := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	inFlight := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]
	delayed := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)]

	c.setQueueDepth("available", available)
	c.setQueueDepth("in_flight", inFlight)
	c.setQueueDepth("delayed", delayed)

	c.log.Info().
		Str("available", available).
		Str("in_flight", inFlight).
		Str("delayed", delayed).
		Str("state", c.State().String()).
		Msg("SQS queue stats")
}

func (c *Consumer) setQueueDepth(state, raw string) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		c.metrics.queueDepth(state, v)
	}
}

// MonitorWorkers reports the inbox fill level of every buffered worker each
// interval until ctx is done.
func (c *Consumer) MonitorWorkers(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-ticker.C:
			seen = c.reportWorkerBacklog(seen)
		case <-ctx.Done():
			return
		}
	}
}

// reportWorkerBacklog returns the ids it reported so gauges of workers that have
// left the registry can be dropped next time.
func (c *Consumer) reportWorkerBacklog(previous map[string]bool) map[string]bool {
	current := make(map[string]bool)

	for _, w := range c.workers.Snapshot() {
		br, ok := w.(BacklogReporter)
		if !ok {
			continue
		}
		depth, capacity := br.Backlog()
		if capacity == 0 {
			continue
		}
		current[w.ID()] = true

		utilization := float64(depth) / float64(capacity) * 100
		c.metrics.workerUtilization(w.ID(), utilization/100)

		c.log.Debug().
			Str("worker_id", w.ID()).
			Int("queue_depth", depth).
			Int("queue_capacity", capacity).
			Float64("utilization_pct", utilization).
			Msg("Worker inbox metrics")

		if utilization > 80 {
			c.log.Warn().
				Str("worker_id", w.ID()).
				Float64("utilization_pct", utilization).
				Msg("Worker inbox utilization high - worker is not keeping up")
		}
	}

	for id := range previous {
		if !current[id] {
			c.metrics.forgetWorker(id)
		}
	}
	return current
}
