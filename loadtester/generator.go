package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/xid"
)

const maxBatchSize = 10

type Pattern string

const (
	PatternSteady Pattern = "steady"
	PatternBurst  Pattern = "burst"
	PatternWave   Pattern = "wave"
)

func parsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case PatternSteady, PatternBurst, PatternWave:
		return p, nil
	default:
		return "", fmt.Errorf("invalid pattern: %s", s)
	}
}

type SQSSendAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Payload is the JSON body of a generated message.
type Payload struct {
	ID       string    `json:"id"`
	Sequence int       `json:"sequence"`
	SentAt   time.Time `json:"sent_at"`
	Data     string    `json:"data"`
}

type GeneratorConfig struct {
	QueueURL    string
	Messages    int
	BatchSize   int
	Concurrency int
	// InvalidRatio is the share of bodies that are not JSON, for exercising
	// preprocessor failures in the consumer.
	InvalidRatio float64
	Pattern      Pattern
	SendTimeout  time.Duration
}

// BatchResult reports one SendMessageBatch call.
type BatchResult struct {
	Sent     int
	Failed   int
	Invalid  int
	Duration time.Duration
	Err      error
}

type Generator struct {
	client SQSSendAPI
	config GeneratorConfig
}

func NewGenerator(client SQSSendAPI, config GeneratorConfig) (*Generator, error) {
	if config.QueueURL == "" {
		return nil, fmt.Errorf("queue URL is required")
	}
	if config.Messages < 1 {
		return nil, fmt.Errorf("messages must be positive, got %d", config.Messages)
	}
	if config.BatchSize < 1 || config.BatchSize > maxBatchSize {
		config.BatchSize = maxBatchSize
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Pattern == "" {
		config.Pattern = PatternSteady
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	return &Generator{client: client, config: config}, nil
}

// Batches returns the number of SendMessageBatch calls Run makes.
func (g *Generator) Batches() int {
	return (g.config.Messages + g.config.BatchSize - 1) / g.config.BatchSize
}

// Run sends config.Messages messages and reports every batch on results, which
// is closed when all batches are done or ctx is cancelled.
func (g *Generator) Run(ctx context.Context, results chan<- BatchResult) {
	defer close(results)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < g.config.Concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			for batch := range jobs {
				if !pause(ctx, g.delay(batch, rng)) {
					return
				}
				select {
				case results <- g.sendBatch(ctx, batch, rng):
				case <-ctx.Done():
					return
				}
			}
		}(w)
	}

	total := g.Batches()
feed:
	for batch := 0; batch < total; batch++ {
		select {
		case jobs <- batch:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

func (g *Generator) sendBatch(ctx context.Context, batch int, rng *rand.Rand) BatchResult {
	first := batch * g.config.BatchSize
	last := min(first+g.config.BatchSize, g.config.Messages)

	var result BatchResult
	entries := make([]types.SendMessageBatchRequestEntry, 0, last-first)
	for seq := first; seq < last; seq++ {
		body, invalid, err := g.body(seq, rng)
		if err != nil {
			result.Failed++
			continue
		}
		if invalid {
			result.Invalid++
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(seq - first)),
			MessageBody: aws.String(body),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"sequence": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(seq))},
			},
		})
	}
	if len(entries) == 0 {
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
	defer cancel()

	start := time.Now()
	out, err := g.client.SendMessageBatch(sendCtx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(g.config.QueueURL),
		Entries:  entries,
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Failed += len(entries)
		result.Err = err
		return result
	}

	result.Sent = len(out.Successful)
	result.Failed += len(out.Failed)
	if len(out.Failed) > 0 {
		f := out.Failed[0]
		result.Err = fmt.Errorf("%d entries failed, first: %s %s", len(out.Failed), aws.ToString(f.Code), aws.ToString(f.Message))
	}
	return result
}

func (g *Generator) body(seq int, rng *rand.Rand) (string, bool, error) {
	id := xid.New().String()
	if rng.Float64() < g.config.InvalidRatio {
		return "not-json " + id, true, nil
	}

	b, err := json.Marshal(Payload{
		ID:       id,
		Sequence: seq,
		SentAt:   time.Now().UTC(),
		Data:     randomData(rng, 16+rng.Intn(240)),
	})
	if err != nil {
		return "", false, err
	}
	return string(b), false, nil
}

// delay spaces batches out according to the pattern.
func (g *Generator) delay(batch int, rng *rand.Rand) time.Duration {
	switch g.config.Pattern {
	case PatternBurst:
		// quiet stretch after every 20 batches
		if batch > 0 && batch%20 == 0 {
			return 2 * time.Second
		}
		return 0
	case PatternWave:
		phase := float64(batch) / float64(max(g.Batches(), 1)) * 4 * math.Pi
		return time.Duration((math.Sin(phase)+1)*100) * time.Millisecond
	default:
		return time.Duration(10+rng.Intn(10)) * time.Millisecond
	}
}

const letters = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomData(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
