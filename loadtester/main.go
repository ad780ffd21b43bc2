package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "loadtester",
		Usage: "Send generated messages to an SQS queue in batches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "queue-url",
				Usage:    "AWS SQS queue URL",
				Required: true,
				EnvVars:  []string{"SQS_QUEUE_URL"},
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "AWS region",
				Value:   "us-east-1",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.IntFlag{
				Name:    "messages",
				Usage:   "Number of messages to send",
				Value:   1000,
				EnvVars: []string{"LOAD_TEST_MESSAGES"},
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Messages per SendMessageBatch call (1-10)",
				Value: maxBatchSize,
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Concurrent senders",
				Value:   10,
				EnvVars: []string{"LOAD_TEST_CONCURRENCY"},
			},
			&cli.Float64Flag{
				Name:    "invalid-ratio",
				Usage:   "Share of message bodies that are not JSON",
				EnvVars: []string{"LOAD_TEST_INVALID_RATIO"},
			},
			&cli.StringFlag{
				Name:    "pattern",
				Usage:   "Send pattern (steady, burst, wave)",
				Value:   string(PatternSteady),
				EnvVars: []string{"LOAD_TEST_PATTERN"},
			},
			&cli.DurationFlag{
				Name:  "send-timeout",
				Usage: "Timeout per SendMessageBatch call",
				Value: 30 * time.Second,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pattern, err := parsePattern(c.String("pattern"))
	if err != nil {
		return err
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.String("region")))
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	gen, err := NewGenerator(sqs.NewFromConfig(cfg), GeneratorConfig{
		QueueURL:     c.String("queue-url"),
		Messages:     c.Int("messages"),
		BatchSize:    c.Int("batch-size"),
		Concurrency:  c.Int("concurrency"),
		InvalidRatio: c.Float64("invalid-ratio"),
		Pattern:      pattern,
		SendTimeout:  c.Duration("send-timeout"),
	})
	if err != nil {
		return err
	}

	p := tea.NewProgram(newModel(gen.config, gen.Batches(), cancel), tea.WithAltScreen())

	results := make(chan BatchResult)
	go gen.Run(ctx, results)
	go func() {
		for r := range results {
			p.Send(batchMsg(r))
		}
		p.Send(doneMsg{})
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
