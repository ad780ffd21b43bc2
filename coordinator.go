package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/kruthis123/sqs-cluster-consumer/cluster"
	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

func startCoordinator(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	// aws config
	awsCFG, err := config.LoadDefaultConfig(c.Context)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCFG)

	preprocessor, err := preprocessorByName(c.String("preprocess"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := consumer.NewMetrics(reg)

	registry := consumer.NewRegistry()
	cons, err := consumer.New(consumer.Options{
		Client:        client,
		Poll:          pollOptions(c),
		Preprocessor:  preprocessor,
		Workers:       registry,
		ErrorBackoff:  c.Duration("error-backoff"),
		DeleteTimeout: c.Duration("delete-timeout"),
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	supervisor, err := cluster.NewSupervisor(cluster.Config{
		Workers:      c.Int("workers"),
		Buffer:       c.Int("worker-buffer"),
		OnRelayError: cons.ReportRelayError,
	}, registry, workerCommand(exe, workerArgs(c)))
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	// workers outlive polling so in-flight relays can still land
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	pollCtx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(workerCtx)
	}()

	if interval := c.Duration("stats-interval"); interval > 0 {
		go cons.MonitorQueueStats(pollCtx, client, interval)
		go cons.MonitorWorkers(pollCtx, interval)
	}

	var metricsServer *http.Server
	if addr := c.String("metrics-addr"); addr != "" {
		metricsServer = serveMetrics(addr, reg)
	}

	var polling sync.WaitGroup
	poll := func() {
		polling.Add(1)
		go func() {
			defer polling.Done()
			err := cons.StartPolling(pollCtx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, consumer.ErrAlreadyPolling):
				log.Info().Msg("Polling already running, marked active")
			default:
				log.Error().Err(err).Msg("Polling stopped unexpectedly")
			}
		}()
	}

	// shutdown setup, SIGUSR1/SIGUSR2 pause and resume polling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	log.Info().Int("workers", c.Int("workers")).Msg("Starting SQS cluster consumer")
	poll()

	// wait for shutdown signal / ctrl-c or sigterm which is what docker sends
	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			log.Info().Msg("Pausing polling")
			cons.PausePolling()
			continue
		}
		if sig == syscall.SIGUSR2 {
			log.Info().Msg("Resuming polling")
			poll()
			continue
		}
		break
	}

	log.Info().Msg("Shutting down...")
	cons.PausePolling()
	stopPolling()
	polling.Wait()

	stopWorkers()
	<-supervisorDone

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}
	return nil
}

func pollOptions(c *cli.Context) consumer.PollOptions {
	var systemNames []types.MessageSystemAttributeName
	for _, name := range c.StringSlice("system-attribute-names") {
		systemNames = append(systemNames, types.MessageSystemAttributeName(name))
	}

	return consumer.PollOptions{
		QueueURL:                    c.String("queue-url"),
		MessageAttributeNames:       c.StringSlice("attribute-names"),
		MessageSystemAttributeNames: systemNames,
		MaxNumberOfMessages:         int32(c.Int("max-messages")),
		VisibilityTimeout:           int32(c.Int("visibility-timeout")),
		WaitTimeSeconds:             int32(c.Int("wait-time")),
	}
}

// workerArgs forwards the worker settings given to start.
func workerArgs(c *cli.Context) []string {
	args := []string{
		"worker",
		"--log-level", c.String("log-level"),
		"--dedup-type", c.String("dedup-type"),
		"--db-url", c.String("db-url"),
	}
	if c.Bool("quiet") {
		args = append(args, "--quiet")
	}
	return args
}

func workerCommand(exe string, args []string) cluster.CommandFunc {
	return func(workerID string) *exec.Cmd {
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), workerIDEnv+"="+workerID)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

func preprocessorByName(name string) (consumer.Preprocessor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "json":
		return decodeJSONBody, nil
	default:
		return nil, fmt.Errorf("invalid preprocess: %s", name)
	}
}

// decodeJSONBody parses the message body so workers receive structured data.
func decodeJSONBody(ctx context.Context, msg types.Message) (any, error) {
	var body any
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return body, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
