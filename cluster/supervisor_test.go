package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kruthis123/sqs-cluster-consumer/consumer"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// TestHelperProcess is not a real test. It is the worker process the tests spawn:
// it prints the id of every envelope it receives.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv("SQS_CLUSTER_HELPER") {
	case "echo":
		inbox := consumer.NewInbox(func(ctx context.Context, env consumer.Envelope) {
			fmt.Printf("%s %s\n", env.Kind, env.MessageID)
		})
		if err := inbox.Serve(context.Background(), os.Stdin); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	case "crash":
		os.Exit(3)
	}
}

func sqsMessage(id string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String("body-" + id),
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type helperFactory struct {
	mode string

	mu      sync.Mutex
	outputs map[string]*syncBuffer
}

func (f *helperFactory) command(workerID string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "SQS_CLUSTER_HELPER="+f.mode)

	out := &syncBuffer{}
	cmd.Stdout = out

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs == nil {
		f.outputs = map[string]*syncBuffer{}
	}
	f.outputs[workerID] = out
	return cmd
}

func (f *helperFactory) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outputs)
}

func TestNewSupervisorValidation(t *testing.T) {
	_, err := NewSupervisor(Config{Workers: 0}, consumer.NewRegistry(), (&helperFactory{}).command)
	assert.Error(t, err)

	_, err = NewSupervisor(Config{Workers: 1}, consumer.NewRegistry(), nil)
	assert.Error(t, err)
}

func TestSupervisorRelaysToEveryProcess(t *testing.T) {
	factory := &helperFactory{mode: "echo"}
	registry := consumer.NewRegistry()

	sup, err := NewSupervisor(Config{Workers: 2, Buffer: 8, ShutdownGrace: 5 * time.Second}, registry, factory.command)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return registry.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	raw := consumer.RawEnvelope(sqsMessage("m-1"))
	assert.Empty(t, registry.Relay(raw))
	assert.Empty(t, registry.Relay(consumer.ProcessedEnvelope("m-2", map[string]int{"n": 2})))
	assert.Empty(t, registry.Relay(consumer.ProcessedEnvelope("m-3", nil)))

	// shutdown closes stdin, so each child handles what was queued and exits
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	assert.Zero(t, registry.Len())
	require.Equal(t, 2, factory.spawned())
	for id, out := range factory.outputs {
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		assert.Equal(t, []string{"raw m-1", "processed m-2", "processed m-3"}, lines, "worker %s", id)
	}
}

func TestSupervisorRespawnsExitedWorkers(t *testing.T) {
	factory := &helperFactory{mode: "crash"}
	registry := consumer.NewRegistry()

	sup, err := NewSupervisor(Config{Workers: 1, RespawnDelay: 10 * time.Millisecond}, registry, factory.command)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return factory.spawned() >= 3 }, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Zero(t, registry.Len())
}

func TestProcessWorkerRefusesAfterClose(t *testing.T) {
	factory := &helperFactory{mode: "echo"}
	w, err := StartProcessWorker("w", factory.command("w"), 1, nil)
	require.NoError(t, err)

	w.Close()
	assert.ErrorIs(t, w.Send(consumer.ProcessedEnvelope("late", nil)), consumer.ErrWorkerGone)
	assert.NoError(t, w.Wait())
}

type relayErrors struct {
	mu   sync.Mutex
	errs []*consumer.RelayError
}

func (r *relayErrors) add(e *consumer.RelayError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *relayErrors) all() []*consumer.RelayError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*consumer.RelayError(nil), r.errs...)
}

func TestProcessWorkerRejectsUnencodablePayload(t *testing.T) {
	factory := &helperFactory{mode: "echo"}
	w, err := StartProcessWorker("w", factory.command("w"), 4, nil)
	require.NoError(t, err)

	registry := consumer.NewRegistry()
	registry.Add(w)

	failed := registry.Relay(consumer.ProcessedEnvelope("chan", make(chan int)))
	require.Len(t, failed, 1)
	assert.Equal(t, "w", failed[0].WorkerID)
	assert.Equal(t, "chan", failed[0].MessageID)

	assert.Empty(t, registry.Relay(consumer.ProcessedEnvelope("ok", 1)))

	w.Close()
	require.NoError(t, w.Wait())
	assert.Equal(t, "processed ok", strings.TrimSpace(factory.outputs["w"].String()))
}

func TestProcessWorkerReportsEnvelopesLostOnWriteFailure(t *testing.T) {
	factory := &helperFactory{mode: "crash"}
	lost := &relayErrors{}

	w, err := StartProcessWorker("w", factory.command("w"), 4, lost.add)
	require.NoError(t, err)

	// once the child has exited, the next write breaks the pipe
	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = w.Send(consumer.ProcessedEnvelope(fmt.Sprintf("m-%d", i), nil))
		return len(lost.all()) > 0
	}, 10*time.Second, 10*time.Millisecond)

	assert.Error(t, w.Wait())
	assert.ErrorIs(t, w.Send(consumer.ProcessedEnvelope("late", nil)), consumer.ErrWorkerGone)

	for _, e := range lost.all() {
		assert.Equal(t, "w", e.WorkerID)
		assert.ErrorIs(t, e, consumer.ErrWorkerGone)
		assert.NotEqual(t, "late", e.MessageID)
	}
}
