package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu        sync.Mutex
	envelopes []Envelope
	other     []any
}

func (c *collector) handle(ctx context.Context, env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
}

func (c *collector) unhandled(item any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.other = append(c.other, item)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envelopes)
}

func TestInboxServeFiltersForeignTraffic(t *testing.T) {
	raw, err := json.Marshal(RawEnvelope(sqsMessage("1", "r1", "hello")))
	require.NoError(t, err)
	processed, err := json.Marshal(ProcessedEnvelope("2", map[string]string{"k": "v"}))
	require.NoError(t, err)

	stream := strings.Join([]string{
		string(raw),
		`{"cmd":"reload-config"}`,
		"",
		"not json at all",
		string(processed),
	}, "\n")

	col := &collector{}
	inbox := &Inbox{Handler: col.handle, Unhandled: col.unhandled}

	require.NoError(t, inbox.Serve(context.Background(), strings.NewReader(stream)))

	require.Len(t, col.envelopes, 2)
	assert.Equal(t, KindRaw, col.envelopes[0].Kind)
	assert.Equal(t, "hello", aws.ToString(col.envelopes[0].Raw.Body))
	assert.Equal(t, KindProcessed, col.envelopes[1].Kind)
	assert.JSONEq(t, `{"k":"v"}`, string(col.envelopes[1].Payload().(json.RawMessage)))

	require.Len(t, col.other, 2)
	assert.Equal(t, []byte(`{"cmd":"reload-config"}`), col.other[0])
	assert.Equal(t, []byte("not json at all"), col.other[1])
}

func TestInboxServeStopsOnCancelledContext(t *testing.T) {
	raw, err := json.Marshal(RawEnvelope(sqsMessage("1", "r1", "hello")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := &collector{}
	err = NewInbox(col.handle).Serve(ctx, strings.NewReader(string(raw)+"\n"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, col.count())
}

func TestInboxDeliver(t *testing.T) {
	col := &collector{}
	inbox := &Inbox{Handler: col.handle, Unhandled: col.unhandled}
	ctx := context.Background()

	env := ProcessedEnvelope("1", "value")
	inbox.Deliver(ctx, env)
	inbox.Deliver(ctx, &env)
	inbox.Deliver(ctx, "some application message")
	inbox.Deliver(ctx, Envelope{Kind: KindRaw})

	assert.Equal(t, 2, col.count())
	assert.Len(t, col.other, 2)
}

func TestInboxRecoversHandlerPanic(t *testing.T) {
	calls := 0
	inbox := NewInbox(func(ctx context.Context, env Envelope) {
		calls++
		if env.MessageID == "bad" {
			panic("handler exploded")
		}
	})

	assert.NotPanics(t, func() {
		inbox.Deliver(context.Background(), ProcessedEnvelope("bad", nil))
		inbox.Deliver(context.Background(), ProcessedEnvelope("good", nil))
	})
	assert.Equal(t, 2, calls)
}

func TestInboxServeLargeMarkupBody(t *testing.T) {
	body := strings.Repeat("<a>&", 1<<18) // 1 MiB, the SQS maximum

	big, err := EncodeFrame(RawEnvelope(sqsMessage("big", "r1", body)))
	require.NoError(t, err)
	next, err := EncodeFrame(ProcessedEnvelope("next", nil))
	require.NoError(t, err)

	col := &collector{}
	inbox := &Inbox{Handler: col.handle, Unhandled: col.unhandled}

	require.NoError(t, inbox.Serve(context.Background(), bytes.NewReader(append(big, next...))))

	require.Len(t, col.envelopes, 2)
	assert.Equal(t, body, aws.ToString(col.envelopes[0].Raw.Body))
	assert.Equal(t, "next", col.envelopes[1].MessageID)
	assert.Empty(t, col.other)
}

func TestInboxServeSkipsOversizedFrame(t *testing.T) {
	next, err := EncodeFrame(ProcessedEnvelope("next", nil))
	require.NoError(t, err)

	var stream bytes.Buffer
	stream.WriteString(`{"kind":"processed","processed":"`)
	stream.WriteString(strings.Repeat("x", MaxFrameSize))
	stream.WriteString("\"}\n")
	stream.Write(next)

	col := &collector{}
	inbox := &Inbox{Handler: col.handle, Unhandled: col.unhandled}

	require.NoError(t, inbox.Serve(context.Background(), &stream))

	require.Len(t, col.envelopes, 1)
	assert.Equal(t, "next", col.envelopes[0].MessageID)
	require.Len(t, col.other, 1)
	assert.ErrorIs(t, col.other[0].(error), ErrFrameTooLarge)
}

func TestInboxServeLastLineWithoutNewline(t *testing.T) {
	frame, err := EncodeFrame(ProcessedEnvelope("last", nil))
	require.NoError(t, err)

	col := &collector{}
	require.NoError(t, NewInbox(col.handle).Serve(context.Background(), bytes.NewReader(bytes.TrimSuffix(frame, []byte("\n")))))
	assert.Equal(t, 1, col.count())
}
