package consumer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Kind discriminates the variant carried by an Envelope.
type Kind string

const (
	KindRaw       Kind = "raw"
	KindProcessed Kind = "processed"
)

var ErrUnknownKind = errors.New("unknown envelope kind")

// MaxFrameSize bounds one encoded envelope on the worker channel. JSON escaping
// can double a 1 MiB body; attributes and the processed payload come on top.
const MaxFrameSize = 8 << 20

// Envelope is what the coordinator relays to workers. Exactly one variant is
// meaningful and Kind selects it: Raw for an untouched SQS message, Processed for
// the preprocessor result (nil when the preprocessor failed).
//
// Handlers must treat the payload as read-only. In-process workers get their own
// copy of the Raw message struct, but its maps and the Processed value are shared.
type Envelope struct {
	Kind      Kind
	MessageID string
	Raw       *types.Message
	Processed any
}

func RawEnvelope(msg types.Message) Envelope {
	return Envelope{
		Kind:      KindRaw,
		MessageID: aws.ToString(msg.MessageId),
		Raw:       &msg,
	}
}

func ProcessedEnvelope(messageID string, result any) Envelope {
	return Envelope{
		Kind:      KindProcessed,
		MessageID: messageID,
		Processed: result,
	}
}

// Payload returns the relayed value regardless of variant.
func (e Envelope) Payload() any {
	if e.Kind == KindRaw {
		return e.Raw
	}
	return e.Processed
}

func (e Envelope) Valid() bool {
	switch e.Kind {
	case KindRaw:
		return e.Raw != nil
	case KindProcessed:
		return e.Raw == nil
	}
	return false
}

// wire form, one JSON object per line on the worker channel
type frame struct {
	Kind      Kind            `json:"kind"`
	MessageID string          `json:"message_id,omitempty"`
	Raw       *types.Message  `json:"raw,omitempty"`
	Processed json.RawMessage `json:"processed,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	f := frame{Kind: e.Kind, MessageID: e.MessageID, Raw: e.Raw}
	if e.Kind == KindProcessed {
		b, err := marshal(e.Processed)
		if err != nil {
			return nil, fmt.Errorf("encode processed payload: %w", err)
		}
		f.Processed = b
	}
	return marshal(f)
}

// EncodeFrame encodes env as one newline-terminated line of the worker channel.
// Markup is left unescaped so HTML bodies keep their size.
func EncodeFrame(env Envelope) ([]byte, error) {
	b, err := marshal(env)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	return append(b, '\n'), nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes a frame. A processed payload is kept as json.RawMessage so
// the worker decides how to decode it.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	switch f.Kind {
	case KindRaw:
		if f.Raw == nil {
			return errors.New("raw envelope without message")
		}
		*e = Envelope{Kind: KindRaw, MessageID: f.MessageID, Raw: f.Raw}
	case KindProcessed:
		var payload any
		if len(f.Processed) > 0 && string(f.Processed) != "null" {
			payload = f.Processed
		}
		*e = Envelope{Kind: KindProcessed, MessageID: f.MessageID, Processed: payload}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	return nil
}
