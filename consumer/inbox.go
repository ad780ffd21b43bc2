package consumer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives every relayed message on a worker, whichever variant it is.
type Handler func(ctx context.Context, env Envelope)

// Inbox is the worker side of the relay. It turns inbound envelopes into Handler
// calls and leaves anything else to Unhandled.
type Inbox struct {
	Handler Handler

	// Unhandled gets items that are not envelopes: other values for Deliver, raw
	// lines for Serve, and an ErrFrameTooLarge error for each line Serve skipped
	// for its size. Nil drops them.
	Unhandled func(item any)

	Logger *zerolog.Logger
}

func NewInbox(handler Handler) *Inbox {
	return &Inbox{Handler: handler}
}

// Deliver routes one in-process item.
func (in *Inbox) Deliver(ctx context.Context, item any) {
	switch v := item.(type) {
	case Envelope:
		if v.Valid() {
			in.dispatch(ctx, v)
			return
		}
	case *Envelope:
		if v != nil && v.Valid() {
			in.dispatch(ctx, *v)
			return
		}
	}
	if in.Unhandled != nil {
		in.Unhandled(item)
	}
}

// Serve reads newline-delimited envelopes from r until EOF. Reads are not
// interruptible; the coordinator ends a worker by closing its end of the pipe.
// Lines longer than MaxFrameSize are skipped.
func (in *Inbox) Serve(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var buf []byte

	for {
		line, err := readFrame(reader, buf[:0])
		if errors.Is(err, ErrFrameTooLarge) {
			in.logger().Warn().Err(err).Msg("Skipping oversized frame")
			if in.Unhandled != nil {
				in.Unhandled(err)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read relay channel: %w", err)
		}
		buf = line

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			in.logger().Debug().Err(err).Msg("Ignoring non-envelope frame")
			if in.Unhandled != nil {
				in.Unhandled(append([]byte(nil), line...))
			}
			continue
		}
		in.dispatch(ctx, env)
	}
}

// readFrame appends the next line of r to buf without its line ending. A line
// over MaxFrameSize is consumed whole and reported as ErrFrameTooLarge. io.EOF is
// returned only once no bytes are left.
func readFrame(r *bufio.Reader, buf []byte) ([]byte, error) {
	size := 0
	for {
		chunk, err := r.ReadSlice('\n')
		size += len(chunk)
		if size <= MaxFrameSize+1 {
			buf = append(buf, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || size == 0) {
			return nil, err
		}

		line := bytes.TrimSuffix(buf, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if size > MaxFrameSize+1 || len(line) > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		return line, nil
	}
}

func (in *Inbox) dispatch(ctx context.Context, env Envelope) {
	if in.Handler == nil {
		return
	}

	// a panicking handler must not take the worker down with it
	defer func() {
		if r := recover(); r != nil {
			in.logger().Error().
				Str("message_id", env.MessageID).
				Str("kind", string(env.Kind)).
				Interface("panic", r).
				Msg("Message handler recovered from panic")
		}
	}()
	in.Handler(ctx, env)
}

func (in *Inbox) logger() *zerolog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return &log.Logger
}
