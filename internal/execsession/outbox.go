package execsession

import (
	"context"
	"errors"
	"sync"
)

type outboxState int

const (
	// outboxBuffering queues frames while the transport is still connecting.
	outboxBuffering outboxState = iota
	// outboxFlushing sends the queue as one ordered burst; submitters wait on the mutex.
	outboxFlushing
	// outboxDraining sends every frame directly.
	outboxDraining
	outboxClosed
)

var errOutboxClosed = errors.New("exec session closed")

// messageWriter is the part of the transport the outbox sends through.
type messageWriter interface {
	WriteMessage(ctx context.Context, data []byte) error
}

// outbox orders outbound frames across the connect boundary. Every frame is encoded once and
// sent exactly once, in submission order.
type outbox struct {
	mu    sync.Mutex
	state outboxState
	queue [][]byte
	w     messageWriter
}

func (o *outbox) submit(ctx context.Context, f Frame) error {
	msg, err := EncodeOutbound(f)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case outboxBuffering:
		o.queue = append(o.queue, msg)
		return nil
	case outboxDraining:
		return o.w.WriteMessage(ctx, msg)
	default:
		return errOutboxClosed
	}
}

// open flushes the queue through w and switches to direct sending.
func (o *outbox) open(ctx context.Context, w messageWriter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != outboxBuffering {
		return errOutboxClosed
	}
	o.state = outboxFlushing
	o.w = w
	for i, msg := range o.queue {
		if err := w.WriteMessage(ctx, msg); err != nil {
			o.queue = o.queue[i:]
			o.state = outboxClosed
			return err
		}
	}
	o.queue = nil
	o.state = outboxDraining
	return nil
}

func (o *outbox) close() {
	o.mu.Lock()
	o.state = outboxClosed
	o.queue = nil
	o.mu.Unlock()
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
