package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process bus for development and tests. Delivery is
// at-least-once: a handler error requeues the message.
type Memory struct {
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	closed bool
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

// Publish enqueues the event.
func (m *Memory) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnavailable
	}
	m.queue = append(m.queue, data)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting publishes.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Len returns the number of queued messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Memory) pop() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

func (m *Memory) requeue(msg []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
}

// Drain synchronously delivers every queued message (including ones
// published while draining) to the handler, one at a time. A handler error
// requeues the message and stops the drain; calling Drain again redelivers.
// Intended for tests and the single-process dev mode.
func (m *Memory) Drain(ctx context.Context, h Handler) error {
	for {
		msg, ok := m.pop()
		if !ok {
			return nil
		}
		if err := m.deliver(ctx, h, msg); err != nil {
			return err
		}
	}
}

// Run delivers messages until ctx is done, blocking while the queue is
// empty. One message at a time: the worker plane is deliberately
// single-threaded.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	for {
		msg, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.notify:
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			m.requeue(msg)
			return err
		}
		m.deliver(ctx, h, msg)
	}
}

func (m *Memory) deliver(ctx context.Context, h Handler, msg []byte) error {
	e, err := Decode(msg)
	if err != nil {
		// Malformed or unknown messages are dropped; redelivery would
		// not help.
		slog.Warn("bus.message.dropped", "err", err)
		return nil
	}
	if err := h.Handle(ctx, e); err != nil {
		slog.Warn("bus.message.requeued", "kind", e.Kind(), "err", err)
		m.requeue(msg)
		return err
	}
	return nil
}
