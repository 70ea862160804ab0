package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/wippyai/wasm-process/errors"
)

// ErrClosed is returned by Receive on a closed mailbox.
var ErrClosed = errors.New(errors.PhaseRuntime, errors.KindShutdown).
	Detail("mailbox closed").
	Build()

type waiter struct {
	sel Selector
	fn  func()
}

// Mailbox is an unbounded multi-producer single-consumer message queue with
// selective receive. Any goroutine may Send; only the owning process takes
// messages out. Messages from one sender stay in send order.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	waiter *waiter
	closed bool

	owner  uint64
	dead   *DeadLetters
	onDead func(to uint64, msg Message)
}

// New creates an empty mailbox.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{}
	for _, opt := range opts {
		opt(m)
	}
	if m.dead == nil {
		m.dead = NewDeadLetters(DefaultDeadLetterCapacity)
	}
	return m
}

// Send appends msg. It never blocks and never fails: on a closed mailbox the
// message becomes a dead letter.
func (m *Mailbox) Send(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.deadLetter(msg)
		return
	}
	m.queue = append(m.queue, msg)
	var wake func()
	if w := m.waiter; w != nil && w.sel(&m.queue[len(m.queue)-1]) {
		m.waiter = nil
		wake = w.fn
	}
	if m.notify != nil {
		close(m.notify)
		m.notify = nil
	}
	m.mu.Unlock()

	if wake != nil {
		wake()
	}
}

// Take removes and returns the first message accepted by sel. Messages it
// skips keep their relative order.
func (m *Mailbox) Take(sel Selector) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take(sel)
}

func (m *Mailbox) take(sel Selector) (Message, bool) {
	for i := range m.queue {
		if !sel(&m.queue[i]) {
			continue
		}
		msg := m.queue[i]
		if i == 0 {
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
		} else {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
		}
		return msg, true
	}
	return Message{}, false
}

// Receive blocks until a message accepted by sel arrives, timeout elapses or
// ctx ends. A negative timeout waits forever and zero polls once. On timeout
// the queue is left untouched and the error matches errors.ErrTimeout.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration, sel Selector) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		m.mu.Lock()
		if msg, ok := m.take(sel); ok {
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Message{}, ErrClosed
		}
		if timeout == 0 {
			m.mu.Unlock()
			return Message{}, errors.Timeout("receive: no matching message")
		}
		if m.notify == nil {
			m.notify = make(chan struct{})
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-notify:
		case <-expired:
			return Message{}, errors.Timeout("receive: timed out after " + timeout.String())
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Wait registers fn to be called once, by the first Send whose message sel
// accepts. fn runs on the sending goroutine without the mailbox lock held.
// It returns false without registering when a matching message is already
// queued or the mailbox is closed. A later Wait replaces an earlier one.
func (m *Mailbox) Wait(sel Selector, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	for i := range m.queue {
		if sel(&m.queue[i]) {
			return false
		}
	}
	m.waiter = &waiter{sel: sel, fn: fn}
	return true
}

// CancelWait drops a registered wake callback.
func (m *Mailbox) CancelWait() {
	m.mu.Lock()
	m.waiter = nil
	m.mu.Unlock()
}

// Close stops delivery. Queued messages and everything sent afterwards
// become dead letters. Blocked receivers return ErrClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.queue
	m.queue = nil
	m.waiter = nil
	if m.notify != nil {
		close(m.notify)
		m.notify = nil
	}
	m.mu.Unlock()

	for _, msg := range pending {
		m.deadLetter(msg)
	}
}

// Closed reports whether Close was called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// DeadLetters returns the ring this mailbox records undeliverable messages in.
func (m *Mailbox) DeadLetters() *DeadLetters {
	return m.dead
}

func (m *Mailbox) deadLetter(msg Message) {
	m.dead.Add(m.owner, msg)
	if m.onDead != nil {
		m.onDead(m.owner, msg)
	}
}
