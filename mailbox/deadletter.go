package mailbox

import (
	"sync"
	"time"
)

// DefaultDeadLetterCapacity is the ring size used when none is given.
const DefaultDeadLetterCapacity = 256

// DeadLetter is a message that could not be delivered.
type DeadLetter struct {
	At      time.Time
	Message Message
	To      uint64
}

// DeadLetters is a bounded ring of undeliverable messages. When full, the
// oldest entry is dropped. It is safe for concurrent use.
type DeadLetters struct {
	mu      sync.Mutex
	ring    []DeadLetter
	next    int
	full    bool
	dropped uint64
	total   uint64
}

// NewDeadLetters creates a ring holding up to capacity entries.
func NewDeadLetters(capacity int) *DeadLetters {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetters{ring: make([]DeadLetter, capacity)}
}

// Add records msg as undeliverable to pid to.
func (d *DeadLetters) Add(to uint64, msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		d.dropped++
	}
	d.ring[d.next] = DeadLetter{At: time.Now(), Message: msg, To: to}
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	d.total++
}

// Snapshot returns the retained entries, oldest first.
func (d *DeadLetters) Snapshot() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.full {
		return append([]DeadLetter(nil), d.ring[:d.next]...)
	}
	out := make([]DeadLetter, 0, len(d.ring))
	out = append(out, d.ring[d.next:]...)
	return append(out, d.ring[:d.next]...)
}

// Total returns how many entries were ever added.
func (d *DeadLetters) Total() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Dropped returns how many entries were evicted by newer ones.
func (d *DeadLetters) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
