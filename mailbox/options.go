package mailbox

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithOwner sets the pid recorded on dead letters.
func WithOwner(pid uint64) Option {
	return func(m *Mailbox) {
		m.owner = pid
	}
}

// WithDeadLetters sends undeliverable messages to d instead of a private
// ring. Runtimes share one ring across all mailboxes.
func WithDeadLetters(d *DeadLetters) Option {
	return func(m *Mailbox) {
		m.dead = d
	}
}

// WithOnDeadLetter registers a hook called for every dead letter, after it
// has been recorded.
func WithOnDeadLetter(fn func(to uint64, msg Message)) Option {
	return func(m *Mailbox) {
		m.onDead = fn
	}
}
