package mailbox

import "fmt"

// Kind distinguishes user messages from supervision signals.
type Kind uint8

const (
	KindUser Kind = iota // payload sent by a process or the host
	KindExit             // exit signal from a linked process (trap-exits mode)
	KindDown             // down notice for a monitor
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindExit:
		return "exit"
	case KindDown:
		return "down"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is one mailbox entry. Payload is owned by the message: senders
// copy it in and receivers copy it out.
type Message struct {
	Payload []byte
	Reason  string // exit reason for KindExit and KindDown
	Sender  uint64 // sending pid, 0 for the host
	Tag     uint64 // user tag, 0 for none
	Ref     uint64 // monitor ref for KindDown
	Kind    Kind
}

// Selector picks the messages a receive accepts.
type Selector func(*Message) bool

// MatchAll accepts every message.
func MatchAll() Selector {
	return func(*Message) bool { return true }
}

// MatchTag accepts user messages carrying tag.
func MatchTag(tag uint64) Selector {
	return func(m *Message) bool { return m.Kind == KindUser && m.Tag == tag }
}

// MatchKind accepts messages of kind k.
func MatchKind(k Kind) Selector {
	return func(m *Message) bool { return m.Kind == k }
}

// MatchRef accepts the down notice for monitor ref.
func MatchRef(ref uint64) Selector {
	return func(m *Message) bool { return m.Kind == KindDown && m.Ref == ref }
}
