package process

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-process/mailbox"
)

const tableShards = 32

type shard struct {
	mu    sync.RWMutex
	procs map[PID]*Process
}

// Table is the concurrent registry of live processes. It hands out PIDs and
// monitor refs and routes messages to mailboxes; messages for PIDs it does
// not know become dead letters.
type Table struct {
	shards  [tableShards]shard
	nextPID atomic.Uint64
	nextRef atomic.Uint64
	count   atomic.Int64
	dead    *mailbox.DeadLetters
	onDead  func(to uint64, msg mailbox.Message)
}

// NewTable creates an empty table recording undeliverable messages in dead.
// onDead, if set, is called for each of them.
func NewTable(dead *mailbox.DeadLetters, onDead func(to uint64, msg mailbox.Message)) *Table {
	if dead == nil {
		dead = mailbox.NewDeadLetters(mailbox.DefaultDeadLetterCapacity)
	}
	t := &Table{dead: dead, onDead: onDead}
	for i := range t.shards {
		t.shards[i].procs = make(map[PID]*Process)
	}
	return t
}

// NewPID allocates a PID. The first PID is 1.
func (t *Table) NewPID() PID { return PID(t.nextPID.Add(1)) }

// NewRef allocates a monitor ref. The first ref is 1.
func (t *Table) NewRef() Ref { return Ref(t.nextRef.Add(1)) }

// Issued reports whether pid was ever allocated by this table.
func (t *Table) Issued(pid PID) bool {
	return pid != 0 && uint64(pid) <= t.nextPID.Load()
}

// DeadLetters returns the shared dead-letter ring.
func (t *Table) DeadLetters() *mailbox.DeadLetters { return t.dead }

func (t *Table) shard(pid PID) *shard { return &t.shards[uint64(pid)%tableShards] }

// Insert registers p.
func (t *Table) Insert(p *Process) {
	s := t.shard(p.pid)
	s.mu.Lock()
	if _, ok := s.procs[p.pid]; !ok {
		t.count.Add(1)
	}
	s.procs[p.pid] = p
	s.mu.Unlock()
}

// Remove unregisters pid.
func (t *Table) Remove(pid PID) {
	s := t.shard(pid)
	s.mu.Lock()
	if _, ok := s.procs[pid]; ok {
		delete(s.procs, pid)
		t.count.Add(-1)
	}
	s.mu.Unlock()
}

// Lookup returns the live process with pid.
func (t *Table) Lookup(pid PID) (*Process, bool) {
	s := t.shard(pid)
	s.mu.RLock()
	p, ok := s.procs[pid]
	s.mu.RUnlock()
	return p, ok
}

// Len returns the number of registered processes.
func (t *Table) Len() int { return int(t.count.Load()) }

// Snapshot returns every registered process, in no particular order.
func (t *Table) Snapshot() []*Process {
	out := make([]*Process, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, p := range s.procs {
			out = append(out, p)
		}
		s.mu.RUnlock()
	}
	return out
}

// Send delivers msg to pid, or records it as a dead letter. It reports
// whether a mailbox accepted it.
func (t *Table) Send(to PID, msg mailbox.Message) bool {
	if p, ok := t.Lookup(to); ok {
		p.mb.Send(msg)
		return true
	}
	t.dead.Add(uint64(to), msg)
	if t.onDead != nil {
		t.onDead(uint64(to), msg)
	}
	return false
}
