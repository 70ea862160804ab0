package process

import (
	"slices"

	"github.com/wippyai/wasm-process/mailbox"
)

// lockPair locks a and b in PID order.
func lockPair(a, b *Process) {
	if a.pid < b.pid {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *Process) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// Link joins p and q so that an abnormal exit of either reaches the other.
// Linking is idempotent. If q has already finished, its exit signal is
// delivered to p before Link returns.
func (p *Process) Link(q *Process) {
	if p == q {
		return
	}
	lockPair(p, q)
	if p.state == StateFinished {
		unlockPair(p, q)
		return
	}
	if q.state == StateFinished {
		r := q.reason
		unlockPair(p, q)
		p.exitSignal(q.pid, r)
		return
	}
	p.links[q.pid] = q
	q.links[p.pid] = p
	unlockPair(p, q)
}

// LinkPID links p to the process with pid. A pid that was issued but is no
// longer registered delivers a noproc exit signal. It reports false for a
// pid that never existed.
func (p *Process) LinkPID(pid PID) bool {
	if q, ok := p.table.Lookup(pid); ok {
		p.Link(q)
		return true
	}
	if !p.table.Issued(pid) {
		return false
	}
	p.exitSignal(pid, Killed(CauseNoProc))
	return true
}

// Unlink removes the link between p and q, if any. After it returns, no
// exit signal from q reaches p through that link.
func (p *Process) Unlink(q *Process) {
	if p == q {
		return
	}
	lockPair(p, q)
	if p.links != nil {
		delete(p.links, q.pid)
	}
	if q.links != nil {
		delete(q.links, p.pid)
	}
	unlockPair(p, q)
}

// UnlinkPID unlinks p from pid. Unlinking an unknown pid only drops p's side.
func (p *Process) UnlinkPID(pid PID) {
	if q, ok := p.table.Lookup(pid); ok {
		p.Unlink(q)
		return
	}
	p.mu.Lock()
	if p.links != nil {
		delete(p.links, pid)
	}
	p.mu.Unlock()
}

// Monitor makes p watch q and returns the monitor ref. When q finishes, p
// receives a KindDown message carrying the ref; if q has already finished the
// notice is sent before Monitor returns.
func (p *Process) Monitor(q *Process) Ref {
	ref := p.table.NewRef()
	if p == q {
		return ref
	}
	lockPair(p, q)
	if q.state == StateFinished {
		r := q.reason
		unlockPair(p, q)
		p.down(ref, q.pid, r)
		return ref
	}
	if p.state != StateFinished {
		q.watchers[ref] = p
		p.watching[ref] = q
	}
	unlockPair(p, q)
	return ref
}

// MonitorPID monitors the process with pid. A pid without a live process
// gets an immediate noproc down notice.
func (p *Process) MonitorPID(pid PID) Ref {
	if q, ok := p.table.Lookup(pid); ok {
		return p.Monitor(q)
	}
	ref := p.table.NewRef()
	p.down(ref, pid, Killed(CauseNoProc))
	return ref
}

// Demonitor removes the monitor ref. It reports whether ref was active.
func (p *Process) Demonitor(ref Ref) bool {
	p.mu.Lock()
	q, ok := p.watching[ref]
	if ok {
		delete(p.watching, ref)
	}
	p.mu.Unlock()
	if ok {
		q.dropWatcher(ref)
	}
	return ok
}

// exitSignal delivers the exit of from whether or not p still links to it.
// Link and LinkPID use it for targets that are already gone.
func (p *Process) exitSignal(from PID, r Reason) { p.signal(from, r, false) }

// linkExit delivers the exit of linked process from. It is dropped when p
// unlinked from after from finished.
func (p *Process) linkExit(from PID, r Reason) { p.signal(from, r, true) }

func (p *Process) signal(from PID, r Reason, linked bool) {
	p.mu.Lock()
	_, ok := p.links[from]
	if p.links != nil {
		delete(p.links, from)
	}
	if p.state == StateFinished || (linked && !ok) {
		p.mu.Unlock()
		return
	}
	trap := p.trapExit
	p.mu.Unlock()

	if trap {
		text := r.String()
		p.mb.Send(mailbox.Message{
			Kind:    mailbox.KindExit,
			Sender:  uint64(from),
			Reason:  text,
			Payload: []byte(text),
		})
		return
	}
	if !r.IsNormal() {
		p.Kill(LinkedProcessDied(from, r))
	}
}

// down delivers a monitor notice for ref.
func (p *Process) down(ref Ref, from PID, r Reason) {
	p.mu.Lock()
	if p.watching != nil {
		delete(p.watching, ref)
	}
	p.mu.Unlock()

	text := r.String()
	p.mb.Send(mailbox.Message{
		Kind:    mailbox.KindDown,
		Sender:  uint64(from),
		Ref:     uint64(ref),
		Reason:  text,
		Payload: []byte(text),
	})
}

func (p *Process) dropWatcher(ref Ref) {
	p.mu.Lock()
	if p.watchers != nil {
		delete(p.watchers, ref)
	}
	p.mu.Unlock()
}

// orderedPeers returns link peers sorted by PID so fan-out is deterministic.
func orderedPeers(links map[PID]*Process) []*Process {
	out := make([]*Process, 0, len(links))
	for _, q := range links {
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b *Process) int {
		switch {
		case a.pid < b.pid:
			return -1
		case a.pid > b.pid:
			return 1
		}
		return 0
	})
	return out
}

// KillPID kills the process with pid. It reports false when no such process
// is registered. Killing itself is deferred like any other kill.
func (p *Process) KillPID(pid PID, r Reason) bool {
	q, ok := p.table.Lookup(pid)
	if !ok {
		return false
	}
	q.Kill(r)
	return true
}
