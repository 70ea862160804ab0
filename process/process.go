package process

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/mailbox"
	"github.com/wippyai/wasm-process/scheduler"
)

// State is the lifecycle state of a process.
type State uint8

const (
	StateReady    State = iota // queued for a quantum
	StateRunning               // a worker is running its quantum
	StateBlocked               // parked, waiting to be woken
	StateFinished              // exit reason is final
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// BlockReason says what a blocked process waits for.
type BlockReason uint8

const (
	BlockNone BlockReason = iota
	AwaitingMessage
)

func (b BlockReason) String() string {
	if b == AwaitingMessage {
		return "awaiting-message"
	}
	return ""
}

// Instance is the resumable sandbox a process drives. *engine.Instance
// implements it.
type Instance interface {
	Resume(ctx context.Context, fuel int64) engine.Step
	Abort(ctx context.Context, cause error) engine.Step
	Interrupt(cause error)
	Close(ctx context.Context)
}

// Enqueuer accepts runnable processes. *scheduler.Scheduler implements it.
type Enqueuer interface {
	Enqueue(r scheduler.Runnable) error
}

// Config describes a process to create.
type Config struct {
	Instance  Instance
	Mailbox   *mailbox.Mailbox
	Table     *Table
	Scheduler Enqueuer

	// OnExit is called once the process is finished, its exit signals are
	// delivered and it has left the table.
	OnExit func(p *Process)

	Module string
	Entry  string

	// ModuleID identifies the loaded module, for spawning siblings.
	ModuleID uint64

	PID    PID
	Parent PID

	// Quantum is the fuel granted per scheduling quantum.
	Quantum int64
	// MaxFuel caps the total fuel; exceeding it traps with out-of-fuel.
	// 0 means unlimited.
	MaxFuel int64
}

// Info is a snapshot of a process for monitoring.
type Info struct {
	Started  time.Time
	Module   string
	Entry    string
	Reason   Reason
	PID      PID
	Parent   PID
	ModuleID uint64
	Fuel     int64
	Quanta   uint64
	Mailbox  int
	Links    int
	Monitors int
	State    State
	Block    BlockReason
	TrapExit bool
}

// Process is one sandboxed actor: a resumable instance, a mailbox, and the
// link and monitor sets that tie it to other processes.
type Process struct {
	inst    Instance
	mb      *mailbox.Mailbox
	table   *Table
	sched   Enqueuer
	onExit  func(p *Process)
	done    chan struct{}
	started time.Time
	module  string
	entry   string
	pid     PID
	parent  PID
	modID   uint64
	quantum int64
	maxFuel int64

	fuel   atomic.Int64
	quanta atomic.Uint64

	mu       sync.Mutex
	state    State
	block    BlockReason
	woken    bool
	kill     *Reason
	reason   Reason
	trapExit bool
	links    map[PID]*Process
	watchers map[Ref]*Process // monitors watching this process
	watching map[Ref]*Process // monitors this process holds

	// owned by the guest while it runs
	current    mailbox.Message
	hasCurrent bool
}

// New creates a Ready process. It does not run until Start.
func New(cfg Config) *Process {
	return &Process{
		inst:     cfg.Instance,
		mb:       cfg.Mailbox,
		table:    cfg.Table,
		sched:    cfg.Scheduler,
		onExit:   cfg.OnExit,
		done:     make(chan struct{}),
		started:  time.Now(),
		module:   cfg.Module,
		entry:    cfg.Entry,
		pid:      cfg.PID,
		parent:   cfg.Parent,
		modID:    cfg.ModuleID,
		quantum:  cfg.Quantum,
		maxFuel:  cfg.MaxFuel,
		state:    StateReady,
		links:    make(map[PID]*Process),
		watchers: make(map[Ref]*Process),
		watching: make(map[Ref]*Process),
	}
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// Mailbox returns the process mailbox.
func (p *Process) Mailbox() *mailbox.Mailbox { return p.mb }

// Module returns the name of the module the process runs.
func (p *Process) Module() string { return p.module }

// ModuleID returns the id of the module the process runs.
func (p *Process) ModuleID() uint64 { return p.modID }

// Start hands the process to the scheduler.
func (p *Process) Start() error {
	return p.sched.Enqueue(p)
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Outcome returns the exit reason once the process has finished.
func (p *Process) Outcome() (Reason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.state == StateFinished
}

// Done is closed after the process finished, left the table and OnExit ran.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process has finished and returns its exit reason.
func (p *Process) Wait(ctx context.Context) (Reason, error) {
	select {
	case <-p.done:
		r, _ := p.Outcome()
		return r, nil
	case <-ctx.Done():
		return Reason{}, ctx.Err()
	}
}

// Info returns a snapshot of the process.
func (p *Process) Info() Info {
	p.mu.Lock()
	info := Info{
		Started:  p.started,
		Module:   p.module,
		Entry:    p.entry,
		Reason:   p.reason,
		PID:      p.pid,
		Parent:   p.parent,
		ModuleID: p.modID,
		Links:    len(p.links),
		Monitors: len(p.watchers),
		State:    p.state,
		Block:    p.block,
		TrapExit: p.trapExit,
	}
	p.mu.Unlock()
	info.Fuel = p.fuel.Load()
	info.Quanta = p.quanta.Load()
	info.Mailbox = p.mb.Len()
	return info
}

// Kill asks the process to terminate with r. It never blocks and is always
// accepted; the first kill wins and a finished process ignores it. A parked
// process is scheduled so the kill is applied at its safepoint; a running one
// is interrupted.
func (p *Process) Kill(r Reason) {
	p.mu.Lock()
	if p.state == StateFinished || p.kill != nil {
		p.mu.Unlock()
		return
	}
	p.kill = &r
	switch p.state {
	case StateBlocked:
		p.state = StateReady
		p.block = BlockNone
		p.mu.Unlock()
		p.enqueue()
	case StateRunning:
		p.woken = true
		p.mu.Unlock()
		p.inst.Interrupt(&ExitError{Reason: r})
	default:
		p.mu.Unlock()
	}
}

// Wake makes a blocked process runnable again. Waking a running process
// keeps it from parking at the end of its quantum.
func (p *Process) Wake() {
	p.mu.Lock()
	switch p.state {
	case StateBlocked:
		p.state = StateReady
		p.block = BlockNone
		p.mu.Unlock()
		p.enqueue()
	case StateRunning:
		p.woken = true
		p.mu.Unlock()
	default:
		p.mu.Unlock()
	}
}

func (p *Process) enqueue() {
	if err := p.sched.Enqueue(p); err != nil {
		Logger().Debug("process not rescheduled", zap.Stringer("pid", p.pid), zap.Error(err))
	}
}

// RunQuantum runs the process until it suspends or finishes.
func (p *Process) RunQuantum(ctx context.Context) scheduler.Verdict {
	p.mu.Lock()
	if p.state == StateFinished {
		p.mu.Unlock()
		return scheduler.Done
	}
	p.state = StateRunning
	p.woken = false
	kill := p.kill
	p.mu.Unlock()
	p.quanta.Add(1)

	var step engine.Step
	if kill != nil {
		step = p.inst.Abort(ctx, &ExitError{Reason: *kill})
	} else {
		step = p.inst.Resume(ctx, p.quantum)
	}
	p.fuel.Add(step.Fuel)

	if step.Kind == engine.StepSuspended {
		if r, ok := p.pendingKill(); ok {
			step = p.inst.Abort(ctx, &ExitError{Reason: r})
			p.fuel.Add(step.Fuel)
		}
	}
	return p.settle(step)
}

// pendingKill returns the reason the process must stop at this safepoint.
func (p *Process) pendingKill() (Reason, bool) {
	p.mu.Lock()
	kill := p.kill
	p.mu.Unlock()
	if kill != nil {
		return *kill, true
	}
	if p.maxFuel > 0 && p.fuel.Load() > p.maxFuel {
		return Trapped(engine.TrapOutOfFuel), true
	}
	return Reason{}, false
}

func (p *Process) settle(step engine.Step) scheduler.Verdict {
	switch step.Kind {
	case engine.StepSuspended:
		p.mu.Lock()
		defer p.mu.Unlock()
		// A kill that raced past pendingKill is applied next quantum.
		if step.Reason == engine.ReasonReceive && !p.woken && p.kill == nil {
			p.state = StateBlocked
			p.block = AwaitingMessage
			return scheduler.Park
		}
		p.state = StateReady
		return scheduler.Requeue
	case engine.StepReturned:
		p.finish(Normal())
	case engine.StepTrapped:
		p.finish(Trapped(step.Trap))
	default:
		p.finish(abortReason(step.Err))
	}
	return scheduler.Done
}

func abortReason(err error) Reason {
	var exit *ExitError
	if stderrors.As(err, &exit) {
		return exit.Reason
	}
	if err == nil {
		return Killed(CauseKill)
	}
	if stderrors.Is(err, errors.ErrShutdown) {
		return Shutdown()
	}
	return Killed(err.Error())
}

// finish makes r final, delivers exit signals and down notices, and
// releases the process.
func (p *Process) finish(r Reason) {
	p.mu.Lock()
	if p.state == StateFinished {
		p.mu.Unlock()
		return
	}
	p.state = StateFinished
	p.block = BlockNone
	p.reason = r
	links := p.links
	watchers := p.watchers
	watching := p.watching
	p.links = nil
	p.watchers = nil
	p.watching = nil
	p.mu.Unlock()

	Logger().Debug("process finished",
		zap.Stringer("pid", p.pid),
		zap.String("module", p.module),
		zap.Stringer("reason", r),
		zap.Int64("fuel", p.fuel.Load()))

	for _, peer := range orderedPeers(links) {
		peer.linkExit(p.pid, r)
	}
	for ref, w := range watchers {
		w.down(ref, p.pid, r)
	}
	for ref, target := range watching {
		target.dropWatcher(ref)
	}

	if p.table != nil {
		p.table.Remove(p.pid)
	}
	p.inst.Close(context.Background())
	p.mb.Close()
	if p.onExit != nil {
		p.onExit(p)
	}
	close(p.done)
}

// Send copies payload into the mailbox of to. It reports whether a live
// process received it; otherwise it was recorded as a dead letter.
func (p *Process) Send(to PID, tag uint64, payload []byte) bool {
	return p.table.Send(to, mailbox.Message{
		Kind:    mailbox.KindUser,
		Sender:  uint64(p.pid),
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
	})
}

// Receive takes the first message sel accepts, suspending the calling guest
// until one arrives or timeout elapses. A negative timeout waits forever,
// zero polls. Called from host functions only.
func (p *Process) Receive(ctx context.Context, mod api.Module, sel mailbox.Selector, timeout time.Duration) (mailbox.Message, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if msg, ok := p.mb.Take(sel); ok {
			p.current, p.hasCurrent = msg, true
			return msg, true
		}
		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return mailbox.Message{}, false
		}
		if !p.mb.Wait(sel, p.Wake) {
			if p.mb.Closed() {
				return mailbox.Message{}, false
			}
			continue
		}
		var timer *time.Timer
		if timeout > 0 {
			timer = time.AfterFunc(time.Until(deadline), p.Wake)
		}
		engine.Suspend(ctx, mod, engine.ReasonReceive)
		if timer != nil {
			timer.Stop()
		}
		p.mb.CancelWait()
	}
}

// Current returns the last message taken by Receive.
func (p *Process) Current() (mailbox.Message, bool) {
	return p.current, p.hasCurrent
}

// Yield gives up the rest of the quantum. Called from host functions only.
func (p *Process) Yield(ctx context.Context, mod api.Module) {
	engine.Suspend(ctx, mod, engine.ReasonYield)
}

// Exit terminates the calling guest with r. It does not return. Called from
// host functions only.
func (p *Process) Exit(r Reason) {
	engine.Halt(&ExitError{Reason: r})
}

// SetTrapExit switches trap-exits mode: exit signals from linked processes
// arrive as KindExit messages instead of killing this process.
func (p *Process) SetTrapExit(on bool) {
	p.mu.Lock()
	p.trapExit = on
	p.mu.Unlock()
}
