package process

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/mailbox"
	"github.com/wippyai/wasm-process/scheduler"
)

// fakeInstance replays scripted steps.
type fakeInstance struct {
	mu          sync.Mutex
	steps       []engine.Step
	onResume    func()
	interrupted error
	aborted     error
	closed      bool
	resumes     int
}

func (f *fakeInstance) Resume(context.Context, int64) engine.Step {
	f.mu.Lock()
	f.resumes++
	hook := f.onResume
	var s engine.Step
	if len(f.steps) > 0 {
		s = f.steps[0]
		f.steps = f.steps[1:]
	} else {
		s = engine.Step{Kind: engine.StepSuspended, Reason: engine.ReasonYield}
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s
}

func (f *fakeInstance) Abort(_ context.Context, cause error) engine.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = cause
	return engine.Step{Kind: engine.StepAborted, Err: cause}
}

func (f *fakeInstance) Interrupt(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupted == nil {
		f.interrupted = cause
	}
}

func (f *fakeInstance) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fakeScheduler records enqueued runnables.
type fakeScheduler struct {
	mu    sync.Mutex
	queue []scheduler.Runnable
}

func (s *fakeScheduler) Enqueue(r scheduler.Runnable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r)
	return nil
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type env struct {
	table *Table
	sched *fakeScheduler
}

func newEnv() *env {
	return &env{table: NewTable(nil, nil), sched: &fakeScheduler{}}
}

func (e *env) spawn(steps ...engine.Step) (*Process, *fakeInstance) {
	inst := &fakeInstance{steps: steps}
	pid := e.table.NewPID()
	p := New(Config{
		Instance:  inst,
		Mailbox:   mailbox.New(mailbox.WithOwner(uint64(pid)), mailbox.WithDeadLetters(e.table.DeadLetters())),
		Table:     e.table,
		Scheduler: e.sched,
		PID:       pid,
		Quantum:   1000,
		Module:    "test",
		Entry:     "main",
	})
	e.table.Insert(p)
	return p, inst
}

var (
	suspendedFuel    = engine.Step{Kind: engine.StepSuspended, Reason: engine.ReasonFuel, Fuel: 1001}
	suspendedReceive = engine.Step{Kind: engine.StepSuspended, Reason: engine.ReasonReceive}
	returned         = engine.Step{Kind: engine.StepReturned}
	divByZero        = engine.Step{Kind: engine.StepTrapped, Trap: engine.TrapDivByZero}
)

func run(p *Process) scheduler.Verdict { return p.RunQuantum(context.Background()) }

func TestRunQuantumVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		step    engine.Step
		verdict scheduler.Verdict
		state   State
		reason  Reason
	}{
		{"fuel", suspendedFuel, scheduler.Requeue, StateReady, Reason{}},
		{"yield", engine.Step{Kind: engine.StepSuspended, Reason: engine.ReasonYield}, scheduler.Requeue, StateReady, Reason{}},
		{"receive", suspendedReceive, scheduler.Park, StateBlocked, Reason{}},
		{"returned", returned, scheduler.Done, StateFinished, Normal()},
		{"trapped", divByZero, scheduler.Done, StateFinished, Trapped("div-by-zero")},
		{"exit", engine.Step{Kind: engine.StepAborted, Err: &ExitError{Reason: Killed("bye")}}, scheduler.Done, StateFinished, Killed("bye")},
		{"aborted", engine.Step{Kind: engine.StepAborted, Err: stderrors.New("boom")}, scheduler.Done, StateFinished, Killed("boom")},
		{"shutdown", engine.Step{Kind: engine.StepAborted, Err: errors.Shutdown(errors.PhaseRuntime)}, scheduler.Done, StateFinished, Shutdown()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			p, _ := e.spawn(tt.step)
			if v := run(p); v != tt.verdict {
				t.Fatalf("verdict = %v, want %v", v, tt.verdict)
			}
			if s := p.State(); s != tt.state {
				t.Errorf("state = %v, want %v", s, tt.state)
			}
			if tt.state == StateFinished {
				r, ok := p.Outcome()
				if !ok || r.String() != tt.reason.String() {
					t.Errorf("reason = %v, want %v", r, tt.reason)
				}
			}
		})
	}
}

func TestFinishReleasesProcess(t *testing.T) {
	e := newEnv()
	p, inst := e.spawn(returned)
	run(p)

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed")
	}
	if _, ok := e.table.Lookup(p.PID()); ok {
		t.Error("finished process still in table")
	}
	if !inst.closed || !p.Mailbox().Closed() {
		t.Error("instance or mailbox not closed")
	}
	if v := run(p); v != scheduler.Done {
		t.Errorf("quantum after finish = %v", v)
	}
	r, err := p.Wait(context.Background())
	if err != nil || !r.IsNormal() {
		t.Errorf("Wait = %v, %v", r, err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	e := newEnv()
	p, _ := e.spawn()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v", err)
	}
}

func TestKillBlockedProcess(t *testing.T) {
	e := newEnv()
	p, inst := e.spawn(suspendedReceive)
	run(p)
	if p.State() != StateBlocked {
		t.Fatalf("state = %v", p.State())
	}

	p.Kill(Killed("stop"))
	p.Kill(Killed("second kill is ignored"))
	if p.State() != StateReady || e.sched.count() != 1 {
		t.Fatalf("killed blocked process not rescheduled: state %v, queued %d", p.State(), e.sched.count())
	}
	if v := run(p); v != scheduler.Done {
		t.Fatalf("verdict = %v", v)
	}
	var exit *ExitError
	if !stderrors.As(inst.aborted, &exit) {
		t.Fatalf("instance aborted with %v", inst.aborted)
	}
	if r, _ := p.Outcome(); r.String() != "killed(stop)" {
		t.Errorf("reason = %v", r)
	}
}

func TestKillDuringQuantumAppliesAtSafepoint(t *testing.T) {
	e := newEnv()
	p, inst := e.spawn(suspendedFuel)
	inst.onResume = func() { p.Kill(Killed("mid-quantum")) }

	if v := run(p); v != scheduler.Done {
		t.Fatalf("verdict = %v, want done in the same quantum", v)
	}
	if inst.interrupted == nil {
		t.Error("running process was not interrupted")
	}
	if r, _ := p.Outcome(); r.String() != "killed(mid-quantum)" {
		t.Errorf("reason = %v", r)
	}
}

// The kill lands after the safepoint check but before the process parks.
func TestKillBetweenSafepointAndParkIsNotLost(t *testing.T) {
	e := newEnv()
	p, inst := e.spawn(suspendedReceive)

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.Kill(Killed("late"))
	if inst.interrupted == nil {
		t.Error("running process was not interrupted")
	}

	if v := p.settle(suspendedReceive); v != scheduler.Requeue {
		t.Fatalf("verdict = %v, want requeue", v)
	}
	if p.State() != StateReady {
		t.Fatalf("state = %v, want ready", p.State())
	}
	if v := run(p); v != scheduler.Done {
		t.Fatalf("next quantum verdict = %v, want done", v)
	}
	if r, _ := p.Outcome(); r.String() != "killed(late)" {
		t.Errorf("reason = %v", r)
	}
	if inst.resumes != 0 {
		t.Errorf("killed process resumed %d times", inst.resumes)
	}
}

func TestKillFinishedIsIgnored(t *testing.T) {
	e := newEnv()
	p, _ := e.spawn(returned)
	run(p)
	p.Kill(Killed("late"))
	if r, _ := p.Outcome(); !r.IsNormal() {
		t.Errorf("reason = %v", r)
	}
}

func TestWakeDuringQuantumPreventsPark(t *testing.T) {
	e := newEnv()
	p, inst := e.spawn(suspendedReceive)
	inst.onResume = p.Wake
	if v := run(p); v != scheduler.Requeue {
		t.Fatalf("verdict = %v, want requeue", v)
	}
	if e.sched.count() != 0 {
		t.Error("running process must not be enqueued by Wake")
	}
}

func TestWakeBlocked(t *testing.T) {
	e := newEnv()
	p, _ := e.spawn(suspendedReceive)
	run(p)
	p.Wake()
	p.Wake()
	if p.State() != StateReady || e.sched.count() != 1 {
		t.Errorf("state = %v queued = %d", p.State(), e.sched.count())
	}
}

func TestMaxFuelTraps(t *testing.T) {
	e := newEnv()
	p, _ := e.spawn(suspendedFuel, suspendedFuel)
	p.maxFuel = 1500

	if v := run(p); v != scheduler.Requeue {
		t.Fatalf("first quantum = %v", v)
	}
	if v := run(p); v != scheduler.Done {
		t.Fatalf("second quantum = %v", v)
	}
	if r, _ := p.Outcome(); r.String() != "trapped(out-of-fuel)" {
		t.Errorf("reason = %v", r)
	}
	if info := p.Info(); info.Fuel != 2002 || info.Quanta != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestSendAndDeadLetters(t *testing.T) {
	e := newEnv()
	a, _ := e.spawn()
	b, _ := e.spawn()

	payload := []byte("hello")
	if !a.Send(b.PID(), 7, payload) {
		t.Fatal("send to live process failed")
	}
	payload[0] = 'j'
	msg, ok := b.Mailbox().Take(mailbox.MatchTag(7))
	if !ok || string(msg.Payload) != "hello" || msg.Sender != uint64(a.PID()) {
		t.Fatalf("got %+v", msg)
	}

	if a.Send(999, 1, nil) {
		t.Error("send to unknown pid reported delivery")
	}
	dl := e.table.DeadLetters().Snapshot()
	if len(dl) != 1 || dl[0].To != 999 {
		t.Errorf("dead letters = %+v", dl)
	}
}

func TestTable(t *testing.T) {
	e := newEnv()
	a, _ := e.spawn()
	b, _ := e.spawn()
	if a.PID() != 1 || b.PID() != 2 {
		t.Errorf("pids = %d, %d", a.PID(), b.PID())
	}
	if e.table.Len() != 2 || len(e.table.Snapshot()) != 2 {
		t.Errorf("len = %d", e.table.Len())
	}
	if !e.table.Issued(2) || e.table.Issued(3) || e.table.Issued(0) {
		t.Error("Issued")
	}
	e.table.Remove(a.PID())
	e.table.Remove(a.PID())
	if e.table.Len() != 1 {
		t.Errorf("len after remove = %d", e.table.Len())
	}
	if r1, r2 := e.table.NewRef(), e.table.NewRef(); r2 <= r1 {
		t.Error("refs must increase")
	}
}

func TestReasonString(t *testing.T) {
	tests := []struct {
		r    Reason
		want string
	}{
		{Normal(), "normal"},
		{Trapped("div-by-zero"), "trapped(div-by-zero)"},
		{Killed("x"), "killed(x)"},
		{Shutdown(), "killed(shutdown)"},
		{LinkedProcessDied(3, Trapped("unreachable")), "killed(linked process <3> died: trapped(unreachable))"},
		{ReasonFromText(""), "normal"},
		{ReasonFromText("normal"), "normal"},
		{ReasonFromText("oops"), "killed(oops)"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}
