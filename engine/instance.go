package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/instrument"
)

// StepKind is the outcome of one Resume.
type StepKind int

const (
	StepSuspended StepKind = iota // parked at a safepoint, resumable
	StepReturned                  // entry function returned
	StepTrapped                   // sandbox fault
	StepAborted                   // terminated on request
)

func (k StepKind) String() string {
	switch k {
	case StepSuspended:
		return "suspended"
	case StepReturned:
		return "returned"
	case StepTrapped:
		return "trapped"
	case StepAborted:
		return "aborted"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Reason says why a guest suspended.
type Reason int

const (
	ReasonFuel    Reason = iota // fuel counter went negative
	ReasonYield                 // guest called yield
	ReasonReceive               // guest is waiting for a message
)

func (r Reason) String() string {
	switch r {
	case ReasonFuel:
		return "fuel"
	case ReasonYield:
		return "yield"
	case ReasonReceive:
		return "receive"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Step reports what happened during one Resume.
type Step struct {
	Err    error    // trap error or abort cause
	Trap   string   // short trap code
	Values []uint64 // results of the entry function
	Fuel   int64    // fuel consumed during the step
	Kind   StepKind
	Reason Reason
}

// ErrFinished is the abort cause reported when an instance that already
// finished is resumed again.
var ErrFinished = stderrors.New("instance already finished")

// haltError unwinds the sandbox from inside a host call.
type haltError struct {
	cause error
}

func (h *haltError) Error() string { return "halted: " + h.cause.Error() }
func (h *haltError) Unwrap() error { return h.cause }

type resumeMsg struct {
	abort error
	fuel  int64
}

// Instance is a resumable sandbox instance. Its guest code runs on a
// dedicated goroutine that alternates with the caller of Resume: exactly one
// of them runs at a time, so an instance never executes concurrently with
// itself. The sandbox is instantiated on first resume, which puts start
// functions under the same control as the entry function.
//
// Resume, Abort and Close must not be called concurrently with each other.
// Interrupt may be called from any goroutine.
type Instance struct {
	cm     *CompiledModule
	data   any
	ctx    context.Context
	cancel context.CancelCauseFunc
	resume chan resumeMsg
	step   chan Step
	entry  string
	args   []uint64

	// owned by the guest goroutine
	mod     api.Module
	fuel    api.MutableGlobal
	quantum int64
	loaded  bool

	mu          sync.Mutex
	interrupted error

	started bool
	done    bool
}

// NewInstance prepares an instance that will run entry(args...). It takes a
// reference on cm, dropped when the instance finishes or is closed.
func NewInstance(cm *CompiledModule, entry string, args []uint64) (*Instance, error) {
	def, ok := cm.Export(entry)
	if !ok {
		return nil, errors.NotFound(errors.PhaseSpawn, "entry function", entry)
	}
	if n := len(def.ParamTypes()); n != len(args) {
		return nil, errors.InvalidInput(errors.PhaseSpawn,
			fmt.Sprintf("entry %q takes %d arguments, got %d", entry, n, len(args)))
	}
	if !cm.Acquire() {
		return nil, errors.New(errors.PhaseSpawn, errors.KindShutdown).
			Detail("module has been unloaded").
			Build()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	inst := &Instance{
		cm:     cm,
		entry:  entry,
		args:   append([]uint64(nil), args...),
		cancel: cancel,
		resume: make(chan resumeMsg),
		step:   make(chan Step),
	}
	inst.ctx = context.WithValue(ctx, ctxKeyInstance{}, inst)
	return inst, nil
}

// SetData attaches caller data retrievable from host functions.
func (i *Instance) SetData(v any) { i.data = v }

// Data returns the attached caller data.
func (i *Instance) Data() any { return i.data }

// Module returns the compiled module the instance runs.
func (i *Instance) Module() *CompiledModule { return i.cm }

// Done reports whether the instance has finished.
func (i *Instance) Done() bool { return i.done }

// Resume runs the guest with fuel until it suspends, returns, traps or is
// aborted. If ctx ends first the guest is interrupted and the resulting
// step is still returned.
func (i *Instance) Resume(ctx context.Context, fuel int64) Step {
	if i.done {
		return Step{Kind: StepAborted, Err: ErrFinished}
	}
	if !i.started {
		i.started = true
		i.quantum = fuel
		go i.run()
	} else {
		i.resume <- resumeMsg{fuel: fuel}
	}
	return i.wait(ctx)
}

// Abort terminates a parked guest: the host call it is parked in unwinds
// the sandbox with cause. An instance that never ran finishes immediately.
func (i *Instance) Abort(ctx context.Context, cause error) Step {
	if i.done {
		return Step{Kind: StepAborted, Err: cause}
	}
	if !i.started {
		i.finish(context.Background())
		return Step{Kind: StepAborted, Err: cause}
	}
	i.resume <- resumeMsg{abort: cause}
	return i.wait(ctx)
}

// Interrupt stops a guest that is running wasm code, for guests without
// fuel metering. The next Resume or the one in progress reports
// StepAborted with cause.
func (i *Instance) Interrupt(cause error) {
	i.mu.Lock()
	if i.interrupted == nil {
		i.interrupted = cause
	}
	i.mu.Unlock()
	i.cancel(cause)
}

func (i *Instance) interruptCause() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.interrupted
}

// Close aborts a parked guest and releases the instance.
func (i *Instance) Close(ctx context.Context) {
	if i.done {
		return
	}
	i.Abort(ctx, ErrFinished)
}

func (i *Instance) wait(ctx context.Context) Step {
	var s Step
	select {
	case s = <-i.step:
	case <-ctx.Done():
		i.Interrupt(context.Cause(ctx))
		s = <-i.step
	}
	if s.Kind != StepSuspended {
		i.done = true
	}
	return s
}

// run is the guest goroutine.
func (i *Instance) run() {
	s := i.call()
	i.finish(i.ctx)
	i.step <- s
}

func (i *Instance) call() (s Step) {
	mod, err := i.cm.engine.runtime.InstantiateModule(i.ctx, i.cm.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return i.failed(err)
	}
	i.bind(mod)

	fn := mod.ExportedFunction(i.entry)
	if fn == nil {
		return Step{Kind: StepTrapped, Trap: "missing-entry", Err: fmt.Errorf("export %q not found", i.entry)}
	}
	results, err := fn.Call(i.ctx, i.args...)
	if err != nil {
		return i.failed(err)
	}
	return Step{Kind: StepReturned, Values: results, Fuel: i.consumed()}
}

func (i *Instance) failed(err error) Step {
	var halt *haltError
	if stderrors.As(err, &halt) {
		return Step{Kind: StepAborted, Err: halt.cause}
	}
	if cause := i.interruptCause(); cause != nil {
		return Step{Kind: StepAborted, Err: cause}
	}
	return Step{Kind: StepTrapped, Trap: TrapCode(err), Err: err, Fuel: i.consumed()}
}

func (i *Instance) finish(ctx context.Context) {
	if i.mod != nil {
		if err := i.mod.Close(ctx); err != nil {
			Logger().Debug("close instance", zap.Error(err))
		}
		i.mod = nil
	}
	i.cancel(ErrFinished)
	i.done = true
	i.cm.Release(context.Background())
}

func (i *Instance) bind(mod api.Module) {
	if i.mod != nil {
		return
	}
	i.mod = mod
	if g, ok := mod.ExportedGlobal(instrument.FuelGlobalExport).(api.MutableGlobal); ok {
		i.fuel = g
	}
}

func (i *Instance) refill() {
	if i.fuel == nil {
		return
	}
	i.fuel.Set(uint64(i.quantum))
	i.loaded = true
}

func (i *Instance) consumed() int64 {
	if i.fuel == nil || !i.loaded {
		return 0
	}
	return i.quantum - int64(i.fuel.Get())
}

type ctxKeyInstance struct{}

// FromContext returns the instance whose guest is calling the host function
// that received ctx, or nil outside a guest call.
func FromContext(ctx context.Context) *Instance {
	if v, ok := ctx.Value(ctxKeyInstance{}).(*Instance); ok {
		return v
	}
	return nil
}

// Suspend parks the calling guest and hands control back to Resume with
// reason. It returns when the instance is resumed. If the instance is
// aborted instead, Suspend does not return: the sandbox unwinds.
// Called by host functions only.
func Suspend(ctx context.Context, mod api.Module, reason Reason) {
	i := FromContext(ctx)
	if i == nil {
		return
	}
	i.bind(mod)
	i.step <- Step{Kind: StepSuspended, Reason: reason, Fuel: i.consumed()}
	msg := <-i.resume
	if msg.abort != nil {
		panic(&haltError{cause: msg.abort})
	}
	if cause := i.interruptCause(); cause != nil {
		panic(&haltError{cause: cause})
	}
	i.quantum = msg.fuel
	i.loaded = false
	i.refill()
}

// Halt unwinds the calling guest with cause without suspending. The current
// Resume reports StepAborted with cause.
func Halt(cause error) {
	panic(&haltError{cause: cause})
}

// FuelExhausted services the fuel safepoint injected by FuelPass. The first
// call of a quantum loads the counter; later calls suspend the guest.
func FuelExhausted(ctx context.Context, mod api.Module) {
	i := FromContext(ctx)
	if i == nil {
		return
	}
	i.bind(mod)
	if !i.loaded {
		i.refill()
		return
	}
	Suspend(ctx, mod, ReasonFuel)
}
