package host

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"math"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/instrument"
	"github.com/wippyai/wasm-process/mailbox"
	"github.com/wippyai/wasm-process/process"
)

// Namespace is the import module name of the process API.
const Namespace = "proc"

// Negative results reported to guests.
const (
	ErrNotFound    = -1 // unknown pid, module or entry
	ErrBadArgument = -2 // pointer or length outside guest memory
	ErrSpawn       = -3 // spawn failed for another reason
	ErrShutdown    = -4 // runtime is stopping
)

// Receive results.
const (
	ReceiveOK      = 0
	ReceiveTimeout = 1
)

// maxSpawnArgs bounds the argument vector a guest may pass to spawn.
const maxSpawnArgs = 1 << 10

// Spawner creates processes on behalf of a guest. module 0 means the
// parent's own module.
type Spawner interface {
	SpawnChild(parent *process.Process, module uint64, entry string, args []uint64, link bool) (*process.Process, error)
}

var errNoProcess = stderrors.New("host call outside a process")

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func vt(ts ...api.ValueType) []api.ValueType { return ts }

func fn(name string, raw api.GoModuleFunc, params, results []api.ValueType) engine.HostFunc {
	return engine.HostFunc{
		Raw:       raw,
		Namespace: Namespace,
		Name:      name,
		ParamVT:   params,
		ResultVT:  results,
	}
}

// Funcs returns the process API host functions.
func Funcs(sp Spawner) []engine.HostFunc {
	return []engine.HostFunc{
		fn("spawn", spawn(sp, false), vt(i64, i32, i32, i32, i32), vt(i64)),
		fn("spawn_link", spawn(sp, true), vt(i64, i32, i32, i32, i32), vt(i64)),
		fn("send", send, vt(i64, i32, i32, i64), vt(i32)),
		fn("receive", receive, vt(i64, i32), vt(i32)),
		fn("message_size", messageSize, nil, vt(i32)),
		fn("message_read", messageRead, vt(i32), vt(i32)),
		fn("message_sender", messageSender, nil, vt(i64)),
		fn("message_tag", messageTag, nil, vt(i64)),
		fn("message_kind", messageKind, nil, vt(i32)),
		fn("message_ref", messageRef, nil, vt(i64)),
		fn("link", link, vt(i64), vt(i32)),
		fn("unlink", unlink, vt(i64), vt(i32)),
		fn("monitor", monitor, vt(i64), vt(i64)),
		fn("demonitor", demonitor, vt(i64), vt(i32)),
		fn("trap_exit", trapExit, vt(i32), nil),
		fn("exit", exit, vt(i32, i32), nil),
		fn("kill", kill, vt(i64, i32, i32), vt(i32)),
		fn("yield", yield, nil, nil),
		fn("self", self, nil, vt(i64)),
		fn(instrument.FuelImport, fuelExhausted, nil, nil),
	}
}

// NewTable returns a host table holding Funcs(sp) plus extra plugin functions.
func NewTable(sp Spawner, extra ...engine.HostFunc) (*engine.HostTable, error) {
	t := engine.NewHostTable()
	if err := t.Add(Funcs(sp)...); err != nil {
		return nil, err
	}
	if err := t.Add(extra...); err != nil {
		return nil, err
	}
	return t, nil
}

// current returns the process whose guest made the call.
func current(ctx context.Context) *process.Process {
	if inst := engine.FromContext(ctx); inst != nil {
		if p, ok := inst.Data().(*process.Process); ok {
			return p
		}
	}
	engine.Halt(errNoProcess)
	return nil
}

func read(mod api.Module, ptr, n uint32) ([]byte, bool) {
	if n == 0 {
		return nil, true
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func spawn(sp Spawner, linked bool) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		p := current(ctx)
		module := stack[0]
		entryPtr, entryLen := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
		argsPtr, argsLen := api.DecodeU32(stack[3]), api.DecodeU32(stack[4])

		entry, ok := read(mod, entryPtr, entryLen)
		if !ok || argsLen > maxSpawnArgs {
			stack[0] = api.EncodeI64(ErrBadArgument)
			return
		}
		raw, ok := read(mod, argsPtr, argsLen*8)
		if !ok {
			stack[0] = api.EncodeI64(ErrBadArgument)
			return
		}
		args := make([]uint64, argsLen)
		for i := range args {
			args[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}

		child, err := sp.SpawnChild(p, module, string(entry), args, linked)
		if err != nil {
			Logger().Debug("guest spawn failed",
				zap.Stringer("parent", p.PID()),
				zap.String("entry", string(entry)),
				zap.Error(err))
			stack[0] = api.EncodeI64(spawnError(err))
			return
		}
		stack[0] = uint64(child.PID())
	}
}

func spawnError(err error) int64 {
	switch {
	case stderrors.Is(err, errors.ErrNotFound):
		return ErrNotFound
	case stderrors.Is(err, errors.ErrShutdown):
		return ErrShutdown
	case stderrors.Is(err, &errors.Error{Kind: errors.KindInvalidInput}):
		return ErrBadArgument
	}
	return ErrSpawn
}

func send(ctx context.Context, mod api.Module, stack []uint64) {
	p := current(ctx)
	to := process.PID(stack[0])
	payload, ok := read(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		stack[0] = api.EncodeI32(ErrBadArgument)
		return
	}
	if !p.Send(to, stack[3], payload) {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	stack[0] = 0
}

func receive(ctx context.Context, mod api.Module, stack []uint64) {
	p := current(ctx)
	tag := stack[0]
	ms := api.DecodeI32(stack[1])

	sel := mailbox.MatchAll()
	if tag != 0 {
		sel = mailbox.MatchTag(tag)
	}
	timeout := time.Duration(-1)
	if ms >= 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if _, ok := p.Receive(ctx, mod, sel, timeout); !ok {
		stack[0] = api.EncodeI32(ReceiveTimeout)
		return
	}
	stack[0] = api.EncodeI32(ReceiveOK)
}

func messageSize(ctx context.Context, _ api.Module, stack []uint64) {
	msg, ok := current(ctx).Current()
	if !ok {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	stack[0] = api.EncodeI32(payloadLen(len(msg.Payload)))
}

// payloadLen reports n as a guest length, or ErrBadArgument when it does not
// fit an i32.
func payloadLen(n int) int32 {
	if n > math.MaxInt32 {
		return ErrBadArgument
	}
	return int32(n)
}

func messageRead(ctx context.Context, mod api.Module, stack []uint64) {
	msg, ok := current(ctx).Current()
	if !ok {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	n := payloadLen(len(msg.Payload))
	if n < 0 {
		stack[0] = api.EncodeI32(n)
		return
	}
	if n > 0 {
		mem := mod.Memory()
		if mem == nil || !mem.Write(api.DecodeU32(stack[0]), msg.Payload) {
			stack[0] = api.EncodeI32(ErrBadArgument)
			return
		}
	}
	stack[0] = api.EncodeI32(n)
}

func messageSender(ctx context.Context, _ api.Module, stack []uint64) {
	msg, _ := current(ctx).Current()
	stack[0] = msg.Sender
}

func messageTag(ctx context.Context, _ api.Module, stack []uint64) {
	msg, _ := current(ctx).Current()
	stack[0] = msg.Tag
}

func messageKind(ctx context.Context, _ api.Module, stack []uint64) {
	msg, ok := current(ctx).Current()
	if !ok {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	stack[0] = api.EncodeI32(int32(msg.Kind))
}

func messageRef(ctx context.Context, _ api.Module, stack []uint64) {
	msg, _ := current(ctx).Current()
	stack[0] = msg.Ref
}

func link(ctx context.Context, _ api.Module, stack []uint64) {
	if !current(ctx).LinkPID(process.PID(stack[0])) {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	stack[0] = 0
}

func unlink(ctx context.Context, _ api.Module, stack []uint64) {
	current(ctx).UnlinkPID(process.PID(stack[0]))
	stack[0] = 0
}

func monitor(ctx context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(current(ctx).MonitorPID(process.PID(stack[0])))
}

func demonitor(ctx context.Context, _ api.Module, stack []uint64) {
	if current(ctx).Demonitor(process.Ref(stack[0])) {
		stack[0] = api.EncodeI32(1)
		return
	}
	stack[0] = 0
}

func trapExit(ctx context.Context, _ api.Module, stack []uint64) {
	current(ctx).SetTrapExit(api.DecodeI32(stack[0]) != 0)
}

func exit(ctx context.Context, mod api.Module, stack []uint64) {
	p := current(ctx)
	text, ok := read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		p.Exit(process.Trapped(engine.TrapOOBMemory))
	}
	p.Exit(process.ReasonFromText(string(text)))
}

func kill(ctx context.Context, mod api.Module, stack []uint64) {
	p := current(ctx)
	target := process.PID(stack[0])
	text, ok := read(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		stack[0] = api.EncodeI32(ErrBadArgument)
		return
	}
	cause := string(text)
	if cause == "" {
		cause = process.CauseKill
	}
	if target == p.PID() {
		p.Exit(process.Killed(cause))
	}
	if !p.KillPID(target, process.Killed(cause)) {
		stack[0] = api.EncodeI32(ErrNotFound)
		return
	}
	stack[0] = 0
}

func yield(ctx context.Context, mod api.Module, _ []uint64) {
	current(ctx).Yield(ctx, mod)
}

func self(ctx context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(current(ctx).PID())
}

func fuelExhausted(ctx context.Context, mod api.Module, _ []uint64) {
	engine.FuelExhausted(ctx, mod)
}
