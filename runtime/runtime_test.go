package runtime_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-process/engine"
	werrors "github.com/wippyai/wasm-process/errors"
	wt "github.com/wippyai/wasm-process/internal/wasmtest"
	"github.com/wippyai/wasm-process/process"
	"github.com/wippyai/wasm-process/runtime"
	"github.com/wippyai/wasm-process/wasm"
)

type sig struct{ params, results []wasm.ValType }

func vals(ts ...wasm.ValType) []wasm.ValType { return ts }

var procSigs = map[string]sig{
	"spawn":          {vals(wt.I64, wt.I32, wt.I32, wt.I32, wt.I32), vals(wt.I64)},
	"spawn_link":     {vals(wt.I64, wt.I32, wt.I32, wt.I32, wt.I32), vals(wt.I64)},
	"send":           {vals(wt.I64, wt.I32, wt.I32, wt.I64), vals(wt.I32)},
	"receive":        {vals(wt.I64, wt.I32), vals(wt.I32)},
	"message_read":   {vals(wt.I32), vals(wt.I32)},
	"message_sender": {nil, vals(wt.I64)},
	"message_tag":    {nil, vals(wt.I64)},
	"message_kind":   {nil, vals(wt.I32)},
	"message_ref":    {nil, vals(wt.I64)},
	"link":           {vals(wt.I64), vals(wt.I32)},
	"unlink":         {vals(wt.I64), vals(wt.I32)},
	"monitor":        {vals(wt.I64), vals(wt.I64)},
	"demonitor":      {vals(wt.I64), vals(wt.I32)},
	"kill":           {vals(wt.I64, wt.I32, wt.I32), vals(wt.I32)},
	"trap_exit":      {vals(wt.I32), nil},
	"exit":           {vals(wt.I32, wt.I32), nil},
	"yield":          {nil, nil},
	"self":           {nil, vals(wt.I64)},
}

// imports declares the named proc functions and returns their indices.
func imports(b *wt.Builder, names ...string) map[string]uint32 {
	out := make(map[string]uint32, len(names))
	for _, n := range names {
		s := procSigs[n]
		out[n] = b.Import("proc", n, s.params, s.results)
	}
	return out
}

func newRuntime(t *testing.T, mutate func(*runtime.Config), plugins ...runtime.Plugin) *runtime.Runtime {
	t.Helper()
	ctx := context.Background()
	cfg := runtime.DefaultConfig()
	cfg.Workers = 2
	cfg.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	for _, p := range plugins {
		if err := rt.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func load(t *testing.T, rt *runtime.Runtime, b []byte) *runtime.Module {
	t.Helper()
	m, err := rt.Load(context.Background(), b, runtime.LoadOptions{Name: t.Name()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func wait(t *testing.T, p *process.Process) process.Reason {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("process %s did not finish: %v", p.PID(), err)
	}
	return r
}

func waitBlocked(t *testing.T, p *process.Process) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.State() != process.StateBlocked {
		if time.Now().After(deadline) {
			t.Fatalf("process %s never blocked, state %s", p.PID(), p.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpawnExitReasons(t *testing.T) {
	b := wt.New()
	b.Export("check", b.Func(vals(wt.I32), nil, nil,
		wt.LocalGet(0), wt.I32Const(7), wt.I32Ne(), wt.If(), wt.Unreachable(), wt.End()))
	b.Export("divide", b.Func(nil, nil, nil,
		wt.I32Const(1), wt.I32Const(0), wt.I32DivS(), wt.Drop()))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	tests := []struct {
		name  string
		entry string
		args  []uint64
		want  string
	}{
		{"returns", "check", []uint64{7}, "normal"},
		{"unreachable", "check", []uint64{8}, "trapped(unreachable)"},
		{"div by zero", "divide", nil, "trapped(div-by-zero)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := rt.Spawn(mod, tt.entry, tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			if got := wait(t, p).String(); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
			if _, ok := rt.Lookup(p.PID()); ok {
				t.Error("finished process still registered")
			}
		})
	}
}

func TestSpawnUnknownEntry(t *testing.T) {
	b := wt.New()
	b.Export("main", b.Func(nil, nil, nil))
	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	if _, err := rt.Spawn(mod, "missing"); !errors.Is(err, werrors.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

// A watcher monitors a parent that links to a crashing child. The child's
// trap kills the parent over the link and the watcher sees the parent's
// reason in its down notice.
func TestLinkedCrashReachesMonitor(t *testing.T) {
	b := wt.New()
	fn := imports(b, "spawn", "spawn_link", "send", "receive", "monitor", "message_read", "exit")
	b.Memory(1)
	b.Data(100, []byte("parent"))
	b.Data(110, []byte("child"))

	b.Export("watcher", b.Func(nil, nil, vals(wt.I64),
		wt.I64Const(0), wt.I32Const(100), wt.I32Const(6), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["spawn"]),
		wt.LocalSet(0),
		wt.LocalGet(0), wt.Call(fn["monitor"]), wt.Drop(),
		wt.LocalGet(0), wt.I32Const(0), wt.I32Const(0), wt.I64Const(1), wt.Call(fn["send"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.I32Const(200), wt.I32Const(200), wt.Call(fn["message_read"]), wt.Call(fn["exit"])))
	b.Export("parent", b.Func(nil, nil, nil,
		wt.I64Const(1), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(110), wt.I32Const(5), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["spawn_link"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop()))
	b.Export("child", b.Func(nil, nil, nil,
		wt.I32Const(1), wt.I32Const(0), wt.I32DivS(), wt.Drop()))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	watcher, err := rt.Spawn(mod, "watcher")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, watcher)
	if r.Kind != process.ReasonKilled {
		t.Fatalf("watcher reason = %s, want killed", r)
	}
	for _, want := range []string{"linked process <3> died", "trapped(div-by-zero)"} {
		if !strings.Contains(r.Code, want) {
			t.Errorf("watcher saw %q, want it to contain %q", r.Code, want)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(rt.Processes()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("processes left: %+v", rt.Processes())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTrapExitReceivesSignal(t *testing.T) {
	b := wt.New()
	fn := imports(b, "spawn_link", "receive", "message_kind", "trap_exit")
	b.Memory(1)
	b.Data(0, []byte("crash"))
	b.Export("supervisor", b.Func(nil, nil, nil,
		wt.I32Const(1), wt.Call(fn["trap_exit"]),
		wt.I64Const(0), wt.I32Const(0), wt.I32Const(5), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["spawn_link"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.Call(fn["message_kind"]), wt.I32Const(1), wt.I32Ne(), wt.If(), wt.Unreachable(), wt.End()))
	b.Export("crash", b.Func(nil, nil, nil, wt.Unreachable()))

	rt := newRuntime(t, nil)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "supervisor")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("supervisor reason = %s, want normal", r)
	}
}

func TestBusyLoopCannotStarve(t *testing.T) {
	b := wt.New()
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(), wt.Br(0), wt.End()))
	b.Export("main", b.Func(nil, nil, nil))

	rt := newRuntime(t, func(c *runtime.Config) {
		c.Workers = 1
		c.FuelPerQuantum = 1000
	})
	mod := load(t, rt, b.Bytes(t))

	spinner, err := rt.Spawn(mod, "spin")
	if err != nil {
		t.Fatal(err)
	}
	main, err := rt.Spawn(mod, "main")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, main); !r.IsNormal() {
		t.Fatalf("main reason = %s", r)
	}

	if err := rt.Kill(spinner.PID(), ""); err != nil {
		t.Fatal(err)
	}
	want := process.Killed(process.CauseKill).String()
	if got := wait(t, spinner).String(); got != want {
		t.Errorf("spinner reason = %s, want %s", got, want)
	}
	if info := spinner.Info(); info.Quanta < 2 {
		t.Errorf("spinner ran %d quanta, want preemption", info.Quanta)
	}
}

func TestMaxFuelTraps(t *testing.T) {
	b := wt.New()
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(), wt.Br(0), wt.End()))

	rt := newRuntime(t, func(c *runtime.Config) {
		c.FuelPerQuantum = 1000
		c.MaxFuel = 5000
	})
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "spin")
	if err != nil {
		t.Fatal(err)
	}
	want := process.Trapped(engine.TrapOutOfFuel).String()
	if got := wait(t, p).String(); got != want {
		t.Errorf("reason = %s, want %s", got, want)
	}
}

// Replies to the host land in the dead letters, since pid 0 has no mailbox.
func TestEchoToHost(t *testing.T) {
	b := wt.New()
	fn := imports(b, "receive", "message_read", "message_sender", "message_tag", "send")
	b.Memory(1)
	b.Export("echo", b.Func(nil, nil, vals(wt.I32),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.I32Const(0), wt.Call(fn["message_read"]), wt.LocalSet(0),
		wt.Call(fn["message_sender"]), wt.I32Const(0), wt.LocalGet(0), wt.Call(fn["message_tag"]), wt.Call(fn["send"]), wt.Drop()))

	rt := newRuntime(t, nil)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "echo")
	if err != nil {
		t.Fatal(err)
	}
	if !rt.Send(p.PID(), 5, []byte("ping")) {
		t.Fatal("send to live process failed")
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("reason = %s", r)
	}

	dead := rt.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	d := dead[0]
	if d.To != 0 || d.Message.Sender != uint64(p.PID()) || d.Message.Tag != 5 || !bytes.Equal(d.Message.Payload, []byte("ping")) {
		t.Errorf("dead letter = %+v", d)
	}

	if rt.Send(p.PID(), 1, []byte("late")) {
		t.Error("send to finished process succeeded")
	}
	if n := len(rt.DeadLetters()); n != 2 {
		t.Errorf("dead letters = %d, want 2", n)
	}
}

func TestReceiveTimeoutAndYield(t *testing.T) {
	b := wt.New()
	fn := imports(b, "receive", "yield")
	b.Export("timeout", b.Func(nil, nil, nil,
		wt.I64Const(0), wt.I32Const(20), wt.Call(fn["receive"]),
		wt.I32Const(1), wt.I32Ne(), wt.If(), wt.Unreachable(), wt.End()))
	b.Export("yielder", b.Func(nil, nil, nil,
		wt.Call(fn["yield"]), wt.Call(fn["yield"])))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	start := time.Now()
	p, err := rt.Spawn(mod, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("timeout reason = %s", r)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("receive returned after %s, want at least 20ms", elapsed)
	}

	y, err := rt.Spawn(mod, "yielder")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, y); !r.IsNormal() {
		t.Fatalf("yielder reason = %s", r)
	}
	if q := y.Info().Quanta; q != 3 {
		t.Errorf("yielder ran %d quanta, want 3", q)
	}
}

func TestExitWithReason(t *testing.T) {
	b := wt.New()
	fn := imports(b, "exit")
	b.Memory(1)
	b.Data(0, []byte("bye"))
	b.Data(16, []byte("normal"))
	b.Export("empty", b.Func(nil, nil, nil, wt.I32Const(0), wt.I32Const(0), wt.Call(fn["exit"]), wt.Unreachable()))
	b.Export("bye", b.Func(nil, nil, nil, wt.I32Const(0), wt.I32Const(3), wt.Call(fn["exit"]), wt.Unreachable()))
	b.Export("normal", b.Func(nil, nil, nil, wt.I32Const(16), wt.I32Const(6), wt.Call(fn["exit"]), wt.Unreachable()))
	b.Export("oob", b.Func(nil, nil, nil, wt.I32Const(70000), wt.I32Const(4), wt.Call(fn["exit"])))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	tests := []struct {
		entry string
		want  string
	}{
		{"empty", "normal"},
		{"bye", "killed(bye)"},
		{"normal", "normal"},
		{"oob", "trapped(oob-memory)"},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			p, err := rt.Spawn(mod, tt.entry)
			if err != nil {
				t.Fatal(err)
			}
			if got := wait(t, p).String(); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	rt := newRuntime(t, nil)
	ctx := context.Background()

	missing := wt.New()
	missing.Import("proc", "nope", nil, nil)
	missing.Export("main", missing.Func(nil, nil, nil))

	good := wt.New()
	good.Export("main", good.Func(nil, nil, nil))

	tests := []struct {
		name   string
		bin    []byte
		opts   runtime.LoadOptions
		target error
		substr string
	}{
		{"malformed", []byte("not wasm"), runtime.LoadOptions{}, werrors.ErrMalformedModule, ""},
		{"missing import", missing.Bytes(t), runtime.LoadOptions{}, werrors.ErrCompile, "nope"},
		{"unknown pass", good.Bytes(t), runtime.LoadOptions{Passes: []string{"nope"}}, werrors.ErrNotFound, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Load(ctx, tt.bin, tt.opts)
			if err == nil {
				t.Fatal("load succeeded")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
			if tt.substr != "" && !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.substr)
			}
		})
	}
	if n := len(rt.Modules()); n != 0 {
		t.Errorf("%d modules registered after failed loads", n)
	}
}

func TestLoadPassesAndUnload(t *testing.T) {
	b := wt.New()
	b.Export("main", b.Func(nil, nil, nil))
	b.Export("aux", b.Func(nil, nil, nil))

	rt := newRuntime(t, nil)
	ctx := context.Background()

	plain, err := rt.Load(ctx, b.Bytes(t), runtime.LoadOptions{Passes: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain.Passes()) != 0 {
		t.Errorf("passes = %v, want none", plain.Passes())
	}
	metered := load(t, rt, b.Bytes(t))
	if got := strings.Join(metered.Passes(), ","); got != "limits,fuel" {
		t.Errorf("passes = %s, want limits,fuel", got)
	}
	if got := strings.Join(metered.Exports(), ","); got != "aux,main" {
		t.Errorf("exports = %s", got)
	}
	if metered.ID() == plain.ID() {
		t.Error("module ids collide")
	}
	if _, ok := rt.Module(metered.ID()); !ok {
		t.Error("module not registered")
	}

	metered.Unload(ctx)
	if _, ok := rt.Module(metered.ID()); ok {
		t.Error("unloaded module still registered")
	}
	if _, err := rt.Spawn(metered, "main"); !errors.Is(err, werrors.ErrNotFound) {
		t.Errorf("spawn from unloaded module: err = %v", err)
	}
	if len(rt.Modules()) != 1 {
		t.Errorf("modules = %d, want 1", len(rt.Modules()))
	}
}

func TestPluginHostFunction(t *testing.T) {
	plugin := runtime.PluginSpec{
		PluginName: "ext",
		Funcs: []engine.HostFunc{{
			Namespace: "ext",
			Name:      "answer",
			ResultVT:  []api.ValueType{api.ValueTypeI32},
			Raw: func(_ context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeI32(42)
			},
		}},
	}
	b := wt.New()
	answer := b.Import("ext", "answer", nil, vals(wt.I32))
	b.Export("main", b.Func(nil, nil, nil,
		wt.Call(answer), wt.I32Const(42), wt.I32Ne(), wt.If(), wt.Unreachable(), wt.End()))

	rt := newRuntime(t, nil, plugin)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "main")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("reason = %s", r)
	}
	if err := rt.Register(plugin); err == nil {
		t.Error("register after start succeeded")
	}
}

func TestPluginNameClash(t *testing.T) {
	rt, err := runtime.New(context.Background(), runtime.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Shutdown(context.Background())

	clash := runtime.PluginSpec{
		PluginName: "clash",
		Funcs: []engine.HostFunc{{
			Namespace: "proc",
			Name:      "self",
			Raw:       func(context.Context, api.Module, []uint64) {},
		}},
	}
	if err := rt.Register(clash); err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("start succeeded with clashing host function")
	}
}

func TestKillAndProcesses(t *testing.T) {
	b := wt.New()
	fn := imports(b, "receive")
	b.Export("wait", b.Func(nil, nil, nil,
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop()))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	p, err := rt.Spawn(mod, "wait")
	if err != nil {
		t.Fatal(err)
	}
	waitBlocked(t, p)

	infos := rt.Processes()
	if len(infos) != 1 {
		t.Fatalf("processes = %d, want 1", len(infos))
	}
	info := infos[0]
	if info.PID != p.PID() || info.Module != mod.Name() || info.Entry != "wait" || info.Block != process.AwaitingMessage {
		t.Errorf("info = %+v", info)
	}

	if err := rt.Kill(p.PID(), "stop"); err != nil {
		t.Fatal(err)
	}
	if got := wait(t, p).String(); got != "killed(stop)" {
		t.Errorf("reason = %s", got)
	}
	if err := rt.Kill(p.PID(), "again"); !errors.Is(err, werrors.ErrNotFound) {
		t.Errorf("kill finished: err = %v", err)
	}
}

func TestShutdownKillsLiveProcesses(t *testing.T) {
	b := wt.New()
	fn := imports(b, "receive")
	b.Export("wait", b.Func(nil, nil, nil,
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop()))
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(), wt.Br(0), wt.End()))

	ctx := context.Background()
	cfg := runtime.DefaultConfig()
	cfg.Workers = 2
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	mod := load(t, rt, b.Bytes(t))

	blocked, err := rt.Spawn(mod, "wait")
	if err != nil {
		t.Fatal(err)
	}
	spinner, err := rt.Spawn(mod, "spin")
	if err != nil {
		t.Fatal(err)
	}
	waitBlocked(t, blocked)

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, p := range []*process.Process{blocked, spinner} {
		r, done := p.Outcome()
		if !done {
			t.Fatalf("process %s still alive after shutdown", p.PID())
		}
		if r.String() != process.Shutdown().String() {
			t.Errorf("process %s reason = %s, want shutdown", p.PID(), r)
		}
	}

	if _, err := rt.Spawn(mod, "wait"); !errors.Is(err, werrors.ErrShutdown) {
		t.Errorf("spawn after shutdown: err = %v", err)
	}
	if _, err := rt.Load(ctx, b.Bytes(t), runtime.LoadOptions{}); !errors.Is(err, werrors.ErrShutdown) {
		t.Errorf("load after shutdown: err = %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

// expect traps unless the i32 on the stack equals want.
func expect(want int32) []byte {
	return wt.Seq(wt.I32Const(want), wt.I32Ne(), wt.If(), wt.Unreachable(), wt.End())
}

// The parent links to a child and unlinks again, so the child's trap only
// reaches it as a monitor notice.
func TestUnlinkedChildTrapSparesParent(t *testing.T) {
	b := wt.New()
	fn := imports(b, "spawn", "link", "unlink", "monitor", "send", "receive", "message_kind")
	b.Memory(1)
	b.Data(0, []byte("crash"))
	b.Export("parent", b.Func(nil, nil, vals(wt.I64),
		wt.I64Const(0), wt.I32Const(0), wt.I32Const(5), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["spawn"]),
		wt.LocalSet(0),
		wt.LocalGet(0), wt.Call(fn["link"]), expect(0),
		wt.I64Const(999), wt.Call(fn["link"]), expect(-1),
		wt.LocalGet(0), wt.Call(fn["unlink"]), expect(0),
		wt.I64Const(999), wt.Call(fn["unlink"]), expect(0),
		wt.LocalGet(0), wt.Call(fn["monitor"]), wt.Drop(),
		wt.LocalGet(0), wt.I32Const(0), wt.I32Const(0), wt.I64Const(1), wt.Call(fn["send"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.Call(fn["message_kind"]), expect(2)))
	b.Export("crash", b.Func(nil, nil, nil,
		wt.I64Const(1), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.Unreachable()))

	rt := newRuntime(t, nil)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "parent")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("parent reason = %s, want normal", r)
	}
}

func TestGuestKillsBlockedPeer(t *testing.T) {
	b := wt.New()
	fn := imports(b, "receive", "kill", "monitor", "message_kind")
	b.Memory(1)
	b.Data(0, []byte("stop"))
	b.Export("wait", b.Func(nil, nil, nil,
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop()))
	b.Export("killer", b.Func(vals(wt.I64), nil, nil,
		wt.LocalGet(0), wt.Call(fn["monitor"]), wt.Drop(),
		wt.I64Const(999), wt.I32Const(0), wt.I32Const(4), wt.Call(fn["kill"]), expect(-1),
		wt.LocalGet(0), wt.I32Const(70000), wt.I32Const(4), wt.Call(fn["kill"]), expect(-2),
		wt.LocalGet(0), wt.I32Const(0), wt.I32Const(4), wt.Call(fn["kill"]), expect(0),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop(),
		wt.Call(fn["message_kind"]), expect(2)))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	peer, err := rt.Spawn(mod, "wait")
	if err != nil {
		t.Fatal(err)
	}
	waitBlocked(t, peer)
	killer, err := rt.Spawn(mod, "killer", uint64(peer.PID()))
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, killer); !r.IsNormal() {
		t.Fatalf("killer reason = %s, want normal", r)
	}
	if got := wait(t, peer).String(); got != "killed(stop)" {
		t.Errorf("peer reason = %s, want killed(stop)", got)
	}
}

func TestGuestKillsSelf(t *testing.T) {
	b := wt.New()
	fn := imports(b, "kill", "self")
	b.Memory(1)
	b.Data(0, []byte("bye"))
	b.Export("named", b.Func(nil, nil, nil,
		wt.Call(fn["self"]), wt.I32Const(0), wt.I32Const(3), wt.Call(fn["kill"]), wt.Drop(),
		wt.Unreachable()))
	b.Export("plain", b.Func(nil, nil, nil,
		wt.Call(fn["self"]), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["kill"]), wt.Drop(),
		wt.Unreachable()))

	rt := newRuntime(t, nil)
	mod := load(t, rt, b.Bytes(t))

	tests := []struct {
		entry string
		want  string
	}{
		{"named", "killed(bye)"},
		{"plain", process.Killed(process.CauseKill).String()},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			p, err := rt.Spawn(mod, tt.entry)
			if err != nil {
				t.Fatal(err)
			}
			if got := wait(t, p).String(); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

// The watcher demonitors before its target exits and then sees no notice.
func TestGuestDemonitor(t *testing.T) {
	b := wt.New()
	fn := imports(b, "spawn", "monitor", "demonitor", "send", "receive")
	b.Memory(1)
	b.Data(0, []byte("wait"))
	b.Export("watcher", b.Func(nil, nil, vals(wt.I64, wt.I64),
		wt.I64Const(0), wt.I32Const(0), wt.I32Const(4), wt.I32Const(0), wt.I32Const(0), wt.Call(fn["spawn"]),
		wt.LocalSet(0),
		wt.LocalGet(0), wt.Call(fn["monitor"]), wt.LocalSet(1),
		wt.LocalGet(1), wt.Call(fn["demonitor"]), expect(1),
		wt.LocalGet(1), wt.Call(fn["demonitor"]), expect(0),
		wt.LocalGet(0), wt.I32Const(0), wt.I32Const(0), wt.I64Const(1), wt.Call(fn["send"]), wt.Drop(),
		wt.I64Const(0), wt.I32Const(100), wt.Call(fn["receive"]), expect(1)))
	b.Export("wait", b.Func(nil, nil, nil,
		wt.I64Const(1), wt.I32Const(-1), wt.Call(fn["receive"]), wt.Drop()))

	rt := newRuntime(t, nil)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "watcher")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("watcher reason = %s, want normal", r)
	}
}

// A monitor of a pid that never existed delivers a noproc notice whose ref
// matches the one monitor returned.
func TestGuestMessageRef(t *testing.T) {
	b := wt.New()
	fn := imports(b, "monitor", "receive", "message_ref", "message_kind")
	b.Export("main", b.Func(nil, nil, vals(wt.I64),
		wt.I64Const(999), wt.Call(fn["monitor"]), wt.LocalSet(0),
		wt.I64Const(0), wt.I32Const(-1), wt.Call(fn["receive"]), expect(0),
		wt.Call(fn["message_kind"]), expect(2),
		wt.Call(fn["message_ref"]), wt.LocalGet(0), wt.I64Ne(), wt.If(), wt.Unreachable(), wt.End()))

	rt := newRuntime(t, nil)
	p, err := rt.Spawn(load(t, rt, b.Bytes(t)), "main")
	if err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !r.IsNormal() {
		t.Fatalf("reason = %s, want normal", r)
	}
}

// An unmetered spin loop never reaches a safepoint, so the shutdown deadline
// interrupts it mid-quantum.
func TestShutdownTimeoutInterruptsQuantum(t *testing.T) {
	b := wt.New()
	b.Export("spin", b.Func(nil, nil, nil, wt.Loop(), wt.Br(0), wt.End()))

	ctx := context.Background()
	cfg := runtime.DefaultConfig()
	cfg.Workers = 1
	cfg.ShutdownTimeout = 20 * time.Millisecond
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	mod, err := rt.Load(ctx, b.Bytes(t), runtime.LoadOptions{Passes: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	p, err := rt.Spawn(mod, "spin")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.State() != process.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("spinner never ran, state %s", p.State())
		}
		time.Sleep(time.Millisecond)
	}

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	r, done := p.Outcome()
	if !done {
		t.Fatal("spinner alive after shutdown")
	}
	if r.String() != process.Shutdown().String() {
		t.Errorf("reason = %s, want %s", r, process.Shutdown())
	}
}
