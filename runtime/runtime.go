package runtime

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/host"
	"github.com/wippyai/wasm-process/instrument"
	"github.com/wippyai/wasm-process/mailbox"
	"github.com/wippyai/wasm-process/process"
	"github.com/wippyai/wasm-process/scheduler"
)

// SpawnOptions controls process creation.
type SpawnOptions struct {
	// Parent is recorded as the spawner and, with Link, linked to the child
	// before it runs.
	Parent *process.Process
	Link   bool

	// Quantum overrides the fuel per quantum for this process.
	Quantum int64
}

// Runtime runs processes spawned from loaded modules.
type Runtime struct {
	cfg     Config
	log     *zap.Logger
	engine  *engine.Engine
	passes  *instrument.Registry
	table   *process.Table
	dead    *mailbox.DeadLetters
	metrics *Metrics
	sched   *scheduler.Scheduler

	mu       sync.RWMutex
	plugins  []Plugin
	modules  map[uint64]*Module
	started  bool
	stopped  bool
	moduleID atomic.Uint64
}

// New creates a runtime. Register plugins, then call Start.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eng, err := engine.New(ctx, engine.Config{
		AllowedNamespaces: cfg.AllowedNamespaces,
		MemoryLimitPages:  cfg.MaxMemoryPages,
		EnableThreads:     cfg.EnableThreads,
	})
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:     cfg,
		log:     cfg.Logger,
		engine:  eng,
		dead:    mailbox.NewDeadLetters(cfg.DeadLetterCapacity),
		modules: make(map[uint64]*Module),
	}
	if r.log == nil {
		r.log = Logger()
	}
	r.passes = instrument.NewRegistry(
		instrument.FuelPass{},
		instrument.LimitsPass{MaxMemoryPages: cfg.MaxMemoryPages, MaxTableEntries: cfg.MaxTableEntries},
	)
	r.table = process.NewTable(r.dead, r.deadLetter)
	r.metrics = newMetrics(func() float64 { return float64(r.table.Len()) })
	return r, nil
}

// Register adds a plugin. It fails after Start.
func (r *Runtime) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New(errors.PhaseHost, errors.KindRegistration).
			Detail("plugin %q registered after start", p.Name()).
			Build()
	}
	for _, pass := range p.Passes() {
		if err := r.passes.Register(pass); err != nil {
			return err
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// Start defines the host functions and starts the scheduler.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New(errors.PhaseHost, errors.KindRegistration).
			Detail("runtime already started").
			Build()
	}

	var extra []engine.HostFunc
	for _, p := range r.plugins {
		extra = append(extra, p.HostFuncs()...)
	}
	table, err := host.NewTable(r, extra...)
	if err != nil {
		return err
	}
	if err := r.engine.Define(ctx, table); err != nil {
		return err
	}

	r.sched = scheduler.New(scheduler.Config{
		Logger:   r.log,
		Observer: r.metrics,
		Workers:  r.cfg.Workers,
	})
	r.started = true
	r.log.Info("runtime started",
		zap.Int("workers", r.sched.Stats().Workers),
		zap.Int("host_functions", table.Len()),
		zap.Int("plugins", len(r.plugins)))
	return nil
}

// Metrics returns the runtime's prometheus collectors.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// SchedulerStats returns the scheduler counters. It is zero before Start.
func (r *Runtime) SchedulerStats() scheduler.Stats {
	r.mu.RLock()
	sched := r.sched
	r.mu.RUnlock()
	if sched == nil {
		return scheduler.Stats{}
	}
	return sched.Stats()
}

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() Config { return r.cfg }

// PassNames returns the registered instrumentation passes.
func (r *Runtime) PassNames() []string { return r.passes.Names() }

func (r *Runtime) ready(phase errors.Phase) error {
	switch {
	case r.stopped:
		return errors.Shutdown(phase)
	case !r.started:
		return errors.InvalidInput(phase, "runtime not started")
	}
	return nil
}

// Load instruments and compiles b.
func (r *Runtime) Load(ctx context.Context, b []byte, opts LoadOptions) (*Module, error) {
	r.mu.RLock()
	err := r.ready(errors.PhaseLoad)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	m, err := r.load(ctx, b, opts)
	r.metrics.recordLoad(err)
	if err != nil {
		r.log.Debug("module load failed", zap.String("name", opts.Name), zap.Error(err))
		return nil, err
	}
	r.log.Debug("module loaded",
		zap.Uint64("module", m.id),
		zap.String("name", m.name),
		zap.Strings("passes", m.passes),
		zap.Int("size", m.size))
	return m, nil
}

func (r *Runtime) load(ctx context.Context, b []byte, opts LoadOptions) (*Module, error) {
	names := opts.Passes
	if names == nil {
		names = r.cfg.DefaultPasses
	}
	passes, err := r.passes.Resolve(names)
	if err != nil {
		return nil, err
	}
	passes = append(passes, opts.Extra...)

	out, err := instrument.Transform(b, passes)
	if err != nil {
		return nil, err
	}
	lim := engine.Limits{MaxMemoryPages: r.cfg.MaxMemoryPages, MaxTableEntries: r.cfg.MaxTableEntries}
	if opts.Limits != nil {
		lim = *opts.Limits
	}
	cm, err := r.engine.Compile(ctx, out, lim)
	if err != nil {
		return nil, err
	}

	m := &Module{
		runtime: r,
		cm:      cm,
		name:    opts.Name,
		id:      r.moduleID.Add(1),
		size:    len(out),
	}
	for _, p := range passes {
		m.passes = append(m.passes, p.Name())
	}
	if m.name == "" {
		m.name = "module-" + strconv.FormatUint(m.id, 10)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cm.Release(ctx)
		return nil, errors.Shutdown(errors.PhaseLoad)
	}
	r.modules[m.id] = m
	r.mu.Unlock()
	return m, nil
}

// Module returns the loaded module with id.
func (r *Runtime) Module(id uint64) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Modules returns the loaded modules ordered by id.
func (r *Runtime) Modules() []*Module {
	r.mu.RLock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Spawn starts a process running entry(args...) from m.
func (r *Runtime) Spawn(m *Module, entry string, args ...uint64) (*process.Process, error) {
	return r.SpawnWith(m, entry, args, SpawnOptions{})
}

// SpawnWith is Spawn with options.
func (r *Runtime) SpawnWith(m *Module, entry string, args []uint64, opts SpawnOptions) (*process.Process, error) {
	r.mu.RLock()
	err := r.ready(errors.PhaseSpawn)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if m.unloaded.Load() {
		return nil, errors.NotFound(errors.PhaseSpawn, "module", m.name)
	}

	inst, err := engine.NewInstance(m.cm, entry, args)
	if err != nil {
		return nil, err
	}
	quantum := r.cfg.FuelPerQuantum
	if opts.Quantum > 0 {
		quantum = opts.Quantum
	}
	var parent process.PID
	if opts.Parent != nil {
		parent = opts.Parent.PID()
	}

	pid := r.table.NewPID()
	p := process.New(process.Config{
		Instance: inst,
		Mailbox: mailbox.New(
			mailbox.WithOwner(uint64(pid)),
			mailbox.WithDeadLetters(r.dead),
			mailbox.WithOnDeadLetter(r.deadLetter),
		),
		Table:     r.table,
		Scheduler: r.sched,
		OnExit:    r.exited,
		Module:    m.name,
		Entry:     entry,
		ModuleID:  m.id,
		PID:       pid,
		Parent:    parent,
		Quantum:   quantum,
		MaxFuel:   r.cfg.MaxFuel,
	})
	inst.SetData(p)
	r.table.Insert(p)
	if opts.Parent != nil && opts.Link {
		opts.Parent.Link(p)
	}
	r.metrics.spawned.Inc()

	if err := p.Start(); err != nil {
		// never scheduled: finish it here so links still see the exit
		p.Kill(process.Shutdown())
		p.RunQuantum(context.Background())
		return nil, err
	}
	r.log.Debug("process spawned",
		zap.Stringer("pid", pid),
		zap.Stringer("parent", parent),
		zap.String("module", m.name),
		zap.String("entry", entry))
	return p, nil
}

// SpawnChild implements host.Spawner.
func (r *Runtime) SpawnChild(parent *process.Process, module uint64, entry string, args []uint64, link bool) (*process.Process, error) {
	if module == 0 {
		module = parent.ModuleID()
	}
	m, ok := r.Module(module)
	if !ok {
		return nil, errors.NotFound(errors.PhaseSpawn, "module", strconv.FormatUint(module, 10))
	}
	return r.SpawnWith(m, entry, args, SpawnOptions{Parent: parent, Link: link})
}

// Lookup returns the live process with pid.
func (r *Runtime) Lookup(pid process.PID) (*process.Process, bool) {
	return r.table.Lookup(pid)
}

// Processes returns a snapshot of every live process ordered by pid.
func (r *Runtime) Processes() []process.Info {
	procs := r.table.Snapshot()
	out := make([]process.Info, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Send delivers payload to pid from the host. The sender pid is 0.
func (r *Runtime) Send(to process.PID, tag uint64, payload []byte) bool {
	return r.table.Send(to, mailbox.Message{
		Kind:    mailbox.KindUser,
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
	})
}

// Kill terminates pid with cause.
func (r *Runtime) Kill(pid process.PID, cause string) error {
	p, ok := r.table.Lookup(pid)
	if !ok {
		return errors.NotFound(errors.PhaseRuntime, "process", pid.String())
	}
	if cause == "" {
		cause = process.CauseKill
	}
	p.Kill(process.Killed(cause))
	return nil
}

// DeadLetters returns the retained undeliverable messages, oldest first.
func (r *Runtime) DeadLetters() []mailbox.DeadLetter {
	return r.dead.Snapshot()
}

func (r *Runtime) deadLetter(to uint64, msg mailbox.Message) {
	r.metrics.deadLetters.Inc()
	r.log.Debug("dead letter",
		zap.Uint64("to", to),
		zap.Uint64("from", msg.Sender),
		zap.Stringer("kind", msg.Kind),
		zap.Uint64("tag", msg.Tag),
		zap.Int("size", len(msg.Payload)))
}

func (r *Runtime) exited(p *process.Process) {
	reason, _ := p.Outcome()
	r.metrics.recordExit(reason)
	if reason.IsNormal() {
		r.log.Debug("process exited", zap.Stringer("pid", p.PID()), zap.String("module", p.Module()))
		return
	}
	r.log.Info("process exited abnormally",
		zap.Stringer("pid", p.PID()),
		zap.String("module", p.Module()),
		zap.Stringer("reason", reason))
}

// Shutdown stops the scheduler, kills every live process with reason
// shutdown, unloads all modules and closes the engine. Quanta still running
// after ShutdownTimeout are interrupted.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if started {
		if r.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
			defer cancel()
		}
		unrun, err := r.sched.Shutdown(ctx)
		if err != nil {
			r.log.Warn("scheduler shutdown interrupted running quanta", zap.Error(err))
		}
		live := r.table.Snapshot()
		for _, p := range live {
			p.Kill(process.Shutdown())
		}
		for _, p := range live {
			p.RunQuantum(context.Background())
		}
		r.log.Info("runtime stopped",
			zap.Int("killed", len(live)),
			zap.Int("unrun", len(unrun)))
	}

	for _, m := range r.Modules() {
		m.Unload(context.Background())
	}
	return r.engine.Close(context.Background())
}
