package runtime

import (
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/instrument"
)

// LoadOptions controls how a module is loaded.
type LoadOptions struct {
	// Name labels the module in logs and process listings.
	Name string

	// Passes names the registered passes to apply, in order. Nil means the
	// runtime's default passes; an empty slice applies none.
	Passes []string

	// Extra passes run after the named ones.
	Extra []instrument.Pass

	// Limits overrides the runtime's declared-limit caps.
	Limits *engine.Limits
}

// Module is a loaded, instrumented and compiled module. Processes spawned
// from it share its compiled code.
type Module struct {
	runtime  *Runtime
	cm       *engine.CompiledModule
	name     string
	passes   []string
	id       uint64
	size     int
	unloaded atomic.Bool
}

// ID returns the id guests pass to spawn.
func (m *Module) ID() uint64 { return m.id }

// Name returns the module label.
func (m *Module) Name() string { return m.name }

// Passes returns the names of the passes applied at load.
func (m *Module) Passes() []string { return m.passes }

// Size returns the size of the instrumented binary.
func (m *Module) Size() int { return m.size }

// Exports returns the exported function names, sorted.
func (m *Module) Exports() []string {
	out := m.cm.Exports()
	sort.Strings(out)
	return out
}

// Unload removes the module from the runtime. Running processes keep their
// compiled code until they exit; new spawns fail.
func (m *Module) Unload(ctx context.Context) {
	if !m.unloaded.CompareAndSwap(false, true) {
		return
	}
	r := m.runtime
	r.mu.Lock()
	delete(r.modules, m.id)
	r.mu.Unlock()
	r.metrics.modulesGauge.Dec()
	m.cm.Release(ctx)
	r.log.Debug("module unloaded", zap.Uint64("module", m.id), zap.String("name", m.name))
}
