package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// CompiledModule is an immutable compiled module shared by every instance
// spawned from it. It is reference counted: the creator holds the first
// reference and each instance holds one more. The compiled code is closed
// when the count reaches zero.
type CompiledModule struct {
	engine   *Engine
	compiled wazero.CompiledModule
	exports  map[string]api.FunctionDefinition
	refs     atomic.Int64
}

func newCompiledModule(e *Engine, compiled wazero.CompiledModule) *CompiledModule {
	cm := &CompiledModule{
		engine:   e,
		compiled: compiled,
		exports:  compiled.ExportedFunctions(),
	}
	cm.refs.Store(1)
	return cm
}

// Acquire adds a reference. It fails once the module has been closed.
func (cm *CompiledModule) Acquire() bool {
	for {
		n := cm.refs.Load()
		if n <= 0 {
			return false
		}
		if cm.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference, closing the compiled code on the last one.
func (cm *CompiledModule) Release(ctx context.Context) {
	if cm.refs.Add(-1) != 0 {
		return
	}
	if err := cm.compiled.Close(ctx); err != nil {
		Logger().Warn("failed to close compiled module", zap.Error(err))
	}
}

// Refs returns the current reference count.
func (cm *CompiledModule) Refs() int64 {
	return cm.refs.Load()
}

// Export returns the signature of an exported function.
func (cm *CompiledModule) Export(name string) (api.FunctionDefinition, bool) {
	def, ok := cm.exports[name]
	return def, ok
}

// Exports returns the names of all exported functions.
func (cm *CompiledModule) Exports() []string {
	out := make([]string, 0, len(cm.exports))
	for n := range cm.exports {
		out = append(out, n)
	}
	return out
}
