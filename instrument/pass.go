// Package instrument runs instrumentation passes over parsed modules.
//
// A pass is a deterministic rewrite of a wasm.Module. Apply runs a pipeline
// of passes strictly in order on a copy of the module and validates the
// result after every pass; the first failure aborts the pipeline with an
// instrumentation error naming the pass.
package instrument

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/wasm"
)

// Pass rewrites a module in place.
type Pass interface {
	Name() string
	Apply(m *wasm.Module) error
}

// PassFunc adapts a function to the Pass interface.
type PassFunc struct {
	Fn       func(m *wasm.Module) error
	PassName string
}

func (p PassFunc) Name() string               { return p.PassName }
func (p PassFunc) Apply(m *wasm.Module) error { return p.Fn(m) }

// NewPass returns a named pass backed by fn.
func NewPass(name string, fn func(m *wasm.Module) error) Pass {
	return PassFunc{PassName: name, Fn: fn}
}

// Apply runs passes in order on a clone of m. The input is never modified.
func Apply(m *wasm.Module, passes []Pass) (*wasm.Module, error) {
	out := m.Clone()
	for _, p := range passes {
		if err := p.Apply(out); err != nil {
			return nil, errors.Instrumentation(p.Name(), err)
		}
		if err := out.Validate(); err != nil {
			return nil, errors.Instrumentation(p.Name(), err)
		}
		Logger().Debug("pass applied",
			zap.String("pass", p.Name()),
			zap.Int("funcs", len(out.Funcs)),
			zap.Int("imports", len(out.Imports)))
	}
	return out, nil
}

// Transform is the full pipeline: parse, apply passes, emit.
// With no passes the output is the canonical re-encoding of the input.
func Transform(b []byte, passes []Pass) ([]byte, error) {
	m, err := wasm.Parse(b)
	if err != nil {
		return nil, err
	}
	out, err := Apply(m, passes)
	if err != nil {
		return nil, err
	}
	return out.Emit()
}

// Registry maps pass names to passes. Plugins register passes here so load
// options can refer to them by name.
type Registry struct {
	passes map[string]Pass
	mu     sync.RWMutex
}

// NewRegistry returns a registry holding the given passes.
func NewRegistry(passes ...Pass) *Registry {
	r := &Registry{passes: make(map[string]Pass)}
	for _, p := range passes {
		r.passes[p.Name()] = p
	}
	return r
}

// Register adds a pass. Names must be unique.
func (r *Registry) Register(p Pass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Name() == "" {
		return errors.InvalidInput(errors.PhaseInstrument, "pass name is empty")
	}
	if _, exists := r.passes[p.Name()]; exists {
		return errors.New(errors.PhaseInstrument, errors.KindRegistration).
			Detail("pass %q already registered", p.Name()).
			Build()
	}
	r.passes[p.Name()] = p
	return nil
}

// Resolve returns the passes for names, in the given order.
func (r *Registry) Resolve(names []string) ([]Pass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pass, 0, len(names))
	for _, n := range names {
		p, ok := r.passes[n]
		if !ok {
			return nil, errors.NotFound(errors.PhaseInstrument, "pass", n)
		}
		out = append(out, p)
	}
	return out, nil
}

// Names returns the registered pass names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.passes))
	for n := range r.passes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
