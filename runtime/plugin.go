package runtime

import (
	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/instrument"
)

// Plugin extends a runtime with instrumentation passes and host functions.
// Plugins are registered before Start; their passes become available to
// Load by name and their host functions are defined next to the process API.
type Plugin interface {
	Name() string
	Passes() []instrument.Pass
	HostFuncs() []engine.HostFunc
}

// PluginSpec is a Plugin assembled from plain values.
type PluginSpec struct {
	PluginName string
	PassList   []instrument.Pass
	Funcs      []engine.HostFunc
}

func (p PluginSpec) Name() string                 { return p.PluginName }
func (p PluginSpec) Passes() []instrument.Pass    { return p.PassList }
func (p PluginSpec) HostFuncs() []engine.HostFunc { return p.Funcs }
