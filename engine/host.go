package engine

import (
	"sort"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-process/errors"
)

// HostFunc is a host function exposed to guests under Namespace.Name.
type HostFunc struct {
	Raw       api.GoModuleFunc
	Namespace string
	Name      string
	ParamVT   []api.ValueType
	ResultVT  []api.ValueType
}

// HostTable is the capability table: namespace, then name, to host function.
// Imports are resolved against it once per compiled module.
type HostTable struct {
	funcs map[string]map[string]HostFunc
}

// NewHostTable creates an empty table.
func NewHostTable() *HostTable {
	return &HostTable{funcs: make(map[string]map[string]HostFunc)}
}

// Add registers fns. A duplicate namespace and name pair is an error.
func (t *HostTable) Add(fns ...HostFunc) error {
	for _, f := range fns {
		if f.Namespace == "" || f.Name == "" || f.Raw == nil {
			return errors.Registration(errors.PhaseHost, f.Namespace, f.Name,
				errors.InvalidInput(errors.PhaseHost, "namespace, name and function are required"))
		}
		ns := t.funcs[f.Namespace]
		if ns == nil {
			ns = make(map[string]HostFunc)
			t.funcs[f.Namespace] = ns
		}
		if _, exists := ns[f.Name]; exists {
			return errors.New(errors.PhaseHost, errors.KindRegistration).
				Detail("host function %s#%s already registered", f.Namespace, f.Name).
				Build()
		}
		ns[f.Name] = f
	}
	return nil
}

// Lookup returns the function registered under namespace and name.
func (t *HostTable) Lookup(namespace, name string) (HostFunc, bool) {
	f, ok := t.funcs[namespace][name]
	return f, ok
}

// Namespaces returns the registered namespaces, sorted.
func (t *HostTable) Namespaces() []string {
	out := make([]string, 0, len(t.funcs))
	for ns := range t.funcs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Funcs returns the functions of one namespace, sorted by name.
func (t *HostTable) Funcs(namespace string) []HostFunc {
	ns := t.funcs[namespace]
	out := make([]HostFunc, 0, len(ns))
	for _, f := range ns {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered functions.
func (t *HostTable) Len() int {
	n := 0
	for _, ns := range t.funcs {
		n += len(ns)
	}
	return n
}

func sameSignature(f HostFunc, params, results []api.ValueType) bool {
	if len(f.ParamVT) != len(params) || len(f.ResultVT) != len(results) {
		return false
	}
	for i := range params {
		if f.ParamVT[i] != params[i] {
			return false
		}
	}
	for i := range results {
		if f.ResultVT[i] != results[i] {
			return false
		}
	}
	return true
}
