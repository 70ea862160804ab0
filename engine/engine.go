package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/wasm"
)

// Config holds configuration for engine creation
type Config struct {
	// AllowedNamespaces restricts which host namespaces guests may import
	// from. Empty means every defined namespace.
	AllowedNamespaces []string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// EnableThreads enables atomics and shared memory in guests.
	EnableThreads bool

	// DisableCache turns off the in-memory compilation cache.
	DisableCache bool
}

// Limits caps what a module may declare.
type Limits struct {
	MaxMemoryPages  uint32
	MaxTableEntries uint32
}

// Engine wraps a wazero runtime shared by every module and instance.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	host    *HostTable
	allowed map[string]bool
	cfg     Config
	mu      sync.Mutex
}

// New creates an engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}

	e := &Engine{cfg: cfg}
	if !cfg.DisableCache {
		e.cache = wazero.NewCompilationCache()
		runtimeCfg = runtimeCfg.WithCompilationCache(e.cache)
	}
	if len(cfg.AllowedNamespaces) > 0 {
		e.allowed = make(map[string]bool, len(cfg.AllowedNamespaces))
		for _, ns := range cfg.AllowedNamespaces {
			e.allowed[ns] = true
		}
	}
	e.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return e, nil
}

// Define instantiates one host module per namespace of table. It may be
// called once; imports are bound by wazero at instantiation, never per call.
func (e *Engine) Define(ctx context.Context, table *HostTable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host != nil {
		return errors.New(errors.PhaseHost, errors.KindRegistration).
			Detail("host functions already defined").
			Build()
	}
	for _, ns := range table.Namespaces() {
		b := e.runtime.NewHostModuleBuilder(ns)
		for _, f := range table.Funcs(ns) {
			b = b.NewFunctionBuilder().
				WithGoModuleFunction(f.Raw, f.ParamVT, f.ResultVT).
				WithName(f.Name).
				Export(f.Name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseHost, ns, "*", err)
		}
		Logger().Debug("host namespace defined",
			zap.String("namespace", ns),
			zap.Int("funcs", len(table.Funcs(ns))))
	}
	e.host = table
	return nil
}

// Compile checks b's declared limits and imports, then compiles it.
func (e *Engine) Compile(ctx context.Context, b []byte, lim Limits) (*CompiledModule, error) {
	m, err := wasm.Parse(b)
	if err != nil {
		return nil, errors.Compile("parse", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Compile("validate", err)
	}
	if err := checkLimits(m, lim); err != nil {
		return nil, errors.Compile("declared limits", err)
	}
	if err := e.checkImports(m); err != nil {
		return nil, err
	}

	compiled, err := e.runtime.CompileModule(ctx, b)
	if err != nil {
		return nil, errors.Compile("engine rejected module", err)
	}
	return newCompiledModule(e, compiled), nil
}

func checkLimits(m *wasm.Module, lim Limits) error {
	if lim.MaxMemoryPages > 0 {
		for _, l := range m.Memories {
			if l.Min > lim.MaxMemoryPages {
				return errors.LimitExceeded(errors.PhaseCompile, "memory pages", uint64(l.Min), uint64(lim.MaxMemoryPages))
			}
		}
		for _, imp := range m.Imports {
			if imp.Kind == wasm.KindMemory && imp.Memory.Min > lim.MaxMemoryPages {
				return errors.LimitExceeded(errors.PhaseCompile, "memory pages", uint64(imp.Memory.Min), uint64(lim.MaxMemoryPages))
			}
		}
	}
	if lim.MaxTableEntries > 0 {
		for _, t := range m.Tables {
			if t.Limits.Min > lim.MaxTableEntries {
				return errors.LimitExceeded(errors.PhaseCompile, "table entries", uint64(t.Limits.Min), uint64(lim.MaxTableEntries))
			}
		}
	}
	return nil
}

func (e *Engine) checkImports(m *wasm.Module) error {
	e.mu.Lock()
	host := e.host
	e.mu.Unlock()

	var missing []errors.MissingImport
	for _, imp := range m.Imports {
		miss := errors.MissingImport{Namespace: imp.Module, Function: imp.Name}
		switch {
		case imp.Kind != wasm.KindFunc:
			miss.Reason = "only function imports are provided"
		case e.allowed != nil && !e.allowed[imp.Module]:
			miss.Reason = "namespace not allowed"
		case host == nil:
			miss.Reason = "undefined"
		default:
			f, ok := host.Lookup(imp.Module, imp.Name)
			if !ok {
				miss.Reason = "undefined"
				break
			}
			t := m.Types[imp.Type]
			if !sameSignature(f, valueTypes(t.Params), valueTypes(t.Results)) {
				miss.Reason = fmt.Sprintf("signature mismatch: module wants %v -> %v", t.Params, t.Results)
			}
		}
		if miss.Reason != "" {
			missing = append(missing, miss)
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}

func valueTypes(vs []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

// Close releases the wazero runtime and the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
