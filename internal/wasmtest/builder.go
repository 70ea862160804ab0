// Package wasmtest builds small WebAssembly modules for tests.
package wasmtest

import (
	"testing"

	"github.com/wippyai/wasm-process/wasm"
)

// Value type shorthands.
const (
	I32 = wasm.ValI32
	I64 = wasm.ValI64
	F64 = wasm.ValF64
)

// Builder assembles a module. All imports must be declared before the first
// Func so function indices stay stable.
type Builder struct {
	m wasm.Module
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, params, results []wasm.ValType) uint32 {
	if len(b.m.Funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	t := b.m.AddType(wasm.FuncType{Params: params, Results: results})
	b.m.Imports = append(b.m.Imports, wasm.Import{Module: module, Name: name, Kind: wasm.KindFunc, Type: t})
	return b.m.NumImportedFuncs() - 1
}

// Func defines a function and returns its index. The final end is appended.
func (b *Builder) Func(params, results, locals []wasm.ValType, code ...[]byte) uint32 {
	t := b.m.AddType(wasm.FuncType{Params: params, Results: results})
	b.m.Funcs = append(b.m.Funcs, t)
	var body wasm.Body
	for _, l := range locals {
		body.Locals = append(body.Locals, wasm.LocalEntry{Count: 1, Type: l})
	}
	for _, c := range code {
		body.Code = append(body.Code, c...)
	}
	body.Code = append(body.Code, wasm.OpEnd)
	b.m.Code = append(b.m.Code, body)
	return b.m.NumFuncs() - 1
}

// Export exports a function.
func (b *Builder) Export(name string, fn uint32) *Builder {
	b.m.Exports = append(b.m.Exports, wasm.Export{Name: name, Kind: wasm.KindFunc, Index: fn})
	return b
}

// Memory declares memory 0, exported as "memory".
func (b *Builder) Memory(minPages uint32, maxPages ...uint32) *Builder {
	l := wasm.Limits{Min: minPages}
	if len(maxPages) > 0 {
		mx := maxPages[0]
		l.Max = &mx
	}
	b.m.Memories = append(b.m.Memories, l)
	b.m.Exports = append(b.m.Exports, wasm.Export{Name: "memory", Kind: wasm.KindMemory, Index: 0})
	return b
}

// Table declares a funcref table.
func (b *Builder) Table(minEntries uint32, maxEntries ...uint32) *Builder {
	l := wasm.Limits{Min: minEntries}
	if len(maxEntries) > 0 {
		mx := maxEntries[0]
		l.Max = &mx
	}
	b.m.Tables = append(b.m.Tables, wasm.TableType{Elem: wasm.ValFuncRef, Limits: l})
	return b
}

// Elem places funcs into table 0 at offset.
func (b *Builder) Elem(offset int32, funcs ...uint32) *Builder {
	b.m.Elements = append(b.m.Elements, wasm.Element{
		Offset: Expr(I32Const(offset)),
		Funcs:  funcs,
		Type:   wasm.ValFuncRef,
	})
	return b
}

// Data places bytes into memory 0 at offset.
func (b *Builder) Data(offset int32, data []byte) *Builder {
	b.m.Data = append(b.m.Data, wasm.Data{Offset: Expr(I32Const(offset)), Init: data})
	return b
}

// Global defines a global and returns its index.
func (b *Builder) Global(t wasm.ValType, mutable bool, init []byte) uint32 {
	return b.m.AddGlobal(wasm.GlobalType{Val: t, Mutable: mutable}, Expr(init))
}

// Start sets the start function.
func (b *Builder) Start(fn uint32) *Builder {
	b.m.Start = &fn
	return b
}

// Custom appends a custom section after the last section.
func (b *Builder) Custom(name string, data []byte) *Builder {
	b.m.Customs = append(b.m.Customs, wasm.Custom{Name: name, Data: data, After: wasm.SectionData})
	return b
}

// Module returns a copy of the assembled module.
func (b *Builder) Module() *wasm.Module {
	return b.m.Clone()
}

// Bytes emits the module, failing the test if it does not validate.
func (b *Builder) Bytes(tb testing.TB) []byte {
	tb.Helper()
	out, err := b.m.Emit()
	if err != nil {
		tb.Fatalf("wasmtest: emit: %v", err)
	}
	return out
}

// Expr terminates a constant expression.
func Expr(code ...[]byte) []byte {
	var out []byte
	for _, c := range code {
		out = append(out, c...)
	}
	return append(out, wasm.OpEnd)
}
