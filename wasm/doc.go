// Package wasm is the binary transformer for core WebAssembly modules.
//
// Parse decodes a binary into a typed Module; passes edit it through the
// index-space helpers (AddType, AddFuncImport, AddGlobal, AddExport) and
// instruction-level rewrites (Body.Edit over Walk); Emit re-encodes it and
// checks the result by re-parsing and validating.
//
//	m, err := wasm.Parse(data)
//	if err != nil {
//	    return err // malformed_module
//	}
//	idx, _ := m.AddFuncImport("proc", "yield", wasm.FuncType{})
//	out, err := m.Emit()
//
// Supported: the 2.0 core format plus bulk memory, reference types, SIMD,
// threads (atomics, shared memory), tail calls and multi-memory immediates.
// GC, exception handling and memory64 are rejected at parse time.
//
// Validate is structural only: index bounds, section counts, unique export
// names and balanced blocks. Type checking is left to the sandbox engine.
package wasm
