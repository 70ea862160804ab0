package wasm_test

import (
	"bytes"
	"errors"
	"testing"

	werrors "github.com/wippyai/wasm-process/errors"
	wt "github.com/wippyai/wasm-process/internal/wasmtest"
	"github.com/wippyai/wasm-process/wasm"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func withHeader(sections ...[]byte) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func TestParseMalformed(t *testing.T) {
	typeSec := []byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00}
	funcSec := []byte{0x03, 0x02, 0x01, 0x00}

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}},
		{"truncated section", withHeader([]byte{0x01, 0x05, 0x01})},
		{"out of order", withHeader([]byte{0x03, 0x01, 0x00}, []byte{0x01, 0x01, 0x00})},
		{"unknown section", withHeader([]byte{0x20, 0x00})},
		{"unknown opcode", withHeader(typeSec, funcSec, []byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x06, 0x0b})},
		{"missing end", withHeader(typeSec, funcSec, []byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x01})},
		{"memory64", withHeader([]byte{0x05, 0x03, 0x01, 0x04, 0x01})},
		{"exception tags", withHeader([]byte{0x0d, 0x01, 0x00})},
		{"gc type", withHeader([]byte{0x01, 0x03, 0x01, 0x5f, 0x00})},
		{"code count mismatch", withHeader(typeSec, funcSec)},
		{"trailing bytes", withHeader([]byte{0x01, 0x02, 0x00, 0x00})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.Parse(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, werrors.ErrMalformedModule) {
				t.Errorf("expected malformed_module, got %v", err)
			}
		})
	}
}

func TestParseHeaderOnly(t *testing.T) {
	m, err := wasm.Parse(header)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Funcs) != 0 || len(m.Imports) != 0 {
		t.Errorf("expected empty module, got %+v", m)
	}
}

func fullModule() *wt.Builder {
	b := wt.New()
	b.Import("proc", "yield", nil, nil)
	b.Memory(1, 4)
	b.Table(2)
	g := b.Global(wt.I32, true, wt.I32Const(7))
	start := b.Func(nil, nil, nil, wt.GlobalGet(g), wt.Drop())
	add := b.Func([]wasm.ValType{wt.I32, wt.I32}, []wasm.ValType{wt.I32}, []wasm.ValType{wt.I64},
		wt.LocalGet(0), wt.LocalGet(1), wt.I32Add())
	b.Elem(0, start, add)
	b.Data(16, []byte("hello"))
	b.Start(start)
	b.Export("add", add)
	b.Custom("producers", []byte{0x00})
	return b
}

func TestRoundTrip(t *testing.T) {
	in := fullModule().Bytes(t)

	m, err := wasm.Parse(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := m.NumFuncs(); got != 3 {
		t.Errorf("NumFuncs = %d, want 3", got)
	}
	if idx, ok := m.ExportedFunc("add"); !ok || idx != 2 {
		t.Errorf("ExportedFunc(add) = %d, %v", idx, ok)
	}
	if len(m.Customs) != 1 || m.Customs[0].Name != "producers" {
		t.Errorf("custom sections not kept: %+v", m.Customs)
	}

	out, err := m.Emit()
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("round trip changed the binary:\n in: %x\nout: %x", in, out)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := fullModule().Module()
	c := m.Clone()
	c.Code[0].Code[0] = wasm.OpNop
	*c.Memories[0].Max = 99
	c.Exports[0].Name = "other"

	if m.Code[0].Code[0] == wasm.OpNop {
		t.Error("clone shares code")
	}
	if *m.Memories[0].Max != 4 {
		t.Error("clone shares limits")
	}
	if m.Exports[0].Name == "other" {
		t.Error("clone shares exports")
	}
}

func nameSection(names ...string) []byte {
	sub := wasm.AppendU32(nil, uint32(len(names)))
	for i, n := range names {
		sub = wasm.AppendU32(sub, uint32(i))
		sub = wasm.AppendU32(sub, uint32(len(n)))
		sub = append(sub, n...)
	}
	out := []byte{0x01}
	out = wasm.AppendU32(out, uint32(len(sub)))
	return append(out, sub...)
}

func TestAddFuncImportShiftsIndices(t *testing.T) {
	b := wt.New()
	b.Import("env", "a", nil, nil)
	b.Table(2)
	f1 := b.Func(nil, nil, nil, wt.Call(2))
	f2 := b.Func(nil, nil, nil, wt.Call(0), wt.RefFunc(1), wt.Drop())
	b.Global(wasm.ValFuncRef, false, wt.RefFunc(f2))
	b.Elem(0, f1, f2)
	b.Export("f2", f2)
	b.Start(f1)
	b.Custom("name", nameSection("a", "f1", "f2"))
	m := b.Module()

	idx, err := m.AddFuncImport("proc", "yield", wasm.FuncType{})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("new import index = %d, want 1", idx)
	}

	if want := wt.Seq(wt.Call(3), wt.End()); !bytes.Equal(m.Code[0].Code, want) {
		t.Errorf("f1 body = %x, want %x", m.Code[0].Code, want)
	}
	if want := wt.Seq(wt.Call(0), wt.RefFunc(2), wt.Drop(), wt.End()); !bytes.Equal(m.Code[1].Code, want) {
		t.Errorf("f2 body = %x, want %x", m.Code[1].Code, want)
	}
	if m.Exports[0].Index != 3 {
		t.Errorf("export index = %d, want 3", m.Exports[0].Index)
	}
	if *m.Start != 2 {
		t.Errorf("start = %d, want 2", *m.Start)
	}
	if got := m.Elements[0].Funcs; got[0] != 2 || got[1] != 3 {
		t.Errorf("element funcs = %v, want [2 3]", got)
	}
	if want := wt.Expr(wt.RefFunc(3)); !bytes.Equal(m.Globals[0].Init, want) {
		t.Errorf("global init = %x, want %x", m.Globals[0].Init, want)
	}

	wantNames := []byte{0x01}
	sub := wasm.AppendU32(nil, 3)
	for _, e := range []struct {
		idx  uint32
		name string
	}{{0, "a"}, {2, "f1"}, {3, "f2"}} {
		sub = wasm.AppendU32(sub, e.idx)
		sub = wasm.AppendU32(sub, uint32(len(e.name)))
		sub = append(sub, e.name...)
	}
	wantNames = wasm.AppendU32(wantNames, uint32(len(sub)))
	wantNames = append(wantNames, sub...)
	if !bytes.Equal(m.Customs[0].Data, wantNames) {
		t.Errorf("name section = %x, want %x", m.Customs[0].Data, wantNames)
	}

	if _, err := m.Emit(); err != nil {
		t.Fatalf("emit after edit: %v", err)
	}
	if _, err := m.AddFuncImport("proc", "yield", wasm.FuncType{}); err == nil {
		t.Error("expected duplicate import error")
	}
}

func TestAddTypeDeduplicates(t *testing.T) {
	m := &wasm.Module{}
	a := m.AddType(wasm.FuncType{Params: []wasm.ValType{wt.I32}})
	b := m.AddType(wasm.FuncType{Params: []wasm.ValType{wt.I64}})
	c := m.AddType(wasm.FuncType{Params: []wasm.ValType{wt.I32}})
	if a != c || a == b || len(m.Types) != 2 {
		t.Errorf("AddType: a=%d b=%d c=%d types=%d", a, b, c, len(m.Types))
	}
}

func TestAddExportRejectsDuplicates(t *testing.T) {
	m := fullModule().Module()
	if err := m.AddExport("add", wasm.KindFunc, 0); err == nil {
		t.Error("expected duplicate export error")
	}
	if err := m.AddExport("other", wasm.KindFunc, 0); err != nil {
		t.Errorf("AddExport: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *wasm.Module
	}{
		{"call out of range", func() *wasm.Module {
			b := wt.New()
			b.Func(nil, nil, nil, wt.Call(9))
			return b.Module()
		}},
		{"unbalanced block", func() *wasm.Module {
			b := wt.New()
			b.Func(nil, nil, nil, wt.Block())
			return b.Module()
		}},
		{"branch too deep", func() *wasm.Module {
			b := wt.New()
			b.Func(nil, nil, nil, wt.Br(3))
			return b.Module()
		}},
		{"duplicate export", func() *wasm.Module {
			b := wt.New()
			f := b.Func(nil, nil, nil)
			b.Export("x", f).Export("x", f)
			return b.Module()
		}},
		{"export out of range", func() *wasm.Module {
			b := wt.New()
			b.Export("x", 4)
			return b.Module()
		}},
		{"start with params", func() *wasm.Module {
			b := wt.New()
			f := b.Func([]wasm.ValType{wt.I32}, nil, nil)
			b.Start(f)
			return b.Module()
		}},
		{"global out of range", func() *wasm.Module {
			b := wt.New()
			b.Func(nil, nil, nil, wt.GlobalGet(0), wt.Drop())
			return b.Module()
		}},
		{"data without memory", func() *wasm.Module {
			b := wt.New()
			b.Data(0, []byte{1})
			return b.Module()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.build()
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
			if _, err := m.Emit(); !errors.Is(err, werrors.ErrInstrumentation) {
				t.Errorf("Emit: expected instrumentation error, got %v", err)
			}
		})
	}
}

func TestBodyEdit(t *testing.T) {
	b := wt.New()
	b.Func(nil, []wasm.ValType{wt.I32}, nil, wt.I32Const(1), wt.I32Const(2), wt.I32Add())
	m := b.Module()

	err := m.Code[0].Edit(func(in wasm.Instr, raw, dst []byte) []byte {
		if in.Op == wasm.OpI32Add {
			return append(dst, wasm.OpI32Sub)
		}
		return append(dst, raw...)
	})
	if err != nil {
		t.Fatal(err)
	}
	want := wt.Seq(wt.I32Const(1), wt.I32Const(2), wt.I32Sub(), wt.End())
	if !bytes.Equal(m.Code[0].Code, want) {
		t.Errorf("edited body = %x, want %x", m.Code[0].Code, want)
	}
}

func TestInstrs(t *testing.T) {
	code := wt.Seq(wt.Loop(), wt.I64Const(-5), wt.Drop(), wt.BrIf(0), wt.End(), wt.End())
	ins, err := wasm.Instrs(code)
	if err != nil {
		t.Fatal(err)
	}
	ops := []byte{wasm.OpLoop, wasm.OpI64Const, wasm.OpDrop, wasm.OpBrIf, wasm.OpEnd, wasm.OpEnd}
	if len(ins) != len(ops) {
		t.Fatalf("got %d instructions, want %d", len(ins), len(ops))
	}
	for i, in := range ins {
		if in.Op != ops[i] {
			t.Errorf("instr %d: op 0x%02x, want 0x%02x", i, in.Op, ops[i])
		}
	}
	if ins[0].Block != -64 {
		t.Errorf("loop block type = %d, want -64", ins[0].Block)
	}
	if ins[1].IsControl() || !ins[3].IsControl() {
		t.Error("IsControl misclassified")
	}
	if ins[len(ins)-1].End != len(code) {
		t.Errorf("last End = %d, want %d", ins[len(ins)-1].End, len(code))
	}
}

func TestWalkPrefixedOpcodes(t *testing.T) {
	code := wt.Seq(
		[]byte{wasm.OpPrefixMisc, 0x0b, 0x00},       // memory.fill 0
		[]byte{wasm.OpPrefixMisc, 0x0a, 0x00, 0x00}, // memory.copy 0 0
		[]byte{wasm.OpPrefixSIMD, 0x0c}, make([]byte, 16),
		[]byte{wasm.OpPrefixSIMD, 0x15, 0x03}, // i8x16.extract_lane_s 3
		[]byte{wasm.OpPrefixAtomic, 0x03, 0x00},
		[]byte{wasm.OpPrefixAtomic, 0x10, 0x02, 0x00}, // i32.atomic.load
		wt.End(),
	)
	ins, err := wasm.Instrs(code)
	if err != nil {
		t.Fatal(err)
	}
	if len(ins) != 7 {
		t.Errorf("got %d instructions, want 7", len(ins))
	}
	if ins[1].Sub != 10 {
		t.Errorf("memory.copy sub = %d, want 10", ins[1].Sub)
	}
}
