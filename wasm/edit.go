package wasm

import (
	"fmt"
)

// AddType returns the index of t, appending it when no identical type exists.
func (m *Module) AddType(t FuncType) uint32 {
	for i := range m.Types {
		if m.Types[i].Equal(t) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, t)
	return uint32(len(m.Types) - 1)
}

// AddFuncImport appends a function import and returns its function index.
// Every defined function shifts up by one, so all references to defined
// functions are rewritten: call, return_call and ref.func in bodies,
// exports, start, element segments, global initializers and the name section.
func (m *Module) AddFuncImport(module, name string, t FuncType) (uint32, error) {
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc && imp.Module == module && imp.Name == name {
			return 0, fmt.Errorf("import %s.%s already present", module, name)
		}
	}
	idx := m.NumImportedFuncs()
	typeIdx := m.AddType(t)

	shift := func(f uint32) uint32 {
		if f >= idx {
			return f + 1
		}
		return f
	}

	for i := range m.Code {
		if err := m.Code[i].shiftFuncRefs(shift); err != nil {
			return 0, fmt.Errorf("func %d: %w", idx+uint32(i), err)
		}
	}
	for i := range m.Exports {
		if m.Exports[i].Kind == KindFunc {
			m.Exports[i].Index = shift(m.Exports[i].Index)
		}
	}
	if m.Start != nil {
		s := shift(*m.Start)
		m.Start = &s
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		for j := range e.Funcs {
			e.Funcs[j] = shift(e.Funcs[j])
		}
		for j := range e.Exprs {
			x, err := rewriteFuncRefs(e.Exprs[j], shift)
			if err != nil {
				return 0, err
			}
			e.Exprs[j] = x
		}
	}
	for i := range m.Globals {
		x, err := rewriteFuncRefs(m.Globals[i].Init, shift)
		if err != nil {
			return 0, err
		}
		m.Globals[i].Init = x
	}
	for i := range m.Customs {
		if m.Customs[i].Name == "name" {
			m.Customs[i].Data = shiftNameSection(m.Customs[i].Data, shift)
		}
	}

	// imports of each kind are indexed independently, so appending after
	// non-function imports still yields index idx
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: KindFunc, Type: typeIdx})
	return idx, nil
}

// AddGlobal appends a defined global and returns its global index.
func (m *Module) AddGlobal(t GlobalType, init []byte) uint32 {
	m.Globals = append(m.Globals, Global{Type: t, Init: init})
	return m.NumGlobals() - 1
}

// AddExport appends an export. Names must be unique.
func (m *Module) AddExport(name string, kind byte, index uint32) error {
	for _, e := range m.Exports {
		if e.Name == name {
			return fmt.Errorf("export %q already present", name)
		}
	}
	m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: index})
	return nil
}

// EditFunc receives each instruction with its raw bytes and appends its
// replacement to dst.
type EditFunc func(in Instr, raw, dst []byte) []byte

// Edit rebuilds the body by passing every instruction through fn.
func (b *Body) Edit(fn EditFunc) error {
	out := make([]byte, 0, len(b.Code)+len(b.Code)/4)
	err := Walk(b.Code, func(in Instr) error {
		out = fn(in, b.Code[in.Start:in.End], out)
		return nil
	})
	if err != nil {
		return err
	}
	b.Code = out
	return nil
}

func (b *Body) shiftFuncRefs(shift func(uint32) uint32) error {
	x, err := rewriteFuncRefs(b.Code, shift)
	if err != nil {
		return err
	}
	b.Code = x
	return nil
}

func rewriteFuncRefs(code []byte, shift func(uint32) uint32) ([]byte, error) {
	out := make([]byte, 0, len(code)+8)
	err := Walk(code, func(in Instr) error {
		switch in.Op {
		case OpCall, OpReturnCall, OpRefFunc:
			out = append(out, in.Op)
			out = AppendU32(out, shift(in.Index))
		default:
			out = append(out, code[in.Start:in.End]...)
		}
		return nil
	})
	return out, err
}

// name section subsections keyed by function index
const (
	nameSubFunctions = 1
	nameSubLocals    = 2
	nameSubLabels    = 3
)

// shiftNameSection renumbers function indices in the name section. A section
// that cannot be decoded is dropped rather than left pointing at the wrong
// functions.
func shiftNameSection(data []byte, shift func(uint32) uint32) []byte {
	r := newReader(data)
	var out []byte
	for r.len() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil
		}
		size, err := r.u32()
		if err != nil {
			return nil
		}
		sub, err := r.bytes(int(size))
		if err != nil {
			return nil
		}
		switch id {
		case nameSubFunctions:
			sub, err = shiftNameMap(sub, shift, false)
		case nameSubLocals, nameSubLabels:
			sub, err = shiftNameMap(sub, shift, true)
		}
		if err != nil {
			return nil
		}
		out = append(out, id)
		out = AppendU32(out, uint32(len(sub)))
		out = append(out, sub...)
	}
	return out
}

func shiftNameMap(sub []byte, shift func(uint32) uint32, indirect bool) ([]byte, error) {
	r := newReader(sub)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := AppendU32(nil, n)
	for i := uint32(0); i < n; i++ {
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = AppendU32(out, shift(idx))
		start := r.pos
		if indirect {
			k, err := r.u32()
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < k; j++ {
				if _, err := r.u32(); err != nil {
					return nil, err
				}
				if _, err := r.name(); err != nil {
					return nil, err
				}
			}
		} else if _, err := r.name(); err != nil {
			return nil, err
		}
		out = append(out, sub[start:r.pos]...)
	}
	return out, nil
}
