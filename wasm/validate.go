package wasm

import (
	"errors"
	"fmt"
)

// Validate checks structural validity: index bounds, section counts, export
// uniqueness and block balance. Type checking of instruction sequences is
// left to the engine.
func (m *Module) Validate() error {
	numTypes := uint32(len(m.Types))
	for i, imp := range m.Imports {
		if imp.Kind == KindFunc && imp.Type >= numTypes {
			return fmt.Errorf("import %d (%s.%s): type index %d out of range", i, imp.Module, imp.Name, imp.Type)
		}
	}
	for i, t := range m.Funcs {
		if t >= numTypes {
			return fmt.Errorf("func %d: type index %d out of range", i, t)
		}
	}
	if len(m.Funcs) != len(m.Code) {
		return fmt.Errorf("function count %d does not match code count %d", len(m.Funcs), len(m.Code))
	}
	if err := m.validateLimits(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if m.Start != nil {
		t, ok := m.FuncTypeOf(*m.Start)
		if !ok {
			return fmt.Errorf("start function %d out of range", *m.Start)
		}
		if len(t.Params) != 0 || len(t.Results) != 0 {
			return fmt.Errorf("start function %d must have type [] -> []", *m.Start)
		}
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return fmt.Errorf("data count %d does not match %d data segments", *m.DataCount, len(m.Data))
	}
	if err := m.validateSegments(); err != nil {
		return err
	}
	for i, g := range m.Globals {
		if err := m.validateConstExpr(g.Init); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
	}
	for i := range m.Code {
		if err := m.validateBody(m.Code[i].Code); err != nil {
			return fmt.Errorf("func %d: %w", m.NumImportedFuncs()+uint32(i), err)
		}
	}
	return nil
}

func (m *Module) validateLimits() error {
	check := func(what string, l Limits) error {
		if l.Max != nil && *l.Max < l.Min {
			return fmt.Errorf("%s: max %d below min %d", what, *l.Max, l.Min)
		}
		return nil
	}
	for i, l := range m.Memories {
		if (l.Max != nil && *l.Max > 65536) || l.Min > 65536 {
			return fmt.Errorf("memory %d: size exceeds 65536 pages", i)
		}
		if err := check(fmt.Sprintf("memory %d", i), l); err != nil {
			return err
		}
	}
	for i, t := range m.Tables {
		if err := check(fmt.Sprintf("table %d", i), t.Limits); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]struct{}, len(m.Exports))
	for _, e := range m.Exports {
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate export %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		var n uint32
		switch e.Kind {
		case KindFunc:
			n = m.NumFuncs()
		case KindTable:
			n = m.NumTables()
		case KindMemory:
			n = m.NumMemories()
		case KindGlobal:
			n = m.NumGlobals()
		}
		if e.Index >= n {
			return fmt.Errorf("export %q: index %d out of range", e.Name, e.Index)
		}
	}
	return nil
}

func (m *Module) validateSegments() error {
	nf := m.NumFuncs()
	for i, e := range m.Elements {
		if !e.Passive() {
			if e.Table >= m.NumTables() {
				return fmt.Errorf("element %d: table %d out of range", i, e.Table)
			}
			if err := m.validateConstExpr(e.Offset); err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
		}
		for _, f := range e.Funcs {
			if f >= nf {
				return fmt.Errorf("element %d: func %d out of range", i, f)
			}
		}
		for _, x := range e.Exprs {
			if err := m.validateConstExpr(x); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	for i, d := range m.Data {
		if d.Flags == 1 {
			continue
		}
		if d.Memory >= m.NumMemories() {
			return fmt.Errorf("data %d: memory %d out of range", i, d.Memory)
		}
		if err := m.validateConstExpr(d.Offset); err != nil {
			return fmt.Errorf("data %d offset: %w", i, err)
		}
	}
	return nil
}

func (m *Module) validateConstExpr(expr []byte) error {
	return Walk(expr, func(in Instr) error {
		switch in.Op {
		case OpRefFunc:
			if in.Index >= m.NumFuncs() {
				return fmt.Errorf("ref.func %d out of range", in.Index)
			}
		case OpGlobalGet:
			if in.Index >= m.NumGlobals() {
				return fmt.Errorf("global.get %d out of range", in.Index)
			}
		}
		return nil
	})
}

var errUnbalanced = errors.New("unbalanced block structure")

func (m *Module) validateBody(code []byte) error {
	nf, ng := m.NumFuncs(), m.NumGlobals()
	nt := uint32(len(m.Types))
	depth := 1
	ifs := []bool{false}
	err := Walk(code, func(in Instr) error {
		if depth == 0 {
			return errors.New("instructions after final end")
		}
		switch in.Op {
		case OpBlock, OpLoop, OpIf:
			if in.Block >= 0 && uint64(in.Block) >= uint64(nt) {
				return fmt.Errorf("block type %d out of range", in.Block)
			}
			depth++
			ifs = append(ifs, in.Op == OpIf)
		case OpElse:
			if !ifs[len(ifs)-1] {
				return errors.New("else outside if")
			}
			ifs[len(ifs)-1] = false
		case OpEnd:
			depth--
			ifs = ifs[:len(ifs)-1]
		case OpCall, OpReturnCall, OpRefFunc:
			if in.Index >= nf {
				return fmt.Errorf("function index %d out of range", in.Index)
			}
		case OpCallIndirect, OpReturnCallIndirect:
			if in.Index >= nt {
				return fmt.Errorf("type index %d out of range", in.Index)
			}
		case OpGlobalGet, OpGlobalSet:
			if in.Index >= ng {
				return fmt.Errorf("global index %d out of range", in.Index)
			}
		case OpBr, OpBrIf:
			if int(in.Index) >= depth {
				return fmt.Errorf("branch depth %d out of range", in.Index)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if depth != 0 {
		return errUnbalanced
	}
	return nil
}
