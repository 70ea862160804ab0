package wasm

import (
	"errors"
	"fmt"

	werrors "github.com/wippyai/wasm-process/errors"
)

// Parsing errors returned by Parse, wrapped in a malformed_module error.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// Parse decodes a core WebAssembly binary into a Module. Any failure is a
// malformed_module error naming the offending section.
func Parse(data []byte) (*Module, error) {
	r := newReader(data)

	magic, err := r.u32le()
	if err != nil {
		return nil, werrors.Malformed("header", err)
	}
	if magic != Magic {
		return nil, werrors.Malformed("header", ErrInvalidMagic)
	}
	version, err := r.u32le()
	if err != nil {
		return nil, werrors.Malformed("header", err)
	}
	if version != Version {
		return nil, werrors.Malformed("header", ErrInvalidVersion)
	}

	m := &Module{}
	var lastOrder int
	var lastID byte
	var declaredFuncs = -1

	for r.len() > 0 {
		id, _ := r.byte()
		size, err := r.u32()
		if err != nil {
			return nil, werrors.Malformed(sectionName(id), err)
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, werrors.Malformed(sectionName(id), err)
		}

		if id != SectionCustom {
			order := sectionOrder(id)
			if order < 0 {
				return nil, werrors.Malformed("", fmt.Errorf("unknown section id %d", id))
			}
			if order <= lastOrder {
				return nil, werrors.Malformed(sectionName(id), fmt.Errorf("section %d appears out of order", id))
			}
			lastOrder = order
		}

		sr := newReader(body)
		switch id {
		case SectionCustom:
			err = parseCustom(sr, m, lastID)
		case SectionType:
			err = parseTypes(sr, m)
		case SectionImport:
			err = parseImports(sr, m)
		case SectionFunction:
			err = parseFunctions(sr, m)
			declaredFuncs = len(m.Funcs)
		case SectionTable:
			err = parseTables(sr, m)
		case SectionMemory:
			err = parseMemories(sr, m)
		case SectionTag:
			err = errors.New("exception handling is not supported")
		case SectionGlobal:
			err = parseGlobals(sr, m)
		case SectionExport:
			err = parseExports(sr, m)
		case SectionStart:
			var s uint32
			s, err = sr.u32()
			m.Start = &s
		case SectionElement:
			err = parseElements(sr, m)
		case SectionDataCount:
			var n uint32
			n, err = sr.u32()
			m.DataCount = &n
		case SectionCode:
			err = parseCode(sr, m)
		case SectionData:
			err = parseData(sr, m)
		}
		if err == nil && sr.len() != 0 {
			err = fmt.Errorf("%d trailing bytes", sr.len())
		}
		if err != nil {
			return nil, werrors.Malformed(sectionName(id), err)
		}
		if id != SectionCustom {
			lastID = id
		}
	}

	if declaredFuncs < 0 {
		declaredFuncs = 0
	}
	if len(m.Code) != declaredFuncs {
		return nil, werrors.Malformed("code", fmt.Errorf("function and code section counts differ: %d vs %d", declaredFuncs, len(m.Code)))
	}
	return m, nil
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "datacount"
	case SectionTag:
		return "tag"
	}
	return fmt.Sprintf("section(%d)", id)
}

func parseCustom(r *reader, m *Module, after byte) error {
	name, err := r.name()
	if err != nil {
		return err
	}
	data, _ := r.bytes(r.len())
	m.Customs = append(m.Customs, Custom{Name: name, Data: cloneBytes(data), After: after})
	return nil
}

func readVec(r *reader, fn func(i uint32) error) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	// every entry takes at least one byte
	if int(n) > r.len() {
		return fmt.Errorf("vector length %d exceeds section size", n)
	}
	for i := uint32(0); i < n; i++ {
		if err := fn(i); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func readValType(r *reader) (ValType, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	v := ValType(b)
	if !validValType(v) {
		return 0, fmt.Errorf("unsupported value type 0x%02x", b)
	}
	return v, nil
}

func readValTypes(r *reader) ([]ValType, error) {
	var out []ValType
	err := readVec(r, func(uint32) error {
		v, err := readValType(r)
		out = append(out, v)
		return err
	})
	return out, err
}

func parseTypes(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("unsupported type form 0x%02x", form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
		return nil
	})
}

func readLimits(r *reader) (Limits, error) {
	flags, err := r.byte()
	if err != nil {
		return Limits{}, err
	}
	if flags&0x04 != 0 {
		return Limits{}, errors.New("memory64 is not supported")
	}
	if flags > 0x03 {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	l := Limits{Shared: flags&0x02 != 0}
	if l.Min, err = r.u32(); err != nil {
		return l, err
	}
	if flags&0x01 != 0 {
		mx, err := r.u32()
		if err != nil {
			return l, err
		}
		l.Max = &mx
	}
	return l, nil
}

func readTableType(r *reader) (TableType, error) {
	elem, err := readValType(r)
	if err != nil {
		return TableType{}, err
	}
	if elem != ValFuncRef && elem != ValExtern {
		return TableType{}, fmt.Errorf("table element type %s is not a reference", elem)
	}
	l, err := readLimits(r)
	return TableType{Elem: elem, Limits: l}, err
}

func readGlobalType(r *reader) (GlobalType, error) {
	v, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability 0x%02x", mut)
	}
	return GlobalType{Val: v, Mutable: mut == 1}, nil
}

func parseImports(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		var imp Import
		var err error
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		if imp.Kind, err = r.byte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			imp.Type, err = r.u32()
		case KindTable:
			imp.Table, err = readTableType(r)
		case KindMemory:
			imp.Memory, err = readLimits(r)
		case KindGlobal:
			imp.Global, err = readGlobalType(r)
		case KindTag:
			err = errors.New("exception handling is not supported")
		default:
			err = fmt.Errorf("unknown import kind %d", imp.Kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
		return nil
	})
}

func parseFunctions(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		t, err := r.u32()
		m.Funcs = append(m.Funcs, t)
		return err
	})
}

func parseTables(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		t, err := readTableType(r)
		m.Tables = append(m.Tables, t)
		return err
	})
}

func parseMemories(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		l, err := readLimits(r)
		m.Memories = append(m.Memories, l)
		return err
	})
}

func parseGlobals(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: cloneBytes(init)})
		return nil
	})
}

func parseExports(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		var e Export
		var err error
		if e.Name, err = r.name(); err != nil {
			return err
		}
		if e.Kind, err = r.byte(); err != nil {
			return err
		}
		if e.Kind > KindGlobal {
			return fmt.Errorf("unsupported export kind %d", e.Kind)
		}
		if e.Index, err = r.u32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, e)
		return nil
	})
}

func parseElements(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		flags, err := r.u32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("invalid element flags %d", flags)
		}
		e := Element{Flags: byte(flags), Type: ValFuncRef}
		if flags&0x01 == 0 {
			if flags&0x02 != 0 {
				if e.Table, err = r.u32(); err != nil {
					return err
				}
			}
			off, err := readConstExpr(r)
			if err != nil {
				return err
			}
			e.Offset = cloneBytes(off)
		}
		// flags 0 and 4 imply funcref with no explicit kind byte
		if flags&0x03 != 0 {
			b, err := r.byte()
			if err != nil {
				return err
			}
			if e.UsesExprs() {
				e.Type = ValType(b)
				if e.Type != ValFuncRef && e.Type != ValExtern {
					return fmt.Errorf("unsupported element type 0x%02x", b)
				}
			} else if b != 0x00 {
				return fmt.Errorf("unsupported element kind 0x%02x", b)
			}
		}
		if e.UsesExprs() {
			err = readVec(r, func(uint32) error {
				x, err := readConstExpr(r)
				e.Exprs = append(e.Exprs, cloneBytes(x))
				return err
			})
		} else {
			err = readVec(r, func(uint32) error {
				f, err := r.u32()
				e.Funcs = append(e.Funcs, f)
				return err
			})
		}
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, e)
		return nil
	})
}

func parseCode(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		size, err := r.u32()
		if err != nil {
			return err
		}
		raw, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		br := newReader(raw)
		var b Body
		var total uint64
		err = readVec(br, func(uint32) error {
			n, err := br.u32()
			if err != nil {
				return err
			}
			total += uint64(n)
			if total > 50000 {
				return errors.New("too many locals")
			}
			t, err := readValType(br)
			b.Locals = append(b.Locals, LocalEntry{Count: n, Type: t})
			return err
		})
		if err != nil {
			return err
		}
		b.Code = cloneBytes(raw[br.pos:])
		if err := checkBody(b.Code); err != nil {
			return err
		}
		m.Code = append(m.Code, b)
		return nil
	})
}

// checkBody decodes every instruction so unknown opcodes fail at parse time.
func checkBody(code []byte) error {
	if len(code) == 0 || code[len(code)-1] != OpEnd {
		return errors.New("function body does not end with end")
	}
	return Walk(code, func(Instr) error { return nil })
}

func parseData(r *reader, m *Module) error {
	return readVec(r, func(uint32) error {
		flags, err := r.u32()
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("invalid data flags %d", flags)
		}
		d := Data{Flags: byte(flags)}
		if flags == 2 {
			if d.Memory, err = r.u32(); err != nil {
				return err
			}
		}
		if flags != 1 {
			off, err := readConstExpr(r)
			if err != nil {
				return err
			}
			d.Offset = cloneBytes(off)
		}
		n, err := r.u32()
		if err != nil {
			return err
		}
		init, err := r.bytes(int(n))
		if err != nil {
			return err
		}
		d.Init = cloneBytes(init)
		m.Data = append(m.Data, d)
		return nil
	})
}
