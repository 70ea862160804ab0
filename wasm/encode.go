package wasm

import (
	"encoding/binary"

	werrors "github.com/wippyai/wasm-process/errors"
)

// Encode serializes the module without validating it.
func (m *Module) Encode() []byte {
	out := binary.LittleEndian.AppendUint32(nil, Magic)
	out = binary.LittleEndian.AppendUint32(out, Version)

	emitted := map[byte]bool{0: true}
	out = m.appendCustoms(out, 0)
	emit := func(id byte, body []byte) {
		out = append(out, id)
		out = AppendU32(out, uint32(len(body)))
		out = append(out, body...)
		out = m.appendCustoms(out, id)
		emitted[id] = true
	}

	if len(m.Types) > 0 {
		emit(SectionType, m.encodeTypes())
	}
	if len(m.Imports) > 0 {
		emit(SectionImport, m.encodeImports())
	}
	if len(m.Funcs) > 0 {
		b := AppendU32(nil, uint32(len(m.Funcs)))
		for _, t := range m.Funcs {
			b = AppendU32(b, t)
		}
		emit(SectionFunction, b)
	}
	if len(m.Tables) > 0 {
		b := AppendU32(nil, uint32(len(m.Tables)))
		for _, t := range m.Tables {
			b = appendTableType(b, t)
		}
		emit(SectionTable, b)
	}
	if len(m.Memories) > 0 {
		b := AppendU32(nil, uint32(len(m.Memories)))
		for _, l := range m.Memories {
			b = appendLimits(b, l)
		}
		emit(SectionMemory, b)
	}
	if len(m.Globals) > 0 {
		b := AppendU32(nil, uint32(len(m.Globals)))
		for _, g := range m.Globals {
			b = appendGlobalType(b, g.Type)
			b = append(b, g.Init...)
		}
		emit(SectionGlobal, b)
	}
	if len(m.Exports) > 0 {
		b := AppendU32(nil, uint32(len(m.Exports)))
		for _, e := range m.Exports {
			b = appendName(b, e.Name)
			b = append(b, e.Kind)
			b = AppendU32(b, e.Index)
		}
		emit(SectionExport, b)
	}
	if m.Start != nil {
		emit(SectionStart, AppendU32(nil, *m.Start))
	}
	if len(m.Elements) > 0 {
		emit(SectionElement, m.encodeElements())
	}
	if m.DataCount != nil {
		emit(SectionDataCount, AppendU32(nil, *m.DataCount))
	}
	if len(m.Code) > 0 {
		emit(SectionCode, m.encodeCode())
	}
	if len(m.Data) > 0 {
		emit(SectionData, m.encodeData())
	}
	// customs anchored to a section that is no longer present go last
	for _, c := range m.Customs {
		if !emitted[c.After] {
			out = appendCustom(out, c)
		}
	}
	return out
}

// Emit encodes the module, re-parses the output and validates it. Any
// failure means a transformation produced an invalid module.
func (m *Module) Emit() ([]byte, error) {
	out := m.Encode()
	back, err := Parse(out)
	if err != nil {
		return nil, werrors.Instrumentation("", err)
	}
	if err := back.Validate(); err != nil {
		return nil, werrors.Instrumentation("", err)
	}
	return out, nil
}

func (m *Module) appendCustoms(out []byte, after byte) []byte {
	for _, c := range m.Customs {
		if c.After == after {
			out = appendCustom(out, c)
		}
	}
	return out
}

func appendCustom(out []byte, c Custom) []byte {
	body := appendName(nil, c.Name)
	body = append(body, c.Data...)
	out = append(out, SectionCustom)
	out = AppendU32(out, uint32(len(body)))
	return append(out, body...)
}

func (m *Module) encodeTypes() []byte {
	b := AppendU32(nil, uint32(len(m.Types)))
	for _, t := range m.Types {
		b = append(b, 0x60)
		b = appendValTypes(b, t.Params)
		b = appendValTypes(b, t.Results)
	}
	return b
}

func (m *Module) encodeImports() []byte {
	b := AppendU32(nil, uint32(len(m.Imports)))
	for _, imp := range m.Imports {
		b = appendName(b, imp.Module)
		b = appendName(b, imp.Name)
		b = append(b, imp.Kind)
		switch imp.Kind {
		case KindFunc:
			b = AppendU32(b, imp.Type)
		case KindTable:
			b = appendTableType(b, imp.Table)
		case KindMemory:
			b = appendLimits(b, imp.Memory)
		case KindGlobal:
			b = appendGlobalType(b, imp.Global)
		}
	}
	return b
}

func (m *Module) encodeElements() []byte {
	b := AppendU32(nil, uint32(len(m.Elements)))
	for _, e := range m.Elements {
		b = AppendU32(b, uint32(e.Flags))
		if !e.Passive() {
			if e.Flags&0x02 != 0 {
				b = AppendU32(b, e.Table)
			}
			b = append(b, e.Offset...)
		}
		if e.Flags&0x03 != 0 {
			if e.UsesExprs() {
				b = append(b, byte(e.Type))
			} else {
				b = append(b, 0x00)
			}
		}
		if e.UsesExprs() {
			b = AppendU32(b, uint32(len(e.Exprs)))
			for _, x := range e.Exprs {
				b = append(b, x...)
			}
		} else {
			b = AppendU32(b, uint32(len(e.Funcs)))
			for _, f := range e.Funcs {
				b = AppendU32(b, f)
			}
		}
	}
	return b
}

func (m *Module) encodeCode() []byte {
	b := AppendU32(nil, uint32(len(m.Code)))
	for _, body := range m.Code {
		fn := AppendU32(nil, uint32(len(body.Locals)))
		for _, l := range body.Locals {
			fn = AppendU32(fn, l.Count)
			fn = append(fn, byte(l.Type))
		}
		fn = append(fn, body.Code...)
		b = AppendU32(b, uint32(len(fn)))
		b = append(b, fn...)
	}
	return b
}

func (m *Module) encodeData() []byte {
	b := AppendU32(nil, uint32(len(m.Data)))
	for _, d := range m.Data {
		b = AppendU32(b, uint32(d.Flags))
		if d.Flags == 2 {
			b = AppendU32(b, d.Memory)
		}
		if d.Flags != 1 {
			b = append(b, d.Offset...)
		}
		b = AppendU32(b, uint32(len(d.Init)))
		b = append(b, d.Init...)
	}
	return b
}

func appendValTypes(b []byte, vs []ValType) []byte {
	b = AppendU32(b, uint32(len(vs)))
	for _, v := range vs {
		b = append(b, byte(v))
	}
	return b
}

func appendLimits(b []byte, l Limits) []byte {
	var flags byte
	if l.Max != nil {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	b = append(b, flags)
	b = AppendU32(b, l.Min)
	if l.Max != nil {
		b = AppendU32(b, *l.Max)
	}
	return b
}

func appendTableType(b []byte, t TableType) []byte {
	b = append(b, byte(t.Elem))
	return appendLimits(b, t.Limits)
}

func appendGlobalType(b []byte, g GlobalType) []byte {
	b = append(b, byte(g.Val))
	if g.Mutable {
		return append(b, 1)
	}
	return append(b, 0)
}
