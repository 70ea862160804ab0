package wasm

// Module is the typed in-memory representation of a core WebAssembly module.
// Custom sections are kept verbatim together with the section they followed,
// so re-encoding preserves their position.
type Module struct {
	Start     *uint32
	DataCount *uint32
	Types     []FuncType
	Imports   []Import
	Funcs     []uint32 // type index per defined function
	Tables    []TableType
	Memories  []Limits
	Globals   []Global
	Exports   []Export
	Elements  []Element
	Code      []Body
	Data      []Data
	Customs   []Custom
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Limits bounds a memory (in 64KiB pages) or table (in entries).
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
}

// TableType describes a table.
type TableType struct {
	Limits Limits
	Elem   ValType
}

// GlobalType describes a global.
type GlobalType struct {
	Val     ValType
	Mutable bool
}

// Import is a single import entry. Only the field matching Kind is meaningful.
type Import struct {
	Module string
	Name   string
	Memory Limits
	Table  TableType
	Global GlobalType
	Type   uint32 // KindFunc
	Kind   byte
}

// Global is a defined global with its constant initializer (including end).
type Global struct {
	Init []byte
	Type GlobalType
}

// Export is a single export entry.
type Export struct {
	Name  string
	Index uint32
	Kind  byte
}

// Element is an element segment. Flags holds the binary encoding variant
// (0-7) so the segment is re-encoded the way it was read.
type Element struct {
	Offset []byte   // active segments
	Funcs  []uint32 // flags without bit 2
	Exprs  [][]byte // flags with bit 2
	Table  uint32
	Type   ValType
	Flags  byte
}

// Passive reports whether the segment is passive or declarative.
func (e Element) Passive() bool { return e.Flags&0x01 != 0 }

// UsesExprs reports whether entries are constant expressions.
func (e Element) UsesExprs() bool { return e.Flags&0x04 != 0 }

// Data is a data segment. Flags: 0 active memory 0, 1 passive, 2 active
// with explicit memory index.
type Data struct {
	Offset []byte
	Init   []byte
	Memory uint32
	Flags  byte
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// Body is a function body. Code holds the instruction sequence including
// the final end opcode.
type Body struct {
	Locals []LocalEntry
	Code   []byte
}

// Custom is a custom section. After is the id of the non-custom section it
// followed, 0 when it came before all of them.
type Custom struct {
	Name  string
	Data  []byte
	After byte
}

// NumImportedFuncs returns the number of function imports.
func (m *Module) NumImportedFuncs() uint32 {
	return m.countImports(KindFunc)
}

// NumImportedGlobals returns the number of global imports.
func (m *Module) NumImportedGlobals() uint32 {
	return m.countImports(KindGlobal)
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() uint32 {
	return m.NumImportedFuncs() + uint32(len(m.Funcs))
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() uint32 {
	return m.NumImportedGlobals() + uint32(len(m.Globals))
}

// NumTables returns the size of the table index space.
func (m *Module) NumTables() uint32 {
	return m.countImports(KindTable) + uint32(len(m.Tables))
}

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() uint32 {
	return m.countImports(KindMemory) + uint32(len(m.Memories))
}

func (m *Module) countImports(kind byte) uint32 {
	var n uint32
	for i := range m.Imports {
		if m.Imports[i].Kind == kind {
			n++
		}
	}
	return n
}

// FuncTypeOf returns the signature of the function at idx in the function
// index space.
func (m *Module) FuncTypeOf(idx uint32) (FuncType, bool) {
	var n uint32
	for i := range m.Imports {
		if m.Imports[i].Kind != KindFunc {
			continue
		}
		if n == idx {
			t := m.Imports[i].Type
			if int(t) >= len(m.Types) {
				return FuncType{}, false
			}
			return m.Types[t], true
		}
		n++
	}
	def := idx - n
	if idx < n || int(def) >= len(m.Funcs) {
		return FuncType{}, false
	}
	t := m.Funcs[def]
	if int(t) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[t], true
}

// ExportedFunc returns the function index exported under name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	c := &Module{
		Types:    make([]FuncType, len(m.Types)),
		Imports:  append([]Import(nil), m.Imports...),
		Funcs:    append([]uint32(nil), m.Funcs...),
		Tables:   make([]TableType, len(m.Tables)),
		Memories: make([]Limits, len(m.Memories)),
		Globals:  make([]Global, len(m.Globals)),
		Exports:  append([]Export(nil), m.Exports...),
		Elements: make([]Element, len(m.Elements)),
		Code:     make([]Body, len(m.Code)),
		Data:     make([]Data, len(m.Data)),
		Customs:  make([]Custom, len(m.Customs)),
	}
	if m.Start != nil {
		s := *m.Start
		c.Start = &s
	}
	if m.DataCount != nil {
		d := *m.DataCount
		c.DataCount = &d
	}
	for i, t := range m.Types {
		c.Types[i] = FuncType{
			Params:  append([]ValType(nil), t.Params...),
			Results: append([]ValType(nil), t.Results...),
		}
	}
	for i := range c.Imports {
		c.Imports[i].Memory = cloneLimits(m.Imports[i].Memory)
		c.Imports[i].Table.Limits = cloneLimits(m.Imports[i].Table.Limits)
	}
	for i, t := range m.Tables {
		c.Tables[i] = TableType{Elem: t.Elem, Limits: cloneLimits(t.Limits)}
	}
	for i, l := range m.Memories {
		c.Memories[i] = cloneLimits(l)
	}
	for i, g := range m.Globals {
		c.Globals[i] = Global{Type: g.Type, Init: cloneBytes(g.Init)}
	}
	for i, e := range m.Elements {
		ce := e
		ce.Offset = cloneBytes(e.Offset)
		ce.Funcs = append([]uint32(nil), e.Funcs...)
		if e.Exprs != nil {
			ce.Exprs = make([][]byte, len(e.Exprs))
			for j, x := range e.Exprs {
				ce.Exprs[j] = cloneBytes(x)
			}
		}
		c.Elements[i] = ce
	}
	for i, b := range m.Code {
		c.Code[i] = Body{
			Locals: append([]LocalEntry(nil), b.Locals...),
			Code:   cloneBytes(b.Code),
		}
	}
	for i, d := range m.Data {
		c.Data[i] = Data{Flags: d.Flags, Memory: d.Memory, Offset: cloneBytes(d.Offset), Init: cloneBytes(d.Init)}
	}
	for i, cs := range m.Customs {
		c.Customs[i] = Custom{Name: cs.Name, After: cs.After, Data: cloneBytes(cs.Data)}
	}
	return c
}

func cloneLimits(l Limits) Limits {
	if l.Max != nil {
		v := *l.Max
		l.Max = &v
	}
	return l
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
