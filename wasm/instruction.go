package wasm

import (
	"fmt"
)

const memArgMultiMemBit = 0x40

// Instr is one decoded instruction. Only the immediates the transformer
// needs are kept; Start and End delimit its raw bytes in the code.
type Instr struct {
	Start int
	End   int
	Index uint32 // first index immediate: call target, ref.func, local, global, label
	Sub   uint32 // sub-opcode for 0xFC, 0xFD and 0xFE prefixes
	Block int64  // block type for block, loop and if
	Op    byte
}

// IsControl reports whether the instruction ends a straight-line run.
func (in Instr) IsControl() bool {
	switch in.Op {
	case OpUnreachable, OpBlock, OpLoop, OpIf, OpElse, OpEnd, OpBr, OpBrIf,
		OpBrTable, OpReturn, OpCall, OpCallIndirect, OpReturnCall, OpReturnCallIndirect:
		return true
	}
	return false
}

// Walk decodes code and calls fn for every instruction in order.
func Walk(code []byte, fn func(Instr) error) error {
	r := newReader(code)
	for r.len() > 0 {
		in, err := readInstr(r)
		if err != nil {
			return err
		}
		if err := fn(in); err != nil {
			return err
		}
	}
	return nil
}

// Instrs decodes code into its instruction list.
func Instrs(code []byte) ([]Instr, error) {
	var out []Instr
	err := Walk(code, func(in Instr) error {
		out = append(out, in)
		return nil
	})
	return out, err
}

// readConstExpr reads a constant expression up to and including its end.
func readConstExpr(r *reader) ([]byte, error) {
	start := r.pos
	for {
		in, err := readInstr(r)
		if err != nil {
			return nil, err
		}
		if in.Op == OpEnd {
			return r.buf[start:r.pos], nil
		}
	}
}

func readInstr(r *reader) (Instr, error) {
	in := Instr{Start: r.pos}
	op, err := r.byte()
	if err != nil {
		return in, err
	}
	in.Op = op
	if err := readImmediates(r, &in); err != nil {
		return in, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, in.Start, err)
	}
	in.End = r.pos
	return in, nil
}

func readImmediates(r *reader, in *Instr) error {
	var err error
	switch op := in.Op; {
	case op == OpBlock || op == OpLoop || op == OpIf:
		in.Block, err = r.s33()
		return err

	case op == OpBr || op == OpBrIf || op == OpCall || op == OpReturnCall ||
		op == OpRefFunc || (op >= OpLocalGet && op <= OpTableSet) ||
		op == OpMemorySize || op == OpMemoryGrow:
		in.Index, err = r.u32()
		return err

	case op == OpBrTable:
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		return nil

	case op == OpCallIndirect || op == OpReturnCallIndirect:
		if in.Index, err = r.u32(); err != nil {
			return err
		}
		_, err = r.u32()
		return err

	case op == OpSelectT:
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.bytes(int(n))
		return err

	case op >= OpI32Load && op <= OpI64Store32:
		return readMemArg(r)

	case op == OpI32Const:
		_, err = r.s32()
		return err
	case op == OpI64Const:
		_, err = r.s64()
		return err
	case op == OpF32Const:
		_, err = r.bytes(4)
		return err
	case op == OpF64Const:
		_, err = r.bytes(8)
		return err

	case op == OpRefNull:
		_, err = r.s33()
		return err

	case op == OpPrefixMisc:
		return readMiscImmediates(r, in)
	case op == OpPrefixSIMD:
		return readSIMDImmediates(r, in)
	case op == OpPrefixAtomic:
		return readAtomicImmediates(r, in)

	case op <= OpNop || op == OpElse || op == OpEnd || op == OpReturn ||
		op == OpDrop || op == OpSelect || op == OpRefIsNull ||
		(op >= OpI32Eqz && op <= 0xC4):
		return nil
	}
	return fmt.Errorf("unsupported opcode")
}

func readMemArg(r *reader) error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	if align&memArgMultiMemBit != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	_, err = r.u64()
	return err
}

func readIndices(r *reader, n int, in *Instr) error {
	for i := 0; i < n; i++ {
		v, err := r.u32()
		if err != nil {
			return err
		}
		if i == 0 {
			in.Index = v
		}
	}
	return nil
}

func readMiscImmediates(r *reader, in *Instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub <= 7: // trunc_sat
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14: // memory.init, memory.copy, table.init, table.copy
		return readIndices(r, 2, in)
	case sub == 9, sub == 11, sub == 13, sub >= 15 && sub <= 17:
		return readIndices(r, 1, in)
	}
	return fmt.Errorf("unsupported 0xfc sub-opcode %d", sub)
}

func readSIMDImmediates(r *reader, in *Instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return readMemArg(r)
	case sub == 12, sub == 13: // v128.const, i8x16.shuffle
		_, err = r.bytes(16)
		return err
	case sub >= 21 && sub <= 34: // extract/replace lane
		_, err = r.byte()
		return err
	case sub >= 84 && sub <= 91: // load/store lane
		if err := readMemArg(r); err != nil {
			return err
		}
		_, err = r.byte()
		return err
	case sub <= 0x113:
		return nil
	}
	return fmt.Errorf("unsupported 0xfd sub-opcode %d", sub)
}

func readAtomicImmediates(r *reader, in *Instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub == 3: // atomic.fence
		_, err = r.byte()
		return err
	case sub <= 0x4E:
		return readMemArg(r)
	}
	return fmt.Errorf("unsupported 0xfe sub-opcode %d", sub)
}
