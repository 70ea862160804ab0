package wasmtest

import "github.com/wippyai/wasm-process/wasm"

// Instruction encoders. Each returns the bytes of one instruction.

func op(b byte) []byte { return []byte{b} }

func withU32(b byte, v uint32) []byte { return wasm.AppendU32([]byte{b}, v) }

func I32Const(v int32) []byte { return wasm.AppendS32([]byte{wasm.OpI32Const}, v) }
func I64Const(v int64) []byte { return wasm.AppendS64([]byte{wasm.OpI64Const}, v) }

func Call(fn uint32) []byte      { return withU32(wasm.OpCall, fn) }
func LocalGet(i uint32) []byte   { return withU32(wasm.OpLocalGet, i) }
func LocalSet(i uint32) []byte   { return withU32(wasm.OpLocalSet, i) }
func LocalTee(i uint32) []byte   { return withU32(wasm.OpLocalTee, i) }
func GlobalGet(i uint32) []byte  { return withU32(wasm.OpGlobalGet, i) }
func GlobalSet(i uint32) []byte  { return withU32(wasm.OpGlobalSet, i) }
func Br(depth uint32) []byte     { return withU32(wasm.OpBr, depth) }
func BrIf(depth uint32) []byte   { return withU32(wasm.OpBrIf, depth) }
func RefFunc(fn uint32) []byte   { return withU32(wasm.OpRefFunc, fn) }
func MemoryGrow() []byte         { return []byte{wasm.OpMemoryGrow, 0x00} }
func CallIndirect(t uint32) []byte {
	return append(withU32(wasm.OpCallIndirect, t), 0x00)
}

// Block, Loop and If open void blocks.
func Block() []byte { return []byte{wasm.OpBlock, wasm.BlockVoid} }
func Loop() []byte  { return []byte{wasm.OpLoop, wasm.BlockVoid} }
func If() []byte    { return []byte{wasm.OpIf, wasm.BlockVoid} }

// IfResult opens an if block producing one value.
func IfResult(t wasm.ValType) []byte { return []byte{wasm.OpIf, byte(t)} }

func Else() []byte        { return op(wasm.OpElse) }
func End() []byte         { return op(wasm.OpEnd) }
func Return() []byte      { return op(wasm.OpReturn) }
func Drop() []byte        { return op(wasm.OpDrop) }
func Nop() []byte         { return op(wasm.OpNop) }
func Unreachable() []byte { return op(wasm.OpUnreachable) }
func I32Eqz() []byte      { return op(wasm.OpI32Eqz) }
func I32Eq() []byte       { return op(wasm.OpI32Eq) }
func I32Ne() []byte       { return op(wasm.OpI32Ne) }
func I32LtS() []byte      { return op(wasm.OpI32LtS) }
func I32GtS() []byte      { return op(wasm.OpI32GtS) }
func I32Add() []byte      { return op(wasm.OpI32Add) }
func I32Sub() []byte      { return op(wasm.OpI32Sub) }
func I32Mul() []byte      { return op(wasm.OpI32Mul) }
func I32DivS() []byte     { return op(wasm.OpI32DivS) }
func I64Ne() []byte       { return op(wasm.OpI64Ne) }
func I64Add() []byte      { return op(wasm.OpI64Add) }

// I32Load reads memory 0 at the address on the stack plus offset.
func I32Load(offset uint32) []byte  { return memOp(wasm.OpI32Load, 2, offset) }
func I64Load(offset uint32) []byte  { return memOp(wasm.OpI64Load, 3, offset) }
func I32Store(offset uint32) []byte { return memOp(wasm.OpI32Store, 2, offset) }
func I64Store(offset uint32) []byte { return memOp(wasm.OpI64Store, 3, offset) }

func memOp(b byte, align, offset uint32) []byte {
	out := wasm.AppendU32([]byte{b}, align)
	return wasm.AppendU32(out, offset)
}

// Seq concatenates instruction encodings.
func Seq(code ...[]byte) []byte {
	var out []byte
	for _, c := range code {
		out = append(out, c...)
	}
	return out
}
