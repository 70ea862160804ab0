package instrument

import (
	"fmt"

	"github.com/wippyai/wasm-process/wasm"
)

// Names shared between FuelPass and the engine that services it.
const (
	FuelNamespace    = "proc"
	FuelImport       = "fuel_exhausted"
	FuelGlobalExport = "__proc_fuel"
)

// FuelPass injects fuel metering. Every function entry and loop header
// subtracts the weight of the straight-line run that follows it from an
// exported i64 counter; once the counter is negative the guest calls
// proc.fuel_exhausted, the safepoint where the scheduler may preempt it.
//
// The counter starts at zero, so the first charge always reaches the
// safepoint and the host loads the quantum there.
type FuelPass struct{}

// Name returns "fuel".
func (FuelPass) Name() string { return "fuel" }

// Apply instruments every defined function of m.
func (FuelPass) Apply(m *wasm.Module) error {
	for _, e := range m.Exports {
		if e.Name == FuelGlobalExport {
			return fmt.Errorf("module already exports %s", FuelGlobalExport)
		}
	}
	fn, err := m.AddFuncImport(FuelNamespace, FuelImport, wasm.FuncType{})
	if err != nil {
		return err
	}
	g := m.AddGlobal(wasm.GlobalType{Val: wasm.ValI64, Mutable: true},
		[]byte{wasm.OpI64Const, 0x00, wasm.OpEnd})
	if err := m.AddExport(FuelGlobalExport, wasm.KindGlobal, g); err != nil {
		return err
	}
	for i := range m.Code {
		if err := meterBody(&m.Code[i], fn, g); err != nil {
			return fmt.Errorf("func %d: %w", m.NumImportedFuncs()+uint32(i), err)
		}
	}
	return nil
}

func meterBody(b *wasm.Body, fn, g uint32) error {
	ins, err := wasm.Instrs(b.Code)
	if err != nil {
		return err
	}
	i := 0
	return b.Edit(func(in wasm.Instr, raw, dst []byte) []byte {
		if i == 0 {
			dst = appendCharge(dst, runWeight(ins, 0), fn, g)
		}
		dst = append(dst, raw...)
		if in.Op == wasm.OpLoop {
			dst = appendCharge(dst, runWeight(ins, i+1), fn, g)
		}
		i++
		return dst
	})
}

// runWeight counts instructions from start up to and including the next one
// that transfers control.
func runWeight(ins []wasm.Instr, start int) int64 {
	var w int64
	for j := start; j < len(ins); j++ {
		w++
		if ins[j].IsControl() {
			break
		}
	}
	if w == 0 {
		w = 1
	}
	return w
}

// appendCharge emits:
//
//	global.get g; i64.const w; i64.sub; global.set g
//	global.get g; i64.const 0; i64.lt_s
//	if; call fn; end
func appendCharge(dst []byte, w int64, fn, g uint32) []byte {
	dst = wasm.AppendU32(append(dst, wasm.OpGlobalGet), g)
	dst = wasm.AppendS64(append(dst, wasm.OpI64Const), w)
	dst = append(dst, wasm.OpI64Sub)
	dst = wasm.AppendU32(append(dst, wasm.OpGlobalSet), g)
	dst = wasm.AppendU32(append(dst, wasm.OpGlobalGet), g)
	dst = append(dst, wasm.OpI64Const, 0x00, wasm.OpI64LtS)
	dst = append(dst, wasm.OpIf, wasm.BlockVoid)
	dst = wasm.AppendU32(append(dst, wasm.OpCall), fn)
	return append(dst, wasm.OpEnd)
}
