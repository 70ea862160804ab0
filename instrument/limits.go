package instrument

import (
	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/wasm"
)

// LimitsPass clamps the declared maxima of defined memories and tables to
// configured caps. A zero cap means unlimited. A declared minimum above a
// cap cannot be satisfied and fails the pass.
type LimitsPass struct {
	MaxMemoryPages  uint32
	MaxTableEntries uint32
}

// Name returns "limits".
func (LimitsPass) Name() string { return "limits" }

// Apply clamps m's limits.
func (p LimitsPass) Apply(m *wasm.Module) error {
	for i := range m.Memories {
		if err := clamp(&m.Memories[i], p.MaxMemoryPages, "memory pages"); err != nil {
			return err
		}
	}
	for i := range m.Tables {
		if err := clamp(&m.Tables[i].Limits, p.MaxTableEntries, "table entries"); err != nil {
			return err
		}
	}
	return nil
}

func clamp(l *wasm.Limits, limit uint32, what string) error {
	if limit == 0 {
		return nil
	}
	if l.Min > limit {
		return errors.LimitExceeded(errors.PhaseInstrument, what, uint64(l.Min), uint64(limit))
	}
	if l.Max == nil || *l.Max > limit {
		mx := limit
		l.Max = &mx
	}
	return nil
}
