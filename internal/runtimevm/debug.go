package runtimevm

import (
	"fmt"
	"math"

	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/types"
	"go.uber.org/zap"
)

// PrintStackFrame writes one human-readable line per local/argument in the
// given frame to standard output, for the engine's --debug-print flag
// (grounded on original_source/src/runtime/runtime.cpp's printStackFrame).
func (s *State) PrintStackFrame(fn *core.ManagedFunction, values []RegisterValue) {
	fmt.Fprintf(s.stdout, "frame %s:\n", fn.Def.Signature())
	for i, v := range values {
		var t *types.Type
		switch {
		case i < fn.NumParams():
			t = fn.Def.Parameters[i]
		case i-fn.NumParams() < len(fn.Locals):
			t = fn.Locals[i-fn.NumParams()]
		}
		fmt.Fprintf(s.stdout, "  [%d] %s\n", i, formatValue(v, t))
	}
}

// RegisterValue is the bit pattern one managed stack slot holds, reinterpreted
// according to its declared type when printed (spec.md §3: locals/args are
// uniform 8-byte slots regardless of declared width).
type RegisterValue uint64

func formatValue(v RegisterValue, t *types.Type) string {
	if t == nil {
		return fmt.Sprintf("0x%x", uint64(v))
	}
	switch t.Kind() {
	case types.KindInt:
		return fmt.Sprintf("%d", int32(v))
	case types.KindFloat:
		return fmt.Sprintf("%g", math.Float32frombits(uint32(v)))
	case types.KindBool:
		return fmt.Sprintf("%t", v != 0)
	case types.KindChar:
		return fmt.Sprintf("%q", byte(v))
	default:
		if v == 0 {
			return "null"
		}
		return fmt.Sprintf("%s@0x%x", t.Name(), uint64(v))
	}
}

// PrintAliveObjects logs a summary line for each still-reachable object
// found in the most recent collection, at debug level (grounded on
// original_source/src/runtime/runtime.cpp's printAliveObjects, reduced
// here to a structured log line rather than a recursive text dump since
// internal/gc doesn't expose per-object identity across collections).
func (s *State) PrintAliveObjects(young, old int) {
	s.log.Debug("heap occupancy", zap.Int("youngObjects", young), zap.Int("oldObjects", old))
}
