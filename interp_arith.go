// interp_arith.go - Arithmetic, comparison, boolean and conversion opcodes
//
// License: GPLv3 or later

package ironplcvm

import "math"

func isArithOpcode(op Opcode) bool {
	switch op {
	case OpAddI32, OpSubI32, OpMulI32, OpDivI32, OpModI32, OpNegI32,
		OpAddF32, OpSubF32, OpMulF32, OpDivF32, OpNegF32,
		OpAddF64, OpSubF64, OpMulF64, OpDivF64, OpNegF64,
		OpLtI32, OpLeI32, OpGtI32, OpGeI32, OpEqI32, OpNeI32,
		OpLtF64, OpGtF64, OpEqF64,
		OpAndBool, OpOrBool, OpNotBool:
		return true
	}
	return false
}

func popI32(st *ExecState, fn FunctionEntry, pc uint32) (int32, *Trap) {
	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return 0, &t
	}
	return DecodeI32(v), nil
}

func popF32(st *ExecState, fn FunctionEntry, pc uint32) (float32, *Trap) {
	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return 0, &t
	}
	return DecodeF32(v), nil
}

func popF64(st *ExecState, fn FunctionEntry, pc uint32) (float64, *Trap) {
	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return 0, &t
	}
	return DecodeF64(v), nil
}

// applyOverflowI32 resolves a 64-bit arithmetic result into an I32 slot
// according to st.Overflow (spec §4.6, §9: "a single configuration
// setting, consulted by arithmetic operations").
func applyOverflowI32(st *ExecState, fn FunctionEntry, pc uint32, wide int64) (Slot, *Trap) {
	if wide >= math.MinInt32 && wide <= math.MaxInt32 {
		return EncodeI32(int32(wide)), nil
	}
	switch st.Overflow {
	case OverflowWrap:
		return EncodeI32(int32(wide)), nil
	case OverflowSaturate:
		if wide > math.MaxInt32 {
			return EncodeI32(math.MaxInt32), nil
		}
		return EncodeI32(math.MinInt32), nil
	default: // OverflowFault
		t := NewTrap(TrapOverflow, fn.FunctionID, pc)
		t.OperandA = wide
		return Slot{}, &t
	}
}

func boolSlot(v bool) Slot {
	if v {
		return EncodeI32(1)
	}
	return EncodeI32(0)
}

func execArith(st *ExecState, fn FunctionEntry, pc uint32, op Opcode) *Trap {
	switch op {
	case OpAddI32, OpSubI32, OpMulI32:
		b, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		var wide int64
		switch op {
		case OpAddI32:
			wide = int64(a) + int64(b)
		case OpSubI32:
			wide = int64(a) - int64(b)
		case OpMulI32:
			wide = int64(a) * int64(b)
		}
		slot, t := applyOverflowI32(st, fn, pc, wide)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, slot)

	case OpDivI32, OpModI32:
		b, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		if b == 0 {
			tr := NewTrap(TrapDivideByZero, fn.FunctionID, pc)
			tr.OperandA, tr.OperandB = int64(a), int64(b)
			return &tr
		}
		if op == OpDivI32 {
			return pushOrTrap(st, fn, pc, EncodeI32(a/b))
		}
		return pushOrTrap(st, fn, pc, EncodeI32(a%b))

	case OpNegI32:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		slot, t := applyOverflowI32(st, fn, pc, -int64(a))
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, slot)

	case OpAddF32, OpSubF32, OpMulF32, OpDivF32:
		b, t := popF32(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popF32(st, fn, pc)
		if t != nil {
			return t
		}
		var r float32
		switch op {
		case OpAddF32:
			r = a + b
		case OpSubF32:
			r = a - b
		case OpMulF32:
			r = a * b
		case OpDivF32:
			r = a / b
		}
		return pushOrTrap(st, fn, pc, EncodeF32(r))

	case OpNegF32:
		a, t := popF32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, EncodeF32(-a))

	case OpAddF64, OpSubF64, OpMulF64, OpDivF64:
		b, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		var r float64
		switch op {
		case OpAddF64:
			r = a + b
		case OpSubF64:
			r = a - b
		case OpMulF64:
			r = a * b
		case OpDivF64:
			r = a / b
		}
		return pushOrTrap(st, fn, pc, EncodeF64(r))

	case OpNegF64:
		a, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, EncodeF64(-a))

	case OpLtI32, OpLeI32, OpGtI32, OpGeI32, OpEqI32, OpNeI32:
		b, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		var r bool
		switch op {
		case OpLtI32:
			r = a < b
		case OpLeI32:
			r = a <= b
		case OpGtI32:
			r = a > b
		case OpGeI32:
			r = a >= b
		case OpEqI32:
			r = a == b
		case OpNeI32:
			r = a != b
		}
		return pushOrTrap(st, fn, pc, boolSlot(r))

	case OpLtF64, OpGtF64, OpEqF64:
		b, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		var r bool
		switch op {
		case OpLtF64:
			r = a < b
		case OpGtF64:
			r = a > b
		case OpEqF64:
			r = a == b
		}
		return pushOrTrap(st, fn, pc, boolSlot(r))

	case OpAndBool, OpOrBool:
		b, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		var r bool
		if op == OpAndBool {
			r = a != 0 && b != 0
		} else {
			r = a != 0 || b != 0
		}
		return pushOrTrap(st, fn, pc, boolSlot(r))

	case OpNotBool:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, boolSlot(a == 0))
	}

	tr := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
	return &tr
}

func execConvert(st *ExecState, fn FunctionEntry, pc uint32, op Opcode) *Trap {
	switch op {
	case OpI32ToF32:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, EncodeF32(float32(a)))

	case OpI32ToF64:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, EncodeF64(float64(a)))

	case OpF32ToI32:
		a, t := popF32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushFloatToI32(st, fn, pc, float64(a))

	case OpF64ToI32:
		a, t := popF64(st, fn, pc)
		if t != nil {
			return t
		}
		return pushFloatToI32(st, fn, pc, a)

	case OpNarrowI32ToI16:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		if a < math.MinInt16 || a > math.MaxInt16 {
			switch st.Overflow {
			case OverflowSaturate:
				if a > math.MaxInt16 {
					a = math.MaxInt16
				} else {
					a = math.MinInt16
				}
			case OverflowFault:
				tr := NewTrap(TrapOverflow, fn.FunctionID, pc)
				tr.OperandA = int64(a)
				return &tr
			}
		}
		return pushOrTrap(st, fn, pc, EncodeI32(int32(int16(a))))

	case OpWidenI16ToI32:
		a, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		return pushOrTrap(st, fn, pc, EncodeI32(int32(int16(a))))
	}

	tr := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
	return &tr
}

func pushFloatToI32(st *ExecState, fn FunctionEntry, pc uint32, v float64) *Trap {
	if v < math.MinInt32 || v > math.MaxInt32 {
		switch st.Overflow {
		case OverflowSaturate:
			if v > 0 {
				v = math.MaxInt32
			} else {
				v = math.MinInt32
			}
		case OverflowFault:
			tr := NewTrap(TrapOverflow, fn.FunctionID, pc)
			return &tr
		default: // wrap: plain Go int32(v) conversion; its result for out-of-range values is implementation-dependent
		}
	}
	return pushOrTrap(st, fn, pc, EncodeI32(int32(v)))
}
