// interp_fb.go - FB_CALL dispatch: intrinsics and user-defined function blocks
//
// License: GPLv3 or later

package ironplcvm

import "encoding/binary"

// Intrinsic function-block type ids. These occupy a small reserved range
// below any compiler-assigned user FB type_id (the compiler starts
// allocating user type_ids at FirstUserFBTypeID); FB_CALL dispatches to
// the matching Go implementation directly rather than jumping into
// compiled bytecode (spec §4.5).
const (
	FBTypeTON uint16 = iota
	FBTypeTOF
	FBTypeTP
	FBTypeCTU
	FBTypeCTD
	FBTypeCTUD
	FBTypeRTrig
	FBTypeFTrig

	FirstUserFBTypeID
)

// Timer instance field layout (TON/TOF/TP): IN, PT, Q, ET, start_time,
// running.
const (
	fieldTimerIn = iota
	fieldTimerPT
	fieldTimerQ
	fieldTimerET
	fieldTimerStart
	fieldTimerRunning
)

// Counter instance field layout (CTU/CTD/CTUD): CU, CD, reset/load, PV,
// CV, Q, prevCU, prevCD. CTU/CTD only use the fields relevant to their
// direction.
const (
	fieldCounterCU = iota
	fieldCounterCD
	fieldCounterReset
	fieldCounterPV
	fieldCounterCV
	fieldCounterQ
	fieldCounterPrevCU
	fieldCounterPrevCD
)

// Edge-detector instance field layout (R_TRIG/F_TRIG): CLK, Q, prev.
const (
	fieldEdgeCLK = iota
	fieldEdgeQ
	fieldEdgePrev
)

func fbBool(st *ExecState, fbRef uint16, field uint16) bool {
	v, _ := st.FB.LoadField(fbRef, field)
	return DecodeI32(v) != 0
}

func fbSetBool(st *ExecState, fbRef uint16, field uint16, v bool) {
	st.FB.StoreField(fbRef, field, boolSlot(v))
}

func fbI64(st *ExecState, fbRef uint16, field uint16) int64 {
	v, _ := st.FB.LoadField(fbRef, field)
	return DecodeI64(v)
}

func fbSetI64(st *ExecState, fbRef uint16, field uint16, v int64) {
	st.FB.StoreField(fbRef, field, EncodeI64(v))
}

func fbI32(st *ExecState, fbRef uint16, field uint16) int32 {
	v, _ := st.FB.LoadField(fbRef, field)
	return DecodeI32(v)
}

func fbSetI32(st *ExecState, fbRef uint16, field uint16, v int32) {
	st.FB.StoreField(fbRef, field, EncodeI32(v))
}

// execFBCall pops fb_ref, dispatches to an intrinsic or a user FB body,
// and pushes fb_ref back (spec §4.5).
func execFBCall(st *ExecState, fn FunctionEntry, pc uint32, typeID uint16) *Trap {
	refSlot, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return &t
	}
	fbRef := DecodeFBRef(refSlot)

	switch typeID {
	case FBTypeTON, FBTypeTOF, FBTypeTP:
		runTimer(st, fbRef, typeID)
		return pushOrTrap(st, fn, pc, EncodeFBRef(fbRef))
	case FBTypeCTU, FBTypeCTD, FBTypeCTUD:
		runCounter(st, fbRef, typeID)
		return pushOrTrap(st, fn, pc, EncodeFBRef(fbRef))
	case FBTypeRTrig, FBTypeFTrig:
		runEdgeDetector(st, fbRef, typeID)
		return pushOrTrap(st, fn, pc, EncodeFBRef(fbRef))
	}

	// User-defined FB: the compiler emits the type's body as a function
	// whose function_id equals its type_id (the container has no
	// separate FB-type-to-function map in this implementation; see
	// DESIGN.md).
	targetFn, ok := st.Container.Function(typeID)
	if !ok {
		t := NewTrap(TrapInvalidFunctionId, fn.FunctionID, pc)
		return &t
	}
	if len(st.Frames) >= st.MaxCallDepth {
		t := NewTrap(TrapCallDepthExceeded, fn.FunctionID, pc)
		return &t
	}
	// FB_CALL bodies run to RET_VOID with no return value and are driven
	// by a nested dispatch loop rather than the outer fetch-decode loop,
	// keeping the call-stack bookkeeping identical to a plain CALL with
	// one extra piece of context (the active fb_ref).
	st.Frames = append(st.Frames, CallFrame{
		StackBase:    st.Stack.Depth(),
		StrTempBase:  st.Strings.StrTempWatermark(),
		WStrTempBase: st.Strings.WStrTempWatermark(),
		FBRef:        fbRef,
		HasFBRef:     true,
	})
	_, trap := runNestedBody(st, targetFn)
	if trap != nil {
		return trap
	}
	st.Frames = st.Frames[:len(st.Frames)-1]
	return pushOrTrap(st, fn, pc, EncodeFBRef(fbRef))
}

// runNestedBody executes a function body reached from inside an FB_CALL
// (the FB's own body, a function it CALLs, or a nested FB's body),
// re-entering the same dispatch primitives Execute uses. It is a separate
// loop (rather than re-entry into Execute) because these frames must stay
// on the same st.Frames stack as the outer caller for consistent
// call-depth accounting; recursion depth here is bounded by the same
// MaxCallDepth check every call path performs. Nested bodies run with an
// empty VariableScope: FB bodies address instance fields, not scoped
// variables.
func runNestedBody(st *ExecState, fn FunctionEntry) (*Slot, *Trap) {
	scope := VariableScope{}
	pc := uint32(0)
	bc := st.Container.Bytecode(fn)
	for {
		if pc >= uint32(len(bc)) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			return nil, &t
		}
		op := Opcode(bc[pc])
		if !IsDefined(op) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			t.OperandA = int64(bc[pc])
			return nil, &t
		}
		opSize := OperandSize(op)
		if pc+1+uint32(opSize) > uint32(len(bc)) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			return nil, &t
		}
		operand := bc[pc+1 : pc+1+uint32(opSize)]

		switch op {
		case OpNop:

		case OpJmp:
			target := int32(binary.LittleEndian.Uint32(operand))
			if target < int32(pc) {
				if trap := checkWatchdog(st, fn, pc); trap != nil {
					return nil, trap
				}
			}
			pc = uint32(target)
			continue

		case OpJmpIfFalse:
			v, ok := st.Stack.Pop()
			if !ok {
				t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
				return nil, &t
			}
			if DecodeI32(v) == 0 {
				target := int32(binary.LittleEndian.Uint32(operand))
				if target < int32(pc) {
					if trap := checkWatchdog(st, fn, pc); trap != nil {
						return nil, trap
					}
				}
				pc = uint32(target)
				continue
			}

		case OpRetVoid, OpRet:
			frame := st.Frames[len(st.Frames)-1]
			var retVal Slot
			hasRet := op == OpRet
			if hasRet {
				v, ok := st.Stack.Pop()
				if !ok {
					t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
					return nil, &t
				}
				retVal = v
			}
			if st.Stack.Depth() != frame.StackBase {
				t := NewTrap(TrapStackOverflow, fn.FunctionID, pc)
				return nil, &t
			}
			st.Strings.ReleaseStrTempTo(frame.StrTempBase)
			st.Strings.ReleaseWStrTempTo(frame.WStrTempBase)
			if hasRet {
				return &retVal, nil
			}
			return nil, nil

		case OpCall:
			if trap := checkWatchdog(st, fn, pc); trap != nil {
				return nil, trap
			}
			targetID := binary.LittleEndian.Uint16(operand)
			targetFn, ok := st.Container.Function(targetID)
			if !ok {
				t := NewTrap(TrapInvalidFunctionId, fn.FunctionID, pc)
				return nil, &t
			}
			if len(st.Frames) >= st.MaxCallDepth {
				t := NewTrap(TrapCallDepthExceeded, fn.FunctionID, pc)
				return nil, &t
			}
			st.Frames = append(st.Frames, CallFrame{
				StackBase:    st.Stack.Depth(),
				StrTempBase:  st.Strings.StrTempWatermark(),
				WStrTempBase: st.Strings.WStrTempWatermark(),
			})
			ret, trap := runNestedBody(st, targetFn)
			if trap != nil {
				return nil, trap
			}
			st.Frames = st.Frames[:len(st.Frames)-1]
			if ret != nil {
				if trap := pushOrTrap(st, fn, pc, *ret); trap != nil {
					return nil, trap
				}
			}

		case OpFBCall:
			if trap := checkWatchdog(st, fn, pc); trap != nil {
				return nil, trap
			}
			if trap := execFBCall(st, fn, pc, binary.LittleEndian.Uint16(operand)); trap != nil {
				return nil, trap
			}

		default:
			if isArithOpcode(op) {
				if trap := execArith(st, fn, pc, op); trap != nil {
					return nil, trap
				}
			} else if isStringOpcode(op) {
				if trap := execString(st, fn, pc, op); trap != nil {
					return nil, trap
				}
			} else if op == OpLoadField || op == OpStoreField {
				if trap := execFieldAccess(st, fn, pc, op, operand); trap != nil {
					return nil, trap
				}
			} else {
				if trap := execMisc(st, fn, pc, op, operand, scope); trap != nil {
					return nil, trap
				}
			}
		}
		pc += 1 + uint32(opSize)
	}
}

func runTimer(st *ExecState, fbRef uint16, typeID uint16) {
	in := fbBool(st, fbRef, fieldTimerIn)
	pt := fbI64(st, fbRef, fieldTimerPT)
	running := fbBool(st, fbRef, fieldTimerRunning)
	now := st.CurrentTimeUs

	switch typeID {
	case FBTypeTON:
		if in && !running {
			fbSetI64(st, fbRef, fieldTimerStart, now)
			fbSetBool(st, fbRef, fieldTimerRunning, true)
			running = true
		}
		if !in {
			fbSetBool(st, fbRef, fieldTimerRunning, false)
			fbSetI64(st, fbRef, fieldTimerET, 0)
			fbSetBool(st, fbRef, fieldTimerQ, false)
			return
		}
		elapsed := now - fbI64(st, fbRef, fieldTimerStart)
		if elapsed > pt {
			elapsed = pt
		}
		fbSetI64(st, fbRef, fieldTimerET, elapsed)
		fbSetBool(st, fbRef, fieldTimerQ, elapsed >= pt)

	case FBTypeTOF:
		if !in && running {
			fbSetBool(st, fbRef, fieldTimerRunning, false)
			fbSetI64(st, fbRef, fieldTimerStart, now)
		}
		if in {
			fbSetBool(st, fbRef, fieldTimerRunning, true)
			fbSetI64(st, fbRef, fieldTimerET, 0)
			fbSetBool(st, fbRef, fieldTimerQ, true)
			return
		}
		if !running {
			fbSetBool(st, fbRef, fieldTimerQ, false)
			return
		}
		elapsed := now - fbI64(st, fbRef, fieldTimerStart)
		if elapsed > pt {
			elapsed = pt
			fbSetBool(st, fbRef, fieldTimerRunning, false)
		}
		fbSetI64(st, fbRef, fieldTimerET, elapsed)
		fbSetBool(st, fbRef, fieldTimerQ, elapsed < pt)

	case FBTypeTP:
		if in && !running {
			fbSetI64(st, fbRef, fieldTimerStart, now)
			fbSetBool(st, fbRef, fieldTimerRunning, true)
			running = true
		}
		if !running {
			fbSetBool(st, fbRef, fieldTimerQ, false)
			fbSetI64(st, fbRef, fieldTimerET, 0)
			return
		}
		elapsed := now - fbI64(st, fbRef, fieldTimerStart)
		if elapsed >= pt {
			fbSetBool(st, fbRef, fieldTimerRunning, false)
			elapsed = pt
		}
		fbSetI64(st, fbRef, fieldTimerET, elapsed)
		fbSetBool(st, fbRef, fieldTimerQ, elapsed < pt)
	}
}

func runCounter(st *ExecState, fbRef uint16, typeID uint16) {
	pv := fbI32(st, fbRef, fieldCounterPV)
	cv := fbI32(st, fbRef, fieldCounterCV)
	reset := fbBool(st, fbRef, fieldCounterReset)

	switch typeID {
	case FBTypeCTU:
		cu := fbBool(st, fbRef, fieldCounterCU)
		prevCU := fbBool(st, fbRef, fieldCounterPrevCU)
		if reset {
			cv = 0
		} else if cu && !prevCU && cv < pv {
			cv++
		}
		fbSetI32(st, fbRef, fieldCounterCV, cv)
		fbSetBool(st, fbRef, fieldCounterQ, cv >= pv)
		fbSetBool(st, fbRef, fieldCounterPrevCU, cu)

	case FBTypeCTD:
		cd := fbBool(st, fbRef, fieldCounterCD)
		prevCD := fbBool(st, fbRef, fieldCounterPrevCD)
		if reset {
			cv = pv
		} else if cd && !prevCD && cv > 0 {
			cv--
		}
		fbSetI32(st, fbRef, fieldCounterCV, cv)
		fbSetBool(st, fbRef, fieldCounterQ, cv <= 0)
		fbSetBool(st, fbRef, fieldCounterPrevCD, cd)

	case FBTypeCTUD:
		cu := fbBool(st, fbRef, fieldCounterCU)
		cd := fbBool(st, fbRef, fieldCounterCD)
		prevCU := fbBool(st, fbRef, fieldCounterPrevCU)
		prevCD := fbBool(st, fbRef, fieldCounterPrevCD)
		if reset {
			cv = 0
		} else {
			if cu && !prevCU && cv < pv {
				cv++
			}
			if cd && !prevCD && cv > 0 {
				cv--
			}
		}
		fbSetI32(st, fbRef, fieldCounterCV, cv)
		fbSetBool(st, fbRef, fieldCounterQ, cv >= pv)
		fbSetBool(st, fbRef, fieldCounterPrevCU, cu)
		fbSetBool(st, fbRef, fieldCounterPrevCD, cd)
	}
}

func runEdgeDetector(st *ExecState, fbRef uint16, typeID uint16) {
	clk := fbBool(st, fbRef, fieldEdgeCLK)
	prev := fbBool(st, fbRef, fieldEdgePrev)
	switch typeID {
	case FBTypeRTrig:
		fbSetBool(st, fbRef, fieldEdgeQ, clk && !prev)
	case FBTypeFTrig:
		fbSetBool(st, fbRef, fieldEdgeQ, !clk && prev)
	}
	fbSetBool(st, fbRef, fieldEdgePrev, clk)
}
