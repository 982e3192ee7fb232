// interp.go - Bytecode dispatch loop
//
// License: GPLv3 or later

package ironplcvm

import "encoding/binary"

// OverflowPolicy governs how arithmetic and narrowing conversions handle
// out-of-range results (spec §4.6, §6 VM configuration).
type OverflowPolicy int

const (
	OverflowWrap OverflowPolicy = iota
	OverflowSaturate
	OverflowFault
)

// CallFrame is one entry on the interpreter's call stack, restored exactly
// on RET/RET_VOID (spec §3).
type CallFrame struct {
	ReturnPC         uint32
	ReturnFunctionID uint16
	StackBase        int
	StrTempBase      uint16
	WStrTempBase     uint16
	FBRef            uint16
	HasFBRef         bool
}

// ExecState bundles everything one call to Execute touches: the container
// it is borrowing bytecode and constants from, and every piece of mutable
// runtime memory it operates on. One ExecState lives as long as a VM
// instance; Execute is re-entered once per program-instance, per round, by
// the scheduler.
type ExecState struct {
	Container *Container
	Stack     *OperandStack
	Variables *VariableTable
	FB        *FBInstanceTable
	Strings   *StringBuffers
	Image     *ProcessImage

	Frames       []CallFrame
	MaxCallDepth int

	Overflow OverflowPolicy

	// CurrentTimeUs is the monotonic snapshot taken once at the start of
	// the active round (spec §4.11); FB timer intrinsics compare against
	// it rather than sampling the clock per call.
	CurrentTimeUs int64

	// WatchdogCheck, if non-nil, is invoked at backward jumps and call
	// entries (spec §4.6, §5). It returns false when the task's watchdog
	// budget has been exceeded, at which point Execute raises
	// TrapWatchdogTimeout immediately.
	WatchdogCheck func() bool
}

// Execute runs entryFunctionID under scope until it returns via RET_VOID
// from the entry frame, or traps. Reaching the end of a function's
// bytecode without having executed RET/RET_VOID traps
// TrapInvalidInstruction (spec §12 resolves the open question in spec.md
// §9 in favor of trapping, not returning Ok silently).
func Execute(st *ExecState, entryFunctionID uint16, scope VariableScope) *Trap {
	fn, ok := st.Container.Function(entryFunctionID)
	if !ok {
		t := NewTrap(TrapInvalidFunctionId, entryFunctionID, 0)
		return &t
	}

	entryStackBase := st.Stack.Depth()
	st.Frames = st.Frames[:0]
	st.Frames = append(st.Frames, CallFrame{
		ReturnFunctionID: entryFunctionID,
		StackBase:        entryStackBase,
		StrTempBase:      st.Strings.StrTempWatermark(),
		WStrTempBase:     st.Strings.WStrTempWatermark(),
	})

	pc := uint32(0)
	for {
		bc := st.Container.Bytecode(fn)
		if pc >= uint32(len(bc)) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			return &t
		}

		op := Opcode(bc[pc])
		if !IsDefined(op) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			t.OperandA = int64(bc[pc])
			return &t
		}
		opSize := OperandSize(op)
		if pc+1+uint32(opSize) > uint32(len(bc)) {
			t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
			return &t
		}
		operand := bc[pc+1 : pc+1+uint32(opSize)]

		switch op {
		case OpNop:
			pc += 1 + uint32(opSize)

		case OpJmp:
			target := int32(binary.LittleEndian.Uint32(operand))
			if target < pc64(pc) {
				if trap := checkWatchdog(st, fn, pc); trap != nil {
					return trap
				}
			}
			pc = uint32(target)
			continue

		case OpJmpIfFalse:
			v, ok := st.Stack.Pop()
			if !ok {
				t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
				return &t
			}
			target := int32(binary.LittleEndian.Uint32(operand))
			if DecodeI32(v) == 0 {
				if target < pc64(pc) {
					if trap := checkWatchdog(st, fn, pc); trap != nil {
						return trap
					}
				}
				pc = uint32(target)
				continue
			}
			pc += 1 + uint32(opSize)

		case OpCall:
			if trap := checkWatchdog(st, fn, pc); trap != nil {
				return trap
			}
			targetID := binary.LittleEndian.Uint16(operand)
			targetFn, ok := st.Container.Function(targetID)
			if !ok {
				t := NewTrap(TrapInvalidFunctionId, fn.FunctionID, pc)
				return &t
			}
			if len(st.Frames) >= st.MaxCallDepth {
				t := NewTrap(TrapCallDepthExceeded, fn.FunctionID, pc)
				return &t
			}
			st.Frames = append(st.Frames, CallFrame{
				ReturnPC:         pc + 1 + uint32(opSize),
				ReturnFunctionID: fn.FunctionID,
				StackBase:        st.Stack.Depth(),
				StrTempBase:      st.Strings.StrTempWatermark(),
				WStrTempBase:     st.Strings.WStrTempWatermark(),
			})
			fn = targetFn
			pc = 0
			continue

		case OpRetVoid, OpRet:
			top := len(st.Frames) - 1
			frame := st.Frames[top]
			var retVal Slot
			hasRet := op == OpRet
			if hasRet {
				v, ok := st.Stack.Pop()
				if !ok {
					t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
					return &t
				}
				retVal = v
			}
			if st.Stack.Depth() != frame.StackBase {
				t := NewTrap(TrapStackOverflow, fn.FunctionID, pc)
				return &t
			}
			st.Strings.ReleaseStrTempTo(frame.StrTempBase)
			st.Strings.ReleaseWStrTempTo(frame.WStrTempBase)

			if top == 0 {
				if hasRet {
					if trap := pushOrTrap(st, fn, pc, retVal); trap != nil {
						return trap
					}
				}
				return nil
			}
			st.Frames = st.Frames[:top]
			fn, ok = st.Container.Function(frame.ReturnFunctionID)
			if !ok {
				t := NewTrap(TrapInvalidFunctionId, frame.ReturnFunctionID, frame.ReturnPC)
				return &t
			}
			pc = frame.ReturnPC
			if hasRet {
				if trap := pushOrTrap(st, fn, pc, retVal); trap != nil {
					return trap
				}
			}
			continue

		case OpFBCall:
			if trap := checkWatchdog(st, fn, pc); trap != nil {
				return trap
			}
			typeID := binary.LittleEndian.Uint16(operand)
			if trap := execFBCall(st, fn, pc, typeID); trap != nil {
				return trap
			}
			pc += 1 + uint32(opSize)

		default:
			if isArithOpcode(op) {
				if trap := execArith(st, fn, pc, op); trap != nil {
					return trap
				}
				pc += 1 + uint32(opSize)
				continue
			}
			if isStringOpcode(op) {
				if trap := execString(st, fn, pc, op); trap != nil {
					return trap
				}
				pc += 1 + uint32(opSize)
				continue
			}
			if trap := execMisc(st, fn, pc, op, operand, scope); trap != nil {
				return trap
			}
			pc += 1 + uint32(opSize)
		}
	}
}

func pc64(pc uint32) int32 { return int32(pc) }

// pushOrTrap pushes v onto the operand stack, raising TrapStackOverflow
// when the stack has no room left (spec §7: StackOverflow covers every
// push beyond max_stack_depth, not just the call-return discipline check).
func pushOrTrap(st *ExecState, fn FunctionEntry, pc uint32, v Slot) *Trap {
	if !st.Stack.Push(v) {
		t := NewTrap(TrapStackOverflow, fn.FunctionID, pc)
		return &t
	}
	return nil
}

func checkWatchdog(st *ExecState, fn FunctionEntry, pc uint32) *Trap {
	if st.WatchdogCheck == nil {
		return nil
	}
	if st.WatchdogCheck() {
		return nil
	}
	t := NewTrap(TrapWatchdogTimeout, fn.FunctionID, pc)
	return &t
}

// execMisc handles the remaining opcode families: constants, variables,
// process image, and FB field access -- everything that isn't arithmetic,
// string, control flow, or FB_CALL (those have dedicated handling above or
// in interp_arith.go / interp_string.go / interp_fb.go).
func execMisc(st *ExecState, fn FunctionEntry, pc uint32, op Opcode, operand []byte, scope VariableScope) *Trap {
	switch op {
	case OpLoadConstI32, OpLoadConstU32, OpLoadConstI64, OpLoadConstU64, OpLoadConstF32, OpLoadConstF64:
		idx := int(binary.LittleEndian.Uint16(operand))
		slot, ok := loadConstSlot(st.Container, idx, op)
		if !ok {
			t := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			t.OperandA = int64(idx)
			return &t
		}
		return pushOrTrap(st, fn, pc, slot)

	case OpLoadVarI32, OpLoadVarU32, OpLoadVarI64, OpLoadVarU64, OpLoadVarF32, OpLoadVarF64, OpLoadVarBool:
		idx := binary.LittleEndian.Uint16(operand)
		slot, ok := st.Variables.Load(idx, scope)
		if !ok {
			return invalidVarTrap(fn, pc, idx)
		}
		return pushOrTrap(st, fn, pc, slot)

	case OpStoreVarI32, OpStoreVarU32, OpStoreVarI64, OpStoreVarU64, OpStoreVarF32, OpStoreVarF64, OpStoreVarBool:
		idx := binary.LittleEndian.Uint16(operand)
		v, ok := st.Stack.Pop()
		if !ok {
			t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
			return &t
		}
		if !st.Variables.Store(idx, scope, v) {
			return invalidVarTrap(fn, pc, idx)
		}
		return nil

	case OpLoadInputBit, OpLoadInputByte, OpLoadInputWord, OpLoadInputDWord, OpLoadInputLWord:
		return execImageLoad(st, fn, pc, RegionInput, op, operand)
	case OpLoadMemoryBit, OpLoadMemoryByte, OpLoadMemoryWord, OpLoadMemoryDWord, OpLoadMemoryLWord:
		return execImageLoad(st, fn, pc, RegionMemory, op, operand)
	case OpStoreOutputBit, OpStoreOutputByte, OpStoreOutputWord, OpStoreOutputDWord, OpStoreOutputLWord:
		return execImageStore(st, fn, pc, RegionOutput, op, operand)
	case OpStoreMemoryBit, OpStoreMemoryByte, OpStoreMemoryWord, OpStoreMemoryDWord, OpStoreMemoryLWord:
		return execImageStore(st, fn, pc, RegionMemory, op, operand)

	case OpLoadField, OpStoreField:
		return execFieldAccess(st, fn, pc, op, operand)

	case OpStrStoreVar, OpWStrStoreVar:
		return execStrStoreVar(st, fn, pc, op, operand)

	case OpFBLoadInstance:
		for i := len(st.Frames) - 1; i >= 0; i-- {
			if st.Frames[i].HasFBRef {
				return pushOrTrap(st, fn, pc, EncodeFBRef(st.Frames[i].FBRef))
			}
		}
		t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
		return &t

	case OpI32ToF32, OpF32ToI32, OpI32ToF64, OpF64ToI32, OpNarrowI32ToI16, OpWidenI16ToI32:
		return execConvert(st, fn, pc, op)

	default:
		t := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
		return &t
	}
}

func invalidVarTrap(fn FunctionEntry, pc uint32, idx uint16) *Trap {
	t := NewTrap(TrapInvalidVariableIndex, fn.FunctionID, pc)
	t.OperandA = int64(idx)
	return &t
}

func loadConstSlot(c *Container, idx int, op Opcode) (Slot, bool) {
	switch op {
	case OpLoadConstI32:
		v, ok := c.ConstantI32(idx)
		return EncodeI32(v), ok
	case OpLoadConstU32:
		v, ok := c.ConstantU32(idx)
		return EncodeU32(v), ok
	case OpLoadConstI64:
		v, ok := c.ConstantI64(idx)
		return EncodeI64(v), ok
	case OpLoadConstU64:
		v, ok := c.ConstantU64(idx)
		return EncodeU64(v), ok
	case OpLoadConstF32:
		v, ok := c.ConstantF32(idx)
		return EncodeF32(v), ok
	case OpLoadConstF64:
		v, ok := c.ConstantF64(idx)
		return EncodeF64(v), ok
	}
	return Slot{}, false
}

func imageWidth(op Opcode) AccessWidth {
	switch op {
	case OpLoadInputBit, OpStoreOutputBit, OpLoadMemoryBit, OpStoreMemoryBit:
		return WidthBit
	case OpLoadInputByte, OpStoreOutputByte, OpLoadMemoryByte, OpStoreMemoryByte:
		return WidthByte
	case OpLoadInputWord, OpStoreOutputWord, OpLoadMemoryWord, OpStoreMemoryWord:
		return WidthWord
	case OpLoadInputDWord, OpStoreOutputDWord, OpLoadMemoryDWord, OpStoreMemoryDWord:
		return WidthDWord
	case OpLoadInputLWord, OpStoreOutputLWord, OpLoadMemoryLWord, OpStoreMemoryLWord:
		return WidthLWord
	}
	return WidthByte
}

// execImageLoad handles LOAD_INPUT_* / LOAD_MEMORY_*. The operand packs a
// byte index in its low 13 bits and, for the bit-width variants, a bit
// index 0-7 in the top 3 bits -- a 16-bit operand has no room for two
// independent fields otherwise.
func execImageLoad(st *ExecState, fn FunctionEntry, pc uint32, region ImageRegion, op Opcode, operand []byte) *Trap {
	raw := binary.LittleEndian.Uint16(operand)
	width := imageWidth(op)
	if width == WidthBit {
		byteIdx := int(raw & 0x1FFF)
		bitIdx := uint(raw >> 13)
		v, ok := st.Image.ReadBit(region, byteIdx, bitIdx)
		if !ok {
			t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
			return &t
		}
		b := int32(0)
		if v {
			b = 1
		}
		return pushOrTrap(st, fn, pc, EncodeI32(b))
	}
	v, ok := st.Image.Read(region, width, int(raw))
	if !ok {
		t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
		return &t
	}
	return pushOrTrap(st, fn, pc, EncodeU64(v))
}

func execImageStore(st *ExecState, fn FunctionEntry, pc uint32, region ImageRegion, op Opcode, operand []byte) *Trap {
	raw := binary.LittleEndian.Uint16(operand)
	width := imageWidth(op)
	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return &t
	}
	if width == WidthBit {
		byteIdx := int(raw & 0x1FFF)
		bitIdx := uint(raw >> 13)
		if !st.Image.WriteBit(region, byteIdx, bitIdx, DecodeI32(v) != 0) {
			t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
			return &t
		}
		return nil
	}
	if !st.Image.Write(region, width, int(raw), DecodeU64(v)) {
		t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
		return &t
	}
	return nil
}

func execFieldAccess(st *ExecState, fn FunctionEntry, pc uint32, op Opcode, operand []byte) *Trap {
	offset := binary.LittleEndian.Uint16(operand)
	fbRefSlot, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return &t
	}
	fbRef := DecodeFBRef(fbRefSlot)

	if op == OpLoadField {
		v, ok := st.FB.LoadField(fbRef, offset)
		if !ok {
			t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
			return &t
		}
		return pushOrTrap(st, fn, pc, v)
	}

	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return &t
	}
	if !st.FB.StoreField(fbRef, offset, v) {
		t := NewTrap(TrapArrayOutOfBounds, fn.FunctionID, pc)
		return &t
	}
	return nil
}
