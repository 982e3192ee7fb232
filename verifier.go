// verifier.go - Static bytecode verification beyond the loader's structural checks
//
// License: GPLv3 or later

package ironplcvm

import "encoding/binary"

// Verify runs the bytecode verifier described in spec §4.10: beyond the
// loader's header/section/task-table structural checks (already applied
// by Load), it checks every opcode is defined, every operand is in range,
// that every function ends with RET/RET_VOID on all reachable paths, and
// that the static stack-depth and call-depth upper bounds it can compute
// from the bytecode alone do not exceed the header's declared limits.
//
// VerifySignatureOnly mode (spec §12's resolution of the open question in
// spec.md §9) skips this pass entirely: it still gets the loader's
// structural checks and content-hash verification, but not this static
// analysis, trusting a signed container's producer instead.
func Verify(c *Container) *LoadError {
	returnsValue := make(map[uint16]bool, len(c.functions))
	for id, fn := range c.functions {
		bc := c.Bytecode(fn)
		returnsValue[id] = len(bc) > 0 && Opcode(bc[len(bc)-1]) == OpRet
	}

	for _, fn := range allFunctions(c) {
		if err := verifyFunction(c, fn); err != nil {
			return err
		}
		if err := verifyStackDepth(c, fn, returnsValue); err != nil {
			return err
		}
	}
	return verifyCallDepth(c)
}

func allFunctions(c *Container) []FunctionEntry {
	fns := make([]FunctionEntry, 0, len(c.functions))
	for _, fn := range c.functions {
		fns = append(fns, fn)
	}
	return fns
}

// verifyFunction checks one function body: every opcode is defined, every
// operand referencing the constant pool/variable table/call targets is
// structurally plausible given the container's own declared counts, and
// every linear path through the bytecode ends in RET or RET_VOID.
func verifyFunction(c *Container, fn FunctionEntry) *LoadError {
	bc := c.Bytecode(fn)
	pc := uint32(0)
	sawTerminator := false

	for pc < uint32(len(bc)) {
		op := Opcode(bc[pc])
		if !IsDefined(op) {
			return newLoadError(ErrTaskTableInconsistent, "undefined opcode in function body")
		}
		size := OperandSize(op)
		if size < 0 || pc+1+uint32(size) > uint32(len(bc)) {
			return newLoadError(ErrTruncatedSection, "operand extends past function body")
		}
		operand := bc[pc+1 : pc+1+uint32(size)]

		if err := verifyOperandRange(c, op, operand); err != nil {
			return err
		}

		sawTerminator = op == OpRet || op == OpRetVoid
		pc += 1 + uint32(size)
	}

	if !sawTerminator {
		return newLoadError(ErrTaskTableInconsistent, "function body does not end with RET/RET_VOID")
	}
	return nil
}

// verifyOperandRange checks that an opcode's 16-bit index operand (pool
// index, variable index, function id) names something the container
// actually declares. Jump targets are not checked here or in
// verifyFunction; a target outside the function's body traps
// TrapInvalidInstruction when Execute reaches it. This pass focuses on the
// indices that would otherwise silently read zero-valued or wrong-typed
// memory.
func verifyOperandRange(c *Container, op Opcode, operand []byte) *LoadError {
	switch op {
	case OpLoadConstI32, OpLoadConstU32, OpLoadConstI64, OpLoadConstU64, OpLoadConstF32, OpLoadConstF64:
		idx := int(binary.LittleEndian.Uint16(operand))
		if idx >= c.ConstantCount() {
			return newLoadError(ErrTaskTableInconsistent, "constant pool index out of range")
		}
	case OpLoadVarI32, OpLoadVarU32, OpLoadVarI64, OpLoadVarU64, OpLoadVarF32, OpLoadVarF64, OpLoadVarBool,
		OpStoreVarI32, OpStoreVarU32, OpStoreVarI64, OpStoreVarU64, OpStoreVarF32, OpStoreVarF64, OpStoreVarBool:
		idx := binary.LittleEndian.Uint16(operand)
		if idx >= c.Header.NumVariables {
			return newLoadError(ErrTaskTableInconsistent, "variable index out of range")
		}
	case OpCall:
		id := binary.LittleEndian.Uint16(operand)
		if _, ok := c.Function(id); !ok {
			return newLoadError(ErrTaskTableInconsistent, "CALL to undefined function")
		}
	case OpFBCall:
		id := binary.LittleEndian.Uint16(operand)
		if id >= FirstUserFBTypeID {
			if _, ok := c.Function(id); !ok {
				return newLoadError(ErrTaskTableInconsistent, "FB_CALL to undefined function body")
			}
		}
	}
	return nil
}

// stackDelta returns the net operand-stack depth change opcode op causes,
// for every opcode whose effect doesn't depend on another function's
// signature. OpCall is resolved separately by verifyStackDepth, since
// whether it leaves a return value behind depends on the target
// function's own terminator.
func stackDelta(op Opcode) int {
	switch op {
	case OpLoadConstI32, OpLoadConstU32, OpLoadConstI64, OpLoadConstU64, OpLoadConstF32, OpLoadConstF64,
		OpLoadVarI32, OpLoadVarU32, OpLoadVarI64, OpLoadVarU64, OpLoadVarF32, OpLoadVarF64, OpLoadVarBool,
		OpLoadInputBit, OpLoadInputByte, OpLoadInputWord, OpLoadInputDWord, OpLoadInputLWord,
		OpLoadMemoryBit, OpLoadMemoryByte, OpLoadMemoryWord, OpLoadMemoryDWord, OpLoadMemoryLWord,
		OpFBLoadInstance:
		return 1
	case OpStoreVarI32, OpStoreVarU32, OpStoreVarI64, OpStoreVarU64, OpStoreVarF32, OpStoreVarF64, OpStoreVarBool,
		OpStoreOutputBit, OpStoreOutputByte, OpStoreOutputWord, OpStoreOutputDWord, OpStoreOutputLWord,
		OpStoreMemoryBit, OpStoreMemoryByte, OpStoreMemoryWord, OpStoreMemoryDWord, OpStoreMemoryLWord,
		OpStrStoreVar, OpWStrStoreVar,
		OpJmpIfFalse:
		return -1
	case OpStoreField:
		return -2
	case OpLoadField, OpFBCall,
		OpNegI32, OpNegF32, OpNegF64, OpNotBool,
		OpI32ToF32, OpI32ToF64, OpF32ToI32, OpF64ToI32, OpNarrowI32ToI16, OpWidenI16ToI32,
		OpStrLen, OpWStrLen:
		return 0
	case OpAddI32, OpSubI32, OpMulI32, OpDivI32, OpModI32,
		OpAddF32, OpSubF32, OpMulF32, OpDivF32,
		OpAddF64, OpSubF64, OpMulF64, OpDivF64,
		OpLtI32, OpLeI32, OpGtI32, OpGeI32, OpEqI32, OpNeI32,
		OpLtF64, OpGtF64, OpEqF64,
		OpAndBool, OpOrBool,
		OpStrConcat, OpWStrConcat, OpStrLeft, OpStrRight, OpStrFind:
		return -1
	case OpStrMid, OpStrInsert, OpStrDelete:
		return -2
	case OpStrReplace:
		return -3
	}
	return 0
}

// verifyStackDepth simulates fn's bytecode in program order, accumulating
// the net stack-depth delta per opcode (spec §4.10's "stack-depth static
// upper bound"), and rejects the function if the simulated peak exceeds
// the header's max_stack_depth. This is a straight-line simulation, not a
// full control-flow analysis -- it matches verifyFunction's own
// single-pass shape and is a sound conservative bound for well-formed,
// compiler-generated bytecode, where every branch target rejoins the same
// operand-stack depth (spec §4.6's stack-discipline invariant).
func verifyStackDepth(c *Container, fn FunctionEntry, returnsValue map[uint16]bool) *LoadError {
	bc := c.Bytecode(fn)
	depth, peak := 0, 0
	pc := uint32(0)
	for pc < uint32(len(bc)) {
		op := Opcode(bc[pc])
		size := OperandSize(op)
		if size < 0 || pc+1+uint32(size) > uint32(len(bc)) {
			return nil // already rejected by verifyFunction
		}
		switch op {
		case OpRet:
			depth--
		case OpCall:
			targetID := binary.LittleEndian.Uint16(bc[pc+1 : pc+1+uint32(size)])
			if returnsValue[targetID] {
				depth++
			}
		default:
			depth += stackDelta(op)
		}
		if depth > peak {
			peak = depth
		}
		pc += 1 + uint32(size)
	}
	if peak > int(c.Header.MaxStackDepth) {
		return newLoadError(ErrTaskTableInconsistent, "function's static stack-depth upper bound exceeds header max_stack_depth")
	}
	return nil
}

// verifyCallDepth computes, for every function, the longest static chain
// of CALL/FB_CALL(user-defined) edges reachable from it (spec §4.10's
// "call-depth static upper bound"), and rejects the container if that
// chain -- plus the function's own frame -- exceeds the header's
// max_call_depth, or if the call graph is cyclic (a recursive cycle has no
// finite static bound, so it can never be certified safe).
func verifyCallDepth(c *Container) *LoadError {
	memo := make(map[uint16]int, len(c.functions))
	visiting := make(map[uint16]bool, len(c.functions))
	for id := range c.functions {
		depth, err := callChainDepth(c, id, visiting, memo)
		if err != nil {
			return err
		}
		if depth > int(c.Header.MaxCallDepth) {
			return newLoadError(ErrTaskTableInconsistent, "function's static call-depth upper bound exceeds header max_call_depth")
		}
	}
	return nil
}

func callChainDepth(c *Container, id uint16, visiting map[uint16]bool, memo map[uint16]int) (int, *LoadError) {
	if d, ok := memo[id]; ok {
		return d, nil
	}
	if visiting[id] {
		return 0, newLoadError(ErrTaskTableInconsistent, "recursive call cycle has no static call-depth upper bound")
	}
	fn, ok := c.Function(id)
	if !ok {
		return 1, nil
	}
	visiting[id] = true

	bc := c.Bytecode(fn)
	best := 0
	pc := uint32(0)
	for pc < uint32(len(bc)) {
		op := Opcode(bc[pc])
		if !IsDefined(op) {
			break
		}
		size := OperandSize(op)
		if size < 0 || pc+1+uint32(size) > uint32(len(bc)) {
			break
		}
		operand := bc[pc+1 : pc+1+uint32(size)]

		var targetID uint16
		isCall := false
		switch op {
		case OpCall:
			targetID, isCall = binary.LittleEndian.Uint16(operand), true
		case OpFBCall:
			if tid := binary.LittleEndian.Uint16(operand); tid >= FirstUserFBTypeID {
				targetID, isCall = tid, true
			}
		}
		if isCall {
			childDepth, err := callChainDepth(c, targetID, visiting, memo)
			if err != nil {
				return 0, err
			}
			if childDepth > best {
				best = childDepth
			}
		}
		pc += 1 + uint32(size)
	}

	delete(visiting, id)
	depth := best + 1
	memo[id] = depth
	return depth, nil
}
