// interp_string.go - STRING/WSTRING opcode family
//
// License: GPLv3 or later

package ironplcvm

import (
	"bytes"
	"encoding/binary"
)

func isStringOpcode(op Opcode) bool {
	switch op {
	case OpStrLen, OpStrConcat, OpStrLeft, OpStrMid, OpStrRight,
		OpStrInsert, OpStrDelete, OpStrReplace, OpStrFind,
		OpWStrLen, OpWStrConcat:
		return true
	}
	return false
}

func popBufIdx(st *ExecState, fn FunctionEntry, pc uint32) (uint16, *Trap) {
	v, ok := st.Stack.Pop()
	if !ok {
		t := NewTrap(TrapStackUnderflow, fn.FunctionID, pc)
		return 0, &t
	}
	return DecodeBufIdx(v), nil
}

func acquireStrTemp(st *ExecState, fn FunctionEntry, pc uint32) (uint16, *Trap) {
	idx, ok := st.Strings.AcquireStrTemp()
	if !ok {
		t := NewTrap(TrapStringPoolExhausted, fn.FunctionID, pc)
		return 0, &t
	}
	return idx, nil
}

func acquireWStrTemp(st *ExecState, fn FunctionEntry, pc uint32) (uint16, *Trap) {
	idx, ok := st.Strings.AcquireWStrTemp()
	if !ok {
		t := NewTrap(TrapStringPoolExhausted, fn.FunctionID, pc)
		return 0, &t
	}
	return idx, nil
}

// execString implements the STR_*/WSTR_* family described in spec §4.7.
// Every operation consumes its buf_idx operands from the stack (never as
// bytecode operands) and, where it produces a new string, acquires a temp
// buffer from the active pool -- the compiler is responsible for emitting
// a STR_STORE_VAR before the buffer could be reused by an overlapping
// acquire (spec §4.7's acquire-use invariant; not VM-enforced).
func execString(st *ExecState, fn FunctionEntry, pc uint32, op Opcode) *Trap {
	switch op {
	case OpStrLen:
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		n, ok := st.Strings.StrLen(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		return pushOrTrap(st, fn, pc, EncodeI32(int32(n)))

	case OpWStrLen:
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		n, ok := st.Strings.WStrLen(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		return pushOrTrap(st, fn, pc, EncodeI32(int32(n)))

	case OpStrConcat:
		b, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		ab, _ := st.Strings.StrBytes(a)
		bb, _ := st.Strings.StrBytes(b)
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, append(append([]byte{}, ab...), bb...))
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpWStrConcat:
		b, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		a, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		ab, _ := st.Strings.WStrBytes(a)
		bb, _ := st.Strings.WStrBytes(b)
		out, t := acquireWStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.WStrSet(out, append(append([]byte{}, ab...), bb...))
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrLeft, OpStrRight:
		count, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		n := clampLen(int(count), len(src))
		var slice []byte
		if op == OpStrLeft {
			slice = src[:n]
		} else {
			slice = src[len(src)-n:]
		}
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, slice)
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrMid:
		count, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		pos, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		start := clampLen(int(pos), len(src))
		n := clampLen(int(count), len(src)-start)
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, src[start:start+n])
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrInsert:
		insertIdx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		pos, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		ins, _ := st.Strings.StrBytes(insertIdx)
		at := clampLen(int(pos), len(src))
		var out2 []byte
		out2 = append(out2, src[:at]...)
		out2 = append(out2, ins...)
		out2 = append(out2, src[at:]...)
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, out2)
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrDelete:
		count, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		pos, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		start := clampLen(int(pos), len(src))
		n := clampLen(int(count), len(src)-start)
		var out2 []byte
		out2 = append(out2, src[:start]...)
		out2 = append(out2, src[start+n:]...)
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, out2)
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrReplace:
		replIdx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		count, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		pos, t := popI32(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		repl, _ := st.Strings.StrBytes(replIdx)
		start := clampLen(int(pos), len(src))
		n := clampLen(int(count), len(src)-start)
		var out2 []byte
		out2 = append(out2, src[:start]...)
		out2 = append(out2, repl...)
		out2 = append(out2, src[start+n:]...)
		out, t := acquireStrTemp(st, fn, pc)
		if t != nil {
			return t
		}
		st.Strings.StrSet(out, out2)
		return pushOrTrap(st, fn, pc, EncodeBufIdx(out))

	case OpStrFind:
		needleIdx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		idx, t := popBufIdx(st, fn, pc)
		if t != nil {
			return t
		}
		src, ok := st.Strings.StrBytes(idx)
		if !ok {
			tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
			return &tr
		}
		needle, _ := st.Strings.StrBytes(needleIdx)
		pos := bytes.Index(src, needle)
		return pushOrTrap(st, fn, pc, EncodeI32(int32(pos)))
	}

	tr := NewTrap(TrapInvalidInstruction, fn.FunctionID, pc)
	return &tr
}

// execStrStoreVar persists a temp string result into a variable buffer
// (spec §4.7's STR_STORE_VAR): the dst buf_idx is the operand, the src
// buf_idx is popped from the stack. It lives apart from execString because
// it is the one string opcode carrying a bytecode operand.
func execStrStoreVar(st *ExecState, fn FunctionEntry, pc uint32, op Opcode, operand []byte) *Trap {
	dst := binary.LittleEndian.Uint16(operand)
	src, t := popBufIdx(st, fn, pc)
	if t != nil {
		return t
	}
	var content []byte
	var ok bool
	if op == OpStrStoreVar {
		content, ok = st.Strings.StrBytes(src)
	} else {
		content, ok = st.Strings.WStrBytes(src)
	}
	if !ok {
		tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
		tr.OperandA = int64(src)
		return &tr
	}
	var stored bool
	if op == OpStrStoreVar {
		stored = st.Strings.StrSet(dst, content)
	} else {
		stored = st.Strings.WStrSet(dst, content)
	}
	if !stored {
		tr := NewTrap(TrapInvalidConstantIndex, fn.FunctionID, pc)
		tr.OperandA = int64(dst)
		return &tr
	}
	return nil
}

func clampLen(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
