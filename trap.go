// trap.go - Runtime trap taxonomy for the IronPLC VM
//
// License: GPLv3 or later

package ironplcvm

import "fmt"

// TrapKind identifies the category of an unrecoverable runtime error raised
// during EXECUTE. Every trap aborts the current scan round and moves the VM
// to FAULTED (see lifecycle.go).
type TrapKind int

const (
	TrapDivideByZero TrapKind = iota
	TrapOverflow
	TrapArrayOutOfBounds
	TrapStackOverflow
	TrapStackUnderflow
	TrapCallDepthExceeded
	TrapStringPoolExhausted
	TrapWatchdogTimeout
	TrapInvalidInstruction
	TrapInvalidConstantIndex
	TrapInvalidVariableIndex
	TrapInvalidFunctionId
)

func (k TrapKind) String() string {
	switch k {
	case TrapDivideByZero:
		return "DivideByZero"
	case TrapOverflow:
		return "Overflow"
	case TrapArrayOutOfBounds:
		return "ArrayOutOfBounds"
	case TrapStackOverflow:
		return "StackOverflow"
	case TrapStackUnderflow:
		return "StackUnderflow"
	case TrapCallDepthExceeded:
		return "CallDepthExceeded"
	case TrapStringPoolExhausted:
		return "StringPoolExhausted"
	case TrapWatchdogTimeout:
		return "WatchdogTimeout"
	case TrapInvalidInstruction:
		return "InvalidInstruction"
	case TrapInvalidConstantIndex:
		return "InvalidConstantIndex"
	case TrapInvalidVariableIndex:
		return "InvalidVariableIndex"
	case TrapInvalidFunctionId:
		return "InvalidFunctionId"
	default:
		return fmt.Sprintf("TrapKind(%d)", int(k))
	}
}

// Trap is the runtime error raised by execute and propagated to the
// scheduler and lifecycle. It carries enough context to reconstruct what
// failed without re-running the program: the function and bytecode offset
// where the fault occurred, up to two opcode-specific operands, and (filled
// in by the scheduler, not the interpreter) the task and instance that were
// executing.
type Trap struct {
	Kind           TrapKind
	ScanCount      uint64
	FunctionID     uint16
	BytecodeOffset uint32
	OperandA       int64
	OperandB       int64
	TaskID         uint16
	InstanceID     uint16
}

func (t Trap) Error() string {
	return fmt.Sprintf("trap %s at function %d offset %d (scan %d, task %d, instance %d)",
		t.Kind, t.FunctionID, t.BytecodeOffset, t.ScanCount, t.TaskID, t.InstanceID)
}

// NewTrap builds a Trap for the given kind, function and bytecode offset.
// OperandA/OperandB default to zero; callers that need them set them after
// construction. TaskID/InstanceID/ScanCount are filled in by the scheduler
// once the trap propagates out of execute.
func NewTrap(kind TrapKind, functionID uint16, offset uint32) Trap {
	return Trap{Kind: kind, FunctionID: functionID, BytecodeOffset: offset}
}
