// diagnostic.go - Read-only diagnostic surface: lifecycle, trap and scheduler logging
//
// License: GPLv3 or later

package ironplcvm

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// DiagLogger is the structured logger type this module's diagnostic
// surface is built on. A nil *DiagLogger is valid everywhere this package
// accepts one: every Diagnostics method below is nil-safe, so the VM core
// stays usable in embedded contexts with no logging sink wired up (spec
// §10's ambient-stack note on a nil-safe logger).
type DiagLogger = *logiface.Logger[*stumpy.Event]

// NewJSONLogger builds a DiagLogger that writes newline-delimited JSON to
// w. When limits is non-empty it configures category-based rate limiting
// (spec §10's "rate-limited diagnostics", grounded in stumpy's own
// WithCategoryRateLimits/CallerCategoryRateLimitModifier pairing), so a
// repeatedly-overrunning task or a repeatedly-trapping program cannot flood
// the sink; with nil or empty limits no category rate limit is configured.
func NewJSONLogger(w stumpyWriter, limits map[time.Duration]int) DiagLogger {
	opts := []logiface.Option[*stumpy.Event]{
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	}
	if len(limits) > 0 {
		opts = append(opts, stumpy.L.WithCategoryRateLimits(limits))
	}
	return stumpy.L.New(opts...)
}

// stumpyWriter is the minimal interface NewJSONLogger needs from its
// writer; satisfied by *os.File, *bytes.Buffer, etc.
type stumpyWriter interface {
	Write(p []byte) (n int, err error)
}

// Diagnostics is the VM's read-only observation surface (spec §4's
// Diagnostic Surface row, §6): it does not hold its own copy of state, it
// logs transitions and traps as they happen and leaves current-state
// inspection to Vm's own accessors (ReadVariable, Scheduler, Trap, ...).
type Diagnostics struct {
	logger DiagLogger
}

func newDiagnostics() *Diagnostics { return &Diagnostics{} }

func (d *Diagnostics) logLifecycle(state VMState, detail string) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Info().
		Str(`state`, state.String()).
		Str(`detail`, detail).
		Log(`vm lifecycle transition`)
}

func (d *Diagnostics) logLoadError(err *LoadError) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Err().
		Str(`kind`, err.Kind.String()).
		Str(`detail`, err.Detail).
		Limit().
		Log(`container load failed`)
}

func (d *Diagnostics) logTrap(t *Trap) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Err().
		Str(`trap_kind`, t.Kind.String()).
		Int(`function_id`, int(t.FunctionID)).
		Int(`bytecode_offset`, int(t.BytecodeOffset)).
		Int(`scan_count`, int(t.ScanCount)).
		Int(`task_id`, int(t.TaskID)).
		Int(`instance_id`, int(t.InstanceID)).
		Int64(`operand_a`, t.OperandA).
		Int64(`operand_b`, t.OperandB).
		Limit().
		Log(`scan round trapped`)
}

func (d *Diagnostics) logOverrun(taskID uint16, overrunCount uint64, nextDueUs int64) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Warning().
		Int(`task_id`, int(taskID)).
		Int64(`overrun_count`, int64(overrunCount)).
		Int64(`next_due_us`, nextDueUs).
		Limit().
		Log(`cyclic task overrun`)
}

// SourceLine maps a bytecode_offset within a function to a source line
// using the container's debug section, when loaded (spec §7: "If the
// debug section is loaded, bytecode_offset is mapped to a source line").
// This VM core has no debug-section parser of its own (that is the
// compiler/debugger's concern per spec §1's "out of scope" list); this is
// a hook the host's tooling can fill in by constructing a Container with
// its debug section present and consulting it directly via
// Container.Bytes() plus the header's DebugSection offsets.
func SourceLine(c *Container, functionID uint16, bytecodeOffset uint32) (line int, ok bool) {
	if !c.Header.HasDebugSection() {
		return 0, false
	}
	// Left unimplemented: the debug section's own encoding is owned by the
	// compiler (spec §1), and no sample debug section is available in this
	// retrieval pack to ground a concrete layout against. See DESIGN.md.
	return 0, false
}
