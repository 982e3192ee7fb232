// lifecycle.go - VM typestate machine: EMPTY -> LOADING -> READY -> RUNNING -> {STOPPED, FAULTED}
//
// License: GPLv3 or later

package ironplcvm

// VMConfig is host-set configuration, never encoded in the bytecode
// itself (spec §6 "VM configuration").
type VMConfig struct {
	OverflowPolicy    OverflowPolicy
	ScanMode          ScanMode
	ScanIntervalUs    int64
	MaxScanTimeUs     int64 // default watchdog budget for tasks with WatchdogUs==0; 0 = disabled
	FaultOutputMode   FaultOutputMode
	ClockSource       ClockSource
	VerificationMode  VerificationMode
	MaxRAMBytes       int64 // 0 = unlimited; checked before READY allocation
}

// ScanMode selects whether the caller drives rounds on a fixed period or
// runs them back-to-back (spec §6).
type ScanMode int

const (
	ScanPeriodic ScanMode = iota
	ScanFreeRunning
)

// VerificationMode selects how much of the bytecode verifier runs before
// a container is admitted to READY (spec §4.10, §12).
type VerificationMode int

const (
	VerifyOnDevice VerificationMode = iota
	VerifySignatureOnly
)

// DefaultVMConfig returns sensible defaults: wrap overflow, periodic
// scanning, hold fault output, a SystemClock, and on-device verification
// (spec §6's stated defaults).
func DefaultVMConfig() VMConfig {
	return VMConfig{
		OverflowPolicy:   OverflowWrap,
		ScanMode:         ScanPeriodic,
		FaultOutputMode:  FaultOutputHold,
		ClockSource:      &SystemClock{},
		VerificationMode: VerifyOnDevice,
	}
}

// VMOption configures a VMConfig via the functional-options style the
// teacher favors for its constructors (NewCPU, NewSoundChip(backend)).
type VMOption func(*VMConfig)

func WithOverflowPolicy(p OverflowPolicy) VMOption { return func(c *VMConfig) { c.OverflowPolicy = p } }
func WithScanMode(m ScanMode) VMOption             { return func(c *VMConfig) { c.ScanMode = m } }
func WithScanIntervalUs(us int64) VMOption         { return func(c *VMConfig) { c.ScanIntervalUs = us } }
func WithWatchdogUs(us int64) VMOption             { return func(c *VMConfig) { c.MaxScanTimeUs = us } }
func WithFaultOutputMode(m FaultOutputMode) VMOption {
	return func(c *VMConfig) { c.FaultOutputMode = m }
}
func WithClockSource(cs ClockSource) VMOption { return func(c *VMConfig) { c.ClockSource = cs } }
func WithVerificationMode(m VerificationMode) VMOption {
	return func(c *VMConfig) { c.VerificationMode = m }
}
func WithMaxRAMBytes(n int64) VMOption { return func(c *VMConfig) { c.MaxRAMBytes = n } }

// VMState identifies which typestate a Vm instance currently occupies.
// Go lacks move-based typestates, so (per spec §9's Design Notes) state is
// represented as a tagged variant: every operation asserts the state it
// requires and returns errWrongState -- callers that ignore the lifecycle
// API's documented contract get a clear error, not undefined behavior.
type VMState int

const (
	VMEmpty VMState = iota
	VMLoading
	VMReady
	VMRunning
	VMStopped
	VMFaulted
)

func (s VMState) String() string {
	switch s {
	case VMEmpty:
		return "EMPTY"
	case VMLoading:
		return "LOADING"
	case VMReady:
		return "READY"
	case VMRunning:
		return "RUNNING"
	case VMStopped:
		return "STOPPED"
	case VMFaulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Vm is the host-facing VM instance: a single tagged-variant typestate
// machine carrying whichever runtime memory its current state has
// allocated (spec §4.9, §6's lifecycle API).
type Vm struct {
	state  VMState
	config VMConfig
	diag   *Diagnostics

	container *Container
	rawBytes  []byte

	stack     *OperandStack
	variables *VariableTable
	fb        *FBInstanceTable
	strings   *StringBuffers
	image     *ProcessImage
	scheduler *Scheduler
	execCfg   *ExecConfig

	loadErr    *LoadError
	lastTrap   *Trap
	faultTask  uint16
	faultInst  uint16
	currentUs  int64
}

// NewVm constructs an EMPTY VM with the given configuration.
func NewVm(opts ...VMOption) *Vm {
	cfg := DefaultVMConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Vm{state: VMEmpty, config: cfg, diag: newDiagnostics()}
}

// State returns the VM's current typestate.
func (v *Vm) State() VMState { return v.state }

// SetLogger attaches a diagnostic logger; nil detaches it (no-op logging),
// so the VM core stays usable in contexts with no structured-logging
// sink. See diagnostic.go.
func (v *Vm) SetLogger(l DiagLogger) { v.diag.logger = l }

// Load parses and verifies buf, transitioning EMPTY|STOPPED -> LOADING and
// then, on success, -> READY (spec §4.9's load(bytes) operation and
// table). On failure the VM lands in STOPPED with the error recorded;
// Load never panics.
func (v *Vm) Load(buf []byte) error {
	if v.state != VMEmpty && v.state != VMStopped {
		return errWrongState
	}
	v.state = VMLoading
	v.diag.logLifecycle(v.state, "begin header parse")

	c, lerr := Load(buf)
	if lerr != nil {
		v.state = VMStopped
		v.loadErr = lerr
		v.diag.logLoadError(lerr)
		return lerr
	}

	if v.config.VerificationMode == VerifyOnDevice {
		if verr := Verify(c); verr != nil {
			v.state = VMStopped
			v.loadErr = verr
			v.diag.logLoadError(verr)
			return verr
		}
	}

	if v.config.MaxRAMBytes > 0 {
		if budget := estimateRAMBytes(c.Header); budget > v.config.MaxRAMBytes {
			lerr := newLoadError(ErrResourceBudgetExceeded, "estimated RAM exceeds configured limit")
			v.state = VMStopped
			v.loadErr = lerr
			v.diag.logLoadError(lerr)
			return lerr
		}
	}

	v.container = c
	v.rawBytes = buf
	v.allocate()
	v.state = VMReady
	v.loadErr = nil
	v.diag.logLifecycle(v.state, "buffers allocated")
	return nil
}

// allocate sizes every runtime buffer from header fields, per spec §3's
// "all allocation happens on the LOADING->READY transition". It is also
// reused (re-zeroing rather than re-allocating) by restart().
func (v *Vm) allocate() {
	h := v.container.Header
	v.stack = NewOperandStack(int(h.MaxStackDepth))
	v.variables = NewVariableTable(int(h.NumVariables))
	fieldsPerInstance := 0
	if h.NumFBInstances > 0 {
		fieldsPerInstance = int(h.TotalFBInstBytes) / (int(h.NumFBInstances) * SlotSize)
	}
	v.fb = NewFBInstanceTable(int(h.NumFBInstances), fieldsPerInstance)
	v.strings = NewStringBuffers(h)
	v.image = NewProcessImage(int(h.InputImageBytes), int(h.OutputImageBytes), int(h.MemoryImageBytes))
	v.execCfg = &ExecConfig{
		Container:    v.container,
		Stack:        v.stack,
		Variables:    v.variables,
		FB:           v.fb,
		Strings:      v.strings,
		Image:        v.image,
		Overflow:     v.config.OverflowPolicy,
		MaxCallDepth: int(h.MaxCallDepth),
	}
	v.scheduler = NewScheduler(v.container, v.execCfg)
	v.scheduler.FaultOutputMode = v.config.FaultOutputMode
	v.scheduler.diag = v.diag
	v.scheduler.DefaultWatchdogUs = v.config.MaxScanTimeUs
}

// estimateRAMBytes sums the header-declared sizes of every buffer that
// allocate() sizes, used for the total-RAM budget check spec §5 requires
// before allocation.
func estimateRAMBytes(h Header) int64 {
	var n int64
	n += int64(h.MaxStackDepth) * SlotSize
	n += int64(h.NumVariables) * SlotSize
	n += int64(h.TotalFBInstBytes)
	n += int64(h.TotalStrVarBytes)
	n += int64(h.TotalWStrVarBytes)
	n += int64(h.NumTempStrBufs) * int64(h.MaxStrLength+1)
	n += int64(h.NumTempWStrBufs) * int64(h.MaxWStrLength*2+2)
	n += int64(h.InputImageBytes) + int64(h.OutputImageBytes) + int64(h.MemoryImageBytes)
	return n
}

// Start transitions READY -> RUNNING: the scheduler is initialized (it
// already was, in allocate(); Start just resets its bookkeeping and
// begins counting scans) and scan_count becomes 0 (spec §4.9).
func (v *Vm) Start() error {
	if v.state != VMReady {
		return errWrongState
	}
	v.scheduler.Reset()
	v.currentUs = 0
	v.state = VMRunning
	v.diag.logLifecycle(v.state, "scheduler initialized")
	return nil
}

// RunRound advances the VM by one scan round at nowUs. RUNNING -> RUNNING
// on success; RUNNING -> FAULTED on trap (spec §4.9).
func (v *Vm) RunRound(nowUs int64) (*Trap, error) {
	if v.state != VMRunning {
		return nil, errWrongState
	}
	v.currentUs = nowUs
	_, trap, taskID, instID := v.scheduler.RunRound(nowUs, v.config.ClockSource)
	if trap != nil {
		v.lastTrap = trap
		v.faultTask = taskID
		v.faultInst = instID
		v.state = VMFaulted
		v.diag.logTrap(trap)
		v.diag.logLifecycle(v.state, "trap context captured")
		return trap, nil
	}
	return nil, nil
}

// RequestStop asks a RUNNING VM to stop gracefully; the scheduler checks
// this flag between rounds (spec §4.9, §5). It does not itself change
// state -- the caller's scan loop observes StopRequested() and calls
// Stop() once the in-flight round (if any) has finished.
func (v *Vm) RequestStop() {
	if v.scheduler != nil {
		v.scheduler.RequestStop()
	}
}

// StopRequested reports whether RequestStop has been called since the
// last Start()/restart().
func (v *Vm) StopRequested() bool {
	return v.scheduler != nil && v.scheduler.StopRequested()
}

// Stop transitions RUNNING -> STOPPED. Diagnostics remain readable; no
// runtime memory is released (spec §4.9's "finish current round, release
// nothing").
func (v *Vm) Stop() error {
	if v.state != VMRunning {
		return errWrongState
	}
	v.state = VMStopped
	v.diag.logLifecycle(v.state, "stopped by request")
	return nil
}

// Fault forces a RUNNING VM into FAULTED with an externally-supplied trap
// -- used by a host that detects a fault condition outside RunRound itself
// (e.g. the I/O driver boundary failing atomicity guarantees).
func (v *Vm) Fault(trap Trap) error {
	if v.state != VMRunning {
		return errWrongState
	}
	v.lastTrap = &trap
	v.state = VMFaulted
	v.diag.logTrap(&trap)
	return nil
}

// Restart transitions FAULTED -> RUNNING: runtime state is re-initialized
// (buffers zeroed, scheduler bookkeeping reset) but the already-parsed
// container is reused -- bytecode is not re-parsed (spec §4.9, §3's
// lifecycle note).
func (v *Vm) Restart() error {
	if v.state != VMFaulted {
		return errWrongState
	}
	v.stack.Reset()
	v.variables.Reset()
	v.fb.Reset()
	v.strings.Reset()
	v.image.Reset()
	v.scheduler.Reset()
	v.currentUs = 0
	v.lastTrap = nil
	v.state = VMRunning
	v.diag.logLifecycle(v.state, "re-initialized from fault")
	return nil
}

// StopFromFaulted transitions FAULTED -> STOPPED (spec §4.9 table).
func (v *Vm) StopFromFaulted() error {
	if v.state != VMFaulted {
		return errWrongState
	}
	v.state = VMStopped
	v.diag.logLifecycle(v.state, "stopped from fault")
	return nil
}

// LoadError returns the error recorded by the most recent failed Load, or
// nil.
func (v *Vm) LoadError() *LoadError { return v.loadErr }

// Trap returns the trap that moved the VM to FAULTED, or nil.
func (v *Vm) Trap() *Trap { return v.lastTrap }

// FaultTaskID and FaultInstanceID identify which task/instance was
// executing when the VM faulted (spec §6's VmFaulted.{task_id,
// instance_id}).
func (v *Vm) FaultTaskID() uint16     { return v.faultTask }
func (v *Vm) FaultInstanceID() uint16 { return v.faultInst }

// ReadVariable yields a consistent snapshot read of variable i, valid only
// in STOPPED or FAULTED (spec §4.9: "variable reads via the diagnostic
// surface yield a consistent snapshot, read only between scan rounds or
// from the frozen post-EXECUTE state").
func (v *Vm) ReadVariable(i uint16) (Slot, bool) {
	if v.state != VMStopped && v.state != VMFaulted {
		return Slot{}, false
	}
	if v.variables == nil {
		return Slot{}, false
	}
	return v.variables.LoadRaw(i)
}

// Container exposes the loaded container (nil before READY), for tooling
// (disassembly, the CLI's --dump-vars) that needs direct access.
func (v *Vm) Container() *Container { return v.container }

// Diagnostics exposes the read-only diagnostic surface (spec §4's
// Diagnostic Surface row, §6).
func (v *Vm) Diagnostics() *Diagnostics { return v.diag }

// Scheduler exposes the scheduler for read-only inspection (task timings,
// overrun counts) by the diagnostic surface and the CLI.
func (v *Vm) Scheduler() *Scheduler { return v.scheduler }

// ProcessImage exposes the three process-image regions, for a host's I/O
// driver to perform INPUT_FREEZE/OUTPUT_FLUSH around RunRound calls.
func (v *Vm) ProcessImage() *ProcessImage { return v.image }
