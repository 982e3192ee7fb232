package ironplcvm

import (
	"encoding/binary"
	"testing"
)

// newSchedulerTestVM builds a VM through its normal Load/Start lifecycle
// methods so scheduler.go is exercised the same way the CLI drives it,
// rather than constructing a Scheduler by hand.
func newSchedulerTestVM(t *testing.T, buf []byte, opts ...VMOption) *Vm {
	t.Helper()
	vm := NewVm(opts...)
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := vm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return vm
}

func TestSchedulerCyclicOverrunDetection(t *testing.T) {
	bytecode := bc(op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskCyclic, IntervalUs: 10000, Enabled: true}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := newSchedulerTestVM(t, buf)

	if trap, err := vm.RunRound(0); err != nil || trap != nil {
		t.Fatalf("first round: err=%v trap=%v", err, trap)
	}
	if trap, err := vm.RunRound(25000); err != nil || trap != nil {
		t.Fatalf("second round: err=%v trap=%v", err, trap)
	}

	ts := vm.Scheduler().Tasks()[0]
	if ts.OverrunCount < 1 {
		t.Errorf("expected overrun_count >= 1, got %d", ts.OverrunCount)
	}
	if ts.NextDueUs < 35000-1 || ts.NextDueUs > 35000+1 {
		t.Errorf("expected next_due_us ~= 35000, got %d", ts.NextDueUs)
	}
}

func TestSchedulerFreewheelingAlwaysReady(t *testing.T) {
	bytecode := bc(op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := newSchedulerTestVM(t, buf)
	for i := 0; i < 3; i++ {
		if trap, err := vm.RunRound(int64(i) * 1000); err != nil || trap != nil {
			t.Fatalf("round %d: err=%v trap=%v", i, err, trap)
		}
	}
	ts := vm.Scheduler().Tasks()[0]
	if ts.ScanCount != 3 {
		t.Errorf("expected freewheeling task to run every round, got scan_count=%d", ts.ScanCount)
	}
}

func TestSchedulerEventTaskRisingEdge(t *testing.T) {
	bytecode := bc(op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		numVariables:  1,
		sharedGlobals: 1,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskEvent, SingleVarIdx: 0, Enabled: true}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := newSchedulerTestVM(t, buf)

	// Trigger variable starts at 0: no edge, task must not run.
	if trap, err := vm.RunRound(0); err != nil || trap != nil {
		t.Fatalf("round 1: err=%v trap=%v", err, trap)
	}
	if got := vm.Scheduler().Tasks()[0].ScanCount; got != 0 {
		t.Fatalf("expected no run before rising edge, scan_count=%d", got)
	}

	vm.execCfg.Variables.StoreRaw(0, EncodeI32(1))
	if trap, err := vm.RunRound(1000); err != nil || trap != nil {
		t.Fatalf("round 2: err=%v trap=%v", err, trap)
	}
	if got := vm.Scheduler().Tasks()[0].ScanCount; got != 1 {
		t.Fatalf("expected exactly one run on rising edge, scan_count=%d", got)
	}

	// Holding the trigger high must not re-trigger.
	if trap, err := vm.RunRound(2000); err != nil || trap != nil {
		t.Fatalf("round 3: err=%v trap=%v", err, trap)
	}
	if got := vm.Scheduler().Tasks()[0].ScanCount; got != 1 {
		t.Fatalf("expected no re-trigger while held high, scan_count=%d", got)
	}
}

func TestSchedulerDisabledTaskNeverRuns(t *testing.T) {
	bytecode := bc(op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: false}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := newSchedulerTestVM(t, buf)
	for i := 0; i < 3; i++ {
		if _, err := vm.RunRound(int64(i) * 1000); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if got := vm.Scheduler().Tasks()[0].ScanCount; got != 0 {
		t.Errorf("disabled task ran: scan_count=%d", got)
	}
}

// TestSchedulerPriorityOrdering observes execution order directly: both
// tasks store a distinct constant into the same shared-global variable, so
// whichever task runs last is the one whose value survives the round.
// Spec §8 orders ready tasks by (priority ASC, task_id ASC), so the
// lower-priority-number task (task 1, priority 1) must run before the
// higher-priority-number task (task 0, priority 5), leaving task 0's value
// in the shared variable once the round completes.
func TestSchedulerPriorityOrdering(t *testing.T) {
	const sharedVar = 0
	fnTask0 := bc(
		op(OpLoadConstI32, u16b(0)...), // 100
		op(OpStoreVarI32, u16b(sharedVar)...),
		op(OpRetVoid),
	)
	fnTask1 := bc(
		op(OpLoadConstI32, u16b(1)...), // 7
		op(OpStoreVarI32, u16b(sharedVar)...),
		op(OpRetVoid),
	)
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		numVariables:  1,
		sharedGlobals: 1,
		constants: []constPoolEntry{
			{tag: ConstTagI32, payload: i32bytes(100)},
			{tag: ConstTagI32, payload: i32bytes(7)},
		},
		tasks: []TaskEntry{
			{TaskID: 0, Priority: 5, TaskType: TaskFreewheeling, Enabled: true},
			{TaskID: 1, Priority: 1, TaskType: TaskFreewheeling, Enabled: true},
		},
		instances: []ProgramInstanceEntry{
			{InstanceID: 0, TaskID: 0, EntryFunctionID: 0},
			{InstanceID: 1, TaskID: 1, EntryFunctionID: 1},
		},
		functions: []funcBody{
			{id: 0, bytecode: fnTask0},
			{id: 1, bytecode: fnTask1},
		},
	})
	vm := newSchedulerTestVM(t, buf)
	if _, err := vm.RunRound(0); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	tasks := vm.Scheduler().Tasks()
	if tasks[0].ScanCount != 1 || tasks[1].ScanCount != 1 {
		t.Errorf("expected both tasks to run once, got %+v", tasks)
	}

	raw, ok := vm.execCfg.Variables.LoadRaw(sharedVar)
	if !ok {
		t.Fatal("shared variable missing after round")
	}
	if got := DecodeI32(raw); got != 100 {
		t.Errorf("shared variable: got %d, want 100 (task 0, priority 5, must run last and win)", got)
	}
}

// steppingClock advances by a fixed amount on every reading, so a test can
// make wall-clock time appear to pass during a scan without sleeping.
type steppingClock struct {
	us   int64
	step int64
}

func (c *steppingClock) NowUs() int64 {
	v := c.us
	c.us += c.step
	return v
}

func u32b(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// TestSchedulerWatchdogAfterSlowTask is spec §8 scenario 6: a task whose
// body takes longer wall-clock than its watchdog budget faults the VM.
func TestSchedulerWatchdogAfterSlowTask(t *testing.T) {
	bytecode := bc(op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks: []TaskEntry{{
			TaskID: 3, TaskType: TaskFreewheeling, WatchdogUs: 1000, Enabled: true,
		}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 3}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	// Every clock reading advances 2000us, so the start/end pair around the
	// task's execute straddles twice the 1000us watchdog budget.
	vm := NewVm(WithClockSource(&steppingClock{step: 2000}))
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := vm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trap, err := vm.RunRound(0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if trap == nil || trap.Kind != TrapWatchdogTimeout {
		t.Fatalf("expected WatchdogTimeout trap, got %v", trap)
	}
	if vm.State() != VMFaulted {
		t.Fatalf("post-watchdog state: got %v, want FAULTED", vm.State())
	}
	if got := vm.FaultTaskID(); got != 3 {
		t.Errorf("FaultTaskID: got %d, want 3", got)
	}
}

// TestSchedulerWatchdogFiresMidExecute pins the in-flight check at backward
// jumps: a tight bytecode loop must be cut short by the watchdog rather
// than spinning forever.
func TestSchedulerWatchdogFiresMidExecute(t *testing.T) {
	bytecode := bc(
		op(OpNop),              // offset 0
		op(OpJmp, u32b(0)...),  // offset 1: backward jump, watchdog checked
		op(OpRetVoid),          // unreachable terminator
	)
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks: []TaskEntry{{
			TaskID: 0, TaskType: TaskFreewheeling, WatchdogUs: 1000, Enabled: true,
		}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := NewVm(WithClockSource(&steppingClock{step: 1000}))
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := vm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trap, err := vm.RunRound(0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if trap == nil || trap.Kind != TrapWatchdogTimeout {
		t.Fatalf("expected WatchdogTimeout from backward-jump check, got %v", trap)
	}
}

// TestSchedulerFaultOutputZero exercises fault_output_mode == zero: a trap
// mid-round must leave the output staging buffer zeroed rather than holding
// the half-written bytes from the trapping scan.
func TestSchedulerFaultOutputZero(t *testing.T) {
	bytecode := bc(
		op(OpLoadConstI32, u16b(0)...), // 0x7F
		op(OpStoreOutputByte, u16b(0)...),
		op(OpLoadConstI32, u16b(0)...),
		op(OpLoadConstI32, u16b(1)...), // 0
		op(OpDivI32),                   // traps
		op(OpRetVoid),
	)
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth:    8,
		maxCallDepth:     4,
		outputImageBytes: 2,
		constants: []constPoolEntry{
			{tag: ConstTagI32, payload: i32bytes(0x7F)},
			{tag: ConstTagI32, payload: i32bytes(0)},
		},
		tasks:     []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := NewVm(WithFaultOutputMode(FaultOutputZero))
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := vm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	trap, err := vm.RunRound(0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if trap == nil || trap.Kind != TrapDivideByZero {
		t.Fatalf("expected DivideByZero trap, got %v", trap)
	}
	for i, b := range vm.ProcessImage().Output {
		if b != 0 {
			t.Fatalf("output byte %d not zeroed after trap: %v", i, vm.ProcessImage().Output)
		}
	}
}
