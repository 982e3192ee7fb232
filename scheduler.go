// scheduler.go - Cooperative, priority-ordered task scheduler
//
// License: GPLv3 or later

package ironplcvm

import "sort"

// TaskState is the mutable runtime bookkeeping for one declared task,
// paired 1:1 with a container TaskEntry by index (spec §3). TaskEntry
// itself never changes after load; everything that changes scan-to-scan
// lives here.
type TaskState struct {
	Entry TaskEntry

	NextDueUs     int64
	ScanCount     uint64
	LastExecuteUs int64
	MaxExecuteUs  int64
	OverrunCount  uint64

	// SinglePrevValue is the last-observed value of the SINGLE trigger
	// variable, used to detect a rising edge (spec §3 TaskState, §4.8
	// step 1).
	SinglePrevValue int32
}

// Scheduler drives one cooperative scan round at a time: collecting ready
// tasks, ordering them by (priority, task_id), running each task's bound
// program instances through Execute, and updating overrun/watchdog
// bookkeeping. It owns no threads of its own (spec §5) -- the caller
// drives RunRound in a loop.
type Scheduler struct {
	tasks             []TaskState
	instances         []ProgramInstanceEntry
	sharedGlobalsSize uint16

	container *ExecConfig
	stopFlag  bool

	// FaultOutputMode controls what the external world sees in the
	// output region after a trapping round (spec §7): hold leaves the
	// last successfully flushed bytes in place (the default, safe for
	// industrial applications); zero clears the staging buffer so a
	// later successful flush cannot expose stale pre-fault data.
	FaultOutputMode FaultOutputMode

	// diag is nil-safe (see diagnostic.go); it logs overrun warnings as
	// they're detected, rate-limited when its logger was built with
	// category rate limits (NewJSONLogger's limits).
	diag *Diagnostics

	// DefaultWatchdogUs is the VM-wide watchdog budget (WithWatchdogUs)
	// applied to any task whose own TaskEntry.WatchdogUs is 0; a non-zero
	// per-task watchdog always takes precedence (spec §6 VM configuration).
	DefaultWatchdogUs int64
}

// FaultOutputMode selects what happens to the output staging buffer when
// a round traps (spec §6 VM configuration).
type FaultOutputMode int

const (
	FaultOutputHold FaultOutputMode = iota
	FaultOutputZero
)

// ExecConfig bundles the shared runtime memory every task's Execute call
// touches: one Scheduler serves every task bound to a single VM instance,
// so this is constructed once at READY and reused every round.
type ExecConfig struct {
	Container *Container
	Stack     *OperandStack
	Variables *VariableTable
	FB        *FBInstanceTable
	Strings   *StringBuffers
	Image     *ProcessImage
	Overflow  OverflowPolicy
	MaxCallDepth int

	// activeWatchdogUs is the budget for the task instance currently executing;
	// RunRound sets it before each task's Execute calls and the per-call
	// WatchdogCheck closure reads it.
	activeWatchdogUs int64
	activeStartNs    int64
	clock            ClockSource
}

// NewScheduler constructs a Scheduler from a container's task table and
// the shared execution memory (spec §4.8's "constructed from the
// container's task table during start()").
func NewScheduler(c *Container, cfg *ExecConfig) *Scheduler {
	s := &Scheduler{
		instances:         c.Instances,
		sharedGlobalsSize: c.SharedGlobalsSize,
		container:         cfg,
	}
	s.tasks = make([]TaskState, len(c.Tasks))
	for i, te := range c.Tasks {
		s.tasks[i] = TaskState{Entry: te}
	}
	return s
}

// Tasks exposes the current task bookkeeping, read-only, for the
// diagnostic surface.
func (s *Scheduler) Tasks() []TaskState { return s.tasks }

// RequestStop sets the cooperative stop flag, checked between rounds by
// the caller (spec §5's "external code requests a graceful stop by
// setting a shared atomic flag").
func (s *Scheduler) RequestStop() { s.stopFlag = true }

// StopRequested reports whether RequestStop has been called.
func (s *Scheduler) StopRequested() bool { return s.stopFlag }

// Reset zero-fills runtime bookkeeping for every task, used when
// restarting from FAULTED (the task table entries themselves are
// immutable and are not touched).
func (s *Scheduler) Reset() {
	for i := range s.tasks {
		s.tasks[i] = TaskState{Entry: s.tasks[i].Entry}
	}
	s.stopFlag = false
}

// RunRound executes one scan round at the given monotonic time and
// returns the trap, if any, that aborted it (spec §4.8). The caller is
// responsible for advancing currentTimeUs and for deciding how to sleep
// between rounds; RunRound itself never blocks.
func (s *Scheduler) RunRound(currentTimeUs int64, clock ClockSource) (ranAny bool, trap *Trap, faultedTask, faultedInstance uint16) {
	ready := s.collectReady(currentTimeUs)
	sort.Slice(ready, func(i, j int) bool {
		a, b := &s.tasks[ready[i]], &s.tasks[ready[j]]
		if a.Entry.Priority != b.Entry.Priority {
			return a.Entry.Priority < b.Entry.Priority
		}
		return a.Entry.TaskID < b.Entry.TaskID
	})

	for _, idx := range ready {
		ranAny = true
		ts := &s.tasks[idx]

		s.container.activeWatchdogUs = s.effectiveWatchdogUs(ts)
		s.container.activeStartNs = nowNsFor(clock)
		s.container.clock = clock

		// INPUT_FREEZE: in this hosted implementation the caller has
		// already copied the physical input into Image.Input before
		// calling RunRound (spec §4.8 step 3's stub note); there is
		// nothing further to do here beyond marking the boundary.

		var roundTrap *Trap
		for _, pi := range s.instances {
			if pi.TaskID != ts.Entry.TaskID {
				continue
			}
			scope := ScopeFor(s.sharedGlobalsSize, pi)
			est := &ExecState{
				Container:    s.container.Container,
				Stack:        s.container.Stack,
				Variables:    s.container.Variables,
				FB:           s.container.FB,
				Strings:      s.container.Strings,
				Image:        s.container.Image,
				MaxCallDepth: s.container.MaxCallDepth,
				Overflow:     s.container.Overflow,
				CurrentTimeUs: currentTimeUs,
				WatchdogCheck: func() bool { return s.checkWatchdog() },
			}
			if t := Execute(est, pi.EntryFunctionID, scope); t != nil {
				t.TaskID = ts.Entry.TaskID
				t.InstanceID = pi.InstanceID
				t.ScanCount = ts.ScanCount
				roundTrap = t
				break
			}
		}

		if roundTrap != nil {
			if s.FaultOutputMode == FaultOutputZero {
				s.container.Image.ZeroOutput()
			}
			elapsed := (nowNsFor(clock) - s.container.activeStartNs) / 1000
			ts.LastExecuteUs = elapsed
			if elapsed > ts.MaxExecuteUs {
				ts.MaxExecuteUs = elapsed
			}
			ts.ScanCount++
			return ranAny, roundTrap, ts.Entry.TaskID, roundTrap.InstanceID
		}

		// OUTPUT_FLUSH happens implicitly: the staging buffer (Image.Output)
		// is already the externally visible state the caller reads after
		// RunRound returns without a trap; there is no separate copy step
		// in this in-process hosted model (see DESIGN.md).

		elapsed := (nowNsFor(clock) - s.container.activeStartNs) / 1000
		ts.LastExecuteUs = elapsed
		if elapsed > ts.MaxExecuteUs {
			ts.MaxExecuteUs = elapsed
		}
		ts.ScanCount++

		if wd := s.effectiveWatchdogUs(ts); wd > 0 && elapsed > wd {
			t := NewTrap(TrapWatchdogTimeout, 0, 0)
			t.TaskID = ts.Entry.TaskID
			t.ScanCount = ts.ScanCount
			return ranAny, &t, ts.Entry.TaskID, 0
		}

		if ts.Entry.TaskType == TaskCyclic {
			ts.NextDueUs += int64(ts.Entry.IntervalUs)
			if ts.NextDueUs <= currentTimeUs {
				ts.OverrunCount++
				ts.NextDueUs = currentTimeUs + int64(ts.Entry.IntervalUs)
				s.diag.logOverrun(ts.Entry.TaskID, ts.OverrunCount, ts.NextDueUs)
			}
		}
	}

	return ranAny, nil, 0, 0
}

// effectiveWatchdogUs resolves the watchdog budget for ts: its own
// per-task WatchdogUs if set, else the scheduler-wide DefaultWatchdogUs.
func (s *Scheduler) effectiveWatchdogUs(ts *TaskState) int64 {
	if ts.Entry.WatchdogUs > 0 {
		return int64(ts.Entry.WatchdogUs)
	}
	return s.DefaultWatchdogUs
}

// checkWatchdog is invoked by Execute at backward jumps and call entries
// (spec §4.6, §5). It reports false -- triggering an immediate
// TrapWatchdogTimeout -- once the active task's wall-clock budget is
// exceeded, bounding detection latency without per-instruction overhead.
func (s *Scheduler) checkWatchdog() bool {
	if s.container.activeWatchdogUs <= 0 || s.container.clock == nil {
		return true
	}
	elapsedUs := (nowNsFor(s.container.clock) - s.container.activeStartNs) / 1000
	return elapsedUs <= s.container.activeWatchdogUs
}

func nowNsFor(clock ClockSource) int64 {
	// Watchdog timing queries the clock directly here (rather than reusing
	// the once-per-round currentTimeUs snapshot passed into Execute), so a
	// clock that advances on every read (scheduler_test.go's steppingClock)
	// exercises the watchdog deterministically within one round. The
	// reading keeps the clock's microsecond resolution, scaled to ns.
	return clock.NowUs() * 1000
}

// collectReady returns the indices (into s.tasks) of every task that is
// ready to run this round, per spec §4.8 step 1: cyclic if due,
// freewheeling always, event tasks on a detected rising edge of their
// SINGLE trigger variable, skipping disabled tasks.
func (s *Scheduler) collectReady(currentTimeUs int64) []int {
	var ready []int
	for i := range s.tasks {
		ts := &s.tasks[i]
		if !ts.Entry.Enabled {
			continue
		}
		switch ts.Entry.TaskType {
		case TaskCyclic:
			if currentTimeUs >= ts.NextDueUs {
				ready = append(ready, i)
			}
		case TaskFreewheeling:
			ready = append(ready, i)
		case TaskEvent:
			v, ok := s.container.Variables.LoadRaw(ts.Entry.SingleVarIdx)
			if !ok {
				continue
			}
			cur := DecodeI32(v)
			if cur != 0 && ts.SinglePrevValue == 0 {
				ready = append(ready, i)
			}
			ts.SinglePrevValue = cur
		}
	}
	return ready
}

// NextWakeUs returns the earliest NextDueUs among enabled cyclic tasks, or
// ok=false if there are none (spec §4.8 step 5: "sleep until the earliest
// future next_due_us"). A caller whose task set is entirely freewheeling
// should not sleep at all; this is reported by the scheduler having no
// cyclic tasks, which is exactly when this returns ok=false.
func (s *Scheduler) NextWakeUs() (int64, bool) {
	var best int64
	found := false
	for _, ts := range s.tasks {
		if !ts.Entry.Enabled || ts.Entry.TaskType != TaskCyclic {
			continue
		}
		if !found || ts.NextDueUs < best {
			best = ts.NextDueUs
			found = true
		}
	}
	return best, found
}
