package ironplcvm

import "testing"

func simpleVMBuf(t *testing.T, bytecode []byte) []byte {
	t.Helper()
	return buildContainer(t, buildContainerOpts{
		maxStackDepth: 8,
		maxCallDepth:  4,
		numVariables:  1,
		sharedGlobals: 1,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0, VarTableCount: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})
}

func TestVmLifecycleHappyPath(t *testing.T) {
	buf := simpleVMBuf(t, bc(op(OpRetVoid)))
	vm := NewVm()
	if vm.State() != VMEmpty {
		t.Fatalf("new VM state: got %v, want EMPTY", vm.State())
	}
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if vm.State() != VMReady {
		t.Fatalf("post-Load state: got %v, want READY", vm.State())
	}
	if err := vm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if vm.State() != VMRunning {
		t.Fatalf("post-Start state: got %v, want RUNNING", vm.State())
	}
	if trap, err := vm.RunRound(0); err != nil || trap != nil {
		t.Fatalf("RunRound: err=%v trap=%v", err, trap)
	}
	if err := vm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if vm.State() != VMStopped {
		t.Fatalf("post-Stop state: got %v, want STOPPED", vm.State())
	}
	if _, ok := vm.ReadVariable(0); !ok {
		t.Errorf("ReadVariable should succeed once STOPPED")
	}
}

func TestVmRejectsOperationsInWrongState(t *testing.T) {
	vm := NewVm()
	if err := vm.Start(); err != errWrongState {
		t.Errorf("Start on EMPTY: got %v, want errWrongState", err)
	}
	if _, err := vm.RunRound(0); err != errWrongState {
		t.Errorf("RunRound on EMPTY: got %v, want errWrongState", err)
	}
	if _, ok := vm.ReadVariable(0); ok {
		t.Errorf("ReadVariable on EMPTY should fail")
	}
}

func TestVmFaultAndRestart(t *testing.T) {
	// DIV_I32 by a zero constant traps every round.
	bytecode := bc(
		op(OpLoadConstI32, u16b(0)...),
		op(OpLoadConstI32, u16b(1)...),
		op(OpDivI32),
		op(OpStoreVarI32, u16b(0)...),
		op(OpRetVoid),
	)
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 8,
		maxCallDepth:  4,
		numVariables:  1,
		sharedGlobals: 1,
		constants: []constPoolEntry{
			{tag: ConstTagI32, payload: i32bytes(5)},
			{tag: ConstTagI32, payload: i32bytes(0)},
		},
		tasks:     []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0, VarTableCount: 1}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	vm := NewVm()
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
	if vm.State() != VMFaulted {
		t.Fatalf("post-trap state: got %v, want FAULTED", vm.State())
	}
	if vm.Trap() == nil || vm.Trap().Kind != TrapDivideByZero {
		t.Errorf("Trap() did not record the fault")
	}
	if _, ok := vm.ReadVariable(0); !ok {
		t.Errorf("ReadVariable should succeed once FAULTED")
	}

	if err := vm.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if vm.State() != VMRunning {
		t.Fatalf("post-Restart state: got %v, want RUNNING", vm.State())
	}
	if v, _ := vm.execCfg.Variables.LoadRaw(0); DecodeI32(v) != 0 {
		t.Errorf("Restart should have zeroed variable state, got %d", DecodeI32(v))
	}
}

func TestVmLoadRejectsBadContainer(t *testing.T) {
	vm := NewVm()
	if err := vm.Load(make([]byte, HeaderSize)); err == nil {
		t.Fatal("expected load error for bad magic")
	}
	if vm.State() != VMStopped {
		t.Fatalf("post-failed-load state: got %v, want STOPPED", vm.State())
	}
	if vm.LoadError() == nil {
		t.Errorf("LoadError() should be set after a failed load")
	}
}

func TestVmMaxRAMBytesRejectsOversizedContainer(t *testing.T) {
	buf := simpleVMBuf(t, bc(op(OpRetVoid)))
	vm := NewVm(WithMaxRAMBytes(1))
	err := vm.Load(buf)
	if err == nil {
		t.Fatal("expected ResourceBudgetExceeded error")
	}
	lerr, ok := err.(*LoadError)
	if !ok || lerr.Kind != ErrResourceBudgetExceeded {
		t.Errorf("expected ErrResourceBudgetExceeded, got %v", err)
	}
}

func TestVmWithWatchdogUsSetsSchedulerDefault(t *testing.T) {
	buf := simpleVMBuf(t, bc(op(OpRetVoid)))
	vm := NewVm(WithWatchdogUs(5000))
	if err := vm.Load(buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := vm.Scheduler().DefaultWatchdogUs; got != 5000 {
		t.Errorf("DefaultWatchdogUs: got %d, want 5000 (WithWatchdogUs must reach the scheduler)", got)
	}
}

func TestVmVerifySignatureOnlySkipsStaticVerifier(t *testing.T) {
	// A function with an undefined trailing opcode byte would normally be
	// rejected by Verify; VerifySignatureOnly must admit it to READY.
	bytecode := []byte{0xFF}
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 4,
		maxCallDepth:  4,
		tasks:         []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances:     []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions:     []funcBody{{id: 0, bytecode: bytecode}},
	})

	strict := NewVm()
	if err := strict.Load(buf); err == nil {
		t.Fatal("expected default VerifyOnDevice mode to reject undefined opcode")
	}

	lenient := NewVm(WithVerificationMode(VerifySignatureOnly))
	if err := lenient.Load(buf); err != nil {
		t.Fatalf("VerifySignatureOnly should skip the static verifier: %v", err)
	}
	if lenient.State() != VMReady {
		t.Fatalf("post-Load state: got %v, want READY", lenient.State())
	}
}
