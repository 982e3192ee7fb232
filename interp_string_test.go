package ironplcvm

import "testing"

// strTestState wires an ExecState whose string pools have two STRING
// variable buffers and two temps, independent of the container header
// (buildContainer leaves the string sizing fields zero).
func strTestState(c *Container) *ExecState {
	return &ExecState{
		Container:    c,
		Stack:        NewOperandStack(16),
		Variables:    NewVariableTable(1),
		FB:           NewFBInstanceTable(1, 1),
		Strings:      NewStringBuffers(testHeaderForStrings()),
		Image:        NewProcessImage(0, 0, 0),
		MaxCallDepth: 4,
		Overflow:     OverflowWrap,
	}
}

// TestExecuteStrConcatStoreVar drives the compiler's canonical string
// sequence end to end: concat two variable buffers into a temp, persist
// the temp via STR_STORE_VAR, and confirm the temp is released again when
// the function returns.
func TestExecuteStrConcatStoreVar(t *testing.T) {
	bytecode := bc(
		op(OpLoadConstI32, u16b(0)...), // buf_idx 0
		op(OpLoadConstI32, u16b(1)...), // buf_idx 1
		op(OpStrConcat),
		op(OpStrStoreVar, u16b(0)...),
		op(OpRetVoid),
	)
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 8,
		maxCallDepth:  4,
		constants: []constPoolEntry{
			{tag: ConstTagI32, payload: i32bytes(0)},
			{tag: ConstTagI32, payload: i32bytes(1)},
		},
		tasks:     []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	c, lerr := Load(buf)
	if lerr != nil {
		t.Fatalf("Load: %v", lerr)
	}
	st := strTestState(c)
	st.Strings.StrSet(0, []byte("foo"))
	st.Strings.StrSet(1, []byte("bar"))

	if trap := Execute(st, 0, VariableScope{}); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	got, _ := st.Strings.StrBytes(0)
	if string(got) != "foobar" {
		t.Errorf("STR_CONCAT result: got %q, want %q", got, "foobar")
	}
	if mark := st.Strings.StrTempWatermark(); mark != 0 {
		t.Errorf("temp watermark not released at function return: %d", mark)
	}
}

// TestExecuteStrPoolExhaustion acquires more temps in one scope than the
// pool holds (two): the third STR_CONCAT must trap.
func TestExecuteStrPoolExhaustion(t *testing.T) {
	concat := []byte{
		byte(OpLoadConstI32), 0, 0,
		byte(OpLoadConstI32), 1, 0,
		byte(OpStrConcat),
		byte(OpStrStoreVar), 1, 0, // keep stack balanced, temps stay acquired
	}
	bytecode := bc(concat, concat, concat, op(OpRetVoid))
	buf := buildContainer(t, buildContainerOpts{
		maxStackDepth: 8,
		maxCallDepth:  4,
		constants: []constPoolEntry{
			{tag: ConstTagI32, payload: i32bytes(0)},
			{tag: ConstTagI32, payload: i32bytes(1)},
		},
		tasks:     []TaskEntry{{TaskID: 0, TaskType: TaskFreewheeling, Enabled: true}},
		instances: []ProgramInstanceEntry{{InstanceID: 0, TaskID: 0}},
		functions: []funcBody{{id: 0, bytecode: bytecode}},
	})
	c, lerr := Load(buf)
	if lerr != nil {
		t.Fatalf("Load: %v", lerr)
	}
	st := strTestState(c)
	st.Strings.StrSet(0, []byte("a"))
	st.Strings.StrSet(1, []byte("b"))

	trap := Execute(st, 0, VariableScope{})
	if trap == nil || trap.Kind != TrapStringPoolExhausted {
		t.Fatalf("expected StringPoolExhausted on third acquire, got %v", trap)
	}
}
