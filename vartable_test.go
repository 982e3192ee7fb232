package ironplcvm

import "testing"

func TestVariableTableSharedGlobalsAlwaysVisible(t *testing.T) {
	vt := NewVariableTable(10)
	scope := VariableScope{SharedGlobalsSize: 2, InstanceOffset: 2, InstanceCount: 3}
	if !vt.Store(0, scope, EncodeI32(42)) {
		t.Fatal("shared global store should succeed")
	}
	v, ok := vt.Load(0, scope)
	if !ok || DecodeI32(v) != 42 {
		t.Fatalf("shared global load: got %v ok=%v", v, ok)
	}
}

func TestVariableTableInstanceRangeIsolation(t *testing.T) {
	vt := NewVariableTable(10)
	scopeA := VariableScope{SharedGlobalsSize: 0, InstanceOffset: 0, InstanceCount: 2}
	scopeB := VariableScope{SharedGlobalsSize: 0, InstanceOffset: 2, InstanceCount: 2}

	if !vt.Store(0, scopeA, EncodeI32(1)) {
		t.Fatal("store into A's own range should succeed")
	}
	if vt.Store(2, scopeA, EncodeI32(99)) {
		t.Error("store into B's range while scoped to A should fail")
	}
	if vt.Store(0, scopeB, EncodeI32(99)) {
		t.Error("store into A's range while scoped to B should fail")
	}
}

func TestVariableTableOutOfRangeIndex(t *testing.T) {
	vt := NewVariableTable(4)
	scope := VariableScope{SharedGlobalsSize: 4}
	if _, ok := vt.Load(100, scope); ok {
		t.Error("load beyond table length should fail")
	}
}

func TestScopeForComputesInstanceOffset(t *testing.T) {
	pi := ProgramInstanceEntry{VarTableOffset: 5, VarTableCount: 3}
	scope := ScopeFor(10, pi)
	if scope.InstanceOffset != 15 || scope.InstanceCount != 3 {
		t.Errorf("unexpected scope: %+v", scope)
	}
	if !scope.Contains(16) || scope.Contains(18) {
		t.Errorf("scope containment wrong: %+v", scope)
	}
}
