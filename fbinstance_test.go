package ironplcvm

import "testing"

func TestFBInstanceTableFieldAccess(t *testing.T) {
	tbl := NewFBInstanceTable(4, 8)
	if !tbl.StoreField(2, 3, EncodeI32(77)) {
		t.Fatal("store within bounds should succeed")
	}
	v, ok := tbl.LoadField(2, 3)
	if !ok || DecodeI32(v) != 77 {
		t.Fatalf("got %v ok=%v", v, ok)
	}
}

func TestFBInstanceTableOutOfBounds(t *testing.T) {
	tbl := NewFBInstanceTable(2, 4)
	if tbl.StoreField(10, 0, EncodeI32(1)) {
		t.Error("fb_ref beyond instance count should fail")
	}
	if tbl.StoreField(0, 10, EncodeI32(1)) {
		t.Error("field offset beyond stride should fail")
	}
}

func TestFBInstanceTableIsolationBetweenInstances(t *testing.T) {
	tbl := NewFBInstanceTable(3, 2)
	tbl.StoreField(0, 0, EncodeI32(1))
	tbl.StoreField(1, 0, EncodeI32(2))
	v0, _ := tbl.LoadField(0, 0)
	v1, _ := tbl.LoadField(1, 0)
	if DecodeI32(v0) != 1 || DecodeI32(v1) != 2 {
		t.Errorf("instances clobbered each other: v0=%d v1=%d", DecodeI32(v0), DecodeI32(v1))
	}
}
