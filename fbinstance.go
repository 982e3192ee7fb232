// fbinstance.go - Function-block instance memory
//
// License: GPLv3 or later

package ironplcvm

// FBFieldStride is the fixed per-field width within an FB instance's
// memory, in slots. Every field occupies one 8-byte slot regardless of its
// logical size, so a field access is always base + field_index*SlotSize
// (spec §4.5) -- no per-type layout table is needed at run time.
const FBFieldStride = 1

// FBInstanceTable is contiguous per-instance field memory for all function
// block instances in the program, addressed by a 16-bit fb_ref. Nested FB
// instances occupy their own entries elsewhere in the same table and are
// referenced by fb_ref fields stored within their parent's fields.
type FBInstanceTable struct {
	slots  []Slot
	stride int // fields per instance; fixed for the whole table in this layout
}

// NewFBInstanceTable allocates a table for numInstances instances, each
// with up to fieldsPerInstance fields. totalFBInstanceBytes from the
// header, divided by SlotSize, bounds the total slot count; stride is the
// per-type field count, determined by the compiler's type descriptor and
// passed in here uniformly (a single table serves every FB type by taking
// the maximum field count, simplifying fb_ref*stride+offset addressing at
// the cost of some wasted memory -- acceptable given the scan-cycle memory
// budget is small and fixed).
func NewFBInstanceTable(numInstances, fieldsPerInstance int) *FBInstanceTable {
	return &FBInstanceTable{
		slots:  make([]Slot, numInstances*fieldsPerInstance),
		stride: fieldsPerInstance,
	}
}

// Stride returns the fixed field count per instance.
func (t *FBInstanceTable) Stride() int { return t.stride }

// NumInstances returns how many instances the table has room for.
func (t *FBInstanceTable) NumInstances() int {
	if t.stride == 0 {
		return 0
	}
	return len(t.slots) / t.stride
}

func (t *FBInstanceTable) index(fbRef uint16, fieldOffset uint16) (int, bool) {
	idx := int(fbRef)*t.stride + int(fieldOffset)
	if idx < 0 || idx >= len(t.slots) || int(fieldOffset) >= t.stride {
		return 0, false
	}
	return idx, true
}

// LoadField reads field fieldOffset of the instance referenced by fbRef.
func (t *FBInstanceTable) LoadField(fbRef, fieldOffset uint16) (Slot, bool) {
	idx, ok := t.index(fbRef, fieldOffset)
	if !ok {
		return Slot{}, false
	}
	return t.slots[idx], true
}

// StoreField writes field fieldOffset of the instance referenced by fbRef.
func (t *FBInstanceTable) StoreField(fbRef, fieldOffset uint16, v Slot) bool {
	idx, ok := t.index(fbRef, fieldOffset)
	if !ok {
		return false
	}
	t.slots[idx] = v
	return true
}

// Reset zero-fills every instance's fields, used on restart from FAULTED.
func (t *FBInstanceTable) Reset() {
	for i := range t.slots {
		t.slots[i] = ZeroSlot
	}
}
