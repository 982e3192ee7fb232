// container.go - Zero-copy borrowed view over an .iplc byte buffer
//
// License: GPLv3 or later

package ironplcvm

import (
	"crypto/sha256"
	"encoding/binary"
)

// Constant pool type tags (one byte, prefixing each entry).
const (
	ConstTagI32 byte = iota
	ConstTagU32
	ConstTagI64
	ConstTagU64
	ConstTagF32
	ConstTagF64
	ConstTagString
	ConstTagWString
)

// TaskType classifies how a task becomes ready to run (spec §3 TaskEntry).
type TaskType byte

const (
	TaskCyclic TaskType = iota
	TaskEvent
	TaskFreewheeling
)

func (t TaskType) String() string {
	switch t {
	case TaskCyclic:
		return "Cyclic"
	case TaskEvent:
		return "Event"
	case TaskFreewheeling:
		return "Freewheeling"
	default:
		return "Unknown"
	}
}

// taskEntrySize and programInstanceEntrySize are the fixed on-disk widths
// named in spec §6: TaskEntry is 32 bytes, ProgramInstanceEntry is 16 bytes.
const (
	taskEntrySize           = 32
	programInstanceEntrySize = 16
)

// TaskEntry is the immutable, compiler-emitted declaration of one task, as
// read from the container's task table. Runtime bookkeeping (next_due_us,
// scan_count, ...) lives in the separate, mutable TaskState (scheduler.go).
type TaskEntry struct {
	TaskID       uint16
	Priority     byte
	TaskType     TaskType
	IntervalUs   uint32
	WatchdogUs   uint32
	Enabled      bool
	SingleVarIdx uint16
}

// ProgramInstanceEntry is one compiled program instantiation, as read from
// the container's task table.
type ProgramInstanceEntry struct {
	InstanceID       uint16
	TaskID           uint16
	EntryFunctionID  uint16
	VarTableOffset   uint16
	VarTableCount    uint16
	FBInstanceOffset uint16
	FBInstanceCount  uint16
}

// FunctionEntry indexes one function body within the code section.
type FunctionEntry struct {
	FunctionID     uint16
	MaxStackDepth  uint16
	NumLocals      uint16
	BytecodeOffset uint32 // offset within the whole container buffer
	BytecodeLength uint32
}

// constantEntry indexes one constant pool entry: its type tag and the
// offset/length of its payload within the container buffer.
type constantEntry struct {
	Tag    byte
	Offset uint32
	Length uint32
}

// Container is an immutable, borrowed view over a contiguous .iplc byte
// buffer. Once constructed the underlying bytes are never mutated; every
// accessor reads directly from the slice (zero-copy), matching spec §4.2's
// "the container stores only offsets and lengths" requirement. This also
// makes Container trivially safe to share as a read-only view over a
// memory-mapped or flash-resident buffer on embedded targets.
type Container struct {
	buf    []byte
	Header Header

	NumTasks           uint16
	NumProgramInstances uint16
	SharedGlobalsSize  uint16
	Tasks              []TaskEntry
	Instances          []ProgramInstanceEntry

	constants []constantEntry
	functions map[uint16]FunctionEntry
}

// Load validates an .iplc byte buffer and returns a Container borrowing it.
// It performs, in order: header parse (readHeader), section-directory
// bounds checks, task-table parse and internal consistency checks, a
// single linear scan of the constant pool to build its offset index, a
// single linear scan of the code section to build the function index, and
// -- if flags.has_content_signature is set -- a SHA-256 content hash
// verification. See errors.go for the LoadError taxonomy.
func Load(buf []byte) (*Container, *LoadError) {
	h, lerr := readHeader(buf)
	if lerr != nil {
		return nil, lerr
	}

	for _, s := range []sectionRef{
		h.SignatureSection, h.DebugSignatureSection, h.TypeSection,
		h.TaskTableSection, h.ConstantPoolSection, h.CodeSection, h.DebugSection,
	} {
		if !checkBounds(buf, s) {
			return nil, newLoadError(ErrSectionOutOfBounds, "section extends past end of buffer")
		}
	}

	c := &Container{buf: buf, Header: h, functions: make(map[uint16]FunctionEntry)}

	if lerr := c.parseTaskTable(); lerr != nil {
		return nil, lerr
	}
	if lerr := c.scanConstantPool(); lerr != nil {
		return nil, lerr
	}
	if lerr := c.scanCodeSection(); lerr != nil {
		return nil, lerr
	}
	if h.HasContentSignature() {
		if lerr := c.verifyContentHash(); lerr != nil {
			return nil, lerr
		}
	}

	return c, nil
}

func (c *Container) verifyContentHash() *LoadError {
	sum := sha256.Sum256(c.buf[HeaderSize:])
	if sum != c.Header.ContentHash {
		return newLoadError(ErrHashMismatch, "content_hash does not match computed SHA-256")
	}
	return nil
}

func (c *Container) parseTaskTable() *LoadError {
	s := c.Header.TaskTableSection
	if s.Size == 0 {
		return nil
	}
	buf := c.buf[s.Offset : s.Offset+s.Size]
	if len(buf) < 6 {
		return newLoadError(ErrTruncatedSection, "task table shorter than its own header")
	}

	c.NumTasks = binary.LittleEndian.Uint16(buf[0:2])
	c.NumProgramInstances = binary.LittleEndian.Uint16(buf[2:4])
	c.SharedGlobalsSize = binary.LittleEndian.Uint16(buf[4:6])

	off := 6
	need := off + int(c.NumTasks)*taskEntrySize + int(c.NumProgramInstances)*programInstanceEntrySize
	if need > len(buf) {
		return newLoadError(ErrTruncatedSection, "task table entries extend past section size")
	}

	c.Tasks = make([]TaskEntry, c.NumTasks)
	knownTaskIDs := make(map[uint16]bool, c.NumTasks)
	for i := 0; i < int(c.NumTasks); i++ {
		e := buf[off : off+taskEntrySize]
		off += taskEntrySize

		te := TaskEntry{
			TaskID:       binary.LittleEndian.Uint16(e[0:2]),
			Priority:     e[2],
			TaskType:     TaskType(e[3]),
			IntervalUs:   binary.LittleEndian.Uint32(e[4:8]),
			WatchdogUs:   binary.LittleEndian.Uint32(e[8:12]),
			Enabled:      e[12] != 0,
			SingleVarIdx: binary.LittleEndian.Uint16(e[14:16]),
		}
		// Reserved per-task I/O image fields (offsets 16-31) are reserved
		// for a future preemptive variant (spec §9 Open Questions); v1
		// readers must reject non-zero values.
		for _, b := range e[16:32] {
			if b != 0 {
				return newLoadError(ErrTaskTableInconsistent, "reserved TaskEntry bytes must be zero in v1 containers")
			}
		}
		if te.TaskType > TaskFreewheeling {
			return newLoadError(ErrTaskTableInconsistent, "unknown task_type")
		}
		if te.TaskType == TaskEvent && te.SingleVarIdx >= c.SharedGlobalsSize {
			return newLoadError(ErrTaskTableInconsistent, "SINGLE trigger variable index outside shared globals")
		}
		knownTaskIDs[te.TaskID] = true
		c.Tasks[i] = te
	}

	c.Instances = make([]ProgramInstanceEntry, c.NumProgramInstances)
	seen := newRangeSet()
	for i := 0; i < int(c.NumProgramInstances); i++ {
		e := buf[off : off+programInstanceEntrySize]
		off += programInstanceEntrySize

		pi := ProgramInstanceEntry{
			InstanceID:       binary.LittleEndian.Uint16(e[0:2]),
			TaskID:           binary.LittleEndian.Uint16(e[2:4]),
			EntryFunctionID:  binary.LittleEndian.Uint16(e[4:6]),
			VarTableOffset:   binary.LittleEndian.Uint16(e[6:8]),
			VarTableCount:    binary.LittleEndian.Uint16(e[8:10]),
			FBInstanceOffset: binary.LittleEndian.Uint16(e[10:12]),
			FBInstanceCount:  binary.LittleEndian.Uint16(e[12:14]),
		}
		if !knownTaskIDs[pi.TaskID] {
			return newLoadError(ErrTaskTableInconsistent, "program instance references undefined task_id")
		}
		// VarTableOffset is relative to the start of the instance region,
		// which itself begins right after the shared-globals range.
		lo := uint32(c.SharedGlobalsSize) + uint32(pi.VarTableOffset)
		hi := lo + uint32(pi.VarTableCount)
		if !seen.addDisjoint(lo, hi) {
			return newLoadError(ErrTaskTableInconsistent, "program instance variable ranges overlap")
		}
		c.Instances[i] = pi
	}

	return nil
}

// rangeSet tracks non-overlapping [lo,hi) ranges to validate the spec's
// disjoint-variable-range invariant during load, when NumProgramInstances
// is small (typical PLC programs declare at most a few dozen instances);
// a linear scan is simpler than an interval tree and plenty fast here.
type rangeSet struct {
	ranges [][2]uint32
}

func newRangeSet() *rangeSet { return &rangeSet{} }

func (r *rangeSet) addDisjoint(lo, hi uint32) bool {
	for _, rg := range r.ranges {
		if lo < rg[1] && rg[0] < hi {
			return false
		}
	}
	r.ranges = append(r.ranges, [2]uint32{lo, hi})
	return true
}

func (c *Container) scanConstantPool() *LoadError {
	s := c.Header.ConstantPoolSection
	if s.Size == 0 {
		return nil
	}
	buf := c.buf[s.Offset : s.Offset+s.Size]

	off := uint32(0)
	for off < uint32(len(buf)) {
		if off+1 > uint32(len(buf)) {
			return newLoadError(ErrTruncatedConstantPool, "truncated entry tag")
		}
		tag := buf[off]
		off++

		var payloadLen uint32
		switch tag {
		case ConstTagI32, ConstTagU32, ConstTagF32:
			payloadLen = 4
		case ConstTagI64, ConstTagU64, ConstTagF64:
			payloadLen = 8
		case ConstTagString, ConstTagWString:
			if off+2 > uint32(len(buf)) {
				return newLoadError(ErrTruncatedConstantPool, "truncated string length prefix")
			}
			payloadLen = uint32(binary.LittleEndian.Uint16(buf[off : off+2]))
			off += 2
		default:
			return newLoadError(ErrTruncatedConstantPool, "unknown constant pool tag")
		}

		if off+payloadLen > uint32(len(buf)) {
			return newLoadError(ErrTruncatedConstantPool, "constant payload extends past pool")
		}

		c.constants = append(c.constants, constantEntry{
			Tag:    tag,
			Offset: s.Offset + off,
			Length: payloadLen,
		})
		off += payloadLen
	}
	return nil
}

func (c *Container) scanCodeSection() *LoadError {
	s := c.Header.CodeSection
	if s.Size == 0 {
		return nil
	}
	buf := c.buf[s.Offset : s.Offset+s.Size]

	off := uint32(0)
	for off < uint32(len(buf)) {
		if off+10 > uint32(len(buf)) {
			return newLoadError(ErrTruncatedSection, "truncated function header")
		}
		fn := FunctionEntry{
			FunctionID:    binary.LittleEndian.Uint16(buf[off : off+2]),
			MaxStackDepth: binary.LittleEndian.Uint16(buf[off+2 : off+4]),
			NumLocals:     binary.LittleEndian.Uint16(buf[off+4 : off+6]),
		}
		bclen := binary.LittleEndian.Uint32(buf[off+6 : off+10])
		off += 10
		if off+bclen > uint32(len(buf)) {
			return newLoadError(ErrTruncatedSection, "function bytecode extends past code section")
		}
		fn.BytecodeOffset = s.Offset + off
		fn.BytecodeLength = bclen
		c.functions[fn.FunctionID] = fn
		off += bclen
	}
	return nil
}

// Function looks up a function body by id.
func (c *Container) Function(id uint16) (FunctionEntry, bool) {
	fn, ok := c.functions[id]
	return fn, ok
}

// Bytecode returns the raw bytecode bytes for a function entry.
func (c *Container) Bytecode(fn FunctionEntry) []byte {
	return c.buf[fn.BytecodeOffset : fn.BytecodeOffset+fn.BytecodeLength]
}

// ConstantCount returns the number of constant pool entries indexed at load.
func (c *Container) ConstantCount() int { return len(c.constants) }

// ConstantTag returns the type tag of constant pool entry i.
func (c *Container) ConstantTag(i int) (byte, bool) {
	if i < 0 || i >= len(c.constants) {
		return 0, false
	}
	return c.constants[i].Tag, true
}

func (c *Container) constantPayload(i int) ([]byte, byte, bool) {
	if i < 0 || i >= len(c.constants) {
		return nil, 0, false
	}
	e := c.constants[i]
	return c.buf[e.Offset : e.Offset+e.Length], e.Tag, true
}

// ConstantI32 reads constant pool entry i as an I32, returning ok=false if
// the index is out of range or the entry is not tagged I32.
func (c *Container) ConstantI32(i int) (int32, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagI32 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(p)), true
}

// ConstantU32 reads constant pool entry i as a U32.
func (c *Container) ConstantU32(i int) (uint32, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagU32 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p), true
}

// ConstantI64 reads constant pool entry i as an I64.
func (c *Container) ConstantI64(i int) (int64, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagI64 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(p)), true
}

// ConstantU64 reads constant pool entry i as a U64.
func (c *Container) ConstantU64(i int) (uint64, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagU64 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(p), true
}

// ConstantF32 reads constant pool entry i as an F32.
func (c *Container) ConstantF32(i int) (float32, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagF32 {
		return 0, false
	}
	return DecodeF32(Slot{p[0], p[1], p[2], p[3], 0, 0, 0, 0}), true
}

// ConstantF64 reads constant pool entry i as an F64.
func (c *Container) ConstantF64(i int) (float64, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || tag != ConstTagF64 {
		return 0, false
	}
	var s Slot
	copy(s[:], p)
	return DecodeF64(s), true
}

// ConstantString reads constant pool entry i as raw STRING/WSTRING bytes.
func (c *Container) ConstantString(i int) ([]byte, bool) {
	p, tag, ok := c.constantPayload(i)
	if !ok || (tag != ConstTagString && tag != ConstTagWString) {
		return nil, false
	}
	return p, true
}

// Bytes exposes the raw borrowed buffer, for tooling (disassembly, hash
// verification from the CLI) that needs direct access.
func (c *Container) Bytes() []byte { return c.buf }
