// slot.go - Uniform 8-byte value carrier for the IronPLC VM
//
// License: GPLv3 or later

package ironplcvm

import (
	"encoding/binary"
	"math"
)

// SlotSize is the fixed width, in bytes, of every Slot. It is identical
// across the operand stack, the variable table and FB instance fields so
// that a single addressing scheme (base + index*SlotSize) works everywhere.
const SlotSize = 8

// Slot is a uniform 8-byte value carrier. It holds exactly one scalar value
// at a time: I32/U32 (low 4 bytes, the upper 4 sign/zero-extended per the
// value's signedness), I64/U64, F32/F64 (IEEE 754, little-endian), or a
// 16-bit buffer/instance reference in the low 2 bytes.
//
// The bit layout is little-endian and therefore endian-stable: two hosts of
// different native endianness decode the same Slot bytes to the same value.
type Slot [SlotSize]byte

// ZeroSlot is the zero-valued slot, used to initialize variable and FB
// instance memory.
var ZeroSlot Slot

// EncodeI32 packs a signed 32-bit value into a Slot, sign-extending into the
// upper 4 bytes.
func EncodeI32(v int32) Slot {
	var s Slot
	binary.LittleEndian.PutUint64(s[:], uint64(int64(v)))
	return s
}

// DecodeI32 unpacks a signed 32-bit value from a Slot, truncating the upper
// 4 bytes.
func DecodeI32(s Slot) int32 {
	return int32(binary.LittleEndian.Uint64(s[:]))
}

// EncodeU32 packs an unsigned 32-bit value into a Slot, zero-extending into
// the upper 4 bytes.
func EncodeU32(v uint32) Slot {
	var s Slot
	binary.LittleEndian.PutUint64(s[:], uint64(v))
	return s
}

// DecodeU32 unpacks an unsigned 32-bit value from a Slot.
func DecodeU32(s Slot) uint32 {
	return uint32(binary.LittleEndian.Uint64(s[:]))
}

// EncodeI64 packs a signed 64-bit value into a Slot.
func EncodeI64(v int64) Slot {
	var s Slot
	binary.LittleEndian.PutUint64(s[:], uint64(v))
	return s
}

// DecodeI64 unpacks a signed 64-bit value from a Slot.
func DecodeI64(s Slot) int64 {
	return int64(binary.LittleEndian.Uint64(s[:]))
}

// EncodeU64 packs an unsigned 64-bit value into a Slot.
func EncodeU64(v uint64) Slot {
	var s Slot
	binary.LittleEndian.PutUint64(s[:], v)
	return s
}

// DecodeU64 unpacks an unsigned 64-bit value from a Slot.
func DecodeU64(s Slot) uint64 {
	return binary.LittleEndian.Uint64(s[:])
}

// EncodeF32 packs a 32-bit float into a Slot. The upper 4 bytes are zeroed;
// a Slot holding an F32 is never reinterpreted as an F64.
func EncodeF32(v float32) Slot {
	var s Slot
	binary.LittleEndian.PutUint32(s[0:4], math.Float32bits(v))
	return s
}

// DecodeF32 unpacks a 32-bit float from a Slot.
func DecodeF32(s Slot) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(s[0:4]))
}

// EncodeF64 packs a 64-bit float into a Slot.
func EncodeF64(v float64) Slot {
	var s Slot
	binary.LittleEndian.PutUint64(s[:], math.Float64bits(v))
	return s
}

// DecodeF64 unpacks a 64-bit float from a Slot.
func DecodeF64(s Slot) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(s[:]))
}

// EncodeBufIdx packs a 16-bit string-buffer index into a Slot's low 2 bytes.
func EncodeBufIdx(idx uint16) Slot {
	var s Slot
	binary.LittleEndian.PutUint16(s[0:2], idx)
	return s
}

// DecodeBufIdx unpacks a 16-bit string-buffer index from a Slot.
func DecodeBufIdx(s Slot) uint16 {
	return binary.LittleEndian.Uint16(s[0:2])
}

// EncodeFBRef packs a 16-bit FB instance reference into a Slot's low 2
// bytes. buf_idx and fb_ref share the same physical encoding; the opcode
// that consumes the Slot determines which index space it names.
func EncodeFBRef(ref uint16) Slot {
	return EncodeBufIdx(ref)
}

// DecodeFBRef unpacks a 16-bit FB instance reference from a Slot.
func DecodeFBRef(s Slot) uint16 {
	return DecodeBufIdx(s)
}
