// disasm.go - Structured disassembly output for tooling
//
// License: GPLv3 or later

package ironplcvm

import (
	"encoding/binary"
	"fmt"
)

// DisasmHeader mirrors the scalar fields of the parsed container header
// (version, profile, flags and the resource counts), for a tooling-facing
// structured dump (spec §6 "Disassembly output"). The four 32-byte hashes
// and the section directory (offset/size pairs) are not included.
type DisasmHeader struct {
	FormatVersion    uint16
	Profile          byte
	Flags            byte
	MaxStackDepth    uint16
	MaxCallDepth     uint16
	NumVariables     uint16
	NumFBInstances   uint16
	TotalFBInstBytes uint32
	TotalStrVarBytes uint32
	TotalWStrVarBytes uint32
	NumTempStrBufs   uint16
	NumTempWStrBufs  uint16
	MaxStrLength     uint16
	MaxWStrLength    uint16
	NumFunctions     uint16
	NumFBTypes       uint16
	NumArrays        uint16
	InputImageBytes  uint16
	OutputImageBytes uint16
	MemoryImageBytes uint16
}

// DisasmConstant is one constant pool entry as rendered for tooling.
type DisasmConstant struct {
	Index int
	Type  string
	Value string
}

// DisasmInstruction is one decoded instruction within a function body.
type DisasmInstruction struct {
	Offset   uint32
	Opcode   string
	Operands []uint32
	Comment  string
}

// DisasmFunction is one function body's full disassembly.
type DisasmFunction struct {
	ID             uint16
	MaxStackDepth  uint16
	NumLocals      uint16
	BytecodeLength uint32
	Instructions   []DisasmInstruction
}

// Disassembly is the complete structured record spec §6 describes.
type Disassembly struct {
	Header    DisasmHeader
	Constants []DisasmConstant
	Functions []DisasmFunction
}

// Disassemble builds a structured Disassembly of c, suitable for JSON
// encoding by a CLI or editor-integration consumer. Unknown opcodes render
// as "UNKNOWN(0xNN)" rather than aborting the dump (spec §6).
func Disassemble(c *Container) Disassembly {
	h := c.Header
	d := Disassembly{
		Header: DisasmHeader{
			FormatVersion:      h.FormatVersion,
			Profile:            h.Profile,
			Flags:              h.Flags,
			MaxStackDepth:      h.MaxStackDepth,
			MaxCallDepth:       h.MaxCallDepth,
			NumVariables:       h.NumVariables,
			NumFBInstances:     h.NumFBInstances,
			TotalFBInstBytes:   h.TotalFBInstBytes,
			TotalStrVarBytes:   h.TotalStrVarBytes,
			TotalWStrVarBytes:  h.TotalWStrVarBytes,
			NumTempStrBufs:     h.NumTempStrBufs,
			NumTempWStrBufs:    h.NumTempWStrBufs,
			MaxStrLength:       h.MaxStrLength,
			MaxWStrLength:      h.MaxWStrLength,
			NumFunctions:       h.NumFunctions,
			NumFBTypes:         h.NumFBTypes,
			NumArrays:          h.NumArrays,
			InputImageBytes:    h.InputImageBytes,
			OutputImageBytes:   h.OutputImageBytes,
			MemoryImageBytes:   h.MemoryImageBytes,
		},
	}

	for i := 0; i < c.ConstantCount(); i++ {
		d.Constants = append(d.Constants, disassembleConstant(c, i))
	}

	for id, fn := range c.functions {
		d.Functions = append(d.Functions, disassembleFunction(c, id, fn))
	}

	return d
}

func disassembleConstant(c *Container, i int) DisasmConstant {
	tag, _ := c.ConstantTag(i)
	dc := DisasmConstant{Index: i}
	switch tag {
	case ConstTagI32:
		v, _ := c.ConstantI32(i)
		dc.Type, dc.Value = "I32", fmt.Sprintf("%d", v)
	case ConstTagU32:
		v, _ := c.ConstantU32(i)
		dc.Type, dc.Value = "U32", fmt.Sprintf("%d", v)
	case ConstTagI64:
		v, _ := c.ConstantI64(i)
		dc.Type, dc.Value = "I64", fmt.Sprintf("%d", v)
	case ConstTagU64:
		v, _ := c.ConstantU64(i)
		dc.Type, dc.Value = "U64", fmt.Sprintf("%d", v)
	case ConstTagF32:
		v, _ := c.ConstantF32(i)
		dc.Type, dc.Value = "F32", fmt.Sprintf("%g", v)
	case ConstTagF64:
		v, _ := c.ConstantF64(i)
		dc.Type, dc.Value = "F64", fmt.Sprintf("%g", v)
	case ConstTagString:
		v, _ := c.ConstantString(i)
		dc.Type, dc.Value = "STRING", string(v)
	case ConstTagWString:
		v, _ := c.ConstantString(i)
		dc.Type, dc.Value = "WSTRING", string(v)
	default:
		dc.Type, dc.Value = "UNKNOWN", ""
	}
	return dc
}

func disassembleFunction(c *Container, id uint16, fn FunctionEntry) DisasmFunction {
	df := DisasmFunction{
		ID:             id,
		MaxStackDepth:  fn.MaxStackDepth,
		NumLocals:      fn.NumLocals,
		BytecodeLength: fn.BytecodeLength,
	}
	bc := c.Bytecode(fn)
	offset := uint32(0)
	for offset < uint32(len(bc)) {
		op := Opcode(bc[offset])
		if !IsDefined(op) {
			df.Instructions = append(df.Instructions, DisasmInstruction{Offset: offset, Opcode: op.String()})
			offset++
			continue
		}
		size := OperandSize(op)
		if size < 0 || offset+1+uint32(size) > uint32(len(bc)) {
			df.Instructions = append(df.Instructions, DisasmInstruction{Offset: offset, Opcode: op.String()})
			offset++
			continue
		}
		inst := DisasmInstruction{Offset: offset, Opcode: op.String()}
		operand := bc[offset+1 : offset+1+uint32(size)]
		switch size {
		case 2:
			inst.Operands = []uint32{uint32(binary.LittleEndian.Uint16(operand))}
		case 4:
			inst.Operands = []uint32{binary.LittleEndian.Uint32(operand)}
		}
		if isConstOp(op) && len(inst.Operands) == 1 {
			if tag, ok := c.ConstantTag(int(inst.Operands[0])); ok {
				inst.Comment = fmt.Sprintf("pool[%d] (%s)", inst.Operands[0], constTagName(tag))
			}
		}
		df.Instructions = append(df.Instructions, inst)
		offset += 1 + uint32(size)
	}
	return df
}

func isConstOp(op Opcode) bool {
	switch op {
	case OpLoadConstI32, OpLoadConstU32, OpLoadConstI64, OpLoadConstU64, OpLoadConstF32, OpLoadConstF64:
		return true
	}
	return false
}

func constTagName(tag byte) string {
	switch tag {
	case ConstTagI32:
		return "I32"
	case ConstTagU32:
		return "U32"
	case ConstTagI64:
		return "I64"
	case ConstTagU64:
		return "U64"
	case ConstTagF32:
		return "F32"
	case ConstTagF64:
		return "F64"
	case ConstTagString:
		return "STRING"
	case ConstTagWString:
		return "WSTRING"
	default:
		return "UNKNOWN"
	}
}
