// Copyright (c) 2024 The Capote Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package ir

import "fmt"

// -----------------------------------------------------------------------------
// Register Intermediate Language
//
// A three-operand register IL. Operands are uniformly registers even when they
// carry immediates: the immediate rides in Index with the global bank. The
// opcode set is closed and stable across both emitters; any change here must
// preserve the C and the asm backend.

// Reg addresses one 64-bit runtime stack slot. Global registers index the
// process-wide constant+global area; local registers are frame-relative.
// Local index 0 of a call frame always holds the return value slot.
type Reg struct {
	Index uint16
	Local bool
}

func GlobReg(index uint16) Reg { return Reg{Index: index} }

func LocReg(index uint16) Reg { return Reg{Index: index, Local: true} }

func (r Reg) String() string {
	if r.Local {
		return fmt.Sprintf("l%d", r.Index)
	}
	return fmt.Sprintf("g%d", r.Index)
}

type OpCode uint8

const (
	OpAbort OpCode = iota
	OpForeign
	OpMove
	OpSet
	OpPopAtomTypesigs
	OpJump
	OpJumpCheck
	OpCall
	OpReturn
	OpStackValidate
	OpLabel

	OpLoadAlloc
	OpLoadAllocI
	OpLoadAllocIBound
	OpStoreAlloc
	OpStoreAllocI
	OpStoreAllocIBound
	OpConfTrace
	OpDynamicConf
	OpDynamicConfAll

	OpStackOffset
	OpStackDeoffset

	OpAlloc
	OpAllocI
	OpFree
	OpDynamicFree

	OpGCNewFrame
	OpGCTrace
	OpDynamicTrace
	OpGCClean

	OpAnd
	OpOr
	OpNot
	OpLength

	OpPtrEqual
	OpBoolEqual
	OpCharEqual
	OpLongEqual
	OpFloatEqual

	OpLongMore
	OpLongLess
	OpLongMoreEqual
	OpLongLessEqual
	OpLongAdd
	OpLongSubtract
	OpLongMultiply
	OpLongDivide
	OpLongModulo
	OpLongExponentiate

	OpFloatMore
	OpFloatLess
	OpFloatMoreEqual
	OpFloatLessEqual
	OpFloatAdd
	OpFloatSubtract
	OpFloatMultiply
	OpFloatDivide
	OpFloatModulo
	OpFloatExponentiate

	OpLongNegate
	OpFloatNegate
	OpLongIncrement
	OpLongDecrement
	OpFloatIncrement
	OpFloatDecrement

	OpConfigTypesig
	OpRuntimeTypecheck
	OpRuntimeTypecast
	OpDynamicTypecheckDD
	OpDynamicTypecheckDR
	OpDynamicTypecheckRD
	OpDynamicTypecastDD
	OpDynamicTypecastDR
	OpDynamicTypecastRD

	OpTypeguardProtectArray
	OpTypeguardProtectTypeargProperty
	OpTypeguardProtectTypeargPropertyDowncast
	OpTypeguardProtectSubProperty
	OpTypeguardProtectSubPropertyDowncast
)

var opNames = map[OpCode]string{
	OpAbort:           "abort",
	OpForeign:         "foreign",
	OpMove:            "move",
	OpSet:             "set",
	OpPopAtomTypesigs: "pop_atom_typesigs",
	OpJump:            "jump",
	OpJumpCheck:       "jump_check",
	OpCall:            "call",
	OpReturn:          "return",
	OpStackValidate:   "stack_validate",
	OpLabel:           "label",

	OpLoadAlloc:        "load_alloc",
	OpLoadAllocI:       "load_alloc_i",
	OpLoadAllocIBound:  "load_alloc_i_bound",
	OpStoreAlloc:       "store_alloc",
	OpStoreAllocI:      "store_alloc_i",
	OpStoreAllocIBound: "store_alloc_i_bound",
	OpConfTrace:        "conf_trace",
	OpDynamicConf:      "dynamic_conf",
	OpDynamicConfAll:   "dynamic_conf_all",

	OpStackOffset:   "stack_offset",
	OpStackDeoffset: "stack_deoffset",

	OpAlloc:       "alloc",
	OpAllocI:      "alloc_i",
	OpFree:        "free",
	OpDynamicFree: "dynamic_free",

	OpGCNewFrame:   "gc_new_frame",
	OpGCTrace:      "gc_trace",
	OpDynamicTrace: "dynamic_trace",
	OpGCClean:      "gc_clean",

	OpAnd:    "and",
	OpOr:     "or",
	OpNot:    "not",
	OpLength: "length",

	OpPtrEqual:   "ptr_equal",
	OpBoolEqual:  "bool_equal",
	OpCharEqual:  "char_equal",
	OpLongEqual:  "long_equal",
	OpFloatEqual: "float_equal",

	OpLongMore:         "long_more",
	OpLongLess:         "long_less",
	OpLongMoreEqual:    "long_more_equal",
	OpLongLessEqual:    "long_less_equal",
	OpLongAdd:          "long_add",
	OpLongSubtract:     "long_subtract",
	OpLongMultiply:     "long_multiply",
	OpLongDivide:       "long_divide",
	OpLongModulo:       "long_modulo",
	OpLongExponentiate: "long_exponentiate",

	OpFloatMore:         "float_more",
	OpFloatLess:         "float_less",
	OpFloatMoreEqual:    "float_more_equal",
	OpFloatLessEqual:    "float_less_equal",
	OpFloatAdd:          "float_add",
	OpFloatSubtract:     "float_subtract",
	OpFloatMultiply:     "float_multiply",
	OpFloatDivide:       "float_divide",
	OpFloatModulo:       "float_modulo",
	OpFloatExponentiate: "float_exponentiate",

	OpLongNegate:     "long_negate",
	OpFloatNegate:    "float_negate",
	OpLongIncrement:  "long_increment",
	OpLongDecrement:  "long_decrement",
	OpFloatIncrement: "float_increment",
	OpFloatDecrement: "float_decrement",

	OpConfigTypesig:      "config_typesig",
	OpRuntimeTypecheck:   "runtime_typecheck",
	OpRuntimeTypecast:    "runtime_typecast",
	OpDynamicTypecheckDD: "dynamic_typecheck_dd",
	OpDynamicTypecheckDR: "dynamic_typecheck_dr",
	OpDynamicTypecheckRD: "dynamic_typecheck_rd",
	OpDynamicTypecastDD:  "dynamic_typecast_dd",
	OpDynamicTypecastDR:  "dynamic_typecast_dr",
	OpDynamicTypecastRD:  "dynamic_typecast_rd",

	OpTypeguardProtectArray:                   "typeguard_protect_array",
	OpTypeguardProtectTypeargProperty:         "typeguard_protect_typearg_property",
	OpTypeguardProtectTypeargPropertyDowncast: "typeguard_protect_typearg_property_downcast",
	OpTypeguardProtectSubProperty:             "typeguard_protect_sub_property",
	OpTypeguardProtectSubPropertyDowncast:     "typeguard_protect_sub_property_downcast",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// Ins is one IL instruction: an opcode and up to three register operands.
// Extra carries the downcast depth for the downcast typeguard opcodes; the C
// interpreter threaded it through a separate scratchpad instruction, but in
// this IL it is part of the consuming instruction.
type Ins struct {
	Op    OpCode
	Regs  [3]Reg
	Extra uint16
}

func Ins0(op OpCode) Ins { return Ins{Op: op} }

func Ins1(op OpCode, r0 Reg) Ins { return Ins{Op: op, Regs: [3]Reg{r0}} }

func Ins2(op OpCode, r0, r1 Reg) Ins { return Ins{Op: op, Regs: [3]Reg{r0, r1}} }

func Ins3(op OpCode, r0, r1, r2 Reg) Ins { return Ins{Op: op, Regs: [3]Reg{r0, r1, r2}} }

func (ins Ins) String() string {
	return fmt.Sprintf("%s %s, %s, %s", ins.Op, ins.Regs[0], ins.Regs[1], ins.Regs[2])
}

// Builder is the growable ordered instruction buffer. Forward jumps and
// procedure body addresses are appended with placeholder operands and fixed up
// through Patch once the target ip is known.
type Builder struct {
	ins []Ins
}

func (b *Builder) Append(ins Ins) {
	b.ins = append(b.ins, ins)
}

// Count returns the ip the next appended instruction will occupy.
func (b *Builder) Count() uint16 {
	return uint16(len(b.ins))
}

func (b *Builder) Patch(ip uint16, operand int, reg Reg) {
	b.ins[ip].Regs[operand] = reg
}

func (b *Builder) Instructions() []Ins {
	return b.ins
}
