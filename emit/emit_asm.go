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
package emit

import (
	"io"

	"github.com/pkg/errors"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/machine"
)

// -----------------------------------------------------------------------------
// Asm Emitter
//
// A partial x86-64 backend over the same IL and label contract as the C
// emitter. It exists to pin the IL down: the heap, GC and signature opcodes it
// does not yet support surface as errors rather than bad code, and any IL
// change must keep both backends emitting. The two banks address two distinct
// bases: globals index the stack symbol, locals index off the frame register.

const (
	asmGlobalOffset = "%rbp"
	asmScratchPad   = "%r15"
)

func writeAsmReg(ew *errWriter, reg ir.Reg) {
	if reg.Local {
		ew.printf("(%s, %d, 8)", asmGlobalOffset, reg.Index)
	} else {
		ew.printf("(stack, %d, 8)", reg.Index)
	}
}

func writeAsmAbort(ew *errWriter, err uint16) {
	ew.printf("movq $1, %%rax\n\tmovw $%d, %%rdi\n\tsyscall", err)
}

// AsmConstants writes the data section: the constant pool followed by the
// zeroed global area.
func AsmConstants(w io.Writer, a *ast.AST, m *machine.Machine) error {
	ew := &errWriter{w: w}
	ew.puts("stack:\nconstants:\n")
	for i := 0; i < a.ConstantCount; i++ {
		ew.printf("\t.quad %d\n", int64(m.Stack[i]))
	}
	ew.printf("globals:\n\t.zero %d\n", (int(m.StackSize)-a.ConstantCount)*8)
	return ew.err
}

func AsmInit(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.puts("_start:\n")
	ew.printf("\tleaq (stack, 0, 8), %s", asmGlobalOffset)
	return ew.err
}

func asmUnsupported(op ir.OpCode, ip int) error {
	return errors.Errorf("asm backend does not support opcode %v at ip %d", op, ip)
}

// AsmInstructions writes the text section. Opcodes outside the supported
// subset return an error.
func AsmInstructions(w io.Writer, labelBuf *ir.LabelBuf, m *machine.Machine, instructions []ir.Ins) error {
	ew := &errWriter{w: w}
	stackValidateCount := 0

	for i := range instructions {
		ins := instructions[i]
		if labelBuf.InsLabel[i] != 0 {
			ew.printf("\nins_label%d:", labelBuf.InsLabel[i])
		}
		ew.puts("\n\t")

		switch ins.Op {
		case ir.OpAbort:
			writeAsmAbort(ew, ins.Regs[0].Index)

		case ir.OpForeign:
			ew.puts("pushq ")
			writeAsmReg(ew, ins.Regs[1])
			ew.puts("\n\tmovq ")
			writeAsmReg(ew, ins.Regs[0])
			ew.printf(", %s\n\tleaq (ffi_table, %s, 8), %s", asmScratchPad, asmScratchPad, asmScratchPad)
			ew.printf("\n\tcall *%s\n\taddq $8, %%rsp", asmScratchPad)
			ew.puts("\n\tmovl %eax, ")
			writeAsmReg(ew, ins.Regs[2])

		case ir.OpMove:
			ew.puts("movq ")
			writeAsmReg(ew, ins.Regs[1])
			ew.printf(", %s", asmScratchPad)
			ew.printf("\n\tmovq %s, ", asmScratchPad)
			writeAsmReg(ew, ins.Regs[0])

		case ir.OpSet:
			if ins.Regs[2].Index != 0 { // atomized signatures need the runtime
				return asmUnsupported(ins.Op, i)
			}
			ew.printf("movw $%d, ", ins.Regs[1].Index)
			writeAsmReg(ew, ins.Regs[0])

		case ir.OpJump:
			ew.printf("jmp ins_label%d", labelBuf.InsLabel[ins.Regs[0].Index])

		case ir.OpJumpCheck:
			ew.puts("cmpl ")
			writeAsmReg(ew, ins.Regs[0])
			ew.puts(", $0")
			ew.printf("\n\tje ins_label%d", labelBuf.InsLabel[ins.Regs[1].Index])

		case ir.OpCall:
			if ins.Regs[0].Local {
				ew.puts("movq ")
				writeAsmReg(ew, ins.Regs[0])
				ew.printf(", %s\n\t", asmScratchPad)
			}
			ew.printf("addq $%d, %s", int(ins.Regs[1].Index)*8, asmGlobalOffset)
			if ins.Regs[0].Local {
				ew.printf("\n\tcall *%s", asmScratchPad)
			} else {
				ew.puts("\n\tcall *")
				writeAsmReg(ew, ins.Regs[0])
			}

		case ir.OpReturn:
			ew.puts("ret")

		case ir.OpStackValidate:
			if ins.Regs[0].Index > m.StackSize {
				return errors.Errorf("stack validation at ip %d can never pass: %d locals exceed the %d slot stack", i, ins.Regs[0].Index, m.StackSize)
			}
			ew.printf("cmp $%d, %s", (int(m.StackSize)-int(ins.Regs[0].Index))*8, asmGlobalOffset)
			ew.printf("\n\tjg stack_validate_finish%d\n\t", stackValidateCount)
			writeAsmAbort(ew, uint16(machine.ErrStackOverflow))
			ew.printf("\nstack_validate_finish%d:", stackValidateCount)
			stackValidateCount++

		case ir.OpLabel:
			ew.printf("leaq (ins_label%d, 0, 0), %s", labelBuf.InsLabel[ins.Regs[1].Index], asmScratchPad)
			ew.printf("\n\tmovq %s, ", asmScratchPad)
			writeAsmReg(ew, ins.Regs[0])

		case ir.OpStackOffset:
			ew.printf("addq $%d, %s", int(ins.Regs[0].Index)*8, asmGlobalOffset)

		case ir.OpStackDeoffset:
			ew.printf("subq $%d, %s", int(ins.Regs[0].Index)*8, asmGlobalOffset)

		case ir.OpGCNewFrame, ir.OpGCClean:
			// no heap runtime in the asm backend yet; frame bookkeeping is
			// a no-op

		case ir.OpAnd, ir.OpOr:
			ew.puts("movl ")
			writeAsmReg(ew, ins.Regs[0])
			ew.printf(", %s\n\t", asmScratchPad)
			if ins.Op == ir.OpAnd {
				ew.puts("andl ")
			} else {
				ew.puts("orl ")
			}
			writeAsmReg(ew, ins.Regs[1])
			ew.printf(", %s\n\tmovl %s, ", asmScratchPad, asmScratchPad)
			writeAsmReg(ew, ins.Regs[2])

		case ir.OpNot:
			ew.puts("movl ")
			writeAsmReg(ew, ins.Regs[1])
			ew.printf(", %s\n\tnotl %s\n\tmovl %s, ", asmScratchPad, asmScratchPad, asmScratchPad)
			writeAsmReg(ew, ins.Regs[0])

		case ir.OpPtrEqual, ir.OpBoolEqual, ir.OpCharEqual, ir.OpLongEqual, ir.OpFloatEqual:
			sizeOps := [...]byte{'q', 'l', 'b', 'q', 'q'}
			sizeOp := sizeOps[ins.Op-ir.OpPtrEqual]

			ew.printf("mov%c ", sizeOp)
			writeAsmReg(ew, ins.Regs[0])
			ew.printf(", %s\n\tcmp%c ", asmScratchPad, sizeOp)
			writeAsmReg(ew, ins.Regs[1])
			ew.printf(", %s\n\t", asmScratchPad)
			ew.printf("movl $0, %s\n\tsete %s\n\tmovl %s, ", asmScratchPad, asmScratchPad, asmScratchPad)
			writeAsmReg(ew, ins.Regs[2])

		default:
			return asmUnsupported(ins.Op, i)
		}
	}

	return ew.err
}
