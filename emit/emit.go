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
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/machine"
)

// -----------------------------------------------------------------------------
// C Emitter
//
// Serializes the compiled IL against the SuperForth runtime header: the
// constant pool initializer, init_all() with the interned signature table and
// record relationships, run() with one block of C per instruction, and a
// main(). Registers render as stack[i] (global bank) or
// stack[i + global_offset] (local bank); branch targets render as gotos over
// the label pass's ids. This backend is canonical; the asm backend must track
// any change made here.

// errWriter latches the first write failure so the emitters can stay linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) puts(s string) {
	if ew.err == nil {
		_, ew.err = io.WriteString(ew.w, s)
	}
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err == nil {
		_, ew.err = fmt.Fprintf(ew.w, format, args...)
	}
}

func writeReg(ew *errWriter, reg ir.Reg, getPtr bool) {
	if getPtr {
		ew.puts("&")
	}
	ew.printf("stack[%d", reg.Index)
	if reg.Local {
		ew.puts(" + global_offset")
	}
	ew.puts("]")
}

// CHeader writes the runtime header, preceded by the build-mode defines the
// header keys off.
func CHeader(w io.Writer, headerSrc string, roboMode, dbg bool) error {
	ew := &errWriter{w: w}
	if dbg {
		ew.puts("#define CISH_DEBUG\n")
	}
	if roboMode {
		ew.puts("#define ROBOMODE\n\n")
	}
	ew.puts(headerSrc)
	return ew.err
}

// Constants writes init_constants(), filling the first constant-count stack
// slots with their raw 64-bit images.
func Constants(w io.Writer, a *ast.AST, m *machine.Machine) error {
	ew := &errWriter{w: w}
	ew.puts("//initializes all hardcode constants\nstatic void init_constants() {")
	for i := 0; i < a.ConstantCount; i++ {
		ew.printf("\n\tstack[%d].long_int = %d;", i, int64(m.Stack[i]))
	}
	ew.puts("\n}\n")
	return ew.err
}

// writeTypeSig constructs one signature tree in place. Type-argument
// signatures pack their frame lookup slot into the sub-type-count field, the
// encoding the runtime expects.
func writeTypeSig(ew *errWriter, parentSig string, sig machine.TypeSig) {
	subCount := len(sig.Subs)
	if sig.Super == machine.SigTypeArg {
		subCount = int(sig.ArgIndex)
	}
	ew.printf("%ssuper_signature=%d;%ssub_type_count=%d;", parentSig, sig.Super, parentSig, subCount)

	if sig.Super != machine.SigTypeArg && len(sig.Subs) > 0 {
		ew.printf("ESCAPE_ON_FAIL(%ssub_types = malloc(%d * sizeof(machine_type_sig_t)));", parentSig, len(sig.Subs))
		for i, sub := range sig.Subs {
			writeTypeSig(ew, fmt.Sprintf("%ssub_types[%d].", parentSig, i), sub)
		}
	}
}

func writeTypeInfo(ew *errWriter, a *ast.AST, m *machine.Machine) {
	ew.puts("\n//Type Signature Declarations\n\tmachine_type_sig_t* sig;\n")
	sigCount := len(m.DefinedSignatures)
	ew.printf("#define SIG_COUNT_MAX (%d + (FRAME_LIMIT / 4))\n\t defined_sig_count = %d; ESCAPE_ON_FAIL(defined_signatures = malloc(SIG_COUNT_MAX * sizeof(machine_type_sig_t)));", sigCount, sigCount)
	for i, sig := range m.DefinedSignatures {
		ew.printf("\tsig = &defined_signatures[%d];\n\t", i)
		writeTypeSig(ew, "sig->", sig)
	}
	ew.puts("\n\t//Type relationships\n")
	for i := 0; i < a.RecordCount; i++ {
		if m.TypeTable[i] != 0 {
			ew.printf("\ttype_table[%d] = %d;\n", i, m.TypeTable[i])
		}
	}
}

// Init writes init_all(): runtime setup, the constant pool, the signature
// table and record relationships, and the debug symbol table when enabled.
func Init(w io.Writer, a *ast.AST, m *machine.Machine, dbg bool) error {
	ew := &errWriter{w: w}
	ew.puts("\n//initializes everything\nstatic int init_all() {\n")
	ew.printf("\tESCAPE_ON_FAIL(init_runtime(%d));\n\tinit_constants();\n", a.RecordCount)
	writeTypeInfo(ew, a, m)
	if dbg {
		ew.puts("\tESCAPE_ON_FAIL(init_dbg_syms());\n")
	}
	ew.puts("\treturn 1;\n}\n")
	return ew.err
}

// DebugInfo writes init_dbg_syms(), embedding row/col/file/line for every
// source location the label pass marked as used. readSource loads a source
// file's text so its line can be baked into the table.
func DebugInfo(w io.Writer, dbgTable *ast.DbgTable, labelBuf *ir.LabelBuf, readSource func(string) (string, error)) error {
	ew := &errWriter{w: w}
	ew.puts("//generates debug src locations\nstatic int init_dbg_syms() {")
	ew.printf("\n\tESCAPE_ON_FAIL(src_locs = malloc((src_loc_count = %d) * sizeof(src_loc_t)));", len(dbgTable.SrcLocs))

	for i := range dbgTable.SrcLocs {
		if !labelBuf.UseSrcLoc[i] {
			continue
		}
		srcLoc := dbgTable.SrcLocs[i]
		fileSrc, err := readSource(srcLoc.FileName)
		if err != nil {
			return errors.Wrapf(err, "cannot embed debug line for %s", srcLoc.FileName)
		}
		line := rowStr(fileSrc, srcLoc.Row)

		ew.printf("\n\tsrc_locs[%d] = (src_loc_t) {"+
			"\n\t\t.row = %d,"+
			"\n\t\t.col = %d,"+
			"\n\t\t.file_name = \"%s\",\n\t\t.line = \"",
			i, srcLoc.Row, srcLoc.Col, srcLoc.FileName)
		for _, ch := range []byte(line) {
			ew.printf("\\x%x", ch)
		}
		ew.puts("\"\n\t};")
	}

	ew.puts("\n\treturn 1;\n}\n")
	return ew.err
}

// rowStr extracts one 1-based source row, without its line terminator.
func rowStr(text string, row int) string {
	start := 0
	for row > 1 && start < len(text) {
		if text[start] == '\n' {
			row--
		}
		start++
	}
	end := start
	for end < len(text) && text[end] != '\n' && text[end] != '\r' {
		end++
	}
	return text[start:end]
}

var numTypes = [2]string{"long_int", "float_int"}

// Instructions writes run(): a label for every branch target and one block of
// C per instruction. Opcodes unknown to this backend abort emission.
func Instructions(w io.Writer, labelBuf *ir.LabelBuf, instructions []ir.Ins, dbg bool, dbgTable *ast.DbgTable) error {
	ew := &errWriter{w: w}
	ew.puts("\n//runs the instructions\nstatic int run() {\n\tvoid* scratch_ptr; int64_t scratch_i; machine_type_sig_t scratch_sig, aux_sig2; \n")

	for i := range instructions {
		ins := instructions[i]
		srcLocID := dbgTable.FindSrcLoc(uint64(i))

		if labelBuf.InsLabel[i] != 0 {
			ew.printf("label%d:\n", labelBuf.InsLabel[i])
		}
		ew.puts("\t")

		switch ins.Op {
		case ir.OpAbort:
			if ins.Regs[0].Index == uint16(machine.ErrNone) {
				ew.puts("return 1;")
			} else {
				ew.printf("PANIC(%d, %d);", ins.Regs[0].Index, srcLocID)
			}

		case ir.OpForeign:
			ew.puts("if(!ffi_invoke(&ffi_table, ")
			writeReg(ew, ins.Regs[0], true)
			ew.puts(",")
			writeReg(ew, ins.Regs[1], true)
			ew.puts(",")
			writeReg(ew, ins.Regs[2], true)
			if dbg {
				ew.printf(")) { last_err = last_err == CISH_ERROR_NONE ? CISH_ERROR_FOREIGN : last_err; last_src_loc = %d; return 0;}", srcLocID)
			} else {
				ew.puts(")) { last_err = last_err == CISH_ERROR_NONE ? CISH_ERROR_FOREIGN : last_err; return 0;}")
			}

		case ir.OpMove:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(" = ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(";")

		case ir.OpSet:
			if ins.Regs[2].Index != 0 { // atomize signature
				ew.printf("PANIC_ON_FAIL(defined_sig_count != SIG_COUNT_MAX, CISH_ERROR_STACK_OVERFLOW, %d);", srcLocID)
				writeReg(ew, ins.Regs[0], false)
				ew.printf(".long_int = defined_sig_count; scratch_ptr=&defined_signatures[defined_sig_count++]; PANIC_ON_FAIL((machine_type_sig_t*)scratch_ptr, CISH_ERROR_MEMORY, %d); "+
					"PANIC_ON_FAIL(atomize_heap_type_sig(defined_signatures[%d], scratch_ptr, 1), CISH_ERROR_MEMORY, %d);", srcLocID, ins.Regs[1].Index, srcLocID)
			} else {
				writeReg(ew, ins.Regs[0], false)
				ew.printf(".long_int = %d;", ins.Regs[1].Index)
			}

		case ir.OpPopAtomTypesigs:
			ew.printf("if(%d > defined_sig_count) { PANIC(CISH_ERROR_STACK_OVERFLOW, %d); }; \n", ins.Regs[0].Index, srcLocID)
			for n := uint16(0); n < ins.Regs[0].Index; n++ {
				ew.printf("\tfree_type_signature(&defined_signatures[defined_sig_count - %d]);\n", n+1)
			}
			ew.printf("\tdefined_sig_count -= %d;", ins.Regs[0].Index)

		case ir.OpJump:
			ew.printf("goto label%d;", labelBuf.InsLabel[ins.Regs[0].Index])

		case ir.OpJumpCheck:
			ew.puts("if(!")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".bool_flag) { goto label%d;}", labelBuf.InsLabel[ins.Regs[1].Index])

		case ir.OpCall:
			ew.printf("PANIC_ON_FAIL(position_count != FRAME_LIMIT, CISH_ERROR_STACK_OVERFLOW, %d);", srcLocID)
			if dbg {
				ew.printf("src_loc_stack[position_count] = %d;", srcLocID)
			}
			ew.printf("positions[position_count++] = &&label%d;", labelBuf.InsLabel[i+1])
			if ins.Regs[0].Local {
				ew.puts("scratch_ptr = ")
				writeReg(ew, ins.Regs[0], false)
				ew.puts(".ip;")
			}
			ew.printf("global_offset += %d;", ins.Regs[1].Index)
			if ins.Regs[0].Local {
				ew.puts("goto *scratch_ptr;")
			} else {
				ew.puts("goto *(")
				writeReg(ew, ins.Regs[0], false)
				ew.puts(".ip);")
			}

		case ir.OpReturn:
			ew.puts("goto *(positions[--position_count]);")

		case ir.OpStackValidate:
			ew.printf("PANIC_ON_FAIL((global_offset + %d) < STACK_LIMIT, CISH_ERROR_STACK_OVERFLOW, %d);", ins.Regs[0].Index, srcLocID)

		case ir.OpLabel:
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".ip = &&label%d;", labelBuf.InsLabel[ins.Regs[1].Index])

		case ir.OpLoadAlloc:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.puts("scratch_i = ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int;")
			ew.printf("PANIC_ON_FAIL(scratch_i < ((heap_alloc_t*)scratch_ptr)->limit, CISH_ERROR_INDEX_OUT_OF_RANGE, %d);", srcLocID)
			ew.printf("PANIC_ON_FAIL(((heap_alloc_t*)scratch_ptr)->init_stat[scratch_i], CISH_ERROR_READ_UNINIT, %d);", srcLocID)
			writeReg(ew, ins.Regs[2], false)
			ew.puts(" = ((heap_alloc_t*)scratch_ptr)->registers[scratch_i];")

		case ir.OpLoadAllocI:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.printf("PANIC_ON_FAIL(((heap_alloc_t*)scratch_ptr)->init_stat[%d], CISH_ERROR_READ_UNINIT, %d);", ins.Regs[2].Index, srcLocID)
			writeReg(ew, ins.Regs[1], false)
			ew.printf(" = ((heap_alloc_t*)scratch_ptr)->registers[%d];", ins.Regs[2].Index)

		case ir.OpLoadAllocIBound:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.printf("PANIC_ON_FAIL(%d < ((heap_alloc_t*)scratch_ptr)->limit, CISH_ERROR_INDEX_OUT_OF_RANGE, %d);", ins.Regs[2].Index, srcLocID)
			ew.printf("PANIC_ON_FAIL(((heap_alloc_t*)scratch_ptr)->init_stat[%d], CISH_ERROR_READ_UNINIT, %d); ", ins.Regs[2].Index, srcLocID)
			writeReg(ew, ins.Regs[1], false)
			ew.printf(" = ((heap_alloc_t*)scratch_ptr)->registers[%d];", ins.Regs[2].Index)

		case ir.OpStoreAlloc:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.puts("scratch_i = ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int;")
			ew.printf("PANIC_ON_FAIL(scratch_i < ((heap_alloc_t*)scratch_ptr)->limit, CISH_ERROR_INDEX_OUT_OF_RANGE, %d);", srcLocID)
			ew.puts("((heap_alloc_t*)scratch_ptr)->init_stat[scratch_i] = 1;")
			ew.puts("((heap_alloc_t*)scratch_ptr)->registers[scratch_i] = ")
			writeReg(ew, ins.Regs[2], false)
			ew.puts(";")

		case ir.OpStoreAllocI:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.printf("((heap_alloc_t*)scratch_ptr)->init_stat[%d] = 1;", ins.Regs[2].Index)
			ew.printf("((heap_alloc_t*)scratch_ptr)->registers[%d] = ", ins.Regs[2].Index)
			writeReg(ew, ins.Regs[1], false)
			ew.puts(";")

		case ir.OpStoreAllocIBound:
			ew.puts("scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")
			ew.printf("PANIC_ON_FAIL(%d < ((heap_alloc_t*)scratch_ptr)->limit, CISH_ERROR_INDEX_OUT_OF_RANGE, %d);", ins.Regs[2].Index, srcLocID)
			ew.printf("((heap_alloc_t*)scratch_ptr)->init_stat[%d] = 1;", ins.Regs[2].Index)
			ew.printf("((heap_alloc_t*)scratch_ptr)->registers[%d] = ", ins.Regs[2].Index)
			writeReg(ew, ins.Regs[1], false)
			ew.puts(";")

		case ir.OpConfTrace:
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->trace_stat[%d] = %d;", ins.Regs[1].Index, ins.Regs[2].Index)

		case ir.OpDynamicConf:
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->trace_stat[%d] = (defined_signatures[", ins.Regs[1].Index)
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".long_int].super_signature >= 9);")

		case ir.OpDynamicConfAll:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->trace_mode = (defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 9);")

		case ir.OpStackOffset:
			ew.printf("global_offset += %d;", ins.Regs[0].Index)

		case ir.OpStackDeoffset:
			ew.printf("global_offset -= %d;", ins.Regs[0].Index)

		case ir.OpAlloc:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc = alloc(")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".long_int, %d);", ins.Regs[2].Index)

		case ir.OpAllocI:
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc = alloc(%d, %d);", ins.Regs[1].Index, ins.Regs[2].Index)

		case ir.OpFree, ir.OpDynamicFree:
			if ins.Op == ir.OpDynamicFree {
				ew.puts("if(defined_signatures[")
				writeReg(ew, ins.Regs[1], false)
				ew.puts(".long_int].super_signature >= 9) { ")
			}
			ew.puts("PANIC_ON_FAIL(free_alloc(")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc), CISH_ERROR_MEMORY, %d);", srcLocID)
			if ins.Op == ir.OpDynamicFree {
				ew.puts("}")
			}

		case ir.OpGCNewFrame:
			ew.printf("PANIC_ON_FAIL(heap_frame != FRAME_LIMIT, CISH_ERROR_STACK_OVERFLOW, %d);"+
				"heap_frame_bounds[heap_frame] = heap_count;"+
				"trace_frame_bounds[heap_frame] = trace_count;"+
				"heap_frame++;", srcLocID)

		case ir.OpGCTrace:
			ew.puts("TRACE_COUNT_CHECK; (heap_traces[trace_count++] = ")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc)->gc_flag = %d;", ins.Regs[1].Index)

		case ir.OpDynamicTrace:
			ew.puts("TRACE_COUNT_CHECK; (heap_traces[trace_count++] = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc)->gc_flag = (defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 9);")

		case ir.OpGCClean:
			ew.printf("PANIC_ON_FAIL(gc_clean(), CISH_ERROR_MEMORY, %d);", srcLocID)

		case ir.OpAnd:
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".bool_flag = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag && ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".bool_flag;")

		case ir.OpOr:
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".bool_flag = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag || ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".bool_flag;")

		case ir.OpNot:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag = !")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".bool_flag;")

		case ir.OpLength:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".long_int = ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".heap_alloc->limit;")

		case ir.OpPtrEqual, ir.OpBoolEqual, ir.OpCharEqual, ir.OpLongEqual, ir.OpFloatEqual:
			compProps := [...]string{"ip", "bool_flag", "char_int", "long_int", "float_int"}
			prop := compProps[ins.Op-ir.OpPtrEqual]
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".bool_flag = ")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".%s == ", prop)
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".%s;", prop)

		case ir.OpLongMore, ir.OpLongLess, ir.OpLongMoreEqual, ir.OpLongLessEqual,
			ir.OpLongAdd, ir.OpLongSubtract, ir.OpLongMultiply, ir.OpLongDivide, ir.OpLongModulo,
			ir.OpFloatMore, ir.OpFloatLess, ir.OpFloatMoreEqual, ir.OpFloatLessEqual,
			ir.OpFloatAdd, ir.OpFloatSubtract, ir.OpFloatMultiply, ir.OpFloatDivide:
			operators := [...]string{">", "<", ">=", "<=", "+", "-", "*", "/", "%"}
			setVals := [...]bool{false, false, false, false, true, true, true, true, true}

			opID := int(ins.Op-ir.OpLongMore) % int(ir.OpFloatMore-ir.OpLongMore)
			numType := numTypes[0]
			if ins.Op >= ir.OpFloatMore {
				numType = numTypes[1]
			}

			if ins.Op == ir.OpLongDivide {
				ew.puts("PANIC_ON_FAIL(")
				writeReg(ew, ins.Regs[1], false)
				ew.printf(".long_int, CISH_ERROR_DIVIDE_BY_ZERO, %d);", srcLocID)
			}
			writeReg(ew, ins.Regs[2], false)
			if setVals[opID] {
				ew.printf(".%s = ", numType)
			} else {
				ew.puts(".bool_flag = ")
			}
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".%s %s ", numType, operators[opID])
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".%s;", numType)

		case ir.OpLongExponentiate:
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".long_int = longpow(")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".long_int, ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int);")

		case ir.OpFloatModulo:
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".float_int = fmod(")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".float_int, ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".float_int);")

		case ir.OpFloatExponentiate:
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".float_int = pow(")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".float_int, ")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".float_int);")

		case ir.OpLongNegate, ir.OpFloatNegate:
			numType := numTypes[0]
			if ins.Op == ir.OpFloatNegate {
				numType = numTypes[1]
			}
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".%s = -", numType)
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".%s;", numType)

		case ir.OpLongIncrement, ir.OpLongDecrement, ir.OpFloatIncrement, ir.OpFloatDecrement:
			operator := "++"
			if ins.Op == ir.OpLongDecrement || ins.Op == ir.OpFloatDecrement {
				operator = "--"
			}
			numType := numTypes[0]
			if ins.Op >= ir.OpFloatIncrement {
				numType = numTypes[1]
			}
			ew.puts(operator)
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".%s;", numType)

		case ir.OpConfigTypesig:
			if ins.Regs[2].Index != 0 {
				ew.printf("PANIC_ON_FAIL(scratch_ptr = malloc(sizeof(machine_type_sig_t)), CISH_ERROR_MEMORY, %d);", srcLocID)
				ew.printf("PANIC_ON_FAIL(atomize_heap_type_sig(defined_signatures[%d], (machine_type_sig_t*)scratch_ptr, 1), CISH_ERROR_MEMORY, %d);", ins.Regs[1].Index, srcLocID)
				writeReg(ew, ins.Regs[0], false)
				ew.puts(".heap_alloc->type_sig = (machine_type_sig_t*)scratch_ptr;")
			} else {
				writeReg(ew, ins.Regs[0], false)
				ew.printf(".heap_alloc->type_sig = &defined_signatures[%d];", ins.Regs[1].Index)
			}

		case ir.OpRuntimeTypecheck:
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".bool_flag = type_signature_match(*")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig, defined_signatures[%d]);", ins.Regs[2].Index)

		case ir.OpRuntimeTypecast:
			ew.puts("PANIC_ON_FAIL(type_signature_match(*")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig, defined_signatures[%d]), CISH_ERROR_UNEXPECTED_TYPE, %d);", ins.Regs[2].Index, srcLocID)
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".heap_alloc = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc;")

		case ir.OpDynamicTypecheckDD:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag = type_signature_match(defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 10 ? *")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig : defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int], defined_signatures[")
			writeReg(ew, ins.Regs[2], false)
			ew.puts(".long_int]);")

		case ir.OpDynamicTypecheckDR:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag = type_signature_match(defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 10 ? *")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig : defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".long_int], defined_signatures[%d]);", ins.Regs[2].Index)

		case ir.OpDynamicTypecheckRD:
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".bool_flag = type_signature_match(*")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig, defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int]);")

		case ir.OpDynamicTypecastDD:
			ew.puts("PANIC_ON_FAIL(type_signature_match(defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 10 ? *")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig : defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int], defined_signatures[")
			writeReg(ew, ins.Regs[2], false)
			ew.printf(".long_int]), CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)

		case ir.OpDynamicTypecastDR:
			ew.puts("PANIC_ON_FAIL(type_signature_match(defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".long_int].super_signature >= 10 ? *")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig : defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".long_int], defined_signatures[%d]), CISH_ERROR_UNEXPECTED_TYPE, %d); ", ins.Regs[2].Index, srcLocID)

		case ir.OpDynamicTypecastRD:
			ew.puts("PANIC_ON_FAIL(type_signature_match(*")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig, defined_signatures[")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".long_int]), CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)

		case ir.OpTypeguardProtectArray:
			ew.puts("if(((machine_type_sig_t*)(scratch_ptr = ")
			writeReg(ew, ins.Regs[0], false)
			ew.puts(".heap_alloc->type_sig->sub_types))->super_signature > 10) ")
			ew.puts("PANIC_ON_FAIL(type_signature_match(*")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".heap_alloc->type_sig, *((machine_type_sig_t*)scratch_ptr)), CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)

		case ir.OpTypeguardProtectTypeargProperty:
			ew.puts("if((scratch_sig = ")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig->sub_types[%d]).super_signature >= 9)", ins.Regs[2].Index)
			ew.puts("PANIC_ON_FAIL(type_signature_match(*")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".heap_alloc->type_sig, scratch_sig), CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)

		case ir.OpTypeguardProtectTypeargPropertyDowncast:
			ew.puts("PANIC_ON_FAIL(atomize_heap_type_sig(*")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig, &scratch_sig, 1), CISH_ERROR_MEMORY, %d);", srcLocID)
			ew.printf("PANIC_ON_FAIL(downcast_type_signature(&scratch_sig, %d), CISH_ERROR_MEMORY, %d);"+
				"aux_sig2 = scratch_sig.sub_types[%d];", ins.Extra, srcLocID, ins.Regs[2].Index)
			ew.puts("if(aux_sig2.super_signature >= 9 && !type_signature_match(*")
			writeReg(ew, ins.Regs[1], false)
			ew.printf(".heap_alloc->type_sig, aux_sig2)) { "+
				"free_type_signature(&scratch_sig);"+
				"PANIC(CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)
			ew.puts("} free_type_signature(&scratch_sig);")

		case ir.OpTypeguardProtectSubProperty:
			ew.printf("PANIC_ON_FAIL(atomize_heap_type_sig(defined_signatures[%d], &scratch_sig, 0), CISH_ERROR_MEMORY, %d);", ins.Regs[2].Index, srcLocID)
			ew.puts("PANIC_ON_FAIL(get_super_type(")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig->sub_types, &scratch_sig), CISH_ERROR_MEMORY, %d);", srcLocID)
			ew.puts("if(!type_signature_match(*")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".heap_alloc->type_sig, scratch_sig)) { free_type_signature(&scratch_sig); ")
			ew.printf("PANIC(CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)
			ew.puts("}; free_type_signature(&scratch_sig);")

		case ir.OpTypeguardProtectSubPropertyDowncast:
			ew.puts("PANIC_ON_FAIL(atomize_heap_type_sig(*")
			writeReg(ew, ins.Regs[0], false)
			ew.printf(".heap_alloc->type_sig, &aux_sig2, 1), CISH_ERROR_MEMORY, %d);", srcLocID)
			ew.printf("PANIC_ON_FAIL(downcast_type_signature(&aux_sig2, %d), CISH_ERROR_MEMORY, %d);", ins.Extra, srcLocID)
			ew.printf("PANIC_ON_FAIL(atomize_heap_type_sig(defined_signatures[%d], &scratch_sig, 0), CISH_ERROR_MEMORY, %d);", ins.Regs[2].Index, srcLocID)
			ew.printf("PANIC_ON_FAIL(get_super_type(aux_sig2.sub_types, &scratch_sig), CISH_ERROR_MEMORY, %d);", srcLocID)
			ew.puts("if(!type_signature_match(*")
			writeReg(ew, ins.Regs[1], false)
			ew.puts(".heap_alloc->type_sig, scratch_sig)) { free_type_signature(&scratch_sig); free_type_signature(&aux_sig2);")
			ew.printf("PANIC(CISH_ERROR_UNEXPECTED_TYPE, %d);", srcLocID)
			ew.puts("}; free_type_signature(&scratch_sig); free_type_signature(&aux_sig2);")

		default:
			return errors.Errorf("cannot emit C for opcode %v at ip %d", ins.Op, i)
		}

		ew.puts("\n")
	}
	ew.puts("}\n")
	return ew.err
}

// Final writes the program entry point: a plain main, a backtrace-printing
// main under debug, or the PROS competition scaffold in robot mode.
func Final(w io.Writer, roboMode, dbg bool, inputFile string) error {
	ew := &errWriter{w: w}
	if roboMode {
		ew.printf("\n//generated from %s\nvoid initialize() {\n"+
			"\tif(!init_all())\n\t\texit(EXIT_FAILURE);\n"+
			"}\n\nvoid disabled() {}\n\nvoid competition_initialize() {}\n\nvoid autonomous() {}\n", inputFile)
		if dbg {
			ew.puts("\nvoid opcontrol() {\n" +
				"\tif(!run()) {\n" +
				"\t\tprint_back_trace();\n" +
				"\t\tprintf(\"Runtime Error: %s\", error_names[last_err]);\n" +
				"\t\tfree_runtime();\n" +
				"\t\texit(EXIT_FAILURE);\n" +
				"\t}\n" +
				"\tfree_runtime();\n" +
				"}")
		} else {
			ew.puts("\nvoid opcontrol() {\n" +
				"\tif(!run()) {\n" +
				"\t\tprintf(\"Runtime Error: %s\", error_names[last_err]);\n" +
				"\t\tfree_runtime();\n" +
				"\t\texit(EXIT_FAILURE);\n" +
				"\t}\n" +
				"\tfree_runtime();\n" +
				"}")
		}
		return ew.err
	}
	if dbg {
		ew.puts("\nint main() {\n" +
			"\tif(!init_all()) {\n\t\texit(EXIT_FAILURE);\n\t}\n" +
			"\tif(!run()) {\n" +
			"\t\tprint_back_trace();\n" +
			"\t\tprintf(\"Runtime Error: %s\", error_names[last_err]);\n" +
			"\t\tfree_runtime();\n" +
			"\t\texit(EXIT_FAILURE);\n" +
			"\t}\n" +
			"\tfree_runtime();\n" +
			"\texit(EXIT_SUCCESS);\n" +
			"}")
	} else {
		ew.puts("\nint main() {\n" +
			"\tif(!init_all()) {\n\t\texit(EXIT_FAILURE);\n\t}\n" +
			"\tif(!run()) {\n" +
			"\t\tprintf(\"Runtime Error: %s\", error_names[last_err]);\n" +
			"\t\tfree_runtime();\n" +
			"\t\texit(EXIT_FAILURE);\n" +
			"\t}\n" +
			"\tfree_runtime();\n" +
			"\texit(EXIT_SUCCESS);\n" +
			"}")
	}
	return ew.err
}
