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
	"strings"
	"testing"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/machine"
)

func emitToString(t *testing.T, instructions []ir.Ins) string {
	t.Helper()
	labelBuf := ir.BuildLabels(instructions, ast.NewDbgTable())
	var sb strings.Builder
	if err := Instructions(&sb, labelBuf, instructions, false, ast.NewDbgTable()); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	return sb.String()
}

func TestRegisterRendering(t *testing.T) {
	out := emitToString(t, []ir.Ins{
		ir.Ins2(ir.OpMove, ir.LocReg(0), ir.GlobReg(1)),
		ir.Ins1(ir.OpAbort, ir.GlobReg(uint16(machine.ErrNone))),
	})

	if !strings.Contains(out, "stack[0 + global_offset] = stack[1];") {
		t.Errorf("local and global banks must render against global_offset:\n%s", out)
	}
	if !strings.Contains(out, "return 1;") {
		t.Errorf("abort(none) must render as a clean return:\n%s", out)
	}
}

func TestBranchRendering(t *testing.T) {
	// 0: jump_check l0 -> 2
	// 1: jump 0
	// 2: abort
	out := emitToString(t, []ir.Ins{
		ir.Ins2(ir.OpJumpCheck, ir.LocReg(0), ir.GlobReg(2)),
		ir.Ins1(ir.OpJump, ir.GlobReg(0)),
		ir.Ins1(ir.OpAbort, ir.GlobReg(uint16(machine.ErrAbort))),
	})

	if !strings.Contains(out, "if(!stack[0 + global_offset].bool_flag) { goto label") {
		t.Errorf("jump_check must branch on the condition flag:\n%s", out)
	}
	if !strings.Contains(out, "goto label2;") || !strings.Contains(out, "label2:") {
		t.Errorf("backward jump and its label must agree:\n%s", out)
	}
	if !strings.Contains(out, "PANIC(") {
		t.Errorf("abort with an error must panic:\n%s", out)
	}
}

func TestDivideEmitsZeroCheck(t *testing.T) {
	out := emitToString(t, []ir.Ins{
		ir.Ins3(ir.OpLongDivide, ir.GlobReg(0), ir.GlobReg(1), ir.LocReg(0)),
	})
	if !strings.Contains(out, "CISH_ERROR_DIVIDE_BY_ZERO") {
		t.Errorf("long divide must guard against zero:\n%s", out)
	}
	if !strings.Contains(out, "stack[0 + global_offset].long_int = stack[0].long_int / stack[1].long_int;") {
		t.Errorf("divide body malformed:\n%s", out)
	}
}

func TestComparisonSetsBoolFlag(t *testing.T) {
	out := emitToString(t, []ir.Ins{
		ir.Ins3(ir.OpFloatLessEqual, ir.GlobReg(0), ir.GlobReg(1), ir.LocReg(2)),
	})
	if !strings.Contains(out, "stack[2 + global_offset].bool_flag = stack[0].float_int <= stack[1].float_int;") {
		t.Errorf("comparison must set the bool flag:\n%s", out)
	}
}

func TestUnknownOpcodeAbortsEmission(t *testing.T) {
	labelBuf := ir.BuildLabels([]ir.Ins{{Op: ir.OpCode(250)}}, ast.NewDbgTable())
	var sb strings.Builder
	err := Instructions(&sb, labelBuf, []ir.Ins{{Op: ir.OpCode(250)}}, false, ast.NewDbgTable())
	if err == nil {
		t.Fatalf("unknown opcode must abort emission")
	}
}

func TestDowncastTypeguardCarriesDepth(t *testing.T) {
	ins := ir.Ins3(ir.OpTypeguardProtectTypeargPropertyDowncast, ir.LocReg(0), ir.LocReg(1), ir.GlobReg(2))
	ins.Extra = 12
	out := emitToString(t, []ir.Ins{ins})
	if !strings.Contains(out, "downcast_type_signature(&scratch_sig, 12)") {
		t.Errorf("downcast depth must come from the instruction payload:\n%s", out)
	}
}

func TestConstants(t *testing.T) {
	a := &ast.AST{ConstantCount: 2}
	m := machine.NewMachine(16, 1000, 0)
	m.Stack[0] = 5
	m.Stack[1] = 3

	var sb strings.Builder
	if err := Constants(&sb, a, m); err != nil {
		t.Fatalf("emit constants: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "stack[0].long_int = 5;") || !strings.Contains(out, "stack[1].long_int = 3;") {
		t.Errorf("constant pool malformed:\n%s", out)
	}
}

func TestInitEmitsSignaturesAndRelationships(t *testing.T) {
	a := &ast.AST{RecordCount: 1}
	m := machine.NewMachine(16, 1000, 1)
	m.InternPrimitiveArrays()
	base, _ := m.Intern(machine.TypeSig{Super: machine.SigRecordBase}, true)
	m.SetRecordSuper(0, base)
	m.Intern(machine.TypeSig{Super: machine.SigTypeArg, ArgIndex: 3}, false)

	var sb strings.Builder
	if err := Init(&sb, a, m, false); err != nil {
		t.Fatalf("emit init: %v", err)
	}
	out := sb.String()

	if !strings.Contains(out, "init_runtime(1)") {
		t.Errorf("runtime must size the type table:\n%s", out)
	}
	if !strings.Contains(out, "sig->super_signature=9;sig->sub_type_count=1;") {
		t.Errorf("array signature construction malformed:\n%s", out)
	}
	// the type-argument's frame slot rides in the sub-type-count field
	if !strings.Contains(out, "sig->super_signature=3;sig->sub_type_count=3;") {
		t.Errorf("type-argument lookup slot must pack into sub_type_count:\n%s", out)
	}
	if !strings.Contains(out, fmt.Sprintf("type_table[0] = %d;", base+1)) {
		t.Errorf("record relationship missing:\n%s", out)
	}
}

func TestFinalMainShapes(t *testing.T) {
	var plain, debug, robo strings.Builder
	if err := Final(&plain, false, false, "in.sf"); err != nil {
		t.Fatal(err)
	}
	if err := Final(&debug, false, true, "in.sf"); err != nil {
		t.Fatal(err)
	}
	if err := Final(&robo, true, false, "in.sf"); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(plain.String(), "int main() {") || strings.Contains(plain.String(), "print_back_trace") {
		t.Errorf("plain main malformed:\n%s", plain.String())
	}
	if !strings.Contains(debug.String(), "print_back_trace();") {
		t.Errorf("debug main must print a backtrace:\n%s", debug.String())
	}
	if !strings.Contains(robo.String(), "void opcontrol()") || strings.Contains(robo.String(), "int main()") {
		t.Errorf("robot mode must emit the PROS scaffold instead of main:\n%s", robo.String())
	}
}
