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
package compile

import (
	"strings"
	"testing"

	"github.com/TheRealMichaelWang/Capote/ast"
)

func TestTranspileWholeProgram(t *testing.T) {
	f := &fixture{}
	x := f.varInfo(ast.TLong, true)
	add := f.value(ast.ValueBinaryOp, ast.TLong, &ast.BinaryOp{
		Op:  ast.BinOpAdd,
		LHS: f.readVar(x),
		RHS: f.long(1, 3),
	})
	a := f.build(declStmt(x, f.long(0, 5)), valueStmt(add))

	var sb strings.Builder
	err := Transpile(a, &sb, Options{
		HeaderSrc: "/* runtime header */\n",
		InputFile: "prog.sf",
	})
	if err != nil {
		t.Fatalf("transpile failed: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"/* runtime header */",
		"static void init_constants() {",
		"\tstack[0].long_int = 5;",
		"\tstack[1].long_int = 3;",
		"static int init_all() {",
		"static int run() {",
		"stack[0 + global_offset].long_int = stack[0].long_int + stack[1].long_int;",
		"return 1;",
		"int main() {",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "init_dbg_syms") {
		t.Errorf("non-debug builds must not reference the debug table:\n%s", out)
	}
}

func TestTranspileDebugEmbedsSourceLines(t *testing.T) {
	f := &fixture{}
	arrayType := ast.Type{Kind: ast.TypeArray, Subs: []ast.Type{ast.TLong}}
	elemType := ast.TLong
	a := f.varInfo(arrayType, true)
	literal := f.value(ast.ValueArrayLiteral, arrayType, &ast.ArrayLiteral{
		ElemType: &elemType,
		Elements: []ast.Value{f.long(0, 1)},
	})
	prog := f.build(declStmt(a, literal))

	var sb strings.Builder
	err := Transpile(prog, &sb, Options{
		Debug:     true,
		HeaderSrc: "/* hdr */\n",
		InputFile: "prog.sf",
		ReadSource: func(path string) (string, error) {
			return "global a = [1];\n", nil
		},
	})
	if err != nil {
		t.Fatalf("transpile failed: %v", err)
	}
	out := sb.String()

	if !strings.Contains(out, "#define CISH_DEBUG") {
		t.Errorf("debug builds must define CISH_DEBUG:\n%s", out)
	}
	if !strings.Contains(out, "static int init_dbg_syms() {") {
		t.Errorf("debug builds must emit the source-location table:\n%s", out)
	}
	if !strings.Contains(out, "print_back_trace();") {
		t.Errorf("debug main must print a backtrace:\n%s", out)
	}
}
