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
	"testing"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/machine"
)

// fixture hands out the dense ids the frontend would assign, so tests can
// assemble small validated ASTs by hand.
type fixture struct {
	valueCount    int
	varCount      int
	callCount     int
	procCount     int
	constantCount int
	records       []*ast.RecordProto
}

func (f *fixture) value(kind ast.ValueKind, t ast.Type, data interface{}) ast.Value {
	v := ast.Value{Kind: kind, ID: f.valueCount, Type: t, AffectsState: true, Data: data}
	f.valueCount++
	return v
}

func (f *fixture) long(primID uint16, val int64) ast.Value {
	if int(primID)+1 > f.constantCount {
		f.constantCount = int(primID) + 1
	}
	return f.value(ast.ValuePrimitive, ast.TLong, &ast.Primitive{ID: primID, Data: uint64(val)})
}

func (f *fixture) varInfo(t ast.Type, global bool) *ast.VarInfo {
	info := &ast.VarInfo{ID: f.varCount, Type: t, IsGlobal: global, IsUsed: true}
	f.varCount++
	return info
}

func (f *fixture) readVar(info *ast.VarInfo) ast.Value {
	return f.value(ast.ValueVar, info.Type, info)
}

func (f *fixture) procValue(t ast.Type, proc *ast.Proc) ast.Value {
	proc.ID = f.procCount
	f.procCount++
	return f.value(ast.ValueProc, t, proc)
}

func (f *fixture) callValue(t ast.Type, call *ast.ProcCall) ast.Value {
	call.ID = f.callCount
	f.callCount++
	return f.value(ast.ValueProcCall, t, call)
}

func declStmt(info *ast.VarInfo, setValue ast.Value) ast.Statement {
	return ast.Statement{Kind: ast.StatementDeclVar, VarDecl: &ast.DeclVar{VarInfo: info, SetValue: setValue}}
}

func valueStmt(value ast.Value) ast.Statement {
	v := value
	return ast.Statement{Kind: ast.StatementValue, Value: &v}
}

func returnValueStmt(value ast.Value) ast.Statement {
	v := value
	return ast.Statement{Kind: ast.StatementReturnValue, Value: &v}
}

func condStmt(cond *ast.Cond) ast.Statement {
	return ast.Statement{Kind: ast.StatementCond, Cond: cond}
}

func (f *fixture) build(statements ...ast.Statement) *ast.AST {
	dbgTable := ast.NewDbgTable()
	dbgTable.AddLoc("test.sf", 1, 1)
	return &ast.AST{
		RecordProtos:  f.records,
		ExecBlock:     ast.CodeBlock{Statements: statements},
		ValueCount:    f.valueCount,
		VarDeclCount:  f.varCount,
		ProcCallCount: f.callCount,
		ProcCount:     f.procCount,
		RecordCount:   len(f.records),
		ConstantCount: f.constantCount,
		DbgTable:      dbgTable,
	}
}

func mustCompile(t *testing.T, a *ast.AST) *Compiler {
	t.Helper()
	c, err := Compile(a)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return c
}

func countOp(instructions []ir.Ins, op ir.OpCode) int {
	n := 0
	for _, ins := range instructions {
		if ins.Op == op {
			n++
		}
	}
	return n
}

func findOp(t *testing.T, instructions []ir.Ins, op ir.OpCode) (int, ir.Ins) {
	t.Helper()
	for i, ins := range instructions {
		if ins.Op == op {
			return i, ins
		}
	}
	t.Fatalf("no %v instruction emitted", op)
	return -1, ir.Ins{}
}

// global x = 5; x + 3
func TestGlobalConstantAdd(t *testing.T) {
	f := &fixture{}
	x := f.varInfo(ast.TLong, true)
	add := f.value(ast.ValueBinaryOp, ast.TLong, &ast.BinaryOp{
		Op:  ast.BinOpAdd,
		LHS: f.readVar(x),
		RHS: f.long(1, 3),
	})
	c := mustCompile(t, f.build(declStmt(x, f.long(0, 5)), valueStmt(add)))

	if c.Machine().Stack[0] != 5 || c.Machine().Stack[1] != 3 {
		t.Errorf("constant pool = %v, want [5 3]", c.Machine().Stack[:2])
	}

	want := []ir.Ins{
		ir.Ins1(ir.OpStackOffset, ir.GlobReg(2)),
		ir.Ins0(ir.OpGCNewFrame),
		ir.Ins3(ir.OpLongAdd, ir.GlobReg(0), ir.GlobReg(1), ir.LocReg(0)),
		ir.Ins0(ir.OpGCClean),
		ir.Ins1(ir.OpAbort, ir.GlobReg(uint16(machine.ErrNone))),
	}
	got := c.Instructions()
	if len(got) != len(want) {
		t.Fatalf("instruction count = %d, want %d:\n%v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ins %d = %v, want %v", i, got[i], want[i])
		}
	}
	if countOp(got, ir.OpAlloc) != 0 || countOp(got, ir.OpAllocI) != 0 {
		t.Errorf("no allocations expected")
	}
}

// proc id<T>(x: T) T => x; id<long>(7)
func TestGenericIdentityCall(t *testing.T) {
	f := &fixture{}
	typeArg := ast.Type{Kind: ast.TypeTypeArg}
	procType := ast.Type{Kind: ast.TypeProc, TypeID: 1, Subs: []ast.Type{typeArg, typeArg}}

	id := f.varInfo(procType, true)
	x := f.varInfo(typeArg, false)
	proc := &ast.Proc{
		Params:    []*ast.VarInfo{x},
		Thisproc:  id,
		ExecBlock: ast.CodeBlock{Statements: []ast.Statement{returnValueStmt(f.readVar(x))}},
	}
	procLit := f.procValue(procType, proc)

	call := f.callValue(ast.TLong, &ast.ProcCall{
		Arguments: []ast.Value{f.long(0, 7)},
		Procedure: f.readVar(id),
		TypeArgs:  []ast.Type{ast.TLong},
	})

	c := mustCompile(t, f.build(declStmt(id, procLit), valueStmt(call)))
	instructions := c.Instructions()

	// body: label, jump over, stack validation, move into the return slot,
	// return
	labelIP, labelIns := findOp(t, instructions, ir.OpLabel)
	if labelIns.Regs[0] != ir.GlobReg(1) {
		t.Errorf("procedure label register = %v, want g1", labelIns.Regs[0])
	}
	if instructions[labelIP+1].Op != ir.OpJump {
		t.Errorf("label must be followed by the skip jump, got %v", instructions[labelIP+1])
	}
	if bodyStart := labelIns.Regs[1].Index; instructions[bodyStart].Op != ir.OpStackValidate {
		t.Errorf("body must open with stack validation, got %v", instructions[bodyStart])
	}
	if instructions[labelIP+3].Op != ir.OpMove || instructions[labelIP+3].Regs[0] != ir.LocReg(0) {
		t.Errorf("return value must move into local 0, got %v", instructions[labelIP+3])
	}
	if instructions[labelIP+4].Op != ir.OpReturn {
		t.Errorf("body must end with return, got %v", instructions[labelIP+4])
	}
	if skip := instructions[labelIP+1].Regs[0].Index; skip != uint16(labelIP+5) {
		t.Errorf("skip jump lands at %d, want %d", skip, labelIP+5)
	}

	// call site: argument move, signature set, call
	_, moveIns := findOp(t, instructions[labelIP+5:], ir.OpMove)
	if moveIns != ir.Ins2(ir.OpMove, ir.LocReg(1), ir.GlobReg(0)) {
		t.Errorf("argument move = %v, want move l1, g0", moveIns)
	}
	_, setIns := findOp(t, instructions, ir.OpSet)
	longSig, fresh := c.Machine().Intern(machine.TypeSig{Super: machine.SigLong}, true)
	if fresh {
		t.Fatalf("long signature must have been interned during the compile")
	}
	if setIns.Regs[0] != ir.LocReg(2) || setIns.Regs[1] != ir.GlobReg(longSig) || setIns.Regs[2] != ir.GlobReg(0) {
		t.Errorf("generic slot set = %v, want set l2, g%d, no atomize", setIns, longSig)
	}
	callIP, callIns := findOp(t, instructions, ir.OpCall)
	if callIns.Regs[0] != ir.GlobReg(1) || callIns.Regs[1] != ir.GlobReg(0) {
		t.Errorf("call = %v, want call g1, base 0", callIns)
	}
	if countOp(instructions, ir.OpPopAtomTypesigs) != 0 {
		t.Errorf("closed signature binding must not push atomized signatures")
	}
	// a zero base elides the deoffset
	if callIP+1 < len(instructions) && instructions[callIP+1].Op == ir.OpStackDeoffset {
		t.Errorf("zero call offset must not emit a deoffset")
	}

	if max := c.ProcCallMaxLocals(proc.ID); max != 1 {
		t.Errorf("procedure highwater = %d, want 1", max)
	}
}

// global a = [1,2,3]; a[1]
func TestArrayLiteralAndIndex(t *testing.T) {
	f := &fixture{}
	arrayType := ast.Type{Kind: ast.TypeArray, Subs: []ast.Type{ast.TLong}}
	elemType := ast.TLong

	a := f.varInfo(arrayType, true)
	literal := f.value(ast.ValueArrayLiteral, arrayType, &ast.ArrayLiteral{
		ElemType: &elemType,
		Elements: []ast.Value{f.long(0, 1), f.long(1, 2), f.long(2, 3)},
	})
	index := f.value(ast.ValueGetIndex, ast.TLong, &ast.GetIndex{
		Array: f.readVar(a),
		Index: f.long(0, 1),
	})
	c := mustCompile(t, f.build(declStmt(a, literal), valueStmt(index)))
	instructions := c.Instructions()

	_, allocIns := findOp(t, instructions, ir.OpAllocI)
	if allocIns != ir.Ins3(ir.OpAllocI, ir.GlobReg(3), ir.GlobReg(3), ir.GlobReg(machine.TraceModeNone)) {
		t.Errorf("array alloc = %v, want alloc_i g3, 3, none", allocIns)
	}
	_, confIns := findOp(t, instructions, ir.OpConfigTypesig)
	if confIns.Regs[1] != ir.GlobReg(2) {
		t.Errorf("array<long> must reuse pinned signature 2, got %v", confIns.Regs[1])
	}
	if n := countOp(instructions, ir.OpStoreAllocI); n != 3 {
		t.Errorf("store count = %d, want 3", n)
	}
	_, loadIns := findOp(t, instructions, ir.OpLoadAllocIBound)
	if loadIns != ir.Ins3(ir.OpLoadAllocIBound, ir.GlobReg(3), ir.LocReg(0), ir.GlobReg(1)) {
		t.Errorf("indexed load = %v, want load_alloc_i_bound g3, l0, 1", loadIns)
	}
}

// record R { x: long }; global r = new R { x = 9 }; r.x = 10
func TestRecordAllocAndSetProp(t *testing.T) {
	f := &fixture{}
	proto := &ast.RecordProto{
		PropertyCount: 1,
		Properties:    []ast.Property{{ID: 0, Type: ast.TLong}},
	}
	f.records = append(f.records, proto)
	recordType := ast.Type{Kind: ast.TypeRecord}

	r := f.varInfo(recordType, true)
	alloc := f.value(ast.ValueAllocRecord, recordType, &ast.AllocRecord{
		Proto:         proto,
		InitValues:    []ast.RecordInit{{Property: &proto.Properties[0], Value: f.long(0, 9)}},
		TypeArgTraces: []ast.TraceStatus{ast.TraceNone},
	})
	setProp := f.value(ast.ValueSetProp, ast.TLong, &ast.SetProp{
		Record:   f.readVar(r),
		Value:    f.long(1, 10),
		Property: &proto.Properties[0],
	})
	protoStmt := ast.Statement{Kind: ast.StatementRecordProto, RecordProto: proto}
	c := mustCompile(t, f.build(protoStmt, declStmt(r, alloc), valueStmt(setProp)))
	instructions := c.Instructions()

	_, allocIns := findOp(t, instructions, ir.OpAllocI)
	if allocIns != ir.Ins3(ir.OpAllocI, ir.GlobReg(2), ir.GlobReg(1), ir.GlobReg(machine.TraceModeNone)) {
		t.Errorf("record alloc = %v, want alloc_i g2, 1, none", allocIns)
	}

	stores := 0
	for _, ins := range instructions {
		if ins.Op == ir.OpStoreAllocI {
			if ins.Regs[0] != ir.GlobReg(2) || ins.Regs[2] != ir.GlobReg(0) {
				t.Errorf("property store = %v, want store into g2 slot 0", ins)
			}
			stores++
		}
	}
	if stores != 2 {
		t.Errorf("store count = %d, want 2 (initializer + assignment)", stores)
	}

	for _, ins := range instructions {
		switch ins.Op {
		case ir.OpTypeguardProtectArray, ir.OpTypeguardProtectTypeargProperty,
			ir.OpTypeguardProtectTypeargPropertyDowncast,
			ir.OpTypeguardProtectSubProperty, ir.OpTypeguardProtectSubPropertyDowncast:
			t.Errorf("concrete property store must not emit a typeguard: %v", ins)
		}
	}

	if c.Machine().TypeTable[0] != 0 {
		t.Errorf("record without a base must keep a zero super entry")
	}
}

// initializer stores match the record's property count
func TestRecordInitStoreCount(t *testing.T) {
	f := &fixture{}
	proto := &ast.RecordProto{
		PropertyCount: 3,
		Properties: []ast.Property{
			{ID: 0, Type: ast.TLong},
			{ID: 1, Type: ast.TBool},
			{ID: 2, Type: ast.TChar},
		},
	}
	f.records = append(f.records, proto)
	recordType := ast.Type{Kind: ast.TypeRecord}

	r := f.varInfo(recordType, true)
	alloc := f.value(ast.ValueAllocRecord, recordType, &ast.AllocRecord{
		Proto: proto,
		InitValues: []ast.RecordInit{
			{Property: &proto.Properties[0], Value: f.long(0, 1)},
			{Property: &proto.Properties[1], Value: f.long(1, 0)},
			{Property: &proto.Properties[2], Value: f.long(2, 65)},
		},
		TypeArgTraces: []ast.TraceStatus{ast.TraceNone, ast.TraceNone, ast.TraceNone},
	})
	c := mustCompile(t, f.build(declStmt(r, alloc)))

	if n := countOp(c.Instructions(), ir.OpStoreAllocI); n != int(proto.PropertyCount) {
		t.Errorf("initializer store count = %d, want %d", n, proto.PropertyCount)
	}
}

// while (x > 0) { x = x - 1 }
func TestWhileLoop(t *testing.T) {
	f := &fixture{}
	x := f.varInfo(ast.TLong, true)
	x.HasMutated = true

	more := f.value(ast.ValueBinaryOp, ast.TBool, &ast.BinaryOp{
		Op:  ast.BinOpMore,
		LHS: f.readVar(x),
		RHS: f.long(1, 0),
	})
	decrement := f.value(ast.ValueSetVar, ast.TLong, &ast.SetVar{
		VarInfo: x,
		SetValue: f.value(ast.ValueBinaryOp, ast.TLong, &ast.BinaryOp{
			Op:  ast.BinOpSubtract,
			LHS: f.readVar(x),
			RHS: f.long(2, 1),
		}),
	})
	loop := &ast.Cond{
		Condition: &more,
		ExecBlock: ast.CodeBlock{Statements: []ast.Statement{valueStmt(decrement)}},
	}
	loop.NextIfTrue = loop

	c := mustCompile(t, f.build(declStmt(x, f.long(0, 5)), condStmt(loop)))
	instructions := c.Instructions()

	continueIP, moreIns := findOp(t, instructions, ir.OpLongMore)
	if moreIns.Regs[0] != ir.GlobReg(3) || moreIns.Regs[1] != ir.GlobReg(1) {
		t.Errorf("condition = %v, want long_more g3, g1", moreIns)
	}

	checkIP, checkIns := findOp(t, instructions, ir.OpJumpCheck)
	if checkIP != continueIP+1 {
		t.Fatalf("jump_check must directly follow the condition")
	}
	exitIP := checkIns.Regs[1].Index

	backIP, backIns := findOp(t, instructions, ir.OpJump)
	if backIns.Regs[0].Index != uint16(continueIP) {
		t.Errorf("loop back jump lands at %d, want continue ip %d", backIns.Regs[0].Index, continueIP)
	}
	if exitIP != uint16(backIP+1) {
		t.Errorf("loop exit lands at %d, want %d", exitIP, backIP+1)
	}

	labelBuf := ir.BuildLabels(instructions, ast.NewDbgTable())
	if labelBuf.InsLabel[continueIP] == 0 {
		t.Errorf("continue target must be labeled")
	}
	if labelBuf.InsLabel[exitIP] == 0 {
		t.Errorf("loop exit must be labeled")
	}
}

// f as R, where f's static type is a type-argument and R is concrete
func TestDynamicCastToConcrete(t *testing.T) {
	f := &fixture{}
	proto := &ast.RecordProto{PropertyCount: 0}
	f.records = append(f.records, proto)
	recordType := ast.Type{Kind: ast.TypeRecord}
	typeArg := ast.Type{Kind: ast.TypeTypeArg}
	procType := ast.Type{Kind: ast.TypeProc, TypeID: 1, Subs: []ast.Type{{Kind: ast.TypeNothing}, typeArg}}

	p := f.varInfo(procType, true)
	operand := f.varInfo(typeArg, false)
	castValue := f.value(ast.ValueTypeOp, recordType, &ast.TypeOp{
		Op:        ast.TypeCast,
		Operand:   f.readVar(operand),
		MatchType: recordType,
	})
	proc := &ast.Proc{
		Params:    []*ast.VarInfo{operand},
		Thisproc:  p,
		ExecBlock: ast.CodeBlock{Statements: []ast.Statement{valueStmt(castValue)}},
	}
	procLit := f.procValue(procType, proc)

	c := mustCompile(t, f.build(declStmt(p, procLit)))
	instructions := c.Instructions()

	if n := countOp(instructions, ir.OpDynamicTypecastDR); n != 1 {
		t.Fatalf("expected exactly one dynamic_typecast_dr, got %d", n)
	}
	_, castIns := findOp(t, instructions, ir.OpDynamicTypecastDR)

	recordSig, fresh := c.Machine().Intern(machine.TypeSig{Super: machine.SigRecordBase}, true)
	if fresh {
		t.Fatalf("record signature must have been interned during the compile")
	}
	if castIns.Regs[1] != ir.LocReg(2) {
		t.Errorf("cast reads the type-argument slot l2, got %v", castIns.Regs[1])
	}
	if castIns.Regs[2] != ir.GlobReg(recordSig) {
		t.Errorf("cast carries signature %v, want g%d", castIns.Regs[2], recordSig)
	}

	for _, op := range []ir.OpCode{ir.OpDynamicTypecastDD, ir.OpDynamicTypecastRD, ir.OpRuntimeTypecast,
		ir.OpDynamicTypecheckDD, ir.OpDynamicTypecheckDR, ir.OpDynamicTypecheckRD, ir.OpRuntimeTypecheck} {
		if countOp(instructions, op) != 0 {
			t.Errorf("unexpected %v alongside the DR cast", op)
		}
	}
}

// more than 64 breaks in one loop body must surface as an internal error
func TestBreakJumpLimit(t *testing.T) {
	f := &fixture{}
	x := f.varInfo(ast.TBool, true)
	x.HasMutated = true

	statements := make([]ast.Statement, 0, maxBreakJumps+1)
	for i := 0; i <= maxBreakJumps; i++ {
		statements = append(statements, ast.Statement{Kind: ast.StatementBreak})
	}

	cond := f.readVar(x)
	loop := &ast.Cond{
		Condition: &cond,
		ExecBlock: ast.CodeBlock{Statements: statements},
	}
	loop.NextIfTrue = loop

	_, err := Compile(f.build(declStmt(x, f.long(0, 1)), condStmt(loop)))
	if err != machine.ErrInternal {
		t.Fatalf("expected internal error past %d breaks, got %v", maxBreakJumps, err)
	}
}

// if/else-if/else chains: each arm jumps past the rest on success
func TestConditionalChain(t *testing.T) {
	f := &fixture{}
	a := f.varInfo(ast.TBool, true)
	b := f.varInfo(ast.TBool, true)

	condA := f.readVar(a)
	condB := f.readVar(b)
	chain := &ast.Cond{
		Condition: &condA,
		NextIfFalse: &ast.Cond{
			Condition:   &condB,
			NextIfFalse: &ast.Cond{},
		},
	}

	c := mustCompile(t, f.build(
		declStmt(a, f.long(0, 1)),
		declStmt(b, f.long(1, 0)),
		condStmt(chain),
	))
	instructions := c.Instructions()

	if n := countOp(instructions, ir.OpJumpCheck); n != 2 {
		t.Fatalf("expected a jump_check per condition arm, got %d", n)
	}
	end := uint16(len(instructions) - 2) // before gc_clean + abort
	for _, ins := range instructions {
		if ins.Op == ir.OpJump && ins.Regs[0].Index != end {
			t.Errorf("escape jump lands at %d, want chain end %d", ins.Regs[0].Index, end)
		}
	}
}

// re-running the label pass over the compiled IL changes nothing
func TestLabelsStableOverCompiledIL(t *testing.T) {
	f := &fixture{}
	x := f.varInfo(ast.TLong, true)
	x.HasMutated = true
	cond := f.value(ast.ValueBinaryOp, ast.TBool, &ast.BinaryOp{
		Op:  ast.BinOpMore,
		LHS: f.readVar(x),
		RHS: f.long(1, 0),
	})
	loop := &ast.Cond{
		Condition: &cond,
		ExecBlock: ast.CodeBlock{Statements: []ast.Statement{{Kind: ast.StatementBreak}}},
	}
	loop.NextIfTrue = loop

	c := mustCompile(t, f.build(declStmt(x, f.long(0, 3)), condStmt(loop)))

	first := ir.BuildLabels(c.Instructions(), ast.NewDbgTable())
	second := ir.BuildLabels(c.Instructions(), ast.NewDbgTable())
	for ip := range first.InsLabel {
		if first.InsLabel[ip] != second.InsLabel[ip] {
			t.Fatalf("label at ip %d changed between passes: %d vs %d", ip, first.InsLabel[ip], second.InsLabel[ip])
		}
	}
}
