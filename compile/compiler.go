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
	"math"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/machine"
)

// -----------------------------------------------------------------------------
// IL Compilation
//
// Two passes over the AST. The first assigns every value and variable a
// register without emitting anything (regalloc.go); the second lowers the AST
// to the register IL using that assignment (lower.go). Interned type
// signatures and the constant pool accumulate in the target machine along the
// way.

const (
	// StackSize is the emitted runtime's stack slot count.
	StackSize = math.MaxUint16 / 8

	// FrameLimit caps the emitted call stack depth.
	FrameLimit = 1000

	// maxBreakJumps bounds pending break fixups per loop body.
	maxBreakJumps = 64
)

// Compiler threads all state of one compile. Every map lives for exactly one
// Compile call; the instruction buffer and machine move on to the emitters.
type Compiler struct {
	ast     *ast.AST
	machine *machine.Machine
	builder ir.Builder

	evalRegs          []ir.Reg
	moveEval          []bool
	varRegs           []ir.Reg
	procCallOffsets   []uint16
	procCallMaxLocals []uint16
	currentGlobal     uint16

	// LastErr is the kind of the failure that aborted the compile, if any.
	LastErr machine.Error
}

// Compile lowers a validated AST to IL, filling a fresh target machine with
// the constant pool, interned type signatures and record super types.
func Compile(a *ast.AST) (*Compiler, error) {
	c := &Compiler{
		ast:               a,
		machine:           machine.NewMachine(StackSize, FrameLimit, a.RecordCount),
		evalRegs:          make([]ir.Reg, a.ValueCount),
		moveEval:          make([]bool, a.ValueCount),
		varRegs:           make([]ir.Reg, a.VarDeclCount),
		procCallOffsets:   make([]uint16, a.ProcCallCount),
		procCallMaxLocals: make([]uint16, a.ProcCount),
	}

	// array<bool> .. array<float> occupy signature indices 0..3
	c.machine.InternPrimitiveArrays()

	c.allocateBlockRegs(a.ExecBlock, 0, nil)

	c.emit(ir.Ins1(ir.OpStackOffset, ir.GlobReg(uint16(a.ConstantCount)+c.currentGlobal)))
	c.emit(ir.Ins0(ir.OpGCNewFrame))
	if err := c.compileBlock(a.ExecBlock, nil, 0, nil); err != nil {
		return nil, c.fail(err)
	}
	c.emit(ir.Ins0(ir.OpGCClean))
	c.emit(ir.Ins1(ir.OpAbort, ir.GlobReg(uint16(machine.ErrNone))))

	return c, nil
}

func (c *Compiler) emit(ins ir.Ins) {
	c.builder.Append(ins)
}

func (c *Compiler) fail(err error) error {
	if kind, ok := err.(machine.Error); ok {
		c.LastErr = kind
	}
	return err
}

func (c *Compiler) Machine() *machine.Machine { return c.machine }

func (c *Compiler) Instructions() []ir.Ins { return c.builder.Instructions() }

// Read-only views over the allocation maps, for the emit drivers and tests.

func (c *Compiler) EvalReg(valueID int) ir.Reg { return c.evalRegs[valueID] }

func (c *Compiler) MoveEval(valueID int) bool { return c.moveEval[valueID] }

func (c *Compiler) VarReg(varID int) ir.Reg { return c.varRegs[varID] }

func (c *Compiler) ProcCallOffset(callID int) uint16 { return c.procCallOffsets[callID] }

func (c *Compiler) ProcCallMaxLocals(procID int) uint16 { return c.procCallMaxLocals[procID] }

// GlobalCount reports how many global slots beyond the constant pool the
// compile claimed.
func (c *Compiler) GlobalCount() uint16 { return c.currentGlobal }

// typeargInfoReg is the local slot holding the runtime signature index bound
// to a type-argument of the enclosing procedure: type-argument slots sit right
// after the return slot and the parameters.
func (c *Compiler) typeargInfoReg(proc *ast.Proc, t ast.Type) ir.Reg {
	return ir.LocReg(uint16(len(proc.Params)) + 1 + uint16(t.TypeID))
}

func (c *Compiler) setMinIP(srcLocID int) {
	if c.ast.DbgTable != nil {
		c.ast.DbgTable.SetMinIP(srcLocID, uint64(c.builder.Count()))
	}
}

func (c *Compiler) setMaxIP(srcLocID int) {
	if c.ast.DbgTable != nil {
		c.ast.DbgTable.SetMaxIP(srcLocID, uint64(c.builder.Count()))
	}
}
