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
	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/ir"
	"github.com/TheRealMichaelWang/Capote/utils"
)

// -----------------------------------------------------------------------------
// Register Allocation
//
// One pre-order pass without liveness analysis: expression trees claim locals
// the way a stack machine would, collapsed into a fixed frame through the
// per-procedure highwater mark. Pure aliases (variable reads, primitives)
// claim no slot; a caller that already picked a destination passes it down as
// the target hint and the move at the parent is elided. The pass emits no IL.

// allocLoc claims a local slot, bumping the owning procedure's highwater mark.
func (c *Compiler) allocLoc(reg uint16, proc *ast.Proc) ir.Reg {
	if proc != nil && reg > c.procCallMaxLocals[proc.ID] {
		c.procCallMaxLocals[proc.ID] = reg
	}
	return ir.LocReg(reg)
}

func (c *Compiler) allocateValueRegs(value *ast.Value, currentReg uint16, targetReg *ir.Reg, proc *ast.Proc) uint16 {
	if !value.AffectsState {
		return currentReg
	}
	extraRegs := currentReg

	switch value.Kind {
	case ast.ValuePrimitive:
		prim := value.Data.(*ast.Primitive)
		utils.Assert(int(prim.ID) < c.ast.ConstantCount, "primitive %d outside the constant pool", prim.ID)
		c.machine.Stack[prim.ID] = prim.Data
		c.evalRegs[value.ID] = ir.GlobReg(prim.ID)
		c.moveEval[value.ID] = true
		return currentReg

	case ast.ValueAllocArray:
		alloc := value.Data.(*ast.AllocArray)
		c.allocateValueRegs(&alloc.Size, currentReg, nil, proc)

	case ast.ValueArrayLiteral:
		literal := value.Data.(*ast.ArrayLiteral)
		for i := range literal.Elements {
			c.allocateValueRegs(&literal.Elements[i], currentReg+1, nil, proc)
		}

	case ast.ValueAllocRecord:
		record := value.Data.(*ast.AllocRecord)
		for i := range record.InitValues {
			c.allocateValueRegs(&record.InitValues[i].Value, currentReg+1, nil, proc)
		}

	case ast.ValueProc:
		procedure := value.Data.(*ast.Proc)
		reg := ir.GlobReg(uint16(c.ast.ConstantCount) + c.currentGlobal)
		c.currentGlobal++
		c.varRegs[procedure.Thisproc.ID] = reg
		c.evalRegs[value.ID] = reg
		c.moveEval[value.ID] = true

		currentArgReg := uint16(1)
		for _, param := range procedure.Params {
			c.varRegs[param.ID] = c.allocLoc(currentArgReg, procedure)
			currentArgReg++
		}

		// type-argument slots follow the parameters
		c.allocateBlockRegs(procedure.ExecBlock, currentArgReg+uint16(value.Type.TypeID), procedure)
		return currentReg

	case ast.ValueVar:
		variable := value.Data.(*ast.VarInfo)
		c.evalRegs[value.ID] = c.varRegs[variable.ID]
		c.moveEval[value.ID] = true
		return currentReg

	case ast.ValueSetVar:
		set := value.Data.(*ast.SetVar)
		if set.VarInfo.IsUsed {
			c.evalRegs[value.ID] = c.varRegs[set.VarInfo.ID]
			c.allocateValueRegs(&set.SetValue, currentReg, &c.evalRegs[value.ID], proc)
		} else if set.SetValue.AffectsState {
			c.allocateValueRegs(&set.SetValue, currentReg, nil, proc)
		}
		c.evalRegs[value.ID] = c.evalRegs[set.SetValue.ID]
		c.moveEval[value.ID] = c.moveEval[set.SetValue.ID]
		return currentReg

	case ast.ValueSetIndex:
		set := value.Data.(*ast.SetIndex)
		if set.Array.AffectsState {
			extraRegs = c.allocateValueRegs(&set.Array, extraRegs, nil, proc)
			if set.Index.Kind != ast.ValuePrimitive {
				extraRegs = c.allocateValueRegs(&set.Index, extraRegs, nil, proc)
			}
			c.allocateValueRegs(&set.Value, extraRegs, nil, proc)
		} else if set.Value.AffectsState {
			c.allocateValueRegs(&set.Value, currentReg, nil, proc)
		}
		c.evalRegs[value.ID] = c.evalRegs[set.Value.ID]
		c.moveEval[value.ID] = c.moveEval[set.Value.ID]
		return currentReg

	case ast.ValueSetProp:
		set := value.Data.(*ast.SetProp)
		if set.Record.AffectsState {
			extraRegs = c.allocateValueRegs(&set.Record, extraRegs, nil, proc)
			c.allocateValueRegs(&set.Value, extraRegs, nil, proc)
		} else if set.Value.AffectsState {
			c.allocateValueRegs(&set.Value, currentReg, nil, proc)
		}
		c.evalRegs[value.ID] = c.evalRegs[set.Value.ID]
		c.moveEval[value.ID] = c.moveEval[set.Value.ID]
		return currentReg

	case ast.ValueGetIndex:
		get := value.Data.(*ast.GetIndex)
		extraRegs = c.allocateValueRegs(&get.Array, extraRegs, nil, proc)
		if get.Index.Kind != ast.ValuePrimitive {
			c.allocateValueRegs(&get.Index, extraRegs, nil, proc)
		}

	case ast.ValueGetProp:
		get := value.Data.(*ast.GetProp)
		c.allocateValueRegs(&get.Record, extraRegs, nil, proc)

	case ast.ValueBinaryOp:
		binop := value.Data.(*ast.BinaryOp)
		extraRegs = c.allocateValueRegs(&binop.LHS, extraRegs, nil, proc)
		c.allocateValueRegs(&binop.RHS, extraRegs, nil, proc)

	case ast.ValueUnaryOp:
		unary := value.Data.(*ast.UnaryOp)
		c.allocateValueRegs(&unary.Operand, currentReg, nil, proc)
		if (unary.Op == ast.UnaryIncrement || unary.Op == ast.UnaryDecrement) && !unary.IsPostfix {
			// prefix form mutates in place and aliases the operand
			c.evalRegs[value.ID] = c.evalRegs[unary.Operand.ID]
			c.moveEval[value.ID] = c.moveEval[unary.Operand.ID]
		} else {
			if targetReg != nil {
				c.evalRegs[value.ID] = *targetReg
			} else {
				c.evalRegs[value.ID] = c.allocLoc(currentReg, proc)
			}
			currentReg++
			c.moveEval[value.ID] = false
		}
		return currentReg

	case ast.ValueTypeOp:
		typeOp := value.Data.(*ast.TypeOp)
		c.allocateValueRegs(&typeOp.Operand, currentReg, nil, proc)

	case ast.ValueProcCall:
		call := value.Data.(*ast.ProcCall)
		c.evalRegs[value.ID] = c.allocLoc(extraRegs, proc)
		c.procCallOffsets[call.ID] = extraRegs
		extraRegs++
		c.moveEval[value.ID] = !(value.Type.Kind == ast.TypeNothing || targetReg == nil ||
			(targetReg.Local && targetReg.Index == currentReg))

		for i := range call.Arguments {
			argReg := c.allocLoc(extraRegs, proc)
			c.allocateValueRegs(&call.Arguments[i], extraRegs, &argReg, proc)
			extraRegs++
		}
		// type-argument slots follow the arguments, where the callee looks
		// them up; the callable is allocated above them
		for i := 0; i < int(call.Procedure.Type.TypeID); i++ {
			c.allocLoc(extraRegs, proc)
			extraRegs++
		}
		c.allocateValueRegs(&call.Procedure, extraRegs, nil, proc)

		return currentReg + 1

	case ast.ValueForeign:
		foreign := value.Data.(*ast.Foreign)
		extraRegs = c.allocateValueRegs(&foreign.OpID, extraRegs, nil, proc)
		if foreign.Input != nil {
			extraRegs = c.allocateValueRegs(foreign.Input, extraRegs, nil, proc)
		}
	}

	if targetReg != nil {
		c.evalRegs[value.ID] = *targetReg
		c.moveEval[value.ID] = false
	} else {
		c.evalRegs[value.ID] = c.allocLoc(currentReg, proc)
		currentReg++
		c.moveEval[value.ID] = true
	}
	return currentReg
}

func (c *Compiler) allocateBlockRegs(block ast.CodeBlock, currentReg uint16, proc *ast.Proc) {
	for i := range block.Statements {
		statement := &block.Statements[i]
		switch statement.Kind {
		case ast.StatementDeclVar:
			varDecl := statement.VarDecl
			if c.aliasableDecl(varDecl) {
				currentReg = c.allocateValueRegs(&varDecl.SetValue, currentReg, nil, proc)
				if varDecl.VarInfo.IsUsed {
					c.varRegs[varDecl.VarInfo.ID] = c.evalRegs[varDecl.SetValue.ID]
					c.moveEval[varDecl.SetValue.ID] = false
				}
			} else if varDecl.VarInfo.IsGlobal {
				if varDecl.VarInfo.IsUsed {
					c.varRegs[varDecl.VarInfo.ID] = ir.GlobReg(uint16(c.ast.ConstantCount) + c.currentGlobal)
					c.currentGlobal++
					c.allocateValueRegs(&varDecl.SetValue, currentReg, &c.varRegs[varDecl.VarInfo.ID], proc)
				} else if varDecl.SetValue.AffectsState {
					c.allocateValueRegs(&varDecl.SetValue, currentReg, nil, proc)
				}
			} else {
				if varDecl.VarInfo.IsUsed {
					c.varRegs[varDecl.VarInfo.ID] = c.allocLoc(currentReg, proc)
					c.allocateValueRegs(&varDecl.SetValue, currentReg, &c.varRegs[varDecl.VarInfo.ID], proc)
					currentReg++
				} else if varDecl.SetValue.AffectsState {
					c.allocateValueRegs(&varDecl.SetValue, currentReg, nil, proc)
				}
			}

		case ast.StatementCond:
			for conditional := statement.Cond; conditional != nil; conditional = conditional.NextIfFalse {
				if conditional.Condition != nil {
					c.allocateValueRegs(conditional.Condition, currentReg, nil, proc)
				}
				c.allocateBlockRegs(conditional.ExecBlock, currentReg, proc)
			}

		case ast.StatementValue:
			scratchpad := ir.LocReg(0)
			c.allocateValueRegs(statement.Value, currentReg, &scratchpad, proc)

		case ast.StatementReturnValue:
			returnReg := ir.LocReg(0)
			c.allocateValueRegs(statement.Value, currentReg, &returnReg, proc)
		}
	}
}

// aliasableDecl reports whether a declaration can share its initializer's
// register outright: the variable is never mutated and the initializer is a
// primitive, a procedure literal, or a read of another immutable variable
// whose placement is compatible (a global cannot alias a local).
func (c *Compiler) aliasableDecl(varDecl *ast.DeclVar) bool {
	if varDecl.VarInfo.HasMutated {
		return false
	}
	switch varDecl.SetValue.Kind {
	case ast.ValuePrimitive, ast.ValueProc:
		return true
	case ast.ValueVar:
		src := varDecl.SetValue.Data.(*ast.VarInfo)
		return !src.HasMutated && !(varDecl.VarInfo.IsGlobal && !src.IsGlobal)
	}
	return false
}
