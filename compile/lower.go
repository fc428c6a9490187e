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
	"github.com/TheRealMichaelWang/Capote/machine"
	"github.com/TheRealMichaelWang/Capote/utils"
)

// -----------------------------------------------------------------------------
// IL Lowering
//
// The second AST pass. Assumes the allocation pass is complete: every value
// that affects state already has its register, so lowering is a straight
// emission walk. Forward jump targets are appended blank and patched once the
// destination ip is known.

func b2u16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// refTraceMode is the allocation trace policy for a statically known element
// type: reference elements are traced, value elements never are.
func refTraceMode(t ast.Type) uint16 {
	if t.IsRef() {
		return machine.TraceModeAll
	}
	return machine.TraceModeNone
}

func (c *Compiler) compileForceFree(reg ir.Reg, t ast.Type, proc *ast.Proc, freeStatus ast.FreeStatus) {
	switch freeStatus {
	case ast.FreeStatic:
		c.emit(ir.Ins1(ir.OpFree, reg))
	case ast.FreeDynamic:
		c.emit(ir.Ins2(ir.OpDynamicFree, reg, c.typeargInfoReg(proc, t)))
	}
}

func (c *Compiler) compileValueFree(value *ast.Value, proc *ast.Proc) {
	c.compileForceFree(c.evalRegs[value.ID], value.Type, proc, value.FreeStatus)
}

func equalityOp(kind ast.TypeKind) ir.OpCode {
	switch kind {
	case ast.TypeBool:
		return ir.OpBoolEqual
	case ast.TypeChar:
		return ir.OpCharEqual
	case ast.TypeLong:
		return ir.OpLongEqual
	case ast.TypeFloat:
		return ir.OpFloatEqual
	}
	utils.ShouldNotReachHere()
	return 0
}

func longBinaryOp(op ast.BinaryOperator) ir.OpCode {
	switch op {
	case ast.BinOpMore:
		return ir.OpLongMore
	case ast.BinOpLess:
		return ir.OpLongLess
	case ast.BinOpMoreEq:
		return ir.OpLongMoreEqual
	case ast.BinOpLessEq:
		return ir.OpLongLessEqual
	case ast.BinOpAdd:
		return ir.OpLongAdd
	case ast.BinOpSubtract:
		return ir.OpLongSubtract
	case ast.BinOpMultiply:
		return ir.OpLongMultiply
	case ast.BinOpDivide:
		return ir.OpLongDivide
	case ast.BinOpModulo:
		return ir.OpLongModulo
	case ast.BinOpExponent:
		return ir.OpLongExponentiate
	}
	utils.ShouldNotReachHere()
	return 0
}

func floatBinaryOp(op ast.BinaryOperator) ir.OpCode {
	switch op {
	case ast.BinOpMore:
		return ir.OpFloatMore
	case ast.BinOpLess:
		return ir.OpFloatLess
	case ast.BinOpMoreEq:
		return ir.OpFloatMoreEqual
	case ast.BinOpLessEq:
		return ir.OpFloatLessEqual
	case ast.BinOpAdd:
		return ir.OpFloatAdd
	case ast.BinOpSubtract:
		return ir.OpFloatSubtract
	case ast.BinOpMultiply:
		return ir.OpFloatMultiply
	case ast.BinOpDivide:
		return ir.OpFloatDivide
	case ast.BinOpModulo:
		return ir.OpFloatModulo
	case ast.BinOpExponent:
		return ir.OpFloatExponentiate
	}
	utils.ShouldNotReachHere()
	return 0
}

func incDecOp(kind ast.TypeKind, op ast.UnaryOperator) ir.OpCode {
	if kind == ast.TypeFloat {
		if op == ast.UnaryDecrement {
			return ir.OpFloatDecrement
		}
		return ir.OpFloatIncrement
	}
	if op == ast.UnaryDecrement {
		return ir.OpLongDecrement
	}
	return ir.OpLongIncrement
}

func (c *Compiler) compileValue(value *ast.Value, proc *ast.Proc) error {
	if !value.AffectsState {
		return nil
	}

	c.setMinIP(value.SrcLocID)

	switch value.Kind {
	case ast.ValuePrimitive, ast.ValueVar:
		// materialized at allocation time; consumers read the alias

	case ast.ValueAllocArray:
		alloc := value.Data.(*ast.AllocArray)
		if err := c.compileValue(&alloc.Size, proc); err != nil {
			return err
		}
		dest := c.evalRegs[value.ID]
		sizeReg := c.evalRegs[alloc.Size.ID]
		if alloc.ElemType.Kind == ast.TypeTypeArg {
			c.emit(ir.Ins3(ir.OpAlloc, dest, sizeReg, ir.GlobReg(machine.TraceModeNone)))
			c.emit(ir.Ins2(ir.OpDynamicConfAll, dest, c.typeargInfoReg(proc, *alloc.ElemType)))
		} else {
			c.emit(ir.Ins3(ir.OpAlloc, dest, sizeReg, ir.GlobReg(refTraceMode(*alloc.ElemType))))
		}

		sig, err := c.defineTypesig(proc, value.Type)
		if err != nil {
			return err
		}
		c.emit(ir.Ins3(ir.OpConfigTypesig, dest, ir.GlobReg(sig), ir.GlobReg(b2u16(value.Type.HasTypeArg()))))

	case ast.ValueArrayLiteral:
		literal := value.Data.(*ast.ArrayLiteral)
		dest := c.evalRegs[value.ID]
		if literal.ElemType.Kind == ast.TypeTypeArg {
			c.emit(ir.Ins3(ir.OpAllocI, dest, ir.GlobReg(uint16(len(literal.Elements))), ir.GlobReg(machine.TraceModeNone)))
			c.emit(ir.Ins2(ir.OpDynamicConfAll, dest, c.typeargInfoReg(proc, *literal.ElemType)))
		} else {
			c.emit(ir.Ins3(ir.OpAllocI, dest, ir.GlobReg(uint16(len(literal.Elements))), ir.GlobReg(refTraceMode(*literal.ElemType))))
		}

		sig, err := c.defineTypesig(proc, value.Type)
		if err != nil {
			return err
		}
		c.emit(ir.Ins3(ir.OpConfigTypesig, dest, ir.GlobReg(sig), ir.GlobReg(b2u16(value.Type.HasTypeArg()))))

		for i := range literal.Elements {
			if err := c.compileValue(&literal.Elements[i], proc); err != nil {
				return err
			}
			c.emit(ir.Ins3(ir.OpStoreAllocI, dest, c.evalRegs[literal.Elements[i].ID], ir.GlobReg(uint16(i))))
		}

	case ast.ValueAllocRecord:
		record := value.Data.(*ast.AllocRecord)
		dest := c.evalRegs[value.ID]

		traceMode := machine.TraceModeNone
		if record.Proto.DoGC {
			traceMode = machine.TraceModeSome
		}
		c.emit(ir.Ins3(ir.OpAllocI, dest, ir.GlobReg(record.Proto.IndexOffset+record.Proto.PropertyCount), ir.GlobReg(traceMode)))

		sig, err := c.defineTypesig(proc, value.Type)
		if err != nil {
			return err
		}
		c.emit(ir.Ins3(ir.OpConfigTypesig, dest, ir.GlobReg(sig), ir.GlobReg(b2u16(value.Type.HasTypeArg()))))

		for i := range record.InitValues {
			init := &record.InitValues[i]
			if err := c.compileValue(&init.Value, proc); err != nil {
				return err
			}
			c.emit(ir.Ins3(ir.OpStoreAllocI, dest, c.evalRegs[init.Value.ID], ir.GlobReg(init.Property.ID)))
		}

		// configure per-property traces across the whole prototype chain
		for currentProto := record.Proto; ; {
			for i := range currentProto.Properties {
				property := &currentProto.Properties[i]
				if !record.Proto.DoGC {
					continue
				}
				switch record.TypeArgTraces[property.ID] {
				case ast.TraceChildren:
					c.emit(ir.Ins3(ir.OpConfTrace, dest, ir.GlobReg(property.ID), ir.GlobReg(machine.TraceModeAll)))
				case ast.TraceDynamic:
					c.emit(ir.Ins3(ir.OpDynamicConf, dest, ir.GlobReg(property.ID), c.typeargInfoReg(proc, property.Type)))
				default:
					c.emit(ir.Ins3(ir.OpConfTrace, dest, ir.GlobReg(property.ID), ir.GlobReg(machine.TraceModeNone)))
				}
			}
			if currentProto.BaseRecord == nil {
				break
			}
			currentProto = c.ast.RecordProtos[currentProto.BaseRecord.TypeID]
		}

	case ast.ValueProc:
		procedure := value.Data.(*ast.Proc)
		startIP := c.builder.Count()

		c.emit(ir.Ins1(ir.OpLabel, c.evalRegs[value.ID]))
		c.emit(ir.Ins0(ir.OpJump))

		c.builder.Patch(startIP, 1, ir.GlobReg(c.builder.Count()))
		c.emit(ir.Ins1(ir.OpStackValidate, ir.GlobReg(c.procCallMaxLocals[procedure.ID])))
		if procedure.DoGC {
			c.emit(ir.Ins0(ir.OpGCNewFrame))
		}

		if err := c.compileBlock(procedure.ExecBlock, procedure, 0, nil); err != nil {
			return err
		}
		c.builder.Patch(startIP+1, 0, ir.GlobReg(c.builder.Count()))

	case ast.ValueSetVar:
		set := value.Data.(*ast.SetVar)
		if set.VarInfo.IsUsed {
			if err := c.compileValue(&set.SetValue, proc); err != nil {
				return err
			}
			if c.moveEval[set.SetValue.ID] {
				freeStatus := ast.FreeNone
				if set.VarInfo.Type.Kind == ast.TypeTypeArg {
					freeStatus = ast.FreeDynamic
				} else if set.VarInfo.Type.IsRef() {
					freeStatus = ast.FreeStatic
				}
				c.compileForceFree(c.varRegs[set.VarInfo.ID], set.VarInfo.Type, proc, freeStatus)
				c.emit(ir.Ins2(ir.OpMove, c.varRegs[set.VarInfo.ID], c.evalRegs[set.SetValue.ID]))
			}
		} else if set.SetValue.AffectsState {
			if err := c.compileValue(&set.SetValue, proc); err != nil {
				return err
			}
			c.compileValueFree(&set.SetValue, proc)
		}

	case ast.ValueSetIndex:
		set := value.Data.(*ast.SetIndex)
		if set.Array.AffectsState {
			if err := c.compileValue(&set.Array, proc); err != nil {
				return err
			}
			if set.Index.Kind != ast.ValuePrimitive {
				if err := c.compileValue(&set.Index, proc); err != nil {
					return err
				}
			}
			if err := c.compileValue(&set.Value, proc); err != nil {
				return err
			}

			elemType := set.Array.Type.Subs[0]
			if elemType.Kind == ast.TypeTypeArg || elemType.IsRef() {
				c.emit(ir.Ins2(ir.OpTypeguardProtectArray, c.evalRegs[set.Array.ID], c.evalRegs[set.Value.ID]))
			}

			if set.Index.Kind == ast.ValuePrimitive {
				index := set.Index.Data.(*ast.Primitive)
				c.emit(ir.Ins3(ir.OpStoreAllocIBound, c.evalRegs[set.Array.ID], c.evalRegs[set.Value.ID], ir.GlobReg(uint16(index.Data))))
			} else {
				c.emit(ir.Ins3(ir.OpStoreAlloc, c.evalRegs[set.Array.ID], c.evalRegs[set.Index.ID], c.evalRegs[set.Value.ID]))
			}
			c.compileValueFree(&set.Array, proc)
		} else if set.Value.AffectsState {
			if err := c.compileValue(&set.Value, proc); err != nil {
				return err
			}
			c.compileValueFree(&set.Value, proc)
		}

	case ast.ValueSetProp:
		set := value.Data.(*ast.SetProp)
		if set.Record.AffectsState {
			if err := c.compileValue(&set.Record, proc); err != nil {
				return err
			}
			if err := c.compileValue(&set.Value, proc); err != nil {
				return err
			}

			if err := c.compileSetPropTypeguard(set, proc); err != nil {
				return err
			}

			c.emit(ir.Ins3(ir.OpStoreAllocI, c.evalRegs[set.Record.ID], c.evalRegs[set.Value.ID], ir.GlobReg(set.Property.ID)))
			c.compileValueFree(&set.Record, proc)
		} else if set.Value.AffectsState {
			if err := c.compileValue(&set.Value, proc); err != nil {
				return err
			}
			c.compileValueFree(&set.Value, proc)
		}

	case ast.ValueGetIndex:
		get := value.Data.(*ast.GetIndex)
		if err := c.compileValue(&get.Array, proc); err != nil {
			return err
		}
		if get.Index.Kind == ast.ValuePrimitive {
			index := get.Index.Data.(*ast.Primitive)
			c.emit(ir.Ins3(ir.OpLoadAllocIBound, c.evalRegs[get.Array.ID], c.evalRegs[value.ID], ir.GlobReg(uint16(index.Data))))
		} else {
			if err := c.compileValue(&get.Index, proc); err != nil {
				return err
			}
			c.emit(ir.Ins3(ir.OpLoadAlloc, c.evalRegs[get.Array.ID], c.evalRegs[get.Index.ID], c.evalRegs[value.ID]))
		}
		c.compileValueFree(&get.Array, proc)

	case ast.ValueGetProp:
		get := value.Data.(*ast.GetProp)
		if err := c.compileValue(&get.Record, proc); err != nil {
			return err
		}
		c.emit(ir.Ins3(ir.OpLoadAllocI, c.evalRegs[get.Record.ID], c.evalRegs[value.ID], ir.GlobReg(get.Property.ID)))
		c.compileValueFree(&get.Record, proc)

	case ast.ValueBinaryOp:
		binop := value.Data.(*ast.BinaryOp)
		if err := c.compileValue(&binop.LHS, proc); err != nil {
			return err
		}
		if err := c.compileValue(&binop.RHS, proc); err != nil {
			return err
		}
		lhs := c.evalRegs[binop.LHS.ID]
		rhs := c.evalRegs[binop.RHS.ID]
		dest := c.evalRegs[value.ID]

		switch binop.Op {
		case ast.BinOpEquals, ast.BinOpNotEquals:
			if binop.LHS.Type.Kind >= ast.TypeProc {
				c.emit(ir.Ins3(ir.OpPtrEqual, lhs, rhs, dest))
			} else {
				c.emit(ir.Ins3(equalityOp(binop.LHS.Type.Kind), lhs, rhs, dest))
			}
			if binop.Op == ast.BinOpNotEquals {
				c.emit(ir.Ins2(ir.OpNot, dest, dest))
			}
		case ast.BinOpAnd:
			c.emit(ir.Ins3(ir.OpAnd, rhs, lhs, dest))
		case ast.BinOpOr:
			c.emit(ir.Ins3(ir.OpOr, rhs, lhs, dest))
		default:
			if binop.LHS.Type.Kind == ast.TypeLong {
				c.emit(ir.Ins3(longBinaryOp(binop.Op), lhs, rhs, dest))
			} else {
				c.emit(ir.Ins3(floatBinaryOp(binop.Op), lhs, rhs, dest))
			}
		}
		c.compileValueFree(&binop.LHS, proc)
		c.compileValueFree(&binop.RHS, proc)

	case ast.ValueUnaryOp:
		unary := value.Data.(*ast.UnaryOp)
		if err := c.compileValue(&unary.Operand, proc); err != nil {
			return err
		}
		operand := c.evalRegs[unary.Operand.ID]

		switch unary.Op {
		case ast.UnaryNegate:
			if value.Type.Kind == ast.TypeFloat {
				c.emit(ir.Ins2(ir.OpFloatNegate, c.evalRegs[value.ID], operand))
			} else {
				c.emit(ir.Ins2(ir.OpLongNegate, c.evalRegs[value.ID], operand))
			}
		case ast.UnaryNot:
			c.emit(ir.Ins2(ir.OpNot, c.evalRegs[value.ID], operand))
		case ast.UnaryLength:
			c.emit(ir.Ins2(ir.OpLength, c.evalRegs[value.ID], operand))
		default:
			if unary.IsPostfix {
				// snapshot the pre-modify value into the output slot
				c.emit(ir.Ins2(ir.OpMove, c.evalRegs[value.ID], operand))
			}
			c.emit(ir.Ins1(incDecOp(value.Type.Kind, unary.Op), operand))
		}
		c.compileValueFree(&unary.Operand, proc)

	case ast.ValueTypeOp:
		if err := c.compileTypeOp(value, proc); err != nil {
			return err
		}

	case ast.ValueProcCall:
		if err := c.compileProcCall(value, proc); err != nil {
			return err
		}

	case ast.ValueForeign:
		foreign := value.Data.(*ast.Foreign)
		if err := c.compileValue(&foreign.OpID, proc); err != nil {
			return err
		}
		if foreign.Input != nil {
			if err := c.compileValue(foreign.Input, proc); err != nil {
				return err
			}
			c.emit(ir.Ins3(ir.OpForeign, c.evalRegs[foreign.OpID.ID], c.evalRegs[foreign.Input.ID], c.evalRegs[value.ID]))
			c.compileValueFree(foreign.Input, proc)
		} else {
			c.emit(ir.Ins3(ir.OpForeign, c.evalRegs[foreign.OpID.ID], ir.LocReg(0), c.evalRegs[value.ID]))
		}
	}

	switch value.TraceStatus {
	case ast.TraceChildren:
		if proc != nil && proc.DoGC {
			c.emit(ir.Ins2(ir.OpGCTrace, c.evalRegs[value.ID], ir.GlobReg(0)))
		}
	case ast.SuperTraceChildren:
		if proc == nil || !proc.DoGC {
			return machine.ErrInternal
		}
		c.emit(ir.Ins2(ir.OpGCTrace, c.evalRegs[value.ID], ir.GlobReg(1)))
	case ast.TraceDynamic:
		if proc != nil && proc.DoGC {
			c.emit(ir.Ins2(ir.OpDynamicTrace, c.evalRegs[value.ID], c.typeargInfoReg(proc, value.Type)))
		}
	}

	c.setMaxIP(value.SrcLocID)
	return nil
}

// compileSetPropTypeguard emits the runtime variance check guarding a store
// into a generic or inherited property. When the receiver's static type is a
// subtype of the property's declaring record, the downcast depth rides in the
// instruction's Extra field.
func (c *Compiler) compileSetPropTypeguard(set *ast.SetProp, proc *ast.Proc) error {
	record := c.evalRegs[set.Record.ID]
	stored := c.evalRegs[set.Value.ID]

	switch {
	case set.DoTypeguard && set.OptimizeTypeguardDowncast:
		c.emit(ir.Ins3(ir.OpTypeguardProtectTypeargProperty, record, stored, ir.GlobReg(set.Property.ID)))
	case set.DoTypeguard:
		ins := ir.Ins3(ir.OpTypeguardProtectTypeargPropertyDowncast, record, stored, ir.GlobReg(set.Property.ID))
		ins.Extra = uint16(set.Record.Type.TypeID) + machine.SigRecordBase
		c.emit(ins)
	case set.DoSubTypeguard && set.OptimizeTypeguardDowncast:
		propSig, err := c.defineTypesig(nil, set.Property.Type)
		if err != nil {
			return err
		}
		c.emit(ir.Ins3(ir.OpTypeguardProtectSubProperty, record, stored, ir.GlobReg(propSig)))
	case set.DoSubTypeguard:
		propSig, err := c.defineTypesig(nil, set.Property.Type)
		if err != nil {
			return err
		}
		ins := ir.Ins3(ir.OpTypeguardProtectSubPropertyDowncast, record, stored, ir.GlobReg(propSig))
		ins.Extra = uint16(set.Record.Type.TypeID) + machine.SigRecordBase
		c.emit(ins)
	}
	return nil
}

// compileTypeOp lowers `is`/`as`. The opcode shape is the cross product of
// whether the operand's static type is a type-argument (dynamic lookup) and
// whether the match type is one, with the cast forms panicking on mismatch
// instead of producing a flag.
func (c *Compiler) compileTypeOp(value *ast.Value, proc *ast.Proc) error {
	typeOp := value.Data.(*ast.TypeOp)
	if err := c.compileValue(&typeOp.Operand, proc); err != nil {
		return err
	}
	cast := typeOp.Op == ast.TypeCast
	dest := c.evalRegs[value.ID]
	operand := c.evalRegs[typeOp.Operand.ID]

	if typeOp.Operand.Type.Kind == ast.TypeTypeArg {
		opInfoReg := c.typeargInfoReg(proc, typeOp.Operand.Type)
		if !opInfoReg.Local {
			return machine.ErrInternal
		}

		c.emit(ir.Ins2(ir.OpMove, dest, operand))
		if typeOp.MatchType.Kind == ast.TypeTypeArg {
			matchInfoReg := c.typeargInfoReg(proc, typeOp.MatchType)
			if !matchInfoReg.Local {
				return machine.ErrInternal
			}
			op := ir.OpDynamicTypecheckDD
			if cast {
				op = ir.OpDynamicTypecastDD
			}
			c.emit(ir.Ins3(op, dest, opInfoReg, matchInfoReg))
		} else {
			sig, err := c.defineTypesig(proc, typeOp.MatchType)
			if err != nil {
				return err
			}
			op := ir.OpDynamicTypecheckDR
			if cast {
				op = ir.OpDynamicTypecastDR
			}
			c.emit(ir.Ins3(op, dest, opInfoReg, ir.GlobReg(sig)))
		}
	} else {
		if typeOp.MatchType.Kind == ast.TypeTypeArg {
			matchInfoReg := c.typeargInfoReg(proc, typeOp.MatchType)
			if !matchInfoReg.Local {
				return machine.ErrInternal
			}
			c.emit(ir.Ins2(ir.OpMove, dest, operand))
			op := ir.OpDynamicTypecheckRD
			if cast {
				op = ir.OpDynamicTypecastRD
			}
			c.emit(ir.Ins2(op, dest, matchInfoReg))
		} else {
			sig, err := c.defineTypesig(proc, typeOp.MatchType)
			if err != nil {
				return err
			}
			op := ir.OpRuntimeTypecheck
			if cast {
				op = ir.OpRuntimeTypecast
			}
			c.emit(ir.Ins3(op, operand, dest, ir.GlobReg(sig)))
		}
	}
	return nil
}

// compileProcCall lowers a call: arguments move into the callee's frame,
// type-argument slots receive their signature bindings, and the frame pointer
// is offset for the duration of the call.
func (c *Compiler) compileProcCall(value *ast.Value, proc *ast.Proc) error {
	call := value.Data.(*ast.ProcCall)
	callOffset := c.procCallOffsets[call.ID]

	for i := range call.Arguments {
		if err := c.compileValue(&call.Arguments[i], proc); err != nil {
			return err
		}
		if c.moveEval[call.Arguments[i].ID] {
			c.emit(ir.Ins2(ir.OpMove, ir.LocReg(callOffset+uint16(i)+1), c.evalRegs[call.Arguments[i].ID]))
		}
	}
	if err := c.compileValue(&call.Procedure, proc); err != nil {
		return err
	}

	typeSigsToPop := uint16(0)
	if typeargCount := int(call.Procedure.Type.TypeID); typeargCount > 0 {
		utils.Assert(typeargCount <= len(call.TypeArgs), "call %d is missing type arguments", call.ID)
		genArgReg := uint16(len(call.Arguments)) + 1 + callOffset
		for i := 0; i < typeargCount; i++ {
			typeArg := call.TypeArgs[i]
			if typeArg.Kind == ast.TypeTypeArg {
				c.emit(ir.Ins2(ir.OpMove, ir.LocReg(genArgReg), c.typeargInfoReg(proc, typeArg)))
			} else {
				sig, err := c.defineTypesig(proc, typeArg)
				if err != nil {
					return err
				}
				if typeArg.HasTypeArg() {
					// open signature: the runtime atomizes it onto its
					// signature stack for the callee to look up
					c.emit(ir.Ins3(ir.OpSet, ir.LocReg(genArgReg), ir.GlobReg(sig), ir.GlobReg(1)))
					typeSigsToPop++
				} else {
					c.emit(ir.Ins3(ir.OpSet, ir.LocReg(genArgReg), ir.GlobReg(sig), ir.GlobReg(0)))
				}
			}
			genArgReg++
		}
	}

	c.emit(ir.Ins2(ir.OpCall, c.evalRegs[call.Procedure.ID], ir.GlobReg(callOffset)))
	if typeSigsToPop > 0 {
		c.emit(ir.Ins1(ir.OpPopAtomTypesigs, ir.GlobReg(typeSigsToPop)))
	}
	if callOffset > 0 {
		c.emit(ir.Ins1(ir.OpStackDeoffset, ir.GlobReg(callOffset)))
	}
	return nil
}

func (c *Compiler) compileConditional(conditional *ast.Cond, proc *ast.Proc, continueIP uint16, breakJumps *[]uint16) error {
	if conditional.NextIfTrue != nil {
		// while loop: the chain cycles back to itself
		thisContinueIP := c.builder.Count()
		if err := c.compileValue(conditional.Condition, proc); err != nil {
			return err
		}
		thisBreakIP := c.builder.Count()

		loopBreakJumps := make([]uint16, 0, maxBreakJumps)

		c.emit(ir.Ins1(ir.OpJumpCheck, c.evalRegs[conditional.Condition.ID]))
		c.compileValueFree(conditional.Condition, proc)
		if err := c.compileBlock(conditional.ExecBlock, proc, thisContinueIP, &loopBreakJumps); err != nil {
			return err
		}
		c.emit(ir.Ins1(ir.OpJump, ir.GlobReg(thisContinueIP)))

		c.builder.Patch(thisBreakIP, 1, ir.GlobReg(c.builder.Count()))
		for _, breakIP := range loopBreakJumps {
			c.builder.Patch(breakIP, 0, ir.GlobReg(c.builder.Count()))
		}
		return nil
	}

	var escapeJumps []uint16
	for ; conditional != nil; conditional = conditional.NextIfFalse {
		if conditional.Condition != nil {
			if err := c.compileValue(conditional.Condition, proc); err != nil {
				return err
			}
			moveNextIP := c.builder.Count()
			c.emit(ir.Ins1(ir.OpJumpCheck, c.evalRegs[conditional.Condition.ID]))
			c.compileValueFree(conditional.Condition, proc)
			if err := c.compileBlock(conditional.ExecBlock, proc, continueIP, breakJumps); err != nil {
				return err
			}
			if conditional.NextIfFalse != nil {
				escapeJumps = append(escapeJumps, c.builder.Count())
				c.emit(ir.Ins0(ir.OpJump))
			}
			c.builder.Patch(moveNextIP, 1, ir.GlobReg(c.builder.Count()))
		} else {
			if err := c.compileBlock(conditional.ExecBlock, proc, continueIP, breakJumps); err != nil {
				return err
			}
		}
	}
	for _, escapeIP := range escapeJumps {
		c.builder.Patch(escapeIP, 0, ir.GlobReg(c.builder.Count()))
	}
	return nil
}

func (c *Compiler) emitReturn(proc *ast.Proc) {
	if proc != nil && proc.DoGC {
		c.emit(ir.Ins0(ir.OpGCClean))
	}
	c.emit(ir.Ins0(ir.OpReturn))
}

func (c *Compiler) compileBlock(block ast.CodeBlock, proc *ast.Proc, continueIP uint16, breakJumps *[]uint16) error {
	for i := range block.Statements {
		statement := &block.Statements[i]
		c.setMinIP(statement.SrcLocID)

		switch statement.Kind {
		case ast.StatementDeclVar:
			varDecl := statement.VarDecl
			if varDecl.VarInfo.IsUsed {
				if err := c.compileValue(&varDecl.SetValue, proc); err != nil {
					return err
				}
				if c.moveEval[varDecl.SetValue.ID] {
					c.emit(ir.Ins2(ir.OpMove, c.varRegs[varDecl.VarInfo.ID], c.evalRegs[varDecl.SetValue.ID]))
				}
			} else if varDecl.SetValue.AffectsState {
				if err := c.compileValue(&varDecl.SetValue, proc); err != nil {
					return err
				}
			}

		case ast.StatementCond:
			if err := c.compileConditional(statement.Cond, proc, continueIP, breakJumps); err != nil {
				return err
			}

		case ast.StatementValue:
			if err := c.compileValue(statement.Value, proc); err != nil {
				return err
			}
			c.compileValueFree(statement.Value, proc)

		case ast.StatementReturnValue:
			if err := c.compileValue(statement.Value, proc); err != nil {
				return err
			}
			srcReg := c.evalRegs[statement.Value.ID]
			if c.moveEval[statement.Value.ID] && !(srcReg.Local && srcReg.Index == 0) {
				c.emit(ir.Ins2(ir.OpMove, ir.LocReg(0), srcReg))
			}
			switch statement.Value.GCStatus {
			case ast.GCLocalAlloc:
				c.emit(ir.Ins1(ir.OpGCTrace, ir.LocReg(0)))
			case ast.GCLocalDynamic:
				c.emit(ir.Ins2(ir.OpDynamicTrace, ir.LocReg(0), c.typeargInfoReg(proc, statement.Value.Type)))
			}
			c.emitReturn(proc)

		case ast.StatementReturn:
			c.emitReturn(proc)

		case ast.StatementBreak:
			if breakJumps == nil || len(*breakJumps) == maxBreakJumps {
				return machine.ErrInternal
			}
			*breakJumps = append(*breakJumps, c.builder.Count())
			c.emit(ir.Ins1(ir.OpJump, ir.GlobReg(0)))

		case ast.StatementContinue:
			c.emit(ir.Ins1(ir.OpJump, ir.GlobReg(continueIP)))

		case ast.StatementAbort:
			c.emit(ir.Ins1(ir.OpAbort, ir.GlobReg(uint16(machine.ErrAbort))))

		case ast.StatementRecordProto:
			if statement.RecordProto.BaseRecord != nil {
				superSig, err := c.defineTypesig(nil, *statement.RecordProto.BaseRecord)
				if err != nil {
					return err
				}
				c.machine.SetRecordSuper(statement.RecordProto.ID, superSig)
			}
		}

		c.setMaxIP(statement.SrcLocID)
	}
	return nil
}
