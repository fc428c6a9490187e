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

import "github.com/TheRealMichaelWang/Capote/ast"

// -----------------------------------------------------------------------------
// Label Pass
//
// One scan over the finished IL. Every branch target gets a nonzero label id
// for the emitters to name, and every instruction whose opcode is in a fixed
// set of trapping opcodes marks its source location as used; only marked
// locations are emitted into the debug table. Other opcodes whose emitted C
// can also panic (stack_validate, gc_clean, an atomizing set, the typeguards)
// do not mark their location.

type LabelBuf struct {
	Total uint16

	// InsLabel[ip] is the label id of ip, or 0 if ip is not a branch target.
	InsLabel []uint16

	// UseSrcLoc[id] marks source locations referenced by trapping
	// instructions.
	UseSrcLoc []bool
}

// BuildLabels assigns dense label ids to the branch targets of ins: the jump
// operand of JUMP, the fail target of JUMP_CHECK, the body address of LABEL,
// and the return site following every CALL.
func BuildLabels(ins []Ins, dbgTable *ast.DbgTable) *LabelBuf {
	labelBuf := &LabelBuf{
		InsLabel:  make([]uint16, len(ins)),
		UseSrcLoc: make([]bool, len(dbgTable.SrcLocs)),
	}

	labelIP := func(ip uint16) {
		labelBuf.Total++
		labelBuf.InsLabel[ip] = labelBuf.Total
	}

	for i := range ins {
		useLoc := func() {
			if srcLocID := dbgTable.FindSrcLoc(uint64(i)); srcLocID < len(labelBuf.UseSrcLoc) {
				labelBuf.UseSrcLoc[srcLocID] = true
			}
		}

		switch ins[i].Op {
		case OpAbort, OpPopAtomTypesigs,
			OpLoadAlloc, OpLoadAllocI, OpLoadAllocIBound,
			OpStoreAlloc, OpStoreAllocI, OpStoreAllocIBound,
			OpAlloc, OpAllocI, OpFree, OpDynamicFree,
			OpGCNewFrame, OpLongDivide, OpConfigTypesig,
			OpRuntimeTypecast,
			OpDynamicTypecastDD, OpDynamicTypecastDR, OpDynamicTypecastRD:
			useLoc()
		case OpJump:
			labelIP(ins[i].Regs[0].Index)
		case OpLabel:
			useLoc()
			labelIP(ins[i].Regs[1].Index)
		case OpJumpCheck:
			labelIP(ins[i].Regs[1].Index)
		case OpCall:
			useLoc()
			labelIP(uint16(i) + 1)
		}
	}

	return labelBuf
}
