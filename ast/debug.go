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
package ast

import "math"

// -----------------------------------------------------------------------------
// Debug Source Locations
//
// Every value and statement carries a source-location id. The compiler brackets
// the instructions it emits for a node with SetMinIP/SetMaxIP so that a runtime
// instruction pointer maps back to the tightest enclosing source location.

type SrcLoc struct {
	FileName string
	Row, Col int

	MinIP, MaxIP uint64
}

type DbgTable struct {
	SrcLocs []SrcLoc
}

func NewDbgTable() *DbgTable {
	return &DbgTable{}
}

// AddLoc registers a source location and returns its id.
func (t *DbgTable) AddLoc(fileName string, row, col int) int {
	t.SrcLocs = append(t.SrcLocs, SrcLoc{
		FileName: fileName,
		Row:      row,
		Col:      col,
		MinIP:    math.MaxUint64,
		MaxIP:    0,
	})
	return len(t.SrcLocs) - 1
}

func (t *DbgTable) SetMinIP(srcLocID int, minIP uint64) {
	if minIP < t.SrcLocs[srcLocID].MinIP {
		t.SrcLocs[srcLocID].MinIP = minIP
	}
}

func (t *DbgTable) SetMaxIP(srcLocID int, maxIP uint64) {
	if maxIP > t.SrcLocs[srcLocID].MaxIP {
		t.SrcLocs[srcLocID].MaxIP = maxIP
	}
}

// FindSrcLoc returns the id of the smallest location range containing ip, or 0
// when no range encloses it (prologue/epilogue instructions emitted outside any
// statement land there).
func (t *DbgTable) FindSrcLoc(ip uint64) int {
	found := 0
	diff := uint64(math.MaxUint64)
	for i := range t.SrcLocs {
		loc := &t.SrcLocs[i]
		if ip >= loc.MinIP && ip < loc.MaxIP {
			if locRange := loc.MaxIP - loc.MinIP; locRange < diff {
				diff = locRange
				found = i
			}
		}
	}
	return found
}
