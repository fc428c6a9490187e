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

import "testing"

func TestTypePredicates(t *testing.T) {
	arrayOfT := Type{Kind: TypeArray, Subs: []Type{{Kind: TypeTypeArg, TypeID: 0}}}

	if !arrayOfT.IsRef() {
		t.Errorf("arrays are reference types")
	}
	if !arrayOfT.HasTypeArg() {
		t.Errorf("array<T> is open over T")
	}
	if TLong.HasTypeArg() {
		t.Errorf("long is closed")
	}
	if procType := (Type{Kind: TypeProc}); procType.IsRef() {
		t.Errorf("procedure values are labels, not heap allocations")
	}
	if !TBool.IsPrimitive() || TAny.IsPrimitive() {
		t.Errorf("primitive predicate misclassifies")
	}
}

func TestFindSrcLocPrefersTightestRange(t *testing.T) {
	table := NewDbgTable()
	outer := table.AddLoc("a.sf", 1, 1)
	inner := table.AddLoc("a.sf", 2, 1)
	table.SetMinIP(outer, 0)
	table.SetMaxIP(outer, 10)
	table.SetMinIP(inner, 3)
	table.SetMaxIP(inner, 5)

	if got := table.FindSrcLoc(4); got != inner {
		t.Errorf("FindSrcLoc(4) = %d, want the tighter range %d", got, inner)
	}
	if got := table.FindSrcLoc(7); got != outer {
		t.Errorf("FindSrcLoc(7) = %d, want the outer range %d", got, outer)
	}
	if got := table.FindSrcLoc(99); got != 0 {
		t.Errorf("an uncovered ip falls back to location 0, got %d", got)
	}
}

func TestMinMaxIPOnlyTighten(t *testing.T) {
	table := NewDbgTable()
	loc := table.AddLoc("a.sf", 1, 1)

	table.SetMinIP(loc, 5)
	table.SetMinIP(loc, 8)
	if table.SrcLocs[loc].MinIP != 5 {
		t.Errorf("min ip must only decrease")
	}
	table.SetMaxIP(loc, 9)
	table.SetMaxIP(loc, 4)
	if table.SrcLocs[loc].MaxIP != 9 {
		t.Errorf("max ip must only increase")
	}
}
