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

import (
	"fmt"
	"strings"

	"github.com/TheRealMichaelWang/Capote/utils"
)

// -----------------------------------------------------------------------------
// Typecheck Types
//
// Types as the typechecker hands them to the compiler. The first four kinds are
// abstract and never materialize at run time on their own; Bool through Float
// are value types; Proc, Array and Record are the super types that carry
// sub-types. The numeric ordering is load-bearing: it matches the runtime's
// super-signature encoding, so a TypeKind converts to a signature tag directly.

type TypeKind uint8

const (
	TypeAuto TypeKind = iota
	TypeNothing
	TypeAny
	TypeTypeArg

	TypeBool
	TypeChar
	TypeLong
	TypeFloat

	TypeProc
	TypeArray
	TypeRecord
)

// Type is a typecheck type. TypeID is overloaded the way the frontend overloads
// it: for TypeTypeArg it is the generic parameter's index within the enclosing
// procedure, for TypeRecord it is the record id, and for TypeProc it is the
// procedure's type-argument count.
type Type struct {
	Kind   TypeKind
	Subs   []Type
	TypeID uint8
}

// Pre-defined basic types
var (
	TNothing = Type{Kind: TypeNothing}
	TAny     = Type{Kind: TypeAny}
	TBool    = Type{Kind: TypeBool}
	TChar    = Type{Kind: TypeChar}
	TLong    = Type{Kind: TypeLong}
	TFloat   = Type{Kind: TypeFloat}
)

// IsRef reports whether values of this type live on the runtime heap. Procedure
// values are labels, not heap allocations, so they are excluded.
func (t Type) IsRef() bool { return t.Kind >= TypeArray }

func (t Type) IsPrimitive() bool { return t.Kind >= TypeBool && t.Kind <= TypeFloat }

func (t Type) HasSubtypes() bool { return t.Kind >= TypeProc }

// HasKind reports whether kind occurs anywhere in the type tree.
func (t Type) HasKind(kind TypeKind) bool {
	if t.Kind == kind {
		return true
	}
	for _, sub := range t.Subs {
		if sub.HasKind(kind) {
			return true
		}
	}
	return false
}

// HasTypeArg reports whether the type is still open over a generic parameter.
func (t Type) HasTypeArg() bool { return t.HasKind(TypeTypeArg) }

func (t Type) String() string {
	switch t.Kind {
	case TypeAuto:
		return "auto"
	case TypeNothing:
		return "nothing"
	case TypeAny:
		return "any"
	case TypeTypeArg:
		return fmt.Sprintf("typearg(%d)", t.TypeID)
	case TypeBool:
		return "bool"
	case TypeChar:
		return "char"
	case TypeLong:
		return "long"
	case TypeFloat:
		return "float"
	case TypeProc:
		return fmt.Sprintf("proc%s", subList(t.Subs))
	case TypeArray:
		return fmt.Sprintf("array%s", subList(t.Subs))
	case TypeRecord:
		return fmt.Sprintf("record(%d)%s", t.TypeID, subList(t.Subs))
	default:
		utils.ShouldNotReachHere()
	}
	return ""
}

func subList(subs []Type) string {
	if len(subs) == 0 {
		return ""
	}
	strs := make([]string, len(subs))
	for i, sub := range subs {
		strs[i] = sub.String()
	}
	return "<" + strings.Join(strs, ", ") + ">"
}
