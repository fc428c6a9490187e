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
	"github.com/TheRealMichaelWang/Capote/machine"
)

// typeToSig materializes a typecheck type as a runtime signature. Inside a
// procedure, a type-argument lowers to a deferred lookup against the frame
// slot holding its bound signature; at top level (record super declarations)
// the raw parameter index is kept instead.
func (c *Compiler) typeToSig(t ast.Type, proc *ast.Proc) (machine.TypeSig, error) {
	if t.Kind == ast.TypeTypeArg {
		sig := machine.TypeSig{Super: machine.SigTypeArg}
		if proc != nil {
			sig.ArgIndex = c.typeargInfoReg(proc, t).Index
		} else {
			sig.ArgIndex = uint16(t.TypeID)
		}
		return sig, nil
	}
	if t.Kind == ast.TypeAny {
		return machine.TypeSig{Super: machine.SigAny}, nil
	}
	if t.Kind < ast.TypeBool {
		// auto/nothing have no run-time form
		return machine.TypeSig{}, machine.ErrTypeNotAllowed
	}

	sig := machine.TypeSig{Super: uint16(t.Kind)}
	if t.Kind == ast.TypeRecord {
		sig.Super += uint16(t.TypeID)
	}

	if t.HasSubtypes() && len(t.Subs) > 0 {
		sig.Subs = make([]machine.TypeSig, len(t.Subs))
		for i := range t.Subs {
			sub, err := c.typeToSig(t.Subs[i], proc)
			if err != nil {
				return machine.TypeSig{}, err
			}
			sig.Subs[i] = sub
		}
	}
	return sig, nil
}

// defineTypesig interns the runtime signature of t and returns its index.
// Structurally equal signatures share an index.
func (c *Compiler) defineTypesig(proc *ast.Proc, t ast.Type) (uint16, error) {
	sig, err := c.typeToSig(t, proc)
	if err != nil {
		return 0, err
	}
	idx, _ := c.machine.Intern(sig, true)
	return idx, nil
}
