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
	"fmt"
	"io"

	"github.com/kr/pretty"
	"github.com/pkg/errors"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/emit"
	"github.com/TheRealMichaelWang/Capote/ir"
)

const DebugPrintIL = false

// Options configures one transpilation.
type Options struct {
	// RoboMode swaps the emitted main for the PROS competition scaffold.
	RoboMode bool

	// Debug embeds the source-location table and a backtrace-printing main.
	Debug bool

	// HeaderSrc is the runtime header's text, prepended to the output.
	HeaderSrc string

	// InputFile names the source program, for the emitted provenance note.
	InputFile string

	// ReadSource loads a source file so its lines can be embedded in the
	// debug table. Only consulted when Debug is set.
	ReadSource func(path string) (string, error)
}

// Transpile compiles a validated AST to IL and serializes the whole C program
// to w.
func Transpile(a *ast.AST, w io.Writer, opts Options) error {
	dbgTable := a.DbgTable
	if dbgTable == nil {
		dbgTable = ast.NewDbgTable()
	}

	compiler, err := Compile(a)
	if err != nil {
		return errors.Wrap(err, "IL compilation failiure")
	}
	if DebugPrintIL {
		fmt.Printf("== IL ==\n%# v\n", pretty.Formatter(compiler.Instructions()))
	}

	labelBuf := ir.BuildLabels(compiler.Instructions(), dbgTable)

	if err := emit.CHeader(w, opts.HeaderSrc, opts.RoboMode, opts.Debug); err != nil {
		return errors.Wrap(err, "emit header")
	}
	if err := emit.Constants(w, a, compiler.Machine()); err != nil {
		return errors.Wrap(err, "emit constants")
	}
	if opts.Debug {
		if err := emit.DebugInfo(w, dbgTable, labelBuf, opts.ReadSource); err != nil {
			return errors.Wrap(err, "emit debug info")
		}
	}
	if err := emit.Init(w, a, compiler.Machine(), opts.Debug); err != nil {
		return errors.Wrap(err, "emit initialization routines")
	}
	if err := emit.Instructions(w, labelBuf, compiler.Instructions(), opts.Debug, dbgTable); err != nil {
		return errors.Wrap(err, "emit instructions")
	}
	if err := emit.Final(w, opts.RoboMode, opts.Debug, opts.InputFile); err != nil {
		return errors.Wrap(err, "emit entry point")
	}
	return nil
}
