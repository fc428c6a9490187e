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
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheRealMichaelWang/Capote/ast"
	"github.com/TheRealMichaelWang/Capote/compile"
)

// parseSource produces a typechecked AST from SuperForth source text. The
// frontend (lexer, parser, typechecker) ships separately from the transpiler;
// an embedding build links it by assigning this hook.
var parseSource func(workingDir, sourcePath string) (*ast.AST, error)

func abort(format string, args ...interface{}) {
	fmt.Printf(format, args...)
	fmt.Println()
	os.Exit(1)
}

func fileExt(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

func main() {
	args := os.Args
	currentArg := 0
	readArg := func() string {
		if currentArg == len(args) {
			abort("Unexpected end of arguments.")
		}
		arg := args[currentArg]
		currentArg++
		return arg
	}
	expectFlag := func(flag string) {
		if currentArg == len(args) || readArg() != flag {
			abort("Unexpected flag %s.", flag)
		}
	}

	readArg() // program path
	workingDir := readArg()

	fmt.Println("SuperForth GCC Compiler/Transpiler\n" +
		"Written by Michael Wang 2022\n\n" +
		"This is an experimental program, and may not support the latest SuperForth features. Expect any version signifigantly above or below SuperForth v1.0 programs to not compile.\n" +
		"Foreign functions work differently for this edition of SuperForth. Dynamic linking is not supported, please consult relevant documentation first.")

	expectFlag("-s")
	source := readArg()
	if ext := fileExt(source); ext != "txt" && ext != "sf" {
		abort("Unexpected source file extension %s. Expect a SuperForth source(.txt or .sf).", ext)
	}

	expectFlag("-o")
	output := readArg()
	if ext := fileExt(output); ext == "txt" || ext == "sf" {
		abort("Stopped compilation: Potentially unwanted source file override.\n"+
			"Are you sure you want to override %s?", output)
	}

	roboMode := false
	debug := false
	for currentArg < len(args) {
		switch readArg() {
		case "-r":
			roboMode = true
		case "-d":
			debug = true
		default:
			abort("Unexpected flag %s.", args[currentArg-1])
		}
	}

	if parseSource == nil {
		abort("No SuperForth frontend is linked into this build; cannot parse %s.", source)
	}
	root, err := parseSource(workingDir, source)
	if err != nil {
		abort("Syntax error(%s).", err)
	}

	headerSrc, err := readSource(filepath.Join(workingDir, "stdheader.c"))
	if err != nil {
		abort("Could not find stdheader.c. Please ensure it is in the compilers working directory.")
	}

	outputFile, err := os.Create(output)
	if err != nil {
		abort("Could not open output file: %s.", output)
	}
	defer outputFile.Close()

	err = compile.Transpile(root, outputFile, compile.Options{
		RoboMode:   roboMode,
		Debug:      debug,
		HeaderSrc:  headerSrc,
		InputFile:  source,
		ReadSource: readSource,
	})
	if err != nil {
		os.Remove(output)
		abort("Compilation failiure(%s).", err)
	}

	fmt.Println("Finished compilation succesfully.")
}
