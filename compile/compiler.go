// Copyright (c) 2024 The Snek Contributors
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
	"os"

	"snek/ast"
	"snek/compile/anf"
	"snek/compile/codegen"
	"snek/compile/ir"

	"github.com/pkg/errors"
)

const DebugPrintAnf = false
const DebugPrintIR = false
const DebugOptimizer = false

// Result carries the assembly text plus the intermediate dumps written next
// to it for debugging.
type Result struct {
	Asm string
	IR  string
	Anf string
}

// Compile runs the whole lowering pipeline over source text: parse, ANF,
// step-IR, optimize, generate.
func Compile(source string) (*Result, error) {
	prog, err := ast.ParseProgram(source)
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}
	anfProg, err := anf.ConvertProgram(prog)
	if err != nil {
		return nil, err
	}
	if DebugPrintAnf {
		fmt.Printf("== ANF ==\n%s\n", anfProg)
	}
	irProg, err := ir.Translate(anfProg)
	if err != nil {
		return nil, err
	}
	if DebugPrintIR {
		fmt.Printf("== IR ==\n%s\n", irProg)
	}
	optProg := ir.Optimize(irProg, DebugOptimizer)
	asm, err := codegen.CompileProg(optProg)
	if err != nil {
		return nil, err
	}
	return &Result{Asm: asm, IR: irProg.String(), Anf: anfProg.String()}, nil
}

// OptimizedIR stops the pipeline after optimization; the runtime executable
// runs this form directly.
func OptimizedIR(source string) (*ir.Prog, error) {
	prog, err := ast.ParseProgram(source)
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}
	anfProg, err := anf.ConvertProgram(prog)
	if err != nil {
		return nil, err
	}
	irProg, err := ir.Translate(anfProg)
	if err != nil {
		return nil, err
	}
	// Arity and call-target validation normally happens in the code
	// generator; running the IR directly still wants the assembly to exist
	if _, err := codegen.CompileProg(irProg); err != nil {
		return nil, err
	}
	return ir.Optimize(irProg, DebugOptimizer), nil
}

// CompileFile compiles the source file and writes the assembly next to its
// .ir and .anf dumps.
func CompileFile(inName, outName string) error {
	source, err := os.ReadFile(inName)
	if err != nil {
		return errors.Wrapf(err, "read %s", inName)
	}
	res, err := Compile(string(source))
	if err != nil {
		return err
	}
	if err := os.WriteFile(outName, []byte(res.Asm), 0644); err != nil {
		return errors.Wrapf(err, "write %s", outName)
	}
	if err := os.WriteFile(outName+".ir", []byte(res.IR), 0644); err != nil {
		return errors.Wrapf(err, "write %s.ir", outName)
	}
	if err := os.WriteFile(outName+".anf", []byte(res.Anf), 0644); err != nil {
		return errors.Wrapf(err, "write %s.anf", outName)
	}
	return nil
}
