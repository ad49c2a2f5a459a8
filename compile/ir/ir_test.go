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
package ir

import (
	"testing"

	"snek/ast"
	"snek/compile/anf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func translate(t *testing.T, src string) *Prog {
	t.Helper()
	parsed, err := ast.ParseProgram(src)
	require.NoError(t, err)
	anfProg, err := anf.ConvertProgram(parsed)
	require.NoError(t, err)
	prog, err := Translate(anfProg)
	require.NoError(t, err)
	return prog
}

func kinds(b Block) []StepKind {
	out := make([]StepKind, 0, len(b.Steps))
	for _, s := range b.Steps {
		out = append(out, s.Kind)
	}
	return out
}

func TestValueGoesToRax(t *testing.T) {
	prog := translate(t, "5")
	require.Len(t, prog.Main.Steps, 1)
	step := prog.Main.Steps[0]
	assert.Equal(t, StepSet, step.Kind)
	assert.Equal(t, RaxTarget, step.Target)
	assert.Equal(t, Num(5), step.Expr.Args[0])
}

func TestArithmeticChecks(t *testing.T) {
	// input is not a flat value: it reaches the operation through a temp
	prog := translate(t, "(+ input 1)")
	require.Equal(t, []StepKind{StepSet, StepCheck, StepCheck, StepSet, StepCheck},
		kinds(prog.Main))
	assert.Equal(t, CheckIsNum, prog.Main.Steps[1].Check.Kind)
	assert.Equal(t, Var("%t_0"), prog.Main.Steps[1].Check.V1)
	assert.Equal(t, CheckIsNum, prog.Main.Steps[2].Check.Kind)
	assert.Equal(t, Num(1), prog.Main.Steps[2].Check.V1)
	assert.Equal(t, CheckOverflow, prog.Main.Steps[4].Check.Kind)
}

func TestComparisonHasNoOverflowCheck(t *testing.T) {
	prog := translate(t, "(< input 1)")
	assert.Equal(t, []StepKind{StepSet, StepCheck, StepCheck, StepSet},
		kinds(prog.Main))
}

func TestEqUsesCheckEq(t *testing.T) {
	prog := translate(t, "(= input 1)")
	require.Equal(t, StepCheck, prog.Main.Steps[1].Kind)
	assert.Equal(t, CheckEq, prog.Main.Steps[1].Check.Kind)
}

func TestVecChecks(t *testing.T) {
	prog := translate(t, "(let ((v (vec 1))) (vec-get v 0))")
	var boundsSeen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepCheck && s.Check.Kind == CheckBounds {
			boundsSeen = true
		}
	}
	assert.True(t, boundsSeen)

	prog = translate(t, "(let ((v (vec 1))) (vec-len v))")
	var vecSeen, nilSeen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepCheck && s.Check.Kind == CheckIsVec {
			vecSeen = true
		}
		if s.Kind == StepCheck && s.Check.Kind == CheckIsNotNil {
			nilSeen = true
		}
	}
	assert.True(t, vecSeen)
	assert.True(t, nilSeen)

	prog = translate(t, "(make-vec input 0)")
	assert.Equal(t, CheckIsNum, prog.Main.Steps[1].Check.Kind)
}

func TestIfShape(t *testing.T) {
	prog := translate(t, "(if input 1 2)")
	// temp for input; if v thn els; thn: ...; goto end; els: ...; goto end; end:
	require.Equal(t, []StepKind{
		StepSet,
		StepIf,
		StepLabel, StepSet, StepGoto,
		StepLabel, StepSet, StepGoto,
		StepLabel,
	}, kinds(prog.Main))
	steps := prog.Main.Steps
	assert.Equal(t, Var("%t_0"), steps[1].Cond)
	assert.Equal(t, ast.Symbol("thn_1"), steps[1].Then)
	assert.Equal(t, ast.Symbol("els_2"), steps[1].Else)
	assert.Equal(t, steps[2].Label, steps[1].Then)
	assert.Equal(t, steps[5].Label, steps[1].Else)
	assert.Equal(t, ast.Symbol("ifend_0"), steps[8].Label)
	// Both arms assign the same target
	assert.Equal(t, steps[3].Target, steps[6].Target)
}

func TestLoopShape(t *testing.T) {
	prog := translate(t, "(loop (break 1))")
	steps := prog.Main.Steps
	require.Equal(t, []StepKind{
		StepLabel, StepSet, StepGoto, StepGoto, StepLabel,
	}, kinds(prog.Main))
	assert.Equal(t, ast.Symbol("loop_0"), steps[0].Label)
	// break jumps to the loop end, the back edge targets the loop head
	assert.Equal(t, ast.Symbol("end_1"), steps[2].Label)
	assert.Equal(t, ast.Symbol("loop_0"), steps[3].Label)
	assert.Equal(t, ast.Symbol("end_1"), steps[4].Label)
}

func TestBreakOutsideLoop(t *testing.T) {
	parsed, err := ast.ParseProgram("(break 1)")
	require.NoError(t, err)
	anfProg, err := anf.ConvertProgram(parsed)
	require.NoError(t, err)
	_, err = Translate(anfProg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "break outside loop")
}

func TestGcWritesHeapPtrTarget(t *testing.T) {
	prog := translate(t, "gc")
	require.Len(t, prog.Main.Steps, 1)
	step := prog.Main.Steps[0]
	assert.Equal(t, StepSet, step.Kind)
	assert.Equal(t, HeapPtrTarget, step.Target)
	assert.Equal(t, OpGc, step.Expr.Op)
}

func TestPrintStackIsDoStep(t *testing.T) {
	prog := translate(t, "printstack")
	require.Len(t, prog.Main.Steps, 1)
	assert.Equal(t, StepDo, prog.Main.Steps[0].Kind)
	assert.Equal(t, OpPrintStack, prog.Main.Steps[0].Expr.Op)
}

func TestSetAssignsThenForwards(t *testing.T) {
	prog := translate(t, "(let ((x 1)) (set! x 2))")
	steps := prog.Main.Steps
	// let binding, the set! itself, then the forwarded read into the target
	require.Len(t, steps, 3)
	assert.Equal(t, ast.Symbol("uq_x_0"), steps[1].Target)
	assert.Equal(t, RaxTarget, steps[2].Target)
	assert.Equal(t, Var("uq_x_0"), steps[2].Expr.Args[0])
}

func TestDefsGetOwnLabelCounters(t *testing.T) {
	prog := translate(t, `
		(fun (f x) (if x 1 2))
		(fun (g x) (if x 3 4))
		(f (g input))`)
	require.Len(t, prog.Defs, 2)
	assert.Equal(t, ast.Symbol("thn_1"), prog.Defs[0].Body.Steps[0].Then)
	assert.Equal(t, ast.Symbol("thn_1"), prog.Defs[1].Body.Steps[0].Then)
}

func TestDumpFormat(t *testing.T) {
	prog := translate(t, "(fun (f x) (add1 x)) (f 1)")
	dump := prog.String()
	assert.Contains(t, dump, "f(uq_x_0) {")
	assert.Contains(t, dump, "CHECKISNUM uq_x_0")
	assert.Contains(t, dump, "CHECKOVERFLOW")
	assert.Contains(t, dump, "rax\t<- f(1)")
}
