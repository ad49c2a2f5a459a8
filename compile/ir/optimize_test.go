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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optimized(t *testing.T, src string) *Prog {
	t.Helper()
	return Optimize(translate(t, src), false)
}

// lastSetExpr digs out the final assignment of a block, which carries the
// block's value.
func lastSetExpr(t *testing.T, b Block) Expr {
	t.Helper()
	for i := len(b.Steps) - 1; i >= 0; i-- {
		if b.Steps[i].Kind == StepSet {
			return b.Steps[i].Expr
		}
	}
	t.Fatal("no set step")
	return Expr{}
}

func TestFoldArithmetic(t *testing.T) {
	prog := optimized(t, "(+ (* 2 5) 5)")
	e := lastSetExpr(t, prog.Main)
	assert.Equal(t, OpVal, e.Op)
	assert.Equal(t, Num(15), e.Args[0])
}

func TestFoldComparisonsAndPredicates(t *testing.T) {
	assert.Equal(t, True(), lastSetExpr(t, optimized(t, "(= 5 5)").Main).Args[0])
	assert.Equal(t, False(), lastSetExpr(t, optimized(t, "(= 5 7)").Main).Args[0])
	assert.Equal(t, True(), lastSetExpr(t, optimized(t, "(< 3 4)").Main).Args[0])
	assert.Equal(t, True(), lastSetExpr(t, optimized(t, "(isnum 3)").Main).Args[0])
	assert.Equal(t, False(), lastSetExpr(t, optimized(t, "(isbool 3)").Main).Args[0])
	assert.Equal(t, True(), lastSetExpr(t, optimized(t, "(isbool true)").Main).Args[0])
}

func TestFoldRespectsOverflowRange(t *testing.T) {
	// 2^62 - 1 is the last foldable value; one past it must stay unfolded so
	// the runtime check fires
	prog := optimized(t, "(add1 4611686018427387902)")
	assert.Equal(t, Num(FoldMax), lastSetExpr(t, prog.Main).Args[0])

	prog = optimized(t, "(add1 4611686018427387903)")
	e := lastSetExpr(t, prog.Main)
	assert.Equal(t, OpAdd1, e.Op)
}

func TestDivisionByZeroNotFolded(t *testing.T) {
	prog := optimized(t, "(/ 1 0)")
	e := lastSetExpr(t, prog.Main)
	assert.Equal(t, OpDivide, e.Op)
}

func TestFoldCascades(t *testing.T) {
	// Folding plus propagation reduce the whole tree to one literal
	prog := optimized(t, "(+ (+ 1 2) (+ 3 4))")
	assert.Equal(t, Num(10), lastSetExpr(t, prog.Main).Args[0])
}

func TestDceDropsUntakenBranch(t *testing.T) {
	prog := optimized(t, "(if false (add1 1) 42)")
	for _, s := range prog.Main.Steps {
		if s.Kind == StepSet && s.Expr.Op == OpAdd1 {
			t.Fatalf("untaken branch survived: %s", s.Expr)
		}
		assert.NotEqual(t, StepIf, s.Kind, "static if survived")
	}
	assert.Equal(t, Num(42), lastSetExpr(t, prog.Main).Args[0])
}

func TestDceKeepsBothBranchesOnInput(t *testing.T) {
	prog := optimized(t, "(if input 1 2)")
	var ifSeen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepIf {
			ifSeen = true
		}
	}
	assert.True(t, ifSeen)
}

func TestDceDropsUncalledFunction(t *testing.T) {
	prog := optimized(t, `
		(fun (used x) (add1 x))
		(fun (unused x) (sub1 x))
		(used input)`)
	require.Len(t, prog.Defs, 2)
	for _, def := range prog.Defs {
		if def.Name == "unused" {
			assert.Empty(t, def.Body.Steps)
		} else {
			assert.NotEmpty(t, def.Body.Steps)
		}
	}
}

func TestDceMultipleDefs(t *testing.T) {
	// Reachability is tracked per definition; both called functions keep
	// their bodies
	prog := optimized(t, `
		(fun (f x) (if x (g x) 1))
		(fun (g x) 2)
		(f input)`)
	for _, def := range prog.Defs {
		assert.NotEmpty(t, def.Body.Steps, "def %s emptied", def.Name)
	}
}

func TestPropagateSubstitutesLiteral(t *testing.T) {
	prog := optimized(t, "(let ((x 5)) (+ x input))")
	// The binding disappears; the literal shows up as the + operand
	for _, s := range prog.Main.Steps {
		assert.NotEqual(t, ast.Symbol("uq_x_0"), s.Target)
	}
	var plusSeen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepSet && s.Expr.Op == OpPlus {
			plusSeen = true
			assert.Equal(t, Num(5), s.Expr.Args[0])
		}
	}
	assert.True(t, plusSeen)
}

func TestPropagateSkipsReassigned(t *testing.T) {
	prog := optimized(t, `
		(let ((x 1))
		  (block
		    (if input (set! x 2) 0)
		    (+ x 0)))`)
	// x is assigned two different literals; reads must stay loads
	var plusSeen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepSet && s.Expr.Op == OpPlus {
			plusSeen = true
			assert.Equal(t, ValVar, s.Expr.Args[0].Kind)
		}
	}
	assert.True(t, plusSeen)
}

func TestPropagateExcludesParams(t *testing.T) {
	// The parameter is assigned a single literal, but parameters are never
	// propagated: the caller decides their value
	prog := optimized(t, "(fun (f x) (block (set! x 7) (+ x 1))) (f 5)")
	var def *Def
	for _, d := range prog.Defs {
		if d.Name == "f" {
			def = d
		}
	}
	require.NotNil(t, def)
	var plusSeen bool
	for _, s := range def.Body.Steps {
		if s.Kind == StepSet && s.Expr.Op == OpPlus {
			plusSeen = true
			assert.Equal(t, Var("uq_x_0"), s.Expr.Args[0])
		}
	}
	assert.True(t, plusSeen)
}

func TestPropagateExcludesRegisterNames(t *testing.T) {
	// The gc escape hatch assigns r15; the final result assigns rax. Neither
	// pseudo-variable may be treated as a constant.
	prog := optimized(t, "(block gc 5)")
	var r15Seen bool
	for _, s := range prog.Main.Steps {
		if s.Kind == StepSet && s.Target == HeapPtrTarget {
			r15Seen = true
		}
	}
	assert.True(t, r15Seen)

	prog = optimized(t, "5")
	require.NotEmpty(t, prog.Main.Steps)
	assert.Equal(t, RaxTarget, prog.Main.Steps[len(prog.Main.Steps)-1].Target)
}

func TestOptimizeIsDeterministic(t *testing.T) {
	src := `
		(fun (f x) (if (> x 0) (f (sub1 x)) 0))
		(let ((a 3) (b (+ 1 2))) (f (+ a b)))`
	a := optimized(t, src).String()
	b := optimized(t, src).String()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("optimization not deterministic (-first +second):\n%s", diff)
	}
}

func TestFoldSoundness(t *testing.T) {
	// Folding yields the value the unfolded expression computes: 3*4 + (10-5)
	src := "(+ (* 3 4) (- 10 5))"
	prog := optimized(t, src)
	assert.Equal(t, Num(17), lastSetExpr(t, prog.Main).Args[0])
}
