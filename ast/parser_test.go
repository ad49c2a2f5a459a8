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
package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseMain(t *testing.T, src string) AstExpr {
	t.Helper()
	prog, err := ParseProgram(src)
	require.NoError(t, err)
	return prog.Main
}

func TestParseLiterals(t *testing.T) {
	assert.IsType(t, &NumberExpr{}, parseMain(t, "42"))
	assert.Equal(t, int64(-17), parseMain(t, "-17").(*NumberExpr).Value)
	assert.Equal(t, true, parseMain(t, "true").(*BooleanExpr).Value)
	assert.IsType(t, &NilExpr{}, parseMain(t, "nil"))
	assert.IsType(t, &InputExpr{}, parseMain(t, "input"))
	assert.IsType(t, &GcExpr{}, parseMain(t, "gc"))
	assert.IsType(t, &PrintStackExpr{}, parseMain(t, "printstack"))
}

func TestParseOperators(t *testing.T) {
	e := parseMain(t, "(+ 1 (* 2 3))").(*BinaryExpr)
	assert.Equal(t, OpPlus, e.Op)
	rhs := e.Rhs.(*BinaryExpr)
	assert.Equal(t, OpTimes, rhs.Op)

	u := parseMain(t, "(add1 7)").(*UnaryExpr)
	assert.Equal(t, OpAdd1, u.Op)

	cmp := parseMain(t, "(<= 1 2)").(*BinaryExpr)
	assert.Equal(t, OpLessEqual, cmp.Op)
}

func TestParseLet(t *testing.T) {
	e := parseMain(t, "(let ((x 5) (y x)) (+ x y))").(*LetExpr)
	require.Len(t, e.Binds, 2)
	assert.Equal(t, Symbol("x"), e.Binds[0].Name)
	assert.Equal(t, Symbol("y"), e.Binds[1].Name)
}

func TestParseControl(t *testing.T) {
	assert.IsType(t, &IfExpr{}, parseMain(t, "(if true 1 2)"))
	assert.IsType(t, &LoopExpr{}, parseMain(t, "(loop (break 1))"))
	s := parseMain(t, "(set! x 5)").(*SetExpr)
	assert.Equal(t, Symbol("x"), s.Name)
	b := parseMain(t, "(block 1 2 3)").(*BlockExpr)
	assert.Len(t, b.Body, 3)
}

func TestParseVectors(t *testing.T) {
	assert.IsType(t, &MakeVecExpr{}, parseMain(t, "(make-vec 5 0)"))
	v := parseMain(t, "(vec 1 2 3)").(*VecExpr)
	assert.Len(t, v.Elems, 3)
	assert.IsType(t, &VecSetExpr{}, parseMain(t, "(vec-set! v 0 1)"))
	assert.IsType(t, &VecGetExpr{}, parseMain(t, "(vec-get v 0)"))
	assert.IsType(t, &VecLenExpr{}, parseMain(t, "(vec-len v)"))
}

func TestParseFunctions(t *testing.T) {
	prog, err := ParseProgram(`
		(fun (f x y) (+ x y))
		(fun (g) 1)
		(f (g) 2)`)
	require.NoError(t, err)
	require.Len(t, prog.Funs, 2)
	assert.Equal(t, Symbol("f"), prog.Funs[0].Name)
	assert.Equal(t, []Symbol{"x", "y"}, prog.Funs[0].Params)
	assert.Empty(t, prog.Funs[1].Params)
	call := prog.Main.(*CallExpr)
	assert.Equal(t, Symbol("f"), call.Fun)
}

func TestParseComments(t *testing.T) {
	e := parseMain(t, `
		; leading comment
		(add1 1) ; trailing`)
	assert.IsType(t, &UnaryExpr{}, e)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"(",
		"(let () 1)",
		"(block)",
		"(if 1 2)",
		"1 2",
		"(fun (f) 1)",
	} {
		_, err := ParseProgram(src)
		assert.Error(t, err, "source %q", src)
	}
}

func TestExprStrings(t *testing.T) {
	for _, src := range []string{
		"(let ((x 5)) (+ x 1))",
		"(if (= input 2) (vec 1 2) nil)",
		"(block (set! x 1) (loop (break x)))",
	} {
		e := parseMain(t, src)
		// Round-trip: the printed form parses back to the same shape
		again := parseMain(t, e.String())
		assert.Equal(t, e.String(), again.String(), "source %q", src)
	}
}
