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
package anf

import (
	"fmt"
	"strings"

	"snek/ast"
	"snek/utils"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Administrative normal form
// Every operand of a flat operation is a flat value: a literal or a variable.
// Compound subexpressions are let-bound to synthesized temporaries. All
// variables are alpha-renamed by scope generation, so no two bindings in
// scope at the same time share a name and later passes never need scope
// tables. Sibling scopes reuse the same names, and temporaries are numbered
// per definition.

type FlatValKind int

const (
	FlatNum FlatValKind = iota
	FlatTrue
	FlatFalse
	FlatVar
)

type FlatVal struct {
	Kind FlatValKind
	Num  int64
	Name ast.Symbol
}

func Num(n int64) FlatVal        { return FlatVal{Kind: FlatNum, Num: n} }
func True() FlatVal              { return FlatVal{Kind: FlatTrue} }
func False() FlatVal             { return FlatVal{Kind: FlatFalse} }
func Var(s ast.Symbol) FlatVal   { return FlatVal{Kind: FlatVar, Name: s} }

type FlatOpKind int

const (
	OpAdd1 FlatOpKind = iota
	OpSub1
	OpPlus
	OpMinus
	OpTimes
	OpDivide
	OpEq
	OpGt
	OpGe
	OpLt
	OpLe
	OpIsNum
	OpIsBool
	OpIsVec
	OpPrint
	OpSet
	OpCall
	OpMakeVec
	OpVec
	OpVecSet
	OpVecGet
	OpVecLen
	OpBreak
	OpLoop
	OpIf
	OpVal
	OpInput
	OpNil
	OpPrintStack
	OpGc
)

// FlatOp is one flat operation. Which fields are meaningful depends on Kind:
// X/Y/Z hold up to three operands, Vals holds vec/call operand lists, Name is
// the set! target or the callee, and the block fields carry the nested arms
// of if and loop.
type FlatOp struct {
	Kind FlatOpKind
	X    FlatVal
	Y    FlatVal
	Z    FlatVal
	Vals []FlatVal
	Name ast.Symbol
	Then FlatBlock
	Else FlatBlock
	Body FlatBlock
}

type FlatBlock interface {
	flatBlock()
	String() string
}

// LetBlock binds one flat operation to a name, scoped over Body.
type LetBlock struct {
	Name ast.Symbol
	Op   *FlatOp
	Body FlatBlock
}

// SeqBlock is an ordered sequence of sub-blocks; the last one produces the
// value of the sequence.
type SeqBlock struct {
	Blocks []FlatBlock
}

// OpBlock is a single flat operation.
type OpBlock struct {
	Op *FlatOp
}

func (*LetBlock) flatBlock() {}
func (*SeqBlock) flatBlock() {}
func (*OpBlock) flatBlock()  {}

type Definition struct {
	Name ast.Symbol
	Args []ast.Symbol
	Body FlatBlock
}

type Program struct {
	Defs []*Definition
	Main FlatBlock
}

// -----------------------------------------------------------------------------
// Conversion

type anfAbort struct {
	err error
}

// converter carries the temp counter for one definition (or main) and whether
// input is legal in the current context.
type converter struct {
	ctr    int
	inMain bool
}

type bindPair struct {
	name ast.Symbol
	op   *FlatOp
}

// genEnv maps a source name to its current binding generation.
type genEnv map[ast.Symbol]uint32

func (env genEnv) clone() genEnv {
	dup := make(genEnv, len(env))
	for k, v := range env {
		dup[k] = v
	}
	return dup
}

func (c *converter) newLabel(prefix string) ast.Symbol {
	current := c.ctr
	c.ctr++
	return ast.Symbol(fmt.Sprintf("%s_%d", prefix, current))
}

func uniqName(s ast.Symbol, idx uint32) ast.Symbol {
	return ast.Symbol(fmt.Sprintf("uq_%s_%d", s, idx))
}

func abortf(format string, args ...interface{}) {
	panic(anfAbort{errors.Errorf(format, args...)})
}

// ConvertProgram lowers a parsed program into ANF. Duplicate let bindings,
// duplicate function names, and input inside a function definition are
// rejected here.
func ConvertProgram(p *ast.Program) (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(anfAbort); ok {
				prog, err = nil, abort.err
				return
			}
			panic(r)
		}
	}()

	prog = &Program{}
	for _, d := range p.Funs {
		prog.Defs = append(prog.Defs, convertDefinition(d))
	}
	checkDuplicateFunctions(prog.Defs)
	c := &converter{inMain: true}
	prog.Main = c.block(p.Main, genEnv{})
	return prog, nil
}

func convertDefinition(d *ast.FunDecl) *Definition {
	c := &converter{inMain: false}
	env := genEnv{}
	args := make([]ast.Symbol, 0, len(d.Params))
	for _, p := range d.Params {
		env[p] = 0
		args = append(args, uniqName(p, 0))
	}
	return &Definition{Name: d.Name, Args: args, Body: c.block(d.Body, env)}
}

func checkDuplicateFunctions(defs []*Definition) {
	seen := utils.NewSet[ast.Symbol]()
	for _, d := range defs {
		if !seen.Add(d.Name) {
			abortf("duplicate function name %s", d.Name)
		}
	}
}

// val lowers an expression in operand position: literals and variables stay
// flat, anything else is bound to a fresh temporary.
func (c *converter) val(e ast.AstExpr, env genEnv) (FlatVal, []bindPair) {
	switch e := e.(type) {
	case *ast.NumberExpr:
		return Num(e.Value), nil
	case *ast.VarExpr:
		gen, ok := env[e.Name]
		if !ok {
			abortf("unbound variable %s", e.Name)
		}
		return Var(uniqName(e.Name, gen)), nil
	case *ast.BooleanExpr:
		if e.Value {
			return True(), nil
		}
		return False(), nil
	default:
		op, binds := c.expr(e, env)
		tmp := c.newLabel("%t")
		binds = append(binds, bindPair{name: tmp, op: op})
		return Var(tmp), binds
	}
}

func op1Kind(op ast.Op1) FlatOpKind {
	switch op {
	case ast.OpAdd1:
		return OpAdd1
	case ast.OpSub1:
		return OpSub1
	case ast.OpIsNum:
		return OpIsNum
	case ast.OpIsBool:
		return OpIsBool
	case ast.OpIsVec:
		return OpIsVec
	case ast.OpPrint:
		return OpPrint
	}
	utils.ShouldNotReachHere()
	return 0
}

func op2Kind(op ast.Op2) FlatOpKind {
	switch op {
	case ast.OpPlus:
		return OpPlus
	case ast.OpMinus:
		return OpMinus
	case ast.OpTimes:
		return OpTimes
	case ast.OpDivide:
		return OpDivide
	case ast.OpEqual:
		return OpEq
	case ast.OpGreater:
		return OpGt
	case ast.OpGreaterEqual:
		return OpGe
	case ast.OpLess:
		return OpLt
	case ast.OpLessEqual:
		return OpLe
	}
	utils.ShouldNotReachHere()
	return 0
}

// expr lowers an expression into a flat operation plus the bindings its
// operands required, in evaluation order.
func (c *converter) expr(e ast.AstExpr, env genEnv) (*FlatOp, []bindPair) {
	switch e := e.(type) {
	case *ast.NumberExpr:
		return &FlatOp{Kind: OpVal, X: Num(e.Value)}, nil
	case *ast.BooleanExpr:
		if e.Value {
			return &FlatOp{Kind: OpVal, X: True()}, nil
		}
		return &FlatOp{Kind: OpVal, X: False()}, nil
	case *ast.VarExpr:
		gen, ok := env[e.Name]
		if !ok {
			abortf("unbound variable %s", e.Name)
		}
		return &FlatOp{Kind: OpVal, X: Var(uniqName(e.Name, gen))}, nil
	case *ast.LetExpr:
		// Sequential bindings in expression position: each right-hand side
		// sees the renamed environment of the bindings before it.
		anfbinds := make([]bindPair, 0)
		seen := utils.NewSet[ast.Symbol]()
		bindVars := env.clone()
		for index, b := range e.Binds {
			if !seen.Add(b.Name) {
				abortf("duplicate binding %s", b.Name)
			}
			eVars := bindVars.clone()
			var uniq ast.Symbol
			if gen, ok := bindVars[b.Name]; ok {
				bindVars[b.Name] = gen + 1
				uniq = uniqName(b.Name, gen+1)
			} else {
				bindVars[b.Name] = 0
				uniq = uniqName(b.Name, 0)
			}
			v, vbinds := c.expr(b.Value, eVars)
			anfbinds = append(anfbinds, vbinds...)
			anfbinds = append(anfbinds, bindPair{name: uniq, op: v})
			if index == len(e.Binds)-1 {
				body, bbinds := c.expr(e.Body, bindVars)
				anfbinds = append(anfbinds, bbinds...)
				return body, anfbinds
			}
		}
		utils.Fatal("empty let")
		return nil, nil
	case *ast.UnaryExpr:
		v, binds := c.val(e.Arg, env)
		return &FlatOp{Kind: op1Kind(e.Op), X: v}, binds
	case *ast.BinaryExpr:
		v1, binds := c.val(e.Lhs, env)
		v2, binds2 := c.val(e.Rhs, env)
		binds = append(binds, binds2...)
		return &FlatOp{Kind: op2Kind(e.Op), X: v1, Y: v2}, binds
	case *ast.IfExpr:
		v, binds := c.val(e.Cond, env)
		thn := c.block(e.Then, env)
		els := c.block(e.Else, env)
		return &FlatOp{Kind: OpIf, X: v, Then: thn, Else: els}, binds
	case *ast.LoopExpr:
		return &FlatOp{Kind: OpLoop, Body: c.block(e.Body, env)}, nil
	case *ast.BreakExpr:
		v, binds := c.val(e.Arg, env)
		return &FlatOp{Kind: OpBreak, X: v}, binds
	case *ast.SetExpr:
		gen, ok := env[e.Name]
		if !ok {
			abortf("unbound variable %s", e.Name)
		}
		v, binds := c.val(e.Value, env)
		return &FlatOp{Kind: OpSet, Name: uniqName(e.Name, gen), X: v}, binds
	case *ast.MakeVecExpr:
		size, binds := c.val(e.Size, env)
		elem, binds2 := c.val(e.Elem, env)
		binds = append(binds, binds2...)
		return &FlatOp{Kind: OpMakeVec, X: size, Y: elem}, binds
	case *ast.VecExpr:
		binds := make([]bindPair, 0)
		elems := make([]FlatVal, 0, len(e.Elems))
		for _, elem := range e.Elems {
			v, vbinds := c.val(elem, env)
			binds = append(binds, vbinds...)
			elems = append(elems, v)
		}
		return &FlatOp{Kind: OpVec, Vals: elems}, binds
	case *ast.VecSetExpr:
		vec, binds := c.val(e.Vec, env)
		index, binds2 := c.val(e.Index, env)
		value, binds3 := c.val(e.Value, env)
		binds = append(binds, binds2...)
		binds = append(binds, binds3...)
		return &FlatOp{Kind: OpVecSet, X: vec, Y: index, Z: value}, binds
	case *ast.VecGetExpr:
		vec, binds := c.val(e.Vec, env)
		index, binds2 := c.val(e.Index, env)
		binds = append(binds, binds2...)
		return &FlatOp{Kind: OpVecGet, X: vec, Y: index}, binds
	case *ast.VecLenExpr:
		vec, binds := c.val(e.Vec, env)
		return &FlatOp{Kind: OpVecLen, X: vec}, binds
	case *ast.BlockExpr:
		binds := make([]bindPair, 0)
		for index, sub := range e.Body {
			op, ebinds := c.expr(sub, env)
			if index == len(e.Body)-1 {
				binds = append(binds, ebinds...)
				return op, binds
			}
			tmp := c.newLabel("%block_unused_")
			binds = append(binds, ebinds...)
			binds = append(binds, bindPair{name: tmp, op: op})
		}
		utils.Fatal("empty block")
		return nil, nil
	case *ast.CallExpr:
		binds := make([]bindPair, 0)
		args := make([]FlatVal, 0, len(e.Args))
		for _, arg := range e.Args {
			v, abinds := c.val(arg, env)
			binds = append(binds, abinds...)
			args = append(args, v)
		}
		return &FlatOp{Kind: OpCall, Name: e.Fun, Vals: args}, binds
	case *ast.InputExpr:
		if !c.inMain {
			abortf("cannot use input inside function definition")
		}
		return &FlatOp{Kind: OpInput}, nil
	case *ast.NilExpr:
		return &FlatOp{Kind: OpNil}, nil
	case *ast.PrintStackExpr:
		return &FlatOp{Kind: OpPrintStack}, nil
	case *ast.GcExpr:
		return &FlatOp{Kind: OpGc}, nil
	}
	utils.ShouldNotReachHere()
	return nil, nil
}

// block lowers an expression in block position. Lets and blocks stay
// structured so the IR translation can thread targets through them;
// everything else flattens to an OpBlock wrapped in the lets its operands
// required.
func (c *converter) block(e ast.AstExpr, env genEnv) FlatBlock {
	switch e := e.(type) {
	case *ast.LetExpr:
		// Reserve every bound name first so the body sees the final
		// generations, then peel bindings off in reverse, restoring the
		// generation each right-hand side must see.
		bodyVars := env.clone()
		seen := utils.NewSet[ast.Symbol]()
		for _, b := range e.Binds {
			if !seen.Add(b.Name) {
				abortf("duplicate binding %s", b.Name)
			}
			if gen, ok := bodyVars[b.Name]; ok {
				bodyVars[b.Name] = gen + 1
			} else {
				bodyVars[b.Name] = 0
			}
		}
		body := c.block(e.Body, bodyVars)
		bindVars := bodyVars.clone()
		for i := len(e.Binds) - 1; i >= 0; i-- {
			b := e.Binds[i]
			gen, ok := bindVars[b.Name]
			utils.Assert(ok, "reserved name %s lost", b.Name)
			var uniq ast.Symbol
			if gen == 0 {
				delete(bindVars, b.Name)
				uniq = uniqName(b.Name, 0)
			} else {
				bindVars[b.Name] = gen - 1
				uniq = uniqName(b.Name, gen)
			}
			eVars := bindVars.clone()
			v, binds1 := c.expr(b.Value, eVars)
			body = &LetBlock{Name: uniq, Op: v, Body: body}
			for j := len(binds1) - 1; j >= 0; j-- {
				body = &LetBlock{Name: binds1[j].name, Op: binds1[j].op, Body: body}
			}
		}
		return body
	case *ast.BlockExpr:
		blocks := make([]FlatBlock, 0, len(e.Body))
		for _, sub := range e.Body {
			blocks = append(blocks, c.block(sub, env))
		}
		return &SeqBlock{Blocks: blocks}
	default:
		op, binds := c.expr(e, env)
		var block FlatBlock = &OpBlock{Op: op}
		for i := len(binds) - 1; i >= 0; i-- {
			block = &LetBlock{Name: binds[i].name, Op: binds[i].op, Body: block}
		}
		return block
	}
}

// -----------------------------------------------------------------------------
// Textual dump
// The format is the s-expression form written next to the emitted assembly
// for debugging.

func (v FlatVal) String() string {
	switch v.Kind {
	case FlatNum:
		return fmt.Sprintf("%d", v.Num)
	case FlatTrue:
		return "true"
	case FlatFalse:
		return "false"
	case FlatVar:
		return v.Name.String()
	}
	return "<unknown>"
}

func (op *FlatOp) String() string {
	switch op.Kind {
	case OpAdd1:
		return fmt.Sprintf("(add1 %s)", op.X)
	case OpSub1:
		return fmt.Sprintf("(sub1 %s)", op.X)
	case OpPlus:
		return fmt.Sprintf("(+ %s %s)", op.X, op.Y)
	case OpMinus:
		return fmt.Sprintf("(- %s %s)", op.X, op.Y)
	case OpTimes:
		return fmt.Sprintf("(* %s %s)", op.X, op.Y)
	case OpDivide:
		return fmt.Sprintf("(/ %s %s)", op.X, op.Y)
	case OpEq:
		return fmt.Sprintf("(= %s %s)", op.X, op.Y)
	case OpGt:
		return fmt.Sprintf("(> %s %s)", op.X, op.Y)
	case OpGe:
		return fmt.Sprintf("(>= %s %s)", op.X, op.Y)
	case OpLt:
		return fmt.Sprintf("(< %s %s)", op.X, op.Y)
	case OpLe:
		return fmt.Sprintf("(<= %s %s)", op.X, op.Y)
	case OpIsNum:
		return fmt.Sprintf("(isNum %s)", op.X)
	case OpIsBool:
		return fmt.Sprintf("(isBool %s)", op.X)
	case OpIsVec:
		return fmt.Sprintf("(isVec %s)", op.X)
	case OpPrint:
		return fmt.Sprintf("(print %s)", op.X)
	case OpSet:
		return fmt.Sprintf("(set! %s %s)", op.Name, op.X)
	case OpCall:
		var sb strings.Builder
		fmt.Fprintf(&sb, "(call %s", op.Name)
		for _, arg := range op.Vals {
			fmt.Fprintf(&sb, " %s", arg)
		}
		sb.WriteString(")")
		return sb.String()
	case OpMakeVec:
		return fmt.Sprintf("(make-vec %s %s)", op.X, op.Y)
	case OpVec:
		var sb strings.Builder
		sb.WriteString("(vec")
		for _, elem := range op.Vals {
			fmt.Fprintf(&sb, " %s", elem)
		}
		sb.WriteString(")")
		return sb.String()
	case OpVecSet:
		return fmt.Sprintf("(vec-set %s %s %s)", op.X, op.Y, op.Z)
	case OpVecGet:
		return fmt.Sprintf("(vec-get %s %s)", op.X, op.Y)
	case OpVecLen:
		return fmt.Sprintf("(veclen %s)", op.X)
	case OpBreak:
		return fmt.Sprintf("(break %s)", op.X)
	case OpLoop:
		return fmt.Sprintf("(loop %s)", op.Body)
	case OpIf:
		return fmt.Sprintf("(if %s %s %s)", op.X, op.Then, op.Else)
	case OpVal:
		return op.X.String()
	case OpInput:
		return "input"
	case OpNil:
		return "nil"
	case OpPrintStack:
		return "printstack"
	case OpGc:
		return "gc"
	}
	return "<unknown>"
}

func (b *LetBlock) String() string {
	return fmt.Sprintf("(let %s %s %s)", b.Name, b.Op, b.Body)
}

func (b *SeqBlock) String() string {
	var sb strings.Builder
	sb.WriteString("(block")
	for _, sub := range b.Blocks {
		fmt.Fprintf(&sb, " %s", sub)
	}
	sb.WriteString(")")
	return sb.String()
}

func (b *OpBlock) String() string {
	return b.Op.String()
}

func (d *Definition) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(fun (%s", d.Name)
	for _, arg := range d.Args {
		fmt.Fprintf(&sb, " %s", arg)
	}
	fmt.Fprintf(&sb, ") %s)", d.Body)
	return sb.String()
}

func (p *Program) String() string {
	var sb strings.Builder
	for _, d := range p.Defs {
		fmt.Fprintf(&sb, "%s\n\n", d)
	}
	sb.WriteString(p.Main.String())
	return sb.String()
}
