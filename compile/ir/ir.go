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
	"fmt"
	"strings"

	"snek/ast"
	"snek/compile/anf"
	"snek/utils"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Step-IR
// A program is a flat sequence of labeled steps per function. Control flow is
// explicit (if/goto/label), and every potentially trapping operation is
// preceded by an explicit check step that the code generator lowers to a
// branch into an error stub.

type ValKind int

const (
	ValNum ValKind = iota
	ValTrue
	ValFalse
	ValVar
	ValInput
	ValNil
)

type Val struct {
	Kind ValKind
	Num  int64
	Name ast.Symbol
}

func Num(n int64) Val      { return Val{Kind: ValNum, Num: n} }
func True() Val            { return Val{Kind: ValTrue} }
func False() Val           { return Val{Kind: ValFalse} }
func Var(s ast.Symbol) Val { return Val{Kind: ValVar, Name: s} }
func Input() Val           { return Val{Kind: ValInput} }
func Nil() Val             { return Val{Kind: ValNil} }

// IsLiteral reports whether the value is known at compile time.
func (v Val) IsLiteral() bool {
	return v.Kind != ValVar && v.Kind != ValInput
}

type ExprOp int

const (
	OpAdd1 ExprOp = iota
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
	OpCall
	OpMakeVec
	OpVec
	OpVecSet
	OpVecGet
	OpVecLen
	OpVal
	OpPrintStack
	OpGc
)

// Expr is the right-hand side of a do or set step. Args carries the operand
// list (one to three values for most operators, the argument vector for call
// and vec), Fun names the callee of a call.
type Expr struct {
	Op   ExprOp
	Args []Val
	Fun  ast.Symbol
}

type CheckKind int

const (
	CheckIsNum CheckKind = iota
	CheckIsVec
	CheckIsNotNil
	CheckEq
	CheckBounds
	CheckOverflow
)

type Check struct {
	Kind CheckKind
	V1   Val
	V2   Val
}

type StepKind int

const (
	StepLabel StepKind = iota
	StepIf
	StepGoto
	StepDo
	StepSet
	StepCheck
)

type Step struct {
	Kind   StepKind
	Label  ast.Symbol // label name / goto target
	Cond   Val        // if condition
	Then   ast.Symbol // if targets
	Else   ast.Symbol
	Target ast.Symbol // set destination
	Expr   Expr       // do / set right-hand side
	Check  Check
}

type Block struct {
	Steps []Step
}

type Def struct {
	Name ast.Symbol
	Args []ast.Symbol
	Body Block
}

type Prog struct {
	Defs []*Def
	Main Block
}

// RaxTarget is the pseudo-variable naming the result register: the last
// computed value of a function body is assigned to it. HeapPtrTarget is the
// escape hatch the gc keyword assigns through; both leak the code generator's
// register convention into the IR on purpose and are excluded from constant
// propagation.
const (
	RaxTarget     = ast.Symbol("rax")
	HeapPtrTarget = ast.Symbol("r15")
)

// -----------------------------------------------------------------------------
// ANF to step-IR translation

type translator struct {
	ctr int
}

type irAbort struct {
	err error
}

func (t *translator) newLabel(prefix string) ast.Symbol {
	current := t.ctr
	t.ctr++
	return ast.Symbol(fmt.Sprintf("%s_%d", prefix, current))
}

// Translate flattens an ANF program into step-IR. A break outside any loop is
// rejected here.
func Translate(p *anf.Program) (prog *Prog, err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(irAbort); ok {
				prog, err = nil, abort.err
				return
			}
			panic(r)
		}
	}()

	prog = &Prog{}
	for _, def := range p.Defs {
		prog.Defs = append(prog.Defs, translateDef(def))
	}
	t := &translator{}
	prog.Main = Block{Steps: t.block(p.Main, RaxTarget, "")}
	return prog, nil
}

func translateDef(d *anf.Definition) *Def {
	t := &translator{}
	return &Def{
		Name: d.Name,
		Args: d.Args,
		Body: Block{Steps: t.block(d.Body, RaxTarget, "")},
	}
}

// block translates an ANF block. target names the variable (or rax) that must
// receive the block's value; brake is the enclosing loop's end label, empty
// outside loops.
func (t *translator) block(b anf.FlatBlock, target ast.Symbol, brake ast.Symbol) []Step {
	switch b := b.(type) {
	case *anf.LetBlock:
		steps := t.expr(b.Op, b.Name, brake)
		steps = append(steps, t.block(b.Body, target, brake)...)
		return steps
	case *anf.SeqBlock:
		steps := make([]Step, 0)
		for index, sub := range b.Blocks {
			subTarget := ast.Symbol("")
			if index == len(b.Blocks)-1 {
				subTarget = target
			}
			steps = append(steps, t.block(sub, subTarget, brake)...)
		}
		return steps
	case *anf.OpBlock:
		return t.expr(b.Op, target, brake)
	}
	utils.ShouldNotReachHere()
	return nil
}

// targetStep assigns an expression to the target, or merely evaluates it for
// effect when there is no target.
func targetStep(target ast.Symbol, e Expr) Step {
	if target == "" {
		return Step{Kind: StepDo, Expr: e}
	}
	return Step{Kind: StepSet, Target: target, Expr: e}
}

func check(kind CheckKind, vs ...Val) Step {
	c := Check{Kind: kind}
	if len(vs) > 0 {
		c.V1 = vs[0]
	}
	if len(vs) > 1 {
		c.V2 = vs[1]
	}
	return Step{Kind: StepCheck, Check: c}
}

func flatVal(v anf.FlatVal) Val {
	switch v.Kind {
	case anf.FlatNum:
		return Num(v.Num)
	case anf.FlatTrue:
		return True()
	case anf.FlatFalse:
		return False()
	case anf.FlatVar:
		return Var(v.Name)
	}
	utils.ShouldNotReachHere()
	return Val{}
}

func (t *translator) expr(op *anf.FlatOp, target ast.Symbol, brake ast.Symbol) []Step {
	switch op.Kind {
	case anf.OpIf:
		// Both arms assign into the same target, so whichever branch runs
		// leaves the answer where the continuation expects it.
		v := flatVal(op.X)
		end := t.newLabel("ifend")
		thn := t.newLabel("thn")
		els := t.newLabel("els")
		steps := []Step{{Kind: StepIf, Cond: v, Then: thn, Else: els}}
		steps = append(steps, Step{Kind: StepLabel, Label: thn})
		steps = append(steps, t.block(op.Then, target, brake)...)
		steps = append(steps, Step{Kind: StepGoto, Label: end})
		steps = append(steps, Step{Kind: StepLabel, Label: els})
		steps = append(steps, t.block(op.Else, target, brake)...)
		steps = append(steps, Step{Kind: StepGoto, Label: end})
		steps = append(steps, Step{Kind: StepLabel, Label: end})
		return steps
	case anf.OpBreak:
		if brake == "" {
			panic(irAbort{errors.New("break outside loop")})
		}
		v := flatVal(op.X)
		return []Step{
			targetStep(target, Expr{Op: OpVal, Args: []Val{v}}),
			{Kind: StepGoto, Label: brake},
		}
	case anf.OpLoop:
		loopLabel := t.newLabel("loop")
		endLabel := t.newLabel("end")
		steps := []Step{{Kind: StepLabel, Label: loopLabel}}
		steps = append(steps, t.block(op.Body, target, endLabel)...)
		steps = append(steps, Step{Kind: StepGoto, Label: loopLabel})
		steps = append(steps, Step{Kind: StepLabel, Label: endLabel})
		return steps
	case anf.OpAdd1, anf.OpSub1:
		v := flatVal(op.X)
		exprOp := OpAdd1
		if op.Kind == anf.OpSub1 {
			exprOp = OpSub1
		}
		return []Step{
			check(CheckIsNum, v),
			targetStep(target, Expr{Op: exprOp, Args: []Val{v}}),
			check(CheckOverflow),
		}
	case anf.OpPlus, anf.OpMinus, anf.OpTimes, anf.OpDivide:
		v1, v2 := flatVal(op.X), flatVal(op.Y)
		var exprOp ExprOp
		switch op.Kind {
		case anf.OpPlus:
			exprOp = OpPlus
		case anf.OpMinus:
			exprOp = OpMinus
		case anf.OpTimes:
			exprOp = OpTimes
		case anf.OpDivide:
			exprOp = OpDivide
		}
		return []Step{
			check(CheckIsNum, v1),
			check(CheckIsNum, v2),
			targetStep(target, Expr{Op: exprOp, Args: []Val{v1, v2}}),
			check(CheckOverflow),
		}
	case anf.OpEq:
		v1, v2 := flatVal(op.X), flatVal(op.Y)
		return []Step{
			check(CheckEq, v1, v2),
			targetStep(target, Expr{Op: OpEq, Args: []Val{v1, v2}}),
		}
	case anf.OpGt, anf.OpGe, anf.OpLt, anf.OpLe:
		v1, v2 := flatVal(op.X), flatVal(op.Y)
		var exprOp ExprOp
		switch op.Kind {
		case anf.OpGt:
			exprOp = OpGt
		case anf.OpGe:
			exprOp = OpGe
		case anf.OpLt:
			exprOp = OpLt
		case anf.OpLe:
			exprOp = OpLe
		}
		return []Step{
			check(CheckIsNum, v1),
			check(CheckIsNum, v2),
			targetStep(target, Expr{Op: exprOp, Args: []Val{v1, v2}}),
		}
	case anf.OpIsNum:
		return []Step{targetStep(target, Expr{Op: OpIsNum, Args: []Val{flatVal(op.X)}})}
	case anf.OpIsBool:
		return []Step{targetStep(target, Expr{Op: OpIsBool, Args: []Val{flatVal(op.X)}})}
	case anf.OpIsVec:
		return []Step{targetStep(target, Expr{Op: OpIsVec, Args: []Val{flatVal(op.X)}})}
	case anf.OpPrint:
		return []Step{targetStep(target, Expr{Op: OpPrint, Args: []Val{flatVal(op.X)}})}
	case anf.OpSet:
		v := flatVal(op.X)
		return []Step{
			{Kind: StepSet, Target: op.Name, Expr: Expr{Op: OpVal, Args: []Val{v}}},
			targetStep(target, Expr{Op: OpVal, Args: []Val{Var(op.Name)}}),
		}
	case anf.OpCall:
		args := make([]Val, 0, len(op.Vals))
		for _, a := range op.Vals {
			args = append(args, flatVal(a))
		}
		return []Step{targetStep(target, Expr{Op: OpCall, Fun: op.Name, Args: args})}
	case anf.OpMakeVec:
		size, elem := flatVal(op.X), flatVal(op.Y)
		return []Step{
			check(CheckIsNum, size),
			targetStep(target, Expr{Op: OpMakeVec, Args: []Val{size, elem}}),
		}
	case anf.OpVec:
		elems := make([]Val, 0, len(op.Vals))
		for _, v := range op.Vals {
			elems = append(elems, flatVal(v))
		}
		return []Step{targetStep(target, Expr{Op: OpVec, Args: elems})}
	case anf.OpVecSet:
		vec, index, value := flatVal(op.X), flatVal(op.Y), flatVal(op.Z)
		return []Step{
			check(CheckBounds, vec, index),
			targetStep(target, Expr{Op: OpVecSet, Args: []Val{vec, index, value}}),
		}
	case anf.OpVecGet:
		vec, index := flatVal(op.X), flatVal(op.Y)
		return []Step{
			check(CheckBounds, vec, index),
			targetStep(target, Expr{Op: OpVecGet, Args: []Val{vec, index}}),
		}
	case anf.OpVecLen:
		vec := flatVal(op.X)
		return []Step{
			check(CheckIsVec, vec),
			check(CheckIsNotNil, vec),
			targetStep(target, Expr{Op: OpVecLen, Args: []Val{vec}}),
		}
	case anf.OpVal:
		return []Step{targetStep(target, Expr{Op: OpVal, Args: []Val{flatVal(op.X)}})}
	case anf.OpInput:
		return []Step{targetStep(target, Expr{Op: OpVal, Args: []Val{Input()}})}
	case anf.OpNil:
		return []Step{targetStep(target, Expr{Op: OpVal, Args: []Val{Nil()}})}
	case anf.OpPrintStack:
		return []Step{{Kind: StepDo, Expr: Expr{Op: OpPrintStack}}}
	case anf.OpGc:
		return []Step{{Kind: StepSet, Target: HeapPtrTarget, Expr: Expr{Op: OpGc}}}
	}
	utils.ShouldNotReachHere()
	return nil
}

// -----------------------------------------------------------------------------
// Textual dump

func (v Val) String() string {
	switch v.Kind {
	case ValNum:
		return fmt.Sprintf("%d", v.Num)
	case ValTrue:
		return "true"
	case ValFalse:
		return "false"
	case ValVar:
		return v.Name.String()
	case ValInput:
		return "input"
	case ValNil:
		return "nil"
	}
	return "<unknown>"
}

func (e Expr) String() string {
	args := e.Args
	switch e.Op {
	case OpAdd1:
		return fmt.Sprintf("add1 %s", args[0])
	case OpSub1:
		return fmt.Sprintf("sub1 %s", args[0])
	case OpPlus:
		return fmt.Sprintf("%s + %s", args[0], args[1])
	case OpMinus:
		return fmt.Sprintf("%s - %s", args[0], args[1])
	case OpTimes:
		return fmt.Sprintf("%s * %s", args[0], args[1])
	case OpDivide:
		return fmt.Sprintf("%s / %s", args[0], args[1])
	case OpEq:
		return fmt.Sprintf("%s == %s", args[0], args[1])
	case OpGt:
		return fmt.Sprintf("%s > %s", args[0], args[1])
	case OpGe:
		return fmt.Sprintf("%s >= %s", args[0], args[1])
	case OpLt:
		return fmt.Sprintf("%s < %s", args[0], args[1])
	case OpLe:
		return fmt.Sprintf("%s <= %s", args[0], args[1])
	case OpIsNum:
		return fmt.Sprintf("isNum %s", args[0])
	case OpIsBool:
		return fmt.Sprintf("isBool %s", args[0])
	case OpIsVec:
		return fmt.Sprintf("isVec %s", args[0])
	case OpPrint:
		return fmt.Sprintf("print %s", args[0])
	case OpCall:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s(", e.Fun)
		for i, a := range args {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(a.String())
		}
		sb.WriteString(")")
		return sb.String()
	case OpMakeVec:
		return fmt.Sprintf("make-vec %s %s", args[0], args[1])
	case OpVec:
		var sb strings.Builder
		sb.WriteString("vec(")
		for i, a := range args {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(a.String())
		}
		sb.WriteString(")")
		return sb.String()
	case OpVecSet:
		return fmt.Sprintf("vec-set %s %s %s", args[0], args[1], args[2])
	case OpVecGet:
		return fmt.Sprintf("vec-get %s %s", args[0], args[1])
	case OpVecLen:
		return fmt.Sprintf("vec-len %s", args[0])
	case OpVal:
		return args[0].String()
	case OpPrintStack:
		return "PRINTSTACK"
	case OpGc:
		return "GC"
	}
	return "<unknown>"
}

func (c Check) String() string {
	switch c.Kind {
	case CheckIsNum:
		return fmt.Sprintf("CHECKISNUM %s", c.V1)
	case CheckIsVec:
		return fmt.Sprintf("CHECKISVEC %s", c.V1)
	case CheckIsNotNil:
		return fmt.Sprintf("CHECKISNOTNIL %s", c.V1)
	case CheckEq:
		return fmt.Sprintf("CHECKEQ %s %s", c.V1, c.V2)
	case CheckBounds:
		return fmt.Sprintf("CHECKBOUNDS %s %s", c.V1, c.V2)
	case CheckOverflow:
		return "CHECKOVERFLOW"
	}
	return "<unknown>"
}

func (b *Block) String() string {
	var sb strings.Builder
	for _, step := range b.Steps {
		switch step.Kind {
		case StepLabel:
			fmt.Fprintf(&sb, "\n%s:\n", step.Label)
		case StepIf:
			fmt.Fprintf(&sb, "if\t%s %s %s\n", step.Cond, step.Then, step.Else)
		case StepGoto:
			fmt.Fprintf(&sb, "goto\t%s\n", step.Label)
		case StepDo:
			fmt.Fprintf(&sb, "%s\n", step.Expr)
		case StepSet:
			fmt.Fprintf(&sb, "%s\t<- %s\n", step.Target, step.Expr)
		case StepCheck:
			fmt.Fprintf(&sb, "%s\n", step.Check)
		}
	}
	return sb.String()
}

func (d *Def) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(", d.Name)
	for i, arg := range d.Args {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(arg.String())
	}
	sb.WriteString(") {\n")
	sb.WriteString(d.Body.String())
	sb.WriteString("}\n\n")
	return sb.String()
}

func (p *Prog) String() string {
	var sb strings.Builder
	for _, def := range p.Defs {
		sb.WriteString(def.String())
	}
	sb.WriteString(p.Main.String())
	return sb.String()
}
