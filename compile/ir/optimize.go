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

	"snek/ast"
	"snek/utils"
)

// Arithmetic folds only when the result stays a valid 63-bit tagged integer.
// Results outside this range are left unfolded so the runtime overflow check
// fires instead.
const (
	FoldMin = -(int64(1) << 62)
	FoldMax = int64(1)<<62 - 1
)

type Optimizer struct {
	Debug bool
}

// Optimize repeats fold, dead-code elimination and constant propagation until
// a full round makes no change. Each pass is monotone in the number of steps
// and variable reads, so the loop terminates.
func Optimize(prog *Prog, debug bool) *Prog {
	opt := &Optimizer{Debug: debug}
	round := 0
	for {
		changed := false
		var c bool
		prog, c = opt.fold(prog)
		changed = changed || c
		prog, c = opt.dce(prog)
		changed = changed || c
		prog, c = opt.propagate(prog)
		changed = changed || c
		round++
		if !changed {
			break
		}
	}
	if debug {
		fmt.Printf("%d round ir optimization\n", round)
	}
	return prog
}

// -----------------------------------------------------------------------------
// Constant folding
// Pure expressions over literal operands are replaced by their literal result.
// Only set steps are folded: a do step exists for its side effect.

func (opt *Optimizer) fold(prog *Prog) (*Prog, bool) {
	changed := false
	newDefs := make([]*Def, 0, len(prog.Defs))
	for _, def := range prog.Defs {
		body, c := opt.foldBlock(def.Body)
		changed = changed || c
		newDefs = append(newDefs, &Def{Name: def.Name, Args: def.Args, Body: body})
	}
	main, c := opt.foldBlock(prog.Main)
	changed = changed || c
	return &Prog{Defs: newDefs, Main: main}, changed
}

func (opt *Optimizer) foldBlock(block Block) (Block, bool) {
	changed := false
	newSteps := make([]Step, 0, len(block.Steps))
	for _, step := range block.Steps {
		if step.Kind == StepSet {
			folded, c := foldExpr(step.Expr)
			changed = changed || c
			newSteps = append(newSteps, Step{Kind: StepSet, Target: step.Target, Expr: folded})
			continue
		}
		newSteps = append(newSteps, step)
	}
	return Block{Steps: newSteps}, changed
}

func checkedAdd(a, b int64) (int64, bool) {
	res := a + b
	if (b > 0 && res < a) || (b < 0 && res > a) {
		return 0, false
	}
	return res, true
}

func checkedSub(a, b int64) (int64, bool) {
	res := a - b
	if (b < 0 && res < a) || (b > 0 && res > a) {
		return 0, false
	}
	return res, true
}

func checkedMul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	res := a * b
	if res/a != b {
		return 0, false
	}
	return res, true
}

func litNum(n int64, ok bool) (Expr, bool) {
	if !ok || n < FoldMin || n > FoldMax {
		return Expr{}, false
	}
	return Expr{Op: OpVal, Args: []Val{Num(n)}}, true
}

func litBool(b bool) (Expr, bool) {
	if b {
		return Expr{Op: OpVal, Args: []Val{True()}}, true
	}
	return Expr{Op: OpVal, Args: []Val{False()}}, true
}

// foldExpr returns the folded expression and whether folding happened.
func foldExpr(e Expr) (Expr, bool) {
	bothNums := func() (int64, int64, bool) {
		if e.Args[0].Kind == ValNum && e.Args[1].Kind == ValNum {
			return e.Args[0].Num, e.Args[1].Num, true
		}
		return 0, 0, false
	}

	var folded Expr
	ok := false
	switch e.Op {
	case OpAdd1:
		if v := e.Args[0]; v.Kind == ValNum {
			folded, ok = litNum(checkedAdd(v.Num, 1))
		}
	case OpSub1:
		if v := e.Args[0]; v.Kind == ValNum {
			folded, ok = litNum(checkedSub(v.Num, 1))
		}
	case OpPlus:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litNum(checkedAdd(n1, n2))
		}
	case OpMinus:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litNum(checkedSub(n1, n2))
		}
	case OpTimes:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litNum(checkedMul(n1, n2))
		}
	case OpDivide:
		if n1, n2, lit := bothNums(); lit {
			// Division by zero stays unfolded and traps at run time
			if n2 != 0 && !(n1 == -1<<63 && n2 == -1) {
				folded, ok = litNum(n1/n2, true)
			}
		}
	case OpEq:
		v1, v2 := e.Args[0], e.Args[1]
		switch {
		case v1.Kind == ValNum && v2.Kind == ValNum:
			folded, ok = litBool(v1.Num == v2.Num)
		case (v1.Kind == ValTrue || v1.Kind == ValFalse) &&
			(v2.Kind == ValTrue || v2.Kind == ValFalse):
			folded, ok = litBool(v1.Kind == v2.Kind)
		}
	case OpGt:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litBool(n1 > n2)
		}
	case OpGe:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litBool(n1 >= n2)
		}
	case OpLt:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litBool(n1 < n2)
		}
	case OpLe:
		if n1, n2, lit := bothNums(); lit {
			folded, ok = litBool(n1 <= n2)
		}
	case OpIsNum:
		switch e.Args[0].Kind {
		case ValNum:
			folded, ok = litBool(true)
		case ValTrue, ValFalse, ValNil:
			folded, ok = litBool(false)
		}
	case OpIsBool:
		switch e.Args[0].Kind {
		case ValTrue, ValFalse:
			folded, ok = litBool(true)
		case ValNum, ValNil:
			folded, ok = litBool(false)
		}
	case OpIsVec:
		// Matches the generated predicate: nil answers true
		switch e.Args[0].Kind {
		case ValNil:
			folded, ok = litBool(true)
		case ValNum, ValTrue, ValFalse:
			folded, ok = litBool(false)
		}
	}
	if !ok {
		return e, false
	}
	return folded, true
}

// -----------------------------------------------------------------------------
// Dead code elimination
// Every function body is its own CFG keyed by labels. A BFS from the main
// entry marks reachable steps; an if over a literal keeps only the taken
// branch and drops the if step itself so execution falls through into the
// surviving arm.

type stepPos struct {
	fn  int
	idx int
}

// bodyLabel qualifies a label with the index of the body it lives in: label
// counters restart per function, so bare label names repeat across bodies.
func bodyLabel(fn int, label ast.Symbol) ast.Symbol {
	return ast.Symbol(fmt.Sprintf("%d#%s", fn, label))
}

// labelTargets maps each label (qualified by bodyLabel) and each function
// name to its position. Main is function 0, definitions follow in order.
func labelTargets(prog *Prog) map[ast.Symbol]stepPos {
	targets := make(map[ast.Symbol]stepPos)
	for i, step := range prog.Main.Steps {
		if step.Kind == StepLabel {
			targets[bodyLabel(0, step.Label)] = stepPos{fn: 0, idx: i}
		}
	}
	for d, def := range prog.Defs {
		for i, step := range def.Body.Steps {
			if step.Kind == StepLabel {
				targets[bodyLabel(d+1, step.Label)] = stepPos{fn: d + 1, idx: i}
			}
		}
		targets[def.Name] = stepPos{fn: d + 1, idx: 0}
	}
	return targets
}

func (opt *Optimizer) dce(prog *Prog) (*Prog, bool) {
	targets := labelTargets(prog)
	bodies := make([][]Step, 0, len(prog.Defs)+1)
	bodies = append(bodies, prog.Main.Steps)
	for _, def := range prog.Defs {
		bodies = append(bodies, def.Body.Steps)
	}

	visited := make([][]bool, len(bodies))
	for i, body := range bodies {
		visited[i] = make([]bool, len(body))
	}

	enqueue := func(queue []stepPos, label ast.Symbol) []stepPos {
		pos, ok := targets[label]
		if !ok {
			utils.Fatal("unknown label %s", label)
		}
		if !visited[pos.fn][pos.idx] {
			queue = append(queue, pos)
		}
		return queue
	}

	queue := []stepPos{{fn: 0, idx: 0}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		steps := bodies[next.fn]
	scan:
		for i := next.idx; i < len(steps); i++ {
			visited[next.fn][i] = true
			step := steps[i]
			switch step.Kind {
			case StepIf:
				switch step.Cond.Kind {
				case ValVar, ValInput:
					queue = enqueue(queue, bodyLabel(next.fn, step.Then))
					queue = enqueue(queue, bodyLabel(next.fn, step.Else))
					if opt.Debug {
						fmt.Printf("visiting both branches %s %s\n", step.Then, step.Else)
					}
					break scan
				case ValFalse:
					// The branch is static: drop the if itself and fall
					// through into the surviving arm
					visited[next.fn][i] = false
					queue = enqueue(queue, bodyLabel(next.fn, step.Else))
					break scan
				default:
					visited[next.fn][i] = false
					queue = enqueue(queue, bodyLabel(next.fn, step.Then))
					break scan
				}
			case StepGoto:
				queue = enqueue(queue, bodyLabel(next.fn, step.Label))
				break scan
			case StepDo, StepSet:
				if step.Expr.Op == OpCall {
					// An undefined callee stays for the code generator to report
					if _, ok := targets[step.Expr.Fun]; ok {
						queue = enqueue(queue, step.Expr.Fun)
					}
				}
			}
		}
	}

	changed := false
	rebuild := func(fn int, steps []Step) Block {
		kept := make([]Step, 0, len(steps))
		for i, step := range steps {
			if !visited[fn][i] {
				changed = true
				continue
			}
			if step.Kind == StepGoto {
				pos, ok := targets[bodyLabel(fn, step.Label)]
				if !ok {
					utils.Fatal("unknown label %s", step.Label)
				}
				if !visited[pos.fn][pos.idx] {
					// Target label removed, the goto is unreachable too
					changed = true
					continue
				}
			}
			kept = append(kept, step)
		}
		return Block{Steps: kept}
	}

	newMain := rebuild(0, prog.Main.Steps)
	newDefs := make([]*Def, 0, len(prog.Defs))
	for d, def := range prog.Defs {
		newDefs = append(newDefs, &Def{
			Name: def.Name,
			Args: def.Args,
			Body: rebuild(d+1, def.Body.Steps),
		})
	}
	return &Prog{Defs: newDefs, Main: newMain}, changed
}

// -----------------------------------------------------------------------------
// Constant propagation
// Per function body: variables assigned exactly one literal value are
// substituted into later reads and their assignments dropped. The register
// pseudo-variables rax and r15 leak into the IR from the code generator's
// convention and must never be propagated; neither are function parameters.

func isHardCodedReg(s ast.Symbol) bool {
	return s == RaxTarget || s == HeapPtrTarget
}

func (opt *Optimizer) propagate(prog *Prog) (*Prog, bool) {
	changed := false
	newDefs := make([]*Def, 0, len(prog.Defs))
	for _, def := range prog.Defs {
		body, c := opt.propagateBlock(def.Body, def.Args)
		changed = changed || c
		newDefs = append(newDefs, &Def{Name: def.Name, Args: def.Args, Body: body})
	}
	main, c := opt.propagateBlock(prog.Main, nil)
	changed = changed || c
	return &Prog{Defs: newDefs, Main: main}, changed
}

func (opt *Optimizer) propagateBlock(block Block, args []ast.Symbol) (Block, bool) {
	varMap := make(map[ast.Symbol]Val)
	toRemove := make([]ast.Symbol, 0)
	for _, step := range block.Steps {
		if step.Kind != StepSet || isHardCodedReg(step.Target) {
			continue
		}
		x := step.Target
		if step.Expr.Op == OpVal && step.Expr.Args[0].IsLiteral() {
			val := step.Expr.Args[0]
			if prev, ok := varMap[x]; ok {
				if prev != val {
					toRemove = append(toRemove, x)
				}
			} else {
				varMap[x] = val
			}
		} else {
			// Assigned a computed value at least once: never propagate
			toRemove = append(toRemove, x)
		}
	}
	for _, x := range toRemove {
		delete(varMap, x)
	}
	for _, a := range args {
		delete(varMap, a)
	}
	if opt.Debug && len(varMap) > 0 {
		fmt.Printf("propagating %d constants\n", len(varMap))
	}

	changed := false
	substVal := func(v Val) Val {
		if v.Kind == ValVar {
			if lit, ok := varMap[v.Name]; ok {
				changed = true
				return lit
			}
		}
		return v
	}
	substExpr := func(e Expr) Expr {
		if len(e.Args) == 0 {
			return e
		}
		newArgs := make([]Val, len(e.Args))
		for i, a := range e.Args {
			newArgs[i] = substVal(a)
		}
		return Expr{Op: e.Op, Args: newArgs, Fun: e.Fun}
	}

	newSteps := make([]Step, 0, len(block.Steps))
	for _, step := range block.Steps {
		switch step.Kind {
		case StepLabel, StepGoto:
			newSteps = append(newSteps, step)
		case StepIf:
			step.Cond = substVal(step.Cond)
			newSteps = append(newSteps, step)
		case StepDo:
			step.Expr = substExpr(step.Expr)
			newSteps = append(newSteps, step)
		case StepSet:
			if _, ok := varMap[step.Target]; ok {
				// The literal now lives at every read site
				changed = true
				continue
			}
			step.Expr = substExpr(step.Expr)
			newSteps = append(newSteps, step)
		case StepCheck:
			step.Check.V1 = substVal(step.Check.V1)
			step.Check.V2 = substVal(step.Check.V2)
			newSteps = append(newSteps, step)
		}
	}
	return Block{Steps: newSteps}, changed
}
