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

// Package vm executes step-IR programs against the runtime heap and
// collector. It maintains the same frame discipline the code generator emits:
// arguments below the return word, saved registers, nil-initialized local
// slots, allocation sites that fall into the collector when the bump pointer
// passes the heap end. Running the IR this way exercises the runtime exactly
// as a compiled binary would, root scan included.
package vm

import (
	"snek/ast"
	"snek/compile/ir"
	runtm "snek/runtime"
	"snek/utils"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const nilWord = uint64(runtm.ValNil)

// Machine holds the register file and the program being run. The register
// assignment matches the generated code: rbx is the stack base, r13 the
// input, r14 the heap end, r15 the bump pointer.
type Machine struct {
	ctx  *runtm.Context
	prog *ir.Prog
	funs map[ast.Symbol]*ir.Def

	rax uint64
	rbx uint64
	rbp uint64
	rsp uint64
	r13 uint64
	r14 uint64
	r15 uint64

	// Overflow flag of the last arithmetic step, consumed by check overflow
	overflow bool
}

type vmAbort struct {
	err error
}

func fail(err error) {
	panic(vmAbort{err})
}

func New(ctx *runtm.Context, prog *ir.Prog) *Machine {
	funs := lo.SliceToMap(prog.Defs, func(d *ir.Def) (ast.Symbol, *ir.Def) {
		return d.Name, d
	})
	return &Machine{ctx: ctx, prog: prog, funs: funs}
}

// Run executes the program with the given tagged input and returns the final
// value. Dynamic errors come back as runtime.ErrCode values.
func (m *Machine) Run(input uint64) (result uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(vmAbort); ok {
				result, err = 0, abort.err
				return
			}
			panic(r)
		}
	}()

	m.rsp = m.ctx.StackBase
	m.r13 = input
	m.r15 = m.ctx.HeapStart
	m.r14 = m.ctx.HeapEnd

	// The host's call into the entry point: a return word, then the entry
	// prologue saving the five callee-saved registers
	m.push(0)
	m.call(&m.prog.Main, nil, nil, 5)
	return m.rax, nil
}

func (m *Machine) push(v uint64) {
	m.rsp -= 8
	if m.rsp < m.ctx.HeapEnd {
		utils.Fatal("stack overflow")
	}
	m.ctx.Store(m.rsp, v)
}

// frameEnv mirrors the code generator's slot assignment: one slot per
// distinct set target in first-appearance order, arguments at negative
// indices below the saved registers.
func frameEnv(b *ir.Block, args []ast.Symbol, savedRegs int) map[ast.Symbol]int {
	env := make(map[ast.Symbol]int)
	for _, step := range b.Steps {
		if step.Kind == ir.StepSet {
			if _, ok := env[step.Target]; !ok {
				env[step.Target] = len(env) + 1
			}
		}
	}
	for i, arg := range args {
		env[arg] = -1 - savedRegs - i
	}
	return env
}

func frameWords(locals int, savedRegs int) int {
	size := locals + savedRegs + 1
	if size%2 == 0 {
		return locals
	}
	return locals + 1
}

// call runs one function body in a fresh frame. Arguments have already been
// pushed by the caller; savedRegs is the number of callee-saved register
// words the prologue pushes (five for the entry, one for other functions).
func (m *Machine) call(b *ir.Block, args []ast.Symbol, fn *ir.Def, savedRegs int) {
	// Saved register words: stack addresses and zeros, invisible to the
	// root filter
	savedRbp := m.rbp
	for i := 0; i < savedRegs; i++ {
		if i == 0 {
			m.push(m.rbp)
		} else {
			m.push(0)
		}
	}
	m.rbp = m.rsp
	if fn == nil {
		// Entry point: capture the stack base for the collector's root scan
		m.rbx = m.rbp
	}

	// Frame sizing counts every env entry, arguments included, matching the
	// emitted prologue word for word
	env := frameEnv(b, args, savedRegs)
	size := frameWords(len(env), savedRegs)
	for i := 0; i < size; i++ {
		m.push(nilWord)
	}

	m.exec(b, env)

	m.rsp += 8 * uint64(size)
	m.rsp += 8 * uint64(savedRegs) // popped saved registers
	m.rbp = savedRbp
	m.rsp += 8 // return word
}

func (m *Machine) exec(b *ir.Block, env map[ast.Symbol]int) {
	labels := make(map[ast.Symbol]int)
	for i, step := range b.Steps {
		if step.Kind == ir.StepLabel {
			labels[step.Label] = i
		}
	}
	labelIndex := func(l ast.Symbol) int {
		idx, ok := labels[l]
		if !ok {
			utils.Fatal("unknown label %s", l)
		}
		return idx
	}

	for pc := 0; pc < len(b.Steps); pc++ {
		step := &b.Steps[pc]
		switch step.Kind {
		case ir.StepLabel:
			// position marker only
		case ir.StepIf:
			if m.val(step.Cond, env) == uint64(runtm.ValFalse) {
				pc = labelIndex(step.Else)
			} else {
				pc = labelIndex(step.Then)
			}
		case ir.StepGoto:
			pc = labelIndex(step.Label)
		case ir.StepDo:
			m.eval(&step.Expr, env)
		case ir.StepSet:
			res := m.eval(&step.Expr, env)
			if step.Target == ir.HeapPtrTarget {
				m.r15 = res
				continue
			}
			m.store(env, step.Target, res)
		case ir.StepCheck:
			m.check(&step.Check, env)
		}
	}
}

func (m *Machine) slotAddr(env map[ast.Symbol]int, x ast.Symbol) uint64 {
	offset, ok := env[x]
	if !ok {
		utils.Fatal("Unbound identifier %s", x)
	}
	return m.rbp - uint64(8*int64(offset))
}

func (m *Machine) store(env map[ast.Symbol]int, x ast.Symbol, v uint64) {
	m.ctx.Store(m.slotAddr(env, x), v)
}

func (m *Machine) val(v ir.Val, env map[ast.Symbol]int) uint64 {
	switch v.Kind {
	case ir.ValNum:
		return uint64(v.Num << 1)
	case ir.ValTrue:
		return uint64(runtm.ValTrue)
	case ir.ValFalse:
		return uint64(runtm.ValFalse)
	case ir.ValNil:
		return nilWord
	case ir.ValInput:
		return m.r13
	case ir.ValVar:
		return m.ctx.Load(m.slotAddr(env, v.Name))
	}
	utils.ShouldNotReachHere()
	return 0
}

// -----------------------------------------------------------------------------
// Checks
// The outcomes match the generated check sequences on every input.

func (m *Machine) check(c *ir.Check, env map[ast.Symbol]int) {
	switch c.Kind {
	case ir.CheckIsNum:
		if m.val(c.V1, env)&1 != 0 {
			fail(runtm.ErrInvalidArgument)
		}
	case ir.CheckIsVec:
		v := m.val(c.V1, env)
		if v&0b01 == 0 || v&0b10 != 0 {
			fail(runtm.ErrInvalidArgument)
		}
	case ir.CheckIsNotNil:
		if m.val(c.V1, env) == nilWord {
			fail(runtm.ErrInvalidArgument)
		}
	case ir.CheckEq:
		v1 := m.val(c.V1, env)
		v2 := m.val(c.V2, env)
		if (v1^v2)&0b11 != 0 && (v1|v2)&0b01 != 0 {
			fail(runtm.ErrInvalidArgument)
		}
	case ir.CheckBounds:
		vec := m.val(c.V1, env)
		index := m.val(c.V2, env)
		if index&1 != 0 {
			fail(runtm.ErrInvalidArgument)
		}
		if vec&0b01 == 0 || vec&0b10 != 0 || vec == nilWord {
			fail(runtm.ErrInvalidArgument)
		}
		count := int64(m.ctx.Load(vec - 1 + 8))
		idx := runtm.UntagInt(index)
		if idx < 0 || count <= idx {
			fail(runtm.ErrIndexOutOfBounds)
		}
	case ir.CheckOverflow:
		if m.overflow {
			fail(runtm.ErrOverflow)
		}
	}
}

// -----------------------------------------------------------------------------
// Expressions

func boolWord(b bool) uint64 {
	if b {
		return uint64(runtm.ValTrue)
	}
	return uint64(runtm.ValFalse)
}

// addTagged adds tagged words, recording signed 64-bit wraparound the way the
// hardware overflow flag would.
func (m *Machine) addTagged(a, b uint64) uint64 {
	res := int64(a) + int64(b)
	m.overflow = (int64(b) > 0 && res < int64(a)) ||
		(int64(b) < 0 && res > int64(a))
	return uint64(res)
}

func (m *Machine) subTagged(a, b uint64) uint64 {
	res := int64(a) - int64(b)
	m.overflow = (int64(b) < 0 && res < int64(a)) ||
		(int64(b) > 0 && res > int64(a))
	return uint64(res)
}

func (m *Machine) mulTagged(a, b uint64) uint64 {
	// One operand is stripped of its shift first, as in the emitted code
	lhs := int64(a) >> 1
	rhs := int64(b)
	if lhs == -1 && rhs == -1<<63 {
		m.overflow = true
		return uint64(rhs)
	}
	res := lhs * rhs
	m.overflow = lhs != 0 && (res/lhs != rhs)
	return uint64(res)
}

func (m *Machine) divTagged(a, b uint64) uint64 {
	if int64(b) == 0 {
		// A native binary dies on the divide instruction
		utils.Fatal("integer divide by zero")
	}
	q := int64(a) / int64(b)
	res := q << 1
	m.overflow = res>>1 != q
	return uint64(res)
}

func (m *Machine) eval(e *ir.Expr, env map[ast.Symbol]int) uint64 {
	res := m.evalExpr(e, env)
	// The generated code leaves every expression result in rax
	m.rax = res
	return res
}

func (m *Machine) evalExpr(e *ir.Expr, env map[ast.Symbol]int) uint64 {
	args := e.Args
	switch e.Op {
	case ir.OpAdd1:
		return m.addTagged(m.val(args[0], env), 2)
	case ir.OpSub1:
		return m.subTagged(m.val(args[0], env), 2)
	case ir.OpPlus:
		return m.addTagged(m.val(args[0], env), m.val(args[1], env))
	case ir.OpMinus:
		return m.subTagged(m.val(args[0], env), m.val(args[1], env))
	case ir.OpTimes:
		return m.mulTagged(m.val(args[0], env), m.val(args[1], env))
	case ir.OpDivide:
		return m.divTagged(m.val(args[0], env), m.val(args[1], env))
	case ir.OpEq:
		return boolWord(m.val(args[0], env) == m.val(args[1], env))
	case ir.OpGt:
		return boolWord(int64(m.val(args[0], env)) > int64(m.val(args[1], env)))
	case ir.OpGe:
		return boolWord(int64(m.val(args[0], env)) >= int64(m.val(args[1], env)))
	case ir.OpLt:
		return boolWord(int64(m.val(args[0], env)) < int64(m.val(args[1], env)))
	case ir.OpLe:
		return boolWord(int64(m.val(args[0], env)) <= int64(m.val(args[1], env)))
	case ir.OpIsNum:
		return boolWord(m.val(args[0], env)&1 == 0)
	case ir.OpIsBool:
		return boolWord(m.val(args[0], env)&0b11 == 0b11)
	case ir.OpIsVec:
		v := m.val(args[0], env)
		return boolWord(v&0b01 != 0 && v&0b10 == 0)
	case ir.OpPrint:
		return m.ctx.Print(m.val(args[0], env))
	case ir.OpCall:
		return m.evalCall(e, env)
	case ir.OpMakeVec:
		return m.evalMakeVec(args[0], args[1], env)
	case ir.OpVec:
		return m.evalVec(args, env)
	case ir.OpVecSet:
		vec := m.val(args[0], env)
		idx := runtm.UntagInt(m.val(args[1], env))
		m.ctx.Store(vec-1+8*uint64(2+idx), m.val(args[2], env))
		return vec
	case ir.OpVecGet:
		vec := m.val(args[0], env)
		idx := runtm.UntagInt(m.val(args[1], env))
		return m.ctx.Load(vec - 1 + 8*uint64(2+idx))
	case ir.OpVecLen:
		vec := m.val(args[0], env)
		return m.ctx.Load(vec-1+8) << 1
	case ir.OpVal:
		return m.val(args[0], env)
	case ir.OpPrintStack:
		m.ctx.PrintStack(m.rbx, m.rbp, m.rsp)
		return m.rax
	case ir.OpGc:
		newPtr, err := m.ctx.GC(m.r15, m.rbx, m.rbp, m.rsp)
		if err != nil {
			fail(err)
		}
		return newPtr
	}
	utils.ShouldNotReachHere()
	return 0
}

func (m *Machine) evalCall(e *ir.Expr, env map[ast.Symbol]int) uint64 {
	def, ok := m.funs[e.Fun]
	if !ok {
		fail(errors.Errorf("function %s not defined", e.Fun))
	}
	if len(e.Args) != len(def.Args) {
		fail(errors.Errorf("function %s takes %d arguments but %d were supplied",
			e.Fun, len(def.Args), len(e.Args)))
	}
	argspace := len(e.Args)
	if argspace%2 != 0 {
		m.push(nilWord)
		argspace++
	}
	for i := len(e.Args) - 1; i >= 0; i-- {
		m.push(m.val(e.Args[i], env))
	}
	m.push(0) // return word
	m.call(&def.Body, def.Args, def, 1)
	m.rsp += 8 * uint64(argspace)
	return m.rax
}

// alloc reserves count+2 words at the bump pointer, collecting when the heap
// end is in the way, and returns the object's untagged address.
func (m *Machine) alloc(count int64) uint64 {
	need := 8 * uint64(count+2)
	if m.r15+need > m.r14 {
		newPtr, err := m.ctx.TryGC(count+2, m.r15, m.rbx, m.rbp, m.rsp)
		if err != nil {
			fail(err)
		}
		m.r15 = newPtr
	}
	addr := m.r15
	m.ctx.Store(addr, 0)
	m.ctx.Store(addr+8, uint64(count))
	m.r15 += need
	return addr
}

func (m *Machine) evalMakeVec(size, elem ir.Val, env map[ast.Symbol]int) uint64 {
	count := runtm.UntagInt(m.val(size, env))
	if count < 0 {
		fail(runtm.ErrInvalidVecSize)
	}
	// The element is read only after alloc: a collection in there rewrites
	// the slot it lives in, exactly like the emitted code reloading it
	addr := m.alloc(count)
	fill := m.val(elem, env)
	for i := int64(0); i < count; i++ {
		m.ctx.Store(addr+8*uint64(2+i), fill)
	}
	return addr + 1
}

func (m *Machine) evalVec(elems []ir.Val, env map[ast.Symbol]int) uint64 {
	addr := m.alloc(int64(len(elems)))
	for i, elem := range elems {
		m.ctx.Store(addr+8*uint64(2+i), m.val(elem, env))
	}
	return addr + 1
}
