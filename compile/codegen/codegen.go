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
package codegen

import (
	"fmt"

	"snek/ast"
	"snek/compile/ir"
	"snek/utils"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Error stub labels; each loads its code and tail-calls the runtime error
// entry.
const (
	invalidArgLabel  = "invalid_argument"
	overflowLabel    = "overflow"
	outOfBoundsLabel = "index_out_of_bounds"
	invalidSizeLabel = "invalid_vec_size"
	entryLabel       = "our_code_starts_here"
)

// Fixed register assignment, kept across all generated code.
const (
	stackBase = Rbx // stack base captured at entry, upper bound of GC root scan
	inputReg  = R13 // program input, preserved across the whole program
	heapEnd   = R14 // heap end sentinel
	heapPtr   = R15 // bump allocation pointer
	checkReg  = Rdx // scratch for check sequences
	checkReg2 = R10 // second scratch for two-operand checks
)

const (
	nilValue  = 0b001
	memSetVal = nilValue // fresh stack slots hold nil
	gcWordVal = 0
)

// Session owns the instruction buffer, the label tag counter and the
// name-to-arity map for one compilation.
type Session struct {
	instrs []Instr
	funs   map[ast.Symbol]int
	tag    uint32
}

type genAbort struct {
	err error
}

// CompileProg translates an optimized step-IR program to NASM assembly text.
func CompileProg(prog *ir.Prog) (asm string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(genAbort); ok {
				asm, err = "", abort.err
				return
			}
			panic(r)
		}
	}()

	funs := lo.SliceToMap(prog.Defs, func(d *ir.Def) (ast.Symbol, int) {
		return d.Name, len(d.Args)
	})
	sess := &Session{funs: funs}
	for _, def := range prog.Defs {
		sess.compileDef(def, []Reg{Rbp})
	}

	calleeSaved := []Reg{Rbp, stackBase, inputReg, heapEnd, heapPtr}
	sess.emit(label(entryLabel))
	env := sess.funEntry(&prog.Main, nil, calleeSaved)
	sess.emit(
		ins2(AsmMov, stackBase, Rbp),
		ins2(AsmMov, inputReg, Rdi),
		ins2(AsmMov, heapPtr, Rsi),
		ins2(AsmMov, heapEnd, Rdx),
	)
	sess.compileBlock(&prog.Main, env, "main")
	sess.funExit(env, calleeSaved)

	return fmt.Sprintf(`
section .text
extern snek_error
extern snek_print
extern snek_print_stack
extern snek_try_gc
extern snek_gc
global %s
%s
%s:
  mov edi, 1
  call snek_error
%s:
  mov edi, 2
  call snek_error
%s:
  mov edi, 3
  call snek_error
%s:
  mov edi, 4
  call snek_error
`, entryLabel, instrsToString(sess.instrs),
		invalidArgLabel, overflowLabel, outOfBoundsLabel, invalidSizeLabel), nil
}

func (sess *Session) emit(instrs ...Instr) {
	sess.instrs = append(sess.instrs, instrs...)
}

func (sess *Session) nextTag() uint32 {
	sess.tag++
	return sess.tag - 1
}

// -----------------------------------------------------------------------------
// Frames
//
// | arg n          |
// | ...            |
// | arg 1          |
// | return address |
// | saved regs     |
// | (rbp)          | <- rbp
// | slot 1         | rbp-8
// | ...            |
// | pad            |
//
// env maps a set target to its positive slot index; arguments get negative
// indices addressing above the saved registers.

type frameEnv map[ast.Symbol]int

// slotRef addresses a frame variable relative to rbp.
func slotRef(env frameEnv, x ast.Symbol) MemRef {
	offset, ok := env[x]
	if !ok {
		utils.Fatal("Unbound identifier %s", x)
	}
	return Mem(Rbp).Off(int32(-8 * offset))
}

// frameWords computes the reserved slot count: one per frame-env entry (every
// distinct set target and every argument alike) plus a pad word whenever
// return address, saved registers and slots would leave the frame misaligned.
func frameWords(env frameEnv, calleeSaved []Reg) int {
	size := len(env) + len(calleeSaved) + 1
	if size%2 == 0 {
		return len(env)
	}
	return len(env) + 1
}

func (sess *Session) funEntry(b *ir.Block, args []ast.Symbol, calleeSaved []Reg) frameEnv {
	env := make(frameEnv)
	for _, reg := range calleeSaved {
		sess.emit(ins1(AsmPush, reg))
	}
	for _, step := range b.Steps {
		if step.Kind == ir.StepSet {
			if _, ok := env[step.Target]; !ok {
				env[step.Target] = len(env) + 1
			}
		}
	}
	for i, arg := range args {
		env[arg] = -1 - len(calleeSaved) - i
	}
	size := frameWords(env, calleeSaved)
	sess.emit(
		ins2(AsmMov, Rbp, Rsp),
		ins2(AsmSub, Rsp, Imm(8*size)),
	)
	// Fresh slots hold nil so the collector never sees stale pointers
	for i := 0; i < size; i++ {
		sess.emit(ins2(AsmMov, Mem(Rbp).Off(int32(-8*(i+1))), Imm(memSetVal)))
	}
	return env
}

func (sess *Session) funExit(env frameEnv, calleeSaved []Reg) {
	size := frameWords(env, calleeSaved)
	sess.emit(ins2(AsmAdd, Rsp, Imm(8*size)))
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		sess.emit(ins1(AsmPop, calleeSaved[i]))
	}
	sess.emit(ins0(AsmRet))
}

func (sess *Session) compileDef(d *ir.Def, calleeSaved []Reg) {
	sess.emit(label(d.Name.String()))
	env := sess.funEntry(&d.Body, d.Args, calleeSaved)
	sess.compileBlock(&d.Body, env, d.Name)
	sess.funExit(env, calleeSaved)
}

func (sess *Session) compileBlock(b *ir.Block, env frameEnv, fn ast.Symbol) {
	for i := range b.Steps {
		sess.compileStep(&b.Steps[i], env, fn)
	}
}

// scopedLabel mangles an IR label with its function name; IR label counters
// restart per function, assembly labels are global.
func scopedLabel(fn ast.Symbol, l ast.Symbol) string {
	return fmt.Sprintf("%s_%s", fn, l)
}

func (sess *Session) compileStep(s *ir.Step, env frameEnv, fn ast.Symbol) {
	switch s.Kind {
	case ir.StepLabel:
		sess.emit(label(scopedLabel(fn, s.Label)))
	case ir.StepIf:
		sess.loadVal(s.Cond, Rax, env)
		sess.emit(
			ins2(AsmCmp, Rax, Imm(3)),
			jump(AsmJe, scopedLabel(fn, s.Else)),
			jump(AsmJmp, scopedLabel(fn, s.Then)),
		)
	case ir.StepGoto:
		sess.emit(jump(AsmJmp, scopedLabel(fn, s.Label)))
	case ir.StepDo:
		sess.compileExpr(&s.Expr, env)
	case ir.StepSet:
		sess.compileExpr(&s.Expr, env)
		if s.Target == ir.HeapPtrTarget {
			// The gc escape hatch writes straight into the live heap pointer
			sess.emit(ins2(AsmMov, heapPtr, Rax))
			return
		}
		sess.emit(ins2(AsmMov, slotRef(env, s.Target), Rax))
	case ir.StepCheck:
		sess.compileCheck(&s.Check, env)
	}
}

// -----------------------------------------------------------------------------
// Checks
// Each check lowers to a short-circuit sequence branching into an error stub.
// Literal operands specialize the sequence, often to nothing.

func (sess *Session) loadCheckVar(v ast.Symbol, target Reg, env frameEnv) {
	sess.emit(ins2(AsmMov, target, slotRef(env, v)))
}

func (sess *Session) compileCheck(c *ir.Check, env frameEnv) {
	switch c.Kind {
	case ir.CheckIsNum:
		sess.checkIsNum(c.V1, env)
	case ir.CheckIsVec:
		sess.checkIsVec(c.V1, env)
	case ir.CheckIsNotNil:
		sess.checkIsNotNil(c.V1, env)
	case ir.CheckEq:
		sess.checkEq(c.V1, c.V2, env)
	case ir.CheckBounds:
		sess.checkBounds(c.V1, c.V2, env)
	case ir.CheckOverflow:
		sess.emit(jump(AsmJo, overflowLabel))
	}
}

func (sess *Session) checkIsNum(v ir.Val, env frameEnv) {
	switch v.Kind {
	case ir.ValNum:
		return
	case ir.ValInput:
		sess.emit(
			ins2(AsmTest, inputReg, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
	case ir.ValVar:
		sess.loadCheckVar(v.Name, checkReg, env)
		sess.emit(
			ins2(AsmTest, checkReg, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
	default:
		sess.emit(jump(AsmJmp, invalidArgLabel))
	}
}

// vecTagCheck verifies checkReg holds a pointer-tagged word: not an integer,
// not a boolean.
func (sess *Session) vecTagCheck() {
	sess.emit(
		ins2(AsmTest, checkReg, Imm(0b001)),
		jump(AsmJz, invalidArgLabel),
		ins2(AsmTest, checkReg, Imm(0b010)),
		jump(AsmJnz, invalidArgLabel),
	)
}

func (sess *Session) checkIsVec(v ir.Val, env frameEnv) {
	switch v.Kind {
	case ir.ValVar:
		sess.loadCheckVar(v.Name, checkReg, env)
		sess.vecTagCheck()
	case ir.ValNil:
		return
	default:
		sess.emit(jump(AsmJmp, invalidArgLabel))
	}
}

func (sess *Session) checkIsNotNil(v ir.Val, env frameEnv) {
	switch v.Kind {
	case ir.ValVar:
		sess.loadCheckVar(v.Name, checkReg, env)
		sess.emit(
			ins2(AsmCmp, checkReg, Imm(nilValue)),
			jump(AsmJz, invalidArgLabel),
		)
	default:
		// Any literal reaching this check is nil or a scalar; both fail
		sess.emit(jump(AsmJmp, invalidArgLabel))
	}
}

func isBoolVal(v ir.Val) bool {
	return v.Kind == ir.ValTrue || v.Kind == ir.ValFalse
}

func (sess *Session) checkEq(v1, v2 ir.Val, env frameEnv) {
	// Compatible literal pairs need no code at all
	switch {
	case isBoolVal(v1) && isBoolVal(v2),
		v1.Kind == ir.ValInput && v2.Kind == ir.ValInput,
		v1.Kind == ir.ValNum && v2.Kind == ir.ValNum,
		v1.Kind == ir.ValNil && v2.Kind == ir.ValNil:
		return
	}

	// Normalize so the variable (or input) comes first
	if v2.Kind == ir.ValVar {
		v1, v2 = v2, v1
	} else if v1.Kind != ir.ValVar && v2.Kind == ir.ValInput {
		v1, v2 = v2, v1
	}

	switch {
	case v1.Kind == ir.ValVar && v2.Kind == ir.ValNum:
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.emit(
			ins2(AsmTest, checkReg, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
	case v1.Kind == ir.ValVar && isBoolVal(v2):
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.emit(
			ins2(AsmAnd, checkReg, Imm(0b011)),
			ins2(AsmCmp, checkReg, Imm(0b011)),
			jump(AsmJnz, invalidArgLabel),
		)
	case v1.Kind == ir.ValVar && v2.Kind == ir.ValNil:
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.vecTagCheck()
	case v1.Kind == ir.ValVar && v2.Kind == ir.ValInput:
		// Tags equal: fine. Tags differ: only two numbers are still
		// compatible, so any set low bit on either operand is an error.
		finish := fmt.Sprintf("check_eq_finish_%d", sess.nextTag())
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.emit(
			ins2(AsmXor, checkReg, inputReg),
			ins2(AsmTest, checkReg, Imm(0b11)),
			jump(AsmJz, finish),
		)
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.emit(
			ins2(AsmOr, checkReg, inputReg),
			ins2(AsmTest, checkReg, Imm(0b01)),
			jump(AsmJnz, invalidArgLabel),
			label(finish),
		)
	case v1.Kind == ir.ValVar && v2.Kind == ir.ValVar:
		finish := fmt.Sprintf("check_eq_finish_%d", sess.nextTag())
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.loadCheckVar(v2.Name, checkReg2, env)
		sess.emit(
			ins2(AsmXor, checkReg, checkReg2),
			ins2(AsmTest, checkReg, Imm(0b11)),
			jump(AsmJz, finish),
		)
		sess.loadCheckVar(v1.Name, checkReg, env)
		sess.emit(
			ins2(AsmOr, checkReg, checkReg2),
			ins2(AsmTest, checkReg, Imm(0b01)),
			jump(AsmJnz, invalidArgLabel),
			label(finish),
		)
	case v1.Kind == ir.ValInput && v2.Kind == ir.ValNum:
		sess.emit(
			ins2(AsmTest, inputReg, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
	case v1.Kind == ir.ValInput && isBoolVal(v2):
		sess.emit(
			ins2(AsmMov, checkReg, inputReg),
			ins2(AsmAnd, checkReg, Imm(0b011)),
			ins2(AsmCmp, checkReg, Imm(0b011)),
			jump(AsmJnz, invalidArgLabel),
		)
	default:
		// Remaining literal pairs have incompatible types
		sess.emit(jump(AsmJmp, invalidArgLabel))
	}
}

// checkBounds verifies the vector operand is a non-nil pointer, the index a
// number, and 0 <= index < stored element count.
func (sess *Session) checkBounds(vec, index ir.Val, env frameEnv) {
	// A literal index must be a number; a literal vector can never be one
	if isBoolVal(index) || index.Kind == ir.ValNil {
		sess.emit(jump(AsmJmp, invalidArgLabel))
		return
	}
	if vec.Kind != ir.ValVar {
		sess.emit(jump(AsmJmp, invalidArgLabel))
		return
	}

	loadCount := func() {
		sess.loadCheckVar(vec.Name, checkReg, env)
		sess.vecTagCheck()
		sess.emit(
			ins2(AsmCmp, checkReg, Imm(nilValue)),
			jump(AsmJz, invalidArgLabel),
			ins2(AsmSub, checkReg, Imm(1)),
			ins2(AsmMov, checkReg, Mem(checkReg).Off(8)),
		)
	}

	switch index.Kind {
	case ir.ValNum:
		loadCount()
		if index.Num < 0 {
			sess.emit(jump(AsmJmp, outOfBoundsLabel))
			return
		}
		sess.emit(
			ins2(AsmCmp, checkReg, Imm(0)),
			jump(AsmJl, outOfBoundsLabel),
			ins2(AsmCmp, checkReg, Imm(index.Num)),
			jump(AsmJle, outOfBoundsLabel),
		)
	case ir.ValVar:
		sess.loadCheckVar(index.Name, checkReg2, env)
		sess.emit(
			ins2(AsmTest, checkReg2, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
		loadCount()
		sess.emit(
			ins2(AsmSar, checkReg2, Imm(1)),
			ins2(AsmCmp, checkReg2, Imm(0)),
			jump(AsmJl, outOfBoundsLabel),
			ins2(AsmCmp, checkReg, checkReg2),
			jump(AsmJle, outOfBoundsLabel),
		)
	case ir.ValInput:
		sess.emit(
			ins2(AsmTest, inputReg, Imm(0b001)),
			jump(AsmJnz, invalidArgLabel),
		)
		loadCount()
		sess.emit(
			ins2(AsmMov, checkReg2, inputReg),
			ins2(AsmSar, checkReg2, Imm(1)),
			ins2(AsmCmp, checkReg2, Imm(0)),
			jump(AsmJl, outOfBoundsLabel),
			ins2(AsmCmp, checkReg, checkReg2),
			jump(AsmJle, outOfBoundsLabel),
		)
	}
}

// -----------------------------------------------------------------------------
// Values and expressions

// loadVal materializes an IR value into a register.
func (sess *Session) loadVal(v ir.Val, target Reg, env frameEnv) {
	sess.moveTo(target, sess.valOperand(v, env))
}

func (sess *Session) valOperand(v ir.Val, env frameEnv) Operand {
	switch v.Kind {
	case ir.ValNum:
		return Imm(v.Num << 1)
	case ir.ValTrue:
		return Imm(7)
	case ir.ValFalse:
		return Imm(3)
	case ir.ValInput:
		return inputReg
	case ir.ValNil:
		return Imm(1)
	case ir.ValVar:
		return slotRef(env, v.Name)
	}
	utils.ShouldNotReachHere()
	return nil
}

// moveTo moves src into dst, routing memory-to-memory and wide immediates
// through the check scratch register.
func (sess *Session) moveTo(dst Operand, src Operand) {
	if dst == src {
		return
	}
	if reg, ok := dst.(Reg); ok {
		sess.emit(ins2(AsmMov, reg, src))
		return
	}
	mem := dst.(MemRef)
	switch src := src.(type) {
	case Reg:
		sess.emit(ins2(AsmMov, mem, src))
	case Imm:
		if src >= -1<<31 && src < 1<<31 {
			sess.emit(ins2(AsmMov, mem, src))
		} else {
			sess.emit(
				ins2(AsmMov, checkReg, src),
				ins2(AsmMov, mem, checkReg),
			)
		}
	case MemRef:
		sess.emit(
			ins2(AsmMov, checkReg, src),
			ins2(AsmMov, mem, checkReg),
		)
	}
}

// compare emits cmp plus a conditional move selecting between the boolean
// constants; the result lands in rax.
func (sess *Session) compare(cmov AsmOp) {
	sess.emit(
		ins2(AsmCmp, Rax, Rcx),
		ins2(AsmMov, Rcx, Imm(7)),
		ins2(AsmMov, Rax, Imm(3)),
		ins2(cmov, Rax, Rcx),
	)
}

// tryGCSequence emits the collector call at an allocation site that failed
// its heap-end test: rdi already holds the word count.
func (sess *Session) tryGCSequence() {
	sess.emit(
		ins2(AsmMov, Rsi, heapPtr),
		ins2(AsmMov, Rdx, stackBase),
		ins2(AsmMov, Rcx, Rbp),
		ins2(AsmMov, R8, Rsp),
		jump(AsmCall, "snek_try_gc"),
		ins2(AsmMov, heapPtr, Rax),
	)
}

func (sess *Session) compileExpr(e *ir.Expr, env frameEnv) {
	args := e.Args
	switch e.Op {
	case ir.OpAdd1:
		sess.loadVal(args[0], Rax, env)
		sess.emit(ins2(AsmAdd, Rax, Imm(2)))
	case ir.OpSub1:
		sess.loadVal(args[0], Rax, env)
		sess.emit(ins2(AsmSub, Rax, Imm(2)))
	case ir.OpPlus:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.emit(ins2(AsmAdd, Rax, Rcx))
	case ir.OpMinus:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.emit(ins2(AsmSub, Rax, Rcx))
	case ir.OpTimes:
		// Operands are pre-shifted, so strip one factor's tag bit first
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.emit(
			ins2(AsmSar, Rax, Imm(1)),
			ins2(AsmIMul, Rax, Rcx),
		)
	case ir.OpDivide:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.emit(
			ins0(AsmCqo),
			ins1(AsmIDiv, Rcx),
			ins2(AsmSal, Rax, Imm(1)),
		)
	case ir.OpEq:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.compare(AsmCmovE)
	case ir.OpGt:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.compare(AsmCmovG)
	case ir.OpGe:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.compare(AsmCmovGE)
	case ir.OpLt:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.compare(AsmCmovL)
	case ir.OpLe:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.compare(AsmCmovLE)
	case ir.OpIsNum:
		sess.loadVal(args[0], Rax, env)
		sess.emit(
			ins2(AsmAnd, Rax, Imm(0b001)),
			ins2(AsmMov, Rax, Imm(3)),
			ins2(AsmMov, Rcx, Imm(7)),
			ins2(AsmCmovZ, Rax, Rcx),
		)
	case ir.OpIsBool:
		sess.loadVal(args[0], Rax, env)
		sess.emit(
			ins2(AsmAnd, Rax, Imm(0b011)),
			ins2(AsmCmp, Rax, Imm(0b011)),
			ins2(AsmMov, Rax, Imm(3)),
			ins2(AsmMov, Rcx, Imm(7)),
			ins2(AsmCmovE, Rax, Rcx),
		)
	case ir.OpIsVec:
		sess.loadVal(args[0], Rax, env)
		sess.emit(
			ins2(AsmMov, Rdx, Rax),
			ins2(AsmMov, Rax, Imm(7)),
			ins2(AsmMov, Rcx, Imm(3)),
			ins2(AsmTest, Rdx, Imm(0b01)),
			ins2(AsmCmovZ, Rax, Rcx),
			ins2(AsmTest, Rdx, Imm(0b10)),
			ins2(AsmCmovNZ, Rax, Rcx),
		)
	case ir.OpPrint:
		sess.loadVal(args[0], Rax, env)
		sess.emit(
			ins2(AsmMov, Rdi, Rax),
			jump(AsmCall, "snek_print"),
		)
	case ir.OpCall:
		sess.compileCall(e, env)
	case ir.OpMakeVec:
		sess.compileMakeVec(args[0], args[1], env)
	case ir.OpVec:
		sess.compileVec(args, env)
	case ir.OpVecSet:
		sess.loadVal(args[2], Rcx, env)
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rdi, env)
		sess.emit(
			ins2(AsmSar, Rdi, Imm(1)),
			ins2(AsmSub, Rax, Imm(1)),
			ins2(AsmMov, Mem(Rax).Idx(Rdi, 8).Off(16), Rcx),
			ins2(AsmAdd, Rax, Imm(1)),
		)
	case ir.OpVecGet:
		sess.loadVal(args[0], Rax, env)
		sess.loadVal(args[1], Rcx, env)
		sess.emit(
			ins2(AsmSar, Rcx, Imm(1)),
			ins2(AsmSub, Rax, Imm(1)),
			ins2(AsmMov, Rax, Mem(Rax).Idx(Rcx, 8).Off(16)),
		)
	case ir.OpVecLen:
		sess.loadVal(args[0], Rax, env)
		sess.emit(
			ins2(AsmSub, Rax, Imm(1)),
			ins2(AsmMov, Rax, Mem(Rax).Off(8)),
			ins2(AsmSal, Rax, Imm(1)),
		)
	case ir.OpVal:
		sess.loadVal(args[0], Rax, env)
	case ir.OpPrintStack:
		sess.emit(
			ins2(AsmMov, Rdi, stackBase),
			ins2(AsmMov, Rsi, Rbp),
			ins2(AsmMov, Rdx, Rsp),
			jump(AsmCall, "snek_print_stack"),
		)
	case ir.OpGc:
		sess.emit(
			ins2(AsmMov, Rdi, heapPtr),
			ins2(AsmMov, Rsi, stackBase),
			ins2(AsmMov, Rdx, Rbp),
			ins2(AsmMov, Rcx, Rsp),
			jump(AsmCall, "snek_gc"),
		)
	default:
		utils.ShouldNotReachHere()
	}
}

func (sess *Session) compileCall(e *ir.Expr, env frameEnv) {
	arity, ok := sess.funs[e.Fun]
	if !ok {
		panic(genAbort{errors.Errorf("function %s not defined", e.Fun)})
	}
	if len(e.Args) != arity {
		panic(genAbort{errors.Errorf(
			"function %s takes %d arguments but %d were supplied",
			e.Fun, arity, len(e.Args))})
	}
	argspace := len(e.Args)
	if argspace%2 != 0 {
		// Keep rsp 16-byte aligned across the call
		sess.emit(ins1(AsmPush, Imm(memSetVal)))
		argspace++
	}
	for i := len(e.Args) - 1; i >= 0; i-- {
		sess.loadVal(e.Args[i], Rcx, env)
		sess.emit(ins1(AsmPush, Rcx))
	}
	sess.emit(
		jump(AsmCall, e.Fun.String()),
		ins2(AsmAdd, Rsp, Imm(int64(8*argspace))),
	)
}

// compileMakeVec allocates size words plus the metadata and count header,
// collecting first if the bump pointer would pass the heap end.
func (sess *Session) compileMakeVec(size, elem ir.Val, env frameEnv) {
	finish := fmt.Sprintf("make_vec_alloc_finish_%d", sess.nextTag())
	sess.loadVal(elem, Rcx, env)
	sess.loadVal(size, Rdi, env)
	sess.emit(
		ins2(AsmSar, Rdi, Imm(1)),
		ins2(AsmCmp, Rdi, Imm(0)),
		jump(AsmJl, invalidSizeLabel),
		ins2(AsmLea, Rax, Mem(heapPtr).Idx(Rdi, 8).Off(16)),
		ins2(AsmCmp, Rax, heapEnd),
		jump(AsmJle, finish),
		// Ask the collector for size + 2 words: the element count plus the
		// GC metadata word
		ins2(AsmAdd, Rdi, Imm(2)),
	)
	sess.tryGCSequence()
	sess.emit(label(finish))
	// The gc call clobbered the scratch registers; reload the size
	sess.loadVal(size, Rsi, env)
	sess.emit(
		ins2(AsmSar, Rsi, Imm(1)),
		ins2(AsmMov, Mem(heapPtr), Imm(gcWordVal)),
		ins2(AsmMov, Mem(heapPtr).Off(8), Rsi),
		// Fill via rep stosq: rdi = dst, rcx = count, rax = value
		ins2(AsmLea, Rdi, Mem(heapPtr).Off(16)),
		ins2(AsmMov, Rcx, Rsi),
	)
	sess.loadVal(elem, Rax, env)
	sess.emit(
		ins0(AsmRepStosq),
		ins2(AsmLea, Rax, Mem(heapPtr).Off(1)),
		ins2(AsmLea, heapPtr, Mem(heapPtr).Idx(Rsi, 8).Off(16)),
	)
}

func (sess *Session) compileVec(elems []ir.Val, env frameEnv) {
	finish := fmt.Sprintf("vec_alloc_finish_%d", sess.nextTag())
	size := int64(len(elems))
	sess.emit(
		ins2(AsmLea, Rax, Mem(heapPtr).Off(int32(8*(size+2)))),
		ins2(AsmCmp, Rax, heapEnd),
		jump(AsmJle, finish),
		ins2(AsmMov, Rdi, Imm(size+2)),
	)
	sess.tryGCSequence()
	sess.emit(
		label(finish),
		ins2(AsmMov, Mem(heapPtr), Imm(gcWordVal)),
		ins2(AsmMov, Mem(heapPtr).Off(8), Imm(size)),
	)
	for i, elem := range elems {
		sess.loadVal(elem, Rcx, env)
		sess.moveTo(Mem(heapPtr).Off(int32(8*(i+2))), Rcx)
	}
	sess.emit(
		ins2(AsmLea, Rax, Mem(heapPtr).Off(1)),
		ins2(AsmLea, heapPtr, Mem(heapPtr).Off(int32(8*(size+2)))),
	)
}
