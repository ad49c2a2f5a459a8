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
	"strings"

	"snek/utils"
)

// -----------------------------------------------------------------------------
// x86-64 instruction model
// A typed representation of the instruction subset the generator emits,
// rendered as NASM text. Keeping this typed rather than concatenating strings
// catches malformed operands at construction time and keeps the generator
// readable.

type Reg int

const (
	NoReg Reg = iota
	Rax
	Rbx
	Rcx
	Rdx
	Rsi
	Rdi
	Rsp
	Rbp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r Reg) String() string {
	switch r {
	case Rax:
		return "rax"
	case Rbx:
		return "rbx"
	case Rcx:
		return "rcx"
	case Rdx:
		return "rdx"
	case Rsi:
		return "rsi"
	case Rdi:
		return "rdi"
	case Rsp:
		return "rsp"
	case Rbp:
		return "rbp"
	case R8:
		return "r8"
	case R9:
		return "r9"
	case R10:
		return "r10"
	case R11:
		return "r11"
	case R12:
		return "r12"
	case R13:
		return "r13"
	case R14:
		return "r14"
	case R15:
		return "r15"
	}
	return "<noreg>"
}

type Operand interface {
	operand()
	String() string
}

type Imm int64

func (Imm) operand() {}

func (x Imm) String() string {
	return fmt.Sprintf("%d", int64(x))
}

func (r Reg) operand() {}

// MemRef is a memory operand [base + scale*index + disp]. Build one with Mem
// and chain Idx/Off.
type MemRef struct {
	Base  Reg
	Index Reg
	Scale int
	Disp  int32
}

func (MemRef) operand() {}

func Mem(base Reg) MemRef {
	return MemRef{Base: base}
}

func (m MemRef) Idx(index Reg, scale int) MemRef {
	m.Index = index
	m.Scale = scale
	return m
}

func (m MemRef) Off(disp int32) MemRef {
	m.Disp = disp
	return m
}

func (m MemRef) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(m.Base.String())
	if m.Index != NoReg {
		fmt.Fprintf(&sb, " + %d*%s", m.Scale, m.Index)
	}
	if m.Disp > 0 {
		fmt.Fprintf(&sb, " + %d", m.Disp)
	} else if m.Disp < 0 {
		fmt.Fprintf(&sb, " - %d", -m.Disp)
	}
	sb.WriteString("]")
	return sb.String()
}

type AsmOp int

const (
	AsmLabel AsmOp = iota
	AsmMov
	AsmAdd
	AsmSub
	AsmIMul
	AsmIDiv
	AsmCqo
	AsmSar
	AsmSal
	AsmAnd
	AsmOr
	AsmXor
	AsmCmp
	AsmTest
	AsmLea
	AsmCmovE
	AsmCmovG
	AsmCmovGE
	AsmCmovL
	AsmCmovLE
	AsmCmovZ
	AsmCmovNZ
	AsmJmp
	AsmJe
	AsmJne
	AsmJz
	AsmJnz
	AsmJl
	AsmJle
	AsmJo
	AsmPush
	AsmPop
	AsmCall
	AsmRet
	AsmRepStosq
)

func (op AsmOp) mnemonic() string {
	switch op {
	case AsmMov:
		return "mov"
	case AsmAdd:
		return "add"
	case AsmSub:
		return "sub"
	case AsmIMul:
		return "imul"
	case AsmIDiv:
		return "idiv"
	case AsmCqo:
		return "cqo"
	case AsmSar:
		return "sar"
	case AsmSal:
		return "sal"
	case AsmAnd:
		return "and"
	case AsmOr:
		return "or"
	case AsmXor:
		return "xor"
	case AsmCmp:
		return "cmp"
	case AsmTest:
		return "test"
	case AsmLea:
		return "lea"
	case AsmCmovE:
		return "cmove"
	case AsmCmovG:
		return "cmovg"
	case AsmCmovGE:
		return "cmovge"
	case AsmCmovL:
		return "cmovl"
	case AsmCmovLE:
		return "cmovle"
	case AsmCmovZ:
		return "cmovz"
	case AsmCmovNZ:
		return "cmovnz"
	case AsmJmp:
		return "jmp"
	case AsmJe:
		return "je"
	case AsmJne:
		return "jne"
	case AsmJz:
		return "jz"
	case AsmJnz:
		return "jnz"
	case AsmJl:
		return "jl"
	case AsmJle:
		return "jle"
	case AsmJo:
		return "jo"
	case AsmPush:
		return "push"
	case AsmPop:
		return "pop"
	case AsmCall:
		return "call"
	case AsmRet:
		return "ret"
	case AsmRepStosq:
		return "rep stosq"
	default:
		utils.ShouldNotReachHere()
	}
	return ""
}

// Instr is one emitted instruction. Two-operand forms use Dst and Src; jumps,
// calls and labels use Target.
type Instr struct {
	Op     AsmOp
	Dst    Operand
	Src    Operand
	Target string
}

func label(name string) Instr {
	return Instr{Op: AsmLabel, Target: name}
}

func ins2(op AsmOp, dst, src Operand) Instr {
	return Instr{Op: op, Dst: dst, Src: src}
}

func ins1(op AsmOp, dst Operand) Instr {
	return Instr{Op: op, Dst: dst}
}

func ins0(op AsmOp) Instr {
	return Instr{Op: op}
}

func jump(op AsmOp, target string) Instr {
	return Instr{Op: op, Target: target}
}

// operandText renders an operand; a memory destination of an immediate store
// needs an explicit qword width in NASM.
func operandText(op Operand, sized bool) string {
	if m, ok := op.(MemRef); ok && sized {
		return "qword " + m.String()
	}
	return op.String()
}

func (i Instr) text() string {
	switch i.Op {
	case AsmLabel:
		return fmt.Sprintf("%s:", i.Target)
	case AsmJmp, AsmJe, AsmJne, AsmJz, AsmJnz, AsmJl, AsmJle, AsmJo:
		return fmt.Sprintf("  %s %s", i.Op.mnemonic(), i.Target)
	case AsmCall:
		return fmt.Sprintf("  call %s", i.Target)
	case AsmRet, AsmCqo, AsmRepStosq:
		return fmt.Sprintf("  %s", i.Op.mnemonic())
	case AsmIDiv, AsmPop:
		return fmt.Sprintf("  %s %s", i.Op.mnemonic(), i.Dst)
	case AsmPush:
		_, isImm := i.Dst.(Imm)
		return fmt.Sprintf("  push %s", operandText(i.Dst, isImm))
	default:
		_, srcIsImm := i.Src.(Imm)
		return fmt.Sprintf("  %s %s, %s",
			i.Op.mnemonic(), operandText(i.Dst, srcIsImm), i.Src)
	}
}

func instrsToString(instrs []Instr) string {
	var sb strings.Builder
	for _, instr := range instrs {
		sb.WriteString(instr.text())
		sb.WriteString("\n")
	}
	return sb.String()
}
