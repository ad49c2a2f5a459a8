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

// Package runtime is the host side of a compiled program: the printer, the
// dynamic error codes, and the mark-compact collector. It operates on a
// simulated 64-bit word space holding the heap region and the program stack,
// addressed exactly like the process memory the generated code runs against.
package runtime

import (
	"fmt"
	"io"

	"snek/utils"
)

// ErrCode is a fatal dynamic error. The running program terminates with the
// code as its exit status after printing the message.
type ErrCode int

const (
	ErrInvalidArgument  ErrCode = 1
	ErrOverflow         ErrCode = 2
	ErrIndexOutOfBounds ErrCode = 3
	ErrInvalidVecSize   ErrCode = 4
	ErrOutOfMemory      ErrCode = 5
)

func (e ErrCode) Error() string {
	switch e {
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrOverflow:
		return "overflow"
	case ErrIndexOutOfBounds:
		return "index out of bounds"
	case ErrInvalidVecSize:
		return "vector size must be non-negative"
	case ErrOutOfMemory:
		return "out of memory"
	}
	return fmt.Sprintf("an error ocurred %d", int(e))
}

// Base is the synthetic address of the first word of the simulated space.
// Nonzero so no valid address ever looks like nil, 8-aligned so pointer
// tagging works.
const Base uint64 = 0x10000

// Context is the process-wide runtime state: one contiguous word space with
// the heap at the bottom and the program stack growing down from the top,
// plus the heap bounds the collector works within. It is initialized once at
// startup.
type Context struct {
	words []uint64
	// Heap region [HeapStart, HeapEnd); the space above it up to StackBase
	// is the program stack.
	HeapStart uint64
	HeapEnd   uint64
	StackBase uint64
	Out       io.Writer
}

// DefaultStackWords sizes the simulated program stack.
const DefaultStackWords = 1 << 16

func NewContext(heapWords int, stackWords int, out io.Writer) *Context {
	utils.Assert(heapWords >= 0 && stackWords > 0, "bad context sizes")
	ctx := &Context{
		words:     make([]uint64, heapWords+stackWords),
		HeapStart: Base,
		HeapEnd:   Base + 8*uint64(heapWords),
		Out:       out,
	}
	ctx.StackBase = Base + 8*uint64(heapWords+stackWords)
	return ctx
}

func (ctx *Context) index(addr uint64) int {
	utils.Assert(addr >= Base && addr < ctx.StackBase && addr%8 == 0,
		"address %#x outside the word space", addr)
	return int((addr - Base) / 8)
}

func (ctx *Context) Load(addr uint64) uint64 {
	return ctx.words[ctx.index(addr)]
}

func (ctx *Context) Store(addr uint64, val uint64) {
	ctx.words[ctx.index(addr)] = val
}

// Print writes the canonical form of a value followed by a newline and
// returns the value, mirroring the print primitive.
func (ctx *Context) Print(v Value) Value {
	fmt.Fprintf(ctx.Out, "%s\n", ctx.Fmt(v))
	return v
}

// PrintStack dumps the stack window between the base and rsp, one word per
// line.
func (ctx *Context) PrintStack(stackBase, rbp, rsp uint64) {
	_ = rbp
	fmt.Fprintln(ctx.Out, "-----------------------------------------")
	for ptr := stackBase - 8; ptr >= rsp; ptr -= 8 {
		fmt.Fprintf(ctx.Out, "%#x: %#x\n", ptr, ctx.Load(ptr))
	}
	fmt.Fprintln(ctx.Out, "-----------------------------------------")
}
