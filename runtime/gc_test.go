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
package runtime

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gcHarness sets up a heap plus a tiny stack window. Roots are planted as
// stack words between rsp and stackBase.
type gcHarness struct {
	ctx     *Context
	heapPtr uint64
	rsp     uint64
}

func newGCHarness(t *testing.T, heapWords int) *gcHarness {
	t.Helper()
	ctx := NewContext(heapWords, 64, &bytes.Buffer{})
	return &gcHarness{ctx: ctx, heapPtr: ctx.HeapStart, rsp: ctx.StackBase}
}

// alloc bump-allocates an object the way generated code does.
func (h *gcHarness) alloc(elems ...Value) Value {
	addr := h.heapPtr
	h.ctx.Store(addr, 0)
	h.ctx.Store(addr+8, uint64(len(elems)))
	for i, e := range elems {
		h.ctx.Store(addr+8*uint64(2+i), e)
	}
	h.heapPtr += 8 * uint64(2+len(elems))
	return addr + 1
}

// root pushes a value into the scanned stack window.
func (h *gcHarness) root(v Value) uint64 {
	h.rsp -= 8
	h.ctx.Store(h.rsp, v)
	return h.rsp
}

func (h *gcHarness) collect(t *testing.T, count int64) uint64 {
	t.Helper()
	newPtr, err := h.ctx.TryGC(count, h.heapPtr, h.ctx.StackBase, h.rsp, h.rsp)
	require.NoError(t, err)
	return newPtr
}

func heapWordsUsed(ctx *Context, heapPtr uint64) uint64 {
	return (heapPtr - ctx.HeapStart) / 8
}

func TestCollectDropsGarbage(t *testing.T) {
	h := newGCHarness(t, 64)
	h.alloc(TagInt(1), TagInt(2)) // no root, garbage
	live := h.alloc(TagInt(3))
	h.root(live)

	newPtr := h.collect(t, 0)
	// Only the rooted 3-word object survives, slid to the heap start
	assert.Equal(t, uint64(3), heapWordsUsed(h.ctx, newPtr))
	moved := h.ctx.Load(h.rsp)
	assert.Equal(t, h.ctx.HeapStart+1, moved)
	assert.Equal(t, uint64(0), h.ctx.Load(moved-1))
	assert.Equal(t, uint64(1), h.ctx.Load(moved-1+8))
	assert.Equal(t, TagInt(3), h.ctx.Load(moved-1+16))
}

func TestCollectRewritesHeapReferences(t *testing.T) {
	h := newGCHarness(t, 64)
	h.alloc(TagInt(0)) // garbage ahead of everything
	inner := h.alloc(TagInt(5), ValNil)
	outer := h.alloc(TagInt(1), inner)
	h.root(outer)

	newPtr := h.collect(t, 0)
	assert.Equal(t, uint64(8), heapWordsUsed(h.ctx, newPtr))

	movedOuter := h.ctx.Load(h.rsp)
	// Original relative order is preserved: inner first, outer second
	assert.Equal(t, h.ctx.HeapStart+1, movedOuter-8*4)
	movedInner := h.ctx.Load(movedOuter - 1 + 8*3)
	assert.Equal(t, h.ctx.HeapStart+1, movedInner)
	assert.Equal(t, "[1, [5, nil]]", h.ctx.Fmt(movedOuter))
}

func TestCollectTracesCycles(t *testing.T) {
	h := newGCHarness(t, 64)
	h.alloc(TagInt(9)) // garbage
	a := h.alloc(ValNil, ValNil)
	b := h.alloc(a, ValNil)
	h.ctx.Store(a-1+8*2, b) // a[0] = b, closing the cycle
	h.root(a)

	newPtr := h.collect(t, 0)
	assert.Equal(t, uint64(8), heapWordsUsed(h.ctx, newPtr))
	movedA := h.ctx.Load(h.rsp)
	movedB := h.ctx.Load(movedA - 1 + 8*2)
	assert.Equal(t, movedA, h.ctx.Load(movedB-1+8*2))
	assert.Equal(t, "[[[...], nil], nil]", h.ctx.Fmt(movedA))
}

func TestCollectIsIdempotent(t *testing.T) {
	h := newGCHarness(t, 64)
	h.alloc(TagInt(7))
	keep := h.alloc(TagInt(1), TagInt(2))
	h.root(keep)

	ptr1 := h.collect(t, 0)
	snapshot := make([]uint64, 0)
	for addr := h.ctx.HeapStart; addr < h.ctx.HeapEnd; addr += 8 {
		snapshot = append(snapshot, h.ctx.Load(addr))
	}

	h.heapPtr = ptr1
	ptr2 := h.collect(t, 0)
	assert.Equal(t, ptr1, ptr2)
	for i, addr := 0, h.ctx.HeapStart; addr < h.ctx.HeapEnd; i, addr = i+1, addr+8 {
		assert.Equal(t, snapshot[i], h.ctx.Load(addr), "heap word %d changed", i)
	}
}

func TestCollectClearsMetadataAndZeroesTail(t *testing.T) {
	h := newGCHarness(t, 64)
	h.alloc(TagInt(1), TagInt(2), TagInt(3)) // garbage, 5 words
	live := h.alloc(TagInt(4))
	h.root(live)
	oldPtr := h.heapPtr

	newPtr := h.collect(t, 0)
	// Live objects are quiescent again
	for addr := h.ctx.HeapStart; addr < newPtr; {
		assert.Equal(t, uint64(0), h.ctx.Load(addr))
		addr += 8 * (2 + h.ctx.Load(addr+8))
	}
	for addr := newPtr; addr < oldPtr; addr += 8 {
		assert.Equal(t, uint64(0), h.ctx.Load(addr))
	}
}

func TestCollectPointersStayInBounds(t *testing.T) {
	h := newGCHarness(t, 128)
	var chain Value = ValNil
	for i := 0; i < 6; i++ {
		chain = h.alloc(TagInt(int64(i)), chain)
		if i%2 == 0 {
			h.alloc(TagInt(99)) // interleaved garbage
		}
	}
	slot := h.root(chain)

	newPtr := h.collect(t, 0)
	v := h.ctx.Load(slot)
	for v != ValNil {
		require.True(t, v >= h.ctx.HeapStart && v < newPtr,
			"pointer %#x outside compacted heap", v)
		v = h.ctx.Load(v - 1 + 8*3)
	}
}

func TestOutOfMemory(t *testing.T) {
	h := newGCHarness(t, 8)
	keep := h.alloc(TagInt(1), TagInt(2), TagInt(3), TagInt(4), TagInt(5), TagInt(6))
	h.root(keep)

	_, err := h.ctx.TryGC(4, h.heapPtr, h.ctx.StackBase, h.rsp, h.rsp)
	assert.Equal(t, ErrOutOfMemory, err)
}

func TestDegenerateZeroSizeFrontier(t *testing.T) {
	// The first dead object at the compaction frontier has size zero; the
	// collector must bail out with the original bump pointer instead of
	// walking an empty header
	h := newGCHarness(t, 64)
	live := h.alloc(TagInt(1))
	h.alloc() // zero-size vector, unrooted
	h.root(live)
	oldPtr := h.heapPtr

	newPtr := h.collect(t, 0)
	assert.Equal(t, oldPtr, newPtr)
	// The rooted object did not move
	assert.Equal(t, live, h.ctx.Load(h.rsp))
}

func TestForcedCollectNoRoots(t *testing.T) {
	h := newGCHarness(t, 32)
	h.alloc(TagInt(1))
	h.alloc(TagInt(2), TagInt(3))

	newPtr := h.collect(t, 0)
	assert.Equal(t, h.ctx.HeapStart, newPtr)
	for addr := h.ctx.HeapStart; addr < h.heapPtr; addr += 8 {
		assert.Equal(t, uint64(0), h.ctx.Load(addr))
	}
}

func TestErrCodeMessages(t *testing.T) {
	assert.Equal(t, "invalid argument", ErrInvalidArgument.Error())
	assert.Equal(t, "overflow", ErrOverflow.Error())
	assert.Equal(t, "index out of bounds", ErrIndexOutOfBounds.Error())
	assert.Equal(t, "vector size must be non-negative", ErrInvalidVecSize.Error())
	assert.Equal(t, "out of memory", ErrOutOfMemory.Error())
}
