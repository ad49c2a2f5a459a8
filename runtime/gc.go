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

// Mark-compact collection.
//
// Objects are [gc word][count][count tagged elements]. Outside a collection
// every gc word is 0. During one it is 1 (marked, not moving) or a tagged
// forwarding address. Compaction slides live objects down to a dense prefix
// of the heap, preserving their relative order.

// isStackRoot decides whether a stack word is treated as a heap reference:
// the low bit is set, it is none of the scalar constants, and it falls inside
// the heap region. Return addresses and frame pointers fail the range test;
// integers fail the tag test. For well-formed programs the filter is precise,
// not conservative.
func (ctx *Context) isStackRoot(val uint64) bool {
	return val != ValTrue && val != ValFalse && val != ValNil &&
		val&1 == 1 && val >= ctx.HeapStart && val < ctx.HeapEnd
}

// isHeapRef is the same filter without the range test, applied to elements of
// live objects, which are always well-formed tagged values.
func isHeapRef(val uint64) bool {
	return val != ValTrue && val != ValFalse && val != ValNil && val&1 == 1
}

// TryGC is the allocation-time entry: the program needs count words and the
// bump pointer has hit the heap end. It collects, and reports ErrOutOfMemory
// if the heap still cannot hold count more words. On success it returns the
// new bump pointer into the compacted heap.
//
// stackBase, rbp and rsp delimit the caller's frame window; every live frame
// between rsp and stackBase is scanned for roots.
func (ctx *Context) TryGC(count int64, heapPtr, stackBase, rbp, rsp uint64) (uint64, error) {
	_ = rbp

	// Phase 1: scan the stack for roots and mark everything reachable,
	// keeping a running total of live words so the out-of-memory test can
	// run before any compaction work happens.
	freeSpace := int64((ctx.HeapEnd - ctx.HeapStart) / 8)
	rootSet := make(map[uint64]bool)
	toVisit := make([]uint64, 0)
	for stackPtr := stackBase - 8; stackPtr >= rsp; stackPtr -= 8 {
		val := ctx.Load(stackPtr)
		if ctx.isStackRoot(val) {
			addr := val - 1
			if !rootSet[addr] {
				rootSet[addr] = true
				toVisit = append(toVisit, addr)
				freeSpace -= int64(ctx.Load(addr+8)) + 2
			}
		}
	}
	for len(toVisit) > 0 {
		curr := toVisit[0]
		toVisit = toVisit[1:]
		ctx.Store(curr, 1) // mark
		size := int64(ctx.Load(curr + 8))
		for i := int64(0); i < size; i++ {
			elem := ctx.Load(curr + 8*uint64(2+i))
			if isHeapRef(elem) {
				addr := elem - 1
				if !rootSet[addr] {
					rootSet[addr] = true
					toVisit = append(toVisit, addr)
					freeSpace -= int64(ctx.Load(addr+8)) + 2
				}
			}
		}
	}
	if freeSpace < count {
		return heapPtr, ErrOutOfMemory
	}

	// Phase 2: compute forwarding addresses with two cursors walking the
	// heap in lockstep. The scan cursor visits every object, the dest cursor
	// only live ones; each live object's gc word receives its future address,
	// tagged like a pointer.
	heapCursor := ctx.HeapStart
	freeCursor := ctx.HeapStart
	for freeCursor < heapPtr {
		if ctx.Load(freeCursor)&1 != 0 {
			// Live and already in place: both cursors step over it
			size := ctx.Load(freeCursor + 8)
			heapCursor += 8 * (2 + size)
			freeCursor += 8 * (2 + size)
			continue
		}
		size := ctx.Load(heapCursor + 8)
		if size == 0 {
			// Dead zero-size object at the frontier: compaction is skipped
			// and the bump pointer returned unchanged; dead objects stay in
			// the heap and the marks set in phase 1 are not cleared
			return heapPtr, nil
		}
		heapCursor += 8 * (2 + size)
		break
	}
	for heapCursor < heapPtr {
		gcTag := ctx.Load(heapCursor)
		size := ctx.Load(heapCursor + 8)
		if gcTag != 0 {
			ctx.Store(heapCursor, freeCursor+1)
			freeCursor += 8 * (2 + size)
		}
		heapCursor += 8 * (2 + size)
	}

	// Phase 3: rewrite references. Stack first, then elements of live heap
	// objects; a reference is rewritten when its target carries a forwarding
	// tag (anything other than 0 and 1).
	for stackPtr := stackBase - 8; stackPtr >= rsp; stackPtr -= 8 {
		val := ctx.Load(stackPtr)
		if ctx.isStackRoot(val) {
			gcTag := ctx.Load(val - 1)
			if gcTag&1 == 1 && gcTag != 1 {
				ctx.Store(stackPtr, gcTag)
			}
		}
	}
	for heapCursor = ctx.HeapStart; heapCursor < heapPtr; {
		gcTag := ctx.Load(heapCursor)
		size := ctx.Load(heapCursor + 8)
		if gcTag != 0 {
			for i := uint64(2); i < 2+size; i++ {
				elem := ctx.Load(heapCursor + 8*i)
				if isHeapRef(elem) {
					fwdTag := ctx.Load(elem - 1)
					if fwdTag != 0 && fwdTag != 1 {
						ctx.Store(heapCursor+8*i, fwdTag)
					}
				}
			}
		}
		heapCursor += 8 * (2 + size)
	}

	// Phase 4: relocate. Marked objects that stay put get their gc word
	// cleared; forwarded objects are copied to their new address with a
	// clear gc word. Finally the freed tail is zeroed.
	for heapCursor = ctx.HeapStart; heapCursor < heapPtr; {
		gcTag := ctx.Load(heapCursor)
		size := ctx.Load(heapCursor + 8)
		if gcTag != 0 {
			if gcTag == 1 {
				ctx.Store(heapCursor, 0)
			} else {
				newAddr := gcTag - 1
				ctx.Store(newAddr, 0)
				ctx.Store(newAddr+8, size)
				for i := uint64(2); i < 2+size; i++ {
					ctx.Store(newAddr+8*i, ctx.Load(heapCursor+8*i))
				}
			}
		}
		heapCursor += 8 * (2 + size)
	}
	newHeapPtr := freeCursor
	for ; freeCursor < heapPtr; freeCursor += 8 {
		ctx.Store(freeCursor, 0)
	}
	return newHeapPtr, nil
}

// GC forces an unconditional collection; it is TryGC with no pending
// allocation.
func (ctx *Context) GC(heapPtr, stackBase, rbp, rsp uint64) (uint64, error) {
	return ctx.TryGC(0, heapPtr, stackBase, rbp, rsp)
}
