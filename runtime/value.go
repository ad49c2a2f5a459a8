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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Tagged values
// Every source value is one 64-bit word. The two low bits classify it:
//
//	xxxxxxx0  integer, signed 63-bit payload shifted left by one
//	00000111  true
//	00000011  false
//	00000001  nil
//	xxxxxx01  heap pointer; the object lives at value-1
//
// The encoding is total: every word classifies as exactly one of these.

type Value = uint64

const (
	ValTrue  Value = 7
	ValFalse Value = 3
	ValNil   Value = 1
)

// MaxInt and MinInt bound the representable integer payload.
const (
	MaxInt = int64(1)<<62 - 1
	MinInt = -(int64(1) << 62)
)

func TagInt(n int64) Value {
	return uint64(n << 1)
}

func UntagInt(v Value) int64 {
	return int64(v) >> 1
}

func IsInt(v Value) bool {
	return v&1 == 0
}

func IsBool(v Value) bool {
	return v&0b011 == 0b011
}

func IsPointer(v Value) bool {
	return v&0b001 == 1 && v&0b010 == 0 && v != ValNil
}

// ParseInput turns a program input string into a tagged value. The default
// input is false; integers must fit the 63-bit payload.
func ParseInput(input string) (Value, error) {
	switch input {
	case "true":
		return ValTrue, nil
	case "false":
		return ValFalse, nil
	}
	n, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid input %q", input)
	}
	if n < MinInt || n > MaxInt {
		return 0, errors.Errorf("input %d out of range", n)
	}
	return TagInt(n), nil
}

// Fmt renders a value the way the printer does. Vectors print their elements
// recursively; a vector already on the recursion path prints as [...].
func (ctx *Context) Fmt(v Value) string {
	return ctx.fmtValue(v, make(map[Value]bool))
}

func (ctx *Context) fmtValue(v Value, seen map[Value]bool) string {
	switch {
	case v == ValTrue:
		return "true"
	case v == ValFalse:
		return "false"
	case IsInt(v):
		return fmt.Sprintf("%d", UntagInt(v))
	case v == ValNil:
		return "nil"
	case v&1 == 1:
		if seen[v] {
			return "[...]"
		}
		seen[v] = true
		addr := v - 1
		size := int64(ctx.Load(addr + 8))
		var sb strings.Builder
		sb.WriteString("[")
		for i := int64(0); i < size; i++ {
			sb.WriteString(ctx.fmtValue(ctx.Load(addr+8*uint64(2+i)), seen))
			if i < size-1 {
				sb.WriteString(", ")
			}
		}
		delete(seen, v)
		sb.WriteString("]")
		return sb.String()
	}
	return fmt.Sprintf("unknown value: %d", v)
}
