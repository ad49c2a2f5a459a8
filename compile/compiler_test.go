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
package compile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileProducesAllForms(t *testing.T) {
	res, err := Compile("(fun (f x) (add1 x)) (f input)")
	require.NoError(t, err)
	assert.Contains(t, res.Asm, "our_code_starts_here")
	assert.Contains(t, res.IR, "CHECKISNUM")
	assert.Contains(t, res.Anf, "(fun (f uq_x_0)")
}

func TestCompileReportsStaticErrors(t *testing.T) {
	for _, c := range []struct {
		src string
		msg string
	}{
		{"(let ((x 1) (x 2)) x)", "duplicate binding"},
		{"(fun (f) 1) (fun (f) 2) (f)", "duplicate function name"},
		{"(break 1)", "break outside loop"},
		{"(fun (f) input) (f)", "cannot use input inside function definition"},
		{"(nosuch 1)", "function nosuch not defined"},
		{"(((", "parse"},
	} {
		_, err := Compile(c.src)
		require.Error(t, err, "source %q", c.src)
		assert.Contains(t, err.Error(), c.msg, "source %q", c.src)
	}
}

func TestCompileFileWritesDumps(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "prog.snek")
	out := filepath.Join(dir, "prog.s")
	require.NoError(t, os.WriteFile(in, []byte("(+ 1 input)"), 0644))

	require.NoError(t, CompileFile(in, out))
	for _, name := range []string{out, out + ".ir", out + ".anf"} {
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestCompileFileMissingInput(t *testing.T) {
	err := CompileFile(filepath.Join(t.TempDir(), "nope.snek"), "out.s")
	assert.Error(t, err)
}
