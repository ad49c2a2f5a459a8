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

// Command snekrun compiles a snek program down to optimized step-IR and runs
// it against the Go runtime, standing in for the assembled executable: first
// argument after the source is the program input (default false), then the
// heap size in 64-bit words (default 10000).
package main

import (
	"fmt"
	"os"
	"strconv"

	"snek/compile"
	"snek/runtime"
	"snek/vm"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func run(source string, input string, heapWords int) error {
	prog, err := compile.OptimizedIR(source)
	if err != nil {
		return err
	}
	ctx := runtime.NewContext(heapWords, runtime.DefaultStackWords, os.Stdout)
	tagged, err := runtime.ParseInput(input)
	if err != nil {
		return err
	}
	result, err := vm.New(ctx, prog).Run(tagged)
	if err != nil {
		if code, ok := err.(runtime.ErrCode); ok {
			fmt.Fprintln(os.Stderr, code.Error())
			os.Exit(int(code))
		}
		return err
	}
	ctx.Print(result)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "snekrun <input.snek> [input] [heap-words]",
		Short:         "Run a snek program on the IR interpreter and runtime",
		Args:          cobra.RangeArgs(1, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "false"
			heapWords := 10000
			if len(args) >= 2 {
				input = args[1]
			}
			if len(args) >= 3 {
				n, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("invalid heap size %q", args[2])
				}
				heapWords = n
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return run(string(source), input, heapWords)
		},
	}
	if err := root.Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}
