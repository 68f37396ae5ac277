// Copyright (c) 2024 The Falcon Contributors
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

// Package compile drives the front end (ast/ssa, untouched by this
// rewrite) through the backend core's own pipeline: Lower, the
// stack-slot allocator's four stages, and the Code Emitter. It replaces
// the donor's gcc-based textual pipeline (parse -> emit .s -> gcc -c ->
// link), which assumed a C runtime this spec's backend doesn't target;
// the core now produces an in-memory CompiledFunction per function,
// the same artifact shape compile/hostruntime.InstallCode consumes.
package compile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"ember/ast"
	"ember/compile/codegen"
	"ember/compile/ssa"
)

// Options controls one compilation's diagnostic output; distinct from
// compile/hostruntime.Configuration, which controls the backend's own
// behavior (word size, MP-safety, compressed refs) rather than what
// gets printed.
type Options struct {
	DumpLIR bool
	DumpAsm bool
	Debug   bool
}

// Artifact is everything one source file's compilation produced: the
// LIR per function (kept for --dump-lir and for tests that assert
// against it directly) and the compiled machine code per function.
type Artifact struct {
	Package   *ast.PackageDecl
	LIRs      []*codegen.LIR
	Functions []*codegen.CompiledFunction
}

func libNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CompileFile runs the full pipeline over a single source file: parse,
// type-check, then per function SSA -> LIR -> stack-slot allocation ->
// machine code.
func CompileFile(path string, opts Options) (*Artifact, error) {
	log := logrus.WithField("file", path)
	log.Debug("parsing")
	root := ast.ParseFile(path)

	ast.InferTypes(opts.Debug, root)
	ast.TypeCheck(opts.Debug, root)

	art := &Artifact{Package: root}
	for _, decl := range root.Func {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		fnLog := log.WithField("func", fnDecl.Name)

		fnLog.Debug("building SSA")
		fn := ssa.Compile(fnDecl, opts.Debug)

		fnLog.Debug("lowering to LIR")
		lir := codegen.Lower(fn)
		if opts.DumpLIR {
			fmt.Printf("== LIR(%s) ==\n%s\n", fnDecl.Name, DumpLIR(lir))
		}
		art.LIRs = append(art.LIRs, lir)

		codegen.Number(lir)
		codegen.VerifyLIR(lir)

		fnLog.Debug("allocating stack slots")
		frameSize, intervals := codegen.Allocate(lir)
		codegen.VerifyAllocation(lir, intervals)

		fnLog.WithField("frameSize", frameSize).Debug("emitting machine code")
		compiled := codegen.Emit(lir, frameSize)
		if opts.DumpAsm {
			fmt.Printf("== ASM(%s) ==\n%s\n", fnDecl.Name, DumpHex(compiled.Code))
		}
		art.Functions = append(art.Functions, compiled)
	}
	return art, nil
}

// DumpLIR renders a function's LIR in emission order, one instruction
// per line, for --dump-lir — there is no Stringer on Instruction itself
// since the table-driven descriptor model (DESIGN.md) replaced the
// donor's per-op String methods along with its reflection-driven
// iteration.
func DumpLIR(lir *codegen.LIR) string {
	var b strings.Builder
	for _, block := range lir.Fn.Blocks {
		fmt.Fprintf(&b, "L%d:\n", block.Id)
		for _, ins := range lir.Instructions[block.Id] {
			fmt.Fprintf(&b, "  [%d] %v = %v %v", ins.Id, ins.Result, ins.Op, ins.Args)
			if ins.Comment != "" {
				fmt.Fprintf(&b, "  // %s", ins.Comment)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// DumpHex renders compiled machine code as a flat hex dump for
// --dump-asm; a real disassembly would need golang.org/x/arch/x86/x86asm,
// which compile/codegen/roundtrip_test.go already exercises for I6 —
// kept separate from this driver so the driver doesn't need a decoder
// dependency just to print bytes.
func DumpHex(code []byte) string {
	var b strings.Builder
	for i, by := range code {
		if i > 0 && i%16 == 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%02x ", by)
	}
	return b.String()
}
