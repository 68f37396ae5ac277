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
package codegen

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ------------------------------------------------------------------------------
// Code Emitter (§4.3)
//
// Walks an allocated LIR function in block-emission order, binding
// every block's label before encoding its instructions so forward
// jumps resolve in the Assembler's single patch-up pass, and produces
// the artifact the rest of the pipeline (patching, installation,
// deoptimization) consumes: a byte vector, its rodata section, the
// pc->frame-state side table, and the still-open patch sites.

// DeoptReason names why a deopt stub exists, mirrored into the
// host runtime's encodeDeoptActionAndReason (§6).
type DeoptReason int

const (
	DeoptReasonGeneric DeoptReason = iota
	DeoptReasonNullCheck
	DeoptReasonBoundsCheck
	DeoptReasonDivByZero
	DeoptReasonTypeCheck
)

// DeoptStub is an out-of-line handler deopt.go appends after a
// function's main body; kept here (rather than in deopt.go) because
// CompiledFunction needs the type and deopt.go only ever appends to an
// already-built CompiledFunction.
type DeoptStub struct {
	Label         string
	FrameState    *LIRFrameState
	Reason        DeoptReason
	PCOffset      int // offset of the stub's first byte within Code
}

// CompiledFunction is everything the Code Emitter produces for one
// function: the machine code, its read-only literal pool, and the
// metadata the host runtime needs to install and later deoptimize it.
type CompiledFunction struct {
	Name string
	Code []byte

	Rodata        []byte
	RodataOffsets map[int]int // Text.Id -> byte offset within Rodata

	FrameSize int

	PCFrameTable []PCFrameEntry
	PatchSites   []PatchSite
	DeoptStubs   []DeoptStub

	// ExceptionHandlers is the (pc_range, handler_pc) table §6 names as
	// part of the produced artifact. It is always empty for now: the SSA
	// front end this core builds on has no try/catch construct (only
	// deopt-on-fault via FrameState), so there is nothing to populate it
	// from yet. The field stays so compile/hostruntime's installCode can
	// accept the full §6 artifact shape without a signature change once
	// the front end grows one.
	ExceptionHandlers []ExceptionRange
}

// ExceptionRange is one entry of the exception-handler table: any
// fault whose pc falls in [Start, End) resumes at HandlerPC.
type ExceptionRange struct {
	Start, End int
	HandlerPC  int
}

// emitPrologue reserves frameSize bytes with "sub $frameSize, %rsp",
// and the epilogue releases them with "add"; LIR_Ret instructions don't carry their
// own epilogue, so the emitter expands one inline at every return
// rather than asking every lowering site to know the frame size, which
// isn't settled until Allocate has run.
func emitPrologue(asm *Assembler, frameSize int) {
	asm.encodePush(place{class: classReg, reg: RBP})
	asm.encodeMov(place{class: classReg, reg: RBP, width: 8}, place{class: classReg, reg: RSP, width: 8})
	if frameSize > 0 {
		asm.encodeALU(aluShapes[LIR_Sub], place{class: classReg, reg: RSP, width: 8}, place{class: classImm, imm: int64(frameSize), width: 8})
	}
}

func emitEpilogue(asm *Assembler, frameSize int) {
	if frameSize > 0 {
		asm.encodeALU(aluShapes[LIR_Add], place{class: classReg, reg: RSP, width: 8}, place{class: classImm, imm: int64(frameSize), width: 8})
	}
	asm.encodePop(place{class: classReg, reg: RBP})
	asm.encodeRet()
}

// Emit runs the Code Emitter over an already-numbered, already-allocated
// LIR function (i.e. Number/Allocate have both run) and returns its
// compiled artifact.
func Emit(lir *LIR, frameSize int) *CompiledFunction {
	asm := NewAssembler()
	emitPrologue(asm, frameSize)

	for _, block := range lir.BlockOrder {
		asm.BindLabel(fmt.Sprintf("L%d", block.Id))
		for _, ins := range lir.Instructions[block.Id] {
			if ins.Op == LIR_Ret {
				if ins.Descriptor().HasState {
					asm.recordFrameState(ins.FrameState)
				}
				emitEpilogue(asm, frameSize)
				continue
			}
			asm.Emit(ins, frameSize, nil)
		}
	}

	stubs := EmitDeoptStubs(lir, asm)
	code, patchSites, pcFrameTable := asm.Finish()

	rodata, offsets := layoutRodata(lir.Texts)
	patchSites = resolveRodataPatches(patchSites, offsets)

	fn := &CompiledFunction{
		Name:          lir.Fn.Name,
		Code:          code,
		Rodata:        rodata,
		RodataOffsets: offsets,
		FrameSize:     frameSize,
		PCFrameTable:  pcFrameTable,
		PatchSites:    patchSites,
		DeoptStubs:    stubs,
	}
	logrus.WithFields(logrus.Fields{
		"func": fn.Name, "codeBytes": len(fn.Code), "rodataBytes": len(fn.Rodata),
		"frameSize": frameSize, "patchSites": len(fn.PatchSites),
	}).Debug("emitted function")
	return fn
}

// layoutRodata concatenates a function's Text literals into one
// section, recording each one's offset for the PatchRodata sites
// resolveRodataPatches still needs to turn into RIP-relative disp32s
// once the section's own final address is known by the host runtime's
// installCode.
func layoutRodata(texts []*Text) ([]byte, map[int]int) {
	var buf []byte
	offsets := make(map[int]int, len(texts))
	for _, t := range texts {
		offsets[t.Id] = len(buf)
		switch t.Kind {
		case TextString:
			buf = append(buf, []byte(t.Value)...)
			buf = append(buf, 0) // NUL terminator, matching the donor's .string directive
		case TextFloat:
			// Value is produced by the generator as a "0x%x"-formatted
			// bit pattern (see lower_x86.go's lowerConst); stored as an
			// 8-byte quad regardless of single/double so the displacement
			// math stays uniform, mirroring the donor's ".quad" emission.
			var bits uint64
			fmt.Sscanf(t.Value, "0x%x", &bits)
			for i := 0; i < 8; i++ {
				buf = append(buf, byte(bits>>(8*i)))
			}
		}
	}
	return buf, offsets
}

// resolveRodataPatches is a placeholder identity pass: the actual
// disp32 write-back happens once code and rodata both have final
// addresses, which only the host runtime's installCode knows (see
// compile/hostruntime). The sites are returned unchanged; the rodata
// offsets reach installCode through CompiledFunction.RodataOffsets.
func resolveRodataPatches(sites []PatchSite, offsets map[int]int) []PatchSite {
	for i := range sites {
		if sites[i].Kind == PatchRodata {
			// TextId already set by emitModRM; offsets is available to
			// the host runtime via CompiledFunction.RodataOffsets, so
			// nothing to rewrite here — this pass exists as the named
			// seam installCode's disp32 patching attaches to.
			_ = offsets
		}
	}
	return sites
}
