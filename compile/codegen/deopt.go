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

	"ember/compile/ssa"
)

// ------------------------------------------------------------------------------
// Deopt / stub emission.
//
// Two distinct fault models coexist here, and it matters which sites
// use which:
//
//   - Implicit exceptions (div-by-zero, out-of-bounds/null loads and
//     stores routed through LIR ops whose OpcodeDescriptor marks
//     HasState) rely on the host catching the hardware trap and
//     mapping the faulting pc straight through Assembler's
//     PCFrameTable to a frame state — no guard code, no stub, nothing
//     for deopt.go to emit beyond the frame-state record the Code
//     Emitter already makes. LIR_Div is this pattern (lower_x86.go
//     attaches a FrameState to the idiv instruction itself).
//
//   - Explicit guards (this file's EmitNullCheckGuard) test a
//     condition inline and branch out-of-line to a small stub that
//     calls into the host's deopt entry point with the DeoptReason
//     value in EDI. The stub passes the bare reason, not a packed
//     (action, reason) word; no action is chosen or encoded here.
//     These are what concrete scenario 6 means by "deopt stub
//     attachment": the guard lives at its use site, the stub lives
//     after the function body, and the Assembler's ordinary label
//     patch mechanism ties the two together.

// pendingDeoptStub is a guard site recorded during lowering; drained
// by EmitDeoptStubs once the main instruction stream has been laid out
// so every stub's label exists before Finish resolves patches.
type pendingDeoptStub struct {
	label      string
	reason     DeoptReason
	frameState *LIRFrameState
}

// newDeoptLabel hands out a name distinct from every block label
// ("L<blockId>"), so BindLabel never collides a stub with a block.
func (lir *LIR) newDeoptLabel() *Label {
	id := lir.deoptStubSeq
	lir.deoptStubSeq++
	return &Label{Name: fmt.Sprintf("D%d", id)}
}

// EmitNullCheckGuard tests ptr against zero and branches to a stub
// that deopts with DeoptReasonNullCheck if it's null, recording fs as
// the frame state to resume interpretation from. Called from
// lowerIndexed ahead of any array/string dereference, matching the
// generator's per-family rule that reference dereferences are guarded
// rather than left to an unguarded page fault. Exported so a deopt
// stub's host-side encoding can be exercised from hostruntime's own
// tests without that package importing codegen's unexported surface.
func (lir *LIR) EmitNullCheckGuard(block *ssa.Block, ptr *Value, fs *ssa.FrameState, comment string) {
	lir.emit(block, LIR_Test, nil, ptr, ptr).comment(comment)
	stub := lir.newDeoptLabel()
	guard := lir.emit(block, LIR_Jz, stub)
	guard.FrameState = lir.convertFrameState(fs)
	lir.pendingDeoptStubs = append(lir.pendingDeoptStubs, pendingDeoptStub{
		label:      stub.Name,
		reason:     DeoptReasonNullCheck,
		frameState: guard.FrameState,
	})
}

// EmitDeoptStubs appends every guard site's out-of-line handler after
// the function's main body: bind the guard's label, record its frame
// state for the PCFrameTable, move the deopt reason into the host's
// first argument register and call into its deopt entry point. The
// call diverges into the host runtime (it reinterprets the frame and
// never returns to this function), so no stub falls through to a ret.
func EmitDeoptStubs(lir *LIR, asm *Assembler) []DeoptStub {
	var stubs []DeoptStub
	for _, pending := range lir.pendingDeoptStubs {
		pcOffset := asm.Len()
		asm.BindLabel(pending.label)
		asm.recordFrameState(pending.frameState)
		asm.encodeMov(place{class: classReg, reg: EDI, width: 4}, place{class: classImm, imm: int64(pending.reason), width: 4})
		asm.encodeCallSymbol("runtime_deopt")
		stubs = append(stubs, DeoptStub{
			Label:      pending.label,
			FrameState: pending.frameState,
			Reason:     pending.reason,
			PCOffset:   pcOffset,
		})
	}
	return stubs
}
