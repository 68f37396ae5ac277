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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

// decodeAll runs an independent decoder over an emitted function's full
// byte stream and returns every instruction it finds; I6 only claims
// semantic equivalence to the declared op, so tests grep the mnemonic
// stream for the opcodes the LIR said should appear rather than
// byte-matching the encoder's own output.
func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		require.NoError(t, err, "byte %d undecodable: % x", i, code[i:])
		insts = append(insts, inst)
		if inst.Len == 0 {
			break
		}
		i += inst.Len
	}
	return insts
}

func mnemonics(insts []x86asm.Inst) []x86asm.Op {
	ops := make([]x86asm.Op, len(insts))
	for i, in := range insts {
		ops[i] = in.Op
	}
	return ops
}

func containsOp(ops []x86asm.Op, want x86asm.Op) bool {
	for _, op := range ops {
		if op == want {
			return true
		}
	}
	return false
}

// TestRoundTrip_InlinedIntImmediate is scenario 1: an int add against a
// small constant (#42) must inline the immediate straight into the ADD
// encoding — no MOV of the constant into a register first.
func TestRoundTrip_InlinedIntImmediate(t *testing.T) {
	lir, block := singleBlockLIR()

	result := lir.newSlot(KindInt)
	lir.emit(block, LIR_Mov, result, sink()).comment("seed with some value")
	lir.emit(block, LIR_Add, result, lir.newImm(KindInt, 42)).comment("add small constant")
	lir.emit(block, LIR_Mov, sink(), result)

	Number(lir)
	VerifyLIR(lir)
	frameSize, intervals := Allocate(lir)
	VerifyAllocation(lir, intervals)

	fn := Emit(lir, frameSize)
	insts := decodeAll(t, fn.Code)
	ops := mnemonics(insts)

	assert.True(t, containsOp(ops, x86asm.ADD), "expected an inlined ADD, got %v", ops)
	assert.False(t, containsOp(ops, x86asm.MOVABS), "a small constant must never need movabs")
}

// TestRoundTrip_LongImmediateMaterializes is scenario 2: a long add
// against a constant that doesn't fit in an imm32 (#0x1_0000_0000) must
// materialize the constant into the scratch register first (movabs),
// since no ADD form on AMD64 carries a true imm64 operand.
func TestRoundTrip_LongImmediateMaterializes(t *testing.T) {
	lir, block := singleBlockLIR()

	longSink := NewRegisterValue(KindLong, RAX)
	result := lir.newSlot(KindLong)
	lir.emit(block, LIR_Mov, result, longSink).comment("seed with some value")
	lir.emit(block, LIR_Add, result, lir.newImm(KindLong, int64(1)<<32)).comment("add non-fitting constant")
	lir.emit(block, LIR_Mov, longSink, result)

	Number(lir)
	VerifyLIR(lir)
	frameSize, intervals := Allocate(lir)
	VerifyAllocation(lir, intervals)

	fn := Emit(lir, frameSize)
	insts := decodeAll(t, fn.Code)
	ops := mnemonics(insts)

	assert.True(t, containsOp(ops, x86asm.MOVABS), "non-fitting long constant must materialize via movabs, got %v", ops)
	assert.True(t, containsOp(ops, x86asm.ADD), "expected an ADD against the materialized register, got %v", ops)
	for _, in := range insts {
		if in.Op != x86asm.ADD {
			continue
		}
		for _, a := range in.Args {
			if a == nil {
				continue
			}
			_, isImm := a.(x86asm.Imm)
			assert.False(t, isImm, "ADD must never carry the raw imm64 operand directly")
		}
	}
}

// TestRoundTrip_CMovMaterializesBoolean is scenario 5: a conditional
// move used to materialize a 0/1 boolean must decode to a CMOVcc whose
// source is a register, never an immediate — x86 has no CMOV-immediate
// form, so the generator has to park both booleans in slots first.
func TestRoundTrip_CMovMaterializesBoolean(t *testing.T) {
	lir, block := singleBlockLIR()

	left := lir.newSlot(KindInt)
	lir.emit(block, LIR_Mov, left, lir.newImm(KindInt, 5)).comment("left operand")
	right := sink()
	lir.emit(block, LIR_CmpLT, left, right).comment("mirrored compare")

	res := lir.newSlot(KindBoolean)
	lir.emit(block, LIR_Mov, res, lir.newImm(KindBoolean, 0)).comment("false default")
	trueVal := lir.newSlot(KindBoolean)
	lir.emit(block, LIR_Mov, trueVal, lir.newImm(KindBoolean, 1)).comment("true operand")
	lir.emit(block, LIR_CMovGT, res, trueVal).comment("mirrored condition")
	lir.emit(block, LIR_Mov, sink(), res)

	Number(lir)
	VerifyLIR(lir)
	frameSize, intervals := Allocate(lir)
	VerifyAllocation(lir, intervals)

	fn := Emit(lir, frameSize)
	insts := decodeAll(t, fn.Code)

	found := false
	for _, in := range insts {
		switch in.Op {
		case x86asm.CMOVG, x86asm.CMOVLE, x86asm.CMOVL, x86asm.CMOVGE, x86asm.CMOVE, x86asm.CMOVNE:
			found = true
			for _, a := range in.Args {
				if a == nil {
					continue
				}
				_, isImm := a.(x86asm.Imm)
				assert.False(t, isImm, "CMOVcc has no immediate source form")
			}
		}
	}
	assert.True(t, found, "expected a CMOVcc in the emitted stream")
}
