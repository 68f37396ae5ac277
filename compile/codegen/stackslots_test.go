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

	"ember/compile/ssa"
)

// singleBlockLIR builds a one-block function and its LIR shell, letting
// a test hand-place instructions the way a generator would, without
// going through SSA scheduling — the allocator only ever looks at
// Instructions/BlockOrder/op ids, not at how they got there.
func singleBlockLIR() (*LIR, *ssa.Block) {
	block := &ssa.Block{Id: 0}
	fn := &ssa.Func{Name: "t", Entry: block, Blocks: []*ssa.Block{block}}
	return NewLIR(fn), block
}

func sink() *Value { return NewRegisterValue(KindInt, EAX) }

// TestStackSlotReuse is concrete scenario 3: three disjoint-lifetime
// int-kind virtual slots must all land on the same physical offset,
// and the frame must grow by exactly one int-sized slot.
func TestStackSlotReuse(t *testing.T) {
	lir, block := singleBlockLIR()

	s1 := lir.newSlot(KindInt)
	s2 := lir.newSlot(KindInt)
	s3 := lir.newSlot(KindInt)

	lir.emit(block, LIR_Mov, s1, lir.newImm(KindInt, 1))
	lir.emit(block, LIR_Mov, sink(), s1)
	lir.emit(block, LIR_Mov, s2, lir.newImm(KindInt, 2))
	lir.emit(block, LIR_Mov, sink(), s2)
	lir.emit(block, LIR_Mov, s3, lir.newImm(KindInt, 3))
	lir.emit(block, LIR_Mov, sink(), s3)

	Number(lir)
	VerifyLIR(lir)

	frameSize, intervals := Allocate(lir)
	VerifyAllocation(lir, intervals)

	iv1, iv2, iv3 := intervals[s1.VirtualId], intervals[s2.VirtualId], intervals[s3.VirtualId]
	require.NotNil(t, iv1.Location)
	require.NotNil(t, iv2.Location)
	require.NotNil(t, iv3.Location)

	assert.Equal(t, iv1.Location.StackOffset, iv2.Location.StackOffset, "s2 should reuse s1's expired slot")
	assert.Equal(t, iv1.Location.StackOffset, iv3.Location.StackOffset, "s3 should reuse the same slot again")
	assert.Equal(t, 16, frameSize, "one 4-byte int slot, 16-byte aligned")

	assert.True(t, iv1.To <= iv2.From, "s1 and s2 must not overlap to share an offset")
	assert.True(t, iv2.To <= iv3.From, "s2 and s3 must not overlap to share an offset")
}

// TestUninitializedEscape is concrete scenario 4: a slot reaching a
// foreign call while flagged UNINITIALIZED gets an interval spanning
// the whole function and never shares its slot, while an unrelated,
// later int slot still gets its own (possibly reused) offset.
func TestUninitializedEscape(t *testing.T) {
	lir, block := singleBlockLIR()

	escaped := lir.newSlot(KindInt)
	escaped.Flags |= FlagUninitialized

	lir.emit(block, LIR_Call, sink(), escaped).comment("foreign call taking escaped's address")

	other := lir.newSlot(KindInt)
	lir.emit(block, LIR_Mov, other, lir.newImm(KindInt, 7))
	lir.emit(block, LIR_Mov, sink(), other)

	Number(lir)
	VerifyLIR(lir)

	_, intervals := Allocate(lir)
	VerifyAllocation(lir, intervals)

	ivEscaped := intervals[escaped.VirtualId]
	ivOther := intervals[other.VirtualId]

	assert.Equal(t, 0, ivEscaped.From)
	assert.Equal(t, lir.MaxOpId, ivEscaped.To)
	assert.NotEqual(t, ivEscaped.Location.StackOffset, ivOther.Location.StackOffset,
		"other's interval overlaps the whole-function escaped interval, so it cannot share its slot")
}

// TestVerifyLIR_WellFormedPasses exercises I1 (dense, monotone ids)
// on a small multi-instruction block; Number/VerifyLIR must not panic
// and every id must be even and strictly increasing.
func TestVerifyLIR_WellFormedPasses(t *testing.T) {
	lir, block := singleBlockLIR()
	s := lir.newSlot(KindInt)
	lir.emit(block, LIR_Mov, s, lir.newImm(KindInt, 1))
	lir.emit(block, LIR_Mov, sink(), s)

	Number(lir)
	require.NotPanics(t, func() { VerifyLIR(lir) })

	prev := -1
	for _, ins := range lir.Instructions[block.Id] {
		assert.Equal(t, 0, ins.Id%2)
		assert.Greater(t, ins.Id, prev)
		prev = ins.Id
		assert.LessOrEqual(t, ins.Id, lir.MaxOpId)
	}
}

// TestMirrorCondition is I8/scenario 5: mirroring a compare's operands
// must select the opposite-sense condition for strict inequalities and
// the same condition for equality/inequality, so a mirrored
// compare-then-branch is semantically equivalent to the original.
func TestMirrorCondition(t *testing.T) {
	cases := []struct{ op, want LIROp }{
		{LIR_CmpLE, LIR_CmpGE},
		{LIR_CmpLT, LIR_CmpGT},
		{LIR_CmpGE, LIR_CmpLE},
		{LIR_CmpGT, LIR_CmpLT},
		{LIR_CmpEQ, LIR_CmpEQ},
		{LIR_CmpNE, LIR_CmpNE},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mirrorCondition(c.op))
		assert.Equal(t, c.op, mirrorCondition(c.want), "mirroring twice must return to the original")
	}
}

// threeBlockChainLIR builds b0 -> b1 -> b2, defining a slot in b0 and
// using it only in b2, so the dataflow worklist has to carry liveness
// through b1 (where the slot is neither defined nor used) before
// buildIntervals converges — a single block can't exercise that.
func threeBlockChainLIR() (*LIR, *Value) {
	b0 := &ssa.Block{Id: 0}
	b1 := &ssa.Block{Id: 1}
	b2 := &ssa.Block{Id: 2}
	b0.Succs = []*ssa.Block{b1}
	b1.Preds = []*ssa.Block{b0}
	b1.Succs = []*ssa.Block{b2}
	b2.Preds = []*ssa.Block{b1}

	fn := &ssa.Func{Name: "chain", Entry: b0, Blocks: []*ssa.Block{b0, b1, b2}}
	lir := NewLIR(fn)

	carried := lir.newSlot(KindInt)
	lir.emit(b0, LIR_Mov, carried, lir.newImm(KindInt, 9)).comment("def in b0")
	lir.emit(b1, LIR_Mov, sink(), sink()).comment("unrelated filler in b1")
	lir.emit(b2, LIR_Mov, sink(), carried).comment("use in b2")

	return lir, carried
}

// TestLivenessConverges is I2: running the backward dataflow fixed
// point twice over the same LIR must produce byte-identical intervals
// both times — buildIntervals reads Instructions/Args/Result only and
// never mutates the LIR, so a second run has nothing new to discover.
func TestLivenessConverges(t *testing.T) {
	lir, carried := threeBlockChainLIR()
	Number(lir)
	VerifyLIR(lir)

	first, _ := buildIntervals(lir)
	second, _ := buildIntervals(lir)

	require.Contains(t, first, carried.VirtualId)
	require.Contains(t, second, carried.VirtualId)

	iv1, iv2 := first[carried.VirtualId], second[carried.VirtualId]
	assert.Equal(t, iv1.From, iv2.From)
	assert.Equal(t, iv1.To, iv2.To)
	assert.Equal(t, iv1.Uninitialized, iv2.Uninitialized)

	// The carried value must actually span all three blocks' worth of
	// ids (defined at the first instruction, used at the last), proving
	// the fixed point actually propagated liveness through b1 rather
	// than stopping short.
	assert.Less(t, iv1.From, lir.BlockStartId[1])
	assert.GreaterOrEqual(t, iv1.To, lir.BlockStartId[2])
}
