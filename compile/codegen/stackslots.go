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
	"ember/compile/ssa"
	"ember/utils"
	"sort"

	"github.com/sirupsen/logrus"
)

// ------------------------------------------------------------------------------
// Stack-Slot Allocator
//
// Every VirtualStackSlot a generator emits is a placeholder; this pass
// computes how long each one stays live, assigns it a concrete frame
// offset (reusing offsets of the same size class whenever lifetimes
// don't overlap), and rewrites every occurrence in place. There is no
// physical register assignment here — this is the full extent of
// allocation this compiler performs.

// Number assigns each LIR op an even id in block emission order and
// records the block-id-range table Stage 2's dataflow extends
// liveness across.
func Number(lir *LIR) {
	lir.BlockOrder = append(lir.BlockOrder[:0], lir.Fn.Blocks...)
	lir.BlockStartId = make(map[int]int)
	lir.BlockEndId = make(map[int]int)

	id := 0
	maxId := -1
	for _, block := range lir.BlockOrder {
		lir.BlockStartId[block.Id] = id
		for _, ins := range lir.Instructions[block.Id] {
			ins.Id = id
			maxId = id
			id += 2
		}
		lir.BlockEndId[block.Id] = id
	}
	if maxId < 0 {
		maxId = 0
	}
	lir.MaxOpId = maxId
}

// VerifyLIR checks I1 (ids are dense and monotone) plus the structural
// sanity a freshly generated LIR must hold before allocation ever
// looks at it: every block referenced by a jump resolves, and no
// block's op ids regress.
func VerifyLIR(lir *LIR) {
	for _, block := range lir.BlockOrder {
		prev := -1
		for _, ins := range lir.Instructions[block.Id] {
			utils.Assert(ins.Id%2 == 0, "sanity check")
			utils.Assert(ins.Id > prev, "sanity check")
			prev = ins.Id
		}
	}
	for _, block := range lir.Instructions {
		for _, ins := range block {
			if lbl, ok := ins.Result.(*Label); ok {
				if _, exist := lir.BlockStartId[blockIdFromLabel(lbl)]; !exist {
					logrus.WithField("label", lbl.Name).Warn("jump target has no numbered block")
				}
			}
		}
	}
}

func blockIdFromLabel(lbl *Label) int {
	var id int
	_, err := sscanLabel(lbl.Name, &id)
	if err != nil {
		return -1
	}
	return id
}

// sscanLabel parses the "L<id>" label convention newLabel produces.
func sscanLabel(name string, id *int) (int, error) {
	n := 0
	v := 0
	for i, r := range name {
		if i == 0 {
			continue // skip the leading 'L'
		}
		if r < '0' || r > '9' {
			break
		}
		v = v*10 + int(r-'0')
		n++
	}
	*id = v
	if n == 0 {
		return 0, errNotALabel
	}
	return n, nil
}

var errNotALabel = labelParseError("not a label")

type labelParseError string

func (e labelParseError) Error() string { return string(e) }

// StackInterval is the liveness range computed for one virtual slot:
// [From, To] in op-id space, plus enough of the slot's shape (kind,
// range-ness, reference bitmap) to drive Stage 3's assignment rule.
type StackInterval struct {
	VirtualId     int
	Kind          Kind
	IsRange       bool
	RangeSlots    int
	ReferenceMap  []bool
	Uninitialized bool

	From, To int

	// HintId, when >= 0, names another virtual slot this interval
	// prefers to share a frame offset's "feel" with (e.g. a phi copy's
	// source) — informational only; Stage 3 does not guarantee honoring it.
	HintId int

	Location *Value // filled in by Stage 3
}

func newInterval(v *Value) *StackInterval {
	return &StackInterval{
		VirtualId:    v.VirtualId,
		Kind:         v.Kind.Kind,
		IsRange:      v.IsRange(),
		RangeSlots:   v.RangeSlots,
		ReferenceMap: v.ReferenceMap,
		From:         -1,
		To:           -1,
		HintId:       -1,
	}
}

func (iv *StackInterval) addFrom(id int) {
	if iv.From == -1 || id < iv.From {
		iv.From = id
	}
	if iv.To == -1 {
		iv.To = id
	}
}

func (iv *StackInterval) addTo(id int) {
	if iv.To == -1 || id > iv.To {
		iv.To = id
	}
	if iv.From == -1 {
		iv.From = id
	}
}

// operandSlots returns every virtual-stack-slot leaf an operand
// touches directly, descending into an address's base/index so a
// computed address's components are tracked for liveness exactly like
// any other use, even though the address itself occupies a single
// operand slot on the instruction.
func operandSlots(op IOperand) []*Value {
	v, ok := op.(*Value)
	if !ok || v == nil {
		return nil
	}
	if v.IsAddress() {
		var out []*Value
		out = append(out, operandSlots(v.Base)...)
		out = append(out, operandSlots(v.Index)...)
		return out
	}
	if v.IsVirtualStackSlot() {
		return []*Value{v}
	}
	return nil
}

// buildIntervals runs Stage 2: a backward, fixed-point dataflow over
// the block graph that produces one StackInterval per virtual slot id
// plus the set of instructions each slot's Stage 4 rewrite must visit.
func buildIntervals(lir *LIR) (map[int]*StackInterval, map[int][]*Instruction) {
	intervals := make(map[int]*StackInterval)
	usePositions := make(map[int][]*Instruction)

	interval := func(v *Value) *StackInterval {
		iv, ok := intervals[v.VirtualId]
		if !ok {
			iv = newInterval(v)
			intervals[v.VirtualId] = iv
		}
		return iv
	}
	recordUse := func(id int, ins *Instruction) {
		usePositions[id] = append(usePositions[id], ins)
	}

	liveIn := make(map[int]*utils.BitMap)
	liveOut := make(map[int]*utils.BitMap)
	nbits := lir.nextVSlot
	if nbits == 0 {
		nbits = 1
	}
	for _, block := range lir.BlockOrder {
		liveIn[block.Id] = utils.NewBitMap(nbits)
		liveOut[block.Id] = utils.NewBitMap(nbits)
	}

	worklist := make([]*ssa.Block, 0, len(lir.BlockOrder))
	for i := len(lir.BlockOrder) - 1; i >= 0; i-- {
		worklist = append(worklist, lir.BlockOrder[i])
	}

	for len(worklist) > 0 {
		block := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		out := utils.NewBitMap(nbits)
		for _, succ := range block.Succs {
			out.Unite(liveIn[succ.Id])
		}
		liveOut[block.Id].SetFrom(out)

		live := out.Copy()
		instrs := lir.Instructions[block.Id]
		for i := len(instrs) - 1; i >= 0; i-- {
			ins := instrs[i]
			desc := ins.Descriptor()

			if slots := operandSlots(ins.Result); len(slots) > 0 {
				for _, v := range slots {
					iv := interval(v)
					if desc.ResultRole == RoleDef || desc.ResultRole == RoleTemp {
						live.Reset(v.VirtualId)
						iv.addFrom(ins.Id)
					} else {
						live.Set(v.VirtualId)
						iv.addTo(ins.Id)
					}
					if v.Flags.Has(FlagUninitialized) {
						iv.Uninitialized = true
					}
					recordUse(v.VirtualId, ins)
				}
			}

			for argIdx, arg := range ins.Args {
				slots := operandSlots(arg)
				if len(slots) == 0 {
					continue
				}
				role := RoleUse
				if argIdx < len(desc.ArgRoles) {
					role = desc.ArgRoles[argIdx]
				}
				for _, v := range slots {
					iv := interval(v)
					if role == RoleTemp || role == RoleDef {
						live.Reset(v.VirtualId)
						iv.addFrom(ins.Id)
					} else {
						live.Set(v.VirtualId)
						iv.addTo(ins.Id)
					}
					if v.Flags.Has(FlagUninitialized) {
						iv.Uninitialized = true
					}
					recordUse(v.VirtualId, ins)
				}
			}

			if ins.FrameState != nil {
				ins.FrameState.ForEachValue(func(v *Value) {
					if !v.IsVirtualStackSlot() {
						return
					}
					iv := interval(v)
					live.Set(v.VirtualId)
					iv.addTo(ins.Id)
					recordUse(v.VirtualId, ins)
				})
			}

			propagateHint(ins, intervals)
		}

		if liveIn[block.Id].SetFrom(live) {
			for _, pred := range block.Preds {
				worklist = append(worklist, pred)
			}
		}

		// Extend every slot live at this block's boundary to span the
		// whole block, so a slot live-through-but-untouched in this
		// block still reserves its frame offset here.
		start, end := lir.BlockStartId[block.Id], lir.BlockEndId[block.Id]
		for id, iv := range intervals {
			if liveIn[block.Id].IsSet(id) {
				iv.addFrom(start)
			}
			if liveOut[block.Id].IsSet(id) {
				iv.addTo(end)
			}
		}
	}

	for _, iv := range intervals {
		if iv.Uninitialized {
			iv.From, iv.To = 0, lir.MaxOpId
		}
		if iv.From == -1 {
			iv.From = 0
		}
		if iv.To == -1 || iv.To < iv.From {
			iv.To = iv.From
		}
		if iv.To > lir.MaxOpId+1 {
			iv.To = lir.MaxOpId + 1
		}
	}
	return intervals, usePositions
}

// propagateHint records a location hint between a Mov's source and
// destination when either side is flagged HINT, matching the
// generator's policy of tagging phi-resolution copies and call-result
// copies so the allocator can (best-effort) keep the pair feeling like
// the same storage.
func propagateHint(ins *Instruction, intervals map[int]*StackInterval) {
	if ins.Op != LIR_Mov {
		return
	}
	dst, dstOk := ins.Result.(*Value)
	if len(ins.Args) == 0 {
		return
	}
	src, srcOk := ins.Args[0].(*Value)
	if !dstOk || !srcOk || dst == nil || src == nil {
		return
	}
	if !dst.IsVirtualStackSlot() || !src.IsVirtualStackSlot() {
		return
	}
	if dst.Flags.Has(FlagHint) {
		if iv, ok := intervals[dst.VirtualId]; ok {
			iv.HintId = src.VirtualId
		}
	}
	if src.Flags.Has(FlagHint) {
		if iv, ok := intervals[src.VirtualId]; ok {
			iv.HintId = dst.VirtualId
		}
	}
}

// frameAllocator hands out frame-relative offsets for Stage 3,
// recycling same-size-class offsets whose owning interval has expired.
type frameAllocator struct {
	nextOffset int
	freeList   map[int][]int // size class -> free offsets of that size
}

func newFrameAllocator() *frameAllocator {
	return &frameAllocator{freeList: make(map[int][]int)}
}

func (a *frameAllocator) bump(size int) int {
	a.nextOffset = utils.Align16(a.nextOffset + size)
	return a.nextOffset - size
}

func (a *frameAllocator) allocSized(size int) int {
	if free := a.freeList[size]; len(free) > 0 {
		off := free[len(free)-1]
		a.freeList[size] = free[:len(free)-1]
		return off
	}
	return a.bump(size)
}

func (a *frameAllocator) allocRange(n int) int {
	return a.bump(n * 8)
}

func (a *frameAllocator) free(size, offset int) {
	a.freeList[size] = append(a.freeList[size], offset)
}

// Allocate runs Stages 3 and 4 of the stack-slot allocator over an
// already-numbered LIR: it linear-scans the intervals buildIntervals
// produced, assigns each a concrete frame location, and rewrites every
// occurrence of the corresponding VirtualStackSlot in place. It
// returns the frame's total size (16-byte aligned, ready for the
// emitter's prologue "sub $frameSize, %rsp") and the interval table,
// so a caller can run VerifyAllocation without recomputing it.
func Allocate(lir *LIR) (frameSize int, intervals map[int]*StackInterval) {
	var usePositions map[int][]*Instruction
	intervals, usePositions = buildIntervals(lir)

	ordered := make([]*StackInterval, 0, len(intervals))
	for _, iv := range intervals {
		ordered = append(ordered, iv)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].From < ordered[j].From })

	alloc := newFrameAllocator()
	var active []*StackInterval

	for _, iv := range ordered {
		// Evict everything whose lifetime ended before this one starts,
		// recycling its slot back into the free-list when eligible.
		kept := active[:0]
		for _, a := range active {
			if a.To < iv.From {
				if !a.IsRange {
					if size, ok := a.Kind.SizeClass(); ok {
						alloc.free(size, a.Location.StackOffset)
					}
				}
				continue
			}
			kept = append(kept, a)
		}
		active = kept

		if iv.IsRange {
			offset := alloc.allocRange(iv.RangeSlots)
			iv.Location = NewStackSlotRange(iv.Kind, offset, true, iv.RangeSlots, iv.ReferenceMap)
		} else if size, ok := iv.Kind.SizeClass(); ok {
			offset := alloc.allocSized(size)
			iv.Location = NewStackSlot(iv.Kind, offset, true)
		} else {
			// Not a recognized size class: always fresh, never free-listed.
			offset := alloc.bump(LIRTypeOf(iv.Kind).Width)
			iv.Location = NewStackSlot(iv.Kind, offset, true)
		}
		active = append(active, iv)
	}

	rewrite(lir, intervals, usePositions)
	return utils.Align16(alloc.nextOffset), intervals
}

// rewrite is Stage 4: every recorded use-position's operands that
// reference a virtual slot are replaced in place with that slot's
// assigned concrete location.
func rewrite(lir *LIR, intervals map[int]*StackInterval, usePositions map[int][]*Instruction) {
	visited := make(map[*Instruction]bool)
	for _, instrs := range usePositions {
		for _, ins := range instrs {
			if visited[ins] {
				continue
			}
			visited[ins] = true
			ins.Result = rewriteOperand(ins.Result, intervals)
			for i, arg := range ins.Args {
				ins.Args[i] = rewriteOperand(arg, intervals)
			}
			if ins.FrameState != nil {
				rewriteFrameState(ins.FrameState, intervals)
			}
		}
	}
}

func rewriteFrameState(fs *LIRFrameState, intervals map[int]*StackInterval) {
	if fs == nil {
		return
	}
	rewriteSlice := func(vs []*Value) {
		for i, v := range vs {
			if v != nil && v.IsVirtualStackSlot() {
				if iv, ok := intervals[v.VirtualId]; ok {
					vs[i] = iv.Location
				}
			}
		}
	}
	rewriteSlice(fs.Locals)
	rewriteSlice(fs.Stack)
	rewriteSlice(fs.Locks)
	rewriteFrameState(fs.Caller, intervals)
}

func rewriteOperand(op IOperand, intervals map[int]*StackInterval) IOperand {
	v, ok := op.(*Value)
	if !ok || v == nil {
		return op
	}
	if v.IsVirtualStackSlot() {
		if iv, ok := intervals[v.VirtualId]; ok && iv.Location != nil {
			return iv.Location
		}
		return v
	}
	if v.IsAddress() {
		if b, ok := rewriteOperand(v.Base, intervals).(*Value); ok {
			v.Base = b
		}
		if v.Index != nil {
			if idx, ok := rewriteOperand(v.Index, intervals).(*Value); ok {
				v.Index = idx
			}
		}
		return v
	}
	return v
}

// VerifyAllocation checks I3–I5 once Allocate has run: no instruction
// still references a VirtualStackSlot, every interval's kind size
// class matches its assigned slot, and no two intervals sharing a
// physical offset overlap in [From, To].
func VerifyAllocation(lir *LIR, intervals map[int]*StackInterval) {
	for _, block := range lir.BlockOrder {
		for _, ins := range lir.Instructions[block.Id] {
			utils.Assert(len(operandSlots(ins.Result)) == 0, "sanity check")
			for _, arg := range ins.Args {
				utils.Assert(len(operandSlots(arg)) == 0, "sanity check")
			}
		}
	}

	bySize := make(map[int][]*StackInterval)
	for _, iv := range intervals {
		if iv.IsRange || iv.Location == nil {
			continue
		}
		size, ok := iv.Kind.SizeClass()
		if !ok {
			continue
		}
		utils.Assert(LIRTypeOf(iv.Location.Kind.Kind).Width == size, "sanity check")
		bySize[iv.Location.StackOffset] = append(bySize[iv.Location.StackOffset], iv)
	}
	for _, group := range bySize {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				overlap := a.From <= b.To && b.From <= a.To
				utils.Assert(!overlap, "sanity check")
			}
		}
	}
}
