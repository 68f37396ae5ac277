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
	"fmt"
	"math"
)

// ------------------------------------------------------------------------------
// LIR Generator
//
// Translates a scheduled SSA graph into a list of LIR ops per block, in
// the order the graph was already scheduled by the (out of scope)
// graph builder. Register allocation is out of scope: every SSA value
// that needs a home gets a VirtualStackSlot immediately, which the
// stack-slot allocator (stackslots.go) later assigns to a concrete
// frame offset, reusing slots by kind-size class. This is the "newer,
// OperandSize-parameterized style" the design notes call for
// committing to, rather than a one-operand-per-node style that would
// special-case width per node type.

func NewLIR(fn *ssa.Func) *LIR {
	return &LIR{
		Fn:           fn,
		Instructions: make(map[int][]*Instruction),
		values:       make(map[*ssa.Value]*Value),
	}
}

// values maps each already-lowered SSA node to the Value holding its
// result, so later consumers can look up operands by node identity.
type lirValueMap = map[*ssa.Value]*Value

func (lir *LIR) valueOf(v *ssa.Value) *Value {
	val, ok := lir.values[v]
	if !ok {
		utils.Fatal("ssa value v%d has no lowered operand yet (scheduling violation)", v.Id)
	}
	return val
}

func (lir *LIR) setValue(v *ssa.Value, val *Value) {
	lir.values[v] = val
}

func (lir *LIR) newSlot(k Kind) *Value {
	return lir.NewVirtualStackSlot(k)
}

func (lir *LIR) newImm(k Kind, payload interface{}) *Value {
	return NewConstant(k, payload)
}

func (lir *LIR) newText(value string, kind TextKind) *Text {
	id := len(lir.Texts)
	t := &Text{Id: id, Kind: kind, Value: value}
	lir.Texts = append(lir.Texts, t)
	return t
}

func (lir *LIR) newLabel(blockId int) *Label {
	return &Label{Name: fmt.Sprintf("L%d", blockId)}
}

func (ins *Instruction) comment(x interface{}) *Instruction {
	switch v := x.(type) {
	case string:
		ins.Comment = v
	default:
		ins.Comment = fmt.Sprintf("%v", v)
	}
	return ins
}

func (lir *LIR) emit(block *ssa.Block, op LIROp, result IOperand, args ...IOperand) *Instruction {
	ins := &Instruction{Op: op, Result: result, Args: args}
	lir.Emit(block, ins)
	return ins
}

func (lir *LIR) emitJmp(block *ssa.Block, op LIROp, target *ssa.Block) *Instruction {
	ins := &Instruction{Op: op, Result: lir.newLabel(target.Id)}
	lir.Emit(block, ins)
	return ins
}

// convertFrameState lowers an SSA-level deoptimization snapshot into
// the LIR form consumed at emission time.
func (lir *LIR) convertFrameState(fs *ssa.FrameState) *LIRFrameState {
	if fs == nil {
		return nil
	}
	convert := func(vs []*ssa.Value) []*Value {
		out := make([]*Value, len(vs))
		for i, v := range vs {
			out[i] = lir.valueOf(v)
		}
		return out
	}
	return &LIRFrameState{
		BytecodeIndex: fs.BytecodeIndex,
		Locals:        convert(fs.Locals),
		Stack:         convert(fs.Stack),
		Locks:         convert(fs.Locks),
		Caller:        lir.convertFrameState(fs.Caller),
	}
}

func (lir *LIR) resolvePhi(val *ssa.Value) {
	utils.Assert(val.Op == ssa.OpPhi, "sanity check")
	if len(val.Args) == 1 {
		// Replace phi with copy, this happens when optimization is disabled
		r := lir.valueOf(val.Args[0])
		lir.emit(val.Block, LIR_Mov, r, r).comment(fmt.Sprintf("resolve %v", val.String()))
		lir.setValue(val, r)
		return
	}
	// Before
	//  v1 = ... v2 = ...
	//    \       /
	//     \     /
	// v3 = phi v1, v2
	//
	// After
	//  r1 = ... r1 = ...
	//    \       /
	//     \     /
	//   mov r2, r1
	res := lir.newSlot(KindOf(val.Type))
	for i := 0; i < len(val.Block.Preds); i++ {
		r := lir.valueOf(val.Args[i])
		lir.emit(val.Block.Preds[i], LIR_Mov, res, r).comment(fmt.Sprintf("resolve %v", val.String()))
	}
	lir.setValue(val, res)
}

func (lir *LIR) lowerCompare(val *ssa.Value) {
	left := lir.valueOf(val.Args[0])
	right := lir.valueOf(val.Args[1])
	lirOp := getCondLirOp(val.Op)

	// lowerCompare mirrors operands so the immediate/memory side sits on
	// the right; mirroring flips the condition (I8).
	if left.IsConstant() && !right.IsConstant() {
		left, right = right, left
		lirOp = mirrorCondition(lirOp)
	}

	if val.Args[1].Type.IsDouble() {
		lir.emit(val.Block, LIR_UComisd, left, right).comment(val)
	} else if val.Args[1].Type.IsFloat() {
		lir.emit(val.Block, LIR_UComiss, left, right).comment(val)
	} else if isZeroConst(right) {
		// Compare-with-zero collapses to TEST.
		lir.emit(val.Block, LIR_Test, nil, left, left).comment(val)
	} else {
		lir.emit(val.Block, lirOp, left, right).comment(val)
	}
	lir.lastCompareOp = lirOp

	// A compare used as the control value of a BlockIf fuses directly
	// onto the flags this set; a compare used as an ordinary boolean
	// value additionally needs a materialized 0/1 result.
	if len(val.Uses) != 0 {
		// CMOVcc never takes an immediate source, so materializing a
		// 0/1 boolean needs both values parked in slots first: res
		// starts out false, then a conditional move from a true-valued
		// slot overwrites it — the same destructive Result-as-lhs
		// shape every other two-operand ALU op uses.
		res := lir.newSlot(KindBoolean)
		lir.emit(val.Block, LIR_Mov, res, lir.newImm(KindBoolean, 0)).comment(val)
		trueVal := lir.newSlot(KindBoolean)
		lir.emit(val.Block, LIR_Mov, trueVal, lir.newImm(KindBoolean, 1)).comment(val)
		lir.emit(val.Block, condMovOp(lirOp), res, trueVal).comment(val)
		lir.setValue(val, res)
	} else {
		lir.setValue(val, left)
	}
}

// condMovOp maps a compare condition to the conditional-move opcode
// that materializes it as a 0/1 value.
func condMovOp(op LIROp) LIROp {
	switch op {
	case LIR_CmpEQ:
		return LIR_CMovEQ
	case LIR_CmpNE:
		return LIR_CMovNE
	case LIR_CmpGT:
		return LIR_CMovGT
	case LIR_CmpGE:
		return LIR_CMovGE
	case LIR_CmpLT:
		return LIR_CMovLT
	case LIR_CmpLE:
		return LIR_CMovLE
	}
	utils.ShouldNotReachHere()
	return 0
}

func isZeroConst(v *Value) bool {
	if !v.IsConstant() {
		return false
	}
	switch p := v.ConstPayload.(type) {
	case int:
		return p == 0
	case int64:
		return p == 0
	}
	return false
}

// maskShiftAmount masks a constant shift count to the width's valid
// range (5 bits for 32-bit operands, 6 bits for 64-bit).
func maskShiftAmount(amount int, width int) int {
	if width == 8 {
		return amount & 0x3f
	}
	return amount & 0x1f
}

func (lir *LIR) lowerArithmetic(val *ssa.Value) {
	switch val.Op {
	case ssa.OpAdd, ssa.OpSub, ssa.OpAnd, ssa.OpOr, ssa.OpXor:
		ssaOp2LIROp := map[ssa.Op]LIROp{
			ssa.OpAdd: LIR_Add,
			ssa.OpSub: LIR_Sub,
			ssa.OpAnd: LIR_And,
			ssa.OpOr:  LIR_Or,
			ssa.OpXor: LIR_Xor,
		}
		lirOp, exist := ssaOp2LIROp[val.Op]
		utils.Assert(exist, "unimplemented arithmetic op %v", val.Op)
		left := lir.valueOf(val.Args[0])
		right := lir.valueOf(val.Args[1])
		desc := DescriptorOf(lirOp)
		// commutative swap when the left operand is constant, so the
		// immediate/memory side ends up on the right like lowerCompare.
		if desc.Commutative && left.IsConstant() && !right.IsConstant() {
			left, right = right, left
		}
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, left).comment(val)
		lir.emit(val.Block, lirOp, result, right).comment(val)
		lir.setValue(val, result)
	case ssa.OpLShift, ssa.OpRShift:
		left := lir.valueOf(val.Args[0])
		right := lir.valueOf(val.Args[1])
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, left).comment(val)
		lirOp := LIR_LShift
		if val.Op == ssa.OpRShift {
			lirOp = LIR_RShift
		}
		if right.IsConstant() {
			if amt, ok := right.ConstPayload.(int); ok {
				masked := maskShiftAmount(amt, LIRTypeOf(KindOf(val.Type)).Width)
				lir.emit(val.Block, lirOp, result, lir.newImm(KindInt, masked)).comment(val)
				lir.setValue(val, result)
				break
			}
		}
		// Shift count must be in CL unless it is a constant.
		reg := NewRegisterValue(KindInt, CL)
		lir.emit(val.Block, LIR_Mov, reg, right).comment(val)
		lir.emit(val.Block, lirOp, result, reg).comment(val)
		lir.setValue(val, result)
	case ssa.OpNot:
		left := lir.valueOf(val.Args[0])
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, left).comment(val)
		lir.emit(val.Block, LIR_Not, result, result).comment(val)
		lir.setValue(val, result)
	case ssa.OpMul:
		left := lir.valueOf(val.Args[0])
		right := lir.valueOf(val.Args[1])
		result := lir.newSlot(KindOf(val.Type))
		if right.IsConstant() {
			// Three-operand immediate IMUL form.
			lir.emit(val.Block, LIR_Mul, result, left, right).comment(val)
		} else {
			// The destination of a two-operand IMUL must be a
			// register, so reserve a caller-save scratch of the right
			// width, matching the generator's per-kind scratch policy.
			freeRegs := CallerSaveRegs(GetLIRType(val.Type))
			tempReg := NewRegisterValue(KindOf(val.Type), freeRegs[0])
			lir.emit(val.Block, LIR_Mov, tempReg, left).comment(val)
			lir.emit(val.Block, LIR_Mul, tempReg, right).comment(val)
			lir.emit(val.Block, LIR_Mov, result, tempReg).comment(val)
		}
		lir.setValue(val, result)
	case ssa.OpDiv, ssa.OpMod:
		if val.Type.IsDouble() || val.Type.IsFloat() {
			if val.Op == ssa.OpMod {
				lir.lowerFloatRemForeignCall(val)
				return
			}
		}
		left := lir.valueOf(val.Args[0])
		right := lir.valueOf(val.Args[1])
		result := lir.newSlot(KindOf(val.Type))

		t := GetLIRType(val.Type)
		var dividendReg, remReg Register
		for _, r := range []Register{RAX, EAX, AX, AL} {
			if r.GetType() == t {
				dividendReg = r
			}
		}
		for _, r := range []Register{RDX, EDX, DX, DL} {
			if r.GetType() == t {
				remReg = r
			}
		}
		dividendVal := NewRegisterValue(KindOf(val.Type), dividendReg)
		lir.emit(val.Block, LIR_Mov, dividendVal, left).comment(val)
		// Clear rdx ahead of IDIV; encodeDiv's cwd/cdq/cqo then
		// sign-extends rax into it.
		remVal := NewRegisterValue(KindOf(val.Type), remReg)
		lir.emit(val.Block, LIR_Mov, remVal, lir.newImm(KindOf(val.Type), 0)).comment("zero-extend dividend high half")

		ins := lir.emit(val.Block, LIR_Div, dividendVal, right)
		ins.FrameState = lir.convertFrameState(val.FrameState)

		if val.Op == ssa.OpDiv {
			lir.emit(val.Block, LIR_Mov, result, dividendVal).comment(val)
		} else {
			lir.emit(val.Block, LIR_Mov, result, remVal).comment(val)
		}
		lir.setValue(val, result)
	case ssa.OpNegate:
		left := lir.valueOf(val.Args[0])
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, left).comment(val)
		lir.emit(val.Block, LIR_Neg, result, result).comment(val)
		lir.setValue(val, result)
	default:
		utils.Unimplement()
	}
}

// lowerFloatRemForeignCall lowers a floating REM to a runtime foreign
// call, per the generator's per-family rule for floating REM.
func (lir *LIR) lowerFloatRemForeignCall(val *ssa.Value) {
	left := lir.valueOf(val.Args[0])
	right := lir.valueOf(val.Args[1])
	kind := KindOf(val.Type)
	lir.emit(val.Block, LIR_Mov, NewRegisterValue(kind, ArgReg(0, GetLIRType(val.Type))), left).comment(val)
	lir.emit(val.Block, LIR_Mov, NewRegisterValue(kind, ArgReg(1, GetLIRType(val.Type))), right).comment(val)
	retVal := NewRegisterValue(kind, ReturnReg(GetLIRType(val.Type)))
	ins := lir.emit(val.Block, LIR_Call, retVal, Symbol{Name: "runtime_fmod"})
	ins.FrameState = lir.convertFrameState(val.FrameState)
	result := lir.newSlot(kind)
	lir.emit(val.Block, LIR_Mov, result, retVal).comment(val)
	lir.setValue(val, result)
}

// lowerCall marshals outgoing arguments per the calling convention,
// chooses a direct near/far or indirect call form by the foreign call
// descriptor's max-target-offset, reserves caller-saves implicitly
// (the stack-slot allocator treats call results/args as any other
// def/use), and records the frame state if the callee may deopt.
func (lir *LIR) lowerCall(val *ssa.Value) {
	utils.Assert(val.Op == ssa.OpCall, "sanity check")

	for i, arg := range val.Args {
		r := lir.valueOf(arg)
		argReg := NewRegisterValue(KindOf(arg.Type), ArgReg(i, GetLIRType(arg.Type)))
		lir.emit(val.Block, LIR_Mov, argReg, r).comment(val)
	}

	name, isIndirect := lir.callTarget(val)
	retReg := ReturnReg(GetLIRType(val.Type))
	retVal := NewRegisterValue(KindOf(val.Type), retReg)

	var ins *Instruction
	if isIndirect {
		ins = lir.emit(val.Block, LIR_CallIndirect, retVal, Symbol{Name: name})
	} else {
		ins = lir.emit(val.Block, LIR_Call, retVal, Symbol{Name: name})
	}
	ins.FrameState = lir.convertFrameState(val.FrameState)
	ins.comment(val)

	res := lir.newSlot(KindOf(val.Type))
	if retReg != NoReg {
		lir.emit(val.Block, LIR_Mov, res, retVal).comment(val)
	}
	lir.setValue(val, res)
}

// callTarget resolves a call's direct/indirect form: a direct near
// call is valid only when the target address is within the 32-bit
// displacement reach the descriptor reports; otherwise the call
// degrades to the indirect-through-register form chosen here, at
// generator time, per the design contract (far calls are not
// reconsidered by the emitter).
func (lir *LIR) callTarget(val *ssa.Value) (name string, indirect bool) {
	if fc, ok := val.Sym.(*ssa.ForeignCallDescriptor); ok && fc != nil {
		const int32DisplacementLimit = int64(1) << 31
		return fc.Name, fc.MaxTargetOffset != 0 && fc.MaxTargetOffset >= int32DisplacementLimit
	}
	if name, ok := val.Sym.(string); ok {
		return name, false
	}
	utils.Fatal("call value has no resolvable target")
	return "", false
}

func (lir *LIR) lowerConst(val *ssa.Value) {
	utils.Assert(val.Op == ssa.OpConst, "sanity check")
	t := val.Type
	k := KindOf(t)
	switch {
	case t.IsInt():
		res := lir.newSlot(k)
		lir.emit(val.Block, LIR_Mov, res, lir.newImm(k, val.Sym.(int))).comment(val)
		lir.setValue(val, res)
	case t.IsShort():
		res := lir.newSlot(k)
		lir.emit(val.Block, LIR_Mov, res, lir.newImm(k, val.Sym.(int16))).comment(val)
		lir.setValue(val, res)
	case t.IsLong():
		res := lir.newSlot(k)
		longVal := val.Sym.(int64)
		if isInlineableLong(longVal) {
			lir.emit(val.Block, LIR_Mov, res, lir.newImm(k, longVal)).comment(val)
		} else {
			// A long constant that does not fit a 32-bit immediate is
			// materialized with a 64-bit mov-immediate, matching the
			// generator's constant policy for non-inline-able longs.
			lir.emit(val.Block, LIR_Mov, res, lir.newImm(k, longVal)).comment("materialize 64-bit immediate")
		}
		lir.setValue(val, res)
	case t.IsBool():
		b := 0
		if val.Sym.(bool) {
			b = 1
		}
		res := lir.newSlot(KindBoolean)
		lir.emit(val.Block, LIR_Mov, res, lir.newImm(KindBoolean, b)).comment(val)
		lir.setValue(val, res)
	case t.IsChar():
		res := lir.newSlot(k)
		lir.emit(val.Block, LIR_Mov, res, lir.newImm(k, val.Sym.(int8))).comment(val)
		lir.setValue(val, res)
	case t.IsFloat():
		text := lir.newText(fmt.Sprintf("0x%x", math.Float32bits(val.Sym.(float32))), TextFloat)
		addr := NewAddress(k, NewRegisterValue(KindLong, RIP), nil, 1, text)
		res := lir.newSlot(k)
		lir.emit(val.Block, LIR_MovSS, res, addr).comment(val)
		lir.setValue(val, res)
	case t.IsDouble():
		text := lir.newText(fmt.Sprintf("0x%x", math.Float64bits(val.Sym.(float64))), TextFloat)
		addr := NewAddress(k, NewRegisterValue(KindLong, RIP), nil, 1, text)
		res := lir.newSlot(k)
		lir.emit(val.Block, LIR_MovSD, res, addr).comment(val)
		lir.setValue(val, res)
	case t.IsString():
		str := val.Sym.(string)
		ptrArg := NewRegisterValue(KindObject, ArgReg(0, LIRTypeDWord))
		lir.emit(val.Block, LIR_Mov, ptrArg, lir.newText(str, TextString)).comment(val)
		lenArg := NewRegisterValue(KindInt, ArgReg(1, LIRTypeDWord))
		lir.emit(val.Block, LIR_Mov, lenArg, lir.newImm(KindInt, len(str))).comment(val)
		retVal := NewRegisterValue(KindObject, ReturnReg(LIRTypeQWord))
		lir.emit(val.Block, LIR_Call, retVal, Symbol{Name: "runtime_new_string"}).comment(val)
		res := lir.newSlot(KindObject)
		lir.emit(val.Block, LIR_Mov, res, retVal).comment(val)
		lir.setValue(val, res)
	case t.IsArray():
		lenArg := NewRegisterValue(KindInt, ArgReg(0, LIRTypeDWord))
		lir.emit(val.Block, LIR_Mov, lenArg, lir.newImm(KindInt, val.Sym.(int))).comment(val)
		retVal := NewRegisterValue(KindObject, ReturnReg(LIRTypeQWord))
		lir.emit(val.Block, LIR_Call, retVal, Symbol{Name: "runtime_new_array"}).comment(val)
		res := lir.newSlot(KindObject)
		lir.emit(val.Block, LIR_Mov, res, retVal).comment(val)
		lir.setValue(val, res)
	default:
		utils.Unimplement()
	}
}

// isInlineableLong reports whether a 64-bit constant fits the 32-bit
// immediate field without relocation.
func isInlineableLong(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

func (lir *LIR) lowerIndexed(val *ssa.Value) {
	utils.Assert(val.Op == ssa.OpLoadIndex || val.Op == ssa.OpStoreIndex, "sanity check")
	argVar := val.Args[0]
	argIndex := val.Args[1]
	switch val.Op {
	case ssa.OpStoreIndex:
		if argVar.Type.IsString() {
			lir.fatal(val, "string is immutable")
			return
		}
		argValue := val.Args[2]
		base := lir.valueOf(argVar)
		lir.EmitNullCheckGuard(val.Block, base, val.FrameState, "null check before indexed store")
		index := lir.valueOf(argIndex)
		elem := lir.valueOf(argValue)
		addr := NewAddress(elem.Kind.Kind, base, index, elementScale(elem.Kind.Kind), Offset{0})
		ins := lir.emit(val.Block, LIR_Mov, addr, elem)
		ins.FrameState = lir.convertFrameState(val.FrameState)
		ins.comment(val)
		if isObjectLike(argValue.Type) {
			// Object stores get a write barrier: emitBarrier appends a
			// full fence after the store.
			lir.emitBarrier(val.Block, BarrierPostWrite)
		}
	case ssa.OpLoadIndex:
		if argVar.Type.IsString() {
			base := lir.valueOf(argVar)
			lir.EmitNullCheckGuard(val.Block, base, val.FrameState, "null check before string index load")
			dataAddr := NewAddress(KindLong, base, nil, 1, Offset{0})
			dataRes := lir.newSlot(KindLong)
			lir.emit(val.Block, LIR_Mov, dataRes, dataAddr).comment("load string.data")
			result := lir.newSlot(KindOf(val.Type))
			index := lir.valueOf(argIndex)
			charAddr := NewAddress(KindChar, dataRes, index, 1, Offset{0})
			ins := lir.emit(val.Block, LIR_Mov, result, charAddr)
			ins.FrameState = lir.convertFrameState(val.FrameState)
			ins.comment("load str.data[index]")
			lir.setValue(val, result)
		} else {
			base := lir.valueOf(argVar)
			lir.EmitNullCheckGuard(val.Block, base, val.FrameState, "null check before indexed load")
			index := lir.valueOf(argIndex)
			k := KindOf(val.Type)
			addr := NewAddress(k, base, index, elementScale(k), Offset{0})
			result := lir.newSlot(k)
			ins := lir.emit(val.Block, LIR_Mov, result, addr)
			ins.FrameState = lir.convertFrameState(val.FrameState)
			ins.comment(val)
			lir.setValue(val, result)
		}
	default:
		utils.ShouldNotReachHere()
	}
}

func elementScale(k Kind) int {
	w, ok := k.SizeClass()
	if !ok {
		return 1
	}
	return w
}

type BarrierKind int

const (
	BarrierNone BarrierKind = iota
	BarrierPostWrite
)

// emitBarrier emits one LIR_Membar (mfence) for every kind other than
// BarrierNone. It does not consult the host's barrier mask
// (hostruntime.Barriers); the core never implements the collector.
func (lir *LIR) emitBarrier(block *ssa.Block, kind BarrierKind) {
	if kind == BarrierNone {
		return
	}
	lir.emit(block, LIR_Membar, nil).comment("post-write barrier")
}

// lowerAtomic handles CAS/XADD/XCHG per the generator's atomics rule.
func (lir *LIR) lowerAtomic(val *ssa.Value) {
	switch val.Op {
	case ssa.OpCAS:
		addr := lir.valueOf(val.Args[0])
		expected := lir.valueOf(val.Args[1])
		newVal := lir.valueOf(val.Args[2])
		k := KindOf(val.Type)
		raxVal := NewRegisterValue(k, RAX.Cast(LIRTypeOf(k)))
		lir.emit(val.Block, LIR_Mov, raxVal, expected).comment("pin expected into rax")
		lir.emit(val.Block, LIR_CmpXchg, raxVal, addr, raxVal, newVal).comment(val)
		result := lir.newSlot(KindBoolean)
		lir.emit(val.Block, LIR_Mov, result, lir.newImm(KindBoolean, 0)).comment(val)
		trueVal := lir.newSlot(KindBoolean)
		lir.emit(val.Block, LIR_Mov, trueVal, lir.newImm(KindBoolean, 1)).comment(val)
		lir.emit(val.Block, LIR_CMovEQ, result, trueVal).comment(val)
		lir.setValue(val, result)
	case ssa.OpXadd:
		addr := lir.valueOf(val.Args[0])
		delta := lir.valueOf(val.Args[1])
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, delta).comment(val)
		lir.emit(val.Block, LIR_Xadd, result, addr, result).comment(val)
		lir.setValue(val, result)
	case ssa.OpXchg:
		addr := lir.valueOf(val.Args[0])
		newVal := lir.valueOf(val.Args[1])
		result := lir.newSlot(KindOf(val.Type))
		lir.emit(val.Block, LIR_Mov, result, newVal).comment(val)
		lir.emit(val.Block, LIR_Xchg, result, addr, result).comment(val)
		lir.setValue(val, result)
	default:
		utils.ShouldNotReachHere()
	}
}

// lowerConvert handles narrow/sign-extend/zero-extend/reinterpret.
func (lir *LIR) lowerConvert(val *ssa.Value) {
	src := lir.valueOf(val.Args[0])
	dstKind := KindOf(val.Type)
	result := lir.newSlot(dstKind)
	switch val.Op {
	case ssa.OpNarrow:
		// Narrow to <=32 bits is a plain DWORD mov; it zeroes the upper half.
		lir.emit(val.Block, LIR_Mov, result, src).comment(val)
	case ssa.OpSignExtend:
		op := LIR_MovSX
		if dstKind == KindLong {
			op = LIR_MovSXD
		} else if srcWidth(src) == 1 {
			op = LIR_MovSXB
		}
		lir.emit(val.Block, op, result, src).comment(val)
	case ssa.OpZeroExtend:
		op := LIR_MovZX
		if srcWidth(src) == 1 {
			op = LIR_MovZXB
		}
		lir.emit(val.Block, op, result, src).comment(val)
	case ssa.OpReinterpret:
		op := LIR_MovD
		if LIRTypeOf(dstKind).Width == 8 {
			op = LIR_MovQ
		}
		lir.emit(val.Block, op, result, src).comment(val)
	default:
		utils.ShouldNotReachHere()
	}
	lir.setValue(val, result)
}

func srcWidth(v *Value) int {
	return LIRTypeOf(v.Kind.Kind).Width
}

func (lir *LIR) fatal(val *ssa.Value, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	err := newErr(ErrUnsupportedOperand, "v%d (%v): %s", val.Id, val.Op, msg)
	utils.Fatal("%v", err)
}

func (lir *LIR) lowerValue(val *ssa.Value) {
	switch val.Op {
	case ssa.OpConst:
		lir.lowerConst(val)
	case ssa.OpAdd, ssa.OpSub, ssa.OpMul, ssa.OpDiv, ssa.OpMod,
		ssa.OpAnd, ssa.OpOr, ssa.OpXor, ssa.OpNot, ssa.OpLShift, ssa.OpRShift,
		ssa.OpNegate:
		lir.lowerArithmetic(val)
	case ssa.OpPhi:
		utils.ShouldNotReachHere()
	case ssa.OpCmpLT, ssa.OpCmpLE, ssa.OpCmpGT, ssa.OpCmpGE, ssa.OpCmpEQ, ssa.OpCmpNE:
		lir.lowerCompare(val)
	case ssa.OpParam:
		iarg := val.Sym.(int)
		k := KindOf(val.Type)
		result := lir.newSlot(k)
		lir.emit(val.Block, LIR_Mov, result, NewRegisterValue(k, ArgReg(iarg, GetLIRType(val.Type)))).comment(val)
		lir.setValue(val, result)
	case ssa.OpCall:
		lir.lowerCall(val)
	case ssa.OpStoreIndex, ssa.OpLoadIndex:
		lir.lowerIndexed(val)
	case ssa.OpCAS, ssa.OpXadd, ssa.OpXchg:
		lir.lowerAtomic(val)
	case ssa.OpNarrow, ssa.OpSignExtend, ssa.OpZeroExtend, ssa.OpReinterpret:
		lir.lowerConvert(val)
	case ssa.OpMembar:
		lir.emit(val.Block, LIR_Membar, nil).comment(val)
	case ssa.OpCopy:
		src := lir.valueOf(val.Args[0])
		lir.setValue(val, src)
	default:
		utils.Unimplement()
	}
}

func (lir *LIR) lowerBlock(visited map[*ssa.Block]bool, block *ssa.Block) {
	if _, exist := visited[block]; exist {
		return
	}
	visited[block] = true

	for _, pred := range block.Preds {
		if _, exist := visited[pred]; !exist {
			lir.lowerBlock(visited, pred)
		}
	}
	for _, val := range block.Values {
		if val.Op == ssa.OpPhi {
			lir.resolvePhi(val)
		} else {
			lir.lowerValue(val)
		}
	}
	for _, succ := range block.Succs {
		lir.lowerBlock(visited, succ)
	}
}

// lowerSwitch chooses the sequential cascaded-compare strategy for
// sparse keys or the dense table-switch strategy; dense is assumed
// here when the key count is at least the configured density floor.
const denseSwitchDensityFloor = 4

func (lir *LIR) lowerSwitch(block *ssa.Block) {
	ctrl := block.Ctrl
	key := lir.valueOf(ctrl)
	if len(block.Succs) >= denseSwitchDensityFloor {
		scratch := lir.newSlot(KindLong)
		lir.emit(block, LIR_TableSwitch, nil, key, scratch).comment("dense table switch")
	} else {
		lir.emit(block, LIR_SequentialSwitch, nil, key).comment("sparse sequential switch")
	}
	for _, succ := range block.Succs {
		lir.emitJmp(block, LIR_Jmp, succ)
	}
}

func (lir *LIR) lowerBlockControl(block *ssa.Block) {
	switch block.Kind {
	case ssa.BlockGoto:
		lir.emitJmp(block, LIR_Jmp, block.Succs[0]).comment(block.Succs[0])
	case ssa.BlockReturn:
		ctrl := block.Ctrl
		if ctrl != nil {
			left := lir.valueOf(ctrl)
			retReg := ReturnReg(GetLIRType(ctrl.Type))
			retVal := NewRegisterValue(KindOf(ctrl.Type), retReg)
			lir.emit(block, LIR_Mov, retVal, left).comment(ctrl)
		}
		lir.emit(block, LIR_Ret, nil).comment("ret")
	case ssa.BlockSwitch:
		lir.lowerSwitch(block)
	case ssa.BlockIf:
		ctrl := block.Ctrl
		switch ctrl.Op {
		case ssa.OpCmpLT, ssa.OpCmpLE, ssa.OpCmpGT, ssa.OpCmpGE, ssa.OpCmpEQ, ssa.OpCmpNE:
			lir.emitJmp(block, jumpOpForCompare(lir.lastCompareOp), block.Succs[0]).comment(block.Succs[0])
			lir.emitJmp(block, LIR_Jmp, block.Succs[1]).comment(block.Succs[1])
		default:
			// Jumps to the true successor: cmp res,1 sets zf=1 when the
			// condition holds and jeq takes Succs[0]; otherwise jmp Succs[1].
			r := lir.newImm(KindBoolean, 1)
			res := lir.valueOf(ctrl)
			lir.emit(block, LIR_CmpEQ, res, res, r).comment(block)
			lir.emitJmp(block, LIR_Jeq, block.Succs[0]).comment(block.Succs[0])
			lir.emitJmp(block, LIR_Jmp, block.Succs[1]).comment(block.Succs[1])
		}
	}
}

func Lower(fn *ssa.Func) *LIR {
	lir := NewLIR(fn)

	// Do LIR generation in pre-order over the already-scheduled graph.
	lir.lowerBlock(make(map[*ssa.Block]bool), fn.Entry)

	// Post-process all blocks according to their kind.
	for _, block := range fn.Blocks {
		lir.lowerBlockControl(block)
	}

	Number(lir)
	VerifyLIR(lir)
	return lir
}
