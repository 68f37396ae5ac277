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
	"ember/ast"
	"fmt"

	"github.com/sirupsen/logrus"
)

// KindOf maps a front-end AST type to the Kind the backend's value
// model works in. String and Array are both reference-kinded on the
// stack; the front end does not carry a separate "Object" type.
func KindOf(t *ast.Type) Kind {
	switch {
	case t.IsBool():
		return KindBoolean
	case t.IsByte():
		return KindByte
	case t.IsChar():
		return KindChar
	case t.IsShort():
		return KindShort
	case t.IsInt():
		return KindInt
	case t.IsLong():
		return KindLong
	case t.IsFloat():
		return KindFloat
	case t.IsDouble():
		return KindDouble
	case t.IsString(), t.IsArray():
		return KindObject
	case t.IsVoid():
		return KindVoid
	}
	return KindIllegal
}

// isObjectLike reports whether values of this AST type are heap
// references requiring GC barrier treatment on store.
func isObjectLike(t *ast.Type) bool {
	return t.IsString() || t.IsArray()
}

// Kind is the enumeration of primitive categories a Value may carry,
// each with an associated native size/alignment on AMD64.
type Kind int

const (
	KindIllegal Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
	KindVoid
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindObject:
		return "object"
	case KindVoid:
		return "void"
	case KindIllegal:
		return "illegal"
	}
	return "<unknown-kind>"
}

// StackKind widens sub-word kinds to their on-stack representation,
// matching the calling convention and the VM's operand stack layout.
func (k Kind) StackKind() Kind {
	switch k {
	case KindBoolean, KindByte, KindChar, KindShort:
		return KindInt
	default:
		return k
	}
}

// LIRTypeOf maps a Kind to the assembler-level LIRType used to pick
// opcode widths and register classes.
func LIRTypeOf(k Kind) *LIRType {
	switch k {
	case KindBoolean, KindByte:
		return LIRTypeByte
	case KindChar, KindShort:
		return LIRTypeWord
	case KindInt:
		return LIRTypeDWord
	case KindLong, KindObject:
		return LIRTypeQWord
	case KindFloat:
		return LIRTypeVector16S
	case KindDouble:
		return LIRTypeVector16D
	case KindVoid:
		return LIRTypeVoid
	default:
		return LIRTypeBottom
	}
}

// SizeClass buckets a Kind's native width into one of the four
// allocator-recognized size classes {1,2,4,8}; returns (0, false) for
// kinds (e.g. Float/Double vectors) the stack-slot allocator does not
// attempt to recycle.
func (k Kind) SizeClass() (int, bool) {
	t := LIRTypeOf(k)
	switch t.Width {
	case 1, 2, 4, 8:
		return t.Width, true
	default:
		return 0, false
	}
}

// LIRKind pairs a Kind with a reference/derived-reference marker.
// Derived references are interior pointers that require a base
// pointer companion for the collector's precise root set.
type LIRKind struct {
	Kind          Kind
	IsReference   bool
	IsDerivedRef  bool
	BaseValueName string // symbolic name of the companion base pointer, set only when IsDerivedRef
}

func (lk LIRKind) String() string {
	if lk.IsDerivedRef {
		return fmt.Sprintf("%v(derived-ref base=%s)", lk.Kind, lk.BaseValueName)
	}
	if lk.IsReference {
		return fmt.Sprintf("%v(ref)", lk.Kind)
	}
	return lk.Kind.String()
}

// OperandFlag marks how a ValueOperand must be treated by the
// allocator and emitter.
type OperandFlag int

const (
	FlagReg OperandFlag = 1 << iota
	FlagStack
	FlagConst
	FlagIllegal
	FlagHint
	FlagUninitialized
	FlagAddr
)

func (f OperandFlag) Has(bit OperandFlag) bool { return f&bit != 0 }

// OperandRole classifies how an operand participates in an
// instruction for liveness purposes.
type OperandRole int

const (
	RoleUse OperandRole = iota
	RoleAlive
	RoleTemp
	RoleDef
	RoleState
)

func (r OperandRole) String() string {
	switch r {
	case RoleUse:
		return "use"
	case RoleAlive:
		return "alive"
	case RoleTemp:
		return "temp"
	case RoleDef:
		return "def"
	case RoleState:
		return "state"
	}
	return "<unknown-role>"
}

// ValueVariant tags which alternative a Value holds.
type ValueVariant int

const (
	VConstant ValueVariant = iota
	VRegister
	VStackSlot
	VVirtualStackSlot
	VVariable
	VAddress
	VIllegal
)

// Value is the tagged variant described by the data model: a constant,
// a physical register, a concrete frame-relative stack slot, an
// abstract slot pending allocation, an SSA-style temporary, a computed
// address, or the Illegal sentinel.
type Value struct {
	Variant ValueVariant
	Kind    LIRKind

	// VConstant
	ConstPayload interface{}

	// VRegister
	Reg Register

	// VStackSlot
	StackOffset    int
	AddFrameSize   bool

	// VVirtualStackSlot
	VirtualId int
	// Range marks a multi-slot virtual slot (e.g. a spilled Object
	// array of references); ReferenceMap marks which 8-byte positions
	// within the range hold live references for the precise root set.
	RangeSlots   int
	ReferenceMap []bool

	// VVariable
	VarIndex int

	// VAddress
	Base        *Value
	Index       *Value
	Scale       int
	Displacement IOperand

	Flags OperandFlag
}

func Illegal() *Value {
	return &Value{Variant: VIllegal, Kind: LIRKind{Kind: KindIllegal}, Flags: FlagIllegal}
}

func NewConstant(k Kind, payload interface{}) *Value {
	return &Value{Variant: VConstant, Kind: LIRKind{Kind: k}, ConstPayload: payload, Flags: FlagConst}
}

func NewRegisterValue(k Kind, reg Register) *Value {
	return &Value{Variant: VRegister, Kind: LIRKind{Kind: k}, Reg: reg, Flags: FlagReg}
}

func NewStackSlot(k Kind, offset int, addFrameSize bool) *Value {
	return &Value{Variant: VStackSlot, Kind: LIRKind{Kind: k}, StackOffset: offset, AddFrameSize: addFrameSize, Flags: FlagStack}
}

func NewVirtualStackSlot(id int, k Kind) *Value {
	return &Value{Variant: VVirtualStackSlot, Kind: LIRKind{Kind: k}, VirtualId: id, Flags: FlagStack}
}

// NewStackSlotRange is NewStackSlot's counterpart for a resolved
// multi-slot reference-bearing range, carrying the reference bitmap
// through to the frame-state side table the allocator's rewrite stage
// hands off to the emitter.
func NewStackSlotRange(k Kind, offset int, addFrameSize bool, n int, refMap []bool) *Value {
	utilsAssertRangeShape(n, refMap)
	return &Value{
		Variant:      VStackSlot,
		Kind:         LIRKind{Kind: k, IsReference: anyTrue(refMap)},
		StackOffset:  offset,
		AddFrameSize: addFrameSize,
		RangeSlots:   n,
		ReferenceMap: refMap,
		Flags:        FlagStack,
	}
}

// NewVirtualStackRange allocates a virtual slot spanning n consecutive
// frame positions, tagging which positions are reference-bearing.
func NewVirtualStackRange(id int, k Kind, n int, refMap []bool) *Value {
	utilsAssertRangeShape(n, refMap)
	return &Value{
		Variant:      VVirtualStackSlot,
		Kind:         LIRKind{Kind: k, IsReference: anyTrue(refMap)},
		VirtualId:    id,
		RangeSlots:   n,
		ReferenceMap: refMap,
		Flags:        FlagStack,
	}
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

func utilsAssertRangeShape(n int, refMap []bool) {
	if len(refMap) != 0 && len(refMap) != n {
		logrus.WithFields(logrus.Fields{"n": n, "refMapLen": len(refMap)}).
			Panic("virtual stack range reference map shape mismatch")
	}
}

func NewVariable(k Kind, idx int) *Value {
	return &Value{Variant: VVariable, Kind: LIRKind{Kind: k}, VarIndex: idx}
}

func NewAddress(k Kind, base, index *Value, scale int, disp IOperand) *Value {
	return &Value{Variant: VAddress, Kind: LIRKind{Kind: k}, Base: base, Index: index, Scale: scale, Displacement: disp, Flags: FlagAddr}
}

func (v *Value) IsIllegal() bool           { return v.Variant == VIllegal }
func (v *Value) IsConstant() bool          { return v.Variant == VConstant }
func (v *Value) IsRegister() bool          { return v.Variant == VRegister }
func (v *Value) IsStackSlot() bool         { return v.Variant == VStackSlot }
func (v *Value) IsVirtualStackSlot() bool  { return v.Variant == VVirtualStackSlot }
func (v *Value) IsRange() bool             { return v.Variant == VVirtualStackSlot && v.RangeSlots > 0 }
func (v *Value) IsVariable() bool          { return v.Variant == VVariable }
func (v *Value) IsAddress() bool           { return v.Variant == VAddress }
func (v *Value) IsUninitialized() bool     { return v.Flags.Has(FlagUninitialized) }

// GetType satisfies IOperand so a *Value can be used directly as an
// LIR instruction operand.
func (v *Value) GetType() *LIRType { return LIRTypeOf(v.Kind.Kind) }

func (v *Value) String() string {
	switch v.Variant {
	case VConstant:
		return fmt.Sprintf("#%v(%v)", v.ConstPayload, v.Kind)
	case VRegister:
		return v.Reg.String()
	case VStackSlot:
		return fmt.Sprintf("stack[%d](%v)", v.StackOffset, v.Kind)
	case VVirtualStackSlot:
		if v.IsRange() {
			return fmt.Sprintf("vslot%d[%d](%v)", v.VirtualId, v.RangeSlots, v.Kind)
		}
		return fmt.Sprintf("vslot%d(%v)", v.VirtualId, v.Kind)
	case VVariable:
		return fmt.Sprintf("var%d(%v)", v.VarIndex, v.Kind)
	case VAddress:
		return fmt.Sprintf("[%v+%v*%d+%v]", v.Base, v.Index, v.Scale, v.Displacement)
	case VIllegal:
		return "illegal"
	}
	return "<unknown-value>"
}
