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
	"ember/compile/ssa"
	"ember/utils"
	"fmt"
)

// ------------------------------------------------------------------------------
// Low-level Intermediate Representation (LIR)
//
// See Linear Scan Register Allocation for the Java HotSpotâ„¢ Client Compiler for
// more details about LIR design.
// LIR is a three-operand form for operators, with the first operand being the
// result of the operation. The second and third operands are the arguments to
// the operation. x86-64 employs a two-operand form for most instructions, the
// right operand is equal to the result. For example, when lowering the add Value
// "add v1, v2", the v2 is the result, so we need to generate a new virtual register
// v3 for the result and move left operand v1 to the result register, then add
// the right operand v2 to the result register, i.e.
// mov v3, v1, v3
// add v3, v2, v3
// It's a bit of a misnomer on x86-64, but it's a good representation for other
// architectures such as aarch64.
type LIROp int

const (
	LIR_Add LIROp = iota
	LIR_Sub
	LIR_Mul
	LIR_Div
	LIR_Mod
	LIR_And
	LIR_Or
	LIR_Xor
	LIR_Not
	LIR_Neg
	LIR_Inc
	LIR_Dec
	LIR_LShift
	LIR_RShift
	LIR_CmpLE
	LIR_CmpLT
	LIR_CmpGE
	LIR_CmpGT
	LIR_CmpEQ
	LIR_CmpNE
	LIR_UComiss
	LIR_UComisd
	LIR_Mov
	LIR_MovSS
	LIR_MovSD
	LIR_MovSXB
	LIR_MovSX
	LIR_MovSXD
	LIR_MovZXB
	LIR_MovZX
	LIR_MovD
	LIR_MovQ
	LIR_Lea
	LIR_Ret
	LIR_Jmp
	LIR_Jle
	LIR_Jlt
	LIR_Jeq
	LIR_Jne
	LIR_Jz
	LIR_Jnz
	LIR_Jge
	LIR_Jgt
	LIR_Test
	LIR_Call
	LIR_CallIndirect
	LIR_Push
	LIR_Pop
	LIR_CmpXchg
	LIR_Xadd
	LIR_Xchg
	LIR_CMovEQ
	LIR_CMovNE
	LIR_CMovGT
	LIR_CMovGE
	LIR_CMovLT
	LIR_CMovLE
	LIR_TableSwitch
	LIR_SequentialSwitch
	LIR_Membar
	LIR_DeoptStub
	LIR_Label
)

func (x LIROp) String() string {
	switch x {
	case LIR_Add:
		return "add"
	case LIR_Sub:
		return "sub"
	case LIR_Mul:
		return "imul"
	case LIR_Div:
		return "div"
	case LIR_Mod:
		return "mod"
	case LIR_And:
		return "and"
	case LIR_Or:
		return "or"
	case LIR_Xor:
		return "xor"
	case LIR_Not:
		return "not"
	case LIR_Neg:
		return "neg"
	case LIR_Inc:
		return "inc"
	case LIR_Dec:
		return "dec"
	case LIR_LShift:
		return "shl"
	case LIR_RShift:
		return "sar"
	case LIR_CmpLE:
		return "cmple"
	case LIR_CmpLT:
		return "cmplt"
	case LIR_CmpGE:
		return "cmpge"
	case LIR_CmpGT:
		return "cmpgt"
	case LIR_CmpEQ:
		return "cmpeq"
	case LIR_CmpNE:
		return "cmpne"
	case LIR_UComiss:
		return "ucomiss"
	case LIR_UComisd:
		return "ucomisd"
	case LIR_Mov:
		return "mov"
	case LIR_MovSS:
		return "movss"
	case LIR_MovSD:
		return "movsd"
	case LIR_MovSXB:
		return "movsxb"
	case LIR_MovSX:
		return "movsx"
	case LIR_MovSXD:
		return "movsxd"
	case LIR_MovZXB:
		return "movzxb"
	case LIR_MovZX:
		return "movzx"
	case LIR_MovD:
		return "movd"
	case LIR_MovQ:
		return "movq"
	case LIR_Lea:
		return "lea"
	case LIR_Ret:
		return "ret"
	case LIR_Jmp:
		return "jmp"
	case LIR_Jle:
		return "jle"
	case LIR_Jlt:
		return "jl"
	case LIR_Jeq:
		return "je"
	case LIR_Jne:
		return "jne"
	case LIR_Jz:
		return "jz"
	case LIR_Jnz:
		return "jnz"
	case LIR_Jge:
		return "jge"
	case LIR_Jgt:
		return "jg"
	case LIR_Test:
		return "test"
	case LIR_Call:
		return "call"
	case LIR_CallIndirect:
		return "call"
	case LIR_Push:
		return "push"
	case LIR_Pop:
		return "pop"
	case LIR_CmpXchg:
		return "cmpxchg"
	case LIR_Xadd:
		return "xadd"
	case LIR_Xchg:
		return "xchg"
	case LIR_CMovEQ:
		return "cmove"
	case LIR_CMovNE:
		return "cmovne"
	case LIR_CMovGT:
		return "cmovg"
	case LIR_CMovGE:
		return "cmovge"
	case LIR_CMovLT:
		return "cmovl"
	case LIR_CMovLE:
		return "cmovle"
	case LIR_TableSwitch:
		return "tableswitch"
	case LIR_SequentialSwitch:
		return "seqswitch"
	case LIR_Membar:
		return "mfence"
	case LIR_DeoptStub:
		return "deoptstub"
	case LIR_Label:
		return "label"
	default:
		utils.Unimplement()
	}
	return ""
}

// OpcodeDescriptor statically lists an opcode's operand-role shape and
// its participation in deoptimization/control-flow, replacing the
// reflection-driven operand iteration of deep-inheritance LIR designs
// with a table-driven loop.
type OpcodeDescriptor struct {
	Op          LIROp
	ResultRole  OperandRole // role the Result operand plays, if any
	ArgRoles    []OperandRole
	HasState    bool // may carry a LIRFrameState
	CanFault    bool // may trap (div-by-zero, null deref, bounds)
	IsControl   bool // ends a block
	Commutative bool
}

var opcodeDescriptors = map[LIROp]OpcodeDescriptor{
	LIR_Add:    {Op: LIR_Add, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, Commutative: true},
	LIR_Sub:    {Op: LIR_Sub, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_Mul:    {Op: LIR_Mul, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, Commutative: true},
	LIR_Div:    {Op: LIR_Div, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, CanFault: true, HasState: true},
	LIR_Mod:    {Op: LIR_Mod, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, CanFault: true, HasState: true},
	LIR_And:    {Op: LIR_And, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, Commutative: true},
	LIR_Or:     {Op: LIR_Or, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, Commutative: true},
	LIR_Xor:    {Op: LIR_Xor, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}, Commutative: true},
	LIR_Not:    {Op: LIR_Not, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_Neg:    {Op: LIR_Neg, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_Inc:    {Op: LIR_Inc, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_Dec:    {Op: LIR_Dec, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_LShift: {Op: LIR_LShift, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_RShift: {Op: LIR_RShift, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpLE:  {Op: LIR_CmpLE, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpLT:  {Op: LIR_CmpLT, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpGE:  {Op: LIR_CmpGE, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpGT:  {Op: LIR_CmpGT, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpEQ:  {Op: LIR_CmpEQ, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CmpNE:  {Op: LIR_CmpNE, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_UComiss: {Op: LIR_UComiss, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_UComisd: {Op: LIR_UComisd, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_Mov:    {Op: LIR_Mov, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovSS:  {Op: LIR_MovSS, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovSD:  {Op: LIR_MovSD, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovSXB: {Op: LIR_MovSXB, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovSX:  {Op: LIR_MovSX, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovSXD: {Op: LIR_MovSXD, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovZXB: {Op: LIR_MovZXB, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovZX:  {Op: LIR_MovZX, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovD:   {Op: LIR_MovD, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_MovQ:   {Op: LIR_MovQ, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_Lea:    {Op: LIR_Lea, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}},
	LIR_Ret:    {Op: LIR_Ret, ArgRoles: []OperandRole{RoleUse}, IsControl: true},
	LIR_Jmp:    {Op: LIR_Jmp, IsControl: true},
	LIR_Jle:    {Op: LIR_Jle, IsControl: true},
	LIR_Jlt:    {Op: LIR_Jlt, IsControl: true},
	LIR_Jeq:    {Op: LIR_Jeq, IsControl: true},
	LIR_Jne:    {Op: LIR_Jne, IsControl: true},
	LIR_Jz:     {Op: LIR_Jz, IsControl: true},
	LIR_Jnz:    {Op: LIR_Jnz, IsControl: true},
	LIR_Jge:    {Op: LIR_Jge, IsControl: true},
	LIR_Jgt:    {Op: LIR_Jgt, IsControl: true},
	LIR_Test:   {Op: LIR_Test, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_Call:   {Op: LIR_Call, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleAlive}, HasState: true},
	LIR_CallIndirect: {Op: LIR_CallIndirect, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse}, HasState: true},
	LIR_Push:   {Op: LIR_Push, ArgRoles: []OperandRole{RoleUse}},
	LIR_Pop:    {Op: LIR_Pop, ResultRole: RoleDef},
	LIR_CmpXchg: {Op: LIR_CmpXchg, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleAlive, RoleAlive, RoleAlive}},
	LIR_Xadd:   {Op: LIR_Xadd, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleAlive, RoleUse}},
	LIR_Xchg:   {Op: LIR_Xchg, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleAlive, RoleUse}},
	LIR_CMovEQ: {Op: LIR_CMovEQ, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CMovNE: {Op: LIR_CMovNE, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CMovGT: {Op: LIR_CMovGT, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CMovGE: {Op: LIR_CMovGE, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CMovLT: {Op: LIR_CMovLT, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_CMovLE: {Op: LIR_CMovLE, ResultRole: RoleDef, ArgRoles: []OperandRole{RoleUse, RoleUse}},
	LIR_TableSwitch:      {Op: LIR_TableSwitch, ArgRoles: []OperandRole{RoleUse, RoleTemp}, IsControl: true},
	LIR_SequentialSwitch: {Op: LIR_SequentialSwitch, ArgRoles: []OperandRole{RoleUse}, IsControl: true},
	LIR_Membar: {Op: LIR_Membar},
	LIR_DeoptStub: {Op: LIR_DeoptStub, IsControl: true, HasState: true},
	LIR_Label:  {Op: LIR_Label},
}

// DescriptorOf returns the static operand-role descriptor for an
// opcode; callers must not mutate the returned value.
func DescriptorOf(op LIROp) OpcodeDescriptor {
	d, ok := opcodeDescriptors[op]
	if !ok {
		utils.ShouldNotReachHere()
	}
	return d
}

// Instruction is one LIR operation: an opcode, a result operand, and
// an ordered list of argument operands, classified by the static
// OpcodeDescriptor rather than by reflection over instruction fields.
type Instruction struct {
	Op      LIROp
	Result  IOperand
	Args    []IOperand // two-operand form
	Comment string

	Id int // even, strictly increasing in block-emission order; set by Numbering

	// FrameState is non-nil for ops whose descriptor has HasState set.
	FrameState *LIRFrameState

	// BlockId is the owning block's id, set when appended via (*LIR).emit.
	BlockId int
}

// Descriptor is a convenience accessor for this instruction's static
// operand-role shape.
func (ins *Instruction) Descriptor() OpcodeDescriptor { return DescriptorOf(ins.Op) }

// LIRFrameState is a deoptimization snapshot: enough state to rebuild
// an interpreter frame at the bytecode index it was captured at.
// Consumed at safepoints and at any op that can deoptimize.
type LIRFrameState struct {
	BytecodeIndex int
	Locals        []*Value
	Stack         []*Value
	Locks         []*Value
	Caller        *LIRFrameState
}

// ForEachValue visits every Value referenced transitively by this
// frame state, including caller frames, in a stable order.
func (fs *LIRFrameState) ForEachValue(f func(*Value)) {
	if fs == nil {
		return
	}
	for _, v := range fs.Locals {
		f(v)
	}
	for _, v := range fs.Stack {
		f(v)
	}
	for _, v := range fs.Locks {
		f(v)
	}
	fs.Caller.ForEachValue(f)
}

type LIRTypeKind int

type LIRType struct {
	Width           int // in bytes
	SinglePrecision bool
}

var LIRTypeBottom = &LIRType{-1, false}    // not even a type
var LIRTypeVoid = &LIRType{0, false}       // 0 byte, void
var LIRTypeByte = &LIRType{1, false}       // 1 byte, char, al/ah
var LIRTypeWord = &LIRType{2, false}       // 2 bytes, short, ax
var LIRTypeDWord = &LIRType{4, false}      // 4 bytes, int, eax
var LIRTypeQWord = &LIRType{8, false}      // 8 bytes, long, rax
var LIRTypeVector16S = &LIRType{16, false} // 16 bytes, single-precision float
var LIRTypeVector16D = &LIRType{16, true}  // 16 bytes, double-precision float
var LIRTypeVector32 = &LIRType{32, false}  // 32 bytes
var LIRTypeVector64 = &LIRType{64, false}  // 64 bytes

func (x *LIRType) IsValid() bool {
	return x != LIRTypeBottom
}

type IOperand interface {
	String() string
	GetType() *LIRType
}

// mangleable label name, e.g. L0, L1, L2
type Label struct {
	Name string
}

// un-mangleable symbol name, e.g. function name
type Symbol struct {
	Name string
}

// register, either physical or virtual, e.g. %rax, %rbp, v0, v1
type Register struct {
	Type     *LIRType
	Index    int
	Name     string // mnemonic name
	Virtual  bool   // virtual register, in fact almost all registers are virtual in this pass
	Affinity int
	IsHigh   bool
}

type TextKind int

const (
	TextString TextKind = iota
	TextFloat
)

// read-only section literal
type Text struct {
	Id    int
	Kind  TextKind
	Value string
}

// immediate value, e.g. mov $123, %rax => $123
type Imm struct {
	Type  *LIRType
	Value interface{}
}

// operand offset, e.g. 8(%rbp) => 8
type Offset struct {
	Value int
}

// memory address, e.g. 8(%rbp) or .quad_0(%rbp, %rax, 8)
type Addr struct {
	Type  *LIRType
	Base  Register
	Index Register
	Scale int
	Disp  IOperand // int or Symbol, e.g. 8(%rbp) or .quad_0(%rbp, %rax, 8)
}

func (x Register) GetType() *LIRType { return x.Type }

func (x Addr) GetType() *LIRType { return x.Type }

func (x Imm) GetType() *LIRType { return x.Type }

func (x Offset) GetType() *LIRType { return LIRTypeBottom }

func (x Label) GetType() *LIRType { return LIRTypeBottom }

func (x Symbol) GetType() *LIRType { return LIRTypeBottom }

func (x Text) GetType() *LIRType { return LIRTypeBottom }

// GetLIRType returns the LIRType for the given AST type
func GetLIRType(astType *ast.Type) *LIRType {
	switch {
	case astType.IsLong():
		return LIRTypeQWord
	case astType.IsInt():
		return LIRTypeDWord
	case astType.IsShort():
		return LIRTypeWord
	case astType.IsChar(), astType.IsBool(), astType.IsByte():
		return LIRTypeByte
	case astType.IsVoid():
		return LIRTypeVoid
	case astType.IsString():
		return LIRTypeQWord
	case astType.IsArray():
		return LIRTypeQWord
	case astType.IsFloat():
		return LIRTypeVector16S
	case astType.IsDouble():
		return LIRTypeVector16D
	default:
		utils.Unimplement()
	}
	return nil
}

func (x Register) String() string {
	if x.Virtual {
		return fmt.Sprintf("v%d", x.Index)
	}
	return x.Name
}

func (x Imm) String() string {
	return fmt.Sprintf("$%d", x.Value)
}

func (x Offset) String() string {
	return fmt.Sprintf("%d", x.Value)
}

func (x Addr) String() string {
	return fmt.Sprintf("%s[%s]+%v", x.Base, x.Index, x.Disp)
}

func (x Label) String() string {
	return x.Name
}

func (x Symbol) String() string {
	return x.Name
}

func (x Text) String() string {
	return x.Value
}

func getCondLirOp(ssaOp ssa.Op) LIROp {
	switch ssaOp {
	case ssa.OpCmpLE:
		return LIR_CmpLE
	case ssa.OpCmpLT:
		return LIR_CmpLT
	case ssa.OpCmpGE:
		return LIR_CmpGE
	case ssa.OpCmpGT:
		return LIR_CmpGT
	case ssa.OpCmpEQ:
		return LIR_CmpEQ
	case ssa.OpCmpNE:
		return LIR_CmpNE
	}
	utils.ShouldNotReachHere()
	return 0
}

// jumpOpForCompare maps an already-lowered LIR compare opcode to the
// conditional jump opcode that branches on its flags, so a branch can
// fuse directly onto the compare the block's control value lowered to
// without re-deriving the condition from the SSA op.
func jumpOpForCompare(op LIROp) LIROp {
	switch op {
	case LIR_CmpLE:
		return LIR_Jle
	case LIR_CmpLT:
		return LIR_Jlt
	case LIR_CmpGE:
		return LIR_Jge
	case LIR_CmpGT:
		return LIR_Jgt
	case LIR_CmpEQ:
		return LIR_Jeq
	case LIR_CmpNE:
		return LIR_Jne
	}
	utils.ShouldNotReachHere()
	return 0
}

// mirrorCondition returns the condition opcode obtained by swapping
// the two operands of a compare, per I8 (mirror invariance).
func mirrorCondition(op LIROp) LIROp {
	switch op {
	case LIR_CmpLE:
		return LIR_CmpGE
	case LIR_CmpLT:
		return LIR_CmpGT
	case LIR_CmpGE:
		return LIR_CmpLE
	case LIR_CmpGT:
		return LIR_CmpLT
	case LIR_CmpEQ:
		return LIR_CmpEQ
	case LIR_CmpNE:
		return LIR_CmpNE
	}
	utils.ShouldNotReachHere()
	return 0
}

// LIR is the per-function low-level IR: one instruction list per
// basic block, indexed by block id, plus the virtual-slot counter the
// generator threads through lowering.
type LIR struct {
	Fn           *ssa.Func
	Instructions map[int][]*Instruction // block id -> ops
	BlockOrder   []*ssa.Block           // emission order: Fn.Blocks as Number copies it
	Texts        []*Text                // read-only rodata literals
	nextVSlot    int
	MaxOpId      int

	// BlockStartId/BlockEndId bound a block's op-id range, including
	// empty blocks (start==end), for extending liveness across block
	// boundaries during Stage 2 of stack-slot allocation. Set by Number.
	BlockStartId map[int]int
	BlockEndId   map[int]int

	values        lirValueMap // ssa node -> lowered operand
	lastCompareOp LIROp       // condition of the most recently lowered compare, for branch fusing

	deoptStubSeq      int                // next id handed out by newDeoptLabel
	pendingDeoptStubs []pendingDeoptStub // guard sites collected during lowering, drained by EmitDeoptStubs
}

func (lir *LIR) NewVirtualStackSlot(k Kind) *Value {
	id := lir.nextVSlot
	lir.nextVSlot++
	return NewVirtualStackSlot(id, k)
}

func (lir *LIR) Emit(block *ssa.Block, ins *Instruction) {
	ins.BlockId = block.Id
	lir.Instructions[block.Id] = append(lir.Instructions[block.Id], ins)
}
