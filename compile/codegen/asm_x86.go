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
	"encoding/binary"
	"fmt"
	"math"

	"ember/utils"
)

// ------------------------------------------------------------------------------
// Byte-vector AMD64 assembler.
//
// The donor emitted AT&T assembly text and shelled out to gcc to turn it
// into bytes. There is no gcc downstream of this pass any more, so the
// assembler owns the byte encoding directly: it keeps one growable
// buffer per function, binds labels to buffer offsets as it encounters
// them, and records a patch site for every reference that can't be
// resolved immediately (a forward jump, a call to a host symbol, a
// load of a rodata literal). A final pass walks the patch list and
// writes the resolved rel32/disp32 once every label in the function is
// bound.
//
// This mirrors wazero's internal/asm/amd64 node design (instructions
// recorded as they're assembled, jump targets classified and backpatched
// once the full instruction stream's layout is known) without its
// variable-length re-encoding pass: every control-transfer here always
// takes the near rel32 form, so a label's final address never changes
// the size of an instruction that already encoded against it. That
// trades a handful of bytes per short branch for a single-pass
// assembler, which is the right trade for a compiler that isn't
// fighting icache pressure.

// PatchKind classifies a 4-byte field left in the buffer for the
// caller to resolve once information outside this function's own
// instruction stream is available.
type PatchKind int

const (
	// PatchForeignCall is a rel32 call operand naming a host runtime
	// symbol, resolved by the host's lookupForeignCall at install time.
	PatchForeignCall PatchKind = iota
	// PatchRodata is a RIP-relative disp32 naming a Text literal,
	// resolved once the rodata section's final address is known.
	PatchRodata
	// PatchDeoptStub is a rel32 call into an out-of-line deopt stub.
	// The emitter records none: guards reach their stubs through
	// ordinary label patches resolved by Finish (see deopt.go).
	PatchDeoptStub
)

func (k PatchKind) String() string {
	switch k {
	case PatchForeignCall:
		return "foreign-call"
	case PatchRodata:
		return "rodata"
	case PatchDeoptStub:
		return "deopt-stub"
	}
	return "unknown-patch"
}

// PatchSite is one unresolved 4-byte field in a function's code, kept
// open for the caller (the host runtime interface, for foreign calls
// and rodata) to fill in once it knows the answer.
type PatchSite struct {
	Offset int // byte offset of the 4-byte field within the function's Code
	Kind   PatchKind
	Symbol string // PatchForeignCall: callee name. PatchDeoptStub: stub label.
	TextId int    // PatchRodata: which Text literal this refers to
}

// PCFrameEntry pairs a code offset with the deopt snapshot live at that
// point, the side table §4.3 calls for so a later trap can rebuild an
// interpreter frame without re-deriving liveness from the LIR.
type PCFrameEntry struct {
	PCOffset   int
	FrameState *LIRFrameState
}

type labelPatch struct {
	offset int // where the rel32 field starts
	instrEnd int // not set by refLabel; Finish takes offset+4 as the rel32 base
	label string
}

// Assembler accumulates one function's machine code into a byte
// buffer, tracking label bindings, scratch registers for the
// mem-to-mem moves an all-stack-slot value model constantly needs, and
// the side tables the emitter hands off to the rest of the pipeline.
type Assembler struct {
	buf []byte

	labels       map[string]int // label name -> bound offset
	labelPatches []labelPatch
	patchSites   []PatchSite
	pcFrameTable []PCFrameEntry

	// scratch registers used to round-trip a memory operand through a
	// register when an instruction would otherwise need two memory
	// operands, or a register-only form (imul, shl/sar by CL). Chosen
	// from the caller-save set for the same reason the donor's
	// AT&T-text assembler picked %r10/%xmm15: nothing downstream
	// depends on their value surviving a call.
	scratchInt    [4]Register // widths 1/2/4/8 map to indices 0..3, see scratchForWidth
	scratchSingle Register
	scratchDouble Register
}

func NewAssembler() *Assembler {
	return &Assembler{
		buf:          make([]byte, 0, 256),
		labels:       make(map[string]int),
		scratchInt:   [4]Register{R10B, R10W, R10D, R10},
		scratchSingle: XMM15S,
		scratchDouble: XMM15D,
	}
}

func (a *Assembler) scratchForWidth(width int) Register {
	switch width {
	case 1:
		return a.scratchInt[0]
	case 2:
		return a.scratchInt[1]
	case 4:
		return a.scratchInt[2]
	case 8:
		return a.scratchInt[3]
	}
	utils.ShouldNotReachHere()
	return BadReg
}

// Len reports the current buffer length, i.e. the next instruction's
// PC offset within this function.
func (a *Assembler) Len() int { return len(a.buf) }

func (a *Assembler) u8(b byte)    { a.buf = append(a.buf, b) }
func (a *Assembler) u16(v uint16) { a.buf = binary.LittleEndian.AppendUint16(a.buf, v) }
func (a *Assembler) u32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }
func (a *Assembler) u64(v uint64) { a.buf = binary.LittleEndian.AppendUint64(a.buf, v) }

// BindLabel records the current offset as a label's address. Called
// once per block by the emitter, in emission order, before its
// instructions are encoded.
func (a *Assembler) BindLabel(name string) {
	a.labels[name] = a.Len()
}

// refLabel reserves a 4-byte rel32 field at the current offset and
// queues it for resolution once every label in the function is bound.
func (a *Assembler) refLabel(name string) {
	site := a.Len()
	a.u32(0)
	a.labelPatches = append(a.labelPatches, labelPatch{offset: site, label: name})
}

// recordPatch reserves a 4-byte field and leaves it for an external
// resolver (the host runtime).
func (a *Assembler) recordPatch(kind PatchKind, symbol string, textId int) {
	site := a.Len()
	a.u32(0)
	a.patchSites = append(a.patchSites, PatchSite{Offset: site, Kind: kind, Symbol: symbol, TextId: textId})
}

// recordFrameState appends a (pc, frame state) pair to the side table,
// taken at the current buffer offset, i.e. the instruction about to be
// encoded is the one the frame state belongs to.
func (a *Assembler) recordFrameState(fs *LIRFrameState) {
	if fs == nil {
		return
	}
	a.pcFrameTable = append(a.pcFrameTable, PCFrameEntry{PCOffset: a.Len(), FrameState: fs})
}

// Finish resolves every internal label patch against the labels bound
// so far and returns the accumulated code plus the side tables that
// still need outside resolution (foreign calls, rodata references).
func (a *Assembler) Finish() ([]byte, []PatchSite, []PCFrameEntry) {
	for _, p := range a.labelPatches {
		target, ok := a.labels[p.label]
		if !ok {
			err := newErr(ErrEmissionOverflow, "unresolved label %q", p.label)
			utils.Fatal("%v", err)
		}
		rel := int32(target - (p.offset + 4))
		binary.LittleEndian.PutUint32(a.buf[p.offset:], uint32(rel))
	}
	return a.buf, a.patchSites, a.pcFrameTable
}

// ------------------------------------------------------------------------------
// Register encoding. arch_x86.go's Affinity groups registers for the
// donor's caller/callee-save tables, not for ModRM/REX, so encoding
// numbers are derived here from the mnemonic name instead.

func regEncoding(name string) (byte, bool) {
	switch name {
	case "rax", "eax", "ax", "al":
		return 0, true
	case "rcx", "ecx", "cx", "cl":
		return 1, true
	case "rdx", "edx", "dx", "dl":
		return 2, true
	case "rbx", "ebx", "bx", "bl":
		return 3, true
	case "rsp", "esp", "sp", "spl":
		return 4, true
	case "rbp", "ebp", "bp", "bpl":
		return 5, true
	case "rsi", "esi", "si", "sil":
		return 6, true
	case "rdi", "edi", "di", "dil":
		return 7, true
	case "r8", "r8d", "r8w", "r8b":
		return 8, true
	case "r9", "r9d", "r9w", "r9b":
		return 9, true
	case "r10", "r10d", "r10w", "r10b":
		return 10, true
	case "r11", "r11d", "r11w", "r11b":
		return 11, true
	case "r12", "r12d", "r12w", "r12b":
		return 12, true
	case "r13", "r13d", "r13w", "r13b":
		return 13, true
	case "r14", "r14d", "r14w", "r14b":
		return 14, true
	case "r15", "r15d", "r15w", "r15b":
		return 15, true
	case "xmm0":
		return 0, true
	case "xmm1":
		return 1, true
	case "xmm2":
		return 2, true
	case "xmm3":
		return 3, true
	case "xmm4":
		return 4, true
	case "xmm5":
		return 5, true
	case "xmm6":
		return 6, true
	case "xmm7":
		return 7, true
	case "xmm8":
		return 8, true
	case "xmm9":
		return 9, true
	case "xmm10":
		return 10, true
	case "xmm11":
		return 11, true
	case "xmm12":
		return 12, true
	case "xmm13":
		return 13, true
	case "xmm14":
		return 14, true
	case "xmm15":
		return 15, true
	}
	// ah/bh/ch/dh need the legacy no-REX byte encoding, which this
	// assembler doesn't support: any REX prefix elsewhere in the
	// instruction would silently re-target sil/bpl/dil/spl instead.
	return 0, false
}

// needsByteREX reports whether referencing this byte register forces a
// REX prefix to be present (even an otherwise-empty one), because it's
// one of the four registers only reachable with REX.
func needsByteREX(name string) bool {
	switch name {
	case "sil", "dil", "bpl", "spl":
		return true
	}
	return false
}

func (a *Assembler) encReg(r Register) byte {
	idx, ok := regEncoding(r.Name)
	if !ok {
		err := newErr(ErrUnsupportedOperand, "register %s has no ModRM encoding (legacy high-byte register)", r.Name)
		utils.Fatal("%v", err)
	}
	return idx
}

// ------------------------------------------------------------------------------
// REX / ModRM / SIB

func (a *Assembler) rex(w, r, x, b bool, forced bool) {
	if !w && !r && !x && !b && !forced {
		return
	}
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	a.u8(rex)
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

func sib(scale, index, base byte) byte {
	return scale<<6 | (index&7)<<3 | (base & 7)
}

// scaleEncoding maps an element scale (1, 2, 4, 8) to the SIB scale
// field value.
func scaleEncoding(n int) byte {
	switch n {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	utils.ShouldNotReachHere()
	return 0
}

// ------------------------------------------------------------------------------
// Operand resolution. Every operand reaching the assembler is, post
// allocation (I3), one of: a physical Register, a *Value holding a
// VRegister or a resolved VStackSlot/VAddress, a constant Imm/*Value
// VConstant, or a control/data reference (Label/Symbol/Text).

type operandClass int

const (
	classReg operandClass = iota
	classMem
	classImm
)

// place is the normalized shape of one operand: either a register, a
// base(+index*scale+disp) memory reference relative to RBP, or an
// immediate.
type place struct {
	class    operandClass
	reg      Register
	base     Register // classMem
	hasIndex bool
	index    Register
	scale    int
	disp     int32
	imm      int64
	width    int
	isFloat  bool
	isDouble bool

	// ripRelative addresses a rodata literal (a Text) instead of a
	// frame slot; the displacement isn't known until the rodata
	// section is placed, so it's always a PatchRodata site rather than
	// a literal disp32.
	ripRelative bool
	textId      int
}

// resolveStackSlot is RBP-relative addressing for every VStackSlot. The
// allocator hands out offsets measured up from the bottom of the frame
// (RSP after the prologue) with AddFrameSize set; RBP sits frameSize
// bytes above that, so such a slot lives at RBP+offset-frameSize, a
// negative displacement. A slot without AddFrameSize carries its
// RBP-relative displacement as is.
func (a *Assembler) resolveStackSlot(v *Value, frameSize int) place {
	disp := v.StackOffset
	if v.AddFrameSize {
		disp -= frameSize
	}
	return place{class: classMem, base: RBP, disp: int32(disp), width: sizeOf(v.Kind.Kind), isFloat: v.Kind.Kind == KindFloat, isDouble: v.Kind.Kind == KindDouble}
}

func sizeOf(k Kind) int { return LIRTypeOf(k).Width }

// resolve normalizes any IOperand the generator or allocator produced
// into a place the encoder can consume directly.
func (a *Assembler) resolve(op IOperand, frameSize int) place {
	switch v := op.(type) {
	case *Value:
		switch v.Variant {
		case VRegister:
			return place{class: classReg, reg: v.Reg, width: sizeOf(v.Kind.Kind), isFloat: v.Kind.Kind == KindFloat, isDouble: v.Kind.Kind == KindDouble}
		case VStackSlot:
			return a.resolveStackSlot(v, frameSize)
		case VConstant:
			return place{class: classImm, imm: constantToInt64(v.ConstPayload), width: sizeOf(v.Kind.Kind)}
		case VAddress:
			p := place{class: classMem, width: sizeOf(v.Kind.Kind)}
			base := a.resolve(v.Base, frameSize)
			p.base = base.reg
			if v.Index != nil && !v.Index.IsIllegal() {
				idx := a.resolve(v.Index, frameSize)
				p.hasIndex = true
				p.index = idx.reg
				p.scale = v.Scale
			}
			if off, ok := v.Displacement.(Offset); ok {
				p.disp = int32(off.Value)
			}
			return p
		case VVirtualStackSlot:
			err := newErr(ErrPreconditionViolation, "unresolved virtual stack slot v%d reached the assembler", v.VirtualId)
			utils.Fatal("%v", err)
		case VIllegal:
			return place{class: classReg, reg: NoReg}
		}
	case Register:
		return place{class: classReg, reg: v, width: sizeOf(KindOfWidth(v.Type))}
	case Imm:
		return place{class: classImm, imm: constantToInt64(v.Value), width: v.Type.Width}
	case Offset:
		return place{class: classImm, imm: int64(v.Value), width: 4}
	case *Text:
		return place{class: classMem, ripRelative: true, textId: v.Id, width: 8}
	case Text:
		return place{class: classMem, ripRelative: true, textId: v.Id, width: 8}
	}
	err := newErr(ErrUnsupportedOperand, "operand %v (%T) has no AMD64 encoding", op, op)
	utils.Fatal("%v", err)
	return place{}
}

// KindOfWidth recovers a Kind from a raw LIRType for the legacy
// concrete Register operands still used for ABI-fixed registers
// (argument/return registers, %cl shift counts); only width and
// float-ness matter to the encoder for those.
func KindOfWidth(t *LIRType) Kind {
	switch t {
	case LIRTypeByte:
		return KindByte
	case LIRTypeWord:
		return KindShort
	case LIRTypeDWord:
		return KindInt
	case LIRTypeQWord:
		return KindLong
	case LIRTypeVector16S:
		return KindFloat
	case LIRTypeVector16D:
		return KindDouble
	}
	return KindIllegal
}

func constantToInt64(payload interface{}) int64 {
	switch v := payload.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	case float32:
		return int64(math.Float32bits(v))
	case float64:
		return int64(math.Float64bits(v))
	}
	utils.ShouldNotReachHere()
	return 0
}

// ------------------------------------------------------------------------------
// ModRM/SIB emission for a register/memory place against a given
// ModRM.reg field (either a second register operand's encoding, or an
// opcode-extension digit for single-operand group instructions).

func (a *Assembler) emitModRM(p place, regField byte) {
	switch p.class {
	case classReg:
		a.u8(modrm(3, regField, a.encReg(p.reg)))
	case classMem:
		if p.ripRelative {
			// mod=00, rm=101 is the RIP-relative addressing form; the
			// disp32 that follows isn't known until the rodata section
			// is placed, so it's a patch site rather than a literal.
			a.u8(modrm(0, regField, 5))
			a.recordPatch(PatchRodata, "", p.textId)
			return
		}
		baseIdx := a.encReg(p.base)
		needSIB := p.hasIndex || baseIdx&7 == 4 // rsp/r12 as base always needs a SIB byte
		mod := byte(1)
		if p.disp == 0 && baseIdx&7 != 5 {
			mod = 0
		} else if p.disp < -128 || p.disp > 127 {
			mod = 2
		}
		if needSIB {
			a.u8(modrm(mod, regField, 4))
			if p.hasIndex {
				a.u8(sib(scaleEncoding(p.scale), a.encReg(p.index), baseIdx))
			} else {
				a.u8(sib(0, 4 /*no index*/, baseIdx))
			}
		} else {
			a.u8(modrm(mod, regField, baseIdx))
		}
		switch mod {
		case 0:
			if baseIdx&7 == 5 {
				a.u32(uint32(p.disp))
			}
		case 1:
			a.u8(byte(int8(p.disp)))
		case 2:
			a.u32(uint32(p.disp))
		}
	default:
		utils.ShouldNotReachHere()
	}
}

// rexBitsFor reports the REX.X/B bits a place's encoding requires when
// it is the ModRM r/m operand.
func rexBitsFor(p place) (x, b bool) {
	switch p.class {
	case classMem:
		if p.hasIndex {
			x = p.index.Affinity >= 8 && p.index != NoReg
		}
		b = regIsExtended(p.base)
	case classReg:
		b = regIsExtended(p.reg)
	}
	return
}

func regIsExtended(r Register) bool {
	idx, ok := regEncoding(r.Name)
	return ok && idx >= 8
}

// ------------------------------------------------------------------------------
// Scratch-register mediation. x86 allows at most one memory operand;
// the stack-slot-only value model routinely produces instructions
// whose two logical operands are both frame slots, so the assembler
// loads one side through a scratch register first, exactly like the
// donor's loadToScratchReg did at the text level.

func (a *Assembler) intoScratch(p place) place {
	if p.class != classMem {
		return p
	}
	scratch := a.scratchForWidth(p.width)
	a.movRegMem(scratch, p)
	return place{class: classReg, reg: scratch, width: p.width}
}

func (a *Assembler) floatScratch(p place) place {
	if p.class != classMem {
		return p
	}
	reg := a.scratchSingle
	if p.isDouble {
		reg = a.scratchDouble
	}
	a.movSSESD(reg, p, p.isDouble, true /*load*/)
	return place{class: classReg, reg: reg, width: p.width, isFloat: p.isFloat, isDouble: p.isDouble}
}

// movRegMem is the plain "mov reg, mem" / "mov mem, reg" used to feed
// the scratch-register dance; direction is fixed (load mem into reg)
// since that's the only direction the scratch helpers need.
func (a *Assembler) movRegMem(reg Register, mem place) {
	w := mem.width == 8
	x, b := rexBitsFor(mem)
	a.rex(w, regIsExtended(reg), x, b, mem.width == 1 && needsByteREX(reg.Name))
	op := byte(0x8B) // mov reg, r/m
	if mem.width == 1 {
		op = 0x8A
	}
	if mem.width == 2 {
		a.insertPrefix16()
	}
	a.u8(op)
	a.emitModRM(mem, a.encReg(reg))
}

// insertPrefix16 emits the mandatory 0x66 operand-size override;
// called before the opcode byte for every 16-bit integer operation.
func (a *Assembler) insertPrefix16() { a.u8(0x66) }

// ------------------------------------------------------------------------------
// mov / lea

func (a *Assembler) encodeMov(dst, src place) {
	if dst.class == classMem && src.class == classMem {
		src = a.intoScratch(src)
	}
	switch {
	case src.class == classImm && dst.width == 8 && (src.imm < math.MinInt32 || src.imm > math.MaxInt32) && dst.class == classReg:
		// movabs: B8+rd, imm64 — only form that can hold a full 64-bit
		// immediate; used only when the value doesn't fit a sign
		// extended imm32 (the common case goes through C7 /0 below).
		a.rex(true, false, false, regIsExtended(dst.reg), false)
		a.u8(0xB8 + a.encReg(dst.reg)&7)
		a.u64(uint64(src.imm))
	case src.class == classImm && dst.width == 8 && (src.imm < math.MinInt32 || src.imm > math.MaxInt32):
		// C7 /0 r/m64, imm32 only ever sign-extends a 32-bit field, so a
		// non-fitting 64-bit immediate into a memory destination can't
		// go straight to C7 the way the register case's movabs can —
		// materialize it into the scratch register first and store that,
		// same mediation intoScratch already applies to mem-mem moves.
		scratch := a.scratchForWidth(8)
		a.encodeMov(place{class: classReg, reg: scratch, width: 8}, src)
		a.encodeMov(dst, place{class: classReg, reg: scratch, width: 8})
	case src.class == classImm:
		// C7 /0 r/m, imm32 (sign-extended for 64-bit r/m); works
		// uniformly whether the destination is a register or a stack
		// slot, so memory destinations don't need a movabs special case.
		w := dst.width == 8
		x, b := rexBitsFor(dst)
		a.rex(w, false, x, b, dst.width == 1 && dst.class == classReg && needsByteREX(dst.reg.Name))
		if dst.width == 2 {
			a.insertPrefix16()
		}
		op := byte(0xC7)
		if dst.width == 1 {
			op = 0xC6
		}
		a.u8(op)
		a.emitModRM(dst, 0)
		a.emitImm(src.imm, dst.width)
	case dst.class == classMem:
		// mov r/m, reg (0x89/0x88): dst is the r/m operand.
		w := dst.width == 8
		x, b := rexBitsFor(dst)
		a.rex(w, regIsExtended(src.reg), x, b, dst.width == 1 && needsByteREX(src.reg.Name))
		if dst.width == 2 {
			a.insertPrefix16()
		}
		op := byte(0x89)
		if dst.width == 1 {
			op = 0x88
		}
		a.u8(op)
		a.emitModRM(dst, a.encReg(src.reg))
	default:
		// mov reg, r/m (0x8B/0x8A): dst is a register, src is the r/m.
		w := dst.width == 8
		x, b := rexBitsFor(src)
		a.rex(w, regIsExtended(dst.reg), x, b, dst.width == 1 && (needsByteREX(dst.reg.Name) || (src.class == classReg && needsByteREX(src.reg.Name))))
		if dst.width == 2 {
			a.insertPrefix16()
		}
		op := byte(0x8B)
		if dst.width == 1 {
			op = 0x8A
		}
		a.u8(op)
		a.emitModRM(src, a.encReg(dst.reg))
	}
}

func (a *Assembler) emitImm(v int64, width int) {
	switch width {
	case 1:
		a.u8(byte(v))
	case 2:
		a.u16(uint16(v))
	default:
		a.u32(uint32(v))
	}
}

// encodeLea emits "lea dst, [src]"; src must already be a memory place.
func (a *Assembler) encodeLea(dst, src place) {
	w := dst.width == 8
	x, b := rexBitsFor(src)
	a.rex(w, regIsExtended(dst.reg), x, b, false)
	a.u8(0x8D)
	a.emitModRM(src, a.encReg(dst.reg))
}

// ------------------------------------------------------------------------------
// Group-1 ALU ops (add/or/and/sub/xor/cmp) and test share one encoding
// shape: an opcode-extension digit for the immediate form, and a
// direction bit choice for the register forms.

type aluShape struct {
	ext      byte // ModRM.reg extension for the r/m,imm forms (80/81/83)
	rmFromReg byte // op r/m, reg (e.g. 0x01 for add)
	regFromRm byte // op reg, r/m (e.g. 0x03 for add)
}

var aluShapes = map[LIROp]aluShape{
	LIR_Add: {0, 0x01, 0x03},
	LIR_Or:  {1, 0x09, 0x0B},
	LIR_And: {4, 0x21, 0x23},
	LIR_Sub: {5, 0x29, 0x2B},
	LIR_Xor: {6, 0x31, 0x33},
}

// cmpShape is shared by every LIR_CmpXX condition: the condition only
// selects the Jcc/SETcc/CMOVcc emitted afterward, never the compare's
// own bytes.
var cmpShape = aluShape{7, 0x39, 0x3B}

func (a *Assembler) encodeALU(shape aluShape, dst, src place) {
	if dst.class == classMem && src.class == classMem {
		src = a.intoScratch(src)
	}
	switch {
	case src.class == classImm && dst.width == 8 && (src.imm < math.MinInt32 || src.imm > math.MaxInt32):
		// Group-1's imm forms (80/81/83) only ever carry an imm8 or
		// imm32 (sign-extended to 64 for the r/m64 forms); a constant
		// that doesn't fit imm32 has no ALU-immediate encoding at all
		// and must be materialized into the scratch register first,
		// same policy encodeMov applies to an out-of-range mov-to-memory.
		scratch := a.scratchForWidth(8)
		a.encodeMov(place{class: classReg, reg: scratch, width: 8}, src)
		a.encodeALU(shape, dst, place{class: classReg, reg: scratch, width: 8})
	case src.class == classImm:
		w := dst.width == 8
		x, b := rexBitsFor(dst)
		a.rex(w, false, x, b, false)
		if dst.width == 2 {
			a.insertPrefix16()
		}
		if dst.width == 1 {
			a.u8(0x80)
		} else if src.imm >= -128 && src.imm <= 127 {
			a.u8(0x83)
		} else {
			a.u8(0x81)
		}
		a.emitModRM(dst, shape.ext)
		if dst.width == 1 {
			a.emitImm(src.imm, 1)
		} else if src.imm >= -128 && src.imm <= 127 && dst.width != 1 {
			a.emitImm(src.imm, 1)
		} else {
			a.emitImm(src.imm, dst.width)
		}
	case dst.class == classMem:
		w := dst.width == 8
		x, b := rexBitsFor(dst)
		a.rex(w, regIsExtended(src.reg), x, b, false)
		if dst.width == 2 {
			a.insertPrefix16()
		}
		a.u8(shape.rmFromReg)
		a.emitModRM(dst, a.encReg(src.reg))
	default:
		w := dst.width == 8
		x, b := rexBitsFor(src)
		a.rex(w, regIsExtended(dst.reg), x, b, false)
		if dst.width == 2 {
			a.insertPrefix16()
		}
		a.u8(shape.regFromRm)
		a.emitModRM(src, a.encReg(dst.reg))
	}
}

// encodeTest emits "test dst, src" (non-destructive AND, flags only).
func (a *Assembler) encodeTest(dst, src place) {
	if dst.class == classMem && src.class == classMem {
		src = a.intoScratch(src)
	}
	if src.class == classImm {
		w := dst.width == 8
		x, b := rexBitsFor(dst)
		a.rex(w, false, x, b, false)
		if dst.width == 2 {
			a.insertPrefix16()
		}
		op := byte(0xF7)
		if dst.width == 1 {
			op = 0xF6
		}
		a.u8(op)
		a.emitModRM(dst, 0)
		a.emitImm(src.imm, dst.width)
		return
	}
	// test r/m, reg — whichever side is memory is the r/m operand.
	rm, reg := dst, src
	if src.class == classMem {
		rm, reg = src, dst
	}
	w := rm.width == 8
	x, b := rexBitsFor(rm)
	a.rex(w, regIsExtended(reg.reg), x, b, false)
	if rm.width == 2 {
		a.insertPrefix16()
	}
	op := byte(0x85)
	if rm.width == 1 {
		op = 0x84
	}
	a.u8(op)
	a.emitModRM(rm, a.encReg(reg.reg))
}

// ------------------------------------------------------------------------------
// Unary group (not/neg/inc/dec): F7/FF with an opcode-extension digit,
// single r/m operand that is also the implicit destination.

func (a *Assembler) encodeUnary(ext byte, useFFGroup bool, dst place) {
	w := dst.width == 8
	x, b := rexBitsFor(dst)
	a.rex(w, false, x, b, false)
	if dst.width == 2 {
		a.insertPrefix16()
	}
	var op byte
	if useFFGroup {
		op = 0xFF
		if dst.width == 1 {
			op = 0xFE
		}
	} else {
		op = 0xF7
		if dst.width == 1 {
			op = 0xF6
		}
	}
	a.u8(op)
	a.emitModRM(dst, ext)
}

// ------------------------------------------------------------------------------
// Shifts: C1/D3 with ModRM.reg as the shift opcode extension
// (4 = shl, 7 = sar); count is either an imm8 or %cl.

func (a *Assembler) encodeShift(ext byte, dst, count place) {
	w := dst.width == 8
	x, b := rexBitsFor(dst)
	a.rex(w, false, x, b, false)
	if dst.width == 2 {
		a.insertPrefix16()
	}
	if count.class == classImm {
		a.u8(0xC1)
		a.emitModRM(dst, ext)
		a.u8(byte(count.imm))
		return
	}
	// variable count must already be in %cl by calling convention of
	// this lowering; the generator is responsible for moving it there.
	a.u8(0xD3)
	a.emitModRM(dst, ext)
}

// ------------------------------------------------------------------------------
// Multiply / divide. imul is the only destructive two-operand integer
// op whose register form requires the destination to actually be a
// register (0F AF reg, r/m), so a memory destination round-trips
// through scratch both ways.

func (a *Assembler) encodeIMul(dst, src place) place {
	d := a.intoScratch(dst)
	s := src
	if s.class == classMem && d.class == classMem {
		s = a.intoScratch(s)
	}
	w := d.width == 8
	x, b := rexBitsFor(s)
	a.rex(w, regIsExtended(d.reg), x, b, false)
	a.u8(0x0F)
	a.u8(0xAF)
	a.emitModRM(s, a.encReg(d.reg))
	if dst.class == classMem {
		a.encodeMov(dst, d)
	}
	return d
}

// encodeIMulImm is IMUL reg, r/m, imm{8,32} (0x6B/0x69 /r): the one
// three-operand integer form on AMD64, so unlike encodeIMul it never
// needs to round-trip rm through a register first — only the result
// does, when dst is a stack slot rather than a real register.
func (a *Assembler) encodeIMulImm(dst, rm, imm place) {
	reg := a.scratchForWidth(dst.width)
	w := dst.width == 8
	x, b := rexBitsFor(rm)
	a.rex(w, regIsExtended(reg), x, b, false)
	short := imm.imm >= -128 && imm.imm <= 127
	if short {
		a.u8(0x6B)
	} else {
		a.u8(0x69)
	}
	a.emitModRM(rm, a.encReg(reg))
	if short {
		a.emitImm(imm.imm, 1)
	} else {
		a.emitImm(imm.imm, dst.width)
	}
	a.encodeMov(dst, place{class: classReg, reg: reg, width: dst.width})
}

// encodeDiv emits the sign-extend-then-idiv sequence: cwd/cdq/cqo
// widens %ax/%eax/%rax into %dx:%ax etc, then idiv r/m divides that by
// the operand, leaving quotient in %rax and remainder in %rdx (aliased
// at narrower widths). The caller (Mod vs Div) picks which half it
// reads afterward.
func (a *Assembler) encodeDiv(src place) {
	switch src.width {
	case 2:
		a.insertPrefix16()
		a.u8(0x99) // cwd
	case 4:
		a.u8(0x99) // cdq
	case 8:
		a.rex(true, false, false, false, false)
		a.u8(0x99) // cqo
	default:
		utils.Unimplement()
	}
	s := src
	w := s.width == 8
	x, b := rexBitsFor(s)
	a.rex(w, false, x, b, false)
	if s.width == 2 {
		a.insertPrefix16()
	}
	op := byte(0xF7)
	if s.width == 1 {
		op = 0xF6
	}
	a.u8(op)
	a.emitModRM(s, 7) // /7 = idiv
}

// ------------------------------------------------------------------------------
// Control transfer. Every jump/call here takes the near rel32 form so
// the assembler never needs to re-encode an instruction once it learns
// a label's final address (see the package doc comment).

func (a *Assembler) encodeJmp(label string) {
	a.u8(0xE9)
	a.refLabel(label)
}

var jccCode = map[LIROp]byte{
	LIR_Jeq: 0x84, LIR_Jz: 0x84,
	LIR_Jne: 0x85, LIR_Jnz: 0x85,
	LIR_Jlt: 0x8C,
	LIR_Jle: 0x8E,
	LIR_Jgt: 0x8F,
	LIR_Jge: 0x8D,
}

func (a *Assembler) encodeJcc(op LIROp, label string) {
	code, ok := jccCode[op]
	if !ok {
		utils.ShouldNotReachHere()
	}
	a.u8(0x0F)
	a.u8(code)
	a.refLabel(label)
}

// encodeCallSymbol emits a direct near call to a host-resolved symbol,
// leaving a foreign-call patch site the host runtime's
// lookupForeignCall fills in at install time.
func (a *Assembler) encodeCallSymbol(name string) {
	a.u8(0xE8)
	a.recordPatch(PatchForeignCall, name, 0)
}

// encodeCallLabel emits a direct near call to a label bound within
// this same function's body. Nothing in the emitter calls it; deopt
// stubs are reached by a conditional jump, not a call.
func (a *Assembler) encodeCallLabel(label string) {
	a.u8(0xE8)
	a.refLabel(label)
}

func (a *Assembler) encodeRet() { a.u8(0xC3) }

func (a *Assembler) encodePush(p place) {
	if p.class == classReg {
		a.rex(false, false, false, regIsExtended(p.reg), false)
		a.u8(0x50 + a.encReg(p.reg)&7)
		return
	}
	x, b := rexBitsFor(p)
	a.rex(false, false, x, b, false)
	a.u8(0xFF)
	a.emitModRM(p, 6)
}

func (a *Assembler) encodePop(p place) {
	if p.class == classReg {
		a.rex(false, false, false, regIsExtended(p.reg), false)
		a.u8(0x58 + a.encReg(p.reg)&7)
		return
	}
	x, b := rexBitsFor(p)
	a.rex(false, false, x, b, false)
	a.u8(0x8F)
	a.emitModRM(p, 0)
}

// ------------------------------------------------------------------------------
// cmovcc: the boolean-materialization and branch-fusion counterpart of
// a compare, selected by condition. There's deliberately no setcc
// table here — the generator's condMovOp always materializes a
// compare's 0/1 result through CMov (see lower_x86.go), never through
// Test+Setcc, so an unused opcode table would just be dead weight.

var cmovCode = map[LIROp]byte{
	LIR_CMovEQ: 0x44, LIR_CMovNE: 0x45, LIR_CMovGT: 0x4F,
	LIR_CMovGE: 0x4D, LIR_CMovLT: 0x4C, LIR_CMovLE: 0x4E,
}

func (a *Assembler) encodeCMov(op LIROp, dst, src place) {
	code, ok := cmovCode[op]
	if !ok {
		utils.ShouldNotReachHere()
	}
	if dst.class == classMem {
		// CMOVcc's reg operand is always the destination — a stack-
		// slot dst has to round-trip through the scratch register: load
		// dst's current (pre-initialized "false") value there, let the
		// conditional move overwrite it in place, then store it back.
		reg := a.scratchForWidth(dst.width)
		a.movRegMem(reg, dst)
		regDst := place{class: classReg, reg: reg, width: dst.width}
		a.emitCMovRegRM(code, regDst, src)
		a.encodeMov(dst, regDst)
		return
	}
	a.emitCMovRegRM(code, dst, src)
}

func (a *Assembler) emitCMovRegRM(code byte, dst, src place) {
	w := dst.width == 8
	x, b := rexBitsFor(src)
	a.rex(w, regIsExtended(dst.reg), x, b, false)
	a.u8(0x0F)
	a.u8(code)
	a.emitModRM(src, a.encReg(dst.reg))
}

// ------------------------------------------------------------------------------
// Move with sign/zero extend; the r/m operand's width comes from the
// source Kind (narrower), the reg operand's width from the destination
// Kind (wider) — the two places passed in already carry their own
// widths from resolve(), so only the opcode changes.

func (a *Assembler) encodeMovx(signExtend bool, dst, src place) {
	s := src
	w := dst.width == 8
	x, b := rexBitsFor(s)
	a.rex(w, regIsExtended(dst.reg), x, b, false)
	if src.width == 4 {
		// movsxd (no zero-extend counterpart needed: a plain 32-bit
		// mov already zero-extends into the 64-bit register).
		a.u8(0x63)
		a.emitModRM(s, a.encReg(dst.reg))
		return
	}
	a.u8(0x0F)
	base := byte(0xB6) // movzx
	if signExtend {
		base = 0xBE // movsx
	}
	if src.width == 2 {
		base++
	}
	a.u8(base)
	a.emitModRM(s, a.encReg(dst.reg))
}

// ------------------------------------------------------------------------------
// Scalar SSE: movss/movsd (load direction 0x10, store direction 0x11,
// chosen by movSSESD's load flag) and the
// ucomiss/ucomisd compares float lowering routes through instead of
// the integer cmp family.

func (a *Assembler) movSSESD(dst Register, src place, double bool, load bool) {
	if double {
		a.u8(0xF2)
	} else {
		a.u8(0xF3)
	}
	x, b := rexBitsFor(src)
	a.rex(false, regIsExtended(dst), x, b, false)
	a.u8(0x0F)
	if load {
		a.u8(0x10)
	} else {
		a.u8(0x11)
	}
	a.emitModRM(src, a.encReg(dst))
}

func (a *Assembler) encodeMovScalar(double bool, dst, src place) {
	if dst.class == classReg {
		s := src
		if s.class == classMem {
			a.movSSESD(dst.reg, s, double, true)
			return
		}
		// reg<-reg
		a.movSSESD(dst.reg, place{class: classReg, reg: s.reg}, double, true)
		return
	}
	// store: dst is memory, src must be a register (load it through
	// the float scratch otherwise).
	s := src
	if s.class != classReg {
		s = a.floatScratch(s)
	}
	a.movSSESD(s.reg, dst, double, false)
}

func (a *Assembler) encodeUComi(double bool, a1, a2 place) {
	if a1.class == classMem && a2.class == classMem {
		a2 = a.floatScratch(a2)
	}
	reg, rm := a1, a2
	if a1.class != classReg {
		reg, rm = a2, a1
	}
	if double {
		a.insertPrefix16()
	}
	x, b := rexBitsFor(rm)
	a.rex(false, regIsExtended(reg.reg), x, b, false)
	a.u8(0x0F)
	a.u8(0x2E)
	a.emitModRM(rm, a.encReg(reg.reg))
}

// ------------------------------------------------------------------------------
// Atomics. cmpxchg/xadd/xchg all take an implicit or explicit
// accumulator; the generator is expected to have already moved the
// expected/old value into the instruction's first argument register
// before emitting LIR_CmpXchg, matching §4.1's contract that atomics
// see their operands pre-positioned for the ISA's implicit-register
// quirks (just as div/mod pre-position %rax/%rdx).

func (a *Assembler) encodeCmpXchg(target, newVal place) {
	w := target.width == 8
	x, b := rexBitsFor(target)
	a.rex(w, regIsExtended(newVal.reg), x, b, false)
	a.u8(0x0F)
	op := byte(0xB1)
	if target.width == 1 {
		op = 0xB0
	}
	a.u8(op)
	a.emitModRM(target, a.encReg(newVal.reg))
}

func (a *Assembler) encodeXadd(target, addend place) {
	w := target.width == 8
	x, b := rexBitsFor(target)
	a.rex(w, regIsExtended(addend.reg), x, b, false)
	a.u8(0x0F)
	op := byte(0xC1)
	if target.width == 1 {
		op = 0xC0
	}
	a.u8(op)
	a.emitModRM(target, a.encReg(addend.reg))
}

func (a *Assembler) encodeXchg(dst, src place) {
	rm, reg := dst, src
	if dst.class != classMem && src.class == classMem {
		rm, reg = src, dst
	}
	w := rm.width == 8
	x, b := rexBitsFor(rm)
	a.rex(w, regIsExtended(reg.reg), x, b, false)
	op := byte(0x87)
	if rm.width == 1 {
		op = 0x86
	}
	a.u8(op)
	a.emitModRM(rm, a.encReg(reg.reg))
}

func (a *Assembler) encodeMfence() {
	a.u8(0x0F)
	a.u8(0xAE)
	a.u8(0xF0)
}

// ------------------------------------------------------------------------------
// Emit dispatches one LIR instruction to its byte encoding. Operands
// have already been through Stage 4's rewrite (I3): no
// VVirtualStackSlot may appear here.
func (a *Assembler) Emit(ins *Instruction, frameSize int, labelOf func(blockId int) string) {
	if ins.Descriptor().HasState {
		a.recordFrameState(ins.FrameState)
	}
	switch ins.Op {
	case LIR_Label:
		return
	case LIR_Mov, LIR_MovD, LIR_MovQ:
		if ins.Result == nil || ins.Result == IOperand(NoReg) {
			return
		}
		dst := a.resolve(ins.Result, frameSize)
		src := a.resolve(ins.Args[0], frameSize)
		a.encodeMov(dst, src)
	case LIR_MovSS:
		a.encodeMovScalar(false, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_MovSD:
		a.encodeMovScalar(true, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_MovSXB, LIR_MovSX, LIR_MovSXD:
		a.encodeMovx(true, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_MovZXB, LIR_MovZX:
		a.encodeMovx(false, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_Lea:
		a.encodeLea(a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_Add, LIR_Or, LIR_And, LIR_Sub, LIR_Xor:
		// Destructive two-operand form: the generator always makes
		// Result double as the left-hand operand (a prior Mov already
		// copied it there), so the only explicit Arg is the right-hand
		// side.
		dst := a.resolve(ins.Result, frameSize)
		src := a.resolve(ins.Args[0], frameSize)
		a.encodeALU(aluShapes[ins.Op], dst, src)
	case LIR_CmpLE, LIR_CmpLT, LIR_CmpGE, LIR_CmpGT, LIR_CmpEQ, LIR_CmpNE:
		// The generator parks the left operand in Result (it never
		// materializes a destination for a bare compare) and leaves only
		// the right-hand side in Args, mirroring the Add/Sub family.
		a.encodeALU(cmpShape, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_UComiss:
		a.encodeUComi(false, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_UComisd:
		a.encodeUComi(true, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_Test:
		a.encodeTest(a.resolve(ins.Args[0], frameSize), a.resolve(ins.Args[1], frameSize))
	case LIR_Not:
		a.encodeUnary(2, false, a.resolve(ins.Args[0], frameSize))
	case LIR_Neg:
		a.encodeUnary(3, false, a.resolve(ins.Args[0], frameSize))
	case LIR_Inc:
		a.encodeUnary(0, true, a.resolve(ins.Args[0], frameSize))
	case LIR_Dec:
		a.encodeUnary(1, true, a.resolve(ins.Args[0], frameSize))
	case LIR_LShift:
		// Same destructive shape as the ALU ops above: Result is both
		// the shifted operand and the destination.
		a.encodeShift(4, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_RShift:
		a.encodeShift(7, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_Mul:
		dst := a.resolve(ins.Result, frameSize)
		if len(ins.Args) == 2 {
			// Three-operand immediate form: Result = Args[0] * Args[1](imm).
			a.encodeIMulImm(dst, a.resolve(ins.Args[0], frameSize), a.resolve(ins.Args[1], frameSize))
		} else {
			// Destructive two-operand form, same Result-doubles-as-lhs shape.
			a.encodeIMul(dst, a.resolve(ins.Args[0], frameSize))
		}
	case LIR_Div, LIR_Mod:
		a.encodeDiv(a.resolve(ins.Args[0], frameSize))
	case LIR_CMovEQ, LIR_CMovNE, LIR_CMovGT, LIR_CMovGE, LIR_CMovLT, LIR_CMovLE:
		a.encodeCMov(ins.Op, a.resolve(ins.Result, frameSize), a.resolve(ins.Args[0], frameSize))
	case LIR_Jmp:
		a.encodeJmp(labelNameOf(ins.Result))
	case LIR_Jle, LIR_Jlt, LIR_Jge, LIR_Jgt, LIR_Jeq, LIR_Jne, LIR_Jz, LIR_Jnz:
		a.encodeJcc(ins.Op, labelNameOf(ins.Result))
	case LIR_Ret:
		return // epilogue (incl. ret) is emitted once by the caller
	case LIR_Call, LIR_CallIndirect:
		a.encodeCallSymbol(ins.Args[0].(Symbol).Name)
	case LIR_Push:
		a.encodePush(a.resolve(ins.Args[0], frameSize))
	case LIR_Pop:
		a.encodePop(a.resolve(ins.Result, frameSize))
	case LIR_CmpXchg:
		// Constructed as Result=rax, Args=[addr, rax, newVal]: the
		// compare target is the address, not the accumulator itself.
		a.encodeCmpXchg(a.resolve(ins.Args[0], frameSize), a.resolve(ins.Args[2], frameSize))
	case LIR_Xadd:
		a.encodeXadd(a.resolve(ins.Args[0], frameSize), a.resolve(ins.Args[1], frameSize))
	case LIR_Xchg:
		a.encodeXchg(a.resolve(ins.Args[0], frameSize), a.resolve(ins.Args[1], frameSize))
	case LIR_Membar:
		a.encodeMfence()
	case LIR_DeoptStub:
		// Encodes nothing: deopt.go's EmitDeoptStubs binds each stub's
		// label after the main body, and the guard's Jz reaches it.
		return
	case LIR_TableSwitch, LIR_SequentialSwitch:
		// The LIR carries only the switch key, not a per-case target
		// list (that lives on the owning ssa.Block's successors), so
		// the byte-level jump table can't be legally materialized from
		// an Instruction alone. Left unimplemented rather than
		// guessed, same as the donor's own unhandled-case policy.
		utils.Unimplement()
	default:
		utils.Unimplement()
	}
}

func labelNameOf(op IOperand) string {
	if l, ok := op.(*Label); ok {
		return l.Name
	}
	if l, ok := op.(Label); ok {
		return l.Name
	}
	utils.ShouldNotReachHere()
	return ""
}
