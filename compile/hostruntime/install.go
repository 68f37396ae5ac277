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
package hostruntime

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"ember/compile/codegen"
)

// SymbolResolver answers "where does this foreign call symbol live" —
// the one piece installCode cannot know on its own, since address
// space layout belongs to whatever embeds this core (a real JIT
// runtime's loader, or a test harness pretending to be one).
type SymbolResolver func(name string) (uintptr, error)

// InstalledCode is a compiled function after every patch site has been
// resolved against real addresses: ready, in principle, for the
// embedding host to copy into executable memory (the actual mmap/
// mprotect dance is the surrounding driver's job per spec.md §6 — this
// package only ever produces the final byte image and its metadata).
type InstalledCode struct {
	Name              string
	Code              []byte
	CodeBase          uintptr
	Rodata            []byte
	RodataBase        uintptr
	FrameSize         int
	PCFrameTable      []codegen.PCFrameEntry
	ExceptionHandlers []codegen.ExceptionRange
	DeoptStubs        []codegen.DeoptStub
}

// InstallCode resolves every patch site in fn against codeBase/
// rodataBase and resolve, and returns the final, self-contained byte
// image. Patch sites are always a 4-byte rel32 (calls) or disp32
// (RIP-relative rodata loads) field, matching the Assembler's own
// "always near" encoding choice (compile/codegen/asm_x86.go's package
// doc comment) — there is exactly one patch width to handle, not a
// family of relocation kinds.
func InstallCode(fn *codegen.CompiledFunction, codeBase, rodataBase uintptr, resolve SymbolResolver) (*InstalledCode, error) {
	code := make([]byte, len(fn.Code))
	copy(code, fn.Code)

	for _, site := range fn.PatchSites {
		switch site.Kind {
		case codegen.PatchForeignCall:
			addr, err := resolve(site.Symbol)
			if err != nil {
				return nil, err
			}
			patchRel32(code, site.Offset, codeBase, addr)
		case codegen.PatchDeoptStub:
			stubPC, err := stubPCByLabel(fn.DeoptStubs, site.Symbol)
			if err != nil {
				return nil, err
			}
			patchRel32(code, site.Offset, codeBase, codeBase+uintptr(stubPC))
		case codegen.PatchRodata:
			off, ok := fn.RodataOffsets[site.TextId]
			if !ok {
				return nil, errHostRejectedf("no rodata offset recorded for text id %d", site.TextId)
			}
			patchDisp32(code, site.Offset, codeBase, rodataBase+uintptr(off))
		}
	}

	logrus.WithFields(logrus.Fields{
		"func": fn.Name, "patches": len(fn.PatchSites), "codeBase": codeBase, "rodataBase": rodataBase,
	}).Debug("installed compiled function")

	return &InstalledCode{
		Name:              fn.Name,
		Code:              code,
		CodeBase:          codeBase,
		Rodata:            fn.Rodata,
		RodataBase:        rodataBase,
		FrameSize:         fn.FrameSize,
		PCFrameTable:      fn.PCFrameTable,
		ExceptionHandlers: fn.ExceptionHandlers,
		DeoptStubs:        fn.DeoptStubs,
	}, nil
}

func stubPCByLabel(stubs []codegen.DeoptStub, label string) (int, error) {
	for _, s := range stubs {
		if s.Label == label {
			return s.PCOffset, nil
		}
	}
	return 0, errHostRejectedf("no deopt stub bound for label %q", label)
}

// patchRel32 writes a call/jmp operand's signed displacement relative
// to the instruction's own end (the patch site's 4-byte field sits
// immediately before that end, so target-(codeBase+offset+4) is the
// same arithmetic Assembler.Finish already applies to internal labels).
func patchRel32(code []byte, offset int, codeBase uintptr, target uintptr) {
	rel := int32(int64(target) - int64(codeBase) - int64(offset) - 4)
	binary.LittleEndian.PutUint32(code[offset:], uint32(rel))
}

// patchDisp32 is rel32's RIP-relative counterpart for a memory operand
// rather than a control transfer; same base arithmetic, different
// semantic field.
func patchDisp32(code []byte, offset int, codeBase uintptr, target uintptr) {
	patchRel32(code, offset, codeBase, target)
}
