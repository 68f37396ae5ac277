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

import "ember/compile/codegen"

// RegisterConfig is the §6 capability naming which physical registers
// the core may use for what, and under which calling convention — the
// one piece of ISA/ABI policy this backend deliberately keeps outside
// compile/codegen, since the spec scopes allocation to stack slots
// only and never asks the allocator to pick a physical register.
// compile/codegen/arch_x86.go still owns the concrete Register values
// and the System V/Windows ABI switch (it needs them unconditionally,
// with no host round-trip, to emit a single instruction); RegisterConfig
// exists so a driver/test can ask the host "what would a register
// allocator be allowed to touch" without depending on arch_x86.go's
// build-tag-free OS switch directly.
type RegisterConfig struct {
	Allocatable   []codegen.Register // never assigned by this core; listed for a future register-allocating pass
	ScratchInt    codegen.Register
	ScratchSingle codegen.Register
	ScratchDouble codegen.Register
	ArgRegs       func(idx int, t *codegen.LIRType) codegen.Register
	ReturnReg     func(t *codegen.LIRType) codegen.Register
}

// DefaultRegisterConfig reports the registers arch_x86.go already
// treats as caller-saved scratch, plus its ArgReg/ReturnReg functions,
// so a caller gets one coherent bundle instead of reaching into
// compile/codegen's package-level tables directly.
func DefaultRegisterConfig() RegisterConfig {
	return RegisterConfig{
		Allocatable:   codegen.CallerSaveRegs(codegen.LIRTypeQWord),
		ScratchInt:    codegen.R10,
		ScratchSingle: codegen.XMM15S,
		ScratchDouble: codegen.XMM15D,
		ArgRegs:       codegen.ArgReg,
		ReturnReg:     codegen.ReturnReg,
	}
}
