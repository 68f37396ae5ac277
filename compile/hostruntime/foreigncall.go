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
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/compile/ssa"
)

// symbolTable is the set of foreign calls this host actually backs.
// It's deliberately tiny: runtime_fmod (float remainder, emitted by
// lower_x86.go's lowerFloatRemForeignCall), runtime_deopt (the target
// of every out-of-line deopt stub deopt.go emits), and
// runtime_new_string/runtime_new_array (string and array constant
// materialization in lowerConst) are the call sites the current
// generator produces.
var symbolTable = map[string]ssa.ForeignCallDescriptor{
	"runtime_fmod": {
		Name:             "runtime_fmod",
		NeedsDataPatch:   false,
		KillsCallerSaves: true,
		MaxTargetOffset:  0,
	},
	"runtime_deopt": {
		Name:             "runtime_deopt",
		NeedsDataPatch:   false,
		KillsCallerSaves: true,
		MaxTargetOffset:  0,
	},
	"runtime_new_array": {
		Name:             "runtime_new_array",
		NeedsDataPatch:   false,
		KillsCallerSaves: true,
		MaxTargetOffset:  0,
	},
	"runtime_new_string": {
		Name:             "runtime_new_string",
		NeedsDataPatch:   false,
		KillsCallerSaves: true,
		MaxTargetOffset:  0,
	},
}

// LookupForeignCall resolves a call target name to the descriptor the
// generator's callTarget (compile/codegen/lower_x86.go) needs: calling
// convention expectations collapse to KillsCallerSaves (every foreign
// call in this host clobbers the caller-save set; none is a leaf
// intrinsic) plus MaxTargetOffset, which degrades a direct near call to
// an indirect one once a real symbol table reports an address outside
// rel32 reach. A zero MaxTargetOffset means "resolved lazily at install
// time, assume near" — true for every symbol this host currently
// serves, since installCode places code and the runtime image within
// the same 2GiB region.
func LookupForeignCall(name string) (ssa.ForeignCallDescriptor, error) {
	fc, ok := symbolTable[name]
	if !ok {
		err := errors.Errorf("host has no foreign call %q", name)
		logrus.WithField("symbol", name).Warn(err)
		return ssa.ForeignCallDescriptor{}, err
	}
	return fc, nil
}

// NeedsDataPatch reports whether a constant payload references a
// relocatable address (object/string literal identity) rather than a
// self-contained bit pattern. Ember's constant model only ever produces
// rodata literals for strings and floats (compile/codegen's *Text), and
// those already route through PatchRodata regardless of this check;
// NeedsDataPatch exists for the host's own constant-folding callers
// (outside this core) that ask the same question about a raw payload
// before it ever becomes a codegen.Text.
func NeedsDataPatch(payload interface{}) bool {
	switch payload.(type) {
	case string:
		return true
	default:
		return false
	}
}
