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

// DeoptAction names what the host does once it's re-entered the
// interpreter at a deopt stub's frame state.
type DeoptAction int

const (
	// DeoptActionReinterpret resumes in the interpreter and never
	// recompiles — used for one-off bails (a guard that isn't expected
	// to recur).
	DeoptActionReinterpret DeoptAction = iota
	// DeoptActionInvalidateAndRecompile discards this compiled version
	// and schedules a fresh compilation with the failing assumption
	// removed — the common case for a recurring type-check/null-check
	// miss.
	DeoptActionInvalidateAndRecompile
)

// EncodeDeoptActionAndReason packs an action and a reason into a single
// word (§6), action in the low byte, reason in the next. The core's
// deopt stubs do not carry this word: codegen.DeoptStub records only
// the Reason, and the stub passes that bare reason to runtime_deopt.
// The upper bytes are left free for
// a future generation counter the way HotSpot-lineage deopt words
// reserve room for one.
func EncodeDeoptActionAndReason(action DeoptAction, reason codegen.DeoptReason) uint32 {
	return uint32(action) | uint32(reason)<<8
}

// DecodeDeoptActionAndReason is EncodeDeoptActionAndReason's inverse,
// used by installCode's caller to render a stub's side-table entry back
// into (action, reason) for logging or golden tests.
func DecodeDeoptActionAndReason(word uint32) (DeoptAction, codegen.DeoptReason) {
	return DeoptAction(word & 0xFF), codegen.DeoptReason((word >> 8) & 0xFF)
}
