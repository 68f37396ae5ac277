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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/compile/codegen"
	"ember/compile/ssa"
)

// TestDeoptStubEncodingRoundTrip is concrete scenario 6: a null-check
// guard's emitted stub records DeoptReasonNullCheck and sits after the
// function body, and that recorded reason, packed with an action by
// this package's encoder, unpacks back to the same action and reason.
// The core only ever records codegen.DeoptReason; the packed word is
// built here, not read from the stub.
func TestDeoptStubEncodingRoundTrip(t *testing.T) {
	block := &ssa.Block{Id: 0}
	fn := &ssa.Func{Name: "guarded", Entry: block, Blocks: []*ssa.Block{block}}
	lir := codegen.NewLIR(fn)

	ptr := lir.NewVirtualStackSlot(codegen.KindObject)
	lir.EmitNullCheckGuard(block, ptr, nil, "null check")

	codegen.Number(lir)
	codegen.VerifyLIR(lir)
	frameSize, intervals := codegen.Allocate(lir)
	codegen.VerifyAllocation(lir, intervals)

	fn2 := codegen.Emit(lir, frameSize)
	require.Len(t, fn2.DeoptStubs, 1)

	stub := fn2.DeoptStubs[0]
	assert.Equal(t, codegen.DeoptReasonNullCheck, stub.Reason)

	word := EncodeDeoptActionAndReason(DeoptActionInvalidateAndRecompile, stub.Reason)
	action, reason := DecodeDeoptActionAndReason(word)
	assert.Equal(t, DeoptActionInvalidateAndRecompile, action)
	assert.Equal(t, stub.Reason, reason)
	assert.Greater(t, stub.PCOffset, 0, "stub must be placed after the function body, not at offset 0")
}
