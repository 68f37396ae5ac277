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
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrKind classifies a codegen error by cause rather than by sentinel
// value, the way moby's errdefs package classifies daemon errors, so a
// driver can decide policy (abort the compilation, fall back to the
// interpreter, retry) from the kind alone.
type ErrKind int

const (
	// ErrUnsupportedOperand: an op saw an operand combination its
	// descriptor or family lowering rule does not cover. Always a
	// compiler defect, never recoverable at runtime.
	ErrUnsupportedOperand ErrKind = iota
	// ErrAllocationFailure: the stack-slot allocator could not satisfy
	// an interval (e.g. a malformed range request).
	ErrAllocationFailure
	// ErrEmissionOverflow: an encoded instruction or displacement
	// exceeded a hard encoding limit (e.g. rel32 out of range after
	// layout, oversized immediate).
	ErrEmissionOverflow
	// ErrPreconditionViolation: an internal invariant the compiler
	// relies on did not hold; mirrors the donor's utils.Assert idiom,
	// reported through the same channel as the other kinds instead of
	// a bare panic so a driver can log and abort uniformly.
	ErrPreconditionViolation
	// ErrHostRejected: the host runtime refused a request the core
	// made of it (no symbol for a foreign call, no deopt stub slot).
	ErrHostRejected
)

func (k ErrKind) String() string {
	switch k {
	case ErrUnsupportedOperand:
		return "unsupported-operand"
	case ErrAllocationFailure:
		return "allocation-failure"
	case ErrEmissionOverflow:
		return "emission-overflow"
	case ErrPreconditionViolation:
		return "precondition-violation"
	case ErrHostRejected:
		return "host-rejected"
	}
	return "unknown"
}

// CodegenError wraps a stack-trace-carrying pkg/errors value with the
// kind classification a caller up the stack switches on.
type CodegenError struct {
	Kind  ErrKind
	cause error
}

func (e *CodegenError) Error() string { return e.cause.Error() }
func (e *CodegenError) Unwrap() error { return e.cause }

// newErr builds a CodegenError, wrapping format/args with a stack
// trace via pkg/errors and logging it at the level the kind warrants.
func newErr(kind ErrKind, format string, args ...interface{}) *CodegenError {
	err := &CodegenError{Kind: kind, cause: errors.Wrap(fmt.Errorf(format, args...), kind.String())}
	entry := logrus.WithField("kind", kind.String())
	if kind == ErrPreconditionViolation {
		entry.Error(err)
	} else {
		entry.Warn(err)
	}
	return err
}

// KindOfErr reports the ErrKind a codegen error carries, or false if err
// wasn't produced by this package.
func KindOfErr(err error) (ErrKind, bool) {
	ce, ok := err.(*CodegenError)
	if !ok {
		return 0, false
	}
	return ce.Kind, true
}
