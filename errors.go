// Copyright 2017 Nathan Sweet. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.
package bpfobj

import (
	"fmt"
)

// Kind is a closed set of error categories a pipeline stage can report.
// The numeric values are part of the public boundary: callers switch on
// Kind rather than matching error strings.
type Kind int

const (
	// LIBELF covers ELF library initialization or read failure.
	LIBELF Kind = iota + 1
	// FORMAT covers malformed ELF, wrong machine/type, bad section layout.
	FORMAT
	// KVERSION covers a missing kernel version on a program type that
	// requires one.
	KVERSION
	// ENDIAN covers a byte-order mismatch between object and host.
	ENDIAN
	// INTERNAL covers precondition violations inside the core.
	INTERNAL
	// RELOC covers a relocation referencing an unknown section, wrong
	// opcode, unknown map offset, or a call inside .text.
	RELOC
	// LOAD covers kernel rejection of a program with no verifier log.
	LOAD
	// VERIFY covers kernel rejection of a program with a verifier log.
	VERIFY
	// PROG2BIG covers an instruction count at or above the kernel maximum.
	PROG2BIG
	// PROGTYPE covers a program submitted with the wrong program type.
	PROGTYPE
	// KVER covers a likely kernel-version mismatch.
	KVER
)

func (k Kind) String() string {
	switch k {
	case LIBELF:
		return "LIBELF"
	case FORMAT:
		return "FORMAT"
	case KVERSION:
		return "KVERSION"
	case ENDIAN:
		return "ENDIAN"
	case INTERNAL:
		return "INTERNAL"
	case RELOC:
		return "RELOC"
	case LOAD:
		return "LOAD"
	case VERIFY:
		return "VERIFY"
	case PROG2BIG:
		return "PROG2BIG"
	case PROGTYPE:
		return "PROGTYPE"
	case KVER:
		return "KVER"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type every pipeline stage returns. It identifies the
// object, section and index involved, so a caller can log a precise
// diagnostic without the library doing any logging of its own.
type Error struct {
	Kind    Kind
	Op      string
	Object  string
	Section string
	Index   int
	Log     string
	err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Object, e.Op, e.Kind)
	if e.Section != "" {
		msg = fmt.Sprintf("%s: section %s", msg, e.Section)
	}
	if e.Index != 0 {
		msg = fmt.Sprintf("%s[%d]", msg, e.Index)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	if e.Log != "" {
		msg = fmt.Sprintf("%s\nverifier log:\n%s", msg, e.Log)
	}
	return msg
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As see through an
// Error.
func (e *Error) Unwrap() error { return e.err }

// Cause exposes the wrapped cause so github.com/pkg/errors.Cause sees
// through an Error.
func (e *Error) Cause() error { return e.err }

func newError(kind Kind, op, object string, err error) *Error {
	return &Error{Kind: kind, Op: op, Object: object, err: err}
}

func (e *Error) withSection(section string) *Error {
	e.Section = section
	return e
}

func (e *Error) withIndex(index int) *Error {
	e.Index = index
	return e
}

func (e *Error) withLog(log string) *Error {
	e.Log = log
	return e
}
