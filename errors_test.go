package bpfobj

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newError(RELOC, "relocate", "prog.o", cause)

	qt.Assert(t, qt.Equals(errors.Unwrap(err), cause))
	qt.Assert(t, qt.IsTrue(errors.Is(err, cause)))
}

func TestErrorMessageIncludesSectionAndIndex(t *testing.T) {
	err := newError(FORMAT, "maps", "prog.o", errors.New("bad size")).withSection("maps").withIndex(3)

	msg := err.Error()
	qt.Assert(t, qt.Matches(msg, `.*prog\.o.*maps.*FORMAT.*section maps\[3\].*bad size.*`))
}

func TestErrorCarriesVerifierLog(t *testing.T) {
	err := newError(VERIFY, "load", "prog.o", errors.New("rejected")).withLog("R1 invalid mem access")

	qt.Assert(t, qt.Matches(err.Error(), `(?s).*verifier log:\nR1 invalid mem access`))
}

func TestKindString(t *testing.T) {
	qt.Assert(t, qt.Equals(PROG2BIG.String(), "PROG2BIG"))
	qt.Assert(t, qt.Equals(Kind(0).String(), "UNKNOWN"))
}
