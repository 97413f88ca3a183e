package asm

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestRegPairRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		dst, src Register
	}{
		{R0, R1},
		{FP, R10},
		{R9, R0},
	} {
		b := regPair(tc.dst, tc.src)
		dst, src := splitRegPair(b)
		qt.Assert(t, qt.Equals(dst, tc.dst))
		qt.Assert(t, qt.Equals(src, tc.src))
	}
}

func TestFramePointerIsR10(t *testing.T) {
	qt.Assert(t, qt.Equals(FP, R10))
}
