package bpfobj

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

var nativeByteOrder binary.ByteOrder

func init() {
	if isBigEndian() {
		nativeByteOrder = binary.BigEndian
	} else {
		nativeByteOrder = binary.LittleEndian
	}
}

func isBigEndian() bool {
	i := int(0x1)
	bs := (*[int(unsafe.Sizeof(i))]byte)(unsafe.Pointer(&i))
	return bs[0] == 0
}

// validate rejects an object whose declared program types require a
// kernel-version word the object never set. Kprobe, tracepoint,
// raw-tracepoint, perf-event and unspecified programs all need one;
// every other program type accepts zero.
func (o *Object) validate() error {
	if o.kernVersion != 0 {
		return nil
	}
	for _, p := range o.programs {
		if p.secName == ".text" {
			continue
		}
		if p.progType.needsKernelVersion() {
			return newError(KVERSION, "validate", o.origin, errors.Errorf("program %q requires a kernel version", p.name)).withSection(p.secName)
		}
	}
	return nil
}
