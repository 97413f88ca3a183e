package btf

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sentrybpf/bpfobj/internal/sys"
)

// Handle is a loaded-into-kernel form of a Spec, the descriptor the map
// creator attaches to BPF_MAP_CREATE requests that carry key/value type
// information.
type Handle struct {
	fd int
}

type loadAttr struct {
	btf         sys.Pointer
	logBuf      sys.Pointer
	btfSize     uint32
	btfLogSize  uint32
	btfLogLevel uint32
}

const cmdBTFLoad = 18

// Load submits spec's raw bytes to the kernel, returning a Handle whose
// descriptor can be passed to map creation.
func Load(spec *Spec) (*Handle, error) {
	attr := loadAttr{
		btf:     sys.NewSlicePointer(spec.rawBTF),
		btfSize: uint32(len(spec.rawBTF)),
	}
	fd, err := btfLoad(&attr)
	if err != nil {
		return nil, errors.Wrap(err, "can't load BTF")
	}
	return &Handle{fd: fd}, nil
}

// FD returns the kernel descriptor backing h.
func (h *Handle) FD() int {
	if h == nil {
		return -1
	}
	return h.fd
}

// Close releases the descriptor.
func (h *Handle) Close() error {
	if h == nil || h.fd < 0 {
		return nil
	}
	err := syscall.Close(h.fd)
	h.fd = -1
	return err
}

func btfLoad(attr *loadAttr) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmdBTFLoad), uintptr(unsafe.Pointer(attr)), unsafe.Sizeof(*attr))
	runtime.KeepAlive(attr)
	if errno != 0 {
		return -1, syscall.Errno(errno)
	}
	return int(r1), nil
}
