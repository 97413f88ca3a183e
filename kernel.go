package bpfobj

import (
	"syscall"
	"unsafe"

	"github.com/sentrybpf/bpfobj/asm"
	"github.com/sentrybpf/bpfobj/internal/sys"
)

// MapCreateRequest is everything the kernel needs to create a map.
type MapCreateRequest struct {
	Name       string
	Definition Definition
	IfIndex    uint32

	BTFFD       int
	BTFKeyID    uint32
	BTFValueID  uint32
	HasTypeInfo bool
}

// ProgLoadRequest is everything the kernel needs to load a program.
type ProgLoadRequest struct {
	Type               ProgType
	ExpectedAttachType ExpectedAttachType
	Name               string
	Instructions       asm.Instructions
	License            string
	KernelVersion      uint32
	IfIndex            uint32
}

// KernelBpf is the syscall surface the loader drives: map creation,
// program loading, pinning and descriptor introspection. It is specified
// only at this interface; internal/sys is the concrete implementation
// that talks to bpf(2).
type KernelBpf interface {
	CreateMap(req MapCreateRequest) (int, error)
	LoadProgram(req ProgLoadRequest) (fd int, log string, err error)
	Pin(fd int, path string) error
	ObjectInfoByDescriptor(fd int, info unsafe.Pointer, size uintptr) error
}

// defaultKernel is the concrete KernelBpf backing every Object, wired
// straight to internal/sys's bpf(2) wrappers.
type defaultKernel struct{}

var kernel KernelBpf = defaultKernel{}

func (defaultKernel) CreateMap(req MapCreateRequest) (int, error) {
	attr := sys.MapCreateAttr{
		MapType:    uint32(req.Definition.Type),
		KeySize:    req.Definition.KeySize,
		ValueSize:  req.Definition.ValueSize,
		MaxEntries: req.Definition.MaxEntries,
		MapFlags:   req.Definition.Flags,
		MapIfIndex: req.IfIndex,
		MapName:    sys.ObjName(req.Name),
	}
	if req.HasTypeInfo {
		attr.BTFFD = uint32(req.BTFFD)
		attr.BTFKeyID = req.BTFKeyID
		attr.BTFValueID = req.BTFValueID
	}
	return sys.MapCreate(&attr)
}

const (
	progLogBufSize = 64 * 1024
	maxInstructions = 1 << 20
)

func (defaultKernel) LoadProgram(req ProgLoadRequest) (int, string, error) {
	raw := req.Instructions.Marshal(nativeByteOrder)
	logBuf := make([]byte, progLogBufSize)

	attr := sys.ProgLoadAttr{
		ProgType:           uint32(req.Type),
		InsnCnt:             uint32(len(req.Instructions)),
		Insns:               sys.NewSlicePointer(raw),
		License:             sys.NewStringPointer(req.License),
		LogLevel:            1,
		LogSize:             uint32(len(logBuf)),
		LogBuf:              sys.NewSlicePointer(logBuf),
		KernVersion:         req.KernelVersion,
		ProgName:            sys.ObjName(req.Name),
		ProgIfIndex:         req.IfIndex,
		ExpectedAttachType:  uint32(req.ExpectedAttachType),
	}

	fd, err := sys.ProgLoad(&attr)
	if err != nil {
		log := trimNulPadding(logBuf)
		return -1, log, err
	}
	return fd, "", nil
}

func (defaultKernel) Pin(fd int, path string) error {
	return sys.ObjPin(fd, path)
}

func (defaultKernel) ObjectInfoByDescriptor(fd int, info unsafe.Pointer, size uintptr) error {
	return sys.ObjInfo(fd, info, size)
}

func trimNulPadding(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func closeFD(fd int) {
	if fd >= 0 {
		syscall.Close(fd)
	}
}
