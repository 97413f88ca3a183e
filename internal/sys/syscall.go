// Package sys wraps the bpf(2) syscall ABI: map creation, program loading,
// pinning and descriptor introspection. Nothing here understands ELF,
// relocation or instruction encoding; it only knows how to talk to the
// kernel once a request has already been built.
package sys

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// bpf(2) commands, in the order the kernel UAPI assigns them.
const (
	cmdMapCreate = iota
	cmdMapLookupElem
	cmdMapUpdateElem
	cmdMapDeleteElem
	cmdMapGetNextKey
	cmdProgLoad
	cmdObjPin
	cmdObjGet
	cmdProgAttach
	cmdProgDetach
	cmdProgTestRun
	cmdProgGetNextID
	cmdMapGetNextID
	cmdProgGetFDByID
	cmdMapGetFDByID
	cmdObjGetInfoByFD
)

const bpfObjNameLen = 16

// objNameLen is the size of the kernel's object-name buffer, the limit a
// program or map name is cut to before it goes into MapCreateAttr/ProgLoadAttr.
const objNameLen = bpfObjNameLen

// MapCreateAttr is the bpf_attr union member for BPF_MAP_CREATE, including
// the fields only present once type-metadata support landed.
type MapCreateAttr struct {
	MapType    uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	InnerMapFD uint32
	NumaNode   uint32
	MapName    [bpfObjNameLen]byte
	MapIfIndex uint32
	BTFFD      uint32
	BTFKeyID   uint32
	BTFValueID uint32
}

// ProgLoadAttr is the bpf_attr union member for BPF_PROG_LOAD.
type ProgLoadAttr struct {
	ProgType           uint32
	InsnCnt            uint32
	Insns              Pointer
	License            Pointer
	LogLevel           uint32
	LogSize            uint32
	LogBuf             Pointer
	KernVersion        uint32
	ProgFlags          uint32
	ProgName           [bpfObjNameLen]byte
	ProgIfIndex        uint32
	ExpectedAttachType uint32
}

// Pointer is a syscall-ABI pointer: either a real address or zero.
type Pointer struct {
	ptr unsafe.Pointer
}

// NewPointer wraps a Go pointer for embedding into a bpf_attr struct.
func NewPointer(ptr unsafe.Pointer) Pointer { return Pointer{ptr} }

// NewSlicePointer wraps the first element of buf, or a nil pointer for an
// empty slice.
func NewSlicePointer(buf []byte) Pointer {
	if len(buf) == 0 {
		return Pointer{}
	}
	return Pointer{unsafe.Pointer(&buf[0])}
}

// NewStringPointer wraps a NUL-padded copy of str.
func NewStringPointer(str string) Pointer {
	p, err := unix.BytePtrFromString(str)
	if err != nil {
		return Pointer{}
	}
	return Pointer{unsafe.Pointer(p)}
}

// MapOpAttr is the bpf_attr union member shared by BPF_MAP_LOOKUP_ELEM,
// BPF_MAP_UPDATE_ELEM, BPF_MAP_DELETE_ELEM and BPF_MAP_GET_NEXT_KEY.
type MapOpAttr struct {
	MapFD uint32
	_     uint32
	Key   Pointer
	Value Pointer
	Flags uint64
}

type pinObjAttr struct {
	pathname Pointer
	fd       uint32
	padding  uint32
}

type objGetInfoByFDAttr struct {
	fd      uint32
	infoLen uint32
	info    Pointer
}

type getFDByIDAttr struct {
	id   uint32
	next uint32
}

// ObjName truncates name to the kernel's object-name limit, matching the
// silent truncation the kernel itself performs on submission.
func ObjName(name string) [bpfObjNameLen]byte {
	var out [bpfObjNameLen]byte
	n := copy(out[:bpfObjNameLen-1], name)
	_ = n
	return out
}

// MapCreate issues BPF_MAP_CREATE and returns the new map descriptor.
func MapCreate(attr *MapCreateAttr) (int, error) {
	ptr, err := call(cmdMapCreate, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return int(ptr), errors.Wrap(err, "map create")
}

// ProgLoad issues BPF_PROG_LOAD. The caller is expected to have sized
// attr.LogBuf/LogSize before calling if it wants a verifier log on failure.
func ProgLoad(attr *ProgLoadAttr) (int, error) {
	ptr, err := call(cmdProgLoad, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return int(ptr), err
}

// MapLookupElem issues BPF_MAP_LOOKUP_ELEM, copying the value for key into
// value.
func MapLookupElem(fd int, key, value unsafe.Pointer) error {
	attr := MapOpAttr{
		MapFD: uint32(fd),
		Key:   NewPointer(key),
		Value: NewPointer(value),
	}
	_, err := call(cmdMapLookupElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrap(err, "map lookup")
}

// MapUpdateElem issues BPF_MAP_UPDATE_ELEM.
func MapUpdateElem(fd int, key, value unsafe.Pointer, flags uint64) error {
	attr := MapOpAttr{
		MapFD: uint32(fd),
		Key:   NewPointer(key),
		Value: NewPointer(value),
		Flags: flags,
	}
	_, err := call(cmdMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrap(err, "map update")
}

// MapDeleteElem issues BPF_MAP_DELETE_ELEM.
func MapDeleteElem(fd int, key unsafe.Pointer) error {
	attr := MapOpAttr{
		MapFD: uint32(fd),
		Key:   NewPointer(key),
	}
	_, err := call(cmdMapDeleteElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrap(err, "map delete")
}

// MapGetNextKey issues BPF_MAP_GET_NEXT_KEY. A nil key starts iteration
// from the first key in the map.
func MapGetNextKey(fd int, key, nextKey unsafe.Pointer) error {
	attr := MapOpAttr{
		MapFD: uint32(fd),
		Key:   NewPointer(key),
		Value: NewPointer(nextKey),
	}
	_, err := call(cmdMapGetNextKey, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrap(err, "map next key")
}

// bpfFSType is the magic number statfs(2) reports for the BPF virtual
// filesystem, BPF_FS_MAGIC in the kernel headers.
const bpfFSType = 0xcafe4a11

// IsBPFFS reports whether the filesystem backing dir is the bpf virtual
// filesystem. A statfs failure is returned as an error, never silently
// treated as "not bpffs".
func IsBPFFS(dir string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false, errors.Wrapf(err, "statfs %s", dir)
	}
	return uint32(st.Type) == bpfFSType, nil
}

// ObjPin issues BPF_OBJ_PIN for fd at path. path's parent directory must
// already have been confirmed to be bpffs by the caller.
func ObjPin(fd int, path string) error {
	attr := pinObjAttr{
		pathname: NewStringPointer(path),
		fd:       uint32(fd),
	}
	_, err := call(cmdObjPin, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrapf(err, "pin %s", path)
}

// ObjGet issues BPF_OBJ_GET, returning the descriptor for an object
// previously pinned at path.
func ObjGet(path string) (int, error) {
	attr := pinObjAttr{pathname: NewStringPointer(path)}
	ptr, err := call(cmdObjGet, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return int(ptr), errors.Wrapf(err, "get object %s", path)
}

// ObjInfo issues BPF_OBJ_GET_INFO_BY_FD, filling info (a MapInfo or
// ProgInfo) from the kernel's view of fd.
func ObjInfo(fd int, info unsafe.Pointer, size uintptr) error {
	attr := objGetInfoByFDAttr{
		fd:      uint32(fd),
		infoLen: uint32(size),
		info:    NewPointer(info),
	}
	_, err := call(cmdObjGetInfoByFD, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrapf(err, "object info for fd %d", fd)
}

// MapInfo mirrors the kernel's struct bpf_map_info, the fields this
// loader needs to support descriptor reuse.
type MapInfo struct {
	Type       uint32
	ID         uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	Name       [bpfObjNameLen]byte
	IfIndex    uint32
	BTFVmlinux uint32
	NetnsDev   uint64
	NetnsIno   uint64
	BTFID      uint32
	BTFKeyID   uint32
	BTFValueID uint32
}

// MapInfoByFD queries the kernel for the map info backing fd.
func MapInfoByFD(fd int) (*MapInfo, error) {
	var info MapInfo
	if err := ObjInfo(fd, unsafe.Pointer(&info), unsafe.Sizeof(info)); err != nil {
		return nil, errors.Wrap(err, "map info")
	}
	return &info, nil
}

// MapFDByID issues BPF_MAP_GET_FD_BY_ID.
func MapFDByID(id uint32) (int, error) {
	attr := getFDByIDAttr{id: id}
	ptr, err := call(cmdMapGetFDByID, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return int(ptr), errors.Wrapf(err, "fd for map id %d", id)
}

// CloseOnExecDup duplicates fd into a new descriptor with close-on-exec
// set, the way the loader isolates a caller-supplied map fd before taking
// ownership of a fresh copy of it.
func CloseOnExecDup(fd int) (int, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "dup fd %d", fd)
	}
	return dup, nil
}

// RemoveMemlockRlimit lifts RLIMIT_MEMLOCK, required on kernels before
// 5.11 before any map can be created.
func RemoveMemlockRlimit() error {
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	})
}

func call(cmd int, attr unsafe.Pointer, size uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmd), uintptr(attr), size)
	runtime.KeepAlive(attr)
	if errno != 0 {
		return r1, syscall.Errno(errno)
	}
	return r1, nil
}
