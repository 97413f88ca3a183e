package bpfobj

//go:generate stringer -output types_string.go -type=MapType,ProgType

// MapType selects the kernel map implementation BPF_MAP_CREATE builds.
type MapType uint32

// Map types understood by the kernel, mirrored from enum bpf_map_type.
const (
	UnspecifiedMap MapType = iota
	Hash
	Array
	ProgramArray
	PerfEventArray
	PerCPUHash
	PerCPUArray
	StackTrace
	CGroupArray
	LRUHash
	LRUCPUHash
	LPMTrie
	ArrayOfMaps
	HashOfMaps
	DevMap
	SockMap
	CPUMap
)

// ProgType selects which kernel hook a program is verified and attached
// against.
type ProgType uint32

// Program types understood by the kernel, mirrored from enum bpf_prog_type.
const (
	UnspecifiedProg ProgType = iota
	SocketFilter
	Kprobe
	SchedCLS
	SchedACT
	TracePoint
	XDP
	PerfEvent
	CGroupSKB
	CGroupSock
	LWTIn
	LWTOut
	LWTXmit
	SockOps
	SKSKB
	CGroupDevice
	SKMSG
	RawTracepoint
	CGroupSockAddr
	LWTSeg6Local
	LircMode2
)

// ExpectedAttachType narrows a ProgType to a specific attach point, used
// by CGroupSockAddr programs among others.
type ExpectedAttachType uint32

// Attach types mirrored from enum bpf_attach_type, the subset the
// section-name inference table needs. AttachNone is the zero value the
// kernel ignores for program types without an attach point; it shares 0
// with CGroupInetIngress, as in the kernel enum.
const (
	AttachNone        ExpectedAttachType = 0
	CGroupInetIngress ExpectedAttachType = iota - 1
	CGroupInetEgress
	CGroupInetSockCreate
	CGroupSockOps
	SKSKBStreamParser
	SKSKBStreamVerdict
	CGroupDeviceAttach
	SKMSGVerdict
	CGroupInet4Bind
	CGroupInet6Bind
	CGroupInet4Connect
	CGroupInet6Connect
	CGroupInet4PostBind
	CGroupInet6PostBind
	CGroupUDP4Sendmsg
	CGroupUDP6Sendmsg
)

// needsKernelVersion reports whether a ProgType requires a non-zero
// kernel-version word, per the validation stage.
func (t ProgType) needsKernelVersion() bool {
	switch t {
	case Kprobe, TracePoint, RawTracepoint, PerfEvent, UnspecifiedProg:
		return true
	default:
		return false
	}
}

// Definition is the packed, fixed-shape record the maps section carries
// one of per map symbol: type, key_size, value_size, max_entries, flags,
// each a 32-bit unsigned word in object byte order.
type Definition struct {
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

// DefinitionSize is sizeof(Definition) in the wire encoding: five
// 32-bit fields.
const DefinitionSize = 20
