package ringbuf

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// perCPURing is a metadata page followed by a power-of-two number of data
// pages, mapped once per logical CPU.
type perCPURing struct {
	cpu  int
	fd   int
	meta *perfEventMeta
	mmap []byte
	ring []byte
}

func newPerCPURing(cpu, perCPUBuffer, watermark int) (*perCPURing, error) {
	pageSize := os.Getpagesize()
	nPages := 1
	for nPages*pageSize < perCPUBuffer {
		nPages <<= 1
	}
	size := (1 + nPages) * pageSize

	attr := perfEventAttr{
		Type:       perfTypeSoftware,
		Config:     perfCountSWBPFOutput,
		Flags:      flagWakeupWatermark,
		SampleType: perfSampleRaw,
		WakeupOrBP: uint32(watermark),
	}

	fd, err := perfEventOpen(&attr, -1, cpu, -1, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblocking")
	}

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap ring")
	}

	meta := (*perfEventMeta)(unsafe.Pointer(&mmap[0]))

	return &perCPURing{
		cpu:  cpu,
		fd:   fd,
		meta: meta,
		mmap: mmap,
		ring: mmap[meta.dataOffset : meta.dataOffset+meta.dataSize],
	}, nil
}

func (r *perCPURing) Close() {
	unix.Munmap(r.mmap)
	closeFD(r.fd)
}

// ringReader turns the raw byte ring into an io.Reader that tracks how
// much it has consumed, so Close can publish a new tail for the kernel.
type ringReader struct {
	meta       *perfEventMeta
	head, tail uint64
	mask       uint64
	ring       []byte
}

func newRingReader(meta *perfEventMeta, ring []byte) *ringReader {
	return &ringReader{
		meta: meta,
		head: atomic.LoadUint64(&meta.dataHead),
		tail: atomic.LoadUint64(&meta.dataTail),
		mask: uint64(len(ring) - 1),
		ring: ring,
	}
}

func (rd *ringReader) commit() {
	atomic.StoreUint64(&rd.meta.dataTail, rd.tail)
}

func (rd *ringReader) Read(p []byte) (int, error) {
	start := int(rd.tail & rd.mask)

	n := len(p)
	if remainder := len(rd.ring) - start; n > remainder {
		n = remainder
	}
	if remainder := int(rd.head - rd.tail); n > remainder {
		n = remainder
	}
	if n == 0 {
		if rd.head == rd.tail {
			return 0, io.EOF
		}
		return 0, nil
	}

	copy(p, rd.ring[start:start+n])
	rd.tail += uint64(n)
	return n, nil
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFd int, flags uint) (int, error) {
	attr.Size = uint32(unsafe.Sizeof(*attr))
	flags |= flagFDCloexec

	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN, uintptr(unsafe.Pointer(attr)),
		uintptr(pid), uintptr(cpu), uintptr(groupFd), uintptr(flags), 0)
	if errno != 0 {
		return -1, errors.Wrap(errno, "perf_event_open")
	}
	return int(fd), nil
}

func newEventFd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if errno != 0 {
		return -1, errors.Wrap(errno, "eventfd2")
	}
	return int(fd), nil
}

func newEpollFd(fds ...int) (int, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "epoll_create1")
	}

	for _, fd := range fds {
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			unix.Close(epollFd)
			return -1, errors.Wrap(err, "epoll_ctl")
		}
	}
	return epollFd, nil
}

var possibleCPUOnce struct {
	sync.Once
	n   int
	err error
}

// possibleCPUs is the number of per-CPU rings a reader must open: a BPF
// program can run on any CPU the system could possibly bring online, not
// just the ones currently online.
func possibleCPUs() (int, error) {
	possibleCPUOnce.Do(func() {
		possibleCPUOnce.n, possibleCPUOnce.err = parseCPURange("/sys/devices/system/cpu/possible")
	})
	return possibleCPUOnce.n, possibleCPUOnce.err
}

func parseCPURange(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}

	spec := strings.TrimSpace(string(raw))
	var n int
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		var lo, hi int
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, err = strconv.Atoi(part[:idx])
			if err != nil {
				return 0, errors.Wrapf(err, "parse %q", part)
			}
			hi, err = strconv.Atoi(part[idx+1:])
			if err != nil {
				return 0, errors.Wrapf(err, "parse %q", part)
			}
		} else {
			lo, err = strconv.Atoi(part)
			if err != nil {
				return 0, errors.Wrapf(err, "parse %q", part)
			}
			hi = lo
		}
		if hi+1 > n {
			n = hi + 1
		}
	}
	if n == 0 {
		return 0, errors.Errorf("can't parse CPU range from %q", spec)
	}
	return n, nil
}
