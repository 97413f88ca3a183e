// Package ringbuf reads samples written by BPF_FUNC_perf_event_output out
// of a PERF_EVENT_ARRAY map. It has no dependency on the object loader: any
// caller that can hand it a MapPutter for a BPF_MAP_TYPE_PERF_EVENT_ARRAY
// can drive a Reader, whether or not that map was created by this module.
package ringbuf

import (
	"encoding/binary"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	perfTypeSoftware     = 1
	perfCountSWBPFOutput = 10
	perfSampleRaw        = 1 << 10
	flagWakeupWatermark  = 1 << 14
	flagFDCloexec        = 1 << 3
)

var nativeEndian binary.ByteOrder

func init() {
	var i uint16 = 1
	if (*[2]byte)(unsafe.Pointer(&i))[0] == 0 {
		nativeEndian = binary.BigEndian
	} else {
		nativeEndian = binary.LittleEndian
	}
}

type perfEventAttr struct {
	Type        uint32
	Size        uint32
	Config      uint64
	Sample      uint64
	SampleType  uint64
	ReadFormat  uint64
	Flags       uint64
	WakeupOrBP  uint32
	BPType      uint32
	BPAddr      uint64
	BPLen       uint64
	RegsUser    uint64
	StackUser   uint32
	ClockID     int32
	RegsIntr    uint64
	AuxWatermark uint32
	MaxStack    uint16
	_           uint16
}

type perfEventMeta struct {
	_          [128]uint64
	dataHead   uint64
	dataTail   uint64
	dataOffset uint64
	dataSize   uint64
}

type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// MapPutter is the subset of the map API the reader needs to install one
// event fd per CPU into the backing PERF_EVENT_ARRAY. It is satisfied by
// the root package's *EventArray without this package importing it.
type MapPutter interface {
	Put(key, value uint32) error
	Close() error
}

// Sample is one record read from the ring buffer.
type Sample struct {
	// CPU is the logical CPU the sample was produced on.
	CPU int
	// Data holds the raw bytes the BPF program passed to
	// bpf_perf_event_output, padded to 64-bit alignment by the kernel.
	Data []byte
}

// ReaderOptions controls how a Reader is constructed.
type ReaderOptions struct {
	// Array backs the per-CPU event fds. The Reader takes ownership and
	// closes it when the Reader is closed.
	Array MapPutter
	// PerCPUBuffer is the size in bytes of each per-CPU ring.
	PerCPUBuffer int
	// Watermark is how full a ring must be before the kernel wakes the
	// reader. Must be smaller than PerCPUBuffer.
	Watermark int
}

// Reader consumes samples written to a PERF_EVENT_ARRAY from user space.
type Reader struct {
	lostSamples uint64
	array       MapPutter

	closeOnce sync.Once
	closeFile *os.File
	done      chan struct{}

	// Errors receives a value if the reader's poll loop exits abnormally.
	Errors <-chan error
	// Samples is closed once the poll loop has exited.
	Samples <-chan Sample
}

// NewReader creates a Reader that installs one perf event per possible CPU
// into opts.Array and starts consuming samples in the background.
func NewReader(opts ReaderOptions) (*Reader, error) {
	if opts.PerCPUBuffer < 1 {
		return nil, errors.New("PerCPUBuffer must be larger than 0")
	}
	if opts.Watermark >= opts.PerCPUBuffer {
		return nil, errors.New("Watermark must be smaller than PerCPUBuffer")
	}

	nCPU, err := possibleCPUs()
	if err != nil {
		opts.Array.Close()
		return nil, errors.Wrap(err, "ring buffer reader")
	}

	closeFd, err := newEventFd()
	if err != nil {
		opts.Array.Close()
		return nil, err
	}

	samples := make(chan Sample, nCPU)
	errs := make(chan error, 1)

	r := &Reader{
		array:     opts.Array,
		closeFile: os.NewFile(uintptr(closeFd), "ringbuf close event"),
		done:      make(chan struct{}),
		Errors:    errs,
		Samples:   samples,
	}
	runtime.SetFinalizer(r, (*Reader).Close)

	fds := []int{closeFd}
	rings := make(map[int]*perCPURing, nCPU)

	defer func() {
		if err != nil {
			for _, ring := range rings {
				ring.Close()
			}
		}
	}()

	for cpu := 0; cpu < nCPU; cpu++ {
		ring, ringErr := newPerCPURing(cpu, opts.PerCPUBuffer, opts.Watermark)
		if ringErr != nil {
			err = errors.Wrapf(ringErr, "cpu %d", cpu)
			return nil, err
		}
		if err = opts.Array.Put(uint32(cpu), uint32(ring.fd)); err != nil {
			ring.Close()
			return nil, errors.Wrapf(err, "install event fd for cpu %d", cpu)
		}
		fds = append(fds, ring.fd)
		rings[ring.fd] = ring
	}

	epollFd, epErr := newEpollFd(fds...)
	if epErr != nil {
		err = epErr
		return nil, err
	}

	go r.poll(epollFd, rings, samples, errs)
	return r, nil
}

// LostSamples returns the number of records the kernel discarded because a
// per-CPU ring filled up before the reader drained it.
func (r *Reader) LostSamples() uint64 {
	return atomic.LoadUint64(&r.lostSamples)
}

// Close stops the poll loop and releases the backing map. Further writes
// from bpf_perf_event_output targeting this array fail with ENOENT.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		runtime.SetFinalizer(r, nil)
		close(r.done)
		r.array.Close()

		var value [8]byte
		nativeEndian.PutUint64(value[:], 1)
		_, err = r.closeFile.Write(value[:])
	})
	return errors.Wrap(err, "ring buffer reader close")
}

func (r *Reader) poll(epollFd int, rings map[int]*perCPURing, samples chan<- Sample, errs chan<- error) {
	defer close(samples)
	defer unix.Close(epollFd)
	defer func() {
		for _, ring := range rings {
			ring.Close()
		}
	}()

	events := make([]unix.EpollEvent, len(rings)+1)
	for {
		n, err := unix.EpollWait(epollFd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			errs <- err
			return
		}

		select {
		case <-r.done:
			return
		default:
		}

		for _, ev := range events[:n] {
			ring, ok := rings[int(ev.Fd)]
			if !ok {
				continue
			}
			if err := r.drain(ring, samples); err != nil {
				errs <- err
				return
			}
		}
	}
}

func (r *Reader) drain(ring *perCPURing, samples chan<- Sample) error {
	rd := newRingReader(ring.meta, ring.ring)
	defer rd.commit()

	var lost uint64
	for {
		sample, recordLost, err := readRecord(rd, ring.cpu)
		if err != nil {
			return err
		}
		if recordLost > 0 {
			lost += recordLost
			continue
		}
		if sample == nil {
			break
		}
		select {
		case samples <- *sample:
		case <-r.done:
			return nil
		}
	}
	if lost > 0 {
		atomic.AddUint64(&r.lostSamples, lost)
	}
	return nil
}

const (
	perfRecordLost   = 2
	perfRecordSample = 9
)

func readRecord(rd io.Reader, cpu int) (*Sample, uint64, error) {
	var header perfEventHeader
	if err := binary.Read(rd, nativeEndian, &header); err != nil {
		if err == io.EOF {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, "read perf event header")
	}

	switch header.Type {
	case perfRecordLost:
		var body struct{ ID, Lost uint64 }
		if err := binary.Read(rd, nativeEndian, &body); err != nil {
			return nil, 0, errors.Wrap(err, "read lost record")
		}
		return nil, body.Lost, nil
	case perfRecordSample:
		var size uint32
		if err := binary.Read(rd, nativeEndian, &size); err != nil {
			return nil, 0, errors.Wrap(err, "read sample size")
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(rd, data); err != nil {
			return nil, 0, errors.Wrap(err, "read sample body")
		}
		return &Sample{CPU: cpu, Data: data}, 0, nil
	default:
		return nil, 0, errors.Errorf("unknown perf record type %d", header.Type)
	}
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
