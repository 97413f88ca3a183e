package bpfobj

import (
	"encoding"
	"encoding/binary"
	"sort"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/internal/sys"
)

const (
	updateAny     = 0
	updateNoExist = 1
	updateExist   = 2
)

// Map is one kernel map resource discovered from the maps section.
type Map struct {
	name    string
	offset  uint64
	fd      int
	ifIndex uint32
	def     Definition

	btfKeyTypeID   uint32
	btfValueTypeID uint32

	private interface{}
}

// Name returns the map's canonical name.
func (m *Map) Name() string { return m.name }

// FD returns the map's kernel descriptor, or -1 if it has not been
// created (or has been unloaded).
func (m *Map) FD() int { return m.fd }

// Definition returns the map's type/key-size/value-size/max-entries/flags
// record.
func (m *Map) Definition() Definition { return m.def }

// SetPrivate stashes an opaque caller value on the Map.
func (m *Map) SetPrivate(v interface{}) { m.private = v }

// Private returns the value passed to the most recent SetPrivate call.
func (m *Map) Private() interface{} { return m.private }

// Put inserts or overwrites the value stored under key.
func (m *Map) Put(key, value encoding.BinaryMarshaler) error {
	_, err := m.update(key, value, updateAny)
	return err
}

// Create inserts value under key only if key is not already present. It
// reports false, with no error, if key already exists.
func (m *Map) Create(key, value encoding.BinaryMarshaler) (bool, error) {
	return m.update(key, value, updateNoExist)
}

// Replace overwrites the value stored under key only if key already
// exists. It reports false, with no error, if key is absent.
func (m *Map) Replace(key, value encoding.BinaryMarshaler) (bool, error) {
	return m.update(key, value, updateExist)
}

// Get looks up key and, if present, unmarshals its value into value. It
// reports false, with no error, if key is absent.
func (m *Map) Get(key encoding.BinaryMarshaler, value encoding.BinaryUnmarshaler) (bool, error) {
	keyBuf, err := sizedBytes(key, int(m.def.KeySize), "key")
	if err != nil {
		return false, err
	}
	valueBuf := make([]byte, m.def.ValueSize)

	err = sys.MapLookupElem(m.fd, unsafe.Pointer(&keyBuf[0]), unsafe.Pointer(&valueBuf[0]))
	if err != nil {
		if errors.Cause(err) == syscall.ENOENT {
			return false, nil
		}
		return false, newError(INTERNAL, "lookup", m.name, err)
	}
	return true, value.UnmarshalBinary(valueBuf)
}

// Delete removes key from the map. It reports false, with no error, if
// key was already absent.
func (m *Map) Delete(key encoding.BinaryMarshaler) (bool, error) {
	keyBuf, err := sizedBytes(key, int(m.def.KeySize), "key")
	if err != nil {
		return false, err
	}
	err = sys.MapDeleteElem(m.fd, unsafe.Pointer(&keyBuf[0]))
	if err == nil {
		return true, nil
	}
	if errors.Cause(err) == syscall.ENOENT {
		return false, nil
	}
	return false, newError(INTERNAL, "delete", m.name, err)
}

// NextKey fetches the key that follows key in iteration order into
// nextKey. A nil key starts iteration from the first key. It reports
// false, with no error, once iteration is exhausted.
func (m *Map) NextKey(key encoding.BinaryMarshaler, nextKey encoding.BinaryUnmarshaler) (bool, error) {
	var keyPtr unsafe.Pointer
	if key != nil {
		keyBuf, err := sizedBytes(key, int(m.def.KeySize), "key")
		if err != nil {
			return false, err
		}
		keyPtr = unsafe.Pointer(&keyBuf[0])
	}

	nextBuf := make([]byte, m.def.KeySize)
	err := sys.MapGetNextKey(m.fd, keyPtr, unsafe.Pointer(&nextBuf[0]))
	if err != nil {
		if errors.Cause(err) == syscall.ENOENT {
			return false, nil
		}
		return false, newError(INTERNAL, "next-key", m.name, err)
	}
	return true, nextKey.UnmarshalBinary(nextBuf)
}

func (m *Map) update(key, value encoding.BinaryMarshaler, flags uint64) (bool, error) {
	keyBuf, err := sizedBytes(key, int(m.def.KeySize), "key")
	if err != nil {
		return false, err
	}
	valueBuf, err := sizedBytes(value, int(m.def.ValueSize), "value")
	if err != nil {
		return false, err
	}

	err = sys.MapUpdateElem(m.fd, unsafe.Pointer(&keyBuf[0]), unsafe.Pointer(&valueBuf[0]), flags)
	if err != nil {
		switch {
		case flags == updateNoExist && errors.Cause(err) == syscall.EEXIST:
			return false, nil
		case flags == updateExist && errors.Cause(err) == syscall.ENOENT:
			return false, nil
		}
		return false, newError(INTERNAL, "update", m.name, err)
	}
	return true, nil
}

func sizedBytes(kv encoding.BinaryMarshaler, size int, what string) ([]byte, error) {
	raw, err := kv.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", what)
	}
	if len(raw) > size {
		return nil, errors.Errorf("%s is %d bytes, map wants %d", what, len(raw), size)
	}
	if len(raw) == size {
		return raw, nil
	}
	buf := make([]byte, size)
	copy(buf, raw)
	return buf, nil
}

// EventArray adapts a map of type PerfEventArray to the narrow uint32
// key/value interface a ring buffer reader needs to install one event fd
// per CPU, without this package depending on the ringbuf package.
type EventArray struct {
	m *Map
}

// NewEventArray wraps m, which must have been created with type
// PerfEventArray.
func NewEventArray(m *Map) *EventArray {
	return &EventArray{m}
}

// Put installs value (an event fd) under the per-CPU key.
func (a *EventArray) Put(key, value uint32) error {
	_, err := a.m.update(uint32Marshaler(key), uint32Marshaler(value), updateAny)
	return err
}

// Close releases the underlying map.
func (a *EventArray) Close() error {
	a.m.close()
	return nil
}

type uint32Marshaler uint32

func (u uint32Marshaler) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	nativeByteOrder.PutUint32(buf, uint32(u))
	return buf, nil
}

func (m *Map) close() {
	if m.fd >= 0 {
		closeFD(m.fd)
		m.fd = -1
	}
}

// buildMapTable converts the maps-section bytes and the maps-section
// symbols into the Object's ordered Map array. It runs after every
// section has been discovered, so the symbol table is complete.
func (o *Object) buildMapTable() error {
	f := o.efile.file
	sec := f.Sections[o.efile.mapsShndx]
	data, err := sec.Data()
	if err != nil {
		return newError(FORMAT, "maps", o.origin, err).withSection(sec.Name)
	}

	n := 0
	for _, sym := range o.efile.symbols {
		if int(sym.Section) == o.efile.mapsShndx {
			n++
		}
	}
	if n == 0 {
		return nil
	}

	dataSize := uint64(len(data))
	if dataSize == 0 || dataSize%uint64(n) != 0 {
		return newError(FORMAT, "maps", o.origin, errors.Errorf("maps section is %d bytes, not evenly divisible by %d maps", dataSize, n)).withSection(sec.Name)
	}
	defSz := dataSize / uint64(n)

	maps := make([]*Map, 0, n)
	idx := 0
	for _, sym := range o.efile.symbols {
		if int(sym.Section) != o.efile.mapsShndx {
			continue
		}
		if sym.Value+defSz > dataSize {
			return newError(FORMAT, "maps", o.origin, errors.Errorf("map %q exceeds section bounds", sym.Name)).withSection(sec.Name).withIndex(idx)
		}

		def, err := decodeDefinition(data[sym.Value:sym.Value+defSz], o.efile.byteOrder)
		if err != nil {
			return newError(FORMAT, "maps", o.origin, err).withSection(sec.Name).withIndex(idx)
		}

		maps = append(maps, &Map{
			name:   sym.Name,
			offset: sym.Value,
			fd:     -1,
			def:    def,
		})
		idx++
	}

	sort.Slice(maps, func(i, j int) bool { return maps[i].offset < maps[j].offset })
	o.maps = maps
	return nil
}

// decodeDefinition copies the known Definition prefix out of raw. If raw
// is larger than the known shape, every trailing byte must be zero or
// the map is rejected as carrying unrecognized options.
func decodeDefinition(raw []byte, bo binary.ByteOrder) (Definition, error) {
	var def Definition
	known := raw
	if len(raw) > DefinitionSize {
		known = raw[:DefinitionSize]
		for _, b := range raw[DefinitionSize:] {
			if b != 0 {
				return def, errors.New("map definition has unrecognized, non-zero options")
			}
		}
	}

	buf := make([]byte, DefinitionSize)
	copy(buf, known)
	def.Type = MapType(bo.Uint32(buf[0:4]))
	def.KeySize = bo.Uint32(buf[4:8])
	def.ValueSize = bo.Uint32(buf[8:12])
	def.MaxEntries = bo.Uint32(buf[12:16])
	def.Flags = bo.Uint32(buf[16:20])
	return def, nil
}

