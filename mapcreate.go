package bpfobj

import (
	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/internal/sys"
)

// createMaps materializes every Map as a kernel descriptor, in array
// order. A Map whose descriptor is already >= 0 (populated by
// ReuseDescriptor) is skipped. On any failure, every descriptor created
// earlier in this call is closed before the error is returned;
// descriptors populated by reuse are left alone, since they are owned by
// whoever called ReuseDescriptor.
func (o *Object) createMaps() error {
	if o.btfSpec != nil && o.btfHandle == nil {
		h, err := btfLoadSpec(o.btfSpec)
		if err == nil {
			o.btfHandle = h
		}
		// A kernel that rejects the raw BTF blob itself just means no
		// map gets type metadata attached; that is not fatal here.
	}

	created := make([]bool, len(o.maps))
	for i, m := range o.maps {
		if m.fd >= 0 {
			continue
		}
		if err := o.createOneMap(m); err != nil {
			for j := 0; j < i; j++ {
				if created[j] {
					o.maps[j].close()
				}
			}
			return newError(LOAD, "create-map", o.origin, err).withSection(m.name).withIndex(i)
		}
		created[i] = true
	}
	return nil
}

func (o *Object) createOneMap(m *Map) error {
	req := MapCreateRequest{
		Name:       m.name,
		Definition: m.def,
		IfIndex:    m.ifIndex,
	}

	if o.btfHandle != nil && o.btfSpec != nil {
		if info, err := o.btfSpec.FindMapInfo(m.name, m.def.KeySize, m.def.ValueSize); err == nil && info != nil {
			req.HasTypeInfo = true
			req.BTFFD = o.btfHandle.FD()
			req.BTFKeyID = uint32(info.KeyTypeID)
			req.BTFValueID = uint32(info.ValueTypeID)
		}
	}

	fd, err := kernel.CreateMap(req)
	if err == nil {
		m.fd = fd
		if req.HasTypeInfo {
			m.btfKeyTypeID = req.BTFKeyID
			m.btfValueTypeID = req.BTFValueID
		}
		return nil
	}

	if !req.HasTypeInfo {
		return err
	}

	// Fallback: retry once with type metadata stripped, tolerating
	// kernels older than BTF map annotation support.
	req.HasTypeInfo = false
	req.BTFFD = 0
	req.BTFKeyID = 0
	req.BTFValueID = 0
	fd, retryErr := kernel.CreateMap(req)
	if retryErr != nil {
		return errors.Wrap(err, retryErr.Error())
	}
	m.fd = fd
	m.btfKeyTypeID = 0
	m.btfValueTypeID = 0
	return nil
}

// ReuseDescriptor adopts an externally-created map descriptor into m,
// querying the kernel for its shape and closing m's previous descriptor,
// if any. After this call the map creator skips m.
func (m *Map) ReuseDescriptor(existingFD int) error {
	info, err := sys.MapInfoByFD(existingFD)
	if err != nil {
		return errors.Wrap(err, "reuse descriptor")
	}

	dup, err := sys.CloseOnExecDup(existingFD)
	if err != nil {
		return errors.Wrap(err, "reuse descriptor")
	}

	m.close()
	m.fd = dup
	m.name = nulTrim(info.Name[:])
	m.def = Definition{
		Type:       MapType(info.Type),
		KeySize:    info.KeySize,
		ValueSize:  info.ValueSize,
		MaxEntries: info.MaxEntries,
		Flags:      info.MapFlags,
	}
	m.btfKeyTypeID = info.BTFKeyID
	m.btfValueTypeID = info.BTFValueID
	return nil
}

func nulTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
