// Copyright 2017 Nathan Sweet. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

// Package bpfobj loads precompiled kernel-verifier bytecode objects: it
// reads an ELF file produced by a BPF-targeting compiler, builds the map
// and program tables it describes, resolves relocations against freshly
// created map descriptors and a shared .text callee pool, and submits
// every program to the kernel.
package bpfobj

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/btf"
	"github.com/sentrybpf/bpfobj/internal/sys"
)

// maxLicenseLen is the number of bytes retained from a license section,
// matching the kernel's BPF_OBJ_NAME_LEN-adjacent convention for this
// field.
const maxLicenseLen = 63

// Object is the root aggregate produced by Open: an ELF object's maps,
// programs and relocations, tracked through to kernel submission.
type Object struct {
	origin  string
	license string
	kernVersion uint32

	programs []*Program
	maps     []*Map

	btfSpec   *btf.Spec
	btfHandle *btf.Handle

	loaded         bool
	hasPseudoCalls bool

	efile *elfState

	private interface{}
	release func(interface{})
}

// elfState is scratch parsing state, valid only between Open and the
// point elfFinish runs (automatically at the end of Open, and again,
// idempotently, on Close).
type elfState struct {
	closer     io.Closer
	file       *elf.File
	byteOrder  binary.ByteOrder
	symbols    []elf.Symbol
	strtabidx  int
	mapsShndx  int
	textShndx  int
	pendingRel []pendingReloc
}

type pendingReloc struct {
	shdr   elf.SectionHeader
	data   []byte
	target int
}

func (e *elfState) valid() bool { return e != nil && e.file != nil }

// OpenOption customizes Open. Functional options, not a config struct or
// env-driven framework, matching the call-parameter-only configuration
// surface the teacher exposes.
type OpenOption func(*openConfig)

type openConfig struct {
	mapIfIndex  uint32
	progIfIndex uint32
}

// WithOffloadDevice sets the network device index every Map and Program
// in the object is created against, for hardware offload.
func WithOffloadDevice(ifIndex uint32) OpenOption {
	return func(c *openConfig) {
		c.mapIfIndex = ifIndex
		c.progIfIndex = ifIndex
	}
}

var (
	registryMu sync.Mutex
	registry   = map[*Object]struct{}{}
)

func registerObject(o *Object) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[o] = struct{}{}
}

func unregisterObject(o *Object) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, o)
}

// Objects returns every currently open Object, in no particular order.
// The C original links every object into an unsynchronized global list;
// this registry is the same idea guarded by a mutex, per the resource
// model's requirement that shared process state not be exposed
// unsynchronized.
func Objects() []*Object {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*Object, 0, len(registry))
	for o := range registry {
		out = append(out, o)
	}
	return out
}

// ObjectByName returns the first registered Object whose origin equals
// name, or nil if none match.
func ObjectByName(name string) *Object {
	registryMu.Lock()
	defer registryMu.Unlock()
	for o := range registry {
		if o.origin == name {
			return o
		}
	}
	return nil
}

// Open parses the ELF object backed by r, which must support random
// access the way an on-disk file or an in-memory buffer does. name
// identifies the object in errors and in the process-wide registry.
func Open(name string, r io.ReaderAt, opts ...OpenOption) (obj *Object, err error) {
	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	obj = &Object{
		origin: name,
		efile: &elfState{
			mapsShndx: -1,
			textShndx: -1,
		},
	}
	if closer, ok := r.(io.Closer); ok {
		obj.efile.closer = closer
	}

	partial := obj
	defer func() {
		if err != nil {
			partial.elfFinish()
			partial.Close()
		}
	}()

	if err = obj.elfOpen(r); err != nil {
		return nil, err
	}
	if err = obj.elfCollect(); err != nil {
		return nil, err
	}
	if err = obj.checkEndianAndFormat(); err != nil {
		return nil, err
	}
	if cfg.mapIfIndex != 0 {
		for _, m := range obj.maps {
			m.ifIndex = cfg.mapIfIndex
		}
	}
	if cfg.progIfIndex != 0 {
		for _, p := range obj.programs {
			p.ifIndex = cfg.progIfIndex
		}
	}

	obj.elfFinish()
	registerObject(obj)
	return obj, nil
}

// OpenFile opens path read-only and parses it as a BPF object.
func OpenFile(path string, opts ...OpenOption) (*Object, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, newError(LIBELF, "open", path, err)
	}
	return Open(path, f, opts...)
}

// Name returns the Object's origin identifier.
func (o *Object) Name() string { return o.origin }

// License returns the license string the object declared.
func (o *Object) License() string { return o.license }

// KernelVersion returns the kernel-version word the object declared.
func (o *Object) KernelVersion() uint32 { return o.kernVersion }

// Programs returns the Object's programs in discovery order.
func (o *Object) Programs() []*Program { return o.programs }

// Maps returns the Object's maps, sorted ascending by section offset.
func (o *Object) Maps() []*Map { return o.maps }

// Program returns the program named name, or nil.
func (o *Object) Program(name string) *Program {
	for _, p := range o.programs {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Map returns the map named name, or nil.
func (o *Object) Map(name string) *Map {
	for _, m := range o.maps {
		if m.name == name {
			return m
		}
	}
	return nil
}

// SetPrivate stashes an opaque caller value on the Object, releasable
// with release when the Object is closed.
func (o *Object) SetPrivate(v interface{}, release func(interface{})) {
	o.private = v
	o.release = release
}

// Private returns the value passed to the most recent SetPrivate call.
func (o *Object) Private() interface{} { return o.private }

// Load creates every Map, patches every relocation, and submits every
// program to the kernel. Load may only be called once; it is not
// idempotent.
func (o *Object) Load() error {
	if o.loaded {
		return newError(INTERNAL, "load", o.origin, errors.New("object already loaded"))
	}
	if len(o.programs) == 0 {
		return newError(INTERNAL, "load", o.origin, errors.Errorf("no programs to load"))
	}
	if err := o.validate(); err != nil {
		return err
	}
	if err := o.createMaps(); err != nil {
		return err
	}
	if err := o.relocateAll(); err != nil {
		return err
	}
	if err := o.loadPrograms(); err != nil {
		return err
	}
	o.loaded = true
	return nil
}

// Unload closes every Map and Program-instance descriptor the Object
// owns, setting each slot to -1. Unload is idempotent.
func (o *Object) Unload() {
	for _, m := range o.maps {
		m.close()
	}
	for _, p := range o.programs {
		p.closeInstances()
	}
	o.loaded = false
}

// Close unloads the Object, releases the type-metadata handle and all
// inner allocations, and deregisters it from the process-wide registry.
// Close is idempotent.
func (o *Object) Close() error {
	o.Unload()
	if o.btfHandle != nil {
		o.btfHandle.Close()
		o.btfHandle = nil
	}
	o.elfFinish()
	unregisterObject(o)
	if o.release != nil {
		o.release(o.private)
		o.release = nil
	}
	return nil
}

func (o *Object) elfFinish() {
	if !o.efile.valid() {
		return
	}
	if o.efile.closer != nil {
		o.efile.closer.Close()
	}
	o.efile.file = nil
}

// RemoveMemlockRlimit lifts RLIMIT_MEMLOCK, required on kernels before
// 5.11 before any map can be created. It is not part of the per-Object
// pipeline: call it once, before opening any object.
func RemoveMemlockRlimit() error {
	return sys.RemoveMemlockRlimit()
}
