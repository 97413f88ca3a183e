package bpfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"github.com/go-quicktest/qt"

	"github.com/sentrybpf/bpfobj/asm"
)

// fakeKernel lets a test drive Load without a real kernel underneath it,
// the same substitution point production code uses to swap in
// internal/sys's bpf(2) wrappers.
type fakeKernel struct {
	createMap   func(MapCreateRequest) (int, error)
	loadProgram func(ProgLoadRequest) (int, string, error)
	pin         func(int, string) error
	objInfo     func(int, unsafe.Pointer, uintptr) error
}

func (f *fakeKernel) CreateMap(req MapCreateRequest) (int, error) {
	if f.createMap != nil {
		return f.createMap(req)
	}
	return fakeFD, nil
}

func (f *fakeKernel) LoadProgram(req ProgLoadRequest) (int, string, error) {
	if f.loadProgram != nil {
		return f.loadProgram(req)
	}
	return fakeFD, "", nil
}

// fakeFD is a placeholder descriptor returned by the default fakeKernel
// stubs. It must not collide with a real fd the test process owns (e.g.
// stdout/stderr), since production code's Close path really closes it.
const fakeFD = 999

func (f *fakeKernel) Pin(fd int, path string) error {
	if f.pin != nil {
		return f.pin(fd, path)
	}
	return nil
}

func (f *fakeKernel) ObjectInfoByDescriptor(fd int, info unsafe.Pointer, size uintptr) error {
	if f.objInfo != nil {
		return f.objInfo(fd, info, size)
	}
	return nil
}

func withFakeKernel(k KernelBpf) func() {
	old := kernel
	kernel = k
	return func() { kernel = old }
}

func versionSection() fixtureSection {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0x00040f00)
	return fixtureSection{name: "version", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: data}
}

func licenseSection(s string) fixtureSection {
	return fixtureSection{name: "license", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: append([]byte(s), 0)}
}

// Scenario 1: an empty-but-valid object with no programs and no maps.
func TestScenarioEmptyObject(t *testing.T) {
	raw := buildELF(
		[]fixtureSection{licenseSection("GPL")},
		nil,
	)

	obj, err := Open("empty.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()

	qt.Assert(t, qt.HasLen(obj.Programs(), 0))
	qt.Assert(t, qt.HasLen(obj.Maps(), 0))
	qt.Assert(t, qt.Equals(obj.License(), "GPL"))

	err = obj.Load()
	qt.Assert(t, qt.IsNotNil(err))
}

// Scenario 2: a single kprobe program, no maps.
func TestScenarioSingleKprobeProgram(t *testing.T) {
	insns := asm.Instructions{
		{OpCode: asm.OpCode(0xb7)}, // r0 = 0 (ALU64|MOV|K)
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}

	secs := []fixtureSection{
		licenseSection("GPL"),
		versionSection(),
		{name: "kprobe/do_sys_open", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(insns)},
	}
	syms := []fixtureSymbol{
		{name: "do_sys_open", shndx: 3, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC},
	}

	raw := buildELF(secs, syms)

	obj, err := Open("kprobe.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()

	qt.Assert(t, qt.HasLen(obj.Programs(), 1))
	p := obj.Programs()[0]
	qt.Assert(t, qt.Equals(p.Type(), Kprobe))
	qt.Assert(t, qt.Equals(obj.KernelVersion(), uint32(0x00040f00)))

	restore := withFakeKernel(&fakeKernel{})
	defer restore()

	qt.Assert(t, qt.IsNil(obj.Load()))
	qt.Assert(t, qt.Equals(p.FD() >= 0, true))
}

// Scenario 3: one program, one map, one LD64 relocation.
func TestScenarioProgramWithMapReloc(t *testing.T) {
	def := make([]byte, DefinitionSize)
	binary.LittleEndian.PutUint32(def[0:4], uint32(Hash))
	binary.LittleEndian.PutUint32(def[4:8], 4)
	binary.LittleEndian.PutUint32(def[8:12], 4)
	binary.LittleEndian.PutUint32(def[12:16], 1024)
	binary.LittleEndian.PutUint32(def[16:20], 0)

	insns := asm.Instructions{
		{OpCode: asm.OpCode(uint8(asm.LdClass) | uint8(asm.ImmMode) | uint8(asm.DWord)), Dst: asm.R1},
		{},
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}

	relData := make([]byte, 16)
	binary.LittleEndian.PutUint64(relData[0:8], 0)                // r_offset: insn 0
	binary.LittleEndian.PutUint64(relData[8:16], uint64(2)<<32) // symbol index 2 (counters)

	secs := []fixtureSection{
		licenseSection("GPL"),
		versionSection(),
		{name: "maps", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: def},
		{name: "kprobe/foo", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(insns)},
		{name: ".relkprobe/foo", typ: elf.SHT_REL, entsize: 16, info: 4, data: relData},
	}
	syms := []fixtureSymbol{
		{name: "foo", shndx: 4, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC},
		{name: "counters", shndx: 3, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT},
	}

	raw := buildELF(secs, syms)

	obj, err := Open("withmap.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()

	qt.Assert(t, qt.HasLen(obj.Maps(), 1))
	qt.Assert(t, qt.HasLen(obj.Programs(), 1))

	const mapFD = 42
	var sawPatchedInsn bool
	restore := withFakeKernel(&fakeKernel{
		createMap: func(MapCreateRequest) (int, error) { return mapFD, nil },
		loadProgram: func(req ProgLoadRequest) (int, string, error) {
			sawPatchedInsn = req.Instructions[0].Src == asm.PseudoMapFD && req.Instructions[0].Constant == mapFD
			return 7, "", nil
		},
	})
	defer restore()

	qt.Assert(t, qt.IsNil(obj.Load()))
	qt.Assert(t, qt.IsTrue(sawPatchedInsn))
	qt.Assert(t, qt.Equals(obj.Maps()[0].FD() >= 0, true))
}

// Scenario 4: a pseudo-call into .text.
func TestScenarioPseudoCallIntoText(t *testing.T) {
	callerInsns := asm.Instructions{
		{}, {}, {},
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Call)), Src: asm.PseudoCall},
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}
	textInsns := asm.Instructions{
		{}, {}, {}, {},
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}

	relData := make([]byte, 16)
	binary.LittleEndian.PutUint64(relData[0:8], 3*asm.InstructionSize)
	binary.LittleEndian.PutUint64(relData[8:16], uint64(1)<<32) // symbol index 1 (.text entry)

	secs := []fixtureSection{
		licenseSection("GPL"),
		versionSection(),
		{name: "kprobe/caller", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(callerInsns)},
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(textInsns)},
		{name: ".relkprobe/caller", typ: elf.SHT_REL, entsize: 16, info: 3, data: relData},
	}
	syms := []fixtureSymbol{
		// local: a .text relocation target need not be global, and must
		// not be, so resolveProgramNames falls back to naming the
		// section ".text" rather than picking up this symbol's name.
		{name: "text_helper", shndx: 4, value: 0, bind: elf.STB_LOCAL, typ: elf.STT_FUNC},
		{name: "caller", shndx: 3, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC},
	}

	raw := buildELF(secs, syms)

	obj, err := Open("pseudocall.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()

	qt.Assert(t, qt.HasLen(obj.Programs(), 2))
	caller := obj.Program("caller")
	qt.Assert(t, qt.IsNotNil(caller))

	var submittedNames []string
	var splicedCallDelta int32
	restore := withFakeKernel(&fakeKernel{
		loadProgram: func(req ProgLoadRequest) (int, string, error) {
			submittedNames = append(submittedNames, req.Name)
			qt.Assert(t, qt.Equals(len(req.Instructions), 10))
			splicedCallDelta = req.Instructions[3].Constant
			return 9, "", nil
		},
	})
	defer restore()

	qt.Assert(t, qt.IsNil(obj.Load()))
	qt.Assert(t, qt.DeepEquals(submittedNames, []string{"caller"}))
	qt.Assert(t, qt.Equals(splicedCallDelta, int32(2)))
}

// Scenario 5: map creation retries once without type metadata.
func TestScenarioMapCreateRetriesWithoutBTF(t *testing.T) {
	insns := asm.Instructions{
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}

	def := make([]byte, DefinitionSize)
	binary.LittleEndian.PutUint32(def[0:4], uint32(Hash))
	binary.LittleEndian.PutUint32(def[4:8], 4)
	binary.LittleEndian.PutUint32(def[8:12], 4)
	binary.LittleEndian.PutUint32(def[12:16], 8)

	secs := []fixtureSection{
		licenseSection("GPL"),
		versionSection(),
		{name: "maps", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: def},
		{name: "kprobe/foo", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(insns)},
		{name: ".BTF", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: buildBTFFixture("counters")},
	}
	syms := []fixtureSymbol{
		{name: "counters", shndx: 3, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT},
		{name: "foo", shndx: 4, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC},
	}

	raw := buildELF(secs, syms)

	obj, err := Open("btfretry.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()

	if os.Getuid() != 0 {
		t.Skip("loading type metadata into the kernel needs CAP_BPF")
	}

	calls := 0
	restore := withFakeKernel(&fakeKernel{
		createMap: func(req MapCreateRequest) (int, error) {
			calls++
			if req.HasTypeInfo {
				return -1, errEINVAL
			}
			return 5, nil
		},
	})
	defer restore()

	qt.Assert(t, qt.IsNil(obj.Load()))
	qt.Assert(t, qt.Equals(calls, 2))
	qt.Assert(t, qt.Equals(obj.Maps()[0].fd, 5))
	qt.Assert(t, qt.Equals(obj.Maps()[0].btfKeyTypeID, uint32(0)))
	qt.Assert(t, qt.Equals(obj.Maps()[0].btfValueTypeID, uint32(0)))
}

// Scenario 6: the third of three maps fails to create; the first two are
// closed and every descriptor is left at -1.
func TestScenarioPartialMapCreateFailureCleanup(t *testing.T) {
	insns := asm.Instructions{
		{OpCode: asm.OpCode(uint8(asm.JumpClass) | uint8(asm.Exit))},
	}

	oneDef := func(maxEntries uint32) []byte {
		b := make([]byte, DefinitionSize)
		binary.LittleEndian.PutUint32(b[0:4], uint32(Hash))
		binary.LittleEndian.PutUint32(b[4:8], 4)
		binary.LittleEndian.PutUint32(b[8:12], 4)
		binary.LittleEndian.PutUint32(b[12:16], maxEntries)
		return b
	}
	mapsData := append(append(oneDef(1), oneDef(2)...), oneDef(3)...)

	secs := []fixtureSection{
		licenseSection("GPL"),
		versionSection(),
		{name: "maps", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: mapsData},
		{name: "kprobe/foo", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: asmBytes(insns)},
	}
	syms := []fixtureSymbol{
		{name: "one", shndx: 3, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT},
		{name: "two", shndx: 3, value: DefinitionSize, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT},
		{name: "three", shndx: 3, value: 2 * DefinitionSize, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT},
		{name: "foo", shndx: 4, value: 0, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC},
	}

	raw := buildELF(secs, syms)

	obj, err := Open("partialfail.o", bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	defer obj.Close()
	qt.Assert(t, qt.HasLen(obj.Maps(), 3))

	created := 0
	restore := withFakeKernel(&fakeKernel{
		createMap: func(req MapCreateRequest) (int, error) {
			created++
			if req.Name == "three" {
				return -1, errEINVAL
			}
			return created, nil
		},
	})
	defer restore()

	err = obj.Load()
	qt.Assert(t, qt.IsNotNil(err))
	qt.Assert(t, qt.Equals(obj.Maps()[0].fd, -1))
	qt.Assert(t, qt.Equals(obj.Maps()[1].fd, -1))
	qt.Assert(t, qt.Equals(obj.Maps()[2].fd, -1))
}

var errEINVAL = &fixtureKernelError{msg: "invalid argument"}

type fixtureKernelError struct{ msg string }

func (e *fixtureKernelError) Error() string { return e.msg }

// buildBTFFixture assembles the minimal BTF blob mapcreate.go's lookup
// expects: one u32 int type and a ____btf_map_<name> container struct
// whose key and value members both point at it.
func buildBTFFixture(mapName string) []byte {
	const kindShift = 24
	bo := binary.LittleEndian

	strs := []byte{0}
	add := func(s string) uint32 {
		off := uint32(len(strs))
		strs = append(strs, []byte(s)...)
		strs = append(strs, 0)
		return off
	}
	u32Off := add("u32")
	structOff := add("____btf_map_" + mapName)
	keyOff := add("key")
	valueOff := add("value")

	var types bytes.Buffer
	putType := func(nameOff, info, sizeOrType uint32) {
		b := make([]byte, 12)
		bo.PutUint32(b[0:4], nameOff)
		bo.PutUint32(b[4:8], info)
		bo.PutUint32(b[8:12], sizeOrType)
		types.Write(b)
	}
	putMember := func(nameOff, typ, offset uint32) {
		b := make([]byte, 12)
		bo.PutUint32(b[0:4], nameOff)
		bo.PutUint32(b[4:8], typ)
		bo.PutUint32(b[8:12], offset)
		types.Write(b)
	}

	const kindInt = 1
	const kindStruct = 4
	putType(u32Off, kindInt<<kindShift, 4)
	putType(structOff, kindStruct<<kindShift|2, 8)
	putMember(keyOff, 1, 0)
	putMember(valueOff, 1, 32)

	hdr := make([]byte, 24)
	bo.PutUint16(hdr[0:2], 0xeB9F)
	hdr[2] = 1
	hdr[3] = 0
	bo.PutUint32(hdr[4:8], 24)
	bo.PutUint32(hdr[8:12], 0)
	bo.PutUint32(hdr[12:16], uint32(types.Len()))
	bo.PutUint32(hdr[16:20], uint32(types.Len()))
	bo.PutUint32(hdr[20:24], uint32(len(strs)))

	out := append(hdr, types.Bytes()...)
	out = append(out, strs...)
	return out
}
