package bpfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/sentrybpf/bpfobj/asm"
)

// fixtureSection describes one ELF section to embed in a hand-built
// relocatable object. Sections are written in the order given, starting
// at index 1 (index 0 is the implicit null section).
type fixtureSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

// fixtureSymbol describes one ELF symbol table entry. shndx is the
// absolute section index (1-based, matching the position a fixtureSection
// ends up at in the final section table).
type fixtureSymbol struct {
	name  string
	shndx uint16
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
}

// buildELF assembles a minimal little-endian ELF64 ET_REL object around
// the given sections and symbols, suitable for decoding with debug/elf.
// It exists because no compiled fixtures are available: every loader test
// below builds its own object bytes the same way btf's fixture builder
// hand-assembles a type blob.
func buildELF(secs []fixtureSection, syms []fixtureSymbol) []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
		symSize  = 24
	)

	names := []string{""}
	for _, s := range secs {
		names = append(names, s.name)
	}
	names = append(names, ".symtab", ".strtab", ".shstrtab")

	shstrtab, nameOffs := buildStrtab(names[1:])

	strNames := make([]string, 0, len(syms)+1)
	strNames = append(strNames, "")
	for _, s := range syms {
		strNames = append(strNames, s.name)
	}
	strtab, strOff := buildStrtab(strNames[1:])

	symtab := make([]byte, symSize) // STN_UNDEF
	for i, s := range syms {
		buf := make([]byte, symSize)
		binary.LittleEndian.PutUint32(buf[0:4], strOff[i+1])
		buf[4] = elf.ST_INFO(s.bind, s.typ)
		binary.LittleEndian.PutUint16(buf[6:8], s.shndx)
		binary.LittleEndian.PutUint64(buf[8:16], s.value)
		binary.LittleEndian.PutUint64(buf[16:24], s.size)
		symtab = append(symtab, buf...)
	}

	symtabIdx := uint16(1 + len(secs))
	strtabIdx := symtabIdx + 1
	shstrtabIdx := strtabIdx + 1

	all := make([]fixtureSection, 0, len(secs)+3)
	all = append(all, secs...)
	all = append(all, fixtureSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: uint32(strtabIdx), entsize: symSize, info: 1})
	all = append(all, fixtureSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab})
	all = append(all, fixtureSection{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab})

	// Lay out section data starting right after the ELF header.
	offsets := make([]uint64, len(all))
	cur := uint64(ehdrSize)
	for i, s := range all {
		if len(s.data) == 0 {
			offsets[i] = cur
			continue
		}
		cur = align(cur, 8)
		offsets[i] = cur
		cur += uint64(len(s.data))
	}
	shoff := align(cur, 8)

	var buf bytes.Buffer
	buf.Write(make([]byte, ehdrSize))
	for i, s := range all {
		for uint64(buf.Len()) < offsets[i] {
			buf.WriteByte(0)
		}
		buf.Write(s.data)
	}
	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}

	out := buf.Bytes()

	// e_ident
	out[0], out[1], out[2], out[3] = 0x7f, 'E', 'L', 'F'
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	out[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(out[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(out[18:20], 247) // EM_BPF
	binary.LittleEndian.PutUint32(out[20:24], 1)
	binary.LittleEndian.PutUint64(out[40:48], shoff)
	binary.LittleEndian.PutUint16(out[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(out[58:60], shdrSize)
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(all)+1))
	binary.LittleEndian.PutUint16(out[62:64], shstrtabIdx)

	// Section headers: null + every section, names resolved against
	// shstrtab.
	shBuf := make([]byte, shdrSize) // null section
	for i, s := range all {
		h := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(h[0:4], nameOffs[i+1])
		binary.LittleEndian.PutUint32(h[4:8], uint32(s.typ))
		binary.LittleEndian.PutUint64(h[8:16], uint64(s.flags))
		binary.LittleEndian.PutUint64(h[24:32], offsets[i])
		binary.LittleEndian.PutUint64(h[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(h[40:44], s.link)
		binary.LittleEndian.PutUint32(h[44:48], s.info)
		binary.LittleEndian.PutUint64(h[48:56], 8)
		binary.LittleEndian.PutUint64(h[56:64], s.entsize)
		shBuf = append(shBuf, h...)
	}

	return append(out, shBuf...)
}

func align(off, a uint64) uint64 {
	if a <= 1 {
		return off
	}
	if r := off % a; r != 0 {
		return off + (a - r)
	}
	return off
}

// buildStrtab concatenates names into a NUL-separated string table
// starting with an empty name at offset 0, returning the table bytes and
// each name's offset (index 0 is the leading empty string's offset, 0).
func buildStrtab(names []string) ([]byte, []uint32) {
	tab := []byte{0}
	offs := make([]uint32, len(names)+1)
	for i, n := range names {
		offs[i+1] = uint32(len(tab))
		tab = append(tab, []byte(n)...)
		tab = append(tab, 0)
	}
	return tab, offs
}

// asmBytes marshals insns with the host byte order, the same encoding
// buildELF's caller expects an executable PROGBITS section to carry.
func asmBytes(insns asm.Instructions) []byte {
	return insns.Marshal(nativeByteOrder)
}
