package bpfobj

import (
	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/asm"
)

// relocKind tags a RelocDesc as either a map-fd fixup or a call fixup.
type relocKind int

const (
	relocLD64 relocKind = iota
	relocCall
)

// RelocDesc is a resolved relocation entry, owned by the Program it
// targets and consumed by the relocator.
type RelocDesc struct {
	kind    relocKind
	insnIdx int
	mapIdx  int
	textOff uint64
}

// collectRelocations walks every pending relocation section gathered
// during classification, attaching a RelocDesc list to the Program each
// section targets.
func (o *Object) collectRelocations() error {
	for _, pending := range o.efile.pendingRel {
		prog := o.findProgramByShndx(pending.target)
		if prog == nil {
			return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation section targets unknown program section %d", pending.target))
		}
		if err := o.collectProgramRelocations(prog, pending); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) findProgramByShndx(shndx int) *Program {
	for _, p := range o.programs {
		if p.shndx == shndx {
			return p
		}
	}
	return nil
}

const relEntrySize = 16 // Elf64_Rel: r_offset + r_info, 8 bytes each

func (o *Object) collectProgramRelocations(prog *Program, pending pendingReloc) error {
	entSize := pending.shdr.Entsize
	if entSize == 0 {
		entSize = relEntrySize
	}
	nrels := int(pending.shdr.Size / entSize)

	relocs := make([]RelocDesc, 0, nrels)
	bo := o.efile.byteOrder

	for i := 0; i < nrels; i++ {
		entOff := i * int(entSize)
		if entOff+16 > len(pending.data) {
			return newError(FORMAT, "reloc", o.origin, errors.New("truncated relocation entry")).withSection(prog.secName).withIndex(i)
		}
		off := bo.Uint64(pending.data[entOff : entOff+8])
		info := bo.Uint64(pending.data[entOff+8 : entOff+16])
		symIdx := int(info >> 32)

		// debug/elf's Symbols omits the reserved null entry at raw index
		// 0: a raw symbol index x is symbols[x-1], not symbols[x].
		if symIdx <= 0 || symIdx > len(o.efile.symbols) {
			return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d: symbol index %d out of range", i, symIdx)).withSection(prog.secName).withIndex(i)
		}
		sym := o.efile.symbols[symIdx-1]

		if int(sym.Section) != o.efile.mapsShndx && int(sym.Section) != o.efile.textShndx {
			return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d targets neither maps nor .text", i)).withSection(prog.secName).withIndex(i)
		}

		insnIdx := int(off / asm.InstructionSize)
		if insnIdx >= len(prog.insns) {
			return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d: instruction index %d out of range", i, insnIdx)).withSection(prog.secName).withIndex(i)
		}
		insn := prog.insns[insnIdx]

		switch {
		case insn.OpCode.IsCall():
			if insn.Src != asm.PseudoCall {
				return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d: call without pseudo-call tag", i)).withSection(prog.secName).withIndex(i)
			}
			relocs = append(relocs, RelocDesc{kind: relocCall, insnIdx: insnIdx, textOff: sym.Value})
			o.hasPseudoCalls = true

		case insn.OpCode.IsLoadImm64():
			mapIdx, ok := o.mapIndexByOffset(sym.Value)
			if !ok {
				return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d: no map at offset %d", i, sym.Value)).withSection(prog.secName).withIndex(i)
			}
			relocs = append(relocs, RelocDesc{kind: relocLD64, insnIdx: insnIdx, mapIdx: mapIdx})

		default:
			return newError(RELOC, "reloc", o.origin, errors.Errorf("relocation %d: instruction is neither a call nor a wide load", i)).withSection(prog.secName).withIndex(i)
		}
	}

	prog.relocs = relocs
	return nil
}

// mapIndexByOffset finds the Map whose section offset equals want. The
// loop runs to completion and reports "not found" explicitly rather than
// relying on an index comparison after the loop exits, which is the fix
// for a map-lookup bug in the algorithm this is grounded on: an
// off-by-one-prone index check performed only after the index had
// already been used.
func (o *Object) mapIndexByOffset(want uint64) (int, bool) {
	for i, m := range o.maps {
		if m.offset == want {
			return i, true
		}
	}
	return 0, false
}
