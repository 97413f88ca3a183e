package bpfobj

import (
	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/asm"
)

// relocateAll resolves every RelocDesc on every Program against the
// created Maps (LD64) or against the shared .text pool (CALL, which also
// splices .text's instructions into the caller). The RelocDesc list is
// released from each Program once it has been fully consumed.
func (o *Object) relocateAll() error {
	for _, p := range o.programs {
		if err := o.relocateProgram(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) relocateProgram(p *Program) error {
	for _, r := range p.relocs {
		switch r.kind {
		case relocLD64:
			if err := o.applyLD64(p, r); err != nil {
				return err
			}
		case relocCall:
			if err := o.applyCall(p, r); err != nil {
				return err
			}
		}
	}
	p.relocs = nil
	return nil
}

func (o *Object) applyLD64(p *Program, r RelocDesc) error {
	if r.insnIdx >= len(p.insns) {
		return newError(RELOC, "relocate", o.origin, errors.Errorf("insn index %d out of range", r.insnIdx)).withSection(p.secName)
	}
	if r.mapIdx >= len(o.maps) {
		return newError(INTERNAL, "relocate", o.origin, errors.Errorf("map index %d out of range", r.mapIdx)).withSection(p.secName)
	}
	m := o.maps[r.mapIdx]
	if err := p.insns.PatchLoadMapFD(r.insnIdx, int32(m.fd)); err != nil {
		return newError(RELOC, "relocate", o.origin, err).withSection(p.secName)
	}
	return nil
}

func (o *Object) applyCall(p *Program, r RelocDesc) error {
	if p.isStorage() {
		return newError(RELOC, "relocate", o.origin, errors.New("call relocation inside .text")).withSection(p.secName)
	}

	if p.mainProgCount == 0 {
		text := o.findProgramByShndx(o.efile.textShndx)
		if text == nil {
			return newError(RELOC, "relocate", o.origin, errors.New("call relocation but no .text section")).withSection(p.secName)
		}
		p.mainProgCount = len(p.insns)
		combined := make(asm.Instructions, 0, len(p.insns)+len(text.insns))
		combined = append(combined, p.insns...)
		combined = append(combined, text.insns...)
		p.insns = combined
	}

	delta := int32(p.mainProgCount - r.insnIdx)
	if err := p.insns.PatchCall(r.insnIdx, delta); err != nil {
		return newError(RELOC, "relocate", o.origin, err).withSection(p.secName)
	}
	return nil
}
