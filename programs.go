package bpfobj

import (
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/asm"
)

// Preprocessor derives a per-instance instruction stream from a Program's
// shared buffer. It is the only point user code runs inside the core: it
// borrows insns for the duration of the call and must return either a nil
// slice (skip this instance) or a buffer that stays valid until it
// returns.
type Preprocessor func(instance int, insns asm.Instructions) (asm.Instructions, error)

// instances is the three-state per-instance descriptor array: nr == -1
// means uninitialized, nr == 0 means zero instances, nr >= 1 carries one
// fd (or -1 for an explicitly skipped instance) per slot.
type instances struct {
	nr  int
	fds []int
}

// Program is one verifier-bound bytecode unit.
type Program struct {
	object *Object

	shndx   int
	name    string
	secName string

	insns         asm.Instructions
	mainProgCount int

	relocs []RelocDesc

	progType           ProgType
	expectedAttachType ExpectedAttachType
	ifIndex            uint32

	preprocessor  Preprocessor
	instanceCount int

	instances instances
}

// Name returns the program's canonical name: the global symbol at offset
// 0 of its section, or ".text" for the shared callee pool.
func (p *Program) Name() string { return p.name }

// SectionName returns the ELF section name the program was built from.
func (p *Program) SectionName() string { return p.secName }

// Type returns the program's kernel program type.
func (p *Program) Type() ProgType { return p.progType }

// SetType overrides the program type inferred at classification time.
func (p *Program) SetType(t ProgType) { p.progType = t }

// SetExpectedAttachType overrides the expected attach type.
func (p *Program) SetExpectedAttachType(t ExpectedAttachType) { p.expectedAttachType = t }

// SetPreprocessor installs a per-instance instruction hook and the number
// of instances the loader should submit.
func (p *Program) SetPreprocessor(n int, fn Preprocessor) {
	p.instanceCount = n
	p.preprocessor = fn
}

// FD returns the descriptor of the program's first (or only) instance,
// or -1 if it has not been loaded.
func (p *Program) FD() int {
	if p.instances.nr < 1 || len(p.instances.fds) == 0 {
		return -1
	}
	return p.instances.fds[0]
}

// InstanceFD returns the descriptor for a specific instance index.
func (p *Program) InstanceFD(i int) int {
	if i < 0 || i >= len(p.instances.fds) {
		return -1
	}
	return p.instances.fds[i]
}

func (p *Program) isStorage() bool { return p.secName == ".text" }

func (p *Program) closeInstances() {
	for i, fd := range p.instances.fds {
		if fd >= 0 {
			closeFD(fd)
			p.instances.fds[i] = -1
		}
	}
}

// resolveProgramNames walks the symbol table once, attaching the first
// STB_GLOBAL symbol at offset 0 of each Program's section as its name, or
// the literal ".text" when the program's section is the shared pool.
func (o *Object) resolveProgramNames() error {
	for _, p := range o.programs {
		name, err := findProgramName(o.efile.symbols, p.shndx)
		if err != nil {
			if p.shndx == o.efile.textShndx {
				p.name = ".text"
				continue
			}
			return newError(FORMAT, "resolve-name", o.origin, err).withSection(p.secName)
		}
		p.name = name
		if p.progType == Kprobe {
			if t, at := ProgTypeForSectionName(p.secName); t != UnspecifiedProg {
				p.progType = t
				p.expectedAttachType = at
			}
		}
	}
	return nil
}

func findProgramName(symbols []elf.Symbol, shndx int) (string, error) {
	for _, sym := range symbols {
		if int(sym.Section) != shndx || sym.Value != 0 {
			continue
		}
		if elf.ST_BIND(sym.Info) == elf.STB_GLOBAL {
			return sym.Name, nil
		}
	}
	return "", errors.New("no global symbol at section start; invalid bpf object")
}
