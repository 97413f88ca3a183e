package bpfobj

import (
	"debug/elf"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/asm"
	"github.com/sentrybpf/bpfobj/btf"
)

func openFile(path string) (*os.File, error) {
	return os.Open(path)
}

// bytecodeMachine is the ELF e_machine value the kernel's verifier
// bytecode identifies itself with, EM_BPF in the generic ELF header.
const bytecodeMachine = elf.Machine(247)

// elfOpen reads the ELF header and section table into the Object's
// scratch state. It does not yet classify sections.
func (o *Object) elfOpen(r io.ReaderAt) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return newError(LIBELF, "open", o.origin, err)
	}
	o.efile.file = f
	o.efile.byteOrder = f.ByteOrder
	return nil
}

// checkEndianAndFormat rejects objects whose ELF type or machine does not
// match what the loader accepts, and rejects a byte-order mismatch
// against the host. Per the non-goals, mismatched objects are refused,
// never byte-swapped.
func (o *Object) checkEndianAndFormat() error {
	f := o.efile.file
	if f == nil {
		return newError(INTERNAL, "validate", o.origin, errors.New("elf state already released"))
	}
	if f.Type != elf.ET_REL {
		return newError(FORMAT, "validate", o.origin, errors.Errorf("unexpected ELF type %v, want ET_REL", f.Type))
	}
	if f.Machine != 0 && f.Machine != bytecodeMachine {
		return newError(FORMAT, "validate", o.origin, errors.Errorf("unexpected machine %v", f.Machine))
	}
	if f.ByteOrder != nativeByteOrder {
		return newError(ENDIAN, "validate", o.origin, errors.Errorf("object byte order does not match host"))
	}
	return nil
}

// elfCollect walks every section once, classifying it per the rules in
// the section classifier, then builds the map and program tables and
// resolves program names. The maps section is processed only after every
// section has been discovered, so the symbol table is guaranteed
// available.
func (o *Object) elfCollect() error {
	f := o.efile.file

	symbols, err := f.Symbols()
	if err != nil {
		return newError(FORMAT, "collect", o.origin, err)
	}
	o.efile.symbols = symbols

	strtabidx, err := symbolStrtabIndex(f)
	if err != nil {
		return newError(FORMAT, "collect", o.origin, err)
	}
	o.efile.strtabidx = strtabidx
	if o.efile.strtabidx <= 0 || o.efile.strtabidx >= len(f.Sections) {
		return newError(FORMAT, "collect", o.origin, errors.Errorf("string table index %d out of range", o.efile.strtabidx))
	}

	sawSymtab := false
	for idx, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			data, err := sec.Data()
			if err != nil {
				return newError(FORMAT, "collect", o.origin, err).withSection(sec.Name)
			}
			o.license = trimLicense(data)

		case sec.Name == "version":
			data, err := sec.Data()
			if err != nil {
				return newError(FORMAT, "collect", o.origin, err).withSection(sec.Name)
			}
			if len(data) != 4 {
				return newError(FORMAT, "collect", o.origin, errors.Errorf("version section is %d bytes, want 4", len(data))).withSection(sec.Name)
			}
			o.kernVersion = o.efile.byteOrder.Uint32(data)

		case sec.Name == "maps":
			o.efile.mapsShndx = idx

		case sec.Name == ".BTF":
			data, err := sec.Data()
			if err == nil {
				spec, perr := btf.Parse(data, o.efile.byteOrder)
				if perr == nil {
					o.btfSpec = spec
				}
				// A malformed .BTF section is ignored: btf stays unset
				// rather than failing the whole object. No warning is
				// emitted.
			}

		case sec.Type == elf.SHT_SYMTAB:
			if sawSymtab {
				return newError(FORMAT, "collect", o.origin, errors.New("multiple symbol tables")).withSection(sec.Name)
			}
			sawSymtab = true

		case sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0 && sec.Size > 0:
			if sec.Name == ".text" {
				o.efile.textShndx = idx
			}
			data, err := sec.Data()
			if err != nil {
				return newError(FORMAT, "collect", o.origin, err).withSection(sec.Name)
			}
			if len(data) < asm.InstructionSize {
				return newError(FORMAT, "collect", o.origin, errors.Errorf("section %q shorter than one instruction", sec.Name)).withSection(sec.Name)
			}
			if len(data)%asm.InstructionSize != 0 {
				return newError(FORMAT, "collect", o.origin, errors.Errorf("section %q is not a multiple of %d bytes", sec.Name, asm.InstructionSize)).withSection(sec.Name)
			}
			o.programs = append(o.programs, &Program{
				object:   o,
				shndx:    idx,
				secName:  sec.Name,
				insns:    asm.Unmarshal(data, o.efile.byteOrder),
				progType: Kprobe,
				instances: instances{nr: -1},
			})

		case sec.Type == elf.SHT_REL:
			target := int(sec.Info)
			if target <= 0 || target >= len(f.Sections) {
				continue
			}
			if f.Sections[target].Flags&elf.SHF_EXECINSTR == 0 {
				continue
			}
			data, err := sec.Data()
			if err != nil {
				return newError(FORMAT, "collect", o.origin, err).withSection(sec.Name)
			}
			o.efile.pendingRel = append(o.efile.pendingRel, pendingReloc{
				shdr:   sec.SectionHeader,
				data:   data,
				target: target,
			})
		}
	}

	if o.efile.mapsShndx >= 0 {
		if err := o.buildMapTable(); err != nil {
			return err
		}
	}

	if err := o.resolveProgramNames(); err != nil {
		return err
	}

	return o.collectRelocations()
}

func symbolStrtabIndex(f *elf.File) (int, error) {
	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_SYMTAB {
			return int(sec.Link), nil
		}
	}
	return 0, errors.New("no symbol table")
}

func trimLicense(data []byte) string {
	s := string(data)
	for i, c := range s {
		if c == 0 {
			s = s[:i]
			break
		}
	}
	if len(s) > maxLicenseLen {
		s = s[:maxLicenseLen]
	}
	return s
}
