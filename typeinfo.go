package bpfobj

import (
	"github.com/sentrybpf/bpfobj/btf"
)

// TypeInfo names the type-metadata lookups btf.Spec provides. The map
// creator does not go through it: it holds a concrete *btf.Spec and calls
// its FindMapInfo for the ____btf_map_<name> container-struct convention,
// so the type metadata cannot be substituted in tests through this
// interface.
type TypeInfo interface {
	FindByName(name string) []btf.TypeID
	TypeByID(id btf.TypeID) (*btf.TypeRecord, error)
	ResolveSize(id btf.TypeID) (uint32, error)
}

var _ TypeInfo = (*btf.Spec)(nil)

func btfLoadSpec(spec *btf.Spec) (*btf.Handle, error) {
	return btf.Load(spec)
}
