// Package btf parses BPF Type Format metadata: the self-describing type
// section an object file may carry alongside its maps and programs to
// annotate key and value shapes.
package btf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const btfMagic = 0xeB9F

type header struct {
	Magic   uint16
	Version uint8
	Flags   uint8
	HdrLen  uint32

	TypeOff   uint32
	TypeLen   uint32
	StringOff uint32
	StringLen uint32
}

// Spec is parsed type metadata: a type table and the string table its
// name offsets index into.
type Spec struct {
	byteOrder binary.ByteOrder
	rawBTF    []byte
	types     []rawType
	strings   map[uint32]string
	byName    map[string][]TypeID
}

// TypeID identifies one entry in the type table. IDs start at 1; 0 is
// reserved by the format for "void".
type TypeID uint32

type rawType struct {
	nameOff uint32
	info    uint32
	sizeOrType uint32
	members    []member
}

type member struct {
	nameOff uint32
	typeID  TypeID
	offset  uint32
}

// Kind is the BTF_KIND_* tag of a type record.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindForward
	KindTypedef
	KindVolatile
	KindConst
	KindRestrict
	KindFunc
	KindFuncProto
	KindVar
	KindDatasec
)

const (
	kindShift = 24
	kindLen   = 4
	vlenShift = 0
	vlenMask  = 0xffff
)

func (t *rawType) kind() Kind { return Kind((t.info >> kindShift) & (1<<kindLen - 1)) }
func (t *rawType) vlen() int  { return int((t.info >> vlenShift) & vlenMask) }

// Parse decodes raw BTF bytes into a Spec. It is the TypeInfo collaborator's
// parse operation; a malformed section is reported as an error, which the
// classifier ignores, leaving the object without type metadata.
func Parse(raw []byte, bo binary.ByteOrder) (*Spec, error) {
	rd := bytes.NewReader(raw)

	var hdr header
	if err := binary.Read(rd, bo, &hdr); err != nil {
		return nil, errors.Wrap(err, "can't read BTF header")
	}
	if hdr.Magic != btfMagic {
		return nil, errors.Errorf("bad BTF magic 0x%x", hdr.Magic)
	}
	if hdr.Version != 1 {
		return nil, errors.Errorf("unsupported BTF version %d", hdr.Version)
	}

	if _, err := rd.Seek(int64(hdr.HdrLen+hdr.StringOff), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "can't seek to string section")
	}
	strTab := make([]byte, hdr.StringLen)
	if _, err := io.ReadFull(rd, strTab); err != nil {
		return nil, errors.Wrap(err, "can't read string section")
	}
	strings := splitStrings(strTab)

	if _, err := rd.Seek(int64(hdr.HdrLen+hdr.TypeOff), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "can't seek to type section")
	}
	types, err := readTypes(io.LimitReader(rd, int64(hdr.TypeLen)), bo)
	if err != nil {
		return nil, errors.Wrap(err, "can't read types")
	}

	byName := make(map[string][]TypeID)
	for i, t := range types {
		id := TypeID(i + 1)
		if name, ok := strings[t.nameOff]; ok && name != "" {
			byName[name] = append(byName[name], id)
		}
	}

	return &Spec{
		byteOrder: bo,
		rawBTF:    raw,
		types:     types,
		strings:   strings,
		byName:    byName,
	}, nil
}

func splitStrings(tab []byte) map[uint32]string {
	out := make(map[uint32]string)
	start := uint32(0)
	for i, b := range tab {
		if b == 0 {
			out[start] = string(tab[start:i])
			start = uint32(i + 1)
		}
	}
	return out
}

func readTypes(r io.Reader, bo binary.ByteOrder) ([]rawType, error) {
	var types []rawType
	for {
		var t struct {
			NameOff  uint32
			Info     uint32
			SizeType uint32
		}
		if err := binary.Read(r, bo, &t); err == io.EOF {
			return types, nil
		} else if err != nil {
			return nil, errors.Wrapf(err, "type %d", len(types)+1)
		}

		rt := rawType{nameOff: t.NameOff, info: t.Info, sizeOrType: t.SizeType}
		switch rt.kind() {
		case KindStruct, KindUnion:
			n := rt.vlen()
			rt.members = make([]member, n)
			for i := 0; i < n; i++ {
				var m struct {
					NameOff uint32
					Type    uint32
					Offset  uint32
				}
				if err := binary.Read(r, bo, &m); err != nil {
					return nil, errors.Wrapf(err, "type %d member %d", len(types)+1, i)
				}
				rt.members[i] = member{nameOff: m.NameOff, typeID: TypeID(m.Type), offset: m.Offset}
			}
		case KindArray:
			var a struct{ Type, IndexType, Nelems uint32 }
			if err := binary.Read(r, bo, &a); err != nil {
				return nil, errors.Wrapf(err, "type %d array", len(types)+1)
			}
		case KindEnum:
			n := rt.vlen()
			for i := 0; i < n; i++ {
				var e struct{ NameOff uint32; Val int32 }
				if err := binary.Read(r, bo, &e); err != nil {
					return nil, errors.Wrapf(err, "type %d enum %d", len(types)+1, i)
				}
			}
		case KindFuncProto:
			n := rt.vlen()
			for i := 0; i < n; i++ {
				var p struct{ NameOff, Type uint32 }
				if err := binary.Read(r, bo, &p); err != nil {
					return nil, errors.Wrapf(err, "type %d param %d", len(types)+1, i)
				}
			}
		case KindDatasec:
			n := rt.vlen()
			for i := 0; i < n; i++ {
				var s struct{ Type, Offset, Size uint32 }
				if err := binary.Read(r, bo, &s); err != nil {
					return nil, errors.Wrapf(err, "type %d secinfo %d", len(types)+1, i)
				}
			}
		}
		types = append(types, rt)
	}
}

// FindByName returns every type ID recorded under name. Multiple types
// may share a name (e.g. a struct and a typedef of the same name), which
// is why this returns a slice rather than a single id; FindMapInfo
// filters the candidates by kind itself.
func (s *Spec) FindByName(name string) []TypeID {
	return s.byName[name]
}

// TypeRecord is the caller-visible view of one type table entry.
type TypeRecord struct {
	Kind    Kind
	Name    string
	Members []MemberRecord
	Size    uint32
}

// MemberRecord is one field of a struct or union type.
type MemberRecord struct {
	Name   string
	TypeID TypeID
	Offset uint32
}

// TypeByID returns the decoded record for id, or an error if id is out of
// range.
func (s *Spec) TypeByID(id TypeID) (*TypeRecord, error) {
	if id == 0 || int(id) > len(s.types) {
		return nil, errors.Errorf("type id %d out of range", id)
	}
	rt := s.types[id-1]
	rec := &TypeRecord{
		Kind: rt.kind(),
		Name: s.strings[rt.nameOff],
	}
	if rt.kind() == KindInt || rt.kind() == KindStruct || rt.kind() == KindUnion || rt.kind() == KindEnum {
		rec.Size = rt.sizeOrType
	}
	for _, m := range rt.members {
		rec.Members = append(rec.Members, MemberRecord{
			Name:   s.strings[m.nameOff],
			TypeID: m.typeID,
			Offset: m.offset,
		})
	}
	return rec, nil
}

// ResolveSize returns the byte size of the type named by id, following
// typedef/const/volatile/restrict indirections to their underlying type.
func (s *Spec) ResolveSize(id TypeID) (uint32, error) {
	for depth := 0; depth < 64; depth++ {
		if id == 0 || int(id) > len(s.types) {
			return 0, errors.Errorf("type id %d out of range", id)
		}
		rt := s.types[id-1]
		switch rt.kind() {
		case KindInt, KindStruct, KindUnion, KindEnum:
			return rt.sizeOrType, nil
		case KindTypedef, KindVolatile, KindConst, KindRestrict:
			id = TypeID(rt.sizeOrType)
			continue
		case KindPointer:
			return 8, nil
		default:
			return 0, errors.Errorf("type id %d: kind %d has no resolvable size", id, rt.kind())
		}
	}
	return 0, errors.Errorf("type id %d: indirection chain too long", id)
}

// MapBTFInfo is the key/value type pair resolved from a
// ____btf_map_<name> container struct, ready to attach to a map creation
// request.
type MapBTFInfo struct {
	KeyTypeID   TypeID
	ValueTypeID TypeID
}

// FindMapInfo locates the ____btf_map_<mapName> container struct and
// validates it against the sizes the map definition itself already
// carries. It returns nil, nil (not an error) when no such struct exists,
// matching the map creator's "type metadata is optional" contract.
func (s *Spec) FindMapInfo(mapName string, keySize, valueSize uint32) (*MapBTFInfo, error) {
	ids := s.FindByName("____btf_map_" + mapName)
	for _, id := range ids {
		rt := s.types[id-1]
		if rt.kind() != KindStruct || len(rt.members) < 2 {
			continue
		}
		keyID := rt.members[0].typeID
		valueID := rt.members[1].typeID
		keySz, err := s.ResolveSize(keyID)
		if err != nil {
			continue
		}
		valSz, err := s.ResolveSize(valueID)
		if err != nil {
			continue
		}
		if keySz != keySize || valSz != valueSize {
			continue
		}
		return &MapBTFInfo{KeyTypeID: keyID, ValueTypeID: valueID}, nil
	}
	return nil, nil
}

// Raw returns the byte slice the Spec was parsed from, the form the
// kernel wants for BPF_BTF_LOAD.
func (s *Spec) Raw() []byte {
	return s.rawBTF
}
