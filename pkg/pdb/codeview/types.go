package codeview

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// Class/union/enum property bits.
const (
	PropForwardRef    = 0x0080
	PropHasUniqueName = 0x0200
)

// Pointer modes
const (
	PointerModePointer         = 0
	PointerModeLValueReference = 1
	PointerModeDataMember      = 2
	PointerModeMemberFunction  = 3
	PointerModeRValueReference = 4
)

// ClassType is a decoded LF_CLASS, LF_STRUCTURE, LF_INTERFACE or LF_UNION.
type ClassType struct {
	Kind       uint16
	Count      uint16
	Property   uint16
	FieldList  uint32
	Derived    uint32
	VShape     uint32
	Size       uint64
	Name       string
	UniqueName string
}

// IsForwardRef reports whether the record only declares the type.
func (c *ClassType) IsForwardRef() bool {
	return c.Property&PropForwardRef != 0
}

// EnumType is a decoded LF_ENUM.
type EnumType struct {
	Count          uint16
	Property       uint16
	UnderlyingType uint32
	FieldList      uint32
	Name           string
	UniqueName     string
}

// IsForwardRef reports whether the record only declares the type.
func (e *EnumType) IsForwardRef() bool {
	return e.Property&PropForwardRef != 0
}

// PointerType is a decoded LF_POINTER.
type PointerType struct {
	Referent uint32
	Attrs    uint32
}

// Mode returns one of the PointerMode* values.
func (p *PointerType) Mode() uint32 { return (p.Attrs >> 5) & 0x07 }

// Size returns the pointer size in bytes.
func (p *PointerType) Size() uint64 { return uint64((p.Attrs >> 13) & 0x3F) }

// IsReference reports whether the pointer is an lvalue or rvalue reference.
func (p *PointerType) IsReference() bool {
	m := p.Mode()
	return m == PointerModeLValueReference || m == PointerModeRValueReference
}

// ArrayType is a decoded LF_ARRAY.
type ArrayType struct {
	ElementType uint32
	IndexType   uint32
	Size        uint64 // Total size in bytes
	Name        string
}

// ProcedureType is a decoded LF_PROCEDURE or LF_MFUNCTION.
type ProcedureType struct {
	ReturnType   uint32
	ClassType    uint32 // Zero for LF_PROCEDURE
	ThisType     uint32
	CallConv     uint8
	FuncAttrs    uint8
	ParamCount   uint16
	ArgList      uint32
	ThisAdjust   int32
	IsMemberFunc bool
}

// ModifierType is a decoded LF_MODIFIER.
type ModifierType struct {
	ModifiedType uint32
	Modifiers    uint16
}

// ParseClassType decodes a class, structure, interface or union record.
func ParseClassType(rec *streams.TypeRecord) (*ClassType, error) {
	data := rec.Data
	ct := &ClassType{Kind: rec.Kind}

	var offset int
	switch rec.Kind {
	case streams.LF_CLASS, streams.LF_STRUCTURE, streams.LF_INTERFACE:
		if len(data) < 18 {
			return nil, fmt.Errorf("class record 0x%x too small: %d bytes", rec.Index, len(data))
		}
		ct.Derived = binary.LittleEndian.Uint32(data[8:])
		ct.VShape = binary.LittleEndian.Uint32(data[12:])
		offset = 16
	case streams.LF_UNION:
		if len(data) < 10 {
			return nil, fmt.Errorf("union record 0x%x too small: %d bytes", rec.Index, len(data))
		}
		offset = 8
	default:
		return nil, fmt.Errorf("type 0x%x is %s, not a class", rec.Index, streams.LeafKindName(rec.Kind))
	}
	ct.Count = binary.LittleEndian.Uint16(data[0:])
	ct.Property = binary.LittleEndian.Uint16(data[2:])
	ct.FieldList = binary.LittleEndian.Uint32(data[4:])

	size, consumed := streams.ParseNumeric(data[offset:])
	if consumed == 0 {
		return nil, fmt.Errorf("bad size leaf in type 0x%x", rec.Index)
	}
	ct.Size = size
	offset += consumed

	ct.Name, ct.UniqueName = parseNames(data[offset:], ct.Property)
	return ct, nil
}

// ParseEnumType decodes an LF_ENUM record.
func ParseEnumType(rec *streams.TypeRecord) (*EnumType, error) {
	if rec.Kind != streams.LF_ENUM {
		return nil, fmt.Errorf("type 0x%x is %s, not an enum", rec.Index, streams.LeafKindName(rec.Kind))
	}
	data := rec.Data
	if len(data) < 12 {
		return nil, fmt.Errorf("enum record 0x%x too small: %d bytes", rec.Index, len(data))
	}

	et := &EnumType{
		Count:          binary.LittleEndian.Uint16(data[0:]),
		Property:       binary.LittleEndian.Uint16(data[2:]),
		UnderlyingType: binary.LittleEndian.Uint32(data[4:]),
		FieldList:      binary.LittleEndian.Uint32(data[8:]),
	}
	et.Name, et.UniqueName = parseNames(data[12:], et.Property)
	return et, nil
}

// ParsePointerType decodes an LF_POINTER record.
func ParsePointerType(rec *streams.TypeRecord) (*PointerType, error) {
	if rec.Kind != streams.LF_POINTER || len(rec.Data) < 8 {
		return nil, fmt.Errorf("type 0x%x is not a valid pointer record", rec.Index)
	}
	return &PointerType{
		Referent: binary.LittleEndian.Uint32(rec.Data[0:]),
		Attrs:    binary.LittleEndian.Uint32(rec.Data[4:]),
	}, nil
}

// ParseArrayType decodes an LF_ARRAY record.
func ParseArrayType(rec *streams.TypeRecord) (*ArrayType, error) {
	if rec.Kind != streams.LF_ARRAY || len(rec.Data) < 10 {
		return nil, fmt.Errorf("type 0x%x is not a valid array record", rec.Index)
	}
	at := &ArrayType{
		ElementType: binary.LittleEndian.Uint32(rec.Data[0:]),
		IndexType:   binary.LittleEndian.Uint32(rec.Data[4:]),
	}
	size, consumed := streams.ParseNumeric(rec.Data[8:])
	if consumed == 0 {
		return nil, fmt.Errorf("bad size leaf in type 0x%x", rec.Index)
	}
	at.Size = size
	if 8+consumed < len(rec.Data) {
		at.Name, _ = streams.ParseString(rec.Data[8+consumed:])
	}
	return at, nil
}

// ParseProcedureType decodes an LF_PROCEDURE or LF_MFUNCTION record.
func ParseProcedureType(rec *streams.TypeRecord) (*ProcedureType, error) {
	data := rec.Data
	switch rec.Kind {
	case streams.LF_PROCEDURE:
		if len(data) < 12 {
			return nil, fmt.Errorf("procedure record 0x%x too small: %d bytes", rec.Index, len(data))
		}
		return &ProcedureType{
			ReturnType: binary.LittleEndian.Uint32(data[0:]),
			CallConv:   data[4],
			FuncAttrs:  data[5],
			ParamCount: binary.LittleEndian.Uint16(data[6:]),
			ArgList:    binary.LittleEndian.Uint32(data[8:]),
		}, nil
	case streams.LF_MFUNCTION:
		if len(data) < 24 {
			return nil, fmt.Errorf("member function record 0x%x too small: %d bytes", rec.Index, len(data))
		}
		return &ProcedureType{
			ReturnType:   binary.LittleEndian.Uint32(data[0:]),
			ClassType:    binary.LittleEndian.Uint32(data[4:]),
			ThisType:     binary.LittleEndian.Uint32(data[8:]),
			CallConv:     data[12],
			FuncAttrs:    data[13],
			ParamCount:   binary.LittleEndian.Uint16(data[14:]),
			ArgList:      binary.LittleEndian.Uint32(data[16:]),
			ThisAdjust:   int32(binary.LittleEndian.Uint32(data[20:])),
			IsMemberFunc: true,
		}, nil
	}
	return nil, fmt.Errorf("type 0x%x is %s, not a procedure", rec.Index, streams.LeafKindName(rec.Kind))
}

// ParseModifierType decodes an LF_MODIFIER record.
func ParseModifierType(rec *streams.TypeRecord) (*ModifierType, error) {
	if rec.Kind != streams.LF_MODIFIER || len(rec.Data) < 6 {
		return nil, fmt.Errorf("type 0x%x is not a valid modifier record", rec.Index)
	}
	return &ModifierType{
		ModifiedType: binary.LittleEndian.Uint32(rec.Data[0:]),
		Modifiers:    binary.LittleEndian.Uint16(rec.Data[4:]),
	}, nil
}

func parseNames(data []byte, property uint16) (name, unique string) {
	name, n := streams.ParseString(data)
	if property&PropHasUniqueName != 0 && n < len(data) {
		unique, _ = streams.ParseString(data[n:])
	}
	return name, unique
}

// TypeResolver provides type resolution from TPI stream.
type TypeResolver struct {
	tpi *streams.TPIStream
}

// NewTypeResolver creates a new type resolver.
func NewTypeResolver(tpi *streams.TPIStream) *TypeResolver {
	return &TypeResolver{tpi: tpi}
}

// Record returns the type record for typeIdx, or nil for built-in and
// unknown indices.
func (r *TypeResolver) Record(typeIdx uint32) *streams.TypeRecord {
	if r.tpi == nil || typeIdx < streams.TypeIndexBegin {
		return nil
	}
	return r.tpi.GetType(typeIdx)
}

// ResolveType resolves a type index to a human-readable string.
func (r *TypeResolver) ResolveType(typeIdx uint32) string {
	return r.resolve(typeIdx, 0)
}

// maxResolveDepth bounds recursion through malformed self-referencing records.
const maxResolveDepth = 32

func (r *TypeResolver) resolve(typeIdx uint32, depth int) string {
	// Handle built-in types
	if typeIdx < streams.TypeIndexBegin {
		return streams.GetBuiltinTypeName(typeIdx)
	}

	rec := r.Record(typeIdx)
	if rec == nil || depth > maxResolveDepth {
		return fmt.Sprintf("type_0x%x", typeIdx)
	}

	switch rec.Kind {
	case streams.LF_POINTER:
		return r.resolvePointer(rec, depth)
	case streams.LF_ARRAY:
		return r.resolveArray(rec, depth)
	case streams.LF_PROCEDURE, streams.LF_MFUNCTION:
		return r.resolveProcedure(rec, depth)
	case streams.LF_STRUCTURE, streams.LF_CLASS, streams.LF_UNION, streams.LF_INTERFACE:
		if ct, err := ParseClassType(rec); err == nil && ct.Name != "" {
			return ct.Name
		}
	case streams.LF_ENUM:
		if et, err := ParseEnumType(rec); err == nil && et.Name != "" {
			return et.Name
		}
	case streams.LF_MODIFIER:
		return r.resolveModifier(rec, depth)
	case streams.LF_ARGLIST:
		return r.resolveArgList(rec, depth)
	case streams.LF_BITFIELD:
		return r.resolveBitfield(rec, depth)
	}
	return fmt.Sprintf("type_0x%x", rec.Index)
}

func (r *TypeResolver) resolvePointer(rec *streams.TypeRecord, depth int) string {
	ptr, err := ParsePointerType(rec)
	if err != nil {
		return "ptr<?>"
	}

	suffix := "*"
	switch ptr.Mode() {
	case PointerModeLValueReference:
		suffix = "&"
	case PointerModeRValueReference:
		suffix = "&&"
	}

	result := r.resolve(ptr.Referent, depth+1) + suffix
	if ptr.Attrs&(1<<10) != 0 {
		result = "const " + result
	}
	if ptr.Attrs&(1<<9) != 0 {
		result = "volatile " + result
	}
	return result
}

func (r *TypeResolver) resolveArray(rec *streams.TypeRecord, depth int) string {
	at, err := ParseArrayType(rec)
	if err != nil {
		return "array<?>"
	}

	elemStr := r.resolve(at.ElementType, depth+1)
	elemSize := r.TypeSize(at.ElementType)
	if elemSize > 0 && at.Size > 0 {
		return fmt.Sprintf("%s[%d]", elemStr, at.Size/elemSize)
	}
	return elemStr + "[]"
}

func (r *TypeResolver) resolveProcedure(rec *streams.TypeRecord, depth int) string {
	proc, err := ParseProcedureType(rec)
	if err != nil {
		return "func<?>"
	}

	retStr := r.resolve(proc.ReturnType, depth+1)
	argStr := r.resolve(proc.ArgList, depth+1)
	if proc.IsMemberFunc {
		return fmt.Sprintf("%s %s::(%s)", retStr, r.resolve(proc.ClassType, depth+1), argStr)
	}
	return fmt.Sprintf("%s (%s)", retStr, argStr)
}

func (r *TypeResolver) resolveModifier(rec *streams.TypeRecord, depth int) string {
	mod, err := ParseModifierType(rec)
	if err != nil {
		return "mod<?>"
	}

	modStr := r.resolve(mod.ModifiedType, depth+1)
	if mod.Modifiers&0x01 != 0 {
		modStr = "const " + modStr
	}
	if mod.Modifiers&0x02 != 0 {
		modStr = "volatile " + modStr
	}
	if mod.Modifiers&0x04 != 0 {
		modStr = "unaligned " + modStr
	}
	return modStr
}

func (r *TypeResolver) resolveArgList(rec *streams.TypeRecord, depth int) string {
	data := rec.Data
	if len(data) < 4 {
		return ""
	}

	count := binary.LittleEndian.Uint32(data[0:])
	if count == 0 {
		return "void"
	}

	args := make([]string, 0, count)
	offset := 4
	for i := uint32(0); i < count && offset+4 <= len(data); i++ {
		args = append(args, r.resolve(binary.LittleEndian.Uint32(data[offset:]), depth+1))
		offset += 4
	}
	return strings.Join(args, ", ")
}

func (r *TypeResolver) resolveBitfield(rec *streams.TypeRecord, depth int) string {
	data := rec.Data
	if len(data) < 6 {
		return "bitfield<?>"
	}

	baseType := binary.LittleEndian.Uint32(data[0:])
	return fmt.Sprintf("%s : %d", r.resolve(baseType, depth+1), data[4])
}

// TypeSize returns the size in bytes of the type, or 0 if it is unknown.
// Forward references are not followed.
func (r *TypeResolver) TypeSize(typeIdx uint32) uint64 {
	return r.typeSize(typeIdx, 0)
}

func (r *TypeResolver) typeSize(typeIdx uint32, depth int) uint64 {
	if typeIdx < streams.TypeIndexBegin {
		return streams.BuiltinTypeSize(typeIdx)
	}
	rec := r.Record(typeIdx)
	if rec == nil || depth > maxResolveDepth {
		return 0
	}

	switch rec.Kind {
	case streams.LF_POINTER:
		if ptr, err := ParsePointerType(rec); err == nil {
			return ptr.Size()
		}
	case streams.LF_ARRAY:
		if at, err := ParseArrayType(rec); err == nil {
			return at.Size
		}
	case streams.LF_STRUCTURE, streams.LF_CLASS, streams.LF_UNION, streams.LF_INTERFACE:
		if ct, err := ParseClassType(rec); err == nil && !ct.IsForwardRef() {
			return ct.Size
		}
	case streams.LF_ENUM:
		if et, err := ParseEnumType(rec); err == nil {
			return r.typeSize(et.UnderlyingType, depth+1)
		}
	case streams.LF_MODIFIER:
		if mod, err := ParseModifierType(rec); err == nil {
			return r.typeSize(mod.ModifiedType, depth+1)
		}
	}
	return 0
}

// Member is a data member, base class or static member of a class.
type Member struct {
	Name     string
	TypeIdx  uint32
	TypeName string
	Offset   uint64
	Static   bool
	Base     bool
}

// Enumerator is one named value of an enum.
type Enumerator struct {
	Name  string
	Value uint64
}

// Members walks the field list of a class and returns its data members,
// following LF_INDEX continuations.
func (r *TypeResolver) Members(fieldList uint32) []Member {
	var members []Member
	r.walkFieldList(fieldList, 0, func(kind uint16, f field) {
		switch kind {
		case streams.LF_MEMBER:
			members = append(members, Member{Name: f.name, TypeIdx: f.typeIdx, TypeName: r.ResolveType(f.typeIdx), Offset: f.value})
		case streams.LF_STMEMBER:
			members = append(members, Member{Name: f.name, TypeIdx: f.typeIdx, TypeName: r.ResolveType(f.typeIdx), Static: true})
		case streams.LF_BCLASS:
			members = append(members, Member{Name: r.ResolveType(f.typeIdx), TypeIdx: f.typeIdx, TypeName: r.ResolveType(f.typeIdx), Offset: f.value, Base: true})
		}
	})
	return members
}

// Enumerators walks the field list of an enum and returns its values.
func (r *TypeResolver) Enumerators(fieldList uint32) []Enumerator {
	var values []Enumerator
	r.walkFieldList(fieldList, 0, func(kind uint16, f field) {
		if kind == streams.LF_ENUMERATE {
			values = append(values, Enumerator{Name: f.name, Value: f.value})
		}
	})
	return values
}

type field struct {
	typeIdx uint32
	value   uint64
	name    string
}

// walkFieldList calls fn for every subrecord of an LF_FIELDLIST. Unknown
// subrecords stop the walk since their length cannot be determined.
func (r *TypeResolver) walkFieldList(fieldList uint32, depth int, fn func(kind uint16, f field)) {
	rec := r.Record(fieldList)
	if rec == nil || rec.Kind != streams.LF_FIELDLIST || depth > maxResolveDepth {
		return
	}
	data := rec.Data

	offset := 0
	for offset+2 <= len(data) {
		// Padding bytes LF_PAD0..LF_PAD15 encode their own skip length
		if pad := data[offset]; pad >= 0xF0 {
			offset += max(int(pad&0x0F), 1)
			continue
		}

		kind := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		var f field

		switch kind {
		case streams.LF_MEMBER, streams.LF_BCLASS:
			if offset+6 > len(data) {
				return
			}
			f.typeIdx = binary.LittleEndian.Uint32(data[offset+2:])
			offset += 6
			v, n := streams.ParseNumeric(data[offset:])
			if n == 0 {
				return
			}
			f.value = v
			offset += n
			if kind == streams.LF_MEMBER {
				var nameLen int
				f.name, nameLen = streams.ParseString(data[offset:])
				offset += nameLen
			}

		case streams.LF_STMEMBER, streams.LF_ONEMETHOD:
			if offset+6 > len(data) {
				return
			}
			attrs := binary.LittleEndian.Uint16(data[offset:])
			f.typeIdx = binary.LittleEndian.Uint32(data[offset+2:])
			offset += 6
			// Introducing virtual methods carry a vtable offset
			if mprop := (attrs >> 2) & 0x7; kind == streams.LF_ONEMETHOD && (mprop == 4 || mprop == 6) {
				offset += 4
			}
			var nameLen int
			f.name, nameLen = streams.ParseString(data[offset:])
			offset += nameLen

		case streams.LF_METHOD, streams.LF_NESTTYPE:
			if offset+6 > len(data) {
				return
			}
			f.typeIdx = binary.LittleEndian.Uint32(data[offset+2:])
			offset += 6
			var nameLen int
			f.name, nameLen = streams.ParseString(data[offset:])
			offset += nameLen

		case streams.LF_VFUNCTAB:
			if offset+6 > len(data) {
				return
			}
			f.typeIdx = binary.LittleEndian.Uint32(data[offset+2:])
			offset += 6

		case streams.LF_ENUMERATE:
			if offset+2 > len(data) {
				return
			}
			offset += 2 // attrs
			v, n := streams.ParseNumeric(data[offset:])
			if n == 0 {
				return
			}
			f.value = v
			offset += n
			var nameLen int
			f.name, nameLen = streams.ParseString(data[offset:])
			offset += nameLen

		case streams.LF_INDEX:
			if offset+6 > len(data) {
				return
			}
			r.walkFieldList(binary.LittleEndian.Uint32(data[offset+2:]), depth+1, fn)
			return

		default:
			return
		}

		fn(kind, f)
	}
}
