package native

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
)

// Symbol is a materialized entity of a session. Its kind-specific fields
// live in the Details payload, selected by Tag.
type Symbol struct {
	id      SymIndexID
	session *Session
	details Details
}

// Details is the kind-specific payload of a Symbol. The concrete type is
// determined by Tag.
type Details interface {
	Tag() SymTag
	symbolName() string
}

// moduleOwned is implemented by payloads decoded from a module stream.
type moduleOwned interface {
	owner() (module int, parent uint32)
}

// noParent marks a record at module scope.
const noParent = 0

// ExeSymbol is the root of the symbol tree.
type ExeSymbol struct {
	Name      string
	GUID      uuid.UUID
	Age       uint32
	Signature uint32
	Machine   string
}

// CompilandSymbol is one module of the DBI stream.
type CompilandSymbol struct {
	Index      int
	Name       string
	ObjectFile string
}

// FunctionSymbol is a procedure record of a module.
type FunctionSymbol struct {
	Name      string
	TypeIndex uint32
	Section   uint16
	Offset    uint32
	Length    uint32
	Global    bool

	module       int
	recordOffset uint32
	parent       uint32
}

// BlockSymbol is a lexical block nested in a function.
type BlockSymbol struct {
	Name    string
	Section uint16
	Offset  uint32
	Length  uint32

	module       int
	recordOffset uint32
	parent       uint32
}

// LabelSymbol is a code label.
type LabelSymbol struct {
	Name    string
	Section uint16
	Offset  uint32

	module       int
	recordOffset uint32
	parent       uint32
}

// DataSymbol is a variable with a static address.
type DataSymbol struct {
	Name        string
	TypeIndex   uint32
	Section     uint16
	Offset      uint32
	Size        uint64 // zero when the type size is unknown
	Global      bool
	ThreadLocal bool

	module       int // -1 for records of the global symbol stream
	recordOffset uint32
	parent       uint32
}

// PublicSymbol is an entry of the public symbol table.
type PublicSymbol struct {
	Name            string
	UndecoratedName string
	Section         uint16
	Offset          uint32
	Function        bool
}

// EnumSymbol is an LF_ENUM type.
type EnumSymbol struct {
	TypeIndex      uint32
	Name           string
	UniqueName     string
	UnderlyingType uint32
	Enumerators    []codeview.Enumerator
	ForwardRef     bool
}

// UDTKind distinguishes the record kinds behind a UDTSymbol.
type UDTKind uint8

const (
	UDTStruct UDTKind = iota
	UDTClass
	UDTUnion
	UDTInterface
)

func (k UDTKind) String() string {
	switch k {
	case UDTStruct:
		return "struct"
	case UDTClass:
		return "class"
	case UDTUnion:
		return "union"
	case UDTInterface:
		return "interface"
	}
	return fmt.Sprintf("UDTKind(%d)", uint8(k))
}

// UDTSymbol is a class, structure, union or interface type.
type UDTSymbol struct {
	TypeIndex  uint32
	Kind       UDTKind
	Name       string
	UniqueName string
	Size       uint64
	Members    []codeview.Member
	ForwardRef bool
}

// PointerSymbol is a pointer or reference type.
type PointerSymbol struct {
	TypeIndex uint32
	Referent  uint32
	Size      uint64
	Reference bool
}

// ArraySymbol is a fixed-size array type.
type ArraySymbol struct {
	TypeIndex   uint32
	ElementType uint32
	IndexType   uint32
	Size        uint64
	Count       uint64 // zero when the element size is unknown
}

// FunctionSigSymbol is a procedure or member function type.
type FunctionSigSymbol struct {
	TypeIndex  uint32
	ReturnType uint32
	ClassType  uint32
	ArgList    uint32
	ParamCount uint16
	CallConv   uint8
}

// BuiltinSymbol is a simple type below the first TPI index.
type BuiltinSymbol struct {
	TypeIndex uint32
	Name      string
	Size      uint64
}

// TypedefSymbol is an S_UDT record naming a type.
type TypedefSymbol struct {
	Name      string
	TypeIndex uint32
}

// CustomTypeSymbol is a type record with no dedicated payload.
type CustomTypeSymbol struct {
	TypeIndex uint32
	Kind      uint16 // LF_* leaf kind
	Name      string
}

func (*ExeSymbol) Tag() SymTag         { return SymTagExe }
func (*CompilandSymbol) Tag() SymTag   { return SymTagCompiland }
func (*FunctionSymbol) Tag() SymTag    { return SymTagFunction }
func (*BlockSymbol) Tag() SymTag       { return SymTagBlock }
func (*LabelSymbol) Tag() SymTag       { return SymTagLabel }
func (*DataSymbol) Tag() SymTag        { return SymTagData }
func (*PublicSymbol) Tag() SymTag      { return SymTagPublicSymbol }
func (*EnumSymbol) Tag() SymTag        { return SymTagEnum }
func (*UDTSymbol) Tag() SymTag         { return SymTagUDT }
func (*PointerSymbol) Tag() SymTag     { return SymTagPointerType }
func (*ArraySymbol) Tag() SymTag       { return SymTagArrayType }
func (*FunctionSigSymbol) Tag() SymTag { return SymTagFunctionSig }
func (*BuiltinSymbol) Tag() SymTag     { return SymTagBuiltinType }
func (*TypedefSymbol) Tag() SymTag     { return SymTagTypedef }
func (*CustomTypeSymbol) Tag() SymTag  { return SymTagCustomType }

func (d *ExeSymbol) symbolName() string         { return d.Name }
func (d *CompilandSymbol) symbolName() string   { return d.Name }
func (d *FunctionSymbol) symbolName() string    { return d.Name }
func (d *BlockSymbol) symbolName() string       { return d.Name }
func (d *LabelSymbol) symbolName() string       { return d.Name }
func (d *DataSymbol) symbolName() string        { return d.Name }
func (d *PublicSymbol) symbolName() string      { return d.Name }
func (d *EnumSymbol) symbolName() string        { return d.Name }
func (d *UDTSymbol) symbolName() string         { return d.Name }
func (d *PointerSymbol) symbolName() string     { return "" }
func (d *ArraySymbol) symbolName() string       { return "" }
func (d *FunctionSigSymbol) symbolName() string { return "" }
func (d *BuiltinSymbol) symbolName() string     { return d.Name }
func (d *TypedefSymbol) symbolName() string     { return d.Name }
func (d *CustomTypeSymbol) symbolName() string  { return d.Name }

func (d *FunctionSymbol) owner() (int, uint32) { return d.module, d.parent }
func (d *BlockSymbol) owner() (int, uint32)    { return d.module, d.parent }
func (d *LabelSymbol) owner() (int, uint32)    { return d.module, d.parent }
func (d *DataSymbol) owner() (int, uint32)     { return d.module, d.parent }

func (s *Symbol) ID() SymIndexID   { return s.id }
func (s *Symbol) Tag() SymTag      { return s.details.Tag() }
func (s *Symbol) Name() string     { return s.details.symbolName() }
func (s *Symbol) Details() Details { return s.details }

func (s *Symbol) String() string {
	return fmt.Sprintf("%s#%d %q", s.Tag(), s.id, s.Name())
}

// SectOffset returns the section:offset address of symbols that have one.
func (s *Symbol) SectOffset() (section, offset uint32, ok bool) {
	switch d := s.details.(type) {
	case *FunctionSymbol:
		return uint32(d.Section), d.Offset, true
	case *BlockSymbol:
		return uint32(d.Section), d.Offset, true
	case *LabelSymbol:
		return uint32(d.Section), d.Offset, true
	case *DataSymbol:
		return uint32(d.Section), d.Offset, true
	case *PublicSymbol:
		return uint32(d.Section), d.Offset, true
	}
	return 0, 0, false
}

// RVA returns the relative virtual address of the symbol.
func (s *Symbol) RVA() (uint32, bool) {
	sect, off, ok := s.SectOffset()
	if !ok {
		return 0, false
	}
	return s.session.RVAForSectOffset(sect, off)
}

// VA returns the virtual address of the symbol at the current load address.
func (s *Symbol) VA() (uint64, bool) {
	rva, ok := s.RVA()
	if !ok {
		return 0, false
	}
	return s.session.VAForRVA(rva), true
}

// Length returns the byte extent of the symbol, or zero when it has none.
func (s *Symbol) Length() uint64 {
	switch d := s.details.(type) {
	case *FunctionSymbol:
		return uint64(d.Length)
	case *BlockSymbol:
		return uint64(d.Length)
	case *DataSymbol:
		return d.Size
	case *UDTSymbol:
		return d.Size
	case *PointerSymbol:
		return d.Size
	case *ArraySymbol:
		return d.Size
	case *BuiltinSymbol:
		return d.Size
	case *EnumSymbol:
		return s.session.pdb.Types().TypeSize(d.UnderlyingType)
	}
	return 0
}

// TypeIndex returns the type index the symbol is, or refers to.
func (s *Symbol) TypeIndex() uint32 {
	switch d := s.details.(type) {
	case *FunctionSymbol:
		return d.TypeIndex
	case *DataSymbol:
		return d.TypeIndex
	case *TypedefSymbol:
		return d.TypeIndex
	case *EnumSymbol:
		return d.TypeIndex
	case *UDTSymbol:
		return d.TypeIndex
	case *PointerSymbol:
		return d.TypeIndex
	case *ArraySymbol:
		return d.TypeIndex
	case *FunctionSigSymbol:
		return d.TypeIndex
	case *BuiltinSymbol:
		return d.TypeIndex
	case *CustomTypeSymbol:
		return d.TypeIndex
	}
	return 0
}

// Type returns the type symbol of a function, data or typedef symbol.
func (s *Symbol) Type() *Symbol {
	switch s.details.(type) {
	case *FunctionSymbol, *DataSymbol, *TypedefSymbol:
		return s.session.SymbolByID(s.session.FindSymbolByTypeIndex(s.TypeIndex()))
	}
	return nil
}

// TypeName renders the type of the symbol as a C declaration fragment.
func (s *Symbol) TypeName() string {
	ti := s.TypeIndex()
	if ti == 0 {
		return ""
	}
	return s.session.pdb.Types().ResolveType(ti)
}

// Compiland returns the compiland that owns a module record.
func (s *Symbol) Compiland() *Symbol {
	mo, ok := s.details.(moduleOwned)
	if !ok {
		return nil
	}
	module, _ := mo.owner()
	if module < 0 {
		return nil
	}
	return s.session.CreateCompilandSymbol(module)
}

// LexicalParent returns the enclosing scope: a function or block for nested
// records, the compiland for module-scope records and the exe otherwise.
func (s *Symbol) LexicalParent() *Symbol {
	switch s.details.(type) {
	case *ExeSymbol:
		return nil
	case *CompilandSymbol:
		return s.session.GlobalScope()
	}
	mo, ok := s.details.(moduleOwned)
	if !ok {
		return s.session.GlobalScope()
	}
	module, parent := mo.owner()
	if module < 0 {
		return s.session.GlobalScope()
	}
	if parent != noParent {
		if p := s.session.moduleRecordSymbol(module, parent); p != nil {
			return p
		}
	}
	return s.session.CreateCompilandSymbol(module)
}

// Children enumerates the direct children with the given tag. SymTagNull
// selects every kind.
func (s *Symbol) Children(tag SymTag) *Enumerator[*Symbol] {
	return s.session.FindChildren(s, tag)
}

// FindChildren enumerates the children with the given tag whose name
// matches pattern under flags.
func (s *Symbol) FindChildren(tag SymTag, pattern string, flags NameSearchFlags) (*Enumerator[*Symbol], error) {
	m, err := newNameMatcher(pattern, flags)
	if err != nil {
		return nil, err
	}
	return filterEnumerator(s.Children(tag), func(c *Symbol) bool {
		if pub, ok := c.details.(*PublicSymbol); ok && flags&NameSearchUndecoratedName != 0 {
			return m.match(pub.UndecoratedName)
		}
		return m.match(c.Name())
	}), nil
}
