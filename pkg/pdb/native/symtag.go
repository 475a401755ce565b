package native

import "fmt"

// SymTag identifies the kind of a Symbol.
type SymTag uint8

const (
	SymTagNull SymTag = iota // matches every kind in queries
	SymTagExe
	SymTagCompiland
	SymTagFunction
	SymTagBlock
	SymTagLabel
	SymTagData
	SymTagPublicSymbol
	SymTagEnum
	SymTagUDT
	SymTagPointerType
	SymTagArrayType
	SymTagFunctionSig
	SymTagBuiltinType
	SymTagTypedef
	SymTagCustomType
)

var symTagNames = [...]string{
	SymTagNull:         "Null",
	SymTagExe:          "Exe",
	SymTagCompiland:    "Compiland",
	SymTagFunction:     "Function",
	SymTagBlock:        "Block",
	SymTagLabel:        "Label",
	SymTagData:         "Data",
	SymTagPublicSymbol: "PublicSymbol",
	SymTagEnum:         "Enum",
	SymTagUDT:          "UDT",
	SymTagPointerType:  "PointerType",
	SymTagArrayType:    "ArrayType",
	SymTagFunctionSig:  "FunctionSig",
	SymTagBuiltinType:  "BuiltinType",
	SymTagTypedef:      "Typedef",
	SymTagCustomType:   "CustomType",
}

func (t SymTag) String() string {
	if int(t) < len(symTagNames) {
		return symTagNames[t]
	}
	return fmt.Sprintf("SymTag(%d)", uint8(t))
}

func (t SymTag) matches(other SymTag) bool {
	return t == SymTagNull || t == other
}

// SymIndexID identifies a symbol for the lifetime of a session. The zero
// value is never assigned.
type SymIndexID uint32

// InvalidSymIndexID is returned when no symbol applies.
const InvalidSymIndexID SymIndexID = 0

func (id SymIndexID) IsValid() bool { return id != InvalidSymIndexID }
