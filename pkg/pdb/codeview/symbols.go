// Package codeview provides parsing for CodeView debug symbol records.
package codeview

import (
	"encoding/binary"
	"fmt"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// Symbol type constants (S_* values)
const (
	S_COMPILE      = 0x0001
	S_REGISTER_16t = 0x0002
	S_CONSTANT_16t = 0x0003
	S_UDT_16t      = 0x0004
	S_SSEARCH      = 0x0005
	S_END          = 0x0006
	S_SKIP         = 0x0007
	S_CVRESERVE    = 0x0008
	S_OBJNAME_ST   = 0x0009
	S_ENDARG       = 0x000a
	S_COBOLUDT_16t = 0x000b
	S_MANYREG_16t  = 0x000c
	S_RETURN       = 0x000d
	S_ENTRYTHIS    = 0x000e

	S_BPREL32_16t   = 0x0200
	S_LDATA32_16t   = 0x0201
	S_GDATA32_16t   = 0x0202
	S_PUB32_16t     = 0x0203
	S_LPROC32_16t   = 0x0204
	S_GPROC32_16t   = 0x0205
	S_THUNK32_ST    = 0x0206
	S_BLOCK32_ST    = 0x0207
	S_WITH32_ST     = 0x0208
	S_LABEL32_ST    = 0x0209
	S_CEXMODEL32    = 0x020a
	S_VFTABLE32_16t = 0x020b
	S_REGREL32_16t  = 0x020c
	S_LTHREAD32_16t = 0x020d
	S_GTHREAD32_16t = 0x020e
	S_SLINK32       = 0x020f

	S_PROCREF_ST  = 0x0400
	S_DATAREF_ST  = 0x0401
	S_ALIGN       = 0x0402
	S_LPROCREF_ST = 0x0403
	S_OEM         = 0x0404

	// Length-prefixed name variants
	S_REGISTER_ST  = 0x1001
	S_CONSTANT_ST  = 0x1002
	S_UDT_ST       = 0x1003
	S_COBOLUDT_ST  = 0x1004
	S_MANYREG_ST   = 0x1005
	S_BPREL32_ST   = 0x1006
	S_LDATA32_ST   = 0x1007
	S_GDATA32_ST   = 0x1008
	S_PUB32_ST     = 0x1009
	S_LPROC32_ST   = 0x100a
	S_GPROC32_ST   = 0x100b
	S_VFTABLE32    = 0x100c
	S_REGREL32_ST  = 0x100d
	S_LTHREAD32_ST = 0x100e
	S_GTHREAD32_ST = 0x100f
	S_FRAMEPROC    = 0x1012
	S_COMPILE2_ST  = 0x1013
	S_ANNOTATION   = 0x1019

	// Null-terminated name variants
	S_OBJNAME       = 0x1101
	S_THUNK32       = 0x1102
	S_BLOCK32       = 0x1103
	S_WITH32        = 0x1104
	S_LABEL32       = 0x1105
	S_REGISTER      = 0x1106
	S_CONSTANT      = 0x1107
	S_UDT           = 0x1108
	S_COBOLUDT      = 0x1109
	S_MANYREG       = 0x110a
	S_BPREL32       = 0x110b
	S_LDATA32       = 0x110c
	S_GDATA32       = 0x110d
	S_PUB32         = 0x110e
	S_LPROC32       = 0x110f
	S_GPROC32       = 0x1110
	S_REGREL32      = 0x1111
	S_LTHREAD32     = 0x1112
	S_GTHREAD32     = 0x1113
	S_LPROCMIPS     = 0x1114
	S_GPROCMIPS     = 0x1115
	S_COMPILE2      = 0x1116
	S_MANYREG2      = 0x1117
	S_LPROCIA64     = 0x1118
	S_GPROCIA64     = 0x1119
	S_LOCALSLOT     = 0x111a
	S_PARAMSLOT     = 0x111b
	S_LMANDATA      = 0x111c
	S_GMANDATA      = 0x111d
	S_MANFRAMEREL   = 0x111e
	S_MANREGISTER   = 0x111f
	S_MANSLOT       = 0x1120
	S_MANMANYREG    = 0x1121
	S_MANREGREL     = 0x1122
	S_MANMANYREG2   = 0x1123
	S_UNAMESPACE    = 0x1124
	S_PROCREF       = 0x1125
	S_DATAREF       = 0x1126
	S_LPROCREF      = 0x1127
	S_ANNOTATIONREF = 0x1128
	S_TOKENREF      = 0x1129
	S_GMANPROC      = 0x112a
	S_LMANPROC      = 0x112b
	S_TRAMPOLINE    = 0x112c
	S_MANCONSTANT   = 0x112d
	S_SEPCODE       = 0x1132
	S_SECTION       = 0x1136
	S_COFFGROUP     = 0x1137
	S_EXPORT        = 0x1138
	S_CALLSITEINFO  = 0x1139
	S_FRAMECOOKIE   = 0x113a
	S_DISCARDED     = 0x113b
	S_COMPILE3      = 0x113c
	S_ENVBLOCK      = 0x113d
	S_LOCAL         = 0x113e
	S_DEFRANGE      = 0x113f

	S_DEFRANGE_SUBFIELD                    = 0x1140
	S_DEFRANGE_REGISTER                    = 0x1141
	S_DEFRANGE_FRAMEPOINTER_REL            = 0x1142
	S_DEFRANGE_SUBFIELD_REGISTER           = 0x1143
	S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE = 0x1144
	S_DEFRANGE_REGISTER_REL                = 0x1145

	S_LPROC32_ID     = 0x1146
	S_GPROC32_ID     = 0x1147
	S_LPROCMIPS_ID   = 0x1148
	S_GPROCMIPS_ID   = 0x1149
	S_LPROCIA64_ID   = 0x114a
	S_GPROCIA64_ID   = 0x114b
	S_BUILDINFO      = 0x114c
	S_INLINESITE     = 0x114d
	S_INLINESITE_END = 0x114e
	S_PROC_ID_END    = 0x114f
	S_FILESTATIC     = 0x1153
	S_LPROC32_DPC    = 0x1155
	S_LPROC32_DPC_ID = 0x1156
	S_ARMSWITCHTABLE = 0x1159
	S_CALLEES        = 0x115a
	S_CALLERS        = 0x115b
	S_POGODATA       = 0x115c
	S_INLINESITE2    = 0x115d
	S_HEAPALLOCSITE  = 0x115e
)

// Public symbol flags
const (
	PubSymFlagCode     = 0x01
	PubSymFlagFunction = 0x02
	PubSymFlagManaged  = 0x04
	PubSymFlagMSIL     = 0x08
)

// SymbolSignatureC13 starts every module symbol substream.
const SymbolSignatureC13 = 4

// SymbolRecord represents a parsed CodeView symbol record.
type SymbolRecord struct {
	Offset uint32 // Offset of the record within its stream
	Kind   uint16
	Data   []byte // Record body after the kind, aliasing the stream bytes
}

// ProcSym represents a procedure/function symbol (S_GPROC32, S_LPROC32, etc.)
type ProcSym struct {
	Parent    uint32 // Offset of the enclosing scope record
	End       uint32 // Offset of the matching S_END
	Next      uint32 // Pointer to next symbol
	Length    uint32 // Procedure length
	DbgStart  uint32 // Debug start offset
	DbgEnd    uint32 // Debug end offset
	TypeIndex uint32 // Type index
	Offset    uint32 // Code offset
	Segment   uint16 // Code segment
	Flags     uint8  // Procedure flags
	Name      string // Procedure name
}

// BlockSym represents a lexical block (S_BLOCK32).
type BlockSym struct {
	Parent   uint32
	End      uint32
	CodeSize uint32
	Offset   uint32
	Segment  uint16
	Name     string
}

// LabelSym represents a code label (S_LABEL32).
type LabelSym struct {
	Offset  uint32
	Segment uint16
	Flags   uint8
	Name    string
}

// ObjNameSym names the object file a module was built from (S_OBJNAME).
type ObjNameSym struct {
	Signature uint32
	Name      string
}

// DataSym represents a data/variable symbol (S_GDATA32, S_LDATA32, etc.)
type DataSym struct {
	TypeIndex uint32 // Type index
	Offset    uint32 // Data offset
	Segment   uint16 // Data segment
	Name      string // Variable name
}

// UDTSym represents a user-defined type symbol (S_UDT).
type UDTSym struct {
	TypeIndex uint32 // Type index for the UDT
	Name      string // UDT name
}

// PubSym represents a public symbol (S_PUB32).
type PubSym struct {
	Flags   uint32 // Public symbol flags
	Offset  uint32 // Offset
	Segment uint16 // Segment
	Name    string // Symbol name
}

// IsFunction reports whether the public names a function.
func (p *PubSym) IsFunction() bool {
	return p.Flags&PubSymFlagFunction != 0
}

// ConstantSym represents a constant symbol (S_CONSTANT).
type ConstantSym struct {
	TypeIndex uint32 // Type index
	Value     uint64 // Constant value
	Name      string // Constant name
}

// ParseSymbols parses all symbol records from raw symbol data. A leading
// C13 signature is skipped; record offsets stay relative to data.
func ParseSymbols(data []byte) ([]SymbolRecord, error) {
	var symbols []SymbolRecord
	offset := 0

	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == SymbolSignatureC13 {
		offset = 4
	}

	for offset < len(data) {
		if offset+4 > len(data) {
			return symbols, fmt.Errorf("truncated symbol record header at offset %d", offset)
		}
		recLen := int(binary.LittleEndian.Uint16(data[offset:]))
		if recLen < 2 || offset+2+recLen > len(data) {
			return symbols, fmt.Errorf("symbol record at offset %d has invalid length %d", offset, recLen)
		}

		symbols = append(symbols, SymbolRecord{
			Offset: uint32(offset),
			Kind:   binary.LittleEndian.Uint16(data[offset+2:]),
			Data:   data[offset+4 : offset+2+recLen],
		})
		offset += 2 + recLen
	}

	return symbols, nil
}

// ParseProcSym parses a procedure symbol record.
func ParseProcSym(data []byte) (*ProcSym, error) {
	if len(data) < 35 {
		return nil, fmt.Errorf("proc symbol data too small: %d bytes", len(data))
	}

	return &ProcSym{
		Parent:    binary.LittleEndian.Uint32(data[0:]),
		End:       binary.LittleEndian.Uint32(data[4:]),
		Next:      binary.LittleEndian.Uint32(data[8:]),
		Length:    binary.LittleEndian.Uint32(data[12:]),
		DbgStart:  binary.LittleEndian.Uint32(data[16:]),
		DbgEnd:    binary.LittleEndian.Uint32(data[20:]),
		TypeIndex: binary.LittleEndian.Uint32(data[24:]),
		Offset:    binary.LittleEndian.Uint32(data[28:]),
		Segment:   binary.LittleEndian.Uint16(data[32:]),
		Flags:     data[34],
		Name:      cString(data, 35),
	}, nil
}

// ParseBlockSym parses an S_BLOCK32 record.
func ParseBlockSym(data []byte) (*BlockSym, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("block symbol data too small: %d bytes", len(data))
	}

	return &BlockSym{
		Parent:   binary.LittleEndian.Uint32(data[0:]),
		End:      binary.LittleEndian.Uint32(data[4:]),
		CodeSize: binary.LittleEndian.Uint32(data[8:]),
		Offset:   binary.LittleEndian.Uint32(data[12:]),
		Segment:  binary.LittleEndian.Uint16(data[16:]),
		Name:     cString(data, 18),
	}, nil
}

// ParseLabelSym parses an S_LABEL32 record.
func ParseLabelSym(data []byte) (*LabelSym, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("label symbol data too small: %d bytes", len(data))
	}

	return &LabelSym{
		Offset:  binary.LittleEndian.Uint32(data[0:]),
		Segment: binary.LittleEndian.Uint16(data[4:]),
		Flags:   data[6],
		Name:    cString(data, 7),
	}, nil
}

// ParseObjNameSym parses an S_OBJNAME record.
func ParseObjNameSym(data []byte) (*ObjNameSym, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("object name symbol data too small: %d bytes", len(data))
	}

	return &ObjNameSym{
		Signature: binary.LittleEndian.Uint32(data),
		Name:      cString(data, 4),
	}, nil
}

// ParseDataSym parses a data symbol record (S_GDATA32, S_LDATA32).
func ParseDataSym(data []byte) (*DataSym, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("data symbol data too small: %d bytes", len(data))
	}

	return &DataSym{
		TypeIndex: binary.LittleEndian.Uint32(data[0:]),
		Offset:    binary.LittleEndian.Uint32(data[4:]),
		Segment:   binary.LittleEndian.Uint16(data[8:]),
		Name:      cString(data, 10),
	}, nil
}

// ParseUDTSym parses a UDT symbol record.
func ParseUDTSym(data []byte) (*UDTSym, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("UDT symbol data too small: %d bytes", len(data))
	}

	return &UDTSym{
		TypeIndex: binary.LittleEndian.Uint32(data[0:]),
		Name:      cString(data, 4),
	}, nil
}

// ParsePubSym parses a public symbol record (S_PUB32).
func ParsePubSym(data []byte) (*PubSym, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("pub symbol data too small: %d bytes", len(data))
	}

	return &PubSym{
		Flags:   binary.LittleEndian.Uint32(data[0:]),
		Offset:  binary.LittleEndian.Uint32(data[4:]),
		Segment: binary.LittleEndian.Uint16(data[8:]),
		Name:    cString(data, 10),
	}, nil
}

// ParseConstantSym parses a constant symbol record.
func ParseConstantSym(data []byte) (*ConstantSym, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("constant symbol data too small: %d bytes", len(data))
	}

	val, consumed := streams.ParseNumeric(data[4:])
	if consumed == 0 {
		return nil, fmt.Errorf("constant symbol has a bad numeric leaf")
	}

	return &ConstantSym{
		TypeIndex: binary.LittleEndian.Uint32(data[0:]),
		Value:     val,
		Name:      cString(data, 4+consumed),
	}, nil
}

func cString(data []byte, offset int) string {
	if offset >= len(data) {
		return ""
	}
	name, _ := streams.ParseString(data[offset:])
	return name
}

var symbolKindNames = map[uint16]string{
	S_COMPILE:        "S_COMPILE",
	S_END:            "S_END",
	S_GPROC32:        "S_GPROC32",
	S_LPROC32:        "S_LPROC32",
	S_GPROC32_ID:     "S_GPROC32_ID",
	S_LPROC32_ID:     "S_LPROC32_ID",
	S_PROC_ID_END:    "S_PROC_ID_END",
	S_GDATA32:        "S_GDATA32",
	S_LDATA32:        "S_LDATA32",
	S_PUB32:          "S_PUB32",
	S_UDT:            "S_UDT",
	S_CONSTANT:       "S_CONSTANT",
	S_PROCREF:        "S_PROCREF",
	S_LPROCREF:       "S_LPROCREF",
	S_DATAREF:        "S_DATAREF",
	S_COMPILE2:       "S_COMPILE2",
	S_COMPILE3:       "S_COMPILE3",
	S_FRAMEPROC:      "S_FRAMEPROC",
	S_BLOCK32:        "S_BLOCK32",
	S_LABEL32:        "S_LABEL32",
	S_THUNK32:        "S_THUNK32",
	S_REGREL32:       "S_REGREL32",
	S_LTHREAD32:      "S_LTHREAD32",
	S_GTHREAD32:      "S_GTHREAD32",
	S_LOCAL:          "S_LOCAL",
	S_BUILDINFO:      "S_BUILDINFO",
	S_INLINESITE:     "S_INLINESITE",
	S_INLINESITE_END: "S_INLINESITE_END",
	S_UNAMESPACE:     "S_UNAMESPACE",
	S_SECTION:        "S_SECTION",
	S_COFFGROUP:      "S_COFFGROUP",
	S_ENVBLOCK:       "S_ENVBLOCK",
	S_CALLSITEINFO:   "S_CALLSITEINFO",
	S_FRAMECOOKIE:    "S_FRAMECOOKIE",
	S_OBJNAME:        "S_OBJNAME",
	S_HEAPALLOCSITE:  "S_HEAPALLOCSITE",

	S_DEFRANGE_REGISTER:                    "S_DEFRANGE_REGISTER",
	S_DEFRANGE_FRAMEPOINTER_REL:            "S_DEFRANGE_FRAMEPOINTER_REL",
	S_DEFRANGE_SUBFIELD_REGISTER:           "S_DEFRANGE_SUBFIELD_REGISTER",
	S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE: "S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE",
	S_DEFRANGE_REGISTER_REL:                "S_DEFRANGE_REGISTER_REL",
}

// SymbolKindName returns the name for a symbol kind constant.
func SymbolKindName(kind uint16) string {
	if name, ok := symbolKindNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("S_0x%04x", kind)
}

// IsProcSymbol returns true if the kind is a procedure symbol.
func IsProcSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID,
		S_GPROCIA64, S_LPROCIA64, S_GPROCIA64_ID, S_LPROCIA64_ID,
		S_GPROCMIPS, S_LPROCMIPS, S_GPROCMIPS_ID, S_LPROCMIPS_ID,
		S_LPROC32_DPC, S_LPROC32_DPC_ID:
		return true
	}
	return false
}

// IsDataSymbol returns true if the kind is a data symbol.
func IsDataSymbol(kind uint16) bool {
	switch kind {
	case S_GDATA32, S_LDATA32, S_GMANDATA, S_LMANDATA, S_GTHREAD32, S_LTHREAD32:
		return true
	}
	return false
}

// IsGlobalSymbol returns true if the symbol has global linkage.
func IsGlobalSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_GPROC32_ID, S_GPROCIA64, S_GPROCMIPS,
		S_GMANDATA, S_GDATA32, S_GTHREAD32, S_PUB32:
		return true
	}
	return false
}

// OpensScope reports whether the record starts a scope closed by an end
// record (S_END, S_PROC_ID_END or S_INLINESITE_END).
func OpensScope(kind uint16) bool {
	switch kind {
	case S_BLOCK32, S_THUNK32, S_WITH32, S_SEPCODE, S_INLINESITE, S_INLINESITE2:
		return true
	}
	return IsProcSymbol(kind) || kind == S_GMANPROC || kind == S_LMANPROC
}

// ClosesScope reports whether the record ends the innermost open scope.
func ClosesScope(kind uint16) bool {
	return kind == S_END || kind == S_PROC_ID_END || kind == S_INLINESITE_END
}
