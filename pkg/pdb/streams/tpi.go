package streams

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupportedVersion is wrapped by every decoder that recognizes a
// stream but not its version.
var ErrUnsupportedVersion = errors.New("unsupported stream version")

// TPI Stream versions
const (
	TPIStreamVersion40  = 19950410
	TPIStreamVersion41  = 19951122
	TPIStreamVersion50  = 19961031
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// First type index (built-in types are below this)
const TypeIndexBegin = 0x1000

// tpiHeaderSize is the on-disk size of TPIHeader.
const tpiHeaderSize = 56

// TPIHeader is the header of the TPI stream.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// TPIStream represents the parsed TPI (Type Info) stream. Records are stored
// densely: TypeRecords[i] has type index Header.TypeIndexBegin+i.
type TPIStream struct {
	Header      TPIHeader
	TypeRecords []TypeRecord
}

// TypeRecord represents a single type record.
type TypeRecord struct {
	Index uint32 // Type index
	Kind  uint16 // LF_* type kind
	Data  []byte // Raw record data (excluding length and kind)
}

// ReadTPIStream parses the TPI stream from raw bytes.
func ReadTPIStream(data []byte) (*TPIStream, error) {
	var header TPIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read TPI header: %w", err)
	}

	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, fmt.Errorf("%w: TPI version %d", ErrUnsupportedVersion, header.Version)
	}
	if header.HeaderSize != tpiHeaderSize {
		return nil, fmt.Errorf("unexpected TPI header size %d", header.HeaderSize)
	}
	if header.TypeIndexBegin < TypeIndexBegin || header.TypeIndexEnd < header.TypeIndexBegin {
		return nil, fmt.Errorf("invalid TPI type index range [0x%x, 0x%x)", header.TypeIndexBegin, header.TypeIndexEnd)
	}
	if uint64(tpiHeaderSize)+uint64(header.TypeRecordBytes) > uint64(len(data)) {
		return nil, fmt.Errorf("TPI declares %d record bytes, stream has %d", header.TypeRecordBytes, len(data)-tpiHeaderSize)
	}

	recordData := data[tpiHeaderSize : tpiHeaderSize+header.TypeRecordBytes]
	tpi := &TPIStream{
		Header:      header,
		TypeRecords: make([]TypeRecord, 0, header.TypeIndexEnd-header.TypeIndexBegin),
	}

	offset := 0
	typeIndex := header.TypeIndexBegin
	for offset < len(recordData) && typeIndex < header.TypeIndexEnd {
		if offset+4 > len(recordData) {
			return nil, fmt.Errorf("truncated type record 0x%x", typeIndex)
		}

		recLen := int(binary.LittleEndian.Uint16(recordData[offset:]))
		if recLen < 2 || offset+2+recLen > len(recordData) {
			return nil, fmt.Errorf("type record 0x%x has invalid length %d", typeIndex, recLen)
		}

		tpi.TypeRecords = append(tpi.TypeRecords, TypeRecord{
			Index: typeIndex,
			Kind:  binary.LittleEndian.Uint16(recordData[offset+2:]),
			Data:  recordData[offset+4 : offset+2+recLen],
		})

		offset += 2 + recLen
		typeIndex++
	}

	if typeIndex != header.TypeIndexEnd {
		return nil, fmt.Errorf("TPI declares %d records, found %d",
			header.TypeIndexEnd-header.TypeIndexBegin, typeIndex-header.TypeIndexBegin)
	}

	return tpi, nil
}

// GetType returns the type record for the given type index, or nil.
func (t *TPIStream) GetType(index uint32) *TypeRecord {
	if index < t.Header.TypeIndexBegin {
		return nil
	}
	i := index - t.Header.TypeIndexBegin
	if i >= uint32(len(t.TypeRecords)) {
		return nil
	}
	return &t.TypeRecords[i]
}

// NumTypes returns the number of type records.
func (t *TPIStream) NumTypes() int {
	return len(t.TypeRecords)
}

// TypeCount returns the number of types (TypeIndexEnd - TypeIndexBegin).
func (t *TPIStream) TypeCount() uint32 {
	return t.Header.TypeIndexEnd - t.Header.TypeIndexBegin
}

// LF_* type leaf constants. The *_ST variants are the pre-VC7 records with
// length-prefixed names; the unsuffixed kinds use null-terminated names.
const (
	LF_VTSHAPE     = 0x000a
	LF_LABEL       = 0x000e
	LF_NULL        = 0x000f
	LF_NOTTRAN     = 0x0010
	LF_ENDPRECOMP  = 0x0014
	LF_OEM         = 0x0015
	LF_TYPESERVER0 = 0x0016

	LF_MODIFIER     = 0x1001
	LF_POINTER      = 0x1002
	LF_ARRAY_ST     = 0x1003
	LF_CLASS_ST     = 0x1004
	LF_STRUCTURE_ST = 0x1005
	LF_UNION_ST     = 0x1006
	LF_ENUM_ST      = 0x1007
	LF_PROCEDURE    = 0x1008
	LF_MFUNCTION    = 0x1009
	LF_COBOL0       = 0x100a
	LF_BARRAY       = 0x100b
	LF_DIMARRAY_ST  = 0x100c
	LF_VFTPATH      = 0x100d
	LF_PRECOMP_ST   = 0x100e
	LF_OEM2         = 0x100f

	LF_SKIP       = 0x1200
	LF_ARGLIST    = 0x1201
	LF_DEFARG_ST  = 0x1202
	LF_FIELDLIST  = 0x1203
	LF_DERIVED    = 0x1204
	LF_BITFIELD   = 0x1205
	LF_METHODLIST = 0x1206
	LF_DIMCONU    = 0x1207
	LF_DIMCONLU   = 0x1208
	LF_DIMVARU    = 0x1209
	LF_DIMVARLU   = 0x120a

	LF_BCLASS          = 0x1400
	LF_VBCLASS         = 0x1401
	LF_IVBCLASS        = 0x1402
	LF_FRIENDFCN_ST    = 0x1403
	LF_INDEX           = 0x1404
	LF_MEMBER_ST       = 0x1405
	LF_STMEMBER_ST     = 0x1406
	LF_METHOD_ST       = 0x1407
	LF_NESTTYPE_ST     = 0x1408
	LF_VFUNCTAB        = 0x1409
	LF_FRIENDCLS       = 0x140a
	LF_ONEMETHOD_ST    = 0x140b
	LF_VFUNCOFF        = 0x140c
	LF_NESTTYPEEX_ST   = 0x140d
	LF_MEMBERMODIFY_ST = 0x140e

	LF_TYPESERVER = 0x1501
	LF_ENUMERATE  = 0x1502
	LF_ARRAY      = 0x1503
	LF_CLASS      = 0x1504
	LF_STRUCTURE  = 0x1505
	LF_UNION      = 0x1506
	LF_ENUM       = 0x1507
	LF_DIMARRAY   = 0x1508
	LF_PRECOMP    = 0x1509
	LF_ALIAS      = 0x150a
	LF_DEFARG     = 0x150b
	LF_FRIENDFCN  = 0x150c
	LF_MEMBER     = 0x150d
	LF_STMEMBER   = 0x150e
	LF_METHOD     = 0x150f
	LF_NESTTYPE   = 0x1510
	LF_ONEMETHOD  = 0x1511
	LF_NESTTYPEEX = 0x1512
	LF_INTERFACE  = 0x1519

	LF_FUNC_ID          = 0x1601
	LF_MFUNC_ID         = 0x1602
	LF_BUILDINFO        = 0x1603
	LF_SUBSTR_LIST      = 0x1604
	LF_STRING_ID        = 0x1605
	LF_UDT_SRC_LINE     = 0x1606
	LF_UDT_MOD_SRC_LINE = 0x1607
)

// Built-in type constants (type indices < 0x1000)
// Mode (bits 8-11)
const (
	TM_DIRECT  = 0 // Not a pointer
	TM_NPTR    = 1 // Near pointer
	TM_FPTR    = 2 // Far pointer
	TM_HPTR    = 3 // Huge pointer
	TM_NPTR32  = 4 // 32-bit near pointer
	TM_FPTR32  = 5 // 32-bit far pointer
	TM_NPTR64  = 6 // 64-bit near pointer
	TM_NPTR128 = 7 // 128-bit near pointer
)

// Kind (bits 0-7)
const (
	T_NOTYPE    = 0x0000
	T_ABS       = 0x0001
	T_SEGMENT   = 0x0002
	T_VOID      = 0x0003
	T_CURRENCY  = 0x0004
	T_NBASICSTR = 0x0005
	T_FBASICSTR = 0x0006
	T_NOTTRANS  = 0x0007
	T_HRESULT   = 0x0008

	T_CHAR  = 0x0010
	T_SHORT = 0x0011
	T_LONG  = 0x0012
	T_QUAD  = 0x0013
	T_OCT   = 0x0014

	T_UCHAR  = 0x0020
	T_USHORT = 0x0021
	T_ULONG  = 0x0022
	T_UQUAD  = 0x0023
	T_UOCT   = 0x0024

	T_BOOL08 = 0x0030
	T_BOOL16 = 0x0031
	T_BOOL32 = 0x0032
	T_BOOL64 = 0x0033

	T_REAL32   = 0x0040
	T_REAL64   = 0x0041
	T_REAL80   = 0x0042
	T_REAL128  = 0x0043
	T_REAL48   = 0x0044
	T_REAL32PP = 0x0045
	T_REAL16   = 0x0046

	T_CPLX32  = 0x0050
	T_CPLX64  = 0x0051
	T_CPLX80  = 0x0052
	T_CPLX128 = 0x0053

	T_BIT      = 0x0060
	T_PASCHAR  = 0x0061
	T_BOOL32FF = 0x0062

	T_INT1   = 0x0068
	T_UINT1  = 0x0069
	T_RCHAR  = 0x0070
	T_WCHAR  = 0x0071
	T_INT2   = 0x0072
	T_UINT2  = 0x0073
	T_INT4   = 0x0074
	T_UINT4  = 0x0075
	T_INT8   = 0x0076
	T_UINT8  = 0x0077
	T_INT16  = 0x0078
	T_UINT16 = 0x0079
	T_CHAR16 = 0x007a
	T_CHAR32 = 0x007b
	T_CHAR8  = 0x007c
)

// builtinNames maps the kind byte of a simple type index to its C name.
var builtinNames = map[uint32]string{
	T_NOTYPE:  "<no type>",
	T_VOID:    "void",
	T_HRESULT: "HRESULT",
	T_CHAR:    "signed char",
	T_SHORT:   "short",
	T_LONG:    "long",
	T_QUAD:    "__int64",
	T_OCT:     "__int128",
	T_UCHAR:   "unsigned char",
	T_USHORT:  "unsigned short",
	T_ULONG:   "unsigned long",
	T_UQUAD:   "unsigned __int64",
	T_UOCT:    "unsigned __int128",
	T_BOOL08:  "bool",
	T_BOOL16:  "__bool16",
	T_BOOL32:  "__bool32",
	T_BOOL64:  "__bool64",
	T_REAL16:  "__half",
	T_REAL32:  "float",
	T_REAL64:  "double",
	T_REAL80:  "long double",
	T_REAL128: "__float128",
	T_INT1:    "__int8",
	T_UINT1:   "unsigned __int8",
	T_RCHAR:   "char",
	T_WCHAR:   "wchar_t",
	T_INT2:    "__int16",
	T_UINT2:   "unsigned __int16",
	T_INT4:    "int",
	T_UINT4:   "unsigned int",
	T_INT8:    "__int64",
	T_UINT8:   "unsigned __int64",
	T_INT16:   "__int128",
	T_UINT16:  "unsigned __int128",
	T_CHAR16:  "char16_t",
	T_CHAR32:  "char32_t",
	T_CHAR8:   "char8_t",
}

// builtinSizes holds the byte size of direct (non-pointer) simple types.
var builtinSizes = map[uint32]uint64{
	T_HRESULT: 4,
	T_CHAR:    1, T_UCHAR: 1, T_RCHAR: 1, T_INT1: 1, T_UINT1: 1, T_BOOL08: 1, T_CHAR8: 1,
	T_SHORT: 2, T_USHORT: 2, T_WCHAR: 2, T_INT2: 2, T_UINT2: 2, T_BOOL16: 2, T_CHAR16: 2, T_REAL16: 2,
	T_LONG: 4, T_ULONG: 4, T_INT4: 4, T_UINT4: 4, T_BOOL32: 4, T_REAL32: 4, T_CHAR32: 4,
	T_QUAD: 8, T_UQUAD: 8, T_INT8: 8, T_UINT8: 8, T_BOOL64: 8, T_REAL64: 8,
	T_REAL80: 10,
	T_OCT: 16, T_UOCT: 16, T_INT16: 16, T_UINT16: 16, T_REAL128: 16,
}

// GetBuiltinTypeName returns the name of a built-in type index.
func GetBuiltinTypeName(typeIdx uint32) string {
	if typeIdx >= TypeIndexBegin {
		return ""
	}

	kind := typeIdx & 0xFF
	mode := (typeIdx >> 8) & 0xF

	baseName, ok := builtinNames[kind]
	if !ok {
		baseName = fmt.Sprintf("builtin_0x%04x", typeIdx)
	}

	switch mode {
	case TM_DIRECT:
		return baseName
	case TM_FPTR, TM_FPTR32:
		return baseName + " far*"
	case TM_HPTR:
		return baseName + " huge*"
	default:
		return baseName + "*"
	}
}

// BuiltinTypeSize returns the size in bytes of a built-in type index, or 0
// when it is not known.
func BuiltinTypeSize(typeIdx uint32) uint64 {
	if typeIdx >= TypeIndexBegin {
		return 0
	}
	switch (typeIdx >> 8) & 0xF {
	case TM_DIRECT:
		return builtinSizes[typeIdx&0xFF]
	case TM_NPTR:
		return 2
	case TM_FPTR, TM_HPTR, TM_NPTR32:
		return 4
	case TM_FPTR32:
		return 6
	case TM_NPTR64:
		return 8
	case TM_NPTR128:
		return 16
	}
	return 0
}

var leafKindNames = map[uint16]string{
	LF_MODIFIER:     "LF_MODIFIER",
	LF_POINTER:      "LF_POINTER",
	LF_ARRAY:        "LF_ARRAY",
	LF_ARRAY_ST:     "LF_ARRAY",
	LF_CLASS:        "LF_CLASS",
	LF_CLASS_ST:     "LF_CLASS",
	LF_STRUCTURE:    "LF_STRUCTURE",
	LF_STRUCTURE_ST: "LF_STRUCTURE",
	LF_UNION:        "LF_UNION",
	LF_UNION_ST:     "LF_UNION",
	LF_ENUM:         "LF_ENUM",
	LF_ENUM_ST:      "LF_ENUM",
	LF_INTERFACE:    "LF_INTERFACE",
	LF_PROCEDURE:    "LF_PROCEDURE",
	LF_MFUNCTION:    "LF_MFUNCTION",
	LF_ARGLIST:      "LF_ARGLIST",
	LF_FIELDLIST:    "LF_FIELDLIST",
	LF_BITFIELD:     "LF_BITFIELD",
	LF_METHODLIST:   "LF_METHODLIST",
	LF_VTSHAPE:      "LF_VTSHAPE",
	LF_MEMBER:       "LF_MEMBER",
	LF_STMEMBER:     "LF_STMEMBER",
	LF_ENUMERATE:    "LF_ENUMERATE",
	LF_NESTTYPE:     "LF_NESTTYPE",
	LF_METHOD:       "LF_METHOD",
	LF_ONEMETHOD:    "LF_ONEMETHOD",
	LF_BCLASS:       "LF_BCLASS",
	LF_VFUNCTAB:     "LF_VFUNCTAB",
	LF_INDEX:        "LF_INDEX",
	LF_FUNC_ID:      "LF_FUNC_ID",
	LF_MFUNC_ID:     "LF_MFUNC_ID",
	LF_BUILDINFO:    "LF_BUILDINFO",
	LF_SUBSTR_LIST:  "LF_SUBSTR_LIST",
	LF_STRING_ID:    "LF_STRING_ID",
	LF_UDT_SRC_LINE: "LF_UDT_SRC_LINE",

	LF_UDT_MOD_SRC_LINE: "LF_UDT_MOD_SRC_LINE",
}

// LeafKindName returns the name for a LF_* constant.
func LeafKindName(kind uint16) string {
	if name, ok := leafKindNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("LF_0x%04x", kind)
}

// ParseNumeric parses a numeric leaf value from the data.
// Returns the value and the number of bytes consumed.
func ParseNumeric(data []byte) (uint64, int) {
	if len(data) < 2 {
		return 0, 0
	}

	val := binary.LittleEndian.Uint16(data)
	if val < 0x8000 {
		return uint64(val), 2
	}

	// Encoded numeric follows
	switch val {
	case 0x8000: // LF_CHAR
		if len(data) < 3 {
			return 0, 0
		}
		return uint64(int8(data[2])), 3
	case 0x8001: // LF_SHORT
		if len(data) < 4 {
			return 0, 0
		}
		return uint64(int16(binary.LittleEndian.Uint16(data[2:]))), 4
	case 0x8002: // LF_USHORT
		if len(data) < 4 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[2:])), 4
	case 0x8003: // LF_LONG
		if len(data) < 6 {
			return 0, 0
		}
		return uint64(int32(binary.LittleEndian.Uint32(data[2:]))), 6
	case 0x8004: // LF_ULONG
		if len(data) < 6 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(data[2:])), 6
	case 0x8009: // LF_QUADWORD
		if len(data) < 10 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(data[2:]), 10
	case 0x800a: // LF_UQUADWORD
		if len(data) < 10 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(data[2:]), 10
	default:
		return 0, 0
	}
}

// ParseString parses a null-terminated string from data.
// Returns the string and number of bytes consumed (including null).
func ParseString(data []byte) (string, int) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data), len(data)
	}
	return string(data[:idx]), idx + 1
}
