package pdbtest

import (
	"debug/pe"
	"encoding/binary"

	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// symbol frames a symbol record and pads it to four bytes.
func symbol(kind uint16, body *buffer) []byte {
	body.align(4)
	var w buffer
	w.u16(uint16(body.Len() + 2))
	w.u16(kind)
	w.Write(body.Bytes())
	return w.Bytes()
}

// leaf frames a type record.
func leaf(kind uint16, body *buffer) []byte {
	var w buffer
	w.u16(uint16(body.Len() + 2))
	w.u16(kind)
	w.Write(body.Bytes())
	return w.Bytes()
}

// Proc is an S_GPROC32 or S_LPROC32 record. Close it with End.
func Proc(kind uint16, name string, section uint16, offset, length, typeIndex uint32) []byte {
	var b buffer
	b.u32(0) // parent
	b.u32(0) // end
	b.u32(0) // next
	b.u32(length)
	b.u32(0)
	b.u32(length)
	b.u32(typeIndex)
	b.u32(offset)
	b.u16(section)
	b.u8(0)
	b.str(name)
	return symbol(kind, &b)
}

// Block is an S_BLOCK32 record. Close it with End.
func Block(name string, section uint16, offset, length uint32) []byte {
	var b buffer
	b.u32(0)
	b.u32(0)
	b.u32(length)
	b.u32(offset)
	b.u16(section)
	b.str(name)
	return symbol(codeview.S_BLOCK32, &b)
}

// Label is an S_LABEL32 record.
func Label(name string, section uint16, offset uint32) []byte {
	var b buffer
	b.u32(offset)
	b.u16(section)
	b.u8(0)
	b.str(name)
	return symbol(codeview.S_LABEL32, &b)
}

// Data is an S_GDATA32, S_LDATA32, S_GTHREAD32 or S_LTHREAD32 record.
func Data(kind uint16, name string, typeIndex uint32, section uint16, offset uint32) []byte {
	var b buffer
	b.u32(typeIndex)
	b.u32(offset)
	b.u16(section)
	b.str(name)
	return symbol(kind, &b)
}

// UDT is an S_UDT record.
func UDT(name string, typeIndex uint32) []byte {
	var b buffer
	b.u32(typeIndex)
	b.str(name)
	return symbol(codeview.S_UDT, &b)
}

// Public is an S_PUB32 record.
func Public(name string, section uint16, offset uint32, function bool) []byte {
	var b buffer
	if function {
		b.u32(codeview.PubSymFlagFunction)
	} else {
		b.u32(0)
	}
	b.u32(offset)
	b.u16(section)
	b.str(name)
	return symbol(codeview.S_PUB32, &b)
}

// ObjName is an S_OBJNAME record.
func ObjName(name string) []byte {
	var b buffer
	b.u32(0)
	b.str(name)
	return symbol(codeview.S_OBJNAME, &b)
}

// Thunk is an S_THUNK32 record. It opens a scope that is not itself a
// symbol; close it with End.
func Thunk(name string, section uint16, offset uint32, length uint16) []byte {
	var b buffer
	b.u32(0)
	b.u32(0)
	b.u32(0)
	b.u32(offset)
	b.u16(section)
	b.u16(length)
	b.u8(0)
	b.str(name)
	return symbol(codeview.S_THUNK32, &b)
}

// End closes the innermost scope.
func End() []byte {
	return symbol(codeview.S_END, &buffer{})
}

const propForwardRef = 0x0080

// Structure is an LF_STRUCTURE, LF_CLASS or LF_INTERFACE record.
func Structure(kind uint16, name string, fieldList uint32, size uint16, forward bool) []byte {
	var b buffer
	b.u16(0)
	b.u16(property(forward))
	b.u32(fieldList)
	b.u32(0)
	b.u32(0)
	b.u16(size)
	b.str(name)
	return leaf(kind, &b)
}

// Union is an LF_UNION record.
func Union(name string, fieldList uint32, size uint16, forward bool) []byte {
	var b buffer
	b.u16(0)
	b.u16(property(forward))
	b.u32(fieldList)
	b.u16(size)
	b.str(name)
	return leaf(streams.LF_UNION, &b)
}

// Enum is an LF_ENUM record.
func Enum(name string, underlying, fieldList uint32, forward bool) []byte {
	var b buffer
	b.u16(0)
	b.u16(property(forward))
	b.u32(underlying)
	b.u32(fieldList)
	b.str(name)
	return leaf(streams.LF_ENUM, &b)
}

func property(forward bool) uint16 {
	if forward {
		return propForwardRef
	}
	return 0
}

// Pointer is a 64-bit LF_POINTER record. reference selects an lvalue
// reference.
func Pointer(referent uint32, reference bool) []byte {
	attrs := uint32(0x0c) | 8<<13
	if reference {
		attrs |= codeview.PointerModeLValueReference << 5
	}
	var b buffer
	b.u32(referent)
	b.u32(attrs)
	return leaf(streams.LF_POINTER, &b)
}

// Array is an LF_ARRAY record of size bytes.
func Array(element, index uint32, size uint16) []byte {
	var b buffer
	b.u32(element)
	b.u32(index)
	b.u16(size)
	b.str("")
	return leaf(streams.LF_ARRAY, &b)
}

// Procedure is an LF_PROCEDURE record.
func Procedure(ret uint32, params uint16, argList uint32) []byte {
	var b buffer
	b.u32(ret)
	b.u8(0)
	b.u8(0)
	b.u16(params)
	b.u32(argList)
	return leaf(streams.LF_PROCEDURE, &b)
}

// ArgList is an LF_ARGLIST record.
func ArgList(args ...uint32) []byte {
	var b buffer
	b.u32(uint32(len(args)))
	for _, a := range args {
		b.u32(a)
	}
	return leaf(streams.LF_ARGLIST, &b)
}

// Modifier is an LF_MODIFIER record.
func Modifier(modified uint32, modifiers uint16) []byte {
	var b buffer
	b.u32(modified)
	b.u16(modifiers)
	b.u16(0)
	return leaf(streams.LF_MODIFIER, &b)
}

// FieldList is an LF_FIELDLIST record of Member and Enumerate entries.
func FieldList(fields ...[]byte) []byte {
	var b buffer
	for _, f := range fields {
		b.Write(f)
	}
	return leaf(streams.LF_FIELDLIST, &b)
}

// Member is an LF_MEMBER field list entry.
func Member(name string, typeIndex uint32, offset uint16) []byte {
	var b buffer
	b.u16(streams.LF_MEMBER)
	b.u16(3) // public
	b.u32(typeIndex)
	b.u16(offset)
	b.str(name)
	return b.Bytes()
}

// Enumerate is an LF_ENUMERATE field list entry.
func Enumerate(name string, value uint16) []byte {
	var b buffer
	b.u16(streams.LF_ENUMERATE)
	b.u16(3)
	b.u16(value)
	b.str(name)
	return b.Bytes()
}

// Raw is a type record with an arbitrary leaf kind and body.
func Raw(kind uint16, body []byte) []byte {
	var b buffer
	b.Write(body)
	return leaf(kind, &b)
}

// BuildPE returns a minimal PE32+ image whose debug directory holds one
// RSDS record naming pdbPath.
func BuildPE(guid [16]byte, age uint32, pdbPath string) []byte {
	const (
		lfanew     = 0x40
		sectionVA  = 0x1000
		rawOffset  = 0x200
		rawSize    = 0x200
		debugEntry = 28
	)

	var rsds buffer
	rsds.WriteString("RSDS")
	rsds.Write(guid[:])
	rsds.u32(age)
	rsds.str(pdbPath)

	var w buffer
	w.WriteString("MZ")
	w.Write(make([]byte, 0x3c-2))
	w.u32(lfanew)
	w.WriteString("PE\x00\x00")
	w.put(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader64{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	})
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: sectionVA,
		ImageBase:           0x140000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x2000,
		SizeOfHeaders:       rawOffset,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG] = pe.DataDirectory{VirtualAddress: sectionVA, Size: debugEntry}
	w.put(oh)
	sh := pe.SectionHeader32{
		VirtualSize:      rawSize,
		VirtualAddress:   sectionVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: rawOffset,
		Characteristics:  pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".rdata")
	w.put(sh)
	w.Write(make([]byte, rawOffset-w.Len()))

	w.u32(0) // characteristics
	w.u32(0) // time stamp
	w.u16(0)
	w.u16(0)
	w.u32(2) // IMAGE_DEBUG_TYPE_CODEVIEW
	w.u32(uint32(rsds.Len()))
	w.u32(sectionVA + debugEntry)
	w.u32(rawOffset + debugEntry)
	w.Write(rsds.Bytes())
	w.Write(make([]byte, rawOffset+rawSize-w.Len()))
	return w.Bytes()
}
