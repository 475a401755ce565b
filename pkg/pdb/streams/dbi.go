package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DBI Stream versions
const (
	DBIStreamVersionVC41 = 930803
	DBIStreamVersionV50  = 19960307
	DBIStreamVersionV60  = 19970606
	DBIStreamVersionV70  = 19990903
	DBIStreamVersionV110 = 20091201
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARMNT   = 0x01c4
	MachineARM64   = 0xAA64
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32  // Always -1
	VersionHeader           uint32 // DBI version
	Age                     uint32 // PDB age
	GlobalStreamIndex       uint16 // Global symbols stream index
	BuildNumber             uint16 // Toolchain version
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of source info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of optional debug header
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   uint16
	Machine                 uint16 // CPU type
	Padding                 uint32
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib
	SectionMap      []SectionMapEntry
	FileInfo        [][]string // source file names per module, in module order
	DebugStreams    []uint16   // optional debug header stream indices, DbgHeader* slots
}

// ModuleInfo contains information about a compiled module.
type ModuleInfo struct {
	Unused1              uint32
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16 // Stream containing module symbols (-1 if none)
	SymByteSize          uint32 // Size of symbol data in bytes
	C11ByteSize          uint32 // Size of C11 line info
	C13ByteSize          uint32 // Size of C13 line info
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
	ModuleName           string // Object file name
	ObjFileName          string // Archive or object file path
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// DBI substream versions
const (
	SectionContribVer60 = 0xeffe0000 + 19970605
	SectionContribV2    = 0xeffe0000 + 20140516
)

// Optional debug header stream slots, in on-disk order.
const (
	DbgHeaderFPO = iota
	DbgHeaderException
	DbgHeaderFixup
	DbgHeaderOmapToSrc
	DbgHeaderOmapFromSrc
	DbgHeaderSectionHdr
	DbgHeaderTokenRidMap
	DbgHeaderXdata
	DbgHeaderPdata
	DbgHeaderNewFPO
	DbgHeaderSectionHdrOrig
	DbgHeaderMax
)

// NilStream marks an absent stream index in DBI fields.
const NilStream = 0xFFFF

// dbiHeaderSize is the on-disk size of DBIHeader.
const dbiHeaderSize = 64

// SectionMapEntry is one segment descriptor of the DBI section map.
type SectionMapEntry struct {
	Flags         uint16
	Ovl           uint16
	Group         uint16
	Frame         uint16 // 1-based section index
	SecName       uint16
	ClassName     uint16
	Offset        uint32
	SecByteLength uint32
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, fmt.Errorf("DBI stream too small: %d bytes", len(data))
	}

	var header DBIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read DBI header: %w", err)
	}

	if header.VersionSignature != -1 {
		return nil, fmt.Errorf("invalid DBI version signature: %d", header.VersionSignature)
	}
	if header.VersionHeader < DBIStreamVersionV70 {
		return nil, fmt.Errorf("%w: DBI version %d", ErrUnsupportedVersion, header.VersionHeader)
	}

	sizes := []int32{
		header.ModInfoSize,
		header.SectionContributionSize,
		header.SectionMapSize,
		header.SourceInfoSize,
		header.TypeServerMapSize,
		header.ECSubstreamSize,
		header.OptionalDbgHeaderSize,
	}
	subs := make([][]byte, len(sizes))
	offset := dbiHeaderSize
	for i, size := range sizes {
		if size < 0 || offset+int(size) > len(data) {
			return nil, fmt.Errorf("DBI substream %d of %d bytes exceeds stream", i, size)
		}
		subs[i] = data[offset : offset+int(size)]
		offset += int(size)
	}

	dbi := &DBIStream{Header: header}

	var err error
	if dbi.Modules, err = parseModuleInfo(subs[0]); err != nil {
		return nil, fmt.Errorf("failed to parse module info: %w", err)
	}
	if dbi.SectionContribs, err = parseSectionContribs(subs[1]); err != nil {
		return nil, fmt.Errorf("failed to parse section contributions: %w", err)
	}
	if dbi.SectionMap, err = parseSectionMap(subs[2]); err != nil {
		return nil, fmt.Errorf("failed to parse section map: %w", err)
	}
	if dbi.FileInfo, err = parseFileInfo(subs[3], len(dbi.Modules)); err != nil {
		return nil, fmt.Errorf("failed to parse file info: %w", err)
	}
	dbi.DebugStreams = parseOptionalDbgHeader(subs[6])

	return dbi, nil
}

// moduleInfoFixedSize is the size of a module info record before its names.
const moduleInfoFixedSize = 64

// parseModuleInfo parses the module info substream.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	offset := 0

	for offset < len(data) {
		if offset+moduleInfoFixedSize > len(data) {
			return nil, fmt.Errorf("truncated module info record %d", len(modules))
		}

		rec := data[offset:]
		mod := ModuleInfo{
			Unused1:              binary.LittleEndian.Uint32(rec[0:]),
			SectionContrib:       decodeSectionContrib(rec[4:32]),
			Flags:                binary.LittleEndian.Uint16(rec[32:]),
			ModuleSymStream:      binary.LittleEndian.Uint16(rec[34:]),
			SymByteSize:          binary.LittleEndian.Uint32(rec[36:]),
			C11ByteSize:          binary.LittleEndian.Uint32(rec[40:]),
			C13ByteSize:          binary.LittleEndian.Uint32(rec[44:]),
			SourceFileCount:      binary.LittleEndian.Uint16(rec[48:]),
			Padding:              binary.LittleEndian.Uint16(rec[50:]),
			Unused2:              binary.LittleEndian.Uint32(rec[52:]),
			SourceFileNameIndex:  binary.LittleEndian.Uint32(rec[56:]),
			PdbFilePathNameIndex: binary.LittleEndian.Uint32(rec[60:]),
		}
		offset += moduleInfoFixedSize

		end := bytes.IndexByte(data[offset:], 0)
		if end == -1 {
			return nil, fmt.Errorf("unterminated module name in record %d", len(modules))
		}
		mod.ModuleName = string(data[offset : offset+end])
		offset += end + 1

		end = bytes.IndexByte(data[offset:], 0)
		if end == -1 {
			return nil, fmt.Errorf("unterminated object file name in record %d", len(modules))
		}
		mod.ObjFileName = string(data[offset : offset+end])
		offset += end + 1

		// Align to 4-byte boundary
		offset = (offset + 3) & ^3

		modules = append(modules, mod)
	}

	return modules, nil
}

func decodeSectionContrib(b []byte) SectionContrib {
	return SectionContrib{
		Section:         binary.LittleEndian.Uint16(b[0:]),
		Padding1:        binary.LittleEndian.Uint16(b[2:]),
		Offset:          int32(binary.LittleEndian.Uint32(b[4:])),
		Size:            int32(binary.LittleEndian.Uint32(b[8:])),
		Characteristics: binary.LittleEndian.Uint32(b[12:]),
		ModuleIndex:     binary.LittleEndian.Uint16(b[16:]),
		Padding2:        binary.LittleEndian.Uint16(b[18:]),
		DataCrc:         binary.LittleEndian.Uint32(b[20:]),
		RelocCrc:        binary.LittleEndian.Uint32(b[24:]),
	}
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("section contribution substream too small: %d bytes", len(data))
	}

	var entrySize int
	switch version := binary.LittleEndian.Uint32(data); version {
	case SectionContribVer60:
		entrySize = 28
	case SectionContribV2:
		entrySize = 32 // V2 appends ISectCoff
	default:
		return nil, fmt.Errorf("%w: section contribution version 0x%x", ErrUnsupportedVersion, version)
	}

	body := data[4:]
	if len(body)%entrySize != 0 {
		return nil, fmt.Errorf("section contribution substream size %d is not a multiple of %d", len(body), entrySize)
	}

	contribs := make([]SectionContrib, 0, len(body)/entrySize)
	for off := 0; off < len(body); off += entrySize {
		contribs = append(contribs, decodeSectionContrib(body[off:off+28]))
	}
	return contribs, nil
}

// parseSectionMap parses the section map substream.
func parseSectionMap(data []byte) ([]SectionMapEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(data)

	var count, logCount uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read section map count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &logCount); err != nil {
		return nil, fmt.Errorf("failed to read section map log count: %w", err)
	}

	entries := make([]SectionMapEntry, count)
	if err := binary.Read(r, binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("failed to read %d section map entries: %w", count, err)
	}
	return entries, nil
}

// parseFileInfo parses the file info (source info) substream into the list
// of source file names contributed by each module.
func parseFileInfo(data []byte, numModules int) ([][]string, error) {
	if len(data) == 0 {
		return make([][]string, numModules), nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("file info substream too small: %d bytes", len(data))
	}

	// NumSourceFiles is a 16-bit count that overflows on large programs; the
	// per-module counts are authoritative.
	n := int(binary.LittleEndian.Uint16(data))
	if n != numModules {
		return nil, fmt.Errorf("file info lists %d modules, module info has %d", n, numModules)
	}

	offset := 4
	if offset+4*n > len(data) {
		return nil, fmt.Errorf("truncated file info module arrays")
	}
	counts := make([]int, n)
	for i := range counts {
		counts[i] = int(binary.LittleEndian.Uint16(data[offset+2*n+2*i:]))
	}
	offset += 4 * n

	total := 0
	for _, c := range counts {
		total += c
	}
	if offset+4*total > len(data) {
		return nil, fmt.Errorf("truncated file name offsets: need %d", total)
	}
	names := data[offset+4*total:]

	files := make([][]string, n)
	for i, c := range counts {
		files[i] = make([]string, 0, c)
		for j := 0; j < c; j++ {
			nameOff := binary.LittleEndian.Uint32(data[offset:])
			offset += 4
			if int(nameOff) >= len(names) {
				return nil, fmt.Errorf("file name offset %d out of range", nameOff)
			}
			files[i] = append(files[i], extractCString(names[nameOff:]))
		}
	}
	return files, nil
}

// parseOptionalDbgHeader returns the stream indices listed in the optional
// debug header, padded with NilStream up to DbgHeaderMax slots.
func parseOptionalDbgHeader(data []byte) []uint16 {
	n := len(data) / 2
	if n < DbgHeaderMax {
		n = DbgHeaderMax
	}
	streams := make([]uint16, n)
	for i := range streams {
		if 2*i+2 <= len(data) {
			streams[i] = binary.LittleEndian.Uint16(data[2*i:])
		} else {
			streams[i] = NilStream
		}
	}
	return streams
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM, MachineARMNT:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != NilStream && m.SymByteSize > 0
}
