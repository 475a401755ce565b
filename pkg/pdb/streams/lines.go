package streams

import (
	"encoding/binary"
	"fmt"
)

// C13 debug subsection kinds.
const (
	DebugSubsectionSymbols             = 0xF1
	DebugSubsectionLines               = 0xF2
	DebugSubsectionStringTable         = 0xF3
	DebugSubsectionFileChecksums       = 0xF4
	DebugSubsectionFrameData           = 0xF5
	DebugSubsectionInlineeLines        = 0xF6
	DebugSubsectionCrossScopeImports   = 0xF7
	DebugSubsectionCrossScopeExports   = 0xF8
	DebugSubsectionILLines             = 0xF9
	DebugSubsectionFuncMDTokenMap      = 0xFA
	DebugSubsectionTypeMDTokenMap      = 0xFB
	DebugSubsectionMergedAssemblyInput = 0xFC
	DebugSubsectionCoffSymbolRVA       = 0xFD

	debugSubsectionIgnore = 0x80000000
)

// Line flags
const (
	lineFlagHaveColumns = 0x0001

	lineStartMask     = 0x00FFFFFF
	lineEndDeltaMask  = 0x7F000000
	lineEndDeltaShift = 24
	lineStatementFlag = 0x80000000
)

// File checksum kinds.
const (
	ChecksumNone   = 0
	ChecksumMD5    = 1
	ChecksumSHA1   = 2
	ChecksumSHA256 = 3
)

// LineEntry is a single row of a C13 line block.
type LineEntry struct {
	Offset      uint32 // Code offset relative to the section's RelocOffset
	LineStart   uint32
	LineEnd     uint32
	IsStatement bool
	ColumnStart uint16
	ColumnEnd   uint16
}

// LineBlock holds the lines contributed by one source file.
type LineBlock struct {
	ChecksumOffset uint32 // Offset of the file's entry in the file checksum subsection
	Lines          []LineEntry
}

// LineSection is one DEBUG_S_LINES subsection, covering a contiguous code
// range starting at RelocSegment:RelocOffset.
type LineSection struct {
	RelocOffset  uint32
	RelocSegment uint16
	Flags        uint16
	CodeSize     uint32
	Blocks       []LineBlock
}

// HasColumns reports whether column information is present.
func (s *LineSection) HasColumns() bool {
	return s.Flags&lineFlagHaveColumns != 0
}

// FileChecksum is a DEBUG_S_FILECHKSMS entry.
type FileChecksum struct {
	FileNameOffset uint32 // Offset into the /names string table
	Kind           uint8
	Checksum       []byte
}

// ModuleLines is the decoded C13 line data of a module.
type ModuleLines struct {
	Sections  []LineSection
	Checksums map[uint32]FileChecksum // keyed by entry offset
}

// ParseC13Lines decodes the C13 debug subsections of a module stream.
// Subsections other than lines and file checksums are skipped.
func ParseC13Lines(data []byte) (*ModuleLines, error) {
	ml := &ModuleLines{Checksums: make(map[uint32]FileChecksum)}

	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("truncated debug subsection header at offset %d", offset)
		}
		kind := binary.LittleEndian.Uint32(data[offset:])
		length := binary.LittleEndian.Uint32(data[offset+4:])
		offset += 8
		if uint64(offset)+uint64(length) > uint64(len(data)) {
			return nil, fmt.Errorf("debug subsection 0x%x of %d bytes exceeds stream", kind, length)
		}
		body := data[offset : offset+int(length)]

		// Subsections flagged with debugSubsectionIgnore never match a kind.
		switch kind {
		case DebugSubsectionLines:
			sec, err := parseLineSection(body)
			if err != nil {
				return nil, fmt.Errorf("failed to parse lines at offset %d: %w", offset, err)
			}
			ml.Sections = append(ml.Sections, sec)
		case DebugSubsectionFileChecksums:
			if err := parseFileChecksums(body, ml.Checksums); err != nil {
				return nil, fmt.Errorf("failed to parse file checksums at offset %d: %w", offset, err)
			}
		}

		// Subsections are 4-byte aligned
		offset = (offset + int(length) + 3) & ^3
	}

	return ml, nil
}

func parseLineSection(data []byte) (LineSection, error) {
	var sec LineSection
	if len(data) < 12 {
		return sec, fmt.Errorf("line header too small: %d bytes", len(data))
	}
	sec.RelocOffset = binary.LittleEndian.Uint32(data[0:])
	sec.RelocSegment = binary.LittleEndian.Uint16(data[4:])
	sec.Flags = binary.LittleEndian.Uint16(data[6:])
	sec.CodeSize = binary.LittleEndian.Uint32(data[8:])

	offset := 12
	for offset < len(data) {
		if offset+12 > len(data) {
			return sec, fmt.Errorf("truncated line block header")
		}
		block := LineBlock{ChecksumOffset: binary.LittleEndian.Uint32(data[offset:])}
		numLines := binary.LittleEndian.Uint32(data[offset+4:])
		blockSize := binary.LittleEndian.Uint32(data[offset+8:])

		need := uint64(12) + uint64(numLines)*8
		if sec.HasColumns() {
			need += uint64(numLines) * 4
		}
		if uint64(blockSize) < need || uint64(offset)+uint64(blockSize) > uint64(len(data)) {
			return sec, fmt.Errorf("line block of %d lines does not fit in %d bytes", numLines, blockSize)
		}

		lines := data[offset+12:]
		cols := lines[numLines*8:]
		block.Lines = make([]LineEntry, numLines)
		for i := range block.Lines {
			flags := binary.LittleEndian.Uint32(lines[i*8+4:])
			start := flags & lineStartMask
			e := LineEntry{
				Offset:      binary.LittleEndian.Uint32(lines[i*8:]),
				LineStart:   start,
				LineEnd:     start + (flags&lineEndDeltaMask)>>lineEndDeltaShift,
				IsStatement: flags&lineStatementFlag != 0,
			}
			if sec.HasColumns() {
				e.ColumnStart = binary.LittleEndian.Uint16(cols[i*4:])
				e.ColumnEnd = binary.LittleEndian.Uint16(cols[i*4+2:])
			}
			block.Lines[i] = e
		}

		sec.Blocks = append(sec.Blocks, block)
		offset += int(blockSize)
	}
	return sec, nil
}

func parseFileChecksums(data []byte, into map[uint32]FileChecksum) error {
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return fmt.Errorf("truncated file checksum entry at offset %d", offset)
		}
		size := int(data[offset+4])
		if offset+6+size > len(data) {
			return fmt.Errorf("checksum of %d bytes exceeds subsection", size)
		}
		into[uint32(offset)] = FileChecksum{
			FileNameOffset: binary.LittleEndian.Uint32(data[offset:]),
			Kind:           data[offset+5],
			Checksum:       data[offset+6 : offset+6+size],
		}
		offset = (offset + 6 + size + 3) & ^3
	}
	return nil
}
