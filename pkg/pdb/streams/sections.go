package streams

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// sectionHeaderSize is the on-disk size of an IMAGE_SECTION_HEADER.
const sectionHeaderSize = 40

// SectionHeader is a section of the linked image, as recorded in the
// section header debug stream.
type SectionHeader struct {
	Name            string
	VirtualSize     uint32
	VirtualAddress  uint32 // RVA of the first byte
	SizeOfRawData   uint32
	Characteristics uint32
}

// Size returns the extent of the section in memory.
func (s *SectionHeader) Size() uint32 {
	if s.VirtualSize == 0 {
		return s.SizeOfRawData
	}
	return s.VirtualSize
}

// ReadSectionHeaders parses the section header debug stream.
func ReadSectionHeaders(data []byte) ([]SectionHeader, error) {
	if len(data)%sectionHeaderSize != 0 {
		return nil, fmt.Errorf("section header stream size %d is not a multiple of %d", len(data), sectionHeaderSize)
	}

	raw := make([]pe.SectionHeader32, len(data)/sectionHeaderSize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read section headers: %w", err)
	}

	sections := make([]SectionHeader, len(raw))
	for i, h := range raw {
		sections[i] = SectionHeader{
			Name:            extractCString(h.Name[:]),
			VirtualSize:     h.VirtualSize,
			VirtualAddress:  h.VirtualAddress,
			SizeOfRawData:   h.SizeOfRawData,
			Characteristics: h.Characteristics,
		}
	}
	return sections, nil
}
