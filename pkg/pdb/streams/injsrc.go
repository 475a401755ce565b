package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SrcHeaderBlockVersion is the only known version of the injected source
// header block and of its entries.
const SrcHeaderBlockVersion = 19980827

// Injected source compression schemes.
const (
	SrcCompressionNone   = 0
	SrcCompressionRLE    = 1
	SrcCompressionHuff   = 2
	SrcCompressionLZ     = 3
	SrcCompressionDotNet = 101
)

// injectedSourceEntrySize is the size of InjectedSourceEntry.
const injectedSourceEntrySize = 40

// SrcHeaderBlockHeader is the header of the "/src/headerblock" stream.
type SrcHeaderBlockHeader struct {
	Version  uint32
	Size     uint32 // Size of the whole stream
	FileTime uint64
	Age      uint32
	Padding  [44]byte
}

// InjectedSourceEntry describes one source file embedded in the PDB.
// Name fields are offsets into the /names string table.
type InjectedSourceEntry struct {
	Size        uint32
	Version     uint32
	CRC         uint32
	FileSize    uint32
	FileNI      uint32 // File name
	ObjNI       uint32 // Object file name
	VFileNI     uint32 // Virtual file name; contents live in /src/files/<name>
	Compression uint8
	IsVirtual   uint8
	Padding     uint16
	Reserved    [8]byte
}

// ReadInjectedSources parses the "/src/headerblock" stream.
func ReadInjectedSources(data []byte) ([]InjectedSourceEntry, error) {
	r := bytes.NewReader(data)

	var header SrcHeaderBlockHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read source header block: %w", err)
	}
	if header.Version != SrcHeaderBlockVersion {
		return nil, fmt.Errorf("%w: source header block version %d", ErrUnsupportedVersion, header.Version)
	}

	entries, err := readHashTable(r, injectedSourceEntrySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read source header table: %w", err)
	}

	sources := make([]InjectedSourceEntry, 0, len(entries))
	for _, e := range entries {
		var src InjectedSourceEntry
		if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &src); err != nil {
			return nil, fmt.Errorf("failed to decode source entry: %w", err)
		}
		if src.Size != injectedSourceEntrySize {
			return nil, fmt.Errorf("source entry has size %d, expected %d", src.Size, injectedSourceEntrySize)
		}
		if src.Version != SrcHeaderBlockVersion {
			return nil, fmt.Errorf("%w: source entry version %d", ErrUnsupportedVersion, src.Version)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
