// Package streams provides parsers for the various PDB streams.
package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC41    = 19950814
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32            // Timestamp of PDB creation
	Age          uint32            // Number of times PDB has been written
	GUID         [16]byte          // Unique identifier, in on-disk (mixed-endian) layout
	NamedStreams map[string]uint32 // Map of named streams to stream indices
}

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// ReadPDBInfo parses the PDB info stream. The named stream map is required:
// every PDB the VC70+ toolchain writes carries at least "/names".
func ReadPDBInfo(data []byte) (*PDBInfo, error) {
	r := bytes.NewReader(data)

	var header PDBInfoHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read PDB info header: %w", err)
	}

	info := &PDBInfo{
		Version:      header.Version,
		Signature:    header.Signature,
		Age:          header.Age,
		GUID:         header.GUID,
		NamedStreams: make(map[string]uint32),
	}

	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		return nil, fmt.Errorf("failed to read named stream buffer size: %w", err)
	}
	if int64(strBufSize) > int64(r.Len()) {
		return nil, fmt.Errorf("named stream buffer of %d bytes exceeds stream", strBufSize)
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return nil, fmt.Errorf("failed to read named stream buffer: %w", err)
	}

	entries, err := readHashTable(r, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to read named stream map: %w", err)
	}
	for _, e := range entries {
		if e.Key >= strBufSize {
			return nil, fmt.Errorf("named stream key offset %d out of range", e.Key)
		}
		info.NamedStreams[extractCString(strBuf[e.Key:])] = binary.LittleEndian.Uint32(e.Value)
	}

	return info, nil
}

// UUID returns the GUID in canonical (big-endian) byte order.
func (p *PDBInfo) UUID() uuid.UUID {
	return GUIDToUUID(p.GUID)
}

// GUIDString returns the GUID as the uppercase hex form symbol servers use.
func (p *PDBInfo) GUIDString() string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(p.GUID[0:4]),
		binary.LittleEndian.Uint16(p.GUID[4:6]),
		binary.LittleEndian.Uint16(p.GUID[6:8]),
		p.GUID[8], p.GUID[9], p.GUID[10], p.GUID[11],
		p.GUID[12], p.GUID[13], p.GUID[14], p.GUID[15])
}

// GUIDToUUID converts an on-disk Windows GUID (first three groups
// little-endian) into a uuid.UUID.
func GUIDToUUID(g [16]byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(g[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(g[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(g[6:8]))
	copy(u[8:], g[8:])
	return u
}

// extractCString extracts a null-terminated string from bytes.
func extractCString(data []byte) string {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data)
	}
	return string(data[:idx])
}
