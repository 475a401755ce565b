package streams

import (
	"encoding/binary"
	"fmt"
)

// StringTableSignature is the magic at the start of the /names stream.
const StringTableSignature = 0xEFFEEFFE

// StringTable is the PDB-wide string table stored in the "/names" stream.
// Line tables, file checksums and injected sources refer to names by their
// byte offset into it.
type StringTable struct {
	HashVersion uint32
	buf         []byte
	NameCount   uint32
}

// ReadStringTable parses the /names stream.
func ReadStringTable(data []byte) (*StringTable, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("string table too small: %d bytes", len(data))
	}
	if sig := binary.LittleEndian.Uint32(data); sig != StringTableSignature {
		return nil, fmt.Errorf("invalid string table signature: 0x%08x", sig)
	}

	t := &StringTable{HashVersion: binary.LittleEndian.Uint32(data[4:])}
	if t.HashVersion != 1 && t.HashVersion != 2 {
		return nil, fmt.Errorf("%w: string table hash version %d", ErrUnsupportedVersion, t.HashVersion)
	}

	size := binary.LittleEndian.Uint32(data[8:])
	offset := 12
	if uint64(offset)+uint64(size) > uint64(len(data)) {
		return nil, fmt.Errorf("string buffer of %d bytes exceeds stream", size)
	}
	t.buf = data[offset : offset+int(size)]
	offset += int(size)

	// Hash buckets are skipped: lookups here go by offset, never by name.
	if offset+4 > len(data) {
		return nil, fmt.Errorf("truncated string table hash header")
	}
	buckets := binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if uint64(offset)+uint64(buckets)*4+4 > uint64(len(data)) {
		return nil, fmt.Errorf("truncated string table hash buckets")
	}
	offset += int(buckets) * 4
	t.NameCount = binary.LittleEndian.Uint32(data[offset:])

	return t, nil
}

// String returns the name stored at offset.
func (t *StringTable) String(offset uint32) (string, error) {
	if t == nil {
		return "", fmt.Errorf("no string table")
	}
	if int(offset) >= len(t.buf) {
		return "", fmt.Errorf("string table offset %d out of range", offset)
	}
	return extractCString(t.buf[offset:]), nil
}
