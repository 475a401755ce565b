package streams

import (
	"encoding/binary"
	"fmt"
	"io"
)

// hashEntry is one present bucket of an on-disk PDB hash table.
type hashEntry struct {
	Key   uint32
	Value []byte
}

// readHashTable decodes the serialized hash table layout shared by the named
// stream map and the injected source header block:
// Size, Capacity, present bit vector, deleted bit vector, then one
// (key, value) pair per present bucket.
func readHashTable(r io.Reader, valueSize int) ([]hashEntry, error) {
	var size, capacity uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read hash table size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &capacity); err != nil {
		return nil, fmt.Errorf("failed to read hash table capacity: %w", err)
	}
	if size > capacity {
		return nil, fmt.Errorf("hash table size %d exceeds capacity %d", size, capacity)
	}

	present, err := readBitVector(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read present bit vector: %w", err)
	}
	if _, err := readBitVector(r); err != nil {
		return nil, fmt.Errorf("failed to read deleted bit vector: %w", err)
	}

	entries := make([]hashEntry, 0, size)
	for i := uint32(0); i < capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		e := hashEntry{Value: make([]byte, valueSize)}
		if err := binary.Read(r, binary.LittleEndian, &e.Key); err != nil {
			return nil, fmt.Errorf("failed to read key of bucket %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return nil, fmt.Errorf("failed to read value of bucket %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	if uint32(len(entries)) != size {
		return nil, fmt.Errorf("hash table declares %d entries, found %d", size, len(entries))
	}
	return entries, nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var words uint32
	if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
		return nil, err
	}
	if words > 1<<20 {
		return nil, fmt.Errorf("bit vector of %d words is implausible", words)
	}
	v := make([]uint32, words)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return words[wordIdx]&(1<<(n%32)) != 0
}
