package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// nilStreamSize marks an unused/deleted stream in the directory.
const nilStreamSize = 0xFFFFFFFF

// ErrCorrupt is returned when the block layout references data outside the file.
var ErrCorrupt = errors.New("corrupt MSF layout")

// MSF represents an opened MSF (Multi-Stream Format) container.
type MSF struct {
	r          io.ReaderAt
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
}

// New parses an MSF container backed by r. The reader must stay valid for
// the lifetime of the returned MSF; an in-memory image can be passed as a
// *bytes.Reader.
func New(r io.ReaderAt) (*MSF, error) {
	m := &MSF{r: r}

	sb, err := ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	m.superBlock = sb

	if err := m.readStreamDirectory(); err != nil {
		return nil, fmt.Errorf("failed to read stream directory: %w", err)
	}

	m.buildStreams()
	return m, nil
}

// Close releases nothing: the reader passed to New is owned by the caller.
func (m *MSF) Close() error {
	return nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *MSF) SuperBlock() *SuperBlock {
	return m.superBlock
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// StreamReader returns a reader for the stream at the given index.
func (m *MSF) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

// ReadStream reads the whole content of the stream at the given index.
func (m *MSF) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return s.ReadAll()
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}

func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

func (m *MSF) blockOffset(block uint32) (int64, error) {
	if block >= m.superBlock.NumBlocks {
		return 0, fmt.Errorf("%w: block %d beyond block count %d", ErrCorrupt, block, m.superBlock.NumBlocks)
	}
	return int64(block) * int64(m.superBlock.BlockSize), nil
}

// readStreamDirectory reads the block map and then the directory blocks it lists.
func (m *MSF) readStreamDirectory() error {
	blockSize := m.superBlock.BlockSize

	mapOffset, err := m.blockOffset(m.superBlock.BlockMapAddr)
	if err != nil {
		return fmt.Errorf("invalid block map address: %w", err)
	}

	numDirBlocks := m.superBlock.NumDirectoryBlocks()
	if int64(numDirBlocks)*4 > int64(blockSize) {
		return fmt.Errorf("%w: directory needs %d blocks, block map holds %d", ErrCorrupt, numDirBlocks, blockSize/4)
	}

	blockMap := make([]uint32, numDirBlocks)
	mapReader := io.NewSectionReader(m.r, mapOffset, int64(blockSize))
	if err := binary.Read(mapReader, binary.LittleEndian, blockMap); err != nil {
		return fmt.Errorf("failed to read block map: %w", err)
	}

	dirData := make([]byte, m.superBlock.NumDirectoryBytes)
	read := 0
	for _, block := range blockMap {
		off, err := m.blockOffset(block)
		if err != nil {
			return fmt.Errorf("invalid directory block: %w", err)
		}
		n := int(blockSize)
		if read+n > len(dirData) {
			n = len(dirData) - read
		}
		if _, err := m.r.ReadAt(dirData[read:read+n], off); err != nil {
			return fmt.Errorf("failed to read directory block %d: %w", block, err)
		}
		read += n
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory decodes NumStreams, the stream sizes and each stream's block list.
func (m *MSF) parseStreamDirectory(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: directory too small: %d bytes", ErrCorrupt, len(data))
	}

	numStreams := binary.LittleEndian.Uint32(data)
	offset := 4
	if uint64(numStreams)*4 > uint64(len(data)-offset) {
		return fmt.Errorf("%w: directory declares %d streams in %d bytes", ErrCorrupt, numStreams, len(data))
	}

	sizes := make([]uint32, numStreams)
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}

	blockSize := m.superBlock.BlockSize
	blocks := make([][]uint32, numStreams)
	for i, size := range sizes {
		if size == nilStreamSize {
			continue
		}
		n := (size + blockSize - 1) / blockSize
		if uint64(offset)+uint64(n)*4 > uint64(len(data)) {
			return fmt.Errorf("%w: block list for stream %d truncated", ErrCorrupt, i)
		}
		list := make([]uint32, n)
		for j := range list {
			list[j] = binary.LittleEndian.Uint32(data[offset:])
			offset += 4
			if list[j] >= m.superBlock.NumBlocks {
				return fmt.Errorf("%w: stream %d references block %d", ErrCorrupt, i, list[j])
			}
		}
		blocks[i] = list
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  sizes,
		StreamBlocks: blocks,
	}
	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *MSF) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i, size := range m.directory.StreamSizes {
		if size == nilStreamSize {
			m.streams[i] = &Stream{msf: m}
			continue
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}
