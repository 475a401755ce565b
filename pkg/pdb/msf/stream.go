package msf

import (
	"fmt"
	"io"
)

// Stream represents a single stream within an MSF file.
// Streams are composed of potentially non-contiguous blocks.
type Stream struct {
	msf    *MSF
	size   uint32
	blocks []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// Blocks returns the block indices that make up this stream.
func (s *Stream) Blocks() []uint32 {
	return s.blocks
}

// ReadAll reads the entire stream contents into a byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if _, err := io.ReadFull(NewStreamReader(s), data); err != nil {
		return nil, fmt.Errorf("failed to read stream of %d bytes: %w", s.size, err)
	}
	return data, nil
}

// StreamReader provides sequential read access to a stream's data,
// handling the non-contiguous block layout transparently.
type StreamReader struct {
	stream *Stream
	offset int64
}

// NewStreamReader creates a new reader for the given stream.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{stream: s}
}

// Read implements io.Reader.
func (sr *StreamReader) Read(p []byte) (int, error) {
	n, err := sr.ReadAt(p, sr.offset)
	sr.offset += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt over the logical stream offsets.
func (sr *StreamReader) ReadAt(p []byte, off int64) (int, error) {
	size := int64(sr.stream.size)
	if off >= size {
		return 0, io.EOF
	}

	blockSize := int64(sr.stream.msf.superBlock.BlockSize)
	total := 0
	for len(p) > 0 && off < size {
		blockIdx := off / blockSize
		inBlock := off % blockSize

		n := blockSize - inBlock
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if n > size-off {
			n = size - off
		}

		fileOffset := int64(sr.stream.blocks[blockIdx])*blockSize + inBlock
		got, err := sr.stream.msf.readAt(p[:n], fileOffset)
		total += got
		off += int64(got)
		p = p[got:]
		if err != nil && !(err == io.EOF && int64(got) == n) {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return total, err
		}
	}

	if len(p) > 0 {
		return total, io.EOF
	}
	return total, nil
}

// Seek implements io.Seeker.
func (sr *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = sr.offset + offset
	case io.SeekEnd:
		next = int64(sr.stream.size) + offset
	default:
		return sr.offset, fmt.Errorf("invalid whence %d", whence)
	}

	if next < 0 {
		return sr.offset, fmt.Errorf("negative seek position %d", next)
	}
	if next > int64(sr.stream.size) {
		next = int64(sr.stream.size)
	}
	sr.offset = next
	return sr.offset, nil
}

// StreamDirectory represents the directory of all streams in the MSF file.
type StreamDirectory struct {
	NumStreams   uint32
	StreamSizes  []uint32
	StreamBlocks [][]uint32
}
