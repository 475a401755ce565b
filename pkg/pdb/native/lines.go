package native

import (
	"slices"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// LineNumber maps a code range to a source position.
type LineNumber struct {
	Line         uint32
	LineEnd      uint32
	Column       uint32
	ColumnEnd    uint32
	Section      uint32
	Offset       uint32
	RVA          uint32
	VA           uint64 // at the load address in effect when the query was made
	Length       uint32
	SourceFileID uint32
	CompilandID  SymIndexID
	Statement    bool
}

type lineEntry struct {
	rva       uint32
	length    uint32
	section   uint16
	offset    uint32
	line      uint32
	lineEnd   uint32
	colStart  uint16
	colEnd    uint16
	statement bool
	file      uint32
}

func (e *lineEntry) end() uint64 {
	return uint64(e.rva) + uint64(max(e.length, 1))
}

// lineIndex is the line table of one module, sorted by RVA.
type lineIndex struct {
	entries []lineEntry
	maxEnd  []uint64
	files   []uint32 // in checksum table order
}

func (s *Session) lineIndex(module int) (*lineIndex, error) {
	if idx, ok := s.lineIndexes.Get(module); ok {
		s.metrics.indexLookup("lines", true)
		return idx, nil
	}
	s.metrics.indexLookup("lines", false)

	ml, err := s.pdb.ModuleLines(module)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load lines of compiland %d", module)
	}
	idx := s.buildLineIndex(module, ml)
	s.lineIndexes.Add(module, idx)
	return idx, nil
}

func (s *Session) buildLineIndex(module int, ml *streams.ModuleLines) *lineIndex {
	idx := &lineIndex{}

	offsets := make([]uint32, 0, len(ml.Checksums))
	for off := range ml.Checksums {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)
	fileIDs := make(map[uint32]uint32, len(offsets))
	for _, off := range offsets {
		sum := ml.Checksums[off]
		name, err := s.pdb.String(sum.FileNameOffset)
		if err != nil {
			level.Debug(s.logger).Log("msg", "unresolved file name", "compiland", module, "name_offset", sum.FileNameOffset, "err", err)
			continue
		}
		id := s.files.intern(name, &sum)
		fileIDs[off] = id
		if !slices.Contains(idx.files, id) {
			idx.files = append(idx.files, id)
		}
	}

	for _, sec := range ml.Sections {
		base, ok := s.RVAForSectOffset(uint32(sec.RelocSegment), sec.RelocOffset)
		if !ok {
			level.Debug(s.logger).Log("msg", "line section outside image", "compiland", module, "section", sec.RelocSegment)
			continue
		}
		first := len(idx.entries)
		for _, blk := range sec.Blocks {
			file, ok := fileIDs[blk.ChecksumOffset]
			if !ok {
				continue
			}
			for _, l := range blk.Lines {
				idx.entries = append(idx.entries, lineEntry{
					rva:       base + l.Offset,
					section:   sec.RelocSegment,
					offset:    sec.RelocOffset + l.Offset,
					line:      l.LineStart,
					lineEnd:   l.LineEnd,
					colStart:  l.ColumnStart,
					colEnd:    l.ColumnEnd,
					statement: l.IsStatement,
					file:      file,
				})
			}
		}

		// A row extends to the next row of the section, the last one to
		// the end of the section's code.
		rows := idx.entries[first:]
		slices.SortStableFunc(rows, compareLineEntries)
		for i := range rows {
			next := base + sec.CodeSize
			if i+1 < len(rows) {
				next = rows[i+1].rva
			}
			if next > rows[i].rva {
				rows[i].length = next - rows[i].rva
			}
		}
	}

	slices.SortStableFunc(idx.entries, compareLineEntries)
	idx.maxEnd = make([]uint64, len(idx.entries))
	var hi uint64
	for i := range idx.entries {
		hi = max(hi, idx.entries[i].end())
		idx.maxEnd[i] = hi
	}
	return idx
}

func compareLineEntries(a, b lineEntry) int {
	switch {
	case a.rva < b.rva:
		return -1
	case a.rva > b.rva:
		return 1
	}
	return 0
}

// overlapping returns the rows intersecting [rva, rva+length) in address
// order. A zero length selects the rows containing rva.
func (idx *lineIndex) overlapping(rva, length uint32) []lineEntry {
	lo := uint64(rva)
	hi := lo + uint64(max(length, 1))
	i := sort.Search(len(idx.entries), func(i int) bool { return uint64(idx.entries[i].rva) >= hi })
	var out []lineEntry
	for j := i - 1; j >= 0 && idx.maxEnd[j] > lo; j-- {
		if idx.entries[j].end() > lo {
			out = append(out, idx.entries[j])
		}
	}
	slices.Reverse(out)
	return out
}

func (s *Session) lineNumber(module int, load uint64, e lineEntry) LineNumber {
	ln := LineNumber{
		Line:         e.line,
		LineEnd:      e.lineEnd,
		Column:       uint32(e.colStart),
		ColumnEnd:    uint32(e.colEnd),
		Section:      uint32(e.section),
		Offset:       e.offset,
		RVA:          e.rva,
		VA:           load + uint64(e.rva),
		Length:       e.length,
		SourceFileID: e.file,
		Statement:    e.statement,
	}
	if c := s.CreateCompilandSymbol(module); c != nil {
		ln.CompilandID = c.ID()
	}
	return ln
}

// FindLineNumbers enumerates the rows of compiland that belong to file, in
// address order.
func (s *Session) FindLineNumbers(compiland *Symbol, file SourceFile) *Enumerator[LineNumber] {
	module, ok := compilandIndex(compiland)
	if !ok {
		return emptyEnumerator[LineNumber]()
	}
	load := s.LoadAddress()
	return lazyEnumerator(func() []LineNumber {
		idx, err := s.lineIndex(module)
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to load line data", "compiland", module, "err", err)
			return nil
		}
		var out []LineNumber
		for _, e := range idx.entries {
			if e.file == file.ID {
				out = append(out, s.lineNumber(module, load, e))
			}
		}
		return out
	})
}

// FindLineNumbersByAddress enumerates the rows intersecting
// [va, va+length), in address order.
func (s *Session) FindLineNumbersByAddress(va uint64, length uint32) *Enumerator[LineNumber] {
	rva, ok := s.rvaForVA(va)
	if !ok {
		return emptyEnumerator[LineNumber]()
	}
	return s.FindLineNumbersByRVA(rva, length)
}

// FindLineNumbersBySectOffset is FindLineNumbersByAddress for a
// section:offset address.
func (s *Session) FindLineNumbersBySectOffset(section, offset, length uint32) *Enumerator[LineNumber] {
	rva, ok := s.RVAForSectOffset(section, offset)
	if !ok {
		return emptyEnumerator[LineNumber]()
	}
	return s.FindLineNumbersByRVA(rva, length)
}

// FindLineNumbersByRVA is FindLineNumbersByAddress for an RVA.
func (s *Session) FindLineNumbersByRVA(rva, length uint32) *Enumerator[LineNumber] {
	load := s.LoadAddress()
	return lazyEnumerator(func() []LineNumber {
		var out []LineNumber
		for _, m := range s.modulesIn(uint64(rva), uint64(rva)+uint64(max(length, 1))) {
			idx, err := s.lineIndex(m)
			if err != nil {
				level.Warn(s.logger).Log("msg", "failed to load line data", "compiland", m, "err", err)
				continue
			}
			for _, e := range idx.overlapping(rva, length) {
				out = append(out, s.lineNumber(m, load, e))
			}
		}
		slices.SortStableFunc(out, func(a, b LineNumber) int {
			switch {
			case a.RVA < b.RVA:
				return -1
			case a.RVA > b.RVA:
				return 1
			}
			return 0
		})
		return out
	})
}
