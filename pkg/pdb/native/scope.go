package native

import (
	"slices"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
)

// scopeEntry is one addressable record of a symbol stream.
type scopeEntry struct {
	offset  uint32 // record offset within the stream
	parent  uint32 // offset of the enclosing scope record, or noParent
	depth   int    // number of enclosing scopes
	start   uint32 // RVA
	length  uint32 // zero for records that cover a single address
	mapped  bool   // start is a valid RVA
	details Details
}

func (e *scopeEntry) end() uint64 {
	return uint64(e.start) + uint64(max(e.length, 1))
}

func (e *scopeEntry) contains(rva uint32) bool {
	if e.length == 0 {
		return rva == e.start
	}
	return rva >= e.start && uint64(rva) < uint64(e.start)+uint64(e.length)
}

// rangeIndex answers containment queries over entries sorted by start.
// maxEnd[i] is the largest end of entries[0..i], which bounds how far back
// a search has to walk.
type rangeIndex struct {
	entries []*scopeEntry
	maxEnd  []uint64
}

func newRangeIndex(entries []*scopeEntry) rangeIndex {
	slices.SortStableFunc(entries, func(a, b *scopeEntry) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	idx := rangeIndex{entries: entries, maxEnd: make([]uint64, len(entries))}
	var hi uint64
	for i, e := range entries {
		hi = max(hi, e.end())
		idx.maxEnd[i] = hi
	}
	return idx
}

// containing calls fn for every entry that contains rva.
func (r *rangeIndex) containing(rva uint32, fn func(*scopeEntry)) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].start > rva })
	for j := i - 1; j >= 0 && r.maxEnd[j] > uint64(rva); j-- {
		if r.entries[j].contains(rva) {
			fn(r.entries[j])
		}
	}
}

// scopeIndex is the decoded symbol tree of one module.
type scopeIndex struct {
	records  []*scopeEntry // stream order
	byOffset *swiss.Map[uint32, int]
	ranges   rangeIndex
}

func (idx *scopeIndex) record(offset uint32) (*scopeEntry, bool) {
	i, ok := idx.byOffset.Get(offset)
	if !ok {
		return nil, false
	}
	return idx.records[i], true
}

func (s *Session) scopeIndex(module int) (*scopeIndex, error) {
	if idx, ok := s.scopeIndexes.Get(module); ok {
		s.metrics.indexLookup("scopes", true)
		return idx, nil
	}
	s.metrics.indexLookup("scopes", false)

	syms, err := s.pdb.ModuleSymbols(module)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load symbols of compiland %d", module)
	}
	idx := s.buildScopeIndex(module, syms)
	s.scopeIndexes.Add(module, idx)
	return idx, nil
}

func (s *Session) buildScopeIndex(module int, syms []codeview.SymbolRecord) *scopeIndex {
	idx := &scopeIndex{byOffset: swiss.NewMap[uint32, int](uint32(len(syms)))}
	var (
		stack  []uint32
		mapped []*scopeEntry
	)
	for _, rec := range syms {
		if codeview.ClosesScope(rec.Kind) {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		// Scopes that do not become symbols (thunks, inline sites) pass
		// their parent on to the records they enclose.
		parent := uint32(noParent)
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		depth := len(stack)

		d, err := s.decodeModuleRecord(module, parent, rec)
		if err != nil {
			level.Debug(s.logger).Log("msg", "skipping malformed symbol record", "compiland", module, "offset", rec.Offset, "kind", codeview.SymbolKindName(rec.Kind), "err", err)
		}
		e := s.newScopeEntry(rec.Offset, parent, depth, d)
		if codeview.OpensScope(rec.Kind) {
			if e != nil {
				stack = append(stack, rec.Offset)
			} else {
				stack = append(stack, parent)
			}
		}
		if e == nil {
			continue
		}
		idx.byOffset.Put(rec.Offset, len(idx.records))
		idx.records = append(idx.records, e)
		if e.mapped {
			mapped = append(mapped, e)
		}
	}
	idx.ranges = newRangeIndex(mapped)
	return idx
}

// newScopeEntry places an addressable record. Other records yield nil.
func (s *Session) newScopeEntry(offset, parent uint32, depth int, d Details) *scopeEntry {
	e := &scopeEntry{offset: offset, parent: parent, depth: depth, details: d}
	var section, off uint32
	switch d := d.(type) {
	case *FunctionSymbol:
		section, off, e.length = uint32(d.Section), d.Offset, d.Length
	case *BlockSymbol:
		section, off, e.length = uint32(d.Section), d.Offset, d.Length
	case *LabelSymbol:
		section, off = uint32(d.Section), d.Offset
	case *DataSymbol:
		section, off = uint32(d.Section), d.Offset
		if d.Size <= uint64(^uint32(0)) {
			e.length = uint32(d.Size)
		}
	case *PublicSymbol:
		section, off = uint32(d.Section), d.Offset
	case *TypedefSymbol:
	default:
		return nil
	}
	if section != 0 {
		e.start, e.mapped = s.RVAForSectOffset(section, off)
	}
	return e
}

// better reports whether a should be preferred over b as the answer to an
// address query: deeper nesting first, then the narrower range, then the
// earlier record.
func better(a, b *scopeEntry) bool {
	if a.depth != b.depth {
		return a.depth > b.depth
	}
	if a.length != b.length {
		return a.length < b.length
	}
	return a.offset < b.offset
}
