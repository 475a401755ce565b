package native

import (
	"slices"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// globalIndex holds the addressable records of the global symbol stream.
type globalIndex struct {
	data     []*scopeEntry // stream order
	typedefs []*scopeEntry
	publics  []*scopeEntry

	dataRanges rangeIndex
	publicsAt  []*scopeEntry // by RVA, stream order within an address
}

func (s *Session) globals() *globalIndex {
	s.globalsOnce.Do(func() {
		g := &globalIndex{}
		for rec := range s.pdb.GlobalSymbols() {
			d, err := s.decodeModuleRecord(-1, noParent, rec)
			if err != nil {
				level.Debug(s.logger).Log("msg", "skipping malformed global symbol", "offset", rec.Offset, "err", err)
				continue
			}
			switch d.(type) {
			case *DataSymbol:
				e := s.newScopeEntry(rec.Offset, noParent, 0, d)
				if s.inModuleStream(e) {
					continue
				}
				g.data = append(g.data, e)
			case *TypedefSymbol:
				g.typedefs = append(g.typedefs, s.newScopeEntry(rec.Offset, noParent, 0, d))
			}
		}
		for rec := range s.pdb.PublicSymbols() {
			d, err := s.decodeModuleRecord(-1, noParent, rec)
			if err != nil {
				level.Debug(s.logger).Log("msg", "skipping malformed public symbol", "offset", rec.Offset, "err", err)
				continue
			}
			g.publics = append(g.publics, s.newScopeEntry(rec.Offset, noParent, 0, d))
		}

		var mapped []*scopeEntry
		for _, e := range g.data {
			if e.mapped {
				mapped = append(mapped, e)
			}
		}
		g.dataRanges = newRangeIndex(mapped)

		for _, e := range g.publics {
			if e.mapped {
				g.publicsAt = append(g.publicsAt, e)
			}
		}
		slices.SortStableFunc(g.publicsAt, func(a, b *scopeEntry) int {
			switch {
			case a.start < b.start:
				return -1
			case a.start > b.start:
				return 1
			}
			return 0
		})
		s.globalIdx = g
	})
	return s.globalIdx
}

// inModuleStream reports whether a file static of the global symbol stream
// is also recorded by a module contributing its address. The linker copies
// S_LDATA32 records there; the module record is the one materialized.
func (s *Session) inModuleStream(e *scopeEntry) bool {
	d := e.details.(*DataSymbol)
	if d.Global || !e.mapped {
		return false
	}
	for _, m := range s.modulesIn(uint64(e.start), uint64(e.start)+1) {
		idx, err := s.scopeIndex(m)
		if err != nil {
			continue
		}
		found := false
		idx.ranges.containing(e.start, func(o *scopeEntry) {
			if od, ok := o.details.(*DataSymbol); ok && o.start == e.start && od.Name == d.Name && od.TypeIndex == d.TypeIndex {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}

// publicAt returns the first public whose address is exactly rva.
func (g *globalIndex) publicAt(rva uint32) *scopeEntry {
	i := sort.Search(len(g.publicsAt), func(i int) bool { return g.publicsAt[i].start >= rva })
	if i < len(g.publicsAt) && g.publicsAt[i].start == rva {
		return g.publicsAt[i]
	}
	return nil
}

type contribRange struct {
	start  uint32
	size   uint32
	module int
}

// contribIndex maps RVAs to the modules whose section contributions cover
// them.
type contribIndex struct {
	ranges []contribRange
	maxEnd []uint64
}

func (s *Session) contribs() *contribIndex {
	s.contribsOnce.Do(func() {
		c := &contribIndex{}
		for _, sc := range s.pdb.SectionContribs() {
			if sc.Size <= 0 || sc.Offset < 0 {
				continue
			}
			rva, ok := s.RVAForSectOffset(uint32(sc.Section), uint32(sc.Offset))
			if !ok {
				continue
			}
			c.ranges = append(c.ranges, contribRange{start: rva, size: uint32(sc.Size), module: int(sc.ModuleIndex)})
		}
		slices.SortStableFunc(c.ranges, func(a, b contribRange) int {
			switch {
			case a.start < b.start:
				return -1
			case a.start > b.start:
				return 1
			}
			return 0
		})
		c.maxEnd = make([]uint64, len(c.ranges))
		var hi uint64
		for i, r := range c.ranges {
			hi = max(hi, uint64(r.start)+uint64(r.size))
			c.maxEnd[i] = hi
		}
		s.contribIdx = c
	})
	return s.contribIdx
}

// overlapping returns the contributions intersecting [start, end), in RVA
// order.
func (c *contribIndex) overlapping(start, end uint64) []contribRange {
	i := sort.Search(len(c.ranges), func(i int) bool { return uint64(c.ranges[i].start) >= end })
	var out []contribRange
	for j := i - 1; j >= 0 && c.maxEnd[j] > start; j-- {
		r := c.ranges[j]
		if uint64(r.start)+uint64(r.size) > start {
			out = append(out, r)
		}
	}
	slices.Reverse(out)
	return out
}

// modulesIn returns the modules contributing to [start, end). Without a
// contribution table every module is a candidate.
func (s *Session) modulesIn(start, end uint64) []int {
	c := s.contribs()
	if len(c.ranges) == 0 {
		return lo.Range(s.pdb.NumModules())
	}
	return lo.Uniq(lo.Map(c.overlapping(start, end), func(r contribRange, _ int) int { return r.module }))
}

// FindSymbolByAddress returns the most specific symbol with the given tag
// at a virtual address. SymTagNull considers functions, blocks, labels and
// data, then falls back to publics.
func (s *Session) FindSymbolByAddress(va uint64, tag SymTag) *Symbol {
	rva, ok := s.rvaForVA(va)
	if !ok {
		return nil
	}
	return s.FindSymbolByRVA(rva, tag)
}

// FindSymbolBySectOffset is FindSymbolByAddress for a section:offset address.
func (s *Session) FindSymbolBySectOffset(section, offset uint32, tag SymTag) *Symbol {
	rva, ok := s.RVAForSectOffset(section, offset)
	if !ok {
		return nil
	}
	return s.FindSymbolByRVA(rva, tag)
}

// FindSymbolByRVA is FindSymbolByAddress for an RVA.
func (s *Session) FindSymbolByRVA(rva uint32, tag SymTag) *Symbol {
	if _, _, ok := s.addrs.sectOffset(rva); !ok {
		return nil
	}

	switch tag {
	case SymTagCompiland:
		if rs := s.contribs().overlapping(uint64(rva), uint64(rva)+1); len(rs) > 0 {
			return s.CreateCompilandSymbol(rs[0].module)
		}
		return nil
	case SymTagPublicSymbol:
		return s.publicSymbolAt(rva)
	case SymTagNull, SymTagFunction, SymTagBlock, SymTagLabel, SymTagData:
	default:
		return nil
	}

	var (
		best       *scopeEntry
		bestModule int
	)
	consider := func(module int) func(*scopeEntry) {
		return func(e *scopeEntry) {
			if tag.matches(e.details.Tag()) && (best == nil || better(e, best)) {
				best, bestModule = e, module
			}
		}
	}
	for _, m := range s.modulesIn(uint64(rva), uint64(rva)+1) {
		idx, err := s.scopeIndex(m)
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to index compiland", "compiland", m, "err", err)
			continue
		}
		idx.ranges.containing(rva, consider(m))
	}
	if tag == SymTagNull || tag == SymTagData {
		g := s.globals()
		g.dataRanges.containing(rva, consider(-1))
	}

	switch {
	case best != nil && bestModule < 0:
		return s.globalEntrySymbol(best)
	case best != nil:
		return s.scopeEntrySymbol(bestModule, best)
	case tag == SymTagNull:
		return s.publicSymbolAt(rva)
	}
	return nil
}

func (s *Session) publicSymbolAt(rva uint32) *Symbol {
	if e := s.globals().publicAt(rva); e != nil {
		return s.globalEntrySymbol(e)
	}
	return nil
}
