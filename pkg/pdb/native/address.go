package native

import (
	"math"
	"slices"
	"sort"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// sectionRange is one image section in RVA order. index is 1-based.
type sectionRange struct {
	index uint32
	start uint32
	size  uint32
}

// addressMap translates between RVAs and section:offset addresses.
type addressMap struct {
	sections []streams.SectionHeader
	byRVA    []sectionRange
}

func newAddressMap(sections []streams.SectionHeader) addressMap {
	m := addressMap{sections: sections, byRVA: make([]sectionRange, 0, len(sections))}
	for i := range sections {
		m.byRVA = append(m.byRVA, sectionRange{
			index: uint32(i + 1),
			start: sections[i].VirtualAddress,
			size:  sections[i].Size(),
		})
	}
	slices.SortStableFunc(m.byRVA, func(a, b sectionRange) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	return m
}

func (m *addressMap) sectOffset(rva uint32) (section, offset uint32, ok bool) {
	i := sort.Search(len(m.byRVA), func(i int) bool { return m.byRVA[i].start > rva })
	for j := i - 1; j >= 0; j-- {
		r := m.byRVA[j]
		if uint64(rva) < uint64(r.start)+uint64(r.size) {
			return r.index, rva - r.start, true
		}
		if r.size > 0 {
			break
		}
	}
	return 0, 0, false
}

func (m *addressMap) rva(section, offset uint32) (uint32, bool) {
	if section == 0 || int(section) > len(m.sections) {
		return 0, false
	}
	rva := uint64(m.sections[section-1].VirtualAddress) + uint64(offset)
	if rva > math.MaxUint32 {
		return 0, false
	}
	return uint32(rva), true
}

// LoadAddress returns the base virtual address of the image.
func (s *Session) LoadAddress() uint64 {
	return s.loadAddress.Load()
}

// SetLoadAddress sets the base virtual address of the image. Queries that
// run afterwards observe the new value.
func (s *Session) SetLoadAddress(addr uint64) {
	s.loadAddress.Store(addr)
}

// AddressForRVA translates an RVA to a 1-based section and an offset into it.
func (s *Session) AddressForRVA(rva uint32) (section, offset uint32, ok bool) {
	return s.addrs.sectOffset(rva)
}

// AddressForVA translates a virtual address to a section and offset. It
// fails for addresses below the load address.
func (s *Session) AddressForVA(va uint64) (section, offset uint32, ok bool) {
	rva, ok := s.rvaForVA(va)
	if !ok {
		return 0, 0, false
	}
	return s.addrs.sectOffset(rva)
}

// RVAForSectOffset translates a section:offset address to an RVA.
func (s *Session) RVAForSectOffset(section, offset uint32) (uint32, bool) {
	return s.addrs.rva(section, offset)
}

// VAForRVA returns the virtual address of rva at the current load address.
func (s *Session) VAForRVA(rva uint32) uint64 {
	return s.LoadAddress() + uint64(rva)
}

func (s *Session) rvaForVA(va uint64) (uint32, bool) {
	load := s.LoadAddress()
	if va < load || va-load > math.MaxUint32 {
		return 0, false
	}
	return uint32(va - load), true
}
