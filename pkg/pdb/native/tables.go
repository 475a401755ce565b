package native

import (
	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// DebugStream is one optional debug header stream of the DBI stream.
type DebugStream struct {
	Name       string
	Slot       int
	RecordSize int // zero when records are not fixed-size
	Data       []byte
}

// Count returns the number of fixed-size records in the stream.
func (d DebugStream) Count() int {
	if d.RecordSize == 0 {
		return 0
	}
	return len(d.Data) / d.RecordSize
}

// Record returns record i of the stream.
func (d DebugStream) Record(i int) ([]byte, bool) {
	if i < 0 || i >= d.Count() {
		return nil, false
	}
	return d.Data[i*d.RecordSize : (i+1)*d.RecordSize], true
}

var debugStreamInfo = [streams.DbgHeaderMax]struct {
	name       string
	recordSize int
}{
	streams.DbgHeaderFPO:            {"FPO", 16},
	streams.DbgHeaderException:      {"Exception", 0},
	streams.DbgHeaderFixup:          {"Fixup", 0},
	streams.DbgHeaderOmapToSrc:      {"OMAPTO", 8},
	streams.DbgHeaderOmapFromSrc:    {"OMAPFROM", 8},
	streams.DbgHeaderSectionHdr:     {"SECTIONHEADERS", 40},
	streams.DbgHeaderTokenRidMap:    {"TOKENRIDMAP", 4},
	streams.DbgHeaderXdata:          {"XDATA", 0},
	streams.DbgHeaderPdata:          {"PDATA", 0},
	streams.DbgHeaderNewFPO:         {"NEWFPO", 32},
	streams.DbgHeaderSectionHdrOrig: {"SECTIONHEADERSORIG", 40},
}

// DebugStreams enumerates the debug header streams present in the PDB.
func (s *Session) DebugStreams() *Enumerator[DebugStream] {
	slot := 0
	return newEnumerator(func() (DebugStream, bool) {
		for slot < streams.DbgHeaderMax {
			cur := slot
			slot++
			data, ok := s.pdb.DebugStream(cur)
			if !ok {
				continue
			}
			info := debugStreamInfo[cur]
			return DebugStream{Name: info.name, Slot: cur, RecordSize: info.recordSize, Data: data}, true
		}
		return DebugStream{}, false
	})
}

// Table summarizes one of the session's tables.
type Table struct {
	Name  string
	Count int
}

// Tables enumerates the session tables. Counts are computed as each table
// is reached.
func (s *Session) Tables() *Enumerator[Table] {
	tables := []struct {
		name  string
		count func() int
	}{
		{"Symbols", func() int { return s.pdb.NumGlobalRecords() }},
		{"SourceFiles", func() int { return len(s.AllSourceFiles().Collect()) }},
		{"LineNumbers", s.lineCount},
		{"SectionContribs", func() int { return len(s.pdb.SectionContribs()) }},
		{"Segments", func() int { return len(s.pdb.SectionMap()) }},
		{"InjectedSources", func() int { return len(s.pdb.InjectedSources()) }},
		{"DebugStreams", func() int { return len(s.DebugStreams().Collect()) }},
	}
	i := 0
	return newEnumerator(func() (Table, bool) {
		if i >= len(tables) {
			return Table{}, false
		}
		t := tables[i]
		i++
		return Table{Name: t.name, Count: t.count()}, true
	})
}

func (s *Session) lineCount() int {
	n := 0
	for m := range s.pdb.NumModules() {
		if idx, err := s.lineIndex(m); err == nil {
			n += len(idx.entries)
		}
	}
	return n
}

// InjectedSource is a source file embedded in the PDB.
type InjectedSource struct {
	FileName        string
	ObjectFileName  string
	VirtualFileName string
	CRC             uint32
	CodeByteSize    uint32
	Compression     uint32 // one of the streams.SrcCompression* values
	IsVirtual       bool

	src pdb.InjectedSource
	p   *pdb.PDB
}

// Code returns the stored bytes of the source, still compressed when
// Compression says so.
func (i InjectedSource) Code() ([]byte, error) {
	data, err := i.p.InjectedSourceContent(i.src)
	if err != nil {
		return nil, errors.Wrapf(err, "injected source %s", i.FileName)
	}
	return data, nil
}

// InjectedSources enumerates the sources embedded in the PDB.
func (s *Session) InjectedSources() *Enumerator[InjectedSource] {
	srcs := s.pdb.InjectedSources()
	i := 0
	return newEnumerator(func() (InjectedSource, bool) {
		if i >= len(srcs) {
			return InjectedSource{}, false
		}
		src := srcs[i]
		i++
		return InjectedSource{
			FileName:        src.FileName,
			ObjectFileName:  src.ObjectName,
			VirtualFileName: src.VirtualName,
			CRC:             src.CRC,
			CodeByteSize:    src.FileSize,
			Compression:     uint32(src.Compression),
			IsVirtual:       src.IsVirtual != 0,
			src:             src,
			p:               s.pdb,
		}, true
	})
}

// SectionContrib is one entry of the section contribution table.
type SectionContrib struct {
	Section         uint32
	Offset          uint32
	Size            uint32
	RVA             uint32
	VA              uint64
	Characteristics uint32
	CompilandID     SymIndexID
	DataCRC         uint32
	RelocCRC        uint32
}

// SectionContribs enumerates the section contribution table in stored order.
func (s *Session) SectionContribs() *Enumerator[SectionContrib] {
	contribs := s.pdb.SectionContribs()
	i := 0
	return newEnumerator(func() (SectionContrib, bool) {
		if i >= len(contribs) {
			return SectionContrib{}, false
		}
		sc := contribs[i]
		i++
		c := SectionContrib{
			Section:         uint32(sc.Section),
			Offset:          uint32(sc.Offset),
			Size:            uint32(sc.Size),
			Characteristics: sc.Characteristics,
			DataCRC:         sc.DataCrc,
			RelocCRC:        sc.RelocCrc,
		}
		if rva, ok := s.RVAForSectOffset(c.Section, c.Offset); ok {
			c.RVA, c.VA = rva, s.VAForRVA(rva)
		}
		if comp := s.CreateCompilandSymbol(int(sc.ModuleIndex)); comp != nil {
			c.CompilandID = comp.ID()
		}
		return c, true
	})
}
