package native

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

func TestSession_Tables(t *testing.T) {
	s := openFixture(t, buildFixture())

	var got []Table
	for tbl := range s.Tables().All() {
		got = append(got, tbl)
	}
	assert.Equal(t, []Table{
		{Name: "Symbols", Count: 8},
		{Name: "SourceFiles", Count: 3},
		{Name: "LineNumbers", Count: 8},
		{Name: "SectionContribs", Count: 3},
		{Name: "Segments", Count: 2},
		{Name: "InjectedSources", Count: 1},
		{Name: "DebugStreams", Count: 2},
	}, got)
}

func TestSession_DebugStreams(t *testing.T) {
	s := openFixture(t, buildFixture())

	dbg := s.DebugStreams().Collect()
	require.Len(t, dbg, 2)

	fpo := dbg[0]
	assert.Equal(t, "FPO", fpo.Name)
	assert.Equal(t, streams.DbgHeaderFPO, fpo.Slot)
	assert.Equal(t, 2, fpo.Count())
	rec, ok := fpo.Record(1)
	require.True(t, ok)
	assert.Len(t, rec, 16)
	_, ok = fpo.Record(2)
	assert.False(t, ok)
	_, ok = fpo.Record(-1)
	assert.False(t, ok)

	sections := dbg[1]
	assert.Equal(t, "SECTIONHEADERS", sections.Name)
	assert.Equal(t, streams.DbgHeaderSectionHdr, sections.Slot)
	assert.Equal(t, 2, sections.Count())
	hdr, ok := sections.Record(0)
	require.True(t, ok)
	assert.Equal(t, ".text", string(hdr[:5]))

	assert.Zero(t, DebugStream{Name: "XDATA", Data: make([]byte, 10)}.Count())
}

func TestSession_InjectedSources(t *testing.T) {
	s := openFixture(t, buildFixture())

	srcs := s.InjectedSources().Collect()
	require.Len(t, srcs, 1)
	src := srcs[0]
	assert.Equal(t, mainC, src.FileName)
	assert.Equal(t, mainObj, src.ObjectFileName)
	assert.Equal(t, "/src/main.c", src.VirtualFileName)
	assert.Equal(t, uint32(len(mainCSource)), src.CodeByteSize)
	assert.Equal(t, crc32.ChecksumIEEE(mainCSource), src.CRC)
	assert.Equal(t, uint32(streams.SrcCompressionNone), src.Compression)
	assert.False(t, src.IsVirtual)

	code, err := src.Code()
	require.NoError(t, err)
	assert.Equal(t, mainCSource, code)
}

func TestSession_InjectedSourcesEmpty(t *testing.T) {
	b := buildFixture()
	b.Injected = nil
	s := openFixture(t, b)

	e := s.InjectedSources()
	_, ok := e.Next()
	assert.False(t, ok)
	_, ok = e.Next()
	assert.False(t, ok)
}

func TestSession_SectionContribs(t *testing.T) {
	s := openFixture(t, buildFixture())
	s.SetLoadAddress(0x400000)

	contribs := s.SectionContribs().Collect()
	require.Len(t, contribs, 3)

	first := contribs[0]
	assert.Equal(t, uint32(1), first.Section)
	assert.Equal(t, uint32(0), first.Offset)
	assert.Equal(t, uint32(0x180), first.Size)
	assert.Equal(t, uint32(0x1000), first.RVA)
	assert.Equal(t, uint64(0x401000), first.VA)
	assert.Equal(t, compiland(t, s, mainObj).ID(), first.CompilandID)

	assert.Equal(t, compiland(t, s, utilObj).ID(), contribs[1].CompilandID)
	assert.Equal(t, uint32(0x1200), contribs[1].RVA)
	assert.Equal(t, uint32(2), contribs[2].Section)
	assert.Equal(t, uint32(0x2000), contribs[2].RVA)
}
