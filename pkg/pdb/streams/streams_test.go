package streams_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/internal/pdbtest"
	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/msf"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

const (
	mainObj = `C:\build\main.obj`
	appLib  = `C:\lib\app.lib`
	mainC   = `C:\src\main.c`
	utilH   = `C:\src\util.h`
)

var (
	guid    = [16]byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	mainSum = bytes.Repeat([]byte{0xab}, 16)
	source  = []byte("int main(void) { return 0; }\n")
)

func builder() *pdbtest.Builder {
	b := pdbtest.New()
	b.GUID = guid
	b.Age = 7
	text := b.AddSection(".text", 0x1000, 0x300)
	b.AddSection(".data", 0x4000, 0x80)

	b.AddType(pdbtest.Pointer(streams.T_INT4, false))
	b.AddType(pdbtest.ArgList(streams.T_INT4, streams.T_REAL64))

	mod := b.AddModule(&pdbtest.Module{
		Name:    mainObj,
		ObjFile: appLib,
		Symbols: [][]byte{
			pdbtest.ObjName(mainObj),
			pdbtest.Proc(codeview.S_GPROC32, "main", text, 0x10, 0x40, 0),
			pdbtest.End(),
		},
		Files: []string{mainC, utilH},
		Lines: []pdbtest.LineSection{{
			Section:  text,
			Offset:   0x10,
			CodeSize: 0x40,
			Columns:  true,
			Blocks: []pdbtest.LineBlock{{
				File: mainC,
				Lines: []pdbtest.Line{
					{Offset: 0, Line: 10, Column: 1, ColumnEnd: 5, Statement: true},
					{Offset: 8, Line: 12, LineEnd: 14},
				},
			}},
		}},
		Checksums: map[string][]byte{mainC: mainSum},
	})
	b.AddModule(&pdbtest.Module{Name: "* Linker *", NoStream: true})
	b.AddContrib(pdbtest.Contrib{Section: text, Offset: 0x10, Size: 0x40, Module: mod})
	b.AddInjectedSource(pdbtest.InjectedSource{
		FileName:    mainC,
		ObjectName:  mainObj,
		VirtualName: `C:\Src\Main.c`,
		Content:     source,
	})
	return b
}

// container opens a built image and returns the decoded headers needed to
// locate the remaining streams.
func container(t *testing.T) (*msf.MSF, *streams.PDBInfo, *streams.DBIStream) {
	t.Helper()
	m, err := msf.New(bytes.NewReader(builder().Build()))
	require.NoError(t, err)

	info, err := streams.ReadPDBInfo(read(t, m, 1))
	require.NoError(t, err)
	dbi, err := streams.ReadDBIStream(read(t, m, 3))
	require.NoError(t, err)
	return m, info, dbi
}

func read(t *testing.T, m *msf.MSF, index uint32) []byte {
	t.Helper()
	data, err := m.ReadStream(int(index))
	require.NoError(t, err)
	return data
}

func stringTable(t *testing.T, m *msf.MSF, info *streams.PDBInfo) *streams.StringTable {
	t.Helper()
	idx, ok := info.NamedStreams["/names"]
	require.True(t, ok)
	names, err := streams.ReadStringTable(read(t, m, idx))
	require.NoError(t, err)
	return names
}

func TestReadPDBInfo(t *testing.T) {
	_, info, _ := container(t)

	assert.Equal(t, uint32(streams.PDBStreamVersionVC70), info.Version)
	assert.Equal(t, uint32(7), info.Age)
	assert.Equal(t, guid, info.GUID)
	assert.Equal(t, "00112233-4455-6677-8899-aabbccddeeff", info.UUID().String())
	assert.Equal(t, "00112233445566778899AABBCCDDEEFF", info.GUIDString())

	assert.Len(t, info.NamedStreams, 3)
	assert.Contains(t, info.NamedStreams, "/names")
	assert.Contains(t, info.NamedStreams, "/src/headerblock")
	assert.Contains(t, info.NamedStreams, `/src/files/c:\src\main.c`)

	_, err := streams.ReadPDBInfo(make([]byte, 10))
	assert.Error(t, err)
}

func TestReadStringTable(t *testing.T) {
	m, info, _ := container(t)
	names := stringTable(t, m, info)

	assert.Equal(t, uint32(1), names.HashVersion)
	empty, err := names.String(0)
	require.NoError(t, err)
	assert.Empty(t, empty)
	_, err = names.String(1 << 20)
	assert.Error(t, err)

	var missing *streams.StringTable
	_, err = missing.String(0)
	assert.Error(t, err)

	bad := read(t, m, info.NamedStreams["/names"])
	bad = append([]byte{}, bad...)
	binary.LittleEndian.PutUint32(bad, 0x12345678)
	_, err = streams.ReadStringTable(bad)
	assert.Error(t, err)

	binary.LittleEndian.PutUint32(bad, streams.StringTableSignature)
	binary.LittleEndian.PutUint32(bad[4:], 9)
	_, err = streams.ReadStringTable(bad)
	assert.ErrorIs(t, err, streams.ErrUnsupportedVersion)
}

func TestReadDBIStream(t *testing.T) {
	_, _, dbi := container(t)

	assert.Equal(t, uint32(7), dbi.Header.Age)
	assert.Equal(t, "x64", streams.MachineTypeName(dbi.Header.Machine))

	require.Len(t, dbi.Modules, 2)
	main := dbi.Modules[0]
	assert.Equal(t, mainObj, main.ModuleName)
	assert.Equal(t, appLib, main.ObjFileName)
	assert.True(t, main.HasSymbols())
	assert.NotZero(t, main.C13ByteSize)
	assert.Equal(t, uint16(2), main.SourceFileCount)
	assert.Equal(t, uint16(1), main.SectionContrib.Section)
	assert.Equal(t, int32(0x40), main.SectionContrib.Size)

	linker := dbi.Modules[1]
	assert.Equal(t, "* Linker *", linker.ModuleName)
	assert.False(t, linker.HasSymbols())

	require.Len(t, dbi.SectionContribs, 1)
	assert.Equal(t, int32(0x10), dbi.SectionContribs[0].Offset)
	assert.Equal(t, uint16(0), dbi.SectionContribs[0].ModuleIndex)

	require.Len(t, dbi.SectionMap, 2)
	assert.Equal(t, uint16(2), dbi.SectionMap[1].Frame)
	assert.Equal(t, uint32(0x80), dbi.SectionMap[1].SecByteLength)

	assert.Equal(t, [][]string{{mainC, utilH}, {}}, dbi.FileInfo)

	require.Len(t, dbi.DebugStreams, streams.DbgHeaderMax)
	assert.Equal(t, uint16(streams.NilStream), dbi.DebugStreams[streams.DbgHeaderFPO])
	assert.NotEqual(t, uint16(streams.NilStream), dbi.DebugStreams[streams.DbgHeaderSectionHdr])
}

func TestReadDBIStream_Invalid(t *testing.T) {
	m, _, _ := container(t)
	data := append([]byte{}, read(t, m, 3)...)

	_, err := streams.ReadDBIStream(data[:32])
	assert.Error(t, err)

	old := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(old[4:], streams.DBIStreamVersionV60)
	_, err = streams.ReadDBIStream(old)
	assert.ErrorIs(t, err, streams.ErrUnsupportedVersion)

	sig := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(sig, 0)
	_, err = streams.ReadDBIStream(sig)
	assert.Error(t, err)

	// ModInfoSize is the first substream size, at offset 24.
	oversized := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(oversized[24:], uint32(len(data)))
	_, err = streams.ReadDBIStream(oversized)
	assert.Error(t, err)
}

func TestParseC13Lines(t *testing.T) {
	m, info, dbi := container(t)
	names := stringTable(t, m, info)
	mod := dbi.Modules[0]
	stream := read(t, m, uint32(mod.ModuleSymStream))
	c13 := stream[mod.SymByteSize : mod.SymByteSize+mod.C13ByteSize]

	// Unknown subsections are skipped.
	var frame bytes.Buffer
	frame.Write(binary.LittleEndian.AppendUint32(nil, streams.DebugSubsectionFrameData))
	frame.Write(binary.LittleEndian.AppendUint32(nil, 4))
	frame.Write([]byte{1, 2, 3, 4})
	frame.Write(c13)

	lines, err := streams.ParseC13Lines(frame.Bytes())
	require.NoError(t, err)
	require.Len(t, lines.Sections, 1)

	sec := lines.Sections[0]
	assert.Equal(t, uint32(0x10), sec.RelocOffset)
	assert.Equal(t, uint16(1), sec.RelocSegment)
	assert.Equal(t, uint32(0x40), sec.CodeSize)
	assert.True(t, sec.HasColumns())
	require.Len(t, sec.Blocks, 1)
	assert.Equal(t, []streams.LineEntry{
		{Offset: 0, LineStart: 10, LineEnd: 10, IsStatement: true, ColumnStart: 1, ColumnEnd: 5},
		{Offset: 8, LineStart: 12, LineEnd: 14},
	}, sec.Blocks[0].Lines)

	sum, ok := lines.Checksums[sec.Blocks[0].ChecksumOffset]
	require.True(t, ok)
	assert.Equal(t, uint8(streams.ChecksumMD5), sum.Kind)
	assert.Equal(t, mainSum, sum.Checksum)
	name, err := names.String(sum.FileNameOffset)
	require.NoError(t, err)
	assert.Equal(t, mainC, name)

	_, err = streams.ParseC13Lines(c13[:len(c13)-4])
	assert.Error(t, err)

	empty, err := streams.ParseC13Lines(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Sections)
}

func TestReadSectionHeaders(t *testing.T) {
	m, _, dbi := container(t)

	sections, err := streams.ReadSectionHeaders(read(t, m, uint32(dbi.DebugStreams[streams.DbgHeaderSectionHdr])))
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, ".text", sections[0].Name)
	assert.Equal(t, uint32(0x1000), sections[0].VirtualAddress)
	assert.Equal(t, uint32(0x300), sections[0].Size())
	assert.Equal(t, ".data", sections[1].Name)

	assert.Equal(t, uint32(0x20), (&streams.SectionHeader{SizeOfRawData: 0x20}).Size())

	_, err = streams.ReadSectionHeaders(make([]byte, 41))
	assert.Error(t, err)
}

func TestReadInjectedSources(t *testing.T) {
	m, info, _ := container(t)
	names := stringTable(t, m, info)
	header := read(t, m, info.NamedStreams["/src/headerblock"])

	srcs, err := streams.ReadInjectedSources(header)
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	src := srcs[0]
	assert.Equal(t, uint32(len(source)), src.FileSize)
	assert.Equal(t, crc32.ChecksumIEEE(source), src.CRC)
	assert.Equal(t, uint8(streams.SrcCompressionNone), src.Compression)
	assert.Zero(t, src.IsVirtual)

	for ni, want := range map[uint32]string{src.FileNI: mainC, src.ObjNI: mainObj, src.VFileNI: `C:\Src\Main.c`} {
		got, err := names.String(ni)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	content := read(t, m, info.NamedStreams[`/src/files/c:\src\main.c`])
	assert.Equal(t, source, content)

	bad := append([]byte{}, header...)
	binary.LittleEndian.PutUint32(bad, 1)
	_, err = streams.ReadInjectedSources(bad)
	assert.ErrorIs(t, err, streams.ErrUnsupportedVersion)
}

func TestReadTPIStream(t *testing.T) {
	m, _, _ := container(t)
	data := read(t, m, 2)

	tpi, err := streams.ReadTPIStream(data)
	require.NoError(t, err)
	require.Len(t, tpi.TypeRecords, 2)

	ptr := tpi.GetType(0x1000)
	require.NotNil(t, ptr)
	assert.Equal(t, uint32(0x1000), ptr.Index)
	assert.Equal(t, uint16(streams.LF_POINTER), ptr.Kind)
	assert.Equal(t, "LF_POINTER", streams.LeafKindName(ptr.Kind))

	args := tpi.GetType(0x1001)
	require.NotNil(t, args)
	assert.Equal(t, uint16(streams.LF_ARGLIST), args.Kind)

	assert.Nil(t, tpi.GetType(0x0fff))
	assert.Nil(t, tpi.GetType(0x1002))

	old := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(old, streams.TPIStreamVersion50)
	_, err = streams.ReadTPIStream(old)
	assert.ErrorIs(t, err, streams.ErrUnsupportedVersion)

	// TypeIndexEnd at offset 12 claims a record that is not there.
	short := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(short[12:], 0x1003)
	_, err = streams.ReadTPIStream(short)
	assert.Error(t, err)
}

func TestParseNumeric(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
		want uint64
		n    int
	}{
		{name: "immediate", data: []byte{0x34, 0x12}, want: 0x1234, n: 2},
		{name: "char", data: []byte{0x00, 0x80, 0xff}, want: ^uint64(0), n: 3},
		{name: "ushort", data: []byte{0x02, 0x80, 0xff, 0xff}, want: 0xffff, n: 4},
		{name: "ulong", data: []byte{0x04, 0x80, 0x78, 0x56, 0x34, 0x12}, want: 0x12345678, n: 6},
		{name: "uquad", data: []byte{0x0a, 0x80, 1, 0, 0, 0, 0, 0, 0, 1}, want: 1<<56 | 1, n: 10},
		{name: "truncated", data: []byte{0x04, 0x80, 0x78}, n: 0},
		{name: "unknown leaf", data: []byte{0x05, 0x80, 0, 0}, n: 0},
		{name: "empty", n: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, n := streams.ParseNumeric(tc.data)
			assert.Equal(t, tc.n, n)
			assert.Equal(t, tc.want, got)
		})
	}

	s, n := streams.ParseString([]byte("abc\x00def"))
	assert.Equal(t, "abc", s)
	assert.Equal(t, 4, n)
}

func TestBuiltinTypes(t *testing.T) {
	for _, tc := range []struct {
		index uint32
		name  string
		size  uint64
	}{
		{index: streams.T_INT4, name: "int", size: 4},
		{index: streams.T_REAL64, name: "double", size: 8},
		{index: streams.T_RCHAR, name: "char", size: 1},
		{index: streams.T_VOID, name: "void", size: 0},
		{index: streams.TM_NPTR64<<8 | streams.T_INT4, name: "int*", size: 8},
		{index: streams.TM_NPTR32<<8 | streams.T_UCHAR, name: "unsigned char*", size: 4},
		{index: 0x1000, name: "", size: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, streams.GetBuiltinTypeName(tc.index))
			assert.Equal(t, tc.size, streams.BuiltinTypeSize(tc.index))
		})
	}
}
