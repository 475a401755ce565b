package pdb_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/internal/pdbtest"
	"github.com/jtang613/nativepdb/pkg/pdb"
	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

const (
	mainObj = `C:\build\main.obj`
	mainC   = `C:\src\main.c`
)

var guid = [16]byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

func builder() *pdbtest.Builder {
	b := pdbtest.New()
	b.GUID = guid
	b.Age = 2
	text := b.AddSection(".text", 0x1000, 0x200)
	data := b.AddSection(".data", 0x3000, 0x100)

	fields := b.AddType(pdbtest.FieldList(pdbtest.Member("x", streams.T_INT4, 0)))
	point := b.AddType(pdbtest.Structure(streams.LF_STRUCTURE, "Point", fields, 4, false))

	mod := b.AddModule(&pdbtest.Module{
		Name:    mainObj,
		ObjFile: mainObj,
		Symbols: [][]byte{
			pdbtest.ObjName(mainObj),
			pdbtest.Proc(codeview.S_GPROC32, "main", text, 0, 0x20, 0),
			pdbtest.End(),
		},
		Files: []string{mainC},
		Lines: []pdbtest.LineSection{{
			Section:  text,
			CodeSize: 0x20,
			Blocks:   []pdbtest.LineBlock{{File: mainC, Lines: []pdbtest.Line{{Line: 3}, {Offset: 0x10, Line: 4}}}},
		}},
	})
	b.AddModule(&pdbtest.Module{Name: "* Linker *", NoStream: true})
	b.AddContrib(pdbtest.Contrib{Section: text, Size: 0x20, Module: mod})

	b.AddGlobal(pdbtest.Data(codeview.S_GDATA32, "g_origin", point, data, 0x10))
	b.AddGlobal(pdbtest.UDT("Point", point))
	b.AddGlobal(pdbtest.Public("_main", text, 0, true))
	b.AddGlobal(pdbtest.Public("_g_origin", data, 0x10, false))

	b.DebugStreams[streams.DbgHeaderFPO] = make([]byte, 16)
	b.AddInjectedSource(pdbtest.InjectedSource{
		FileName:    mainC,
		ObjectName:  mainObj,
		VirtualName: `C:\Src\Main.c`,
		Content:     []byte("int main() {}\n"),
	})
	return b
}

func parse(t *testing.T, b *pdbtest.Builder) *pdb.PDB {
	t.Helper()
	p, err := pdb.Parse(b.Build())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestParse(t *testing.T) {
	p := parse(t, builder())

	info := p.Info()
	assert.Equal(t, "00112233-4455-6677-8899-aabbccddeeff", info.GUID.String())
	assert.Equal(t, uint32(2), info.Age)
	assert.Equal(t, uint32(streams.PDBStreamVersionVC70), info.Version)
	assert.Equal(t, "x64", info.Machine)
	assert.Equal(t, 3, info.NamedStreams)
	assert.Equal(t, info.GUID, p.GUID())
	assert.Equal(t, uint32(2), p.Age())

	sections := p.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, ".data", sections[1].Name)
	assert.Equal(t, uint32(0x3000), sections[1].VirtualAddress)

	begin, end := p.TypeIndexRange()
	assert.Equal(t, uint32(0x1000), begin)
	assert.Equal(t, uint32(0x1002), end)
	assert.Equal(t, 2, p.TypeCount())
	assert.Equal(t, "Point", p.Types().ResolveType(0x1001))

	require.Len(t, p.SectionContribs(), 1)
	require.Len(t, p.SectionMap(), 2)
}

func TestModules(t *testing.T) {
	p := parse(t, builder())

	require.Equal(t, 2, p.NumModules())
	mod, ok := p.Module(0)
	require.True(t, ok)
	assert.Equal(t, mainObj, mod.ModuleName)
	_, ok = p.Module(2)
	assert.False(t, ok)
	_, ok = p.Module(-1)
	assert.False(t, ok)

	assert.Equal(t, []string{mainC}, p.ModuleSourceFiles(0))
	assert.Empty(t, p.ModuleSourceFiles(1))
	assert.Nil(t, p.ModuleSourceFiles(5))

	syms, err := p.ModuleSymbols(0)
	require.NoError(t, err)
	require.Len(t, syms, 3)
	assert.Equal(t, uint16(codeview.S_GPROC32), syms[1].Kind)
	assert.Equal(t, uint32(4), syms[0].Offset)

	lines, err := p.ModuleLines(0)
	require.NoError(t, err)
	require.Len(t, lines.Sections, 1)
	require.Len(t, lines.Sections[0].Blocks, 1)
	assert.Len(t, lines.Sections[0].Blocks[0].Lines, 2)
	sum, ok := lines.Checksums[lines.Sections[0].Blocks[0].ChecksumOffset]
	require.True(t, ok)
	name, err := p.String(sum.FileNameOffset)
	require.NoError(t, err)
	assert.Equal(t, mainC, name)

	// A module without a stream has neither symbols nor lines.
	syms, err = p.ModuleSymbols(1)
	require.NoError(t, err)
	assert.Empty(t, syms)
	lines, err = p.ModuleLines(1)
	require.NoError(t, err)
	assert.Empty(t, lines.Sections)

	_, err = p.ModuleSymbols(2)
	assert.Error(t, err)
	_, err = p.ModuleLines(2)
	assert.Error(t, err)
}

func TestGlobalAndPublicSymbols(t *testing.T) {
	p := parse(t, builder())

	assert.Equal(t, 4, p.NumGlobalRecords())

	var globals []uint16
	for rec := range p.GlobalSymbols() {
		globals = append(globals, rec.Kind)
	}
	assert.Equal(t, []uint16{codeview.S_GDATA32, codeview.S_UDT}, globals)

	var publics []string
	for rec := range p.PublicSymbols() {
		pub, err := codeview.ParsePubSym(rec.Data)
		require.NoError(t, err)
		publics = append(publics, pub.Name)
	}
	assert.Equal(t, []string{"_main", "_g_origin"}, publics)

	seen := 0
	for range p.PublicSymbols() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestStreams(t *testing.T) {
	p := parse(t, builder())

	fpo, ok := p.DebugStream(streams.DbgHeaderFPO)
	require.True(t, ok)
	assert.Len(t, fpo, 16)
	_, ok = p.DebugStream(streams.DbgHeaderXdata)
	assert.False(t, ok)
	_, ok = p.DebugStream(100)
	assert.False(t, ok)

	names, err := p.NamedStream(pdb.NamesStream)
	require.NoError(t, err)
	assert.NotEmpty(t, names)
	_, err = p.NamedStream("/LinkInfo")
	assert.Error(t, err)
}

func TestInjectedSources(t *testing.T) {
	p := parse(t, builder())

	srcs := p.InjectedSources()
	require.Len(t, srcs, 1)
	src := srcs[0]
	assert.Equal(t, mainC, src.FileName)
	assert.Equal(t, mainObj, src.ObjectName)
	assert.Equal(t, `C:\Src\Main.c`, src.VirtualName)
	assert.Equal(t, uint32(14), src.FileSize)

	content, err := p.InjectedSourceContent(src)
	require.NoError(t, err)
	assert.Equal(t, "int main() {}\n", string(content))

	b := builder()
	b.Injected = nil
	assert.Empty(t, parse(t, b).InjectedSources())
}

func TestParse_Errors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		image   func() []byte
		wantErr error
	}{
		{
			name:    "not a container",
			image:   func() []byte { return []byte("not a pdb at all") },
			wantErr: pdb.ErrMalformedContainer,
		},
		{
			name:    "empty",
			image:   func() []byte { return nil },
			wantErr: pdb.ErrMalformedContainer,
		},
		{
			name: "old info stream",
			image: func() []byte {
				b := builder()
				b.Version = streams.PDBStreamVersionVC70Dep
				return b.Build()
			},
			wantErr: pdb.ErrVersionUnsupported,
		},
		{
			name: "broken type record",
			image: func() []byte {
				b := builder()
				b.Types = append(b.Types, []byte{0xff, 0x7f, 0x02, 0x15})
				return b.Build()
			},
			wantErr: pdb.ErrMalformedContainer,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pdb.Parse(tc.image())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/symbols/app.pdb", builder().Build(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/symbols/broken.pdb", []byte("garbage"), 0o644))

	p, err := pdb.Open(fs, "/symbols/app.pdb")
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 2, p.NumModules())

	_, err = pdb.Open(fs, "/symbols/missing.pdb")
	require.Error(t, err)
	assert.NotErrorIs(t, err, pdb.ErrMalformedContainer)

	_, err = pdb.Open(fs, "/symbols/broken.pdb")
	assert.ErrorIs(t, err, pdb.ErrMalformedContainer)
}
