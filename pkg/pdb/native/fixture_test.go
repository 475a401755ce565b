package native

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/internal/pdbtest"
	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// Type indices of the fixture, in the order buildFixture adds them.
const (
	tiColorFields uint32 = 0x1000 + iota
	tiColor
	tiPointFields
	tiPoint
	tiPointPtr
	tiIntArray
	tiArgs
	tiProc
	tiPointFwd
	tiColorFwd
	tiValue
	tiWidgetFwd
	tiConstInt
)

const (
	mainObj   = `C:\build\main.obj`
	utilObj   = `C:\build\util.obj`
	linkerObj = "* Linker *"
	mainC     = `C:\src\main.c`
	utilH     = `C:\src\util.h`
	utilC     = `C:\src\util.c`
)

var (
	fixtureGUID = [16]byte{0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde, 1, 2, 3, 4, 5, 6, 7, 8}
	mainCSum    = []byte{0xd4, 0x1d, 0x8c, 0xd9, 0x8f, 0x00, 0xb2, 0x04, 0xe9, 0x80, 0x09, 0x98, 0xec, 0xf8, 0x42, 0x7e}
	mainCSource = []byte("int main(void) { return 0; }\n")
	fpoRecords  = make([]byte, 32)
)

// buildFixture describes a small x64 image:
//
//	.text  0x1000-0x1500  main.obj 0x1000-0x1180, util.obj 0x1200-0x1300
//	.data  0x2000-0x2200  main.obj 0x2000-0x2100
//
// main.obj holds main (with a nested block and a label), helper, a
// function-local static and a module static. util.obj holds util_fn with a
// label behind a thunk. The third module has no symbol stream.
func buildFixture() *pdbtest.Builder {
	b := pdbtest.New()
	b.GUID = fixtureGUID
	text := b.AddSection(".text", 0x1000, 0x500)
	data := b.AddSection(".data", 0x2000, 0x200)

	b.AddType(pdbtest.FieldList(
		pdbtest.Enumerate("Red", 0),
		pdbtest.Enumerate("Green", 1),
		pdbtest.Enumerate("Blue", 2),
	))
	b.AddType(pdbtest.Enum("Color", streams.T_INT4, tiColorFields, false))
	b.AddType(pdbtest.FieldList(
		pdbtest.Member("x", streams.T_INT4, 0),
		pdbtest.Member("y", streams.T_INT4, 4),
	))
	b.AddType(pdbtest.Structure(streams.LF_STRUCTURE, "Point", tiPointFields, 8, false))
	b.AddType(pdbtest.Pointer(tiPoint, false))
	b.AddType(pdbtest.Array(streams.T_INT4, streams.T_ULONG, 12))
	b.AddType(pdbtest.ArgList(tiPointPtr))
	b.AddType(pdbtest.Procedure(streams.T_INT4, 1, tiArgs))
	b.AddType(pdbtest.Structure(streams.LF_STRUCTURE, "Point", 0, 0, true))
	b.AddType(pdbtest.Enum("Color", streams.T_INT4, 0, true))
	b.AddType(pdbtest.Union("Value", tiPointFields, 8, false))
	b.AddType(pdbtest.Structure(streams.LF_CLASS, "Widget", 0, 0, true))
	b.AddType(pdbtest.Modifier(streams.T_INT4, 1))

	b.AddModule(&pdbtest.Module{
		Name:    mainObj,
		ObjFile: mainObj,
		Symbols: [][]byte{
			pdbtest.ObjName(mainObj),
			pdbtest.Proc(codeview.S_GPROC32, "main", text, 0x0, 0x100, tiProc),
			pdbtest.Data(codeview.S_LDATA32, "counter", streams.T_INT4, data, 0x10),
			pdbtest.Block("", text, 0x20, 0x40),
			pdbtest.Label("retry", text, 0x30),
			pdbtest.End(),
			pdbtest.End(),
			pdbtest.Proc(codeview.S_LPROC32, "helper", text, 0x100, 0x80, tiProc),
			pdbtest.End(),
			pdbtest.Data(codeview.S_LDATA32, "table", tiIntArray, data, 0x20),
			pdbtest.UDT("PointT", tiPoint),
		},
		Files: []string{mainC, utilH},
		Lines: []pdbtest.LineSection{
			{
				Section:  text,
				Offset:   0x0,
				CodeSize: 0x100,
				Columns:  true,
				Blocks: []pdbtest.LineBlock{
					{File: mainC, Lines: []pdbtest.Line{
						{Offset: 0x00, Line: 10, Column: 1, ColumnEnd: 5, Statement: true},
						{Offset: 0x10, Line: 11, Statement: true},
						{Offset: 0x40, Line: 12, LineEnd: 13, Statement: true},
					}},
					{File: utilH, Lines: []pdbtest.Line{
						{Offset: 0x80, Line: 5, Statement: true},
					}},
				},
			},
			{
				Section:  text,
				Offset:   0x100,
				CodeSize: 0x80,
				Blocks: []pdbtest.LineBlock{
					{File: mainC, Lines: []pdbtest.Line{
						{Offset: 0x00, Line: 20, Statement: true},
						{Offset: 0x40, Line: 21, Statement: true},
					}},
				},
			},
		},
		Checksums: map[string][]byte{mainC: mainCSum},
	})
	b.AddModule(&pdbtest.Module{
		Name:    utilObj,
		ObjFile: utilObj,
		Symbols: [][]byte{
			pdbtest.ObjName(utilObj),
			pdbtest.Proc(codeview.S_GPROC32, "util_fn", text, 0x200, 0x100, tiProc),
			pdbtest.Thunk("util_thunk", text, 0x210, 8),
			pdbtest.Label("inner", text, 0x214),
			pdbtest.End(),
			pdbtest.End(),
		},
		Files: []string{utilC, utilH},
		Lines: []pdbtest.LineSection{
			{
				Section:  text,
				Offset:   0x200,
				CodeSize: 0x100,
				Blocks: []pdbtest.LineBlock{
					{File: utilC, Lines: []pdbtest.Line{
						{Offset: 0x00, Line: 1, Statement: true},
						{Offset: 0x80, Line: 2, Statement: true},
					}},
				},
			},
		},
	})
	b.AddModule(&pdbtest.Module{Name: linkerObj, NoStream: true})

	b.AddContrib(pdbtest.Contrib{Section: text, Offset: 0x0, Size: 0x180, Module: 0})
	b.AddContrib(pdbtest.Contrib{Section: text, Offset: 0x200, Size: 0x100, Module: 1})
	b.AddContrib(pdbtest.Contrib{Section: data, Offset: 0x0, Size: 0x100, Module: 0})

	b.AddGlobal(pdbtest.Data(codeview.S_GDATA32, "g_count", streams.T_INT4, data, 0x80))
	b.AddGlobal(pdbtest.Data(codeview.S_GDATA32, "g_point", tiPoint, data, 0x90))
	b.AddGlobal(pdbtest.Data(codeview.S_GDATA32, "g_alias", streams.T_INT4, data, 0x20))
	b.AddGlobal(pdbtest.UDT("Color", tiColor))
	b.AddGlobal(pdbtest.Public("?foo@@YAXXZ", text, 0x100, true))
	b.AddGlobal(pdbtest.Public("_main", text, 0x0, true))
	b.AddGlobal(pdbtest.Public("g_count", data, 0x80, false))
	b.AddGlobal(pdbtest.Public("_gap", text, 0x400, true))

	b.AddInjectedSource(pdbtest.InjectedSource{
		FileName:    mainC,
		ObjectName:  mainObj,
		VirtualName: "/src/main.c",
		Content:     mainCSource,
	})
	b.DebugStreams[streams.DbgHeaderFPO] = fpoRecords
	return b
}

func openFixture(t *testing.T, b *pdbtest.Builder, opts ...Option) *Session {
	t.Helper()
	s, err := OpenPDB(b.Build(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func names(e *Enumerator[*Symbol]) []string {
	var out []string
	for sym := range e.All() {
		out = append(out, sym.Name())
	}
	return out
}

func compiland(t *testing.T, s *Session, name string) *Symbol {
	t.Helper()
	c, err := s.FindCompilandByName(name, NameSearchNone)
	require.NoError(t, err)
	return c
}
