package native

import (
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

func TestSession_AddressTranslation(t *testing.T) {
	b := buildFixture()
	s := openFixture(t, b)

	sec, off, ok := s.AddressForRVA(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), sec)
	assert.Equal(t, uint32(0), off)

	_, _, ok = s.AddressForRVA(0x1600)
	assert.False(t, ok, "past the end of .text")
	_, _, ok = s.AddressForRVA(0xfff)
	assert.False(t, ok, "below the first section")

	sec, off, ok = s.AddressForRVA(0x2010)
	require.True(t, ok)
	assert.Equal(t, uint32(2), sec)
	assert.Equal(t, uint32(0x10), off)

	rva, ok := s.RVAForSectOffset(2, 0x10)
	require.True(t, ok)
	assert.Equal(t, uint32(0x2010), rva)
	_, ok = s.RVAForSectOffset(0, 0)
	assert.False(t, ok)
	_, ok = s.RVAForSectOffset(3, 0)
	assert.False(t, ok)

	assert.Equal(t, uint64(0), s.LoadAddress())
	s.SetLoadAddress(0x400000)
	assert.Equal(t, uint64(0x400000), s.LoadAddress())
	sec, off, ok = s.AddressForVA(0x401000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), sec)
	assert.Equal(t, uint32(0), off)
	_, _, ok = s.AddressForVA(0x3fffff)
	assert.False(t, ok, "below the load address")
	assert.Equal(t, uint64(0x402010), s.VAForRVA(0x2010))
}

func TestSession_FindSymbolByTypeIndexIsStable(t *testing.T) {
	s := openFixture(t, buildFixture())

	first := s.FindSymbolByTypeIndex(0x1003)
	require.True(t, first.IsValid())
	assert.Equal(t, first, s.FindSymbolByTypeIndex(0x1003))

	other := s.FindSymbolByTypeIndex(0x1004)
	require.True(t, other.IsValid())
	assert.NotEqual(t, first, other)

	assert.Same(t, s.SymbolByID(first), s.SymbolByID(s.FindSymbolByTypeIndex(0x1003)))
}

func TestSession_FindSymbolByTypeIndexInvalid(t *testing.T) {
	s := openFixture(t, buildFixture())

	assert.Equal(t, InvalidSymIndexID, s.FindSymbolByTypeIndex(streams.T_NOTYPE))
	assert.Equal(t, InvalidSymIndexID, s.FindSymbolByTypeIndex(tiConstInt+1))
	assert.Equal(t, InvalidSymIndexID, s.FindSymbolByTypeIndex(0x8000))
	assert.Nil(t, s.SymbolByID(InvalidSymIndexID))
	assert.Nil(t, s.SymbolByID(SymIndexID(1<<20)))
}

func TestSession_ForwardReferencesShareIdentity(t *testing.T) {
	t.Run("definition first", func(t *testing.T) {
		s := openFixture(t, buildFixture())
		full := s.FindSymbolByTypeIndex(tiPoint)
		assert.Equal(t, full, s.FindSymbolByTypeIndex(tiPointFwd))
		assert.Equal(t, s.FindSymbolByTypeIndex(tiColor), s.FindSymbolByTypeIndex(tiColorFwd))
	})

	t.Run("forward reference first", func(t *testing.T) {
		s := openFixture(t, buildFixture())
		fwd := s.FindSymbolByTypeIndex(tiPointFwd)
		assert.Equal(t, fwd, s.FindSymbolByTypeIndex(tiPoint))

		sym := s.SymbolByID(fwd)
		require.NotNil(t, sym)
		udt := sym.Details().(*UDTSymbol)
		assert.Equal(t, tiPoint, udt.TypeIndex)
		assert.False(t, udt.ForwardRef)
	})

	t.Run("forward reference without definition", func(t *testing.T) {
		s := openFixture(t, buildFixture())
		sym := s.SymbolByID(s.FindSymbolByTypeIndex(tiWidgetFwd))
		require.NotNil(t, sym)
		udt := sym.Details().(*UDTSymbol)
		assert.Equal(t, "Widget", udt.Name)
		assert.Equal(t, UDTClass, udt.Kind)
		assert.True(t, udt.ForwardRef)
		assert.Empty(t, udt.Members)
	})
}

func TestSession_TypeSymbols(t *testing.T) {
	s := openFixture(t, buildFixture())
	typeSym := func(ti uint32) *Symbol {
		t.Helper()
		sym := s.SymbolByID(s.FindSymbolByTypeIndex(ti))
		require.NotNil(t, sym, "type 0x%x", ti)
		return sym
	}

	point := typeSym(tiPoint)
	require.Equal(t, SymTagUDT, point.Tag())
	udt := point.Details().(*UDTSymbol)
	assert.Equal(t, "Point", point.Name())
	assert.Equal(t, UDTStruct, udt.Kind)
	assert.Equal(t, uint64(8), point.Length())
	require.Len(t, udt.Members, 2)
	assert.Equal(t, "y", udt.Members[1].Name)
	assert.Equal(t, uint64(4), udt.Members[1].Offset)
	assert.Equal(t, "int", udt.Members[1].TypeName)

	value := typeSym(tiValue)
	assert.Equal(t, UDTUnion, value.Details().(*UDTSymbol).Kind)

	ptr := typeSym(tiPointPtr)
	require.Equal(t, SymTagPointerType, ptr.Tag())
	pd := ptr.Details().(*PointerSymbol)
	assert.Equal(t, tiPoint, pd.Referent)
	assert.False(t, pd.Reference)
	assert.Equal(t, uint64(8), ptr.Length())

	arr := typeSym(tiIntArray)
	require.Equal(t, SymTagArrayType, arr.Tag())
	ad := arr.Details().(*ArraySymbol)
	assert.Equal(t, uint64(3), ad.Count)
	assert.Equal(t, uint64(12), ad.Size)

	sig := typeSym(tiProc)
	require.Equal(t, SymTagFunctionSig, sig.Tag())
	sd := sig.Details().(*FunctionSigSymbol)
	assert.Equal(t, uint32(streams.T_INT4), sd.ReturnType)
	assert.Equal(t, uint16(1), sd.ParamCount)
	assert.Equal(t, tiArgs, sd.ArgList)

	mod := typeSym(tiConstInt)
	require.Equal(t, SymTagCustomType, mod.Tag())
	assert.Equal(t, uint16(streams.LF_MODIFIER), mod.Details().(*CustomTypeSymbol).Kind)

	builtin := typeSym(streams.T_INT4)
	require.Equal(t, SymTagBuiltinType, builtin.Tag())
	assert.Equal(t, "int", builtin.Name())
	assert.Equal(t, uint64(4), builtin.Length())
	assert.Equal(t, builtin.ID(), s.FindSymbolByTypeIndex(streams.T_INT4))

	near64 := typeSym(streams.TM_NPTR64<<8 | streams.T_INT4)
	require.Equal(t, SymTagPointerType, near64.Tag())
	assert.Equal(t, uint32(streams.T_INT4), near64.Details().(*PointerSymbol).Referent)
	assert.Equal(t, uint64(8), near64.Length())
}

func TestSession_CreateEnumSymbol(t *testing.T) {
	s := openFixture(t, buildFixture())

	color := s.CreateEnumSymbol(tiColor)
	require.NotNil(t, color)
	assert.Equal(t, SymTagEnum, color.Tag())
	assert.Equal(t, "Color", color.Name())
	assert.Equal(t, uint64(4), color.Length())

	var values []string
	for _, e := range color.Details().(*EnumSymbol).Enumerators {
		values = append(values, e.Name)
	}
	assert.Equal(t, []string{"Red", "Green", "Blue"}, values)
	assert.Equal(t, uint64(2), color.Details().(*EnumSymbol).Enumerators[2].Value)

	assert.Same(t, color, s.CreateEnumSymbol(tiColor))
	assert.Same(t, color, s.CreateEnumSymbol(tiColorFwd))
	assert.Nil(t, s.CreateEnumSymbol(tiPoint))
	assert.Nil(t, s.CreateEnumSymbol(streams.T_INT4))
}

func TestSession_CreateTypeEnumerator(t *testing.T) {
	s := openFixture(t, buildFixture())

	var udts []uint32
	for sym := range s.CreateTypeEnumerator(udtKinds...).All() {
		udts = append(udts, sym.TypeIndex())
	}
	assert.Equal(t, []uint32{tiPoint, tiValue, tiWidgetFwd}, udts)

	enums := s.CreateTypeEnumerator(streams.LF_ENUM).Collect()
	require.Len(t, enums, 1)
	assert.Equal(t, tiColor, enums[0].TypeIndex())

	empty := s.CreateTypeEnumerator(streams.LF_BITFIELD)
	_, ok := empty.Next()
	assert.False(t, ok)
	_, ok = empty.Next()
	assert.False(t, ok)
}

func TestSession_IdentitySurvivesIndexEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScopeCacheSize = 1
	cfg.LineTableCacheSize = 1
	s := openFixture(t, buildFixture(), WithConfig(cfg))

	main := s.FindSymbolByRVA(0x1000, SymTagFunction)
	require.NotNil(t, main)
	utilFn := s.FindSymbolByRVA(0x1200, SymTagFunction)
	require.NotNil(t, utilFn)
	assert.Equal(t, "util_fn", utilFn.Name())

	again := s.FindSymbolByRVA(0x1000, SymTagFunction)
	assert.Same(t, main, again)
	assert.Same(t, main, s.SymbolByID(main.ID()))
	assert.Same(t, main.Compiland(), compiland(t, s, mainObj))

	before := s.NumSymbols()
	s.FindSymbolByRVA(0x1200, SymTagFunction)
	s.FindSymbolByRVA(0x1000, SymTagFunction)
	assert.Equal(t, before, s.NumSymbols())
}

func TestSession_GlobalScope(t *testing.T) {
	s := openFixture(t, buildFixture())

	exe := s.GlobalScope()
	require.NotNil(t, exe)
	assert.Equal(t, SymTagExe, exe.Tag())
	assert.Equal(t, 1, s.NumSymbols())
	assert.Nil(t, exe.LexicalParent())

	d := exe.Details().(*ExeSymbol)
	assert.Equal(t, streams.GUIDToUUID(fixtureGUID), d.GUID)
	assert.Equal(t, uint32(1), d.Age)
	assert.Same(t, exe, s.GlobalScope())
}

func TestOpenPDB_Errors(t *testing.T) {
	_, err := OpenPDB([]byte("definitely not a program database"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedContainer)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "open pdb", openErr.Op)

	_, err = OpenPDB(nil)
	assert.ErrorIs(t, err, ErrMalformedContainer)

	b := buildFixture()
	b.Version = streams.PDBStreamVersionVC70Dep
	_, err = OpenPDB(b.Build())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionUnsupported)
	assert.NotErrorIs(t, err, ErrMalformedContainer)

	_, err = OpenPDB(buildFixture().Build(), WithConfig(Config{}))
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/symbols/app.pdb", buildFixture().Build(), 0o644))

	s, err := OpenFile("/symbols/app.pdb", WithFs(fs))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "app", s.GlobalScope().Name())

	_, err = OpenFile("/symbols/missing.pdb", WithFs(fs))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, afero.WriteFile(fs, "/symbols/broken.pdb", []byte("broken"), 0o644))
	_, err = OpenFile("/symbols/broken.pdb", WithFs(fs))
	assert.ErrorIs(t, err, ErrMalformedContainer)
}

func TestSession_ConcurrentMaterialization(t *testing.T) {
	s := openFixture(t, buildFixture())

	const workers = 16
	var (
		wg      sync.WaitGroup
		ids     = make([]SymIndexID, workers)
		labels  = make([]*Symbol, workers)
		globals = make([]*Symbol, workers)
		lines   = make([][]LineNumber, workers)
		files   = make([][]SourceFile, workers)
	)
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ids[i] = s.FindSymbolByTypeIndex(tiPoint)
			labels[i] = s.FindSymbolByRVA(0x1030, SymTagNull)
			globals[i] = s.FindSymbolByRVA(0x2082, SymTagData)
			lines[i] = s.FindLineNumbersByRVA(0x1000, 0x500).Collect()
			files[i] = s.AllSourceFiles().Collect()
		}()
	}
	close(start)
	wg.Wait()

	require.True(t, ids[0].IsValid())
	require.NotNil(t, labels[0])
	require.NotNil(t, globals[0])
	require.Len(t, lines[0], 7)
	require.NotEmpty(t, files[0])
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i])
		assert.Same(t, labels[0], labels[i])
		assert.Same(t, globals[0], globals[i])
		assert.Equal(t, lines[0], lines[i])
		assert.Equal(t, files[0], files[i])
	}
	assert.Same(t, s.SymbolByID(ids[0]), s.SymbolByID(s.FindSymbolByTypeIndex(tiPointFwd)))
}
