package native

import (
	"slices"

	"github.com/dolthub/swiss"
	"github.com/go-kit/log/level"

	"github.com/jtang613/nativepdb/pkg/pdb"
	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// FindSymbolByTypeIndex returns the identifier of the symbol for type index
// ti, materializing it on first use. A forward declaration shares the
// identifier of its full definition when one exists.
func (s *Session) FindSymbolByTypeIndex(ti uint32) SymIndexID {
	if ti == streams.T_NOTYPE {
		return InvalidSymIndexID
	}
	if ti < streams.TypeIndexBegin {
		return s.cache.typeSymbol(ti, ti, func() Details { return builtinDetails(ti) })
	}
	begin, end := s.pdb.TypeIndexRange()
	if ti < begin || ti >= end {
		return InvalidSymIndexID
	}
	canonical := s.resolveForwardRef(ti)
	return s.cache.typeSymbol(ti, canonical, func() Details { return s.typeDetails(canonical) })
}

// CreateEnumSymbol materializes the LF_ENUM at ti. It returns nil when ti
// is not an enum.
func (s *Session) CreateEnumSymbol(ti uint32) *Symbol {
	rec := s.pdb.Types().Record(ti)
	if rec == nil || rec.Kind != streams.LF_ENUM {
		return nil
	}
	return s.cache.get(s.FindSymbolByTypeIndex(ti))
}

// CreateTypeEnumerator lazily enumerates the types whose leaf kind is one
// of kinds, in type index order. Forward declarations with a definition
// are skipped.
func (s *Session) CreateTypeEnumerator(kinds ...uint16) *Enumerator[*Symbol] {
	ti, end := s.pdb.TypeIndexRange()
	types := s.pdb.Types()
	return newEnumerator(func() (*Symbol, bool) {
		for ti < end {
			cur := ti
			ti++
			rec := types.Record(cur)
			if rec == nil || !slices.Contains(kinds, rec.Kind) || s.resolveForwardRef(cur) != cur {
				continue
			}
			if sym := s.cache.get(s.FindSymbolByTypeIndex(cur)); sym != nil {
				return sym, true
			}
		}
		return nil, false
	})
}

var udtKinds = []uint16{streams.LF_CLASS, streams.LF_STRUCTURE, streams.LF_UNION, streams.LF_INTERFACE}

// CreateCompilandSymbol materializes module i of the DBI stream. It
// returns nil when i is out of range.
func (s *Session) CreateCompilandSymbol(i int) *Symbol {
	mod, ok := s.pdb.Module(i)
	if !ok {
		return nil
	}
	id := s.cache.recordSymbol(recordKey{space: spaceCompiland, module: int32(i)}, func() Details {
		return &CompilandSymbol{Index: i, Name: mod.ModuleName, ObjectFile: mod.ObjFileName}
	})
	return s.cache.get(id)
}

func builtinDetails(ti uint32) Details {
	if (ti>>8)&0xF != streams.TM_DIRECT {
		return &PointerSymbol{
			TypeIndex: ti,
			Referent:  ti & 0xFF,
			Size:      streams.BuiltinTypeSize(ti),
		}
	}
	return &BuiltinSymbol{
		TypeIndex: ti,
		Name:      streams.GetBuiltinTypeName(ti),
		Size:      streams.BuiltinTypeSize(ti),
	}
}

// typeDetails decodes the TPI record at ti. Records that fail to decode
// are kept as CustomTypeSymbol so that the index still has an identity.
func (s *Session) typeDetails(ti uint32) Details {
	types := s.pdb.Types()
	rec := types.Record(ti)
	if rec == nil {
		return nil
	}
	custom := &CustomTypeSymbol{TypeIndex: ti, Kind: rec.Kind, Name: streams.LeafKindName(rec.Kind)}

	var (
		d   Details
		err error
	)
	switch rec.Kind {
	case streams.LF_CLASS, streams.LF_STRUCTURE, streams.LF_UNION, streams.LF_INTERFACE:
		var c *codeview.ClassType
		if c, err = codeview.ParseClassType(rec); err == nil {
			u := &UDTSymbol{
				TypeIndex:  ti,
				Kind:       udtKindOf(rec.Kind),
				Name:       c.Name,
				UniqueName: c.UniqueName,
				Size:       c.Size,
				ForwardRef: c.IsForwardRef(),
			}
			if !u.ForwardRef {
				u.Members = types.Members(c.FieldList)
			}
			d = u
		}
	case streams.LF_ENUM:
		var e *codeview.EnumType
		if e, err = codeview.ParseEnumType(rec); err == nil {
			en := &EnumSymbol{
				TypeIndex:      ti,
				Name:           e.Name,
				UniqueName:     e.UniqueName,
				UnderlyingType: e.UnderlyingType,
				ForwardRef:     e.IsForwardRef(),
			}
			if !en.ForwardRef {
				en.Enumerators = types.Enumerators(e.FieldList)
			}
			d = en
		}
	case streams.LF_POINTER:
		var p *codeview.PointerType
		if p, err = codeview.ParsePointerType(rec); err == nil {
			d = &PointerSymbol{TypeIndex: ti, Referent: p.Referent, Size: p.Size(), Reference: p.IsReference()}
		}
	case streams.LF_ARRAY:
		var a *codeview.ArrayType
		if a, err = codeview.ParseArrayType(rec); err == nil {
			arr := &ArraySymbol{TypeIndex: ti, ElementType: a.ElementType, IndexType: a.IndexType, Size: a.Size}
			if elem := types.TypeSize(a.ElementType); elem > 0 {
				arr.Count = a.Size / elem
			}
			d = arr
		}
	case streams.LF_PROCEDURE, streams.LF_MFUNCTION:
		var p *codeview.ProcedureType
		if p, err = codeview.ParseProcedureType(rec); err == nil {
			d = &FunctionSigSymbol{
				TypeIndex:  ti,
				ReturnType: p.ReturnType,
				ClassType:  p.ClassType,
				ArgList:    p.ArgList,
				ParamCount: p.ParamCount,
				CallConv:   p.CallConv,
			}
		}
	default:
		return custom
	}
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to decode type record", "type_index", ti, "kind", custom.Name, "err", err)
		return custom
	}
	return d
}

func udtKindOf(kind uint16) UDTKind {
	switch kind {
	case streams.LF_CLASS:
		return UDTClass
	case streams.LF_UNION:
		return UDTUnion
	case streams.LF_INTERFACE:
		return UDTInterface
	}
	return UDTStruct
}

type declKey struct {
	enum bool
	name string
}

// declKeyOf returns the lookup key of a class or enum record and whether
// the record is a forward declaration.
func declKeyOf(rec *streams.TypeRecord) (key declKey, forward, ok bool) {
	switch rec.Kind {
	case streams.LF_CLASS, streams.LF_STRUCTURE, streams.LF_UNION, streams.LF_INTERFACE:
		c, err := codeview.ParseClassType(rec)
		if err != nil {
			return key, false, false
		}
		return declKey{name: declName(c.Name, c.UniqueName)}, c.IsForwardRef(), true
	case streams.LF_ENUM:
		e, err := codeview.ParseEnumType(rec)
		if err != nil {
			return key, false, false
		}
		return declKey{enum: true, name: declName(e.Name, e.UniqueName)}, e.IsForwardRef(), true
	}
	return key, false, false
}

func declName(name, unique string) string {
	if unique != "" {
		return unique
	}
	return name
}

// resolveForwardRef returns the index of the full definition of a
// forward-declared class or enum, or ti itself.
func (s *Session) resolveForwardRef(ti uint32) uint32 {
	rec := s.pdb.Types().Record(ti)
	if rec == nil {
		return ti
	}
	key, forward, ok := declKeyOf(rec)
	if !ok || !forward {
		return ti
	}
	if full, ok := s.fullDecls().Get(key); ok {
		return full
	}
	return ti
}

// fullDecls maps names to the first non-forward definition, built on first
// use.
func (s *Session) fullDecls() *swiss.Map[declKey, uint32] {
	s.declsOnce.Do(func() {
		begin, end := s.pdb.TypeIndexRange()
		types := s.pdb.Types()
		decls := swiss.NewMap[declKey, uint32](uint32(s.pdb.TypeCount()/4 + 1))
		for ti := begin; ti < end; ti++ {
			rec := types.Record(ti)
			if rec == nil {
				continue
			}
			key, forward, ok := declKeyOf(rec)
			if ok && !forward && !decls.Has(key) {
				decls.Put(key, ti)
			}
		}
		s.decls = decls
	})
	return s.decls
}

// moduleRecordSymbol materializes the record at offset of module's symbol
// stream.
func (s *Session) moduleRecordSymbol(module int, offset uint32) *Symbol {
	idx, err := s.scopeIndex(module)
	if err != nil {
		return nil
	}
	e, ok := idx.record(offset)
	if !ok {
		return nil
	}
	return s.scopeEntrySymbol(module, e)
}

func (s *Session) scopeEntrySymbol(module int, e *scopeEntry) *Symbol {
	id := s.cache.recordSymbol(recordKey{space: spaceModule, module: int32(module), offset: e.offset}, func() Details {
		return e.details
	})
	return s.cache.get(id)
}

func (s *Session) globalEntrySymbol(e *scopeEntry) *Symbol {
	id := s.cache.recordSymbol(recordKey{space: spaceGlobal, module: -1, offset: e.offset}, func() Details {
		return e.details
	})
	return s.cache.get(id)
}

// decodeModuleRecord builds the payload of a module or global record, or
// returns nil for records that do not become symbols.
func (s *Session) decodeModuleRecord(module int, parent uint32, rec codeview.SymbolRecord) (Details, error) {
	switch {
	case codeview.IsProcSymbol(rec.Kind):
		p, err := codeview.ParseProcSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &FunctionSymbol{
			Name:         p.Name,
			TypeIndex:    p.TypeIndex,
			Section:      p.Segment,
			Offset:       p.Offset,
			Length:       p.Length,
			Global:       codeview.IsGlobalSymbol(rec.Kind),
			module:       module,
			recordOffset: rec.Offset,
			parent:       parent,
		}, nil
	case rec.Kind == codeview.S_BLOCK32:
		b, err := codeview.ParseBlockSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &BlockSymbol{
			Name:         b.Name,
			Section:      b.Segment,
			Offset:       b.Offset,
			Length:       b.CodeSize,
			module:       module,
			recordOffset: rec.Offset,
			parent:       parent,
		}, nil
	case rec.Kind == codeview.S_LABEL32:
		l, err := codeview.ParseLabelSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &LabelSymbol{
			Name:         l.Name,
			Section:      l.Segment,
			Offset:       l.Offset,
			module:       module,
			recordOffset: rec.Offset,
			parent:       parent,
		}, nil
	case rec.Kind == codeview.S_GDATA32, rec.Kind == codeview.S_LDATA32,
		rec.Kind == codeview.S_GTHREAD32, rec.Kind == codeview.S_LTHREAD32:
		d, err := codeview.ParseDataSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &DataSymbol{
			Name:         d.Name,
			TypeIndex:    d.TypeIndex,
			Section:      d.Segment,
			Offset:       d.Offset,
			Size:         s.pdb.Types().TypeSize(d.TypeIndex),
			Global:       codeview.IsGlobalSymbol(rec.Kind),
			ThreadLocal:  rec.Kind == codeview.S_GTHREAD32 || rec.Kind == codeview.S_LTHREAD32,
			module:       module,
			recordOffset: rec.Offset,
			parent:       parent,
		}, nil
	case rec.Kind == codeview.S_UDT:
		u, err := codeview.ParseUDTSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &TypedefSymbol{Name: u.Name, TypeIndex: u.TypeIndex}, nil
	case rec.Kind == codeview.S_PUB32:
		p, err := codeview.ParsePubSym(rec.Data)
		if err != nil {
			return nil, err
		}
		return &PublicSymbol{
			Name:            p.Name,
			UndecoratedName: pdb.Demangle(p.Name),
			Section:         p.Segment,
			Offset:          p.Offset,
			Function:        p.IsFunction(),
		}, nil
	}
	return nil, nil
}
