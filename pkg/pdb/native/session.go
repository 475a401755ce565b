// Package native answers debug-information queries over a PDB file without
// any platform debugging API: symbol lookup by address, name and type
// index, line number and source file queries, and enumeration of the
// auxiliary tables.
//
// A Session materializes symbols lazily. Each symbol is created at most
// once and keeps its SymIndexID for the lifetime of the session.
package native

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// Session is a query session over one PDB. All methods are safe for
// concurrent use; Enumerators are not.
type Session struct {
	pdb     *pdb.PDB
	cfg     Config
	logger  log.Logger
	metrics *metrics

	loadAddress atomic.Uint64
	addrs       addressMap
	cache       *symbolCache
	exeID       SymIndexID
	files       *fileRegistry

	lineIndexes  *lru.Cache[int, *lineIndex]
	scopeIndexes *lru.Cache[int, *scopeIndex]

	declsOnce    sync.Once
	decls        *swiss.Map[declKey, uint32]
	globalsOnce  sync.Once
	globalIdx    *globalIndex
	contribsOnce sync.Once
	contribIdx   *contribIndex
}

// NewSession creates a session over an already parsed PDB. The session
// takes ownership of p.
func NewSession(p *pdb.PDB, opts ...Option) (*Session, error) {
	return newSession(p, newOptions(opts), "")
}

func newSession(p *pdb.PDB, o options, name string) (*Session, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	s := &Session{
		pdb:     p,
		cfg:     o.cfg,
		logger:  o.logger,
		metrics: newMetrics(o.reg),
		addrs:   newAddressMap(p.Sections()),
		files:   newFileRegistry(),
	}

	var err error
	if s.lineIndexes, err = lru.New[int, *lineIndex](o.cfg.LineTableCacheSize); err != nil {
		return nil, errors.Wrap(err, "failed to create line table cache")
	}
	if s.scopeIndexes, err = lru.New[int, *scopeIndex](o.cfg.ScopeCacheSize); err != nil {
		return nil, errors.Wrap(err, "failed to create scope cache")
	}

	s.cache = newSymbolCache(s, s.metrics, p.TypeCount())
	info := p.Info()
	s.exeID = s.cache.add(&ExeSymbol{
		Name:      name,
		GUID:      info.GUID,
		Age:       info.Age,
		Signature: info.Signature,
		Machine:   info.Machine,
	})

	level.Debug(s.logger).Log("msg", "opened PDB session", "guid", info.GUID, "age", info.Age,
		"modules", p.NumModules(), "types", p.TypeCount(), "sections", len(s.addrs.sections))
	return s, nil
}

// OpenPDB creates a session over an in-memory PDB image. The slice is
// retained and must not be modified afterwards.
func OpenPDB(data []byte, opts ...Option) (*Session, error) {
	p, err := pdb.Parse(data)
	if err != nil {
		return nil, openError("open pdb", "", err)
	}
	return newSession(p, newOptions(opts), "")
}

// OpenFile creates a session over the PDB at path, read through the
// configured filesystem.
func OpenFile(path string, opts ...Option) (*Session, error) {
	o := newOptions(opts)
	p, err := pdb.Open(o.fs, path)
	switch {
	case isContainerError(err):
		return nil, openError("open pdb", path, err)
	case err != nil:
		return nil, &OpenError{Op: "open pdb", Path: path, Kind: ErrNotFound, Err: err}
	}
	return newSession(p, o, pdbStem(path))
}

// pdbStem returns the file name of path without its extension.
func pdbStem(path string) string {
	base := baseName(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Close releases the cached indices and the underlying container.
func (s *Session) Close() error {
	s.lineIndexes.Purge()
	s.scopeIndexes.Purge()
	return s.pdb.Close()
}

// PDB returns the underlying container.
func (s *Session) PDB() *pdb.PDB {
	return s.pdb
}

// GlobalScope returns the exe symbol at the root of the symbol tree.
func (s *Session) GlobalScope() *Symbol {
	return s.cache.get(s.exeID)
}

// SymbolByID returns the symbol registered under id, or nil.
func (s *Session) SymbolByID(id SymIndexID) *Symbol {
	return s.cache.get(id)
}

// NumSymbols returns the number of symbols materialized so far.
func (s *Session) NumSymbols() int {
	return s.cache.len()
}

// FindChildren enumerates the direct children of parent with the given
// tag. SymTagNull selects every kind the parent supports.
func (s *Session) FindChildren(parent *Symbol, tag SymTag) *Enumerator[*Symbol] {
	if parent == nil {
		return emptyEnumerator[*Symbol]()
	}
	switch d := parent.details.(type) {
	case *ExeSymbol:
		return s.exeChildren(tag)
	case *CompilandSymbol:
		return s.scopeChildren(d.Index, noParent, tag)
	case *FunctionSymbol:
		return s.scopeChildren(d.module, d.recordOffset, tag)
	case *BlockSymbol:
		return s.scopeChildren(d.module, d.recordOffset, tag)
	}
	return emptyEnumerator[*Symbol]()
}

func (s *Session) exeChildren(tag SymTag) *Enumerator[*Symbol] {
	switch tag {
	case SymTagNull:
		return concatEnumerators(
			s.exeChildren(SymTagCompiland),
			s.exeChildren(SymTagData),
			s.exeChildren(SymTagPublicSymbol),
			s.exeChildren(SymTagTypedef),
		)
	case SymTagCompiland:
		i, n := 0, s.pdb.NumModules()
		return newEnumerator(func() (*Symbol, bool) {
			if i >= n {
				return nil, false
			}
			i++
			return s.CreateCompilandSymbol(i - 1), true
		})
	case SymTagData:
		return s.globalEnumerator(func(g *globalIndex) []*scopeEntry { return g.data })
	case SymTagPublicSymbol:
		return s.globalEnumerator(func(g *globalIndex) []*scopeEntry { return g.publics })
	case SymTagTypedef:
		return s.globalEnumerator(func(g *globalIndex) []*scopeEntry { return g.typedefs })
	case SymTagFunction:
		parts := make([]*Enumerator[*Symbol], s.pdb.NumModules())
		for i := range parts {
			parts[i] = s.scopeChildren(i, noParent, SymTagFunction)
		}
		return concatEnumerators(parts...)
	case SymTagEnum:
		return s.CreateTypeEnumerator(streams.LF_ENUM)
	case SymTagUDT:
		return s.CreateTypeEnumerator(udtKinds...)
	case SymTagPointerType:
		return s.CreateTypeEnumerator(streams.LF_POINTER)
	case SymTagArrayType:
		return s.CreateTypeEnumerator(streams.LF_ARRAY)
	case SymTagFunctionSig:
		return s.CreateTypeEnumerator(streams.LF_PROCEDURE, streams.LF_MFUNCTION)
	}
	return emptyEnumerator[*Symbol]()
}

func (s *Session) globalEnumerator(pick func(*globalIndex) []*scopeEntry) *Enumerator[*Symbol] {
	var entries []*scopeEntry
	loaded := false
	return newEnumerator(func() (*Symbol, bool) {
		if !loaded {
			entries, loaded = pick(s.globals()), true
		}
		if len(entries) == 0 {
			return nil, false
		}
		e := entries[0]
		entries = entries[1:]
		return s.globalEntrySymbol(e), true
	})
}

// scopeChildren enumerates the records of module whose enclosing scope is
// the record at parent.
func (s *Session) scopeChildren(module int, parent uint32, tag SymTag) *Enumerator[*Symbol] {
	var (
		idx  *scopeIndex
		next int
	)
	return newEnumerator(func() (*Symbol, bool) {
		if idx == nil {
			var err error
			if idx, err = s.scopeIndex(module); err != nil {
				level.Warn(s.logger).Log("msg", "failed to index compiland", "compiland", module, "err", err)
				return nil, false
			}
		}
		for next < len(idx.records) {
			e := idx.records[next]
			next++
			if e.parent == parent && tag.matches(e.details.Tag()) {
				return s.scopeEntrySymbol(module, e), true
			}
		}
		return nil, false
	})
}

// FindCompilandByName returns the first compiland whose module or object
// file name matches pattern.
func (s *Session) FindCompilandByName(pattern string, flags NameSearchFlags) (*Symbol, error) {
	m, err := newNameMatcher(pattern, flags)
	if err != nil {
		return nil, err
	}
	for i := range s.pdb.NumModules() {
		mod, _ := s.pdb.Module(i)
		if m.match(mod.ModuleName) || m.match(mod.ObjFileName) {
			return s.CreateCompilandSymbol(i), nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "compiland %q", pattern)
}
