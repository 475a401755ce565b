package native

import (
	"strings"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/go-kit/log/level"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// NameSearchFlags select how names are compared in Find* queries.
type NameSearchFlags uint32

const (
	NameSearchNone            NameSearchFlags = 0x00 // exact, case-sensitive
	NameSearchCaseSensitive   NameSearchFlags = 0x01
	NameSearchCaseInsensitive NameSearchFlags = 0x02
	NameSearchFileNameExt     NameSearchFlags = 0x04 // compare only the last path element
	NameSearchRegex           NameSearchFlags = 0x08 // '*' and '?' wildcards
	NameSearchUndecoratedName NameSearchFlags = 0x10 // match publics by undecorated name
)

type nameMatcher struct {
	pattern  string
	fold     bool
	baseName bool
	g        glob.Glob
}

// newNameMatcher compiles pattern. An empty pattern matches every name.
func newNameMatcher(pattern string, flags NameSearchFlags) (*nameMatcher, error) {
	m := &nameMatcher{
		pattern:  pattern,
		fold:     flags&NameSearchCaseInsensitive != 0,
		baseName: flags&NameSearchFileNameExt != 0,
	}
	if m.baseName {
		m.pattern = baseName(m.pattern)
	}
	if m.fold {
		m.pattern = strings.ToLower(m.pattern)
	}
	if flags&NameSearchRegex != 0 && m.pattern != "" {
		g, err := glob.Compile(wildcardPattern(m.pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
		}
		m.g = g
	}
	return m, nil
}

// wildcardPattern quotes everything in p except '*' and '?'.
func wildcardPattern(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r == '*' || r == '?' {
			b.WriteRune(r)
			continue
		}
		b.WriteString(glob.QuoteMeta(string(r)))
	}
	return b.String()
}

func (m *nameMatcher) match(name string) bool {
	if m.pattern == "" {
		return true
	}
	if m.baseName {
		name = baseName(name)
	}
	if m.fold {
		name = strings.ToLower(name)
	}
	if m.g != nil {
		return m.g.Match(name)
	}
	return name == m.pattern
}

// baseName returns the last element of a Windows or POSIX path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// SourceFile is a source file referenced by the debug information. IDs are
// dense, start at 1 and are stable for the lifetime of the session.
type SourceFile struct {
	ID           uint32
	FileName     string
	ChecksumKind uint8 // one of the streams.Checksum* values
	Checksum     []byte
}

type fileRegistry struct {
	mu     sync.RWMutex
	byName *swiss.Map[string, uint32]
	files  []SourceFile // files[id-1]
}

func newFileRegistry() *fileRegistry {
	return &fileRegistry{byName: swiss.NewMap[string, uint32](64)}
}

// intern returns the identifier of name, registering it on first use. A
// checksum is recorded the first time one is supplied.
func (r *fileRegistry) intern(name string, sum *streams.FileChecksum) uint32 {
	r.mu.RLock()
	id, ok := r.byName.Get(name)
	known := ok && (sum == nil || r.files[id-1].ChecksumKind != streams.ChecksumNone)
	r.mu.RUnlock()
	if known {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok = r.byName.Get(name)
	if !ok {
		r.files = append(r.files, SourceFile{ID: uint32(len(r.files) + 1), FileName: name})
		id = uint32(len(r.files))
		r.byName.Put(name, id)
	}
	if f := &r.files[id-1]; sum != nil && f.ChecksumKind == streams.ChecksumNone {
		f.ChecksumKind = sum.Kind
		f.Checksum = sum.Checksum
	}
	return id
}

func (r *fileRegistry) get(id uint32) (SourceFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.files) {
		return SourceFile{}, false
	}
	return r.files[id-1], true
}

// SourceFileByID returns the source file registered under id.
func (s *Session) SourceFileByID(id uint32) (SourceFile, bool) {
	return s.files.get(id)
}

// compilandFiles returns the identifiers of the files module i contributes,
// in file info order. Files that only appear in the line data follow.
func (s *Session) compilandFiles(module int) []uint32 {
	idx, err := s.lineIndex(module)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to load line data", "compiland", module, "err", err)
	}
	ids := lo.Map(s.pdb.ModuleSourceFiles(module), func(name string, _ int) uint32 {
		return s.files.intern(name, nil)
	})
	if idx != nil {
		ids = append(ids, idx.files...)
	}
	return lo.Uniq(ids)
}

// compilandIndex returns the module index of a compiland symbol.
func compilandIndex(c *Symbol) (int, bool) {
	if c == nil {
		return 0, false
	}
	d, ok := c.details.(*CompilandSymbol)
	if !ok {
		return 0, false
	}
	return d.Index, true
}

// SourceFilesForCompiland enumerates the files a compiland contributes.
func (s *Session) SourceFilesForCompiland(compiland *Symbol) *Enumerator[SourceFile] {
	module, ok := compilandIndex(compiland)
	if !ok {
		return emptyEnumerator[SourceFile]()
	}
	return lazyEnumerator(func() []SourceFile {
		return s.filesByID(s.compilandFiles(module))
	})
}

// AllSourceFiles enumerates every distinct source file, in module order.
func (s *Session) AllSourceFiles() *Enumerator[SourceFile] {
	files, _ := s.FindSourceFiles(nil, "", NameSearchNone)
	return files
}

// FindSourceFiles enumerates the distinct files whose name matches pattern.
// With a nil compiland every module is searched, in module order.
func (s *Session) FindSourceFiles(compiland *Symbol, pattern string, flags NameSearchFlags) (*Enumerator[SourceFile], error) {
	m, err := newNameMatcher(pattern, flags)
	if err != nil {
		return nil, err
	}
	modules, ok := s.searchModules(compiland)
	if !ok {
		return emptyEnumerator[SourceFile](), nil
	}

	var (
		pending []uint32
		seen    = make(map[uint32]struct{})
	)
	return newEnumerator(func() (SourceFile, bool) {
		for {
			for len(pending) > 0 {
				id := pending[0]
				pending = pending[1:]
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if f, ok := s.files.get(id); ok && m.match(f.FileName) {
					return f, true
				}
			}
			if len(modules) == 0 {
				return SourceFile{}, false
			}
			pending = s.compilandFiles(modules[0])
			modules = modules[1:]
		}
	}), nil
}

// FindOneSourceFile returns the first file FindSourceFiles would yield.
func (s *Session) FindOneSourceFile(compiland *Symbol, pattern string, flags NameSearchFlags) (SourceFile, error) {
	files, err := s.FindSourceFiles(compiland, pattern, flags)
	if err != nil {
		return SourceFile{}, err
	}
	f, ok := files.Next()
	if !ok {
		return SourceFile{}, errors.Wrapf(ErrNotFound, "source file %q", pattern)
	}
	return f, nil
}

// FindCompilandsForSourceFile enumerates, in module order, the compilands
// that contribute a file matching pattern.
func (s *Session) FindCompilandsForSourceFile(pattern string, flags NameSearchFlags) (*Enumerator[*Symbol], error) {
	m, err := newNameMatcher(pattern, flags)
	if err != nil {
		return nil, err
	}
	module, n := 0, s.pdb.NumModules()
	return newEnumerator(func() (*Symbol, bool) {
		for module < n {
			cur := module
			module++
			for _, id := range s.compilandFiles(cur) {
				if f, ok := s.files.get(id); ok && m.match(f.FileName) {
					return s.CreateCompilandSymbol(cur), true
				}
			}
		}
		return nil, false
	}), nil
}

// FindOneCompilandForSourceFile returns the first compiland
// FindCompilandsForSourceFile would yield.
func (s *Session) FindOneCompilandForSourceFile(pattern string, flags NameSearchFlags) (*Symbol, error) {
	compilands, err := s.FindCompilandsForSourceFile(pattern, flags)
	if err != nil {
		return nil, err
	}
	c, ok := compilands.Next()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "compiland for source file %q", pattern)
	}
	return c, nil
}

func (s *Session) searchModules(compiland *Symbol) ([]int, bool) {
	if compiland == nil {
		return lo.Range(s.pdb.NumModules()), true
	}
	module, ok := compilandIndex(compiland)
	if !ok {
		return nil, false
	}
	return []int{module}, true
}

func (s *Session) filesByID(ids []uint32) []SourceFile {
	out := make([]SourceFile, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.files.get(id); ok {
			out = append(out, f)
		}
	}
	return out
}
