package pdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/msf"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

// Stream indices
const (
	StreamPDB = 1 // PDB info stream
	StreamTPI = 2 // Type info stream
	StreamDBI = 3 // Debug info stream
	StreamIPI = 4 // ID info stream
)

// Well-known named streams.
const (
	NamesStream     = "/names"
	SrcHeaderStream = "/src/headerblock"
	SrcFilesPrefix  = "/src/files/"
)

var (
	// ErrMalformedContainer is returned when the image is not a structurally
	// valid PDB.
	ErrMalformedContainer = errors.New("malformed PDB container")
	// ErrVersionUnsupported is returned when a stream carries a version this
	// package does not decode.
	ErrVersionUnsupported = errors.New("unsupported PDB version")
)

// PDB is an immutable view of a parsed program database. Container-wide
// tables are decoded when it is created; per-module symbol and line data
// is decoded from the in-memory streams on every call.
type PDB struct {
	msf      *msf.MSF
	pdbInfo  *streams.PDBInfo
	tpi      *streams.TPIStream
	dbi      *streams.DBIStream
	resolver *codeview.TypeResolver
	sections []streams.SectionHeader
	names    *streams.StringTable
	records  []codeview.SymbolRecord // global symbol record stream
	injected []InjectedSource
}

// Open reads a PDB file from fsys into memory and parses it.
func Open(fsys afero.Fs, path string) (*PDB, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDB: %w", err)
	}
	return Parse(data)
}

// Parse parses an in-memory PDB image. The slice is retained and must not
// be modified afterwards.
func Parse(data []byte) (*PDB, error) {
	return NewFile(bytes.NewReader(data))
}

// NewFile parses a PDB backed by r. The reader must stay valid and
// unchanged for the lifetime of the returned PDB.
func NewFile(r io.ReaderAt) (*PDB, error) {
	m, err := msf.New(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContainer, err)
	}

	p := &PDB{msf: m}
	if err := p.load(); err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// classify maps a decode failure onto the container error kinds.
func classify(err error) error {
	if errors.Is(err, streams.ErrUnsupportedVersion) {
		return fmt.Errorf("%w: %w", ErrVersionUnsupported, err)
	}
	return fmt.Errorf("%w: %w", ErrMalformedContainer, err)
}

func (p *PDB) load() error {
	if p.msf.NumStreams() <= StreamDBI {
		return fmt.Errorf("container has %d streams, need at least %d", p.msf.NumStreams(), StreamDBI+1)
	}

	data, err := p.msf.ReadStream(StreamPDB)
	if err != nil {
		return fmt.Errorf("failed to read PDB info stream: %w", err)
	}
	if p.pdbInfo, err = streams.ReadPDBInfo(data); err != nil {
		return fmt.Errorf("failed to parse PDB info stream: %w", err)
	}
	if p.pdbInfo.Version < streams.PDBStreamVersionVC70 {
		return fmt.Errorf("%w: PDB info version %d", streams.ErrUnsupportedVersion, p.pdbInfo.Version)
	}

	// A PDB without types is unusual but valid.
	if data, err = p.msf.ReadStream(StreamTPI); err != nil {
		return fmt.Errorf("failed to read TPI stream: %w", err)
	}
	if len(data) > 0 {
		if p.tpi, err = streams.ReadTPIStream(data); err != nil {
			return fmt.Errorf("failed to parse TPI stream: %w", err)
		}
	}
	p.resolver = codeview.NewTypeResolver(p.tpi)

	if data, err = p.msf.ReadStream(StreamDBI); err != nil {
		return fmt.Errorf("failed to read DBI stream: %w", err)
	}
	if p.dbi, err = streams.ReadDBIStream(data); err != nil {
		return fmt.Errorf("failed to parse DBI stream: %w", err)
	}

	if err := p.loadSections(); err != nil {
		return err
	}

	if idx, ok := p.pdbInfo.NamedStreams[NamesStream]; ok {
		if data, err = p.msf.ReadStream(int(idx)); err != nil {
			return fmt.Errorf("failed to read string table: %w", err)
		}
		if p.names, err = streams.ReadStringTable(data); err != nil {
			return fmt.Errorf("failed to parse string table: %w", err)
		}
	}

	if idx := p.dbi.Header.SymRecordStream; idx != streams.NilStream {
		if data, err = p.msf.ReadStream(int(idx)); err != nil {
			return fmt.Errorf("failed to read symbol record stream: %w", err)
		}
		if p.records, err = codeview.ParseSymbols(data); err != nil {
			return fmt.Errorf("failed to parse symbol record stream: %w", err)
		}
	}

	return p.loadInjectedSources()
}

func (p *PDB) loadSections() error {
	idx, ok := p.debugStreamIndex(streams.DbgHeaderSectionHdr)
	if !ok {
		return nil
	}
	data, err := p.msf.ReadStream(int(idx))
	if err != nil {
		return fmt.Errorf("failed to read section header stream: %w", err)
	}
	if p.sections, err = streams.ReadSectionHeaders(data); err != nil {
		return fmt.Errorf("failed to parse section headers: %w", err)
	}
	return nil
}

func (p *PDB) debugStreamIndex(slot int) (uint16, bool) {
	if slot >= len(p.dbi.DebugStreams) {
		return 0, false
	}
	idx := p.dbi.DebugStreams[slot]
	if idx == streams.NilStream || int(idx) >= p.msf.NumStreams() {
		return 0, false
	}
	return idx, true
}

// Close releases the underlying MSF container.
func (p *PDB) Close() error {
	return p.msf.Close()
}

// Info returns basic PDB file information.
func (p *PDB) Info() *PDBInfo {
	return &PDBInfo{
		GUID:         streams.GUIDToUUID(p.pdbInfo.GUID),
		Age:          p.pdbInfo.Age,
		Signature:    p.pdbInfo.Signature,
		Version:      p.pdbInfo.Version,
		Machine:      streams.MachineTypeName(p.dbi.Header.Machine),
		Streams:      p.msf.NumStreams(),
		NamedStreams: len(p.pdbInfo.NamedStreams),
	}
}

// GUID returns the identifier an executable's debug directory must match.
func (p *PDB) GUID() uuid.UUID {
	return p.pdbInfo.UUID()
}

// Age returns the PDB age. The DBI copy is authoritative.
func (p *PDB) Age() uint32 {
	return p.dbi.Header.Age
}

// Sections returns the image section headers; index i is section i+1.
func (p *PDB) Sections() []streams.SectionHeader {
	return slices.Clone(p.sections)
}

// NumModules returns the number of modules in the DBI stream.
func (p *PDB) NumModules() int {
	return len(p.dbi.Modules)
}

// Module returns the descriptor of module i.
func (p *PDB) Module(i int) (streams.ModuleInfo, bool) {
	if i < 0 || i >= len(p.dbi.Modules) {
		return streams.ModuleInfo{}, false
	}
	return p.dbi.Modules[i], true
}

// ModuleSourceFiles returns the names of the source files module i
// contributes, in file info order.
func (p *PDB) ModuleSourceFiles(i int) []string {
	if i < 0 || i >= len(p.dbi.FileInfo) {
		return nil
	}
	return slices.Clone(p.dbi.FileInfo[i])
}

// SectionContribs returns the DBI section contribution table.
func (p *PDB) SectionContribs() []streams.SectionContrib {
	return slices.Clone(p.dbi.SectionContribs)
}

// SectionMap returns the DBI section map.
func (p *PDB) SectionMap() []streams.SectionMapEntry {
	return slices.Clone(p.dbi.SectionMap)
}

// ModuleSymbols decodes the symbol records of module i. Record offsets are
// relative to the start of the module stream, as scope pointers are.
func (p *PDB) ModuleSymbols(i int) ([]codeview.SymbolRecord, error) {
	data, mod, err := p.moduleStream(i)
	if err != nil || data == nil {
		return nil, err
	}
	if uint64(mod.SymByteSize) > uint64(len(data)) {
		return nil, fmt.Errorf("module %d declares %d symbol bytes, stream has %d", i, mod.SymByteSize, len(data))
	}
	syms, err := codeview.ParseSymbols(data[:mod.SymByteSize])
	if err != nil {
		return nil, fmt.Errorf("failed to parse symbols of module %d: %w", i, err)
	}
	return syms, nil
}

// ModuleLines decodes the C13 line information of module i.
func (p *PDB) ModuleLines(i int) (*streams.ModuleLines, error) {
	data, mod, err := p.moduleStream(i)
	if err != nil {
		return nil, err
	}
	start := uint64(mod.SymByteSize) + uint64(mod.C11ByteSize)
	end := start + uint64(mod.C13ByteSize)
	if data == nil || mod.C13ByteSize == 0 {
		return &streams.ModuleLines{}, nil
	}
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("module %d line data [%d, %d) exceeds stream of %d bytes", i, start, end, len(data))
	}
	lines, err := streams.ParseC13Lines(data[start:end])
	if err != nil {
		return nil, fmt.Errorf("failed to parse lines of module %d: %w", i, err)
	}
	return lines, nil
}

func (p *PDB) moduleStream(i int) ([]byte, streams.ModuleInfo, error) {
	mod, ok := p.Module(i)
	if !ok {
		return nil, mod, fmt.Errorf("module index %d out of range", i)
	}
	if mod.ModuleSymStream == streams.NilStream {
		return nil, mod, nil
	}
	data, err := p.msf.ReadStream(int(mod.ModuleSymStream))
	if err != nil {
		return nil, mod, fmt.Errorf("failed to read stream of module %d: %w", i, err)
	}
	return data, mod, nil
}

// GlobalSymbols yields the non-public records of the global symbol stream.
func (p *PDB) GlobalSymbols() iter.Seq[codeview.SymbolRecord] {
	return func(yield func(codeview.SymbolRecord) bool) {
		for _, rec := range p.records {
			if rec.Kind != codeview.S_PUB32 && !yield(rec) {
				return
			}
		}
	}
}

// PublicSymbols yields the S_PUB32 records of the global symbol stream.
func (p *PDB) PublicSymbols() iter.Seq[codeview.SymbolRecord] {
	return func(yield func(codeview.SymbolRecord) bool) {
		for _, rec := range p.records {
			if rec.Kind == codeview.S_PUB32 && !yield(rec) {
				return
			}
		}
	}
}

// NumGlobalRecords returns the number of records in the global symbol stream.
func (p *PDB) NumGlobalRecords() int {
	return len(p.records)
}

// Types returns the resolver over the TPI stream.
func (p *PDB) Types() *codeview.TypeResolver {
	return p.resolver
}

// TypeIndexRange returns the half-open range of type indices in the TPI stream.
func (p *PDB) TypeIndexRange() (begin, end uint32) {
	if p.tpi == nil {
		return streams.TypeIndexBegin, streams.TypeIndexBegin
	}
	return p.tpi.Header.TypeIndexBegin, p.tpi.Header.TypeIndexEnd
}

// TypeCount returns the number of types in the TPI stream.
func (p *PDB) TypeCount() int {
	if p.tpi == nil {
		return 0
	}
	return p.tpi.NumTypes()
}

// String returns the /names entry at offset.
func (p *PDB) String(offset uint32) (string, error) {
	return p.names.String(offset)
}

// NamedStream returns the contents of a stream from the named stream map.
func (p *PDB) NamedStream(name string) ([]byte, error) {
	idx, ok := p.pdbInfo.NamedStreams[name]
	if !ok {
		return nil, fmt.Errorf("no named stream %q", name)
	}
	return p.msf.ReadStream(int(idx))
}

// DebugStream returns the contents of an optional debug header stream,
// identified by its streams.DbgHeader* slot.
func (p *PDB) DebugStream(slot int) ([]byte, bool) {
	idx, ok := p.debugStreamIndex(slot)
	if !ok {
		return nil, false
	}
	data, err := p.msf.ReadStream(int(idx))
	if err != nil {
		return nil, false
	}
	return data, true
}

// InjectedSource is a source file embedded in the PDB.
type InjectedSource struct {
	streams.InjectedSourceEntry
	FileName    string
	ObjectName  string
	VirtualName string
}

func (p *PDB) loadInjectedSources() error {
	data, err := p.NamedStream(SrcHeaderStream)
	if err != nil {
		return nil
	}
	entries, err := streams.ReadInjectedSources(data)
	if err != nil {
		return fmt.Errorf("failed to parse injected sources: %w", err)
	}

	for _, e := range entries {
		src := InjectedSource{InjectedSourceEntry: e}
		if src.FileName, err = p.String(e.FileNI); err != nil {
			return fmt.Errorf("injected source file name: %w", err)
		}
		if src.ObjectName, err = p.String(e.ObjNI); err != nil {
			return fmt.Errorf("injected source object name: %w", err)
		}
		if src.VirtualName, err = p.String(e.VFileNI); err != nil {
			return fmt.Errorf("injected source virtual name: %w", err)
		}
		p.injected = append(p.injected, src)
	}
	return nil
}

// InjectedSources returns the sources listed in /src/headerblock.
func (p *PDB) InjectedSources() []InjectedSource {
	return slices.Clone(p.injected)
}

// InjectedSourceContent returns the stored (possibly compressed) bytes of
// an injected source.
func (p *PDB) InjectedSourceContent(src InjectedSource) ([]byte, error) {
	return p.NamedStream(SrcFilesPrefix + strings.ToLower(src.VirtualName))
}
