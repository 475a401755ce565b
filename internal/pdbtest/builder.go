// Package pdbtest writes PDB images for tests. The images are laid out the
// way the MSVC toolchain lays them out, so they go through the same open
// path as files produced by a linker.
package pdbtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/jtang613/nativepdb/pkg/pdb/codeview"
	"github.com/jtang613/nativepdb/pkg/pdb/msf"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

const blockSize = 512

// Named streams. These mirror the pdb package constants, which cannot be
// imported here without a cycle in that package's tests.
const (
	namesStream     = "/names"
	srcHeaderStream = "/src/headerblock"
	srcFilesPrefix  = "/src/files/"
)

// Section is an image section. Sections are numbered from 1 in the order
// they are added.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
}

// Contrib attributes a range of a section to a module.
type Contrib struct {
	Section uint16
	Offset  uint32
	Size    uint32
	Module  uint16
}

// Line is one row of a line block. Offset is relative to the line
// section's start.
type Line struct {
	Offset    uint32
	Line      uint32
	LineEnd   uint32 // zero for a single line
	Column    uint16
	ColumnEnd uint16
	Statement bool
}

// LineBlock holds the rows of one source file.
type LineBlock struct {
	File  string
	Lines []Line
}

// LineSection is a DEBUG_S_LINES subsection.
type LineSection struct {
	Section  uint16
	Offset   uint32
	CodeSize uint32
	Columns  bool
	Blocks   []LineBlock
}

// Module is one compiland.
type Module struct {
	Name      string
	ObjFile   string
	Symbols   [][]byte          // records built with Proc, Block, Data, End, ...
	Files     []string          // file info substream names
	Lines     []LineSection     // C13 line data
	Checksums map[string][]byte // MD5 of line data files; files without one get none
	NoStream  bool              // module has no symbol stream
}

// InjectedSource is a source file embedded in /src/files.
type InjectedSource struct {
	FileName    string
	ObjectName  string
	VirtualName string
	Content     []byte
	Compression uint8
	Virtual     bool
}

// Builder assembles a PDB image. The zero value is not usable; call New.
type Builder struct {
	Version   uint32 // PDB info stream version
	GUID      [16]byte
	Age       uint32
	Signature uint32
	Machine   uint16

	Sections     []Section
	Types        [][]byte // type records; the first has index 0x1000
	Modules      []*Module
	Contribs     []Contrib
	Globals      [][]byte // global symbol record stream
	Injected     []InjectedSource
	DebugStreams map[int][]byte // optional debug header streams by slot
}

// New returns a builder for an empty x64 PDB.
func New() *Builder {
	return &Builder{
		Version:      streams.PDBStreamVersionVC70,
		Age:          1,
		Signature:    0x5f3b2a10,
		Machine:      streams.MachineAMD64,
		DebugStreams: map[int][]byte{},
	}
}

// AddSection appends a section and returns its 1-based index.
func (b *Builder) AddSection(name string, va, size uint32) uint16 {
	b.Sections = append(b.Sections, Section{Name: name, VirtualAddress: va, VirtualSize: size})
	return uint16(len(b.Sections))
}

// AddType appends a type record and returns its type index.
func (b *Builder) AddType(rec []byte) uint32 {
	b.Types = append(b.Types, rec)
	return streams.TypeIndexBegin + uint32(len(b.Types)-1)
}

// AddModule appends a module and returns its index.
func (b *Builder) AddModule(m *Module) uint16 {
	b.Modules = append(b.Modules, m)
	return uint16(len(b.Modules) - 1)
}

// AddContrib appends a section contribution.
func (b *Builder) AddContrib(c Contrib) {
	b.Contribs = append(b.Contribs, c)
}

// AddGlobal appends a record to the global symbol record stream.
func (b *Builder) AddGlobal(rec []byte) {
	b.Globals = append(b.Globals, rec)
}

// AddInjectedSource embeds a source file.
func (b *Builder) AddInjectedSource(src InjectedSource) {
	b.Injected = append(b.Injected, src)
}

type namedStream struct {
	name  string
	index int
}

// Build serializes the PDB.
func (b *Builder) Build() []byte {
	names := newNameTable()

	// 0: old directory, 1: PDB info, 2: TPI, 3: DBI, 4: IPI
	list := make([][]byte, 5)
	add := func(data []byte) int {
		list = append(list, data)
		return len(list) - 1
	}

	dbg := make([]uint16, streams.DbgHeaderMax)
	for i := range dbg {
		dbg[i] = streams.NilStream
	}
	for slot := 0; slot < streams.DbgHeaderMax; slot++ {
		if data, ok := b.DebugStreams[slot]; ok {
			dbg[slot] = uint16(add(data))
		}
	}
	dbg[streams.DbgHeaderSectionHdr] = uint16(add(b.sectionHeaders()))

	globals := add(concat(b.Globals))

	modStreams := make([]uint16, len(b.Modules))
	modSizes := make([][2]uint32, len(b.Modules))
	for i, m := range b.Modules {
		if m.NoStream {
			modStreams[i] = streams.NilStream
			continue
		}
		data, symBytes, c13 := moduleStream(m, names)
		modStreams[i] = uint16(add(data))
		modSizes[i] = [2]uint32{symBytes, c13}
	}

	var named []namedStream
	if len(b.Injected) > 0 {
		header, contents := b.injectedSources(names)
		named = append(named, namedStream{srcHeaderStream, add(header)})
		for i, src := range b.Injected {
			named = append(named, namedStream{srcFilesPrefix + strings.ToLower(src.VirtualName), add(contents[i])})
		}
	}
	named = append(named, namedStream{namesStream, add(names.bytes())})

	list[1] = b.pdbInfo(named)
	list[2] = b.tpi()
	list[3] = b.dbi(globals, dbg, modStreams, modSizes)
	return writeMSF(list)
}

func (b *Builder) sectionHeaders() []byte {
	var w buffer
	for _, s := range b.Sections {
		h := pe.SectionHeader32{
			VirtualSize:     s.VirtualSize,
			VirtualAddress:  s.VirtualAddress,
			SizeOfRawData:   s.VirtualSize,
			Characteristics: pe.IMAGE_SCN_MEM_READ,
		}
		copy(h.Name[:], s.Name)
		w.put(h)
	}
	return w.Bytes()
}

func (b *Builder) pdbInfo(named []namedStream) []byte {
	var w buffer
	w.put(streams.PDBInfoHeader{Version: b.Version, Signature: b.Signature, Age: b.Age, GUID: b.GUID})

	var strs buffer
	keys := make([]uint32, len(named))
	for i, n := range named {
		keys[i] = uint32(strs.Len())
		strs.str(n.name)
	}
	w.u32(uint32(strs.Len()))
	w.Write(strs.Bytes())

	values := make([][]byte, len(named))
	for i, n := range named {
		values[i] = binary.LittleEndian.AppendUint32(nil, uint32(n.index))
	}
	w.hashTable(keys, values)
	w.u32(streams.PDBStreamVersionVC140) // feature signature
	return w.Bytes()
}

func (b *Builder) tpi() []byte {
	records := concat(b.Types)
	var w buffer
	w.put(streams.TPIHeader{
		Version:            streams.TPIStreamVersionV80,
		HeaderSize:         56,
		TypeIndexBegin:     streams.TypeIndexBegin,
		TypeIndexEnd:       streams.TypeIndexBegin + uint32(len(b.Types)),
		TypeRecordBytes:    uint32(len(records)),
		HashStreamIndex:    streams.NilStream,
		HashAuxStreamIndex: streams.NilStream,
		HashKeySize:        4,
	})
	w.Write(records)
	return w.Bytes()
}

func (b *Builder) dbi(globals int, dbg, modStreams []uint16, modSizes [][2]uint32) []byte {
	var mods buffer
	for i, m := range b.Modules {
		var sc streams.SectionContrib
		for _, c := range b.Contribs {
			if int(c.Module) == i {
				sc = contrib(c)
				break
			}
		}
		mods.u32(0)
		mods.put(sc)
		mods.u16(0)
		mods.u16(modStreams[i])
		mods.u32(modSizes[i][0])
		mods.u32(0)
		mods.u32(modSizes[i][1])
		mods.u16(uint16(len(m.Files)))
		mods.u16(0)
		mods.u32(0)
		mods.u32(0)
		mods.u32(0)
		mods.str(m.Name)
		mods.str(m.ObjFile)
		mods.align(4)
	}

	var contribs buffer
	if len(b.Contribs) > 0 {
		contribs.u32(streams.SectionContribVer60)
		for _, c := range b.Contribs {
			contribs.put(contrib(c))
		}
	}

	var secMap buffer
	secMap.u16(uint16(len(b.Sections)))
	secMap.u16(uint16(len(b.Sections)))
	for i, s := range b.Sections {
		secMap.put(streams.SectionMapEntry{
			Flags:         0x10d,
			Frame:         uint16(i + 1),
			SecName:       0xFFFF,
			ClassName:     0xFFFF,
			SecByteLength: s.VirtualSize,
		})
	}

	var files buffer
	if len(b.Modules) > 0 {
		total := 0
		for _, m := range b.Modules {
			total += len(m.Files)
		}
		files.u16(uint16(len(b.Modules)))
		files.u16(uint16(total))
		start := 0
		for _, m := range b.Modules {
			files.u16(uint16(start))
			start += len(m.Files)
		}
		for _, m := range b.Modules {
			files.u16(uint16(len(m.Files)))
		}
		var buf buffer
		for _, m := range b.Modules {
			for _, f := range m.Files {
				files.u32(uint32(buf.Len()))
				buf.str(f)
			}
		}
		files.Write(buf.Bytes())
		files.align(4)
	}

	var opt buffer
	for _, idx := range dbg {
		opt.u16(idx)
	}

	var w buffer
	w.put(streams.DBIHeader{
		VersionSignature:        -1,
		VersionHeader:           streams.DBIStreamVersionV70,
		Age:                     b.Age,
		GlobalStreamIndex:       streams.NilStream,
		BuildNumber:             0x8e00,
		PublicStreamIndex:       streams.NilStream,
		SymRecordStream:         uint16(globals),
		ModInfoSize:             int32(mods.Len()),
		SectionContributionSize: int32(contribs.Len()),
		SectionMapSize:          int32(secMap.Len()),
		SourceInfoSize:          int32(files.Len()),
		OptionalDbgHeaderSize:   int32(opt.Len()),
		Machine:                 b.Machine,
	})
	w.Write(mods.Bytes())
	w.Write(contribs.Bytes())
	w.Write(secMap.Bytes())
	w.Write(files.Bytes())
	w.Write(opt.Bytes())
	return w.Bytes()
}

func contrib(c Contrib) streams.SectionContrib {
	return streams.SectionContrib{
		Section:         c.Section,
		Offset:          int32(c.Offset),
		Size:            int32(c.Size),
		Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
		ModuleIndex:     c.Module,
	}
}

func (b *Builder) injectedSources(names *nameTable) ([]byte, [][]byte) {
	keys := make([]uint32, len(b.Injected))
	values := make([][]byte, len(b.Injected))
	contents := make([][]byte, len(b.Injected))
	for i, src := range b.Injected {
		e := streams.InjectedSourceEntry{
			Size:        40,
			Version:     streams.SrcHeaderBlockVersion,
			CRC:         crc32.ChecksumIEEE(src.Content),
			FileSize:    uint32(len(src.Content)),
			FileNI:      names.add(src.FileName),
			ObjNI:       names.add(src.ObjectName),
			VFileNI:     names.add(src.VirtualName),
			Compression: src.Compression,
		}
		if src.Virtual {
			e.IsVirtual = 1
		}
		var v buffer
		v.put(e)
		keys[i], values[i], contents[i] = e.VFileNI, v.Bytes(), src.Content
	}

	var table buffer
	table.hashTable(keys, values)
	var w buffer
	w.put(streams.SrcHeaderBlockHeader{
		Version: streams.SrcHeaderBlockVersion,
		Size:    uint32(64 + table.Len()),
		Age:     b.Age,
	})
	w.Write(table.Bytes())
	return w.Bytes(), contents
}

// moduleStream returns the module stream and the sizes of its symbol and
// C13 parts.
func moduleStream(m *Module, names *nameTable) ([]byte, uint32, uint32) {
	var w buffer
	w.u32(codeview.SymbolSignatureC13)
	for _, rec := range m.Symbols {
		w.Write(rec)
	}
	symBytes := uint32(w.Len())

	var c13 buffer
	if len(m.Lines) > 0 {
		var sums buffer
		offsets := map[string]uint32{}
		for _, sec := range m.Lines {
			for _, blk := range sec.Blocks {
				if _, ok := offsets[blk.File]; ok {
					continue
				}
				offsets[blk.File] = uint32(sums.Len())
				sum := m.Checksums[blk.File]
				sums.u32(names.add(blk.File))
				sums.u8(uint8(len(sum)))
				if len(sum) > 0 {
					sums.u8(streams.ChecksumMD5)
				} else {
					sums.u8(streams.ChecksumNone)
				}
				sums.Write(sum)
				sums.align(4)
			}
		}
		c13.subsection(streams.DebugSubsectionFileChecksums, sums.Bytes())

		for _, sec := range m.Lines {
			var body buffer
			body.u32(sec.Offset)
			body.u16(sec.Section)
			if sec.Columns {
				body.u16(1)
			} else {
				body.u16(0)
			}
			body.u32(sec.CodeSize)
			for _, blk := range sec.Blocks {
				n := uint32(len(blk.Lines))
				size := 12 + 8*n
				if sec.Columns {
					size += 4 * n
				}
				body.u32(offsets[blk.File])
				body.u32(n)
				body.u32(size)
				for _, l := range blk.Lines {
					flags := l.Line & 0x00FFFFFF
					if l.LineEnd > l.Line {
						flags |= ((l.LineEnd - l.Line) & 0x7F) << 24
					}
					if l.Statement {
						flags |= 0x80000000
					}
					body.u32(l.Offset)
					body.u32(flags)
				}
				if sec.Columns {
					for _, l := range blk.Lines {
						body.u16(l.Column)
						body.u16(l.ColumnEnd)
					}
				}
			}
			c13.subsection(streams.DebugSubsectionLines, body.Bytes())
		}
	}
	w.Write(c13.Bytes())
	return w.Bytes(), symBytes, uint32(c13.Len())
}

// writeMSF lays the streams out in 512-byte blocks after the superblock and
// the two free page map blocks, followed by the directory and its block map.
func writeMSF(list [][]byte) []byte {
	next := uint32(3)
	alloc := func(size int) []uint32 {
		var blocks []uint32
		for n := (size + blockSize - 1) / blockSize; n > 0; n-- {
			blocks = append(blocks, next)
			next++
		}
		return blocks
	}

	blocks := make([][]uint32, len(list))
	for i, s := range list {
		blocks[i] = alloc(len(s))
	}

	var dir buffer
	dir.u32(uint32(len(list)))
	for _, s := range list {
		dir.u32(uint32(len(s)))
	}
	for _, bl := range blocks {
		for _, blk := range bl {
			dir.u32(blk)
		}
	}
	dirBlocks := alloc(dir.Len())
	blockMap := next
	next++

	image := make([]byte, int(next)*blockSize)
	place := func(data []byte, bl []uint32) {
		for i, blk := range bl {
			chunk := data[i*blockSize : min(len(data), (i+1)*blockSize)]
			copy(image[int(blk)*blockSize:], chunk)
		}
	}
	for i, s := range list {
		place(s, blocks[i])
	}
	place(dir.Bytes(), dirBlocks)
	for i, blk := range dirBlocks {
		binary.LittleEndian.PutUint32(image[int(blockMap)*blockSize+4*i:], blk)
	}

	sb := msf.SuperBlock{
		BlockSize:         blockSize,
		FreeBlockMapBlock: 1,
		NumBlocks:         next,
		NumDirectoryBytes: uint32(dir.Len()),
		BlockMapAddr:      blockMap,
	}
	copy(sb.Magic[:], msf.MSFMagic)
	var w buffer
	w.put(sb)
	copy(image, w.Bytes())
	return image
}

func concat(recs [][]byte) []byte {
	var w buffer
	for _, r := range recs {
		w.Write(r)
	}
	return w.Bytes()
}

// nameTable is the /names stream under construction. Offset 0 holds the
// empty string.
type nameTable struct {
	buf     buffer
	offsets map[string]uint32
}

func newNameTable() *nameTable {
	t := &nameTable{offsets: map[string]uint32{"": 0}}
	t.buf.u8(0)
	return t
}

func (t *nameTable) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.str(s)
	t.offsets[s] = off
	return off
}

func (t *nameTable) bytes() []byte {
	var w buffer
	w.u32(streams.StringTableSignature)
	w.u32(1)
	w.u32(uint32(t.buf.Len()))
	w.Write(t.buf.Bytes())
	w.u32(1) // bucket count
	w.u32(0)
	w.u32(uint32(len(t.offsets) - 1))
	return w.Bytes()
}

type buffer struct {
	bytes.Buffer
}

func (w *buffer) u8(v uint8)   { w.WriteByte(v) }
func (w *buffer) u16(v uint16) { w.Write(binary.LittleEndian.AppendUint16(nil, v)) }
func (w *buffer) u32(v uint32) { w.Write(binary.LittleEndian.AppendUint32(nil, v)) }

func (w *buffer) str(s string) {
	w.WriteString(s)
	w.WriteByte(0)
}

func (w *buffer) align(n int) {
	for w.Len()%n != 0 {
		w.WriteByte(0)
	}
}

// put writes a fixed-size struct.
func (w *buffer) put(v any) {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

// hashTable writes the serialized hash table shared by the named stream map
// and the injected source header: every bucket is present.
func (w *buffer) hashTable(keys []uint32, values [][]byte) {
	n := uint32(len(keys))
	w.u32(n)
	w.u32(n)
	words := (n + 31) / 32
	w.u32(words)
	for i := uint32(0); i < words; i++ {
		var word uint32
		for bit := uint32(0); bit < 32 && i*32+bit < n; bit++ {
			word |= 1 << bit
		}
		w.u32(word)
	}
	w.u32(0) // deleted bit vector
	for i := range keys {
		w.u32(keys[i])
		w.Write(values[i])
	}
}

func (w *buffer) subsection(kind uint32, body []byte) {
	w.u32(kind)
	w.u32(uint32(len(body)))
	w.Write(body)
	w.align(4)
}
