package native

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

const (
	debugDirectoryEntrySize = 28
	debugTypeCodeView       = 2
	rsdsSignature           = "RSDS"

	// Upper bounds on sizes read from the PE image before allocating.
	maxDebugDirectorySize = 64 * debugDirectoryEntrySize
	maxCodeViewRecordSize = 24 + 4096
)

// CodeViewInfo is the RSDS record of an executable's debug directory.
type CodeViewInfo struct {
	GUID    uuid.UUID
	Age     uint32
	PDBPath string
}

// ReadCodeViewInfo extracts the RSDS record from a PE image.
func ReadCodeViewInfo(r io.ReaderAt) (*CodeViewInfo, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PE image")
	}
	defer f.Close()

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
		}
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
		}
	default:
		return nil, errors.New("PE image has no optional header")
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, errors.New("PE image has no debug directory")
	}

	if dir.Size > maxDebugDirectorySize {
		return nil, errors.Errorf("debug directory of %d bytes is too large", dir.Size)
	}
	raw, err := readRVA(f, dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read debug directory")
	}
	for off := 0; off+debugDirectoryEntrySize <= len(raw); off += debugDirectoryEntrySize {
		entry := raw[off : off+debugDirectoryEntrySize]
		if binary.LittleEndian.Uint32(entry[12:]) != debugTypeCodeView {
			continue
		}
		size := binary.LittleEndian.Uint32(entry[16:])
		ptr := binary.LittleEndian.Uint32(entry[24:])
		if size > maxCodeViewRecordSize {
			return nil, errors.Errorf("CodeView record of %d bytes is too large", size)
		}
		data := make([]byte, size)
		if _, err := r.ReadAt(data, int64(ptr)); err != nil {
			return nil, errors.Wrap(err, "failed to read CodeView record")
		}
		return parseRSDS(data)
	}
	return nil, errors.New("PE image has no CodeView debug entry")
}

func readRVA(f *pe.File, rva, size uint32) ([]byte, error) {
	for _, s := range f.Sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || uint64(rva)+uint64(size) > uint64(s.VirtualAddress)+uint64(extent) {
			continue
		}
		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(rva-s.VirtualAddress)); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, errors.Errorf("RVA 0x%x is not in any section", rva)
}

func parseRSDS(data []byte) (*CodeViewInfo, error) {
	if len(data) < 24 || string(data[:4]) != rsdsSignature {
		return nil, errors.New("CodeView record is not RSDS")
	}
	var g [16]byte
	copy(g[:], data[4:20])
	path := data[24:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	return &CodeViewInfo{
		GUID:    streams.GUIDToUUID(g),
		Age:     binary.LittleEndian.Uint32(data[20:]),
		PDBPath: string(path),
	}, nil
}

// companionCandidates lists where the PDB of exePath may live: the path
// embedded in the image, next to the image, then each search path.
func companionCandidates(exePath, embedded string, searchPaths []string) []string {
	name := baseName(embedded)
	candidates := []string{embedded, filepath.Join(filepath.Dir(exePath), name)}
	for _, dir := range searchPaths {
		candidates = append(candidates, filepath.Join(dir, name))
	}

	out := candidates[:0]
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c]; dup || c == "" {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// OpenExecutable locates the PDB of the PE image at exePath and creates a
// session over it.
func OpenExecutable(exePath string, opts ...Option) (*Session, error) {
	o := newOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	f, err := o.fs.Open(exePath)
	if err != nil {
		return nil, &OpenError{Op: "open executable", Path: exePath, Kind: ErrCompanionNotFound, Err: err}
	}
	defer f.Close()
	cv, err := ReadCodeViewInfo(f)
	if err != nil {
		return nil, &OpenError{Op: "open executable", Path: exePath, Kind: ErrCompanionNotFound, Err: err}
	}

	var merr *multierror.Error
	for _, candidate := range companionCandidates(exePath, cv.PDBPath, o.cfg.SearchPaths) {
		p, err := pdb.Open(o.fs, candidate)
		switch {
		case isContainerError(err):
			return nil, openError("open executable", candidate, err)
		case err != nil:
			merr = multierror.Append(merr, errors.Wrapf(err, "candidate %s", candidate))
			continue
		}
		if o.cfg.VerifySignature && (p.GUID() != cv.GUID || p.Age() != cv.Age) {
			level.Debug(o.logger).Log("msg", "companion PDB signature mismatch", "path", candidate,
				"want_guid", cv.GUID, "want_age", cv.Age, "guid", p.GUID(), "age", p.Age())
			merr = multierror.Append(merr, errors.Errorf("candidate %s: signature %s/%d does not match %s/%d",
				candidate, p.GUID(), p.Age(), cv.GUID, cv.Age))
			_ = p.Close()
			continue
		}
		level.Debug(o.logger).Log("msg", "found companion PDB", "executable", exePath, "path", candidate)
		return newSession(p, o, pdbStem(exePath))
	}
	return nil, &OpenError{Op: "open executable", Path: exePath, Kind: ErrCompanionNotFound, Err: merr.ErrorOrNil()}
}
