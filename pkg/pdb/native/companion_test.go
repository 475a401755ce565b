package native

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/nativepdb/internal/pdbtest"
	"github.com/jtang613/nativepdb/pkg/pdb/streams"
)

const embeddedPDBPath = `C:\build\out\app.pdb`

func TestReadCodeViewInfo(t *testing.T) {
	image := pdbtest.BuildPE(fixtureGUID, 3, embeddedPDBPath)

	cv, err := ReadCodeViewInfo(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, streams.GUIDToUUID(fixtureGUID), cv.GUID)
	assert.Equal(t, uint32(3), cv.Age)
	assert.Equal(t, embeddedPDBPath, cv.PDBPath)

	_, err = ReadCodeViewInfo(bytes.NewReader([]byte("MZ not really")))
	assert.Error(t, err)
}

func TestReadCodeViewInfo_OversizedRecord(t *testing.T) {
	image := pdbtest.BuildPE(fixtureGUID, 3, embeddedPDBPath)
	// SizeOfData of the first debug directory entry.
	binary.LittleEndian.PutUint32(image[0x200+16:], 0xffffffff)

	_, err := ReadCodeViewInfo(bytes.NewReader(image))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestCompanionCandidates(t *testing.T) {
	got := companionCandidates("/bin/app.exe", embeddedPDBPath, []string{"/symbols", "/bin", "/symbols"})
	assert.Equal(t, []string{embeddedPDBPath, "/bin/app.pdb", "/symbols/app.pdb"}, got)
}

func TestOpenExecutable(t *testing.T) {
	pdbImage := buildFixture().Build()
	otherGUID := fixtureGUID
	otherGUID[15] ^= 0xff
	other := buildFixture()
	other.GUID = otherGUID
	otherImage := other.Build()

	for _, tc := range []struct {
		name    string
		files   map[string][]byte
		cfg     func(*Config)
		wantErr error
	}{
		{
			name: "next to the executable",
			files: map[string][]byte{
				"/bin/app.exe": pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath),
				"/bin/app.pdb": pdbImage,
			},
		},
		{
			name: "in a search path",
			files: map[string][]byte{
				"/bin/app.exe":     pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath),
				"/symbols/app.pdb": pdbImage,
			},
			cfg: func(cfg *Config) { cfg.SearchPaths = []string{"/symbols"} },
		},
		{
			name: "skips a mismatched candidate",
			files: map[string][]byte{
				"/bin/app.exe":     pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath),
				"/bin/app.pdb":     otherImage,
				"/symbols/app.pdb": pdbImage,
			},
			cfg: func(cfg *Config) { cfg.SearchPaths = []string{"/symbols"} },
		},
		{
			name: "guid mismatch",
			files: map[string][]byte{
				"/bin/app.exe": pdbtest.BuildPE(otherGUID, 1, embeddedPDBPath),
				"/bin/app.pdb": pdbImage,
			},
			wantErr: ErrCompanionNotFound,
		},
		{
			name: "age mismatch",
			files: map[string][]byte{
				"/bin/app.exe": pdbtest.BuildPE(fixtureGUID, 2, embeddedPDBPath),
				"/bin/app.pdb": pdbImage,
			},
			wantErr: ErrCompanionNotFound,
		},
		{
			name: "mismatch accepted without verification",
			files: map[string][]byte{
				"/bin/app.exe": pdbtest.BuildPE(otherGUID, 2, embeddedPDBPath),
				"/bin/app.pdb": pdbImage,
			},
			cfg: func(cfg *Config) { cfg.VerifySignature = false },
		},
		{
			name:    "no pdb",
			files:   map[string][]byte{"/bin/app.exe": pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath)},
			wantErr: ErrCompanionNotFound,
		},
		{
			name:    "no executable",
			files:   map[string][]byte{"/bin/app.pdb": pdbImage},
			wantErr: ErrCompanionNotFound,
		},
		{
			name: "not an executable",
			files: map[string][]byte{
				"/bin/app.exe": []byte("#!/bin/sh\n"),
				"/bin/app.pdb": pdbImage,
			},
			wantErr: ErrCompanionNotFound,
		},
		{
			name: "malformed pdb",
			files: map[string][]byte{
				"/bin/app.exe": pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath),
				"/bin/app.pdb": []byte("Microsoft C/C++ MSF 7.00\r\n"),
			},
			wantErr: ErrMalformedContainer,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			for name, data := range tc.files {
				require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
			}
			cfg := DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}

			s, err := OpenExecutable("/bin/app.exe", WithFs(fs), WithConfig(cfg))
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, "app", s.GlobalScope().Name())
			assert.NotNil(t, s.FindSymbolByRVA(0x1000, SymTagFunction))
		})
	}
}

func TestOpenExecutable_ReportsCandidates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/app.exe", pdbtest.BuildPE(fixtureGUID, 1, embeddedPDBPath), 0o644))

	_, err := OpenExecutable("/bin/app.exe", WithFs(fs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/bin/app.pdb")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/bin/app.exe", openErr.Path)
}
