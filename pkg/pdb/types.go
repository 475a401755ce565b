// Package pdb provides high-level access to Microsoft PDB debug files.
package pdb

import "github.com/google/uuid"

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID         uuid.UUID `json:"guid"`
	Age          uint32    `json:"age"`
	Signature    uint32    `json:"signature"`
	Version      uint32    `json:"version"`
	Machine      string    `json:"machine"`
	Streams      int       `json:"streams"`
	NamedStreams int       `json:"named_streams"`
}
