package storage

import (
	"encoding/json"
	"fmt"
	"os"
)

// StorageVersion is the on-disk format version. Entries written under a
// different version are treated as cache misses, never migrated in place.
const StorageVersion = "1"

// Metadata is the JSON sidecar written next to every data file.
type Metadata struct {
	// Count is the number of records in the data file.
	Count int `json:"count"`

	// Dtype is the record type name.
	Dtype string `json:"dtype"`

	// Itemsize is the size of one record in bytes.
	Itemsize int `json:"itemsize"`

	// StorageVersion is the on-disk format version at write time.
	StorageVersion string `json:"storage_version"`

	// Timestamp is the creation time in epoch seconds.
	Timestamp float64 `json:"timestamp"`

	// Compressed reports whether the data file is compressed.
	Compressed bool `json:"compressed"`

	// Compression names the compression backend, when compressed.
	Compression string `json:"compression,omitempty"`

	// StoredSize is the on-disk data file size at write time. Recorded
	// for compressed entries, whose size cannot be derived from the
	// record framing.
	StoredSize int64 `json:"stored_size,omitempty"`

	// Checksum is the hex digest over the final on-disk bytes, when
	// checksumming is enabled.
	Checksum string `json:"checksum,omitempty"`

	// ChecksumAlgorithm names the checksum algorithm used.
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`

	// DataName is the data product name the entry was written for.
	DataName string `json:"data_name,omitempty"`

	// LineageHash is the lineage hash the cache key was derived from.
	LineageHash string `json:"lineage_hash,omitempty"`

	// Lineage is the full serialized lineage for diagnostics.
	Lineage json.RawMessage `json:"lineage,omitempty"`

	// PluginVersion is the producing plugin's version at write time.
	PluginVersion string `json:"plugin_version,omitempty"`

	// Extra carries arbitrary caller-supplied fields.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// expectedSize returns the uncompressed payload size implied by the
// record framing.
func (m *Metadata) expectedSize() int64 {
	return int64(m.Count) * int64(m.Itemsize)
}

// readMetadata loads and parses a metadata sidecar.
func readMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	return meta, nil
}

// Problem classifies why an entry failed validation.
type Problem string

const (
	// ProblemNone means the entry is valid.
	ProblemNone Problem = ""

	// ProblemMissingData means the metadata exists but the data file is gone.
	ProblemMissingData Problem = "missing_data"

	// ProblemCorruptMetadata means the sidecar could not be parsed.
	ProblemCorruptMetadata Problem = "corrupt_metadata"

	// ProblemStorageVersion means the entry was written under a different
	// storage format version.
	ProblemStorageVersion Problem = "storage_version"

	// ProblemSizeMismatch means the data file size disagrees with
	// count*itemsize.
	ProblemSizeMismatch Problem = "size_mismatch"

	// ProblemChecksum means the recorded checksum does not match the
	// on-disk bytes.
	ProblemChecksum Problem = "checksum_mismatch"
)

// Inspection is the validation result for one cache entry.
type Inspection struct {
	// Meta is the parsed sidecar; nil only when the sidecar is corrupt.
	Meta *Metadata

	// DataSize is the on-disk data file size in bytes (0 if missing).
	DataSize int64

	// Problem is the first validation failure found, or ProblemNone.
	Problem Problem
}

// Valid reports whether the entry passed all validation checks.
func (i *Inspection) Valid() bool {
	return i != nil && i.Problem == ProblemNone
}
