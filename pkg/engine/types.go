package engine

import (
	"context"
	"encoding/json"

	"github.com/strata-daq/strata/pkg/plugin"
	"github.com/strata-daq/strata/pkg/storage"
)

// Lineage is the recursively-built derivation history of a data product:
// the producer's identity, version, effective configuration, and the
// lineage of every upstream product. Any change anywhere in the chain
// changes the serialized form and therefore the hash.
type Lineage struct {
	// Provides is the data product name.
	Provides string `json:"provides"`

	// Version is the producer's semantic version.
	Version string `json:"version"`

	// Config holds the effective option values. Serialized with sorted
	// keys so the hash is deterministic.
	Config map[string]interface{} `json:"config"`

	// DependsOn holds the lineages of the declared dependencies, in
	// declaration order.
	DependsOn []*Lineage `json:"depends_on,omitempty"`
}

// ExecutionPlan is the topologically-ordered list of producers needed to
// realize a target data product.
type ExecutionPlan struct {
	// Target is the requested data product name.
	Target string `json:"target"`

	// Steps are the producer names in dependency-safe order; the last
	// step is the target itself.
	Steps []string `json:"steps"`
}

// CacheSource identifies where a cached value was found.
type CacheSource string

const (
	// CacheSourceMemory is the per-process result cache.
	CacheSourceMemory CacheSource = "memory"

	// CacheSourceDisk is the on-disk content store.
	CacheSourceDisk CacheSource = "disk"

	// CacheSourceNone means the value must be computed.
	CacheSourceNone CacheSource = "none"
)

// MissReason explains why a preview step would be a cache miss.
type MissReason string

const (
	// MissReasonNone means the step is a hit.
	MissReasonNone MissReason = ""

	// MissReasonAbsent means no entry exists under the cache key.
	MissReasonAbsent MissReason = "missing_entry"

	// MissReasonLineage means an entry exists for the data name but was
	// written under a different lineage hash.
	MissReasonLineage MissReason = "lineage_mismatch"

	// MissReasonStorageVersion means the entry's storage format version
	// differs from the current one.
	MissReasonStorageVersion MissReason = "storage_version_mismatch"
)

// PreviewStep reports the cache disposition of one plan step without
// invoking any compute.
type PreviewStep struct {
	// Provides is the producer name for this step.
	Provides string `json:"provides"`

	// LineageHash is the computed lineage hash for this run.
	LineageHash string `json:"lineage_hash"`

	// CacheKey is the storage key derived from the lineage hash.
	CacheKey string `json:"cache_key"`

	// Hit reports whether the step would be served from cache.
	Hit bool `json:"hit"`

	// Source is where the value would come from (memory, disk, none).
	Source CacheSource `json:"source"`

	// Reason explains a miss; empty on hits.
	Reason MissReason `json:"reason,omitempty"`
}

// Preview summarizes what a GetData call would do.
type Preview struct {
	// RunID is the run the preview was computed for.
	RunID string `json:"run_id"`

	// Target is the requested data product.
	Target string `json:"target"`

	// Steps are the per-producer dispositions in plan order.
	Steps []PreviewStep `json:"steps"`

	// Hits and Misses count the step dispositions.
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

// Store is the persistence surface the engine needs from the content
// store. *storage.ContentStore satisfies it.
type Store interface {
	// Save persists a record stream under the given key.
	Save(ctx context.Context, runID, key string, stream plugin.RecordStream, opts storage.SaveOptions) error

	// Load returns the entry for key, or nil if it is absent or invalid.
	Load(ctx context.Context, runID, key string) (*storage.Entry, error)

	// Exists reports whether a valid entry exists, agreeing with Load.
	Exists(ctx context.Context, runID, key string) (bool, error)

	// Inspect validates the entry under key without materializing data,
	// or returns nil when it is absent.
	Inspect(ctx context.Context, runID, key string) (*storage.Inspection, error)

	// Keys lists the cache keys under runID with the given prefix.
	Keys(ctx context.Context, runID, prefix string) ([]string, error)
}

// marshalLineage serializes a lineage deterministically. Go's
// encoding/json writes map keys in sorted order, which is what makes the
// Config maps stable; struct fields keep declaration order.
func marshalLineage(l *Lineage) ([]byte, error) {
	return json.Marshal(l)
}
