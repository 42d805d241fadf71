package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/strata-daq/strata/pkg/plugin"
)

// lineageHashLen is the number of hex characters kept from the sha256
// digest. 64 bits of digest is far beyond collision range for any
// realistic number of distinct lineages.
const lineageHashLen = 16

// Hasher derives lineage hashes for registered producers. Lineages and
// hashes are memoized per provides name; the owning Context invalidates
// the memo whenever the registry or configuration changes.
//
// Ad-hoc compute Args are deliberately NOT part of the lineage: two
// GetData calls differing only in Args share a cache key. Producers that
// want arguments to affect caching must declare them as options.
type Hasher struct {
	registry map[string]plugin.Producer
	config   map[string]interface{}

	lineages map[string]*Lineage
	hashes   map[string]string
}

// newHasher creates a hasher over the given registry. The registry map
// is shared with the owning Context, not copied.
func newHasher(registry map[string]plugin.Producer) *Hasher {
	return &Hasher{
		registry: registry,
		config:   make(map[string]interface{}),
		lineages: make(map[string]*Lineage),
		hashes:   make(map[string]string),
	}
}

// setConfig replaces the option overrides and drops all memoized state.
func (h *Hasher) setConfig(config map[string]interface{}) {
	h.config = config
	h.invalidate()
}

// invalidate drops all memoized lineages and hashes.
func (h *Hasher) invalidate() {
	h.lineages = make(map[string]*Lineage)
	h.hashes = make(map[string]string)
}

// effectiveOptions merges a producer's declared option defaults with the
// configured overrides. Only declared options participate; unrelated
// configuration keys never leak into a producer's lineage.
func (h *Hasher) effectiveOptions(p plugin.Producer) map[string]interface{} {
	opts := make(map[string]interface{})
	for name, spec := range p.Options() {
		if override, ok := h.config[name]; ok {
			opts[name] = override
		} else {
			opts[name] = spec.Default
		}
	}
	return opts
}

// Lineage builds the full derivation history for provides: the
// producer's identity, version, effective options, and the lineage of
// every declared dependency, recursively.
func (h *Hasher) Lineage(provides string) (*Lineage, error) {
	return h.buildLineage(provides, 0)
}

func (h *Hasher) buildLineage(provides string, depth int) (*Lineage, error) {
	if l, ok := h.lineages[provides]; ok {
		return l, nil
	}

	if depth > maxResolveDepth {
		return nil, NewResolutionError(
			fmt.Sprintf("dependency chain exceeds %d levels building lineage for %s", maxResolveDepth, provides),
			nil,
		).WithCode(ErrCodeValidation).WithProducer(provides)
	}

	p, ok := h.registry[provides]
	if !ok {
		return nil, NewResolutionError(
			fmt.Sprintf("no producer registered for %s", provides),
			nil,
		).WithCode(ErrCodeMissingDependency).WithProducer(provides)
	}

	l := &Lineage{
		Provides: provides,
		Version:  p.Version(),
		Config:   h.effectiveOptions(p),
	}
	for _, dep := range p.DependsOn() {
		child, err := h.buildLineage(dep.Name, depth+1)
		if err != nil {
			return nil, err
		}
		l.DependsOn = append(l.DependsOn, child)
	}

	h.lineages[provides] = l
	return l, nil
}

// Hash returns the lineage hash for provides: the truncated sha256 of
// the deterministic JSON serialization of its lineage. Equal lineages
// always hash equal; any change to a version, an effective option, or
// anything upstream changes the hash.
func (h *Hasher) Hash(provides string) (string, error) {
	if hash, ok := h.hashes[provides]; ok {
		return hash, nil
	}

	l, err := h.Lineage(provides)
	if err != nil {
		return "", err
	}

	raw, err := marshalLineage(l)
	if err != nil {
		return "", NewResolutionError(
			fmt.Sprintf("failed to serialize lineage for %s", provides),
			err,
		).WithCode(ErrCodeInternal).WithProducer(provides)
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])[:lineageHashLen]
	h.hashes[provides] = hash
	return hash, nil
}

// CacheKey returns the storage key for provides: the data name joined
// with its lineage hash. The name prefix keeps keys human-readable on
// disk; the hash scopes them to one exact derivation.
func (h *Hasher) CacheKey(provides string) (string, error) {
	hash, err := h.Hash(provides)
	if err != nil {
		return "", err
	}
	return provides + "-" + hash, nil
}
