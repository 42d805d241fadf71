package engine

import (
	"context"
	"strings"

	"github.com/strata-daq/strata/pkg/storage"
)

// PreviewExecution reports, without invoking any compute, where each
// step of target's plan would be served from: the per-process memory
// cache, the on-disk store, or a fresh computation. Misses carry a
// reason so operators can tell "never computed" apart from "computed
// under a different lineage".
func (c *Context) PreviewExecution(ctx context.Context, runID, target string) (*Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.resolvePlan(target)
	if err != nil {
		return nil, err
	}

	preview := &Preview{RunID: runID, Target: target}
	for _, step := range plan.Steps {
		ps, err := c.previewStep(ctx, runID, step)
		if err != nil {
			return nil, err
		}
		preview.Steps = append(preview.Steps, ps)
		if ps.Hit {
			preview.Hits++
		} else {
			preview.Misses++
		}
	}
	return preview, nil
}

func (c *Context) previewStep(ctx context.Context, runID, step string) (PreviewStep, error) {
	hash, err := c.hasher.Hash(step)
	if err != nil {
		return PreviewStep{}, err
	}
	key := step + "-" + hash

	ps := PreviewStep{
		Provides:    step,
		LineageHash: hash,
		CacheKey:    key,
	}

	if c.memoryLookup(runID, key) != nil {
		ps.Hit = true
		ps.Source = CacheSourceMemory
		return ps, nil
	}

	if c.store == nil {
		ps.Source = CacheSourceNone
		ps.Reason = MissReasonAbsent
		return ps, nil
	}

	insp, err := c.store.Inspect(ctx, runID, key)
	if err != nil {
		return PreviewStep{}, c.wrapStorageError(err, runID, step)
	}
	if insp != nil && insp.Valid() {
		ps.Hit = true
		ps.Source = CacheSourceDisk
		return ps, nil
	}

	ps.Source = CacheSourceNone
	reason, err := c.classifyMiss(ctx, runID, step, key, insp)
	if err != nil {
		return PreviewStep{}, c.wrapStorageError(err, runID, step)
	}
	ps.Reason = reason
	return ps, nil
}

// classifyMiss explains why key cannot be served from the store. A nil
// inspection is looked up fresh.
func (c *Context) classifyMiss(ctx context.Context, runID, step, key string, insp *storage.Inspection) (MissReason, error) {
	if insp == nil {
		var err error
		insp, err = c.store.Inspect(ctx, runID, key)
		if err != nil {
			return MissReasonAbsent, err
		}
	}
	if insp != nil && insp.Problem == storage.ProblemStorageVersion {
		return MissReasonStorageVersion, nil
	}
	stale, err := c.hasStaleSibling(ctx, runID, step, key)
	if err != nil {
		return MissReasonAbsent, err
	}
	if stale {
		return MissReasonLineage, nil
	}
	return MissReasonAbsent, nil
}

// hasStaleSibling reports whether the store holds an entry for step's
// data name written under a different lineage hash.
func (c *Context) hasStaleSibling(ctx context.Context, runID, step, currentKey string) (bool, error) {
	prefix := step + "-"
	keys, err := c.store.Keys(ctx, runID, prefix)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == currentKey {
			continue
		}
		// Keys are dataName + "-" + hash; data names may themselves
		// contain dashes, so require the suffix to be exactly one hash.
		suffix := strings.TrimPrefix(k, prefix)
		if isLineageHash(suffix) {
			return true, nil
		}
	}
	return false, nil
}

// isLineageHash reports whether s looks like a truncated lineage digest.
func isLineageHash(s string) bool {
	if len(s) != lineageHashLen {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
