package cachetools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/strata-daq/strata/pkg/rundb"
	"github.com/strata-daq/strata/pkg/storage"
	"github.com/strata-daq/strata/pkg/telemetry"
)

// Selector picks cleanup victims from a scanned index. Selectors only
// choose; the cleaner deletes.
type Selector func(entries []Entry) []Entry

// SelectByRun picks every entry belonging to runID.
func SelectByRun(runID string) Selector {
	return func(entries []Entry) []Entry {
		var out []Entry
		for _, e := range entries {
			if e.RunID == runID {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectByDataName picks every entry for a data product, across runs.
func SelectByDataName(dataName string) Selector {
	return func(entries []Entry) []Entry {
		var out []Entry
		for _, e := range entries {
			if e.DataName == dataName {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectOlderThan picks entries written before the cutoff.
func SelectOlderThan(cutoff time.Time) Selector {
	return func(entries []Entry) []Entry {
		var out []Entry
		for _, e := range entries {
			if !e.WrittenAt.IsZero() && e.WrittenAt.Before(cutoff) {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectCorrupt picks entries that failed storage validation.
func SelectCorrupt() Selector {
	return func(entries []Entry) []Entry {
		var out []Entry
		for _, e := range entries {
			if !e.Valid() {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectStaleLineages picks, for each (run, data name), every entry
// except the most recently written one. Superseded lineages accumulate
// because new hashes never overwrite old keys.
func SelectStaleLineages() Selector {
	return func(entries []Entry) []Entry {
		type group struct{ run, data string }
		newest := make(map[group]Entry)
		for _, e := range entries {
			if e.DataName == "" {
				continue
			}
			g := group{e.RunID, e.DataName}
			if cur, ok := newest[g]; !ok || e.WrittenAt.After(cur.WrittenAt) {
				newest[g] = e
			}
		}

		var out []Entry
		for _, e := range entries {
			if e.DataName == "" {
				continue
			}
			if newest[group{e.RunID, e.DataName}].Key != e.Key {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectVersionMismatch picks entries whose recorded plugin version
// differs from the version currently registered for their data name.
// Data names absent from current are left alone.
func SelectVersionMismatch(current map[string]string) Selector {
	return func(entries []Entry) []Entry {
		var out []Entry
		for _, e := range entries {
			want, ok := current[e.DataName]
			if ok && e.PluginVersion != want {
				out = append(out, e)
			}
		}
		return out
	}
}

// SelectLargestUntil picks the largest entries first until at least
// bytes have been selected.
func SelectLargestUntil(bytes int64) Selector {
	return func(entries []Entry) []Entry {
		sorted := append([]Entry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].SizeBytes > sorted[j].SizeBytes
		})

		var out []Entry
		var total int64
		for _, e := range sorted {
			if total >= bytes {
				break
			}
			out = append(out, e)
			total += e.SizeBytes
		}
		return out
	}
}

// SelectOldestUntil picks the oldest entries first until at least bytes
// have been selected.
func SelectOldestUntil(bytes int64) Selector {
	return func(entries []Entry) []Entry {
		sorted := append([]Entry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].WrittenAt.Before(sorted[j].WrittenAt)
		})

		var out []Entry
		var total int64
		for _, e := range sorted {
			if total >= bytes {
				break
			}
			out = append(out, e)
			total += e.SizeBytes
		}
		return out
	}
}

// CleanupPlan is a reviewed-before-executed set of deletions.
type CleanupPlan struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Reason     string    `json:"reason"`
	Victims    []Entry   `json:"victims"`
	TotalBytes int64     `json:"total_bytes"`
}

// Summary returns a one-line human-readable description of the plan.
func (p *CleanupPlan) Summary() string {
	return fmt.Sprintf("plan %s: %d entries, %s reclaimable",
		p.ID, len(p.Victims), humanize.Bytes(uint64(p.TotalBytes)))
}

// CleanupReport is the outcome of executing a plan.
type CleanupReport struct {
	PlanID         string   `json:"plan_id"`
	DryRun         bool     `json:"dry_run"`
	Deleted        int      `json:"deleted"`
	Failed         int      `json:"failed"`
	BytesReclaimed int64    `json:"bytes_reclaimed"`
	Errors         []string `json:"errors,omitempty"`
}

// Cleaner plans and executes cache deletions.
type Cleaner struct {
	store   *storage.ContentStore
	catalog *rundb.Catalog
	log     *telemetry.Logger
}

// NewCleaner creates a cleaner. The catalog is optional; when present,
// executed deletions are recorded in it.
func NewCleaner(store *storage.ContentStore, catalog *rundb.Catalog, log *telemetry.Logger) *Cleaner {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Cleaner{
		store:   store,
		catalog: catalog,
		log:     log.NewComponentLogger("cleaner"),
	}
}

// Plan applies the selectors to the index and builds a cleanup plan.
// Multiple selectors union their picks; duplicates are removed.
func (c *Cleaner) Plan(ix *Index, reason string, selectors ...Selector) *CleanupPlan {
	type victimKey struct{ run, key string }
	seen := make(map[victimKey]bool)

	plan := &CleanupPlan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Reason:    reason,
	}
	for _, sel := range selectors {
		for _, e := range sel(ix.Entries) {
			vk := victimKey{e.RunID, e.Key}
			if seen[vk] {
				continue
			}
			seen[vk] = true
			plan.Victims = append(plan.Victims, e)
			plan.TotalBytes += e.SizeBytes
		}
	}
	return plan
}

// Execute deletes the plan's victims. With dryRun set, nothing is
// removed and the report shows what would happen.
func (c *Cleaner) Execute(ctx context.Context, plan *CleanupPlan, dryRun bool) *CleanupReport {
	report := &CleanupReport{PlanID: plan.ID, DryRun: dryRun}

	for _, victim := range plan.Victims {
		if dryRun {
			report.Deleted++
			report.BytesReclaimed += victim.SizeBytes
			continue
		}

		reclaimed, err := c.store.Delete(ctx, victim.RunID, victim.Key)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			c.log.WithRunID(victim.RunID).WithError(err).
				Warnf("failed to delete cache entry %s", victim.Key)
			continue
		}
		report.Deleted++
		report.BytesReclaimed += reclaimed

		if c.catalog != nil {
			if err := c.catalog.RecordDelete(ctx, victim.RunID, victim.Key, plan.Reason); err != nil {
				c.log.WithRunID(victim.RunID).WithError(err).
					Warnf("failed to record deletion of %s in catalog", victim.Key)
			}
		}
	}

	c.log.Infof("cleanup %s: deleted %d entries, reclaimed %s (dry_run=%t)",
		plan.ID, report.Deleted, humanize.Bytes(uint64(report.BytesReclaimed)), dryRun)
	return report
}
