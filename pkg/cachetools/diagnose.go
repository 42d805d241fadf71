package cachetools

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/strata-daq/strata/pkg/rundb"
	"github.com/strata-daq/strata/pkg/storage"
	"github.com/strata-daq/strata/pkg/telemetry"
)

// FindingKind classifies a diagnostic finding.
type FindingKind string

const (
	// FindingCorruptEntry is an entry that failed storage validation.
	FindingCorruptEntry FindingKind = "corrupt_entry"

	// FindingOrphanData is a data file with no metadata sidecar.
	FindingOrphanData FindingKind = "orphan_data"

	// FindingStaleLock is a lock file older than the staleness cutoff.
	FindingStaleLock FindingKind = "stale_lock"

	// FindingCatalogGhost is a catalog row whose files are gone.
	FindingCatalogGhost FindingKind = "catalog_ghost"

	// FindingUncataloged is a valid on-disk entry the catalog does not know.
	FindingUncataloged FindingKind = "uncataloged_entry"
)

// Finding is one diagnosed inconsistency.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	RunID   string      `json:"run_id"`
	Key     string      `json:"key"`
	Detail  string      `json:"detail,omitempty"`
	Fixable bool        `json:"fixable"`
}

// Report is the result of a diagnostic pass.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Entries   int       `json:"entries"`
	Findings  []Finding `json:"findings"`
	Fixed     int       `json:"fixed,omitempty"`
}

// Healthy reports whether the pass found nothing wrong.
func (r *Report) Healthy() bool {
	return len(r.Findings) == 0
}

// Diagnoser reconciles the on-disk cache with itself and, when a catalog
// is attached, with the catalog.
type Diagnoser struct {
	store        *storage.ContentStore
	catalog      *rundb.Catalog
	scanner      *Scanner
	staleLockAge time.Duration
	log          *telemetry.Logger
}

// NewDiagnoser creates a diagnoser. The catalog is optional.
func NewDiagnoser(store *storage.ContentStore, catalog *rundb.Catalog, staleLockAge time.Duration, log *telemetry.Logger) *Diagnoser {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	if staleLockAge <= 0 {
		staleLockAge = 10 * time.Minute
	}
	return &Diagnoser{
		store:        store,
		catalog:      catalog,
		scanner:      NewScanner(store, log),
		staleLockAge: staleLockAge,
		log:          log.NewComponentLogger("diagnose"),
	}
}

// Run performs a full diagnostic pass. With autoFix set, fixable
// findings are repaired in place: corrupt entries and orphan data files
// are deleted, stale locks reclaimed, and the catalog reconciled.
func (d *Diagnoser) Run(ctx context.Context, autoFix bool) (*Report, error) {
	report := &Report{CheckedAt: time.Now()}

	ix, err := d.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	report.Entries = len(ix.Entries)

	onDisk := make(map[string]map[string]Entry)
	for _, e := range ix.Entries {
		if onDisk[e.RunID] == nil {
			onDisk[e.RunID] = make(map[string]Entry)
		}
		onDisk[e.RunID][e.Key] = e

		if !e.Valid() {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingCorruptEntry,
				RunID:   e.RunID,
				Key:     e.Key,
				Detail:  string(e.Problem),
				Fixable: true,
			})
		}
	}

	runs, err := d.scanner.Runs()
	if err != nil {
		return nil, err
	}
	for _, runID := range runs {
		orphans, err := d.scanner.orphanedFiles(runID)
		if err != nil {
			return nil, err
		}
		for _, key := range orphans {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingOrphanData,
				RunID:   runID,
				Key:     key,
				Fixable: true,
			})
		}

		stale, err := d.scanner.staleLocks(runID, d.staleLockAge)
		if err != nil {
			return nil, err
		}
		for _, key := range stale {
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingStaleLock,
				RunID:   runID,
				Key:     key,
				Fixable: true,
			})
		}
	}

	if d.catalog != nil {
		if err := d.reconcileCatalog(ctx, onDisk, report); err != nil {
			return nil, err
		}
	}

	if autoFix {
		if err := d.fix(ctx, report); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// reconcileCatalog cross-checks catalog rows against on-disk entries.
func (d *Diagnoser) reconcileCatalog(ctx context.Context, onDisk map[string]map[string]Entry, report *Report) error {
	cataloged := make(map[string]map[string]bool)

	catalogRuns, err := d.catalog.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range catalogRuns {
		entries, err := d.catalog.ListEntries(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if cataloged[entry.RunID] == nil {
				cataloged[entry.RunID] = make(map[string]bool)
			}
			cataloged[entry.RunID][entry.Key] = true

			if _, exists := onDisk[entry.RunID][entry.Key]; !exists {
				report.Findings = append(report.Findings, Finding{
					Kind:    FindingCatalogGhost,
					RunID:   entry.RunID,
					Key:     entry.Key,
					Fixable: true,
				})
			}
		}
	}

	for runID, entries := range onDisk {
		for key, e := range entries {
			if e.Valid() && !cataloged[runID][key] {
				report.Findings = append(report.Findings, Finding{
					Kind:    FindingUncataloged,
					RunID:   runID,
					Key:     key,
					Fixable: true,
				})
			}
		}
	}
	return nil
}

// fix repairs every fixable finding in the report.
func (d *Diagnoser) fix(ctx context.Context, report *Report) error {
	for i := range report.Findings {
		f := &report.Findings[i]
		if !f.Fixable {
			continue
		}

		var err error
		switch f.Kind {
		case FindingCorruptEntry, FindingOrphanData:
			_, err = d.store.Delete(ctx, f.RunID, f.Key)
			if err == nil && d.catalog != nil {
				err = d.catalog.RecordDelete(ctx, f.RunID, f.Key, string(f.Kind))
			}
		case FindingStaleLock:
			err = os.Remove(d.store.LockPath(f.RunID, f.Key))
			if os.IsNotExist(err) {
				err = nil
			}
		case FindingCatalogGhost:
			err = d.catalog.RecordDelete(ctx, f.RunID, f.Key, string(f.Kind))
		case FindingUncataloged:
			err = d.recatalog(ctx, f.RunID, f.Key)
		}

		if err != nil {
			d.log.WithRunID(f.RunID).WithError(err).
				Warnf("failed to fix %s for %s", f.Kind, f.Key)
			f.Detail = fmt.Sprintf("fix failed: %v", err)
			continue
		}
		report.Fixed++
	}
	return nil
}

// recatalog inserts a valid on-disk entry into the catalog.
func (d *Diagnoser) recatalog(ctx context.Context, runID, key string) error {
	insp, err := d.store.Inspect(ctx, runID, key)
	if err != nil {
		return err
	}
	if insp == nil || !insp.Valid() {
		return fmt.Errorf("entry %s is no longer valid", key)
	}
	meta := insp.Meta
	return d.catalog.RecordSave(ctx, rundb.CacheEntry{
		RunID:         runID,
		Key:           key,
		DataName:      meta.DataName,
		LineageHash:   meta.LineageHash,
		PluginVersion: meta.PluginVersion,
		RecordCount:   meta.Count,
		SizeBytes:     insp.DataSize,
		Compressed:    meta.Compressed,
	})
}
