// Package cachetools provides operational tooling over the content
// store: scanning, cleanup planning, and diagnostics. All tools treat
// the filesystem as the source of truth and the catalog as an index.
package cachetools

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/strata-daq/strata/pkg/storage"
	"github.com/strata-daq/strata/pkg/telemetry"
)

// Entry is one cache entry found on disk.
type Entry struct {
	RunID         string          `json:"run_id"`
	Key           string          `json:"key"`
	DataName      string          `json:"data_name"`
	LineageHash   string          `json:"lineage_hash"`
	PluginVersion string          `json:"plugin_version"`
	RecordCount   int             `json:"record_count"`
	SizeBytes     int64           `json:"size_bytes"`
	Compressed    bool            `json:"compressed"`
	WrittenAt     time.Time       `json:"written_at"`
	Problem       storage.Problem `json:"problem,omitempty"`
}

// Valid reports whether the entry passed storage validation.
func (e *Entry) Valid() bool {
	return e.Problem == storage.ProblemNone
}

// Index is the result of a scan: every entry on disk, grouped by run.
type Index struct {
	ScannedAt  time.Time `json:"scanned_at"`
	Entries    []Entry   `json:"entries"`
	TotalBytes int64     `json:"total_bytes"`
}

// ByRun returns the index entries grouped by run ID.
func (ix *Index) ByRun() map[string][]Entry {
	byRun := make(map[string][]Entry)
	for _, e := range ix.Entries {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	return byRun
}

// Scanner walks a content store's work directory and indexes what it
// finds, including entries that fail validation.
type Scanner struct {
	store *storage.ContentStore
	log   *telemetry.Logger
}

// NewScanner creates a scanner over the given store.
func NewScanner(store *storage.ContentStore, log *telemetry.Logger) *Scanner {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Scanner{
		store: store,
		log:   log.NewComponentLogger("scanner"),
	}
}

// Runs lists the run IDs present under the work directory.
func (s *Scanner) Runs() ([]string, error) {
	dirs, err := os.ReadDir(s.store.WorkDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []string
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		runs = append(runs, d.Name())
	}
	sort.Strings(runs)
	return runs, nil
}

// Scan indexes every cache entry under the work directory.
func (s *Scanner) Scan(ctx context.Context) (*Index, error) {
	runs, err := s.Runs()
	if err != nil {
		return nil, err
	}

	ix := &Index{ScannedAt: time.Now()}
	for _, runID := range runs {
		entries, err := s.ScanRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ix.Entries = append(ix.Entries, e)
			ix.TotalBytes += e.SizeBytes
		}
	}
	return ix, nil
}

// ScanRun indexes the cache entries of a single run.
func (s *Scanner) ScanRun(ctx context.Context, runID string) ([]Entry, error) {
	keys, err := s.store.Keys(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var entries []Entry
	for _, key := range keys {
		insp, err := s.store.Inspect(ctx, runID, key)
		if err != nil {
			return nil, err
		}
		if insp == nil {
			continue
		}

		e := Entry{
			RunID:     runID,
			Key:       key,
			SizeBytes: insp.DataSize,
			Problem:   insp.Problem,
		}
		if meta := insp.Meta; meta != nil {
			e.DataName = meta.DataName
			e.LineageHash = meta.LineageHash
			e.PluginVersion = meta.PluginVersion
			e.RecordCount = meta.Count
			e.Compressed = meta.Compressed
			sec := int64(meta.Timestamp)
			nsec := int64((meta.Timestamp - float64(sec)) * float64(time.Second))
			e.WrittenAt = time.Unix(sec, nsec)
		}
		entries = append(entries, e)
	}

	s.log.WithRunID(runID).Debugf("indexed %d cache entries", len(entries))
	return entries, nil
}

// orphanedFiles lists data files without a sidecar under a run's cache
// directory. These are invisible to Keys, which enumerates sidecars.
func (s *Scanner) orphanedFiles(runID string) ([]string, error) {
	dir := filepath.Dir(s.store.DataPath(runID, "x"))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var orphans []string
	for _, f := range files {
		name := f.Name()
		if filepath.Ext(name) != ".bin" || strings.HasPrefix(name, ".") {
			continue
		}
		key := strings.TrimSuffix(name, ".bin")
		if _, err := os.Stat(s.store.MetaPath(runID, key)); os.IsNotExist(err) {
			orphans = append(orphans, key)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// staleLocks lists lock files older than age under a run's cache dir.
func (s *Scanner) staleLocks(runID string, age time.Duration) ([]string, error) {
	dir := filepath.Dir(s.store.LockPath(runID, "x"))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []string
	for _, f := range files {
		name := f.Name()
		if filepath.Ext(name) != ".lock" {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > age {
			stale = append(stale, strings.TrimSuffix(name, ".lock"))
		}
	}
	sort.Strings(stale)
	return stale, nil
}
