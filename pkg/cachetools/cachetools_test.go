package cachetools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-daq/strata/pkg/plugin"
	"github.com/strata-daq/strata/pkg/rundb"
	"github.com/strata-daq/strata/pkg/storage"
)

func setupStore(t *testing.T) *storage.ContentStore {
	t.Helper()

	store, err := storage.NewContentStore(storage.Config{WorkDir: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedEntry(t *testing.T, store *storage.ContentStore, runID, dataName, hash string, records int) string {
	t.Helper()

	data := make([]byte, records*8)
	arr, err := plugin.NewArray("rec", 8, data)
	if err != nil {
		t.Fatal(err)
	}
	key := dataName + "-" + hash
	err = store.Save(context.Background(), runID, key, arr.Stream(), storage.SaveOptions{
		Dtype:       "rec",
		Itemsize:    8,
		DataName:    dataName,
		LineageHash: hash,
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", key, err)
	}
	return key
}

func TestScan(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)
	seedEntry(t, store, "run1", "events", "2222222222222222", 20)
	seedEntry(t, store, "run2", "peaks", "1111111111111111", 30)

	ix, err := NewScanner(store, nil).Scan(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(ix.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(ix.Entries))
	}
	if ix.TotalBytes != (10+20+30)*8 {
		t.Errorf("expected %d total bytes, got %d", (10+20+30)*8, ix.TotalBytes)
	}

	byRun := ix.ByRun()
	if len(byRun["run1"]) != 2 || len(byRun["run2"]) != 1 {
		t.Errorf("unexpected run grouping: %v", byRun)
	}
	for _, e := range ix.Entries {
		if !e.Valid() {
			t.Errorf("seeded entry %s should be valid, got %s", e.Key, e.Problem)
		}
		if e.WrittenAt.IsZero() {
			t.Errorf("entry %s has no timestamp", e.Key)
		}
	}
}

func TestScanEmptyWorkDir(t *testing.T) {
	store := setupStore(t)

	ix, err := NewScanner(store, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("scan of empty work dir failed: %v", err)
	}
	if len(ix.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(ix.Entries))
	}
}

func TestCleanByRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)
	seedEntry(t, store, "run2", "peaks", "1111111111111111", 10)

	scanner := NewScanner(store, nil)
	ix, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cleaner := NewCleaner(store, nil, nil)
	plan := cleaner.Plan(ix, "test", SelectByRun("run1"))
	if len(plan.Victims) != 1 {
		t.Fatalf("expected 1 victim, got %d", len(plan.Victims))
	}

	report := cleaner.Execute(ctx, plan, false)
	if report.Deleted != 1 || report.Failed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	remaining, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining.Entries) != 1 || remaining.Entries[0].RunID != "run2" {
		t.Errorf("run2 entry should survive, got %+v", remaining.Entries)
	}
}

func TestCleanDryRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)

	scanner := NewScanner(store, nil)
	ix, _ := scanner.Scan(ctx)

	cleaner := NewCleaner(store, nil, nil)
	plan := cleaner.Plan(ix, "test", SelectByRun("run1"))
	report := cleaner.Execute(ctx, plan, true)

	if !report.DryRun || report.Deleted != 1 {
		t.Errorf("unexpected dry-run report: %+v", report)
	}

	after, _ := scanner.Scan(ctx)
	if len(after.Entries) != 1 {
		t.Error("dry run must not delete anything")
	}
}

func TestSelectStaleLineages(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	oldKey := seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)
	// Backdate the first entry so the second is unambiguously newest.
	backdate(t, store, "run1", oldKey)
	newKey := seedEntry(t, store, "run1", "peaks", "2222222222222222", 10)

	ix, err := NewScanner(store, nil).Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	victims := SelectStaleLineages()(ix.Entries)
	if len(victims) != 1 {
		t.Fatalf("expected 1 stale victim, got %d", len(victims))
	}
	if victims[0].Key != oldKey {
		t.Errorf("expected %s to be stale, got %s (newest is %s)", oldKey, victims[0].Key, newKey)
	}
}

// backdate rewrites an entry's metadata timestamp one hour into the past.
func backdate(t *testing.T, store *storage.ContentStore, runID, key string) {
	t.Helper()

	metaPath := store.MetaPath(runID, key)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	var meta storage.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	meta.Timestamp -= 3600
	patched, err := json.Marshal(&meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(metaPath, patched, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSelectVersionMismatch(t *testing.T) {
	entries := []Entry{
		{Key: "a", DataName: "peaks", PluginVersion: "1.0.0"},
		{Key: "b", DataName: "peaks", PluginVersion: "2.0.0"},
		{Key: "c", DataName: "events", PluginVersion: "1.0.0"},
	}
	victims := SelectVersionMismatch(map[string]string{"peaks": "2.0.0"})(entries)
	if len(victims) != 1 || victims[0].Key != "a" {
		t.Errorf("expected only the outdated peaks entry, got %+v", victims)
	}
}

func TestSelectOlderThan(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Key: "old", WrittenAt: now.Add(-2 * time.Hour)},
		{Key: "new", WrittenAt: now},
	}
	victims := SelectOlderThan(now.Add(-time.Hour))(entries)
	if len(victims) != 1 || victims[0].Key != "old" {
		t.Errorf("expected only the old entry, got %+v", victims)
	}
}

func TestSelectUntilBytes(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Key: "a", SizeBytes: 100, WrittenAt: now.Add(-3 * time.Hour)},
		{Key: "b", SizeBytes: 300, WrittenAt: now.Add(-2 * time.Hour)},
		{Key: "c", SizeBytes: 200, WrittenAt: now.Add(-1 * time.Hour)},
	}

	largest := SelectLargestUntil(400)(entries)
	if len(largest) != 2 || largest[0].Key != "b" || largest[1].Key != "c" {
		t.Errorf("largest-first selection wrong: %+v", largest)
	}

	oldest := SelectOldestUntil(350)(entries)
	if len(oldest) != 2 || oldest[0].Key != "a" || oldest[1].Key != "b" {
		t.Errorf("oldest-first selection wrong: %+v", oldest)
	}
}

func TestPlanDeduplicates(t *testing.T) {
	store := setupStore(t)
	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)

	ix, _ := NewScanner(store, nil).Scan(context.Background())
	cleaner := NewCleaner(store, nil, nil)

	plan := cleaner.Plan(ix, "test",
		SelectByRun("run1"), SelectByDataName("peaks"))
	if len(plan.Victims) != 1 {
		t.Errorf("overlapping selectors must not duplicate victims, got %d", len(plan.Victims))
	}
}

func TestDiagnoseHealthy(t *testing.T) {
	store := setupStore(t)
	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)

	report, err := NewDiagnoser(store, nil, time.Minute, nil).Run(context.Background(), false)
	if err != nil {
		t.Fatalf("diagnose failed: %v", err)
	}
	if !report.Healthy() {
		t.Errorf("expected healthy cache, got findings: %+v", report.Findings)
	}
	if report.Entries != 1 {
		t.Errorf("expected 1 entry checked, got %d", report.Entries)
	}
}

func TestDiagnoseFindsAndFixes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	goodKey := seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)

	// Corrupt entry: valid save, then truncated data file.
	corruptKey := seedEntry(t, store, "run1", "events", "2222222222222222", 10)
	if err := os.WriteFile(store.DataPath("run1", corruptKey), make([]byte, 3), 0o644); err != nil {
		t.Fatal(err)
	}

	// Orphan: data file with no sidecar.
	orphanPath := store.DataPath("run1", "orphan-3333333333333333")
	if err := os.WriteFile(orphanPath, make([]byte, 16), 0o644); err != nil {
		t.Fatal(err)
	}

	// Stale lock.
	lockPath := store.LockPath("run1", goodKey)
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	diagnoser := NewDiagnoser(store, nil, time.Minute, nil)
	report, err := diagnoser.Run(ctx, false)
	if err != nil {
		t.Fatalf("diagnose failed: %v", err)
	}

	kinds := map[FindingKind]int{}
	for _, f := range report.Findings {
		kinds[f.Kind]++
	}
	if kinds[FindingCorruptEntry] != 1 || kinds[FindingOrphanData] != 1 || kinds[FindingStaleLock] != 1 {
		t.Fatalf("expected one finding of each kind, got %v", kinds)
	}

	fixed, err := diagnoser.Run(ctx, true)
	if err != nil {
		t.Fatalf("diagnose --fix failed: %v", err)
	}
	if fixed.Fixed != len(fixed.Findings) {
		t.Errorf("expected all findings fixed, got %d of %d", fixed.Fixed, len(fixed.Findings))
	}

	after, err := diagnoser.Run(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Healthy() {
		t.Errorf("cache should be healthy after fix, got %+v", after.Findings)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("orphan data file should be gone")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("stale lock should be gone")
	}
}

func TestDiagnoseCatalogReconciliation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	catalog, err := rundb.NewCatalog(rundb.Config{Path: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatal(err)
	}
	if err := catalog.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer catalog.Close()

	// On disk but not in the catalog.
	seedEntry(t, store, "run1", "peaks", "1111111111111111", 10)

	// In the catalog but not on disk.
	err = catalog.RecordSave(ctx, rundb.CacheEntry{
		RunID: "run1", Key: "ghost-9999999999999999", DataName: "ghost",
		LineageHash: "9999999999999999", RecordCount: 5, SizeBytes: 40,
	})
	if err != nil {
		t.Fatal(err)
	}

	diagnoser := NewDiagnoser(store, catalog, time.Minute, nil)
	report, err := diagnoser.Run(ctx, true)
	if err != nil {
		t.Fatalf("diagnose failed: %v", err)
	}

	kinds := map[FindingKind]int{}
	for _, f := range report.Findings {
		kinds[f.Kind]++
	}
	if kinds[FindingCatalogGhost] != 1 || kinds[FindingUncataloged] != 1 {
		t.Fatalf("expected ghost and uncataloged findings, got %v", kinds)
	}

	// After the fix the catalog matches the disk exactly.
	entries, err := catalog.ListEntries(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].DataName != "peaks" {
		t.Errorf("catalog should hold exactly the on-disk entry, got %+v", entries)
	}
}
