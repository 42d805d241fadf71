package rundb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/strata-daq/strata/pkg/plugin"
	"github.com/strata-daq/strata/pkg/storage"
)

// setupTestCatalog creates a migrated catalog in a temp directory.
func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	catalog, err := NewCatalog(Config{
		Path: filepath.Join(t.TempDir(), "catalog.db"),
	})
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if err := catalog.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func testEntry(runID, key string, size int64) CacheEntry {
	return CacheEntry{
		RunID:         runID,
		Key:           key,
		DataName:      "peaks",
		LineageHash:   "abcd1234abcd1234",
		PluginVersion: "1.0.0",
		RecordCount:   100,
		SizeBytes:     size,
	}
}

func TestCatalogRequiresPath(t *testing.T) {
	if _, err := NewCatalog(Config{}); err == nil {
		t.Error("empty path must be rejected")
	}
}

func TestRecordSaveCreatesRun(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	if err := catalog.RecordSave(ctx, testEntry("run1", "peaks-abcd1234abcd1234", 4096)); err != nil {
		t.Fatalf("record save failed: %v", err)
	}

	run, err := catalog.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if run.EntryCount != 1 || run.TotalBytes != 4096 {
		t.Errorf("expected 1 entry / 4096 bytes, got %d / %d", run.EntryCount, run.TotalBytes)
	}
}

func TestRecordSaveUpsert(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	if err := catalog.RecordSave(ctx, testEntry("run1", "peaks-abcd1234abcd1234", 1000)); err != nil {
		t.Fatal(err)
	}
	// Same key saved again, e.g. after a recompute with identical lineage.
	if err := catalog.RecordSave(ctx, testEntry("run1", "peaks-abcd1234abcd1234", 2000)); err != nil {
		t.Fatal(err)
	}

	entries, err := catalog.ListEntries(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert, got %d", len(entries))
	}
	if entries[0].SizeBytes != 2000 {
		t.Errorf("expected updated size 2000, got %d", entries[0].SizeBytes)
	}

	run, _ := catalog.GetRun(ctx, "run1")
	if run.TotalBytes != 2000 {
		t.Errorf("run aggregate must follow the upsert, got %d", run.TotalBytes)
	}
}

func TestRecordDelete(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	if err := catalog.RecordSave(ctx, testEntry("run1", "peaks-abcd1234abcd1234", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := catalog.RecordDelete(ctx, "run1", "peaks-abcd1234abcd1234", "cleanup"); err != nil {
		t.Fatalf("record delete failed: %v", err)
	}

	entries, err := catalog.ListEntries(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries after delete, got %d", len(entries))
	}

	run, err := catalog.GetRun(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if run.EntryCount != 0 || run.TotalBytes != 0 {
		t.Errorf("aggregates must go to zero, got %d / %d", run.EntryCount, run.TotalBytes)
	}

	events, err := catalog.ListEvents(ctx, "run1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected saved+deleted events, got %d", len(events))
	}
	if events[0].Event != EventDeleted || events[0].Detail != "cleanup" {
		t.Errorf("newest event should be the deletion, got %+v", events[0])
	}
	if events[1].Event != EventSaved {
		t.Errorf("oldest event should be the save, got %+v", events[1])
	}
}

func TestRecorderBridgesStoreSaves(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	store, err := storage.NewContentStore(storage.Config{WorkDir: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	store.SetRecorder(NewRecorder(catalog))

	arr, err := plugin.NewArray("rec", 8, make([]byte, 80))
	if err != nil {
		t.Fatal(err)
	}
	err = store.Save(ctx, "run1", "peaks-abcd1234abcd1234", arr.Stream(), storage.SaveOptions{
		Dtype:         "rec",
		Itemsize:      8,
		DataName:      "peaks",
		LineageHash:   "abcd1234abcd1234",
		PluginVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := catalog.ListEntries(ctx, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the save to reach the catalog, got %d entries", len(entries))
	}
	e := entries[0]
	if e.DataName != "peaks" || e.RecordCount != 10 || e.SizeBytes != 80 {
		t.Errorf("unexpected catalog entry: %+v", e)
	}

	events, err := catalog.ListEvents(ctx, "run1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Event != EventSaved {
		t.Errorf("expected a saved event, got %+v", events)
	}
}

func TestGetRunNotFound(t *testing.T) {
	catalog := setupTestCatalog(t)

	_, err := catalog.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestListRunsOrdering(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	if err := catalog.RecordSave(ctx, testEntry("run1", "a-1111111111111111", 10)); err != nil {
		t.Fatal(err)
	}
	if err := catalog.RecordSave(ctx, testEntry("run2", "b-2222222222222222", 20)); err != nil {
		t.Fatal(err)
	}

	runs, err := catalog.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}

func TestListEntriesByDataName(t *testing.T) {
	catalog := setupTestCatalog(t)
	ctx := context.Background()

	e1 := testEntry("run1", "peaks-1111111111111111", 10)
	e2 := testEntry("run2", "peaks-1111111111111111", 20)
	e3 := testEntry("run1", "events-2222222222222222", 30)
	e3.DataName = "events"

	for _, e := range []CacheEntry{e1, e2, e3} {
		if err := catalog.RecordSave(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := catalog.ListEntriesByDataName(ctx, "peaks")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 peaks entries across runs, got %d", len(entries))
	}
}
