package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-daq/strata/pkg/plugin"
)

// setupTestStore creates a content store rooted in a temp directory.
func setupTestStore(t *testing.T, cfg Config) *ContentStore {
	t.Helper()

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	store, err := NewContentStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func testArray(t *testing.T, records int) *plugin.Array {
	t.Helper()

	data := make([]byte, records*8)
	for i := range data {
		data[i] = byte(i % 251)
	}
	arr, err := plugin.NewArray("test_record", 8, data)
	if err != nil {
		t.Fatalf("failed to build array: %v", err)
	}
	return arr
}

func saveArray(t *testing.T, store *ContentStore, runID, key string, arr *plugin.Array) {
	t.Helper()

	err := store.Save(context.Background(), runID, key, arr.Stream(), SaveOptions{
		Dtype:       arr.Dtype,
		Itemsize:    arr.Itemsize,
		DataName:    "test_data",
		LineageHash: "abcd1234abcd1234",
	})
	if err != nil {
		t.Fatalf("failed to save %s: %v", key, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{Checksum: "sha256"})

	arr := testArray(t, 100)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry, got nil")
	}
	defer entry.Close()

	if entry.Array.Count() != 100 {
		t.Errorf("expected 100 records, got %d", entry.Array.Count())
	}
	if entry.Array.Dtype != "test_record" {
		t.Errorf("expected dtype test_record, got %s", entry.Array.Dtype)
	}
	if !bytes.Equal(entry.Array.Data, arr.Data) {
		t.Error("loaded data differs from saved data")
	}
	if entry.Meta.Checksum == "" || entry.Meta.ChecksumAlgorithm != "sha256" {
		t.Errorf("expected sha256 checksum in metadata, got %q/%q",
			entry.Meta.Checksum, entry.Meta.ChecksumAlgorithm)
	}
}

func TestSaveLoadCompressed(t *testing.T) {
	for _, backend := range []string{"gzip", "zstd"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			store := setupTestStore(t, Config{Compression: backend, Checksum: "xxh64"})

			arr := testArray(t, 512)
			saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

			entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if entry == nil {
				t.Fatal("expected entry, got nil")
			}
			defer entry.Close()

			if !entry.Meta.Compressed || entry.Meta.Compression != backend {
				t.Errorf("expected %s-compressed entry, got compressed=%t compression=%q",
					backend, entry.Meta.Compressed, entry.Meta.Compression)
			}
			if !bytes.Equal(entry.Array.Data, arr.Data) {
				t.Error("decompressed data differs from saved data")
			}
		})
	}
}

func TestTruncatedCompressedDataIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{Compression: "gzip"})

	arr := testArray(t, 512)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	info, err := os.Stat(store.DataPath("run1", "test_data-abcd1234abcd1234"))
	if err != nil {
		t.Fatal(err)
	}
	err = os.Truncate(store.DataPath("run1", "test_data-abcd1234abcd1234"), info.Size()/2)
	if err != nil {
		t.Fatal(err)
	}

	insp, err := store.Inspect(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if insp.Problem != ProblemSizeMismatch {
		t.Errorf("expected size mismatch, got %q", insp.Problem)
	}

	exists, err := store.Exists(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("truncated compressed entry must not exist")
	}

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("load should treat truncation as a miss, got %v", err)
	}
	if entry != nil {
		t.Fatal("expected nil entry for truncated compressed data")
	}
}

func TestLoadAbsentEntry(t *testing.T) {
	store := setupTestStore(t, Config{})

	entry, err := store.Load(context.Background(), "run1", "never_saved-0000000000000000")
	if err != nil {
		t.Fatalf("load of absent entry should not error, got %v", err)
	}
	if entry != nil {
		t.Fatal("expected nil entry for absent key")
	}
}

func TestEmptyStreamWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	empty := plugin.Array{Dtype: "test_record", Itemsize: 8}
	err := store.Save(ctx, "run1", "empty-0000000000000000", empty.Stream(), SaveOptions{
		Dtype: "test_record", Itemsize: 8,
	})
	if err != nil {
		t.Fatalf("saving empty stream failed: %v", err)
	}

	if _, err := os.Stat(store.DataPath("run1", "empty-0000000000000000")); !os.IsNotExist(err) {
		t.Error("empty stream should not produce a data file")
	}
	if _, err := os.Stat(store.MetaPath("run1", "empty-0000000000000000")); !os.IsNotExist(err) {
		t.Error("empty stream should not produce a metadata file")
	}

	exists, err := store.Exists(ctx, "run1", "empty-0000000000000000")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("empty entry should report absent")
	}
}

func TestFailedStreamLeavesNoFiles(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	calls := 0
	failing := plugin.FuncStream(func() ([]byte, error) {
		calls++
		if calls == 1 {
			return make([]byte, 64), nil
		}
		return nil, fmt.Errorf("detector disconnected")
	})

	err := store.Save(ctx, "run1", "partial-0000000000000000", failing, SaveOptions{
		Dtype: "test_record", Itemsize: 8,
	})
	if err == nil {
		t.Fatal("expected save to fail")
	}

	dir := filepath.Join(store.WorkDir(), "run1", "_cache")
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read cache dir: %v", err)
	}
	for _, f := range files {
		t.Errorf("unexpected leftover file after failed save: %s", f.Name())
	}
}

func TestCorruptMetadataIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	arr := testArray(t, 10)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	if err := os.WriteFile(store.MetaPath("run1", "test_data-abcd1234abcd1234"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("corrupt metadata must not surface as error, got %v", err)
	}
	if entry != nil {
		t.Fatal("corrupt metadata should load as nil")
	}

	insp, err := store.Inspect(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if insp == nil || insp.Problem != ProblemCorruptMetadata {
		t.Errorf("expected corrupt_metadata problem, got %+v", insp)
	}
}

func TestTruncatedDataIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	arr := testArray(t, 10)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	if err := os.WriteFile(store.DataPath("run1", "test_data-abcd1234abcd1234"), make([]byte, 17), 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("truncated data must not surface as error, got %v", err)
	}
	if entry != nil {
		t.Fatal("truncated entry should load as nil")
	}
}

func TestStorageVersionMismatchIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	arr := testArray(t, 10)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	metaPath := store.MetaPath("run1", "test_data-abcd1234abcd1234")
	meta, err := readMetadata(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	meta.StorageVersion = "0"
	raw, _ := json.Marshal(meta)
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("version mismatch must not surface as error, got %v", err)
	}
	if entry != nil {
		t.Fatal("version-mismatched entry should load as nil")
	}

	insp, _ := store.Inspect(ctx, "run1", "test_data-abcd1234abcd1234")
	if insp == nil || insp.Problem != ProblemStorageVersion {
		t.Errorf("expected storage_version problem, got %+v", insp)
	}
}

func TestChecksumVerification(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{Checksum: "sha256", VerifyChecksums: true})

	arr := testArray(t, 10)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	// Flip one byte; the size stays valid so only the checksum catches it.
	dataPath := store.DataPath("run1", "test_data-abcd1234abcd1234")
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(dataPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := store.Load(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("checksum mismatch must not surface as error, got %v", err)
	}
	if entry != nil {
		t.Fatal("checksum-mismatched entry should load as nil")
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	arr := testArray(t, 4)
	saveArray(t, store, "run1", "peaks-1111111111111111", arr)
	saveArray(t, store, "run1", "peaks-2222222222222222", arr)
	saveArray(t, store, "run1", "events-3333333333333333", arr)

	keys, err := store.Keys(ctx, "run1", "peaks-")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 peaks keys, got %d: %v", len(keys), keys)
	}

	all, err := store.Keys(ctx, "run1", "")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 keys, got %d: %v", len(all), all)
	}

	none, err := store.Keys(ctx, "no_such_run", "")
	if err != nil {
		t.Fatalf("keys on absent run failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no keys for absent run, got %v", none)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, Config{})

	arr := testArray(t, 16)
	saveArray(t, store, "run1", "test_data-abcd1234abcd1234", arr)

	reclaimed, err := store.Delete(ctx, "run1", "test_data-abcd1234abcd1234")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if reclaimed != int64(len(arr.Data)) {
		t.Errorf("expected %d bytes reclaimed, got %d", len(arr.Data), reclaimed)
	}

	exists, _ := store.Exists(ctx, "run1", "test_data-abcd1234abcd1234")
	if exists {
		t.Error("entry should be gone after delete")
	}

	// Deleting again is not an error.
	if _, err := store.Delete(ctx, "run1", "test_data-abcd1234abcd1234"); err != nil {
		t.Errorf("repeat delete should be a no-op, got %v", err)
	}
}

func TestLockTimeout(t *testing.T) {
	store := setupTestStore(t, Config{
		LockTimeout:    100 * time.Millisecond,
		LockRetryDelay: 10 * time.Millisecond,
		StaleLockAge:   time.Hour,
	})

	lockPath := store.LockPath("run1", "held-0000000000000000")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}

	held, err := acquireLock(context.Background(), lockPath, time.Second, 10*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}
	defer held.Release()

	arr := testArray(t, 4)
	err = store.Save(context.Background(), "run1", "held-0000000000000000", arr.Stream(), SaveOptions{
		Dtype: "test_record", Itemsize: 8,
	})
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	store := setupTestStore(t, Config{
		LockTimeout:    500 * time.Millisecond,
		LockRetryDelay: 10 * time.Millisecond,
		StaleLockAge:   50 * time.Millisecond,
	})

	lockPath := store.LockPath("run1", "orphan-0000000000000000")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	arr := testArray(t, 4)
	err := store.Save(context.Background(), "run1", "orphan-0000000000000000", arr.Stream(), SaveOptions{
		Dtype: "test_record", Itemsize: 8,
	})
	if err != nil {
		t.Fatalf("save should reclaim the stale lock, got %v", err)
	}
}
