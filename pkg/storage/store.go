package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/strata-daq/strata/pkg/plugin"
	"github.com/strata-daq/strata/pkg/telemetry"
)

// cacheDirName is the per-run cache directory under the work dir.
const cacheDirName = "_cache"

// Config holds content store configuration.
type Config struct {
	// WorkDir is the root directory; entries live under
	// WorkDir/{runID}/_cache/.
	WorkDir string

	// Compression names the backend applied to new entries ("" disables;
	// "gzip" and "zstd" are available).
	Compression string

	// Checksum names the algorithm applied to new entries ("" disables;
	// "sha256" and "xxh64" are available). Verification at load follows
	// whatever the entry's metadata records.
	Checksum string

	// VerifyChecksums controls checksum verification on load.
	VerifyChecksums bool

	// LockTimeout bounds how long a save waits for the per-key lock.
	LockTimeout time.Duration

	// LockRetryDelay is the poll interval while waiting for the lock.
	LockRetryDelay time.Duration

	// StaleLockAge is the age after which an orphaned lock file is
	// reclaimed. Zero disables reclamation.
	StaleLockAge time.Duration
}

// SaveOptions carries the caller-supplied metadata for one save.
type SaveOptions struct {
	Dtype         string
	Itemsize      int
	DataName      string
	LineageHash   string
	Lineage       json.RawMessage
	PluginVersion string
	Extra         map[string]interface{}
}

// SaveRecord describes a completed save for catalog recording.
type SaveRecord struct {
	RunID         string
	Key           string
	DataName      string
	LineageHash   string
	PluginVersion string
	Count         int
	SizeBytes     int64
	Compressed    bool
	Timestamp     time.Time
}

// Recorder receives a notification after every successful save. Failures
// to record never fail the save itself.
type Recorder interface {
	RecordSave(ctx context.Context, rec SaveRecord) error
}

// Entry is a loaded cache entry. Uncompressed entries are zero-copy
// memory-mapped views; Close releases the mapping. Compressed entries are
// fully decompressed into memory and Close is a no-op.
type Entry struct {
	Array *plugin.Array
	Meta  *Metadata

	closer func() error
}

// Close releases any resources backing the entry's data.
func (e *Entry) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	err := e.closer()
	e.closer = nil
	return err
}

// ContentStore is the durable key→blob persistence layer. One physical
// location exists per (runID, key); concurrent writers serialize through
// per-key advisory file locks.
type ContentStore struct {
	cfg        Config
	compressor Compressor
	log        *telemetry.Logger
	metrics    *telemetry.Metrics
	recorder   Recorder
}

// NewContentStore creates a content store rooted at cfg.WorkDir.
func NewContentStore(cfg Config, log *telemetry.Logger, metrics *telemetry.Metrics) (*ContentStore, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.LockRetryDelay == 0 {
		cfg.LockRetryDelay = 50 * time.Millisecond
	}
	if cfg.StaleLockAge == 0 {
		cfg.StaleLockAge = 10 * time.Minute
	}
	if cfg.Checksum != "" {
		if _, err := newChecksumHash(cfg.Checksum); err != nil {
			return nil, err
		}
	}

	var compressor Compressor
	if cfg.Compression != "" {
		c, err := lookupCompressor(cfg.Compression)
		if err != nil {
			return nil, err
		}
		compressor = c
	}

	if log == nil {
		log = telemetry.NewNopLogger()
	}

	return &ContentStore{
		cfg:        cfg,
		compressor: compressor,
		log:        log.NewComponentLogger("storage"),
		metrics:    metrics,
	}, nil
}

// SetRecorder attaches a catalog recorder notified after each save.
func (s *ContentStore) SetRecorder(r Recorder) {
	s.recorder = r
}

// WorkDir returns the store's root directory.
func (s *ContentStore) WorkDir() string {
	return s.cfg.WorkDir
}

func (s *ContentStore) cacheDir(runID string) string {
	return filepath.Join(s.cfg.WorkDir, runID, cacheDirName)
}

// DataPath returns the data file path for (runID, key).
func (s *ContentStore) DataPath(runID, key string) string {
	return filepath.Join(s.cacheDir(runID), key+".bin")
}

// MetaPath returns the metadata sidecar path for (runID, key).
func (s *ContentStore) MetaPath(runID, key string) string {
	return filepath.Join(s.cacheDir(runID), key+".json")
}

// LockPath returns the lock file path for (runID, key).
func (s *ContentStore) LockPath(runID, key string) string {
	return filepath.Join(s.cacheDir(runID), key+".lock")
}

// Save persists a record stream under (runID, key). The final data file
// and its sidecar become visible only after the stream has been consumed
// completely without error; a failed or interrupted save leaves no
// partial files behind. An empty stream writes nothing.
func (s *ContentStore) Save(ctx context.Context, runID, key string, stream plugin.RecordStream, opts SaveOptions) error {
	if opts.Itemsize <= 0 {
		return fmt.Errorf("itemsize must be positive, got %d", opts.Itemsize)
	}

	dir := s.cacheDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	lockStart := time.Now()
	lock, err := acquireLock(ctx, s.LockPath(runID, key), s.cfg.LockTimeout, s.cfg.LockRetryDelay, s.cfg.StaleLockAge)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer lock.Release()
	s.metrics.ObserveLockWait(time.Since(lockStart))

	written, err := s.writeStream(dir, key, stream)
	if err != nil {
		return err
	}
	if written == nil {
		// Zero-record stream: nothing on disk, loads report absent.
		return nil
	}
	defer func() {
		if written != nil {
			_ = os.Remove(written.path)
		}
	}()

	if written.size%int64(opts.Itemsize) != 0 {
		return fmt.Errorf("stream for %s wrote %d bytes, not a multiple of itemsize %d", key, written.size, opts.Itemsize)
	}
	count := int(written.size / int64(opts.Itemsize))

	finalTmp := written.path
	compressed := false
	if s.compressor != nil {
		compressedTmp, err := s.compressFile(dir, key, written.path)
		if err != nil {
			return err
		}
		_ = os.Remove(written.path)
		written.path = compressedTmp
		finalTmp = compressedTmp
		compressed = true
	}

	meta := &Metadata{
		Count:          count,
		Dtype:          opts.Dtype,
		Itemsize:       opts.Itemsize,
		StorageVersion: StorageVersion,
		Timestamp:      float64(time.Now().UnixNano()) / float64(time.Second),
		Compressed:     compressed,
		DataName:       opts.DataName,
		LineageHash:    opts.LineageHash,
		Lineage:        opts.Lineage,
		PluginVersion:  opts.PluginVersion,
		Extra:          opts.Extra,
	}
	if compressed {
		meta.Compression = s.compressor.Name()
	}
	if s.cfg.Checksum != "" {
		sum, err := fileChecksum(finalTmp, s.cfg.Checksum)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", key, err)
		}
		meta.Checksum = sum
		meta.ChecksumAlgorithm = s.cfg.Checksum
	}

	finalInfo, err := os.Stat(finalTmp)
	if err != nil {
		return fmt.Errorf("failed to stat temp file for %s: %w", key, err)
	}
	if compressed {
		meta.StoredSize = finalInfo.Size()
	}

	if err := os.Rename(finalTmp, s.DataPath(runID, key)); err != nil {
		return fmt.Errorf("failed to publish data file for %s: %w", key, err)
	}
	written = nil // data file is live; stop cleaning up the temp

	if err := s.writeMetadata(dir, s.MetaPath(runID, key), meta); err != nil {
		// Remove the orphaned data file so the entry stays all-or-nothing.
		_ = os.Remove(s.DataPath(runID, key))
		return err
	}

	s.metrics.AddSaveBytes(finalInfo.Size())
	s.log.WithRunID(runID).WithField("key", key).
		Debugf("saved %d records (%d bytes, compressed=%t)", count, finalInfo.Size(), compressed)

	if s.recorder != nil {
		rec := SaveRecord{
			RunID:         runID,
			Key:           key,
			DataName:      opts.DataName,
			LineageHash:   opts.LineageHash,
			PluginVersion: opts.PluginVersion,
			Count:         count,
			SizeBytes:     finalInfo.Size(),
			Compressed:    compressed,
			Timestamp:     time.Now(),
		}
		if err := s.recorder.RecordSave(ctx, rec); err != nil {
			s.log.WithError(err).Warnf("failed to record save of %s in catalog", key)
		}
	}

	return nil
}

// writtenFile tracks a fully-consumed temp file awaiting publication.
type writtenFile struct {
	path string
	size int64
}

// writeStream drains the stream into a temp file. Returns nil for an
// empty stream. Any error removes the temp file.
func (s *ContentStore) writeStream(dir, key string, stream plugin.RecordStream) (*writtenFile, error) {
	tmp, err := os.CreateTemp(dir, "."+key+".bin.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()

	var size int64
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("stream for %s failed after %d bytes: %w", key, size, err)
		}
		n, err := tmp.Write(chunk)
		size += int64(n)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to write data for %s: %w", key, err)
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file for %s: %w", key, err)
	}

	if size == 0 {
		_ = os.Remove(tmpPath)
		return nil, nil
	}

	return &writtenFile{path: tmpPath, size: size}, nil
}

// compressFile compresses src into a new temp file and returns its path.
func (s *ContentStore) compressFile(dir, key, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to reopen temp file for %s: %w", key, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "."+key+".bin.cz-*")
	if err != nil {
		return "", fmt.Errorf("failed to create compressed temp file for %s: %w", key, err)
	}
	outPath := out.Name()

	cw, err := s.compressor.NewWriter(out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", err
	}
	if _, err := io.Copy(cw, in); err != nil {
		_ = cw.Close()
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("failed to compress %s: %w", key, err)
	}
	if err := cw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("failed to finish compressing %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("failed to close compressed file for %s: %w", key, err)
	}

	return outPath, nil
}

// writeMetadata publishes the sidecar via write-temp-then-rename.
func (s *ContentStore) writeMetadata(dir, metaPath string, meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".meta.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close metadata temp file: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to publish metadata: %w", err)
	}

	return nil
}

// Inspect validates the entry under (runID, key) without materializing
// its data. A missing sidecar returns (nil, nil): the entry is absent.
func (s *ContentStore) Inspect(ctx context.Context, runID, key string) (*Inspection, error) {
	_ = ctx

	meta, err := readMetadata(s.MetaPath(runID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		// Unparseable sidecar: corrupt, not absent, so diagnostics can
		// still find it.
		return &Inspection{Problem: ProblemCorruptMetadata}, nil
	}

	insp := &Inspection{Meta: meta}

	info, err := os.Stat(s.DataPath(runID, key))
	if err != nil {
		insp.Problem = ProblemMissingData
		return insp, nil
	}
	insp.DataSize = info.Size()

	if meta.StorageVersion != StorageVersion {
		insp.Problem = ProblemStorageVersion
		return insp, nil
	}

	if meta.Compressed {
		if meta.StoredSize > 0 && insp.DataSize != meta.StoredSize {
			insp.Problem = ProblemSizeMismatch
			return insp, nil
		}
	} else if insp.DataSize != meta.expectedSize() {
		insp.Problem = ProblemSizeMismatch
		return insp, nil
	}

	if s.cfg.VerifyChecksums && meta.Checksum != "" {
		sum, err := fileChecksum(s.DataPath(runID, key), meta.ChecksumAlgorithm)
		if err != nil || sum != meta.Checksum {
			insp.Problem = ProblemChecksum
			return insp, nil
		}
	}

	return insp, nil
}

// Exists reports whether a valid entry exists under (runID, key). It
// applies the same validation as Load without materializing data.
func (s *ContentStore) Exists(ctx context.Context, runID, key string) (bool, error) {
	insp, err := s.Inspect(ctx, runID, key)
	if err != nil {
		return false, err
	}
	return insp.Valid(), nil
}

// Load returns the entry under (runID, key), or nil when it is absent or
// fails validation. Validation failures are logged and counted but never
// surface as errors; the caller recomputes.
func (s *ContentStore) Load(ctx context.Context, runID, key string) (*Entry, error) {
	insp, err := s.Inspect(ctx, runID, key)
	if err != nil {
		return nil, err
	}
	if insp == nil {
		return nil, nil
	}
	if !insp.Valid() {
		s.metrics.IncCorruptEntries(string(insp.Problem))
		s.log.WithRunID(runID).WithField("key", key).
			Warnf("cache entry failed validation (%s), treating as miss", insp.Problem)
		return nil, nil
	}

	meta := insp.Meta
	if meta.Compressed {
		return s.loadCompressed(runID, key, meta)
	}
	return s.loadMapped(runID, key, meta)
}

// loadMapped returns a zero-copy read-only view of an uncompressed entry.
func (s *ContentStore) loadMapped(runID, key string, meta *Metadata) (*Entry, error) {
	f, err := os.Open(s.DataPath(runID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open data file for %s: %w", key, err)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to mmap data file for %s: %w", key, err)
	}

	s.metrics.AddLoadBytes(int64(len(m)))

	arr := &plugin.Array{Dtype: meta.Dtype, Itemsize: meta.Itemsize, Data: m}
	return &Entry{
		Array: arr,
		Meta:  meta,
		closer: func() error {
			unmapErr := m.Unmap()
			closeErr := f.Close()
			if unmapErr != nil {
				return unmapErr
			}
			return closeErr
		},
	}, nil
}

// loadCompressed decompresses an entry fully into memory.
func (s *ContentStore) loadCompressed(runID, key string, meta *Metadata) (*Entry, error) {
	f, err := os.Open(s.DataPath(runID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open data file for %s: %w", key, err)
	}
	defer f.Close()

	compressor, err := lookupCompressor(meta.Compression)
	if err != nil {
		s.metrics.IncCorruptEntries(string(ProblemCorruptMetadata))
		s.log.WithRunID(runID).WithField("key", key).
			Warnf("cache entry uses unknown compression %q, treating as miss", meta.Compression)
		return nil, nil
	}

	r, err := compressor.NewReader(f)
	if err != nil {
		s.metrics.IncCorruptEntries(string(ProblemSizeMismatch))
		s.log.WithRunID(runID).WithField("key", key).
			Warnf("failed to open compressed cache entry, treating as miss: %v", err)
		return nil, nil
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil || int64(len(data)) != meta.expectedSize() {
		s.metrics.IncCorruptEntries(string(ProblemSizeMismatch))
		s.log.WithRunID(runID).WithField("key", key).
			Warnf("compressed cache entry did not decompress to %d bytes, treating as miss", meta.expectedSize())
		return nil, nil
	}

	s.metrics.AddLoadBytes(int64(len(data)))

	arr := &plugin.Array{Dtype: meta.Dtype, Itemsize: meta.Itemsize, Data: data}
	return &Entry{Array: arr, Meta: meta}, nil
}

// Keys lists the cache keys under runID whose names start with prefix.
func (s *ContentStore) Keys(ctx context.Context, runID, prefix string) ([]string, error) {
	_ = ctx

	entries, err := os.ReadDir(s.cacheDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		key := name[:len(name)-len(".json")]
		if prefix == "" || len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Delete removes the entry under (runID, key), returning the bytes
// reclaimed. Missing files are not an error.
func (s *ContentStore) Delete(ctx context.Context, runID, key string) (int64, error) {
	_ = ctx

	var reclaimed int64
	if info, err := os.Stat(s.DataPath(runID, key)); err == nil {
		reclaimed += info.Size()
	}
	if err := os.Remove(s.DataPath(runID, key)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to delete data file for %s: %w", key, err)
	}
	if err := os.Remove(s.MetaPath(runID, key)); err != nil && !os.IsNotExist(err) {
		return reclaimed, fmt.Errorf("failed to delete metadata for %s: %w", key, err)
	}
	return reclaimed, nil
}
