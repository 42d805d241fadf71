package rundb

import (
	"context"

	"github.com/strata-daq/strata/pkg/storage"
)

// Recorder adapts the catalog to the content store's save hook.
type Recorder struct {
	catalog *Catalog
}

// NewRecorder creates a recorder backed by the given catalog.
func NewRecorder(catalog *Catalog) *Recorder {
	return &Recorder{catalog: catalog}
}

// RecordSave implements storage.Recorder.
func (r *Recorder) RecordSave(ctx context.Context, rec storage.SaveRecord) error {
	return r.catalog.RecordSave(ctx, CacheEntry{
		RunID:         rec.RunID,
		Key:           rec.Key,
		DataName:      rec.DataName,
		LineageHash:   rec.LineageHash,
		PluginVersion: rec.PluginVersion,
		RecordCount:   rec.Count,
		SizeBytes:     rec.SizeBytes,
		Compressed:    rec.Compressed,
	})
}
