package rundb

import "time"

// Run is one row of the run catalog.
type Run struct {
	ID             string    `json:"id"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EntryCount     int       `json:"entry_count"`
	TotalBytes     int64     `json:"total_bytes"`
}

// CacheEntry is one live cache entry known to the catalog.
type CacheEntry struct {
	RunID         string    `json:"run_id"`
	Key           string    `json:"key"`
	DataName      string    `json:"data_name"`
	LineageHash   string    `json:"lineage_hash"`
	PluginVersion string    `json:"plugin_version"`
	RecordCount   int       `json:"record_count"`
	SizeBytes     int64     `json:"size_bytes"`
	Compressed    bool      `json:"compressed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EventType classifies a cache mutation in the audit trail.
type EventType string

const (
	// EventSaved records a successful save.
	EventSaved EventType = "saved"

	// EventDeleted records a cleanup deletion.
	EventDeleted EventType = "deleted"
)

// CacheEvent is one row of the append-only audit trail.
type CacheEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Key       string    `json:"key"`
	Event     EventType `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
