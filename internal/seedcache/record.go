// Package seedcache implements the content-addressed, on-disk index of
// vetted seed images: filename to (content hash, safety verdict, scores,
// classification timestamp, on-disk path). It keeps itself consistent
// across process restarts and directory mutations via rescan and
// validate-and-repair passes, and persists to a single binary snapshot
// file.
package seedcache

import (
	"time"

	"github.com/Overworldai/Biome/internal/safety"
)

// AllowedExtensions is the upload allowlist; anything else is rejected.
var AllowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Record is one cached seed's full state.
type Record struct {
	Filename     string        `json:"filename"`
	Hash         string        `json:"hash"` // hex-encoded SHA-256
	IsSafe       bool          `json:"is_safe"`
	Scores       safety.Scores `json:"scores"`
	Path         string        `json:"path"`
	ClassifiedAt time.Time     `json:"classified_at"`
	Error        string        `json:"error,omitempty"`
	IsDefault    bool          `json:"is_default"`
}

// Snapshot is the full on-disk cache state.
type Snapshot struct {
	SchemaVersion int               `json:"schema_version"`
	Records       map[string]Record `json:"records"`
	LastScan      time.Time         `json:"last_scan"`
}

// CurrentSchemaVersion is bumped whenever Snapshot's on-disk encoding
// changes incompatibly. Load rejects snapshots from a newer version and
// falls back to an empty one, matching the "or return an empty one if
// absent/corrupt" load semantics.
const CurrentSchemaVersion = 1

func emptySnapshot() Snapshot {
	return Snapshot{SchemaVersion: CurrentSchemaVersion, Records: map[string]Record{}}
}
