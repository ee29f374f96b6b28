package seedcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SnapshotFilename is the single on-disk blob the cache persists to.
const SnapshotFilename = ".seeds_cache.bin"

// loadSnapshot reads the snapshot at path, returning an empty snapshot if
// the file is absent or its contents are corrupt/unreadable.
func loadSnapshot(path string) Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return emptySnapshot()
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return emptySnapshot()
	}
	if snap.SchemaVersion > CurrentSchemaVersion || snap.Records == nil {
		return emptySnapshot()
	}
	return snap
}

// saveSnapshot persists snap to path via a temp-file-then-rename so a
// concurrent reader (or a crash mid-write) never observes a partial file.
func saveSnapshot(path string, snap Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ErrIntegrityFailed is returned by Verify when a file's on-disk content no
// longer matches its cached hash. The text is the client-facing message
// delivered verbatim over the session channel.
var ErrIntegrityFailed = errors.New("File integrity verification failed - please rescan seeds")
