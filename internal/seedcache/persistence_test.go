package seedcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Overworldai/Biome/internal/safety"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTripsLosslessly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SnapshotFilename)

	now := time.Now().Truncate(time.Second)
	snap := Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		LastScan:      now,
		Records: map[string]Record{
			"a.png": {
				Filename:     "a.png",
				Hash:         "deadbeef",
				IsSafe:       true,
				Scores:       safety.Scores{Neutral: 0.9, Low: 0.1},
				Path:         "/seeds/default/a.png",
				ClassifiedAt: now,
				IsDefault:    true,
			},
		},
	}

	require.NoError(t, saveSnapshot(path, snap))
	loaded := loadSnapshot(path)

	require.Equal(t, snap.SchemaVersion, loaded.SchemaVersion)
	require.Equal(t, snap.LastScan.Unix(), loaded.LastScan.Unix())
	require.Equal(t, snap.Records["a.png"].Hash, loaded.Records["a.png"].Hash)
	require.Equal(t, snap.Records["a.png"].Scores, loaded.Records["a.png"].Scores)
}

func TestLoadSnapshot_MissingFileReturnsEmpty(t *testing.T) {
	loaded := loadSnapshot(filepath.Join(t.TempDir(), "nope.bin"))
	require.Equal(t, CurrentSchemaVersion, loaded.SchemaVersion)
	require.Empty(t, loaded.Records)
}

func TestLoadSnapshot_CorruptFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SnapshotFilename)
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream at all"), 0o644))

	loaded := loadSnapshot(path)
	require.Equal(t, CurrentSchemaVersion, loaded.SchemaVersion)
	require.Empty(t, loaded.Records)
}
