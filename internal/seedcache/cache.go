package seedcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Overworldai/Biome/internal/errs"
	"github.com/Overworldai/Biome/internal/safety"
)

// defaultDir and uploadsDir are the two watched subdirectories under a
// Cache's root: pre-bundled seeds and user-uploaded seeds respectively.
const (
	defaultDir = "default"
	uploadsDir = "uploads"
)

// Classifier is the narrow slice of safety.Service the cache depends on,
// named here so tests can substitute a simpler fake without pulling in the
// full safety package's Service wiring. CheckOne runs on the CPU and is
// the path for single uploads; CheckBatch may use the accelerator and is
// reserved for bulk scans.
type Classifier interface {
	CheckOne(ctx context.Context, path string) (safety.Verdict, error)
	CheckBatch(ctx context.Context, paths []string, batchSize int) ([]safety.Verdict, error)
}

// Cache is the content-addressed seed index. All bulk mutations (Rescan,
// ValidateAndUpdate) run under a single mutex; reads of the snapshot wait
// on the same guard so callers never observe a partial scan.
type Cache struct {
	mu   sync.Mutex
	root string
	snap Snapshot

	classifier Classifier
	batchSize  int
}

// New loads (or initializes) the cache rooted at root, which must contain
// (or will have created) "default/" and "uploads/" subdirectories.
func New(root string, classifier Classifier, batchSize int) (*Cache, error) {
	for _, sub := range []string{defaultDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("seedcache: creating %s: %w", sub, err)
		}
	}

	c := &Cache{
		root:       root,
		snap:       loadSnapshot(filepath.Join(root, SnapshotFilename)),
		classifier: classifier,
		batchSize:  batchSize,
	}
	return c, nil
}

func (c *Cache) snapshotPath() string {
	return filepath.Join(c.root, SnapshotFilename)
}

// List returns a copy of every cached record. The default policy
// (includeUnsafe=false) hides unsafe records from callers; operators opt
// in to seeing them.
func (c *Cache) List(includeUnsafe bool) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.snap.Records))
	for _, r := range c.snap.Records {
		if !includeUnsafe && !r.IsSafe {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Get returns the cached record for filename, if any.
func (c *Cache) Get(filename string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.snap.Records[filename]
	return r, ok
}

// save persists the current snapshot. Callers must hold c.mu.
func (c *Cache) save() error {
	return saveSnapshot(c.snapshotPath(), c.snap)
}

// enumerateSeedFiles walks default/ and uploads/ returning (filename,
// absolutePath, isDefault) triples for every regular file with an allowed
// extension.
func (c *Cache) enumerateSeedFiles() ([]seedFile, error) {
	var files []seedFile
	for _, sub := range []string{defaultDir, uploadsDir} {
		dir := filepath.Join(c.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !AllowedExtensions[ext] {
				continue
			}
			files = append(files, seedFile{
				filename:  e.Name(),
				path:      filepath.Join(dir, e.Name()),
				isDefault: sub == defaultDir,
			})
		}
	}
	return files, nil
}

type seedFile struct {
	filename  string
	path      string
	isDefault bool
}

// Rescan enumerates every seed file in both watched directories, hashes
// each (I/O-parallel), classifies them all as one batch, and replaces the
// snapshot wholesale. This is the recovery primitive used whenever
// incremental repair can no longer trust the cached state. c.mu is held
// for the entire body, not just the final commit, so an operator-triggered
// rescan and a fsnotify-triggered ValidateAndUpdate can never
// enumerate/hash/classify concurrently and race on whose snapshot gets
// committed last.
func (c *Cache) Rescan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rescanLocked(ctx)
}

// rescanLocked is Rescan's body. Callers must already hold c.mu;
// ValidateAndUpdate calls this directly (rather than Rescan) so its
// hash-mismatch fallback doesn't try to re-acquire a mutex it already
// holds.
func (c *Cache) rescanLocked(ctx context.Context) error {
	files, err := c.enumerateSeedFiles()
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "seedcache: enumerate failed", err)
	}

	hashes, err := hashFilesParallel(files)
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "seedcache: hashing failed", err)
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}

	verdicts, err := c.classifier.CheckBatch(ctx, paths, c.batchSize)
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "seedcache: batch classification failed", err)
	}

	records := make(map[string]Record, len(files))
	now := time.Now()
	for i, f := range files {
		records[f.filename] = Record{
			Filename:     f.filename,
			Hash:         hashes[i],
			IsSafe:       verdicts[i].IsSafe,
			Scores:       verdicts[i].Scores,
			Path:         f.path,
			ClassifiedAt: now,
			IsDefault:    f.isDefault,
		}
	}

	c.snap = Snapshot{SchemaVersion: CurrentSchemaVersion, Records: records, LastScan: now}
	return c.save()
}

// ValidateAndUpdate incrementally repairs the cache: entries whose file
// has disappeared are dropped; if any entry's current hash no longer
// matches the cached hash, the whole snapshot is considered untrustworthy
// and ValidateAndUpdate falls back to rescanLocked. Files that have newly
// appeared on disk are then classified and inserted. Like Rescan, c.mu is
// held for the entire body, not just the final commit.
func (c *Cache) ValidateAndUpdate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	surviving := make(map[string]Record)
	for filename, rec := range c.snap.Records {
		if _, err := os.Stat(rec.Path); err != nil {
			if os.IsNotExist(err) {
				continue // file gone: drop the entry
			}
			return errs.Wrap(errs.FatalInternal, "seedcache: stat failed during validate", err)
		}

		h, err := hashFile(rec.Path)
		if err != nil {
			return errs.Wrap(errs.FatalInternal, "seedcache: hash failed during validate", err)
		}
		if h != rec.Hash {
			slog.Warn("seedcache: hash mismatch detected, falling back to full rescan", "filename", filename)
			return c.rescanLocked(ctx)
		}
		surviving[filename] = rec
	}

	files, err := c.enumerateSeedFiles()
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "seedcache: enumerate failed during validate", err)
	}

	var newFiles []seedFile
	for _, f := range files {
		if _, ok := surviving[f.filename]; !ok {
			newFiles = append(newFiles, f)
		}
	}

	if len(newFiles) > 0 {
		hashes, err := hashFilesParallel(newFiles)
		if err != nil {
			return errs.Wrap(errs.FatalInternal, "seedcache: hashing new files failed", err)
		}
		paths := make([]string, len(newFiles))
		for i, f := range newFiles {
			paths[i] = f.path
		}
		verdicts, err := c.classifier.CheckBatch(ctx, paths, c.batchSize)
		if err != nil {
			return errs.Wrap(errs.FatalInternal, "seedcache: classifying new files failed", err)
		}
		now := time.Now()
		for i, f := range newFiles {
			surviving[f.filename] = Record{
				Filename:     f.filename,
				Hash:         hashes[i],
				IsSafe:       verdicts[i].IsSafe,
				Scores:       verdicts[i].Scores,
				Path:         f.path,
				ClassifiedAt: now,
				IsDefault:    f.isDefault,
			}
		}
	}

	c.snap = Snapshot{SchemaVersion: CurrentSchemaVersion, Records: surviving, LastScan: time.Now()}
	return c.save()
}

// Upload writes data to uploads/filename, hashes and classifies it, and
// inserts the resulting record. Unsupported extensions are rejected before
// any file is written. If classification fails, the file is deleted so no
// orphan untrusted artifact is left behind.
func (c *Cache) Upload(ctx context.Context, filename string, data []byte) (Record, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return Record{}, errs.Validationf("seedcache: unsupported extension %q", ext)
	}

	path := filepath.Join(c.root, uploadsDir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Record{}, errs.Wrap(errs.FatalInternal, "seedcache: write upload failed", err)
	}

	h, err := hashFile(path)
	if err != nil {
		_ = os.Remove(path)
		return Record{}, errs.Wrap(errs.FatalInternal, "seedcache: hash upload failed", err)
	}

	// Single uploads classify on the CPU so a foreground upload never
	// steals accelerator time from the engine.
	verdict, err := c.classifier.CheckOne(ctx, path)
	if err != nil {
		_ = os.Remove(path)
		return Record{}, errs.Wrap(errs.FatalInternal, "seedcache: classify upload failed", err)
	}

	rec := Record{
		Filename:     filepath.Base(filename),
		Hash:         h,
		IsSafe:       verdict.IsSafe,
		Scores:       verdict.Scores,
		Path:         path,
		ClassifiedAt: time.Now(),
		IsDefault:    false,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Records[rec.Filename] = rec
	if err := c.save(); err != nil {
		return Record{}, errs.Wrap(errs.FatalInternal, "seedcache: persist upload failed", err)
	}
	return rec, nil
}

// Delete removes filename's uploaded file and cache entry. Default seeds
// are immutable and cannot be deleted through this call.
func (c *Cache) Delete(filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.snap.Records[filename]
	if !ok {
		return errs.NotFoundf("seedcache: %q not found", filename)
	}
	if rec.IsDefault || !strings.Contains(rec.Path, string(filepath.Separator)+uploadsDir+string(filepath.Separator)) {
		return errs.Integrityf("seedcache: %q is a default seed and cannot be deleted", filename)
	}

	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.FatalInternal, "seedcache: delete failed", err)
	}
	delete(c.snap.Records, filename)
	return c.save()
}

// Verify re-hashes filename's on-disk file and compares it to the cached
// hash, returning ErrIntegrityFailed on mismatch.
func (c *Cache) Verify(filename string) (Record, error) {
	c.mu.Lock()
	rec, ok := c.snap.Records[filename]
	c.mu.Unlock()
	if !ok {
		return Record{}, errs.Validationf("seedcache: %q not found", filename)
	}

	h, err := hashFile(rec.Path)
	if err != nil {
		return Record{}, errs.Wrap(errs.Integrity, "seedcache: re-hash failed", err)
	}
	if h != rec.Hash {
		return Record{}, errs.Tag(errs.Integrity, ErrIntegrityFailed)
	}
	return rec, nil
}
