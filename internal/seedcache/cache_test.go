package seedcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Overworldai/Biome/internal/safety"
	"github.com/stretchr/testify/require"
)

// fakeClassifier scores every path as safe unless listed in unsafe.
type fakeClassifier struct {
	unsafe map[string]bool
	calls  int
}

func (f *fakeClassifier) CheckOne(ctx context.Context, path string) (safety.Verdict, error) {
	f.calls++
	return f.score(path), nil
}

func (f *fakeClassifier) CheckBatch(ctx context.Context, paths []string, batchSize int) ([]safety.Verdict, error) {
	f.calls++
	out := make([]safety.Verdict, len(paths))
	for i, p := range paths {
		out[i] = f.score(p)
	}
	return out, nil
}

func (f *fakeClassifier) score(path string) safety.Verdict {
	if f.unsafe[path] {
		return safety.Verdict{IsSafe: false, Scores: safety.Scores{Low: 0.9}}
	}
	return safety.Verdict{IsSafe: true, Scores: safety.Scores{Low: 0.1}}
}

func setupCache(t *testing.T) (*Cache, *fakeClassifier, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, defaultDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, uploadsDir), 0o755))

	fc := &fakeClassifier{unsafe: map[string]bool{}}
	c, err := New(root, fc, 8)
	require.NoError(t, err)
	return c, fc, root
}

func TestRescan_EnumeratesAndClassifiesAllSeeds(t *testing.T) {
	c, _, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, uploadsDir, "b.jpg"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "skip.txt"), []byte("c"), 0o644))

	require.NoError(t, c.Rescan(context.Background()))

	records := c.List(true)
	require.Len(t, records, 2)
}

func TestUpload_RejectsUnsupportedExtension(t *testing.T) {
	c, _, _ := setupCache(t)
	_, err := c.Upload(context.Background(), "evil.exe", []byte("x"))
	require.Error(t, err)
}

func TestUpload_ThenListThenVerifyRoundTrip(t *testing.T) {
	c, _, _ := setupCache(t)
	rec, err := c.Upload(context.Background(), "new.png", []byte("hello world"))
	require.NoError(t, err)
	require.True(t, rec.IsSafe)

	records := c.List(false)
	require.Len(t, records, 1)
	require.Equal(t, "new.png", records[0].Filename)

	verified, err := c.Verify("new.png")
	require.NoError(t, err)
	require.Equal(t, rec.Hash, verified.Hash)
}

func TestUpload_ClassifierFailureDeletesOrphanFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, defaultDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, uploadsDir), 0o755))

	c, err := New(root, &crashingClassifier{}, 8)
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), "bad.png", []byte("data"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, uploadsDir, "bad.png"))
	require.True(t, os.IsNotExist(statErr), "orphan upload file should have been deleted")
}

type crashingClassifier struct{}

func (c *crashingClassifier) CheckOne(ctx context.Context, path string) (safety.Verdict, error) {
	return safety.Verdict{}, errors.New("classifier crashed")
}

func (c *crashingClassifier) CheckBatch(ctx context.Context, paths []string, batchSize int) ([]safety.Verdict, error) {
	return nil, errors.New("classifier crashed")
}

func TestDelete_RejectsDefaultSeed(t *testing.T) {
	c, _, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "keep.png"), []byte("x"), 0o644))
	require.NoError(t, c.Rescan(context.Background()))

	err := c.Delete("keep.png")
	require.Error(t, err)
}

func TestDelete_RemovesUploadedSeed(t *testing.T) {
	c, _, _ := setupCache(t)
	_, err := c.Upload(context.Background(), "mine.png", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, c.Delete("mine.png"))
	_, ok := c.Get("mine.png")
	require.False(t, ok)
}

func TestVerify_DetectsTamperedFile(t *testing.T) {
	c, _, root := setupCache(t)
	_, err := c.Upload(context.Background(), "a.png", []byte("original"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, uploadsDir, "a.png"), []byte("tampered"), 0o644))

	_, err = c.Verify("a.png")
	require.ErrorIs(t, err, ErrIntegrityFailed)
	require.Equal(t, "File integrity verification failed - please rescan seeds", err.Error())
}

func TestValidateAndUpdate_DropsEntryForDeletedFile(t *testing.T) {
	c, _, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, c.Rescan(context.Background()))
	require.Len(t, c.List(true), 1)

	require.NoError(t, os.Remove(filepath.Join(root, defaultDir, "a.png")))
	require.NoError(t, c.ValidateAndUpdate(context.Background()))
	require.Len(t, c.List(true), 0)
}

func TestValidateAndUpdate_InsertsNewlyAppearedFile(t *testing.T) {
	c, _, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, c.Rescan(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "b.png"), []byte("b"), 0o644))
	require.NoError(t, c.ValidateAndUpdate(context.Background()))
	require.Len(t, c.List(true), 2)
}

func TestValidateAndUpdate_HashMismatchTriggersFullRescan(t *testing.T) {
	c, fc, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, c.Rescan(context.Background()))
	callsBefore := fc.calls

	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a-modified"), 0o644))
	require.NoError(t, c.ValidateAndUpdate(context.Background()))

	require.Greater(t, fc.calls, callsBefore, "hash mismatch must trigger a fresh classification pass via rescan")
	rec, ok := c.Get("a.png")
	require.True(t, ok)
	hashed, err := hashFile(filepath.Join(root, defaultDir, "a.png"))
	require.NoError(t, err)
	require.Equal(t, hashed, rec.Hash)
}

func TestValidateAndUpdate_NoopIsIdempotent(t *testing.T) {
	c, _, root := setupCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultDir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, c.Rescan(context.Background()))

	before := c.List(true)
	require.NoError(t, c.ValidateAndUpdate(context.Background()))
	after := c.List(true)

	require.Equal(t, before, after)
}

func TestList_DefaultExcludesUnsafe(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, defaultDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, uploadsDir), 0o755))

	safePath := filepath.Join(root, defaultDir, "safe.png")
	unsafePath := filepath.Join(root, defaultDir, "unsafe.png")
	require.NoError(t, os.WriteFile(safePath, []byte("safe"), 0o644))
	require.NoError(t, os.WriteFile(unsafePath, []byte("unsafe"), 0o644))

	fc := &fakeClassifier{unsafe: map[string]bool{unsafePath: true}}
	c, err := New(root, fc, 8)
	require.NoError(t, err)
	require.NoError(t, c.Rescan(context.Background()))

	require.Len(t, c.List(false), 1)
	require.Len(t, c.List(true), 2)
}
