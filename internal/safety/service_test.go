package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name string, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestCheckOne_LoadsAndUnloadsAroundCall(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "a.png", "hello")

	fc := NewFakeClassifier()
	svc := NewService(fc, "cuda")

	_, err := svc.CheckOne(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 1, fc.LoadCount)
	require.Equal(t, 1, fc.UnloadCount)
}

func TestCheckOne_UnsafeVerdict(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "bad.png", "x")

	fc := NewFakeClassifier()
	fc.UnsafePaths = map[string]bool{path: true}
	svc := NewService(fc, "cuda")

	v, err := svc.CheckOne(context.Background(), path)
	require.NoError(t, err)
	require.False(t, v.IsSafe)
	require.True(t, v.Scores.Low >= 0.5)
}

func TestVerdictRule_LowBoundaryIsExclusive(t *testing.T) {
	require.True(t, Scores{Low: 0.49}.IsSafe())
	require.False(t, Scores{Low: 0.5}.IsSafe())
	require.False(t, Scores{Low: 0.51}.IsSafe())
}

func TestCheckBatch_PerImageFailureMarksUnsafeAndContinues(t *testing.T) {
	dir := t.TempDir()
	ok := writeTempFile(t, dir, "ok.png", "content")
	missing := filepath.Join(dir, "does-not-exist.png")

	fc := NewFakeClassifier()
	svc := NewService(fc, "cuda")

	verdicts, err := svc.CheckBatch(context.Background(), []string{ok, missing}, 8)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	require.True(t, verdicts[0].IsSafe)
	require.False(t, verdicts[1].IsSafe)
	require.Equal(t, UnsafeFailureScores, verdicts[1].Scores)
}

func TestCheckBatch_ClassifierCrashFailsWholeBatch(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.png", "1")
	b := writeTempFile(t, dir, "b.png", "2")

	fc := NewFakeClassifier()
	fc.CrashOnBatch = true
	svc := NewService(fc, "cuda")

	_, err := svc.CheckBatch(context.Background(), []string{a, b}, 8)
	require.Error(t, err)
}

func TestCheckBatch_PreservesInputOrderAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 10; i++ {
		paths = append(paths, writeTempFile(t, dir, string(rune('a'+i))+".png", "same content"))
	}

	fc := NewFakeClassifier()
	unsafe := paths[3]
	fc.UnsafePaths = map[string]bool{unsafe: true}
	svc := NewService(fc, "cuda")

	verdicts, err := svc.CheckBatch(context.Background(), paths, 3)
	require.NoError(t, err)
	require.Len(t, verdicts, 10)
	for i, v := range verdicts {
		if paths[i] == unsafe {
			require.False(t, v.IsSafe, "index %d expected unsafe", i)
		} else {
			require.True(t, v.IsSafe, "index %d expected safe", i)
		}
	}
}

func TestCheckBatch_EmptyInput(t *testing.T) {
	fc := NewFakeClassifier()
	svc := NewService(fc, "cuda")

	verdicts, err := svc.CheckBatch(context.Background(), nil, 8)
	require.NoError(t, err)
	require.Nil(t, verdicts)
}
