package seedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
)

// hashFile computes the hex-encoded SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFilesParallel computes the SHA-256 of every file concurrently,
// returning hashes in the same order as files. Hashing is pure disk I/O and
// CPU, so it parallelizes freely without touching the GPU worker.
func hashFilesParallel(files []seedFile) ([]string, error) {
	out := make([]string, len(files))
	errsOut := make([]error, len(files))

	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			h, err := hashFile(path)
			out[i] = h
			errsOut[i] = err
		}(i, f.path)
	}
	wg.Wait()

	for _, err := range errsOut {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
