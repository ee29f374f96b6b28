package safety

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
)

// FakeClassifier is a deterministic stand-in for the external safety model.
// Scores are derived from the content hash of each file and always fall in
// the safe range; tests mark specific paths unsafe through UnsafePaths,
// without needing a real inference binding.
type FakeClassifier struct {
	mu     sync.Mutex
	loaded bool
	device string

	// UnsafePaths, when set, forces a RiskLow-dominant (unsafe) verdict for
	// any path present in the set, regardless of content.
	UnsafePaths map[string]bool
	// FailPaths, when set, makes Classify return a decode error for that
	// path and ClassifyBatch give it an unsafe UnsafeFailureScores verdict,
	// exercising the per-image failure path.
	FailPaths map[string]bool
	// CrashOnBatch, when true, makes ClassifyBatch return an error for the
	// whole batch regardless of paths, modeling a classifier crash.
	CrashOnBatch bool

	// LoadCount and UnloadCount record how many times the model lifecycle
	// was entered/exited, for resource-discipline assertions in tests.
	LoadCount   int
	UnloadCount int
}

// NewFakeClassifier returns an unloaded FakeClassifier.
func NewFakeClassifier() *FakeClassifier {
	return &FakeClassifier{}
}

func (f *FakeClassifier) Load(ctx context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	f.device = device
	f.LoadCount++
	return nil
}

func (f *FakeClassifier) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	f.UnloadCount++
	return nil
}

func (f *FakeClassifier) Classify(ctx context.Context, path string) (Verdict, error) {
	f.mu.Lock()
	loaded := f.loaded
	f.mu.Unlock()
	if !loaded {
		return Verdict{}, fmt.Errorf("safety: classify called before model load")
	}
	return f.score(path)
}

func (f *FakeClassifier) ClassifyBatch(ctx context.Context, paths []string) ([]Verdict, error) {
	f.mu.Lock()
	loaded, crash := f.loaded, f.CrashOnBatch
	f.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("safety: classify_batch called before model load")
	}
	if crash {
		return nil, fmt.Errorf("safety: classifier crashed during batch inference")
	}

	out := make([]Verdict, len(paths))
	for i, p := range paths {
		v, err := f.score(p)
		if err != nil {
			out[i] = Verdict{IsSafe: false, Scores: UnsafeFailureScores}
			continue
		}
		out[i] = v
	}
	return out, nil
}

func (f *FakeClassifier) score(path string) (Verdict, error) {
	if f.FailPaths[path] {
		return Verdict{}, fmt.Errorf("safety: failed to decode %s", path)
	}
	if f.UnsafePaths[path] {
		s := Scores{Neutral: 0, Low: 0.9, Medium: 0.05, High: 0.05}
		return Verdict{IsSafe: s.IsSafe(), Scores: s}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: failed to read %s: %w", path, err)
	}

	h := fnv.New32a()
	_, _ = h.Write(data)
	// Map the hash into [0, 0.2) so default content always scores safe;
	// only UnsafePaths ever produces an unsafe verdict from this fake.
	low := float64(h.Sum32()%1000) / 5000.0
	s := Scores{Neutral: 1 - low, Low: low, Medium: 0, High: 0}
	return Verdict{IsSafe: s.IsSafe(), Scores: s}, nil
}
