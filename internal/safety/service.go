package safety

import (
	"context"
	"sync"

	"github.com/Overworldai/Biome/internal/errs"
)

// Lifecycle is implemented by classifiers that hold device resources only
// for the duration of a call. Service loads the model immediately before
// use and unloads it immediately after, regardless of outcome, so the
// engine gets the device memory back between requests.
type Lifecycle interface {
	Load(ctx context.Context, device string) error
	Unload(ctx context.Context) error
}

// ManagedClassifier is a Classifier that also implements Lifecycle.
type ManagedClassifier interface {
	Classifier
	Lifecycle
}

// Service wraps a ManagedClassifier with a load-on-demand/unload-after-use
// resource discipline, serialized end to end by a single mutex. CheckOne
// and CheckBatch never run concurrently with each other and batch chunks
// are processed sequentially: a device-resident model cannot tolerate
// concurrent Load/Unload/infer calls any more than the world engine can.
//
// CPU is used for single-image checks so the engine never loses
// accelerator time to a foreground safety check; the batch path may use
// the accelerator for throughput since it is not on a per-frame critical
// path.
type Service struct {
	mu sync.Mutex

	classifier  ManagedClassifier
	cpuDevice   string
	accelDevice string
}

// NewService builds a Service. accelDevice is the device batch classification
// runs on (e.g. "cuda"); cpuDevice is always "cpu".
func NewService(classifier ManagedClassifier, accelDevice string) *Service {
	return &Service{classifier: classifier, cpuDevice: "cpu", accelDevice: accelDevice}
}

// CheckOne classifies a single image on the CPU, loading the model
// immediately before the call and unloading it immediately after. Held
// under s.mu for its entire body so it can never interleave with a
// concurrent CheckBatch on the same classifier.
func (s *Service) CheckOne(ctx context.Context, path string) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.classifier.Load(ctx, s.cpuDevice); err != nil {
		return Verdict{}, errs.Wrap(errs.FatalInternal, "safety: model load failed", err)
	}
	defer func() { _ = s.classifier.Unload(ctx) }()

	v, err := s.classifier.Classify(ctx, path)
	if err != nil {
		return Verdict{}, errs.Wrap(errs.Validation, "safety: classification failed", err)
	}
	return v, nil
}

// CheckBatch classifies every path, using the accelerator if configured,
// processing chunks of at most batchSize sequentially. A classifier crash
// fails the whole batch; per-image decode failures mark only that image
// unsafe and the batch continues. Held under s.mu for its entire body, and
// chunks are never run concurrently, matching the original's single-lock,
// sequential-batch discipline.
func (s *Service) CheckBatch(ctx context.Context, paths []string, batchSize int) ([]Verdict, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(paths)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.classifier.Load(ctx, s.accelDevice); err != nil {
		return nil, errs.Wrap(errs.FatalInternal, "safety: model load failed", err)
	}
	defer func() { _ = s.classifier.Unload(ctx) }()

	out := make([]Verdict, 0, len(paths))
	for i := 0; i < len(paths); i += batchSize {
		end := i + batchSize
		if end > len(paths) {
			end = len(paths)
		}
		vs, err := s.classifier.ClassifyBatch(ctx, paths[i:end])
		if err != nil {
			return nil, errs.Wrap(errs.FatalInternal, "safety: classifier crashed during batch", err)
		}
		out = append(out, vs...)
	}
	return out, nil
}
