// Package safety implements the content-safety classifier contract used to
// vet seed images before they can be used to warm the engine. The model
// itself is out of scope; Classifier is the narrow interface a real
// inference binding satisfies, with FakeClassifier standing in for tests.
package safety

import (
	"context"
)

// RiskClass is one of the four ordered risk buckets the classifier scores.
type RiskClass string

const (
	RiskNeutral RiskClass = "neutral"
	RiskLow     RiskClass = "low"
	RiskMedium  RiskClass = "medium"
	RiskHigh    RiskClass = "high"
)

// Scores holds the cumulative probability the classifier assigns to each
// risk class. Cumulative means Scores.Low is "probability of low or
// worse", not "probability of exactly low".
type Scores struct {
	Neutral float64 `json:"neutral"`
	Low     float64 `json:"low"`
	Medium  float64 `json:"medium"`
	High    float64 `json:"high"`
}

// IsSafe implements the verdict rule: cumulative probability of being low
// risk or worse must be under one-half. This is a strict policy and must
// not be weakened.
func (s Scores) IsSafe() bool {
	return s.Low < 0.5
}

// UnsafeFailureScores is the fixed score profile assigned to an image that
// failed to decode during a batch: it is treated as unsafe without being
// scored.
var UnsafeFailureScores = Scores{Neutral: 0, Low: 1, Medium: 0, High: 0}

// Verdict is the result of classifying one image.
type Verdict struct {
	IsSafe bool   `json:"is_safe"`
	Scores Scores `json:"scores"`
}

// Classifier is the narrow contract over the external safety model.
type Classifier interface {
	// Classify scores the image at path. Implementations run on the CPU
	// for single-image calls so as not to compete with the engine for the
	// accelerator.
	Classify(ctx context.Context, path string) (Verdict, error)
	// ClassifyBatch scores every path in order, using the accelerator if
	// available for throughput. The returned slice always has the same
	// length as paths.
	ClassifyBatch(ctx context.Context, paths []string) ([]Verdict, error)
}
