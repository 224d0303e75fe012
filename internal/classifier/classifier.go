// Package classifier provides snapshot classifiers for the integrity
// monitor. None of them inspect pixels; a real face model plugs in through
// proctor.Classifier.
package classifier

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Modes accepted by New.
const (
	ModeSimulated = "simulated"
	ModeNone      = "none"
)

// New returns the classifier for mode. seed only affects the simulated
// classifier.
func New(mode string, seed uint64) (proctor.Classifier, error) {
	switch mode {
	case ModeSimulated:
		return NewSimulated(seed), nil
	case ModeNone, "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown classifier mode %q", mode)
	}
}

// None reports every frame as a single recognized face.
type None struct{}

func (None) Classify(ctx context.Context, frame, reference []byte, threshold float64) (proctor.Classification, error) {
	if err := ctx.Err(); err != nil {
		return proctor.Classification{}, err
	}
	return proctor.Classification{Result: proctor.FaceOK}, nil
}

type outcome struct {
	result proctor.FaceResult
	weight int
}

// Weights out of 100. Most frames are clean so a demo session is not
// terminated within minutes.
var simulatedOutcomes = []outcome{
	{proctor.FaceOK, 86},
	{proctor.FaceNone, 5},
	{proctor.FaceMultiple, 3},
	{proctor.FaceUnknown, 3},
	{proctor.FaceEyeMovement, 2},
	{proctor.FaceHeadMovement, 1},
}

// Simulated draws weighted random outcomes. Flagged outcomes carry a
// confidence between the threshold and 1.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a Simulated classifier with a deterministic seed.
func NewSimulated(seed uint64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Simulated) Classify(ctx context.Context, frame, reference []byte, threshold float64) (proctor.Classification, error) {
	if err := ctx.Err(); err != nil {
		return proctor.Classification{}, err
	}
	if len(frame) == 0 {
		return proctor.Classification{}, fmt.Errorf("empty frame")
	}

	s.mu.Lock()
	roll := s.rng.IntN(100)
	jitter := s.rng.Float64()
	s.mu.Unlock()

	result := proctor.FaceOK
	for _, o := range simulatedOutcomes {
		if roll < o.weight {
			result = o.result
			break
		}
		roll -= o.weight
	}
	if result == proctor.FaceOK {
		return proctor.Classification{Result: result}, nil
	}

	if threshold < 0 || threshold > 1 {
		threshold = proctor.DefaultClassifierThreshold
	}
	confidence := threshold + (1-threshold)*jitter
	return proctor.Classification{Result: result, Confidence: &confidence}, nil
}
