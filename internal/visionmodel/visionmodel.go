// Package visionmodel provides the stand-in Runner (detection.Runner)
// wired into the controller when no external inference service is
// configured. Training or hosting an actual classifier is out of scope
// (spec Non-goals); this package exists so the Detection Service has a
// concrete collaborator to drive the rest of the pipeline end to end in
// simulation and in tests.
//
// The controller does not read ai_model_settings.model_path; a real
// deployment supplies its own detection.Runner. This mock is the "mock"
// camera/model pairing's other half.
package visionmodel

import (
	"context"
	"crypto/sha256"
	"math"
	"time"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
)

// MockRunner derives a deterministic, plausible-looking FrameAnalysis from
// a frame's byte content so the same frame always yields the same result
// (useful for the dedup cache and for reproducible tests) without any
// actual model weights.
type MockRunner struct{}

// NewMockRunner constructs a MockRunner.
func NewMockRunner() *MockRunner { return &MockRunner{} }

// Analyze implements detection.Runner.
func (m *MockRunner) Analyze(ctx context.Context, frame hal.Frame, confidenceThreshold float64) (domain.FrameAnalysis, error) {
	start := time.Now()

	sum := sha256.Sum256(frame.Data)
	category := domain.FruitCategory(int(sum[0]) % 3)
	confidence := 0.55 + float64(sum[1])/255.0*0.44 // [0.55, 0.99]
	count := 1 + int(sum[2])%3                      // 1..3 fruit per frame

	dets := make([]domain.Detection, 0, count)
	for i := 0; i < count; i++ {
		if confidence < confidenceThreshold {
			continue
		}
		x1 := float64(sum[3+i]) / 255.0 * 0.6
		y1 := float64(sum[6+i]) / 255.0 * 0.6
		dets = append(dets, domain.Detection{
			ClassID:    category,
			Confidence: confidence,
			BBox:       domain.BBox{X1: x1, Y1: y1, X2: math.Min(x1+0.3, 1.0), Y2: math.Min(y1+0.3, 1.0)},
		})
	}

	elapsed := time.Since(start)
	return domain.FrameAnalysis{
		Detections:    dets,
		FruitCount:    len(dets),
		FrameWidth:    frame.Width,
		FrameHeight:   frame.Height,
		LightingScore: 0.5 + float64(sum[9])/255.0*0.5,
		BlurScore:     float64(sum[10]) / 255.0 * 0.3,
		Timing: domain.FrameTiming{
			InferenceMS: float64(elapsed.Microseconds()) / 1000.0,
			TotalMS:     float64(elapsed.Microseconds()) / 1000.0,
		},
	}, nil
}
