// Package contrib — scorer.go
//
// Plugin interface for custom frame/detection quality scorers.
//
// VisiFruit's detection service (C7) computes a quality_score for every
// FrameAnalysis and Detection. The built-in scorer blends confidence,
// bounding-box geometry, lighting, and blur into one score in [0,1]; sites
// that want a different blend (or a learned scorer) register one here and
// pass it to the detection service as detection.Config.Scorer. There is no
// config-file key for the scorer; when Config.Scorer is nil the detection
// service uses "weighted".
//
// Plugin registration:
//   Plugins register themselves in an init() function using RegisterScorer()
//   and are looked up by name with GetScorer().
//
//   Built-in scorers: "weighted" (default).
//
// Plugin contract:
//   - Score() must be goroutine-safe (called from multiple detection workers).
//   - Score() must return in < 1ms to avoid blocking the inference pipeline.
//   - Score() must not call any blocking I/O (no disk, no network).
//   - Score() must not panic (use recover() internally if needed).
//   - Name() must return a stable, unique string (used as registry key).
package contrib

import (
	"fmt"
	"sync"
)

// ─── QualityScorer interface ──────────────────────────────────────────────────

// ScoreRequest is the input to QualityScorer.Score(): the raw signals
// available for one detection within one captured frame.
type ScoreRequest struct {
	// Confidence is the vision model's class confidence in [0,1].
	Confidence float64

	// BBoxArea is the detection's bounding-box area as a fraction of the
	// frame area, in [0,1]. Very small or very large boxes are penalized.
	BBoxArea float64

	// AspectRatio is the bounding box width/height ratio.
	AspectRatio float64

	// EdgeProximity is 0 at the frame's center and 1 at its border — a
	// detection straddling the edge of frame is penalized (may be a fruit
	// only partially visible to the camera).
	EdgeProximity float64

	// LightingScore is a whole-frame lighting-quality score in [0,1]
	// (1 = well lit).
	LightingScore float64

	// BlurScore is a whole-frame sharpness score in [0,1] (1 = sharp).
	BlurScore float64
}

// QualityScorer is the interface that custom quality scorers must implement.
//
// Contract:
//   - Score() must be goroutine-safe.
//   - Score() must return in < 1ms.
//   - Score() must not call blocking I/O.
//   - Score() must not panic.
//   - Name() must return a stable, unique string.
type QualityScorer interface {
	// Name returns the unique identifier for this scorer. Used as the
	// registry key for GetScorer.
	Name() string

	// Score computes a quality score in [0,1] for the given request.
	// Higher is better.
	Score(req ScoreRequest) (float64, error)
}

// ─── Registry ─────────────────────────────────────────────────────────────────

var (
	registryMu sync.RWMutex
	registry   = make(map[string]QualityScorer)
)

// RegisterScorer registers a custom quality scorer.
// Panics if a scorer with the same name is already registered.
// Call from init() functions in plugin packages.
func RegisterScorer(s QualityScorer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[s.Name()]; exists {
		panic(fmt.Sprintf("contrib: scorer %q already registered", s.Name()))
	}
	registry[s.Name()] = s
}

// GetScorer returns the registered scorer with the given name.
// Returns an error if no scorer with that name is registered.
func GetScorer(name string) (QualityScorer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: scorer %q not registered (available: %v)", name, listNames())
	}
	return s, nil
}

// ListScorers returns the names of all registered scorers.
func ListScorers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// ─── Built-in scorer: weighted blend ──────────────────────────────────────────
// This is provided as the default scorer in the contrib package itself.
// Community scorers should be in contrib/scorers/<name>/<name>.go.

// WeightedScorer blends confidence, bounding-box geometry, lighting, and
// blur into a single [0,1] quality score. Registered as "weighted".
type WeightedScorer struct{}

func init() {
	RegisterScorer(&WeightedScorer{})
}

func (w *WeightedScorer) Name() string { return "weighted" }

// Weights for each signal; chosen so confidence dominates but a sharp,
// well-framed, well-lit detection can still pull a middling-confidence
// result up, and vice versa.
const (
	weightConfidence = 0.45
	weightGeometry   = 0.15
	weightLighting   = 0.20
	weightBlur       = 0.20
)

func (w *WeightedScorer) Score(req ScoreRequest) (float64, error) {
	if req.Confidence < 0 || req.Confidence > 1 {
		return 0, fmt.Errorf("weighted scorer: confidence %v out of [0,1]", req.Confidence)
	}

	geometry := geometryScore(req.BBoxArea, req.AspectRatio, req.EdgeProximity)

	score := weightConfidence*req.Confidence +
		weightGeometry*geometry +
		weightLighting*req.LightingScore +
		weightBlur*req.BlurScore

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// geometryScore penalizes boxes that are implausibly small/large, far from
// a plausible fruit aspect ratio, or touching the frame edge.
func geometryScore(area, aspect, edgeProximity float64) float64 {
	areaScore := 1.0
	switch {
	case area < 0.005:
		areaScore = area / 0.005
	case area > 0.6:
		areaScore = 1 - (area-0.6)/0.4
	}
	if areaScore < 0 {
		areaScore = 0
	}

	// Fruit bounding boxes are roughly square; penalize extreme ratios.
	aspectDelta := aspect - 1.0
	if aspectDelta < 0 {
		aspectDelta = -aspectDelta
	}
	aspectScore := 1.0 - aspectDelta
	if aspectScore < 0 {
		aspectScore = 0
	}

	edgeScore := 1.0 - edgeProximity
	if edgeScore < 0 {
		edgeScore = 0
	}

	return (areaScore + aspectScore + edgeScore) / 3.0
}
