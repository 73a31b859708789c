// Package domain holds the shared data model (spec §3) used across the
// hardware, detection, orchestration, and supervisory layers: fruit
// categories, detection results, and the command structs that flow
// between the Pipeline Orchestrator and its downstream collaborators.
package domain

import "time"

// FruitCategory is a closed enumeration of fruit classes. UNKNOWN is never
// used to drive actuation.
type FruitCategory int

const (
	Apple   FruitCategory = 0
	Pear    FruitCategory = 1
	Lemon   FruitCategory = 2
	Unknown FruitCategory = 99
)

// String returns the display label for a category.
func (c FruitCategory) String() string {
	switch c {
	case Apple:
		return "APPLE"
	case Pear:
		return "PEAR"
	case Lemon:
		return "LEMON"
	default:
		return "UNKNOWN"
	}
}

// ParseFruitCategory parses a display label into a FruitCategory.
func ParseFruitCategory(s string) FruitCategory {
	switch s {
	case "APPLE":
		return Apple
	case "PEAR":
		return Pear
	case "LEMON":
		return Lemon
	default:
		return Unknown
	}
}

// LabelerGroup maps each category to its fixed pair of labeler head
// indices. Compile-time, immutable for the process lifetime.
var LabelerGroup = map[FruitCategory][2]int{
	Apple: {0, 1},
	Pear:  {2, 3},
	Lemon: {4, 5},
}

// GroupOf returns the group index (0, 1, 2) for a category, or -1 for
// categories with no labeler group (UNKNOWN).
func GroupOf(c FruitCategory) int {
	switch c {
	case Apple:
		return 0
	case Pear:
		return 1
	case Lemon:
		return 2
	default:
		return -1
	}
}

// BBox is a normalized bounding box (x1, y1, x2, y2) in [0,1].
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Detection is a single per-fruit detection result. Immutable once produced.
type Detection struct {
	ClassID      FruitCategory
	Confidence   float64
	BBox         BBox
	QualityScore float64
}

// FrameQuality is the derived overall quality verdict for a FrameAnalysis.
type FrameQuality string

const (
	QualityExcellent  FrameQuality = "EXCELLENT"
	QualityGood       FrameQuality = "GOOD"
	QualityAcceptable FrameQuality = "ACCEPTABLE"
	QualityPoor       FrameQuality = "POOR"
	QualityFailed     FrameQuality = "FAILED"
)

// FrameTiming breaks down per-stage processing time for one inference pass.
type FrameTiming struct {
	PreprocessMS  float64
	InferenceMS   float64
	PostprocessMS float64
	TotalMS       float64
}

// FrameAnalysis is the immutable per-frame detection result.
type FrameAnalysis struct {
	FrameID     string
	FrameHash   string
	Detections  []Detection
	FruitCount  int
	Timing      FrameTiming
	Quality     FrameQuality
	FrameWidth  int
	FrameHeight int
	LightingScore float64
	BlurScore     float64
}

// TriggerEvent is generated by the Trigger Source and consumed by the
// Pipeline Orchestrator. Emitted at most once per debounce window.
type TriggerEvent struct {
	MonotonicTS time.Time
	SourcePin   int
}

// LabelingCommand is produced by the Orchestrator and consumed by the
// Labeler Manager.
type LabelingCommand struct {
	TargetGroup   int
	DurationS     float64
	IntensityPct  float64
	IssuedAt      time.Time
	DeadlineAt    time.Time
}

// DiverterCommand is produced by the Orchestrator and consumed by the
// Diverter Bank.
type DiverterCommand struct {
	Category  FruitCategory
	PreDelayS float64
	HoldS     float64
}

// Priority is a detection request priority. Lower numeric value = higher
// urgency, matching the priority-queue ordering in spec §4.7.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the display name used for metric labels and cost lookups.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// Factor returns the deadline multiplier for this priority (spec §4.7).
func (p Priority) Factor() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityNormal:
		return 1.0
	case PriorityLow:
		return 0.7
	default:
		return 1.0
	}
}

// SystemState is the Supervisor's global state machine enumeration (spec §3).
type SystemState string

const (
	StateOffline       SystemState = "offline"
	StateInitialising  SystemState = "initialising"
	StateIdle          SystemState = "idle"
	StateRunning       SystemState = "running"
	StateProcessing    SystemState = "processing"
	StateEmergencyStop SystemState = "emergency_stop"
	StateRecovery      SystemState = "recovery"
	StateShuttingDown  SystemState = "shutting_down"
	StateError         SystemState = "error"
)
