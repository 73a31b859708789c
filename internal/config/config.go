// Package config provides configuration loading, validation, and defaults
// for the VisiFruit controller.
//
// Configuration file: a single YAML document, path given on the command
// line (default /etc/visifruit/config.yaml). No hot-reload is required;
// SIGHUP re-validates and logs but never applies a destructive change.
//
// Validation collects every violation before returning, so an operator
// fixing a config file sees all problems in one pass, not one at a time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Mode selects the labeler topology, mirroring VISIFRUIT_MODE.
type Mode string

const (
	// ModeProfessional enables the full 6-labeler / 3-group / 3-diverter topology.
	ModeProfessional Mode = "professional"
	// ModePrototype enables the single-labeler / 3-servo variant.
	ModePrototype Mode = "prototype"
	// ModeInteractive is the professional topology driven manually through the API.
	ModeInteractive Mode = "interactive"
	// ModeAuto leaves the topology choice to the caller; this package does not
	// resolve it. cmd/fruitline resolves it from the loaded config (3 or more
	// diverters: professional, otherwise prototype); whether a professional
	// config file exists is not checked.
	ModeAuto Mode = "auto"
)

// Config is the root configuration structure for the VisiFruit controller.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	System   SystemSettings   `yaml:"system_settings"`
	Camera   CameraSettings   `yaml:"camera_settings"`
	AIModel  AIModelSettings  `yaml:"ai_model_settings"`
	Belt     BeltSettings     `yaml:"conveyor_belt_settings"`
	Labeler  LabelerSettings  `yaml:"labeler_settings"`
	Sensor   SensorSettings   `yaml:"sensor_settings"`
	Motor    MotorSettings    `yaml:"motor_controller_settings"`
	Diverter DiverterSettings `yaml:"diverter_settings"`
	API      APISettings      `yaml:"api_settings"`

	Orchestrator  OrchestratorSettings  `yaml:"orchestrator_settings"`
	Observability ObservabilitySettings `yaml:"observability"`
	Storage       StorageSettings       `yaml:"storage"`
}

// SystemSettings holds top-level identification and logging parameters.
type SystemSettings struct {
	InstallationID string `yaml:"installation_id"`
	SystemName     string `yaml:"system_name"`
	LogLevel       string `yaml:"log_level"`
}

// CameraSettings configures the camera driver collaborator (§6).
type CameraSettings struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
	Type   string `yaml:"type"` // usb | csi | mock
}

// AIModelSettings configures the Detection Service (C7).
type AIModelSettings struct {
	ModelPath                string        `yaml:"model_path"`
	ConfidenceThreshold      float64       `yaml:"confidence_threshold"`
	NumWorkers               int           `yaml:"num_workers"`
	RequestTimeout           time.Duration `yaml:"request_timeout_s"`
	MaxQueueSize             int           `yaml:"max_queue_size"`
	DedupCacheSize           int           `yaml:"dedup_cache_size"`
	AdaptiveThresholdEnabled bool          `yaml:"adaptive_threshold_enabled"`
}

// BeltSettings configures the conveyor belt relay outputs.
type BeltSettings struct {
	BeltSpeedMPS     float64 `yaml:"belt_speed_mps"`
	PinForwardRelay  int     `yaml:"pin_forward_relay"`
	PinBackwardRelay int     `yaml:"pin_backward_relay"`
	IsActiveLow      bool    `yaml:"is_active_low"`
}

// LabelerSettings configures the Labeler Manager (C3).
type LabelerSettings struct {
	BasePin                 int     `yaml:"base_pin"`
	ActivationDurationS     float64 `yaml:"activation_duration_s"`
	DistanceCameraToLabeler float64 `yaml:"distance_camera_to_labeler_m"`
	PrerollSeconds          float64 `yaml:"preroll_s"`
}

// SensorSettings configures the Trigger Source (C6).
type SensorSettings struct {
	TriggerPin         int     `yaml:"trigger_pin"`
	TriggerDebounceMS  int     `yaml:"trigger_debounce_ms"`
	TriggerActiveState string  `yaml:"trigger_active_state"` // LOW | HIGH
	MinIntervalS       float64 `yaml:"min_interval_s"`
}

// MotorSettings configures the Group Positioner's DC motor (C4).
type MotorSettings struct {
	PWMPin    int `yaml:"pwm_pin"`
	DirPin1   int `yaml:"dir_pin1"`
	DirPin2   int `yaml:"dir_pin2"`
	EnablePin int `yaml:"enable_pin"`
}

// DiverterConfig is a single diverter flap's configuration.
type DiverterConfig struct {
	ID            int     `yaml:"id"`
	Pin           int     `yaml:"pin"`
	StraightAngle float64 `yaml:"straight_angle"`
	DivertedAngle float64 `yaml:"diverted_angle"`
	Category      string  `yaml:"category"`
}

// DiverterSettings configures the Diverter Bank (C5).
type DiverterSettings struct {
	Enabled                   bool             `yaml:"enabled"`
	ActivationDurationS       float64          `yaml:"activation_duration_s"`
	Diverters                 []DiverterConfig `yaml:"diverters"`
	DistanceLabelerToDiverter float64          `yaml:"distance_labeler_to_diverter_m"`
}

// APISettings configures the Supervisory API (C10).
type APISettings struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// OrchestratorSettings configures Pipeline Orchestrator (C8) behavior that
// the spec leaves as configurable, default-off heuristics.
type OrchestratorSettings struct {
	DetectionMaxWaitS       float64 `yaml:"detection_max_wait_s"`
	SecondaryQueueCapacity  int     `yaml:"secondary_queue_capacity"`
	PredictivePrepositioning bool   `yaml:"predictive_prepositioning_enabled"`
	PredictionHistoryMin    int     `yaml:"prediction_history_min"`
}

// ObservabilitySettings configures metrics and logging.
type ObservabilitySettings struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogFormat   string `yaml:"log_format"` // json | console
}

// StorageSettings configures the metrics-store collaborator's persistence.
type StorageSettings struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		System: SystemSettings{
			InstallationID: hostname,
			SystemName:     "visifruit-line-1",
			LogLevel:       "info",
		},
		Camera: CameraSettings{
			Width: 1280, Height: 720, FPS: 30, Type: "mock",
		},
		AIModel: AIModelSettings{
			ConfidenceThreshold: 0.5,
			NumWorkers:          2,
			RequestTimeout:      2 * time.Second,
			MaxQueueSize:        50,
			DedupCacheSize:      100,
		},
		Belt: BeltSettings{
			BeltSpeedMPS: 0.5,
		},
		Labeler: LabelerSettings{
			ActivationDurationS:     2.0,
			DistanceCameraToLabeler: 0.5,
			PrerollSeconds:          0,
		},
		Sensor: SensorSettings{
			TriggerDebounceMS:  50,
			TriggerActiveState: "HIGH",
			MinIntervalS:       0,
		},
		Diverter: DiverterSettings{
			Enabled:                   true,
			ActivationDurationS:       1.0,
			DistanceLabelerToDiverter: 1.0,
		},
		API: APISettings{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Orchestrator: OrchestratorSettings{
			DetectionMaxWaitS:        2.0,
			SecondaryQueueCapacity:   8,
			PredictivePrepositioning: false,
			PredictionHistoryMin:     10,
		},
		Observability: ObservabilitySettings{
			MetricsAddr: "127.0.0.1:9091",
			LogFormat:   "json",
		},
		Storage: StorageSettings{
			DBPath:        "/var/lib/visifruit/visifruit.db",
			RetentionDays: 30,
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config: defaults overridden by whatever the file sets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning every
// violation found joined into a single error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Belt.BeltSpeedMPS <= 0 {
		errs = append(errs, fmt.Sprintf("conveyor_belt_settings.belt_speed_mps must be > 0, got %f", cfg.Belt.BeltSpeedMPS))
	}
	if cfg.AIModel.NumWorkers < 1 {
		errs = append(errs, fmt.Sprintf("ai_model_settings.num_workers must be >= 1, got %d", cfg.AIModel.NumWorkers))
	}
	if cfg.AIModel.ConfidenceThreshold < 0 || cfg.AIModel.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Sprintf("ai_model_settings.confidence_threshold must be in [0,1], got %f", cfg.AIModel.ConfidenceThreshold))
	}
	if cfg.AIModel.MaxQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("ai_model_settings.max_queue_size must be >= 1, got %d", cfg.AIModel.MaxQueueSize))
	}
	if cfg.Labeler.DistanceCameraToLabeler <= 0 {
		errs = append(errs, fmt.Sprintf("labeler_settings.distance_camera_to_labeler_m must be > 0, got %f", cfg.Labeler.DistanceCameraToLabeler))
	}
	if cfg.Labeler.PrerollSeconds < 0 {
		errs = append(errs, "labeler_settings.preroll_s must be >= 0")
	}
	if cfg.Sensor.TriggerDebounceMS < 0 {
		errs = append(errs, "sensor_settings.trigger_debounce_ms must be >= 0")
	}
	if cfg.Sensor.TriggerActiveState != "LOW" && cfg.Sensor.TriggerActiveState != "HIGH" {
		errs = append(errs, fmt.Sprintf("sensor_settings.trigger_active_state must be LOW or HIGH, got %q", cfg.Sensor.TriggerActiveState))
	}
	if cfg.Diverter.Enabled && cfg.Diverter.DistanceLabelerToDiverter <= 0 {
		errs = append(errs, "diverter_settings.distance_labeler_to_diverter_m must be > 0 when diverters are enabled")
	}
	for _, d := range cfg.Diverter.Diverters {
		switch d.Category {
		case "APPLE", "PEAR", "LEMON":
		default:
			errs = append(errs, fmt.Sprintf("diverter_settings.diverters[%d].category must be one of APPLE, PEAR, LEMON, got %q", d.ID, d.Category))
		}
	}
	if cfg.API.Enabled && (cfg.API.Port < 1 || cfg.API.Port > 65535) {
		errs = append(errs, fmt.Sprintf("api_settings.port must be in [1,65535], got %d", cfg.API.Port))
	}
	if cfg.Orchestrator.SecondaryQueueCapacity < 1 {
		errs = append(errs, "orchestrator_settings.secondary_queue_capacity must be >= 1")
	}
	if cfg.Orchestrator.PredictivePrepositioning && cfg.Orchestrator.PredictionHistoryMin < 1 {
		errs = append(errs, "orchestrator_settings.prediction_history_min must be >= 1 when predictive pre-positioning is enabled")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ModeFromEnv resolves VISIFRUIT_MODE, defaulting to professional when unset
// or unrecognised. ModeAuto is returned unresolved; turning it into a
// concrete topology is the caller's responsibility.
func ModeFromEnv(raw string) Mode {
	switch Mode(raw) {
	case ModeProfessional, ModePrototype, ModeInteractive, ModeAuto:
		return Mode(raw)
	default:
		return ModeProfessional
	}
}
