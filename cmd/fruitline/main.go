// Package main — cmd/fruitline/main.go
//
// VisiFruit controller entrypoint.
//
// Startup sequence:
//  1. Load and validate config from the path given by -config.
//  2. Resolve VISIFRUIT_MODE (professional | prototype | interactive | auto)
//     to pick the labeler head topology and production-start behavior (§6).
//  3. Initialise structured logger (zap).
//  4. Open BoltDB storage, prune stale records.
//  5. Start Prometheus metrics server.
//  6. Select the HAL backend (simulation vs. real GPIO/PWM/camera).
//  7. Construct every actuator/collaborator and the Supervisor's Bringup
//     hooks, then drive the bring-up sequence through Supervisor.Initialise
//     and Supervisor.StartProduction (spec §4.9): camera, detection, belt,
//     positioner, labelers, sensors, diverters, database, API.
//  8. Register SIGHUP (re-validate config, no destructive reload) and
//     SIGINT/SIGTERM (graceful shutdown) handlers.
//
// Shutdown sequence (on SIGINT/SIGTERM): call Supervisor.Shutdown (runs the
// bring-up hooks in reverse), cancel the root context, then close the HAL
// backend and storage and flush the logger. SIGINT exits with status 130 (spec §6); SIGTERM exits 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
	"github.com/chele-s/visifruit-controller/internal/api"
	"github.com/chele-s/visifruit-controller/internal/audit"
	"github.com/chele-s/visifruit-controller/internal/belt"
	"github.com/chele-s/visifruit-controller/internal/budget"
	"github.com/chele-s/visifruit-controller/internal/config"
	"github.com/chele-s/visifruit-controller/internal/detection"
	"github.com/chele-s/visifruit-controller/internal/diverter"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
	"github.com/chele-s/visifruit-controller/internal/labeler"
	"github.com/chele-s/visifruit-controller/internal/observability"
	"github.com/chele-s/visifruit-controller/internal/orchestrator"
	"github.com/chele-s/visifruit-controller/internal/positioner"
	"github.com/chele-s/visifruit-controller/internal/storage"
	"github.com/chele-s/visifruit-controller/internal/supervisor"
	"github.com/chele-s/visifruit-controller/internal/trigger"
	"github.com/chele-s/visifruit-controller/internal/visionmodel"
)

func main() {
	configPath := flag.String("config", "/etc/visifruit/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("fruitline %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	os.Exit(run(*configPath))
}

// run drives the controller's entire lifecycle and returns the process exit
// code. Kept separate from main so every defer (storage close, HAL backend
// close, logger flush) runs to completion before main calls os.Exit — Go's
// os.Exit does not unwind deferred calls.
func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 1
	}

	mode := resolveMode(cfg)

	log, err := observability.BuildLogger(cfg.System.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	log.Info("fruitline starting",
		zap.String("version", config.Version),
		zap.String("installation_id", cfg.System.InstallationID),
		zap.String("config", configPath),
		zap.String("mode", string(mode)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Error("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		return 1
	}
	defer db.Close() //nolint:errcheck

	pruned, err := db.PruneOldRecords()
	if err != nil {
		log.Warn("record pruning failed", zap.Error(err))
	} else {
		log.Info("stale records pruned", zap.Int("deleted", pruned))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	backend, err := selectBackend(log, cfg.Camera.Type)
	if err != nil {
		log.Error("HAL backend init failed", zap.Error(err))
		return 1
	}
	defer backend.Close() //nolint:errcheck

	// ── Camera ────────────────────────────────────────────────────────────────
	camera, err := backend.OpenFrameSource(hal.FrameSourceConfig{
		Width: cfg.Camera.Width, Height: cfg.Camera.Height, FPS: cfg.Camera.FPS,
	})
	if err != nil {
		log.Error("camera open failed", zap.Error(err))
		return 1
	}

	// detectionBudget admits detection requests against one shared token
	// bucket that refills to full every 60s, charging more tokens the higher
	// a request's priority (internal/budget's cost model).
	detectionBudget := budget.New(cfg.AIModel.MaxQueueSize*2, 60*time.Second)
	defer detectionBudget.Close()

	// ── Detection (C7) ────────────────────────────────────────────────────────
	detector := detection.New(log, metrics, visionmodel.NewMockRunner(), detection.Config{
		Workers:         cfg.AIModel.NumWorkers,
		Capacity:        cfg.AIModel.MaxQueueSize,
		BaseTimeout:     cfg.AIModel.RequestTimeout,
		ConfidenceFloor: cfg.AIModel.ConfidenceThreshold,
		AdaptiveEnabled: cfg.AIModel.AdaptiveThresholdEnabled,
		Budget:          detectionBudget,
	})

	// ── Belt ──────────────────────────────────────────────────────────────────
	beltFwd, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: cfg.Belt.PinForwardRelay, ActiveLow: cfg.Belt.IsActiveLow, InitialLow: true})
	if err != nil {
		log.Error("belt forward relay open failed", zap.Error(err))
		return 1
	}
	beltBack, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: cfg.Belt.PinBackwardRelay, ActiveLow: cfg.Belt.IsActiveLow, InitialLow: true})
	if err != nil {
		log.Error("belt backward relay open failed", zap.Error(err))
		return 1
	}
	beltCtl := belt.New(log, beltFwd, beltBack, cfg.Belt.BeltSpeedMPS)

	// ── Group Positioner (C4) ────────────────────────────────────────────────
	motorDirA, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: cfg.Motor.DirPin1})
	if err != nil {
		log.Error("motor dir pin 1 open failed", zap.Error(err))
		return 1
	}
	motorDirB, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: cfg.Motor.DirPin2})
	if err != nil {
		log.Error("motor dir pin 2 open failed", zap.Error(err))
		return 1
	}
	motorPWM, err := backend.OpenPWM(hal.PwmOutConfig{Pin: cfg.Motor.PWMPin, FrequencyHz: 1000})
	if err != nil {
		log.Error("motor PWM open failed", zap.Error(err))
		return 1
	}
	motor := actuator.NewDCMotorDriver(motorDirA, motorDirB, motorPWM)
	pos := positioner.New(log, motor)

	// ── Labeler Manager (C3) ─────────────────────────────────────────────────
	// Professional: 6 heads / 3 groups of 2. Prototype: 1 head / no grouping
	// (spec §6, §9 "Professional vs. prototype topology"). Interactive reuses
	// the professional topology but is driven manually through the API rather
	// than auto-starting the belt (see StartProduction below).
	headPinCount := 6
	if mode == config.ModePrototype {
		headPinCount = 1
	}
	heads := make([]actuator.Driver, headPinCount)
	for i := 0; i < headPinCount; i++ {
		out, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: cfg.Labeler.BasePin + i})
		if err != nil {
			log.Error("labeler head open failed", zap.Int("head", i), zap.Error(err))
			return 1
		}
		heads[i] = actuator.NewSolenoidDriver(out)
	}
	labelers := labeler.NewManager(log, metrics, heads)

	// ── Diverter Bank (C5) ───────────────────────────────────────────────────
	servos := make(map[domain.FruitCategory]*actuator.ServoDriver, len(cfg.Diverter.Diverters))
	flapCfgs := make(map[domain.FruitCategory]diverter.FlapConfig, len(cfg.Diverter.Diverters))
	for _, d := range cfg.Diverter.Diverters {
		category := domain.ParseFruitCategory(d.Category)
		pwm, err := backend.OpenPWM(hal.PwmOutConfig{Pin: d.Pin, FrequencyHz: 50})
		if err != nil {
			log.Error("diverter servo open failed", zap.Int("id", d.ID), zap.Error(err))
			return 1
		}
		servo, err := actuator.NewServoDriver(pwm)
		if err != nil {
			log.Error("diverter servo init failed", zap.Int("id", d.ID), zap.Error(err))
			return 1
		}
		servos[category] = servo
		flapCfgs[category] = diverter.FlapConfig{
			StraightAngle:      d.StraightAngle,
			DivertedAngle:      d.DivertedAngle,
			ActivationDuration: time.Duration(cfg.Diverter.ActivationDurationS * float64(time.Second)),
		}
	}
	diverters := diverter.NewBank(log, servos, flapCfgs)

	// ── Trigger Source (C6) ──────────────────────────────────────────────────
	triggerIn, err := backend.OpenDigitalIn(hal.DigitalInConfig{Pin: cfg.Sensor.TriggerPin, PullUp: cfg.Sensor.TriggerActiveState == "LOW"})
	if err != nil {
		log.Error("trigger sensor open failed", zap.Error(err))
		return 1
	}

	// alerts relays trigger/orchestrator alerts into the Supervisor's alert
	// bus. Its sup field is set once the Supervisor is constructed below —
	// both collaborators are built before the Supervisor is, since the
	// Supervisor's Bringup hooks close over them.
	alerts := &alertRelay{}

	// ── Pipeline Orchestrator (C8) ───────────────────────────────────────────
	orch := orchestrator.New(log, metrics, alerts, orchestrator.Config{
		DistanceCameraToLabelerM:   cfg.Labeler.DistanceCameraToLabeler,
		DistanceLabelerToDiverterM: cfg.Diverter.DistanceLabelerToDiverter,
		PrerollS:                   cfg.Labeler.PrerollSeconds,
		PredictivePrepositioning:   cfg.Orchestrator.PredictivePrepositioning,
	}, camera, detector, pos, labelers, diverters, beltCtl, db)

	// Decision-audit ledger (supplement): hashes and chains every labeling
	// and diverter command the Orchestrator dispatches, non-blocking.
	ledger := audit.New(log, db, alerts)
	orch.SetAuditor(ledger)

	// ── Supervisor (C9) ──────────────────────────────────────────────────────
	var trig *trigger.Source
	var sup *supervisor.Supervisor
	sup = supervisor.New(log, supervisor.Bringup{
		Camera: func(ctx context.Context) error {
			_, err := camera.Capture(ctx)
			return err
		},
		Detection: func(ctx context.Context) error { return nil },
		Belt:      func(ctx context.Context) error { return nil },
		Positioner: func(ctx context.Context) error {
			return pos.Calibrate(ctx)
		},
		Labelers: func(ctx context.Context) error { return nil },
		Sensors: func(ctx context.Context) error {
			trig = trigger.New(log, triggerIn, cfg.Sensor.TriggerPin, cfg.Sensor.TriggerDebounceMS, alerts, metrics)
			go trig.Run(ctx)
			go consumeTriggers(ctx, trig, orch)
			return nil
		},
		Diverters: func(ctx context.Context) error { return nil },
		Database: func(ctx context.Context) error {
			_, _, _, err := db.Counts()
			return err
		},
		API: func(ctx context.Context) error {
			if !cfg.API.Enabled {
				return nil
			}
			statusFn := func() map[string]any {
				return map[string]any{
					"mode":             string(mode),
					"category_counts":  orch.CategoryCounts(),
					"labeler_statuses": labelers.Status(),
				}
			}
			srv := api.New(log, sup, beltCtl, pos, diverters, statusFn)
			go func() {
				addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
				if err := srv.ListenAndServe(ctx, addr); err != nil {
					log.Error("API server error", zap.Error(err))
				}
			}()
			return nil
		},
		ShutdownCamera:    func() error { return camera.Close() },
		ShutdownDetection: func() error { detector.Close(); return nil },
		ShutdownBelt:      func() error { return beltCtl.Close() },
		ShutdownPositioner: func() error {
			pos.EmergencyStop()
			return pos.Close()
		},
		ShutdownLabelers: func() error { return labelers.Close() },
		ShutdownSensors: func() error {
			if trig != nil {
				return trig.Close()
			}
			return nil
		},
		ShutdownDiverters: func() error { return diverters.Close() },
		ShutdownDatabase:  func() error { return nil },
		ShutdownAPI:       func() error { return nil },
	}, nil)
	alerts.sup = sup
	sup.SetAlertRecorder(db)

	// Emergency-stop reaches hardware here: cancel every scheduled pipeline
	// run, force every labeler head and the positioner motor off, and stop
	// the belt. The labeler stop waits at most 500ms for its heads; the
	// supervisor puts no time limit on this hook as a whole
	// (spec §4.8 cancellation steps 1-3, Testable Property 4).
	sup.RegisterEmergencyHook(func() {
		orch.CancelAll()
		labelers.EmergencyStopAll()
		pos.EmergencyStop()
		if err := beltCtl.Stop(); err != nil {
			log.Warn("belt stop failed during emergency_stop", zap.Error(err))
		}
	})

	go sup.Run(ctx)

	if err := sup.Initialise(ctx); err != nil {
		log.Error("bring-up failed", zap.Error(err))
		return 1
	}

	// Interactive mode is driven manually through the API: the belt is left
	// stopped until an operator issues /belt/start_forward rather than
	// auto-starting production.
	startBelt := beltCtl.StartForward
	if mode == config.ModeInteractive {
		startBelt = nil
	}
	if err := sup.StartProduction(startBelt); err != nil {
		log.Error("failed to start production", zap.Error(err))
		return 1
	}
	log.Info("fruitline running", zap.String("state", string(sup.State())))

	// ── SIGHUP: re-validate config, never apply a destructive change ─────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — re-validating config")
			if _, err := config.Load(configPath); err != nil {
				log.Error("config re-validation failed — retaining running config", zap.Error(err))
				continue
			}
			log.Info("config re-validated successfully (hot-apply not supported)")
		}
	}()

	// ── Wait for shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	if err := sup.Shutdown(); err != nil {
		log.Error("graceful shutdown reported an error", zap.Error(err))
	}
	cancel()
	time.Sleep(100 * time.Millisecond) // let ListenAndServe/Run goroutines observe ctx.Done

	log.Info("fruitline shutdown complete")

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

// resolveMode reads VISIFRUIT_MODE (spec §6) and resolves "auto" against the
// loaded config: a diverter bank with all 3 professional diverters wired
// resolves to professional, otherwise prototype. Resolving auto is the
// caller's responsibility per config.ModeFromEnv's doc comment, since it
// depends on what actually got loaded from disk, not just the env var.
func resolveMode(cfg *config.Config) config.Mode {
	mode := config.ModeFromEnv(os.Getenv("VISIFRUIT_MODE"))
	if mode != config.ModeAuto {
		return mode
	}
	if len(cfg.Diverter.Diverters) >= 3 {
		return config.ModeProfessional
	}
	return config.ModePrototype
}

// selectBackend picks the simulation backend for "mock" camera type and the
// real GPIO/PWM/camera backend otherwise.
func selectBackend(log *zap.Logger, cameraType string) (hal.Backend, error) {
	if cameraType == "mock" || cameraType == "" {
		return hal.NewSimulationBackend(log), nil
	}
	return hal.NewRealBackend(log)
}

// consumeTriggers feeds TriggerEvents from the Trigger Source into the
// Pipeline Orchestrator until ctx is cancelled.
func consumeTriggers(ctx context.Context, src *trigger.Source, orch *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-src.Events():
			orch.Handle(ctx, evt)
		}
	}
}

// alertRelay forwards trigger/orchestrator alerts into the Supervisor's
// alert bus. sup is nil until the Supervisor is constructed (both
// collaborators are built first, since the Supervisor's Bringup hooks
// close over them), so RaiseAlert is a no-op until then.
type alertRelay struct {
	sup *supervisor.Supervisor
}

func (a *alertRelay) RaiseAlert(level, component, message string) {
	if a.sup == nil {
		return
	}
	a.sup.RaiseAlert(supervisor.AlertLevel(level), component, message)
}
