// Package api implements the C10 Supervisory API: HTTP control/status
// endpoints plus a WebSocket dashboard feed. The /control/* handlers submit
// through the Supervisor's serialized command channel and respond once the
// command has run, with its outcome; they do not return before it
// completes. /motor/activate_group and /diverters/classify run the
// positioner move or diverter sequence inside the request, bounded by a 5s
// timeout, and the /belt/* handlers call the belt controller directly.
//
// The JSON request/response envelope and the "handler talks to a narrow
// collaborator interface, not a concrete type" shape are adapted from the
// teacher's internal/operator/server.go (Request/Response structs,
// StateRegistry interface), with the transport swapped from a Unix socket
// to HTTP+WebSocket because the spec requires a LAN-reachable surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gorilla/websocket"

	"github.com/chele-s/visifruit-controller/internal/belt"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/supervisor"
)

const (
	handlerTimeout  = 5 * time.Second
	dashboardPeriod = time.Second
)

const apiVersion = "1.0.0"

// SupervisorView is the subset of *supervisor.Supervisor the API depends on.
type SupervisorView interface {
	State() domain.SystemState
	TimeInState() time.Duration
	StartProduction(startBelt func() error) error
	StopProduction(stopBelt func() error) error
	EmergencyStop() error
	RecentAlerts(n int) []supervisor.Alert
	Subscribe() <-chan supervisor.Alert
}

// BeltView is the subset of *belt.Controller the API depends on.
type BeltView interface {
	StartForward() error
	StartBackward() error
	Stop() error
	SetSpeed(mps float64)
	SpeedMPS() float64
	CurrentDirection() belt.Direction
}

// PositionerView is the subset of *positioner.Positioner the API depends on.
type PositionerView interface {
	ActivateGroup(ctx context.Context, group int) error
	ActiveGroup() int
	Moving() bool
	Calibrated() bool
}

// DiverterView is the subset of *diverter.Bank the API depends on.
type DiverterView interface {
	Classify(ctx context.Context, category domain.FruitCategory, preDelayS float64) error
}

// StatusProvider supplies the fields of GET /status beyond what the
// Supervisor/belt/positioner expose directly (per-category metrics,
// per-labeler metrics, etc.), kept as a free function so the API doesn't
// need to import every collaborator's concrete status type.
type StatusProvider func() map[string]any

// Server hosts the HTTP/WebSocket supervisory surface.
type Server struct {
	log        *zap.Logger
	sup        SupervisorView
	belt       BeltView
	positioner PositionerView
	diverters  DiverterView
	statusFn   StatusProvider
	startTime  time.Time
	upgrader   websocket.Upgrader
}

// New constructs a Server. statusFn may be nil, in which case GET /status
// returns only the fields the Server itself can populate.
func New(log *zap.Logger, sup SupervisorView, belt BeltView, pos PositionerView, diverters DiverterView, statusFn StatusProvider) *Server {
	return &Server{
		log:        log.Named("api"),
		sup:        sup,
		belt:       belt,
		positioner: pos,
		diverters:  diverters,
		statusFn:   statusFn,
		startTime:  time.Now(),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Mux builds the http.Handler exposing every endpoint in spec §4.10.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/control/start", s.handleControlStart)
	mux.HandleFunc("/control/stop", s.handleControlStop)
	mux.HandleFunc("/control/emergency_stop", s.handleControlEmergencyStop)
	mux.HandleFunc("/motor/activate_group", s.handleMotorActivateGroup)
	mux.HandleFunc("/belt/start_forward", s.handleBeltStartForward)
	mux.HandleFunc("/belt/start_backward", s.handleBeltStartBackward)
	mux.HandleFunc("/belt/stop", s.handleBeltStop)
	mux.HandleFunc("/belt/set_speed", s.handleBeltSetSpeed)
	mux.HandleFunc("/diverters/classify", s.handleDivertersClassify)
	mux.HandleFunc("/ws/dashboard", s.handleDashboardWS)
	return mux
}

// ListenAndServe starts the HTTP server on addr, blocking until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Mux(),
		ReadTimeout:  handlerTimeout,
		WriteTimeout: handlerTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// errorResponse is the JSON shape returned on 4xx/5xx.
type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, state domain.SystemState) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg, State: string(state)})
}

func writeAccepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// healthResponse is the GET /health payload.
type healthResponse struct {
	State       string  `json:"state"`
	UptimeS     float64 `json:"uptime_s"`
	ActiveGroup int     `json:"active_group"`
	Version     string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	active := -1
	if s.positioner != nil {
		active = s.positioner.ActiveGroup()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		State:       string(s.sup.State()),
		UptimeS:     time.Since(s.startTime).Seconds(),
		ActiveGroup: active,
		Version:     apiVersion,
	})
}

// statusSnapshot is the GET /status and WS /ws/dashboard payload.
type statusSnapshot struct {
	State       string         `json:"state"`
	TimeInState float64        `json:"time_in_state_s"`
	ActiveGroup int            `json:"active_group"`
	Moving      bool           `json:"positioner_moving"`
	Calibrated  bool           `json:"positioner_calibrated"`
	BeltSpeed   float64        `json:"belt_speed_mps"`
	BeltDir     int            `json:"belt_direction"`
	Alerts      []supervisor.Alert `json:"alerts"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (s *Server) snapshot() statusSnapshot {
	snap := statusSnapshot{
		State:       string(s.sup.State()),
		TimeInState: s.sup.TimeInState().Seconds(),
		Alerts:      s.sup.RecentAlerts(50),
	}
	if s.positioner != nil {
		snap.ActiveGroup = s.positioner.ActiveGroup()
		snap.Moving = s.positioner.Moving()
		snap.Calibrated = s.positioner.Calibrated()
	} else {
		snap.ActiveGroup = -1
	}
	if s.belt != nil {
		snap.BeltSpeed = s.belt.SpeedMPS()
		snap.BeltDir = int(s.belt.CurrentDirection())
	}
	if s.statusFn != nil {
		snap.Extra = s.statusFn()
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleControlStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	var startBelt func() error
	if s.belt != nil {
		startBelt = s.belt.StartForward
	}
	if err := s.sup.StartProduction(startBelt); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

func (s *Server) handleControlStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	var stopBelt func() error
	if s.belt != nil {
		stopBelt = s.belt.Stop
	}
	if err := s.sup.StopProduction(stopBelt); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

func (s *Server) handleControlEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	if err := s.sup.EmergencyStop(); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

type activateGroupRequest struct {
	Category string `json:"category"`
}

func (s *Server) handleMotorActivateGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	if s.positioner == nil {
		writeError(w, http.StatusServiceUnavailable, "positioner unavailable", s.sup.State())
		return
	}
	var req activateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", s.sup.State())
		return
	}
	cat := domain.ParseFruitCategory(req.Category)
	group := domain.GroupOf(cat)
	if group < 0 {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.Category, s.sup.State())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if err := s.positioner.ActivateGroup(ctx, group); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

func (s *Server) handleBeltStartForward(w http.ResponseWriter, r *http.Request) {
	s.handleBeltCommand(w, r, func() error { return s.belt.StartForward() })
}

func (s *Server) handleBeltStartBackward(w http.ResponseWriter, r *http.Request) {
	s.handleBeltCommand(w, r, func() error { return s.belt.StartBackward() })
}

func (s *Server) handleBeltStop(w http.ResponseWriter, r *http.Request) {
	s.handleBeltCommand(w, r, func() error { return s.belt.Stop() })
}

func (s *Server) handleBeltCommand(w http.ResponseWriter, r *http.Request, fn func() error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	if s.belt == nil {
		writeError(w, http.StatusServiceUnavailable, "belt unavailable", s.sup.State())
		return
	}
	if err := fn(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

type setSpeedRequest struct {
	SpeedMPS float64 `json:"speed_mps"`
}

func (s *Server) handleBeltSetSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	if s.belt == nil {
		writeError(w, http.StatusServiceUnavailable, "belt unavailable", s.sup.State())
		return
	}
	var req setSpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpeedMPS <= 0 {
		writeError(w, http.StatusBadRequest, "malformed or non-positive speed_mps", s.sup.State())
		return
	}
	s.belt.SetSpeed(req.SpeedMPS)
	writeAccepted(w)
}

type classifyRequest struct {
	Category string  `json:"category"`
	Delay    float64 `json:"delay"`
}

func (s *Server) handleDivertersClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed", s.sup.State())
		return
	}
	if s.diverters == nil {
		writeError(w, http.StatusServiceUnavailable, "diverters unavailable", s.sup.State())
		return
	}
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", s.sup.State())
		return
	}
	cat := domain.ParseFruitCategory(req.Category)
	if cat == domain.Unknown {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.Category, s.sup.State())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if err := s.diverters.Classify(ctx, cat, req.Delay); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.sup.State())
		return
	}
	writeAccepted(w)
}

// dashboardEvent wraps a pushed WS message with its kind, so the dashboard
// client can distinguish periodic snapshots from ad-hoc alert pushes.
type dashboardEvent struct {
	Kind string `json:"kind"` // "snapshot" | "alert"
	Data any    `json:"data"`
}

// handleDashboardWS pushes the status snapshot every second plus ad-hoc
// alert events, until the client disconnects or a write fails.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	alerts := s.sup.Subscribe()
	ticker := time.NewTicker(dashboardPeriod)
	defer ticker.Stop()

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Only this goroutine ever writes to conn, so no write-side lock is
	// needed (gorilla/websocket only forbids concurrent writers).
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(dashboardEvent{Kind: "snapshot", Data: s.snapshot()}); err != nil {
				return
			}
		case a := <-alerts:
			if err := conn.WriteJSON(dashboardEvent{Kind: "alert", Data: a}); err != nil {
				return
			}
		}
	}
}
