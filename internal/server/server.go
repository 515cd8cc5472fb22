// Package server exposes one Frame2TTL session over a local HTTP API and
// broadcasts its streamed samples to WebSocket viewers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanworks/Frame2TTL/frame2ttl"
	"github.com/sanworks/Frame2TTL/stats"
)

// streamInterval is the drain cadence while the device pushes samples.
const streamInterval = 25 * time.Millisecond

// Controller is the slice of the device session the server drives. The
// concrete implementation is *frame2ttl.Device; tests use a fake.
type Controller interface {
	FirmwareVersion() int
	HardwareVersion() int
	DetectMode() frame2ttl.DetectMode
	LightThreshold() int
	DarkThreshold() int
	ActivationMargin() int
	Port() string
	Streaming() bool

	SetLightThreshold(value int) error
	SetDarkThreshold(value int) error
	SetDetectMode(mode frame2ttl.DetectMode) error
	SetActivationMargin(value int) error
	CalibrateLightThreshold() (int, error)
	CalibrateDarkThreshold() (int, error)
	ReadSensor(n int) ([]uint16, error)
	SetStreaming(enabled bool) error
	DrainSamples() ([]uint16, error)
	Close() error
}

// Opener connects to a device on the given port; an empty port means
// auto-detect.
type Opener func(port string) (Controller, error)

// DefaultOpener opens real hardware.
func DefaultOpener(port string) (Controller, error) {
	if port == "" {
		port = frame2ttl.DetectPort()
		if port == "" {
			return nil, &frame2ttl.ValidationError{Field: "port", Reason: "no Frame2TTL device found"}
		}
	}
	return frame2ttl.Open(port)
}

// deviceSession guards the single device; the session object itself is not
// safe for concurrent callers, so every command path holds mu.
type deviceSession struct {
	mu   sync.Mutex
	ctrl Controller

	// streaming broadcast loop
	streamCancel context.CancelFunc
}

type Server struct {
	mux *http.ServeMux
	log zerolog.Logger

	open Opener
	dev  *deviceSession
	hub  *WSHub
}

func New(log zerolog.Logger, open Opener) *Server {
	if open == nil {
		open = DefaultOpener
	}
	s := &Server{
		mux:  http.NewServeMux(),
		log:  log,
		open: open,
		dev:  &deviceSession{},
		hub:  NewWSHub(),
	}

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/thresholds", s.handleThresholds)
	s.mux.HandleFunc("/api/mode", s.handleMode)
	s.mux.HandleFunc("/api/margin", s.handleMargin)
	s.mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	s.mux.HandleFunc("/api/read", s.handleRead)
	s.mux.HandleFunc("/api/stream", s.handleStream)

	// WS
	s.mux.HandleFunc("/ws/stream", s.handleWSStream)

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Shutdown disconnects the device, stopping streaming first.
func (s *Server) Shutdown() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.disconnectLocked()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// errStatus maps driver error kinds onto HTTP statuses.
func errStatus(err error) int {
	var (
		ve *frame2ttl.ValidationError
		me *frame2ttl.ModeError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &me):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ConnectRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.disconnectLocked()

	ctrl, err := s.open(req.Port)
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	s.dev.ctrl = ctrl
	s.log.Info().Str("port", ctrl.Port()).
		Int("firmware", ctrl.FirmwareVersion()).
		Int("hardware", ctrl.HardwareVersion()).
		Msg("device connected")
	s.writeJSON(w, 200, s.statusLocked())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.disconnectLocked()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) disconnectLocked() {
	if s.dev.streamCancel != nil {
		s.dev.streamCancel()
		s.dev.streamCancel = nil
	}
	if s.dev.ctrl != nil {
		_ = s.dev.ctrl.Close()
		s.dev.ctrl = nil
		s.log.Info().Msg("device disconnected")
	}
}

func (s *Server) statusLocked() StatusResponse {
	c := s.dev.ctrl
	if c == nil {
		return StatusResponse{Connected: false, StreamClients: s.hub.ClientCount()}
	}
	return StatusResponse{
		Connected:        true,
		Port:             c.Port(),
		FirmwareVersion:  c.FirmwareVersion(),
		HardwareVersion:  c.HardwareVersion(),
		DetectMode:       c.DetectMode().String(),
		LightThreshold:   c.LightThreshold(),
		DarkThreshold:    c.DarkThreshold(),
		ActivationMargin: c.ActivationMargin(),
		Streaming:        c.Streaming(),
		StreamClients:    s.hub.ClientCount(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.writeJSON(w, 200, s.statusLocked())
}

// withDevice runs fn with the session locked, rejecting when not connected.
func (s *Server) withDevice(w http.ResponseWriter, fn func(Controller)) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.ctrl == nil {
		s.writeJSON(w, 400, APIError{Error: "not connected"})
		return
	}
	fn(s.dev.ctrl)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ThresholdsRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	if req.Light == nil && req.Dark == nil {
		s.writeJSON(w, 400, APIError{Error: "provide light and/or dark"})
		return
	}
	s.withDevice(w, func(c Controller) {
		if req.Light != nil {
			if err := c.SetLightThreshold(*req.Light); err != nil {
				s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
				return
			}
		}
		if req.Dark != nil {
			if err := c.SetDarkThreshold(*req.Dark); err != nil {
				s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
				return
			}
		}
		s.writeJSON(w, 200, ThresholdsResponse{Light: c.LightThreshold(), Dark: c.DarkThreshold()})
	})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ModeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	s.withDevice(w, func(c Controller) {
		if err := c.SetDetectMode(frame2ttl.DetectMode(req.Mode)); err != nil {
			s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
			return
		}
		s.writeJSON(w, 200, s.statusLocked())
	})
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req MarginRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	s.withDevice(w, func(c Controller) {
		if err := c.SetActivationMargin(req.Margin); err != nil {
			s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
			return
		}
		s.writeJSON(w, 200, s.statusLocked())
	})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req CalibrateRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	if req.Kind != "light" && req.Kind != "dark" {
		s.writeJSON(w, 400, APIError{Error: "kind must be \"light\" or \"dark\""})
		return
	}
	s.withDevice(w, func(c Controller) {
		var (
			threshold int
			err       error
		)
		if req.Kind == "light" {
			threshold, err = c.CalibrateLightThreshold()
		} else {
			threshold, err = c.CalibrateDarkThreshold()
		}
		if err != nil {
			s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
			return
		}
		s.log.Info().Str("kind", req.Kind).Int("threshold", threshold).Msg("auto-calibration done")
		s.writeJSON(w, 200, CalibrateResponse{Kind: req.Kind, Threshold: threshold})
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	n := 1
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			s.writeJSON(w, 400, APIError{Error: "n must be an integer"})
			return
		}
		n = v
	}
	s.withDevice(w, func(c Controller) {
		samples, err := c.ReadSensor(n)
		if err != nil {
			s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
			return
		}
		s.writeJSON(w, 200, ReadResponse{Samples: samples, Stats: stats.Compute(samples)})
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req StreamRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.ctrl == nil {
		s.writeJSON(w, 400, APIError{Error: "not connected"})
		return
	}

	if !req.Enabled {
		if s.dev.streamCancel != nil {
			s.dev.streamCancel()
			s.dev.streamCancel = nil
		}
		if err := s.dev.ctrl.SetStreaming(false); err != nil {
			s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
			return
		}
		s.writeJSON(w, 200, s.statusLocked())
		return
	}

	if s.dev.streamCancel != nil {
		// already streaming
		s.writeJSON(w, 200, s.statusLocked())
		return
	}
	if err := s.dev.ctrl.SetStreaming(true); err != nil {
		s.writeJSON(w, errStatus(err), APIError{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.dev.streamCancel = cancel
	go s.streamLoop(ctx)
	s.writeJSON(w, 200, s.statusLocked())
}

// streamLoop drains pending samples on a fixed cadence and broadcasts each
// batch. It polls instead of blocking so a quiet device never wedges the
// session lock.
func (s *Server) streamLoop(ctx context.Context) {
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.dev.mu.Lock()
		if s.dev.ctrl == nil {
			s.dev.mu.Unlock()
			return
		}
		samples, err := s.dev.ctrl.DrainSamples()
		s.dev.mu.Unlock()

		if err != nil {
			s.log.Error().Err(err).Msg("stream drain failed")
			s.hub.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
			return
		}
		if len(samples) > 0 {
			s.hub.Broadcast(WSMessage{Type: "samples", Data: samples})
		}
	}
}
