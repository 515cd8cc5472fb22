package server

import (
	"time"

	"github.com/sanworks/Frame2TTL/stats"
)

type APIError struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectRequest struct {
	// Port may be empty to auto-detect the device.
	Port string `json:"port"`
}

type StatusResponse struct {
	Connected        bool   `json:"connected"`
	Port             string `json:"port,omitempty"`
	FirmwareVersion  int    `json:"firmwareVersion,omitempty"`
	HardwareVersion  int    `json:"hardwareVersion,omitempty"`
	DetectMode       string `json:"detectMode,omitempty"`
	LightThreshold   int    `json:"lightThreshold,omitempty"`
	DarkThreshold    int    `json:"darkThreshold,omitempty"`
	ActivationMargin int    `json:"activationMargin,omitempty"`
	Streaming        bool   `json:"streaming"`
	StreamClients    int    `json:"streamClients"`
}

type ThresholdsRequest struct {
	Light *int `json:"light,omitempty"`
	Dark  *int `json:"dark,omitempty"`
}

type ThresholdsResponse struct {
	Light int `json:"light"`
	Dark  int `json:"dark"`
}

type ModeRequest struct {
	Mode int `json:"mode"`
}

type MarginRequest struct {
	Margin int `json:"margin"`
}

type CalibrateRequest struct {
	// Kind is "light" or "dark".
	Kind string `json:"kind"`
}

type CalibrateResponse struct {
	Kind      string `json:"kind"`
	Threshold int    `json:"threshold"`
}

type ReadResponse struct {
	Samples []uint16      `json:"samples"`
	Stats   stats.Summary `json:"stats"`
}

type StreamRequest struct {
	Enabled bool `json:"enabled"`
}
