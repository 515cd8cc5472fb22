// Package frame2ttl controls a Frame2TTL sync-signal sensor over its USB
// serial port: session handshake, firmware/hardware version negotiation,
// detection threshold configuration with pre-transmission validation,
// auto-calibration, raw sample reads and streaming.
package frame2ttl

import (
	"fmt"
	"math"
	"time"

	"github.com/sanworks/Frame2TTL/arcom"
	"github.com/sanworks/Frame2TTL/stats"
)

// Device is an open session with a Frame2TTL sensor. Every command is a
// write followed by a blocking read of a fixed-size reply; there is no
// pipelining and no reply timeout. A Device is not safe for concurrent use.
type Device struct {
	port     *arcom.ArCom
	cfg      config
	portName string

	gen      generation
	firmware int
	hardware int

	mode             DetectMode
	lightThreshold   int
	darkThreshold    int
	activationMargin int

	streaming bool
	leftover  []byte // odd byte carried between streaming drains
	drainBuf  []byte
}

// Open connects to the sensor on portName and negotiates the session:
// handshake, firmware and hardware version checks, transport speed for
// hardware v3, and generation-appropriate default thresholds.
func Open(portName string, opts ...Option) (*Device, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	port, err := arcom.Open(cfg.dial, portName, defaultBaud)
	if err != nil {
		return nil, err
	}

	d := &Device{
		port:     port,
		cfg:      cfg,
		portName: portName,
		mode:     ModeDerivative,
		drainBuf: make([]byte, 4096),
	}
	if err := d.negotiate(); err != nil {
		_ = d.port.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) negotiate() error {
	if err := d.port.WriteOp(opHandshake); err != nil {
		return err
	}
	reply, err := d.port.ReadUint8()
	if err != nil {
		return err
	}
	if reply != HandshakeByte {
		return &HandshakeError{Reply: reply}
	}

	// Firmware v1 predates the version query and never answers it.
	if err := d.port.WriteOp(opFirmware); err != nil {
		return err
	}
	time.Sleep(d.cfg.firmwareWait)
	var fw [1]byte
	n, err := d.port.ReadAvailable(fw[:])
	if err != nil {
		return err
	}
	if n == 0 {
		return &VersionError{Reason: fmt.Sprintf(
			"legacy firmware detected, update to firmware v%d or newer", minFirmware)}
	}
	d.firmware = int(fw[0])

	gen, ok := generationFor(d.firmware)
	if !ok {
		if d.firmware > maxFirmware {
			return &VersionError{Firmware: d.firmware, Reason: fmt.Sprintf(
				"firmware v%d is newer than this library supports (max v%d)", d.firmware, maxFirmware)}
		}
		return &VersionError{Firmware: d.firmware, Reason: fmt.Sprintf(
			"firmware v%d is too old, update to firmware v%d or newer", d.firmware, minFirmware)}
	}
	d.gen = gen

	if err := d.port.WriteOp(opHardware); err != nil {
		return err
	}
	hw, err := d.port.ReadUint8()
	if err != nil {
		return err
	}
	d.hardware = int(hw)
	if d.hardware < minHardware || d.hardware > maxHardware {
		return &VersionError{Firmware: d.firmware, Hardware: d.hardware,
			Reason: fmt.Sprintf("hardware v%d is not supported", d.hardware)}
	}

	// Hardware v3 runs the USB serial endpoint at full speed; reconnect at
	// the higher rate before issuing any further commands.
	if d.hardware == 3 {
		if err := d.port.Close(); err != nil {
			return fmt.Errorf("close for speed change: %w", err)
		}
		time.Sleep(d.cfg.reopenPause)
		port, err := arcom.Open(d.cfg.dial, d.portName, hw3Baud)
		if err != nil {
			return fmt.Errorf("reopen at %d baud: %w", hw3Baud, err)
		}
		d.port = port
		d.cfg.log.Debug().Int("baud", hw3Baud).Msg("transport reopened for hardware v3")
	}

	d.lightThreshold, d.darkThreshold = derivativeDefaults(d.hardware)
	d.activationMargin = DefaultActivationMargin

	d.cfg.log.Debug().
		Int("firmware", d.firmware).
		Int("hardware", d.hardware).
		Int("light_threshold", d.lightThreshold).
		Int("dark_threshold", d.darkThreshold).
		Msg("frame2ttl connected")
	return nil
}

// FirmwareVersion reports the firmware version received during negotiation.
func (d *Device) FirmwareVersion() int { return d.firmware }

// HardwareVersion reports the hardware version received during negotiation.
func (d *Device) HardwareVersion() int { return d.hardware }

// DetectMode reports the active detection mode. Firmware below v4 is always
// in derivative mode.
func (d *Device) DetectMode() DetectMode { return d.mode }

// LightThreshold reports the dark-to-light detection threshold.
func (d *Device) LightThreshold() int { return d.lightThreshold }

// DarkThreshold reports the light-to-dark detection threshold.
func (d *Device) DarkThreshold() int { return d.darkThreshold }

// ActivationMargin reports the amplitude-mode full-scale margin.
func (d *Device) ActivationMargin() int { return d.activationMargin }

// Streaming reports whether the device was told to push samples.
func (d *Device) Streaming() bool { return d.streaming }

// Port reports the serial port name the session was opened on.
func (d *Device) Port() string { return d.portName }

func (d *Device) validateLight(value int) error {
	switch d.mode {
	case ModeDerivative:
		if value <= 0 {
			return &ValidationError{Field: "light threshold", Reason: "must be a positive integer"}
		}
		if d.gen.pairedThresholds && value > math.MaxInt16 {
			return &ValidationError{Field: "light threshold",
				Reason: fmt.Sprintf("must not exceed %d", math.MaxInt16)}
		}
	case ModeAmplitude:
		if value < d.activationMargin || value > FullScale-d.activationMargin {
			return &ValidationError{Field: "light threshold", Reason: fmt.Sprintf(
				"must be in [%d, %d]", d.activationMargin, FullScale-d.activationMargin)}
		}
		if value >= d.darkThreshold {
			return &ValidationError{Field: "light threshold", Reason: fmt.Sprintf(
				"must be below the dark threshold (%d)", d.darkThreshold)}
		}
	}
	return nil
}

func (d *Device) validateDark(value int) error {
	switch d.mode {
	case ModeDerivative:
		if value >= 0 {
			return &ValidationError{Field: "dark threshold", Reason: "must be a negative integer"}
		}
		if d.gen.pairedThresholds && value < math.MinInt16 {
			return &ValidationError{Field: "dark threshold",
				Reason: fmt.Sprintf("must not be below %d", math.MinInt16)}
		}
	case ModeAmplitude:
		if value < d.activationMargin || value > FullScale-d.activationMargin {
			return &ValidationError{Field: "dark threshold", Reason: fmt.Sprintf(
				"must be in [%d, %d]", d.activationMargin, FullScale-d.activationMargin)}
		}
		if value <= d.lightThreshold {
			return &ValidationError{Field: "dark threshold", Reason: fmt.Sprintf(
				"must be above the light threshold (%d)", d.lightThreshold)}
		}
	}
	return nil
}

// SetLightThreshold validates value for the active mode, transmits it, and
// commits it locally. Derivative units are bits/ms of luminance change;
// amplitude units are raw bits. Nothing is sent when validation fails.
func (d *Device) SetLightThreshold(value int) error {
	if err := d.validateLight(value); err != nil {
		return err
	}
	if err := d.writeThresholds(value, d.darkThreshold); err != nil {
		return err
	}
	d.lightThreshold = value
	d.cfg.log.Debug().Int("light_threshold", value).Msg("light threshold set")
	return nil
}

// SetDarkThreshold validates value for the active mode, transmits it, and
// commits it locally. Nothing is sent when validation fails.
func (d *Device) SetDarkThreshold(value int) error {
	if err := d.validateDark(value); err != nil {
		return err
	}
	if d.gen.pairedThresholds {
		if err := d.port.WriteOp(opThreshold, arcom.Int16(int16(d.lightThreshold), int16(value))); err != nil {
			return err
		}
	} else {
		if err := d.port.WriteOp(opDarkThreshold, arcom.Int32(int32(value))); err != nil {
			return err
		}
	}
	d.darkThreshold = value
	d.cfg.log.Debug().Int("dark_threshold", value).Msg("dark threshold set")
	return nil
}

// writeThresholds transmits a light threshold. Firmware v2/v3 only accepts
// the (light, dark) pair in one command; v4 addresses each independently.
func (d *Device) writeThresholds(light, dark int) error {
	if d.gen.pairedThresholds {
		return d.port.WriteOp(opThreshold, arcom.Int16(int16(light), int16(dark)))
	}
	return d.port.WriteOp(opThreshold, arcom.Int32(int32(light)))
}

// applyModeDefaults transmits and commits both default thresholds for the
// active mode. Detect mode changes are the only place defaults are
// recomputed after connect.
func (d *Device) applyModeDefaults() error {
	var light, dark int
	if d.mode == ModeAmplitude {
		light, dark = amplitudeDefaultLight, amplitudeDefaultDark
	} else {
		light, dark = derivativeDefaults(d.hardware)
	}
	if d.gen.pairedThresholds {
		if err := d.port.WriteOp(opThreshold, arcom.Int16(int16(light), int16(dark))); err != nil {
			return err
		}
	} else {
		if err := d.port.WriteOp(opThreshold, arcom.Int32(int32(light))); err != nil {
			return err
		}
		if err := d.port.WriteOp(opDarkThreshold, arcom.Int32(int32(dark))); err != nil {
			return err
		}
	}
	d.lightThreshold, d.darkThreshold = light, dark
	return nil
}

// SetDetectMode switches between amplitude and derivative detection
// (firmware v4 only). An actual mode change resets both thresholds to the
// new mode's defaults and transmits them.
func (d *Device) SetDetectMode(mode DetectMode) error {
	if !d.gen.detectModes {
		return &ModeError{Op: "detect mode selection", Mode: d.mode}
	}
	if mode != ModeAmplitude && mode != ModeDerivative {
		return &ValidationError{Field: "detect mode", Reason: "must be 0 (amplitude) or 1 (derivative)"}
	}
	if mode == d.mode {
		return nil
	}
	if err := d.port.WriteOp(opDetectMode, arcom.Uint8(uint8(mode))); err != nil {
		return err
	}
	d.mode = mode
	if err := d.applyModeDefaults(); err != nil {
		return err
	}
	d.cfg.log.Debug().Stringer("mode", mode).
		Int("light_threshold", d.lightThreshold).
		Int("dark_threshold", d.darkThreshold).
		Msg("detect mode changed")
	return nil
}

// SetActivationMargin sets the minimum distance amplitude-mode thresholds
// must keep from full scale (firmware v4, amplitude mode only). A margin
// that would push either current threshold out of range is rejected.
func (d *Device) SetActivationMargin(value int) error {
	if !d.gen.detectModes || d.mode != ModeAmplitude {
		return &ModeError{Op: "activation margin", Mode: d.mode}
	}
	if value < 0 || value > FullScale/2 {
		return &ValidationError{Field: "activation margin",
			Reason: fmt.Sprintf("must be in [0, %d]", FullScale/2)}
	}
	if d.lightThreshold < value || d.darkThreshold > FullScale-value {
		return &ValidationError{Field: "activation margin",
			Reason: "current thresholds would fall outside the allowed range"}
	}
	if err := d.port.WriteOp(opMargin, arcom.Uint32(uint32(value))); err != nil {
		return err
	}
	d.activationMargin = value
	return nil
}

// CalibrateLightThreshold asks the device to measure and choose a new
// dark-to-light threshold. Run with the sync patch BLACK. The device
// integrates for ~2.5 s; the call blocks for the settle duration and then
// reads back the stored threshold. Derivative mode only.
func (d *Device) CalibrateLightThreshold() (int, error) {
	return d.calibrate("light threshold auto-calibration", opCalLight)
}

// CalibrateDarkThreshold asks the device to measure and choose a new
// light-to-dark threshold. Run with the sync patch WHITE. Derivative mode
// only.
func (d *Device) CalibrateDarkThreshold() (int, error) {
	return d.calibrate("dark threshold auto-calibration", opCalDark)
}

func (d *Device) calibrate(op string, opcode byte) (int, error) {
	if d.mode != ModeDerivative {
		return 0, &ModeError{Op: op, Mode: d.mode}
	}
	if err := d.port.WriteOp(opcode); err != nil {
		return 0, err
	}
	time.Sleep(d.cfg.settle)

	var value int
	if d.gen.wideCalReply {
		v, err := d.port.ReadInt32()
		if err != nil {
			return 0, err
		}
		value = int(v)
	} else {
		v, err := d.port.ReadInt16()
		if err != nil {
			return 0, err
		}
		value = int(v)
	}
	if opcode == opCalLight {
		d.lightThreshold = value
	} else {
		d.darkThreshold = value
	}
	d.cfg.log.Debug().Str("op", op).Int("threshold", value).Msg("auto-calibration complete")
	return value, nil
}

// ReadSensor returns n consecutive raw luminance samples, each in
// [0, FullScale]. The read blocks until all n samples have arrived.
func (d *Device) ReadSensor(n int) ([]uint16, error) {
	if n <= 0 {
		return nil, &ValidationError{Field: "sample count", Reason: "must be a positive integer"}
	}
	if err := d.port.WriteOp(opReadSensor, arcom.Uint32(uint32(n))); err != nil {
		return nil, err
	}
	return d.port.ReadUint16s(n)
}

// MeasurePhotons reads n samples and summarizes them.
func (d *Device) MeasurePhotons(n int) (stats.Summary, error) {
	samples, err := d.ReadSensor(n)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Compute(samples), nil
}

// SetStreaming starts or stops the device's unsolicited sample stream. While
// enabled the device pushes uint16 samples continuously; the caller must
// drain them with DrainSamples on some cadence.
func (d *Device) SetStreaming(enabled bool) error {
	flag := uint8(0)
	if enabled {
		flag = 1
	}
	if err := d.port.WriteOp(opStream, arcom.Uint8(flag)); err != nil {
		return err
	}
	d.streaming = enabled
	if !enabled {
		d.leftover = d.leftover[:0]
	}
	return nil
}

// DrainSamples returns whatever streamed samples have arrived since the last
// drain, without blocking. A trailing odd byte is carried over to the next
// call. Returns nil when nothing is pending.
func (d *Device) DrainSamples() ([]uint16, error) {
	n, err := d.port.ReadAvailable(d.drainBuf)
	if err != nil {
		return nil, err
	}
	if n == 0 && len(d.leftover) < 2 {
		return nil, nil
	}
	raw := append(d.leftover, d.drainBuf[:n]...)
	count := len(raw) / 2
	samples := make([]uint16, count)
	for i := 0; i < count; i++ {
		samples[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	d.leftover = append(d.leftover[:0], raw[count*2:]...)
	if count == 0 {
		return nil, nil
	}
	return samples, nil
}

// Close tears down the session. If streaming was left enabled it is disabled
// best-effort first so the device stops pushing into a dead port.
func (d *Device) Close() error {
	if d.streaming {
		_ = d.port.WriteOp(opStream, arcom.Uint8(0))
		d.streaming = false
	}
	return d.port.Close()
}
