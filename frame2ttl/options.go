package frame2ttl

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sanworks/Frame2TTL/arcom"
)

type config struct {
	dial         arcom.Dialer
	log          zerolog.Logger
	settle       time.Duration
	firmwareWait time.Duration
	reopenPause  time.Duration
}

func defaultConfig() config {
	return config{
		dial: arcom.DialSerial,
		log:  zerolog.Nop(),
		// The instrument integrates for ~2.5 s before reporting an
		// auto-calibrated threshold.
		settle: 3 * time.Second,
		// Legacy firmware never answers the version query; this bounds
		// the wait before declaring it too old.
		firmwareWait: 250 * time.Millisecond,
		reopenPause:  250 * time.Millisecond,
	}
}

// Option configures Open.
type Option func(*config)

// WithDialer replaces the transport dialer. Tests use this to talk to an
// in-memory device.
func WithDialer(dial arcom.Dialer) Option {
	return func(c *config) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithLogger enables debug logging of session activity.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithCalibrationSettle overrides the wait between an auto-calibration
// command and its threshold read-back.
func WithCalibrationSettle(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.settle = d
		}
	}
}

// WithFirmwareWait overrides the bounded wait for the firmware version reply.
func WithFirmwareWait(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.firmwareWait = d
		}
	}
}

// WithReopenPause overrides the pause between closing and reopening the
// transport when hardware v3 renegotiates the port speed.
func WithReopenPause(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.reopenPause = d
		}
	}
}
