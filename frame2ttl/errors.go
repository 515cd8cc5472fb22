package frame2ttl

import (
	"errors"
	"fmt"
)

// HandshakeError indicates the device did not identify itself with the
// expected handshake byte.
type HandshakeError struct {
	Reply uint8
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: device replied %d, want %d", e.Reply, HandshakeByte)
}

// VersionError indicates unsupported firmware or hardware.
type VersionError struct {
	Firmware int // 0 when the device never reported a version
	Hardware int
	Reason   string
}

func (e *VersionError) Error() string {
	return "unsupported device: " + e.Reason
}

// ValidationError indicates an input rejected before any transmission.
// The device is never sent an invalid value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ModeError indicates an operation unsupported in the current detect mode
// or by the connected firmware generation.
type ModeError struct {
	Op   string
	Mode DetectMode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("%s is not available in %s mode", e.Op, e.Mode)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsVersionError reports whether err is a VersionError.
func IsVersionError(err error) bool {
	var ve *VersionError
	return errors.As(err, &ve)
}
