package frame2ttl

import (
	"time"

	"github.com/sanworks/Frame2TTL/arcom"
)

// probeWait bounds how long a candidate port gets to answer the handshake.
const probeWait = 500 * time.Millisecond

// DetectPort scans the platform's candidate serial ports and returns the
// first one that answers the Frame2TTL handshake, or "" when none do.
func DetectPort() string {
	return arcom.ScanPorts(func(name string) bool {
		return probePort(arcom.DialSerial, name)
	})
}

// probePort opens name, issues the handshake and waits a bounded time for
// the identification byte. Unlike session reads, the probe must not hang on
// a silent port.
func probePort(dial arcom.Dialer, name string) bool {
	port, err := arcom.Open(dial, name, defaultBaud)
	if err != nil {
		return false
	}
	defer func() { _ = port.Close() }()

	if err := port.WriteOp(opHandshake); err != nil {
		return false
	}
	deadline := time.Now().Add(probeWait)
	var b [1]byte
	for time.Now().Before(deadline) {
		n, err := port.ReadAvailable(b[:])
		if err != nil {
			return false
		}
		if n > 0 {
			return b[0] == HandshakeByte
		}
	}
	return false
}
