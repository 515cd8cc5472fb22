package arcom

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// CandidatePorts lists serial ports worth probing on this platform.
func CandidatePorts() []string {
	if runtime.GOOS == "windows" {
		// Scan COM1..COM64
		ports := make([]string, 0, 64)
		for i := 1; i <= 64; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	}

	// Unix-like: try common device paths.
	candidates := make([]string, 0, 32)
	for _, pat := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/cu.usbmodem*", "/dev/cu.usbserial*"} {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				candidates = append(candidates, m)
			}
		}
	}
	return candidates
}

// ScanPorts probes each candidate port in order and returns the first one the
// probe accepts, or "" when none respond.
func ScanPorts(probe func(portName string) bool) string {
	for _, name := range CandidatePorts() {
		if probe(name) {
			return name
		}
	}
	return ""
}
