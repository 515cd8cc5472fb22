package frame2ttl

// Opcodes understood by Frame2TTL firmware. All commands are a single opcode
// byte followed by an optional fixed-width payload.
const (
	opHandshake     = 'C' // reply: 1 byte, HandshakeByte
	opFirmware      = 'F' // reply: 1 byte (absent on legacy firmware)
	opHardware      = '#' // reply: 1 byte
	opThreshold     = 'T' // payload: 2xint16 pair, or int32 light on fw4
	opDarkThreshold = 'K' // fw4: payload int32
	opDetectMode    = 'M' // fw4: payload uint8
	opMargin        = 'G' // fw4: payload uint32
	opCalLight      = 'L' // reply after settle: int16 (int32 on fw4)
	opCalDark       = 'D' // reply after settle: int16 (int32 on fw4)
	opReadSensor    = 'V' // payload uint32 count, reply count x uint16
	opStream        = 'S' // payload uint8 flag, device pushes uint16 samples
)

// HandshakeByte is the fixed reply to opHandshake.
const HandshakeByte = 218

const (
	minFirmware = 2
	maxFirmware = 4

	minHardware = 2
	maxHardware = 3

	// USB CDC: baud is nominal, but hardware v3 requires the high-speed
	// endpoint configuration.
	defaultBaud = 12000000
	hw3Baud     = 480000000
)

// Generation-appropriate threshold defaults. Derivative units are bits/ms of
// sliding-window luminance change; amplitude units are raw sensor bits.
const (
	hw2DefaultLight = 100
	hw2DefaultDark  = -150
	hw3DefaultLight = 75
	hw3DefaultDark  = -75

	amplitudeDefaultLight = 20000
	amplitudeDefaultDark  = 30000

	// DefaultActivationMargin is the initial distance, in bits, that
	// amplitude-mode thresholds must keep from full scale.
	DefaultActivationMargin = 1000
)

// FullScale is the sensor's maximum luminance reading.
const FullScale = 65535

// DetectMode selects how the device detects sync patch transitions.
type DetectMode int

const (
	// ModeAmplitude trips on absolute luminance thresholds (fw4 only).
	ModeAmplitude DetectMode = 0
	// ModeDerivative trips on sliding-window luminance change.
	ModeDerivative DetectMode = 1
)

func (m DetectMode) String() string {
	switch m {
	case ModeAmplitude:
		return "amplitude"
	case ModeDerivative:
		return "derivative"
	}
	return "unknown"
}

// generation captures what differs between supported firmware generations:
// how threshold writes are encoded, the calibration reply width, and whether
// detect modes exist at all.
type generation struct {
	pairedThresholds bool // 'T' carries (light, dark) as a 2xint16 pair
	wideCalReply     bool // auto-calibration replies are int32
	detectModes      bool // 'K'/'M'/'G' supported
}

// generationFor maps a reported firmware version to its descriptor.
func generationFor(firmware int) (generation, bool) {
	switch {
	case firmware >= minFirmware && firmware < 4:
		return generation{pairedThresholds: true}, true
	case firmware == 4:
		return generation{wideCalReply: true, detectModes: true}, true
	}
	return generation{}, false
}

// derivativeDefaults returns the hardware-appropriate derivative thresholds.
func derivativeDefaults(hardware int) (light, dark int) {
	if hardware == 2 {
		return hw2DefaultLight, hw2DefaultDark
	}
	return hw3DefaultLight, hw3DefaultDark
}
