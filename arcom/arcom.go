// Package arcom implements the typed serial codec used by Frame2TTL devices.
// It wraps a raw byte stream with fixed-width little-endian scalar encode and
// decode, matching the ArCOM framing the device firmware speaks.
package arcom

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	goserial "github.com/tarm/serial"
)

// Dialer opens the underlying byte stream for a named port at a given speed.
// Tests substitute an in-memory device here.
type Dialer func(portName string, baud int) (io.ReadWriteCloser, error)

// DialSerial opens a real serial port. The short read timeout makes drains
// non-blocking; exact-count reads retry until filled.
func DialSerial(portName string, baud int) (io.ReadWriteCloser, error) {
	cfg := &goserial.Config{
		Name:        portName,
		Baud:        baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: time.Millisecond * 100,
	}
	return goserial.OpenPort(cfg)
}

// ArCom is a typed encoder/decoder over a serial byte stream.
// It is not safe for concurrent use.
type ArCom struct {
	conn io.ReadWriteCloser
}

// New wraps an open byte stream.
func New(conn io.ReadWriteCloser) *ArCom {
	return &ArCom{conn: conn}
}

// Open dials portName at baud and wraps the stream.
func Open(dial Dialer, portName string, baud int) (*ArCom, error) {
	conn, err := dial(portName, baud)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return New(conn), nil
}

func (a *ArCom) Close() error { return a.conn.Close() }

// Uint8 encodes unsigned bytes.
func Uint8(vs ...uint8) []byte { return append([]byte(nil), vs...) }

// Int16 encodes signed 16-bit values, little-endian.
func Int16(vs ...int16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// Int32 encodes signed 32-bit values, little-endian.
func Int32(vs ...int32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

// Uint32 encodes unsigned 32-bit values, little-endian.
func Uint32(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// WriteOp sends a single opcode byte followed by optional payload parts as
// one write, so a command is never split across transport writes.
func (a *ArCom) WriteOp(op byte, payload ...[]byte) error {
	msg := []byte{op}
	for _, p := range payload {
		msg = append(msg, p...)
	}
	if _, err := a.conn.Write(msg); err != nil {
		return fmt.Errorf("write op %q: %w", op, err)
	}
	return nil
}

// readFull blocks until exactly len(p) bytes have been read. A timed-out
// read (0, io.EOF from the serial layer) is retried indefinitely; the device
// protocol has no reply timeouts.
func (a *ArCom) readFull(p []byte) error {
	off := 0
	for off < len(p) {
		n, err := a.conn.Read(p[off:])
		off += n
		if err != nil && err != io.EOF {
			return fmt.Errorf("read: %w", err)
		}
	}
	return nil
}

// ReadUint8 blocks for one unsigned byte.
func (a *ArCom) ReadUint8() (uint8, error) {
	var b [1]byte
	if err := a.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt16 blocks for one signed 16-bit value.
func (a *ArCom) ReadInt16() (int16, error) {
	var b [2]byte
	if err := a.readFull(b[:]); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b[:])), nil
}

// ReadInt32 blocks for one signed 32-bit value.
func (a *ArCom) ReadInt32() (int32, error) {
	var b [4]byte
	if err := a.readFull(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// ReadUint16s blocks for exactly n unsigned 16-bit values.
func (a *ArCom) ReadUint16s(n int) ([]uint16, error) {
	raw := make([]byte, 2*n)
	if err := a.readFull(raw); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out, nil
}

// ReadAvailable performs a single read and returns whatever bytes arrived,
// possibly zero. It never blocks longer than the transport's read timeout.
func (a *ArCom) ReadAvailable(p []byte) (int, error) {
	n, err := a.conn.Read(p)
	if err != nil {
		if err == io.EOF {
			return n, nil
		}
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}
