package serialport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrPortUnavailable is returned when the OS-level serial device cannot be opened.
var ErrPortUnavailable = errors.New("serial port unavailable")

// ErrClosed is returned by operations on a channel that has been closed.
var ErrClosed = errors.New("serial channel closed")

// Channel is a blocking read/write line to a peripheral.
type Channel interface {
	Write(p []byte) error
	// ReadAvailable returns whatever arrived within the read timeout. An empty
	// slice with a nil error means the line stayed quiet.
	ReadAvailable() ([]byte, error)
	Close() error
}

// Opener opens a channel on a device path. Workflows take an Opener so tests can
// substitute an in-memory line.
type Opener func(path string, baud int, timeout time.Duration) (Channel, error)

const readChunk = 256

// Port is a Channel backed by a real UART.
type Port struct {
	path string
	mu   sync.Mutex
	port serial.Port
}

// Open opens the device at path with 8N1 framing.
func Open(path string, baud int, timeout time.Duration) (Channel, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, path, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrPortUnavailable, path, err)
	}
	return &Port{path: path, port: p}, nil
}

// Write writes all of p to the line.
func (s *Port) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("write %s: %w", s.path, err)
		}
		p = p[n:]
	}
	return nil
}

// ReadAvailable performs one read bounded by the configured timeout.
func (s *Port) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, readChunk)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return buf[:n], nil
}

// Close releases the OS handle. Closing twice is a no-op.
func (s *Port) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
