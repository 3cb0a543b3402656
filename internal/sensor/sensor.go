package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"attendance-controller/internal/serialport"
)

// DefaultAddress is the factory module address.
const DefaultAddress uint32 = 0xFFFFFFFF

// ErrNoResponse is returned when the module stays silent for a whole read timeout.
var ErrNoResponse = errors.New("sensor did not respond")

// Config controls how the client talks to the module and how long it polls.
type Config struct {
	Address        uint32
	Password       uint32
	MaxSlots       int
	PollInterval   time.Duration
	ImagingRetries int
}

// Match is the result of a successful library search.
type Match struct {
	Slot       int
	Confidence int
}

// SysParams mirrors the module's system parameter block.
type SysParams struct {
	StatusRegister uint16
	SystemID       uint16
	Capacity       uint16
	SecurityLevel  uint16
	Address        uint32
	PacketSize     uint16
	BaudSetting    uint16
}

// Stage marks progress through Identify so callers can give feedback.
type Stage int

const (
	StageCaptured Stage = iota
	StageTemplated
)

// Sensor drives an optical fingerprint module over a serial channel.
type Sensor struct {
	ch  serialport.Channel
	cfg Config
	mu  sync.Mutex
}

// New wraps an open channel. Zero config fields fall back to factory values.
func New(ch serialport.Channel, cfg Config) *Sensor {
	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 162
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Sensor{ch: ch, cfg: cfg}
}

// Close releases the underlying channel.
func (s *Sensor) Close() error {
	return s.ch.Close()
}

// exchange sends one command packet and waits for its acknowledgement.
func (s *Sensor) exchange(payload ...byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := encodePacket(packet{address: s.cfg.Address, pid: pidCommand, payload: payload})
	if err := s.ch.Write(out); err != nil {
		return nil, fmt.Errorf("sensor write: %w", err)
	}

	var buf []byte
	for {
		p, _, err := decodePacket(buf)
		if err == nil {
			if p.pid != pidAck {
				return nil, fmt.Errorf("sensor: unexpected packet id %#02x", p.pid)
			}
			if len(p.payload) == 0 {
				return nil, fmt.Errorf("sensor: empty acknowledgement")
			}
			return p.payload, nil
		}
		if !errors.Is(err, errShortPacket) {
			return nil, fmt.Errorf("sensor read: %w", err)
		}
		chunk, err := s.ch.ReadAvailable()
		if err != nil {
			return nil, fmt.Errorf("sensor read: %w", err)
		}
		if len(chunk) == 0 {
			return nil, ErrNoResponse
		}
		buf = append(buf, chunk...)
	}
}

func (s *Sensor) simple(op string, payload ...byte) error {
	ack, err := s.exchange(payload...)
	if err != nil {
		return err
	}
	return statusErr(op, ack[0])
}

// VerifyPassword performs the handshake required before any other command.
func (s *Sensor) VerifyPassword() error {
	pw := binary.BigEndian.AppendUint32(nil, s.cfg.Password)
	return s.simple("verify password", append([]byte{cmdVerifyPassword}, pw...)...)
}

// GetImage asks the module to photograph whatever is on the glass.
func (s *Sensor) GetImage() error {
	return s.simple("get image", cmdGetImage)
}

// Image2Tz extracts features from the last image into character buffer 1 or 2.
func (s *Sensor) Image2Tz(buffer int) error {
	return s.simple("image to template", cmdImage2Tz, byte(buffer))
}

// CreateModel combines both character buffers into one model.
func (s *Sensor) CreateModel() error {
	return s.simple("create model", cmdRegModel)
}

// StoreModel writes the model in buffer 1 to flash at slot.
func (s *Sensor) StoreModel(slot int) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	return s.simple("store model", cmdStore, 0x01, byte(slot>>8), byte(slot))
}

// DeleteModel removes the template stored at slot.
func (s *Sensor) DeleteModel(slot int) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	return s.simple("delete model", cmdDeleteChar, byte(slot>>8), byte(slot), 0x00, 0x01)
}

// EmptyLibrary deletes every stored template.
func (s *Sensor) EmptyLibrary() error {
	return s.simple("empty library", cmdEmpty)
}

// Search looks up the features in buffer 1. A miss returns an error matching
// ErrNotFound.
func (s *Sensor) Search() (Match, error) {
	count := s.cfg.MaxSlots + 1
	ack, err := s.exchange(cmdSearch, 0x01, 0x00, 0x00, byte(count>>8), byte(count))
	if err != nil {
		return Match{}, err
	}
	if err := statusErr("search", ack[0]); err != nil {
		return Match{}, err
	}
	if len(ack) < 5 {
		return Match{}, fmt.Errorf("sensor search: short acknowledgement (%d bytes)", len(ack))
	}
	return Match{
		Slot:       int(binary.BigEndian.Uint16(ack[1:3])),
		Confidence: int(binary.BigEndian.Uint16(ack[3:5])),
	}, nil
}

// TemplateCount returns how many templates the module holds.
func (s *Sensor) TemplateCount() (int, error) {
	ack, err := s.exchange(cmdTemplateCount)
	if err != nil {
		return 0, err
	}
	if err := statusErr("template count", ack[0]); err != nil {
		return 0, err
	}
	if len(ack) < 3 {
		return 0, fmt.Errorf("sensor template count: short acknowledgement")
	}
	return int(binary.BigEndian.Uint16(ack[1:3])), nil
}

// ReadSysParams reads the system parameter block.
func (s *Sensor) ReadSysParams() (SysParams, error) {
	ack, err := s.exchange(cmdReadSysPara)
	if err != nil {
		return SysParams{}, err
	}
	if err := statusErr("read system parameters", ack[0]); err != nil {
		return SysParams{}, err
	}
	if len(ack) < 17 {
		return SysParams{}, fmt.Errorf("sensor read system parameters: short acknowledgement")
	}
	b := ack[1:]
	return SysParams{
		StatusRegister: binary.BigEndian.Uint16(b[0:2]),
		SystemID:       binary.BigEndian.Uint16(b[2:4]),
		Capacity:       binary.BigEndian.Uint16(b[4:6]),
		SecurityLevel:  binary.BigEndian.Uint16(b[6:8]),
		Address:        binary.BigEndian.Uint32(b[8:12]),
		PacketSize:     binary.BigEndian.Uint16(b[12:14]),
		BaudSetting:    binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

func (s *Sensor) checkSlot(slot int) error {
	if slot < 1 || slot > s.cfg.MaxSlots {
		return &StatusError{Op: fmt.Sprintf("slot %d", slot), Status: BadSlot}
	}
	return nil
}

// Capture polls GetImage until an image is taken. NoFingerPresent is never
// escalated; other failures are reported to onRetry and retried up to
// ImagingRetries times. The loop ends early when ctx is done.
func (s *Sensor) Capture(ctx context.Context, onRetry func(Status)) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.GetImage()
		st := StatusOf(err)
		switch {
		case err == nil:
			return nil
		case !isStatusErr(err):
			return err
		case !st.Transient():
			failures++
			log.Printf("Sensor capture attempt %d failed: %s", failures, st)
			if onRetry != nil {
				onRetry(st)
			}
			if failures > s.cfg.ImagingRetries {
				return err
			}
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// WaitFingerRemoved polls until the module reports an empty glass.
func (s *Sensor) WaitFingerRemoved(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.GetImage()
		if StatusOf(err) == NoFingerPresent {
			return nil
		}
		if err != nil && !isStatusErr(err) {
			return err
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// Identify captures one presentation and searches the library for it. Every
// sensor or transport failure collapses into ErrNotFound; only ctx errors are
// returned as they are.
func (s *Sensor) Identify(ctx context.Context, progress func(Stage)) (Match, error) {
	if err := s.Capture(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return Match{}, ctx.Err()
		}
		return Match{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if progress != nil {
		progress(StageCaptured)
	}
	if err := s.Image2Tz(1); err != nil {
		return Match{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if progress != nil {
		progress(StageTemplated)
	}
	m, err := s.Search()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Match{}, err
		}
		return Match{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return m, nil
}

func (s *Sensor) sleep(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isStatusErr(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
