package sms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"attendance-controller/internal/serialport"
)

// endOfMessage terminates the body of an AT+CMGS command.
const endOfMessage = "\x1A"

// ErrInvalidPhone is returned for a number that cannot be put in an AT+CMGS
// command.
var ErrInvalidPhone = errors.New("invalid phone number")

var phoneRe = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// ValidPhone reports whether phone is an optional "+" followed by 7 to 15
// digits, in international or local form.
func ValidPhone(phone string) bool {
	return phoneRe.MatchString(phone)
}

// messageText drops the bytes that end or cancel an SMS body.
func messageText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x1A || r == 0x1B {
			return -1
		}
		return r
	}, s)
}

// maxDrainReads caps how many reads are spent collecting one response.
const maxDrainReads = 8

// Config describes the modem line.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	StepDelay   time.Duration
}

// Modem sends text messages through a GSM modem using AT commands. A fresh
// channel is opened for every message and closed before Notify returns.
type Modem struct {
	open serialport.Opener
	cfg  Config
}

// NewModem creates a modem notifier that opens its line with open.
func NewModem(open serialport.Opener, cfg Config) *Modem {
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &Modem{open: open, cfg: cfg}
}

// Notify delivers message to phone. Responses are logged, not interpreted.
func (m *Modem) Notify(ctx context.Context, phone, message string) (err error) {
	if !ValidPhone(phone) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	ch, err := m.open(m.cfg.Port, m.cfg.Baud, m.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	log.Printf("Modem port %s is open", m.cfg.Port)
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			log.Printf("Failed to close modem port %s: %v", m.cfg.Port, cerr)
			if err == nil {
				err = fmt.Errorf("close modem: %w", cerr)
			}
			return
		}
		log.Printf("Modem port %s is closed", m.cfg.Port)
	}()

	steps := []struct {
		name string
		cmd  string
	}{
		{"AT", "AT\r"},
		{"CMGF", "AT+CMGF=1\r"},
		{"CMGS", fmt.Sprintf("AT+CMGS=\"%s\"\r", phone)},
		{"body", messageText(message) + endOfMessage},
	}
	for _, step := range steps {
		resp, err := m.send(ctx, ch, step.cmd)
		if err != nil {
			return fmt.Errorf("modem %s: %w", step.name, err)
		}
		log.Printf("Modem %s response: %q", step.name, strings.TrimSpace(resp))
	}
	return nil
}

func (m *Modem) send(ctx context.Context, ch serialport.Channel, cmd string) (string, error) {
	if err := ch.Write([]byte(cmd)); err != nil {
		return "", err
	}
	if m.cfg.StepDelay > 0 {
		t := time.NewTimer(m.cfg.StepDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	var sb strings.Builder
	for i := 0; i < maxDrainReads; i++ {
		chunk, err := ch.ReadAvailable()
		if err != nil {
			return sb.String(), err
		}
		if len(chunk) == 0 {
			break
		}
		sb.Write(chunk)
	}
	return sb.String(), nil
}

// Console logs messages instead of sending them. It is used when no modem is
// attached.
type Console struct{}

func (Console) Notify(_ context.Context, phone, message string) error {
	log.Printf("SMS to %s: %s", phone, message)
	return nil
}

// AttendanceMessage is the text a parent receives when their child checks in.
func AttendanceMessage(name, course string, at time.Time) string {
	return fmt.Sprintf("Your child %s has entered their %s class at %s.", name, course, at.Format("15:04"))
}
