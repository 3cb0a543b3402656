package display

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PCF8574 backpack wiring.
const (
	bitRS        byte = 0x01
	bitEnable    byte = 0x04
	bitBacklight byte = 0x08
)

// HD44780 instructions.
const (
	instClear       byte = 0x01
	instEntryMode   byte = 0x06 // increment, no shift
	instDisplayOn   byte = 0x0C // display on, cursor off, blink off
	instDisplayOff  byte = 0x08
	instFunctionSet byte = 0x28 // 4-bit, two lines, 5x8 font
	instSetDDRAM    byte = 0x80
)

var rowOffsets = []byte{0x00, 0x40, 0x14, 0x54}

// LCD drives an HD44780 character display through a PCF8574 I2C expander.
type LCD struct {
	mu     sync.Mutex
	dev    *i2c.Dev
	closer i2c.BusCloser
	rows   int
	cols   int
}

// OpenLCD initialises the host drivers, opens the named I2C bus ("" picks the
// first one) and resets the display.
func OpenLCD(busName string, addr uint16, rows, cols int) (*LCD, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", busName, err)
	}
	lcd, err := NewLCD(bus, addr, rows, cols)
	if err != nil {
		bus.Close()
		return nil, err
	}
	lcd.closer = bus
	return lcd, nil
}

// NewLCD resets a display reachable on bus at addr.
func NewLCD(bus i2c.Bus, addr uint16, rows, cols int) (*LCD, error) {
	if rows < 1 || rows > len(rowOffsets) {
		return nil, fmt.Errorf("unsupported row count %d", rows)
	}
	l := &LCD{dev: &i2c.Dev{Bus: bus, Addr: addr}, rows: rows, cols: cols}
	if err := l.init(); err != nil {
		return nil, fmt.Errorf("lcd init: %w", err)
	}
	return l, nil
}

func (l *LCD) init() error {
	time.Sleep(50 * time.Millisecond)
	// Force 8-bit mode three times, then switch to 4-bit.
	for i := 0; i < 3; i++ {
		if err := l.nibble(0x30); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.nibble(0x20); err != nil {
		return err
	}
	for _, inst := range []byte{instFunctionSet, instDisplayOff, instClear, instEntryMode, instDisplayOn} {
		if err := l.command(inst); err != nil {
			return err
		}
		if inst == instClear {
			time.Sleep(2 * time.Millisecond)
		}
	}
	return nil
}

func (l *LCD) nibble(n byte) error {
	n = n&0xF0 | bitBacklight | n&bitRS
	_, err := l.dev.Write([]byte{n, n | bitEnable, n})
	return err
}

func (l *LCD) write(b, mode byte) error {
	if err := l.nibble(b&0xF0 | mode); err != nil {
		return err
	}
	return l.nibble(b<<4 | mode)
}

func (l *LCD) command(b byte) error {
	return l.write(b, 0)
}

// Show writes text on line (Top, Bottom, ...), padded or cut to the display
// width.
func (l *LCD) Show(text string, line int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line < 1 || line > l.rows {
		log.Printf("Display line %d out of range (rows=%d)", line, l.rows)
		return
	}
	if err := l.command(instSetDDRAM | rowOffsets[line-1]); err != nil {
		log.Printf("Display write failed: %v", err)
		return
	}
	for _, c := range []byte(fit(text, l.cols)) {
		if err := l.write(c, bitRS); err != nil {
			log.Printf("Display write failed: %v", err)
			return
		}
	}
}

// Clear blanks every line.
func (l *LCD) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.command(instClear); err != nil {
		log.Printf("Display clear failed: %v", err)
		return
	}
	time.Sleep(2 * time.Millisecond)
}

// Close turns the display off and releases the bus.
func (l *LCD) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.command(instDisplayOff)
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// fit pads or truncates s to width, replacing anything outside printable ASCII.
func fit(s string, width int) string {
	b := make([]byte, 0, width)
	for _, r := range s {
		if len(b) == width {
			break
		}
		if r < 0x20 || r > 0x7E {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return string(b) + strings.Repeat(" ", width-len(b))
}
