package display

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func written(rec *i2ctest.Record) []byte {
	var out []byte
	for _, op := range rec.Ops {
		out = append(out, op.W...)
	}
	return out
}

func TestLCD_InitSequence(t *testing.T) {
	rec := &i2ctest.Record{}
	_, err := NewLCD(rec, 0x27, 2, 16)
	require.NoError(t, err)

	require.NotEmpty(t, rec.Ops)
	for _, op := range rec.Ops {
		assert.Equal(t, uint16(0x27), op.Addr)
	}
	// First nibble forces 8-bit mode with the backlight on and a strobe on EN.
	assert.Equal(t, []byte{0x38, 0x3C, 0x38}, rec.Ops[0].W)
}

func TestLCD_ShowAddressesLine(t *testing.T) {
	rec := &i2ctest.Record{}
	lcd, err := NewLCD(rec, 0x27, 2, 16)
	require.NoError(t, err)
	rec.Ops = nil

	lcd.Show("Hi", Bottom)

	out := written(rec)
	// Set DDRAM address 0x40 (line 2): command 0xC0 as two nibbles.
	assert.True(t, bytes.HasPrefix(out, []byte{0xC8, 0xCC, 0xC8, 0x08, 0x0C, 0x08}))
	// 'H' = 0x48 sent as data (RS set).
	assert.True(t, bytes.Contains(out, []byte{0x49, 0x4D, 0x49, 0x89, 0x8D, 0x89}))
	// address + 16 padded characters, 2 nibbles each, 3 bytes per nibble
	assert.Len(t, out, (1+16)*2*3)
}

func TestLCD_ShowTopLine(t *testing.T) {
	rec := &i2ctest.Record{}
	lcd, err := NewLCD(rec, 0x27, 2, 16)
	require.NoError(t, err)
	rec.Ops = nil

	lcd.Show("Hi", Top)

	// Set DDRAM address 0x00: command 0x80 as two nibbles.
	assert.True(t, bytes.HasPrefix(written(rec), []byte{0x88, 0x8C, 0x88, 0x08, 0x0C, 0x08}))
}

func TestLCD_ShowIgnoresBadLine(t *testing.T) {
	rec := &i2ctest.Record{}
	lcd, err := NewLCD(rec, 0x27, 2, 16)
	require.NoError(t, err)
	rec.Ops = nil

	lcd.Show("nope", 3)
	lcd.Show("nope", 0)
	assert.Empty(t, rec.Ops)
}

func TestFit(t *testing.T) {
	assert.Equal(t, "Stored    ", fit("Stored", 10))
	assert.Equal(t, "Could not ", fit("Could not identify features", 10))
	assert.Equal(t, "caf?      ", fit("café", 10))
}

func TestConsole(t *testing.T) {
	c := NewConsole()
	c.Show("Place finger", Top)
	assert.Equal(t, "Place finger", c.Line(Top))
	c.Clear()
	assert.Equal(t, "", c.Line(Top))
}
