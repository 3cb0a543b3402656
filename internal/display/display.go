package display

import (
	"log"
	"sync"
)

// Lines are numbered from 1, top first.
const (
	Top    = 1
	Bottom = 2
)

// Panel is the operator feedback surface. Calls are notifications; failures are
// logged by the implementation and never returned.
type Panel interface {
	Show(text string, line int)
	Clear()
}

// Console logs every message instead of driving hardware. It stands in for the
// LCD when no display is attached.
type Console struct {
	mu    sync.Mutex
	lines map[int]string
}

// NewConsole creates a logging panel.
func NewConsole() *Console {
	return &Console{lines: make(map[int]string)}
}

func (c *Console) Show(text string, line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[line] = text
	log.Printf("Display [%d] %s", line, text)
}

func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = make(map[int]string)
}

// Line returns what line currently shows.
func (c *Console) Line(line int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[line]
}
