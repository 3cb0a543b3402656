package button

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestWatcher_DebouncesPresses(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", Num: 17, EdgesChan: make(chan gpio.Level, 8)}

	var presses int32
	w := NewWatcher(pin, time.Hour, func(context.Context) {
		atomic.AddInt32(&presses, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A bouncing contact produces a burst of edges.
	pin.EdgesChan <- gpio.Low
	pin.EdgesChan <- gpio.Low
	pin.EdgesChan <- gpio.Low

	require.Eventually(t, func() bool { return len(pin.EdgesChan) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&presses))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_SeparatePresses(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", Num: 17, EdgesChan: make(chan gpio.Level, 8)}

	var presses int32
	w := NewWatcher(pin, time.Millisecond, func(context.Context) {
		atomic.AddInt32(&presses, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		pin.EdgesChan <- gpio.Low
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&presses) == 3 }, time.Second, time.Millisecond)
}
