// Package device serializes all hardware work onto one worker goroutine. The
// sensor, display, modem and slot allocator are touched only from jobs run by
// that worker.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendance-controller/internal/metrics"
	"attendance-controller/internal/model"
	"attendance-controller/internal/slots"
	"attendance-controller/internal/workflow"
)

// ErrStopped is returned for jobs submitted after the worker has exited.
var ErrStopped = errors.New("device controller stopped")

// ErrNotRunning is returned when Abort finds no job in progress.
var ErrNotRunning = errors.New("no device job running")

type job struct {
	id     string
	name   string
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error

	started time.Time
	cancel  context.CancelFunc
}

// JobInfo describes the job currently holding the hardware.
type JobInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// Status is a snapshot for health reporting.
type Status struct {
	Running   bool     `json:"running"`
	Job       *JobInfo `json:"job,omitempty"`
	SlotsUsed int      `json:"slots_used"`
	SlotsMax  int      `json:"slots_max"`
}

// Controller owns the peripherals through its workflow engine and runs one job
// at a time.
type Controller struct {
	engine  *workflow.Engine
	slots   *slots.Allocator
	metrics *metrics.Metrics

	jobs chan *job
	done chan struct{}

	mu      sync.Mutex
	current *job
	running bool
}

// New creates a controller. Call Start before submitting jobs.
func New(engine *workflow.Engine, allocator *slots.Allocator, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		engine:  engine,
		slots:   allocator,
		metrics: m,
		jobs:    make(chan *job),
		done:    make(chan struct{}),
	}
}

// Start rebuilds the slot allocator from the database and launches the
// worker. The worker exits when ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	occupied, err := c.engine.ReloadSlots(ctx)
	if err != nil {
		return fmt.Errorf("load occupied slots: %w", err)
	}
	log.Printf("Loaded %d occupied fingerprint slots", len(occupied))
	c.metrics.SlotsOccupied.Set(float64(len(occupied)))

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	go c.loop(ctx)
	return nil
}

// Done is closed once the worker has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	log.Printf("Device worker started")
	for {
		select {
		case j := <-c.jobs:
			c.run(ctx, j)
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			log.Printf("Device worker shutting down")
			return
		}
	}
}

func (c *Controller) run(parent context.Context, j *job) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(j.ctx, cancel)

	c.mu.Lock()
	j.started = time.Now()
	j.cancel = cancel
	c.current = j
	c.mu.Unlock()

	log.Printf("Device job %s (%s) started", j.name, j.id)
	err := call(ctx, j)

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	stop()
	cancel()

	elapsed := time.Since(j.started)
	c.metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())
	if err != nil {
		log.Printf("Device job %s (%s) failed after %s: %v", j.name, j.id, elapsed.Round(time.Millisecond), err)
	} else {
		log.Printf("Device job %s (%s) finished in %s", j.name, j.id, elapsed.Round(time.Millisecond))
	}
	j.result <- err
}

func call(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

// Do runs fn on the worker and waits for it to finish. fn's context is
// cancelled by Abort, by ctx, or when the worker shuts down.
func (c *Controller) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := &job{
		id:     uuid.NewString(),
		name:   name,
		ctx:    ctx,
		fn:     fn,
		result: make(chan error, 1),
	}
	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	return <-j.result
}

// Abort cancels the running job.
func (c *Controller) Abort() (JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return JobInfo{}, ErrNotRunning
	}
	c.current.cancel()
	c.metrics.Aborts.Inc()
	log.Printf("Operator aborted device job %s (%s)", c.current.name, c.current.id)
	return c.current.info(), nil
}

func (j *job) info() JobInfo {
	return JobInfo{ID: j.id, Name: j.name, Started: j.started}
}

// Status reports the running job and slot usage.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:   c.running,
		SlotsUsed: len(c.slots.Occupied()),
		SlotsMax:  c.slots.Max(),
	}
	if c.current != nil {
		info := c.current.info()
		st.Job = &info
	}
	return st
}

func (c *Controller) updateSlotGauge() {
	c.metrics.SlotsOccupied.Set(float64(len(c.slots.Occupied())))
}

// Attend runs one attendance scan.
func (c *Controller) Attend(ctx context.Context, course string) (workflow.AttendanceResult, error) {
	var res workflow.AttendanceResult
	ran := false
	err := c.Do(ctx, "attend", func(ctx context.Context) error {
		ran = true
		var err error
		res, err = c.engine.Attend(ctx, course)
		return err
	})
	if !ran {
		return res, err
	}
	c.metrics.Scans.WithLabelValues(res.Outcome.String()).Inc()
	if res.SmsErr != nil {
		c.metrics.SmsFailures.Inc()
	}
	return res, err
}

// Enroll runs the enrollment state machine for student.
func (c *Controller) Enroll(ctx context.Context, student model.Student) (workflow.EnrollResult, error) {
	var res workflow.EnrollResult
	ran := false
	err := c.Do(ctx, "enroll", func(ctx context.Context) error {
		ran = true
		var err error
		res, err = c.engine.Enroll(ctx, student)
		return err
	})
	if !ran {
		return res, err
	}
	result := "done"
	if err != nil {
		kind, _ := workflow.KindOf(err)
		result = kind.String()
	}
	c.metrics.Enrollments.WithLabelValues(result).Inc()
	c.updateSlotGauge()
	return res, err
}

// DeleteStudent removes a student, its history and its template.
func (c *Controller) DeleteStudent(ctx context.Context, id int64) (workflow.DeleteResult, error) {
	var res workflow.DeleteResult
	err := c.Do(ctx, "delete student", func(ctx context.Context) error {
		var err error
		res, err = c.engine.DeleteStudent(ctx, id)
		return err
	})
	c.updateSlotGauge()
	return res, err
}

// ClearLibrary empties the sensor and unbinds every student.
func (c *Controller) ClearLibrary(ctx context.Context) error {
	err := c.Do(ctx, "clear library", c.engine.ClearLibrary)
	c.updateSlotGauge()
	return err
}

// TemplateCount asks the sensor how many templates it holds.
func (c *Controller) TemplateCount(ctx context.Context) (int, error) {
	var n int
	err := c.Do(ctx, "template count", func(context.Context) error {
		var err error
		n, err = c.engine.TemplateCount()
		return err
	})
	return n, err
}

// SeedSession pre-creates Absent records. It does not touch hardware and runs
// on the caller's goroutine.
func (c *Controller) SeedSession(ctx context.Context, course, session string) (string, int64, error) {
	return c.engine.SeedSession(ctx, course, session)
}
