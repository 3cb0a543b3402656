// Package workflow sequences the sensor, display, modem and slot allocator into
// the enrollment and attendance transactions. An Engine is not safe for
// concurrent use; the device controller runs one workflow at a time.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"attendance-controller/internal/display"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/store"
)

// Scanner is the part of the fingerprint sensor the workflows drive.
type Scanner interface {
	Capture(ctx context.Context, onRetry func(sensor.Status)) error
	WaitFingerRemoved(ctx context.Context) error
	Image2Tz(buffer int) error
	CreateModel() error
	StoreModel(slot int) error
	DeleteModel(slot int) error
	EmptyLibrary() error
	TemplateCount() (int, error)
	Identify(ctx context.Context, progress func(sensor.Stage)) (sensor.Match, error)
}

// Notifier delivers a text message to a phone number.
type Notifier interface {
	Notify(ctx context.Context, phone, message string) error
}

// SlotAllocator hands out template slots.
type SlotAllocator interface {
	Load(occupied []int)
	Reserve() (int, error)
	Release(id int)
}

// CheckinPublisher is told about every new Present mark. Implementations must
// not block.
type CheckinPublisher interface {
	Dispatch(rec model.AttendanceRecord)
}

// Options wires an Engine to its collaborators.
type Options struct {
	Scanner  Scanner
	Panel    display.Panel
	Notifier Notifier
	Slots    SlotAllocator
	Store    store.Store
	Checkins CheckinPublisher

	// CaptureTimeout bounds each wait for a finger. Zero means no bound.
	CaptureTimeout time.Duration
	// MessageHold is how long the final message stays up before the panel is
	// cleared.
	MessageHold time.Duration
	Location    *time.Location
	Now         func() time.Time
}

// Engine runs the enrollment and attendance workflows.
type Engine struct {
	scanner  Scanner
	panel    display.Panel
	notifier Notifier
	slots    SlotAllocator
	store    store.Store
	checkins CheckinPublisher

	captureTimeout time.Duration
	hold           time.Duration
	loc            *time.Location
	now            func() time.Time
}

// New creates an Engine. Scanner, Panel, Notifier, Slots and Store are required.
func New(opts Options) *Engine {
	e := &Engine{
		scanner:        opts.Scanner,
		panel:          opts.Panel,
		notifier:       opts.Notifier,
		slots:          opts.Slots,
		store:          opts.Store,
		checkins:       opts.Checkins,
		captureTimeout: opts.CaptureTimeout,
		hold:           opts.MessageHold,
		loc:            opts.Location,
		now:            opts.Now,
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Session returns the session key (calendar day) t falls in.
func (e *Engine) Session(t time.Time) string {
	return t.In(e.loc).Format("2006-01-02")
}

// ReloadSlots rebuilds the allocator from the students that hold a template.
func (e *Engine) ReloadSlots(ctx context.Context) ([]int, error) {
	occupied, err := e.store.ListOccupiedSlots(ctx)
	if err != nil {
		return nil, err
	}
	e.slots.Load(occupied)
	return occupied, nil
}

// TemplateCount asks the sensor how many templates it holds.
func (e *Engine) TemplateCount() (int, error) {
	n, err := e.scanner.TemplateCount()
	if err != nil {
		return 0, classify("template count", err)
	}
	return n, nil
}

// DeleteResult describes a finished student deletion. TemplateErr is set when
// the database rows were removed but the sensor template could not be.
type DeleteResult struct {
	Student     *model.Student
	TemplateErr error
}

// DeleteStudent removes the student with its history, then its template, and
// releases the slot. A template that cannot be deleted is logged and the slot
// is released anyway; the next enrollment at that slot overwrites it.
func (e *Engine) DeleteStudent(ctx context.Context, id int64) (DeleteResult, error) {
	student, err := e.store.FindStudentByID(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := e.store.DeleteStudent(ctx, id); err != nil {
		return DeleteResult{}, err
	}

	res := DeleteResult{Student: student}
	if student.FingerprintID == nil {
		return res, nil
	}
	slot := *student.FingerprintID
	if err := e.scanner.DeleteModel(slot); err != nil {
		log.Printf("Warning: student %q deleted but template at slot %d remains: %v", student.StudentID, slot, err)
		res.TemplateErr = classify("delete template", err)
	}
	e.slots.Release(slot)
	return res, nil
}

// ClearLibrary empties the sensor, unbinds every student and resets the
// allocator.
func (e *Engine) ClearLibrary(ctx context.Context) error {
	if err := e.scanner.EmptyLibrary(); err != nil {
		we := classify("empty library", err)
		e.show(reason(we), display.Top)
		return we
	}
	if err := e.store.ClearFingerprints(ctx); err != nil {
		log.Printf("Warning: sensor library emptied but student bindings remain: %v", err)
		return &Error{Stage: "clear bindings", Kind: PersistenceFailure, Err: err}
	}
	e.slots.Load(nil)
	e.show("Library empty!", display.Top)
	e.settle(ctx)
	return nil
}

// ErrInvalidSession is returned by SeedSession for a missing course or a
// session that is not a YYYY-MM-DD date.
var ErrInvalidSession = errors.New("invalid session")

// SeedSession creates Absent records for course. An empty session means today.
func (e *Engine) SeedSession(ctx context.Context, course, session string) (string, int64, error) {
	if course == "" {
		return "", 0, fmt.Errorf("%w: course is required", ErrInvalidSession)
	}
	if session == "" {
		session = e.Session(e.now())
	}
	if _, err := time.Parse("2006-01-02", session); err != nil {
		return "", 0, fmt.Errorf("%w %q: %v", ErrInvalidSession, session, err)
	}
	n, err := e.store.SeedAbsent(ctx, course, session)
	if err != nil {
		return "", 0, err
	}
	log.Printf("Seeded %d absent records for %s on %s", n, course, session)
	return session, n, nil
}

func (e *Engine) show(text string, line int) {
	if e.panel != nil {
		e.panel.Show(text, line)
	}
}

func (e *Engine) clear() {
	if e.panel != nil {
		e.panel.Clear()
	}
}

// settle holds the last message on screen, then returns the panel to idle.
func (e *Engine) settle(ctx context.Context) {
	if e.hold > 0 {
		t := time.NewTimer(e.hold)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	e.clear()
}

// bounded applies the capture timeout to one wait for a finger.
func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.captureTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.captureTimeout)
}
