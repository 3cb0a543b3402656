package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"attendance-controller/internal/db"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/slots"
	"attendance-controller/internal/store"
)

// fakeScanner simulates a sensor. Each entry of fingers is one presentation;
// the library maps slots to the finger stored there.
type fakeScanner struct {
	mu        sync.Mutex
	fingers   []string
	current   string
	buffers   [3]string
	library   map[int]string
	storeErr  error
	deleteErr error
	emptyErr  error
	block     bool
	calls     []string
}

func newFakeScanner(fingers ...string) *fakeScanner {
	return &fakeScanner{fingers: fingers, library: make(map[int]string)}
}

func (f *fakeScanner) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeScanner) present(ctx context.Context) error {
	if f.block {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return ctx.Err()
	}
	if len(f.fingers) == 0 {
		return &sensor.StatusError{Op: "get image", Status: sensor.ImagingFailed}
	}
	f.current = f.fingers[0]
	f.fingers = f.fingers[1:]
	return nil
}

func (f *fakeScanner) Capture(ctx context.Context, onRetry func(sensor.Status)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("capture")
	return f.present(ctx)
}

func (f *fakeScanner) WaitFingerRemoved(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait removed")
	return ctx.Err()
}

func (f *fakeScanner) Image2Tz(buffer int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("image2tz %d", buffer))
	f.buffers[buffer] = f.current
	return nil
}

func (f *fakeScanner) CreateModel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create model")
	if f.buffers[1] != f.buffers[2] {
		return &sensor.StatusError{Op: "create model", Status: sensor.EnrollMismatch}
	}
	return nil
}

func (f *fakeScanner) StoreModel(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("store %d", slot))
	if f.storeErr != nil {
		return f.storeErr
	}
	f.library[slot] = f.buffers[1]
	return nil
}

func (f *fakeScanner) DeleteModel(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("delete %d", slot))
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.library, slot)
	return nil
}

func (f *fakeScanner) EmptyLibrary() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("empty")
	if f.emptyErr != nil {
		return f.emptyErr
	}
	f.library = make(map[int]string)
	return nil
}

func (f *fakeScanner) TemplateCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.library), nil
}

func (f *fakeScanner) Identify(ctx context.Context, progress func(sensor.Stage)) (sensor.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("identify")
	if err := f.present(ctx); err != nil {
		if ctx.Err() != nil {
			return sensor.Match{}, ctx.Err()
		}
		return sensor.Match{}, fmt.Errorf("%w: %v", sensor.ErrNotFound, err)
	}
	if progress != nil {
		progress(sensor.StageCaptured)
		progress(sensor.StageTemplated)
	}
	for slot, finger := range f.library {
		if finger == f.current {
			return sensor.Match{Slot: slot, Confidence: 120}, nil
		}
	}
	return sensor.Match{}, &sensor.StatusError{Op: "search", Status: sensor.NotFound}
}

func (f *fakeScanner) stored(slot int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	finger, ok := f.library[slot]
	return finger, ok
}

func (f *fakeScanner) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// recordingPanel keeps every message shown, in order, with its line.
type recordingPanel struct {
	mu    sync.Mutex
	shown []string
	lines []shownLine
}

type shownLine struct {
	line int
	text string
}

func (p *recordingPanel) Show(text string, line int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, shownLine{line: line, text: text})
	if text != "" {
		p.shown = append(p.shown, text)
	}
}

func (p *recordingPanel) Clear() {}

func (p *recordingPanel) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shown...)
}

func (p *recordingPanel) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = nil
	p.lines = nil
}

// onLine returns the non-empty messages shown on line, in order.
func (p *recordingPanel) onLine(line int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, l := range p.lines {
		if l.line == line && l.text != "" {
			out = append(out, l.text)
		}
	}
	return out
}

type sentMessage struct {
	phone, body string
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []sentMessage
}

func (n *fakeNotifier) Notify(_ context.Context, phone, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{phone, message})
	return nil
}

type fakeCheckins struct {
	got []model.AttendanceRecord
}

func (c *fakeCheckins) Dispatch(rec model.AttendanceRecord) {
	c.got = append(c.got, rec)
}

var errLineDropped = errors.New("line dropped")

// testClock is 08:30 on a Monday.
var testClock = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	scanner  *fakeScanner
	panel    *recordingPanel
	notifier *fakeNotifier
	checkins *fakeCheckins
	slots    *slots.Allocator
	store    store.Store
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB)
}

func newHarness(t *testing.T, maxSlots int, fingers ...string) *harness {
	t.Helper()
	h := &harness{
		scanner:  newFakeScanner(fingers...),
		panel:    &recordingPanel{},
		notifier: &fakeNotifier{},
		checkins: &fakeCheckins{},
		slots:    slots.NewAllocator(maxSlots),
		store:    newTestStore(t),
	}
	h.engine = New(Options{
		Scanner:  h.scanner,
		Panel:    h.panel,
		Notifier: h.notifier,
		Slots:    h.slots,
		Store:    h.store,
		Checkins: h.checkins,
		Location: time.UTC,
		Now:      func() time.Time { return testClock },
	})
	return h
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r < '0' || r > '9' {
			return -1
		}
		return r
	}, s)
}

func newStudent(id, name string) model.Student {
	return model.Student{
		StudentID:   id,
		FullName:    name,
		Course:      "Physics",
		Program:     "BSc",
		Year:        "2",
		ParentPhone: "+1555" + digits(id),
		TeacherName: "Ms. Reyes",
	}
}

// enroll runs a full enrollment and fails the test when it does not succeed.
func (h *harness) enroll(t *testing.T, st model.Student, finger string) *model.Student {
	t.Helper()
	h.scanner.mu.Lock()
	h.scanner.fingers = append(h.scanner.fingers, finger, finger)
	h.scanner.mu.Unlock()
	res, err := h.engine.Enroll(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, Done, res.State)
	return res.Student
}

func (h *harness) presentFinger(finger string) {
	h.scanner.mu.Lock()
	defer h.scanner.mu.Unlock()
	h.scanner.fingers = append(h.scanner.fingers, finger)
}
