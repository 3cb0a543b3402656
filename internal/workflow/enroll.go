package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"attendance-controller/internal/display"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/sms"
	"attendance-controller/internal/store"
)

// EnrollState is a step of the enrollment state machine.
type EnrollState int

const (
	AwaitFirstCapture EnrollState = iota
	Templated1
	AwaitFingerRemoved
	AwaitSecondCapture
	Templated2
	ModelCreated
	Stored
	Done
	Failed
)

var enrollStateNames = [...]string{
	AwaitFirstCapture:  "await first capture",
	Templated1:         "templated 1",
	AwaitFingerRemoved: "await finger removed",
	AwaitSecondCapture: "await second capture",
	Templated2:         "templated 2",
	ModelCreated:       "model created",
	Stored:             "stored",
	Done:               "done",
	Failed:             "failed",
}

func (s EnrollState) String() string {
	if s >= 0 && int(s) < len(enrollStateNames) {
		return enrollStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrInvalidStudent is returned when an enrollment request is missing a
// required field.
var ErrInvalidStudent = errors.New("invalid student")

// ErrDuplicateStudent is returned when the student id is already enrolled.
var ErrDuplicateStudent = errors.New("student already enrolled")

// EnrollResult reports where an enrollment ended. On failure FailedAt is the
// state whose step failed.
type EnrollResult struct {
	Student  *model.Student
	Slot     int
	State    EnrollState
	FailedAt EnrollState
}

// enrollment carries one run of the state machine.
type enrollment struct {
	e       *Engine
	student model.Student
	slot    int
	state   EnrollState

	stored    bool
	persisted bool
}

// Enroll captures the same finger twice, stores the combined model at the
// lowest free slot and only then persists the student bound to that slot.
// Any failure before the student row exists releases the slot, and deletes
// the template when it had already been stored.
func (e *Engine) Enroll(ctx context.Context, student model.Student) (EnrollResult, error) {
	if err := validateStudent(student); err != nil {
		return EnrollResult{State: Failed}, err
	}
	switch existing, err := e.store.FindStudentByStudentID(ctx, student.StudentID); {
	case err == nil:
		return EnrollResult{State: Failed, Student: existing}, fmt.Errorf("%w: %q", ErrDuplicateStudent, student.StudentID)
	case !errors.Is(err, store.ErrNotFound):
		return EnrollResult{State: Failed}, &Error{Stage: "check student", Kind: PersistenceFailure, Err: err}
	}

	slot, err := e.slots.Reserve()
	if err != nil {
		we := classify("reserve slot", err)
		e.show(reason(we), display.Top)
		e.settle(ctx)
		return EnrollResult{State: Failed}, we
	}
	log.Printf("Enrolling %q at slot %d", student.StudentID, slot)

	run := &enrollment{e: e, student: student, slot: slot, state: AwaitFirstCapture}
	defer run.rollback()

	if err := run.steps(ctx); err != nil {
		e.show(reason(err), display.Top)
		e.settle(ctx)
		return EnrollResult{Slot: slot, State: Failed, FailedAt: run.state}, err
	}

	e.settle(ctx)
	return EnrollResult{Student: &run.student, Slot: slot, State: Done}, nil
}

func (r *enrollment) steps(ctx context.Context) error {
	e := r.e
	fail := func(err error) error {
		var we *Error
		if errors.As(err, &we) {
			return we
		}
		return classify(r.state.String(), err)
	}

	// AwaitFirstCapture
	e.show("Place finger", display.Top)
	if err := e.capture(ctx); err != nil {
		return fail(err)
	}
	e.show("Image taken", display.Top)

	r.advance(Templated1)
	e.show("Templating...", display.Bottom)
	if err := e.scanner.Image2Tz(1); err != nil {
		return fail(err)
	}

	r.advance(AwaitFingerRemoved)
	e.show("Remove finger", display.Top)
	e.show("", display.Bottom)
	if err := e.waitRemoved(ctx); err != nil {
		return fail(err)
	}

	r.advance(AwaitSecondCapture)
	e.show("Place again", display.Top)
	if err := e.capture(ctx); err != nil {
		return fail(err)
	}
	e.show("Image taken", display.Top)

	r.advance(Templated2)
	e.show("Templating...", display.Bottom)
	if err := e.scanner.Image2Tz(2); err != nil {
		return fail(err)
	}

	r.advance(ModelCreated)
	e.show("Creating model...", display.Top)
	e.show("", display.Bottom)
	if err := e.scanner.CreateModel(); err != nil {
		return fail(err)
	}

	r.advance(Stored)
	e.show(fmt.Sprintf("Storing model #%d...", r.slot), display.Top)
	if err := e.scanner.StoreModel(r.slot); err != nil {
		return fail(err)
	}
	r.stored = true
	e.show("Stored", display.Top)

	slot := r.slot
	r.student.FingerprintID = &slot
	r.student.ID = 0
	if err := e.store.SaveStudent(ctx, &r.student); err != nil {
		return fail(&Error{Stage: "save student", Kind: PersistenceFailure, Err: err})
	}
	r.persisted = true
	r.advance(Done)
	log.Printf("Enrolled %q at slot %d", r.student.StudentID, r.slot)
	return nil
}

func (r *enrollment) advance(s EnrollState) {
	r.state = s
}

// rollback undoes the hardware side of an enrollment that never reached the
// database.
func (r *enrollment) rollback() {
	if r.persisted {
		return
	}
	if r.stored {
		if err := r.e.scanner.DeleteModel(r.slot); err != nil {
			log.Printf("Warning: orphaned template at slot %d could not be deleted: %v", r.slot, err)
		}
	}
	r.e.slots.Release(r.slot)
	log.Printf("Enrollment of %q aborted in state %q; slot %d released", r.student.StudentID, r.state, r.slot)
}

// capture waits for a finger, showing each imaging failure while it retries.
func (e *Engine) capture(ctx context.Context) error {
	cctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.scanner.Capture(cctx, func(st sensor.Status) {
		e.show(reason(&sensor.StatusError{Op: "capture", Status: st}), display.Bottom)
	})
}

func (e *Engine) waitRemoved(ctx context.Context) error {
	cctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.scanner.WaitFingerRemoved(cctx)
}

func validateStudent(s model.Student) error {
	var missing []string
	if strings.TrimSpace(s.StudentID) == "" {
		missing = append(missing, "student_id")
	}
	if strings.TrimSpace(s.FullName) == "" {
		missing = append(missing, "fullname")
	}
	if strings.TrimSpace(s.Course) == "" {
		missing = append(missing, "course")
	}
	if strings.TrimSpace(s.ParentPhone) == "" {
		missing = append(missing, "parent_phone")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidStudent, strings.Join(missing, ", "))
	}
	if !sms.ValidPhone(s.ParentPhone) {
		return fmt.Errorf("%w: parent_phone %q is not a phone number", ErrInvalidStudent, s.ParentPhone)
	}
	return nil
}
