package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"attendance-controller/internal/display"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/sms"
	"attendance-controller/internal/store"
)

// Outcome is how an attendance scan ended.
type Outcome int

const (
	// Recorded means the student went from not present to Present.
	Recorded Outcome = iota
	// AlreadyPresent means the student had already checked in this session.
	AlreadyPresent
	// NotFound means the presentation matched no enrolled student.
	NotFound
	// Aborted means the scan was cancelled or timed out.
	Aborted
	// Errored means the scan failed on a hardware or database error.
	Errored
)

var outcomeNames = [...]string{
	Recorded:       "recorded",
	AlreadyPresent: "already_present",
	NotFound:       "not_found",
	Aborted:        "aborted",
	Errored:        "error",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// AttendanceResult describes one scan. SmsErr is set when the record was
// written but the parent could not be notified.
type AttendanceResult struct {
	Outcome Outcome
	Match   sensor.Match
	Student *model.Student
	Record  *model.AttendanceRecord
	SmsErr  error
}

// Attend identifies one finger and marks its student Present for course in
// today's session. An empty course means the student's own course. The SMS to
// the parent is best effort and never undoes the attendance write.
func (e *Engine) Attend(ctx context.Context, course string) (AttendanceResult, error) {
	e.show("Place finger", display.Top)
	e.show("", display.Bottom)

	ictx, cancel := e.bounded(ctx)
	match, err := e.scanner.Identify(ictx, func(st sensor.Stage) {
		switch st {
		case sensor.StageCaptured:
			e.show("Image taken", display.Top)
			e.show("Templating...", display.Bottom)
		case sensor.StageTemplated:
			e.show("Searching", display.Bottom)
		}
	})
	cancel()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.show("Cancelled", display.Top)
		e.settle(ctx)
		return AttendanceResult{Outcome: Aborted}, classify("identify", err)
	case err != nil:
		log.Printf("Scan not identified: %v", err)
		return e.notFound(ctx, AttendanceResult{Outcome: NotFound}), nil
	}

	student, err := e.store.FindStudentBySlot(ctx, match.Slot)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Slot %d matched (confidence %d) but no student holds it", match.Slot, match.Confidence)
		return e.notFound(ctx, AttendanceResult{Outcome: NotFound, Match: match}), nil
	}
	if err != nil {
		return e.attendFailed(ctx, match, &Error{Stage: "resolve student", Kind: PersistenceFailure, Err: err})
	}
	if course == "" {
		course = student.Course
	}

	now := e.now()
	rec := model.AttendanceRecord{
		StudentID:   student.StudentID,
		StudentName: student.FullName,
		Program:     student.Program,
		Year:        student.Year,
		Course:      course,
		Session:     e.Session(now),
		TimeIn:      &now,
	}
	flipped, err := e.store.AppendOrUpdateAttendance(ctx, rec)
	if err != nil {
		return e.attendFailed(ctx, match, &Error{Stage: "record attendance", Kind: PersistenceFailure, Err: err})
	}

	rec.Status = model.StatusPresent
	res := AttendanceResult{Match: match, Student: student, Record: &rec}
	if !flipped {
		log.Printf("%q already present for %s on %s", student.StudentID, course, rec.Session)
		res.Outcome = AlreadyPresent
		e.show("Already present", display.Top)
		e.show(student.FullName, display.Bottom)
		e.settle(ctx)
		return res, nil
	}

	res.Outcome = Recorded
	log.Printf("%q marked present for %s on %s (slot %d, confidence %d)",
		student.StudentID, course, rec.Session, match.Slot, match.Confidence)
	e.show("Success", display.Top)
	e.show(student.FullName, display.Bottom)
	if e.checkins != nil {
		e.checkins.Dispatch(rec)
	}

	msg := sms.AttendanceMessage(student.FullName, course, now.In(e.loc))
	if err := e.notifier.Notify(ctx, student.ParentPhone, msg); err != nil {
		log.Printf("SMS to parent of %q failed: %v", student.StudentID, err)
		res.SmsErr = &Error{Stage: "notify parent", Kind: BestEffortFailure, Err: err}
		e.show("SMS failed", display.Bottom)
	} else {
		e.show("SMS Sent", display.Bottom)
	}
	e.settle(ctx)
	return res, nil
}

func (e *Engine) notFound(ctx context.Context, res AttendanceResult) AttendanceResult {
	e.show("Not found.", display.Top)
	e.settle(ctx)
	return res
}

func (e *Engine) attendFailed(ctx context.Context, match sensor.Match, err *Error) (AttendanceResult, error) {
	log.Printf("Attendance scan failed: %v", err)
	e.show(reason(err), display.Top)
	e.settle(ctx)
	return AttendanceResult{Outcome: Errored, Match: match}, err
}
