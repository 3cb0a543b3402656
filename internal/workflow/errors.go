package workflow

import (
	"context"
	"errors"
	"fmt"

	"attendance-controller/internal/sensor"
	"attendance-controller/internal/slots"
)

// Kind classifies a workflow failure by how the operator should react to it.
type Kind int

const (
	// Transient failures clear up on their own; the step is simply retried.
	Transient Kind = iota
	// UserCorrectable failures need a fresh presentation of the finger.
	UserCorrectable
	// ResourceExhausted means every template slot is taken.
	ResourceExhausted
	// HardwareFault aborts the workflow; the controller keeps running.
	HardwareFault
	// BestEffortFailure is logged only and never reverses earlier writes.
	BestEffortFailure
	// Cancelled means the operator aborted or the capture timed out.
	Cancelled
	// PersistenceFailure is a database error.
	PersistenceFailure
)

var kindNames = map[Kind]string{
	Transient:          "transient",
	UserCorrectable:    "user_correctable",
	ResourceExhausted:  "resource_exhausted",
	HardwareFault:      "hardware_fault",
	BestEffortFailure:  "best_effort_failure",
	Cancelled:          "cancelled",
	PersistenceFailure: "persistence_failure",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every workflow step that fails.
type Error struct {
	Stage  string
	Kind   Kind
	Status sensor.Status
	Err    error
}

func (e *Error) Error() string {
	if e.Status != sensor.Ok && e.Status != sensor.Unknown {
		return fmt.Sprintf("%s failed (%s, %s): %v", e.Stage, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a workflow error, or HardwareFault for anything
// else that is not nil.
func KindOf(err error) (Kind, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind, true
	}
	return HardwareFault, false
}

// classify wraps err for stage. Sensor statuses decide the kind.
func classify(stage string, err error) *Error {
	we := &Error{Stage: stage, Err: err, Status: sensor.StatusOf(err)}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		we.Kind = Cancelled
		we.Status = sensor.Ok
	case errors.Is(err, slots.ErrNoSlotsAvailable):
		we.Kind = ResourceExhausted
		we.Status = sensor.Ok
	default:
		we.Kind = kindForStatus(we.Status)
	}
	return we
}

func kindForStatus(st sensor.Status) Kind {
	switch st {
	case sensor.NoFingerPresent:
		return Transient
	case sensor.ImagingFailed, sensor.FeatureExtractionFailed, sensor.ImageTooMessy,
		sensor.InvalidImage, sensor.EnrollMismatch, sensor.NotFound:
		return UserCorrectable
	default:
		return HardwareFault
	}
}

// reason is the short operator-facing text for a failure.
func reason(err error) string {
	var we *Error
	if errors.As(err, &we) {
		switch we.Kind {
		case Cancelled:
			return "Cancelled"
		case ResourceExhausted:
			return "No free slot"
		case PersistenceFailure:
			return "Database error"
		}
	}
	switch sensor.StatusOf(err) {
	case sensor.ImagingFailed:
		return "Imaging error"
	case sensor.FeatureExtractionFailed:
		return "No features"
	case sensor.ImageTooMessy:
		return "Image too messy"
	case sensor.InvalidImage:
		return "Image invalid"
	case sensor.EnrollMismatch:
		return "No match"
	case sensor.BadSlot:
		return "Bad location"
	case sensor.StorageFault:
		return "Flash error"
	case sensor.PacketError:
		return "Comm error"
	default:
		return "Unknown error"
	}
}
