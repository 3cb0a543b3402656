package sensor

import (
	"errors"
	"fmt"
)

// Status is the outcome of a single sensor primitive.
type Status uint8

const (
	Ok Status = iota
	NoFingerPresent
	ImagingFailed
	FeatureExtractionFailed
	ImageTooMessy
	InvalidImage
	EnrollMismatch
	BadSlot
	StorageFault
	NotFound
	PacketError
	DeleteFailed
	ClearFailed
	WrongPassword
	Unknown
)

var statusNames = map[Status]string{
	Ok:                      "ok",
	NoFingerPresent:         "no finger present",
	ImagingFailed:           "imaging failed",
	FeatureExtractionFailed: "feature extraction failed",
	ImageTooMessy:           "image too messy",
	InvalidImage:            "invalid image",
	EnrollMismatch:          "enroll mismatch",
	BadSlot:                 "bad slot",
	StorageFault:            "storage fault",
	NotFound:                "not found",
	PacketError:             "packet error",
	DeleteFailed:            "delete failed",
	ClearFailed:             "clear failed",
	WrongPassword:           "wrong password",
	Unknown:                 "unknown",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Transient reports whether the caller should simply poll again.
func (s Status) Transient() bool {
	return s == NoFingerPresent
}

// Confirmation codes as sent by the module.
const (
	codeOK             = 0x00
	codePacketRecvErr  = 0x01
	codeNoFinger       = 0x02
	codeImageFail      = 0x03
	codeImageMess      = 0x06
	codeFeatureFail    = 0x07
	codeNoMatch        = 0x08
	codeNotFound       = 0x09
	codeEnrollMismatch = 0x0A
	codeBadLocation    = 0x0B
	codeDBReadFail     = 0x0C
	codeDeleteFail     = 0x10
	codeDBClearFail    = 0x11
	codePassFail       = 0x13
	codeInvalidImage   = 0x15
	codeFlashErr       = 0x18
)

func statusFromCode(code byte) Status {
	switch code {
	case codeOK:
		return Ok
	case codePacketRecvErr:
		return PacketError
	case codeNoFinger:
		return NoFingerPresent
	case codeImageFail:
		return ImagingFailed
	case codeImageMess:
		return ImageTooMessy
	case codeFeatureFail:
		return FeatureExtractionFailed
	case codeNoMatch, codeNotFound:
		return NotFound
	case codeEnrollMismatch:
		return EnrollMismatch
	case codeBadLocation:
		return BadSlot
	case codeDBReadFail, codeFlashErr:
		return StorageFault
	case codeDeleteFail:
		return DeleteFailed
	case codeDBClearFail:
		return ClearFailed
	case codePassFail:
		return WrongPassword
	case codeInvalidImage:
		return InvalidImage
	default:
		return Unknown
	}
}

// ErrNotFound means the presented finger could not be identified. It is a
// normal outcome of a search, not a fault.
var ErrNotFound = errors.New("fingerprint not found")

// StatusError is returned when a primitive completes with a non-Ok status.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sensor %s: %s", e.Op, e.Status)
}

// Is lets errors.Is(err, ErrNotFound) match a no-match search.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == NotFound
}

// StatusOf extracts the sensor status carried by err. A nil error is Ok and an
// error that did not come from the module (transport, context) is Unknown.
func StatusOf(err error) Status {
	if err == nil {
		return Ok
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return Unknown
}

func statusErr(op string, code byte) error {
	st := statusFromCode(code)
	if st == Ok {
		return nil
	}
	return &StatusError{Op: op, Status: st}
}
