package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"attendance-controller/internal/device"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sms"
	"attendance-controller/internal/store"
	"attendance-controller/internal/workflow"
)

// Device is the hardware side the handlers drive. *device.Controller
// implements it.
type Device interface {
	Attend(ctx context.Context, course string) (workflow.AttendanceResult, error)
	Enroll(ctx context.Context, student model.Student) (workflow.EnrollResult, error)
	DeleteStudent(ctx context.Context, id int64) (workflow.DeleteResult, error)
	ClearLibrary(ctx context.Context) error
	TemplateCount(ctx context.Context) (int, error)
	SeedSession(ctx context.Context, course, session string) (string, int64, error)
	Abort() (device.JobInfo, error)
	Status() device.Status
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	device  Device
	webpush *webpush.Options
}

var registerOnce sync.Once

// registerValidators adds the "phone" binding tag, which accepts only numbers
// the modem can dial.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			log.Printf("Warning: unexpected binding validator, phone numbers are not checked on bind")
			return
		}
		if err := v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return sms.ValidPhone(fl.Field().String())
		}); err != nil {
			log.Printf("Warning: failed to register phone validator: %v", err)
		}
	})
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, d Device, webpushOptions *webpush.Options) *Handler {
	registerValidators()
	return &Handler{
		store:   s,
		device:  d,
		webpush: webpushOptions,
	}
}

// statusFor maps a workflow or store error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidStudent):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrDuplicateStudent):
		return http.StatusConflict
	case errors.Is(err, device.ErrStopped):
		return http.StatusServiceUnavailable
	}

	var we *workflow.Error
	if !errors.As(err, &we) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	}
	switch we.Kind {
	case workflow.Cancelled:
		return http.StatusConflict
	case workflow.ResourceExhausted:
		return http.StatusInsufficientStorage
	case workflow.UserCorrectable, workflow.Transient:
		return http.StatusUnprocessableEntity
	case workflow.HardwareFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	var we *workflow.Error
	if errors.As(err, &we) {
		body["kind"] = we.Kind.String()
		body["stage"] = we.Stage
	}
	return body
}
