package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendance-controller/internal/device"
	"attendance-controller/internal/model"
	"attendance-controller/internal/workflow"
)

type scanRequest struct {
	Course string `json:"course"`
}

type scanResponse struct {
	Outcome    string                  `json:"outcome"`
	Slot       int                     `json:"slot,omitempty"`
	Confidence int                     `json:"confidence,omitempty"`
	Student    *model.Student          `json:"student,omitempty"`
	Record     *model.AttendanceRecord `json:"record,omitempty"`
	SmsError   string                  `json:"sms_error,omitempty"`
}

// PostScan handles POST /api/attendance/scan. It blocks until a finger has
// been identified, the scan is aborted, or the capture times out.
func (h *Handler) PostScan(c *gin.Context) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Course == "" {
		req.Course = c.Query("course")
	}

	res, err := h.device.Attend(c.Request.Context(), req.Course)
	if err != nil {
		body := errorBody(err)
		body["outcome"] = res.Outcome.String()
		c.JSON(statusFor(err), body)
		return
	}

	resp := scanResponse{
		Outcome:    res.Outcome.String(),
		Slot:       res.Match.Slot,
		Confidence: res.Match.Confidence,
		Student:    res.Student,
		Record:     res.Record,
	}
	if res.SmsErr != nil {
		resp.SmsError = res.SmsErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type enrollRequest struct {
	StudentID   string `json:"student_id" binding:"required"`
	FullName    string `json:"fullname" binding:"required"`
	Course      string `json:"course" binding:"required"`
	Department  string `json:"department"`
	Program     string `json:"program"`
	Year        string `json:"year"`
	ParentPhone string `json:"parent_phone" binding:"required,phone"`
	TeacherName string `json:"teacher_name"`
}

// PostEnroll handles POST /api/students. The operator presents the same
// finger twice while the request is open.
func (h *Handler) PostEnroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	res, err := h.device.Enroll(c.Request.Context(), model.Student{
		StudentID:   req.StudentID,
		FullName:    req.FullName,
		Course:      req.Course,
		Department:  req.Department,
		Program:     req.Program,
		Year:        req.Year,
		ParentPhone: req.ParentPhone,
		TeacherName: req.TeacherName,
	})
	if err != nil {
		body := errorBody(err)
		if res.State == workflow.Failed && res.Slot > 0 {
			body["failed_at"] = res.FailedAt.String()
		}
		c.JSON(statusFor(err), body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"student": res.Student, "slot": res.Slot})
}

// DeleteStudent handles DELETE /api/students/:id.
func (h *Handler) DeleteStudent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid student ID"})
		return
	}

	res, err := h.device.DeleteStudent(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}

	body := gin.H{"deleted": res.Student}
	if res.TemplateErr != nil {
		body["warning"] = res.TemplateErr.Error()
	}
	c.JSON(http.StatusOK, body)
}

// PostClearLibrary handles POST /api/fingerprints/clear.
func (h *Handler) PostClearLibrary(c *gin.Context) {
	if err := h.device.ClearLibrary(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// PostAbort handles POST /api/device/abort.
func (h *Handler) PostAbort(c *gin.Context) {
	info, err := h.device.Abort()
	if errors.Is(err, device.ErrNotRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": info})
}

// healthProbe bounds how long /healthz waits for the device worker.
const healthProbe = time.Second

// GetHealth handles GET /healthz. A busy device is healthy; the template count
// is only reported when the worker is free.
func (h *Handler) GetHealth(c *gin.Context) {
	st := h.device.Status()
	body := gin.H{"device": st}
	if !st.Running {
		body["status"] = "stopped"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	body["status"] = "ok"
	if st.Job == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbe)
		defer cancel()
		n, err := h.device.TemplateCount(ctx)
		if err != nil {
			body["sensor_error"] = err.Error()
		} else {
			body["templates"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}
