package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendance-controller/internal/model"
	"attendance-controller/internal/store"
	"attendance-controller/internal/workflow"
)

// GetStudents handles GET /api/students. The optional teacher query narrows
// the roster to one teacher's students.
func GetStudents(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		students, err := s.ListStudents(c.Request.Context(), c.Query("teacher"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve students"})
			return
		}
		c.JSON(http.StatusOK, students)
	}
}

// GetAttendance handles GET /api/attendance.
func GetAttendance(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.AttendanceFilter{
			Course:    c.Query("course"),
			Session:   c.Query("session"),
			StudentID: c.Query("student_id"),
			Status:    model.AttendanceStatus(c.Query("status")),
		}
		switch f.Status {
		case "", model.StatusAbsent, model.StatusPresent:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be Absent or Present"})
			return
		}

		records, err := s.ListAttendance(c.Request.Context(), f)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve attendance"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// GetStudentAttendance handles GET /api/students/:id/attendance, where id is
// the school-issued student identifier.
func GetStudentAttendance(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.ListAttendanceForStudent(c.Request.Context(), c.Param("id"), c.Query("session"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve attendance"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

type seedRequest struct {
	Course  string `json:"course" binding:"required"`
	Session string `json:"session"`
}

// PostSeedSession handles POST /api/sessions/seed. It opens a session by
// marking every enrolled student of the course Absent.
func (h *Handler) PostSeedSession(c *gin.Context) {
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	session, n, err := h.device.SeedSession(c.Request.Context(), req.Course, req.Session)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidSession) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusFor(err), errorBody(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"course": req.Course, "session": session, "seeded": n})
}
