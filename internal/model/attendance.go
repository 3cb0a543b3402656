package model

import "time"

// AttendanceStatus is the mark a student holds for one session.
type AttendanceStatus string

const (
	StatusAbsent  AttendanceStatus = "Absent"
	StatusPresent AttendanceStatus = "Present"
)

// AttendanceRecord is one student's mark for one course session. A session is
// a calendar day; there is at most one record per student, course and session.
type AttendanceRecord struct {
	ID          int64            `gorm:"primaryKey" json:"id"`
	StudentID   string           `gorm:"size:64;not null;uniqueIndex:idx_attendance_session" json:"student_id"`
	Course      string           `gorm:"size:128;not null;uniqueIndex:idx_attendance_session" json:"course"`
	Session     string           `gorm:"size:10;not null;uniqueIndex:idx_attendance_session;index" json:"session"`
	StudentName string           `gorm:"size:256;not null" json:"student_name"`
	Program     string           `gorm:"size:128" json:"program"`
	Year        string           `gorm:"size:32" json:"year"`
	Status      AttendanceStatus `gorm:"size:16;not null;default:Absent" json:"status"`
	TimeIn      *time.Time       `json:"time_in"`
	CreatedAt   time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
