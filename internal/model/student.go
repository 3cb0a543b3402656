package model

import "time"

// Student is an enrolled learner. FingerprintID is the sensor slot holding the
// student's template; nil means the student has no template and cannot be
// matched.
type Student struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	StudentID     string    `gorm:"uniqueIndex;size:64;not null" json:"student_id"`
	FullName      string    `gorm:"size:256;not null" json:"fullname"`
	Course        string    `gorm:"size:128;not null;index" json:"course"`
	Department    string    `gorm:"size:128" json:"department"`
	Program       string    `gorm:"size:128" json:"program"`
	Year          string    `gorm:"size:32" json:"year"`
	ParentPhone   string    `gorm:"size:32;not null" json:"parent_phone"`
	TeacherName   string    `gorm:"size:256;index" json:"teacher_name"`
	FingerprintID *int      `gorm:"uniqueIndex" json:"fingerprint_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Enrolled reports whether the student has a stored template.
func (s Student) Enrolled() bool {
	return s.FingerprintID != nil
}
