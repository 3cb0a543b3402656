package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attendance-controller/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// AttendanceFilter narrows ListAttendance. Empty fields match everything.
type AttendanceFilter struct {
	Course    string
	Session   string
	StudentID string
	Status    model.AttendanceStatus
}

// Store defines the interface for all database operations.
type Store interface {
	FindStudentBySlot(ctx context.Context, slot int) (*model.Student, error)
	FindStudentByID(ctx context.Context, id int64) (*model.Student, error)
	FindStudentByStudentID(ctx context.Context, studentID string) (*model.Student, error)
	ListOccupiedSlots(ctx context.Context) ([]int, error)
	SaveStudent(ctx context.Context, student *model.Student) error
	// DeleteStudent removes the student and its attendance history together.
	DeleteStudent(ctx context.Context, id int64) error
	// AppendOrUpdateAttendance marks the record's student Present for its
	// session. It reports false when the student was already Present.
	AppendOrUpdateAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error)
	ListAttendanceForStudent(ctx context.Context, studentID, session string) ([]model.AttendanceRecord, error)

	ListStudents(ctx context.Context, teacher string) ([]model.Student, error)
	ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error)
	// SeedAbsent pre-creates an Absent record for every enrolled student of
	// course that has none for session. It returns how many were created.
	SeedAbsent(ctx context.Context, course, session string) (int64, error)
	// ClearFingerprints unbinds every student from its template slot.
	ClearFingerprints(ctx context.Context) error
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) FindStudentBySlot(ctx context.Context, slot int) (*model.Student, error) {
	var student model.Student
	err := s.db.WithContext(ctx).Where("fingerprint_id = ?", slot).First(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find student at slot %d: %w", slot, err)
	}
	return &student, nil
}

func (s *gormStore) FindStudentByID(ctx context.Context, id int64) (*model.Student, error) {
	var student model.Student
	err := s.db.WithContext(ctx).First(&student, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find student %d: %w", id, err)
	}
	return &student, nil
}

func (s *gormStore) FindStudentByStudentID(ctx context.Context, studentID string) (*model.Student, error) {
	var student model.Student
	err := s.db.WithContext(ctx).Where("student_id = ?", studentID).First(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find student %q: %w", studentID, err)
	}
	return &student, nil
}

func (s *gormStore) ListOccupiedSlots(ctx context.Context) ([]int, error) {
	var slots []int
	err := s.db.WithContext(ctx).
		Model(&model.Student{}).
		Where("fingerprint_id IS NOT NULL").
		Order("fingerprint_id").
		Pluck("fingerprint_id", &slots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied slots: %w", err)
	}
	return slots, nil
}

func (s *gormStore) SaveStudent(ctx context.Context, student *model.Student) error {
	tx := s.db.WithContext(ctx)
	var err error
	if student.ID == 0 {
		err = tx.Create(student).Error
	} else {
		err = tx.Save(student).Error
	}
	if err != nil {
		return fmt.Errorf("failed to save student %q: %w", student.StudentID, err)
	}
	return nil
}

func (s *gormStore) DeleteStudent(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var student model.Student
		if err := tx.First(&student, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load student %d: %w", id, err)
		}
		res := tx.Where("student_id = ?", student.StudentID).Delete(&model.AttendanceRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete attendance history of %q: %w", student.StudentID, res.Error)
		}
		if err := tx.Delete(&model.Student{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete student %d: %w", id, err)
		}
		log.Printf("Deleted student %q and %d attendance records", student.StudentID, res.RowsAffected)
		return nil
	})
}

func (s *gormStore) AppendOrUpdateAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	if rec.TimeIn == nil {
		now := time.Now()
		rec.TimeIn = &now
	}
	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.AttendanceRecord
		err := tx.Where("student_id = ? AND course = ? AND session = ?", rec.StudentID, rec.Course, rec.Session).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec.ID = 0
			rec.Status = model.StatusPresent
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create attendance for %q: %w", rec.StudentID, err)
			}
			transitioned = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to load attendance for %q: %w", rec.StudentID, err)
		case existing.Status == model.StatusPresent:
			return nil
		}

		// Only an Absent row may flip; Present never regresses.
		res := tx.Model(&model.AttendanceRecord{}).
			Where("id = ? AND status = ?", existing.ID, model.StatusAbsent).
			Updates(map[string]any{"status": model.StatusPresent, "time_in": rec.TimeIn})
		if res.Error != nil {
			return fmt.Errorf("failed to mark %q present: %w", rec.StudentID, res.Error)
		}
		transitioned = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

func (s *gormStore) ListAttendanceForStudent(ctx context.Context, studentID, session string) ([]model.AttendanceRecord, error) {
	return s.ListAttendance(ctx, AttendanceFilter{StudentID: studentID, Session: session})
}

func (s *gormStore) ListStudents(ctx context.Context, teacher string) ([]model.Student, error) {
	var students []model.Student
	q := s.db.WithContext(ctx).Order("created_at")
	if teacher != "" {
		q = q.Where("teacher_name = ?", teacher)
	}
	if err := q.Find(&students).Error; err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	return students, nil
}

func (s *gormStore) ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	q := s.db.WithContext(ctx).Order("session DESC").Order("id")
	if f.Course != "" {
		q = q.Where("course = ?", f.Course)
	}
	if f.Session != "" {
		q = q.Where("session = ?", f.Session)
	}
	if f.StudentID != "" {
		q = q.Where("student_id = ?", f.StudentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	return records, nil
}

func (s *gormStore) SeedAbsent(ctx context.Context, course, session string) (int64, error) {
	var students []model.Student
	if err := s.db.WithContext(ctx).
		Where("course = ? AND fingerprint_id IS NOT NULL", course).
		Find(&students).Error; err != nil {
		return 0, fmt.Errorf("failed to list students of %q: %w", course, err)
	}
	if len(students) == 0 {
		return 0, nil
	}

	records := make([]model.AttendanceRecord, 0, len(students))
	for _, st := range students {
		records = append(records, model.AttendanceRecord{
			StudentID:   st.StudentID,
			StudentName: st.FullName,
			Program:     st.Program,
			Year:        st.Year,
			Course:      course,
			Session:     session,
			Status:      model.StatusAbsent,
		})
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&records)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to seed absent records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) ClearFingerprints(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Model(&model.Student{}).
		Where("fingerprint_id IS NOT NULL").
		Update("fingerprint_id", nil).Error
	if err != nil {
		return fmt.Errorf("failed to clear fingerprint bindings: %w", err)
	}
	return nil
}
