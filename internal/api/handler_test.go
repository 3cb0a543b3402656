package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"attendance-controller/internal/db"
	"attendance-controller/internal/device"
	"attendance-controller/internal/metrics"
	"attendance-controller/internal/model"
	"attendance-controller/internal/sensor"
	"attendance-controller/internal/store"
	"attendance-controller/internal/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeDevice returns canned results and remembers what it was asked.
type fakeDevice struct {
	attend    workflow.AttendanceResult
	attendErr error
	course    string

	enroll    workflow.EnrollResult
	enrollErr error
	enrolled  model.Student

	deleted   workflow.DeleteResult
	deleteErr error

	clearErr error
	count    int
	countErr error

	seedSession string
	seedCount   int64
	seedErr     error

	abort    device.JobInfo
	abortErr error
	status   device.Status
}

func (d *fakeDevice) Attend(_ context.Context, course string) (workflow.AttendanceResult, error) {
	d.course = course
	return d.attend, d.attendErr
}

func (d *fakeDevice) Enroll(_ context.Context, s model.Student) (workflow.EnrollResult, error) {
	d.enrolled = s
	return d.enroll, d.enrollErr
}

func (d *fakeDevice) DeleteStudent(context.Context, int64) (workflow.DeleteResult, error) {
	return d.deleted, d.deleteErr
}

func (d *fakeDevice) ClearLibrary(context.Context) error         { return d.clearErr }
func (d *fakeDevice) TemplateCount(context.Context) (int, error) { return d.count, d.countErr }
func (d *fakeDevice) Abort() (device.JobInfo, error)             { return d.abort, d.abortErr }
func (d *fakeDevice) Status() device.Status                      { return d.status }

func (d *fakeDevice) SeedSession(_ context.Context, course, session string) (string, int64, error) {
	return d.seedSession, d.seedCount, d.seedErr
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB)
}

func newTestRouter(t *testing.T, dev *fakeDevice) (*gin.Engine, store.Store) {
	t.Helper()
	st := newTestStore(t)
	r := NewRouter(st, dev, nil, RouterOptions{
		RateLimit:       1000,
		Burst:           1000,
		DeviceRateLimit: 1000,
		CacheTTL:        time.Minute,
		Metrics:         metrics.New(),
	})
	return r, st
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{"invalid student", workflow.ErrInvalidStudent, http.StatusBadRequest},
		{"duplicate student", fmt.Errorf("%w: %q", workflow.ErrDuplicateStudent, "S-001"), http.StatusConflict},
		{"stopped", device.ErrStopped, http.StatusServiceUnavailable},
		{"bare cancel", context.Canceled, http.StatusConflict},
		{"cancelled", &workflow.Error{Stage: "capture", Kind: workflow.Cancelled}, http.StatusConflict},
		{"no slot", &workflow.Error{Stage: "reserve slot", Kind: workflow.ResourceExhausted}, http.StatusInsufficientStorage},
		{"bad image", &workflow.Error{Stage: "image2tz 1", Kind: workflow.UserCorrectable}, http.StatusUnprocessableEntity},
		{"no finger", &workflow.Error{Stage: "capture", Kind: workflow.Transient}, http.StatusUnprocessableEntity},
		{"flash", &workflow.Error{Stage: "store model", Kind: workflow.HardwareFault}, http.StatusBadGateway},
		{"db", &workflow.Error{Stage: "save student", Kind: workflow.PersistenceFailure}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestPostScan_Recorded(t *testing.T) {
	at := time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
	dev := &fakeDevice{attend: workflow.AttendanceResult{
		Outcome: workflow.Recorded,
		Match:   sensor.Match{Slot: 4, Confidence: 120},
		Student: &model.Student{StudentID: "S-001", FullName: "Alice Tan"},
		Record:  &model.AttendanceRecord{StudentID: "S-001", Course: "Physics", Session: "2024-03-04", Status: model.StatusPresent, TimeIn: &at},
		SmsErr:  errors.New("modem busy"),
	}}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/attendance/scan", gin.H{"course": "Physics"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Physics", dev.course)

	body := decode(t, w)
	assert.Equal(t, "recorded", body["outcome"])
	assert.EqualValues(t, 4, body["slot"])
	assert.Equal(t, "modem busy", body["sms_error"])
	assert.Equal(t, "Present", body["record"].(map[string]any)["status"])
}

func TestPostScan_CourseFromQuery(t *testing.T) {
	dev := &fakeDevice{attend: workflow.AttendanceResult{Outcome: workflow.NotFound}}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/attendance/scan?course=Biology", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Biology", dev.course)
	assert.Equal(t, "not_found", decode(t, w)["outcome"])
}

func TestPostScan_Aborted(t *testing.T) {
	dev := &fakeDevice{
		attend:    workflow.AttendanceResult{Outcome: workflow.Aborted},
		attendErr: &workflow.Error{Stage: "identify", Kind: workflow.Cancelled, Err: context.Canceled},
	}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/attendance/scan", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "aborted", body["outcome"])
	assert.Equal(t, "cancelled", body["kind"])
	assert.Equal(t, "identify", body["stage"])
}

func TestPostEnroll(t *testing.T) {
	slot := 7
	dev := &fakeDevice{enroll: workflow.EnrollResult{
		Student: &model.Student{StudentID: "S-009", FullName: "Dana Lim", FingerprintID: &slot},
		Slot:    slot,
		State:   workflow.Done,
	}}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/students", gin.H{
		"student_id":   "S-009",
		"fullname":     "Dana Lim",
		"course":       "Physics",
		"parent_phone": "+15550009",
		"teacher_name": "Mr Lee",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Mr Lee", dev.enrolled.TeacherName)
	assert.EqualValues(t, 7, decode(t, w)["slot"])
}

func TestPostEnroll_MissingFields(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDevice{})

	w := doJSON(r, http.MethodPost, "/api/students", gin.H{"student_id": "S-009"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestPostEnroll_RejectsUnsafePhone(t *testing.T) {
	dev := &fakeDevice{}
	r, _ := newTestRouter(t, dev)

	for _, phone := range []string{"+1555\"\rAT+CMGS=\"+19990000", "+1 555 0100", "call me"} {
		w := doJSON(r, http.MethodPost, "/api/students", gin.H{
			"student_id": "S-009", "fullname": "Dana Lim", "course": "Physics", "parent_phone": phone,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, phone)
	}
	assert.Empty(t, dev.enrolled.StudentID, "device must not be asked to enroll")
}

func TestPostEnroll_FailureReportsState(t *testing.T) {
	dev := &fakeDevice{
		enroll:    workflow.EnrollResult{Slot: 3, State: workflow.Failed, FailedAt: workflow.AwaitSecondCapture},
		enrollErr: &workflow.Error{Stage: "create model", Kind: workflow.UserCorrectable, Err: errors.New("fingerprints did not match")},
	}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/students", gin.H{
		"student_id": "S-009", "fullname": "Dana Lim", "course": "Physics", "parent_phone": "+15550009",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "await second capture", body["failed_at"])
	assert.Equal(t, "user_correctable", body["kind"])
}

func TestDeleteStudent(t *testing.T) {
	dev := &fakeDevice{deleted: workflow.DeleteResult{
		Student:     &model.Student{ID: 2, StudentID: "S-002"},
		TemplateErr: errors.New("flash error"),
	}}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodDelete, "/api/students/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flash error", decode(t, w)["warning"])

	w = doJSON(r, http.MethodDelete, "/api/students/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	dev.deleteErr = fmt.Errorf("delete: %w", store.ErrNotFound)
	w = doJSON(r, http.MethodDelete, "/api/students/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostClearLibrary(t *testing.T) {
	dev := &fakeDevice{}
	r, _ := newTestRouter(t, dev)

	assert.Equal(t, http.StatusNoContent, doJSON(r, http.MethodPost, "/api/fingerprints/clear", nil).Code)

	dev.clearErr = &workflow.Error{Stage: "empty library", Kind: workflow.HardwareFault}
	assert.Equal(t, http.StatusBadGateway, doJSON(r, http.MethodPost, "/api/fingerprints/clear", nil).Code)
}

func TestPostAbort(t *testing.T) {
	dev := &fakeDevice{abortErr: device.ErrNotRunning}
	r, _ := newTestRouter(t, dev)

	assert.Equal(t, http.StatusConflict, doJSON(r, http.MethodPost, "/api/device/abort", nil).Code)

	dev.abortErr = nil
	dev.abort = device.JobInfo{ID: "j1", Name: "enroll"}
	w := doJSON(r, http.MethodPost, "/api/device/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "enroll", decode(t, w)["aborted"].(map[string]any)["name"])
}

func TestGetHealth(t *testing.T) {
	dev := &fakeDevice{count: 12, status: device.Status{Running: true, SlotsUsed: 12, SlotsMax: 162}}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 12, body["templates"])

	// A busy device skips the sensor check.
	dev.status.Job = &device.JobInfo{Name: "attend"}
	body = decode(t, doJSON(r, http.MethodGet, "/healthz", nil))
	assert.NotContains(t, body, "templates")

	dev.status.Running = false
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(r, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDevice{})

	w := doJSON(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "attendance_")
}

func seedRoster(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	for i, s := range []model.Student{
		{StudentID: "S-001", FullName: "Alice Tan", Course: "Physics", ParentPhone: "1", TeacherName: "Mr Lee"},
		{StudentID: "S-002", FullName: "Ben Ong", Course: "Physics", ParentPhone: "2", TeacherName: "Ms Ng"},
	} {
		slot := i + 1
		s.FingerprintID = &slot
		require.NoError(t, st.SaveStudent(ctx, &s))
	}
	_, err := st.SeedAbsent(ctx, "Physics", "2024-03-04")
	require.NoError(t, err)
	at := time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
	_, err = st.AppendOrUpdateAttendance(ctx, model.AttendanceRecord{
		StudentID: "S-001", StudentName: "Alice Tan", Course: "Physics", Session: "2024-03-04", TimeIn: &at,
	})
	require.NoError(t, err)
}

func TestRosterReads(t *testing.T) {
	r, st := newTestRouter(t, &fakeDevice{})
	seedRoster(t, st)

	var students []model.Student
	w := doJSON(r, http.MethodGet, "/api/students?teacher=Ms+Ng", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &students))
	require.Len(t, students, 1)
	assert.Equal(t, "S-002", students[0].StudentID)

	var records []model.AttendanceRecord
	w = doJSON(r, http.MethodGet, "/api/attendance?course=Physics&status=Absent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "S-002", records[0].StudentID)

	w = doJSON(r, http.MethodGet, "/api/students/S-001/attendance?session=2024-03-04", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusPresent, records[0].Status)

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/api/attendance?status=Late", nil).Code)
}

func TestRosterCacheFlushedByWrites(t *testing.T) {
	dev := &fakeDevice{attend: workflow.AttendanceResult{Outcome: workflow.Recorded}}
	r, st := newTestRouter(t, dev)

	var students []model.Student
	w := doJSON(r, http.MethodGet, "/api/students", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &students))
	assert.Empty(t, students)

	seedRoster(t, st)
	w = doJSON(r, http.MethodGet, "/api/students", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &students))
	assert.Empty(t, students, "served from cache")

	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/api/attendance/scan", nil).Code)
	w = doJSON(r, http.MethodGet, "/api/students", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &students))
	assert.Len(t, students, 2)
}

func TestPostSeedSession(t *testing.T) {
	dev := &fakeDevice{seedSession: "2024-03-04", seedCount: 2}
	r, _ := newTestRouter(t, dev)

	w := doJSON(r, http.MethodPost, "/api/sessions/seed", gin.H{"course": "Physics"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "2024-03-04", body["session"])
	assert.EqualValues(t, 2, body["seeded"])

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPost, "/api/sessions/seed", gin.H{}).Code)

	dev.seedErr = fmt.Errorf("%w %q", workflow.ErrInvalidSession, "March 4")
	w = doJSON(r, http.MethodPost, "/api/sessions/seed", gin.H{"course": "Physics", "session": "March 4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// The router must accept the real controller.
var _ Device = (*device.Controller)(nil)
