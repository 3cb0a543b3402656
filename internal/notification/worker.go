package notification

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"attendance-controller/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Checkin is the payload pushed to teacher dashboards.
type Checkin struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	Course      string    `json:"course"`
	Session     string    `json:"session"`
	TimeIn      time.Time `json:"time_in"`
}

// WorkerPool pushes check-ins to the dashboards subscribed to their course.
type WorkerPool struct {
	size    int
	jobs    chan model.AttendanceRecord
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.AttendanceRecord, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Push worker %d started", id)
	for {
		select {
		case rec := <-wp.jobs:
			wp.sendCheckin(ctx, rec)
		case <-ctx.Done():
			log.Printf("Push worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a check-in. It never blocks the device worker; when the
// queue is full the check-in is dropped.
func (wp *WorkerPool) Dispatch(rec model.AttendanceRecord) {
	select {
	case wp.jobs <- rec:
	default:
		log.Printf("Push queue full, dropping check-in of %q", rec.StudentID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.AttendanceRecord {
	return wp.jobs
}

// sendCheckin fetches the subscriptions for the record's course and pushes to each.
func (wp *WorkerPool) sendCheckin(ctx context.Context, rec model.AttendanceRecord) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_courses sc ON sc.endpoint = push_subscriptions.endpoint").
		Where("sc.course = ?", rec.Course).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("Error fetching subscriptions for course %q: %v", rec.Course, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	checkin := Checkin{
		ID:          uuid.NewString(),
		Type:        "checkin",
		StudentID:   rec.StudentID,
		StudentName: rec.StudentName,
		Course:      rec.Course,
		Session:     rec.Session,
	}
	if rec.TimeIn != nil {
		checkin.TimeIn = *rec.TimeIn
	}
	payload, err := json.Marshal(checkin)
	if err != nil {
		log.Printf("Error encoding check-in of %q: %v", rec.StudentID, err)
		return
	}

	log.Printf("Sending %d check-in notifications for course %q", len(subscriptions), rec.Course)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
