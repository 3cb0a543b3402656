package model

import "time"

// PushSubscription is a teacher dashboard's browser push endpoint. Check-ins for
// the listed courses are pushed to it.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Courses []SubscriptionCourse `gorm:"foreignKey:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionCourse links a push subscription to one course.
type SubscriptionCourse struct {
	Endpoint string `gorm:"primaryKey;size:512"`
	Course   string `gorm:"primaryKey;size:128"`
}
