package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attendance-controller/internal/model"
)

type putSubscriptionRequest struct {
	Endpoint          string   `json:"endpoint" binding:"required"`
	P256DH            string   `json:"p256dh" binding:"required"`
	Auth              string   `json:"auth" binding:"required"`
	SubscribedCourses []string `json:"subscribed_courses"`
}

// PutSubscription creates or replaces a dashboard subscription and the set of
// courses it follows.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Omit("Courses").Create(&subscription).Error; err != nil {
			return err
		}

		if err := tx.Where("endpoint = ?", req.Endpoint).Delete(&model.SubscriptionCourse{}).Error; err != nil {
			return err
		}

		seen := make(map[string]bool, len(req.SubscribedCourses))
		courses := make([]model.SubscriptionCourse, 0, len(req.SubscribedCourses))
		for _, course := range req.SubscribedCourses {
			course = strings.TrimSpace(course)
			if course == "" || seen[course] {
				continue
			}
			seen[course] = true
			courses = append(courses, model.SubscriptionCourse{Endpoint: req.Endpoint, Course: course})
		}
		if len(courses) == 0 {
			return nil
		}
		return tx.Create(&courses).Error
	})

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes a subscription and its course list.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// SQLite does not enforce the cascade unless foreign keys are enabled.
	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", req.Endpoint).Delete(&model.SubscriptionCourse{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: req.Endpoint}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// endpointParam reads the endpoint query value. Browsers often send the push
// URL unescaped, so a raw value that does not decode is used as is.
func endpointParam(rawQuery string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if !strings.HasPrefix(kv, "endpoint=") {
			continue
		}
		raw := kv[len("endpoint="):]
		if v, err := url.QueryUnescape(raw); err == nil {
			return v, true
		}
		return raw, true
	}
	return "", false
}

// GetSubscription returns the courses a subscription follows.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint, ok := endpointParam(c.Request.URL.RawQuery)
	if !ok || endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	var subscription model.PushSubscription
	if err := h.store.DB().WithContext(c.Request.Context()).
		Preload("Courses").
		First(&subscription, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	courses := make([]string, len(subscription.Courses))
	for i, sc := range subscription.Courses {
		courses[i] = sc.Course
	}

	c.JSON(http.StatusOK, gin.H{"subscribed_courses": courses})
}

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
