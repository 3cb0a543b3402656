package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"attendance-controller/internal/metrics"
	"attendance-controller/internal/mw"
	"attendance-controller/internal/store"
)

// RouterOptions tunes the middleware in front of the handlers.
type RouterOptions struct {
	// RateLimit and Burst bound requests per client IP across the API.
	RateLimit rate.Limit
	Burst     int
	// DeviceRateLimit bounds the requests that drive the sensor.
	DeviceRateLimit rate.Limit
	CacheTTL        time.Duration
	Metrics         *metrics.Metrics
}

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, dev Device, webpushOptions *webpush.Options, opts RouterOptions) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, dev, webpushOptions)

	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(10)
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.DeviceRateLimit <= 0 {
		opts.DeviceRateLimit = rate.Limit(1)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}

	rateLimiter := mw.RateLimiter(opts.RateLimit, opts.Burst)
	deviceLimiter := mw.RateLimiter(opts.DeviceRateLimit, 2)

	cacheStore := cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	caching := mw.Cache(cacheStore, opts.CacheTTL)

	r.GET("/healthz", handler.GetHealth)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Invalidate(cacheStore))
	{
		// Roster reads
		api.GET("/students", caching, GetStudents(s))
		api.GET("/students/:id/attendance", caching, GetStudentAttendance(s))
		api.GET("/attendance", caching, GetAttendance(s))
		api.POST("/sessions/seed", handler.PostSeedSession)

		// Sensor operations
		api.POST("/attendance/scan", deviceLimiter, handler.PostScan)
		api.POST("/students", deviceLimiter, handler.PostEnroll)
		api.DELETE("/students/:id", deviceLimiter, handler.DeleteStudent)
		api.POST("/fingerprints/clear", deviceLimiter, handler.PostClearLibrary)
		api.POST("/device/abort", handler.PostAbort)

		// Dashboard push
		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
