package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"telehealth-backend/config"
	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimit(rate.Limit(cfg.Server.RateLimitPerSec), 5)
	authed := mw.Auth(cfg.Auth.JWTSecret)

	// Availability is read-heavy; answers go a little stale but a booking
	// conflict is still caught at creation time.
	ttl := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	caching := mw.CacheGET(cache.New(ttl, 2*ttl), ttl)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks authenticate by signature, not JWT, and batch up
	// after outages, so they get their own generous rate limit.
	r.POST("/webhooks/:provider", mw.RateLimit(rate.Limit(100), 50), h.HandleWebhook)

	api := r.Group("/api")
	api.Use(rateLimiter, authed)
	{
		doctors := api.Group("/doctors/:doctor_id")
		{
			doctors.GET("/availability", caching, h.GetAvailability)

			staffOrDoctor := mw.RequireRole(actor.RoleDoctor, actor.RoleStaff)
			doctors.GET("/templates", h.ListTemplates)
			doctors.POST("/templates", staffOrDoctor, h.CreateTemplate)
			doctors.DELETE("/templates/:id", staffOrDoctor, h.DeactivateTemplate)
			doctors.GET("/time_off", h.ListTimeOff)
			doctors.POST("/time_off", staffOrDoctor, h.CreateTimeOff)
			doctors.DELETE("/time_off/:id", staffOrDoctor, h.DeleteTimeOff)
		}

		bookings := api.Group("/bookings")
		{
			bookings.POST("", h.CreateBooking)
			bookings.GET("", h.ListBookings)
			bookings.GET("/:id", h.GetBooking)
			bookings.POST("/:id/status", h.TransitionBooking)
		}

		consultations := api.Group("/consultations")
		{
			consultations.POST("", h.CreateConsultation)
			consultations.GET("/:id", h.GetConsultation)
			consultations.POST("/:id/join_waiting", h.JoinWaiting)
			consultations.POST("/:id/leave_waiting", h.LeaveWaiting)
			consultations.POST("/:id/start", h.StartConsultation)
			consultations.POST("/:id/end", h.EndConsultation)
			consultations.POST("/:id/cancel", h.CancelConsultation)
			consultations.POST("/:id/reschedule", h.RescheduleConsultation)
			consultations.POST("/:id/consent", h.SetRecordingConsent)
			consultations.POST("/:id/retry_meeting", h.RetryMeeting)
			consultations.POST("/:id/report_issue", h.ReportIssue)
			consultations.GET("/:id/recordings", h.ListRecordings)
		}
	}

	return r
}
