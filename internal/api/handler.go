package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telehealth-backend/config"
	"telehealth-backend/internal/availability"
	"telehealth-backend/internal/booking"
	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
	"telehealth-backend/internal/waitingroom"
	"telehealth-backend/internal/webhook"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store         store.Store
	resolver      *availability.Resolver
	bookings      *booking.Guard
	consultations *consultation.Machine
	waiting       *waitingroom.Coordinator
	ingestor      *webhook.Ingestor
	sched         config.SchedulingConfig
}

// NewHandler creates a new API handler.
func NewHandler(
	s store.Store,
	resolver *availability.Resolver,
	bookings *booking.Guard,
	consultations *consultation.Machine,
	waiting *waitingroom.Coordinator,
	ingestor *webhook.Ingestor,
	sched config.SchedulingConfig,
) *Handler {
	return &Handler{
		store:         s,
		resolver:      resolver,
		bookings:      bookings,
		consultations: consultations,
		waiting:       waiting,
		ingestor:      ingestor,
		sched:         sched,
	}
}

// fail maps domain errors onto HTTP statuses so handlers stay declarative.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrSlotConflict),
		errors.Is(err, consultation.ErrConsultationExists):
		return http.StatusConflict
	case errors.Is(err, consultation.ErrUnauthorizedActor):
		return http.StatusForbidden
	case errors.Is(err, availability.ErrInvalidRange),
		errors.Is(err, booking.ErrIllegalTransition),
		errors.Is(err, consultation.ErrIllegalTransition),
		errors.Is(err, consultation.ErrOutsideJoinWindow),
		errors.Is(err, waitingroom.ErrInvalidSessionOrder),
		errors.Is(err, video.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, video.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
