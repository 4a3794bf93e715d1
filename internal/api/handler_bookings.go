package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/availability"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/mw"
)

type createBookingRequest struct {
	DoctorID    int64  `json:"doctor_id" binding:"required"`
	Date        string `json:"date" binding:"required"`
	StartMinute int    `json:"start_minute"`
	StartClock  string `json:"start_clock"`
}

// CreateBooking handles POST /api/bookings. The patient books for themselves;
// staff may book on behalf of a patient via patient_id.
func (h *Handler) CreateBooking(c *gin.Context) {
	who, _ := mw.CurrentActor(c)

	var req struct {
		createBookingRequest
		PatientID int64 `json:"patient_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patientID := who.ID
	switch who.Role {
	case actor.RolePatient:
	case actor.RoleStaff:
		if req.PatientID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "patient_id is required for staff bookings"})
			return
		}
		patientID = req.PatientID
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "only patients or staff may create bookings"})
		return
	}

	date, err := availability.ParseDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start := req.StartMinute
	if req.StartClock != "" {
		if start, err = availability.ParseClock(req.StartClock); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	b, err := h.bookings.Create(c.Request.Context(), req.DoctorID, patientID, date, start)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// ListBookings handles GET /api/bookings. Doctors and patients see their own
// bookings; staff may filter by doctor_id or patient_id.
func (h *Handler) ListBookings(c *gin.Context) {
	who, _ := mw.CurrentActor(c)

	q := h.store.DB().WithContext(c.Request.Context()).Model(&model.Booking{})
	switch who.Role {
	case actor.RoleDoctor:
		q = q.Where("doctor_id = ?", who.ID)
	case actor.RolePatient:
		q = q.Where("patient_id = ?", who.ID)
	case actor.RoleStaff:
		if v := c.Query("doctor_id"); v != "" {
			q = q.Where("doctor_id = ?", v)
		}
		if v := c.Query("patient_id"); v != "" {
			q = q.Where("patient_id = ?", v)
		}
	}
	if v := c.Query("status"); v != "" {
		q = q.Where("status = ?", v)
	}

	var bookings []model.Booking
	if err := q.Order("date, start_minute").Find(&bookings).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

// GetBooking handles GET /api/bookings/:id.
func (h *Handler) GetBooking(c *gin.Context) {
	id, err := paramInt64(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var b model.Booking
	if err := h.store.DB().WithContext(c.Request.Context()).First(&b, id).Error; err != nil {
		fail(c, err)
		return
	}
	if !h.mayViewBooking(c, &b) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this booking"})
		return
	}
	c.JSON(http.StatusOK, b)
}

type transitionBookingRequest struct {
	Status model.BookingStatus `json:"status" binding:"required"`
}

// TransitionBooking handles POST /api/bookings/:id/status.
func (h *Handler) TransitionBooking(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	id, err := paramInt64(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req transitionBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var b model.Booking
	if err := h.store.DB().WithContext(c.Request.Context()).First(&b, id).Error; err != nil {
		fail(c, err)
		return
	}
	if !h.mayViewBooking(c, &b) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this booking"})
		return
	}

	updated, err := h.bookings.Transition(c.Request.Context(), id, req.Status, who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) mayViewBooking(c *gin.Context, b *model.Booking) bool {
	who, ok := mw.CurrentActor(c)
	if !ok {
		return false
	}
	switch who.Role {
	case actor.RoleStaff:
		return true
	case actor.RoleDoctor:
		return who.ID == b.DoctorID
	case actor.RolePatient:
		return who.ID == b.PatientID
	}
	return false
}
