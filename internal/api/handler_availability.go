package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"telehealth-backend/internal/availability"
	"telehealth-backend/internal/model"
)

// SlotResponse is one bookable slot start.
type SlotResponse struct {
	StartMinute int    `json:"start_minute"`
	StartClock  string `json:"start_clock"`
}

// DayAvailabilityResponse is the resolved open time and slots for one date.
type DayAvailabilityResponse struct {
	Date    string                `json:"date"`
	Windows []availability.Window `json:"windows"`
	Slots   []SlotResponse        `json:"slots"`
}

// GetAvailability handles GET /api/doctors/:doctor_id/availability.
func (h *Handler) GetAvailability(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, err := availability.ParseDate(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := availability.ParseDate(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	days, err := h.resolver.Resolve(c.Request.Context(), doctorID, from, to)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]DayAvailabilityResponse, 0, len(days))
	for _, day := range days {
		resp := DayAvailabilityResponse{
			Date:    day.Date.Format("2006-01-02"),
			Windows: day.Windows,
		}
		for _, w := range day.Windows {
			for _, start := range w.Slots(h.sched.SlotDurationMinutes) {
				free, err := h.bookings.IsSlotFree(c.Request.Context(), doctorID, day.Date, start)
				if err != nil {
					fail(c, err)
					return
				}
				if !free {
					continue
				}
				resp.Slots = append(resp.Slots, SlotResponse{
					StartMinute: start,
					StartClock:  availability.FormatClock(start),
				})
			}
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, out)
}

type templateRequest struct {
	Weekday    int    `json:"weekday" binding:"min=0,max=6"`
	StartClock string `json:"start_clock" binding:"required"`
	EndClock   string `json:"end_clock" binding:"required"`
}

// CreateTemplate handles POST /api/doctors/:doctor_id/templates.
func (h *Handler) CreateTemplate(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start, err := availability.ParseClock(req.StartClock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := availability.ParseClock(req.EndClock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if start >= end {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_clock must precede end_clock"})
		return
	}

	tpl := model.AvailabilityTemplate{
		DoctorID:    doctorID,
		Weekday:     req.Weekday,
		StartMinute: start,
		EndMinute:   end,
		Active:      true,
	}
	if err := h.store.DB().WithContext(c.Request.Context()).Create(&tpl).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// ListTemplates handles GET /api/doctors/:doctor_id/templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var templates []model.AvailabilityTemplate
	if err := h.store.DB().WithContext(c.Request.Context()).
		Where("doctor_id = ?", doctorID).
		Order("weekday, start_minute").
		Find(&templates).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

// DeactivateTemplate handles DELETE /api/doctors/:doctor_id/templates/:id.
// Templates are switched off, not erased, so past availability stays
// reconstructible.
func (h *Handler) DeactivateTemplate(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.store.DB().WithContext(c.Request.Context()).
		Model(&model.AvailabilityTemplate{}).
		Where("id = ? AND doctor_id = ?", id, doctorID).
		Update("active", false)
	if res.Error != nil {
		fail(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type timeOffRequest struct {
	StartDate  string `json:"start_date" binding:"required"`
	EndDate    string `json:"end_date" binding:"required"`
	FullDay    bool   `json:"full_day"`
	StartClock string `json:"start_clock"`
	EndClock   string `json:"end_clock"`
	Reason     string `json:"reason"`
}

// CreateTimeOff handles POST /api/doctors/:doctor_id/time_off.
func (h *Handler) CreateTimeOff(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req timeOffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	startDate, err := availability.ParseDate(req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	endDate, err := availability.ParseDate(req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if startDate.After(endDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date must not follow end_date"})
		return
	}

	ex := model.TimeOffException{
		DoctorID:  doctorID,
		StartDate: startDate,
		EndDate:   endDate,
		FullDay:   req.FullDay,
		Reason:    req.Reason,
	}
	if !req.FullDay {
		if ex.StartMinute, err = availability.ParseClock(req.StartClock); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ex.EndMinute, err = availability.ParseClock(req.EndClock); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ex.StartMinute >= ex.EndMinute {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_clock must precede end_clock"})
			return
		}
	}

	if err := h.store.DB().WithContext(c.Request.Context()).Create(&ex).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ex)
}

// ListTimeOff handles GET /api/doctors/:doctor_id/time_off.
func (h *Handler) ListTimeOff(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var exceptions []model.TimeOffException
	if err := h.store.DB().WithContext(c.Request.Context()).
		Where("doctor_id = ?", doctorID).
		Order("start_date").
		Find(&exceptions).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exceptions)
}

// DeleteTimeOff handles DELETE /api/doctors/:doctor_id/time_off/:id.
func (h *Handler) DeleteTimeOff(c *gin.Context) {
	doctorID, err := paramInt64(c, "doctor_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.store.DB().WithContext(c.Request.Context()).
		Where("id = ? AND doctor_id = ?", id, doctorID).
		Delete(&model.TimeOffException{})
	if res.Error != nil {
		fail(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "time off not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func paramInt64(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
