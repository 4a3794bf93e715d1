package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"telehealth-backend/internal/actor"
	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/model"
	"telehealth-backend/internal/mw"
	"telehealth-backend/internal/video"
)

type createConsultationRequest struct {
	BookingID        *int64 `json:"booking_id"`
	DoctorID         int64  `json:"doctor_id"`
	PatientID        int64  `json:"patient_id"`
	Provider         string `json:"provider"`
	RecordingEnabled bool   `json:"recording_enabled"`
	ScheduledStart   string `json:"scheduled_start"` // RFC 3339
}

// ConsultationResponse pairs the consultation with derived fields the client
// cannot compute, like the overdue flag.
type ConsultationResponse struct {
	*model.Consultation
	Overdue bool               `json:"overdue"`
	Meeting *video.MeetingInfo `json:"meeting,omitempty"`
}

// CreateConsultation handles POST /api/consultations.
func (h *Handler) CreateConsultation(c *gin.Context) {
	who, _ := mw.CurrentActor(c)

	var req createConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := consultation.CreateParams{
		BookingID:        req.BookingID,
		DoctorID:         req.DoctorID,
		PatientID:        req.PatientID,
		Provider:         req.Provider,
		RecordingEnabled: req.RecordingEnabled,
	}
	if req.ScheduledStart != "" {
		start, err := time.Parse(time.RFC3339, req.ScheduledStart)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params.ScheduledStart = start
	}

	created, meeting, err := h.consultations.Create(c.Request.Context(), params, who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ConsultationResponse{
		Consultation: created,
		Overdue:      h.consultations.Overdue(created),
		Meeting:      meeting,
	})
}

// GetConsultation handles GET /api/consultations/:id, including the session
// history.
func (h *Handler) GetConsultation(c *gin.Context) {
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}
	if err := h.store.DB().WithContext(c.Request.Context()).
		Where("consultation_id = ?", found.ID).
		Order("started_at").
		Find(&found.Sessions).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ConsultationResponse{
		Consultation: found,
		Overdue:      h.consultations.Overdue(found),
	})
}

// JoinWaiting handles POST /api/consultations/:id/join_waiting: the caller
// enters the waiting room and learns their queue position and estimated wait.
func (h *Handler) JoinWaiting(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}

	updated, err := h.consultations.EnterWaiting(c.Request.Context(), found.ID, who)
	if err != nil {
		fail(c, err)
		return
	}
	status, err := h.waiting.JoinWaiting(c.Request.Context(), updated, who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consultation":           updated,
		"queue_position":         status.QueuePosition,
		"estimated_wait_minutes": status.EstimatedWaitMinutes,
	})
}

// LeaveWaiting handles POST /api/consultations/:id/leave_waiting.
func (h *Handler) LeaveWaiting(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}
	if err := h.waiting.LeaveWaiting(c.Request.Context(), found.ID, who.ID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartConsultation handles POST /api/consultations/:id/start.
func (h *Handler) StartConsultation(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	updated, err := h.consultations.Start(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type endConsultationRequest struct {
	Notes string `json:"notes"`
}

// EndConsultation handles POST /api/consultations/:id/end.
func (h *Handler) EndConsultation(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	var req endConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.consultations.End(c.Request.Context(), c.Param("id"), who, req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// CancelConsultation handles POST /api/consultations/:id/cancel.
func (h *Handler) CancelConsultation(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	updated, err := h.consultations.Cancel(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type rescheduleRequest struct {
	ScheduledStart string `json:"scheduled_start" binding:"required"` // RFC 3339
}

// RescheduleConsultation handles POST /api/consultations/:id/reschedule.
func (h *Handler) RescheduleConsultation(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newStart, err := time.Parse(time.RFC3339, req.ScheduledStart)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	replacement, err := h.consultations.Reschedule(c.Request.Context(), c.Param("id"), newStart, who)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, replacement)
}

type consentRequest struct {
	Consent *bool `json:"consent" binding:"required"`
}

// SetRecordingConsent handles POST /api/consultations/:id/consent.
func (h *Handler) SetRecordingConsent(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.consultations.SetRecordingConsent(c.Request.Context(), c.Param("id"), who, *req.Consent)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// RetryMeeting handles POST /api/consultations/:id/retry_meeting, provisioning
// a meeting for a consultation created while its provider was down.
func (h *Handler) RetryMeeting(c *gin.Context) {
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}
	info, err := h.consultations.RetryMeeting(c.Request.Context(), found.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type reportIssueRequest struct {
	Category    string `json:"category" binding:"required"`
	Severity    string `json:"severity" binding:"required"`
	Description string `json:"description"`
}

// ReportIssue handles POST /api/consultations/:id/report_issue.
func (h *Handler) ReportIssue(c *gin.Context) {
	who, _ := mw.CurrentActor(c)
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}
	var req reportIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issue, err := h.waiting.ReportIssue(c.Request.Context(), found.ID, who.ID, req.Category, req.Severity, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// ListRecordings handles GET /api/consultations/:id/recordings. Segments are
// only visible once recording was authorized by both parties.
func (h *Handler) ListRecordings(c *gin.Context) {
	found, ok := h.loadConsultation(c)
	if !ok {
		return
	}
	if !consultation.RecordingAuthorized(found) {
		c.JSON(http.StatusForbidden, gin.H{"error": "recording was not authorized for this consultation"})
		return
	}

	var segments []model.RecordingSegment
	if err := h.store.DB().WithContext(c.Request.Context()).
		Where("consultation_id = ?", found.ID).
		Order("start_time").
		Find(&segments).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, segments)
}

// loadConsultation fetches the consultation from the path and enforces that
// the caller is a party to it (or staff). On failure the response is already
// written and ok is false.
func (h *Handler) loadConsultation(c *gin.Context) (*model.Consultation, bool) {
	var found model.Consultation
	if err := h.store.DB().WithContext(c.Request.Context()).
		First(&found, "id = ?", c.Param("id")).Error; err != nil {
		fail(c, err)
		return nil, false
	}

	who, ok := mw.CurrentActor(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "actor not resolved"})
		return nil, false
	}
	switch {
	case who.Role == actor.RoleStaff:
	case who.Role == actor.RoleDoctor && who.ID == found.DoctorID:
	case who.Role == actor.RolePatient && who.ID == found.PatientID:
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this consultation"})
		return nil, false
	}
	return &found, true
}
