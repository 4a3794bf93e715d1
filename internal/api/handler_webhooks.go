package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"telehealth-backend/internal/video"
	"telehealth-backend/internal/webhook"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// HandleWebhook handles POST /webhooks/:provider. Signature failures and
// malformed payloads are 400; everything the provider should not redeliver,
// including duplicates and unknown meetings, is 200.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = h.ingestor.Handle(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, video.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, video.ErrSignatureInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
	case errors.Is(err, webhook.ErrPayloadRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		// A transient failure: let the provider redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
