package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const webhookSignatureHeader = "X-Razorpay-Signature"

// HandleGatewayWebhook is the gateway-facing ingestion point. Only a
// missing or invalid signature produces a non-200 response; every
// business outcome past the signature check is acknowledged so the
// gateway never concludes the endpoint itself is broken.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := strings.TrimSpace(c.GetHeader(webhookSignatureHeader))

	resp, err := s.webhookSvc.Ingest(c.Request.Context(), body, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) WebhookStatistics(c *gin.Context) {
	stats, err := s.webhookSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) RetryWebhooks(c *gin.Context) {
	result, err := s.webhookSvc.Retry(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RetryWebhookEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("eventId"))
	if eventID == "" {
		AbortWithError(c, newValidationError("eventId", "invalid_event_id", "event id is required"))
		return
	}

	if err := s.webhookSvc.RetryEvent(c.Request.Context(), eventID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
