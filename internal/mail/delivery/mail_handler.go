package delivery

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"mailpilot-backend/internal/mail/usecase"

	"github.com/gin-gonic/gin"
)

// MailHandler exposes ingestion endpoints: the Pub/Sub push webhook and
// the JWT-protected management routes.
type MailHandler struct {
	pipeline *usecase.IngestionPipeline
}

func NewMailHandler(pipeline *usecase.IngestionPipeline) *MailHandler {
	return &MailHandler{pipeline: pipeline}
}

// pushEnvelope is the wrapper Pub/Sub push delivery puts around the
// published message
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64-encoded GmailNotification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandleGmailPush handles POST /api/notifications/gmail. Pub/Sub
// redelivers on any non-2xx status, so everything past envelope parsing
// answers 200: a notification that fails processing will be covered by
// the next one, but a malformed envelope will never parse better on
// redelivery.
func (h *MailHandler) HandleGmailPush(c *gin.Context) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		log.Printf("[Webhook] Invalid push envelope: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid envelope"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		log.Printf("[Webhook] Undecodable message data (id %s): %v", envelope.Message.MessageID, err)
		c.Status(http.StatusOK)
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		log.Printf("[Webhook] Unparseable notification (id %s): %v", envelope.Message.MessageID, err)
		c.Status(http.StatusOK)
		return
	}

	if err := h.pipeline.ProcessNotification(c.Request.Context(), usecase.Notification{
		EmailAddress: notification.EmailAddress,
		HistoryID:    notification.HistoryID,
	}); err != nil {
		log.Printf("[Webhook] Failed to process notification for %s: %v", notification.EmailAddress, err)
	}

	c.Status(http.StatusOK)
}

// Resync handles POST /api/sync/resync
func (h *MailHandler) Resync(c *gin.Context) {
	userID := c.GetString("userID")

	if err := h.pipeline.Resync(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resynced"})
}

// StartWatch handles POST /api/watch
func (h *MailHandler) StartWatch(c *gin.Context) {
	userID := c.GetString("userID")

	info, err := h.pipeline.StartWatch(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history_id": info.HistoryID,
		"expiration": info.Expiration,
	})
}

// StopWatch handles DELETE /api/watch
func (h *MailHandler) StopWatch(c *gin.Context) {
	userID := c.GetString("userID")

	if err := h.pipeline.StopWatch(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GetMessages handles GET /api/messages
func (h *MailHandler) GetMessages(c *gin.Context) {
	userID := c.GetString("userID")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, total, err := h.pipeline.ListMessages(userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}
