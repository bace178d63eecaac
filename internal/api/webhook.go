package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// signatureHeader names the provider's webhook signature header.
const signatureHeader = "X-CC-Webhook-Signature"

// coinbaseWebhook receives charge events from the crypto payment provider.
// The body is hashed exactly as received; parsing happens only after the
// signature passes. Responses: 400 structural, 401 bad signature, 500
// misconfiguration or processing failure (provider redelivers), 200 for
// everything handled or deliberately ignored.
func (h *Handler) coinbaseWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		h.logger.Error("Webhook secret is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server configuration error"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	signature := c.GetHeader(signatureHeader)
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing webhook signature"})
		return
	}

	if !validSignature(body, signature, h.webhookSecret) {
		util.WebhookSignatureFailures.Inc()
		h.logger.Error("Invalid webhook signature",
			zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var event models.ChargeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed event payload"})
		return
	}

	util.WebhooksReceivedTotal.WithLabelValues(event.Type).Inc()

	switch event.Type {
	case models.EventChargeConfirmed:
		if err := h.settlement.HandleChargeConfirmed(c.Request.Context(), event.Data); err != nil {
			if errors.Is(err, service.ErrMalformedEvent) {
				// Dead-lettered; acknowledge so the provider stops
				// redelivering an event that can never settle.
				c.JSON(http.StatusOK, gin.H{"received": true})
				return
			}
			h.logger.Error("Settlement failed",
				zap.String("charge_id", event.Data.ID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process charge"})
			return
		}

	case models.EventChargeFailed:
		h.logger.Info("Charge failed", zap.String("charge_id", event.Data.ID))

	default:
		h.logger.Info("Unhandled event type", zap.String("event_type", event.Type))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// validSignature recomputes the HMAC-SHA256 of the raw body and compares
// it to the provided hex signature in constant time.
func validSignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(signature))
}
