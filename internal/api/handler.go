package api

import (
	"net/http"
	"strconv"
	"time"

	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	settlement    *service.SettlementService
	checkout      *service.CheckoutService
	gold          *service.GoldPriceService
	webhookSecret string
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	settlement *service.SettlementService,
	checkout *service.CheckoutService,
	gold *service.GoldPriceService,
	webhookSecret string,
) *Handler {
	return &Handler{
		settlement:    settlement,
		checkout:      checkout,
		gold:          gold,
		webhookSecret: webhookSecret,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/webhooks/coinbase", h.coinbaseWebhook)
		api.POST("/payment/coinbase/checkout", h.createCryptoCheckout)
		api.POST("/payment/stripe/checkout", h.createCardCheckout)
		api.POST("/gold/stripe/confirm", h.confirmGoldCheckout)
		api.GET("/gold/price", h.goldPrice)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCryptoCheckout creates a crypto charge and returns the hosted
// payment page
func (h *Handler) createCryptoCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	charge, err := h.checkout.CreateCryptoCharge(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Crypto checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create crypto checkout",
		})
		return
	}

	c.JSON(http.StatusOK, charge)
}

// createCardCheckout creates a hosted card checkout session
func (h *Handler) createCardCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	checkoutSession, err := h.checkout.CreateCardCheckout(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Card checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create checkout session",
		})
		return
	}

	c.JSON(http.StatusOK, checkoutSession)
}

// confirmGoldCheckout converts a completed card session into a gold order
func (h *Handler) confirmGoldCheckout(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session ID"})
		return
	}

	orderID, err := h.checkout.ConfirmGoldCheckout(c.Request.Context(), req.SessionID)
	if err != nil {
		h.logger.Error("Gold checkout confirmation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to confirm checkout",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID})
}

// goldPrice returns the current gold spot price
func (h *Handler) goldPrice(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USD")

	price, err := h.gold.CurrentPrice(c.Request.Context(), currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch gold price",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"price":        price.Price,
		"currency":     price.Currency,
		"unit":         price.Unit,
		"timestamp":    price.Timestamp,
		"last_updated": time.UnixMilli(price.Timestamp).UTC().Format(time.RFC3339),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
