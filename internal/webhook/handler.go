package webhook

import (
	"fmt"
	"io"
	"net/http"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/utils"

	"github.com/gin-gonic/gin"
)

// maxPayloadBytes matches the processor's documented webhook size limit.
const maxPayloadBytes = 65536

type Handler struct {
	reconciler *Reconciler
	logger     *logger.Logger
}

func NewHandler(reconciler *Reconciler, logger *logger.Logger) *Handler {
	return &Handler{reconciler: reconciler, logger: logger}
}

// Router serves the processor callback and a health probe.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, utils.SuccessResponse("ok", nil))
	})
	r.POST("/webhooks/stripe", h.HandleStripeWebhook)
	return r
}

func (h *Handler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Error("WEBHOOK", fmt.Sprintf("Failed to read request body: %v", err))
		c.JSON(http.StatusServiceUnavailable, utils.ErrorResponse("Failed to read request body", "read_failed", err.Error(), nil))
		return
	}

	if err := h.reconciler.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		status := apperr.StatusFor(err)
		code := "internal_error"
		if e, ok := apperr.As(err); ok {
			code = e.Code
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("WEBHOOK", fmt.Sprintf("Webhook processing failed: %v", err))
		} else {
			h.logger.Warn("WEBHOOK", fmt.Sprintf("Webhook rejected: %v", err))
		}
		c.JSON(status, utils.ErrorResponse("Webhook not processed", code, err.Error(), nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
