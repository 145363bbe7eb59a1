package payment

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for settlement and payment status.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/x402/settle", h.Settle)
	r.GET("/x402/payments/:id", h.GetPayment)
}

// Settle handles POST /x402/settle
func (h *Handler) Settle(c *gin.Context) {
	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, x402.ErrorBody{
			Code:    x402.CodeInvalidRequest,
			Message: "paymentId and paymentHeader are required",
		})
		return
	}

	res, err := h.service.Settle(c.Request.Context(), req)
	if err != nil {
		status, body := settleError(err)
		if status >= 500 {
			h.logger.Error("settlement error", "paymentId", req.PaymentID, "error", err)
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, x402.SettleResponse{
		OK:        true,
		Success:   true,
		PaymentID: res.PaymentID,
		TxHash:    res.TxHash,
	})
}

// GetPayment handles GET /x402/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, x402.ErrorBody{Code: x402.CodeUnknownPayment, Message: "Payment not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load payment", "paymentId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Could not load payment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

func settleError(err error) (int, x402.ErrorBody) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusBadRequest, x402.ErrorBody{Code: x402.CodeUnknownPayment, Message: "Unknown payment id"}
	case errors.Is(err, ErrExpired):
		return http.StatusBadRequest, x402.ErrorBody{Code: x402.CodePaymentExpired, Message: "Payment challenge has expired"}
	case errors.Is(err, ErrVerifyFailed):
		return http.StatusBadRequest, x402.ErrorBody{Code: x402.CodeVerifyFailed, Message: reasonOf(err, ErrVerifyFailed)}
	case errors.Is(err, ErrSettleFailed):
		return http.StatusBadRequest, x402.ErrorBody{Code: x402.CodeSettleFailed, Message: reasonOf(err, ErrSettleFailed)}
	default:
		return http.StatusInternalServerError, x402.ErrorBody{Code: "internal_error", Message: "Settlement could not be completed"}
	}
}

// reasonOf strips the sentinel prefix from a wrapped failure.
func reasonOf(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}
