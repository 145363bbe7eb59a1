package divergence

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/payment"
	"github.com/gin-gonic/gin"
)

// ResourceDivergence is the paid resource name for price divergence.
const ResourceDivergence = "market:divergence"

// Handler provides HTTP endpoints for price divergence.
type Handler struct {
	svc      *Service
	payments *payment.Service
	logger   *slog.Logger
}

// NewHandler creates a new divergence handler.
func NewHandler(svc *Service, payments *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, payments: payments, logger: logger}
}

// RegisterRoutes sets up divergence routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/divergence", payment.Require(h.payments, ResourceDivergence), h.Get)
}

// Get handles GET /divergence?token=0x...&symbol=CRO
func (h *Handler) Get(c *gin.Context) {
	report, err := h.svc.Compare(c.Request.Context(), c.Query("token"), c.Query("symbol"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, report)
	case errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "token must be a 0x address"})
	case errors.Is(err, ErrInvalidSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "symbol must be 1-16 alphanumeric characters"})
	case errors.Is(err, ErrUnavailable):
		h.logger.Warn("divergence prices unavailable", "token", c.Query("token"), "symbol", c.Query("symbol"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_unavailable", "message": "Price data is temporarily unavailable"})
	default:
		h.logger.Error("divergence failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Divergence could not be computed"})
	}
}
