package analysis

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/payment"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/validation"
	"github.com/gin-gonic/gin"
)

// ResourceAnalyze is the paid resource name for risk analysis.
const ResourceAnalyze = "risk:analyze"

// Handler provides HTTP endpoints for risk analysis.
type Handler struct {
	svc      *Service
	payments *payment.Service
	logger   *slog.Logger
}

// NewHandler creates a new analysis handler.
func NewHandler(svc *Service, payments *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, payments: payments, logger: logger}
}

// RegisterRoutes sets up analysis routes. Malformed contracts are rejected
// before a challenge is issued.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/analyze",
		validation.AddressQueryMiddleware("contract"),
		payment.Require(h.payments, ResourceAnalyze),
		h.Analyze,
	)
	r.POST("/risk/proofs/verify", h.VerifyProof)
}

// Analyze handles GET /risk/analyze?contract=0x...
func (h *Handler) Analyze(c *gin.Context) {
	contract := c.Query("contract")
	if contract == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "contract query parameter is required"})
		return
	}

	res, err := h.svc.Analyze(c.Request.Context(), contract)
	if err != nil {
		if errors.Is(err, ErrInvalidContract) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "contract must be a 0x address"})
			return
		}
		h.logger.Error("risk analysis failed", "contract", contract, "paymentId", payment.PaymentID(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Analysis could not be completed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

type verifyRequest struct {
	Contract  string `json:"contract" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	ProofHash string `json:"proofHash" binding:"required"`
}

// VerifyProof handles POST /risk/proofs/verify
func (h *Handler) VerifyProof(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "contract, timestamp and proofHash are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.svc.VerifyProof(c.Request.Context(), req.Contract, req.Timestamp, req.ProofHash)})
}
