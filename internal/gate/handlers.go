package gate

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/auth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the transaction gate.
type Handler struct {
	gate   *Gate
	logger *slog.Logger
}

// NewHandler creates a new gate handler.
func NewHandler(gate *Gate, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, logger: logger}
}

// RegisterRoutes sets up gate routes. v authenticates the wallet spending
// from the vault on POST /gate/execute.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, v *auth.Verifier) {
	r.POST("/gate/execute", auth.Middleware(v), auth.RequireAuth(), h.Execute)
	r.GET("/gate/blocked", h.ListBlocked)
}

// Execute handles POST /gate/execute. The signer of the request must be
// the user whose balance is spent.
func (h *Handler) Execute(c *gin.Context) {
	caller, ok := auth.Address(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Request signature required"})
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user and target are required"})
		return
	}
	if !common.IsHexAddress(req.User) || common.HexToAddress(req.User) != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Request is not signed by user"})
		return
	}

	res, err := h.gate.ExecuteWithRiskCheck(c.Request.Context(), req)
	switch {
	case err == nil:
		// Blocked is a normal outcome, not an error.
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": strings.TrimPrefix(err.Error(), ErrInvalidRequest.Error()+": ")})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   "Vault balance does not cover the transaction value",
			"success":   false,
			"riskScore": res.RiskScore,
		})
	case errors.Is(err, ErrExecutionPending):
		c.JSON(http.StatusAccepted, res)
	case errors.Is(err, ErrExecutionFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "execution_failed",
			"message":   res.Reason,
			"success":   false,
			"txHash":    res.TxHash,
			"riskScore": res.RiskScore,
			"reason":    res.Reason,
		})
	default:
		h.logger.Error("gated execution error", "user", req.User, "target", req.Target, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Execution could not be completed"})
	}
}

// ListBlocked handles GET /gate/blocked
func (h *Handler) ListBlocked(c *gin.Context) {
	user := c.Query("user")
	if user != "" {
		if !common.IsHexAddress(user) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "user must be a 0x address"})
			return
		}
		user = strings.ToLower(common.HexToAddress(user).Hex())
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.gate.Blocked().List(c.Request.Context(), user, limit)
	if err != nil {
		h.logger.Error("failed to list blocked transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list blocked transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": records, "count": len(records), "maxRiskScore": h.gate.MaxRiskScore()})
}
