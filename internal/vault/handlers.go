package vault

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for vault balances.
type Handler struct {
	vault  *Vault
	logger *slog.Logger
}

// NewHandler creates a new vault handler.
func NewHandler(vault *Vault, logger *slog.Logger) *Handler {
	return &Handler{vault: vault, logger: logger}
}

// RegisterRoutes sets up vault routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vault/balances/:address", h.GetBalance)
	r.GET("/vault/history/:address", h.GetHistory)
}

// GetBalance handles GET /vault/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.vault.GetBalance(c.Request.Context(), c.Param("address"))
	if errors.Is(err, ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Address must be a 0x-prefixed 20-byte hex string"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get vault balance", "address", c.Param("address"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /vault/history/:address
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.vault.GetHistory(c.Request.Context(), c.Param("address"), limit)
	if errors.Is(err, ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Address must be a 0x-prefixed 20-byte hex string"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get vault history", "address", c.Param("address"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
