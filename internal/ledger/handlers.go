package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stellapay/escrowd/internal/pagination"
	"github.com/stellapay/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:token/:address", validation.AddressParamMiddleware(), h.GetBalance)
	r.GET("/agents/:address/ledger", validation.AddressParamMiddleware(), h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/mint", h.Mint)
}

// GetBalance handles GET /balances/:token/:address
func (h *Handler) GetBalance(c *gin.Context) {
	token := validation.NormalizeIdentity(c.Param("token"))
	if !validation.IsValidToken(token) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token", "message": "token must be a valid token id"})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), token, c.Param("address"))
	if err != nil {
		h.logger.Error("failed to read balance", "token", token, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /agents/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 50, 500)

	entries, err := h.ledger.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// MintRequest credits test funds to a holder (admin use).
type MintRequest struct {
	Token  string `json:"token" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

// Mint handles POST /admin/mint
func (h *Handler) Mint(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidToken("token", req.Token),
		validation.ValidIdentity("to", req.To),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	entry, err := h.ledger.Mint(c.Request.Context(), req.Token, req.To, req.Amount)
	if err != nil {
		if errors.Is(err, ErrBalanceOverflow) {
			c.JSON(http.StatusConflict, gin.H{"error": "balance_overflow", "message": err.Error()})
			return
		}
		h.logger.Error("mint failed", "to", req.To, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "mint_error",
			"message": "Failed to mint",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entry": entry,
	})
}
