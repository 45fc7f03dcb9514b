package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/idgen"
	"github.com/mbd888/p2pescrow/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	admin  string // only signer allowed to use the faucet
	faucet bool
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// WithFaucet enables admin-signed deposits.
func (h *Handler) WithFaucet(admin string) *Handler {
	h.admin = strings.ToLower(admin)
	h.faucet = true
	return h
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// RegisterProtectedRoutes sets up signed ledger routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/faucet", h.Faucet)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.ledger.Holding(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// FaucetRequest funds a holding account.
type FaucetRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Amount uint64 `json:"amount" binding:"required"`
}

// Faucet handles POST /faucet. Only the admin may mint test funds.
func (h *Handler) Faucet(c *gin.Context) {
	if !h.faucet {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Faucet is disabled"})
		return
	}
	if !strings.EqualFold(auth.CallerAddress(c), h.admin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Only the admin may use the faucet"})
		return
	}

	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "owner and amount are required"})
		return
	}
	if errs := validation.Validate(validation.ValidAddress("owner", req.Owner)); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	acct, err := h.ledger.Deposit(c.Request.Context(), req.Owner, req.Amount, idgen.WithPrefix("faucet_"))
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed", "message": err.Error()})
		return
	}

	h.logger.Info("faucet deposit", "owner", acct.Owner, "account", acct.Address, "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
