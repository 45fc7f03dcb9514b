package escrow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/mbd888/p2pescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/derive", h.DeriveAddress)
	r.GET("/escrow/:address", h.GetEscrow)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up signed escrow routes. The caller of each
// instruction is the verified request signer.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.Initialize)
	r.POST("/escrow/:address/paid", h.MarkPaid)
	r.POST("/escrow/:address/release", h.Release)
	r.POST("/escrow/:address/dispute", h.FileDispute)
	r.POST("/escrow/:address/resolve", h.ResolveDispute)
	r.POST("/escrow/:address/reclaim", h.Reclaim)
}

// statusByCode maps escrow error codes to HTTP statuses.
var statusByCode = map[string]int{
	ErrZeroAmount.Code:             http.StatusBadRequest,
	ErrInvalidTimeout.Code:         http.StatusBadRequest,
	ErrInvalidParty.Code:           http.StatusBadRequest,
	ErrInvalidTradeID.Code:         http.StatusBadRequest,
	ErrInvalidDecision.Code:        http.StatusBadRequest,
	ErrInsufficientFunds.Code:      http.StatusPaymentRequired,
	ErrUnauthorizedBuyer.Code:      http.StatusForbidden,
	ErrUnauthorizedSeller.Code:     http.StatusForbidden,
	ErrUnauthorizedAdmin.Code:      http.StatusForbidden,
	ErrUnauthorizedDisputer.Code:   http.StatusForbidden,
	ErrInvalidStateTransition.Code: http.StatusConflict,
	ErrDuplicateTradeID.Code:       http.StatusConflict,
	ErrTimeoutNotElapsed.Code:      http.StatusConflict,
	ErrEscrowNotFound.Code:         http.StatusNotFound,
}

// respondError writes the escrow error code, or a 500 for anything else.
func respondError(c *gin.Context, err error) {
	var e *Error
	if errors.As(err, &e) {
		status, ok := statusByCode[e.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": e.Code, "message": e.Error()})
		return
	}
	logging.L(escrowCtx(c)).Error("escrow instruction failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Instruction failed",
	})
}

func respondEscrow(c *gin.Context, status int, escrow *Escrow, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, gin.H{"escrow": escrow})
}

// Initialize handles POST /v1/escrow. The signer is the seller.
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyer", req.Buyer),
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidTradeID("tradeId", req.TradeID),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	escrow, err := h.service.Initialize(c.Request.Context(), auth.CallerAddress(c), req)
	respondEscrow(c, http.StatusCreated, escrow, err)
}

// MarkPaid handles POST /v1/escrow/:address/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	escrow, err := h.service.MarkPaid(escrowCtx(c), c.Param("address"), auth.CallerAddress(c))
	respondEscrow(c, http.StatusOK, escrow, err)
}

// Release handles POST /v1/escrow/:address/release
func (h *Handler) Release(c *gin.Context) {
	escrow, err := h.service.Release(escrowCtx(c), c.Param("address"), auth.CallerAddress(c))
	respondEscrow(c, http.StatusOK, escrow, err)
}

// FileDispute handles POST /v1/escrow/:address/dispute
func (h *Handler) FileDispute(c *gin.Context) {
	var req DisputeRequest
	// The body is optional.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	escrow, err := h.service.FileDispute(escrowCtx(c), c.Param("address"), auth.CallerAddress(c), req.Reason)
	respondEscrow(c, http.StatusOK, escrow, err)
}

// ResolveDispute handles POST /v1/escrow/:address/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidDecision.Code,
			"message": ErrInvalidDecision.Error(),
		})
		return
	}

	escrow, err := h.service.ResolveDispute(escrowCtx(c), c.Param("address"), auth.CallerAddress(c), req.Decision)
	respondEscrow(c, http.StatusOK, escrow, err)
}

// Reclaim handles POST /v1/escrow/:address/reclaim
func (h *Handler) Reclaim(c *gin.Context) {
	escrow, err := h.service.Reclaim(escrowCtx(c), c.Param("address"), auth.CallerAddress(c))
	respondEscrow(c, http.StatusOK, escrow, err)
}

// GetEscrow handles GET /v1/escrow/:address and includes the vault account.
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"escrow": escrow}
	if vault, err := h.service.Vault(c.Request.Context(), escrow); err == nil {
		resp["vault"] = vault
	}
	c.JSON(http.StatusOK, resp)
}

// DeriveAddress handles GET /v1/escrow/derive?tradeId=&seller=
func (h *Handler) DeriveAddress(c *gin.Context) {
	tradeIDParam := c.Query("tradeId")
	seller := c.Query("seller")
	if errs := validation.Validate(
		validation.Required("tradeId", tradeIDParam),
		validation.ValidTradeID("tradeId", tradeIDParam),
		validation.Required("seller", seller),
		validation.ValidAddress("seller", seller),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	tradeID, err := derive.ParseTradeID(tradeIDParam)
	if err != nil {
		respondError(c, ErrInvalidTradeID)
		return
	}
	pair := h.service.Derive(tradeID, seller)
	c.JSON(http.StatusOK, gin.H{
		"tradeId": tradeID,
		"seller":  validation.SanitizeAddress(seller),
		"escrow":  derive.Hex(pair.Escrow),
		"vault":   derive.Hex(pair.Vault),
	})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, next, err := h.service.ListByPartyPage(c.Request.Context(), c.Param("address"), c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"count":      len(escrows),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// escrowCtx tags the request context with the target escrow for logging.
func escrowCtx(c *gin.Context) context.Context {
	return logging.WithEscrow(c.Request.Context(), c.Param("address"))
}
