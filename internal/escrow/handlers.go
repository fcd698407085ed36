package escrow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellapay/escrowd/internal/auth"
	"github.com/stellapay/escrowd/internal/pagination"
	"github.com/stellapay/escrowd/internal/retry"
	"github.com/stellapay/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	contract       *Contract
	defaultToken   string
	requireArbiter bool
	logger         *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(contract *Contract, logger *slog.Logger) *Handler {
	return &Handler{contract: contract, requireArbiter: true, logger: logger}
}

// WithDefaults sets the token and arbiter mode used when a create request
// omits them.
func (h *Handler) WithDefaults(token string, requireArbiter bool) *Handler {
	h.defaultToken = token
	h.requireArbiter = requireArbiter
	return h
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/next-id", h.NextID)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/agents/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/start", h.StartWork)
	r.POST("/escrows/:id/milestones/:index/submit", h.SubmitMilestone)
	r.POST("/escrows/:id/milestones/:index/approve", h.ApproveMilestone)
	r.POST("/escrows/:id/milestones/:index/dispute", h.DisputeMilestone)
	r.POST("/escrows/:id/milestones/:index/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/complete", h.CompleteWork)
}

// createBody is the wire form of CreateRequest. The depositor is the
// authenticated caller.
type createBody struct {
	Beneficiary     string   `json:"beneficiary"`
	Arbiter         string   `json:"arbiter"`
	RequiresArbiter *bool    `json:"requiresArbiter"`
	Token           string   `json:"token"`
	Milestones      []int64  `json:"milestones"`
	Descriptions    []string `json:"descriptions"`
	Duration        uint64   `json:"duration"`
}

// ResolveRequest is the body of POST .../resolve.
type ResolveRequest struct {
	PayToBeneficiary *int64 `json:"payToBeneficiary"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if body.Token == "" {
		body.Token = h.defaultToken
	}
	requiresArbiter := h.requireArbiter
	if body.RequiresArbiter != nil {
		requiresArbiter = *body.RequiresArbiter
	}

	if errs := validation.Validate(
		validation.ValidIdentity("beneficiary", body.Beneficiary),
		validation.ValidToken("token", body.Token),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	descriptions := make([]string, len(body.Descriptions))
	for i, d := range body.Descriptions {
		descriptions[i] = validation.SanitizeString(d, validation.MaxStringLength)
	}

	req := CreateRequest{
		Depositor:       auth.GetAuthenticatedIdentity(c),
		Beneficiary:     body.Beneficiary,
		Arbiter:         body.Arbiter,
		RequiresArbiter: requiresArbiter,
		Token:           body.Token,
		Milestones:      body.Milestones,
		Descriptions:    descriptions,
		Duration:        body.Duration,
	}

	var id uint32
	err := h.invoke(c, func(ctx context.Context) error {
		var err error
		id, err = h.contract.Create(ctx, req)
		return err
	})
	if err != nil {
		h.respondError(c, "create", err)
		return
	}

	escrow, err := h.contract.GetEscrow(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.contract.GetEscrow(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// NextID handles GET /v1/escrows/next-id
func (h *Handler) NextID(c *gin.Context) {
	id, err := h.contract.NextID(c.Request.Context())
	if err != nil {
		h.respondError(c, "next_id", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextId": id})
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 50, 200)
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	escrows, next, err := h.contract.ListByParty(c.Request.Context(), c.Param("address"), limit, before)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	if escrows == nil {
		escrows = []*EscrowData{}
	}

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
		"hasMore": next != 0,
	}
	if next != 0 {
		resp["nextCursor"] = pagination.Encode(next)
	}
	c.JSON(http.StatusOK, resp)
}

// StartWork handles POST /v1/escrows/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.StartWork(ctx, auth.GetAuthenticatedIdentity(c), id)
	})
	h.respondEscrow(c, "start_work", id, err)
}

// SubmitMilestone handles POST /v1/escrows/:id/milestones/:index/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.SubmitMilestone(ctx, auth.GetAuthenticatedIdentity(c), id, index)
	})
	h.respondEscrow(c, "submit_milestone", id, err)
}

// ApproveMilestone handles POST /v1/escrows/:id/milestones/:index/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.ApproveMilestone(ctx, auth.GetAuthenticatedIdentity(c), id, index)
	})
	h.respondEscrow(c, "approve_milestone", id, err)
}

// DisputeMilestone handles POST /v1/escrows/:id/milestones/:index/dispute
func (h *Handler) DisputeMilestone(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.DisputeMilestone(ctx, auth.GetAuthenticatedIdentity(c), id, index)
	})
	h.respondEscrow(c, "dispute_milestone", id, err)
}

// ResolveDispute handles POST /v1/escrows/:id/milestones/:index/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PayToBeneficiary == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payToBeneficiary is required",
		})
		return
	}

	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.ResolveMilestoneDispute(ctx, auth.GetAuthenticatedIdentity(c), id, index, *req.PayToBeneficiary)
	})
	h.respondEscrow(c, "resolve_milestone_dispute", id, err)
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.Refund(ctx, auth.GetAuthenticatedIdentity(c), id)
	})
	h.respondEscrow(c, "refund", id, err)
}

// CompleteWork handles POST /v1/escrows/:id/complete
func (h *Handler) CompleteWork(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	err := h.invoke(c, func(ctx context.Context) error {
		return h.contract.CompleteWork(ctx, auth.GetAuthenticatedIdentity(c), id)
	})
	h.respondEscrow(c, "complete_work", id, err)
}

// busyPolicy retries calls refused because another operation held the
// guard. Nothing has changed when ErrReentrancy is returned, so a retry is
// always safe.
var busyPolicy = retry.Policy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

// invoke runs a mutation on behalf of an HTTP client, retrying while the
// contract is busy.
func (h *Handler) invoke(c *gin.Context, fn func(ctx context.Context) error) error {
	return retry.Do(c.Request.Context(), busyPolicy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, ErrReentrancy) {
			return retry.Permanent(err)
		}
		return err
	})
}

// respondEscrow writes the updated record, or the error of a mutation.
func (h *Handler) respondEscrow(c *gin.Context, op string, id uint32, err error) {
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	escrow, err := h.contract.GetEscrow(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func (h *Handler) respondError(c *gin.Context, op string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("escrow operation failed", "op", op, "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// statusFor maps an operation error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized, "unauthenticated"
	}
	var e Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch e {
	case ErrEscrowNotFound:
		return http.StatusNotFound, e.Code()
	case ErrNotAuthorized:
		return http.StatusForbidden, e.Code()
	case ErrZeroAmount, ErrInvalidBeneficiary, ErrInvalidArbiter, ErrInvalidDuration,
		ErrInvalidDeadline, ErrInvalidMilestone:
		return http.StatusBadRequest, e.Code()
	case ErrAlreadyCompleted, ErrWorkStarted, ErrMilestoneAlreadySubmitted,
		ErrMilestoneNotSubmitted, ErrMilestoneNotApproved, ErrReentrancy:
		return http.StatusConflict, e.Code()
	case ErrTransferFailed:
		return http.StatusBadGateway, e.Code()
	case ErrCounterOverflow:
		return http.StatusInsufficientStorage, e.Code()
	}
	return http.StatusInternalServerError, "internal_error"
}

func parseID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "id must be a positive integer",
		})
		return 0, false
	}
	return uint32(id), true
}

func parseMilestone(c *gin.Context) (uint32, uint32, bool) {
	id, ok := parseID(c)
	if !ok {
		return 0, 0, false
	}
	index, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_index",
			"message": "milestone index must be a non-negative integer",
		})
		return 0, 0, false
	}
	return id, uint32(index), true
}
