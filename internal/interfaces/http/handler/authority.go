package handler

import (
	"context"
	"fmt"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthorityStore is the authority database behind the API
type AuthorityStore interface {
	fee.RemoteStore
	FindInstallment(ctx context.Context, id uuid.UUID) (*fee.Installment, error)
}

// AuthorityHandler serves installments and receipt counters. It is the only
// place receipt numbers become final.
type AuthorityHandler struct {
	BaseHandler
	store AuthorityStore
}

// NewAuthorityHandler creates an AuthorityHandler
func NewAuthorityHandler(store AuthorityStore) *AuthorityHandler {
	return &AuthorityHandler{store: store}
}

// ListInstallments godoc
// @Summary      List installments
// @Description  Installments filtered by school, student and status
// @Tags         installments
// @Produce      json
// @Param        school_id   query  string  false  "School"
// @Param        student_id  query  string  false  "Student"
// @Param        status      query  string  false  "unpaid, partial or paid"
// @Success      200 {object} APIResponse[[]fee.Installment]
// @Failure      400 {object} ErrorResponse
// @Router       /installments [get]
func (h *AuthorityHandler) ListInstallments(c *gin.Context) {
	var req dto.InstallmentListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	items, err := h.store.ListInstallments(c.Request.Context(), req.Query())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if items == nil {
		items = []fee.Installment{}
	}
	h.SuccessWithMeta(c, items, dto.Meta{Total: int64(len(items)), Source: "authority"})
}

// GetInstallment godoc
// @Summary      Get an installment
// @Tags         installments
// @Produce      json
// @Param        id  path  string  true  "Installment ID"
// @Success      200 {object} APIResponse[fee.Installment]
// @Failure      404 {object} ErrorResponse
// @Router       /installments/{id} [get]
func (h *AuthorityHandler) GetInstallment(c *gin.Context) {
	id, ok := h.bindID(c)
	if !ok {
		return
	}
	inst, err := h.store.FindInstallment(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, inst)
}

// CreateInstallment godoc
// @Summary      Create an installment
// @Description  Stores a device-created installment under its device-assigned id
// @Tags         installments
// @Accept       json
// @Produce      json
// @Success      201 {object} APIResponse[fee.Installment]
// @Failure      409 {object} ErrorResponse "id already exists"
// @Failure      422 {object} ErrorResponse "rejected"
// @Router       /installments [post]
func (h *AuthorityHandler) CreateInstallment(c *gin.Context) {
	var inst fee.Installment
	if err := c.ShouldBindJSON(&inst); err != nil {
		h.InvalidJSON(c, err)
		return
	}
	ctx := logger.WithSchoolID(c.Request.Context(), inst.SchoolID)

	created, err := h.store.CreateInstallment(ctx, &inst)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	logger.L(ctx).Info("installment created",
		zap.String("installment_id", created.ID.String()),
		zap.String("receipt_number", created.ReceiptNumber))
	h.Created(c, created)
}

// UpdateInstallment godoc
// @Summary      Replace an installment
// @Description  Applies a replayed write. Stale versions and unissued receipt numbers are rejected.
// @Tags         installments
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Installment ID"
// @Success      200 {object} APIResponse[fee.Installment]
// @Failure      404 {object} ErrorResponse
// @Failure      422 {object} ErrorResponse "rejected"
// @Router       /installments/{id} [put]
func (h *AuthorityHandler) UpdateInstallment(c *gin.Context) {
	id, ok := h.bindID(c)
	if !ok {
		return
	}
	var inst fee.Installment
	if err := c.ShouldBindJSON(&inst); err != nil {
		h.InvalidJSON(c, err)
		return
	}
	if inst.ID != id {
		h.HandleError(c, shared.Wrap(shared.ErrInvalidInput,
			fmt.Sprintf("body id %s does not match path id %s", inst.ID, id)))
		return
	}
	ctx := logger.WithSchoolID(c.Request.Context(), inst.SchoolID)

	updated, err := h.store.UpdateInstallment(ctx, &inst)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	logger.L(ctx).Info("installment updated",
		zap.String("installment_id", updated.ID.String()),
		zap.Int("version", updated.Version),
		zap.String("receipt_number", updated.ReceiptNumber))
	h.Success(c, updated)
}

// GetCounter godoc
// @Summary      Read a receipt counter
// @Description  A scope that never issued a number reports zero
// @Tags         counters
// @Produce      json
// @Success      200 {object} APIResponse[fee.ReceiptCounter]
// @Router       /counters/{school_id}/{document_type}/{year} [get]
func (h *AuthorityHandler) GetCounter(c *gin.Context) {
	scope, ok := h.bindScope(c)
	if !ok {
		return
	}
	counter, err := h.store.GetCounter(c.Request.Context(), scope)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, counter)
}

// IncrementCounter godoc
// @Summary      Issue the next receipt number
// @Description  Conditionally advances the counter; a concurrent move answers 409
// @Tags         counters
// @Produce      json
// @Success      200 {object} APIResponse[fee.ReceiptCounter]
// @Failure      409 {object} ErrorResponse "counter conflict"
// @Router       /counters/{school_id}/{document_type}/{year}/increment [post]
func (h *AuthorityHandler) IncrementCounter(c *gin.Context) {
	scope, ok := h.bindScope(c)
	if !ok {
		return
	}
	ctx := logger.WithSchoolID(c.Request.Context(), scope.SchoolID)

	counter, err := h.store.IncrementCounter(ctx, scope)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	logger.L(ctx).Debug("receipt counter advanced",
		zap.String("scope", scope.Key()),
		zap.Int64("counter", counter.Counter))
	h.Success(c, counter)
}

func (h *AuthorityHandler) bindID(c *gin.Context) (uuid.UUID, bool) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.ValidationError(c, err)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		h.BadRequest(c, "invalid installment id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AuthorityHandler) bindScope(c *gin.Context) (fee.Scope, bool) {
	var uri dto.CounterURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ValidationError(c, err)
		return fee.Scope{}, false
	}
	scope, err := uri.Scope()
	if err != nil {
		h.HandleError(c, err)
		return fee.Scope{}, false
	}
	return scope, true
}

// RegisterRoutes mounts the handler under the versioned API group
func (h *AuthorityHandler) RegisterRoutes(rg *gin.RouterGroup) {
	installments := rg.Group("/installments")
	installments.GET("", h.ListInstallments)
	installments.POST("", h.CreateInstallment)
	installments.GET("/:id", h.GetInstallment)
	installments.PUT("/:id", h.UpdateInstallment)

	counters := rg.Group("/counters/:school_id/:document_type/:year")
	counters.GET("", h.GetCounter)
	counters.POST("/increment", h.IncrementCounter)
}
