package tenant

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/idgen"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/validation"
)

// Handler provides operator endpoints for seeding the tenant directory.
// Day-to-day tenant management lives in the main application.
type Handler struct {
	store Store
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up the super-admin directory routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants/:id", h.GetTenant)
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUser)
}

// CreateTenant handles POST /v1/admin/tenants.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name         string `json:"name" binding:"required"`
		Email        string `json:"email"`
		BusinessType string `json:"business_type"`
		OwnerUserID  string `json:"owner_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}
	if errs := validation.Validate(validation.ValidEmail("email", req.Email)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	if req.OwnerUserID != "" {
		if _, err := h.store.GetUser(ctx, req.OwnerUserID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_not_found", "message": "owner user does not exist"})
			return
		}
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:           idgen.WithPrefix("ten_"),
		Name:         validation.SanitizeString(req.Name, 200),
		OwnerUserID:  req.OwnerUserID,
		Email:        NormalizeEmail(req.Email),
		BusinessType: validation.SanitizeString(req.BusinessType, 100),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateTenant(ctx, t); err != nil {
		logging.L(ctx).Error("create tenant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}
	if req.OwnerUserID != "" {
		if err := h.store.LinkTenant(ctx, req.OwnerUserID, t.ID, true); err != nil {
			logging.L(ctx).Error("link tenant owner failed", "tenant_id", t.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "tenant created but owner link failed"})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// GetTenant handles GET /v1/admin/tenants/:id.
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.GetTenant(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load tenant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// CreateUser handles POST /v1/admin/users.
func (h *Handler) CreateUser(c *gin.Context) {
	var req struct {
		Email      string `json:"email"`
		Name       string `json:"name"`
		Role       string `json:"role"`
		TenantID   string `json:"tenant_id"`
		CustomerID string `json:"customer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}
	errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
		validation.OneOf("role", req.Role,
			string(RoleSuperAdmin), string(RoleAdmin), string(RoleManager), string(RoleTechnician), string(RolePending)),
		validation.MaxLength("name", req.Name, 200),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	if req.TenantID != "" {
		if _, err := h.store.GetTenant(ctx, req.TenantID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_not_found", "message": "tenant does not exist"})
			return
		}
	}

	now := time.Now().UTC()
	u := &User{
		ID:         idgen.WithPrefix("usr_"),
		Email:      NormalizeEmail(req.Email),
		Name:       validation.SanitizeString(req.Name, 200),
		Role:       Role(req.Role),
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
		Access:     AccessNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "email already registered"})
			return
		}
		logging.L(ctx).Error("create user failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create user"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": u})
}

// GetUser handles GET /v1/admin/users/:id.
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.store.GetUser(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
