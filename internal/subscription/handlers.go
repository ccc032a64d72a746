package subscription

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/validation"
)

// Handler serves the scoped payment history and the checkout guard.
type Handler struct {
	machine  *Machine
	subs     Store
	resolver *scope.Resolver
}

// NewHandler creates a new subscription handler.
func NewHandler(machine *Machine, subs Store, resolver *scope.Resolver) *Handler {
	return &Handler{machine: machine, subs: subs, resolver: resolver}
}

// RegisterPaymentRoutes sets up the payment history routes. Callers attach
// role checks to the group.
func (h *Handler) RegisterPaymentRoutes(r gin.IRoutes) {
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/summary", h.PaymentSummary)
}

// RegisterCheckoutRoutes sets up the checkout guard.
func (h *Handler) RegisterCheckoutRoutes(r gin.IRoutes) {
	r.POST("/checkout/eligibility", h.CheckEligibility)
}

// ListPayments handles GET /v1/payments.
func (h *Handler) ListPayments(c *gin.Context) {
	pred, ok := auth.ResolveScope(c, h.resolver)
	if !ok {
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
		return
	}
	page, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	subs, total, err := h.subs.List(ctx, pred, filter, page)
	if err != nil {
		logging.L(ctx).Error("list payments failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list payments"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   subs,
		"pagination": pagination.MetaFor(page, total),
	})
}

// PaymentSummary handles GET /v1/payments/summary.
func (h *Handler) PaymentSummary(c *gin.Context) {
	pred, ok := auth.ResolveScope(c, h.resolver)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sum, err := h.subs.Summarize(ctx, pred)
	if err != nil {
		logging.L(ctx).Error("payment summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to summarize payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// CheckEligibility handles POST /v1/checkout/eligibility. It runs before
// the front end opens a checkout session so that a tenant cannot pay twice
// for the plan it already holds.
func (h *Handler) CheckEligibility(c *gin.Context) {
	u, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Valid token required."})
		return
	}
	var req struct {
		PlanID string `json:"plan_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "plan_id is required"})
		return
	}

	ctx := c.Request.Context()
	plan, err := h.machine.CheckEligibility(ctx, u.HomeTenant(), req.PlanID)
	switch {
	case errors.Is(err, plans.ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_plan", "message": "no such plan"})
		return
	case errors.Is(err, ErrAlreadySubscribed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_subscribed", "message": "You already have an active subscription to this plan."})
		return
	case err != nil:
		logging.L(ctx).Error("eligibility check failed", "user_id", u.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to check eligibility"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible": true, "plan": plan})
}

func parseFilter(c *gin.Context) (scope.Filter, error) {
	f := scope.Filter{
		Category: strings.TrimSpace(c.Query("category")),
		Search:   validation.SanitizeString(c.Query("search"), validation.MaxSearchLength),
	}
	if s := c.Query("status"); s != "" {
		if !Status(s).Valid() {
			return scope.Filter{}, errors.New("status must be one of trialing, active, past_due, cancelled, expired")
		}
		f.Status = s
	}
	from, to, err := validation.ParseDateRange(c.Query("from"), c.Query("to"))
	if err != nil {
		return scope.Filter{}, err
	}
	f.From, f.To = from, to
	return f, nil
}
