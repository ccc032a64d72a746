package usage

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/subscription"
)

// Handler serves the usage analytics endpoints.
type Handler struct {
	meter     *Meter
	subs      subscription.Store
	resolver  *scope.Resolver
	policy    subscription.AccessPolicy
	scheduler *Scheduler
}

// NewHandler creates a new analytics handler.
func NewHandler(meter *Meter, subs subscription.Store, resolver *scope.Resolver, policy subscription.AccessPolicy) *Handler {
	return &Handler{meter: meter, subs: subs, resolver: resolver, policy: policy}
}

// WithScheduler enables the on-demand sweep endpoint.
func (h *Handler) WithScheduler(s *Scheduler) *Handler {
	h.scheduler = s
	return h
}

// RegisterRoutes sets up the per-tenant analytics routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/analytics/me", h.MyAnalytics)
	r.GET("/analytics/warnings", h.MyWarnings)
	r.POST("/plans/check-limits", h.CheckLimits)
}

// RegisterPlatformRoutes sets up the platform-wide analytics routes.
func (h *Handler) RegisterPlatformRoutes(r gin.IRoutes) {
	r.GET("/analytics/all", h.AllAnalytics)
}

// RegisterAdminRoutes sets up the operator routes.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	if h.scheduler != nil {
		r.POST("/usage/sweep", h.Sweep)
	}
}

// MyAnalytics handles GET /v1/analytics/me: the caller's current
// subscription with freshly counted usage, limits and warnings.
func (h *Handler) MyAnalytics(c *gin.Context) {
	sub, ok := h.current(c)
	if !ok {
		return
	}
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{
			"subscription": nil,
			"has_access":   false,
			"usage":        nil,
			"warnings":     []Warning{},
		})
		return
	}

	ctx := c.Request.Context()
	snap, err := h.meter.Refresh(ctx, sub.ID)
	if err != nil {
		logging.L(ctx).Warn("live usage unavailable, reporting stored usage", "subscription_id", sub.ID, "error", err)
		snap = h.meter.Report(sub)
	} else {
		sub.Usage = snap.Usage
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription": gin.H{
			"id":                sub.ID,
			"plan_id":           sub.PlanID,
			"plan_name":         sub.PlanName,
			"status":            sub.Status,
			"payment_status":    sub.PaymentStatus,
			"price_per_month":   sub.PricePerMonth,
			"currency":          sub.Currency,
			"start_date":        sub.StartDate,
			"end_date":          sub.EndDate,
			"next_payment_date": sub.NextPaymentDate,
		},
		"has_access": h.policy.Grants(sub.Status),
		"limits":     sub.Features,
		"usage":      snap,
		"warnings":   items(h.meter.Evaluate(sub)),
		"threshold":  h.meter.Threshold(),
	})
}

// MyWarnings handles GET /v1/analytics/warnings from the stored usage.
func (h *Handler) MyWarnings(c *gin.Context) {
	sub, ok := h.current(c)
	if !ok {
		return
	}
	var list []Warning
	if sub != nil {
		list = items(h.meter.Evaluate(sub))
	}
	if list == nil {
		list = []Warning{}
	}
	c.JSON(http.StatusOK, gin.H{"has_warnings": len(list) > 0, "warnings": list})
}

// CheckLimits handles POST /v1/plans/check-limits: whether the caller's
// tenant may add count more of a resource under its current plan.
func (h *Handler) CheckLimits(c *gin.Context) {
	var req struct {
		Resource string  `json:"resource" binding:"required"`
		Count    float64 `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resource is required"})
		return
	}
	if req.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "count must not be negative"})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	resource, err := ParseResource(req.Resource)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_resource", "message": "unknown resource " + req.Resource})
		return
	}

	sub, ok := h.current(c)
	if !ok {
		return
	}
	if sub == nil || !h.policy.Grants(sub.Status) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":        "subscription_required",
			"message":      "An active subscription is required.",
			"within_limit": false,
		})
		return
	}

	a, err := h.meter.CheckAllowance(sub, resource, req.Count)
	if err != nil {
		logging.L(c.Request.Context()).Error("check allowance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to check limits"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// AllAnalytics handles GET /v1/analytics/all: the platform roll-up.
func (h *Handler) AllAnalytics(c *gin.Context) {
	ctx := c.Request.Context()
	sum, err := h.subs.Summarize(ctx, scope.Predicate{Kind: scope.KindAll})
	if err != nil {
		logging.L(ctx).Error("analytics summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to summarize subscriptions"})
		return
	}
	live, err := h.subs.ListNonTerminal(ctx)
	if err != nil {
		logging.L(ctx).Error("list live subscriptions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list subscriptions"})
		return
	}

	warnings := []*Warnings{}
	withAccess := 0
	for _, sub := range live {
		if h.policy.Grants(sub.Status) {
			withAccess++
		}
		if w := h.meter.Evaluate(sub); w != nil {
			warnings = append(warnings, w)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":                   sum,
		"live_subscriptions":        len(live),
		"subscriptions_with_access": withAccess,
		"past_due_grants_access":    h.policy.GrantPastDue,
		"tenants_with_warnings":     len(warnings),
		"warnings":                  warnings,
	})
}

// Sweep handles POST /v1/admin/usage/sweep: one limit warning sweep now.
func (h *Handler) Sweep(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		logging.L(ctx).Error("usage sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "usage sweep failed", "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// current loads the newest live subscription in the caller's scope,
// ignoring category restrictions. A nil subscription with ok=true means the
// caller has none.
func (h *Handler) current(c *gin.Context) (*subscription.Subscription, bool) {
	pred, ok := auth.ResolveScope(c, h.resolver)
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	sub, err := h.subs.Current(ctx, pred.TenantLevel())
	if errors.Is(err, subscription.ErrNotFound) {
		return nil, true
	}
	if err != nil {
		logging.L(ctx).Error("load current subscription failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load subscription"})
		return nil, false
	}
	return sub, true
}

func items(w *Warnings) []Warning {
	if w == nil {
		return []Warning{}
	}
	return w.Items
}
