package plans

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the public plan listing.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a new plans handler.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// RegisterRoutes sets up the plan routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:id", h.GetPlan)
}

// ListPlans handles GET /v1/plans.
func (h *Handler) ListPlans(c *gin.Context) {
	plans := h.catalog.Plans()
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// GetPlan handles GET /v1/plans/:id. Checkout aliases resolve too.
func (h *Handler) GetPlan(c *gin.Context) {
	p, err := h.catalog.ResolveCheckoutID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_plan", "message": "no such plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}
