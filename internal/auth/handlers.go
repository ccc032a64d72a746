package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/scope"
)

// Me handles GET /v1/me: the authenticated user as this service sees it.
func Me(c *gin.Context) {
	u, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":        u,
		"home_tenant": u.HomeTenant(),
		"has_access":  u.HasAccess(),
	})
}

// ScopeHandler handles GET /v1/scope: the predicate applied to the caller's
// reads.
func ScopeHandler(r *scope.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := ResolveScope(c, r)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"scope": p, "unrestricted": p.Unrestricted()})
	}
}
