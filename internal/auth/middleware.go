package auth

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/tenant"
)

// ContextKeyUser is the gin context key holding the authenticated *tenant.User.
const ContextKeyUser = "authUser"

// Middleware resolves the bearer token when one is present. Requests
// without a valid token continue unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			u, err := m.Authenticate(c.Request.Context(), header)
			if err == nil {
				c.Set(ContextKeyUser, u)
			} else if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrUnknownUser) {
				logging.L(c.Request.Context()).Error("user lookup failed during authentication", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentUser(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRoles requires an authenticated user holding one of roles.
func RequireRoles(roles ...tenant.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid token required.",
			})
			return
		}
		if !slices.Contains(roles, u.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Your role does not permit this action.",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, if any.
func CurrentUser(c *gin.Context) (*tenant.User, bool) {
	v, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, false
	}
	u, ok := v.(*tenant.User)
	return u, ok
}

// ResolveScope resolves the caller's data-access predicate, honouring the
// tenant_id query parameter for super admins. On failure it writes the
// response and returns false.
func ResolveScope(c *gin.Context, r *scope.Resolver) (scope.Predicate, bool) {
	u, ok := CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Valid token required."})
		return scope.Predicate{}, false
	}
	p, err := r.Resolve(scope.FromUser(u), c.Query("tenant_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access_denied", "message": "No data scope for this account."})
		return scope.Predicate{}, false
	}
	return p, true
}
