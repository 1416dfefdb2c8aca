package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// IdentityKey stores the *Identity in gin and request contexts.
const IdentityKey ContextKey = "auth_identity"

// FromContext returns the identity stored by HTTPAuth.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(*Identity)
	return id, ok
}

// GinIdentity returns the identity stored by GinAuth.
func GinIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(string(IdentityKey))
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// GinAuth returns a Gin middleware function for authentication
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(IdentityKey), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), IdentityKey, id))
		c.Next()
	}
}

// GinRequireRole aborts with 403 unless the authenticated identity has role.
// It admits everyone when auth is disabled.
func (s *Service) GinRequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		id, ok := GinIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !id.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// HTTPAuth returns a standard HTTP middleware function for authentication
func (s *Service) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Authentication required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), IdentityKey, id)))
	})
}
