// README: JWT auth; tokens carry operator permissions, handlers read a Principal.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"alon/internal/types"
)

const principalKey = "principal"

// Claims is the token payload. Subject is the operator id; Perms uses the
// pricing:* permission names.
type Claims struct {
	Perms []string `json:"perms"`
	Level int      `json:"level"`
	jwt.RegisteredClaims
}

// Auth validates the Bearer token and attaches a Principal to the request.
// An empty secret disables verification and grants every permission; that
// mode exists for local development only.
func Auth(secret string) gin.HandlerFunc {
	if secret == "" {
		anon := types.Principal{
			UserID: "anonymous",
			Permissions: []string{
				types.PermPricingRead, types.PermPricingWrite,
				types.PermPricingApprove, types.PermPricingEmergency,
			},
		}
		return func(c *gin.Context) {
			c.Set(principalKey, anon)
			c.Next()
		}
	}

	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			return
		}

		c.Set(principalKey, types.Principal{
			UserID:      types.ID(claims.Subject),
			Permissions: claims.Perms,
			Level:       claims.Level,
		})
		c.Next()
	}
}

// Require guards a route group behind one permission.
func Require(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		if !p.Can(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing permission " + perm})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(c *gin.Context) (types.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return types.Principal{}, false
	}
	p, ok := v.(types.Principal)
	return p, ok
}
