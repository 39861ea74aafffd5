package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/market-chat/pkg/jwt"
	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/response"
)

const (
	UserIDKey     = log.FieldUserID
	RolesKey      = log.FieldRoles
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	TokenQueryKey = "token"
)

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(token string) (*jwt.Claims, error)
}

// AuthMiddleware authenticates requests with tokens from the identity provider.
type AuthMiddleware struct {
	verifier TokenVerifier
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireAuth rejects requests without a valid token. Browsers cannot set
// headers on WebSocket upgrades, so the token query parameter is also accepted.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader(AuthHeaderKey); h != "" {
			if !strings.HasPrefix(h, BearerPrefix) {
				response.Unauthorized(c, "invalid authorization format")
				return
			}
			token = strings.TrimPrefix(h, BearerPrefix)
		} else {
			token = c.Query(TokenQueryKey)
		}
		if token == "" {
			response.Unauthorized(c, "missing authorization")
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			l := log.Ctx(c.Request.Context())
			l.Debug().Err(err).Msg("token rejected")
			response.Unauthorized(c, "invalid token")
			return
		}

		userID := claims.Subject()
		c.Set(UserIDKey, userID)
		c.Set(RolesKey, claims.Roles)
		c.Request = c.Request.WithContext(log.With(c.Request.Context(), log.FieldUserID, userID))

		c.Next()
	}
}

// RequireRole rejects authenticated requests lacking the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, r := range GetRoles(c) {
			if r == role {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "requires role "+role)
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetRoles extracts roles from Gin context.
func GetRoles(c *gin.Context) []string {
	return c.GetStringSlice(RolesKey)
}
