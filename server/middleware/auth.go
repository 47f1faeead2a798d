package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/identity"
	"github.com/san-kum/palm-detector/server/models"
	"go.uber.org/zap"
)

const principalKey = "principal"

type AuthMiddleware struct {
	verifier identity.Verifier
	logger   *zap.Logger
}

func NewAuthMiddleware(verifier identity.Verifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// RequireAuth verifies the bearer token on every request. Nothing about a
// previous verification is remembered.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))

		principal, err := a.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			a.logger.Warn("Rejected credential",
				zap.String("code", string(models.KindOf(err))),
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			AbortWithError(c, err)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is absent or uses another scheme.
func ExtractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func PrincipalFrom(c *gin.Context) (*models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	principal, ok := v.(*models.Principal)
	return principal, ok && principal != nil
}
