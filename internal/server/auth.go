package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/lenscloud/lenscloud/internal/logger"
)

const userIDKey = "userID"

// Claims are the broker's JWT claims. The subject is the user's stable
// identity.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens for glasses and companion clients.
type AuthMiddleware struct {
	secret []byte
	log    *logger.Logger
}

// NewAuthMiddleware creates the middleware. An empty secret is refused; the
// broker must not run with token validation disabled.
func NewAuthMiddleware(secret string, log *logger.Logger) (*AuthMiddleware, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return &AuthMiddleware{secret: []byte(secret), log: log.WithComponent("auth")}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// authenticated user ID on the gin context.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := a.validate(token)
		if err != nil {
			a.log.Warn("token rejected", "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (a *AuthMiddleware) validate(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// UserID returns the authenticated user from the gin context.
func UserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	s, _ := v.(string)
	return s
}
