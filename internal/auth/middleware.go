package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "authUserID"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// Verifier checks HS256 bearer tokens issued for this service.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier returns nil when secret is empty, which disables authentication.
func NewVerifier(secret, audience string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}
}

// Subject validates a raw token and returns its subject.
func (v *Verifier) Subject(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// JWTMiddleware rejects requests without a valid bearer token. A nil verifier
// lets every request through.
func JWTMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}

		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		subject, err := v.Subject(tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		setUser(c, subject)
		c.Next()
	}
}

// OptionalJWT attaches the subject of a valid bearer token when one is sent
// and never rejects the request.
func OptionalJWT(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v != nil {
			if tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization")); err == nil {
				if subject, err := v.Subject(tokenString); err == nil {
					setUser(c, subject)
				}
			}
		}
		c.Next()
	}
}

func setUser(c *gin.Context, subject string) {
	ctx := context.WithValue(c.Request.Context(), userIDKey, subject)
	c.Request = c.Request.WithContext(ctx)
	c.Set(string(userIDKey), subject)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
